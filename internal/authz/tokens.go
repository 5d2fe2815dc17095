package authz

import (
	"context"
	"errors"
	"time"

	"quorum.app/internal/auth"
	"quorum.app/internal/statictoken"
)

// TokenService manages static tokens on behalf of an identity. Users manage
// their own tokens; org-admins manage everyone's.
type TokenService struct {
	dir       auth.Directory
	guard     *Guard
	authority *statictoken.Authority
}

func NewTokenService(dir auth.Directory, guard *Guard, authority *statictoken.Authority) (*TokenService, error) {
	if dir == nil || guard == nil || authority == nil {
		return nil, errors.New("directory, guard and token authority are required")
	}
	return &TokenService{dir: dir, guard: guard, authority: authority}, nil
}

// IssueInput describes a token request. An empty OwnerEmail means the caller.
type IssueInput struct {
	OwnerEmail string     `json:"owner_email,omitempty"`
	Label      string     `json:"label"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// Issued is returned exactly once; Token is the plaintext secret.
type Issued struct {
	Token    string            `json:"token"`
	Metadata statictoken.Token `json:"metadata"`
}

func (s *TokenService) isOrgAdmin(ctx context.Context, id auth.Identity) (bool, error) {
	if id.Method == auth.MethodAdmin {
		return true, nil
	}
	u, err := s.dir.GetUser(ctx, id.UserID)
	if errors.Is(err, auth.ErrNotFound) {
		return false, auth.ErrDenied
	}
	if err != nil {
		return false, err
	}
	return u.IsOrgAdmin, nil
}

func (s *TokenService) Issue(ctx context.Context, id auth.Identity, in IssueInput) (Issued, error) {
	if !id.CanWrite() {
		return Issued{}, auth.ErrDenied
	}
	admin, err := s.isOrgAdmin(ctx, id)
	if err != nil {
		return Issued{}, err
	}
	ownerEmail := auth.NormalizeEmail(in.OwnerEmail)
	if ownerEmail == "" {
		ownerEmail = auth.NormalizeEmail(id.Email)
	}
	if ownerEmail != auth.NormalizeEmail(id.Email) && !admin {
		return Issued{}, auth.ErrDenied
	}

	var out Issued
	err = s.guard.Audited(ctx, id, "", Action{
		Operation:  auth.OpCreate,
		EntityType: "static_token",
		Detail:     "issued token " + in.Label + " for " + ownerEmail,
	}, func(ctx context.Context) (string, error) {
		owner, err := s.dir.GetUserByEmail(ctx, ownerEmail)
		if errors.Is(err, auth.ErrNotFound) {
			return "", auth.ErrInvalidOwner
		}
		if err != nil {
			return "", err
		}
		plaintext, tok, err := s.authority.Issue(ctx, statictoken.IssueRequest{
			OwnerUserID: owner.ID,
			Label:       in.Label,
			ExpiresAt:   in.ExpiresAt,
			CreatedBy:   id.Email,
			Notes:       in.Notes,
		})
		if err != nil {
			return "", err
		}
		out = Issued{Token: plaintext, Metadata: tok}
		return tok.ID, nil
	})
	return out, err
}

// List returns the caller's tokens, or all tokens for org-admins when all is set.
func (s *TokenService) List(ctx context.Context, id auth.Identity, all bool) ([]statictoken.Token, error) {
	owner := id.UserID
	if all {
		admin, err := s.isOrgAdmin(ctx, id)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, auth.ErrDenied
		}
		owner = ""
	}
	return s.authority.List(ctx, owner)
}

// Revoke deactivates a token owned by the caller, or any token for org-admins.
func (s *TokenService) Revoke(ctx context.Context, id auth.Identity, tokenID string) error {
	if !id.CanWrite() {
		return auth.ErrDenied
	}
	tok, err := s.authority.Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if tok.OwnerUserID != id.UserID {
		admin, err := s.isOrgAdmin(ctx, id)
		if err != nil {
			return err
		}
		if !admin {
			// Indistinguishable from a missing token.
			return auth.ErrNotFound
		}
	}
	return s.guard.Audited(ctx, id, "", Action{
		Operation:  auth.OpDelete,
		EntityType: "static_token",
		EntityID:   tokenID,
		Detail:     "revoked token " + tok.Label + " of " + tok.OwnerEmail,
	}, func(ctx context.Context) (string, error) {
		_, err := s.authority.Revoke(ctx, tokenID)
		return tokenID, err
	})
}
