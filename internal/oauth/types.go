package oauth

import (
	"context"
	"slices"
	"strings"
	"time"

	"quorum.app/internal/auth"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"

	AuthMethodNone              = "none"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretBasic = "client_secret_basic"

	ChallengeS256 = "S256"

	typeAccess  = "access"
	typeRefresh = "refresh"
)

// Client is a dynamically registered OAuth client.
type Client struct {
	ID           string
	SecretHash   string
	Name         string
	RedirectURIs []string
	Scopes       []string
	AuthMethod   string
	Active       bool
	CreatedAt    time.Time
}

// Public reports whether the client authenticates by PKCE alone.
func (c Client) Public() bool { return c.AuthMethod == AuthMethodNone }

// AllowsRedirect compares byte-for-byte against the registered set.
func (c Client) AllowsRedirect(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AuthCode is a pending authorization code, stored by hash.
type AuthCode struct {
	Hash                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	CreatedAt           time.Time
}

// Family groups every refresh token descended from one authorization.
type Family struct {
	ID            string
	ClientID      string
	UserID        string
	Scopes        []string
	CreatedAt     time.Time
	RevokedAt     *time.Time
	RevokedReason string
}

func (f Family) Revoked() bool { return f.RevokedAt != nil }

// RefreshUse marks a refresh token as spent. It is keyed by the signed jti,
// not the encoded token, so re-encodings of one token share a row.
type RefreshUse struct {
	JTI        string
	FamilyID   string
	ClientID   string
	ConsumedAt time.Time
}

// PurgeStats reports rows removed by Purge.
type PurgeStats struct {
	Codes        int64 `json:"codes"`
	RefreshUses  int64 `json:"refresh_uses"`
	DeniedTokens int64 `json:"denied_tokens"`
}

// Store persists OAuth state. Consume operations must be atomic across
// concurrent callers and instances.
type Store interface {
	CreateClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (Client, error)

	CreateAuthCode(ctx context.Context, code AuthCode) error
	// ConsumeAuthCode removes and returns the code. Exactly one caller can
	// consume a given code; the rest get auth.ErrNotFound.
	ConsumeAuthCode(ctx context.Context, hash string) (AuthCode, error)

	CreateFamily(ctx context.Context, f Family) error
	GetFamily(ctx context.Context, id string) (Family, error)
	RevokeFamily(ctx context.Context, id, reason string, at time.Time) error
	// MarkRefreshConsumed records use; ErrAlreadyConsumed if recorded before.
	MarkRefreshConsumed(ctx context.Context, use RefreshUse) error

	DenyAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	AccessTokenDenied(ctx context.Context, jti string) (bool, error)

	PurgeOAuth(ctx context.Context, now, consumedBefore time.Time) (PurgeStats, error)
}

// Users resolves the resource owner bound to a code or family.
type Users interface {
	GetUser(ctx context.Context, id string) (auth.User, error)
}

// RegistrationRequest is the RFC 7591 request body.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// Registration is the RFC 7591 response. ClientSecret is only ever returned here.
type Registration struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// AuthorizeRequest carries the authorization endpoint parameters together
// with the already-authenticated resource owner.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             auth.Identity
}

// AuthorizeResult is where to send the user agent next.
type AuthorizeResult struct {
	Code        string
	RedirectURL string
}

// TokenRequest is the token endpoint form, after client credentials have
// been extracted from either the body or the Basic header.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ClientID     string
	ClientSecret string
}

// TokenResponse is the RFC 6749 §5.1 success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// RevokeRequest is the RFC 7009 request.
type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
}

func joinScopes(scopes []string) string { return strings.Join(scopes, " ") }

func splitScopes(raw string) []string {
	return strings.Fields(raw)
}

func subset(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}
