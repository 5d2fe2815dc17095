package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"quorum.app/internal/auth"
	"quorum.app/internal/oauth"
)

var _ oauth.Store = (*Store)(nil)

func (s *Store) CreateClient(ctx context.Context, c oauth.Client) error {
	uris, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encode redirect uris: %w", err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err = s.q(ctx).ExecContext(ctx, `
		insert into oauth_clients (id, secret_hash, name, redirect_uris, scopes, auth_method, active, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, nullIfEmpty(c.SecretHash), c.Name, uris, strings.Join(c.Scopes, " "), c.AuthMethod, c.Active, c.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) GetClient(ctx context.Context, id string) (oauth.Client, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		c      oauth.Client
		secret sql.NullString
		uris   []byte
		scopes string
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		select id, secret_hash, name, redirect_uris, scopes, auth_method, active, created_at
		from oauth_clients where id = $1
	`, id).Scan(&c.ID, &secret, &c.Name, &uris, &scopes, &c.AuthMethod, &c.Active, &c.CreatedAt)
	if err != nil {
		return oauth.Client{}, notFound(err)
	}
	if err := json.Unmarshal(uris, &c.RedirectURIs); err != nil {
		return oauth.Client{}, fmt.Errorf("decode redirect uris: %w", err)
	}
	c.SecretHash = secret.String
	c.Scopes = strings.Fields(scopes)
	return c, nil
}

func (s *Store) CreateAuthCode(ctx context.Context, code oauth.AuthCode) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into oauth_authorization_codes
			(code_hash, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, code.Hash, code.ClientID, code.UserID, code.RedirectURI, strings.Join(code.Scopes, " "),
		code.CodeChallenge, code.CodeChallengeMethod, code.ExpiresAt.UTC(), code.CreatedAt.UTC())
	switch {
	case isUniqueViolation(err):
		return auth.ErrConflict
	case isForeignKeyViolation(err):
		return auth.ErrNotFound
	}
	return err
}

// ConsumeAuthCode deletes and returns the code in one statement, so
// concurrent redemptions see exactly one winner.
func (s *Store) ConsumeAuthCode(ctx context.Context, hash string) (oauth.AuthCode, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	code := oauth.AuthCode{Hash: hash}
	var scopes string
	err := s.q(ctx).QueryRowContext(ctx, `
		delete from oauth_authorization_codes
		where code_hash = $1
		returning client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, expires_at, created_at
	`, hash).Scan(&code.ClientID, &code.UserID, &code.RedirectURI, &scopes,
		&code.CodeChallenge, &code.CodeChallengeMethod, &code.ExpiresAt, &code.CreatedAt)
	if err != nil {
		return oauth.AuthCode{}, notFound(err)
	}
	code.Scopes = strings.Fields(scopes)
	return code, nil
}

func (s *Store) CreateFamily(ctx context.Context, f oauth.Family) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into oauth_token_families (id, client_id, user_id, scopes, created_at)
		values ($1, $2, $3, $4, $5)
	`, f.ID, f.ClientID, f.UserID, strings.Join(f.Scopes, " "), f.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) GetFamily(ctx context.Context, id string) (oauth.Family, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		f       oauth.Family
		scopes  string
		revoked sql.NullTime
		reason  sql.NullString
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		select id, client_id, user_id, scopes, created_at, revoked_at, revoked_reason
		from oauth_token_families where id = $1
	`, id).Scan(&f.ID, &f.ClientID, &f.UserID, &scopes, &f.CreatedAt, &revoked, &reason)
	if err != nil {
		return oauth.Family{}, notFound(err)
	}
	f.Scopes = strings.Fields(scopes)
	f.RevokedAt = timePtr(revoked)
	f.RevokedReason = reason.String
	return f, nil
}

// RevokeFamily keeps the first revocation time and reason.
func (s *Store) RevokeFamily(ctx context.Context, id, reason string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.q(ctx).ExecContext(ctx, `
		update oauth_token_families
		set revoked_at = coalesce(revoked_at, $2),
		    revoked_reason = coalesce(revoked_reason, $3)
		where id = $1
	`, id, at.UTC(), reason)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// MarkRefreshConsumed relies on the primary key: the second insert of the
// same jti fails with a unique violation.
func (s *Store) MarkRefreshConsumed(ctx context.Context, use oauth.RefreshUse) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into oauth_refresh_token_uses (jti, family_id, client_id, consumed_at)
		values ($1, $2, $3, $4)
	`, use.JTI, use.FamilyID, use.ClientID, use.ConsumedAt.UTC())
	if isUniqueViolation(err) {
		return oauth.ErrAlreadyConsumed
	}
	return err
}

func (s *Store) DenyAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into oauth_denied_access_tokens (jti, expires_at)
		values ($1, $2)
		on conflict (jti) do nothing
	`, jti, expiresAt.UTC())
	return err
}

func (s *Store) AccessTokenDenied(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var denied bool
	err := s.q(ctx).QueryRowContext(ctx, `
		select exists (select 1 from oauth_denied_access_tokens where jti = $1)
	`, jti).Scan(&denied)
	return denied, err
}

// PurgeOAuth removes expired codes, consumption rows older than
// consumedBefore and expired deny-list entries in one transaction.
func (s *Store) PurgeOAuth(ctx context.Context, now, consumedBefore time.Time) (oauth.PurgeStats, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var stats oauth.PurgeStats
	err := s.InTx(ctx, func(ctx context.Context) error {
		var err error
		if stats.Codes, err = s.purgeBefore(ctx, `delete from oauth_authorization_codes where expires_at <= $1`, now.UTC()); err != nil {
			return err
		}
		if stats.RefreshUses, err = s.purgeBefore(ctx, `delete from oauth_refresh_token_uses where consumed_at < $1`, consumedBefore.UTC()); err != nil {
			return err
		}
		stats.DeniedTokens, err = s.purgeBefore(ctx, `delete from oauth_denied_access_tokens where expires_at <= $1`, now.UTC())
		return err
	})
	if err != nil {
		return oauth.PurgeStats{}, err
	}
	return stats, nil
}
