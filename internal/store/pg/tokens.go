package pg

import (
	"context"
	"database/sql"
	"time"

	"quorum.app/internal/auth"
	"quorum.app/internal/session"
	"quorum.app/internal/statictoken"
)

var (
	_ statictoken.Store = (*Store)(nil)
	_ session.Store     = (*Store)(nil)
)

const tokenSelect = `
	select t.id, t.token_hash, t.owner_user_id, u.email, u.display_name, t.label, t.active,
	       t.expires_at, t.last_used_at, t.created_at, t.created_by, t.notes
	from static_tokens t
	join users u on u.id = t.owner_user_id
`

func scanToken(row rowScanner) (statictoken.Token, error) {
	var (
		t                 statictoken.Token
		expires, lastUsed sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Hash, &t.OwnerUserID, &t.OwnerEmail, &t.OwnerName, &t.Label, &t.Active,
		&expires, &lastUsed, &t.CreatedAt, &t.CreatedBy, &t.Notes); err != nil {
		return statictoken.Token{}, err
	}
	t.ExpiresAt = timePtr(expires)
	t.LastUsedAt = timePtr(lastUsed)
	return t, nil
}

func (s *Store) CreateStaticToken(ctx context.Context, t statictoken.Token) (statictoken.Token, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.q(ctx).QueryRowContext(ctx, `
		insert into static_tokens (id, token_hash, owner_user_id, label, active, expires_at, created_at, created_by, notes)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning created_at
	`, t.ID, t.Hash, t.OwnerUserID, t.Label, t.Active, nullTime(t.ExpiresAt), t.CreatedAt.UTC(), t.CreatedBy, t.Notes).
		Scan(&t.CreatedAt)
	switch {
	case isForeignKeyViolation(err):
		return statictoken.Token{}, auth.ErrInvalidOwner
	case isUniqueViolation(err):
		return statictoken.Token{}, auth.ErrConflict
	case err != nil:
		return statictoken.Token{}, err
	}
	return t, nil
}

func (s *Store) StaticTokenByHash(ctx context.Context, hash string) (statictoken.Token, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	t, err := scanToken(s.q(ctx).QueryRowContext(ctx, tokenSelect+` where t.token_hash = $1`, hash))
	return t, notFound(err)
}

func (s *Store) GetStaticToken(ctx context.Context, id string) (statictoken.Token, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	t, err := scanToken(s.q(ctx).QueryRowContext(ctx, tokenSelect+` where t.id = $1`, id))
	return t, notFound(err)
}

func (s *Store) ListStaticTokens(ctx context.Context, ownerUserID string) ([]statictoken.Token, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.q(ctx).QueryContext(ctx, tokenSelect+`
		where ($1::text is null or t.owner_user_id = $1)
		order by t.created_at, t.id
	`, nullIfEmpty(ownerUserID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []statictoken.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RevokeStaticToken(ctx context.Context, id string) (statictoken.Token, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.q(ctx).ExecContext(ctx, `update static_tokens set active = false where id = $1`, id)
	if err != nil {
		return statictoken.Token{}, err
	}
	if err := expectOne(res); err != nil {
		return statictoken.Token{}, err
	}
	t, err := scanToken(s.q(ctx).QueryRowContext(ctx, tokenSelect+` where t.id = $1`, id))
	return t, notFound(err)
}

func (s *Store) StaticTokenActive(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var active bool
	err := s.q(ctx).QueryRowContext(ctx, `select active from static_tokens where id = $1`, id).Scan(&active)
	return active, notFound(err)
}

func (s *Store) TouchStaticToken(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.q(ctx).ExecContext(ctx, `
		update static_tokens set last_used_at = $2
		where id = $1 and (last_used_at is null or last_used_at < $2)
	`, id, at.UTC())
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess session.Session) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into sessions (id, token_hash, user_id, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, sess.ID, sess.Hash, sess.UserID, sess.ExpiresAt.UTC(), sess.CreatedAt.UTC())
	switch {
	case isForeignKeyViolation(err):
		return auth.ErrNotFound
	case isUniqueViolation(err):
		return auth.ErrConflict
	}
	return err
}

func (s *Store) SessionByHash(ctx context.Context, hash string) (session.Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	sess := session.Session{Hash: hash}
	err := s.q(ctx).QueryRowContext(ctx, `
		select id, user_id, expires_at, created_at from sessions where token_hash = $1
	`, hash).Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return session.Session{}, notFound(err)
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, hash string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.q(ctx).ExecContext(ctx, `delete from sessions where token_hash = $1`, hash)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.purgeBefore(ctx, `delete from sessions where expires_at <= $1`, now.UTC())
}
