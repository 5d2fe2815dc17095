package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quorum.app/internal/auth"
	"quorum.app/internal/ids"
	"quorum.app/internal/obs"
)

const defaultTTL = 7 * 24 * time.Hour

var (
	ErrLoginUnavailable = errors.New("session: no identity provider configured")
	ErrLoginFailed      = errors.New("session: identity provider rejected the login")
)

// Assertion is what the identity provider vouches for after login.
type Assertion struct {
	Subject     string
	Email       string
	DisplayName string
}

// Provider is the boundary to the external identity provider.
type Provider interface {
	AuthorizationURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (Assertion, error)
}

// Session is a browser session, stored by hash.
type Session struct {
	ID        string
	Hash      string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type Store interface {
	CreateSession(ctx context.Context, s Session) error
	SessionByHash(ctx context.Context, hash string) (Session, error)
	DeleteSession(ctx context.Context, hash string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Users creates accounts lazily on first login.
type Users interface {
	UpsertUser(ctx context.Context, email, displayName string) (auth.User, error)
	GetUser(ctx context.Context, id string) (auth.User, error)
}

type Manager struct {
	store    Store
	users    Users
	provider Provider
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithProvider enables browser login. Without it only Verify and Logout work.
func WithProvider(p Provider) Option {
	return func(m *Manager) { m.provider = p }
}

func NewManager(store Store, users Users, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if users == nil {
		return nil, errors.New("user store is required")
	}
	m := &Manager{store: store, users: users, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LoginURL returns the provider URL to send the browser to.
func (m *Manager) LoginURL(state string) (string, error) {
	if m.provider == nil {
		return "", ErrLoginUnavailable
	}
	return m.provider.AuthorizationURL(state)
}

// Complete finishes the provider round trip and opens a session.
func (m *Manager) Complete(ctx context.Context, code string) (string, Session, auth.User, error) {
	if m.provider == nil {
		return "", Session{}, auth.User{}, ErrLoginUnavailable
	}
	if strings.TrimSpace(code) == "" {
		return "", Session{}, auth.User{}, ErrLoginFailed
	}
	assertion, err := m.provider.Exchange(ctx, code)
	if err != nil {
		obs.Logger().ErrorContext(ctx, "identity provider exchange failed", "error", err)
		return "", Session{}, auth.User{}, ErrLoginFailed
	}
	return m.Login(ctx, assertion)
}

// Login opens a session for an asserted identity, creating the user on first sight.
func (m *Manager) Login(ctx context.Context, a Assertion) (string, Session, auth.User, error) {
	email := auth.NormalizeEmail(a.Email)
	if email == "" {
		return "", Session{}, auth.User{}, fmt.Errorf("%w: assertion has no email", ErrLoginFailed)
	}
	user, err := m.users.UpsertUser(ctx, email, strings.TrimSpace(a.DisplayName))
	if err != nil {
		return "", Session{}, auth.User{}, fmt.Errorf("upsert user: %w", err)
	}
	token, err := ids.Secret(32)
	if err != nil {
		return "", Session{}, auth.User{}, err
	}
	now := m.now().UTC()
	sess := Session{
		ID:        ids.New(),
		Hash:      auth.HashToken(token),
		UserID:    user.ID,
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", Session{}, auth.User{}, fmt.Errorf("store session: %w", err)
	}
	obs.Logger().InfoContext(ctx, "session opened", "user_id", user.ID, "session_id", sess.ID, "subject", a.Subject)
	return token, sess, user, nil
}

// Verify maps a session token to its identity. Expiry is strict.
func (m *Manager) Verify(ctx context.Context, token string) (auth.Identity, error) {
	id, err := m.verify(ctx, token)
	obs.CredentialVerified(string(auth.MethodSession), err == nil)
	if err != nil {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	return id, nil
}

func (m *Manager) verify(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	sess, err := m.store.SessionByHash(ctx, auth.HashToken(token))
	if err != nil {
		if !errors.Is(err, auth.ErrNotFound) {
			obs.Logger().WarnContext(ctx, "session lookup failed", "error", err)
		}
		return auth.Identity{}, err
	}
	if !m.now().Before(sess.ExpiresAt) {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	user, err := m.users.GetUser(ctx, sess.UserID)
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Method:      auth.MethodSession,
		SessionID:   sess.ID,
	}, nil
}

// Logout deletes the session. Unknown tokens are ignored.
func (m *Manager) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := m.store.DeleteSession(ctx, auth.HashToken(token))
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return err
	}
	return nil
}

// Purge removes expired sessions.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	return m.store.DeleteExpiredSessions(ctx, m.now().UTC())
}
