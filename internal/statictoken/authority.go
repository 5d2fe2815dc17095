package statictoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"quorum.app/internal/auth"
	"quorum.app/internal/ids"
	"quorum.app/internal/obs"
)

const (
	secretBytes      = 32
	defaultCacheTTL  = 5 * time.Minute
	defaultTouchSize = 512
	touchTimeout     = 2 * time.Second
)

// Token is the stored form of a static bearer token. The plaintext is never kept.
type Token struct {
	ID          string     `json:"id"`
	Hash        string     `json:"-"`
	OwnerUserID string     `json:"owner_user_id"`
	OwnerEmail  string     `json:"owner_email"`
	OwnerName   string     `json:"-"`
	Label       string     `json:"label"`
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
	Notes       string     `json:"notes,omitempty"`
}

// Usable reports whether the token verifies at now. Expiry is strict.
func (t Token) Usable(now time.Time) bool {
	if !t.Active {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}

// Store persists static tokens. Lookups by hash return the owner's email.
type Store interface {
	CreateStaticToken(ctx context.Context, t Token) (Token, error)
	StaticTokenByHash(ctx context.Context, hash string) (Token, error)
	GetStaticToken(ctx context.Context, id string) (Token, error)
	ListStaticTokens(ctx context.Context, ownerUserID string) ([]Token, error)
	RevokeStaticToken(ctx context.Context, id string) (Token, error)
	// StaticTokenActive reads only the active flag; cache hits confirm with it.
	StaticTokenActive(ctx context.Context, id string) (bool, error)
	TouchStaticToken(ctx context.Context, id string, at time.Time) error
}

// Users resolves token owners.
type Users interface {
	GetUser(ctx context.Context, id string) (auth.User, error)
}

// Cache is an optional verification cache keyed by token hash. A hit saves
// the owner lookup; revocation is still read from the store.
type Cache interface {
	Get(ctx context.Context, hash string) (Token, bool, error)
	Set(ctx context.Context, hash string, t Token, ttl time.Duration) error
	Delete(ctx context.Context, hash string) error
}

// IssueRequest describes a token to mint.
type IssueRequest struct {
	OwnerUserID string
	Label       string
	ExpiresAt   *time.Time
	CreatedBy   string
	Notes       string
}

// Authority issues, verifies and revokes static tokens.
type Authority struct {
	store    Store
	users    Users
	cache    Cache
	cacheTTL time.Duration
	now      func() time.Time

	touches chan touch
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

type touch struct {
	id string
	at time.Time
}

// Option configures Authority.
type Option func(*Authority)

func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// WithCache enables the verification cache.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(a *Authority) {
		a.cache = c
		if ttl > 0 {
			a.cacheTTL = ttl
		}
	}
}

func NewAuthority(store Store, users Users, opts ...Option) (*Authority, error) {
	if store == nil {
		return nil, errors.New("token store is required")
	}
	if users == nil {
		return nil, errors.New("user lookup is required")
	}
	a := &Authority{
		store:    store,
		users:    users,
		cacheTTL: defaultCacheTTL,
		now:      time.Now,
		touches:  make(chan touch, defaultTouchSize),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.wg.Add(1)
	go a.recordUsage()
	return a, nil
}

// Issue mints a token for an existing user. The plaintext is returned once.
func (a *Authority) Issue(ctx context.Context, req IssueRequest) (string, Token, error) {
	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		return "", Token{}, fmt.Errorf("%w: label is required", auth.ErrInvalidInput)
	}
	now := a.now()
	if req.ExpiresAt != nil && !now.Before(*req.ExpiresAt) {
		return "", Token{}, fmt.Errorf("%w: expiry must be in the future", auth.ErrInvalidInput)
	}
	owner, err := a.users.GetUser(ctx, req.OwnerUserID)
	if errors.Is(err, auth.ErrNotFound) {
		return "", Token{}, auth.ErrInvalidOwner
	}
	if err != nil {
		return "", Token{}, fmt.Errorf("load owner: %w", err)
	}

	plaintext, err := ids.Secret(secretBytes)
	if err != nil {
		return "", Token{}, err
	}
	tok := Token{
		ID:          ids.New(),
		Hash:        auth.HashToken(plaintext),
		OwnerUserID: owner.ID,
		OwnerEmail:  owner.Email,
		OwnerName:   owner.DisplayName,
		Label:       req.Label,
		Active:      true,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now.UTC(),
		CreatedBy:   strings.TrimSpace(req.CreatedBy),
		Notes:       strings.TrimSpace(req.Notes),
	}
	if tok.CreatedBy == "" {
		tok.CreatedBy = owner.Email
	}
	stored, err := a.store.CreateStaticToken(ctx, tok)
	if err != nil {
		return "", Token{}, err
	}
	obs.Logger().InfoContext(ctx, "static token issued", "token_id", stored.ID, "owner", owner.Email)
	return plaintext, stored, nil
}

// Verify maps a presented token to its owner's identity. Every failure,
// including storage errors, is reported as auth.ErrInvalidCredential.
func (a *Authority) Verify(ctx context.Context, presented string) (auth.Identity, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	hash := auth.HashToken(presented)
	now := a.now()

	tok, cached := a.fromCache(ctx, hash)
	if cached {
		active, err := a.store.StaticTokenActive(ctx, tok.ID)
		if err != nil && !errors.Is(err, auth.ErrNotFound) {
			obs.Logger().WarnContext(ctx, "static token state lookup failed", "token_id", tok.ID, "error", err)
			obs.CredentialVerified(string(auth.MethodStaticToken), false)
			return auth.Identity{}, auth.ErrInvalidCredential
		}
		if !active {
			a.evict(ctx, hash, tok.ID)
			tok.Active = false
		}
	} else {
		var err error
		tok, err = a.store.StaticTokenByHash(ctx, hash)
		if errors.Is(err, auth.ErrNotFound) {
			// Not a static token; callers fall through to other credential
			// kinds, which count their own outcome.
			return auth.Identity{}, auth.ErrInvalidCredential
		}
		if err != nil {
			obs.Logger().WarnContext(ctx, "static token lookup failed", "error", err)
			obs.CredentialVerified(string(auth.MethodStaticToken), false)
			return auth.Identity{}, auth.ErrInvalidCredential
		}
	}
	if !tok.Usable(now) {
		reason := "revoked"
		if tok.Active {
			reason = "expired"
		}
		obs.Logger().DebugContext(ctx, "static token rejected", "token_id", tok.ID, "reason", reason)
		obs.CredentialVerified(string(auth.MethodStaticToken), false)
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	if !cached {
		a.toCache(ctx, hash, tok, now)
	}
	a.touch(tok.ID, now)
	obs.CredentialVerified(string(auth.MethodStaticToken), true)
	return auth.Identity{
		UserID:      tok.OwnerUserID,
		Email:       tok.OwnerEmail,
		DisplayName: tok.OwnerName,
		Method:      auth.MethodStaticToken,
		TokenID:     tok.ID,
	}, nil
}

// Revoke permanently deactivates a token. Revoking twice is not an error.
func (a *Authority) Revoke(ctx context.Context, id string) (Token, error) {
	tok, err := a.store.RevokeStaticToken(ctx, id)
	if err != nil {
		return Token{}, err
	}
	a.evict(ctx, tok.Hash, id)
	obs.Logger().InfoContext(ctx, "static token revoked", "token_id", id)
	return tok, nil
}

// Get returns token metadata.
func (a *Authority) Get(ctx context.Context, id string) (Token, error) {
	return a.store.GetStaticToken(ctx, id)
}

// List returns tokens owned by ownerUserID, or every token when it is empty.
func (a *Authority) List(ctx context.Context, ownerUserID string) ([]Token, error) {
	return a.store.ListStaticTokens(ctx, ownerUserID)
}

// Close stops the usage recorder after flushing queued updates.
func (a *Authority) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.touches)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Authority) fromCache(ctx context.Context, hash string) (Token, bool) {
	if a.cache == nil {
		return Token{}, false
	}
	tok, ok, err := a.cache.Get(ctx, hash)
	if err != nil {
		obs.Logger().WarnContext(ctx, "token cache read failed", "error", err)
		return Token{}, false
	}
	return tok, ok
}

// evict drops a cache entry. A failure is harmless: Verify checks the store
// on every hit.
func (a *Authority) evict(ctx context.Context, hash, id string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Delete(ctx, hash); err != nil {
		obs.Logger().WarnContext(ctx, "token cache invalidation failed", "token_id", id, "error", err)
	}
}

func (a *Authority) toCache(ctx context.Context, hash string, tok Token, now time.Time) {
	if a.cache == nil {
		return
	}
	ttl := a.cacheTTL
	if tok.ExpiresAt != nil {
		if left := tok.ExpiresAt.Sub(now); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	if err := a.cache.Set(ctx, hash, tok, ttl); err != nil {
		obs.Logger().WarnContext(ctx, "token cache write failed", "error", err)
	}
}

// touch queues a last-used update; it never blocks the caller.
func (a *Authority) touch(id string, at time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.touches <- touch{id: id, at: at}:
	default:
		obs.Logger().Debug("last-used update dropped", "token_id", id)
	}
}

func (a *Authority) recordUsage() {
	defer a.wg.Done()
	for t := range a.touches {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		if err := a.store.TouchStaticToken(ctx, t.id, t.at.UTC()); err != nil {
			obs.Logger().Warn("last-used update failed", "token_id", t.id, "error", err)
		}
		cancel()
	}
}
