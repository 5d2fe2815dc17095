// Package cache holds the Redis-backed static token verification cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quorum.app/internal/statictoken"
)

const defaultPrefix = "quorum:stk:"

// TokenCache implements statictoken.Cache.
type TokenCache struct {
	client *redis.Client
	prefix string
}

var _ statictoken.Cache = (*TokenCache)(nil)

// entry is the cached shape. The hash is the key and never stored in the value.
type entry struct {
	ID          string     `json:"id"`
	OwnerUserID string     `json:"owner_user_id"`
	OwnerEmail  string     `json:"owner_email"`
	OwnerName   string     `json:"owner_name,omitempty"`
	Label       string     `json:"label"`
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
}

// Open parses a redis:// URL and returns a cache on a new client.
func Open(rawURL string) (*TokenCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts)), nil
}

func New(client *redis.Client) *TokenCache {
	return &TokenCache{client: client, prefix: defaultPrefix}
}

func (c *TokenCache) key(hash string) string { return c.prefix + hash }

func (c *TokenCache) Get(ctx context.Context, hash string) (statictoken.Token, bool, error) {
	raw, err := c.client.Get(ctx, c.key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return statictoken.Token{}, false, nil
	}
	if err != nil {
		return statictoken.Token{}, false, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return statictoken.Token{}, false, fmt.Errorf("decode cached token: %w", err)
	}
	return e.token(hash), true, nil
}

func (c *TokenCache) Set(ctx context.Context, hash string, t statictoken.Token, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(newEntry(t))
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(hash), raw, ttl).Err()
}

func (c *TokenCache) Delete(ctx context.Context, hash string) error {
	return c.client.Del(ctx, c.key(hash)).Err()
}

func (c *TokenCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *TokenCache) Close() error {
	return c.client.Close()
}

func newEntry(t statictoken.Token) entry {
	return entry{
		ID:          t.ID,
		OwnerUserID: t.OwnerUserID,
		OwnerEmail:  t.OwnerEmail,
		OwnerName:   t.OwnerName,
		Label:       t.Label,
		Active:      t.Active,
		ExpiresAt:   t.ExpiresAt,
		CreatedAt:   t.CreatedAt,
		CreatedBy:   t.CreatedBy,
	}
}

func (e entry) token(hash string) statictoken.Token {
	return statictoken.Token{
		ID:          e.ID,
		Hash:        hash,
		OwnerUserID: e.OwnerUserID,
		OwnerEmail:  e.OwnerEmail,
		OwnerName:   e.OwnerName,
		Label:       e.Label,
		Active:      e.Active,
		ExpiresAt:   e.ExpiresAt,
		CreatedAt:   e.CreatedAt,
		CreatedBy:   e.CreatedBy,
	}
}
