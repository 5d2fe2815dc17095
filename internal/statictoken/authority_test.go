package statictoken_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum.app/internal/auth"
	"quorum.app/internal/obs"
	"quorum.app/internal/statictoken"
	"quorum.app/internal/store/memory"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]statictoken.Token
	ttls    map[string]time.Duration
	deletes int
	failDel error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]statictoken.Token{}, ttls: map[string]time.Duration{}}
}

func (c *fakeCache) Get(_ context.Context, hash string) (statictoken.Token, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[hash]
	return t, ok, nil
}

func (c *fakeCache) Set(_ context.Context, hash string, t statictoken.Token, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = t
	c.ttls[hash] = ttl
	return nil
}

func (c *fakeCache) Delete(_ context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	if c.failDel != nil {
		return c.failDel
	}
	delete(c.entries, hash)
	return nil
}

func (c *fakeCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func setup(t *testing.T, opts ...statictoken.Option) (*statictoken.Authority, *memory.Store, auth.User) {
	t.Helper()
	store := memory.New()
	owner, err := store.UpsertUser(context.Background(), "Owner@Example.com", "Owner")
	require.NoError(t, err)
	a, err := statictoken.NewAuthority(store, store, opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, store, owner
}

func TestIssueVerifyRevoke(t *testing.T) {
	a, _, owner := setup(t)
	ctx := context.Background()

	plaintext, tok, err := a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "ci"})
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)
	assert.NotEqual(t, plaintext, tok.Hash)
	assert.Equal(t, auth.HashToken(plaintext), tok.Hash)
	assert.Equal(t, "owner@example.com", tok.CreatedBy)
	assert.True(t, tok.Active)

	id, err := a.Verify(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, id.UserID)
	assert.Equal(t, "owner@example.com", id.Email)
	assert.Equal(t, auth.MethodStaticToken, id.Method)
	assert.Equal(t, tok.ID, id.TokenID)
	assert.True(t, id.CanWrite())

	_, err = a.Revoke(ctx, tok.ID)
	require.NoError(t, err)
	_, err = a.Revoke(ctx, tok.ID)
	require.NoError(t, err, "revoking twice is fine")

	_, err = a.Verify(ctx, plaintext)
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)

	_, err = a.Revoke(ctx, "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestVerifyRejectsUnknownAndEmpty(t *testing.T) {
	a, _, _ := setup(t)
	for _, presented := range []string{"", "   ", "not-a-token"} {
		_, err := a.Verify(context.Background(), presented)
		assert.ErrorIs(t, err, auth.ErrInvalidCredential)
	}
}

func TestExpiryIsStrict(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a, _, owner := setup(t, statictoken.WithClock(clock))
	ctx := context.Background()

	expires := now.Add(time.Hour)
	plaintext, _, err := a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "short", ExpiresAt: &expires})
	require.NoError(t, err)

	_, err = a.Verify(ctx, plaintext)
	require.NoError(t, err)

	now = expires
	_, err = a.Verify(ctx, plaintext)
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
}

func TestIssueValidation(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	a, _, owner := setup(t, statictoken.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, _, err := a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "  "})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	past := now.Add(-time.Minute)
	_, _, err = a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "old", ExpiresAt: &past})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	_, _, err = a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: "nobody", Label: "x"})
	assert.ErrorIs(t, err, auth.ErrInvalidOwner)
}

func TestVerifyRecordsLastUse(t *testing.T) {
	a, store, owner := setup(t)
	ctx := context.Background()
	plaintext, tok, err := a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "agent"})
	require.NoError(t, err)

	_, err = a.Verify(ctx, plaintext)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetStaticToken(ctx, tok.ID)
		return err == nil && got.LastUsedAt != nil
	}, time.Second, 10*time.Millisecond)
}

func TestListFiltersByOwner(t *testing.T) {
	a, store, owner := setup(t)
	ctx := context.Background()
	other, err := store.UpsertUser(ctx, "other@example.com", "")
	require.NoError(t, err)

	_, _, err = a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "a"})
	require.NoError(t, err)
	_, _, err = a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: other.ID, Label: "b"})
	require.NoError(t, err)

	mine, err := a.List(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "a", mine[0].Label)

	all, err := a.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCacheServesAndInvalidates(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cache := newFakeCache()
	a, _, owner := setup(t,
		statictoken.WithClock(func() time.Time { return now }),
		statictoken.WithCache(cache, 5*time.Minute),
	)
	ctx := context.Background()

	expires := now.Add(90 * time.Second)
	plaintext, tok, err := a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "cached", ExpiresAt: &expires})
	require.NoError(t, err)

	_, err = a.Verify(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, 1, cache.size())
	assert.Equal(t, 90*time.Second, cache.ttls[tok.Hash], "ttl capped at expiry")

	_, err = a.Revoke(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cache.size())

	_, err = a.Verify(ctx, plaintext)
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
}

func TestCachedEntryStillChecksExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cache := newFakeCache()
	a, _, owner := setup(t,
		statictoken.WithClock(func() time.Time { return now }),
		statictoken.WithCache(cache, time.Hour),
	)
	ctx := context.Background()
	expires := now.Add(time.Minute)
	plaintext, _, err := a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "x", ExpiresAt: &expires})
	require.NoError(t, err)
	_, err = a.Verify(ctx, plaintext)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = a.Verify(ctx, plaintext)
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
}

func TestRevokedTokenRejectedWhenCacheDeleteFails(t *testing.T) {
	cache := newFakeCache()
	cache.failDel = errors.New("redis timeout")
	a, _, owner := setup(t, statictoken.WithCache(cache, 5*time.Minute))
	ctx := context.Background()

	plaintext, tok, err := a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "cached"})
	require.NoError(t, err)
	_, err = a.Verify(ctx, plaintext)
	require.NoError(t, err)

	_, err = a.Revoke(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, 1, cache.size(), "entry survives the failed delete")

	_, err = a.Verify(ctx, plaintext)
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
}

func TestStaleCacheEntryAfterRevokeIsRejected(t *testing.T) {
	cache := newFakeCache()
	a, store, owner := setup(t, statictoken.WithCache(cache, 5*time.Minute))
	ctx := context.Background()

	plaintext, tok, err := a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "cached"})
	require.NoError(t, err)

	// A verify that read the row just before the revoke committed writes
	// the still-active copy back after the eviction.
	_, err = a.Revoke(ctx, tok.ID)
	require.NoError(t, err)
	stale := tok
	stale.OwnerEmail = owner.Email
	require.NoError(t, cache.Set(ctx, tok.Hash, stale, 5*time.Minute))

	_, err = a.Verify(ctx, plaintext)
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
	assert.Equal(t, 0, cache.size(), "stale entry evicted")

	active, err := store.StaticTokenActive(ctx, tok.ID)
	require.NoError(t, err)
	assert.False(t, active)
}

func staticFailures(t *testing.T) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "quorum_credential_verifications_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == string(auth.MethodStaticToken) && labels["result"] == "fail" {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestLookupMissIsNotCountedAsFailure(t *testing.T) {
	obs.Init()
	a, _, owner := setup(t)
	ctx := context.Background()

	before := staticFailures(t)
	_, err := a.Verify(ctx, "eyJhbGciOiJIUzI1NiJ9.not-a-static-token.sig")
	require.ErrorIs(t, err, auth.ErrInvalidCredential)
	assert.Equal(t, before, staticFailures(t))

	plaintext, tok, err := a.Issue(ctx, statictoken.IssueRequest{OwnerUserID: owner.ID, Label: "ci"})
	require.NoError(t, err)
	_, err = a.Revoke(ctx, tok.ID)
	require.NoError(t, err)
	_, err = a.Verify(ctx, plaintext)
	require.ErrorIs(t, err, auth.ErrInvalidCredential)
	assert.Equal(t, before+1, staticFailures(t))
}
