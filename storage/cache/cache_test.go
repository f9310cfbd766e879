package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/directory"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/postgres"
	"github.com/giantswarm/oauth2-server/storage/storagetest"
)

func newMemoryBacking(clock storage.Clock) *memory.Store {
	s := memory.New()
	s.SetClock(clock)
	s.SetLogger(testutil.DiscardLogger())
	return s
}

func newSQLiteBacking(t *testing.T, clock storage.Clock) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	cfg := postgres.Config{
		Driver:      postgres.DriverSQLite,
		DSN:         "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		AutoMigrate: true,
		Clock:       clock,
		Logger:      testutil.DiscardLogger(),
	}
	db, err := postgres.Open(ctx, cfg)
	require.NoError(t, err)
	store, err := postgres.New(db, cfg)
	require.NoError(t, err)
	require.NoError(t, directory.NewGorm(db, testutil.DiscardLogger()).Migrate(ctx))
	return store
}

func newCached(backing storage.Storage, tier Tier, clock storage.Clock) storage.Storage {
	return New(backing, tier, Config{Clock: clock, Logger: testutil.DiscardLogger()})
}

func TestCache_Conformance_Memory(t *testing.T) {
	storagetest.Suite{
		New: func(t *testing.T, clock storage.Clock) storage.Storage {
			return newCached(newMemoryBacking(clock), NewMemoryTier(clock), clock)
		},
	}.Run(t)
}

func TestCache_Conformance_SQLite(t *testing.T) {
	storagetest.Suite{
		New: func(t *testing.T, clock storage.Clock) storage.Storage {
			return newCached(newSQLiteBacking(t, clock), NewMemoryTier(clock), clock)
		},
	}.Run(t)
}

func TestCache_Conformance_FailingTier(t *testing.T) {
	storagetest.Suite{
		New: func(t *testing.T, clock storage.Clock) storage.Storage {
			return &revokeTolerant{newCached(newMemoryBacking(clock), failingTier{}, clock)}
		},
	}.Run(t)
}

// revokeTolerant hides the ErrUnavailable a failing tier reports after a
// successful backing revocation, so the shared suite can check the backing
// semantics underneath.
type revokeTolerant struct {
	storage.Storage
}

func (r *revokeTolerant) RevokeAccessToken(ctx context.Context, token string) error {
	return tolerateUnavailable(r.Storage.RevokeAccessToken(ctx, token))
}

func (r *revokeTolerant) RevokeAllUserTokens(ctx context.Context, userID string) error {
	return tolerateUnavailable(r.Storage.RevokeAllUserTokens(ctx, userID))
}

func tolerateUnavailable(err error) error {
	if storage.IsUnavailable(err) {
		return nil
	}
	return err
}

var errTierDown = errors.New("tier down")

type failingTier struct{}

func (failingTier) Get(context.Context, string) (string, bool, error) {
	return "", false, errTierDown
}
func (failingTier) Set(context.Context, string, string, time.Duration) error { return errTierDown }
func (failingTier) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errTierDown
}
func (failingTier) Delete(context.Context, ...string) error                 { return errTierDown }
func (failingTier) AddMember(context.Context, string, string, time.Duration) error {
	return errTierDown
}
func (failingTier) Members(context.Context, string) ([]string, error) { return nil, errTierDown }

// countingBacking counts GetAccessToken calls that reach the backing store.
type countingBacking struct {
	storage.Storage
	gets atomic.Int32
}

func (c *countingBacking) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	c.gets.Add(1)
	return c.Storage.GetAccessToken(ctx, token)
}

func TestCache_ReadsHitTier(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	backing := &countingBacking{Storage: newMemoryBacking(clock)}
	tier := NewMemoryTier(clock)
	s := newCached(backing, tier, clock)

	tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, tok))
	assert.Equal(t, 1, tier.Len(), "write-through mirrors the token")

	for i := 0; i < 3; i++ {
		got, err := s.GetAccessToken(ctx, tok.Token)
		require.NoError(t, err)
		assert.Equal(t, tok.UserID, got.UserID)
	}
	assert.Zero(t, backing.gets.Load())
}

func TestCache_MissBackfills(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	mem := newMemoryBacking(clock)
	backing := &countingBacking{Storage: mem}
	tier := NewMemoryTier(clock)
	s := newCached(backing, tier, clock)

	// Saved behind the cache's back.
	tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	require.NoError(t, mem.SaveAccessToken(ctx, tok))

	_, err := s.GetAccessToken(ctx, tok.Token)
	require.NoError(t, err)
	_, err = s.GetAccessToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, int32(1), backing.gets.Load())
}

func TestCache_StaleEntryReadsThrough(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	mem := newMemoryBacking(clock)
	tier := NewMemoryTier(clock)
	s := newCached(mem, tier, clock)

	tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, tok))

	// Revoked directly in the backing store; the cached copy claims it is live.
	require.NoError(t, mem.RevokeAccessToken(ctx, tok.Token))
	revoked := tok.Clone()
	revoked.Revoked = true
	data, err := encodeToken(revoked)
	require.NoError(t, err)
	require.NoError(t, tier.Set(ctx, "oauth2:token:"+tok.Token, data, time.Hour))

	_, err = s.GetAccessToken(ctx, tok.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assertTombstone(t, tier, "oauth2:token:"+tok.Token)
}

func TestCache_CorruptEntryReadsThrough(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	tier := NewMemoryTier(clock)
	s := newCached(newMemoryBacking(clock), tier, clock)

	tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, tok))
	require.NoError(t, tier.Set(ctx, "oauth2:token:"+tok.Token, "{garbage", time.Hour))

	got, err := s.GetAccessToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, tok.Token, got.Token)
}

func TestCache_ExpiryUsesClock(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	s := New(newMemoryBacking(clock), NewMemoryTier(storage.SystemClock), Config{
		Clock:  clock,
		Logger: testutil.DiscardLogger(),
	})

	tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Minute)
	require.NoError(t, s.SaveAccessToken(ctx, tok))

	clock.Advance(time.Minute - time.Second)
	_, err := s.GetAccessToken(ctx, tok.Token)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = s.GetAccessToken(ctx, tok.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCache_RevokeEvicts(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	tier := NewMemoryTier(clock)
	s := newCached(newMemoryBacking(clock), tier, clock)

	tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, tok))
	require.NoError(t, s.RevokeAccessToken(ctx, tok.Token))

	assertTombstone(t, tier, "oauth2:token:"+tok.Token)
	_, err := s.GetAccessToken(ctx, tok.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCache_RevokeAllEvictsIndexedTokens(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	tier := NewMemoryTier(clock)
	s := newCached(newMemoryBacking(clock), tier, clock)

	a := testutil.AccessToken("alice", clock.Now(), time.Hour)
	b := testutil.AccessToken("alice", clock.Now(), 2*time.Hour)
	c := testutil.AccessToken("bob", clock.Now(), time.Hour)
	for _, tok := range []*storage.AccessToken{a, b, c} {
		require.NoError(t, s.SaveAccessToken(ctx, tok))
	}

	require.NoError(t, s.RevokeAllUserTokens(ctx, "alice"))
	assertTombstone(t, tier, "oauth2:token:"+a.Token)
	assertTombstone(t, tier, "oauth2:token:"+b.Token)

	members, err := tier.Members(ctx, "oauth2:user_tokens:alice")
	require.NoError(t, err)
	assert.Empty(t, members)

	for _, tok := range []*storage.AccessToken{a, b} {
		_, err = s.GetAccessToken(ctx, tok.Token)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}

	_, err = s.GetAccessToken(ctx, c.Token)
	assert.NoError(t, err)
}

func TestCache_FailingTierFailsOpen(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)

	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	require.NoError(t, err)
	defer func() { _ = inst.Shutdown(ctx) }()

	s := New(newMemoryBacking(clock), failingTier{}, Config{
		Clock:           clock,
		Logger:          testutil.DiscardLogger(),
		Instrumentation: inst,
	})

	tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, tok))

	got, err := s.GetAccessToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, tok.Token, got.Token)

	// The backing revocation succeeds but the final eviction cannot be
	// confirmed.
	err = s.RevokeAccessToken(ctx, tok.Token)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	_, err = s.GetAccessToken(ctx, tok.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNew_TransactorOnlyWhenBackingIs(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)

	_, ok := newCached(newMemoryBacking(clock), NewMemoryTier(clock), clock).(storage.Transactor)
	assert.False(t, ok)

	_, ok = newCached(newSQLiteBacking(t, clock), NewMemoryTier(clock), clock).(storage.Transactor)
	assert.True(t, ok)
}

func TestCache_TransactionMirrorsAfterCommit(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	tier := NewMemoryTier(clock)
	s := newCached(newSQLiteBacking(t, clock), tier, clock).(storage.Transactor)

	committed := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	err := s.WithinTransaction(ctx, func(tx storage.Storage) error {
		if err := tx.SaveAccessToken(ctx, committed); err != nil {
			return err
		}
		assert.Zero(t, tier.Len(), "nothing is mirrored before commit")

		got, err := tx.GetAccessToken(ctx, committed.Token)
		require.NoError(t, err, "uncommitted token is visible inside the transaction")
		assert.Equal(t, committed.Token, got.Token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tier.Len())

	rolledBack := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	boom := errors.New("boom")
	err = s.WithinTransaction(ctx, func(tx storage.Storage) error {
		if err := tx.SaveAccessToken(ctx, rolledBack); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, tier.Len())

	_, err = s.(storage.Storage).GetAccessToken(ctx, rolledBack.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCache_MaxTTL(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	tier := NewMemoryTier(clock)
	s := New(newMemoryBacking(clock), tier, Config{
		MaxTTL: time.Minute,
		Clock:  clock,
		Logger: testutil.DiscardLogger(),
	})

	tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, tok))
	assert.Equal(t, 1, tier.Len())

	clock.Advance(time.Minute)
	assert.Zero(t, tier.Len())

	_, err := s.GetAccessToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, tier.Len(), "read-through back-fills")
}

func assertTombstone(t *testing.T, tier *MemoryTier, key string) {
	t.Helper()
	v, ok, err := tier.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, "%s should be cached", key)
	assert.Equal(t, tombstone, v)
}

// revokingBacking runs a revocation through the cache after its backing
// read returns, so the read-through writes a copy loaded before the revoke.
type revokingBacking struct {
	storage.Storage
	cache  storage.Storage
	revoke func(ctx context.Context, c storage.Storage) error
	fired  bool
}

func (r *revokingBacking) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	t, err := r.Storage.GetAccessToken(ctx, token)
	if err == nil && !r.fired {
		r.fired = true
		if rerr := r.revoke(ctx, r.cache); rerr != nil {
			return nil, rerr
		}
	}
	return t, err
}

func TestCache_RevokeDuringReadThrough(t *testing.T) {
	tests := []struct {
		name   string
		revoke func(ctx context.Context, c storage.Storage, tok *storage.AccessToken) error
	}{
		{
			name: "single token",
			revoke: func(ctx context.Context, c storage.Storage, tok *storage.AccessToken) error {
				return c.RevokeAccessToken(ctx, tok.Token)
			},
		},
		{
			name: "all user tokens",
			revoke: func(ctx context.Context, c storage.Storage, tok *storage.AccessToken) error {
				return c.RevokeAllUserTokens(ctx, tok.UserID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := testutil.NewClock(testutil.Epoch)
			mem := newMemoryBacking(clock)
			tier := NewMemoryTier(clock)

			tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
			require.NoError(t, mem.SaveAccessToken(ctx, tok))

			backing := &revokingBacking{Storage: mem}
			s := newCached(backing, tier, clock)
			backing.cache = s
			backing.revoke = func(ctx context.Context, c storage.Storage) error {
				return tt.revoke(ctx, c, tok)
			}

			// The read started before the revocation and may still return
			// the token it loaded.
			_, err := s.GetAccessToken(ctx, tok.Token)
			require.NoError(t, err)
			require.True(t, backing.fired)

			_, err = mem.GetAccessToken(ctx, tok.Token)
			require.ErrorIs(t, err, storage.ErrNotFound)

			_, err = s.GetAccessToken(ctx, tok.Token)
			assert.ErrorIs(t, err, storage.ErrNotFound, "revoked token must not be served from the tier")
		})
	}
}

func TestCache_TombstoneSkipsBackingStore(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	backing := &countingBacking{Storage: newMemoryBacking(clock)}
	s := newCached(backing, NewMemoryTier(clock), clock)

	tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, tok))
	require.NoError(t, s.RevokeAccessToken(ctx, tok.Token))

	for i := 0; i < 3; i++ {
		_, err := s.GetAccessToken(ctx, tok.Token)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.Zero(t, backing.gets.Load())
}

func TestCache_TombstoneTTL(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	tier := NewMemoryTier(clock)
	s := New(newMemoryBacking(clock), tier, Config{
		TombstoneTTL: time.Minute,
		Clock:        clock,
		Logger:       testutil.DiscardLogger(),
	})

	tok := testutil.AccessToken(testutil.TestUserID, clock.Now(), time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, tok))
	require.NoError(t, s.RevokeAccessToken(ctx, tok.Token))
	assertTombstone(t, tier, "oauth2:token:"+tok.Token)

	clock.Advance(time.Minute)
	assert.Zero(t, tier.Len())

	// The backing store still answers for the revoked token.
	_, err := s.GetAccessToken(ctx, tok.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, tier.Len())
}

func TestCache_UserMarkBlocksBackfill(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	mem := newMemoryBacking(clock)
	tier := NewMemoryTier(clock)
	s := newCached(mem, tier, clock)

	require.NoError(t, s.RevokeAllUserTokens(ctx, "alice"))

	// Issued after the revocation: valid, but not cached while the mark lasts.
	fresh := testutil.AccessToken("alice", clock.Now(), time.Hour)
	require.NoError(t, s.SaveAccessToken(ctx, fresh))

	got, err := s.GetAccessToken(ctx, fresh.Token)
	require.NoError(t, err)
	assert.Equal(t, fresh.Token, got.Token)

	_, cached, err := tier.Get(ctx, "oauth2:token:"+fresh.Token)
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestMemoryTier_SetNX(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	tier := NewMemoryTier(clock)

	ok, err := tier.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tier.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	clock.Advance(time.Minute)
	ok, err = tier.SetNX(ctx, "k", "third", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired keys count as absent")
}
