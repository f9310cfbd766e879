// Package storagetest holds the behavioural suite every storage.Storage
// backend must pass. Backend packages call Suite.Run from their own tests.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
)

// Factory returns an empty store that takes its time from clock.
type Factory func(t *testing.T, clock storage.Clock) storage.Storage

// Suite configures the conformance run for one backend.
type Suite struct {
	New Factory

	// NativeExpiry is set for backends that expire records themselves and
	// therefore report zero purged rows from DeleteExpiredData.
	NativeExpiry bool

	// SkipCancellation skips the cancelled-context checks for backends that
	// complete synchronously without consulting the context.
	SkipCancellation bool
}

const (
	codeTTL    = 10 * time.Minute
	accessTTL  = time.Hour
	refreshTTL = 30 * 24 * time.Hour
)

type env struct {
	ctx   context.Context
	clock *testutil.Clock
	store storage.Storage
}

func (s Suite) setup(t *testing.T) *env {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	store := s.New(t, clock)
	t.Cleanup(func() { _ = store.Close() })
	return &env{ctx: context.Background(), clock: clock, store: store}
}

// Run executes every conformance test as a subtest of t.
func (s Suite) Run(t *testing.T) {
	t.Run("Clients", s.testClients)
	t.Run("ValidateClient", s.testValidateClient)
	t.Run("AuthCodeExpiryBoundary", s.testAuthCodeExpiryBoundary)
	t.Run("MarkAuthCodeUsed", s.testMarkAuthCodeUsed)
	t.Run("ConsumeAuthCode", s.testConsumeAuthCode)
	t.Run("ConsumeExpiredAuthCode", s.testConsumeExpiredAuthCode)
	t.Run("ConcurrentConsume", s.testConcurrentConsume)
	t.Run("ReleaseAuthCode", s.testReleaseAuthCode)
	t.Run("AccessTokenLifecycle", s.testAccessTokenLifecycle)
	t.Run("RefreshTokenLifecycle", s.testRefreshTokenLifecycle)
	t.Run("ConcurrentRefreshRevocation", s.testConcurrentRefreshRevocation)
	t.Run("RevokeAllUserTokens", s.testRevokeAllUserTokens)
	t.Run("DeleteExpiredData", s.testDeleteExpiredData)
	t.Run("InvalidInput", s.testInvalidInput)
	t.Run("UnknownRecords", s.testUnknownRecords)
	if !s.SkipCancellation {
		t.Run("CancelledContext", s.testCancelledContext)
	}
}

func (s Suite) testClients(t *testing.T) {
	e := s.setup(t)

	client := testutil.TestClient(t, testutil.TestClientID)
	client.RedirectURIs = []string{"https://a.example/cb", "https://b.example/cb"}
	require.NoError(t, e.store.SaveClient(e.ctx, client))

	got, err := e.store.GetClient(e.ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)
	assert.Equal(t, client.Salt, got.Salt)
	assert.Equal(t, client.SecretHash, got.SecretHash)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.ElementsMatch(t, client.AllowedScopes, got.AllowedScopes)

	_, err = e.store.GetClient(e.ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func (s Suite) testValidateClient(t *testing.T) {
	e := s.setup(t)
	require.NoError(t, e.store.SaveClient(e.ctx, testutil.TestClient(t, testutil.TestClientID)))

	tests := []struct {
		name     string
		clientID string
		secret   string
		want     bool
	}{
		{"correct secret", testutil.TestClientID, testutil.TestClientSecret, true},
		{"wrong secret", testutil.TestClientID, "wrong", false},
		{"empty secret is existence check", testutil.TestClientID, "", true},
		{"missing client", "missing", testutil.TestClientSecret, false},
		{"missing client empty secret", "missing", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := e.store.ValidateClient(e.ctx, tt.clientID, tt.secret)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func (s Suite) testAuthCodeExpiryBoundary(t *testing.T) {
	e := s.setup(t)
	code := testutil.AuthCode(e.clock.Now(), codeTTL)
	require.NoError(t, e.store.SaveAuthCode(e.ctx, code))

	got, err := e.store.GetAuthCode(e.ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.ClientID, got.ClientID)
	assert.Equal(t, code.UserID, got.UserID)
	assert.Equal(t, code.Scope, got.Scope)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.ExpiresAt.Unix(), got.ExpiresAt.Unix())
	assert.False(t, got.Used)

	e.clock.Advance(codeTTL - time.Second)
	_, err = e.store.GetAuthCode(e.ctx, code.Code)
	require.NoError(t, err, "code must be present one second before expiry")

	e.clock.Advance(time.Second)
	_, err = e.store.GetAuthCode(e.ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound, "code must be absent at expiry")
}

func (s Suite) testMarkAuthCodeUsed(t *testing.T) {
	e := s.setup(t)
	code := testutil.AuthCode(e.clock.Now(), codeTTL)
	require.NoError(t, e.store.SaveAuthCode(e.ctx, code))

	require.NoError(t, e.store.MarkAuthCodeUsed(e.ctx, code.Code))
	_, err := e.store.GetAuthCode(e.ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// idempotent
	assert.NoError(t, e.store.MarkAuthCodeUsed(e.ctx, code.Code))

	_, err = e.store.ConsumeAuthCode(e.ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func (s Suite) testConsumeAuthCode(t *testing.T) {
	e := s.setup(t)
	code := testutil.AuthCode(e.clock.Now(), codeTTL)
	require.NoError(t, e.store.SaveAuthCode(e.ctx, code))

	got, err := e.store.ConsumeAuthCode(e.ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.Code, got.Code)
	assert.Equal(t, code.ClientID, got.ClientID)
	assert.Equal(t, code.UserID, got.UserID)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.False(t, got.Used, "consumption returns the record as it was before")

	_, err = e.store.ConsumeAuthCode(e.ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = e.store.GetAuthCode(e.ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func (s Suite) testConsumeExpiredAuthCode(t *testing.T) {
	e := s.setup(t)
	code := testutil.AuthCode(e.clock.Now(), codeTTL)
	require.NoError(t, e.store.SaveAuthCode(e.ctx, code))

	e.clock.Advance(codeTTL)
	_, err := e.store.ConsumeAuthCode(e.ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func (s Suite) testConcurrentConsume(t *testing.T) {
	e := s.setup(t)
	code := testutil.AuthCode(e.clock.Now(), codeTTL)
	require.NoError(t, e.store.SaveAuthCode(e.ctx, code))

	const workers = 16
	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		notFound atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.store.ConsumeAuthCode(e.ctx, code.Code)
			switch {
			case err == nil:
				winners.Add(1)
			case storage.IsNotFound(err):
				notFound.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one consumer must win")
	assert.Equal(t, int32(workers-1), notFound.Load())
}

func (s Suite) testReleaseAuthCode(t *testing.T) {
	e := s.setup(t)
	code := testutil.AuthCode(e.clock.Now(), codeTTL)
	require.NoError(t, e.store.SaveAuthCode(e.ctx, code))

	assert.ErrorIs(t, e.store.ReleaseAuthCode(e.ctx, code.Code), storage.ErrNotFound, "unused code cannot be released")

	_, err := e.store.ConsumeAuthCode(e.ctx, code.Code)
	require.NoError(t, err)
	require.NoError(t, e.store.ReleaseAuthCode(e.ctx, code.Code))

	_, err = e.store.ConsumeAuthCode(e.ctx, code.Code)
	require.NoError(t, err, "released code can be consumed again")

	e.clock.Advance(codeTTL)
	assert.ErrorIs(t, e.store.ReleaseAuthCode(e.ctx, code.Code), storage.ErrNotFound, "expired code cannot be released")
}

func (s Suite) testAccessTokenLifecycle(t *testing.T) {
	e := s.setup(t)
	tok := testutil.AccessToken(testutil.TestUserID, e.clock.Now(), accessTTL)
	require.NoError(t, e.store.SaveAccessToken(e.ctx, tok))

	got, err := e.store.GetAccessToken(e.ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, tok.ClientID, got.ClientID)
	assert.Equal(t, tok.UserID, got.UserID)
	assert.Equal(t, tok.Scope, got.Scope)
	assert.Equal(t, tok.ExpiresAt.Unix(), got.ExpiresAt.Unix())
	assert.False(t, got.Revoked)

	e.clock.Advance(accessTTL - time.Second)
	_, err = e.store.GetAccessToken(e.ctx, tok.Token)
	require.NoError(t, err)

	require.NoError(t, e.store.RevokeAccessToken(e.ctx, tok.Token))
	_, err = e.store.GetAccessToken(e.ctx, tok.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound, "revoked token must be absent before expiry")
	assert.ErrorIs(t, e.store.RevokeAccessToken(e.ctx, tok.Token), storage.ErrNotFound)

	other := testutil.AccessToken(testutil.TestUserID, e.clock.Now(), accessTTL)
	require.NoError(t, e.store.SaveAccessToken(e.ctx, other))
	e.clock.Advance(accessTTL)
	_, err = e.store.GetAccessToken(e.ctx, other.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound, "token must be absent at expiry")
}

func (s Suite) testRefreshTokenLifecycle(t *testing.T) {
	e := s.setup(t)
	tok := testutil.RefreshToken(testutil.TestUserID, "access-ref", e.clock.Now(), refreshTTL)
	require.NoError(t, e.store.SaveRefreshToken(e.ctx, tok))

	got, err := e.store.GetRefreshToken(e.ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "access-ref", got.AccessToken)
	assert.Equal(t, tok.ClientID, got.ClientID)
	assert.Equal(t, tok.UserID, got.UserID)
	assert.Equal(t, tok.Scope, got.Scope)
	assert.Equal(t, tok.ExpiresAt.Unix(), got.ExpiresAt.Unix())

	e.clock.Advance(refreshTTL - time.Second)
	_, err = e.store.GetRefreshToken(e.ctx, tok.Token)
	require.NoError(t, err)

	require.NoError(t, e.store.RevokeRefreshToken(e.ctx, tok.Token))
	_, err = e.store.GetRefreshToken(e.ctx, tok.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, e.store.RevokeRefreshToken(e.ctx, tok.Token), storage.ErrNotFound)

	other := testutil.RefreshToken(testutil.TestUserID, "", e.clock.Now(), time.Minute)
	require.NoError(t, e.store.SaveRefreshToken(e.ctx, other))
	e.clock.Advance(time.Minute)
	_, err = e.store.GetRefreshToken(e.ctx, other.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, e.store.RevokeRefreshToken(e.ctx, other.Token), storage.ErrNotFound, "expired token cannot be revoked")
}

func (s Suite) testConcurrentRefreshRevocation(t *testing.T) {
	e := s.setup(t)
	tok := testutil.RefreshToken(testutil.TestUserID, "", e.clock.Now(), refreshTTL)
	require.NoError(t, e.store.SaveRefreshToken(e.ctx, tok))

	const workers = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := e.store.RevokeRefreshToken(e.ctx, tok.Token); err == nil {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one revocation must win")
}

func (s Suite) testRevokeAllUserTokens(t *testing.T) {
	e := s.setup(t)
	now := e.clock.Now()

	a1 := testutil.AccessToken("alice", now, accessTTL)
	a2 := testutil.AccessToken("alice", now, accessTTL)
	r1 := testutil.RefreshToken("alice", a1.Token, now, refreshTTL)
	b1 := testutil.AccessToken("bob", now, accessTTL)
	rb := testutil.RefreshToken("bob", b1.Token, now, refreshTTL)
	for _, at := range []*storage.AccessToken{a1, a2, b1} {
		require.NoError(t, e.store.SaveAccessToken(e.ctx, at))
	}
	for _, rt := range []*storage.RefreshToken{r1, rb} {
		require.NoError(t, e.store.SaveRefreshToken(e.ctx, rt))
	}

	require.NoError(t, e.store.RevokeAllUserTokens(e.ctx, "alice"))

	for _, tok := range []string{a1.Token, a2.Token} {
		_, err := e.store.GetAccessToken(e.ctx, tok)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	_, err := e.store.GetRefreshToken(e.ctx, r1.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = e.store.GetAccessToken(e.ctx, b1.Token)
	assert.NoError(t, err, "other users are unaffected")
	_, err = e.store.GetRefreshToken(e.ctx, rb.Token)
	assert.NoError(t, err)

	assert.NoError(t, e.store.RevokeAllUserTokens(e.ctx, "nobody"))
}

func (s Suite) testDeleteExpiredData(t *testing.T) {
	e := s.setup(t)
	now := e.clock.Now()

	expiredCode := testutil.AuthCode(now, time.Minute)
	usedCode := testutil.AuthCode(now, codeTTL)
	liveCode := testutil.AuthCode(now, codeTTL)
	expiredAccess := testutil.AccessToken(testutil.TestUserID, now, time.Minute)
	liveAccess := testutil.AccessToken(testutil.TestUserID, now, accessTTL)
	expiredRefresh := testutil.RefreshToken(testutil.TestUserID, "", now, time.Minute)
	liveRefresh := testutil.RefreshToken(testutil.TestUserID, "", now, refreshTTL)

	for _, c := range []*storage.AuthorizationCode{expiredCode, usedCode, liveCode} {
		require.NoError(t, e.store.SaveAuthCode(e.ctx, c))
	}
	require.NoError(t, e.store.MarkAuthCodeUsed(e.ctx, usedCode.Code))
	for _, at := range []*storage.AccessToken{expiredAccess, liveAccess} {
		require.NoError(t, e.store.SaveAccessToken(e.ctx, at))
	}
	for _, rt := range []*storage.RefreshToken{expiredRefresh, liveRefresh} {
		require.NoError(t, e.store.SaveRefreshToken(e.ctx, rt))
	}

	e.clock.Advance(2 * time.Minute)

	n, err := e.store.DeleteExpiredData(e.ctx)
	require.NoError(t, err)
	if s.NativeExpiry {
		assert.Equal(t, int64(0), n)
	} else {
		assert.Equal(t, int64(4), n, "expired code, used code, expired access and expired refresh")
	}

	_, err = e.store.GetAuthCode(e.ctx, liveCode.Code)
	assert.NoError(t, err)
	_, err = e.store.GetAccessToken(e.ctx, liveAccess.Token)
	assert.NoError(t, err)
	_, err = e.store.GetRefreshToken(e.ctx, liveRefresh.Token)
	assert.NoError(t, err)

	_, err = e.store.GetAuthCode(e.ctx, expiredCode.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = e.store.GetAccessToken(e.ctx, expiredAccess.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err = e.store.DeleteExpiredData(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "second sweep finds nothing")
}

func (s Suite) testInvalidInput(t *testing.T) {
	e := s.setup(t)

	assert.ErrorIs(t, e.store.SaveClient(e.ctx, &storage.Client{}), storage.ErrInvalidInput)
	assert.ErrorIs(t, e.store.SaveAuthCode(e.ctx, &storage.AuthorizationCode{}), storage.ErrInvalidInput)
	assert.ErrorIs(t, e.store.SaveAccessToken(e.ctx, &storage.AccessToken{}), storage.ErrInvalidInput)
	assert.ErrorIs(t, e.store.SaveRefreshToken(e.ctx, nil), storage.ErrInvalidInput)
}

func (s Suite) testUnknownRecords(t *testing.T) {
	e := s.setup(t)

	_, err := e.store.GetAuthCode(e.ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = e.store.ConsumeAuthCode(e.ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, e.store.MarkAuthCodeUsed(e.ctx, "nope"), storage.ErrNotFound)
	_, err = e.store.GetAccessToken(e.ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = e.store.GetRefreshToken(e.ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, e.store.RevokeAccessToken(e.ctx, "nope"), storage.ErrNotFound)

	roles, err := e.store.GetUserRoles(e.ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func (s Suite) testCancelledContext(t *testing.T) {
	e := s.setup(t)
	require.NoError(t, e.store.SaveClient(e.ctx, testutil.TestClient(t, testutil.TestClientID)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.store.GetClient(ctx, testutil.TestClientID)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	_, err = e.store.ValidateClient(ctx, testutil.TestClientID, testutil.TestClientSecret)
	assert.ErrorIs(t, err, storage.ErrUnavailable, "backend failures are not reported as bad credentials")

	_, err = e.store.ConsumeAuthCode(ctx, "any")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
