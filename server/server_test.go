package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/directory"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/mock"
	"github.com/giantswarm/oauth2-server/storage/postgres"
)

const (
	acmeID       = "acme"
	acmeSecret   = "s3cret"
	acmeRedirect = "https://acme.example/callback"
)

type env struct {
	ctx   context.Context
	clock *testutil.Clock
	srv   *Server
}

func newMemoryStore(clock storage.Clock) *memory.Store {
	s := memory.New()
	s.SetClock(clock)
	s.SetLogger(testutil.DiscardLogger())
	return s
}

func newSQLiteStore(t *testing.T, clock storage.Clock) *postgres.Store {
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

// newEnv builds a server on the store returned by newStore with the "acme"
// client registered.
func newEnv(t *testing.T, newStore func(clock storage.Clock) storage.Storage) *env {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	store := newStore(clock)
	t.Cleanup(func() { _ = store.Close() })

	srv, err := New(store, &Config{Clock: clock, IssuanceRetryBackoff: time.Millisecond}, testutil.DiscardLogger())
	require.NoError(t, err)

	e := &env{ctx: context.Background(), clock: clock, srv: srv}
	_, err = srv.RegisterClient(e.ctx, acmeID, acmeSecret, []string{acmeRedirect}, []string{"read"})
	require.NoError(t, err)
	return e
}

func (e *env) code(t *testing.T) string {
	t.Helper()
	code, err := e.srv.GenerateAuthorizationCode(e.ctx, acmeID, "alice", "read", acmeRedirect)
	require.NoError(t, err)
	return code
}

func requireOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var oerr *Error
	require.True(t, errors.As(err, &oerr), "expected *Error, got %T: %v", err, err)
	assert.Equal(t, code, oerr.Code)
}

// backends runs fn against a non-transactional and a transactional store.
func backends(t *testing.T, fn func(t *testing.T, e *env)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newEnv(t, func(clock storage.Clock) storage.Storage { return newMemoryStore(clock) }))
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newEnv(t, func(clock storage.Clock) storage.Storage { return newSQLiteStore(t, clock) }))
	})
}

func TestNew_Defaults(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)

	srv, err := New(memory.New(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAuthorizationCodeTTL, srv.Config.AuthorizationCodeTTL)
	assert.Equal(t, DefaultAccessTokenTTL, srv.Config.AccessTokenTTL)
	assert.Equal(t, DefaultRefreshTokenTTL, srv.Config.RefreshTokenTTL)
	assert.Equal(t, DefaultIssuanceRetries, srv.Config.IssuanceRetries)

	srv, err = New(memory.New(), &Config{IssuanceRetries: -1}, nil)
	require.NoError(t, err)
	assert.Zero(t, srv.Config.IssuanceRetries)
}

func TestExchange_SingleUse(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		code := e.code(t)

		resp, err := e.srv.ExchangeCodeForToken(e.ctx, code, acmeID, acmeRedirect)
		require.NoError(t, err)
		assert.NotEmpty(t, resp.AccessToken)
		assert.NotEmpty(t, resp.RefreshToken)
		assert.Equal(t, TokenTypeBearer, resp.TokenType)
		assert.Equal(t, int64(3600), resp.ExpiresIn)
		assert.Equal(t, "read", resp.Scope)
		assert.NotNil(t, resp.Roles)

		_, err = e.srv.ExchangeCodeForToken(e.ctx, code, acmeID, acmeRedirect)
		requireOAuthError(t, err, ErrorCodeInvalidGrant)
	})
}

func TestExchange_WrongClientBurnsCode(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		code := e.code(t)

		_, err := e.srv.ExchangeCodeForToken(e.ctx, code, "other-client", acmeRedirect)
		requireOAuthError(t, err, ErrorCodeInvalidClient)

		_, err = e.srv.ExchangeCodeForToken(e.ctx, code, acmeID, acmeRedirect)
		requireOAuthError(t, err, ErrorCodeInvalidGrant)
	})
}

func TestExchange_RedirectMismatch(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		_, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, "https://evil.example/cb")
		requireOAuthError(t, err, ErrorCodeInvalidGrant)

		// Redirect URI is optional at the token endpoint.
		_, err = e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, "")
		require.NoError(t, err)
	})
}

func TestExchange_ExpiredCode(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		code := e.code(t)
		e.clock.Advance(time.Duration(DefaultAuthorizationCodeTTL) * time.Second)

		_, err := e.srv.ExchangeCodeForToken(e.ctx, code, acmeID, acmeRedirect)
		requireOAuthError(t, err, ErrorCodeInvalidGrant)
	})
}

func TestExchange_UnknownCode(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		_, err := e.srv.ExchangeCodeForToken(e.ctx, "no-such-code", acmeID, acmeRedirect)
		requireOAuthError(t, err, ErrorCodeInvalidGrant)

		_, err = e.srv.ExchangeCodeForToken(e.ctx, "", acmeID, acmeRedirect)
		requireOAuthError(t, err, ErrorCodeInvalidRequest)
	})
}

func TestExchange_ConcurrentSingleWinner(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		code := e.code(t)

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := e.srv.ExchangeCodeForToken(e.ctx, code, acmeID, acmeRedirect); err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestRefresh_Rotates(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		first, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
		require.NoError(t, err)

		second, err := e.srv.RefreshAccessToken(e.ctx, first.RefreshToken, acmeID)
		require.NoError(t, err)
		assert.NotEqual(t, first.AccessToken, second.AccessToken)
		assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
		assert.Equal(t, "read", second.Scope)

		// The superseded refresh token is dead.
		_, err = e.srv.RefreshAccessToken(e.ctx, first.RefreshToken, acmeID)
		requireOAuthError(t, err, ErrorCodeInvalidGrant)

		_, err = e.srv.RefreshAccessToken(e.ctx, second.RefreshToken, acmeID)
		require.NoError(t, err)
	})
}

func TestRefresh_WrongClient(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		resp, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
		require.NoError(t, err)

		_, err = e.srv.RefreshAccessToken(e.ctx, resp.RefreshToken, "other-client")
		requireOAuthError(t, err, ErrorCodeInvalidClient)

		// Rejection does not consume the token.
		_, err = e.srv.RefreshAccessToken(e.ctx, resp.RefreshToken, acmeID)
		require.NoError(t, err)
	})
}

func TestRefresh_Expired(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		resp, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
		require.NoError(t, err)

		e.clock.Advance(time.Duration(DefaultRefreshTokenTTL) * time.Second)
		_, err = e.srv.RefreshAccessToken(e.ctx, resp.RefreshToken, acmeID)
		requireOAuthError(t, err, ErrorCodeInvalidGrant)
	})
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		resp, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
		require.NoError(t, err)

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []*TokenResponse
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if r, err := e.srv.RefreshAccessToken(e.ctx, resp.RefreshToken, acmeID); err == nil {
					mu.Lock()
					results = append(results, r)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, results, 1)
		_, err = e.srv.ValidateAccessToken(e.ctx, results[0].AccessToken)
		assert.NoError(t, err)
		_, err = e.srv.RefreshAccessToken(e.ctx, results[0].RefreshToken, acmeID)
		assert.NoError(t, err)
	})
}

func TestRefresh_RaceLostWithdrawsNewPair(t *testing.T) {
	e := newEnv(t, func(clock storage.Clock) storage.Storage {
		return mock.NewMockStorage(newMemoryStore(clock), clock)
	})
	m := e.srv.Storage().(*mock.MockStorage)

	resp, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
	require.NoError(t, err)

	var issued []string
	m.SaveAccessTokenFunc = func(ctx context.Context, token *storage.AccessToken) error {
		issued = append(issued, token.Token)
		return m.Delegate.SaveAccessToken(ctx, token)
	}
	// Another rotation wins between our saves and our revocation.
	m.RevokeRefreshTokenFunc = func(ctx context.Context, token string) error {
		if token == resp.RefreshToken {
			_ = m.Delegate.RevokeRefreshToken(ctx, token)
			return storage.ErrNotFound
		}
		return m.Delegate.RevokeRefreshToken(ctx, token)
	}

	_, err = e.srv.RefreshAccessToken(e.ctx, resp.RefreshToken, acmeID)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	require.Len(t, issued, 1)
	_, err = e.srv.ValidateAccessToken(e.ctx, issued[0])
	requireOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestExchange_CompensatesFailedIssuance(t *testing.T) {
	e := newEnv(t, func(clock storage.Clock) storage.Storage {
		return mock.NewMockStorage(newMemoryStore(clock), clock)
	})
	m := e.srv.Storage().(*mock.MockStorage)
	code := e.code(t)

	var savedAccess string
	m.SaveAccessTokenFunc = func(ctx context.Context, token *storage.AccessToken) error {
		savedAccess = token.Token
		return m.Delegate.SaveAccessToken(ctx, token)
	}
	m.SaveRefreshTokenFunc = func(context.Context, *storage.RefreshToken) error {
		return storage.Unavailable("save refresh token", errors.New("connection reset"))
	}

	_, err := e.srv.ExchangeCodeForToken(e.ctx, code, acmeID, acmeRedirect)
	requireOAuthError(t, err, ErrorCodeServerError)
	assert.Equal(t, 1+DefaultIssuanceRetries, m.CallCount("SaveRefreshToken"))
	assert.Equal(t, 1, m.CallCount("ReleaseAuthCode"))

	// The orphaned access token was revoked.
	_, err = e.srv.ValidateAccessToken(e.ctx, savedAccess)
	requireOAuthError(t, err, ErrorCodeInvalidToken)

	// The code was released, so the client can retry once storage recovers.
	m.SaveAccessTokenFunc = nil
	m.SaveRefreshTokenFunc = nil
	_, err = e.srv.ExchangeCodeForToken(e.ctx, code, acmeID, acmeRedirect)
	require.NoError(t, err)
}

func TestExchange_CompensatesAfterClientDisconnect(t *testing.T) {
	e := newEnv(t, func(clock storage.Clock) storage.Storage {
		return mock.NewMockStorage(newMemoryStore(clock), clock)
	})
	m := e.srv.Storage().(*mock.MockStorage)
	code := e.code(t)

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	var savedAccess string
	m.SaveAccessTokenFunc = func(ctx context.Context, token *storage.AccessToken) error {
		savedAccess = token.Token
		return m.Delegate.SaveAccessToken(ctx, token)
	}
	// The client goes away while the refresh token is being written.
	m.SaveRefreshTokenFunc = func(context.Context, *storage.RefreshToken) error {
		cancel()
		return storage.Unavailable("save refresh token", context.Canceled)
	}
	var releaseErr error
	m.ReleaseAuthCodeFunc = func(ctx context.Context, code string) error {
		releaseErr = ctx.Err()
		return m.Delegate.ReleaseAuthCode(ctx, code)
	}

	_, err := e.srv.ExchangeCodeForToken(ctx, code, acmeID, acmeRedirect)
	requireOAuthError(t, err, ErrorCodeServerError)
	require.Equal(t, 1, m.CallCount("ReleaseAuthCode"))
	assert.NoError(t, releaseErr, "release must not inherit the request cancellation")

	_, err = e.srv.ValidateAccessToken(e.ctx, savedAccess)
	requireOAuthError(t, err, ErrorCodeInvalidToken)

	m.SaveAccessTokenFunc = nil
	m.SaveRefreshTokenFunc = nil
	_, err = e.srv.ExchangeCodeForToken(e.ctx, code, acmeID, acmeRedirect)
	require.NoError(t, err)
}

func TestRefresh_WithdrawAfterClientDisconnect(t *testing.T) {
	e := newEnv(t, func(clock storage.Clock) storage.Storage {
		return mock.NewMockStorage(newMemoryStore(clock), clock)
	})
	m := e.srv.Storage().(*mock.MockStorage)

	resp, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	var issued []string
	m.SaveAccessTokenFunc = func(ctx context.Context, token *storage.AccessToken) error {
		issued = append(issued, token.Token)
		return m.Delegate.SaveAccessToken(ctx, token)
	}
	// A concurrent rotation wins and the client disconnects at the same time.
	m.RevokeRefreshTokenFunc = func(ctx context.Context, token string) error {
		if token == resp.RefreshToken {
			_ = m.Delegate.RevokeRefreshToken(ctx, token)
			cancel()
			return storage.ErrNotFound
		}
		return m.Delegate.RevokeRefreshToken(ctx, token)
	}

	_, err = e.srv.RefreshAccessToken(ctx, resp.RefreshToken, acmeID)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	require.Len(t, issued, 1)
	_, err = e.srv.ValidateAccessToken(e.ctx, issued[0])
	requireOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestExchange_RetriesTransientFailure(t *testing.T) {
	e := newEnv(t, func(clock storage.Clock) storage.Storage {
		return mock.NewMockStorage(newMemoryStore(clock), clock)
	})
	m := e.srv.Storage().(*mock.MockStorage)

	failures := 1
	m.SaveAccessTokenFunc = func(ctx context.Context, token *storage.AccessToken) error {
		if failures > 0 {
			failures--
			return storage.Unavailable("save access token", errors.New("timeout"))
		}
		return m.Delegate.SaveAccessToken(ctx, token)
	}

	_, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
	require.NoError(t, err)
	assert.Equal(t, 2, m.CallCount("SaveAccessToken"))
	assert.Zero(t, m.CallCount("ReleaseAuthCode"))
}

func TestExchange_StorageUnavailable(t *testing.T) {
	e := newEnv(t, func(clock storage.Clock) storage.Storage {
		return mock.NewMockStorage(newMemoryStore(clock), clock)
	})
	m := e.srv.Storage().(*mock.MockStorage)
	m.ConsumeAuthCodeFunc = func(context.Context, string) (*storage.AuthorizationCode, error) {
		return nil, storage.Unavailable("consume", errors.New("down"))
	}

	_, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
	requireOAuthError(t, err, ErrorCodeServerError)
	assert.Equal(t, http.StatusInternalServerError, AsError(err).Status)
}

func TestExchange_ContradictoryRecordRejected(t *testing.T) {
	e := newEnv(t, func(clock storage.Clock) storage.Storage {
		return mock.NewMockStorage(newMemoryStore(clock), clock)
	})
	m := e.srv.Storage().(*mock.MockStorage)
	m.ConsumeAuthCodeFunc = func(context.Context, string) (*storage.AuthorizationCode, error) {
		c := testutil.AuthCode(e.clock.Now(), time.Minute)
		c.ClientID = acmeID
		c.Used = true
		return c, nil
	}

	_, err := e.srv.ExchangeCodeForToken(e.ctx, "anything", acmeID, "")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestValidateAccessToken(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		resp, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
		require.NoError(t, err)

		at, err := e.srv.ValidateAccessToken(e.ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "alice", at.UserID)

		// The returned record is a copy.
		at.Revoked = true
		_, err = e.srv.ValidateAccessToken(e.ctx, resp.AccessToken)
		require.NoError(t, err)

		e.clock.Advance(time.Duration(DefaultAccessTokenTTL-1) * time.Second)
		_, err = e.srv.ValidateAccessToken(e.ctx, resp.AccessToken)
		require.NoError(t, err)

		e.clock.Advance(time.Second)
		_, err = e.srv.ValidateAccessToken(e.ctx, resp.AccessToken)
		requireOAuthError(t, err, ErrorCodeInvalidToken)

		_, err = e.srv.ValidateAccessToken(e.ctx, "")
		requireOAuthError(t, err, ErrorCodeInvalidToken)
	})
}

func TestRevokeToken(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		resp, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
		require.NoError(t, err)

		// Tokens of other clients and unknown tokens are ignored.
		require.NoError(t, e.srv.RevokeToken(e.ctx, resp.AccessToken, "other-client"))
		_, err = e.srv.ValidateAccessToken(e.ctx, resp.AccessToken)
		require.NoError(t, err)
		require.NoError(t, e.srv.RevokeToken(e.ctx, "unknown", acmeID))

		// Revoking the refresh token takes its access token with it.
		require.NoError(t, e.srv.RevokeToken(e.ctx, resp.RefreshToken, acmeID))
		_, err = e.srv.RefreshAccessToken(e.ctx, resp.RefreshToken, acmeID)
		requireOAuthError(t, err, ErrorCodeInvalidGrant)
		_, err = e.srv.ValidateAccessToken(e.ctx, resp.AccessToken)
		requireOAuthError(t, err, ErrorCodeInvalidToken)

		// Revoking twice is still a success.
		require.NoError(t, e.srv.RevokeToken(e.ctx, resp.RefreshToken, acmeID))

		err = e.srv.RevokeToken(e.ctx, "", acmeID)
		requireOAuthError(t, err, ErrorCodeInvalidRequest)
	})
}

func TestRevokeAllUserTokens(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		a, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
		require.NoError(t, err)
		b, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
		require.NoError(t, err)

		require.NoError(t, e.srv.RevokeAllUserTokens(e.ctx, "alice"))

		for _, resp := range []*TokenResponse{a, b} {
			_, err = e.srv.ValidateAccessToken(e.ctx, resp.AccessToken)
			requireOAuthError(t, err, ErrorCodeInvalidToken)
			_, err = e.srv.RefreshAccessToken(e.ctx, resp.RefreshToken, acmeID)
			requireOAuthError(t, err, ErrorCodeInvalidGrant)
		}
	})
}

func TestGetUserRoles_FailsOpen(t *testing.T) {
	e := newEnv(t, func(clock storage.Clock) storage.Storage {
		return mock.NewMockStorage(newMemoryStore(clock), clock)
	})
	m := e.srv.Storage().(*mock.MockStorage)
	m.GetUserRolesFunc = func(context.Context, string) ([]string, error) {
		return nil, errors.New("directory down")
	}

	assert.Equal(t, []string{}, e.srv.GetUserRoles(e.ctx, "alice"))

	resp, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
	require.NoError(t, err)
	assert.Equal(t, []string{}, resp.Roles)
}

func TestExchange_IncludesRoles(t *testing.T) {
	e := newEnv(t, func(clock storage.Clock) storage.Storage {
		s := newMemoryStore(clock)
		s.SetUserRoles("alice", []string{"admin"})
		return s
	})

	resp, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, resp.Roles)
}

func TestValidateClient(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		ok, err := e.srv.ValidateClient(e.ctx, acmeID, acmeSecret)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = e.srv.ValidateClient(e.ctx, acmeID, "")
		require.NoError(t, err)
		assert.True(t, ok, "empty secret checks existence only")

		ok, err = e.srv.ValidateClient(e.ctx, acmeID, "wrong")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = e.srv.ValidateClient(e.ctx, "ghost", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestValidateRedirectURI(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		ok, err := e.srv.ValidateRedirectURI(e.ctx, acmeID, acmeRedirect)
		require.NoError(t, err)
		assert.True(t, ok)

		for _, uri := range []string{acmeRedirect + "/extra", "https://acme.example/", "HTTPS://acme.example/callback"} {
			ok, err = e.srv.ValidateRedirectURI(e.ctx, acmeID, uri)
			require.NoError(t, err)
			assert.False(t, ok, uri)
		}

		ok, err = e.srv.ValidateRedirectURI(e.ctx, "ghost", acmeRedirect)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRegisterClient_RedirectURIChecks(t *testing.T) {
	srv, err := New(memory.New(), nil, testutil.DiscardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		uri     string
		wantErr bool
	}{
		{uri: "https://app.example/cb"},
		{uri: "http://localhost:8080/cb"},
		{uri: "http://127.0.0.1/cb"},
		{uri: "com.example.app:/oauth"},
		{uri: "http://app.example/cb", wantErr: true},
		{uri: "https://app.example/cb#frag", wantErr: true},
		{uri: "/relative", wantErr: true},
		{uri: "javascript:alert(1)", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			_, err := srv.RegisterClient(ctx, "app", "secret", []string{tt.uri}, nil)
			if tt.wantErr {
				requireOAuthError(t, err, ErrorCodeInvalidRedirectURI)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err = srv.RegisterClient(ctx, "app", "secret", nil, nil)
	requireOAuthError(t, err, ErrorCodeInvalidRedirectURI)
}

func TestServer_WithInstrumentationAndAuditor(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	require.NoError(t, err)
	defer func() { _ = inst.Shutdown(context.Background()) }()

	e := newEnv(t, func(clock storage.Clock) storage.Storage { return newMemoryStore(clock) })
	e.srv.SetInstrumentation(inst)
	auditor := security.NewAuditor(testutil.DiscardLogger(), true)
	auditor.SetInstrumentation(inst)
	e.srv.SetAuditor(auditor)

	resp, err := e.srv.ExchangeCodeForToken(e.ctx, e.code(t), acmeID, acmeRedirect)
	require.NoError(t, err)
	_, err = e.srv.RefreshAccessToken(e.ctx, resp.RefreshToken, acmeID)
	require.NoError(t, err)
	require.NoError(t, e.srv.RevokeAllUserTokens(e.ctx, "alice"))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))
	assert.Equal(t, ErrorCodeServerError, AsError(errors.New("boom")).Code)

	wrapped := errors.Join(errors.New("context"), ErrInvalidGrant("x"))
	assert.Equal(t, ErrorCodeInvalidGrant, AsError(wrapped).Code)
	assert.Equal(t, "invalid_grant: x", ErrInvalidGrant("x").Error())
}
