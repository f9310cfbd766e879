package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

const backendName = "memory"

// Store keeps every record in process memory behind a single mutex.
// Every operation, including the consumption check-and-set, runs entirely
// under the lock, so the store is linearizable.
type Store struct {
	mu sync.Mutex

	clients       map[string]*storage.Client
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	roles         map[string][]string

	roleLookup storage.RoleLookup
	clock      storage.Clock
	recorder   *instrumentation.StorageRecorder
	logger     *slog.Logger
}

// Compile-time interface check
var _ storage.Storage = (*Store)(nil)

// New creates an empty store using the system clock.
func New() *Store {
	return &Store{
		clients:       make(map[string]*storage.Client),
		codes:         make(map[string]*storage.AuthorizationCode),
		accessTokens:  make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]*storage.RefreshToken),
		roles:         make(map[string][]string),
		clock:         storage.SystemClock,
		logger:        slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry checks.
func (s *Store) SetClock(clock storage.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = storage.ClockOrDefault(clock)
}

// SetInstrumentation enables storage spans and metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = instrumentation.NewStorageRecorder(inst, backendName)
}

// SetRoleLookup delegates GetUserRoles to an external directory.
func (s *Store) SetRoleLookup(lookup storage.RoleLookup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleLookup = lookup
}

// SetUserRoles seeds the local role table used when no RoleLookup is set.
func (s *Store) SetUserRoles(userID string, roles []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[userID] = append([]string(nil), roles...)
}

// Close implements storage.Storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) start(ctx context.Context, op string) (context.Context, func(error), error) {
	ctx, done := s.recorder.Start(ctx, op)
	if err := ctx.Err(); err != nil {
		err = storage.Unavailable(op, err)
		done(err)
		return ctx, nil, err
	}
	return ctx, done, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient implements storage.ClientStore.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done, err := s.start(ctx, "save_client")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	if err := storage.ValidateClientRecord(client); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client.Clone()
	return nil
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done, err := s.start(ctx, "get_client")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client", storage.ErrNotFound)
	}
	return client.Clone(), nil
}

// ValidateClient implements storage.ClientStore.
func (s *Store) ValidateClient(ctx context.Context, clientID, clientSecret string) (bool, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return storage.VerifyClientSecret(client, clientSecret), nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthCode implements storage.CodeStore.
func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, done, err := s.start(ctx, "save_auth_code")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	if err := storage.ValidateCodeRecord(code); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code.Clone()
	return nil
}

// GetAuthCode implements storage.CodeStore.
func (s *Store) GetAuthCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	_, done, err := s.start(ctx, "get_auth_code")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok || c.Used || storage.IsExpired(c.ExpiresAt, s.clock.Now()) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	return c.Clone(), nil
}

// MarkAuthCodeUsed implements storage.CodeStore.
func (s *Store) MarkAuthCodeUsed(ctx context.Context, code string) (err error) {
	_, done, err := s.start(ctx, "mark_auth_code_used")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok {
		return fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	c.Used = true
	return nil
}

// ConsumeAuthCode implements storage.CodeStore.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	_, done, err := s.start(ctx, "consume_auth_code")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok || c.Used || storage.IsExpired(c.ExpiresAt, s.clock.Now()) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}

	before := c.Clone()
	c.Used = true
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.TokenPrefix(code))
	return before, nil
}

// ReleaseAuthCode implements storage.CodeStore.
func (s *Store) ReleaseAuthCode(ctx context.Context, code string) (err error) {
	_, done, err := s.start(ctx, "release_auth_code")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok || !c.Used || storage.IsExpired(c.ExpiresAt, s.clock.Now()) {
		return fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	c.Used = false
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken implements storage.TokenStore.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	_, done, err := s.start(ctx, "save_access_token")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	if err := storage.ValidateAccessTokenRecord(token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[token.Token] = token.Clone()
	return nil
}

// GetAccessToken implements storage.TokenStore.
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	_, done, err := s.start(ctx, "get_access_token")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.accessTokens[token]
	if !ok || !t.Live(s.clock.Now()) {
		return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
	}
	return t.Clone(), nil
}

// RevokeAccessToken implements storage.TokenStore.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) (err error) {
	_, done, err := s.start(ctx, "revoke_access_token")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.accessTokens[token]
	if !ok || !t.Live(s.clock.Now()) {
		return fmt.Errorf("%w: access token", storage.ErrNotFound)
	}
	t.Revoked = true
	return nil
}

// RevokeAllUserTokens implements storage.TokenStore.
func (s *Store) RevokeAllUserTokens(ctx context.Context, userID string) (err error) {
	_, done, err := s.start(ctx, "revoke_all_user_tokens")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, t := range s.accessTokens {
		if t.UserID == userID && !t.Revoked {
			t.Revoked = true
			revoked++
		}
	}
	for _, t := range s.refreshTokens {
		if t.UserID == userID && !t.Revoked {
			t.Revoked = true
			revoked++
		}
	}

	s.logger.Info("Revoked all user tokens",
		"user_id", userID,
		"count", revoked)
	return nil
}

// SaveRefreshToken implements storage.TokenStore.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	_, done, err := s.start(ctx, "save_refresh_token")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	if err := storage.ValidateRefreshTokenRecord(token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token.Token] = token.Clone()
	return nil
}

// GetRefreshToken implements storage.TokenStore.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	_, done, err := s.start(ctx, "get_refresh_token")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.refreshTokens[token]
	if !ok || !t.Live(s.clock.Now()) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	return t.Clone(), nil
}

// RevokeRefreshToken implements storage.TokenStore.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	_, done, err := s.start(ctx, "revoke_refresh_token")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.refreshTokens[token]
	if !ok || !t.Live(s.clock.Now()) {
		return fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	t.Revoked = true
	return nil
}

// ============================================================
// Roles and Maintenance
// ============================================================

// GetUserRoles implements storage.RoleLookup.
func (s *Store) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	lookup := s.roleLookup
	roles := append([]string{}, s.roles[userID]...)
	s.mu.Unlock()

	if lookup != nil {
		return lookup.GetUserRoles(ctx, userID)
	}
	return roles, nil
}

// DeleteExpiredData removes expired or used codes and expired tokens.
// Revoked tokens are kept until they expire.
func (s *Store) DeleteExpiredData(ctx context.Context) (_ int64, err error) {
	_, done, err := s.start(ctx, "delete_expired_data")
	if err != nil {
		return 0, err
	}
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var deleted int64

	for k, c := range s.codes {
		if c.Used || storage.IsExpired(c.ExpiresAt, now) {
			delete(s.codes, k)
			deleted++
		}
	}
	for k, t := range s.accessTokens {
		if storage.IsExpired(t.ExpiresAt, now) {
			delete(s.accessTokens, k)
			deleted++
		}
	}
	for k, t := range s.refreshTokens {
		if storage.IsExpired(t.ExpiresAt, now) {
			delete(s.refreshTokens, k)
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Debug("Deleted expired data", "count", deleted)
	}
	return deleted, nil
}
