// Package mock provides a storage.Storage with per-operation overrides for
// failure injection in tests.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
)

// MockStorage forwards every operation to Delegate unless the matching Func
// field is set. It never implements storage.Transactor, so callers exercise
// their non-transactional paths.
type MockStorage struct {
	Delegate storage.Storage

	SaveClientFunc          func(ctx context.Context, client *storage.Client) error
	GetClientFunc           func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateClientFunc      func(ctx context.Context, clientID, secret string) (bool, error)
	SaveAuthCodeFunc        func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthCodeFunc         func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	MarkAuthCodeUsedFunc    func(ctx context.Context, code string) error
	ConsumeAuthCodeFunc     func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	ReleaseAuthCodeFunc     func(ctx context.Context, code string) error
	SaveAccessTokenFunc     func(ctx context.Context, token *storage.AccessToken) error
	GetAccessTokenFunc      func(ctx context.Context, token string) (*storage.AccessToken, error)
	RevokeAccessTokenFunc   func(ctx context.Context, token string) error
	RevokeAllUserTokensFunc func(ctx context.Context, userID string) error
	SaveRefreshTokenFunc    func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc     func(ctx context.Context, token string) (*storage.RefreshToken, error)
	RevokeRefreshTokenFunc  func(ctx context.Context, token string) error
	GetUserRolesFunc        func(ctx context.Context, userID string) ([]string, error)
	DeleteExpiredDataFunc   func(ctx context.Context) (int64, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.Storage = (*MockStorage)(nil)

// NewMockStorage returns a mock over delegate. A nil delegate uses a fresh
// memory store on clock.
func NewMockStorage(delegate storage.Storage, clock storage.Clock) *MockStorage {
	if delegate == nil {
		mem := memory.New()
		mem.SetClock(storage.ClockOrDefault(clock))
		delegate = mem
	}
	return &MockStorage{
		Delegate:   delegate,
		callCounts: make(map[string]int),
	}
}

// CallCount returns how often the named operation was called.
func (m *MockStorage) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[op]
}

func (m *MockStorage) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[op]++
}

// SaveClient implements storage.ClientStore.
func (m *MockStorage) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Delegate.SaveClient(ctx, client)
}

// GetClient implements storage.ClientStore.
func (m *MockStorage) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Delegate.GetClient(ctx, clientID)
}

// ValidateClient implements storage.ClientStore.
func (m *MockStorage) ValidateClient(ctx context.Context, clientID, secret string) (bool, error) {
	m.record("ValidateClient")
	if m.ValidateClientFunc != nil {
		return m.ValidateClientFunc(ctx, clientID, secret)
	}
	return m.Delegate.ValidateClient(ctx, clientID, secret)
}

// SaveAuthCode implements storage.CodeStore.
func (m *MockStorage) SaveAuthCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthCode")
	if m.SaveAuthCodeFunc != nil {
		return m.SaveAuthCodeFunc(ctx, code)
	}
	return m.Delegate.SaveAuthCode(ctx, code)
}

// GetAuthCode implements storage.CodeStore.
func (m *MockStorage) GetAuthCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthCode")
	if m.GetAuthCodeFunc != nil {
		return m.GetAuthCodeFunc(ctx, code)
	}
	return m.Delegate.GetAuthCode(ctx, code)
}

// MarkAuthCodeUsed implements storage.CodeStore.
func (m *MockStorage) MarkAuthCodeUsed(ctx context.Context, code string) error {
	m.record("MarkAuthCodeUsed")
	if m.MarkAuthCodeUsedFunc != nil {
		return m.MarkAuthCodeUsedFunc(ctx, code)
	}
	return m.Delegate.MarkAuthCodeUsed(ctx, code)
}

// ConsumeAuthCode implements storage.CodeStore.
func (m *MockStorage) ConsumeAuthCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthCode")
	if m.ConsumeAuthCodeFunc != nil {
		return m.ConsumeAuthCodeFunc(ctx, code)
	}
	return m.Delegate.ConsumeAuthCode(ctx, code)
}

// ReleaseAuthCode implements storage.CodeStore.
func (m *MockStorage) ReleaseAuthCode(ctx context.Context, code string) error {
	m.record("ReleaseAuthCode")
	if m.ReleaseAuthCodeFunc != nil {
		return m.ReleaseAuthCodeFunc(ctx, code)
	}
	return m.Delegate.ReleaseAuthCode(ctx, code)
}

// SaveAccessToken implements storage.TokenStore.
func (m *MockStorage) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.record("SaveAccessToken")
	if m.SaveAccessTokenFunc != nil {
		return m.SaveAccessTokenFunc(ctx, token)
	}
	return m.Delegate.SaveAccessToken(ctx, token)
}

// GetAccessToken implements storage.TokenStore.
func (m *MockStorage) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	m.record("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, token)
	}
	return m.Delegate.GetAccessToken(ctx, token)
}

// RevokeAccessToken implements storage.TokenStore.
func (m *MockStorage) RevokeAccessToken(ctx context.Context, token string) error {
	m.record("RevokeAccessToken")
	if m.RevokeAccessTokenFunc != nil {
		return m.RevokeAccessTokenFunc(ctx, token)
	}
	return m.Delegate.RevokeAccessToken(ctx, token)
}

// RevokeAllUserTokens implements storage.TokenStore.
func (m *MockStorage) RevokeAllUserTokens(ctx context.Context, userID string) error {
	m.record("RevokeAllUserTokens")
	if m.RevokeAllUserTokensFunc != nil {
		return m.RevokeAllUserTokensFunc(ctx, userID)
	}
	return m.Delegate.RevokeAllUserTokens(ctx, userID)
}

// SaveRefreshToken implements storage.TokenStore.
func (m *MockStorage) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.Delegate.SaveRefreshToken(ctx, token)
}

// GetRefreshToken implements storage.TokenStore.
func (m *MockStorage) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, token)
	}
	return m.Delegate.GetRefreshToken(ctx, token)
}

// RevokeRefreshToken implements storage.TokenStore.
func (m *MockStorage) RevokeRefreshToken(ctx context.Context, token string) error {
	m.record("RevokeRefreshToken")
	if m.RevokeRefreshTokenFunc != nil {
		return m.RevokeRefreshTokenFunc(ctx, token)
	}
	return m.Delegate.RevokeRefreshToken(ctx, token)
}

// GetUserRoles implements storage.RoleLookup.
func (m *MockStorage) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	m.record("GetUserRoles")
	if m.GetUserRolesFunc != nil {
		return m.GetUserRolesFunc(ctx, userID)
	}
	return m.Delegate.GetUserRoles(ctx, userID)
}

// DeleteExpiredData implements storage.Storage.
func (m *MockStorage) DeleteExpiredData(ctx context.Context) (int64, error) {
	m.record("DeleteExpiredData")
	if m.DeleteExpiredDataFunc != nil {
		return m.DeleteExpiredDataFunc(ctx)
	}
	return m.Delegate.DeleteExpiredData(ctx)
}

// Close implements storage.Storage.
func (m *MockStorage) Close() error {
	return m.Delegate.Close()
}
