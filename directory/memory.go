package directory

import (
	"context"
	"fmt"
	"sync"
)

type memoryUser struct {
	user  User
	hash  string
	salt  string
	roles []string
}

// Memory is an in-process directory seeded from configuration.
type Memory struct {
	mu         sync.RWMutex
	byID       map[string]*memoryUser
	byUsername map[string]*memoryUser
	cost       int
}

var _ Directory = (*Memory)(nil)

// NewMemory creates an empty directory hashing passwords at bcrypt cost.
// A zero cost uses bcrypt.DefaultCost.
func NewMemory(cost int) *Memory {
	return &Memory{
		byID:       make(map[string]*memoryUser),
		byUsername: make(map[string]*memoryUser),
		cost:       cost,
	}
}

// CreateUser adds a user.
func (m *Memory) CreateUser(_ context.Context, nu NewUser) (*User, error) {
	if err := nu.validate(); err != nil {
		return nil, err
	}
	hash, err := nu.hash(m.cost)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[nu.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, nu.ID)
	}
	if _, ok := m.byUsername[nu.Username]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, nu.Username)
	}

	entry := &memoryUser{
		user:  User{ID: nu.ID, Username: nu.Username, Name: nu.Name, Email: nu.Email},
		hash:  hash,
		salt:  nu.Salt,
		roles: append([]string(nil), nu.Roles...),
	}
	m.byID[nu.ID] = entry
	m.byUsername[nu.Username] = entry

	u := entry.user
	return &u, nil
}

// Authenticate implements Directory.
func (m *Memory) Authenticate(_ context.Context, username, password string) (*User, error) {
	m.mu.RLock()
	entry, ok := m.byUsername[username]
	m.mu.RUnlock()

	if !ok {
		return nil, rejectUnknownUser(password)
	}
	if !VerifyPassword(entry.hash, entry.salt, password) {
		return nil, ErrInvalidCredentials
	}
	u := entry.user
	return &u, nil
}

// GetUser implements Directory.
func (m *Memory) GetUser(_ context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.byID[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := entry.user
	return &u, nil
}

// GetUserRoles implements storage.RoleLookup. Unknown users have no roles.
func (m *Memory) GetUserRoles(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.byID[userID]
	if !ok {
		return []string{}, nil
	}
	return append([]string{}, entry.roles...), nil
}
