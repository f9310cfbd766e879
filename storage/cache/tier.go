package cache

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// Tier is the key-value store backing the cache. valkey.CacheTier and
// MemoryTier implement it.
type Tier interface {
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value at key for ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value at key for ttl only if key does not exist and
	// reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// AddMember adds member to the set at key. The set lives at least ttl.
	AddMember(ctx context.Context, key, member string, ttl time.Duration) error

	// Members returns the set at key, empty if it does not exist.
	Members(ctx context.Context, key string) ([]string, error)
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryTier is an in-process Tier for single-instance deployments and
// tests. Entries expire according to its clock.
type MemoryTier struct {
	mu     sync.Mutex
	values map[string]memoryValue
	sets   map[string]*memorySet
	clock  storage.Clock
}

var _ Tier = (*MemoryTier)(nil)

// NewMemoryTier creates an empty tier. A nil clock uses the system clock.
func NewMemoryTier(clock storage.Clock) *MemoryTier {
	return &MemoryTier{
		values: make(map[string]memoryValue),
		sets:   make(map[string]*memorySet),
		clock:  storage.ClockOrDefault(clock),
	}
}

// Get implements Tier.
func (m *MemoryTier) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	if !m.clock.Now().Before(v.expiresAt) {
		delete(m.values, key)
		return "", false, nil
	}
	return v.value, true, nil
}

// Set implements Tier.
func (m *MemoryTier) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = memoryValue{value: value, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

// SetNX implements Tier.
func (m *MemoryTier) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if v, ok := m.values[key]; ok && now.Before(v.expiresAt) {
		return false, nil
	}
	m.values[key] = memoryValue{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

// Delete implements Tier.
func (m *MemoryTier) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.values, key)
		delete(m.sets, key)
	}
	return nil
}

// AddMember implements Tier.
func (m *MemoryTier) AddMember(_ context.Context, key, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	set, ok := m.sets[key]
	if !ok || !now.Before(set.expiresAt) {
		set = &memorySet{members: make(map[string]struct{})}
		m.sets[key] = set
	}
	set.members[member] = struct{}{}
	if exp := now.Add(ttl); exp.After(set.expiresAt) {
		set.expiresAt = exp
	}
	return nil
}

// Members implements Tier.
func (m *MemoryTier) Members(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok || !m.clock.Now().Before(set.expiresAt) {
		delete(m.sets, key)
		return []string{}, nil
	}
	members := make([]string, 0, len(set.members))
	for member := range set.members {
		members = append(members, member)
	}
	return members, nil
}

// Len returns the number of live values, for tests and diagnostics.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, v := range m.values {
		if now.Before(v.expiresAt) {
			n++
		}
	}
	return n
}
