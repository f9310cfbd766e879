package valkey

import (
	"context"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
)

// CacheTier exposes plain string and set commands for the storage/cache
// decorator. Keys are used as given.
type CacheTier struct {
	client  valkeygo.Client
	timeout time.Duration
}

// NewCacheTier returns a tier on client.
func NewCacheTier(client valkeygo.Client) *CacheTier {
	return &CacheTier{client: client, timeout: DefaultCommandTimeout}
}

// Get returns the value and whether the key existed.
func (c *CacheTier) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	v, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Set stores value for ttl, which must be positive.
func (c *CacheTier) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.client.Do(ctx, c.client.B().Set().Key(key).Value(value).Ex(ttl).Build()).Error()
}

// SetNX stores value for ttl unless key exists (SET NX EX).
func (c *CacheTier) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.client.Do(ctx, c.client.B().Set().Key(key).Value(value).Nx().Ex(ttl).Build()).Error()
	switch {
	case isNilError(err):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Delete removes the keys.
func (c *CacheTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.client.Do(ctx, c.client.B().Del().Key(keys...).Build()).Error()
}

// AddMember adds member to the set at key and extends its TTL to at least ttl.
func (c *CacheTier) AddMember(ctx context.Context, key, member string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	cmd := c.client.B().Eval().Script(addMemberScript).Numkeys(1).
		Key(key).Arg(member, strconv.FormatInt(seconds, 10)).Build()
	return c.client.Do(ctx, cmd).Error()
}

// Members returns the set at key.
func (c *CacheTier) Members(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.client.Do(ctx, c.client.B().Smembers().Key(key).Build()).AsStrSlice()
}
