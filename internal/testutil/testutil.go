package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// Epoch is a whole-second instant used as the starting point of test clocks.
var Epoch = time.Unix(1_700_000_000, 0)

const (
	TestClientID     = "test-client"
	TestClientSecret = "test-secret"
	TestRedirectURI  = "https://client.example.com/callback"
	TestUserID       = "user-1"
	TestScope        = "read write"
)

// Clock is a controllable time source. It implements storage.Clock and is
// safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

var _ storage.Clock = (*Clock)(nil)

// NewClock creates a clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current mock time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set sets the clock to t
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestClient returns a client registered with TestClientSecret and TestRedirectURI.
func TestClient(t testing.TB, clientID string) *storage.Client {
	t.Helper()
	c, err := storage.NewClient(clientID, TestClientSecret, []string{TestRedirectURI}, []string{"read", "write"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

// AuthCode returns an unused code for TestClientID expiring ttl after now.
func AuthCode(now time.Time, ttl time.Duration) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        RandomString(32),
		ClientID:    TestClientID,
		UserID:      TestUserID,
		Scope:       TestScope,
		RedirectURI: TestRedirectURI,
		ExpiresAt:   now.Add(ttl),
	}
}

// AccessToken returns a live access token for userID expiring ttl after now.
func AccessToken(userID string, now time.Time, ttl time.Duration) *storage.AccessToken {
	return &storage.AccessToken{
		Token:     RandomString(32),
		ClientID:  TestClientID,
		UserID:    userID,
		Scope:     TestScope,
		ExpiresAt: now.Add(ttl),
	}
}

// RefreshToken returns a live refresh token for userID expiring ttl after now.
func RefreshToken(userID, accessToken string, now time.Time, ttl time.Duration) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:       RandomString(32),
		AccessToken: accessToken,
		ClientID:    TestClientID,
		UserID:      userID,
		Scope:       TestScope,
		ExpiresAt:   now.Add(ttl),
	}
}

// RandomString generates a random URL-safe string of the given length
func RandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}
