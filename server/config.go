package server

import (
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DefaultAuthorizationCodeTTL is the code lifetime in seconds (10 minutes)
	DefaultAuthorizationCodeTTL int64 = 600

	// DefaultAccessTokenTTL is the access token lifetime in seconds (1 hour)
	DefaultAccessTokenTTL int64 = 3600

	// DefaultRefreshTokenTTL is the refresh token lifetime in seconds (30 days)
	DefaultRefreshTokenTTL int64 = 2592000

	// DefaultIssuanceRetries is how often a failed token write is retried
	DefaultIssuanceRetries = 2

	// DefaultIssuanceRetryBackoff is the wait before the first retry; it
	// doubles per attempt
	DefaultIssuanceRetryBackoff = 25 * time.Millisecond

	// compensationTimeout bounds cleanup writes that run after the request
	// context may already be gone
	compensationTimeout = 5 * time.Second
)

// Config holds OAuth server configuration
type Config struct {
	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// IssuanceRetries is how often a token write that failed with
	// storage.ErrUnavailable is retried on stores without transactions.
	// Negative disables retries. Default: 2
	IssuanceRetries int

	// IssuanceRetryBackoff is the wait before the first retry. Default: 25ms
	IssuanceRetryBackoff time.Duration

	// AllowInsecureRedirectURIs permits plain http redirect URIs on
	// non-loopback hosts when registering clients. Default: false
	AllowInsecureRedirectURIs bool

	// Clock is the time source for every expiry decision. Default: system clock
	Clock storage.Clock
}

// applyTimeDefaults returns a copy of config with zero values replaced by
// defaults.
func applyTimeDefaults(config *Config) *Config {
	cfg := *config
	if cfg.AuthorizationCodeTTL <= 0 {
		cfg.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	switch {
	case cfg.IssuanceRetries == 0:
		cfg.IssuanceRetries = DefaultIssuanceRetries
	case cfg.IssuanceRetries < 0:
		cfg.IssuanceRetries = 0
	}
	if cfg.IssuanceRetryBackoff <= 0 {
		cfg.IssuanceRetryBackoff = DefaultIssuanceRetryBackoff
	}
	cfg.Clock = storage.ClockOrDefault(cfg.Clock)
	return &cfg
}

func (c *Config) codeTTL() time.Duration    { return time.Duration(c.AuthorizationCodeTTL) * time.Second }
func (c *Config) accessTTL() time.Duration  { return time.Duration(c.AccessTokenTTL) * time.Second }
func (c *Config) refreshTTL() time.Duration { return time.Duration(c.RefreshTokenTTL) * time.Second }
