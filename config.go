package oauth

import (
	"time"

	"github.com/giantswarm/oauth2-server/security"
)

const (
	// DefaultLoginRateLimit is requests per window per IP on /oauth2/login
	DefaultLoginRateLimit = 5

	// DefaultTokenRateLimit is requests per window per IP on /oauth2/token
	DefaultTokenRateLimit = 10

	// DefaultRateLimit applies to every other path
	DefaultRateLimit = 60

	// DefaultRateLimitWindow is the rate limit window
	DefaultRateLimitWindow = time.Minute

	// DefaultSessionTTL is how long a login session stays valid
	DefaultSessionTTL = time.Hour

	defaultCORSMaxAge = 3600
)

// HandlerConfig configures the HTTP adapter.
type HandlerConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	TrustedProxyCount int

	// SecureCookies marks session cookies Secure and enables HSTS.
	SecureCookies bool

	// SessionTTL is the lifetime of a login session. Default: 1 hour
	SessionTTL time.Duration

	// Sessions overrides the in-memory session store.
	Sessions SessionStore

	// RBACRules maps path regular expressions to the roles allowed on them.
	// A path must match a pattern entirely.
	RBACRules []RBACRule

	// DenyUnmatchedPaths rejects bearer requests to paths no RBAC rule matches.
	// When false such paths are open to any valid token.
	DenyUnmatchedPaths bool

	// AllowPublicClients lets clients call the token and revocation
	// endpoints without a client_secret. The client is then only checked
	// for existence. When false a missing secret is invalid_client.
	AllowPublicClients bool

	// RateLimits sets the per-IP, per-path request budgets.
	RateLimits RateLimitConfig

	// CORS settings for browser-based clients.
	CORS CORSConfig
}

// RBACRule allows the listed roles on paths matching Pattern.
type RBACRule struct {
	Pattern string   `mapstructure:"pattern" json:"pattern"`
	Roles   []string `mapstructure:"roles" json:"roles"`
}

// RateLimitConfig holds rate limiting configuration. A negative limit
// disables that class.
type RateLimitConfig struct {
	Login   int
	Token   int
	Default int

	// Window is the period each limit applies to. Default: 1 minute
	Window time.Duration

	// NewLimiter builds the limiter for one class. Default: in-process
	// token bucket (security.NewRateLimiter).
	NewLimiter func(limit int, window time.Duration) security.Limiter
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the token, revocation and
	// userinfo endpoints. Empty disables CORS. "*" allows any origin.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds. Default: 3600
	MaxAge int
}

func applyHandlerDefaults(cfg HandlerConfig) HandlerConfig {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}

	rl := &cfg.RateLimits
	if rl.Login == 0 {
		rl.Login = DefaultLoginRateLimit
	}
	if rl.Token == 0 {
		rl.Token = DefaultTokenRateLimit
	}
	if rl.Default == 0 {
		rl.Default = DefaultRateLimit
	}
	if rl.Window <= 0 {
		rl.Window = DefaultRateLimitWindow
	}

	if cfg.CORS.MaxAge <= 0 {
		cfg.CORS.MaxAge = defaultCORSMaxAge
	}
	return cfg
}
