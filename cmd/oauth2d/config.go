package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	oauth "github.com/giantswarm/oauth2-server"
	"github.com/giantswarm/oauth2-server/storage/postgres"
	"github.com/giantswarm/oauth2-server/storage/valkey"
)

const envPrefix = "OAUTH2"

const (
	storageMemory   = "memory"
	storagePostgres = "postgres"
	storageSQLite   = "sqlite"
	storageValkey   = "valkey"
	storageRedis    = "redis"
)

type appConfig struct {
	Listen        string `mapstructure:"listen"`
	MetricsListen string `mapstructure:"metrics_listen"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`

	StorageType            string `mapstructure:"storage_type"`
	CleanupIntervalSeconds int    `mapstructure:"cleanup_interval_seconds"`

	Tokens   tokenConfig    `mapstructure:"tokens"`
	Postgres postgresConfig `mapstructure:"postgres"`
	Valkey   valkeyConfig   `mapstructure:"valkey"`
	Cache    cacheConfig    `mapstructure:"cache"`

	Clients   []clientConfig    `mapstructure:"clients"`
	Users     []userConfig      `mapstructure:"users"`
	RBACRules []oauth.RBACRule  `mapstructure:"rbac_rules"`
	HTTP      httpConfig        `mapstructure:"http"`
	RateLimit rateLimitSettings `mapstructure:"rate_limits"`
}

type tokenConfig struct {
	AuthCodeTTL               int64 `mapstructure:"auth_code_ttl"`
	AccessTokenTTL            int64 `mapstructure:"access_token_ttl"`
	RefreshTokenTTL           int64 `mapstructure:"refresh_token_ttl"`
	AllowInsecureRedirectURIs bool  `mapstructure:"allow_insecure_redirect_uris"`
}

type postgresConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	Host        string `mapstructure:"host"`
	Port        string `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Name        string `mapstructure:"name"`
	SSLMode     string `mapstructure:"sslmode"`
	Path        string `mapstructure:"path"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type valkeyConfig struct {
	Address        string `mapstructure:"address"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	KeyPrefix      string `mapstructure:"key_prefix"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type cacheConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxTTLSeconds int  `mapstructure:"max_ttl_seconds"`
}

type clientConfig struct {
	ID           string   `mapstructure:"id"`
	Secret       string   `mapstructure:"secret"`
	RedirectURIs []string `mapstructure:"redirect_uris"`
	Scopes       []string `mapstructure:"scopes"`
}

type userConfig struct {
	ID           string   `mapstructure:"id"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	PasswordHash string   `mapstructure:"password_hash"`
	Salt         string   `mapstructure:"salt"`
	Name         string   `mapstructure:"name"`
	Email        string   `mapstructure:"email"`
	Roles        []string `mapstructure:"roles"`
}

type httpConfig struct {
	TrustProxy         bool     `mapstructure:"trust_proxy"`
	TrustedProxyCount  int      `mapstructure:"trusted_proxy_count"`
	SecureCookies      bool     `mapstructure:"secure_cookies"`
	DenyUnmatchedPaths bool     `mapstructure:"deny_unmatched_paths"`
	AllowPublicClients bool     `mapstructure:"allow_public_clients"`
	CORSOrigins        []string `mapstructure:"cors_origins"`
}

type rateLimitSettings struct {
	Login         int    `mapstructure:"login"`
	Token         int    `mapstructure:"token"`
	Default       int    `mapstructure:"default"`
	WindowSeconds int    `mapstructure:"window_seconds"`
	Backend       string `mapstructure:"backend"`
}

// setDefaults registers every scalar key so AutomaticEnv overrides are
// visible to Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("metrics_listen", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("storage_type", storageMemory)
	v.SetDefault("cleanup_interval_seconds", 3600)

	v.SetDefault("tokens.auth_code_ttl", 600)
	v.SetDefault("tokens.access_token_ttl", 3600)
	v.SetDefault("tokens.refresh_token_ttl", 2592000)
	v.SetDefault("tokens.allow_insecure_redirect_uris", false)

	v.SetDefault("postgres.driver", postgres.DriverPostgres)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.host", "")
	v.SetDefault("postgres.port", "")
	v.SetDefault("postgres.user", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.name", "")
	v.SetDefault("postgres.sslmode", "")
	v.SetDefault("postgres.path", "")
	v.SetDefault("postgres.auto_migrate", false)

	v.SetDefault("valkey.address", "")
	v.SetDefault("valkey.password", "")
	v.SetDefault("valkey.db", 0)
	v.SetDefault("valkey.key_prefix", valkey.DefaultKeyPrefix)
	v.SetDefault("valkey.timeout_seconds", int(valkey.DefaultCommandTimeout/time.Second))

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.max_ttl_seconds", 0)

	v.SetDefault("http.trust_proxy", false)
	v.SetDefault("http.trusted_proxy_count", 0)
	v.SetDefault("http.secure_cookies", false)
	v.SetDefault("http.deny_unmatched_paths", false)
	v.SetDefault("http.allow_public_clients", false)

	v.SetDefault("rate_limits.login", oauth.DefaultLoginRateLimit)
	v.SetDefault("rate_limits.token", oauth.DefaultTokenRateLimit)
	v.SetDefault("rate_limits.default", oauth.DefaultRateLimit)
	v.SetDefault("rate_limits.window_seconds", int(oauth.DefaultRateLimitWindow/time.Second))
	v.SetDefault("rate_limits.backend", "memory")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func loadConfig(v *viper.Viper, path string) (appConfig, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return appConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.StorageType = strings.ToLower(strings.TrimSpace(cfg.StorageType))
	if err := cfg.validate(); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func (c appConfig) validate() error {
	switch c.StorageType {
	case storageMemory, storagePostgres, storageSQLite, storageValkey, storageRedis:
	default:
		return fmt.Errorf("unsupported storage_type %q (supported: memory, postgres, sqlite, valkey)", c.StorageType)
	}
	if c.isValkey() && c.Valkey.Address == "" {
		return fmt.Errorf("valkey.address is required for storage_type %q", c.StorageType)
	}
	if c.Tokens.AuthCodeTTL < 0 || c.Tokens.AccessTokenTTL < 0 || c.Tokens.RefreshTokenTTL < 0 {
		return fmt.Errorf("token TTLs must not be negative")
	}
	switch c.RateLimit.Backend {
	case "", "memory":
	case storageValkey:
		if c.Valkey.Address == "" {
			return fmt.Errorf("valkey.address is required for the valkey rate limit backend")
		}
	default:
		return fmt.Errorf("unsupported rate_limits.backend %q", c.RateLimit.Backend)
	}
	for i, cl := range c.Clients {
		if cl.ID == "" {
			return fmt.Errorf("clients[%d]: id is required", i)
		}
	}
	return nil
}

func (c appConfig) isValkey() bool {
	return c.StorageType == storageValkey || c.StorageType == storageRedis
}

func (c appConfig) isRelational() bool {
	return c.StorageType == storagePostgres || c.StorageType == storageSQLite
}

func (c appConfig) postgresConfig() postgres.Config {
	driver := c.Postgres.Driver
	if c.StorageType == storageSQLite {
		driver = postgres.DriverSQLite
	}
	return postgres.Config{
		Driver:      driver,
		DSN:         c.Postgres.DSN,
		Host:        c.Postgres.Host,
		Port:        c.Postgres.Port,
		User:        c.Postgres.User,
		Password:    c.Postgres.Password,
		Name:        c.Postgres.Name,
		SSLMode:     c.Postgres.SSLMode,
		Path:        c.Postgres.Path,
		AutoMigrate: c.Postgres.AutoMigrate,
	}
}

func (c appConfig) valkeyConfig() valkey.Config {
	return valkey.Config{
		Address:        c.Valkey.Address,
		Password:       c.Valkey.Password,
		DB:             c.Valkey.DB,
		KeyPrefix:      c.Valkey.KeyPrefix,
		CommandTimeout: time.Duration(c.Valkey.TimeoutSeconds) * time.Second,
	}
}

func (c appConfig) handlerConfig() oauth.HandlerConfig {
	return oauth.HandlerConfig{
		TrustProxy:         c.HTTP.TrustProxy,
		TrustedProxyCount:  c.HTTP.TrustedProxyCount,
		SecureCookies:      c.HTTP.SecureCookies,
		RBACRules:          c.RBACRules,
		DenyUnmatchedPaths: c.HTTP.DenyUnmatchedPaths,
		AllowPublicClients: c.HTTP.AllowPublicClients,
		RateLimits: oauth.RateLimitConfig{
			Login:   c.RateLimit.Login,
			Token:   c.RateLimit.Token,
			Default: c.RateLimit.Default,
			Window:  time.Duration(c.RateLimit.WindowSeconds) * time.Second,
		},
		CORS: oauth.CORSConfig{AllowedOrigins: c.HTTP.CORSOrigins},
	}
}
