package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/storage/cache"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/postgres"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, storageMemory, cfg.StorageType)
	assert.Equal(t, int64(600), cfg.Tokens.AuthCodeTTL)
	assert.Equal(t, int64(3600), cfg.Tokens.AccessTokenTTL)
	assert.Equal(t, int64(2592000), cfg.Tokens.RefreshTokenTTL)
	assert.Equal(t, 3600, cfg.CleanupIntervalSeconds)
	assert.False(t, cfg.Cache.Enabled)

	hcfg := cfg.handlerConfig()
	assert.Equal(t, 5, hcfg.RateLimits.Login)
	assert.Equal(t, time.Minute, hcfg.RateLimits.Window)
	assert.False(t, hcfg.AllowPublicClients)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("OAUTH2_STORAGE_TYPE", "SQLite")
	t.Setenv("OAUTH2_TOKENS_ACCESS_TOKEN_TTL", "120")
	t.Setenv("OAUTH2_POSTGRES_DSN", "file:test.db")
	t.Setenv("OAUTH2_CACHE_ENABLED", "true")
	t.Setenv("OAUTH2_HTTP_ALLOW_PUBLIC_CLIENTS", "true")

	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)

	assert.Equal(t, storageSQLite, cfg.StorageType)
	assert.Equal(t, int64(120), cfg.Tokens.AccessTokenTTL)
	assert.True(t, cfg.Cache.Enabled)
	assert.True(t, cfg.handlerConfig().AllowPublicClients)

	pcfg := cfg.postgresConfig()
	assert.Equal(t, postgres.DriverSQLite, pcfg.Driver)
	assert.Equal(t, "file:test.db", pcfg.DSN)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth2d.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen": ":9000",
		"tokens": {"refresh_token_ttl": 86400},
		"clients": [{"id": "acme", "secret": "s3cret", "redirect_uris": ["https://acme.example/cb"]}],
		"users": [{"id": "u-alice", "username": "alice", "password": "wonderland", "roles": ["admin"]}],
		"rbac_rules": [{"pattern": "/admin/.*", "roles": ["admin"]}]
	}`), 0o600))

	cfg, err := loadConfig(newViper(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, int64(86400), cfg.Tokens.RefreshTokenTTL)
	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, []string{"https://acme.example/cb"}, cfg.Clients[0].RedirectURIs)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, []string{"admin"}, cfg.Users[0].Roles)
	require.Len(t, cfg.RBACRules, 1)
	assert.Equal(t, "/admin/.*", cfg.RBACRules[0].Pattern)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(newViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestAppConfig_Validate(t *testing.T) {
	base := func() appConfig {
		return appConfig{StorageType: storageMemory}
	}

	tests := []struct {
		name    string
		mutate  func(*appConfig)
		wantErr bool
	}{
		{name: "memory", mutate: func(*appConfig) {}},
		{name: "unknown backend", mutate: func(c *appConfig) { c.StorageType = "mongo" }, wantErr: true},
		{name: "valkey without address", mutate: func(c *appConfig) { c.StorageType = storageValkey }, wantErr: true},
		{name: "redis alias", mutate: func(c *appConfig) {
			c.StorageType = storageRedis
			c.Valkey.Address = "localhost:6379"
		}},
		{name: "negative ttl", mutate: func(c *appConfig) { c.Tokens.AccessTokenTTL = -1 }, wantErr: true},
		{name: "valkey limiter without address", mutate: func(c *appConfig) { c.RateLimit.Backend = storageValkey }, wantErr: true},
		{name: "unknown limiter", mutate: func(c *appConfig) { c.RateLimit.Backend = "etcd" }, wantErr: true},
		{name: "client without id", mutate: func(c *appConfig) { c.Clients = []clientConfig{{Secret: "x"}} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"app":"oauth2d"`)

	_, err = newLogger(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestOpenBackend_MemoryWithCache(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	cfg := appConfig{StorageType: storageMemory, Cache: cacheConfig{Enabled: true}}
	b, err := openBackend(ctx, cfg, nil, logger)
	require.NoError(t, err)
	defer b.Close()

	_, isMemory := b.store.(*memory.Store)
	assert.False(t, isMemory, "cache should wrap the memory store")
	_, isCache := b.store.(*cache.Store)
	assert.True(t, isCache)
	assert.Nil(t, b.rateLimiterFactory(cfg, logger))

	users := []userConfig{{ID: "u-alice", Username: "alice", Password: "wonderland", Roles: []string{"admin"}}}
	require.NoError(t, b.seedUsers(ctx, users, logger))
	// seeding again is a no-op
	require.NoError(t, b.seedUsers(ctx, users, logger))

	roles, err := b.store.GetUserRoles(ctx, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, roles)
}

func TestOpenBackend_SQLite(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	cfg := appConfig{
		StorageType: storageSQLite,
		Postgres: postgresConfig{
			DSN:         "file:" + uuid.NewString() + "?mode=memory&cache=shared",
			AutoMigrate: true,
		},
	}
	b, err := openBackend(ctx, cfg, nil, logger)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.seedUsers(ctx, []userConfig{
		{ID: "u-bob", Username: "bob", Password: "builder", Roles: []string{"viewer"}},
	}, logger))

	user, err := b.dir.Authenticate(ctx, "bob", "builder")
	require.NoError(t, err)
	assert.Equal(t, "u-bob", user.ID)

	roles, err := b.store.GetUserRoles(ctx, "u-bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"viewer"}, roles)

	purged, err := b.store.DeleteExpiredData(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestRootCommand_Flags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "cleanup-once", "listen", "metrics-listen", "storage-type", "log-level", "log-format"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestRootCommand_CleanupOnce(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--cleanup-once", "--log-format", "text"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "app=oauth2d")
}
