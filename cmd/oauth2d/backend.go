package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth2-server/directory"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/cache"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/postgres"
	"github.com/giantswarm/oauth2-server/storage/valkey"
)

// backend is the storage, directory and optional valkey connection the
// process runs on.
type backend struct {
	store  storage.Storage
	dir    directory.Directory
	users  userCreator
	valkey valkeygo.Client

	closers []func() error
}

type userCreator interface {
	CreateUser(ctx context.Context, nu directory.NewUser) (*directory.User, error)
}

type roleLookupSetter interface {
	SetRoleLookup(lookup storage.RoleLookup)
}

func openBackend(ctx context.Context, cfg appConfig, inst *instrumentation.Instrumentation, logger *slog.Logger) (*backend, error) {
	b := &backend{}

	var base storage.Storage
	switch {
	case cfg.isRelational():
		pcfg := cfg.postgresConfig()
		pcfg.Logger = logger
		db, err := postgres.Open(ctx, pcfg)
		if err != nil {
			return nil, err
		}
		store, err := postgres.New(db, pcfg)
		if err != nil {
			return nil, err
		}
		store.SetInstrumentation(inst)
		b.closers = append(b.closers, store.Close)

		dir := directory.NewGorm(db, logger)
		if pcfg.AutoMigrate {
			if err := dir.Migrate(ctx); err != nil {
				_ = b.Close()
				return nil, err
			}
		}
		b.dir, b.users = dir, dir
		base = store

	case cfg.isValkey():
		vcfg := cfg.valkeyConfig()
		vcfg.Logger = logger
		store, err := valkey.New(vcfg)
		if err != nil {
			return nil, err
		}
		store.SetInstrumentation(inst)
		b.closers = append(b.closers, store.Close)
		b.valkey = store.Client()

		dir := directory.NewMemory(0)
		b.dir, b.users = dir, dir
		base = store

	default:
		store := memory.New()
		store.SetInstrumentation(inst)
		b.closers = append(b.closers, store.Close)

		dir := directory.NewMemory(0)
		b.dir, b.users = dir, dir
		base = store
	}

	if setter, ok := base.(roleLookupSetter); ok {
		setter.SetRoleLookup(b.dir)
	}

	if b.valkey == nil && cfg.Valkey.Address != "" && (cfg.Cache.Enabled || cfg.RateLimit.Backend == storageValkey) {
		vcfg := cfg.valkeyConfig()
		vcfg.Logger = logger
		client, err := valkey.Dial(vcfg)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.valkey = client
		b.closers = append(b.closers, func() error { client.Close(); return nil })
	}

	b.store = base
	if cfg.Cache.Enabled {
		if cfg.isValkey() {
			logger.Warn("Ignoring cache.enabled: the valkey backend is already a key-value store")
		} else {
			var tier cache.Tier
			if b.valkey != nil {
				tier = valkey.NewCacheTier(b.valkey)
			} else {
				tier = cache.NewMemoryTier(nil)
			}
			b.store = cache.New(base, tier, cache.Config{
				KeyPrefix:       cfg.Valkey.KeyPrefix + "cache:",
				MaxTTL:          time.Duration(cfg.Cache.MaxTTLSeconds) * time.Second,
				Logger:          logger,
				Instrumentation: inst,
			})
			logger.Info("Access token cache enabled", "shared", b.valkey != nil)
		}
	}

	return b, nil
}

// rateLimiterFactory returns a valkey-backed limiter builder when the
// configuration asks for one, nil otherwise.
func (b *backend) rateLimiterFactory(cfg appConfig, logger *slog.Logger) func(int, time.Duration) security.Limiter {
	if cfg.RateLimit.Backend != storageValkey || b.valkey == nil {
		return nil
	}
	prefix := cfg.Valkey.KeyPrefix + "ratelimit:"
	return func(limit int, window time.Duration) security.Limiter {
		return valkey.NewRateLimiter(b.valkey, prefix, limit, window, logger)
	}
}

func (b *backend) seedUsers(ctx context.Context, users []userConfig, logger *slog.Logger) error {
	for _, u := range users {
		_, err := b.users.CreateUser(ctx, directory.NewUser{
			ID:           u.ID,
			Username:     u.Username,
			Password:     u.Password,
			PasswordHash: u.PasswordHash,
			Salt:         u.Salt,
			Name:         u.Name,
			Email:        u.Email,
			Roles:        u.Roles,
		})
		switch {
		case errors.Is(err, directory.ErrUserExists):
			logger.Debug("User already present", "username", u.Username)
		case err != nil:
			return fmt.Errorf("seed user %q: %w", u.Username, err)
		}
	}
	return nil
}

// Close releases every connection in reverse order of opening.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
