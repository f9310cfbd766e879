package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "oauth2:"

	// DefaultCommandTimeout bounds every command sent to the server
	DefaultCommandTimeout = 3 * time.Second

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	backendName = "valkey"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth2:"). On a
	// cluster use a hash-tagged prefix such as "{oauth2}:" so multi-key
	// scripts do not fail with CROSSSLOT.
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// CommandTimeout bounds every command (default 3s)
	CommandTimeout time.Duration

	// Clock is the time source for expiry checks and TTLs
	Clock storage.Clock

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	c.Clock = storage.ClockOrDefault(c.Clock)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store is a Valkey-backed implementation of storage.Storage.
type Store struct {
	client     valkeygo.Client
	ownsClient bool
	prefix     string
	timeout    time.Duration
	clock      storage.Clock
	roleLookup storage.RoleLookup
	recorder   *instrumentation.StorageRecorder
	logger     *slog.Logger
}

// Compile-time interface check
var _ storage.Storage = (*Store)(nil)

// Dial creates a client for cfg and verifies it with PING.
func Dial(cfg Config) (valkeygo.Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}
	return client, nil
}

// New connects to Valkey and returns a store owning the connection.
func New(cfg Config) (*Store, error) {
	client, err := Dial(cfg)
	if err != nil {
		return nil, err
	}
	s := NewWithClient(client, cfg)
	s.ownsClient = true

	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient creates a store on an existing client. Close does not close
// a client it does not own.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	cfg.applyDefaults()
	return &Store{
		client:  client,
		prefix:  cfg.KeyPrefix,
		timeout: cfg.CommandTimeout,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Client returns the underlying client, e.g. to share it with a CacheTier
// or RateLimiter.
func (s *Store) Client() valkeygo.Client {
	return s.client
}

// SetInstrumentation enables storage spans and metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.recorder = instrumentation.NewStorageRecorder(inst, backendName)
}

// SetRoleLookup delegates GetUserRoles to an external directory.
func (s *Store) SetRoleLookup(lookup storage.RoleLookup) {
	s.roleLookup = lookup
}

// Close closes the client connection if the store created it.
func (s *Store) Close() error {
	if s.ownsClient {
		s.client.Close()
		s.logger.Info("Valkey storage connection closed")
	}
	return nil
}

// DeleteExpiredData is a no-op: keys expire through their TTL.
func (s *Store) DeleteExpiredData(context.Context) (int64, error) {
	return 0, nil
}

// GetUserRoles implements storage.RoleLookup.
func (s *Store) GetUserRoles(ctx context.Context, userID string) (_ []string, err error) {
	if s.roleLookup != nil {
		return s.roleLookup.GetUserRoles(ctx, userID)
	}

	ctx, done := s.start(ctx, "get_user_roles")
	defer func() { done(err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	roles, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.rolesKey(userID)).Build()).AsStrSlice()
	if err != nil {
		return nil, s.mapError("get user roles", err)
	}
	if roles == nil {
		roles = []string{}
	}
	return roles, nil
}

// SetUserRoles replaces the role set used when no RoleLookup is configured.
func (s *Store) SetUserRoles(ctx context.Context, userID string, roles []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.rolesKey(userID)
	cmds := valkeygo.Commands{s.client.B().Del().Key(key).Build()}
	if len(roles) > 0 {
		cmds = append(cmds, s.client.B().Sadd().Key(key).Member(roles...).Build())
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return s.mapError("set user roles", err)
		}
	}
	return nil
}

// ============================================================
// Helper methods
// ============================================================

func (s *Store) start(ctx context.Context, op string) (context.Context, func(error)) {
	return s.recorder.Start(ctx, op)
}

func (s *Store) clientKey(clientID string) string { return s.prefix + "client:" + clientID }
func (s *Store) codeKey(code string) string       { return s.prefix + "code:" + code }
func (s *Store) tokenKey(token string) string     { return s.prefix + "token:" + token }
func (s *Store) refreshKey(token string) string   { return s.prefix + "refresh:" + token }
func (s *Store) userTokensKey(userID string) string {
	return s.prefix + "user_tokens:" + userID
}
func (s *Store) rolesKey(userID string) string { return s.prefix + "roles:" + userID }

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// mapError converts client errors to the storage taxonomy.
func (s *Store) mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isNilError(err) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, op)
	}
	return storage.Unavailable(op, err)
}

// ttlFor returns the remaining lifetime at the store clock, in whole seconds.
func (s *Store) ttlFor(expiresAt time.Time) time.Duration {
	return storage.Remaining(expiresAt, s.clock.Now())
}

func (s *Store) nowArg() string {
	return fmt.Sprintf("%d", s.clock.Now().Unix())
}
