package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DefaultKeyPrefix is prepended to every cache key.
	DefaultKeyPrefix = "oauth2:"

	// DefaultTombstoneTTL is how long a revocation marker blocks back-fills.
	DefaultTombstoneTTL = time.Hour

	// tombstone marks a revoked token key. It never decodes as a token.
	tombstone = "revoked"
)

// Config configures the decorator.
type Config struct {
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string

	// MaxTTL caps how long an entry stays cached. Zero caches for the
	// token's remaining lifetime.
	MaxTTL time.Duration

	// TombstoneTTL is how long revocation markers stay in the tier. It must
	// exceed the longest read-through a request can perform. Default:
	// DefaultTombstoneTTL
	TombstoneTTL time.Duration

	Clock           storage.Clock
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Store caches access tokens in front of a backing store. Operations it does
// not override are served by the embedded backing store.
type Store struct {
	storage.Storage

	tier         Tier
	prefix       string
	maxTTL       time.Duration
	tombstoneTTL time.Duration
	clock        storage.Clock
	logger       *slog.Logger
	metrics      *instrumentation.Metrics

	// pending collects tier writes inside a transaction. Nil outside one.
	pending *[]func(context.Context) error
}

// TransactionalStore is returned by New when the backing store implements
// storage.Transactor.
type TransactionalStore struct {
	*Store
	tx storage.Transactor
}

var (
	_ storage.Storage    = (*Store)(nil)
	_ storage.Transactor = (*TransactionalStore)(nil)
)

// New wraps backing with tier. The result implements storage.Transactor
// exactly when backing does.
func New(backing storage.Storage, tier Tier, cfg Config) storage.Storage {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = DefaultTombstoneTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		Storage:      backing,
		tier:         tier,
		prefix:       cfg.KeyPrefix,
		maxTTL:       cfg.MaxTTL,
		tombstoneTTL: cfg.TombstoneTTL,
		clock:        storage.ClockOrDefault(cfg.Clock),
		logger:       cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		s.metrics = cfg.Instrumentation.Metrics()
	}

	if tx, ok := backing.(storage.Transactor); ok {
		return &TransactionalStore{Store: s, tx: tx}
	}
	return s
}

// SaveAccessToken writes to the backing store, then mirrors the token into
// the tier. Tier failures are logged and ignored.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if err := s.Storage.SaveAccessToken(ctx, token); err != nil {
		return err
	}
	saved := token.Clone()
	s.afterCommit(ctx, func(ctx context.Context) error {
		s.mirror(ctx, saved)
		return nil
	})
	return nil
}

// GetAccessToken serves live tokens from the tier and reads through to the
// backing store otherwise. A revocation tombstone answers ErrNotFound without
// consulting the backing store. Stale entries are never deleted, only
// replaced by a tombstone once the backing store no longer has the token.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if s.pending != nil {
		// Inside a transaction the tier cannot see uncommitted state.
		return s.Storage.GetAccessToken(ctx, token)
	}

	key := s.tokenKey(token)
	stale := false
	data, ok, err := s.tier.Get(ctx, key)
	switch {
	case err != nil:
		s.tierFailed(ctx, "get", err)
		s.lookup(ctx, "error")
	case !ok:
		s.lookup(ctx, "miss")
	case data == tombstone:
		s.lookup(ctx, "revoked")
		return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
	default:
		cached, err := decodeToken(data)
		if err == nil && cached.Token == token && cached.Live(s.clock.Now()) {
			s.lookup(ctx, "hit")
			return cached, nil
		}
		if err != nil {
			s.tierFailed(ctx, "decode", err)
		}
		s.lookup(ctx, "stale")
		stale = true
	}

	t, err := s.Storage.GetAccessToken(ctx, token)
	if err != nil {
		if stale && storage.IsNotFound(err) {
			// A token the backing store no longer has stays gone.
			if err := s.tier.Set(ctx, key, tombstone, s.tombstoneTTL); err != nil {
				s.tierFailed(ctx, "tombstone", err)
			}
		}
		return nil, err
	}
	if !stale {
		s.mirror(ctx, t)
	}
	return t, nil
}

// RevokeAccessToken revokes the token in the backing store, then replaces
// any cached copy with a tombstone. Back-fills only write absent keys, so a
// read-through that loaded the token before the revocation cannot bring it
// back. A failed tombstone write is reported as ErrUnavailable.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	err := s.Storage.RevokeAccessToken(ctx, token)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}

	key := s.tokenKey(token)
	if terr := s.afterCommit(ctx, func(ctx context.Context) error {
		if err := s.tier.Set(ctx, key, tombstone, s.tombstoneTTL); err != nil {
			s.tierFailed(ctx, "tombstone", err)
			return storage.Unavailable("mark revoked access token", err)
		}
		return nil
	}); terr != nil && err == nil {
		return terr
	}
	return err
}

// RevokeAllUserTokens revokes in the backing store, then marks the user as
// revoked and tombstones every cached token indexed under them. Back-fills
// for the user that race with this drop their entry when they see the mark.
func (s *Store) RevokeAllUserTokens(ctx context.Context, userID string) error {
	if err := s.Storage.RevokeAllUserTokens(ctx, userID); err != nil {
		return err
	}

	index := s.userKey(userID)
	return s.afterCommit(ctx, func(ctx context.Context) error {
		if err := s.tier.Set(ctx, s.userRevokedKey(userID), tombstone, s.tombstoneTTL); err != nil {
			s.tierFailed(ctx, "tombstone", err)
			return storage.Unavailable("mark revoked user", err)
		}
		keys, err := s.tier.Members(ctx, index)
		for i := 0; err == nil && i < len(keys); i++ {
			err = s.tier.Set(ctx, keys[i], tombstone, s.tombstoneTTL)
		}
		if err == nil {
			err = s.tier.Delete(ctx, index)
		}
		if err != nil {
			s.tierFailed(ctx, "tombstone", err)
			return storage.Unavailable("mark revoked user tokens", err)
		}
		return nil
	})
}

// WithinTransaction runs fn in a backing transaction. Tier writes made
// through the transactional store are applied only after commit.
func (s *TransactionalStore) WithinTransaction(ctx context.Context, fn func(tx storage.Storage) error) error {
	var pending []func(context.Context) error

	err := s.tx.WithinTransaction(ctx, func(tx storage.Storage) error {
		view := *s.Store
		view.Storage = tx
		view.pending = &pending
		return fn(&view)
	})
	if err != nil {
		return err
	}

	var firstErr error
	for _, apply := range pending {
		if err := apply(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ============================================================
// Helper methods
// ============================================================

// afterCommit runs fn now, or queues it when inside a transaction.
func (s *Store) afterCommit(ctx context.Context, fn func(context.Context) error) error {
	if s.pending != nil {
		*s.pending = append(*s.pending, fn)
		return nil
	}
	return fn(ctx)
}

// mirror caches a live token and indexes it under its user. The index is
// written first and the entry only if its key is absent, so a tombstone is
// never overwritten and RevokeAllUserTokens sees every entry that could
// outlive its user mark check.
func (s *Store) mirror(ctx context.Context, t *storage.AccessToken) {
	remaining := storage.Remaining(t.ExpiresAt, s.clock.Now())
	if t.Revoked || remaining <= 0 {
		return
	}
	ttl := remaining
	if s.maxTTL > 0 && s.maxTTL < ttl {
		ttl = s.maxTTL
	}

	data, err := encodeToken(t)
	if err != nil {
		s.tierFailed(ctx, "encode", err)
		return
	}
	key := s.tokenKey(t.Token)
	if t.UserID != "" {
		if err := s.tier.AddMember(ctx, s.userKey(t.UserID), key, remaining); err != nil {
			s.tierFailed(ctx, "index", err)
			return
		}
	}
	stored, err := s.tier.SetNX(ctx, key, data, ttl)
	if err != nil {
		s.tierFailed(ctx, "set", err)
		return
	}
	if !stored || t.UserID == "" {
		return
	}

	// A revocation of the whole user may have run between the backing read
	// and the write above.
	_, revoked, err := s.tier.Get(ctx, s.userRevokedKey(t.UserID))
	if err != nil {
		s.tierFailed(ctx, "get", err)
	}
	if err != nil || revoked {
		s.evict(ctx, key)
	}
}

func (s *Store) evict(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.tier.Delete(ctx, keys...); err != nil {
		s.tierFailed(ctx, "delete", err)
	}
}

func (s *Store) tierFailed(ctx context.Context, op string, err error) {
	s.logger.Warn("Cache tier operation failed, using backing store",
		"operation", op,
		"error", err)
	if s.metrics != nil {
		s.metrics.RecordCacheError(ctx, op)
	}
}

func (s *Store) lookup(ctx context.Context, result string) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(ctx, result)
	}
}

func (s *Store) tokenKey(token string) string { return s.prefix + "token:" + token }
func (s *Store) userKey(userID string) string { return s.prefix + "user_tokens:" + userID }
func (s *Store) userRevokedKey(userID string) string {
	return s.prefix + "user_revoked:" + userID
}

type tokenEntry struct {
	Token     string `json:"token"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	Scope     string `json:"scope"`
	ExpiresAt int64  `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
}

func encodeToken(t *storage.AccessToken) (string, error) {
	b, err := json.Marshal(tokenEntry{
		Token:     t.Token,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scope:     t.Scope,
		ExpiresAt: t.ExpiresAt.Unix(),
		Revoked:   t.Revoked,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeToken(data string) (*storage.AccessToken, error) {
	var e tokenEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, err
	}
	return &storage.AccessToken{
		Token:     e.Token,
		ClientID:  e.ClientID,
		UserID:    e.UserID,
		Scope:     e.Scope,
		ExpiresAt: time.Unix(e.ExpiresAt, 0),
		Revoked:   e.Revoked,
	}, nil
}
