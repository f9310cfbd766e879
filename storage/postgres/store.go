package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

const backendName = "postgres"

// rolesQuery resolves role names through the user_roles join table.
const rolesQuery = `SELECT r.name FROM roles r JOIN user_roles ur ON r.id = ur.role_id WHERE ur.user_id = ?`

// Store is a GORM backed implementation of storage.Storage.
type Store struct {
	db         *gorm.DB
	clock      storage.Clock
	batchSize  int
	roleLookup storage.RoleLookup
	recorder   *instrumentation.StorageRecorder
	logger     *slog.Logger

	// inTx is set on the copy handed to WithinTransaction callbacks
	inTx bool
}

// Compile-time interface checks
var (
	_ storage.Storage    = (*Store)(nil)
	_ storage.Transactor = (*Store)(nil)
)

// Models returns the GORM models owned by this package, for external migration tooling.
func Models() []interface{} {
	return []interface{}{
		&clientModel{},
		&codeModel{},
		&accessTokenModel{},
		&refreshTokenModel{},
	}
}

// New creates a store on an open connection.
func New(db *gorm.DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	cfg.applyDefaults()

	s := &Store{
		db:        db,
		clock:     cfg.Clock,
		batchSize: cfg.CleanupBatchSize,
		logger:    cfg.Logger,
	}

	if cfg.AutoMigrate {
		if err := s.Migrate(context.Background()); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Migrate creates or updates the OAuth2 tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate oauth2 tables: %w", err)
	}
	s.logger.Info("Migrated oauth2 tables")
	return nil
}

// DB exposes the underlying connection, e.g. to share it with a directory.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// SetInstrumentation enables storage spans and metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.recorder = instrumentation.NewStorageRecorder(inst, backendName)
}

// SetRoleLookup delegates GetUserRoles to an external directory instead of
// the built-in roles query.
func (s *Store) SetRoleLookup(lookup storage.RoleLookup) {
	s.roleLookup = lookup
}

// Close closes the underlying connection pool. It is a no-op inside a transaction.
func (s *Store) Close() error {
	if s.inTx {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithinTransaction implements storage.Transactor.
func (s *Store) WithinTransaction(ctx context.Context, fn func(tx storage.Storage) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := *s
		txStore.db = tx
		txStore.inTx = true
		fnErr = fn(&txStore)
		return fnErr
	})
	if err != nil && fnErr == nil {
		return storage.Unavailable("transaction", err)
	}
	if fnErr != nil {
		return fnErr
	}
	return nil
}

func (s *Store) now() int64 {
	return s.clock.Now().Unix()
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, op)
	}
	return storage.Unavailable(op, err)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient implements storage.ClientStore. Existing registrations are replaced.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.recorder.Start(ctx, "save_client")
	defer func() { done(err) }()

	if err := storage.ValidateClientRecord(client); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(toClientModel(client))
	return mapError("save client", res.Error)
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.recorder.Start(ctx, "get_client")
	defer func() { done(err) }()

	var m clientModel
	if err := s.db.WithContext(ctx).Where("client_id = ?", clientID).Take(&m).Error; err != nil {
		return nil, mapError("client", err)
	}
	return m.toStorage(), nil
}

// ValidateClient implements storage.ClientStore.
func (s *Store) ValidateClient(ctx context.Context, clientID, clientSecret string) (bool, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return storage.VerifyClientSecret(client, clientSecret), nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthCode implements storage.CodeStore.
func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.recorder.Start(ctx, "save_auth_code")
	defer func() { done(err) }()

	if err := storage.ValidateCodeRecord(code); err != nil {
		return err
	}
	return mapError("save authorization code", s.db.WithContext(ctx).Create(toCodeModel(code)).Error)
}

// GetAuthCode implements storage.CodeStore.
func (s *Store) GetAuthCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.recorder.Start(ctx, "get_auth_code")
	defer func() { done(err) }()

	var m codeModel
	err = s.db.WithContext(ctx).
		Where("code = ? AND used = ? AND expires_at > ?", code, false, s.now()).
		Take(&m).Error
	if err != nil {
		return nil, mapError("authorization code", err)
	}
	return m.toStorage(), nil
}

// MarkAuthCodeUsed implements storage.CodeStore.
func (s *Store) MarkAuthCodeUsed(ctx context.Context, code string) (err error) {
	ctx, done := s.recorder.Start(ctx, "mark_auth_code_used")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).Model(&codeModel{}).
		Where("code = ?", code).
		Update("used", true)
	if res.Error != nil {
		return mapError("mark authorization code used", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	return nil
}

// ConsumeAuthCode implements storage.CodeStore with one conditional
// UPDATE ... RETURNING, so concurrent callers race inside the database.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.recorder.Start(ctx, "consume_auth_code")
	defer func() { done(err) }()

	var rows []codeModel
	err = s.db.WithContext(ctx).Raw(
		`UPDATE oauth2_codes SET used = ? `+
			`WHERE code = ? AND used = ? AND expires_at > ? `+
			`RETURNING code, client_id, user_id, scope, redirect_uri, expires_at, used`,
		true, code, false, s.now(),
	).Scan(&rows).Error
	if err != nil {
		return nil, mapError("consume authorization code", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}

	consumed := rows[0].toStorage()
	consumed.Used = false
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.TokenPrefix(code))
	return consumed, nil
}

// ReleaseAuthCode implements storage.CodeStore.
func (s *Store) ReleaseAuthCode(ctx context.Context, code string) (err error) {
	ctx, done := s.recorder.Start(ctx, "release_auth_code")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).Model(&codeModel{}).
		Where("code = ? AND used = ? AND expires_at > ?", code, true, s.now()).
		Update("used", false)
	if res.Error != nil {
		return mapError("release authorization code", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken implements storage.TokenStore.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, done := s.recorder.Start(ctx, "save_access_token")
	defer func() { done(err) }()

	if err := storage.ValidateAccessTokenRecord(token); err != nil {
		return err
	}
	return mapError("save access token", s.db.WithContext(ctx).Create(toAccessTokenModel(token)).Error)
}

// GetAccessToken implements storage.TokenStore.
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, done := s.recorder.Start(ctx, "get_access_token")
	defer func() { done(err) }()

	var m accessTokenModel
	err = s.db.WithContext(ctx).
		Where("token = ? AND revoked = ? AND expires_at > ?", token, false, s.now()).
		Take(&m).Error
	if err != nil {
		return nil, mapError("access token", err)
	}
	return m.toStorage(), nil
}

// RevokeAccessToken implements storage.TokenStore.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) (err error) {
	ctx, done := s.recorder.Start(ctx, "revoke_access_token")
	defer func() { done(err) }()

	return s.revokeLive(ctx, &accessTokenModel{}, token, "access token")
}

// SaveRefreshToken implements storage.TokenStore.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.recorder.Start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if err := storage.ValidateRefreshTokenRecord(token); err != nil {
		return err
	}
	return mapError("save refresh token", s.db.WithContext(ctx).Create(toRefreshTokenModel(token)).Error)
}

// GetRefreshToken implements storage.TokenStore.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.recorder.Start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	var m refreshTokenModel
	err = s.db.WithContext(ctx).
		Where("token = ? AND revoked = ? AND expires_at > ?", token, false, s.now()).
		Take(&m).Error
	if err != nil {
		return nil, mapError("refresh token", err)
	}
	return m.toStorage(), nil
}

// RevokeRefreshToken implements storage.TokenStore.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	ctx, done := s.recorder.Start(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	return s.revokeLive(ctx, &refreshTokenModel{}, token, "refresh token")
}

func (s *Store) revokeLive(ctx context.Context, model interface{}, token, kind string) error {
	res := s.db.WithContext(ctx).Model(model).
		Where("token = ? AND revoked = ? AND expires_at > ?", token, false, s.now()).
		Update("revoked", true)
	if res.Error != nil {
		return mapError("revoke "+kind, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, kind)
	}
	return nil
}

// RevokeAllUserTokens implements storage.TokenStore. Both tables are updated
// in one transaction.
func (s *Store) RevokeAllUserTokens(ctx context.Context, userID string) (err error) {
	ctx, done := s.recorder.Start(ctx, "revoke_all_user_tokens")
	defer func() { done(err) }()

	var revoked int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&accessTokenModel{}, &refreshTokenModel{}} {
			res := tx.Model(model).
				Where("user_id = ? AND revoked = ?", userID, false).
				Update("revoked", true)
			if res.Error != nil {
				return res.Error
			}
			revoked += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return mapError("revoke user tokens", err)
	}

	s.logger.Info("Revoked all user tokens",
		"user_id", userID,
		"count", revoked)
	return nil
}

// ============================================================
// Roles and Maintenance
// ============================================================

// GetUserRoles implements storage.RoleLookup. Without a RoleLookup it reads
// the roles and user_roles tables maintained by the user directory.
func (s *Store) GetUserRoles(ctx context.Context, userID string) (_ []string, err error) {
	if s.roleLookup != nil {
		return s.roleLookup.GetUserRoles(ctx, userID)
	}

	ctx, done := s.recorder.Start(ctx, "get_user_roles")
	defer func() { done(err) }()

	roles := []string{}
	if err := s.db.WithContext(ctx).Raw(rolesQuery, userID).Scan(&roles).Error; err != nil {
		return nil, mapError("user roles", err)
	}
	return roles, nil
}

// DeleteExpiredData implements storage.Storage. Rows are removed in bounded
// batches so a large backlog never holds long locks.
func (s *Store) DeleteExpiredData(ctx context.Context) (_ int64, err error) {
	ctx, done := s.recorder.Start(ctx, "delete_expired_data")
	defer func() { done(err) }()

	now := s.now()
	sweeps := []struct {
		table string
		pk    string
		where string
		args  []interface{}
	}{
		{"oauth2_codes", "code", "used = ? OR expires_at <= ?", []interface{}{true, now}},
		{"oauth2_access_tokens", "token", "expires_at <= ?", []interface{}{now}},
		{"oauth2_refresh_tokens", "token", "expires_at <= ?", []interface{}{now}},
	}

	var total int64
	for _, sw := range sweeps {
		n, err := s.deleteBatched(ctx, sw.table, sw.pk, sw.where, sw.args...)
		total += n
		if err != nil {
			return total, mapError("delete expired "+sw.table, err)
		}
		if n > 0 {
			s.logger.Info("Deleted expired rows", "table", sw.table, "count", n)
		}
	}
	return total, nil
}

func (s *Store) deleteBatched(ctx context.Context, table, pk, where string, args ...interface{}) (int64, error) {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s LIMIT ?)",
		table, pk, pk, table, where)
	args = append(args, s.batchSize)

	var total int64
	for {
		res := s.db.WithContext(ctx).Exec(stmt, args...)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
		if res.RowsAffected < int64(s.batchSize) {
			return total, nil
		}
	}
}
