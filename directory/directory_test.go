package directory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testDirectory interface {
	Directory
	CreateUser(ctx context.Context, nu NewUser) (*User, error)
}

func newGormDirectory(t *testing.T) *Gorm {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	dir := NewGorm(db, nil)
	dir.SetBcryptCost(bcrypt.MinCost)
	require.NoError(t, dir.Migrate(context.Background()))
	return dir
}

func directories(t *testing.T) map[string]func() testDirectory {
	return map[string]func() testDirectory{
		"memory": func() testDirectory { return NewMemory(bcrypt.MinCost) },
		"gorm":   func() testDirectory { return newGormDirectory(t) },
	}
}

func TestDirectory_Authenticate(t *testing.T) {
	for name, newDir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := newDir()

			created, err := dir.CreateUser(ctx, NewUser{
				ID:       "u1",
				Username: "alice",
				Password: "wonderland",
				Name:     "Alice",
				Email:    "alice@example.com",
				Roles:    []string{"admin"},
			})
			require.NoError(t, err)
			assert.Equal(t, "u1", created.ID)

			u, err := dir.Authenticate(ctx, "alice", "wonderland")
			require.NoError(t, err)
			assert.Equal(t, "u1", u.ID)
			assert.Equal(t, "alice@example.com", u.Email)

			_, err = dir.Authenticate(ctx, "alice", "wrong")
			assert.ErrorIs(t, err, ErrInvalidCredentials)

			_, err = dir.Authenticate(ctx, "nobody", "wonderland")
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestDirectory_GetUserAndRoles(t *testing.T) {
	for name, newDir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := newDir()

			_, err := dir.CreateUser(ctx, NewUser{ID: "u1", Username: "alice", Password: "pw", Roles: []string{"admin", "user"}})
			require.NoError(t, err)
			_, err = dir.CreateUser(ctx, NewUser{ID: "u2", Username: "bob", Password: "pw", Roles: []string{"user"}})
			require.NoError(t, err)

			u, err := dir.GetUser(ctx, "u2")
			require.NoError(t, err)
			assert.Equal(t, "bob", u.Username)

			_, err = dir.GetUser(ctx, "u3")
			assert.ErrorIs(t, err, ErrUserNotFound)

			roles, err := dir.GetUserRoles(ctx, "u1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"admin", "user"}, roles)

			roles, err = dir.GetUserRoles(ctx, "missing")
			require.NoError(t, err)
			assert.NotNil(t, roles)
			assert.Empty(t, roles)
		})
	}
}

func TestDirectory_CreateUser_Duplicate(t *testing.T) {
	for name, newDir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := newDir()

			_, err := dir.CreateUser(ctx, NewUser{ID: "u1", Username: "alice", Password: "pw"})
			require.NoError(t, err)
			_, err = dir.CreateUser(ctx, NewUser{ID: "u1", Username: "other", Password: "pw"})
			assert.ErrorIs(t, err, ErrUserExists)
			_, err = dir.CreateUser(ctx, NewUser{ID: "u2", Username: "alice", Password: "pw"})
			assert.ErrorIs(t, err, ErrUserExists)

			_, err = dir.CreateUser(ctx, NewUser{ID: "u3", Username: "carol"})
			assert.Error(t, err, "password is required")
		})
	}
}

func TestDirectory_LegacySHA256Password(t *testing.T) {
	sum := sha256.Sum256([]byte("secret" + "NaCl"))
	legacy := hex.EncodeToString(sum[:])

	for name, newDir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := newDir()

			_, err := dir.CreateUser(ctx, NewUser{ID: "u1", Username: "legacy", PasswordHash: legacy, Salt: "NaCl"})
			require.NoError(t, err)

			_, err = dir.Authenticate(ctx, "legacy", "secret")
			assert.NoError(t, err)
			_, err = dir.Authenticate(ctx, "legacy", "Secret")
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestGorm_AssignRole_Idempotent(t *testing.T) {
	ctx := context.Background()
	dir := newGormDirectory(t)

	_, err := dir.CreateUser(ctx, NewUser{ID: "u1", Username: "alice", Password: "pw"})
	require.NoError(t, err)

	require.NoError(t, dir.AssignRole(ctx, "u1", "admin"))
	require.NoError(t, dir.AssignRole(ctx, "u1", "admin"))

	roles, err := dir.GetUserRoles(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, roles)
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, VerifyPassword(hash, "", "pw"))
	assert.False(t, VerifyPassword(hash, "", "PW"))
	assert.False(t, VerifyPassword("", "", "pw"))
}
