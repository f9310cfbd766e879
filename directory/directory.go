// Package directory resolves users and their roles for the login step and
// for the token engine's role lookup.
package directory

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/storage"
)

var (
	// ErrInvalidCredentials is returned by Authenticate for unknown users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserNotFound is returned by GetUser.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when creating a user whose ID or username is taken.
	ErrUserExists = errors.New("user already exists")
)

// User is the public profile of a directory entry.
type User struct {
	ID       string `json:"sub"`
	Username string `json:"preferred_username,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// NewUser describes a user to create. Password is hashed with bcrypt unless
// PasswordHash is provided, in which case it is stored as is (bcrypt, or a
// legacy hex sha256(password+Salt) digest).
type NewUser struct {
	ID           string
	Username     string
	Password     string
	PasswordHash string
	Salt         string
	Name         string
	Email        string
	Roles        []string
}

// Directory authenticates users and resolves their roles.
type Directory interface {
	storage.RoleLookup

	// Authenticate returns the user if username and password match.
	Authenticate(ctx context.Context, username, password string) (*User, error)

	// GetUser returns the user by ID.
	GetUser(ctx context.Context, userID string) (*User, error)
}

// dummyHash keeps Authenticate's cost constant for unknown usernames.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), bcrypt.MinCost)

// HashPassword hashes a password with bcrypt at the given cost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a password against a bcrypt hash, or against a legacy
// hex sha256(password+salt) digest when the hash is not in bcrypt format.
func VerifyPassword(hash, salt, password string) bool {
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	sum := sha256.Sum256([]byte(password + salt))
	computed := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(hash))) == 1
}

func rejectUnknownUser(password string) error {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
	return ErrInvalidCredentials
}

func (u NewUser) validate() error {
	if u.ID == "" || u.Username == "" {
		return fmt.Errorf("id and username are required")
	}
	if u.Password == "" && u.PasswordHash == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}

func (u NewUser) hash(cost int) (string, error) {
	if u.PasswordHash != "" {
		return u.PasswordHash, nil
	}
	return HashPassword(u.Password, cost)
}
