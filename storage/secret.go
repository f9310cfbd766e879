package storage

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// HashClientSecret returns hex(sha256(secret + salt)).
func HashClientSecret(secret, salt string) string {
	sum := sha256.Sum256([]byte(secret + salt))
	return hex.EncodeToString(sum[:])
}

// VerifyClientSecret implements the credential check shared by all backends.
// An empty secret only asserts that the client exists. The hex comparison is
// case-insensitive and constant time.
func VerifyClientSecret(client *Client, secret string) bool {
	if client == nil {
		return false
	}
	if secret == "" {
		return true
	}
	computed := HashClientSecret(secret, client.Salt)
	stored := strings.ToLower(client.SecretHash)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1
}

// NewSalt returns a random salt suitable for client registration.
func NewSalt() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewClient builds a client with a freshly salted secret hash.
func NewClient(clientID, secret string, redirectURIs, scopes []string) (*Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidInput)
	}
	salt := NewSalt()
	return &Client{
		ClientID:      clientID,
		SecretHash:    HashClientSecret(secret, salt),
		Salt:          salt,
		RedirectURIs:  append([]string(nil), redirectURIs...),
		AllowedScopes: append([]string(nil), scopes...),
	}, nil
}

// ValidateClientRecord checks the fields every backend requires.
func ValidateClientRecord(c *Client) error {
	if c == nil || c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidInput)
	}
	return nil
}

// ValidateCodeRecord checks the fields every backend requires.
func ValidateCodeRecord(c *AuthorizationCode) error {
	if c == nil || c.Code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidInput)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidInput)
	}
	return nil
}

// ValidateAccessTokenRecord checks the fields every backend requires.
func ValidateAccessTokenRecord(t *AccessToken) error {
	if t == nil || t.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	return nil
}

// ValidateRefreshTokenRecord checks the fields every backend requires.
func ValidateRefreshTokenRecord(t *RefreshToken) error {
	if t == nil || t.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	return nil
}
