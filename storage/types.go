package storage

import (
	"slices"
	"time"
)

// Client is a registered OAuth2 client.
type Client struct {
	ClientID string

	// SecretHash is hex(sha256(secret + Salt)).
	SecretHash string
	Salt       string

	// RedirectURIs are matched exactly against authorize and token requests.
	RedirectURIs  []string
	AllowedScopes []string
}

// HasRedirectURI reports whether uri is registered for the client.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	cp.AllowedScopes = append([]string(nil), c.AllowedScopes...)
	return &cp
}

// AuthorizationCode is a short-lived, single-use grant issued at the
// authorize step.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	UserID      string
	Scope       string
	RedirectURI string
	ExpiresAt   time.Time
	Used        bool
}

// Clone returns a copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// AccessToken is an opaque bearer token.
type AccessToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scope     string
	ExpiresAt time.Time
	Revoked   bool
}

// Clone returns a copy.
func (t *AccessToken) Clone() *AccessToken {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Live reports whether the token is neither revoked nor expired at now.
func (t *AccessToken) Live(now time.Time) bool {
	return !t.Revoked && !IsExpired(t.ExpiresAt, now)
}

// RefreshToken is an opaque long-lived token used to mint new access tokens.
// AccessToken references the access token issued alongside it and is
// informational only.
type RefreshToken struct {
	Token       string
	AccessToken string
	ClientID    string
	UserID      string
	Scope       string
	ExpiresAt   time.Time
	Revoked     bool
}

// Clone returns a copy.
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Live reports whether the token is neither revoked nor expired at now.
func (t *RefreshToken) Live(now time.Time) bool {
	return !t.Revoked && !IsExpired(t.ExpiresAt, now)
}

// IsExpired reports whether a record expiring at expiresAt is expired at now.
// Expiry has whole-second resolution, which is what every backend persists:
// a record is live at expiresAt-1s and gone at expiresAt.
func IsExpired(expiresAt, now time.Time) bool {
	return now.Unix() >= expiresAt.Unix()
}

// Remaining returns the lifetime left at now, rounded down to whole seconds.
// Returns 0 for expired records.
func Remaining(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Unix() - now.Unix()
	if d <= 0 {
		return 0
	}
	return time.Duration(d) * time.Second
}
