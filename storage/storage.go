package storage

import (
	"context"
)

// ClientStore manages registered OAuth2 clients.
type ClientStore interface {
	// SaveClient creates or replaces a client registration.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if it does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClient checks client credentials.
	// An empty secret only checks that the client exists. Otherwise the secret is
	// hashed with the client's salt and compared with the stored hash.
	// A missing client or wrong secret yields (false, nil); only backend failures
	// return an error.
	ValidateClient(ctx context.Context, clientID, clientSecret string) (bool, error)
}

// CodeStore manages single-use authorization codes.
type CodeStore interface {
	// SaveAuthCode persists a freshly issued code.
	SaveAuthCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthCode returns the code only if it is unused and unexpired.
	GetAuthCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// MarkAuthCodeUsed flips the used flag. It is idempotent but not race-safe;
	// use ConsumeAuthCode on the exchange path.
	MarkAuthCodeUsed(ctx context.Context, code string) error

	// ConsumeAuthCode atomically marks an unused, unexpired code as used and
	// returns the record as it was before consumption. Of any number of
	// concurrent callers exactly one succeeds; the rest get ErrNotFound.
	ConsumeAuthCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ReleaseAuthCode reverts a consumption while the code is still unexpired.
	// Used when token issuance fails after the code was consumed.
	ReleaseAuthCode(ctx context.Context, code string) error
}

// TokenStore manages access and refresh tokens.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns the token only if it is neither revoked nor expired.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken marks a live token revoked. Returns ErrNotFound if no
	// live token was flipped.
	RevokeAccessToken(ctx context.Context, token string) error

	// RevokeAllUserTokens revokes every access and refresh token of a user.
	RevokeAllUserTokens(ctx context.Context, userID string) error

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the token only if it is neither revoked nor expired.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeRefreshToken conditionally revokes a live refresh token. Returns
	// ErrNotFound if the token was already revoked, expired or unknown, which
	// makes concurrent rotations of the same token detectable.
	RevokeRefreshToken(ctx context.Context, token string) error
}

// RoleLookup resolves the roles granted to a user.
type RoleLookup interface {
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
}

// Storage is the complete backend contract used by the token engine.
// All methods block the calling goroutine only and honour ctx cancellation.
type Storage interface {
	ClientStore
	CodeStore
	TokenStore
	RoleLookup

	// DeleteExpiredData purges expired or used records and returns how many
	// were removed. Backends with native expiry return 0.
	DeleteExpiredData(ctx context.Context) (int64, error)

	// Close releases backend resources.
	Close() error
}

// Transactor is implemented by backends that can run several operations in
// one atomic transaction. The Storage passed to fn is bound to the
// transaction; if fn returns an error every write is rolled back.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(tx Storage) error) error
}
