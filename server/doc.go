// Package server implements the OAuth2 token lifecycle on top of a
// storage.Storage: client and redirect URI checks, authorization code
// issuance, the code-for-token exchange, rolling refresh, bearer validation
// and revocation.
//
// Errors returned to callers are *Error values carrying the OAuth2 error
// code and HTTP status. Not-found, expired, used and revoked records are all
// reported as invalid_grant (or invalid_token) so responses never reveal
// which case applied. Storage outages become server_error.
//
// Code exchange is one logical transaction. When the store implements
// storage.Transactor the consumption and both token writes commit together.
// Otherwise the token writes are retried and, if they still fail, the saved
// access token is revoked and the code released so the client can retry.
//
// Refresh rotation saves the new pair, then revokes the old refresh token
// with a conditional update. The loser of a concurrent rotation withdraws
// its new pair and gets invalid_grant, so an old and a new refresh token are
// never live at the same time.
package server
