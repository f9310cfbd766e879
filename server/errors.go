package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth2-server/storage"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
	ErrorCodeServerError          = "server_error"
)

// Error is an OAuth 2.0 error response.
type Error struct {
	Code        string // OAuth error code, e.g. "invalid_grant"
	Description string // Human-readable description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// ErrInvalidRequest indicates the request is malformed or missing required parameters
func ErrInvalidRequest(desc string) *Error {
	return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidClient indicates client authentication failed
func ErrInvalidClient(desc string) *Error {
	return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

// ErrInvalidGrant indicates the code or refresh token is unusable
func ErrInvalidGrant(desc string) *Error {
	return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

// ErrInvalidRedirectURI indicates the redirect URI is not registered
func ErrInvalidRedirectURI(desc string) *Error {
	return NewError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
}

// ErrUnsupportedGrantType indicates the grant type is not supported
func ErrUnsupportedGrantType(desc string) *Error {
	return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

// ErrInvalidToken indicates the bearer token is missing, expired or revoked
func ErrInvalidToken(desc string) *Error {
	return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
}

// ErrAccessDenied indicates a valid bearer lacks the required role
func ErrAccessDenied(desc string) *Error {
	return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
}

// ErrRateLimitExceeded indicates the caller exceeded its request budget
func ErrRateLimitExceeded(desc string) *Error {
	return NewError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
}

// ErrServerError indicates the storage backend is unavailable
func ErrServerError(desc string) *Error {
	return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
}

// AsError returns err as an *Error. Errors that are not OAuth errors become
// server_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return ErrServerError("internal error")
}

// fromStorage maps a storage failure: outages become server_error and every
// other failure becomes the caller's fail-closed error.
func fromStorage(err error, closed *Error) *Error {
	if storage.IsUnavailable(err) {
		return ErrServerError("storage unavailable")
	}
	return closed
}
