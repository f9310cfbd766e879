package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for records that are absent, expired, used or
	// revoked. Callers cannot distinguish between these cases.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when the backend cannot be reached, times out
	// or returns data that cannot be decoded.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrInvalidInput is returned for records that fail basic validation
	// before reaching the backend.
	ErrInvalidInput = errors.New("invalid input")
)

// Unavailable wraps a backend error as ErrUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err is ErrUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
