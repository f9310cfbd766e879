// Package storage defines the persistence contract for OAuth2 clients,
// authorization codes, access tokens and refresh tokens.
//
// The Storage interface is composed of:
//   - ClientStore: registered clients and salted secret validation
//   - CodeStore: single-use authorization codes with atomic consumption
//   - TokenStore: access and refresh tokens with conditional revocation
//   - RoleLookup: user roles, usually delegated to a directory
//
// Every backend reports absent, expired, used and revoked records as
// ErrNotFound, and transport or decoding failures as ErrUnavailable.
// Expiry is evaluated against an injected Clock with whole-second
// resolution (see IsExpired).
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps for development and tests
//   - storage/postgres: GORM backed relational storage (PostgreSQL, SQLite)
//   - storage/valkey: Valkey/Redis key-value storage with native TTLs
//   - storage/cache: decorator adding a key-value tier for access tokens
//   - storage/mock: function-field mock for failure injection
//   - storage/storagetest: conformance suite run against every backend
package storage
