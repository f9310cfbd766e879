// Package postgres implements storage.Storage on a relational database via GORM.
//
// PostgreSQL is the production target; SQLite is supported for development and
// tests through the same code path. Tables:
//
//	oauth2_clients(client_id PK, client_secret, salt, redirect_uris, allowed_scopes)
//	oauth2_codes(code PK, client_id, user_id, scope, redirect_uri, expires_at, used)
//	oauth2_access_tokens(token PK, client_id, user_id, scope, expires_at, revoked)
//	oauth2_refresh_tokens(token PK, access_token, client_id, user_id, scope, expires_at, revoked)
//
// expires_at holds Unix seconds. List columns are comma separated.
//
// Validity filters are SQL predicates evaluated against the injected clock,
// never the database server's time. Code consumption is a single conditional
// UPDATE ... RETURNING, and revocations are conditional updates that report
// storage.ErrNotFound when no live row changed. The Store also implements
// storage.Transactor.
package postgres
