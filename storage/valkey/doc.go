// Package valkey implements storage.Storage on Valkey (or any Redis
// compatible server) using github.com/valkey-io/valkey-go.
//
// Key layout, with the default "oauth2:" prefix:
//
//	oauth2:client:{id}          hash: secret, salt, redirect_uris (JSON), allowed_scopes (JSON)
//	oauth2:code:{code}          JSON string, TTL = remaining lifetime
//	oauth2:token:{token}        JSON string, TTL = remaining lifetime
//	oauth2:refresh:{token}      JSON string, TTL = remaining lifetime
//	oauth2:user_tokens:{userID} set of token keys, for RevokeAllUserTokens
//	oauth2:roles:{userID}       set of role names, used without a RoleLookup
//
// Expiry is enforced twice: the server drops keys when their TTL elapses, and
// every read compares expires_at with the injected clock so the boundary is
// exact. Consumption, release and revocation run as Lua scripts that rewrite
// the record with KEEPTTL. Every command carries Config.CommandTimeout.
//
// Multi-key scripts (token save with its user index) and RevokeAllUserTokens
// touch several keys in one call. On a Valkey or Redis cluster these must
// share a hash slot, so cluster deployments set a hash-tagged KeyPrefix such
// as "{oauth2}:". Every key then hashes on "oauth2" and lands on one node.
// The default prefix has no hash tag and suits a single node or a
// primary with replicas.
//
// The package also provides CacheTier, a storage/cache tier on the same
// client, and RateLimiter, a fixed-window limiter shared across instances.
package valkey
