// Package cache decorates a storage.Storage with a key-value tier that
// caches access tokens, the record read on every authenticated request.
//
// Writes go to the backing store first and are mirrored into the tier only
// on success. Reads consult the tier, re-check the cached record against the
// clock and fall back to the backing store on a miss, a stale entry or any
// tier failure. Revocation overwrites the entry with a tombstone for
// Config.TombstoneTTL, and back-fills only write absent keys, so a read that
// loaded a token before its revocation cannot cache it again. Revoking all of
// a user's tokens also leaves a per-user mark that racing back-fills check.
//
// Clients, codes and refresh tokens pass through uncached.
package cache
