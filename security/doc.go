// Package security provides the request-level protections of the OAuth2
// server: rate limiting, audit logging with hashed user IDs, client IP
// extraction, request IDs and security headers.
//
// # Rate Limiting
//
// Limiter is satisfied by the local RateLimiter in this package (a token
// bucket per identifier from golang.org/x/time/rate, bounded by LRU eviction)
// and by the distributed fixed-window limiter in storage/valkey. Limiters
// fail open: an unavailable backend never blocks a request.
//
//	limiter := security.NewRateLimiter(10, time.Minute, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(ctx, clientIP+"|/oauth2/token") {
//	    return http.StatusTooManyRequests
//	}
//
// # Audit Logging
//
// Auditor writes one structured record per security event. User IDs are
// replaced by a truncated SHA-256 so logs can be correlated without storing
// identities.
package security
