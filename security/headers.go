package security

import (
	"net/http"
)

// SetSecurityHeaders sets the headers every OAuth2 endpoint returns.
// The policy allows inline styles only, for the login page. HSTS is sent
// when the server is reached over TLS.
func SetSecurityHeaders(w http.ResponseWriter, tls bool) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	if tls {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Token and code responses must never be cached.
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}
