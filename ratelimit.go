package oauth

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

const (
	pathAuthorize = "/oauth2/authorize"
	pathLogin     = "/oauth2/login"
	pathToken     = "/oauth2/token"
	pathRevoke    = "/oauth2/revoke"
	pathUserInfo  = "/oauth2/userinfo"
)

// pathLimiters holds one limiter per rate limit class. Nil entries are
// disabled classes.
type pathLimiters struct {
	login, token, other security.Limiter
	window              time.Duration
}

func newPathLimiters(cfg RateLimitConfig, h *Handler) *pathLimiters {
	build := cfg.NewLimiter
	if build == nil {
		build = func(limit int, window time.Duration) security.Limiter {
			return security.NewRateLimiter(limit, window, h.logger)
		}
	}
	newLimiter := func(limit int) security.Limiter {
		if limit < 0 {
			return nil
		}
		return build(limit, cfg.Window)
	}
	return &pathLimiters{
		login:  newLimiter(cfg.Login),
		token:  newLimiter(cfg.Token),
		other:  newLimiter(cfg.Default),
		window: cfg.Window,
	}
}

func (p *pathLimiters) forPath(path string) security.Limiter {
	switch path {
	case pathLogin:
		return p.login
	case pathToken:
		return p.token
	default:
		return p.other
	}
}

// stop releases limiters that run background goroutines.
func (p *pathLimiters) stop() {
	for _, l := range []security.Limiter{p.login, p.token, p.other} {
		if s, ok := l.(interface{ Stop() }); ok {
			s.Stop()
		}
	}
}

// rateLimit rejects a request with 429 when the client IP exhausted the
// budget for the path. Returns true if the request was rejected.
func (h *Handler) rateLimit(w http.ResponseWriter, r *http.Request) bool {
	limiter := h.limiters.forPath(r.URL.Path)
	if limiter == nil {
		return false
	}

	clientIP := h.clientIP(r)
	if limiter.Allow(r.Context(), clientIP+":"+r.URL.Path) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	h.recordRateLimitExceeded(r.Context(), clientIP, r.URL.Path)

	retryAfter := int(h.limiters.window / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	h.writeError(w, r, server.ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

func (h *Handler) recordRateLimitExceeded(ctx context.Context, clientIP, path string) {
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(ctx, path)
	}
	h.auditor().LogRateLimitExceeded(ctx, clientIP, path)
}
