package valkey

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
)

// RateLimiter is a fixed-window limiter whose counters live in Valkey, so
// every server instance shares the same budget per identifier.
type RateLimiter struct {
	client  valkeygo.Client
	prefix  string
	limit   int64
	window  time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewRateLimiter allows limit requests per window for each identifier.
// A zero or negative window defaults to one second.
func NewRateLimiter(client valkeygo.Client, prefix string, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if window <= 0 {
		window = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		client:  client,
		prefix:  prefix + "ratelimit:",
		limit:   int64(limit),
		window:  window,
		timeout: DefaultCommandTimeout,
		logger:  logger,
	}
}

// Allow reports whether identifier is within its budget. Server errors fail
// open.
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) bool {
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	seconds := int64(rl.window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	cmd := rl.client.B().Eval().Script(rateLimitScript).Numkeys(1).
		Key(rl.prefix + identifier).Arg(strconv.FormatInt(seconds, 10)).Build()
	n, err := rl.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		rl.logger.Warn("Rate limiter unavailable, allowing request",
			"identifier", identifier,
			"error", err)
		return true
	}
	return n <= rl.limit
}
