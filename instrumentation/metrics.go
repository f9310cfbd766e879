package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Token lifecycle
	CodeIssued         metric.Int64Counter
	CodeExchanged      metric.Int64Counter
	CodeReplayRejected metric.Int64Counter
	TokenRefreshed     metric.Int64Counter
	RefreshRaceLost    metric.Int64Counter
	TokenRevoked       metric.Int64Counter
	TokenValidated     metric.Int64Counter
	IssuanceRollback   metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter
	LoginFailed       metric.Int64Counter
	AccessDenied      metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Cache
	CacheLookups metric.Int64Counter
	CacheErrors  metric.Int64Counter

	// Cleanup
	CleanupRuns    metric.Int64Counter
	CleanupPurged  metric.Int64Counter
	CleanupLatency metric.Float64Histogram
}

type counterSpec struct {
	target *metric.Int64Counter
	meter  string
	name   string
	desc   string
	unit   string
}

type histogramSpec struct {
	target *metric.Float64Histogram
	meter  string
	name   string
	desc   string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, "http", "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.CodeIssued, "server", "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodeExchanged, "server", "oauth.code.exchanged", "Number of authorization code exchange attempts", "{exchange}"},
		{&m.CodeReplayRejected, "server", "oauth.code.replay_rejected", "Number of exchanges rejected because the code was unknown, used or expired", "{exchange}"},
		{&m.TokenRefreshed, "server", "oauth.token.refreshed", "Number of refresh token rotations", "{refresh}"},
		{&m.RefreshRaceLost, "server", "oauth.token.refresh_race_lost", "Number of rotations that lost a concurrent race", "{refresh}"},
		{&m.TokenRevoked, "server", "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.TokenValidated, "server", "oauth.token.validated", "Number of bearer token validations", "{validation}"},
		{&m.IssuanceRollback, "server", "oauth.issuance.rollback", "Number of issuance failures compensated after code consumption", "{rollback}"},
		{&m.RateLimitExceeded, "security", "oauth.rate_limit.exceeded", "Number of requests rejected by rate limiting", "{request}"},
		{&m.LoginFailed, "security", "oauth.login.failed", "Number of failed login attempts", "{attempt}"},
		{&m.AccessDenied, "security", "oauth.access.denied", "Number of requests denied by role rules", "{request}"},
		{&m.AuditEventsTotal, "security", "oauth.audit.events.total", "Number of audit events", "{event}"},
		{&m.StorageOperationTotal, "storage", "oauth.storage.operations.total", "Number of storage operations", "{operation}"},
		{&m.CacheLookups, "cache", "oauth.cache.lookups", "Number of cache lookups by result", "{lookup}"},
		{&m.CacheErrors, "cache", "oauth.cache.errors", "Number of cache tier errors that fell back to the backing store", "{error}"},
		{&m.CleanupRuns, "cleanup", "oauth.cleanup.runs", "Number of cleanup runs by result", "{run}"},
		{&m.CleanupPurged, "cleanup", "oauth.cleanup.purged", "Number of expired records purged", "{record}"},
	}

	for _, c := range counters {
		counter, err := inst.Meter(c.meter).Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	histograms := []histogramSpec{
		{&m.HTTPRequestDuration, "http", "oauth.http.request.duration", "HTTP request duration in milliseconds"},
		{&m.StorageOperationDuration, "storage", "oauth.storage.operation.duration", "Storage operation duration in milliseconds"},
		{&m.CleanupLatency, "cleanup", "oauth.cleanup.duration", "Cleanup run duration in milliseconds"},
	}

	for _, h := range histograms {
		hist, err := inst.Meter(h.meter).Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.target = hist
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordCodeIssued records an issued authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchange records a code exchange attempt and its outcome
// ("success", "invalid_grant", "invalid_client", "server_error").
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, result string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordCodeReplayRejected records an exchange of an unusable code
func (m *Metrics) RecordCodeReplayRejected(ctx context.Context) {
	m.CodeReplayRejected.Add(ctx, 1)
}

// RecordTokenRefresh records a refresh attempt
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID, result string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordRefreshRaceLost records a rotation whose old token was revoked concurrently
func (m *Metrics) RecordRefreshRaceLost(ctx context.Context) {
	m.RefreshRaceLost.Add(ctx, 1)
}

// RecordTokenRevocation records a revocation of the given kind ("access", "refresh", "user")
func (m *Metrics) RecordTokenRevocation(ctx context.Context, kind string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordTokenValidation records a bearer token validation
func (m *Metrics) RecordTokenValidation(ctx context.Context, valid bool) {
	m.TokenValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("valid", valid),
	))
}

// RecordIssuanceRollback records a compensated issuance failure
func (m *Metrics) RecordIssuanceRollback(ctx context.Context, grantType string) {
	m.IssuanceRollback.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, path string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
	))
}

// RecordLoginFailed records a failed login
func (m *Metrics) RecordLoginFailed(ctx context.Context) {
	m.LoginFailed.Add(ctx, 1)
}

// RecordAccessDenied records a request denied by role rules
func (m *Metrics) RecordAccessDenied(ctx context.Context, path string) {
	m.AccessDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}

// RecordCacheLookup records a cache lookup ("hit", "miss", "stale", "error")
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordCacheError records a tier failure for the given operation
func (m *Metrics) RecordCacheError(ctx context.Context, operation string) {
	m.CacheErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordCleanupRun records one cleanup sweep
func (m *Metrics) RecordCleanupRun(ctx context.Context, purged int64, durationMs float64, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.CleanupRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
	if purged > 0 {
		m.CleanupPurged.Add(ctx, purged)
	}
	m.CleanupLatency.Record(ctx, durationMs)
}
