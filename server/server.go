package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Server implements the token lifecycle. It is safe for concurrent use.
type Server struct {
	store   storage.Storage
	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	clock   storage.Clock
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// New creates a new OAuth server
func New(store storage.Storage, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyTimeDefaults(config)

	_, transactional := store.(storage.Transactor)
	logger.Debug("OAuth server configured",
		"auth_code_ttl", config.AuthorizationCodeTTL,
		"access_token_ttl", config.AccessTokenTTL,
		"refresh_token_ttl", config.RefreshTokenTTL,
		"transactional_storage", transactional)

	return &Server{
		store:  store,
		Config: config,
		Logger: logger,
		clock:  config.Clock,
		tracer: noop.NewTracerProvider().Tracer(""),
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables metrics and tracing for every operation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// Storage returns the backing store.
func (s *Server) Storage() storage.Storage {
	return s.store
}

// generateRandomToken returns 256 bits of randomness, base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// withRetry runs fn until it succeeds, fails with anything other than
// storage.ErrUnavailable, or the retries are exhausted.
func (s *Server) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := s.Config.IssuanceRetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !storage.IsUnavailable(err) || attempt >= s.Config.IssuanceRetries {
			if attempt > 0 {
				instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx),
					attribute.Int(instrumentation.AttrAttempts, attempt+1))
			}
			return err
		}

		s.Logger.Warn("Storage write failed, retrying",
			"operation", op,
			"attempt", attempt+1,
			"error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return storage.Unavailable(op, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

// endSpan records the outcome of an operation on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.SetSpanError(span, AsError(err).Code)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}
