package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DefaultInterval is the time between two sweeps
	DefaultInterval = time.Hour

	// DefaultRunTimeout bounds a single sweep
	DefaultRunTimeout = 5 * time.Minute
)

// Service periodically calls DeleteExpiredData on a store.
type Service struct {
	store    storage.Storage
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *instrumentation.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a cleanup service. A non-positive interval uses DefaultInterval.
func New(store storage.Storage, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		interval: interval,
		timeout:  DefaultRunTimeout,
		logger:   logger,
	}
}

// SetInstrumentation enables run metrics.
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.metrics = inst.Metrics()
	}
}

// SetRunTimeout changes the per-run timeout. Non-positive values are ignored.
func (s *Service) SetRunTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Interval returns the time between sweeps.
func (s *Service) Interval() time.Duration {
	return s.interval
}

// Start launches the sweep loop. The first sweep runs after one interval.
// Calling Start on a running service does nothing.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.done)
	s.logger.Info("Cleanup service started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit. It is safe to call more
// than once and on a service that was never started.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Cleanup service stopped")
}

// Running reports whether the loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of purged records.
func (s *Service) RunOnce(ctx context.Context) (purged int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
			purged = 0
		}

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordCleanupRun(ctx, purged, float64(elapsed.Milliseconds()), err)
		}
		if err != nil {
			s.logger.Error("Cleanup run failed",
				"error", err,
				"duration", elapsed)
			return
		}
		s.logger.Info("Cleanup run completed",
			"purged", purged,
			"duration", elapsed)
	}()

	return s.store.DeleteExpiredData(ctx)
}
