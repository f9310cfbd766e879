package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/storage"
)

// StorageRecorder wraps storage operations in a span and records their
// outcome. A nil recorder is valid and records nothing.
type StorageRecorder struct {
	inst    *Instrumentation
	tracer  trace.Tracer
	backend string
}

// NewStorageRecorder returns a recorder for the named backend, or nil if inst is nil.
func NewStorageRecorder(inst *Instrumentation, backend string) *StorageRecorder {
	if inst == nil {
		return nil
	}
	return &StorageRecorder{
		inst:    inst,
		tracer:  inst.Tracer("storage"),
		backend: backend,
	}
}

// Start opens a span for operation. The returned func must be called with
// the operation's error. ErrNotFound is recorded as its own result and does
// not mark the span failed.
func (r *StorageRecorder) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if r == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(AttrStorageOperation, operation),
			attribute.String(AttrStorageBackend, r.backend),
		))

	return ctx, func(err error) {
		defer span.End()

		result := "success"
		switch {
		case err == nil:
			SetSpanSuccess(span)
		case errors.Is(err, storage.ErrNotFound):
			result = "not_found"
			SetSpanSuccess(span)
		default:
			result = "error"
			RecordError(span, err)
		}

		durationMs := float64(time.Since(start).Microseconds()) / 1000
		r.inst.Metrics().RecordStorageOperation(ctx, r.backend, operation, result, durationMs)
	}
}
