package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Codes, tokens and secrets never go into spans.
const (
	AttrClientID  = "oauth.client_id"
	AttrUserID    = "oauth.user_id"
	AttrScope     = "oauth.scope"
	AttrGrantType = "oauth.grant_type"
	AttrRotated   = "oauth.refresh.rotated"
	AttrAttempts  = "oauth.issuance.attempts"

	AttrStorageOperation = "storage.operation"
	AttrStorageBackend   = "storage.backend"
)

// RecordError records err on span and marks it failed. Nil spans and nil
// errors are ignored.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks span OK.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks span failed with an OAuth error code or short reason.
func SetSpanError(span trace.Span, reason string) {
	if span != nil {
		span.SetStatus(codes.Error, reason)
	}
}

func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil && len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes tags span with the non-empty identifiers of a grant.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	attrs := make([]attribute.KeyValue, 0, 3)
	for _, kv := range []struct{ key, value string }{
		{AttrClientID, clientID},
		{AttrUserID, userID},
		{AttrScope, scope},
	} {
		if kv.value != "" {
			attrs = append(attrs, attribute.String(kv.key, kv.value))
		}
	}
	SetSpanAttributes(span, attrs...)
}
