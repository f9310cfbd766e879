package security

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditor_HashesUserID(t *testing.T) {
	a, buf := newBufferedAuditor(true)
	ctx := WithRequestID(context.Background(), "req-1")

	a.LogTokenIssued(ctx, "alice@example.com", "app", "read")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, EventTokenIssued, rec["event_type"])
	assert.Equal(t, hashForLogging("alice@example.com"), rec["user_id_hash"])
	assert.Equal(t, "app", rec["client_id"])
	assert.Equal(t, "req-1", rec["request_id"])
	assert.NotContains(t, buf.String(), "alice@example.com")
}

func TestAuditor_Disabled(t *testing.T) {
	a, buf := newBufferedAuditor(false)
	a.LogAuthFailure(context.Background(), "alice", "app", "10.0.0.1", "bad password")
	assert.Zero(t, buf.Len())

	var nilAuditor *Auditor
	assert.NotPanics(t, func() {
		nilAuditor.LogTokenRevoked(context.Background(), "alice", "app", "access")
	})
}

func TestNewAuditor_NilLogger(t *testing.T) {
	a := NewAuditor(nil, true)
	assert.NotNil(t, a.logger)
}

func TestHashForLogging(t *testing.T) {
	assert.Equal(t, "<empty>", hashForLogging(""))
	assert.Len(t, hashForLogging("alice"), 16)
	assert.Equal(t, hashForLogging("alice"), hashForLogging("alice"))
	assert.NotEqual(t, hashForLogging("alice"), hashForLogging("bob"))
}
