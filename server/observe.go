package server

import (
	"context"

	"github.com/giantswarm/oauth2-server/security"
)

// Metric and audit hooks. Every hook is a no-op when the corresponding
// dependency is not configured.

func (s *Server) observeCodeIssued(ctx context.Context, clientID, userID, scope string) {
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, clientID)
	}
	s.Auditor.LogCodeIssued(ctx, userID, clientID, scope)
}

func (s *Server) observeExchange(ctx context.Context, clientID, userID, scope string, err *Error) {
	result := "success"
	if err != nil {
		result = err.Code
	}
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, clientID, result)
	}
	if err == nil {
		s.Auditor.LogTokenIssued(ctx, userID, clientID, scope)
	}
}

func (s *Server) observeCodeRejected(ctx context.Context, clientID, reason string) {
	if s.metrics != nil {
		s.metrics.RecordCodeReplayRejected(ctx)
	}
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventAuthorizationCodeReuseDetected,
		ClientID: clientID,
		Details:  map[string]any{"reason": reason},
	})
}

func (s *Server) observeRefresh(ctx context.Context, clientID, userID string, err *Error) {
	result := "success"
	if err != nil {
		result = err.Code
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, clientID, result)
	}
	if err == nil {
		s.Auditor.LogTokenRefreshed(ctx, userID, clientID)
	}
}

func (s *Server) observeRaceLost(ctx context.Context, clientID, userID string) {
	if s.metrics != nil {
		s.metrics.RecordRefreshRaceLost(ctx)
	}
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventRefreshRaceLost,
		UserID:   userID,
		ClientID: clientID,
	})
}

func (s *Server) observeRollback(ctx context.Context, grantType, clientID, userID string) {
	if s.metrics != nil {
		s.metrics.RecordIssuanceRollback(ctx, grantType)
	}
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventIssuanceRolledBack,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"grant_type": grantType},
	})
}

func (s *Server) observeRevocation(ctx context.Context, kind, userID, clientID string) {
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, kind)
	}
	if kind == "user" {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:   security.EventAllTokensRevoked,
			UserID: userID,
		})
		return
	}
	s.Auditor.LogTokenRevoked(ctx, userID, clientID, kind)
}

func (s *Server) observeValidation(ctx context.Context, valid bool) {
	if s.metrics != nil {
		s.metrics.RecordTokenValidation(ctx, valid)
	}
}
