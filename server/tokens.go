package server

import (
	"context"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// ValidateAccessToken returns a copy of a live access token. Unknown,
// expired and revoked tokens are invalid_token.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, span := s.startSpan(ctx, "oauth.validate_token")
	defer func() { endSpan(span, err) }()

	if token == "" {
		s.observeValidation(ctx, false)
		return nil, ErrInvalidToken("missing access token")
	}

	at, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		s.observeValidation(ctx, false)
		return nil, fromStorage(err, ErrInvalidToken("invalid access token"))
	}
	if !at.Live(s.clock.Now()) {
		s.observeValidation(ctx, false)
		return nil, ErrInvalidToken("invalid access token")
	}

	s.observeValidation(ctx, true)
	return at.Clone(), nil
}

// GetUserRoles returns the user's roles. Lookup failures are logged and
// yield no roles.
func (s *Server) GetUserRoles(ctx context.Context, userID string) []string {
	if userID == "" {
		return []string{}
	}
	roles, err := s.store.GetUserRoles(ctx, userID)
	if err != nil {
		s.Logger.Warn("Role lookup failed, continuing without roles",
			"error", err)
		return []string{}
	}
	if roles == nil {
		return []string{}
	}
	return roles
}

// RevokeToken revokes an access or refresh token owned by clientID, in the
// manner of RFC 7009: unknown tokens and tokens of other clients are not an
// error. An empty clientID skips the ownership check. Revoking a refresh
// token also revokes the access token issued with it.
func (s *Server) RevokeToken(ctx context.Context, token, clientID string) (err error) {
	ctx, span := s.startSpan(ctx, "oauth.revoke_token")
	defer func() { endSpan(span, err) }()

	if token == "" {
		return ErrInvalidRequest("token is required")
	}

	at, err := s.store.GetAccessToken(ctx, token)
	switch {
	case err == nil:
		if !owns(clientID, at.ClientID) {
			return nil
		}
		if err := s.store.RevokeAccessToken(ctx, token); err != nil && !storage.IsNotFound(err) {
			return fromStorage(err, ErrServerError("revocation failed"))
		}
		s.observeRevocation(ctx, "access", at.UserID, at.ClientID)
		return nil
	case storage.IsUnavailable(err):
		return ErrServerError("storage unavailable")
	}

	rt, err := s.store.GetRefreshToken(ctx, token)
	switch {
	case err == nil:
		if !owns(clientID, rt.ClientID) {
			return nil
		}
		if err := s.store.RevokeRefreshToken(ctx, token); err != nil && !storage.IsNotFound(err) {
			return fromStorage(err, ErrServerError("revocation failed"))
		}
		if rt.AccessToken != "" {
			if err := s.store.RevokeAccessToken(ctx, rt.AccessToken); err != nil && !storage.IsNotFound(err) {
				s.Logger.Warn("Failed to revoke access token of revoked refresh token",
					"access_token_prefix", util.TokenPrefix(rt.AccessToken),
					"error", err)
			}
		}
		s.observeRevocation(ctx, "refresh", rt.UserID, rt.ClientID)
		return nil
	case storage.IsUnavailable(err):
		return ErrServerError("storage unavailable")
	}

	s.Logger.Debug("Revocation of unknown token ignored",
		"client_id", clientID,
		"token_prefix", util.TokenPrefix(token))
	return nil
}

// RevokeAllUserTokens revokes every access and refresh token of userID.
func (s *Server) RevokeAllUserTokens(ctx context.Context, userID string) (err error) {
	ctx, span := s.startSpan(ctx, "oauth.revoke_all_user_tokens")
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return ErrInvalidRequest("user is required")
	}
	if err := s.store.RevokeAllUserTokens(ctx, userID); err != nil {
		s.Logger.Error("Failed to revoke user tokens", "error", err)
		return fromStorage(err, ErrServerError("revocation failed"))
	}
	s.observeRevocation(ctx, "user", userID, "")
	return nil
}

func owns(clientID, tokenClientID string) bool {
	return clientID == "" || clientID == tokenClientID
}
