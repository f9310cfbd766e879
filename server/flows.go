package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// GenerateAuthorizationCode mints and persists a code for userID. The code
// is returned only after the store confirmed the write.
func (s *Server) GenerateAuthorizationCode(ctx context.Context, clientID, userID, scope, redirectURI string) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "oauth.generate_authorization_code")
	defer func() { endSpan(span, err) }()
	instrumentation.AddOAuthFlowAttributes(span, clientID, userID, scope)

	if clientID == "" || userID == "" {
		return "", ErrInvalidRequest("client_id and user are required")
	}

	code := &storage.AuthorizationCode{
		Code:        generateRandomToken(),
		ClientID:    clientID,
		UserID:      userID,
		Scope:       scope,
		RedirectURI: redirectURI,
		ExpiresAt:   s.clock.Now().Add(s.Config.codeTTL()),
	}
	if err := s.store.SaveAuthCode(ctx, code); err != nil {
		s.Logger.Error("Failed to save authorization code",
			"client_id", clientID,
			"error", err)
		return "", fromStorage(err, ErrInvalidRequest("authorization code could not be issued"))
	}

	s.observeCodeIssued(ctx, clientID, userID, scope)
	s.Logger.Debug("Issued authorization code",
		"client_id", clientID,
		"code_prefix", util.TokenPrefix(code.Code))
	return code.Code, nil
}

// ExchangeCodeForToken burns code and issues an access and refresh token.
// Unknown, used and expired codes are all invalid_grant. A code presented by
// another client is invalid_client and stays burned. redirectURI is compared
// when both it and the code's redirect URI are set.
func (s *Server) ExchangeCodeForToken(ctx context.Context, code, clientID, redirectURI string) (_ *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.exchange_code")
	defer func() { endSpan(span, err) }()

	if code == "" || clientID == "" {
		return nil, ErrInvalidRequest("code and client_id are required")
	}

	var (
		authCode *storage.AuthorizationCode
		pair     *tokenPair
		oerr     *Error
	)
	if tx, ok := s.store.(storage.Transactor); ok {
		authCode, pair, oerr = s.exchangeInTransaction(ctx, tx, code, clientID, redirectURI)
	} else {
		authCode, pair, oerr = s.exchangeWithCompensation(ctx, code, clientID, redirectURI)
	}

	if oerr != nil {
		s.observeExchange(ctx, clientID, "", "", oerr)
		return nil, oerr
	}

	instrumentation.AddOAuthFlowAttributes(span, clientID, authCode.UserID, authCode.Scope)
	s.observeExchange(ctx, clientID, authCode.UserID, authCode.Scope, nil)
	s.Logger.Info("Exchanged authorization code",
		"client_id", clientID,
		"access_token_prefix", util.TokenPrefix(pair.access.Token))

	return s.tokenResponse(ctx, pair), nil
}

// exchangeInTransaction consumes the code and writes both tokens in one
// transaction. Rejections after consumption commit so the code stays burned.
func (s *Server) exchangeInTransaction(ctx context.Context, tx storage.Transactor, code, clientID, redirectURI string) (*storage.AuthorizationCode, *tokenPair, *Error) {
	var (
		authCode *storage.AuthorizationCode
		pair     *tokenPair
		rejected *Error
	)

	err := tx.WithinTransaction(ctx, func(st storage.Storage) error {
		c, oerr := s.consumeCode(ctx, st, code, clientID)
		if oerr != nil {
			return oerr
		}
		if oerr := s.checkConsumedCode(ctx, c, clientID, redirectURI); oerr != nil {
			rejected = oerr
			return nil
		}

		p, err := s.issuePair(ctx, st, c.ClientID, c.UserID, c.Scope, false)
		if err != nil {
			return err
		}
		authCode, pair = c, p
		return nil
	})

	switch {
	case err != nil:
		var oerr *Error
		if errors.As(err, &oerr) {
			return nil, nil, oerr
		}
		s.Logger.Error("Token issuance failed, transaction rolled back",
			"client_id", clientID,
			"error", err)
		s.observeRollback(ctx, GrantTypeAuthorizationCode, clientID, "")
		return nil, nil, fromStorage(err, ErrServerError("token issuance failed"))
	case rejected != nil:
		return nil, nil, rejected
	}
	return authCode, pair, nil
}

// exchangeWithCompensation is used for stores without transactions. Token
// writes are retried; if they still fail the code is released again.
func (s *Server) exchangeWithCompensation(ctx context.Context, code, clientID, redirectURI string) (*storage.AuthorizationCode, *tokenPair, *Error) {
	authCode, oerr := s.consumeCode(ctx, s.store, code, clientID)
	if oerr != nil {
		return nil, nil, oerr
	}
	if oerr := s.checkConsumedCode(ctx, authCode, clientID, redirectURI); oerr != nil {
		return nil, nil, oerr
	}

	pair, err := s.issuePair(ctx, s.store, authCode.ClientID, authCode.UserID, authCode.Scope, true)
	if err != nil {
		s.Logger.Error("Token issuance failed after code consumption, releasing code",
			"client_id", clientID,
			"code_prefix", util.TokenPrefix(code),
			"error", err)
		cctx, cancel := compensationContext(ctx)
		rerr := s.store.ReleaseAuthCode(cctx, code)
		cancel()
		if rerr != nil {
			s.Logger.Error("Failed to release authorization code",
				"client_id", clientID,
				"code_prefix", util.TokenPrefix(code),
				"error", rerr)
		}
		s.observeRollback(ctx, GrantTypeAuthorizationCode, clientID, authCode.UserID)
		return nil, nil, ErrServerError("token issuance failed")
	}
	return authCode, pair, nil
}

// consumeCode burns the code. The consumption is the only check that can
// reject a replay, so every failure except an outage is invalid_grant.
func (s *Server) consumeCode(ctx context.Context, st storage.Storage, code, clientID string) (*storage.AuthorizationCode, *Error) {
	authCode, err := st.ConsumeAuthCode(ctx, code)
	if err != nil {
		if storage.IsUnavailable(err) {
			s.Logger.Error("Failed to consume authorization code", "error", err)
			return nil, ErrServerError("storage unavailable")
		}
		s.Logger.Debug("Authorization code rejected",
			"client_id", clientID,
			"code_prefix", util.TokenPrefix(code))
		s.observeCodeRejected(ctx, clientID, "unusable_code")
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	return authCode, nil
}

// checkConsumedCode validates a consumed record. A record that is expired or
// already marked used contradicts the consumption and is treated as absent.
func (s *Server) checkConsumedCode(ctx context.Context, authCode *storage.AuthorizationCode, clientID, redirectURI string) *Error {
	if authCode.Used || storage.IsExpired(authCode.ExpiresAt, s.clock.Now()) {
		s.Logger.Warn("Consumed authorization code in contradictory state",
			"client_id", clientID,
			"used", authCode.Used)
		return ErrInvalidGrant("invalid authorization code")
	}
	if authCode.ClientID != clientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID)
		s.Auditor.LogAuthFailure(ctx, authCode.UserID, clientID, "", "client_id_mismatch")
		return ErrInvalidClient("authorization code was not issued to this client")
	}
	if redirectURI != "" && authCode.RedirectURI != "" && authCode.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", clientID)
		return ErrInvalidGrant("redirect_uri does not match")
	}
	return nil
}

// RefreshAccessToken rotates refreshToken: a new access and refresh token
// are saved, then the old refresh token is revoked. If another rotation
// revoked it first, the new pair is revoked again and invalid_grant returned.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (_ *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.refresh_token")
	defer func() { endSpan(span, err) }()

	if refreshToken == "" || clientID == "" {
		return nil, ErrInvalidRequest("refresh_token and client_id are required")
	}

	old, oerr := s.loadRefreshToken(ctx, refreshToken, clientID)
	if oerr != nil {
		s.observeRefresh(ctx, clientID, "", oerr)
		return nil, oerr
	}
	instrumentation.AddOAuthFlowAttributes(span, clientID, old.UserID, old.Scope)

	pair, err := s.issuePair(ctx, s.store, old.ClientID, old.UserID, old.Scope, true)
	if err != nil {
		s.Logger.Error("Failed to issue rotated tokens",
			"client_id", clientID,
			"error", err)
		s.observeRollback(ctx, GrantTypeRefreshToken, clientID, old.UserID)
		oerr := ErrServerError("token issuance failed")
		s.observeRefresh(ctx, clientID, old.UserID, oerr)
		return nil, oerr
	}

	if err := s.store.RevokeRefreshToken(ctx, refreshToken); err != nil {
		s.withdraw(ctx, pair)
		if storage.IsNotFound(err) {
			s.Logger.Warn("Refresh token rotated concurrently, withdrawing new tokens",
				"client_id", clientID,
				"refresh_token_prefix", util.TokenPrefix(refreshToken))
			s.observeRaceLost(ctx, clientID, old.UserID)
			oerr = ErrInvalidGrant("invalid refresh token")
		} else {
			s.Logger.Error("Failed to revoke rotated refresh token, withdrawing new tokens",
				"client_id", clientID,
				"error", err)
			oerr = fromStorage(err, ErrServerError("token rotation failed"))
		}
		s.observeRefresh(ctx, clientID, old.UserID, oerr)
		return nil, oerr
	}

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRotated, true))
	s.observeRefresh(ctx, clientID, old.UserID, nil)
	s.Logger.Info("Rotated refresh token",
		"client_id", clientID,
		"access_token_prefix", util.TokenPrefix(pair.access.Token))
	return s.tokenResponse(ctx, pair), nil
}

func (s *Server) loadRefreshToken(ctx context.Context, refreshToken, clientID string) (*storage.RefreshToken, *Error) {
	old, err := s.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if !storage.IsUnavailable(err) {
			s.Logger.Debug("Refresh token rejected",
				"client_id", clientID,
				"refresh_token_prefix", util.TokenPrefix(refreshToken))
		}
		return nil, fromStorage(err, ErrInvalidGrant("invalid refresh token"))
	}
	if old.ClientID != clientID {
		s.Auditor.LogAuthFailure(ctx, old.UserID, clientID, "", "refresh_token_client_mismatch")
		return nil, ErrInvalidClient("refresh token was not issued to this client")
	}
	if !old.Live(s.clock.Now()) {
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	return old, nil
}

// tokenPair is one issued access and refresh token.
type tokenPair struct {
	access  *storage.AccessToken
	refresh *storage.RefreshToken
}

// issuePair saves a new access token and then a refresh token referencing
// it. With retry set, writes are retried and a saved access token is
// revoked again if the refresh token cannot be saved.
func (s *Server) issuePair(ctx context.Context, st storage.Storage, clientID, userID, scope string, retry bool) (*tokenPair, error) {
	now := s.clock.Now()
	pair := &tokenPair{
		access: &storage.AccessToken{
			Token:     generateRandomToken(),
			ClientID:  clientID,
			UserID:    userID,
			Scope:     scope,
			ExpiresAt: now.Add(s.Config.accessTTL()),
		},
	}
	pair.refresh = &storage.RefreshToken{
		Token:       generateRandomToken(),
		AccessToken: pair.access.Token,
		ClientID:    clientID,
		UserID:      userID,
		Scope:       scope,
		ExpiresAt:   now.Add(s.Config.refreshTTL()),
	}

	save := func(op string, fn func() error) error {
		if retry {
			return s.withRetry(ctx, op, fn)
		}
		return fn()
	}

	if err := save("save access token", func() error { return st.SaveAccessToken(ctx, pair.access) }); err != nil {
		return nil, err
	}
	if err := save("save refresh token", func() error { return st.SaveRefreshToken(ctx, pair.refresh) }); err != nil {
		if retry {
			cctx, cancel := compensationContext(ctx)
			rerr := st.RevokeAccessToken(cctx, pair.access.Token)
			cancel()
			if rerr != nil {
				s.Logger.Error("Failed to revoke orphaned access token",
					"access_token_prefix", util.TokenPrefix(pair.access.Token),
					"error", rerr)
			}
		}
		return nil, err
	}
	return pair, nil
}

// withdraw revokes a freshly issued pair. Failures are logged.
func (s *Server) withdraw(ctx context.Context, pair *tokenPair) {
	ctx, cancel := compensationContext(ctx)
	defer cancel()

	if err := s.store.RevokeAccessToken(ctx, pair.access.Token); err != nil && !storage.IsNotFound(err) {
		s.Logger.Error("Failed to withdraw access token",
			"access_token_prefix", util.TokenPrefix(pair.access.Token),
			"error", err)
	}
	if err := s.store.RevokeRefreshToken(ctx, pair.refresh.Token); err != nil && !storage.IsNotFound(err) {
		s.Logger.Error("Failed to withdraw refresh token",
			"refresh_token_prefix", util.TokenPrefix(pair.refresh.Token),
			"error", err)
	}
}

// compensationContext keeps the values of ctx but not its cancellation, so
// cleanup still runs when the client has gone away.
func compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
}

func (s *Server) tokenResponse(ctx context.Context, pair *tokenPair) *TokenResponse {
	return &TokenResponse{
		AccessToken:  pair.access.Token,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(storage.Remaining(pair.access.ExpiresAt, s.clock.Now()) / time.Second),
		RefreshToken: pair.refresh.Token,
		Scope:        pair.access.Scope,
		Roles:        s.GetUserRoles(ctx, pair.access.UserID),
	}
}
