package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// SaveAccessToken stores an access token and indexes it under its user.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	if err := storage.ValidateAccessTokenRecord(token); err != nil {
		return err
	}

	ctx, done := s.start(ctx, "save_access_token")
	defer func() { done(err) }()

	data, err := encodeAccess(token)
	if err != nil {
		return fmt.Errorf("failed to encode access token: %w", err)
	}
	return s.saveToken(ctx, "save access token", s.tokenKey(token.Token), token.UserID, data, token.ExpiresAt)
}

// GetAccessToken returns a live access token.
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, done := s.start(ctx, "get_access_token")
	defer func() { done(err) }()

	data, err := s.get(ctx, "get access token", s.tokenKey(token))
	if err != nil {
		return nil, err
	}
	t, err := decodeAccess(data)
	if err != nil {
		return nil, storage.Unavailable("get access token", err)
	}
	if !t.Live(s.clock.Now()) {
		return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
	}
	return t, nil
}

// RevokeAccessToken revokes a live access token. It returns ErrNotFound when
// the token was already revoked, expired or unknown.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) (err error) {
	ctx, done := s.start(ctx, "revoke_access_token")
	defer func() { done(err) }()

	return s.evalFlag(ctx, "revoke access token", revokeScript, s.tokenKey(token))
}

// SaveRefreshToken stores a refresh token and indexes it under its user.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	if err := storage.ValidateRefreshTokenRecord(token); err != nil {
		return err
	}

	ctx, done := s.start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	data, err := encodeRefresh(token)
	if err != nil {
		return fmt.Errorf("failed to encode refresh token: %w", err)
	}
	return s.saveToken(ctx, "save refresh token", s.refreshKey(token.Token), token.UserID, data, token.ExpiresAt)
}

// GetRefreshToken returns a live refresh token.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	data, err := s.get(ctx, "get refresh token", s.refreshKey(token))
	if err != nil {
		return nil, err
	}
	t, err := decodeRefresh(data)
	if err != nil {
		return nil, storage.Unavailable("get refresh token", err)
	}
	if !t.Live(s.clock.Now()) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	return t, nil
}

// RevokeRefreshToken revokes a live refresh token. Of any number of
// concurrent callers, exactly one gets nil.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	ctx, done := s.start(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	return s.evalFlag(ctx, "revoke refresh token", revokeScript, s.refreshKey(token))
}

// RevokeAllUserTokens revokes every live token in the user's index. Keys the
// server already expired are skipped.
func (s *Store) RevokeAllUserTokens(ctx context.Context, userID string) (err error) {
	ctx, done := s.start(ctx, "revoke_all_user_tokens")
	defer func() { done(err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.userTokensKey(userID)).Build()).AsStrSlice()
	if err != nil {
		return s.mapError("revoke all user tokens", err)
	}

	revoked := 0
	now := s.nowArg()
	for _, key := range keys {
		cmd := s.client.B().Eval().Script(revokeScript).Numkeys(1).Key(key).Arg(now).Build()
		n, err := s.client.Do(ctx, cmd).AsInt64()
		if err != nil {
			return s.mapError("revoke all user tokens", err)
		}
		revoked += int(n)
	}

	s.logger.Info("Revoked all user tokens",
		"user_id", userID,
		"count", revoked)
	return nil
}

func (s *Store) get(ctx context.Context, op, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		return "", s.mapError(op, err)
	}
	return data, nil
}

// saveToken writes the record and its user index entry in one script. A
// token already expired at save time is removed instead.
func (s *Store) saveToken(ctx context.Context, op, key, userID, data string, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ttl := s.ttlFor(expiresAt)
	if ttl <= 0 {
		return s.mapError(op, s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error())
	}

	index := "0"
	if userID != "" {
		index = "1"
	}
	cmd := s.client.B().Eval().Script(saveTokenScript).Numkeys(2).
		Key(key, s.userTokensKey(userID)).
		Arg(data, fmt.Sprintf("%d", int64(ttl/time.Second)), index).
		Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return s.mapError(op, err)
	}

	s.logger.Debug("Saved token",
		"key_prefix", util.SafeTruncate(key, len(s.prefix)+util.TokenLogLength),
		"user_id", userID)
	return nil
}
