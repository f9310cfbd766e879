package valkey

import (
	"context"
	"fmt"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// SaveAuthCode stores a code with a TTL equal to its remaining lifetime. A
// code already expired at save time is not written.
func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	if err := storage.ValidateCodeRecord(code); err != nil {
		return err
	}

	ctx, done := s.start(ctx, "save_auth_code")
	defer func() { done(err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.codeKey(code.Code)
	ttl := s.ttlFor(code.ExpiresAt)
	if ttl <= 0 {
		return s.mapError("save auth code", s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error())
	}

	data, err := encodeCode(code)
	if err != nil {
		return fmt.Errorf("failed to encode authorization code: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(data).Ex(ttl).Build()).Error(); err != nil {
		return s.mapError("save auth code", err)
	}
	return nil
}

// GetAuthCode returns an unused, unexpired code.
func (s *Store) GetAuthCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.start(ctx, "get_auth_code")
	defer func() { done(err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		return nil, s.mapError("get auth code", err)
	}
	c, err := decodeCode(data)
	if err != nil {
		return nil, storage.Unavailable("get auth code", err)
	}
	if c.Used || storage.IsExpired(c.ExpiresAt, s.clock.Now()) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	return c, nil
}

// MarkAuthCodeUsed sets the used flag unconditionally.
func (s *Store) MarkAuthCodeUsed(ctx context.Context, code string) (err error) {
	ctx, done := s.start(ctx, "mark_auth_code_used")
	defer func() { done(err) }()

	return s.evalFlag(ctx, "mark auth code used", markCodeUsedScript, s.codeKey(code))
}

// ConsumeAuthCode atomically marks the code used and returns it as it was.
// Exactly one of any number of concurrent callers succeeds.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.start(ctx, "consume_auth_code")
	defer func() { done(err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := s.client.B().Eval().Script(consumeCodeScript).Numkeys(1).
		Key(s.codeKey(code)).Arg(s.nowArg()).Build()
	data, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		return nil, s.mapError("consume auth code", err)
	}
	if data == scriptNotFound {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}

	c, err := decodeCode(data)
	if err != nil {
		return nil, storage.Unavailable("consume auth code", err)
	}
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.TokenPrefix(code))
	return c, nil
}

// ReleaseAuthCode reverts a consumption while the code is unexpired.
func (s *Store) ReleaseAuthCode(ctx context.Context, code string) (err error) {
	ctx, done := s.start(ctx, "release_auth_code")
	defer func() { done(err) }()

	return s.evalFlag(ctx, "release auth code", releaseCodeScript, s.codeKey(code))
}

// evalFlag runs a script returning 1 on change and 0 when there was no
// eligible record.
func (s *Store) evalFlag(ctx context.Context, op, script, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := s.client.B().Eval().Script(script).Numkeys(1).Key(key).Arg(s.nowArg()).Build()
	n, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return s.mapError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, op)
	}
	return nil
}
