package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/oauth2-server/storage"
)

const (
	fieldSecret        = "secret"
	fieldSalt          = "salt"
	fieldRedirectURIs  = "redirect_uris"
	fieldAllowedScopes = "allowed_scopes"
)

// SaveClient stores a client as a hash, replacing any previous registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	if err := storage.ValidateClientRecord(client); err != nil {
		return err
	}

	ctx, done := s.start(ctx, "save_client")
	defer func() { done(err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	redirects, err := json.Marshal(nonNil(client.RedirectURIs))
	if err != nil {
		return fmt.Errorf("failed to marshal redirect URIs: %w", err)
	}
	scopes, err := json.Marshal(nonNil(client.AllowedScopes))
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	// All four fields are always written, so HSET replaces a previous
	// registration in full.
	cmd := s.client.B().Hset().Key(s.clientKey(client.ClientID)).FieldValue().
		FieldValue(fieldSecret, client.SecretHash).
		FieldValue(fieldSalt, client.Salt).
		FieldValue(fieldRedirectURIs, string(redirects)).
		FieldValue(fieldAllowedScopes, string(scopes)).
		Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return s.mapError("save client", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.start(ctx, "get_client")
	defer func() { done(err) }()

	return s.getClient(ctx, clientID)
}

func (s *Store) getClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.clientKey(clientID)).Build()).AsStrMap()
	if err != nil {
		return nil, s.mapError("get client", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}

	client := &storage.Client{
		ClientID:   clientID,
		SecretHash: fields[fieldSecret],
		Salt:       fields[fieldSalt],
	}
	if v := fields[fieldRedirectURIs]; v != "" {
		if err := json.Unmarshal([]byte(v), &client.RedirectURIs); err != nil {
			return nil, storage.Unavailable("decode client", err)
		}
	}
	if v := fields[fieldAllowedScopes]; v != "" {
		if err := json.Unmarshal([]byte(v), &client.AllowedScopes); err != nil {
			return nil, storage.Unavailable("decode client", err)
		}
	}
	return client, nil
}

// ValidateClient reports whether the client exists and secret matches.
func (s *Store) ValidateClient(ctx context.Context, clientID, secret string) (_ bool, err error) {
	ctx, done := s.start(ctx, "validate_client")
	defer func() { done(err) }()

	client, err := s.getClient(ctx, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return storage.VerifyClientSecret(client, secret), nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
