package server

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/giantswarm/oauth2-server/storage"
)

// ValidateClient reports whether the client exists and, for a non-empty
// secret, whether the secret matches. Storage outages return server_error;
// any other failure is reported as an invalid client.
func (s *Server) ValidateClient(ctx context.Context, clientID, clientSecret string) (bool, error) {
	if clientID == "" {
		return false, nil
	}
	ok, err := s.store.ValidateClient(ctx, clientID, clientSecret)
	if err != nil {
		if storage.IsUnavailable(err) {
			return false, ErrServerError("storage unavailable")
		}
		s.Logger.Debug("Client validation failed", "client_id", clientID, "error", err)
		return false, nil
	}
	return ok, nil
}

// ValidateRedirectURI reports whether uri exactly matches one of the
// client's registered redirect URIs.
func (s *Server) ValidateRedirectURI(ctx context.Context, clientID, uri string) (bool, error) {
	if clientID == "" || uri == "" {
		return false, nil
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if storage.IsUnavailable(err) {
			return false, ErrServerError("storage unavailable")
		}
		return false, nil
	}
	return client.HasRedirectURI(uri), nil
}

// RegisterClient stores a client with a freshly salted secret hash,
// replacing any client with the same ID.
func (s *Server) RegisterClient(ctx context.Context, clientID, secret string, redirectURIs, scopes []string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if len(redirectURIs) == 0 {
		return nil, ErrInvalidRedirectURI("at least one redirect_uri is required")
	}
	for _, uri := range redirectURIs {
		if err := s.checkRedirectURI(uri); err != nil {
			s.Logger.Warn("Rejected redirect URI", "client_id", clientID, "reason", err)
			return nil, ErrInvalidRedirectURI(err.Error())
		}
	}

	client, err := storage.NewClient(clientID, secret, redirectURIs, scopes)
	if err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}
	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, fromStorage(err, ErrInvalidRequest("client could not be saved"))
	}

	s.Logger.Info("Registered client",
		"client_id", clientID,
		"redirect_uris", len(redirectURIs))
	return client, nil
}

// checkRedirectURI rejects redirect URIs that are relative, carry a fragment
// or use a dangerous scheme. Plain http is limited to loopback hosts unless
// AllowInsecureRedirectURIs is set.
func (s *Server) checkRedirectURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect_uri must be absolute")
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}

	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "https":
		return nil
	case "http":
		if s.Config.AllowInsecureRedirectURIs || isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect_uri must use https")
	case "javascript", "data", "vbscript", "file":
		return fmt.Errorf("redirect_uri scheme %q is not allowed", scheme)
	default:
		// Custom schemes of native apps.
		return nil
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
