package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

// writeError writes an OAuth error body. 401 responses carry a
// WWW-Authenticate challenge for the scheme the endpoint expects.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, oerr *server.Error) {
	security.SetSecurityHeaders(w, h.tls(r))

	if oerr.Status == http.StatusUnauthorized {
		if oerr.Code == server.ErrorCodeInvalidClient {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth2"`)
		} else {
			w.Header().Set("WWW-Authenticate", formatBearerChallenge(oerr.Code, oerr.Description))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oerr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

// writeErr converts any error into an OAuth error response. Errors that are
// not OAuth errors become server_error.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	h.writeError(w, r, server.AsError(err))
}

// formatBearerChallenge builds an RFC 6750 WWW-Authenticate value.
func formatBearerChallenge(code, description string) string {
	if code == "" {
		return "Bearer"
	}
	return fmt.Sprintf(`Bearer error=%q, error_description=%q`, code, description)
}
