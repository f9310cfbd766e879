package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/directory"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

// Handler is a thin HTTP adapter for the token engine.
// It handles HTTP requests and delegates to server.Server for business logic.
type Handler struct {
	server   *server.Server
	dir      directory.Directory
	config   HandlerConfig
	sessions SessionStore
	policy   *accessPolicy
	limiters *pathLimiters
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *instrumentation.Metrics
}

// NewHandler creates the HTTP handler. dir authenticates users on the login
// form and provides the userinfo profile.
func NewHandler(srv *server.Server, dir directory.Directory, cfg HandlerConfig, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if dir == nil {
		return nil, fmt.Errorf("user directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg = applyHandlerDefaults(cfg)
	policy, err := newAccessPolicy(cfg.RBACRules, cfg.DenyUnmatchedPaths)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		server:   srv,
		dir:      dir,
		config:   cfg,
		sessions: cfg.Sessions,
		policy:   policy,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	if h.sessions == nil {
		h.sessions = NewMemorySessionStore(cfg.SessionTTL, cfg.SecureCookies, srv.Config.Clock)
	}
	h.limiters = newPathLimiters(cfg.RateLimits, h)

	if !cfg.DenyUnmatchedPaths {
		logger.Warn("Bearer-protected paths without a matching RBAC rule are open to any valid token",
			"rules", len(cfg.RBACRules),
			"recommendation", "Set DenyUnmatchedPaths to reject them")
	}
	return h, nil
}

// SetInstrumentation enables HTTP metrics and tracing.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.metrics = inst.Metrics()
	h.tracer = inst.Tracer("http")
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.limiters.stop()
}

// Routes returns the OAuth2 endpoints with request IDs and rate limiting
// applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+pathAuthorize, h.instrument("authorize", http.HandlerFunc(h.ServeAuthorization)))
	mux.Handle("POST "+pathLogin, h.instrument("login", http.HandlerFunc(h.ServeLogin)))
	mux.Handle("POST "+pathToken, h.instrument("token", http.HandlerFunc(h.ServeToken)))
	mux.Handle("POST "+pathRevoke, h.instrument("revoke", http.HandlerFunc(h.ServeTokenRevocation)))
	mux.Handle("GET "+pathUserInfo, h.instrument("userinfo", h.RequireBearer(http.HandlerFunc(h.ServeUserInfo))))

	for _, path := range []string{pathToken, pathRevoke, pathUserInfo} {
		mux.HandleFunc("OPTIONS "+path, h.ServePreflightRequest)
	}

	return security.RequestIDMiddleware(h.withRateLimit(mux))
}

func (h *Handler) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions && h.rateLimit(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeAuthorization handles the authorization endpoint. A logged-in user is
// redirected back to the client with a fresh code; otherwise the login form
// is rendered.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorize")
	defer span.End()

	q := r.URL.Query()
	req := authorizeRequest{
		ResponseType: q.Get("response_type"),
		ClientID:     q.Get("client_id"),
		RedirectURI:  q.Get("redirect_uri"),
		Scope:        q.Get("scope"),
		State:        q.Get("state"),
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	if req.ResponseType != "" && req.ResponseType != "code" {
		instrumentation.SetSpanError(span, "unsupported response_type")
		h.writeError(w, r, server.ErrInvalidRequest("response_type must be code"))
		return
	}
	if oerr := h.checkAuthorizeRequest(ctx, req); oerr != nil {
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeError(w, r, oerr)
		return
	}

	if userID := h.sessions.UserID(r); userID != "" {
		h.redirectWithCode(w, r.WithContext(ctx), req, userID)
		return
	}

	h.renderLogin(w, r, req, "", http.StatusOK)
}

// ServeLogin handles the login form submission.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.login")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, server.ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := authorizeRequest{
		ClientID:    r.PostFormValue("client_id"),
		RedirectURI: r.PostFormValue("redirect_uri"),
		Scope:       r.PostFormValue("scope"),
		State:       r.PostFormValue("state"),
	}
	if oerr := h.checkAuthorizeRequest(ctx, req); oerr != nil {
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeError(w, r, oerr)
		return
	}

	clientIP := h.clientIP(r)
	user, err := h.dir.Authenticate(ctx, r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		if !errors.Is(err, directory.ErrInvalidCredentials) {
			h.logger.Error("User directory failed during login", "error", err)
			instrumentation.RecordError(span, err)
			h.writeError(w, r, server.ErrServerError("login is temporarily unavailable"))
			return
		}
		h.logger.Warn("Login failed", "client_id", req.ClientID, "ip", clientIP)
		if h.metrics != nil {
			h.metrics.RecordLoginFailed(ctx)
		}
		h.auditor().LogAuthFailure(ctx, "", req.ClientID, clientIP, "invalid_credentials")
		instrumentation.SetSpanError(span, "invalid credentials")
		h.renderLogin(w, r, req, "Invalid username or password.", http.StatusUnauthorized)
		return
	}

	if err := h.sessions.Login(w, r, user.ID); err != nil {
		h.logger.Error("Failed to start session", "error", err)
		h.writeError(w, r, server.ErrServerError("session could not be created"))
		return
	}
	h.auditor().LogEvent(ctx, security.Event{
		Type:      security.EventLoginSucceeded,
		UserID:    user.ID,
		ClientID:  req.ClientID,
		IPAddress: clientIP,
	})

	h.redirectWithCode(w, r.WithContext(ctx), req, user.ID)
}

// authorizeRequest carries the authorization parameters through the login form.
type authorizeRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
	Error        string
}

// checkAuthorizeRequest validates the client and its redirect URI. Errors
// are reported to the user agent, never to the unverified redirect URI.
func (h *Handler) checkAuthorizeRequest(ctx context.Context, req authorizeRequest) *server.Error {
	if req.ClientID == "" || req.RedirectURI == "" {
		return server.ErrInvalidRequest("client_id and redirect_uri are required")
	}

	ok, err := h.server.ValidateClient(ctx, req.ClientID, "")
	if err != nil {
		return server.AsError(err)
	}
	if !ok {
		return server.NewError(server.ErrorCodeInvalidClient, "Invalid client_id", http.StatusBadRequest)
	}

	ok, err = h.server.ValidateRedirectURI(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return server.AsError(err)
	}
	if !ok {
		return server.ErrInvalidRedirectURI("Invalid redirect_uri")
	}
	return nil
}

// redirectWithCode issues a code for userID and redirects to the client.
func (h *Handler) redirectWithCode(w http.ResponseWriter, r *http.Request, req authorizeRequest, userID string) {
	code, err := h.server.GenerateAuthorizationCode(r.Context(), req.ClientID, userID, req.Scope, req.RedirectURI)
	if err != nil {
		h.logger.Error("Failed to issue authorization code", "client_id", req.ClientID, "error", err)
		h.writeErr(w, r, err)
		return
	}

	target, err := url.Parse(req.RedirectURI)
	if err != nil {
		h.writeError(w, r, server.ErrInvalidRedirectURI("Invalid redirect_uri"))
		return
	}
	params := target.Query()
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	target.RawQuery = params.Encode()

	security.SetSecurityHeaders(w, h.tls(r))
	http.Redirect(w, r, target.String(), http.StatusFound)
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sign in</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; justify-content: center; padding-top: 10vh; }
        form { display: flex; flex-direction: column; gap: 0.75rem; width: 18rem; }
        .error { color: #b00020; }
    </style>
</head>
<body>
    <form method="post" action="/oauth2/login">
        <h1>Sign in</h1>
        {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
        <input type="hidden" name="client_id" value="{{.ClientID}}">
        <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
        <input type="hidden" name="scope" value="{{.Scope}}">
        <input type="hidden" name="state" value="{{.State}}">
        <label>Username <input type="text" name="username" autocomplete="username" required></label>
        <label>Password <input type="password" name="password" autocomplete="current-password" required></label>
        <button type="submit">Sign in</button>
    </form>
</body>
</html>
`))

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, req authorizeRequest, message string, status int) {
	req.Error = message
	security.SetSecurityHeaders(w, h.tls(r))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, req); err != nil {
		h.logger.Error("Failed to render login page", "error", err)
	}
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()
	r = r.WithContext(ctx)

	h.setCORSHeaders(w, r)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, server.ErrInvalidRequest("Failed to parse request"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantType))

	clientID, oerr := h.authenticateClient(r)
	if oerr != nil {
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, r, oerr)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	var (
		resp *server.TokenResponse
		err  error
	)
	switch grantType {
	case server.GrantTypeAuthorizationCode:
		resp, err = h.server.ExchangeCodeForToken(ctx, r.PostFormValue("code"), clientID, r.PostFormValue("redirect_uri"))
	case server.GrantTypeRefreshToken:
		resp, err = h.server.RefreshAccessToken(ctx, r.PostFormValue("refresh_token"), clientID)
	case "":
		err = server.ErrInvalidRequest("grant_type is required")
	default:
		err = server.ErrUnsupportedGrantType(fmt.Sprintf("Grant type %s not supported", grantType))
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeErr(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, r, http.StatusOK, resp)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Unknown tokens and tokens of other clients are answered with 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_revocation")
	defer span.End()
	r = r.WithContext(ctx)

	h.setCORSHeaders(w, r)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, server.ErrInvalidRequest("Failed to parse request"))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeError(w, r, server.ErrInvalidRequest("token is required"))
		return
	}

	clientID, oerr := h.authenticateClient(r)
	if oerr != nil {
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, r, oerr)
		return
	}

	if err := h.server.RevokeToken(ctx, token, clientID); err != nil {
		h.logger.Error("Failed to revoke token", "client_id", clientID, "error", err)
		instrumentation.RecordError(span, err)
		h.writeErr(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.tls(r))
	w.WriteHeader(http.StatusOK)
}

// ServeUserInfo returns the profile of the token's user. It must run behind
// RequireBearer.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w, r)

	token, ok := AccessTokenFromContext(r.Context())
	if !ok {
		h.writeError(w, r, server.ErrInvalidToken("missing access token"))
		return
	}

	resp := UserInfoResponse{
		Subject: token.UserID,
		Name:    token.UserID,
		Roles:   RolesFromContext(r.Context()),
	}
	user, err := h.dir.GetUser(r.Context(), token.UserID)
	switch {
	case err == nil:
		if user.Name != "" {
			resp.Name = user.Name
		}
		resp.Email = user.Email
	case !errors.Is(err, directory.ErrUserNotFound):
		h.logger.Warn("User lookup failed for userinfo", "error", err)
	}

	h.writeJSON(w, r, http.StatusOK, resp)
}

// authenticateClient reads client credentials from Basic auth or the form
// and validates them. A request without a secret is rejected unless public
// clients are allowed, in which case the client is checked for existence.
func (h *Handler) authenticateClient(r *http.Request) (string, *server.Error) {
	clientID := r.PostFormValue("client_id")
	secret := r.PostFormValue("client_secret")

	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		basicID, basicSecret = formUnescape(basicID), formUnescape(basicSecret)
		if clientID != "" && clientID != basicID {
			return "", server.ErrInvalidRequest("client_id does not match the authenticated client")
		}
		clientID, secret = basicID, basicSecret
	}

	if clientID == "" {
		return "", server.ErrInvalidClient("Client authentication required")
	}
	if secret == "" && !h.config.AllowPublicClients {
		clientIP := h.clientIP(r)
		h.logger.Warn("Client secret missing", "client_id", clientID, "ip", clientIP)
		h.auditor().LogAuthFailure(r.Context(), "", clientID, clientIP, "client_secret_missing")
		return "", server.ErrInvalidClient("Client authentication required")
	}

	ok, err := h.server.ValidateClient(r.Context(), clientID, secret)
	if err != nil {
		return "", server.AsError(err)
	}
	if !ok {
		clientIP := h.clientIP(r)
		h.logger.Warn("Client authentication failed", "client_id", clientID, "ip", clientIP)
		h.auditor().LogAuthFailure(r.Context(), "", clientID, clientIP, "client_authentication_failed")
		return "", server.ErrInvalidClient("Client authentication failed")
	}
	return clientID, nil
}

// formUnescape decodes Basic credentials that clients form-encode per
// RFC 6749 section 2.3.1.
func formUnescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

type contextKey string

const (
	accessTokenKey contextKey = "access_token"
	rolesKey       contextKey = "roles"
)

// AccessTokenFromContext returns the validated access token stored by RequireBearer.
func AccessTokenFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	token, ok := ctx.Value(accessTokenKey).(*storage.AccessToken)
	return token, ok && token != nil
}

// RolesFromContext returns the roles of the bearer's user. Never nil.
func RolesFromContext(ctx context.Context) []string {
	if roles, ok := ctx.Value(rolesKey).([]string); ok && roles != nil {
		return roles
	}
	return []string{}
}

// RequireBearer is middleware that admits requests carrying a valid access
// token whose user holds a role the RBAC rules grant for the path. Missing
// or invalid tokens get 401, denied roles 403.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		raw, ok := bearerToken(r)
		if !ok {
			h.writeError(w, r, server.ErrInvalidToken("Missing access token"))
			return
		}

		token, err := h.server.ValidateAccessToken(ctx, raw)
		if err != nil {
			h.logger.Debug("Token validation failed", "ip", h.clientIP(r), "error", err)
			h.writeErr(w, r, err)
			return
		}

		roles := h.server.GetUserRoles(ctx, token.UserID)
		if !h.policy.allows(r.URL.Path, roles) {
			h.denyAccess(w, r, token)
			return
		}

		ctx = context.WithValue(ctx, accessTokenKey, token)
		ctx = context.WithValue(ctx, rolesKey, roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) denyAccess(w http.ResponseWriter, r *http.Request, token *storage.AccessToken) {
	ctx := r.Context()
	h.logger.Warn("Access denied by RBAC", "path", r.URL.Path, "client_id", token.ClientID)
	if h.metrics != nil {
		h.metrics.RecordAccessDenied(ctx, r.URL.Path)
	}
	h.auditor().LogEvent(ctx, security.Event{
		Type:      security.EventAccessDenied,
		UserID:    token.UserID,
		ClientID:  token.ClientID,
		IPAddress: h.clientIP(r),
		Details:   map[string]any{"path": r.URL.Path},
	})
	h.writeError(w, r, server.ErrAccessDenied("Insufficient permissions"))
}

// bearerToken reads the token from the Authorization header or, failing
// that, the access_token query parameter.
func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}
	return "", false
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	security.SetSecurityHeaders(w, h.tls(r))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

func (h *Handler) tls(r *http.Request) bool {
	return r.TLS != nil || h.config.SecureCookies
}

func (h *Handler) auditor() *security.Auditor {
	return h.server.Auditor
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !h.isAllowedOrigin(origin) {
		return
	}

	// Echo the origin rather than "*" so credentials can be allowed.
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", h.config.CORS.MaxAge))
}

func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// instrument records request count and latency for endpoint.
func (h *Handler) instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, rec.status, float64(time.Since(start).Milliseconds()))
	})
}
