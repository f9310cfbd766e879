// Package oauth exposes the authorization server over HTTP.
//
// Handler serves the authorization, login, token, revocation and userinfo
// endpoints on top of a server.Server and a directory.Directory:
//
//	store := memory.New()
//	dir := directory.NewMemory(0)
//	store.SetRoleLookup(dir)
//
//	srv, err := server.New(store, &server.Config{}, logger)
//	if err != nil {
//		return err
//	}
//	h, err := oauth.NewHandler(srv, dir, oauth.HandlerConfig{
//		RBACRules: []oauth.RBACRule{{Pattern: "/admin/.*", Roles: []string{"admin"}}},
//	}, logger)
//	if err != nil {
//		return err
//	}
//	defer h.Close()
//
//	mux := http.NewServeMux()
//	mux.Handle("/", h.Routes())
//	mux.Handle("/admin/", h.RequireBearer(adminHandler))
//
// RequireBearer validates access tokens, resolves the user's roles and applies
// the RBAC rules before calling the wrapped handler. Rate limits apply per
// client IP and path.
package oauth
