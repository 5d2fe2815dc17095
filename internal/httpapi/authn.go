package httpapi

import (
	"context"
	"net/http"
	"strings"

	"quorum.app/internal/auth"
)

const (
	authHeader      = "Authorization"
	apiKeyHeader    = "X-API-Key"
	workspaceHeader = "X-Workspace-ID"
	bearer          = "Bearer "
)

type identityHandler func(w http.ResponseWriter, r *http.Request, id auth.Identity)

// authed verifies the caller and passes the identity on. Every failure
// gets the same 401.
func (a *API) authed(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.authenticate(r)
		if err != nil {
			a.unauthorized(w, r)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), id)
		if ref := strings.TrimSpace(r.Header.Get(workspaceHeader)); ref != "" {
			ctx = auth.ContextWithWorkspaceRef(ctx, ref)
		}
		next(w, r.WithContext(ctx), id)
	})
}

// authenticate tries an explicit header credential first (static token,
// then OAuth access token) and falls back to the session cookie.
func (a *API) authenticate(r *http.Request) (auth.Identity, error) {
	ctx := r.Context()
	if token := presentedToken(r); token != "" {
		return a.verifyBearer(ctx, token)
	}
	if a.deps.Sessions != nil {
		if c, err := r.Cookie(a.cfg.CookieName); err == nil && c.Value != "" {
			return a.deps.Sessions.Verify(ctx, c.Value)
		}
	}
	return auth.Identity{}, auth.ErrInvalidCredential
}

func (a *API) verifyBearer(ctx context.Context, token string) (auth.Identity, error) {
	if id, err := a.deps.StaticTokens.Verify(ctx, token); err == nil {
		return id, nil
	}
	return a.deps.OAuth.VerifyAccessToken(ctx, token)
}

func presentedToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get(authHeader)); h != "" {
		if len(h) > len(bearer) && strings.EqualFold(h[:len(bearer)], bearer) {
			return strings.TrimSpace(h[len(bearer):])
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get(apiKeyHeader))
}

func (a *API) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate",
		`Bearer resource_metadata="`+a.deps.OAuth.Issuer()+`/.well-known/oauth-protected-resource"`)
	writeError(w, r, http.StatusUnauthorized, "unauthorized")
}
