package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
	"quorum.app/internal/authz"
	"quorum.app/internal/obs"
	"quorum.app/internal/oauth"
	"quorum.app/internal/session"
)

const serviceName = "quorum"

// ReadinessChecker reports whether dependencies are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadinessChecker.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error { return f(ctx) }

// CredentialVerifier maps a presented secret to an identity.
type CredentialVerifier interface {
	Verify(ctx context.Context, presented string) (auth.Identity, error)
}

// Config holds the HTTP-level settings.
type Config struct {
	Version        string
	CookieName     string
	SecureCookies  bool
	AllowedOrigins []string
	RateBurst      int
	RatePerSecond  int
}

// Deps are the services the API fronts. Sessions may be nil when browser
// login is not configured.
type Deps struct {
	Ready        ReadinessChecker
	Guard        *authz.Guard
	Workspaces   *authz.WorkspaceService
	Tokens       *authz.TokenService
	StaticTokens CredentialVerifier
	OAuth        *oauth.Server
	Sessions     *session.Manager
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	cfg     Config
	deps    Deps
	limiter *RateLimiter
}

func New(cfg Config, deps Deps) (*API, error) {
	if deps.Guard == nil || deps.Workspaces == nil || deps.Tokens == nil || deps.StaticTokens == nil || deps.OAuth == nil {
		return nil, errors.New("httpapi: guard, workspace, token and oauth services are required")
	}
	if deps.Ready == nil {
		deps.Ready = ReadyFunc(func(context.Context) error { return nil })
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "quorum_session"
	}
	a := &API{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		deps:    deps,
		limiter: NewRateLimiter(cfg.RateBurst, cfg.RatePerSecond),
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	limited := func(h http.HandlerFunc) http.Handler { return a.limiter.Wrap(h) }

	a.mux.HandleFunc("GET /healthz", a.healthz)
	a.mux.HandleFunc("GET /readyz", a.ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /.well-known/oauth-authorization-server", a.authorizationServerMetadata)
	a.mux.HandleFunc("GET /.well-known/oauth-protected-resource", a.protectedResourceMetadata)
	a.mux.Handle("POST "+oauth.PathRegister, limited(a.register))
	a.mux.Handle("GET "+oauth.PathAuthorize, limited(a.authorizeForm))
	a.mux.Handle("POST "+oauth.PathAuthorize, limited(a.authorizeDecision))
	a.mux.Handle("POST "+oauth.PathToken, limited(a.token))
	a.mux.Handle("POST "+oauth.PathRevoke, limited(a.revoke))

	a.mux.Handle("GET /auth/login", limited(a.login))
	a.mux.Handle("GET /auth/callback", limited(a.callback))
	a.mux.Handle("POST /auth/logout", limited(a.logout))

	a.mux.Handle("GET /v1/me", a.authed(a.me))
	a.mux.Handle("PUT /v1/me/default-workspace", a.authed(a.setDefaultWorkspace))
	a.mux.Handle("POST /v1/authorize", a.authed(a.decide))
	a.mux.Handle("GET /v1/workspaces", a.authed(a.listWorkspaces))
	a.mux.Handle("POST /v1/workspaces", a.authed(a.createWorkspace))
	a.mux.Handle("POST /v1/workspaces/{slug}/archive", a.authed(a.archiveWorkspace))
	a.mux.Handle("GET /v1/workspaces/{slug}/members", a.authed(a.listMembers))
	a.mux.Handle("POST /v1/workspaces/{slug}/members", a.authed(a.addMember))
	a.mux.Handle("PUT /v1/workspaces/{slug}/members/{email}", a.authed(a.updateMember))
	a.mux.Handle("DELETE /v1/workspaces/{slug}/members/{email}", a.authed(a.removeMember))
	a.mux.Handle("GET /v1/workspaces/{slug}/audit", a.authed(a.workspaceAudit))
	a.mux.Handle("GET /v1/users", a.authed(a.listUsers))
	a.mux.Handle("PUT /v1/users/{email}/org-admin", a.authed(a.setOrgAdmin))
	a.mux.Handle("GET /v1/tokens", a.authed(a.listTokens))
	a.mux.Handle("POST /v1/tokens", a.authed(a.issueToken))
	a.mux.Handle("DELETE /v1/tokens/{id}", a.authed(a.revokeToken))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(a.cfg.AllowedOrigins)(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return RequestID(h)
}

// RateLimiter exposes the limiter so the caller can run its sweeper.
func (a *API) RateLimiter() *RateLimiter { return a.limiter }

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.cfg.Version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Logger().WarnContext(r.Context(), "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleError maps engine errors onto HTTP statuses. Unknown errors are
// logged and reported as a bare 500.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredential):
		a.unauthorized(w, r)
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrInvalidOwner):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrDenied):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrWorkspaceArchived):
		writeError(w, r, http.StatusConflict, "workspace is archived")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, audit.ErrAuditUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "audit log unavailable")
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
