package httpapi

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"quorum.app/internal/auth"
	"quorum.app/internal/obs"
	"quorum.app/internal/oauth"
)

var consentPage = template.Must(template.New("consent").Parse(`<!doctype html>
<html lang="en"><head><meta charset="utf-8"><title>Authorize {{.ClientName}}</title>
<style>body{font-family:sans-serif;max-width:32rem;margin:4rem auto}code{background:#eee;padding:0 .2rem}</style>
</head><body>
<h1>Authorize {{.ClientName}}</h1>
<p><code>{{.ClientName}}</code> is requesting access with scope <code>{{.Scope}}</code>.</p>
{{if .Message}}<p><strong>{{.Message}}</strong></p>{{end}}
<form method="post" action="/oauth/authorize">
{{range $k, $v := .Params}}<input type="hidden" name="{{$k}}" value="{{$v}}">
{{end}}
{{if .SignedIn}}<p>Signed in as {{.Email}}.</p>
{{else}}<p><a href="{{.LoginURL}}">Sign in</a> or paste an API token:</p>
<p><input type="password" name="api_key" autocomplete="off" size="48"></p>
{{end}}
<button type="submit" name="decision" value="allow">Allow</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form></body></html>
`))

// authorizeParams are carried verbatim from the GET query to the consent POST.
var authorizeParams = []string{"client_id", "redirect_uri", "response_type", "scope", "state", "code_challenge", "code_challenge_method"}

type consentView struct {
	ClientName string
	Scope      string
	Params     map[string]string
	SignedIn   bool
	Email      string
	LoginURL   string
	Message    string
}

func (a *API) authorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.OAuth.Metadata())
}

func (a *API) protectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.OAuth.ProtectedResourceMetadata())
}

func writeOAuthError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Cache-Control", "no-store")
	body := map[string]string{"error": oauth.ErrorCode(err)}
	if code < http.StatusInternalServerError {
		body["error_description"] = err.Error()
	}
	writeJSON(w, code, body)
}

func oauthStatus(err error) int {
	switch oauth.ErrorCode(err) {
	case "invalid_client":
		return http.StatusUnauthorized
	case "server_error":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req oauth.RegistrationRequest
	// RFC 7591 clients send metadata we do not use; unknown fields are ignored.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, errors.Join(oauth.ErrInvalidClientMetadata, err))
		return
	}
	reg, err := a.deps.OAuth.Register(r.Context(), req)
	if err != nil {
		a.logServerError(r, "client registration failed", err)
		writeOAuthError(w, oauthStatus(err), err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, reg)
}

// authorizeForm renders the consent page. Client and redirect problems are
// shown directly and never redirected.
func (a *API) authorizeForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	client, err := a.deps.OAuth.ValidateClientRedirect(r.Context(), q.Get("client_id"), q.Get("redirect_uri"))
	if err != nil {
		a.logServerError(r, "authorization request rejected", err)
		writeOAuthError(w, oauthStatus(err), err)
		return
	}
	view := consentView{
		ClientName: clientLabel(client),
		Scope:      q.Get("scope"),
		Params:     map[string]string{},
		LoginURL:   "/auth/login?return_to=" + url.QueryEscape(r.URL.RequestURI()),
	}
	if view.Scope == "" {
		view.Scope = strings.Join(client.Scopes, " ")
	}
	for _, k := range authorizeParams {
		view.Params[k] = q.Get(k)
	}
	if id, ok := a.sessionIdentity(r); ok {
		view.SignedIn, view.Email = true, id.Email
	}
	renderConsent(w, http.StatusOK, view)
}

func (a *API) authorizeDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, errors.Join(oauth.ErrInvalidRequest, err))
		return
	}
	req := oauth.AuthorizeRequest{
		ClientID:            r.PostForm.Get("client_id"),
		RedirectURI:         r.PostForm.Get("redirect_uri"),
		ResponseType:        r.PostForm.Get("response_type"),
		Scope:               r.PostForm.Get("scope"),
		State:               r.PostForm.Get("state"),
		CodeChallenge:       r.PostForm.Get("code_challenge"),
		CodeChallengeMethod: r.PostForm.Get("code_challenge_method"),
	}
	client, err := a.deps.OAuth.ValidateClientRedirect(r.Context(), req.ClientID, req.RedirectURI)
	if err != nil {
		a.logServerError(r, "authorization request rejected", err)
		writeOAuthError(w, oauthStatus(err), err)
		return
	}
	if r.PostForm.Get("decision") != "allow" {
		redirectWithError(w, r, req, "access_denied", "the resource owner denied the request")
		return
	}

	subject, ok := a.sessionIdentity(r)
	if !ok {
		if key := strings.TrimSpace(r.PostForm.Get("api_key")); key != "" {
			if id, err := a.deps.StaticTokens.Verify(r.Context(), key); err == nil {
				subject, ok = id, true
			}
		}
	}
	if !ok {
		view := consentView{
			ClientName: clientLabel(client),
			Scope:      req.Scope,
			Params:     map[string]string{},
			LoginURL:   "/auth/login",
			Message:    "Sign in or provide a valid API token to continue.",
		}
		for _, k := range authorizeParams {
			view.Params[k] = r.PostForm.Get(k)
		}
		renderConsent(w, http.StatusUnauthorized, view)
		return
	}
	req.Subject = subject

	res, err := a.deps.OAuth.Authorize(r.Context(), req)
	switch {
	case err == nil:
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
	case errors.Is(err, oauth.ErrUnknownClient), errors.Is(err, oauth.ErrRedirectMismatch):
		writeOAuthError(w, oauthStatus(err), err)
	case oauth.ErrorCode(err) == "server_error":
		a.logServerError(r, "authorization failed", err)
		redirectWithError(w, r, req, "server_error", "")
	default:
		redirectWithError(w, r, req, oauth.ErrorCode(err), err.Error())
	}
}

// redirectWithError must only be called once the redirect URI is validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, req oauth.AuthorizeRequest, code, desc string) {
	params := url.Values{"error": {code}}
	if desc != "" {
		params.Set("error_description", desc)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	http.Redirect(w, r, oauth.AppendQuery(req.RedirectURI, params), http.StatusFound)
}

func renderConsent(w http.ResponseWriter, code int, view consentView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := consentPage.Execute(w, view); err != nil {
		obs.Logger().Error("render consent page", "error", err)
	}
}

func clientLabel(c oauth.Client) string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

func (a *API) sessionIdentity(r *http.Request) (auth.Identity, bool) {
	if a.deps.Sessions == nil {
		return auth.Identity{}, false
	}
	c, err := r.Cookie(a.cfg.CookieName)
	if err != nil || c.Value == "" {
		return auth.Identity{}, false
	}
	id, err := a.deps.Sessions.Verify(r.Context(), c.Value)
	return id, err == nil
}

// clientCredentials reads HTTP Basic first (RFC 6749 §2.3.1, form-encoded
// components), then the request body.
func clientCredentials(r *http.Request) (id, secret string, basic bool) {
	if user, pass, ok := r.BasicAuth(); ok {
		if u, err := url.QueryUnescape(user); err == nil {
			user = u
		}
		if p, err := url.QueryUnescape(pass); err == nil {
			pass = p
		}
		return user, pass, true
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), false
}

func (a *API) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, errors.Join(oauth.ErrInvalidRequest, err))
		return
	}
	clientID, clientSecret, basic := clientCredentials(r)
	resp, err := a.deps.OAuth.Exchange(r.Context(), oauth.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		a.logServerError(r, "token exchange failed", err)
		status := oauthStatus(err)
		if status == http.StatusUnauthorized && basic {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		}
		writeOAuthError(w, status, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// revoke always answers 200 for well-formed requests, per RFC 7009.
func (a *API) revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, errors.Join(oauth.ErrInvalidRequest, err))
		return
	}
	clientID, _, _ := clientCredentials(r)
	err := a.deps.OAuth.Revoke(r.Context(), oauth.RevokeRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		ClientID:      clientID,
	})
	if err != nil {
		a.logServerError(r, "token revocation failed", err)
		writeOAuthError(w, oauthStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) logServerError(r *http.Request, msg string, err error) {
	if oauth.ErrorCode(err) != "server_error" {
		return
	}
	obs.Logger().ErrorContext(r.Context(), msg,
		"request_id", RequestIDFromContext(r.Context()),
		"error", err,
	)
}
