package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"quorum.app/internal/ids"
	"quorum.app/internal/obs"
	"quorum.app/internal/session"
)

const (
	stateCookie    = "quorum_login_state"
	returnCookie   = "quorum_login_return"
	loginStateTTL  = 10 * time.Minute
	defaultReturn  = "/v1/me"
	stateByteCount = 24
)

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	if a.deps.Sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "browser login is not configured")
		return
	}
	state, err := ids.Secret(stateByteCount)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	target, err := a.deps.Sessions.LoginURL(state)
	if errors.Is(err, session.ErrLoginUnavailable) {
		writeError(w, r, http.StatusServiceUnavailable, "browser login is not configured")
		return
	}
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.setShortCookie(w, stateCookie, state)
	a.setShortCookie(w, returnCookie, safeReturn(r.URL.Query().Get("return_to")))
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) callback(w http.ResponseWriter, r *http.Request) {
	if a.deps.Sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "browser login is not configured")
		return
	}
	q := r.URL.Query()
	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(q.Get("state"))) != 1 {
		writeError(w, r, http.StatusBadRequest, "login state mismatch")
		return
	}
	a.clearCookie(w, stateCookie, "/auth")

	token, sess, user, err := a.deps.Sessions.Complete(r.Context(), q.Get("code"))
	if err != nil {
		obs.Logger().WarnContext(r.Context(), "browser login failed", "error", err)
		writeError(w, r, http.StatusUnauthorized, "login failed")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	obs.Logger().InfoContext(r.Context(), "browser session opened", "user_id", user.ID, "session_id", sess.ID)

	target := defaultReturn
	if rc, err := r.Cookie(returnCookie); err == nil {
		target = safeReturn(rc.Value)
	}
	a.clearCookie(w, returnCookie, "/auth")
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(a.cfg.CookieName); err == nil && a.deps.Sessions != nil {
		if err := a.deps.Sessions.Logout(r.Context(), c.Value); err != nil {
			a.handleError(w, r, err)
			return
		}
	}
	a.clearCookie(w, a.cfg.CookieName, "/")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setShortCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth",
		MaxAge:   int(loginStateTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// safeReturn only accepts local absolute paths.
func safeReturn(raw string) string {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return defaultReturn
	}
	return raw
}
