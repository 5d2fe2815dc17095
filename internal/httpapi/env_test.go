package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
	"quorum.app/internal/authz"
	"quorum.app/internal/oauth"
	"quorum.app/internal/session"
	"quorum.app/internal/statictoken"
	"quorum.app/internal/store/memory"
)

const (
	testIssuer   = "https://quorum.example.com"
	testSecret   = "0123456789abcdef0123456789abcdef"
	testRedirect = "https://client.example.com/cb"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type fakeProvider struct {
	assertion session.Assertion
}

func (p *fakeProvider) AuthorizationURL(state string) (string, error) {
	return "https://idp.example.com/authorize?state=" + state, nil
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (session.Assertion, error) {
	if code != "good-code" {
		return session.Assertion{}, session.ErrLoginFailed
	}
	return p.assertion, nil
}

type testEnv struct {
	t         *testing.T
	store     *memory.Store
	authority *statictoken.Authority
	handler   http.Handler
	board     auth.Workspace

	adminToken  string
	memberToken string
	viewerToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	resolver, err := auth.NewResolver(store)
	mustNoErr(t, err)
	writer, err := audit.NewWriter(store)
	mustNoErr(t, err)
	t.Cleanup(writer.Close)
	guard, err := authz.NewGuard(resolver, store, writer)
	mustNoErr(t, err)
	workspaces, err := authz.NewWorkspaceService(store, guard, writer)
	mustNoErr(t, err)
	authority, err := statictoken.NewAuthority(store, store)
	mustNoErr(t, err)
	t.Cleanup(authority.Close)
	tokens, err := authz.NewTokenService(store, guard, authority)
	mustNoErr(t, err)
	signer, err := oauth.NewSigner(testIssuer, testSecret, "", time.Minute)
	mustNoErr(t, err)
	oauthSrv, err := oauth.NewServer(store, store, signer, oauth.WithAuditor(writer))
	mustNoErr(t, err)
	sessions, err := session.NewManager(store, store, session.WithProvider(&fakeProvider{
		assertion: session.Assertion{Subject: "user_01", Email: "browser@example.com", DisplayName: "Browser"},
	}))
	mustNoErr(t, err)

	api, err := New(Config{Version: "test", RateBurst: 1000, RatePerSecond: 1000}, Deps{
		Guard:        guard,
		Workspaces:   workspaces,
		Tokens:       tokens,
		StaticTokens: authority,
		OAuth:        oauthSrv,
		Sessions:     sessions,
	})
	mustNoErr(t, err)

	board, err := store.CreateWorkspace(ctx, auth.Workspace{Slug: "board", DisplayName: "Board", BackingStore: "ws_board", IsDefault: true})
	mustNoErr(t, err)

	e := &testEnv{t: t, store: store, authority: authority, handler: api.Handler(), board: board}
	e.adminToken = e.tokenFor("admin@example.com", "")
	e.memberToken = e.tokenFor("member@example.com", auth.RoleMember)
	e.viewerToken = e.tokenFor("viewer@example.com", auth.RoleViewer)
	return e
}

// tokenFor creates the user, optionally a board membership, and a static
// token. An empty role makes the user an org-admin.
func (e *testEnv) tokenFor(email string, role auth.Role) string {
	e.t.Helper()
	ctx := context.Background()
	u, err := e.store.UpsertUser(ctx, email, "")
	mustNoErr(e.t, err)
	if role == "" {
		_, err = e.store.SetOrgAdmin(ctx, u.ID, true)
	} else {
		_, err = e.store.PutMembership(ctx, u.ID, e.board.ID, role)
	}
	mustNoErr(e.t, err)
	plain, _, err := e.authority.Issue(ctx, statictoken.IssueRequest{OwnerUserID: u.ID, Label: "test", CreatedBy: "test"})
	mustNoErr(e.t, err)
	return plain
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		mustNoErr(e.t, err)
		r = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "10.0.0.1:1234"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) form(path string, values url.Values, mutate func(*http.Request)) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if mutate != nil {
		mutate(req)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
