package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                          "/",
		"/metrics":                                  "/metrics",
		"/v1/workspaces":                            "/v1/workspaces",
		"/v1/workspaces/board":                      "/v1/workspaces/:slug",
		"/v1/workspaces/board/members":              "/v1/workspaces/:slug/members",
		"/v1/workspaces/board/members/a@example.com": "/v1/workspaces/:slug/members/:email",
		"/v1/workspaces/board/audit?limit=10":       "/v1/workspaces/:slug/audit",
		"/v1/workspaces/board/extra":                "/v1/workspaces/board/extra",
		"/v1/tokens/01HZX":                          "/v1/tokens/:id",
		"/oauth/token":                              "/oauth/token",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentPassesStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tokens/abc", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rec.Code)
	}
}

func TestLogRequestWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	prev := SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer SetLogger(prev)

	LogRequest(context.Background(), slog.String("path", "/healthz"), slog.Int("status", 200))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["msg"] != "request_complete" || entry["path"] != "/healthz" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
