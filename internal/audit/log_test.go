package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"quorum.app/internal/auth"
	"quorum.app/internal/obs"
)

type stubStore struct {
	mu        sync.Mutex
	events    []Event
	appendErr error
}

func (s *stubStore) AppendAudit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *stubStore) ListAudit(_ context.Context, f Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) > f.Limit {
		return append([]Event(nil), s.events[:f.Limit]...), nil
	}
	return append([]Event(nil), s.events...), nil
}

func (s *stubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := obs.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { obs.SetLogger(prev) })
	return &buf
}

func TestRecordWriteIsSynchronous(t *testing.T) {
	store := &stubStore{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	w, err := NewWriter(store, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	buf := captureLogs(t)

	ctx := WithRequestID(context.Background(), "req-123")
	err = w.Record(ctx, Event{
		UserEmail:   " Chair@Example.com ",
		WorkspaceID: "ws-1",
		Operation:   auth.KindCreate,
		EntityType:  "membership",
		EntityID:    "u-2",
		Detail:      strings.Repeat("é", 600),
		AuthMethod:  auth.MethodSession,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected one stored event, got %d", store.count())
	}
	ev := store.events[0]
	if ev.UserEmail != "chair@example.com" {
		t.Fatalf("email not normalized: %q", ev.UserEmail)
	}
	if got := len([]rune(ev.Detail)); got != MaxDetailLength {
		t.Fatalf("detail not truncated: %d runes", got)
	}
	if !ev.OccurredAt.Equal(fixed) || ev.OccurredAt.Location() != time.UTC {
		t.Fatalf("unexpected timestamp: %v", ev.OccurredAt)
	}
	if ev.ID == "" {
		t.Fatal("expected generated id")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["request_id"] != "req-123" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}

func TestRecordWriteFailsClosed(t *testing.T) {
	store := &stubStore{appendErr: errors.New("connection refused")}
	w, _ := NewWriter(store)
	defer w.Close()
	captureLogs(t)

	err := w.Record(context.Background(), Event{
		UserEmail:  "a@example.com",
		Operation:  auth.KindDelete,
		EntityType: "static_token",
		AuthMethod: auth.MethodAdmin,
	})
	if !errors.Is(err, ErrAuditUnavailable) {
		t.Fatalf("expected ErrAuditUnavailable, got %v", err)
	}
}

func TestRecordReadDegradesToWarning(t *testing.T) {
	store := &stubStore{appendErr: errors.New("connection refused")}
	w, _ := NewWriter(store)
	buf := captureLogs(t)

	err := w.Record(context.Background(), Event{
		UserEmail:  "a@example.com",
		Operation:  auth.KindRead,
		EntityType: "audit_log",
		AuthMethod: auth.MethodStaticToken,
	})
	if err != nil {
		t.Fatalf("read audit must not fail: %v", err)
	}
	w.Close()
	if !strings.Contains(buf.String(), "audit append failed for read event") {
		t.Fatalf("expected warning in logs, got %s", buf.String())
	}
}

func TestRecordReadIsAppendedAsync(t *testing.T) {
	store := &stubStore{}
	w, _ := NewWriter(store)
	captureLogs(t)

	for i := 0; i < 5; i++ {
		if err := w.Record(context.Background(), Event{
			UserEmail:  "a@example.com",
			Operation:  auth.KindRead,
			EntityType: "workspace",
			AuthMethod: auth.MethodOAuth,
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	w.Close()
	if store.count() != 5 {
		t.Fatalf("expected 5 events after drain, got %d", store.count())
	}
}

func TestRecordRejectsIncompleteWrite(t *testing.T) {
	w, _ := NewWriter(&stubStore{})
	defer w.Close()
	err := w.Record(context.Background(), Event{Operation: auth.KindUpdate, EntityType: "workspace"})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestListClampsLimit(t *testing.T) {
	store := &stubStore{}
	for i := 0; i < 600; i++ {
		store.events = append(store.events, Event{ID: "e"})
	}
	w, _ := NewWriter(store)
	defer w.Close()

	got, err := w.List(context.Background(), Filter{Limit: 10000})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != maxListLimit {
		t.Fatalf("expected %d events, got %d", maxListLimit, len(got))
	}
	got, _ = w.List(context.Background(), Filter{})
	if len(got) != defaultListLimit {
		t.Fatalf("expected default %d events, got %d", defaultListLimit, len(got))
	}
}
