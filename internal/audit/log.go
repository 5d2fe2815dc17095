package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"quorum.app/internal/auth"
	"quorum.app/internal/ids"
	"quorum.app/internal/obs"
)

// MaxDetailLength bounds Event.Detail, in runes.
const MaxDetailLength = 500

const (
	defaultQueueSize   = 256
	defaultListLimit   = 100
	maxListLimit       = 500
	asyncAppendTimeout = 5 * time.Second
)

// ErrAuditUnavailable aborts a write whose audit record could not be stored.
var ErrAuditUnavailable = errors.New("audit: record could not be persisted")

// Event is one append-only audit row.
type Event struct {
	ID          string          `json:"id"`
	UserEmail   string          `json:"user_email"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Operation   auth.OpKind     `json:"operation"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	AuthMethod  auth.AuthMethod `json:"auth_method"`
}

// Filter selects events for the audit view, newest first.
type Filter struct {
	WorkspaceID string
	Before      time.Time
	Limit       int
}

// Store appends and lists audit rows. Rows are never updated or deleted.
type Store interface {
	AppendAudit(ctx context.Context, ev Event) error
	ListAudit(ctx context.Context, f Filter) ([]Event, error)
}

// Writer records audit events. Writes are synchronous and fail closed;
// reads are queued and degrade to a warning.
type Writer struct {
	store Store
	now   func() time.Time
	queue chan Event
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Option configures Writer.
type Option func(*Writer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// WithQueueSize bounds the number of pending read events.
func WithQueueSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan Event, n)
		}
	}
}

func NewWriter(store Store, opts ...Option) (*Writer, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	w := &Writer{
		store: store,
		now:   time.Now,
		queue: make(chan Event, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.wg.Add(1)
	go w.drain()
	return w, nil
}

// Record stores ev. For write operations the returned error is non-nil when
// the row could not be persisted and the caller must abort. Read operations
// never return an error.
func (w *Writer) Record(ctx context.Context, ev Event) error {
	ev, err := w.normalize(ev)
	if err != nil {
		if ev.Operation == auth.KindRead {
			obs.Logger().WarnContext(ctx, "audit event dropped", "error", err)
			return nil
		}
		return err
	}
	logEvent(ctx, ev)

	if ev.Operation == auth.KindRead {
		w.enqueue(ctx, ev)
		return nil
	}
	if err := w.store.AppendAudit(ctx, ev); err != nil {
		obs.AuditFailed(string(ev.Operation))
		obs.Logger().ErrorContext(ctx, "audit append failed",
			"error", err,
			"operation", ev.Operation,
			"entity_type", ev.EntityType,
			"entity_id", ev.EntityID,
		)
		return fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	return nil
}

// List returns events matching f, newest first.
func (w *Writer) List(ctx context.Context, f Filter) ([]Event, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return w.store.ListAudit(ctx, f)
}

// Close stops accepting read events and waits for queued ones to be written.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) enqueue(ctx context.Context, ev Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		obs.Logger().WarnContext(ctx, "audit writer closed; read event dropped", "entity_type", ev.EntityType)
		return
	}
	select {
	case w.queue <- ev:
	default:
		obs.AuditFailed(string(ev.Operation))
		obs.Logger().WarnContext(ctx, "audit queue full; read event dropped", "entity_type", ev.EntityType)
	}
}

func (w *Writer) drain() {
	defer w.wg.Done()
	for ev := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), asyncAppendTimeout)
		if err := w.store.AppendAudit(ctx, ev); err != nil {
			obs.AuditFailed(string(ev.Operation))
			obs.Logger().Warn("audit append failed for read event", "error", err, "entity_type", ev.EntityType)
		}
		cancel()
	}
}

func (w *Writer) normalize(ev Event) (Event, error) {
	ev.UserEmail = auth.NormalizeEmail(ev.UserEmail)
	ev.EntityType = strings.TrimSpace(ev.EntityType)
	switch ev.Operation {
	case auth.KindRead, auth.KindCreate, auth.KindUpdate, auth.KindDelete:
	default:
		return ev, fmt.Errorf("%w: unknown audit operation %q", auth.ErrInvalidInput, ev.Operation)
	}
	if ev.UserEmail == "" || ev.EntityType == "" {
		return ev, fmt.Errorf("%w: audit event needs user email and entity type", auth.ErrInvalidInput)
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = w.now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.Detail = Truncate(ev.Detail, MaxDetailLength)
	return ev, nil
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func logEvent(ctx context.Context, ev Event) {
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("audit_id", ev.ID),
		slog.String("user_email", ev.UserEmail),
		slog.String("operation", string(ev.Operation)),
		slog.String("entity_type", ev.EntityType),
		slog.String("entity_id", ev.EntityID),
		slog.String("auth_method", string(ev.AuthMethod)),
	}
	if ev.WorkspaceID != "" {
		attrs = append(attrs, slog.String("workspace_id", ev.WorkspaceID))
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	obs.Logger().LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}
