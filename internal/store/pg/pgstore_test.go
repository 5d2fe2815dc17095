package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
	"quorum.app/internal/oauth"
	"quorum.app/internal/session"
	"quorum.app/internal/statictoken"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, WithTimeout(time.Second)), mock
}

func checkExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

var (
	ts         = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	uniqueErr  = &pgconn.PgError{Code: pgErrUniqueViolation}
	foreignErr = &pgconn.PgError{Code: pgErrForeignKeyViolation}
)

func TestCreateDefaultWorkspaceMovesFlagInTransaction(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`update workspaces set is_default = false`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`insert into workspaces`).
		WithArgs("w1", "board", "Board", "ws_board", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug", "display_name", "backing_store", "is_default", "is_archived", "created_at", "updated_at"}).
			AddRow("w1", "board", "Board", "ws_board", true, false, ts, ts))
	mock.ExpectCommit()

	ws, err := s.CreateWorkspace(context.Background(), auth.Workspace{
		ID: "w1", Slug: "board", DisplayName: "Board", BackingStore: "ws_board", IsDefault: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !ws.IsDefault || ws.CreatedAt != ts {
		t.Fatalf("unexpected workspace %+v", ws)
	}
	checkExpectations(t, mock)
}

func TestCreateWorkspaceDuplicateSlug(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`insert into workspaces`).WillReturnError(uniqueErr)

	_, err := s.CreateWorkspace(context.Background(), auth.Workspace{ID: "w1", Slug: "board"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestInTxRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec(`insert into audit_log`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context) error {
		if err := s.AppendAudit(ctx, audit.Event{ID: "e1", Operation: auth.KindCreate, OccurredAt: ts}); err != nil {
			return err
		}
		// nested call joins the outer transaction
		return s.InTx(ctx, func(context.Context) error { return boom })
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestMembershipErrors(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`insert into memberships`).WillReturnError(foreignErr)
	mock.ExpectExec(`delete from memberships`).WithArgs("u1", "w1").WillReturnResult(sqlmock.NewResult(0, 0))

	if _, err := s.PutMembership(context.Background(), "u1", "missing", auth.RoleMember); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on unknown workspace, got %v", err)
	}
	if err := s.DeleteMembership(context.Background(), "u1", "w1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing row, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestListAuditPassesFilter(t *testing.T) {
	s, mock := newMock(t)
	before := ts.Add(time.Hour)
	mock.ExpectQuery(`from audit_log`).
		WithArgs("w1", before, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_email", "workspace_id", "operation", "entity_type", "entity_id", "detail", "auth_method", "occurred_at"}).
			AddRow("e2", "ada@example.com", "w1", "update", "member", nil, nil, "session", ts))

	events, err := s.ListAudit(context.Background(), audit.Filter{WorkspaceID: "w1", Before: before, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].EntityID != "" || events[0].Operation != auth.KindUpdate {
		t.Fatalf("unexpected events %+v", events)
	}
	checkExpectations(t, mock)
}

func TestCreateStaticTokenUnknownOwner(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`insert into static_tokens`).WillReturnError(foreignErr)

	_, err := s.CreateStaticToken(context.Background(), statictoken.Token{ID: "t1", Hash: "h", OwnerUserID: "nobody", CreatedAt: ts})
	if !errors.Is(err, auth.ErrInvalidOwner) {
		t.Fatalf("expected ErrInvalidOwner, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestStaticTokenByHashJoinsOwner(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`join users u`).
		WithArgs("h").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token_hash", "owner_user_id", "email", "display_name", "label", "active", "expires_at", "last_used_at", "created_at", "created_by", "notes"}).
			AddRow("t1", "h", "u1", "ada@example.com", "Ada", "ci", true, nil, ts, ts, "admin@example.com", ""))
	mock.ExpectQuery(`join users u`).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	tok, err := s.StaticTokenByHash(context.Background(), "h")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if tok.OwnerEmail != "ada@example.com" || tok.ExpiresAt != nil || tok.LastUsedAt == nil {
		t.Fatalf("unexpected token %+v", tok)
	}
	if _, err := s.StaticTokenByHash(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestStaticTokenActiveReadsFlag(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`select active from static_tokens`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"active"}).AddRow(false))
	mock.ExpectQuery(`select active from static_tokens`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"active"}))

	active, err := s.StaticTokenActive(context.Background(), "t1")
	if err != nil || active {
		t.Fatalf("expected inactive token, got active=%v err=%v", active, err)
	}
	if _, err := s.StaticTokenActive(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestSessionLifecycle(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from sessions where token_hash`).WithArgs("h").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from sessions where expires_at`).WithArgs(ts).WillReturnResult(sqlmock.NewResult(0, 3))

	ctx := context.Background()
	if err := s.CreateSession(ctx, session.Session{ID: "s1", Hash: "h", UserID: "u1", ExpiresAt: ts, CreatedAt: ts}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteSession(ctx, "h"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	n, err := s.DeleteExpiredSessions(ctx, ts)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 purged, got %d %v", n, err)
	}
	checkExpectations(t, mock)
}

func TestGetClientDecodesColumns(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from oauth_clients`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "secret_hash", "name", "redirect_uris", "scopes", "auth_method", "active", "created_at"}).
			AddRow("c1", nil, "cli", []byte(`["https://app.example.com/cb"]`), "mcp:read mcp:write", "none", true, ts))

	c, err := s.GetClient(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(c.RedirectURIs) != 1 || c.RedirectURIs[0] != "https://app.example.com/cb" {
		t.Fatalf("unexpected redirect uris %v", c.RedirectURIs)
	}
	if len(c.Scopes) != 2 || c.SecretHash != "" {
		t.Fatalf("unexpected client %+v", c)
	}
	checkExpectations(t, mock)
}

func TestConsumeAuthCodeMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`delete from oauth_authorization_codes`).
		WithArgs("h").
		WillReturnRows(sqlmock.NewRows([]string{"client_id"}))

	if _, err := s.ConsumeAuthCode(context.Background(), "h"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestMarkRefreshConsumedTwice(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into oauth_refresh_token_uses`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into oauth_refresh_token_uses`).WillReturnError(uniqueErr)

	use := oauth.RefreshUse{JTI: "j1", FamilyID: "f1", ClientID: "c1", ConsumedAt: ts}
	if err := s.MarkRefreshConsumed(context.Background(), use); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.MarkRefreshConsumed(context.Background(), use); !errors.Is(err, oauth.ErrAlreadyConsumed) {
		t.Fatalf("expected ErrAlreadyConsumed, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestRevokeFamilyUnknown(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`update oauth_token_families`).
		WithArgs("f1", ts, "reuse").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.RevokeFamily(context.Background(), "f1", "reuse", ts); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkExpectations(t, mock)
}

func TestPurgeOAuthCounts(t *testing.T) {
	s, mock := newMock(t)
	cutoff := ts.Add(-35 * 24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectExec(`delete from oauth_authorization_codes`).WithArgs(ts).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`delete from oauth_refresh_token_uses`).WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`delete from oauth_denied_access_tokens`).WithArgs(ts).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := s.PurgeOAuth(context.Background(), ts, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if stats != (oauth.PurgeStats{Codes: 2, RefreshUses: 5, DeniedTokens: 1}) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	checkExpectations(t, mock)
}
