package auth_test

import (
	"context"
	"errors"
	"testing"

	"quorum.app/internal/auth"
	"quorum.app/internal/store/memory"
)

type fixture struct {
	store    *memory.Store
	resolver *auth.Resolver
	board    auth.Workspace
	ops      auth.Workspace
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	resolver, err := auth.NewResolver(store)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	board, err := store.CreateWorkspace(ctx, auth.Workspace{Slug: "board", DisplayName: "Board", IsDefault: true})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	ops, err := store.CreateWorkspace(ctx, auth.Workspace{Slug: "ops", DisplayName: "Ops"})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	return &fixture{store: store, resolver: resolver, board: board, ops: ops}
}

func (f *fixture) member(t *testing.T, email string, ws auth.Workspace, role auth.Role) auth.Identity {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.UpsertUser(ctx, email, "")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if role != "" {
		if _, err := f.store.PutMembership(ctx, u.ID, ws.ID, role); err != nil {
			t.Fatalf("PutMembership: %v", err)
		}
	}
	return auth.Identity{UserID: u.ID, Email: u.Email, Method: auth.MethodSession}
}

func TestRoleOrdering(t *testing.T) {
	cases := []struct {
		role, min auth.Role
		want      bool
	}{
		{auth.RoleViewer, auth.RoleViewer, true},
		{auth.RoleViewer, auth.RoleMember, false},
		{auth.RoleMember, auth.RoleChair, false},
		{auth.RoleChair, auth.RoleViewer, true},
		{auth.RoleChair, auth.RoleMember, true},
		{auth.RoleChair, auth.RoleChair, true},
		{auth.Role("owner"), auth.RoleViewer, false},
	}
	for _, tc := range cases {
		if got := tc.role.AtLeast(tc.min); got != tc.want {
			t.Fatalf("%s.AtLeast(%s)=%v, want %v", tc.role, tc.min, got, tc.want)
		}
	}
	if _, err := auth.ParseRole("admin"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid role error, got %v", err)
	}
	if r, err := auth.ParseRole(" Chair "); err != nil || r != auth.RoleChair {
		t.Fatalf("ParseRole: %v %v", r, err)
	}
}

func TestViewerDeniedMemberOperation(t *testing.T) {
	f := newFixture(t)
	id := f.member(t, "viewer@example.com", f.board, auth.RoleViewer)

	if _, err := f.resolver.Authorize(context.Background(), id, "board", auth.OpCreate); !errors.Is(err, auth.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	res, err := f.resolver.Authorize(context.Background(), id, "board", auth.OpRead)
	if err != nil {
		t.Fatalf("read should be admitted: %v", err)
	}
	if res.Role != auth.RoleViewer {
		t.Fatalf("unexpected role %s", res.Role)
	}
}

func TestChairAdmittedEverywhere(t *testing.T) {
	f := newFixture(t)
	id := f.member(t, "chair@example.com", f.board, auth.RoleChair)
	for _, op := range []auth.Operation{auth.OpRead, auth.OpCreate, auth.OpUpdate, auth.OpDelete, auth.OpManageMembers} {
		if _, err := f.resolver.Authorize(context.Background(), id, "board", op); err != nil {
			t.Fatalf("chair denied %+v: %v", op, err)
		}
	}
}

func TestArchivedWorkspaceIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.member(t, "chair@example.com", f.board, auth.RoleChair)
	if _, err := f.store.ArchiveWorkspace(ctx, "board"); err != nil {
		t.Fatalf("ArchiveWorkspace: %v", err)
	}

	if _, err := f.resolver.Authorize(ctx, id, "board", auth.OpUpdate); !errors.Is(err, auth.ErrWorkspaceArchived) {
		t.Fatalf("expected ErrWorkspaceArchived, got %v", err)
	}
	if _, err := f.resolver.Authorize(ctx, id, "board", auth.OpRead); err != nil {
		t.Fatalf("read on archived workspace should be admitted: %v", err)
	}
}

func TestOrgAdminIsImplicitChair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.member(t, "admin@example.com", f.board, "")
	if _, err := f.resolver.Resolve(ctx, id, "ops"); !errors.Is(err, auth.ErrDenied) {
		t.Fatalf("expected ErrDenied before promotion, got %v", err)
	}
	if _, err := f.store.SetOrgAdmin(ctx, id.UserID, true); err != nil {
		t.Fatalf("SetOrgAdmin: %v", err)
	}
	res, err := f.resolver.Authorize(ctx, id, "ops", auth.OpDelete)
	if err != nil {
		t.Fatalf("org admin denied: %v", err)
	}
	if res.Role != auth.RoleChair {
		t.Fatalf("expected chair, got %s", res.Role)
	}
}

func TestUnknownWorkspaceAndUserAreDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.member(t, "m@example.com", f.board, auth.RoleMember)
	if _, err := f.resolver.Resolve(ctx, id, "nope"); !errors.Is(err, auth.ErrDenied) {
		t.Fatalf("expected ErrDenied for unknown workspace, got %v", err)
	}
	ghost := auth.Identity{UserID: "missing", Email: "ghost@example.com", Method: auth.MethodStaticToken}
	if _, err := f.resolver.Resolve(ctx, ghost, "board"); !errors.Is(err, auth.ErrDenied) {
		t.Fatalf("expected ErrDenied for unknown user, got %v", err)
	}
	// Lookup by id works as well as by slug.
	if _, err := f.resolver.Resolve(ctx, id, f.board.ID); err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
}

func TestReadOnlyOAuthScopeCannotWrite(t *testing.T) {
	f := newFixture(t)
	id := f.member(t, "agent@example.com", f.board, auth.RoleChair)
	id.Method = auth.MethodOAuth
	id.Scopes = []string{auth.ScopeRead}

	if _, err := f.resolver.Authorize(context.Background(), id, "board", auth.OpCreate); !errors.Is(err, auth.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	id.Scopes = append(id.Scopes, auth.ScopeWrite)
	if _, err := f.resolver.Authorize(context.Background(), id, "board", auth.OpCreate); err != nil {
		t.Fatalf("write scope should allow create: %v", err)
	}
}

func TestActiveWorkspaceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.member(t, "m@example.com", f.ops, auth.RoleMember)

	// Not a member of the installation default, so the first membership wins.
	res, err := f.resolver.ActiveWorkspace(ctx, id, "")
	if err != nil {
		t.Fatalf("ActiveWorkspace: %v", err)
	}
	if res.Workspace.Slug != "ops" {
		t.Fatalf("expected ops, got %s", res.Workspace.Slug)
	}

	if _, err := f.store.PutMembership(ctx, id.UserID, f.board.ID, auth.RoleViewer); err != nil {
		t.Fatalf("PutMembership: %v", err)
	}
	res, _ = f.resolver.ActiveWorkspace(ctx, id, "")
	if res.Workspace.Slug != "board" {
		t.Fatalf("expected installation default board, got %s", res.Workspace.Slug)
	}

	if err := f.store.SetDefaultWorkspace(ctx, id.UserID, f.ops.ID); err != nil {
		t.Fatalf("SetDefaultWorkspace: %v", err)
	}
	res, _ = f.resolver.ActiveWorkspace(ctx, id, "")
	if res.Workspace.Slug != "ops" {
		t.Fatalf("expected user default ops, got %s", res.Workspace.Slug)
	}

	res, _ = f.resolver.ActiveWorkspace(ctx, id, "board")
	if res.Workspace.Slug != "board" {
		t.Fatalf("explicit request should win, got %s", res.Workspace.Slug)
	}

	stranger := f.member(t, "s@example.com", f.board, "")
	if _, err := f.resolver.ActiveWorkspace(ctx, stranger, ""); !errors.Is(err, auth.ErrDenied) {
		t.Fatalf("expected ErrDenied without memberships, got %v", err)
	}
}

func TestOperatorIdentityActsAsChair(t *testing.T) {
	f := newFixture(t)
	op := auth.Identity{Email: "ops@example.com", Method: auth.MethodAdmin}
	res, err := f.resolver.Authorize(context.Background(), op, "ops", auth.OpManageMembers)
	if err != nil {
		t.Fatalf("operator denied: %v", err)
	}
	if res.Role != auth.RoleChair {
		t.Fatalf("expected chair, got %s", res.Role)
	}
}
