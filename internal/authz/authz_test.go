package authz_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
	"quorum.app/internal/authz"
	"quorum.app/internal/statictoken"
	"quorum.app/internal/store/memory"
)

type env struct {
	store      *memory.Store
	audit      *audit.Writer
	workspaces *authz.WorkspaceService
	tokens     *authz.TokenService
	admin      auth.Identity
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	resolver, err := auth.NewResolver(store)
	require.NoError(t, err)
	writer, err := audit.NewWriter(store)
	require.NoError(t, err)
	t.Cleanup(writer.Close)
	guard, err := authz.NewGuard(resolver, store, writer)
	require.NoError(t, err)
	ws, err := authz.NewWorkspaceService(store, guard, writer)
	require.NoError(t, err)
	authority, err := statictoken.NewAuthority(store, store)
	require.NoError(t, err)
	t.Cleanup(authority.Close)
	tokens, err := authz.NewTokenService(store, guard, authority)
	require.NoError(t, err)

	adminUser, err := store.UpsertUser(ctx, "admin@example.com", "Admin")
	require.NoError(t, err)
	_, err = store.SetOrgAdmin(ctx, adminUser.ID, true)
	require.NoError(t, err)
	return &env{
		store:      store,
		audit:      writer,
		workspaces: ws,
		tokens:     tokens,
		admin:      auth.Identity{UserID: adminUser.ID, Email: adminUser.Email, Method: auth.MethodSession},
	}
}

func (e *env) identity(t *testing.T, email string) auth.Identity {
	t.Helper()
	u, err := e.store.UpsertUser(context.Background(), email, "")
	require.NoError(t, err)
	return auth.Identity{UserID: u.ID, Email: u.Email, Method: auth.MethodSession}
}

func TestWorkspaceLifecycleIsAudited(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ws, err := e.workspaces.CreateWorkspace(ctx, e.admin, authz.CreateWorkspaceInput{Slug: "Board", DisplayName: "Board"})
	require.NoError(t, err)
	assert.Equal(t, "board", ws.Slug)
	assert.Equal(t, "ws_board", ws.BackingStore)

	_, err = e.workspaces.CreateWorkspace(ctx, e.admin, authz.CreateWorkspaceInput{Slug: "board", DisplayName: "Again"})
	assert.ErrorIs(t, err, auth.ErrConflict)

	_, err = e.workspaces.CreateWorkspace(ctx, e.admin, authz.CreateWorkspaceInput{Slug: "x", DisplayName: "X"})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	member, err := e.workspaces.AddMember(ctx, e.admin, "board", "Bob@Example.com", auth.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", member.Email)

	events, err := e.store.ListAudit(ctx, audit.Filter{Limit: 100})
	require.NoError(t, err)
	require.Len(t, events, 2)
	var sawMembership bool
	for _, ev := range events {
		assert.Equal(t, "admin@example.com", ev.UserEmail)
		if ev.EntityType == "membership" {
			sawMembership = true
			assert.Equal(t, ws.ID, ev.WorkspaceID)
		}
	}
	assert.True(t, sawMembership)
}

func TestAuditFailureRollsBackMutation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.workspaces.CreateWorkspace(ctx, e.admin, authz.CreateWorkspaceInput{Slug: "board", DisplayName: "Board"})
	require.NoError(t, err)

	e.store.SetAuditError(errors.New("disk full"))
	_, err = e.workspaces.AddMember(ctx, e.admin, "board", "bob@example.com", auth.RoleChair)
	require.ErrorIs(t, err, audit.ErrAuditUnavailable)

	e.store.SetAuditError(nil)
	_, err = e.store.GetUserByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, auth.ErrNotFound, "user creation rolled back with the membership")
}

func TestMemberManagementRequiresChair(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.workspaces.CreateWorkspace(ctx, e.admin, authz.CreateWorkspaceInput{Slug: "board", DisplayName: "Board"})
	require.NoError(t, err)
	_, err = e.workspaces.AddMember(ctx, e.admin, "board", "member@example.com", auth.RoleMember)
	require.NoError(t, err)
	_, err = e.workspaces.AddMember(ctx, e.admin, "board", "chair@example.com", auth.RoleChair)
	require.NoError(t, err)

	member := e.identity(t, "member@example.com")
	chair := e.identity(t, "chair@example.com")

	_, err = e.workspaces.AddMember(ctx, member, "board", "x@example.com", auth.RoleViewer)
	assert.ErrorIs(t, err, auth.ErrDenied)
	_, err = e.workspaces.AuditLog(ctx, member, "board", audit.Filter{})
	assert.ErrorIs(t, err, auth.ErrDenied)

	members, err := e.workspaces.ListMembers(ctx, member, "board")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = e.workspaces.UpdateMemberRole(ctx, chair, "board", "member@example.com", auth.RoleViewer)
	require.NoError(t, err)
	_, err = e.workspaces.UpdateMemberRole(ctx, chair, "board", "ghost@example.com", auth.RoleViewer)
	assert.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, e.workspaces.RemoveMember(ctx, chair, "board", "member@example.com"))

	log, err := e.workspaces.AuditLog(ctx, chair, "board", audit.Filter{})
	require.NoError(t, err)
	assert.NotEmpty(t, log)
}

func TestArchivedWorkspaceRejectsMemberChanges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.workspaces.CreateWorkspace(ctx, e.admin, authz.CreateWorkspaceInput{Slug: "board", DisplayName: "Board"})
	require.NoError(t, err)
	ws, err := e.workspaces.ArchiveWorkspace(ctx, e.admin, "board")
	require.NoError(t, err)
	assert.True(t, ws.IsArchived)

	_, err = e.workspaces.AddMember(ctx, e.admin, "board", "late@example.com", auth.RoleMember)
	assert.ErrorIs(t, err, auth.ErrWorkspaceArchived)
}

func TestOrgAdminOnlyOperations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.identity(t, "user@example.com")

	_, err := e.workspaces.CreateWorkspace(ctx, user, authz.CreateWorkspaceInput{Slug: "mine", DisplayName: "Mine"})
	assert.ErrorIs(t, err, auth.ErrDenied)
	_, err = e.workspaces.SetOrgAdmin(ctx, user, "user@example.com", true)
	assert.ErrorIs(t, err, auth.ErrDenied)
	_, err = e.workspaces.ListUsers(ctx, user)
	assert.ErrorIs(t, err, auth.ErrDenied)

	promoted, err := e.workspaces.SetOrgAdmin(ctx, e.admin, "user@example.com", true)
	require.NoError(t, err)
	assert.True(t, promoted.IsOrgAdmin)

	_, err = e.workspaces.CreateWorkspace(ctx, user, authz.CreateWorkspaceInput{Slug: "mine", DisplayName: "Mine"})
	assert.NoError(t, err)
}

func TestListWorkspacesScopedToMembership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, slug := range []string{"board", "ops"} {
		_, err := e.workspaces.CreateWorkspace(ctx, e.admin, authz.CreateWorkspaceInput{Slug: slug, DisplayName: slug})
		require.NoError(t, err)
	}
	_, err := e.workspaces.AddMember(ctx, e.admin, "ops", "bob@example.com", auth.RoleViewer)
	require.NoError(t, err)
	bob := e.identity(t, "bob@example.com")

	mine, err := e.workspaces.ListWorkspaces(ctx, bob)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "ops", mine[0].Slug)

	all, err := e.workspaces.ListWorkspaces(ctx, e.admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, e.workspaces.SetDefaultWorkspace(ctx, bob, "ops"))
	assert.ErrorIs(t, e.workspaces.SetDefaultWorkspace(ctx, bob, "board"), auth.ErrDenied)

	profile, err := e.workspaces.Profile(ctx, bob)
	require.NoError(t, err)
	require.Len(t, profile.Memberships, 1)
	assert.Equal(t, auth.RoleViewer, profile.Memberships[0].Role)
}

func TestTokenServiceOwnership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bob := e.identity(t, "bob@example.com")
	carol := e.identity(t, "carol@example.com")

	issued, err := e.tokens.Issue(ctx, bob, authz.IssueInput{Label: "laptop"})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.Equal(t, bob.UserID, issued.Metadata.OwnerUserID)

	_, err = e.tokens.Issue(ctx, bob, authz.IssueInput{OwnerEmail: "carol@example.com", Label: "sneaky"})
	assert.ErrorIs(t, err, auth.ErrDenied)

	_, err = e.tokens.Issue(ctx, e.admin, authz.IssueInput{OwnerEmail: "nobody@example.com", Label: "x"})
	assert.ErrorIs(t, err, auth.ErrInvalidOwner)

	expires := time.Now().Add(24 * time.Hour)
	forCarol, err := e.tokens.Issue(ctx, e.admin, authz.IssueInput{OwnerEmail: "carol@example.com", Label: "agent", ExpiresAt: &expires})
	require.NoError(t, err)

	assert.ErrorIs(t, e.tokens.Revoke(ctx, bob, forCarol.Metadata.ID), auth.ErrNotFound)
	require.NoError(t, e.tokens.Revoke(ctx, carol, forCarol.Metadata.ID))
	require.NoError(t, e.tokens.Revoke(ctx, e.admin, issued.Metadata.ID))

	_, err = e.tokens.List(ctx, bob, true)
	assert.ErrorIs(t, err, auth.ErrDenied)
	all, err := e.tokens.List(ctx, e.admin, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	for _, tok := range all {
		assert.False(t, tok.Active)
	}
}

func TestTokenIssueRolledBackWhenAuditFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bob := e.identity(t, "bob@example.com")

	e.store.SetAuditError(errors.New("unavailable"))
	_, err := e.tokens.Issue(ctx, bob, authz.IssueInput{Label: "laptop"})
	require.Error(t, err)
	e.store.SetAuditError(nil)

	tokens, err := e.tokens.List(ctx, bob, false)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestReadOnlyScopeCannotIssueTokens(t *testing.T) {
	e := newEnv(t)
	bob := e.identity(t, "bob@example.com")
	bob.Method = auth.MethodOAuth
	bob.Scopes = []string{auth.ScopeRead}
	_, err := e.tokens.Issue(context.Background(), bob, authz.IssueInput{Label: "x"})
	assert.ErrorIs(t, err, auth.ErrDenied)
}
