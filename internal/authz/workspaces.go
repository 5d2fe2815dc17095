package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
)

// opViewAudit is a read that only chairs may perform.
var opViewAudit = auth.Operation{Kind: auth.KindRead, MinRole: auth.RoleChair}

// WorkspaceService is the administrative surface over workspaces, users and
// memberships. Every mutation goes through the Guard.
type WorkspaceService struct {
	dir   auth.Directory
	guard *Guard
	audit *audit.Writer
}

func NewWorkspaceService(dir auth.Directory, guard *Guard, auditLog *audit.Writer) (*WorkspaceService, error) {
	if dir == nil || guard == nil || auditLog == nil {
		return nil, errors.New("directory, guard and audit writer are required")
	}
	return &WorkspaceService{dir: dir, guard: guard, audit: auditLog}, nil
}

// CreateWorkspaceInput describes a new workspace.
type CreateWorkspaceInput struct {
	Slug         string `json:"slug"`
	DisplayName  string `json:"display_name"`
	BackingStore string `json:"backing_store,omitempty"`
	IsDefault    bool   `json:"is_default,omitempty"`
}

// MembershipView is a workspace the caller belongs to, with the role held.
type MembershipView struct {
	Workspace auth.Workspace `json:"workspace"`
	Role      auth.Role      `json:"role"`
}

// Profile is the caller's own view of their account.
type Profile struct {
	Identity    auth.Identity    `json:"identity"`
	User        auth.User        `json:"user"`
	Memberships []MembershipView `json:"memberships"`
}

func (s *WorkspaceService) requireOrgAdmin(ctx context.Context, id auth.Identity) error {
	if id.Method == auth.MethodAdmin {
		return nil
	}
	if id.UserID == "" {
		return auth.ErrDenied
	}
	u, err := s.dir.GetUser(ctx, id.UserID)
	if errors.Is(err, auth.ErrNotFound) {
		return auth.ErrDenied
	}
	if err != nil {
		return err
	}
	if !u.IsOrgAdmin || !id.CanWrite() {
		return auth.ErrDenied
	}
	return nil
}

func (s *WorkspaceService) CreateWorkspace(ctx context.Context, id auth.Identity, in CreateWorkspaceInput) (auth.Workspace, error) {
	if err := s.requireOrgAdmin(ctx, id); err != nil {
		return auth.Workspace{}, err
	}
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	if !auth.ValidSlug(slug) {
		return auth.Workspace{}, fmt.Errorf("%w: slug must be 2-40 characters of a-z, 0-9 and -", auth.ErrInvalidInput)
	}
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		return auth.Workspace{}, fmt.Errorf("%w: display name is required", auth.ErrInvalidInput)
	}
	backing := strings.TrimSpace(in.BackingStore)
	if backing == "" {
		backing = auth.BackingStoreName(slug)
	}

	var created auth.Workspace
	err := s.guard.Audited(ctx, id, "", Action{
		Operation:  auth.OpCreate,
		EntityType: "workspace",
		Detail:     "created workspace " + slug,
	}, func(ctx context.Context) (string, error) {
		ws, err := s.dir.CreateWorkspace(ctx, auth.Workspace{
			Slug:         slug,
			DisplayName:  name,
			BackingStore: backing,
			IsDefault:    in.IsDefault,
		})
		if err != nil {
			return "", err
		}
		created = ws
		return ws.ID, nil
	})
	return created, err
}

// ArchiveWorkspace makes a workspace read-only. There is no hard delete.
func (s *WorkspaceService) ArchiveWorkspace(ctx context.Context, id auth.Identity, slug string) (auth.Workspace, error) {
	if err := s.requireOrgAdmin(ctx, id); err != nil {
		return auth.Workspace{}, err
	}
	var archived auth.Workspace
	err := s.guard.Audited(ctx, id, "", Action{
		Operation:  auth.OpUpdate,
		EntityType: "workspace",
		Detail:     "archived workspace " + slug,
	}, func(ctx context.Context) (string, error) {
		ws, err := s.dir.ArchiveWorkspace(ctx, slug)
		if err != nil {
			return "", err
		}
		archived = ws
		return ws.ID, nil
	})
	return archived, err
}

// ListWorkspaces returns every workspace to org-admins and the caller's own
// workspaces to everyone else.
func (s *WorkspaceService) ListWorkspaces(ctx context.Context, id auth.Identity) ([]auth.Workspace, error) {
	if err := s.requireOrgAdmin(ctx, id); err == nil {
		return s.dir.ListWorkspaces(ctx, true)
	} else if !errors.Is(err, auth.ErrDenied) {
		return nil, err
	}
	profile, err := s.Profile(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]auth.Workspace, 0, len(profile.Memberships))
	for _, m := range profile.Memberships {
		out = append(out, m.Workspace)
	}
	return out, nil
}

// Profile resolves the caller's user record and memberships.
func (s *WorkspaceService) Profile(ctx context.Context, id auth.Identity) (Profile, error) {
	user, err := s.dir.GetUser(ctx, id.UserID)
	if errors.Is(err, auth.ErrNotFound) {
		return Profile{}, auth.ErrDenied
	}
	if err != nil {
		return Profile{}, err
	}
	memberships, err := s.dir.ListMemberships(ctx, user.ID)
	if err != nil {
		return Profile{}, err
	}
	p := Profile{Identity: id, User: user, Memberships: []MembershipView{}}
	for _, m := range memberships {
		ws, err := s.dir.GetWorkspaceByID(ctx, m.WorkspaceID)
		if err != nil {
			return Profile{}, err
		}
		p.Memberships = append(p.Memberships, MembershipView{Workspace: ws, Role: m.Role})
	}
	return p, nil
}

// AddMember grants email a role in slug, creating the user if needed. An
// existing membership has its role replaced.
func (s *WorkspaceService) AddMember(ctx context.Context, id auth.Identity, slug, email string, role auth.Role) (auth.Member, error) {
	email = auth.NormalizeEmail(email)
	if !strings.Contains(email, "@") {
		return auth.Member{}, fmt.Errorf("%w: a valid email is required", auth.ErrInvalidInput)
	}
	if !role.Valid() {
		return auth.Member{}, fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, role)
	}
	var member auth.Member
	_, err := s.guard.Do(ctx, id, Action{
		Workspace:  slug,
		Operation:  auth.OpManageMembers,
		EntityType: "membership",
		Detail:     fmt.Sprintf("set %s as %s", email, role),
	}, func(ctx context.Context, res auth.Resolution) (string, error) {
		user, err := s.dir.UpsertUser(ctx, email, "")
		if err != nil {
			return "", err
		}
		m, err := s.dir.PutMembership(ctx, user.ID, res.Workspace.ID, role)
		if err != nil {
			return "", err
		}
		member = auth.Member{Membership: m, Email: user.Email, DisplayName: user.DisplayName}
		return user.ID, nil
	})
	return member, err
}

// UpdateMemberRole changes the role of an existing member.
func (s *WorkspaceService) UpdateMemberRole(ctx context.Context, id auth.Identity, slug, email string, role auth.Role) (auth.Member, error) {
	if !role.Valid() {
		return auth.Member{}, fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, role)
	}
	email = auth.NormalizeEmail(email)
	var member auth.Member
	_, err := s.guard.Do(ctx, id, Action{
		Workspace:  slug,
		Operation:  auth.OpManageMembers,
		EntityType: "membership",
		Detail:     fmt.Sprintf("changed %s to %s", email, role),
	}, func(ctx context.Context, res auth.Resolution) (string, error) {
		user, err := s.dir.GetUserByEmail(ctx, email)
		if err != nil {
			return "", err
		}
		if _, err := s.dir.GetMembership(ctx, user.ID, res.Workspace.ID); err != nil {
			return "", err
		}
		m, err := s.dir.PutMembership(ctx, user.ID, res.Workspace.ID, role)
		if err != nil {
			return "", err
		}
		member = auth.Member{Membership: m, Email: user.Email, DisplayName: user.DisplayName}
		return user.ID, nil
	})
	return member, err
}

// RemoveMember deletes a membership. The user record is kept.
func (s *WorkspaceService) RemoveMember(ctx context.Context, id auth.Identity, slug, email string) error {
	email = auth.NormalizeEmail(email)
	_, err := s.guard.Do(ctx, id, Action{
		Workspace:  slug,
		Operation:  auth.Operation{Kind: auth.KindDelete, MinRole: auth.RoleChair},
		EntityType: "membership",
		Detail:     "removed " + email,
	}, func(ctx context.Context, res auth.Resolution) (string, error) {
		user, err := s.dir.GetUserByEmail(ctx, email)
		if err != nil {
			return "", err
		}
		return user.ID, s.dir.DeleteMembership(ctx, user.ID, res.Workspace.ID)
	})
	return err
}

func (s *WorkspaceService) ListMembers(ctx context.Context, id auth.Identity, slug string) ([]auth.Member, error) {
	var members []auth.Member
	_, err := s.guard.Do(ctx, id, Action{
		Workspace:  slug,
		Operation:  auth.OpRead,
		EntityType: "membership",
		Detail:     "listed members",
	}, func(ctx context.Context, res auth.Resolution) (string, error) {
		var err error
		members, err = s.dir.ListMembers(ctx, res.Workspace.ID)
		return "", err
	})
	return members, err
}

// AuditLog returns the workspace's audit trail to its chairs.
func (s *WorkspaceService) AuditLog(ctx context.Context, id auth.Identity, slug string, f audit.Filter) ([]audit.Event, error) {
	var events []audit.Event
	_, err := s.guard.Do(ctx, id, Action{
		Workspace:  slug,
		Operation:  opViewAudit,
		EntityType: "audit_log",
		Detail:     "viewed audit log",
	}, func(ctx context.Context, res auth.Resolution) (string, error) {
		f.WorkspaceID = res.Workspace.ID
		var err error
		events, err = s.audit.List(ctx, f)
		return "", err
	})
	return events, err
}

// SetOrgAdmin grants or removes organisation-wide administration.
func (s *WorkspaceService) SetOrgAdmin(ctx context.Context, id auth.Identity, email string, admin bool) (auth.User, error) {
	if err := s.requireOrgAdmin(ctx, id); err != nil {
		return auth.User{}, err
	}
	email = auth.NormalizeEmail(email)
	var updated auth.User
	err := s.guard.Audited(ctx, id, "", Action{
		Operation:  auth.OpUpdate,
		EntityType: "user",
		Detail:     fmt.Sprintf("set org admin=%t for %s", admin, email),
	}, func(ctx context.Context) (string, error) {
		user, err := s.dir.UpsertUser(ctx, email, "")
		if err != nil {
			return "", err
		}
		updated, err = s.dir.SetOrgAdmin(ctx, user.ID, admin)
		return user.ID, err
	})
	return updated, err
}

func (s *WorkspaceService) ListUsers(ctx context.Context, id auth.Identity) ([]auth.User, error) {
	if err := s.requireOrgAdmin(ctx, id); err != nil {
		return nil, err
	}
	return s.dir.ListUsers(ctx)
}

// SetDefaultWorkspace records the caller's preferred workspace.
func (s *WorkspaceService) SetDefaultWorkspace(ctx context.Context, id auth.Identity, slug string) error {
	res, err := s.guard.Resolver().Resolve(ctx, id, slug)
	if err != nil {
		return err
	}
	return s.guard.Audited(ctx, id, res.Workspace.ID, Action{
		Operation:  auth.OpUpdate,
		EntityType: "user",
		EntityID:   res.User.ID,
		Detail:     "default workspace set to " + res.Workspace.Slug,
	}, func(ctx context.Context) (string, error) {
		return res.User.ID, s.dir.SetDefaultWorkspace(ctx, res.User.ID, res.Workspace.ID)
	})
}
