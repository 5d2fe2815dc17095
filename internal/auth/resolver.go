package auth

import (
	"context"
	"errors"
	"fmt"
)

// Resolution is the outcome of mapping an identity onto a workspace.
type Resolution struct {
	User      User      `json:"user"`
	Workspace Workspace `json:"workspace"`
	Role      Role      `json:"role"`
}

// Resolver maps verified identities to workspace roles. It fails closed:
// any lookup error denies.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) (*Resolver, error) {
	if dir == nil {
		return nil, errors.New("directory is required")
	}
	return &Resolver{dir: dir}, nil
}

// Resolve returns the effective role of id in the workspace named by ref
// (slug or id). Org-admins resolve to chair without a membership row.
// Unknown workspaces and missing memberships both yield ErrDenied.
func (r *Resolver) Resolve(ctx context.Context, id Identity, ref string) (Resolution, error) {
	if id.Method == MethodAdmin {
		// Operator identities come only from the admin CLI.
		ws, err := r.lookupWorkspace(ctx, ref)
		if err != nil {
			return Resolution{}, denyOnMissing(err, "load workspace")
		}
		return Resolution{User: User{Email: id.Email, IsOrgAdmin: true}, Workspace: ws, Role: RoleChair}, nil
	}
	if id.UserID == "" {
		return Resolution{}, ErrDenied
	}
	user, err := r.dir.GetUser(ctx, id.UserID)
	if err != nil {
		return Resolution{}, denyOnMissing(err, "load user")
	}
	ws, err := r.lookupWorkspace(ctx, ref)
	if err != nil {
		return Resolution{}, denyOnMissing(err, "load workspace")
	}
	res := Resolution{User: user, Workspace: ws}
	if user.IsOrgAdmin {
		res.Role = RoleChair
		return res, nil
	}
	m, err := r.dir.GetMembership(ctx, user.ID, ws.ID)
	if err != nil {
		return Resolution{}, denyOnMissing(err, "load membership")
	}
	if !m.Role.Valid() {
		return Resolution{}, ErrDenied
	}
	res.Role = m.Role
	return res, nil
}

// Authorize resolves id in ref and checks op against the role and the
// workspace state. Archived workspaces admit reads only.
func (r *Resolver) Authorize(ctx context.Context, id Identity, ref string, op Operation) (Resolution, error) {
	res, err := r.Resolve(ctx, id, ref)
	if err != nil {
		return Resolution{}, err
	}
	if op.IsWrite() {
		if res.Workspace.IsArchived {
			return Resolution{}, ErrWorkspaceArchived
		}
		if !id.CanWrite() {
			return Resolution{}, ErrDenied
		}
	}
	if !res.Role.AtLeast(op.MinRole) {
		return Resolution{}, ErrDenied
	}
	return res, nil
}

// ActiveWorkspace picks the workspace a request operates on: the explicit
// ref if given, else the user's default, else the installation default,
// else the user's first membership.
func (r *Resolver) ActiveWorkspace(ctx context.Context, id Identity, ref string) (Resolution, error) {
	if ref != "" {
		return r.Resolve(ctx, id, ref)
	}
	user, err := r.dir.GetUser(ctx, id.UserID)
	if err != nil {
		return Resolution{}, denyOnMissing(err, "load user")
	}
	if user.DefaultWorkspaceID != "" {
		if res, err := r.Resolve(ctx, id, user.DefaultWorkspaceID); err == nil {
			return res, nil
		} else if !errors.Is(err, ErrDenied) {
			return Resolution{}, err
		}
	}
	if ws, err := r.dir.DefaultWorkspace(ctx); err == nil {
		if res, err := r.Resolve(ctx, id, ws.ID); err == nil {
			return res, nil
		} else if !errors.Is(err, ErrDenied) {
			return Resolution{}, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Resolution{}, fmt.Errorf("load default workspace: %w", err)
	}
	memberships, err := r.dir.ListMemberships(ctx, user.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("list memberships: %w", err)
	}
	for _, m := range memberships {
		if res, err := r.Resolve(ctx, id, m.WorkspaceID); err == nil {
			return res, nil
		}
	}
	return Resolution{}, ErrDenied
}

func (r *Resolver) lookupWorkspace(ctx context.Context, ref string) (Workspace, error) {
	if ref == "" {
		return Workspace{}, ErrNotFound
	}
	ws, err := r.dir.GetWorkspace(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return r.dir.GetWorkspaceByID(ctx, ref)
	}
	return ws, err
}

func denyOnMissing(err error, what string) error {
	if errors.Is(err, ErrNotFound) {
		return ErrDenied
	}
	return fmt.Errorf("%s: %w", what, err)
}
