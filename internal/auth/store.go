package auth

import "context"

// Directory persists workspaces, users and memberships.
type Directory interface {
	CreateWorkspace(ctx context.Context, ws Workspace) (Workspace, error)
	GetWorkspace(ctx context.Context, slug string) (Workspace, error)
	GetWorkspaceByID(ctx context.Context, id string) (Workspace, error)
	DefaultWorkspace(ctx context.Context) (Workspace, error)
	ListWorkspaces(ctx context.Context, includeArchived bool) ([]Workspace, error)
	ArchiveWorkspace(ctx context.Context, slug string) (Workspace, error)

	UpsertUser(ctx context.Context, email, displayName string) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SetOrgAdmin(ctx context.Context, userID string, admin bool) (User, error)
	SetDefaultWorkspace(ctx context.Context, userID, workspaceID string) error

	PutMembership(ctx context.Context, userID, workspaceID string, role Role) (Membership, error)
	GetMembership(ctx context.Context, userID, workspaceID string) (Membership, error)
	DeleteMembership(ctx context.Context, userID, workspaceID string) error
	ListMembers(ctx context.Context, workspaceID string) ([]Member, error)
	ListMemberships(ctx context.Context, userID string) ([]Membership, error)
}

// Transactor runs fn so that every store call made with the context it
// receives commits or rolls back together.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
