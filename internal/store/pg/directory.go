package pg

import (
	"context"
	"database/sql"
	"time"

	"quorum.app/internal/auth"
	"quorum.app/internal/ids"
)

var _ auth.Directory = (*Store)(nil)

const workspaceColumns = `id, slug, display_name, backing_store, is_default, is_archived, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (auth.Workspace, error) {
	var ws auth.Workspace
	err := row.Scan(&ws.ID, &ws.Slug, &ws.DisplayName, &ws.BackingStore, &ws.IsDefault, &ws.IsArchived, &ws.CreatedAt, &ws.UpdatedAt)
	return ws, err
}

func (s *Store) CreateWorkspace(ctx context.Context, ws auth.Workspace) (auth.Workspace, error) {
	if ws.ID == "" {
		ws.ID = ids.New()
	}
	create := func(ctx context.Context) error {
		q := s.q(ctx)
		if ws.IsDefault {
			if _, err := q.ExecContext(ctx, `
				update workspaces set is_default = false, updated_at = now()
				where is_default
			`); err != nil {
				return err
			}
		}
		var err error
		ws, err = scanWorkspace(q.QueryRowContext(ctx, `
			insert into workspaces (id, slug, display_name, backing_store, is_default)
			values ($1, $2, $3, $4, $5)
			returning `+workspaceColumns,
			ws.ID, ws.Slug, ws.DisplayName, ws.BackingStore, ws.IsDefault))
		if isUniqueViolation(err) {
			return auth.ErrConflict
		}
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var err error
	if ws.IsDefault {
		// Moving the default flag takes two statements.
		err = s.InTx(ctx, create)
	} else {
		err = create(ctx)
	}
	if err != nil {
		return auth.Workspace{}, err
	}
	return ws, nil
}

func (s *Store) GetWorkspace(ctx context.Context, slug string) (auth.Workspace, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ws, err := scanWorkspace(s.q(ctx).QueryRowContext(ctx, `
		select `+workspaceColumns+` from workspaces where slug = $1
	`, slug))
	return ws, notFound(err)
}

func (s *Store) GetWorkspaceByID(ctx context.Context, id string) (auth.Workspace, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ws, err := scanWorkspace(s.q(ctx).QueryRowContext(ctx, `
		select `+workspaceColumns+` from workspaces where id = $1
	`, id))
	return ws, notFound(err)
}

func (s *Store) DefaultWorkspace(ctx context.Context) (auth.Workspace, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ws, err := scanWorkspace(s.q(ctx).QueryRowContext(ctx, `
		select `+workspaceColumns+` from workspaces where is_default
	`))
	return ws, notFound(err)
}

func (s *Store) ListWorkspaces(ctx context.Context, includeArchived bool) ([]auth.Workspace, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.q(ctx).QueryContext(ctx, `
		select `+workspaceColumns+` from workspaces
		where $1 or not is_archived
		order by slug
	`, includeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *Store) ArchiveWorkspace(ctx context.Context, slug string) (auth.Workspace, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ws, err := scanWorkspace(s.q(ctx).QueryRowContext(ctx, `
		update workspaces
		set is_archived = true,
		    updated_at = case when is_archived then updated_at else now() end
		where slug = $1
		returning `+workspaceColumns,
		slug))
	return ws, notFound(err)
}

const userColumns = `id, email, display_name, is_org_admin, default_workspace_id, created_at, updated_at`

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u   auth.User
		def sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.IsOrgAdmin, &def, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return auth.User{}, err
	}
	u.DefaultWorkspaceID = def.String
	return u, nil
}

// UpsertUser creates the user or, when displayName is set, refreshes it.
func (s *Store) UpsertUser(ctx context.Context, email, displayName string) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanUser(s.q(ctx).QueryRowContext(ctx, `
		insert into users (id, email, display_name)
		values ($1, $2, $3)
		on conflict (email) do update
		set display_name = case when excluded.display_name = '' then users.display_name else excluded.display_name end,
		    updated_at = case when excluded.display_name = '' or excluded.display_name = users.display_name
		                      then users.updated_at else now() end
		returning `+userColumns,
		ids.New(), auth.NormalizeEmail(email), displayName))
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u, err := scanUser(s.q(ctx).QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	return u, notFound(err)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u, err := scanUser(s.q(ctx).QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, auth.NormalizeEmail(email)))
	return u, notFound(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.q(ctx).QueryContext(ctx, `select `+userColumns+` from users order by email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) SetOrgAdmin(ctx context.Context, userID string, admin bool) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u, err := scanUser(s.q(ctx).QueryRowContext(ctx, `
		update users set is_org_admin = $2, updated_at = now()
		where id = $1
		returning `+userColumns,
		userID, admin))
	return u, notFound(err)
}

func (s *Store) SetDefaultWorkspace(ctx context.Context, userID, workspaceID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.q(ctx).ExecContext(ctx, `
		update users set default_workspace_id = $2, updated_at = now()
		where id = $1
	`, userID, nullIfEmpty(workspaceID))
	if isForeignKeyViolation(err) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) PutMembership(ctx context.Context, userID, workspaceID string, role auth.Role) (auth.Membership, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	m := auth.Membership{UserID: userID, WorkspaceID: workspaceID}
	err := s.q(ctx).QueryRowContext(ctx, `
		insert into memberships (user_id, workspace_id, role)
		values ($1, $2, $3)
		on conflict (user_id, workspace_id) do update set role = excluded.role
		returning role, created_at
	`, userID, workspaceID, string(role)).Scan(&m.Role, &m.CreatedAt)
	if isForeignKeyViolation(err) {
		return auth.Membership{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Membership{}, err
	}
	return m, nil
}

func (s *Store) GetMembership(ctx context.Context, userID, workspaceID string) (auth.Membership, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	m := auth.Membership{UserID: userID, WorkspaceID: workspaceID}
	err := s.q(ctx).QueryRowContext(ctx, `
		select role, created_at from memberships
		where user_id = $1 and workspace_id = $2
	`, userID, workspaceID).Scan(&m.Role, &m.CreatedAt)
	if err != nil {
		return auth.Membership{}, notFound(err)
	}
	return m, nil
}

func (s *Store) DeleteMembership(ctx context.Context, userID, workspaceID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.q(ctx).ExecContext(ctx, `
		delete from memberships where user_id = $1 and workspace_id = $2
	`, userID, workspaceID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) ListMembers(ctx context.Context, workspaceID string) ([]auth.Member, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.q(ctx).QueryContext(ctx, `
		select m.user_id, m.workspace_id, m.role, m.created_at, u.email, u.display_name
		from memberships m
		join users u on u.id = m.user_id
		where m.workspace_id = $1
		order by u.email
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Member
	for rows.Next() {
		var m auth.Member
		if err := rows.Scan(&m.UserID, &m.WorkspaceID, &m.Role, &m.CreatedAt, &m.Email, &m.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListMemberships(ctx context.Context, userID string) ([]auth.Membership, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.q(ctx).QueryContext(ctx, `
		select user_id, workspace_id, role, created_at
		from memberships
		where user_id = $1
		order by created_at, workspace_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Membership
	for rows.Next() {
		var m auth.Membership
		if err := rows.Scan(&m.UserID, &m.WorkspaceID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// purgeBefore is shared by the expiry sweeps.
func (s *Store) purgeBefore(ctx context.Context, query string, at time.Time) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, query, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
