package pg

import (
	"context"
	"database/sql"

	"quorum.app/internal/audit"
)

var _ audit.Store = (*Store)(nil)

// AppendAudit inserts one row. Inside InTx it shares the caller's transaction.
func (s *Store) AppendAudit(ctx context.Context, ev audit.Event) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into audit_log (id, user_email, workspace_id, operation, entity_type, entity_id, detail, auth_method, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.UserEmail, nullIfEmpty(ev.WorkspaceID), string(ev.Operation), ev.EntityType,
		nullIfEmpty(ev.EntityID), nullIfEmpty(ev.Detail), string(ev.AuthMethod), ev.OccurredAt.UTC())
	return err
}

func (s *Store) ListAudit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var before sql.NullTime
	if !f.Before.IsZero() {
		before = sql.NullTime{Time: f.Before.UTC(), Valid: true}
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		select id, user_email, workspace_id, operation, entity_type, entity_id, detail, auth_method, occurred_at
		from audit_log
		where ($1::text is null or workspace_id = $1)
		  and ($2::timestamptz is null or occurred_at < $2)
		order by occurred_at desc, id desc
		limit $3
	`, nullIfEmpty(f.WorkspaceID), before, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Event
	for rows.Next() {
		var (
			ev                          audit.Event
			workspaceID, entity, detail sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.UserEmail, &workspaceID, &ev.Operation, &ev.EntityType,
			&entity, &detail, &ev.AuthMethod, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.WorkspaceID = workspaceID.String
		ev.EntityID = entity.String
		ev.Detail = detail.String
		out = append(out, ev)
	}
	return out, rows.Err()
}
