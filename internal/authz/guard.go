package authz

import (
	"context"
	"errors"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
)

// Recorder stores audit events; *audit.Writer satisfies it.
type Recorder interface {
	Record(ctx context.Context, ev audit.Event) error
}

// Action is one guarded unit of work inside a workspace.
type Action struct {
	Workspace  string
	Operation  auth.Operation
	EntityType string
	EntityID   string
	Detail     string
}

// Guard ties permission checks, the mutation and its audit row together.
// For writes the mutation and the audit append share one transaction, so
// an audit failure rolls the mutation back.
type Guard struct {
	resolver *auth.Resolver
	tx       auth.Transactor
	audit    Recorder
}

func NewGuard(resolver *auth.Resolver, tx auth.Transactor, rec Recorder) (*Guard, error) {
	if resolver == nil || tx == nil || rec == nil {
		return nil, errors.New("resolver, transactor and audit recorder are required")
	}
	return &Guard{resolver: resolver, tx: tx, audit: rec}, nil
}

// Resolver exposes the underlying resolver for read-only decisions.
func (g *Guard) Resolver() *auth.Resolver { return g.resolver }

// Do authorizes id for act, runs fn and records the outcome. fn may return
// the id of the entity it touched; it overrides act.EntityID when set.
func (g *Guard) Do(ctx context.Context, id auth.Identity, act Action, fn func(ctx context.Context, res auth.Resolution) (string, error)) (auth.Resolution, error) {
	res, err := g.resolver.Authorize(ctx, id, act.Workspace, act.Operation)
	if err != nil {
		return auth.Resolution{}, err
	}
	err = g.Audited(ctx, id, res.Workspace.ID, act, func(ctx context.Context) (string, error) {
		return fn(ctx, res)
	})
	if err != nil {
		return auth.Resolution{}, err
	}
	return res, nil
}

// Audited runs fn and records act without a workspace permission check.
// Callers are responsible for authorizing organisation-level actions.
func (g *Guard) Audited(ctx context.Context, id auth.Identity, workspaceID string, act Action, fn func(ctx context.Context) (string, error)) error {
	event := func(entityID string) audit.Event {
		if entityID == "" {
			entityID = act.EntityID
		}
		return audit.Event{
			UserEmail:   id.Email,
			WorkspaceID: workspaceID,
			Operation:   act.Operation.Kind,
			EntityType:  act.EntityType,
			EntityID:    entityID,
			Detail:      act.Detail,
			AuthMethod:  id.Method,
		}
	}
	if !act.Operation.IsWrite() {
		entityID, err := fn(ctx)
		if err != nil {
			return err
		}
		return g.audit.Record(ctx, event(entityID))
	}
	return g.tx.InTx(ctx, func(ctx context.Context) error {
		entityID, err := fn(ctx)
		if err != nil {
			return err
		}
		return g.audit.Record(ctx, event(entityID))
	})
}
