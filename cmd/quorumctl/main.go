// Command quorumctl is the operator CLI. It talks to the database directly
// and acts with an admin identity, so it is the way to bootstrap the first
// org-admin and recover access when no token is left.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
	"quorum.app/internal/authz"
	"quorum.app/internal/oauth"
	"quorum.app/internal/obs"
	"quorum.app/internal/session"
	"quorum.app/internal/statictoken"
	"quorum.app/internal/store/pg"
)

var version = "dev"

// backend is everything the CLI touches; both the Postgres and the
// in-memory store satisfy it.
type backend interface {
	auth.Directory
	auth.Transactor
	audit.Store
	statictoken.Store
	oauth.Store
	session.Store
	Close() error
}

type opener func(ctx context.Context, dsn string) (backend, error)

func openPostgres(ctx context.Context, dsn string) (backend, error) {
	store, err := pg.Open(dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1, ConnMaxLifetime: time.Minute})
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return store, nil
}

// app holds the services a command runs against.
type app struct {
	store      backend
	writer     *audit.Writer
	authority  *statictoken.Authority
	workspaces *authz.WorkspaceService
	tokens     *authz.TokenService
	operator   auth.Identity
}

func newApp(store backend, operator string) (*app, error) {
	resolver, err := auth.NewResolver(store)
	if err != nil {
		return nil, err
	}
	writer, err := audit.NewWriter(store)
	if err != nil {
		return nil, err
	}
	guard, err := authz.NewGuard(resolver, store, writer)
	if err != nil {
		writer.Close()
		return nil, err
	}
	workspaces, err := authz.NewWorkspaceService(store, guard, writer)
	if err != nil {
		writer.Close()
		return nil, err
	}
	authority, err := statictoken.NewAuthority(store, store)
	if err != nil {
		writer.Close()
		return nil, err
	}
	tokens, err := authz.NewTokenService(store, guard, authority)
	if err != nil {
		authority.Close()
		writer.Close()
		return nil, err
	}
	return &app{
		store:      store,
		writer:     writer,
		authority:  authority,
		workspaces: workspaces,
		tokens:     tokens,
		operator:   auth.Identity{Email: auth.NormalizeEmail(operator), Method: auth.MethodAdmin},
	}, nil
}

func (a *app) Close() {
	a.authority.Close()
	a.writer.Close()
	_ = a.store.Close()
}

type cli struct {
	open     opener
	dsn      string
	operator string
	timeout  time.Duration
}

// run opens the store, builds the services and calls fn with a bounded context.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	if c.dsn == "" {
		return errors.New("missing DSN: provide via --dsn or DATABASE_URL")
	}
	if c.operator == "" {
		return errors.New("missing operator: provide via --operator or QUORUM_OPERATOR")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	store, err := c.open(ctx, c.dsn)
	if err != nil {
		return err
	}
	a, err := newApp(store, c.operator)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:   "quorumctl",
		Short: "Administer quorum workspaces, members and tokens",
		Long: `quorumctl administers a quorum installation directly against its
database. Every change is recorded in the audit log under the operator email.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "quorumctl version %s\n" .Version}}`)
	root.PersistentFlags().StringVar(&c.dsn, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
	root.PersistentFlags().StringVar(&c.operator, "operator", os.Getenv("QUORUM_OPERATOR"), "Email recorded as the actor in the audit log")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Overall timeout")

	root.AddCommand(
		newWorkspaceCmd(c),
		newMemberCmd(c),
		newUserCmd(c),
		newTokenCmd(c),
		newAuditCmd(c),
		newPurgeCmd(c),
	)
	return root
}

func main() {
	_ = godotenv.Load()
	// Command output goes to stdout; keep logs on stderr and quiet.
	obs.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err := newRootCmd(openPostgres).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
