package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
	"quorum.app/internal/authz"
	"quorum.app/internal/statictoken"
)

// consumedRetention keeps refresh-token consumption rows for one full
// refresh lifetime so reuse is still detected.
const consumedRetention = 30*24*time.Hour + time.Hour

func table(w io.Writer, header string, rows func(tw *tabwriter.Writer)) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	rows(tw)
	return tw.Flush()
}

func newWorkspaceCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}

	var in authz.CreateWorkspaceInput
	create := &cobra.Command{
		Use:   "create SLUG",
		Short: "Create a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Slug = args[0]
			return c.run(cmd, func(ctx context.Context, a *app) error {
				ws, err := a.workspaces.CreateWorkspace(ctx, a.operator, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created workspace %s (%s) backed by %s\n", ws.Slug, ws.ID, ws.BackingStore)
				return nil
			})
		},
	}
	create.Flags().StringVar(&in.DisplayName, "name", "", "Display name")
	create.Flags().StringVar(&in.BackingStore, "backing-store", "", "Data partition name (derived from the slug when empty)")
	create.Flags().BoolVar(&in.IsDefault, "default", false, "Make this the installation default")
	_ = create.MarkFlagRequired("name")

	archive := &cobra.Command{
		Use:   "archive SLUG",
		Short: "Make a workspace read-only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				ws, err := a.workspaces.ArchiveWorkspace(ctx, a.operator, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "archived workspace %s\n", ws.Slug)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List workspaces, archived included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				list, err := a.workspaces.ListWorkspaces(ctx, a.operator)
				if err != nil {
					return err
				}
				return table(cmd.OutOrStdout(), "SLUG\tNAME\tBACKING STORE\tDEFAULT\tARCHIVED", func(tw *tabwriter.Writer) {
					for _, ws := range list {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\n", ws.Slug, ws.DisplayName, ws.BackingStore, ws.IsDefault, ws.IsArchived)
					}
				})
			})
		},
	}

	cmd.AddCommand(create, archive, list)
	return cmd
}

func newMemberCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage workspace memberships"}

	var role string
	add := &cobra.Command{
		Use:   "add SLUG EMAIL",
		Short: "Grant a role in a workspace, creating the user if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				m, err := a.workspaces.AddMember(ctx, a.operator, args[0], args[1], r)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is %s in %s\n", m.Email, m.Role, args[0])
				return nil
			})
		},
	}
	add.Flags().StringVar(&role, "role", string(auth.RoleMember), "viewer, member or chair")

	remove := &cobra.Command{
		Use:   "remove SLUG EMAIL",
		Short: "Remove a membership",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				if err := a.workspaces.RemoveMember(ctx, a.operator, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list SLUG",
		Short: "List the members of a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				members, err := a.workspaces.ListMembers(ctx, a.operator, args[0])
				if err != nil {
					return err
				}
				return table(cmd.OutOrStdout(), "EMAIL\tROLE\tSINCE", func(tw *tabwriter.Writer) {
					for _, m := range members {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Email, m.Role, m.CreatedAt.Format(time.RFC3339))
					}
				})
			})
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func newUserCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				users, err := a.workspaces.ListUsers(ctx, a.operator)
				if err != nil {
					return err
				}
				return table(cmd.OutOrStdout(), "EMAIL\tNAME\tORG ADMIN", func(tw *tabwriter.Writer) {
					for _, u := range users {
						fmt.Fprintf(tw, "%s\t%s\t%t\n", u.Email, u.DisplayName, u.IsOrgAdmin)
					}
				})
			})
		},
	}

	setAdmin := func(use, short string, admin bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " EMAIL",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, a *app) error {
					u, err := a.workspaces.SetOrgAdmin(ctx, a.operator, args[0], admin)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s org admin: %t\n", u.Email, u.IsOrgAdmin)
					return nil
				})
			},
		}
	}

	cmd.AddCommand(list,
		setAdmin("promote", "Grant org-admin, creating the user if needed", true),
		setAdmin("demote", "Remove org-admin", false),
	)
	return cmd
}

func newTokenCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage static API tokens"}

	var (
		in        authz.IssueInput
		expiresIn time.Duration
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a token; the secret is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn).UTC()
				in.ExpiresAt = &at
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				issued, err := a.tokens.Issue(ctx, a.operator, in)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "token id: %s\nowner:    %s\n", issued.Metadata.ID, issued.Metadata.OwnerEmail)
				fmt.Fprintln(out, issued.Token)
				return nil
			})
		},
	}
	create.Flags().StringVar(&in.OwnerEmail, "owner", "", "Email of the token owner")
	create.Flags().StringVar(&in.Label, "label", "", "Human-readable label")
	create.Flags().StringVar(&in.Notes, "notes", "", "Free-form notes")
	create.Flags().DurationVar(&expiresIn, "expires-in", 0, "Lifetime; zero never expires")
	_ = create.MarkFlagRequired("owner")
	_ = create.MarkFlagRequired("label")

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tokens, optionally for one owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				var (
					tokens []statictoken.Token
					err    error
				)
				if owner == "" {
					tokens, err = a.tokens.List(ctx, a.operator, true)
				} else {
					var u auth.User
					if u, err = a.store.GetUserByEmail(ctx, auth.NormalizeEmail(owner)); err != nil {
						return err
					}
					tokens, err = a.authority.List(ctx, u.ID)
				}
				if err != nil {
					return err
				}
				return table(cmd.OutOrStdout(), "ID\tOWNER\tLABEL\tACTIVE\tEXPIRES\tLAST USED", func(tw *tabwriter.Writer) {
					for _, t := range tokens {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", t.ID, t.OwnerEmail, t.Label, t.Active, timeOrDash(t.ExpiresAt), timeOrDash(t.LastUsedAt))
					}
				})
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "Only tokens owned by this email")

	revoke := &cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				if err := a.tokens.Revoke(ctx, a.operator, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked token %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func newAuditCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit SLUG",
		Short: "Show a workspace's audit trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				events, err := a.workspaces.AuditLog(ctx, a.operator, args[0], audit.Filter{Limit: limit})
				if err != nil {
					return err
				}
				return table(cmd.OutOrStdout(), "WHEN\tWHO\tVIA\tOP\tENTITY\tDETAIL", func(tw *tabwriter.Writer) {
					for _, ev := range events {
						entity := ev.EntityType
						if ev.EntityID != "" {
							entity += "/" + ev.EntityID
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
							ev.OccurredAt.Format(time.RFC3339), ev.UserEmail, ev.AuthMethod, ev.Operation, entity, strconv.Quote(ev.Detail))
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events to show")
	return cmd
}

func newPurgeCmd(c *cli) *cobra.Command {
	retention := consumedRetention
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired codes, sessions and stale refresh-token records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				now := time.Now().UTC()
				stats, err := a.store.PurgeOAuth(ctx, now, now.Add(-retention))
				if err != nil {
					return err
				}
				sessions, err := a.store.DeleteExpiredSessions(ctx, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d codes, %d refresh records, %d denied tokens, %d sessions\n",
					stats.Codes, stats.RefreshUses, stats.DeniedTokens, sessions)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", retention, "Keep refresh-token consumption records this long; at least the refresh token lifetime")
	return cmd
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
