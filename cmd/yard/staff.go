package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipyard/internal/app"
	"shipyard/internal/domain"
	"shipyard/internal/server"
)

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage reviewers and staff"}
	u.AddCommand(userAddCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userWhoamiCmd())
	u.AddCommand(userAPIKeyCmd())
	u.AddCommand(userTokenCmd())
	return u
}

func userAddCmd() *cobra.Command {
	var u domain.User
	var inactive bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Active = !inactive
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				saved, err := a.Engine.UpsertUser(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id")
	cmd.Flags().StringVar(&u.Username, "username", "", "display name")
	cmd.Flags().StringVar(&u.Role, "role", "shipwright", "role")
	cmd.Flags().StringSliceVar(&u.Skills, "skills", nil, "reviewer skills")
	cmd.Flags().Float64Var(&u.Multiplier, "multiplier", 1, "personal payout multiplier")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "exclude from routing")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func userListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.Repo.ListUsers(ctx, nil, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Username", "Role", "Skills", "Active", "Balance", "Streak")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.Role, strings.Join(u.Skills, ", "), u.Active, fmt.Sprintf("%.1f", u.Balance), u.Streak})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active users")
	return cmd
}

func userWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting user and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, perms, err := a.Engine.Principal(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"user": u, "permissions": perms.List()})
			})
		},
	}
}

func userAPIKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Issue, list and revoke API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Issue an API key; the key is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issued, err := a.Engine.IssueAPIKey(ctx, actor, args[0], name)
				if err != nil {
					return err
				}
				return printJSONOrTable(issued)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	k.AddCommand(create)

	var all bool
	list := &cobra.Command{
		Use:   "list [user-id]",
		Short: "List API keys; without a user, every key (certs_admin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			owner := ""
			if len(args) == 1 {
				owner = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx, actor, owner, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "User", "Name", "Created", "Revoked")
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt, str(key.RevokedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include revoked keys")
	k.AddCommand(list)

	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Disable an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, err := a.Engine.RevokeAPIKey(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(key)
			})
		},
	})
	return k
}

func userTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token signed with SHIPYARD_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	return cmd
}

func channelCmd() *cobra.Command {
	c := &cobra.Command{Use: "channel", Short: "Manage notification channels"}
	var recipient, url string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a shoutrrr URL for a recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetUser(ctx, nil, recipient); err != nil {
					return fmt.Errorf("user %s: %w", recipient, err)
				}
				ch := domain.NotificationChannel{
					RecipientID: recipient,
					URL:         url,
					Active:      true,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Engine.Repo.InsertChannel(ctx, ch); err != nil {
					return err
				}
				fmt.Println("channel added for", recipient)
				return nil
			})
		},
	}
	add.Flags().StringVar(&recipient, "recipient", "", "user id")
	add.Flags().StringVar(&url, "url", "", "shoutrrr service url, e.g. slack://token@channel")
	_ = add.MarkFlagRequired("recipient")
	_ = add.MarkFlagRequired("url")
	c.AddCommand(add)

	c.AddCommand(&cobra.Command{
		Use:   "list <user-id>",
		Short: "List active channels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				chs, err := a.Engine.Repo.ActiveChannels(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chs)
				}
				tw := newTable("ID", "Recipient", "URL", "Created")
				for _, ch := range chs {
					tw.AppendRow(table.Row{ch.ID, ch.RecipientID, redactURL(ch.URL), ch.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	c.AddCommand(&cobra.Command{
		Use:   "remove <channel-id>",
		Short: "Deactivate a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeactivateChannel(ctx, id)
			})
		},
	})
	return c
}

// redactURL keeps the service scheme of a channel URL.
func redactURL(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[:i+3] + "…"
	}
	return "…"
}
