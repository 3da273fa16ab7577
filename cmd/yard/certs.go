package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipyard/internal/app"
	"shipyard/internal/domain"
	"shipyard/internal/engine"
	"shipyard/internal/engine/auth"
	"shipyard/internal/repo"
)

func certCmd() *cobra.Command {
	c := &cobra.Command{
		Use:     "cert",
		Aliases: []string{"certification"},
		Short:   "Review ship certifications",
	}
	c.AddCommand(certListCmd())
	c.AddCommand(certShowCmd())
	c.AddCommand(certSubmitCmd())
	c.AddCommand(certClaimCmd())
	c.AddCommand(certReleaseCmd())
	c.AddCommand(certDecideCmd())
	return c
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func certListCmd() *cobra.Command {
	var f repo.CertFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListCertifications(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Project", "Type", "Status", "Claimant", "Reviewer", "Dev time")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.ProjectName, str(c.ProjectType), c.Status, str(c.ClaimantID), str(c.ReviewerID), c.DevTime()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ReviewerID, "reviewer-id", "", "reviewer filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "list ids after this one")
	return cmd
}

func certShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a certification and its claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.GetCertification(ctx, actor, id)
				if err != nil {
					return err
				}
				st, err := a.Engine.ClaimStatus(ctx, id, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"certification": c, "dev_time": c.DevTime(), "claim": st})
			})
		},
	}
}

func certSubmitCmd() *cobra.Command {
	var s engine.Submission
	var projectType string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enter a submission by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			s.ProjectType = optionalString(projectType)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, t, err := a.Engine.Submit(ctx, s)
				if err != nil {
					return err
				}
				runEffects(ctx, a, t)
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&s.OriginID, "origin-id", "", "origin project id")
	cmd.Flags().StringVar(&s.SubmitterID, "submitter-id", "", "submitter id")
	cmd.Flags().StringVar(&s.SubmitterName, "submitter-name", "", "submitter display name")
	cmd.Flags().StringVar(&s.ProjectName, "project-name", "", "project name")
	cmd.Flags().StringVar(&projectType, "project-type", "", "project type")
	cmd.Flags().StringVar(&s.Description, "description", "", "description")
	cmd.Flags().StringVar(&s.DemoURL, "demo-url", "", "demo url")
	cmd.Flags().StringVar(&s.RepoURL, "repo-url", "", "repository url")
	cmd.Flags().StringVar(&s.ReadmeURL, "readme-url", "", "readme url")
	cmd.Flags().Int64Var(&s.DevTimeSeconds, "dev-time", 0, "logged development time in seconds")
	return cmd
}

func certClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim or refresh the claim on a certification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.TryClaim(ctx, id, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func certReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.ReleaseClaim(ctx, id, actor); err != nil {
					return err
				}
				fmt.Println("released", id)
				return nil
			})
		},
	}
}

func certDecideCmd() *cobra.Command {
	var verdict, feedback, proofURL, projectType string
	var bounty float64
	var clearBounty bool
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Record a verdict, classification or bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			in := engine.DecideInput{
				CertID:   id,
				ActorID:  actor,
				Verdict:  verdict,
				Feedback: feedback,
				ProofURL: proofURL,
			}
			if cmd.Flags().Changed("project-type") {
				in.ProjectType = &projectType
			}
			switch {
			case clearBounty:
				in.SetBounty = true
			case cmd.Flags().Changed("bounty"):
				in.SetBounty = true
				in.Bounty = &bounty
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Decide(ctx, in)
				if err != nil {
					return err
				}
				ws := runEffects(ctx, a, t)
				return printJSONOrTable(map[string]any{
					"kind":          t.Kind,
					"override":      t.Override,
					"certification": t.Certification,
					"payout":        t.Payout,
					"warnings":      ws,
				})
			})
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", "", "approved, rejected or pending")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback for the maker")
	cmd.Flags().StringVar(&proofURL, "proof-url", "", "proof video url")
	cmd.Flags().StringVar(&projectType, "project-type", "", "project type")
	cmd.Flags().Float64Var(&bounty, "bounty", 0, "custom bounty")
	cmd.Flags().BoolVar(&clearBounty, "clear-bounty", false, "remove a custom bounty")
	return cmd
}

func routeCmd() *cobra.Command {
	var in engine.RouteInput
	var certID int64
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route work to the least loaded qualified reviewer",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			in.RequesterID = actor
			if cmd.Flags().Changed("cert") {
				in.CertID = &certID
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				as, t, err := a.Engine.Route(ctx, in)
				if err != nil {
					return err
				}
				runEffects(ctx, a, t)
				return printJSONOrTable(as)
			})
		},
	}
	cmd.Flags().StringSliceVar(&in.Skills, "skills", nil, "required skills")
	cmd.Flags().Int64Var(&certID, "cert", 0, "certification id to route")
	cmd.Flags().StringVar(&in.ProjectName, "project-name", "", "project name")
	cmd.Flags().StringVar(&in.RepoURL, "repo-url", "", "repository url")
	cmd.Flags().StringVar(&in.DemoURL, "demo-url", "", "demo url")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("skills")
	return cmd
}

func assignmentCmd() *cobra.Command {
	c := &cobra.Command{Use: "assignment", Short: "Manage routed assignments"}
	c.AddCommand(assignmentListCmd())
	c.AddCommand(assignmentStatusCmd())
	c.AddCommand(assignmentReassignCmd())
	return c
}

func assignmentListCmd() *cobra.Command {
	var f repo.AssignmentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListAssignments(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Status", "Assignee", "Skills", "Project", "Author")
				for _, as := range items {
					tw.AppendRow(table.Row{as.ID, as.Status, str(as.AssigneeID), strings.Join(as.RequiredSkills, ", "), as.ProjectName, as.AuthorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func assignmentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <pending|in_progress|completed>",
		Short: "Move an assignment through its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				as, t, err := a.Engine.UpdateAssignmentStatus(ctx, id, actor, args[1])
				if err != nil {
					return err
				}
				runEffects(ctx, a, t)
				return printJSONOrTable(as)
			})
		},
	}
}

func assignmentReassignCmd() *cobra.Command {
	var unassign bool
	cmd := &cobra.Command{
		Use:   "reassign <id> [assignee]",
		Short: "Hand an assignment to someone else",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var to *string
			switch {
			case unassign:
			case len(args) == 2:
				to = &args[1]
			default:
				return fmt.Errorf("assignee required (or --unassign)")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				as, t, err := a.Engine.Reassign(ctx, id, actor, to)
				if err != nil {
					return err
				}
				runEffects(ctx, a, t)
				return printJSONOrTable(as)
			})
		},
	}
	cmd.Flags().BoolVar(&unassign, "unassign", false, "return the assignment to the unassigned pool")
	return cmd
}

func sweepCmd() *cobra.Command {
	s := &cobra.Command{Use: "sweep", Short: "Run maintenance sweeps"}
	var batch int
	dup := &cobra.Command{
		Use:   "duplicates",
		Short: "Flag certifications that repeat an earlier repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Require(ctx, actor, auth.CertsAdmin); err != nil {
					return err
				}
				res, t, err := a.Engine.SweepDuplicates(ctx, actor, batch)
				if err != nil {
					return err
				}
				runEffects(ctx, a, t)
				return printJSONOrTable(res)
			})
		},
	}
	dup.Flags().IntVar(&batch, "batch", 0, "rows per pass (0 uses duplicates.batch_size)")
	s.AddCommand(dup)
	return s
}

func statsCmd() *cobra.Command {
	s := &cobra.Command{Use: "stats", Short: "Queue and reviewer statistics"}
	s.AddCommand(&cobra.Command{
		Use:   "queue",
		Short: "Certification counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.QueueStats(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	})
	var limit int
	lb := &cobra.Command{
		Use:   "leaderboard",
		Short: "Reviewers ranked by decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rows, err := a.Engine.Leaderboard(ctx, actor, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable("#", "Reviewer", "Decisions", "Cookies")
				for i, r := range rows {
					tw.AppendRow(table.Row{i + 1, r.Username, r.Decisions, fmt.Sprintf("%.1f", r.Cookies)})
				}
				tw.Render()
				return nil
			})
		},
	}
	lb.Flags().IntVar(&limit, "limit", 10, "rows")
	s.AddCommand(lb)
	return s
}

func certLabel(c domain.Certification) string {
	return fmt.Sprintf("#%d %s", c.ID, c.ProjectName)
}
