package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"shipyard/internal/app"
	"shipyard/internal/engine"
	"shipyard/internal/origin"
	"shipyard/internal/repo"
)

func spotCheckCmd() *cobra.Command {
	s := &cobra.Command{Use: "spotcheck", Short: "Audit reviewer decisions"}
	s.AddCommand(spotCheckSampleCmd())
	s.AddCommand(spotCheckDecideCmd())
	s.AddCommand(spotCheckResolveCmd())
	s.AddCommand(spotCheckStatsCmd())
	return s
}

func spotCheckSampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample <reviewer-id>",
		Short: "Draw a random decided certification for audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.SampleSpotCheck(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				if c == nil {
					fmt.Println("nothing left to audit for", args[0])
					return nil
				}
				fmt.Printf("%s (%s) decided %s by %s\n", certLabel(*c), str(c.ProjectType), c.Status, str(c.ReviewerID))
				return nil
			})
		},
	}
}

func spotCheckDecideCmd() *cobra.Command {
	var in engine.SpotCheckInput
	cmd := &cobra.Command{
		Use:   "decide <cert-id> <approved|rejected>",
		Short: "Record a spot check outcome",
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
			in.CertID = id
			in.Outcome = args[1]
			in.StaffID = actor
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sc, t, err := a.Engine.DecideSpotCheck(ctx, in)
				if err != nil {
					return err
				}
				runEffects(ctx, a, t)
				return printJSONOrTable(sc)
			})
		},
	}
	cmd.Flags().StringVar(&in.ReviewerID, "reviewer-id", "", "reviewer whose decision is audited")
	cmd.Flags().StringVar(&in.Reasoning, "reasoning", "", "why the decision was wrong")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "internal notes")
	_ = cmd.MarkFlagRequired("reviewer-id")
	return cmd
}

func spotCheckResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <case-id>",
		Short: "Toggle a case between unresolved and resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sc, t, err := a.Engine.ResolveSpotCheckCase(ctx, args[0], actor)
				if err != nil {
					return err
				}
				runEffects(ctx, a, t)
				return printJSONOrTable(sc)
			})
		},
	}
}

func spotCheckStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <reviewer-id>",
		Short: "Spot check pass rate for a reviewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.SpotCheckStats(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{Use: "review", Short: "Downstream reviews of approved projects"}
	r.AddCommand(reviewShowCmd())
	r.AddCommand(reviewRefreshCmd())
	r.AddCommand(reviewCompleteCmd())
	r.AddCommand(reviewReturnCmd())
	return r
}

func reviewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a downstream review",
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
				rv, err := a.Engine.GetReview(ctx, actor, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rv)
				}
				fmt.Printf("review %d for certification %d: %s\n", rv.ID, rv.CertificationID, rv.Status)
				tw := newTable("Unit", "Title", "Logged", "Status", "Approved")
				for _, u := range rv.Units {
					approved := ""
					if u.ApprovedMinutes != nil {
						approved = fmt.Sprintf("%dm", *u.ApprovedMinutes)
					}
					tw.AppendRow(table.Row{u.UnitID, u.Title, fmt.Sprintf("%dm", u.OriginalMinutes), u.Status, approved})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reviewRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <id>",
		Short: "Merge the latest activity into a review",
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
				rv, err := a.Engine.GetReview(ctx, actor, id)
				if err != nil {
					return err
				}
				if !a.Origin.ActivityEnabled() {
					return fmt.Errorf("activity lookup not configured (origin.activity_url, SHIPYARD_ACTIVITY_API_KEY)")
				}
				var activity []origin.Devlog
				activity, err = a.Origin.FetchActivity(ctx, rv.OriginID)
				if err != nil {
					a.Log.Warn("activity fetch failed", zap.Int64("review_id", id), zap.Error(err))
					return err
				}
				rv, t, err := a.Engine.RefreshDownstreamReview(ctx, id, actor, activity)
				if err != nil {
					return err
				}
				runEffects(ctx, a, t)
				return printJSONOrTable(rv)
			})
		},
	}
}

// readUnits decodes per-unit decisions from a JSON file, or stdin for "-".
func readUnits(path string) ([]engine.UnitInput, error) {
	if path == "" {
		return nil, nil
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var units []engine.UnitInput
	if err := json.Unmarshal(data, &units); err != nil {
		return nil, fmt.Errorf("units file: %w", err)
	}
	return units, nil
}

func reviewCompleteCmd() *cobra.Command {
	var unitsPath string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Finish a review once every unit is decided",
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
			units, err := readUnits(unitsPath)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rv, t, err := a.Engine.CompleteDownstreamReview(ctx, id, actor, units)
				if err != nil {
					return err
				}
				runEffects(ctx, a, t)
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&unitsPath, "units", "", `JSON file of [{"unit_id","status","approved_minutes","notes"}] ("-" for stdin)`)
	return cmd
}

func reviewReturnCmd() *cobra.Command {
	var unitsPath, reason string
	cmd := &cobra.Command{
		Use:   "return <id>",
		Short: "Send the certification back to the ship queue",
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
			units, err := readUnits(unitsPath)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rv, t, err := a.Engine.ReturnDownstreamReview(ctx, id, actor, reason, units)
				if err != nil {
					return err
				}
				runEffects(ctx, a, t)
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the project goes back")
	cmd.Flags().StringVar(&unitsPath, "units", "", "JSON file of unit decisions (\"-\" for stdin)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.AuditLog(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}
