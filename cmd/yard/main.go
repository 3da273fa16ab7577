package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"shipyard/internal/app"
	"shipyard/internal/config"
	"shipyard/internal/db"
	"shipyard/internal/effects"
	"shipyard/internal/engine"
	"shipyard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "yard",
	Short: "Shipyard review coordination",
	Long: `Shipyard coordinates human review of shipped projects.
- Certifications: submissions waiting for a ship verdict. Reviewers claim one, decide it, and get paid per decision.
- Claims: a soft lock that lapses after claims.ttl (30m by default).
- Assignments: skill-routed work handed to the least loaded reviewer.
- Spot checks: staff audits of decided certifications; failures leave the leaderboard.
- Downstream reviews: per-devlog review of approved projects.
- Event log: every change, view with 'yard log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHIPYARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json or console (overrides config)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(channelCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(spotCheckCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
}

func options() app.Options {
	return app.Options{
		Workspace:      viper.GetString("workspace"),
		LogLevel:       viper.GetString("log-level"),
		LogFormat:      viper.GetString("log-format"),
		OriginAPIKey:   viper.GetString("origin-api-key"),
		ActivityAPIKey: viper.GetString("activity-api-key"),
		RedisAddr:      viper.GetString("redis-addr"),
		IntakeKey:      viper.GetString("intake-key"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, options())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", errors.New("--actor-id (or SHIPYARD_ACTOR_ID) required")
	}
	return id, nil
}

// runEffects dispatches t and prints any step that failed.
func runEffects(ctx context.Context, a *app.App, t engine.Transition) []effects.Warning {
	ws := a.Dispatcher.Dispatch(ctx, t).Warnings
	if !viper.GetBool("json") {
		for _, w := range ws {
			fmt.Fprintf(os.Stderr, "warning: %s %s: %s\n", w.Step, w.Reason, w.Message)
		}
	}
	return ws
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: allowActorHeader,
					IntakeKey:        a.Config.Intake.Key,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("SHIPYARD_JWT_SECRET is required for bearer auth")
				}
				if authCfg.IntakeKey == "" {
					a.Log.Warn("intake key not set; submissions will be refused")
				}
				handler, err := server.New(server.Config{
					Engine:     a.Engine,
					Dispatcher: a.Dispatcher,
					Origin:     a.Origin,
					BasePath:   basePath,
					Auth:       authCfg,
					Registry:   a.Registry,
					Log:        a.Log.Named("http"),
				})
				if err != nil {
					return err
				}
				server.StartDuplicateSweeper(ctx, a.Engine, a.Dispatcher, a.Config.Duplicates.Interval, a.Log.Named("sweeper"))
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("serving shipyard api",
					zap.String("addr", addr), zap.String("base_path", basePath),
					zap.String("docs", basePath+"/docs"), zap.String("metrics", "/metrics"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (development only)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in shipyard.yml in the workspace: claim TTL, payout rates, skills, roles, cache and origin endpoints.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			// never echo secrets
			cfg.Origin.APIKey = redact(cfg.Origin.APIKey)
			cfg.Origin.ActivityAPIKey = redact(cfg.Origin.ActivityAPIKey)
			cfg.Intake.Key = redact(cfg.Intake.Key)
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	l.AddCommand(logTailCmd())
	return l
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
