package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"shipyard/internal/cache"
	"shipyard/internal/config"
	"shipyard/internal/db"
	"shipyard/internal/effects"
	"shipyard/internal/engine"
	"shipyard/internal/logging"
	"shipyard/internal/migrate"
	"shipyard/internal/notify"
	"shipyard/internal/origin"
)

// Options override values from the workspace config. Empty fields keep the
// config value.
type Options struct {
	Workspace      string
	LogLevel       string
	LogFormat      string
	OriginAPIKey   string
	ActivityAPIKey string
	RedisAddr      string
	IntakeKey      string
}

// App holds the wired runtime shared by the CLI and the HTTP server.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Log        *zap.Logger
	Engine     engine.Engine
	Origin     *origin.Client
	Dispatcher *effects.Dispatcher
	Registry   *prometheus.Registry

	closers []func() error
}

// Open loads config, opens and migrates the workspace database and wires the
// engine to its cache, origin client, notifier and effect dispatcher.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, opts)

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &App{Config: cfg, Log: log}
	a.closers = append(a.closers, func() error {
		_ = log.Sync()
		return nil
	})

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		log.Info("applied migrations", zap.Int("count", applied), zap.String("db", db.Path(opts.Workspace)))
	}

	e := engine.New(conn, cfg, log)
	c := cache.Open(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisDB, cfg.Cache.TTL, log)
	if closer, ok := c.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}
	e.Cache = c
	a.Engine = e

	a.Origin = origin.NewClient(origin.Config{
		BaseURL:        cfg.Origin.BaseURL,
		ActivityURL:    cfg.Origin.ActivityURL,
		APIKey:         cfg.Origin.APIKey,
		ActivityAPIKey: cfg.Origin.ActivityAPIKey,
		Timeout:        cfg.EffectTimeout(),
	})

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := effects.NewMetrics(a.Registry)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Dispatcher = &effects.Dispatcher{
		Origin:  a.Origin,
		Store:   e.Repo,
		Reviews: e,
		Sender:  notify.Shoutrrr{Timeout: cfg.Notify.Timeout},
		Audit:   e.Events,
		Cache:   c,
		Metrics: metrics,
		Log:     log.Named("effects"),
		Timeout: cfg.EffectTimeout(),
	}
	if !a.Origin.SyncEnabled() {
		log.Info("origin sync disabled: origin.base_url or api key not set")
	}
	return a, nil
}

// Close releases everything Open acquired, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func applyOverrides(cfg *config.Config, opts Options) {
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	if opts.OriginAPIKey != "" {
		cfg.Origin.APIKey = opts.OriginAPIKey
	}
	if opts.ActivityAPIKey != "" {
		cfg.Origin.ActivityAPIKey = opts.ActivityAPIKey
	}
	if opts.RedisAddr != "" {
		cfg.Cache.RedisAddr = opts.RedisAddr
	}
	if opts.IntakeKey != "" {
		cfg.Intake.Key = opts.IntakeKey
	}
}
