package engine

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"shipyard/internal/cache"
	"shipyard/internal/config"
	"shipyard/internal/domain"
	"shipyard/internal/engine/auth"
	"shipyard/internal/events"
	"shipyard/internal/payout"
	"shipyard/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Auth   auth.Policy
	Cache  cache.Cache
	Log    *zap.Logger
	Now    func() time.Time
	// Rand returns a uniform int in [0,n). Spot-check sampling uses it.
	Rand func(n int) int

	fills *singleflight.Group
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Auth:   auth.FromConfig(cfg),
		Cache:  cache.NewMemory(cfg.Cache.TTL),
		Log:    log,
		Now:    time.Now,
		Rand:   rand.IntN,
		fills:  &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (e Engine) ttl() time.Duration {
	if e.Config != nil && e.Config.Claims.TTL > 0 {
		return e.Config.Claims.TTL
	}
	return 30 * time.Minute
}

// cutoff is the newest claim_started_at that counts as expired at now.
func (e Engine) cutoff(now time.Time) string {
	return stamp(now.Add(-e.ttl()))
}

func (e Engine) rates() payout.RateTable {
	if e.Config != nil && len(e.Config.Payouts.Rates) > 0 {
		return payout.RateTable(e.Config.Payouts.Rates)
	}
	return payout.DefaultRates()
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}

// Principal resolves an actor to its user record and effective permissions.
func (e Engine) Principal(ctx context.Context, actorID string) (domain.User, auth.Set, error) {
	return e.principal(ctx, nil, actorID)
}

func (e Engine) principal(ctx context.Context, tx *sql.Tx, actorID string) (domain.User, auth.Set, error) {
	if actorID == "" {
		return domain.User{}, nil, newError(ReasonForbidden, nil, "actor required")
	}
	u, err := e.Repo.GetUser(ctx, tx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return u, nil, newError(ReasonForbidden, map[string]any{"actor_id": actorID}, "unknown actor %s", actorID)
	}
	if err != nil {
		return u, nil, err
	}
	if !u.Active {
		return u, nil, newError(ReasonForbidden, map[string]any{"actor_id": actorID}, "actor %s is inactive", actorID)
	}
	return u, e.Auth.Permissions(u.Role), nil
}

// Require fails with forbidden unless actorID holds perm.
func (e Engine) Require(ctx context.Context, actorID, perm string) error {
	_, perms, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return err
	}
	if !perms.Has(perm) {
		return forbidden(perm)
	}
	return nil
}

// UpsertUser seeds or edits a reviewer profile.
func (e Engine) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.ID == "" || u.Username == "" {
		return u, invalidInput("id and username are required")
	}
	if _, ok := e.Config.RBAC.Roles[u.Role]; !ok {
		return u, invalidInput("unknown role %q", u.Role)
	}
	for _, s := range u.Skills {
		if !e.Config.HasSkill(s) {
			return u, invalidInput("unknown skill %q", s)
		}
	}
	if u.Multiplier == 0 {
		u.Multiplier = 1
	}
	if u.CreatedAt == "" {
		u.CreatedAt = stamp(e.now())
	}
	if err := e.Repo.UpsertUser(ctx, nil, u); err != nil {
		return u, err
	}
	return e.Repo.GetUser(ctx, nil, u.ID)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// audit returns the event writer stamped with the engine clock.
func (e Engine) audit() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}
