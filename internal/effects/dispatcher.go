// Package effects runs the side effects of a committed transition: origin
// sync, downstream review spawn, notifications, audit and cache busting.
// Failures become warnings; nothing here can fail the originating request.
package effects

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shipyard/internal/domain"
	"shipyard/internal/engine"
	"shipyard/internal/events"
	"shipyard/internal/notify"
	"shipyard/internal/origin"
)

const (
	StepSync       = "sync"
	StepDownstream = "downstream"
	StepNotify     = "notify"
	StepAudit      = "audit"
	StepCache      = "cache"
)

type Warning struct {
	Step    string `json:"step"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type Report struct {
	Warnings []Warning `json:"warnings"`
}

type Origin interface {
	SyncEnabled() bool
	ActivityEnabled() bool
	SyncVerdict(ctx context.Context, v origin.Verdict) error
	FetchActivity(ctx context.Context, originID string) ([]origin.Devlog, error)
}

type Store interface {
	MarkSynced(ctx context.Context, id int64) error
	ActiveChannels(ctx context.Context, recipientID string) ([]domain.NotificationChannel, error)
}

type ReviewSpawner interface {
	SpawnDownstreamReview(ctx context.Context, c domain.Certification, activity []origin.Devlog) (domain.DownstreamReview, error)
}

type AuditLog interface {
	AppendNow(ctx context.Context, e events.Entry) error
}

type Buster interface {
	Bust(ctx context.Context, pattern string) (int, error)
}

type Dispatcher struct {
	Origin  Origin
	Store   Store
	Reviews ReviewSpawner
	Sender  notify.Sender
	Audit   AuditLog
	Cache   Buster
	Metrics *Metrics
	Log     *zap.Logger
	Timeout time.Duration
}

type step struct {
	name string
	run  func(ctx context.Context, t engine.Transition) error
}

// errSkipped marks a step that had nothing to do for this transition.
var errSkipped = errors.New("skipped")

// Dispatch runs every step concurrently, each under its own timeout, and
// waits for all of them.
func (d *Dispatcher) Dispatch(ctx context.Context, t engine.Transition) Report {
	steps := []step{
		{StepSync, d.sync},
		{StepDownstream, d.downstream},
		{StepNotify, d.notify},
		{StepAudit, d.audit},
		{StepCache, d.bust},
	}
	var (
		mu     sync.Mutex
		report = Report{Warnings: []Warning{}}
	)
	warn := func(w Warning) {
		mu.Lock()
		report.Warnings = append(report.Warnings, w)
		mu.Unlock()
	}
	// effects outlive a cancelled request but not the process
	base := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, s := range steps {
		g.Go(func() error {
			d.runStep(base, s, t, warn)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (d *Dispatcher) runStep(base context.Context, s step, t engine.Transition, warn func(Warning)) {
	ctx, cancel := context.WithTimeout(base, d.timeout())
	defer cancel()
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return s.run(ctx, t)
	}()
	outcome := outcomeOK
	switch {
	case errors.Is(err, errSkipped):
		outcome = outcomeSkipped
	case err != nil:
		outcome = outcomeFailed
		d.logger().Warn("effect step failed", zap.String("step", s.name), zap.String("kind", t.Kind), zap.Error(err))
		warn(Warning{Step: s.name, Reason: string(engine.ReasonUpstreamFailure), Message: err.Error()})
	}
	if d.Metrics != nil {
		d.Metrics.Runs.WithLabelValues(s.name, outcome).Inc()
		if outcome != outcomeSkipped {
			d.Metrics.Duration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
		}
	}
}

func (d *Dispatcher) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 10 * time.Second
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Log != nil {
		return d.Log
	}
	return zap.NewNop()
}

func (d *Dispatcher) sync(ctx context.Context, t engine.Transition) error {
	if !t.SyncsOrigin() || d.Origin == nil || !d.Origin.SyncEnabled() {
		return errSkipped
	}
	c := t.Certification
	err := d.Origin.SyncVerdict(ctx, origin.Verdict{
		ID:          c.OriginID,
		Status:      c.Status,
		Reason:      deref(c.Feedback),
		VideoURL:    deref(c.ProofURL),
		ProjectType: c.ProjectType,
	})
	if err != nil {
		if d.Audit != nil {
			_ = d.Audit.AppendNow(ctx, events.Entry{
				Type:       "origin.sync_failed",
				EntityKind: "certification",
				EntityID:   strconv.FormatInt(c.ID, 10),
				ActorID:    "system",
				Payload:    events.EventPayload{"status": c.Status, "error": err.Error()},
			})
		}
		return fmt.Errorf("sync certification %d: %w", c.ID, err)
	}
	if d.Store != nil {
		return d.Store.MarkSynced(ctx, c.ID)
	}
	return nil
}

// downstream opens the downstream review for an approval. A failed activity
// fetch still opens the review, without units, and is reported.
func (d *Dispatcher) downstream(ctx context.Context, t engine.Transition) error {
	if !t.SpawnsReview() || d.Reviews == nil {
		return errSkipped
	}
	var fetchErr error
	var activity []origin.Devlog
	if d.Origin != nil && d.Origin.ActivityEnabled() {
		activity, fetchErr = d.Origin.FetchActivity(ctx, t.Certification.OriginID)
	}
	if _, err := d.Reviews.SpawnDownstreamReview(ctx, *t.Certification, activity); err != nil {
		return fmt.Errorf("spawn review for certification %d: %w", t.Certification.ID, err)
	}
	if d.Cache != nil {
		if _, err := d.Cache.Bust(ctx, engine.BustReviews); err != nil {
			d.logger().Warn("cache bust failed", zap.String("pattern", engine.BustReviews), zap.Error(err))
		}
	}
	if fetchErr != nil {
		return fmt.Errorf("fetch activity for %s: %w", t.Certification.OriginID, fetchErr)
	}
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, t engine.Transition) error {
	if len(t.Notices) == 0 || d.Sender == nil || d.Store == nil {
		return errSkipped
	}
	var errs []error
	for _, n := range t.Notices {
		if err := d.notifyOne(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", n.RecipientID, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) notifyOne(ctx context.Context, n engine.Notice) error {
	msg, err := notify.Render(n.Template, n.Vars)
	if err != nil {
		return err
	}
	channels, err := d.Store.ActiveChannels(ctx, n.RecipientID)
	if err != nil {
		return err
	}
	var errs []error
	for _, ch := range channels {
		if err := d.Sender.Send(ctx, ch.URL, msg); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", ch.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) audit(ctx context.Context, t engine.Transition) error {
	if len(t.Audit) == 0 || d.Audit == nil {
		return errSkipped
	}
	for _, e := range t.Audit {
		if err := d.Audit.AppendNow(ctx, e); err != nil {
			return fmt.Errorf("append %s: %w", e.Type, err)
		}
	}
	return nil
}

func (d *Dispatcher) bust(ctx context.Context, t engine.Transition) error {
	if len(t.Bust) == 0 || d.Cache == nil {
		return errSkipped
	}
	var errs []error
	for _, p := range t.Bust {
		if _, err := d.Cache.Bust(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("bust %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
