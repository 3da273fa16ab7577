package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"shipyard/internal/effects"
	"shipyard/internal/engine"
)

// SystemActor is recorded as the actor of background passes.
const SystemActor = "system"

// StartDuplicateSweeper runs a duplicate sweep every interval until ctx is
// done. A non-positive interval disables it.
func StartDuplicateSweeper(ctx context.Context, e engine.Engine, d *effects.Dispatcher, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		return
	}
	if log == nil {
		log = zap.NewNop()
	}
	go runSweeper(ctx, e, d, interval, log)
}

func runSweeper(ctx context.Context, e engine.Engine, d *effects.Dispatcher, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, e, d, log)
		}
	}
}

func sweepOnce(ctx context.Context, e engine.Engine, d *effects.Dispatcher, log *zap.Logger) {
	res, t, err := e.SweepDuplicates(ctx, SystemActor, 0)
	if err != nil {
		log.Warn("duplicate sweep failed", zap.Error(err))
		return
	}
	if res.Checked == 0 {
		return
	}
	if d == nil {
		return
	}
	for _, w := range d.Dispatch(ctx, t).Warnings {
		log.Warn("sweep effect failed", zap.String("step", w.Step), zap.String("reason", w.Reason), zap.String("message", w.Message))
	}
}
