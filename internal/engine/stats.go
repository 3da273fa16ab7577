package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shipyard/internal/domain"
	"shipyard/internal/engine/auth"
	"shipyard/internal/repo"
)

type QueueStats struct {
	Pending              int     `json:"pending"`
	Approved             int     `json:"approved"`
	Rejected             int     `json:"rejected"`
	OldestPendingAt      *string `json:"oldest_pending_at,omitempty" format:"date-time"`
	OldestPendingSeconds int64   `json:"oldest_pending_seconds"`
}

type ReviewStats struct {
	Pending  int `json:"pending"`
	Done     int `json:"done"`
	Returned int `json:"returned"`
}

// cached serves key from the cache, filling it once per key across
// concurrent callers on a miss. Cache errors only cost a store read.
func cached[T any](ctx context.Context, e Engine, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if e.Cache != nil {
		raw, ok, err := e.Cache.Get(ctx, key)
		if err != nil {
			e.logger().Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		if ok {
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				return v, nil
			}
		}
	}
	fill := func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if e.Cache != nil {
			if raw, err := json.Marshal(v); err == nil {
				if err := e.Cache.Set(ctx, key, raw); err != nil {
					e.logger().Warn("cache set failed", zap.String("key", key), zap.Error(err))
				}
			}
		}
		return v, nil
	}
	var (
		v   any
		err error
	)
	if e.fills != nil {
		v, err, _ = e.fills.Do(key, fill)
	} else {
		v, err = fill()
	}
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (e Engine) QueueStats(ctx context.Context, actorID string) (QueueStats, error) {
	if err := e.Require(ctx, actorID, auth.CertsView); err != nil {
		return QueueStats{}, err
	}
	st, err := cached(ctx, e, "certs:stats", func(ctx context.Context) (QueueStats, error) {
		counts, err := e.Repo.CertificationCounts(ctx)
		if err != nil {
			return QueueStats{}, err
		}
		st := QueueStats{
			Pending:  counts[domain.StatusPending],
			Approved: counts[domain.StatusApproved],
			Rejected: counts[domain.StatusRejected],
		}
		ts, ok, err := e.Repo.OldestPendingCreatedAt(ctx)
		if err != nil {
			return QueueStats{}, err
		}
		if ok {
			st.OldestPendingAt = &ts
		}
		return st, nil
	})
	if err != nil {
		return st, err
	}
	// the cache holds the timestamp; age is computed per read
	if st.OldestPendingAt != nil {
		if t, err := time.Parse(time.RFC3339, *st.OldestPendingAt); err == nil {
			st.OldestPendingSeconds = int64(e.now().Sub(t).Seconds())
		}
	}
	return st, nil
}

func (e Engine) Leaderboard(ctx context.Context, actorID string, limit int) ([]repo.LeaderboardRow, error) {
	if err := e.Require(ctx, actorID, auth.CertsView); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return cached(ctx, e, fmt.Sprintf("certs:leaderboard:%d", limit), func(ctx context.Context) ([]repo.LeaderboardRow, error) {
		rows, err := e.Repo.Leaderboard(ctx, limit)
		if rows == nil {
			rows = []repo.LeaderboardRow{}
		}
		return rows, err
	})
}

func (e Engine) ReviewStats(ctx context.Context, actorID string) (ReviewStats, error) {
	if err := e.Require(ctx, actorID, auth.ReviewsView); err != nil {
		return ReviewStats{}, err
	}
	return cached(ctx, e, "reviews:stats", func(ctx context.Context) (ReviewStats, error) {
		counts, err := e.Repo.ReviewCounts(ctx)
		if err != nil {
			return ReviewStats{}, err
		}
		return ReviewStats{
			Pending:  counts[domain.ReviewPending],
			Done:     counts[domain.ReviewDone],
			Returned: counts[domain.ReviewReturned],
		}, nil
	})
}

// GetCertification returns one certification for actors with certs_view.
func (e Engine) GetCertification(ctx context.Context, actorID string, id int64) (domain.Certification, error) {
	if err := e.Require(ctx, actorID, auth.CertsView); err != nil {
		return domain.Certification{}, err
	}
	c, err := e.Repo.GetCertification(ctx, nil, id)
	return c, lookup(err, "certification", id)
}

func (e Engine) ListCertifications(ctx context.Context, actorID string, f repo.CertFilters) ([]domain.Certification, error) {
	if err := e.Require(ctx, actorID, auth.CertsView); err != nil {
		return nil, err
	}
	return e.Repo.ListCertifications(ctx, f)
}

func (e Engine) AuditLog(ctx context.Context, actorID string, f repo.EventFilters) ([]domain.Event, error) {
	if err := e.Require(ctx, actorID, auth.CertsAdmin); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}
