package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"shipyard/internal/config"
	"shipyard/internal/events"
)

// NormalizeRepoURL reduces a repository URL to host/owner/name so that
// http, https, ssh and .git spellings of the same repo compare equal.
func NormalizeRepoURL(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if rest, ok := strings.CutPrefix(s, "git@"); ok {
		if host, path, found := strings.Cut(rest, ":"); found {
			s = host + "/" + path
		}
	}
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "https://")
	for {
		trimmed := strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
		if trimmed == s {
			break
		}
		s = trimmed
	}
	s = strings.TrimPrefix(s, "www.")
	if !strings.Contains(s, "/") {
		return "", false
	}
	return s, true
}

type SweepResult struct {
	Checked    int     `json:"checked"`
	Duplicates int     `json:"duplicates"`
	Flagged    []int64 `json:"flagged"`
}

// SweepDuplicates checks up to batch unchecked certifications, oldest first,
// and links each one to the earliest earlier certification of the same repo.
// Every processed row is marked checked so a second pass is a no-op.
func (e Engine) SweepDuplicates(ctx context.Context, actorID string, batch int) (SweepResult, Transition, error) {
	if batch <= 0 {
		batch = e.Config.SweepBatch()
	}
	if batch > config.MaxSweepBatch {
		batch = config.MaxSweepBatch
	}
	rows, err := e.Repo.ListUncheckedForDuplicates(ctx, batch)
	if err != nil {
		return SweepResult{}, Transition{}, err
	}
	res := SweepResult{Flagged: []int64{}}
	ts := stamp(e.now())
	for _, row := range rows {
		var key *string
		var dupOf *int64
		if k, ok := NormalizeRepoURL(row.RepoURL); ok {
			key = &k
			id, found, err := e.Repo.EarliestWithRepoKey(ctx, k, row.ID)
			if err != nil {
				return res, Transition{}, err
			}
			if found {
				dupOf = &id
			}
		}
		marked, err := e.Repo.MarkDuplicateChecked(ctx, row.ID, key, dupOf, ts)
		if err != nil {
			return res, Transition{}, err
		}
		if !marked {
			continue
		}
		res.Checked++
		if dupOf != nil {
			res.Duplicates++
			res.Flagged = append(res.Flagged, row.ID)
		}
	}
	e.logger().Info("duplicate sweep finished",
		zap.Int("batch", batch), zap.Int("checked", res.Checked), zap.Int("duplicates", res.Duplicates))

	t := Transition{Kind: KindDuplicateSweep, ActorID: actorID}
	if res.Checked > 0 {
		t.Bust = []string{BustCerts}
		t.Audit = []events.Entry{{
			Type:       KindDuplicateSweep,
			EntityKind: "certification",
			ActorID:    actorID,
			Payload:    events.EventPayload{"checked": res.Checked, "duplicates": res.Flagged},
		}}
	}
	return res, t, nil
}
