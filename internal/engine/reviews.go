package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"shipyard/internal/domain"
	"shipyard/internal/engine/auth"
	"shipyard/internal/events"
	"shipyard/internal/notify"
	"shipyard/internal/origin"
	"shipyard/internal/repo"
)

const maxUnitTitle = 80

func unitTitle(body string) string {
	title, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	if r := []rune(title); len(r) > maxUnitTitle {
		return string(r[:maxUnitTitle])
	}
	return title
}

// mergeUnits folds fresh activity into existing units. Known units keep
// their decisions; new entries arrive pending; units no longer reported stay.
func mergeUnits(existing []domain.UnitDecision, activity []origin.Devlog) []domain.UnitDecision {
	out := append([]domain.UnitDecision{}, existing...)
	index := map[string]int{}
	for i, u := range out {
		index[u.UnitID] = i
	}
	for _, d := range activity {
		id := strconv.FormatInt(d.ID, 10)
		minutes := d.DurationSeconds / 60
		if i, ok := index[id]; ok {
			out[i].Title = unitTitle(d.Body)
			out[i].LoggedAt = d.CreatedAt
			out[i].OriginalMinutes = minutes
			continue
		}
		index[id] = len(out)
		out = append(out, domain.UnitDecision{
			UnitID:          id,
			Title:           unitTitle(d.Body),
			LoggedAt:        d.CreatedAt,
			OriginalMinutes: minutes,
			Status:          domain.UnitPending,
		})
	}
	return out
}

// SpawnDownstreamReview opens the downstream review for an approved
// certification, or refreshes the existing one. There is at most one review
// per certification no matter how often this runs.
func (e Engine) SpawnDownstreamReview(ctx context.Context, c domain.Certification, activity []origin.Devlog) (domain.DownstreamReview, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.DownstreamReview{}, err
	}
	defer tx.Rollback()

	ts := stamp(e.now())
	rv, err := e.Repo.ReviewForCertification(ctx, tx, c.ID)
	switch {
	case err == nil:
		rv.Units = mergeUnits(rv.Units, activity)
		rv.UpdatedAt = ts
		// A returned review comes back once its certification is approved again.
		reopened := rv.Status == domain.ReviewReturned && c.Status == domain.StatusApproved
		if reopened {
			rv.Status = domain.ReviewPending
			rv.ReviewerID, rv.ReturnReason = nil, nil
		}
		if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
			return rv, err
		}
		if reopened {
			if err := e.audit().Append(ctx, tx, events.Entry{
				Type:       "review.reopened",
				EntityKind: "review",
				EntityID:   strconv.FormatInt(rv.ID, 10),
				ActorID:    "system",
				Payload:    events.EventPayload{"certification_id": c.ID, "units": len(rv.Units)},
			}); err != nil {
				return rv, err
			}
		}
	case errors.Is(err, repo.ErrNotFound):
		rv = domain.DownstreamReview{
			CertificationID: c.ID,
			OriginID:        c.OriginID,
			Status:          domain.ReviewPending,
			Units:           mergeUnits(nil, activity),
			CreatedAt:       ts,
			UpdatedAt:       ts,
		}
		id, err := e.Repo.InsertReview(ctx, tx, rv)
		if err != nil {
			return rv, err
		}
		rv.ID = id
		if err := e.audit().Append(ctx, tx, events.Entry{
			Type:       "review.spawned",
			EntityKind: "review",
			EntityID:   strconv.FormatInt(id, 10),
			ActorID:    "system",
			Payload:    events.EventPayload{"certification_id": c.ID, "units": len(rv.Units)},
		}); err != nil {
			return rv, err
		}
	default:
		return rv, err
	}
	return rv, tx.Commit()
}

func (e Engine) GetReview(ctx context.Context, actorID string, id int64) (domain.DownstreamReview, error) {
	if err := e.Require(ctx, actorID, auth.ReviewsView); err != nil {
		return domain.DownstreamReview{}, err
	}
	rv, err := e.Repo.GetReview(ctx, nil, id)
	return rv, lookup(err, "review", id)
}

// RefreshDownstreamReview re-merges the latest activity into a review.
func (e Engine) RefreshDownstreamReview(ctx context.Context, id int64, actorID string, activity []origin.Devlog) (domain.DownstreamReview, Transition, error) {
	if err := e.Require(ctx, actorID, auth.ReviewsEdit); err != nil {
		return domain.DownstreamReview{}, Transition{}, err
	}
	rv, err := e.Repo.GetReview(ctx, nil, id)
	if err != nil {
		return rv, Transition{}, lookup(err, "review", id)
	}
	c, err := e.Repo.GetCertification(ctx, nil, rv.CertificationID)
	if err != nil {
		return rv, Transition{}, err
	}
	rv, err = e.SpawnDownstreamReview(ctx, c, activity)
	if err != nil {
		return rv, Transition{}, err
	}
	return rv, Transition{Kind: KindReviewRefresh, ActorID: actorID, Review: &rv, Bust: []string{BustReviews}}, nil
}

// UnitInput is one per-unit decision submitted by a downstream reviewer.
type UnitInput struct {
	UnitID          string `json:"unit_id"`
	Status          string `json:"status" enum:"approved,returned"`
	ApprovedMinutes *int   `json:"approved_minutes,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

func applyUnits(units []domain.UnitDecision, in []UnitInput) ([]domain.UnitDecision, error) {
	out := append([]domain.UnitDecision{}, units...)
	index := map[string]int{}
	for i, u := range out {
		index[u.UnitID] = i
	}
	for _, d := range in {
		i, ok := index[d.UnitID]
		if !ok {
			return nil, invalidInput("unknown unit %s", d.UnitID)
		}
		u := &out[i]
		switch d.Status {
		case domain.UnitApproved:
			minutes := u.OriginalMinutes
			if d.ApprovedMinutes != nil {
				if *d.ApprovedMinutes < 0 {
					return nil, invalidInput("unit %s: approved_minutes must not be negative", d.UnitID)
				}
				minutes = *d.ApprovedMinutes
			}
			u.ApprovedMinutes = &minutes
		case domain.UnitReturned:
			u.ApprovedMinutes = nil
		default:
			return nil, invalidInput("unit %s: status must be approved or returned", d.UnitID)
		}
		u.Status = d.Status
		u.Notes = d.Notes
	}
	return out, nil
}

func (e Engine) openReview(ctx context.Context, id int64, actorID string) (domain.DownstreamReview, error) {
	_, perms, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return domain.DownstreamReview{}, err
	}
	if !perms.Has(auth.ReviewsEdit) {
		return domain.DownstreamReview{}, forbidden(auth.ReviewsEdit)
	}
	rv, err := e.Repo.GetReview(ctx, nil, id)
	if err != nil {
		return rv, lookup(err, "review", id)
	}
	if rv.Status != domain.ReviewPending {
		return rv, newError(ReasonNotPending, map[string]any{"status": rv.Status}, "review %d is %s", id, rv.Status)
	}
	return rv, nil
}

// CompleteDownstreamReview records per-unit decisions and closes the review.
// Every unit must end up approved or returned.
func (e Engine) CompleteDownstreamReview(ctx context.Context, id int64, actorID string, units []UnitInput) (domain.DownstreamReview, Transition, error) {
	rv, err := e.openReview(ctx, id, actorID)
	if err != nil {
		return rv, Transition{}, err
	}
	decided, err := applyUnits(rv.Units, units)
	if err != nil {
		return rv, Transition{}, err
	}
	var undecided []string
	for _, u := range decided {
		if u.Status == domain.UnitPending {
			undecided = append(undecided, u.UnitID)
		}
	}
	if len(undecided) > 0 {
		return rv, Transition{}, newError(ReasonInvalidInput, map[string]any{"pending_units": undecided},
			"units still pending: %s", strings.Join(undecided, ", "))
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return rv, Transition{}, err
	}
	defer tx.Rollback()
	current, err := e.Repo.GetReview(ctx, tx, id)
	if err != nil {
		return rv, Transition{}, err
	}
	if current.Status != domain.ReviewPending {
		return rv, Transition{}, newError(ReasonNotPending, map[string]any{"status": current.Status}, "review %d is %s", id, current.Status)
	}
	before := rv.Status
	rv.Units = decided
	rv.Status = domain.ReviewDone
	rv.ReviewerID = &actorID
	rv.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
		return rv, Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return rv, Transition{}, err
	}
	return rv, Transition{
		Kind:    KindReviewDone,
		ActorID: actorID,
		Review:  &rv,
		Bust:    []string{BustReviews},
		Audit: []events.Entry{{
			Type:       KindReviewDone,
			EntityKind: "review",
			EntityID:   strconv.FormatInt(rv.ID, 10),
			ActorID:    actorID,
			Payload: events.EventPayload{
				"changes":          changes(field{"status", before, rv.Status}),
				"approved_minutes": approvedMinutes(rv.Units),
			},
		}},
	}, nil
}

func approvedMinutes(units []domain.UnitDecision) int {
	total := 0
	for _, u := range units {
		if u.ApprovedMinutes != nil {
			total += *u.ApprovedMinutes
		}
	}
	return total
}

// ReturnDownstreamReview sends the review back and re-opens the approved
// certification through the same guarded write verdicts use.
func (e Engine) ReturnDownstreamReview(ctx context.Context, id int64, actorID, reason string, units []UnitInput) (domain.DownstreamReview, Transition, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.DownstreamReview{}, Transition{}, invalidInput("reason is required")
	}
	rv, err := e.openReview(ctx, id, actorID)
	if err != nil {
		return rv, Transition{}, err
	}
	decided, err := applyUnits(rv.Units, units)
	if err != nil {
		return rv, Transition{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return rv, Transition{}, err
	}
	defer tx.Rollback()
	current, err := e.Repo.GetReview(ctx, tx, id)
	if err != nil {
		return rv, Transition{}, err
	}
	if current.Status != domain.ReviewPending {
		return rv, Transition{}, newError(ReasonNotPending, map[string]any{"status": current.Status}, "review %d is %s", id, current.Status)
	}
	ts := stamp(e.now())
	rv.Units = decided
	rv.Status = domain.ReviewReturned
	rv.ReviewerID = &actorID
	rv.ReturnReason = &reason
	rv.UpdatedAt = ts
	if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
		return rv, Transition{}, err
	}

	before, err := e.Repo.GetCertification(ctx, tx, rv.CertificationID)
	if err != nil {
		return rv, Transition{}, err
	}
	after := before
	reopened := before.Status == domain.StatusApproved
	if reopened {
		reopen(&after)
		after.UpdatedAt = ts
		ok, err := e.Repo.WriteCertificationState(ctx, tx, after, repo.ClaimGuard{
			ExpectStatus: domain.StatusApproved,
			ActorID:      actorID,
			Bypass:       true,
		})
		if err != nil {
			return rv, Transition{}, err
		}
		if !ok {
			return rv, Transition{}, newError(ReasonLockedByOther, nil, "certification %d changed concurrently", before.ID)
		}
		if err := e.Repo.ClearSpotCheck(ctx, tx, after.ID); err != nil {
			return rv, Transition{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return rv, Transition{}, err
	}

	t := Transition{
		Kind:    KindReviewReturned,
		ActorID: actorID,
		Review:  &rv,
		Bust:    []string{BustReviews, BustCerts},
		Audit: []events.Entry{{
			Type:       KindReviewReturned,
			EntityKind: "review",
			EntityID:   strconv.FormatInt(rv.ID, 10),
			ActorID:    actorID,
			Payload:    events.EventPayload{"reason": reason, "certification_reopened": reopened},
		}},
	}
	if reopened {
		t.Before = &before
		t.Certification = &after
		t.Audit = append(t.Audit, events.Entry{
			Type:       KindReopened,
			EntityKind: "certification",
			EntityID:   strconv.FormatInt(after.ID, 10),
			ActorID:    actorID,
			Payload:    events.EventPayload{"changes": certChanges(before, after), "override": true, "review_id": rv.ID},
		})
		if before.ReviewerID != nil {
			t.Notices = []Notice{{RecipientID: *before.ReviewerID, Template: notify.TemplateReviewReturned,
				Vars: map[string]string{"project": before.ProjectName, "reason": reason}}}
		}
	}
	return rv, t, nil
}
