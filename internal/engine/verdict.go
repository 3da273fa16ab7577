package engine

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"shipyard/internal/domain"
	"shipyard/internal/engine/auth"
	"shipyard/internal/events"
	"shipyard/internal/notify"
	"shipyard/internal/payout"
	"shipyard/internal/repo"
)

// DecideInput is one reviewer action on a certification. Verdict may be
// empty when only the classification or bounty changes.
type DecideInput struct {
	CertID      int64
	ActorID     string
	Verdict     string
	Feedback    string
	ProofURL    string
	ProjectType *string
	// SetBounty distinguishes "clear the bounty" (Bounty nil) from "leave it".
	SetBounty bool
	Bounty    *float64
}

func validVerdict(v string) bool {
	switch v {
	case "", domain.StatusPending, domain.StatusApproved, domain.StatusRejected:
		return true
	}
	return false
}

// Decide applies a verdict and any classification or bounty override. All
// checks run before the first write; the status write, payout and balance
// credit commit together.
func (e Engine) Decide(ctx context.Context, in DecideInput) (Transition, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return Transition{}, err
	}
	defer tx.Rollback()

	before, err := e.Repo.GetCertification(ctx, tx, in.CertID)
	if err != nil {
		return Transition{}, lookup(err, "certification", in.CertID)
	}
	if !validVerdict(in.Verdict) {
		return Transition{}, invalidInput("unknown verdict %q", in.Verdict)
	}
	if in.SetBounty && in.Bounty != nil && *in.Bounty < 0 {
		return Transition{}, invalidInput("bounty must not be negative")
	}
	user, perms, err := e.principal(ctx, tx, in.ActorID)
	if err != nil {
		return Transition{}, err
	}
	if !perms.Has(auth.CertsEdit) {
		return Transition{}, forbidden(auth.CertsEdit)
	}
	if in.SetBounty && !perms.Has(auth.CertsBounty) {
		return Transition{}, newError(ReasonForbiddenBounty, map[string]any{"permission": auth.CertsBounty},
			"permission %s required to change the bounty", auth.CertsBounty)
	}
	if in.ProjectType != nil && *in.ProjectType != "" {
		if _, ok := e.rates()[*in.ProjectType]; !ok {
			return Transition{}, invalidInput("unknown project type %q", *in.ProjectType)
		}
	}
	if in.Verdict == "" && in.ProjectType == nil && !in.SetBounty {
		return Transition{}, invalidInput("nothing to change")
	}

	now := e.now()
	cutoff := e.cutoff(now)
	override := false
	if before.Status != domain.StatusPending && in.Verdict != "" {
		if !perms.Has(auth.CertsOverride) {
			return Transition{}, newError(ReasonForbiddenOverride, map[string]any{"status": before.Status},
				"certification %d is already %s", before.ID, before.Status)
		}
		override = true
	} else if liveClaim(before, cutoff) && deref(before.ClaimantID) != in.ActorID {
		if !perms.Has(auth.CertsOverride) {
			return Transition{}, lockedByOther(deref(before.ClaimantID), e.expiresAt(deref(before.ClaimStartedAt)))
		}
		override = true
	}
	if in.Verdict == domain.StatusPending && before.Status == domain.StatusPending {
		return Transition{}, invalidInput("certification %d is already pending", before.ID)
	}

	after := before
	if in.ProjectType != nil {
		after.ProjectType = optionalString(*in.ProjectType)
	}
	if in.SetBounty {
		after.CustomBounty = in.Bounty
	}
	ts := stamp(now)
	after.UpdatedAt = ts

	var result *payout.Result
	kind := KindUpdated
	switch in.Verdict {
	case domain.StatusApproved, domain.StatusRejected:
		kind = KindApproved
		if in.Verdict == domain.StatusRejected {
			kind = KindRejected
		}
		r := payout.Calc(user.Multiplier, deref(after.ProjectType), after.CustomBounty, e.rates())
		result = &r
		after.Status = in.Verdict
		after.ReviewerID = &in.ActorID
		after.DecidedAt = &ts
		after.Feedback = optionalString(in.Feedback)
		after.ProofURL = optionalString(in.ProofURL)
		after.CookiesEarned = &r.Cookies
		after.PayoutMultiplier = &r.Multiplier
		after.ClaimantID, after.ClaimStartedAt = nil, nil
	case domain.StatusPending:
		kind = KindReopened
		reopen(&after)
	}

	ok, err := e.Repo.WriteCertificationState(ctx, tx, after, repo.ClaimGuard{
		ExpectStatus: before.Status,
		ActorID:      in.ActorID,
		Cutoff:       cutoff,
		Bypass:       override,
	})
	if err != nil {
		return Transition{}, err
	}
	if !ok {
		return Transition{}, lockedByOther(deref(before.ClaimantID), e.expiresAt(deref(before.ClaimStartedAt)))
	}
	if kind == KindReopened {
		if err := e.Repo.ClearSpotCheck(ctx, tx, after.ID); err != nil {
			return Transition{}, err
		}
	}
	if result != nil {
		if err := e.Repo.CreditBalance(ctx, tx, in.ActorID, result.Cookies); err != nil {
			return Transition{}, err
		}
		if err := e.bumpStreak(ctx, tx, user, now); err != nil {
			return Transition{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Transition{}, err
	}

	t := Transition{
		Kind:          kind,
		ActorID:       in.ActorID,
		Override:      override,
		Before:        &before,
		Certification: &after,
		Payout:        result,
		Bust:          []string{BustCerts},
		Audit: []events.Entry{{
			Type:       kind,
			EntityKind: "certification",
			EntityID:   strconv.FormatInt(after.ID, 10),
			ActorID:    in.ActorID,
			Payload: events.EventPayload{
				"changes":  certChanges(before, after),
				"override": override,
			},
		}},
	}
	if tmpl := decisionTemplate(kind); tmpl != "" {
		t.Notices = append(t.Notices, Notice{
			RecipientID: after.SubmitterID,
			Template:    tmpl,
			Vars:        map[string]string{"project": after.ProjectName, "feedback": deref(after.Feedback)},
		})
	}
	return t, nil
}

func decisionTemplate(kind string) string {
	switch kind {
	case KindApproved:
		return notify.TemplateCertApproved
	case KindRejected:
		return notify.TemplateCertRejected
	case KindReopened:
		return notify.TemplateCertReopened
	}
	return ""
}

// reopen sends a decided certification back to the queue: the decision, its
// payout, the claim and any spot check are cleared. Balances are untouched.
func reopen(c *domain.Certification) {
	c.Status = domain.StatusPending
	c.ReviewerID, c.DecidedAt, c.Feedback, c.ProofURL = nil, nil, nil, nil
	c.CookiesEarned, c.PayoutMultiplier = nil, nil
	c.ClaimantID, c.ClaimStartedAt = nil, nil
	c.SpotChecked, c.SpotCheckedAt, c.SpotCheckedBy, c.SpotPassed, c.SpotRemoved = false, nil, nil, nil, false
}

// bumpStreak advances the reviewer's daily streak once the day's decision
// count reaches the threshold. It runs after the decision row is written.
func (e Engine) bumpStreak(ctx context.Context, tx *sql.Tx, u domain.User, now time.Time) error {
	threshold := e.Config.Streak.DailyThreshold
	if threshold <= 0 {
		return nil
	}
	local := now.In(e.Config.Location())
	today := local.Format(time.DateOnly)
	if deref(u.LastStreakDate) == today {
		return nil
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	n, err := e.Repo.CountDecisionsSince(ctx, tx, u.ID, stamp(midnight))
	if err != nil {
		return err
	}
	if n < threshold {
		return nil
	}
	streak := 1
	if deref(u.LastStreakDate) == local.AddDate(0, 0, -1).Format(time.DateOnly) {
		streak = u.Streak + 1
	}
	return e.Repo.SetStreak(ctx, tx, u.ID, streak, today)
}
