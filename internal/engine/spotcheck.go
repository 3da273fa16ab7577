package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"shipyard/internal/domain"
	"shipyard/internal/engine/auth"
	"shipyard/internal/events"
	"shipyard/internal/notify"
	"shipyard/internal/repo"
)

// SampleSpotCheck picks one decided, unaudited certification reviewed by
// reviewerID uniformly at random. It returns nil when there is none.
func (e Engine) SampleSpotCheck(ctx context.Context, actorID, reviewerID string) (*domain.Certification, error) {
	if err := e.Require(ctx, actorID, auth.SpotCheck); err != nil {
		return nil, err
	}
	n, err := e.Repo.CountSpotCandidates(ctx, reviewerID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	pick := e.Rand
	if pick == nil {
		pick = func(int) int { return 0 }
	}
	c, err := e.Repo.SpotCandidateAt(ctx, reviewerID, pick(n))
	if errors.Is(err, repo.ErrNotFound) {
		// a candidate was checked between count and fetch
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type SpotCheckInput struct {
	CertID     int64
	ReviewerID string
	StaffID    string
	Outcome    string
	Reasoning  string
	Notes      string
}

func caseID(prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// DecideSpotCheck records an audit of a reviewer's decision. A rejected
// audit opens an SC- case and removes the certification from rankings; an
// approved audit files a resolved PASS- case.
func (e Engine) DecideSpotCheck(ctx context.Context, in SpotCheckInput) (domain.SpotCheckCase, Transition, error) {
	if in.Outcome != domain.StatusApproved && in.Outcome != domain.StatusRejected {
		return domain.SpotCheckCase{}, Transition{}, invalidInput("outcome must be approved or rejected")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.SpotCheckCase{}, Transition{}, err
	}
	defer tx.Rollback()

	_, perms, err := e.principal(ctx, tx, in.StaffID)
	if err != nil {
		return domain.SpotCheckCase{}, Transition{}, err
	}
	if !perms.Has(auth.SpotCheck) {
		return domain.SpotCheckCase{}, Transition{}, forbidden(auth.SpotCheck)
	}
	c, err := e.Repo.GetCertification(ctx, tx, in.CertID)
	if err != nil {
		return domain.SpotCheckCase{}, Transition{}, lookup(err, "certification", in.CertID)
	}
	if c.Status == domain.StatusPending {
		return domain.SpotCheckCase{}, Transition{}, invalidInput("certification %d is not decided", c.ID)
	}
	if deref(c.ReviewerID) != in.ReviewerID {
		return domain.SpotCheckCase{}, Transition{}, invalidInput("certification %d was not reviewed by %s", c.ID, in.ReviewerID)
	}
	if c.SpotChecked {
		return domain.SpotCheckCase{}, Transition{}, newError(ReasonDuplicate, map[string]any{"certification_id": c.ID},
			"certification %d was already spot checked", c.ID)
	}

	ts := stamp(e.now())
	passed := in.Outcome == domain.StatusApproved
	sc := domain.SpotCheckCase{
		CertificationID: c.ID,
		ReviewerID:      in.ReviewerID,
		StaffID:         in.StaffID,
		Outcome:         in.Outcome,
		Reasoning:       in.Reasoning,
		Notes:           in.Notes,
		CreatedAt:       ts,
	}
	if passed {
		sc.CaseID = caseID("PASS-")
		sc.Status = domain.CaseResolved
		sc.ResolvedAt = &ts
		sc.ResolvedBy = &in.StaffID
	} else {
		sc.CaseID = caseID("SC-")
		sc.Status = domain.CaseUnresolved
		sc.LeaderboardRemoved = true
	}
	ok, err := e.Repo.MarkSpotChecked(ctx, tx, c.ID, in.StaffID, passed, !passed, ts)
	if err != nil {
		return domain.SpotCheckCase{}, Transition{}, err
	}
	if !ok {
		return domain.SpotCheckCase{}, Transition{}, newError(ReasonDuplicate, map[string]any{"certification_id": c.ID},
			"certification %d was already spot checked", c.ID)
	}
	id, err := e.Repo.InsertSpotCheckCase(ctx, tx, sc)
	if err != nil {
		return domain.SpotCheckCase{}, Transition{}, err
	}
	sc.ID = id
	after, err := e.Repo.GetCertification(ctx, tx, c.ID)
	if err != nil {
		return domain.SpotCheckCase{}, Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SpotCheckCase{}, Transition{}, err
	}

	t := Transition{
		Kind:          KindSpotChecked,
		ActorID:       in.StaffID,
		Before:        &c,
		Certification: &after,
		Bust:          []string{BustCerts},
		Audit: []events.Entry{{
			Type:       KindSpotChecked,
			EntityKind: "certification",
			EntityID:   strconv.FormatInt(c.ID, 10),
			ActorID:    in.StaffID,
			Payload: events.EventPayload{
				"case_id":     sc.CaseID,
				"outcome":     sc.Outcome,
				"reviewer_id": sc.ReviewerID,
			},
		}},
	}
	if !passed {
		t.Notices = []Notice{{RecipientID: in.ReviewerID, Template: notify.TemplateSpotCheckFailed,
			Vars: map[string]string{"project": c.ProjectName, "case": sc.CaseID}}}
	}
	return sc, t, nil
}

// ResolveSpotCheckCase toggles a case between unresolved and resolved.
func (e Engine) ResolveSpotCheckCase(ctx context.Context, caseID, staffID string) (domain.SpotCheckCase, Transition, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.SpotCheckCase{}, Transition{}, err
	}
	defer tx.Rollback()

	_, perms, err := e.principal(ctx, tx, staffID)
	if err != nil {
		return domain.SpotCheckCase{}, Transition{}, err
	}
	if !perms.Has(auth.SpotCheck) {
		return domain.SpotCheckCase{}, Transition{}, forbidden(auth.SpotCheck)
	}
	sc, err := e.Repo.GetSpotCheckCase(ctx, tx, caseID)
	if err != nil {
		return domain.SpotCheckCase{}, Transition{}, lookup(err, "spot check case", caseID)
	}
	before := sc.Status
	if sc.Status == domain.CaseResolved {
		sc.Status = domain.CaseUnresolved
		sc.ResolvedAt, sc.ResolvedBy = nil, nil
	} else {
		ts := stamp(e.now())
		sc.Status = domain.CaseResolved
		sc.ResolvedAt, sc.ResolvedBy = &ts, &staffID
	}
	if err := e.Repo.SetCaseResolution(ctx, tx, sc); err != nil {
		return domain.SpotCheckCase{}, Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SpotCheckCase{}, Transition{}, err
	}
	return sc, Transition{
		Kind:    KindCaseResolved,
		ActorID: staffID,
		Audit: []events.Entry{{
			Type:       KindCaseResolved,
			EntityKind: "spot_check_case",
			EntityID:   sc.CaseID,
			ActorID:    staffID,
			Payload:    events.EventPayload{"changes": changes(field{"status", before, sc.Status})},
		}},
	}, nil
}

type SpotCheckStats struct {
	ReviewerID string  `json:"reviewer_id"`
	Total      int     `json:"total"`
	Passed     int     `json:"passed"`
	Failed     int     `json:"failed"`
	PassRate   float64 `json:"pass_rate"`
}

func (e Engine) SpotCheckStats(ctx context.Context, actorID, reviewerID string) (SpotCheckStats, error) {
	if err := e.Require(ctx, actorID, auth.SpotCheck); err != nil {
		return SpotCheckStats{}, err
	}
	counts, err := e.Repo.SpotCheckOutcomes(ctx, reviewerID)
	if err != nil {
		return SpotCheckStats{}, err
	}
	st := SpotCheckStats{
		ReviewerID: reviewerID,
		Passed:     counts[domain.StatusApproved],
		Failed:     counts[domain.StatusRejected],
	}
	st.Total = st.Passed + st.Failed
	if st.Total > 0 {
		st.PassRate = float64(st.Passed) / float64(st.Total)
	}
	return st, nil
}
