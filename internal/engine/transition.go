package engine

import (
	"reflect"

	"shipyard/internal/domain"
	"shipyard/internal/events"
	"shipyard/internal/payout"
)

const (
	KindApproved       = "certification.approved"
	KindRejected       = "certification.rejected"
	KindReopened       = "certification.reopened"
	KindUpdated        = "certification.updated"
	KindSubmitted      = "certification.submitted"
	KindRouted         = "assignment.routed"
	KindAssignStatus   = "assignment.status_changed"
	KindReassigned     = "assignment.reassigned"
	KindReviewDone     = "review.completed"
	KindReviewReturned = "review.returned"
	KindReviewRefresh  = "review.refreshed"
	KindSpotChecked    = "spot_check.decided"
	KindCaseResolved   = "spot_check.case_toggled"
	KindDuplicateSweep = "duplicates.swept"
)

const (
	BustCerts       = "certs:*"
	BustReviews     = "reviews:*"
	BustAssignments = "assignments:*"
)

// Notice asks the dispatcher to render a template for one recipient.
type Notice struct {
	RecipientID string
	Template    string
	Vars        map[string]string
}

// Transition describes a committed state change. The API and CLI hand it to
// the effects dispatcher, which owns everything that happens after commit.
type Transition struct {
	Kind     string `json:"kind"`
	ActorID  string `json:"actor_id"`
	Override bool   `json:"override"`

	Before        *domain.Certification    `json:"before,omitempty"`
	Certification *domain.Certification    `json:"certification,omitempty"`
	Assignment    *domain.Assignment       `json:"assignment,omitempty"`
	Review        *domain.DownstreamReview `json:"review,omitempty"`
	Payout        *payout.Result           `json:"payout,omitempty"`

	Audit   []events.Entry `json:"-"`
	Bust    []string       `json:"-"`
	Notices []Notice       `json:"-"`
}

// SyncsOrigin reports whether the certification status should be pushed to
// the origin platform.
func (t Transition) SyncsOrigin() bool {
	if t.Certification == nil || t.Certification.OriginID == "" {
		return false
	}
	switch t.Kind {
	case KindApproved, KindRejected, KindReopened, KindReviewReturned:
		return true
	}
	return false
}

// SpawnsReview reports whether an approval should open a downstream review.
func (t Transition) SpawnsReview() bool {
	return t.Kind == KindApproved && t.Certification != nil && t.Certification.OriginID != ""
}

type field struct {
	name   string
	before any
	after  any
}

// changes lists the fields whose values differ.
func changes(fields ...field) []events.Change {
	var out []events.Change
	for _, f := range fields {
		b, a := flatten(f.before), flatten(f.after)
		if reflect.DeepEqual(b, a) {
			continue
		}
		out = append(out, events.Change{Field: f.name, Before: b, After: a})
	}
	return out
}

func flatten(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return rv.Elem().Interface()
	}
	return v
}

func certChanges(before, after domain.Certification) []events.Change {
	return changes(
		field{"status", before.Status, after.Status},
		field{"project_type", before.ProjectType, after.ProjectType},
		field{"custom_bounty", before.CustomBounty, after.CustomBounty},
		field{"claimant_id", before.ClaimantID, after.ClaimantID},
		field{"reviewer_id", before.ReviewerID, after.ReviewerID},
		field{"feedback", before.Feedback, after.Feedback},
		field{"proof_url", before.ProofURL, after.ProofURL},
		field{"decided_at", before.DecidedAt, after.DecidedAt},
		field{"cookies_earned", before.CookiesEarned, after.CookiesEarned},
		field{"payout_multiplier", before.PayoutMultiplier, after.PayoutMultiplier},
		field{"spot_checked", before.SpotChecked, after.SpotChecked},
	)
}
