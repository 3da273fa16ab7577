package engine

import (
	"context"
	"strconv"
	"time"

	"shipyard/internal/domain"
	"shipyard/internal/engine/auth"
	"shipyard/internal/events"
	"shipyard/internal/repo"
)

// ClaimStatus is the claim view of one certification.
type ClaimStatus struct {
	CertificationID int64   `json:"certification_id"`
	Held            bool    `json:"held"`
	Holder          *string `json:"holder,omitempty"`
	ClaimedAt       *string `json:"claimed_at,omitempty" format:"date-time"`
	ExpiresAt       *string `json:"expires_at,omitempty" format:"date-time"`
	CanEdit         bool    `json:"can_edit"`
}

// liveClaim reports whether c carries an unexpired claim.
func liveClaim(c domain.Certification, cutoff string) bool {
	return c.Status == domain.StatusPending && c.ClaimantID != nil && c.ClaimStartedAt != nil && *c.ClaimStartedAt > cutoff
}

func (e Engine) expiresAt(startedAt string) string {
	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return ""
	}
	return stamp(t.Add(e.ttl()))
}

func (e Engine) claimStatus(c domain.Certification, actorID string, perms auth.Set, now time.Time) ClaimStatus {
	st := ClaimStatus{CertificationID: c.ID}
	if liveClaim(c, e.cutoff(now)) {
		st.Held = true
		st.Holder = c.ClaimantID
		st.ClaimedAt = c.ClaimStartedAt
		exp := e.expiresAt(*c.ClaimStartedAt)
		st.ExpiresAt = &exp
	}
	st.CanEdit = !st.Held || deref(st.Holder) == actorID || perms.Has(auth.CertsOverride) || c.Status != domain.StatusPending
	return st
}

// ClaimStatus reports who holds the claim on certID without changing it.
func (e Engine) ClaimStatus(ctx context.Context, certID int64, actorID string) (ClaimStatus, error) {
	_, perms, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return ClaimStatus{}, err
	}
	if !perms.Has(auth.CertsView) {
		return ClaimStatus{}, forbidden(auth.CertsView)
	}
	c, err := e.Repo.GetCertification(ctx, nil, certID)
	if err != nil {
		return ClaimStatus{}, lookup(err, "certification", certID)
	}
	return e.claimStatus(c, actorID, perms, e.now()), nil
}

// TryClaim takes or refreshes actorID's claim on certID. The write is a
// single conditional update so two racing claimants cannot both succeed.
func (e Engine) TryClaim(ctx context.Context, certID int64, actorID string) (ClaimStatus, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return ClaimStatus{}, err
	}
	defer tx.Rollback()

	_, perms, err := e.principal(ctx, tx, actorID)
	if err != nil {
		return ClaimStatus{}, err
	}
	if !perms.Has(auth.CertsEdit) {
		return ClaimStatus{}, forbidden(auth.CertsEdit)
	}
	now := e.now()
	cutoff := e.cutoff(now)
	heldID, held, err := e.Repo.LiveClaimElsewhere(ctx, tx, actorID, certID, cutoff)
	if err != nil {
		return ClaimStatus{}, err
	}
	if held {
		return ClaimStatus{}, newError(ReasonClaimLimit, map[string]any{"certification_id": heldID},
			"already holding a claim on certification %d", heldID)
	}
	c, err := e.Repo.GetCertification(ctx, tx, certID)
	if err != nil {
		return ClaimStatus{}, lookup(err, "certification", certID)
	}
	if c.Status != domain.StatusPending {
		return ClaimStatus{}, newError(ReasonNotPending, map[string]any{"status": c.Status},
			"certification %d is %s", certID, c.Status)
	}
	ok, err := e.Repo.ClaimCertification(ctx, tx, certID, repo.ClaimGuard{
		ExpectStatus: domain.StatusPending,
		ActorID:      actorID,
		Cutoff:       cutoff,
	}, stamp(now))
	if err != nil {
		return ClaimStatus{}, err
	}
	if !ok {
		return ClaimStatus{}, lockedByOther(deref(c.ClaimantID), e.expiresAt(deref(c.ClaimStartedAt)))
	}
	if err := e.audit().Append(ctx, tx, events.Entry{
		Type:       "certification.claimed",
		EntityKind: "certification",
		EntityID:   strconv.FormatInt(certID, 10),
		ActorID:    actorID,
		Payload:    events.EventPayload{"previous_claimant": c.ClaimantID},
	}); err != nil {
		return ClaimStatus{}, err
	}
	c, err = e.Repo.GetCertification(ctx, tx, certID)
	if err != nil {
		return ClaimStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return ClaimStatus{}, err
	}
	return e.claimStatus(c, actorID, perms, now), nil
}

// ReleaseClaim clears the claim on certID. Only the holder may release a live
// claim unless the actor has certs_override.
func (e Engine) ReleaseClaim(ctx context.Context, certID int64, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, perms, err := e.principal(ctx, tx, actorID)
	if err != nil {
		return err
	}
	if !perms.Has(auth.CertsEdit) {
		return forbidden(auth.CertsEdit)
	}
	c, err := e.Repo.GetCertification(ctx, tx, certID)
	if err != nil {
		return lookup(err, "certification", certID)
	}
	if c.ClaimantID == nil {
		return tx.Commit()
	}
	now := e.now()
	privileged := perms.Has(auth.CertsOverride)
	ok, err := e.Repo.ReleaseCertification(ctx, tx, certID, repo.ClaimGuard{
		ActorID: actorID,
		Cutoff:  e.cutoff(now),
		Bypass:  privileged,
	}, stamp(now))
	if err != nil {
		return err
	}
	if !ok {
		return newError(ReasonForbidden, map[string]any{"holder": deref(c.ClaimantID)},
			"claim is held by %s", deref(c.ClaimantID))
	}
	if err := e.audit().Append(ctx, tx, events.Entry{
		Type:       "certification.released",
		EntityKind: "certification",
		EntityID:   strconv.FormatInt(certID, 10),
		ActorID:    actorID,
		Payload:    events.EventPayload{"claimant": deref(c.ClaimantID), "override": privileged && deref(c.ClaimantID) != actorID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}
