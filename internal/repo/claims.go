package repo

import (
	"context"
	"database/sql"

	"shipyard/internal/domain"
)

// ClaimGuard is the condition every certification write is checked against:
// the row must still be in ExpectStatus and must not carry a live claim held
// by anyone other than ActorID, unless Bypass is set. Claims started at or
// before Cutoff are expired.
type ClaimGuard struct {
	ExpectStatus string
	ActorID      string
	Cutoff       string
	Bypass       bool
}

const guardClause = `status=? AND (?=1 OR claimant_id IS NULL OR claim_started_at IS NULL OR claimant_id=? OR claim_started_at<=?)`

func (g ClaimGuard) args() []any {
	return []any{g.ExpectStatus, boolInt(g.Bypass), g.ActorID, g.Cutoff}
}

// ClaimCertification sets the claim fields when the guard holds. It reports
// false when the row was not updated.
func (r Repo) ClaimCertification(ctx context.Context, tx *sql.Tx, id int64, g ClaimGuard, now string) (bool, error) {
	args := []any{g.ActorID, now, now, id}
	args = append(args, g.args()...)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE certifications SET claimant_id=?, claim_started_at=?, updated_at=?
WHERE id=? AND `+guardClause, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseCertification clears the claim fields when the guard holds.
func (r Repo) ReleaseCertification(ctx context.Context, tx *sql.Tx, id int64, g ClaimGuard, now string) (bool, error) {
	args := []any{now, id, boolInt(g.Bypass), g.ActorID, g.Cutoff}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE certifications SET claimant_id=NULL, claim_started_at=NULL, updated_at=?
WHERE id=? AND (?=1 OR claimant_id IS NULL OR claim_started_at IS NULL OR claimant_id=? OR claim_started_at<=?)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LiveClaimElsewhere returns the id of a pending certification other than
// exceptID on which actorID holds an unexpired claim.
func (r Repo) LiveClaimElsewhere(ctx context.Context, tx *sql.Tx, actorID string, exceptID int64, cutoff string) (int64, bool, error) {
	var id int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT id FROM certifications
WHERE claimant_id=? AND id<>? AND status='pending' AND claim_started_at>? ORDER BY id LIMIT 1`, actorID, exceptID, cutoff).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// WriteCertificationState persists the mutable lifecycle fields of c when the
// guard holds. Every status change goes through here.
func (r Repo) WriteCertificationState(ctx context.Context, tx *sql.Tx, c domain.Certification, g ClaimGuard) (bool, error) {
	args := []any{
		c.Status,
		nullableStringPtr(c.ProjectType),
		nullableFloatPtr(c.CustomBounty),
		nullableStringPtr(c.ClaimantID),
		nullableStringPtr(c.ClaimStartedAt),
		nullableStringPtr(c.ReviewerID),
		nullableStringPtr(c.Feedback),
		nullableStringPtr(c.ProofURL),
		nullableStringPtr(c.DecidedAt),
		nullableFloatPtr(c.CookiesEarned),
		nullableFloatPtr(c.PayoutMultiplier),
		c.UpdatedAt,
		c.ID,
	}
	args = append(args, g.args()...)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE certifications SET status=?, project_type=?, custom_bounty=?, claimant_id=?,
claim_started_at=?, reviewer_id=?, feedback=?, proof_url=?, decided_at=?, cookies_earned=?, payout_multiplier=?, updated_at=?
WHERE id=? AND `+guardClause, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkSynced records a successful push to the origin platform.
func (r Repo) MarkSynced(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE certifications SET synced_to_origin=1 WHERE id=?`, id)
	return err
}

// CountDecisionsSince counts approvals and rejections by reviewerID decided at or after since.
func (r Repo) CountDecisionsSince(ctx context.Context, tx *sql.Tx, reviewerID, since string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM certifications
WHERE reviewer_id=? AND status IN ('approved','rejected') AND decided_at>=?`, reviewerID, since).Scan(&n)
	return n, err
}
