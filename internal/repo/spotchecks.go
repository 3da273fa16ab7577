package repo

import (
	"context"
	"database/sql"

	"shipyard/internal/domain"
)

const spotCandidateWhere = `reviewer_id=? AND status IN ('approved','rejected') AND spot_checked=0`

// CountSpotCandidates counts decided, unaudited certifications for reviewerID.
func (r Repo) CountSpotCandidates(ctx context.Context, reviewerID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM certifications WHERE `+spotCandidateWhere, reviewerID).Scan(&n)
	return n, err
}

// SpotCandidateAt returns the candidate at offset in id order.
func (r Repo) SpotCandidateAt(ctx context.Context, reviewerID string, offset int) (domain.Certification, error) {
	return scanCertification(r.DB.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certifications WHERE `+spotCandidateWhere+`
ORDER BY id LIMIT 1 OFFSET ?`, reviewerID, offset))
}

// MarkSpotChecked stamps the audit result on a certification not yet checked.
func (r Repo) MarkSpotChecked(ctx context.Context, tx *sql.Tx, certID int64, staffID string, passed, removed bool, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE certifications SET spot_checked=1, spot_checked_at=?, spot_checked_by=?, spot_passed=?,
spot_removed=?, updated_at=? WHERE id=? AND spot_checked=0`, now, staffID, boolInt(passed), boolInt(removed), now, certID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClearSpotCheck makes a re-opened certification a sampling candidate again
// once it is decided anew. Cases already filed stay as they are.
func (r Repo) ClearSpotCheck(ctx context.Context, tx *sql.Tx, certID int64) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE certifications SET spot_checked=0, spot_checked_at=NULL, spot_checked_by=NULL,
spot_passed=NULL, spot_removed=0 WHERE id=?`, certID)
	return err
}

const caseColumns = `id,case_id,certification_id,reviewer_id,staff_id,outcome,status,reasoning,notes,leaderboard_removed,
resolved_at,resolved_by,created_at`

func scanCase(row rowScanner) (domain.SpotCheckCase, error) {
	var c domain.SpotCheckCase
	var reasoning, notes, resolvedAt, resolvedBy sql.NullString
	err := row.Scan(&c.ID, &c.CaseID, &c.CertificationID, &c.ReviewerID, &c.StaffID, &c.Outcome, &c.Status, &reasoning, &notes,
		&c.LeaderboardRemoved, &resolvedAt, &resolvedBy, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Reasoning = reasoning.String
	c.Notes = notes.String
	c.ResolvedAt = strPtr(resolvedAt)
	c.ResolvedBy = strPtr(resolvedBy)
	return c, nil
}

func (r Repo) InsertSpotCheckCase(ctx context.Context, tx *sql.Tx, c domain.SpotCheckCase) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO spot_check_cases(case_id,certification_id,reviewer_id,staff_id,outcome,status,
reasoning,notes,leaderboard_removed,resolved_at,resolved_by,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.CaseID, c.CertificationID, c.ReviewerID, c.StaffID, c.Outcome, c.Status, nullable(c.Reasoning), nullable(c.Notes),
		boolInt(c.LeaderboardRemoved), nullableStringPtr(c.ResolvedAt), nullableStringPtr(c.ResolvedBy), c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetSpotCheckCase(ctx context.Context, tx *sql.Tx, caseID string) (domain.SpotCheckCase, error) {
	return scanCase(r.q(tx).QueryRowContext(ctx, `SELECT `+caseColumns+` FROM spot_check_cases WHERE case_id=?`, caseID))
}

// SetCaseResolution stores the resolution status and stamps.
func (r Repo) SetCaseResolution(ctx context.Context, tx *sql.Tx, c domain.SpotCheckCase) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE spot_check_cases SET status=?, resolved_at=?, resolved_by=? WHERE id=?`,
		c.Status, nullableStringPtr(c.ResolvedAt), nullableStringPtr(c.ResolvedBy), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SpotCheckOutcomes returns case counts for reviewerID keyed by outcome.
func (r Repo) SpotCheckOutcomes(ctx context.Context, reviewerID string) (map[string]int, error) {
	return countBy(ctx, r.DB, `SELECT outcome, COUNT(*) FROM spot_check_cases WHERE reviewer_id=? GROUP BY outcome`, reviewerID)
}
