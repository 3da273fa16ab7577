package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"shipyard/internal/domain"
)

const reviewColumns = `id,certification_id,origin_id,status,units_json,reviewer_id,return_reason,created_at,updated_at`

func scanReview(row rowScanner) (domain.DownstreamReview, error) {
	var rv domain.DownstreamReview
	var units string
	var reviewer, reason sql.NullString
	err := row.Scan(&rv.ID, &rv.CertificationID, &rv.OriginID, &rv.Status, &units, &reviewer, &reason, &rv.CreatedAt, &rv.UpdatedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	if err := json.Unmarshal([]byte(units), &rv.Units); err != nil {
		return rv, fmt.Errorf("review %d units: %w", rv.ID, err)
	}
	if rv.Units == nil {
		rv.Units = []domain.UnitDecision{}
	}
	rv.ReviewerID = strPtr(reviewer)
	rv.ReturnReason = strPtr(reason)
	return rv, nil
}

func (r Repo) GetReview(ctx context.Context, tx *sql.Tx, id int64) (domain.DownstreamReview, error) {
	return scanReview(r.q(tx).QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM downstream_reviews WHERE id=?`, id))
}

func (r Repo) ReviewForCertification(ctx context.Context, tx *sql.Tx, certID int64) (domain.DownstreamReview, error) {
	return scanReview(r.q(tx).QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM downstream_reviews WHERE certification_id=?`, certID))
}

// InsertReview creates a downstream review. The certification_id unique
// index rejects a second review for the same certification.
func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.DownstreamReview) (int64, error) {
	units, err := json.Marshal(rv.Units)
	if err != nil {
		return 0, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO downstream_reviews(certification_id,origin_id,status,units_json,created_at,updated_at)
VALUES (?,?,?,?,?,?)`, rv.CertificationID, rv.OriginID, rv.Status, string(units), rv.CreatedAt, rv.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateReview persists status, units, reviewer and return reason.
func (r Repo) UpdateReview(ctx context.Context, tx *sql.Tx, rv domain.DownstreamReview) error {
	units, err := json.Marshal(rv.Units)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE downstream_reviews SET status=?, units_json=?, reviewer_id=?, return_reason=?, updated_at=?
WHERE id=?`, rv.Status, string(units), nullableStringPtr(rv.ReviewerID), nullableStringPtr(rv.ReturnReason), rv.UpdatedAt, rv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReviewCounts returns downstream review counts keyed by status.
func (r Repo) ReviewCounts(ctx context.Context) (map[string]int, error) {
	return countBy(ctx, r.DB, `SELECT status, COUNT(*) FROM downstream_reviews GROUP BY status`)
}

func countBy(ctx context.Context, q DBTX, query string, args ...any) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		res[k] = n
	}
	return res, rows.Err()
}
