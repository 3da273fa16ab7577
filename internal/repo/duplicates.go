package repo

import (
	"context"
	"database/sql"
)

// UncheckedCertification is the slice of a certification the duplicate sweep needs.
type UncheckedCertification struct {
	ID      int64
	RepoURL string
}

// ListUncheckedForDuplicates returns certifications never swept, oldest first.
func (r Repo) ListUncheckedForDuplicates(ctx context.Context, limit int) ([]UncheckedCertification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, repo_url FROM certifications
WHERE duplicates_checked_at IS NULL ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []UncheckedCertification
	for rows.Next() {
		var u UncheckedCertification
		if err := rows.Scan(&u.ID, &u.RepoURL); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// EarliestWithRepoKey returns the smallest certification id below beforeID sharing key.
func (r Repo) EarliestWithRepoKey(ctx context.Context, key string, beforeID int64) (int64, bool, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM certifications WHERE repo_key=? AND id<? ORDER BY id LIMIT 1`, key, beforeID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// MarkDuplicateChecked stamps the sweep result. Already-checked rows are left alone.
func (r Repo) MarkDuplicateChecked(ctx context.Context, id int64, key *string, duplicateOf *int64, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE certifications SET repo_key=?, duplicate_of_id=?, duplicates_checked_at=?
WHERE id=? AND duplicates_checked_at IS NULL`, nullableStringPtr(key), nullableInt64Ptr(duplicateOf), now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
