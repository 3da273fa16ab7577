package repo

import (
	"context"
	"database/sql"
)

// CertificationCounts returns certification counts keyed by status.
func (r Repo) CertificationCounts(ctx context.Context) (map[string]int, error) {
	return countBy(ctx, r.DB, `SELECT status, COUNT(*) FROM certifications GROUP BY status`)
}

// OldestPendingCreatedAt returns the creation timestamp of the oldest pending certification.
func (r Repo) OldestPendingCreatedAt(ctx context.Context) (string, bool, error) {
	var ts string
	err := r.DB.QueryRowContext(ctx, `SELECT created_at FROM certifications WHERE status='pending' ORDER BY created_at, id LIMIT 1`).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ts, true, nil
}

type LeaderboardRow struct {
	ReviewerID string  `json:"reviewer_id"`
	Username   string  `json:"username"`
	Decisions  int     `json:"decisions"`
	Cookies    float64 `json:"cookies"`
}

// Leaderboard ranks reviewers by decision count. Certifications removed by a
// failed spot check do not count.
func (r Repo) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT c.reviewer_id, COALESCE(u.username, c.reviewer_id), COUNT(*), COALESCE(SUM(c.cookies_earned),0)
FROM certifications c LEFT JOIN users u ON u.id=c.reviewer_id
WHERE c.status IN ('approved','rejected') AND c.reviewer_id IS NOT NULL AND c.spot_removed=0
GROUP BY c.reviewer_id ORDER BY COUNT(*) DESC, c.reviewer_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []LeaderboardRow
	for rows.Next() {
		var row LeaderboardRow
		if err := rows.Scan(&row.ReviewerID, &row.Username, &row.Decisions, &row.Cookies); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}
