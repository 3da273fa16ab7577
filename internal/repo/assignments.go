package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"shipyard/internal/domain"
)

const assignmentColumns = `id,author_id,certification_id,assignee_id,required_skills,status,project_name,repo_url,demo_url,description,
created_at,updated_at,completed_at`

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var (
		certID                                  sql.NullInt64
		assignee, name, repoURL, demo, desc, cc sql.NullString
		skills                                  string
	)
	err := row.Scan(&a.ID, &a.AuthorID, &certID, &assignee, &skills, &a.Status, &name, &repoURL, &demo, &desc,
		&a.CreatedAt, &a.UpdatedAt, &cc)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(skills), &a.RequiredSkills); err != nil {
		return a, fmt.Errorf("assignment %d skills: %w", a.ID, err)
	}
	a.CertificationID = int64Ptr(certID)
	a.AssigneeID = strPtr(assignee)
	a.ProjectName = name.String
	a.RepoURL = repoURL.String
	a.DemoURL = demo.String
	a.Description = desc.String
	a.CompletedAt = strPtr(cc)
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) (int64, error) {
	skills, err := json.Marshal(nonNil(a.RequiredSkills))
	if err != nil {
		return 0, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO assignments(author_id,certification_id,assignee_id,required_skills,status,
project_name,repo_url,demo_url,description,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.AuthorID, nullableInt64Ptr(a.CertificationID), nullableStringPtr(a.AssigneeID), string(skills), a.Status,
		nullable(a.ProjectName), nullable(a.RepoURL), nullable(a.DemoURL), nullable(a.Description), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAssignment(ctx context.Context, tx *sql.Tx, id int64) (domain.Assignment, error) {
	return scanAssignment(r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
}

func (r Repo) AssignmentForCertification(ctx context.Context, tx *sql.Tx, certID int64) (domain.Assignment, error) {
	return scanAssignment(r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE certification_id=?`, certID))
}

// ActiveAssignmentCounts returns pending plus in_progress assignment counts keyed by assignee.
func (r Repo) ActiveAssignmentCounts(ctx context.Context, tx *sql.Tx) (map[string]int, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT assignee_id, COUNT(*) FROM assignments
WHERE assignee_id IS NOT NULL AND status IN ('pending','in_progress') GROUP BY assignee_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// UpdateAssignment persists status, assignee and completion stamp.
func (r Repo) UpdateAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE assignments SET status=?, assignee_id=?, updated_at=?, completed_at=? WHERE id=?`,
		a.Status, nullableStringPtr(a.AssigneeID), a.UpdatedAt, nullableStringPtr(a.CompletedAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type AssignmentFilters struct {
	AssigneeID string
	Status     string
	Limit      int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE 1=1`
	var args []any
	if f.AssigneeID != "" {
		query += ` AND assignee_id=?`
		args = append(args, f.AssigneeID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
