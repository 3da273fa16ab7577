package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"shipyard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set, the pool otherwise.
func (r Repo) q(tx *sql.Tx) DBTX {
	if tx != nil {
		return tx
	}
	return r.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

const certColumns = `id,origin_id,submitter_id,submitter_name,project_name,project_type,description,demo_url,repo_url,readme_url,
dev_time_seconds,status,claimant_id,claim_started_at,reviewer_id,feedback,proof_url,decided_at,cookies_earned,payout_multiplier,
custom_bounty,repo_key,duplicate_of_id,duplicates_checked_at,spot_checked,spot_checked_at,spot_checked_by,spot_passed,spot_removed,
synced_to_origin,created_at,updated_at`

func scanCertification(row rowScanner) (domain.Certification, error) {
	var c domain.Certification
	var (
		submitterName, projectType, claimant, claimStarted, reviewer, feedback, proof, decidedAt sql.NullString
		repoKey, checkedAt, spotAt, spotBy                                                       sql.NullString
		cookies, multiplier, bounty                                                              sql.NullFloat64
		dupOf                                                                                    sql.NullInt64
		spotPassed                                                                               sql.NullBool
	)
	err := row.Scan(&c.ID, &c.OriginID, &c.SubmitterID, &submitterName, &c.ProjectName, &projectType, &c.Description,
		&c.DemoURL, &c.RepoURL, &c.ReadmeURL, &c.DevTimeSeconds, &c.Status, &claimant, &claimStarted, &reviewer, &feedback,
		&proof, &decidedAt, &cookies, &multiplier, &bounty, &repoKey, &dupOf, &checkedAt, &c.SpotChecked, &spotAt, &spotBy,
		&spotPassed, &c.SpotRemoved, &c.SyncedToOrigin, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.SubmitterName = submitterName.String
	c.ProjectType = strPtr(projectType)
	c.ClaimantID = strPtr(claimant)
	c.ClaimStartedAt = strPtr(claimStarted)
	c.ReviewerID = strPtr(reviewer)
	c.Feedback = strPtr(feedback)
	c.ProofURL = strPtr(proof)
	c.DecidedAt = strPtr(decidedAt)
	c.CookiesEarned = floatPtr(cookies)
	c.PayoutMultiplier = floatPtr(multiplier)
	c.CustomBounty = floatPtr(bounty)
	c.RepoKey = strPtr(repoKey)
	c.DuplicateOfID = int64Ptr(dupOf)
	c.DuplicatesCheckedAt = strPtr(checkedAt)
	c.SpotCheckedAt = strPtr(spotAt)
	c.SpotCheckedBy = strPtr(spotBy)
	if spotPassed.Valid {
		v := spotPassed.Bool
		c.SpotPassed = &v
	}
	return c, nil
}

// InsertCertification stores a new certification and returns its id.
func (r Repo) InsertCertification(ctx context.Context, tx *sql.Tx, c domain.Certification) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO certifications(origin_id,submitter_id,submitter_name,project_name,project_type,
description,demo_url,repo_url,readme_url,dev_time_seconds,status,repo_key,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.OriginID, c.SubmitterID, nullable(c.SubmitterName), c.ProjectName, nullableStringPtr(c.ProjectType), c.Description,
		c.DemoURL, c.RepoURL, c.ReadmeURL, c.DevTimeSeconds, c.Status, nullableStringPtr(c.RepoKey), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetCertification(ctx context.Context, tx *sql.Tx, id int64) (domain.Certification, error) {
	return scanCertification(r.q(tx).QueryRowContext(ctx, `SELECT `+certColumns+` FROM certifications WHERE id=?`, id))
}

// ActiveCertificationForOrigin returns the pending or approved certification for an origin id.
func (r Repo) ActiveCertificationForOrigin(ctx context.Context, tx *sql.Tx, originID string) (domain.Certification, error) {
	return scanCertification(r.q(tx).QueryRowContext(ctx, `SELECT `+certColumns+` FROM certifications
WHERE origin_id=? AND status IN ('pending','approved') ORDER BY id LIMIT 1`, originID))
}

type CertFilters struct {
	Status     string
	ReviewerID string
	Limit      int
	// AfterID pages forward by id.
	AfterID int64
}

func (r Repo) ListCertifications(ctx context.Context, f CertFilters) ([]domain.Certification, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ReviewerID != "" {
		clauses = append(clauses, "reviewer_id=?")
		args = append(args, f.ReviewerID)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM certifications WHERE %s ORDER BY id LIMIT ?`, certColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Certification
	for rows.Next() {
		c, err := scanCertification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
