package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"shipyard/internal/domain"
)

const userColumns = `id,username,role,skills_json,active,multiplier,balance,streak,last_streak_date,created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var skills string
	var lastStreak sql.NullString
	err := row.Scan(&u.ID, &u.Username, &u.Role, &skills, &u.Active, &u.Multiplier, &u.Balance, &u.Streak, &lastStreak, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal([]byte(skills), &u.Skills); err != nil {
		return u, fmt.Errorf("user %s skills: %w", u.ID, err)
	}
	u.LastStreakDate = strPtr(lastStreak)
	return u, nil
}

// UpsertUser inserts a user or updates its profile fields. Balance and streak are never touched here.
func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	skills, err := json.Marshal(nonNil(u.Skills))
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO users(id,username,role,skills_json,active,multiplier,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET username=excluded.username, role=excluded.role, skills_json=excluded.skills_json,
active=excluded.active, multiplier=excluded.multiplier`,
		u.ID, u.Username, u.Role, string(skills), boolInt(u.Active), u.Multiplier, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

// ListUsers returns users ordered by id; activeOnly filters inactive accounts.
func (r Repo) ListUsers(ctx context.Context, tx *sql.Tx, activeOnly bool) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY id`
	rows, err := r.q(tx).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// CreditBalance adds amount to the reviewer's running balance.
func (r Repo) CreditBalance(ctx context.Context, tx *sql.Tx, userID string, amount float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET balance=balance+? WHERE id=?`, amount, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStreak stores the reviewer's streak and the local day it was last bumped.
func (r Repo) SetStreak(ctx context.Context, tx *sql.Tx, userID string, streak int, day string) error {
	_, err := tx.ExecContext(ctx, `UPDATE users SET streak=?, last_streak_date=? WHERE id=?`, streak, day, userID)
	return err
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
