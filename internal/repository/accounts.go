package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fundage/internal/model"
)

// ApplyBalanceDelta adjusts the subject's derived balance, creating the
// account row on first use. Deltas are signed minor units.
func (q *Queries) ApplyBalanceDelta(ctx context.Context, subjectID string, delta int64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO accounts (subject_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (subject_id) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance,
		    version = accounts.version + 1,
		    updated_at = now()`, subjectID, delta)
	if err != nil {
		return fmt.Errorf("apply balance delta: %w", err)
	}
	return nil
}

// GetAccount loads the subject's derived balance.
func (q *Queries) GetAccount(ctx context.Context, subjectID string) (model.Account, error) {
	var a model.Account
	err := q.db.QueryRow(ctx, `
		SELECT subject_id, balance, version, updated_at FROM accounts WHERE subject_id = $1`, subjectID).
		Scan(&a.SubjectID, &a.Balance, &a.Version, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, model.ErrSubjectNotFound
	}
	return a, err
}

// Subjects lists every subject with ledger state, for integrity sweeps.
func (q *Queries) Subjects(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT DISTINCT subject_id FROM resource_pools
		UNION
		SELECT subject_id FROM accounts
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}
