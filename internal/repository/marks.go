package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fundage/internal/model"
)

// InsertMark records that the subject's history from mark.FromTS onward must
// be replayed.
func (q *Queries) InsertMark(ctx context.Context, mark model.DirtyMark) error {
	if mark.ID == uuid.Nil {
		mark.ID = uuid.New()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO dirty_marks (id, subject_id, from_ts, reason, pool_ids)
		VALUES ($1, $2, $3, $4, $5)`,
		mark.ID, mark.SubjectID, mark.FromTS, mark.Reason, mark.PoolIDs)
	if err != nil {
		return fmt.Errorf("insert dirty mark: %w", err)
	}
	return nil
}

// MarksFor returns all open dirty marks for the subject.
func (q *Queries) MarksFor(ctx context.Context, subjectID string) ([]model.DirtyMark, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, subject_id, from_ts, reason, pool_ids, created_at
		FROM dirty_marks WHERE subject_id = $1
		ORDER BY from_ts`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load dirty marks: %w", err)
	}
	defer rows.Close()

	var marks []model.DirtyMark
	for rows.Next() {
		var m model.DirtyMark
		if err := rows.Scan(&m.ID, &m.SubjectID, &m.FromTS, &m.Reason, &m.PoolIDs, &m.CreatedAt); err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

// ClearMarks deletes the subject's dirty marks after a successful recompute
// pass, returning how many were consumed.
func (q *Queries) ClearMarks(ctx context.Context, subjectID string) (int, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM dirty_marks WHERE subject_id = $1`, subjectID)
	if err != nil {
		return 0, fmt.Errorf("clear dirty marks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
