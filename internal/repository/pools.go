package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fundage/internal/fifo"
	"fundage/internal/model"
)

const poolColumns = `id, subject_id, source_event_id, initial_amount, remaining_amount,
	inflow_at, seq, status, version, kind, created_at, updated_at`

func scanPool(row pgx.Row) (model.ResourcePool, error) {
	var p model.ResourcePool
	err := row.Scan(&p.ID, &p.SubjectID, &p.SourceEventID, &p.InitialAmount, &p.RemainingAmount,
		&p.InflowAt, &p.Seq, &p.Status, &p.Version, &p.Kind, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreatePool creates the pool for an inflow event, idempotent on the source
// event id. The second return value reports whether a new pool was created
// or an existing one was returned.
func (q *Queries) CreatePool(ctx context.Context, req model.InflowRequest) (model.ResourcePool, bool, error) {
	id := uuid.New()
	tag, err := q.db.Exec(ctx, `
		INSERT INTO resource_pools (id, subject_id, source_event_id, initial_amount, remaining_amount, inflow_at, status, kind)
		VALUES ($1, $2, $3, $4, $4, $5, 'ACTIVE', $6)
		ON CONFLICT (source_event_id) DO NOTHING`,
		id, req.SubjectID, req.SourceEventID, req.Amount, req.Timestamp, req.Kind)
	if err != nil {
		return model.ResourcePool{}, false, fmt.Errorf("insert pool: %w", err)
	}

	created := tag.RowsAffected() == 1
	pool, err := scanPool(q.db.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM resource_pools WHERE source_event_id = $1`, req.SourceEventID))
	if err != nil {
		return model.ResourcePool{}, false, fmt.Errorf("load pool: %w", err)
	}
	return pool, created, nil
}

// GetPool loads one pool by id.
func (q *Queries) GetPool(ctx context.Context, id uuid.UUID) (model.ResourcePool, error) {
	pool, err := scanPool(q.db.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM resource_pools WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ResourcePool{}, model.ErrEventNotFound
	}
	return pool, err
}

// ActivePoolsForUpdate loads the subject's consumable queue in FIFO order
// and row-locks it for the duration of the transaction.
func (q *Queries) ActivePoolsForUpdate(ctx context.Context, subjectID string) ([]model.ResourcePool, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+poolColumns+`
		FROM resource_pools
		WHERE subject_id = $1 AND status = 'ACTIVE'
		ORDER BY inflow_at, seq
		FOR UPDATE`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load active pools: %w", err)
	}
	defer rows.Close()

	var pools []model.ResourcePool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// ApplyPoolMutations writes the balance changes a consumption pass produced,
// bumping the optimistic version counter on every touched pool.
func (q *Queries) ApplyPoolMutations(ctx context.Context, muts []fifo.PoolMutation) error {
	if len(muts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range muts {
		batch.Queue(`
			UPDATE resource_pools
			SET remaining_amount = $2, status = $3, version = version + 1, updated_at = now()
			WHERE id = $1`, m.PoolID, m.NewRemaining, m.NewStatus)
	}
	results := q.db.SendBatch(ctx, batch)
	defer results.Close()
	for range muts {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("apply pool mutation: %w", err)
		}
	}
	return nil
}

// RestorePoolBalance gives back a consumed amount during recompute rollback,
// reviving an exhausted pool.
func (q *Queries) RestorePoolBalance(ctx context.Context, poolID uuid.UUID, amount int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE resource_pools
		SET remaining_amount = remaining_amount + $2, status = 'ACTIVE', version = version + 1, updated_at = now()
		WHERE id = $1`, poolID, amount)
	if err != nil {
		return fmt.Errorf("restore pool %s: %w", poolID, err)
	}
	return nil
}

// DeletePool removes a pool. Only used to compensate a failed inflow saga;
// the ledger itself never physically deletes pools.
func (q *Queries) DeletePool(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM resource_pools WHERE id = $1`, id)
	return err
}
