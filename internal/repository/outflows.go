package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fundage/internal/model"
)

// InsertOutflow persists one outflow event.
func (q *Queries) InsertOutflow(ctx context.Context, e model.OutflowEvent) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO outflow_events (id, subject_id, amount, outflow_at, weighted_age_days, health_level)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SubjectID, e.Amount, e.OutflowAt, e.WeightedAgeDays, e.HealthLevel)
	if err != nil {
		return fmt.Errorf("insert outflow: %w", err)
	}
	return nil
}

// DeleteOutflow removes an outflow event and, via cascade, its links. Used
// by saga compensation and by historical deletes.
func (q *Queries) DeleteOutflow(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM outflow_events WHERE id = $1`, id)
	return err
}

// GetOutflow loads one outflow event.
func (q *Queries) GetOutflow(ctx context.Context, id uuid.UUID) (model.OutflowEvent, error) {
	var e model.OutflowEvent
	err := q.db.QueryRow(ctx, `
		SELECT id, subject_id, amount, outflow_at, weighted_age_days, health_level, created_at
		FROM outflow_events WHERE id = $1`, id).
		Scan(&e.ID, &e.SubjectID, &e.Amount, &e.OutflowAt, &e.WeightedAgeDays, &e.HealthLevel, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OutflowEvent{}, model.ErrEventNotFound
	}
	return e, err
}

// OutflowsFrom returns the subject's outflows with timestamp >= from,
// ascending, in the same deterministic order as original ingestion.
func (q *Queries) OutflowsFrom(ctx context.Context, subjectID string, from time.Time) ([]model.OutflowEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, subject_id, amount, outflow_at, weighted_age_days, health_level, created_at
		FROM outflow_events
		WHERE subject_id = $1 AND outflow_at >= $2
		ORDER BY outflow_at, created_at`, subjectID, from)
	if err != nil {
		return nil, fmt.Errorf("load outflows: %w", err)
	}
	defer rows.Close()

	var events []model.OutflowEvent
	for rows.Next() {
		var e model.OutflowEvent
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Amount, &e.OutflowAt,
			&e.WeightedAgeDays, &e.HealthLevel, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpdateOutflowAge rewrites the derived weighted age after a replay.
func (q *Queries) UpdateOutflowAge(ctx context.Context, id uuid.UUID, age decimal.Decimal, level model.HealthLevel) error {
	_, err := q.db.Exec(ctx, `
		UPDATE outflow_events SET weighted_age_days = $2, health_level = $3 WHERE id = $1`,
		id, age, level)
	return err
}

// InsertLinks persists a consumption batch. Caller runs this inside the same
// transaction as the pool mutations.
func (q *Queries) InsertLinks(ctx context.Context, links []model.ConsumptionLink) error {
	if len(links) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range links {
		batch.Queue(`
			INSERT INTO consumption_links (id, outflow_event_id, pool_id, amount, pool_inflow_at, outflow_at, age_days, kind)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			l.ID, l.OutflowEventID, l.PoolID, l.Amount, l.PoolInflowAt, l.OutflowAt, l.AgeDays, l.Kind)
	}
	results := q.db.SendBatch(ctx, batch)
	defer results.Close()
	for range links {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
	}
	return nil
}

// LinkRestore is one deleted link's contribution back to its pool.
type LinkRestore struct {
	PoolID *uuid.UUID
	Amount int64
}

// DeleteLinksFrom deletes every link of the subject whose outflow timestamp
// is >= from, returning what each deleted link must give back to its pool.
// Overdraft links return a nil pool id and restore nothing.
func (q *Queries) DeleteLinksFrom(ctx context.Context, subjectID string, from time.Time) ([]LinkRestore, error) {
	rows, err := q.db.Query(ctx, `
		DELETE FROM consumption_links l
		USING outflow_events oe
		WHERE l.outflow_event_id = oe.id AND oe.subject_id = $1 AND l.outflow_at >= $2
		RETURNING l.pool_id, l.amount`, subjectID, from)
	if err != nil {
		return nil, fmt.Errorf("delete links: %w", err)
	}
	defer rows.Close()

	var restores []LinkRestore
	for rows.Next() {
		var r LinkRestore
		if err := rows.Scan(&r.PoolID, &r.Amount); err != nil {
			return nil, err
		}
		restores = append(restores, r)
	}
	return restores, rows.Err()
}

// DeleteLinksForOutflow removes a single outflow's links, compensating a
// failed outflow saga step.
func (q *Queries) DeleteLinksForOutflow(ctx context.Context, outflowEventID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM consumption_links WHERE outflow_event_id = $1`, outflowEventID)
	return err
}

// LinksByOutflow traces which pools one outflow consumed.
func (q *Queries) LinksByOutflow(ctx context.Context, outflowEventID uuid.UUID) ([]model.ConsumptionLink, error) {
	return q.queryLinks(ctx, `
		SELECT id, outflow_event_id, pool_id, amount, pool_inflow_at, outflow_at, age_days, kind, created_at
		FROM consumption_links WHERE outflow_event_id = $1
		ORDER BY pool_inflow_at NULLS LAST, created_at`, outflowEventID)
}

// LinksByPool traces which outflows consumed one pool.
func (q *Queries) LinksByPool(ctx context.Context, poolID uuid.UUID) ([]model.ConsumptionLink, error) {
	return q.queryLinks(ctx, `
		SELECT id, outflow_event_id, pool_id, amount, pool_inflow_at, outflow_at, age_days, kind, created_at
		FROM consumption_links WHERE pool_id = $1
		ORDER BY outflow_at`, poolID)
}

func (q *Queries) queryLinks(ctx context.Context, sql string, arg any) ([]model.ConsumptionLink, error) {
	rows, err := q.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	defer rows.Close()

	var links []model.ConsumptionLink
	for rows.Next() {
		var l model.ConsumptionLink
		if err := rows.Scan(&l.ID, &l.OutflowEventID, &l.PoolID, &l.Amount,
			&l.PoolInflowAt, &l.OutflowAt, &l.AgeDays, &l.Kind, &l.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// MoneyAge aggregates the subject's current money-age view: amount-weighted
// average across recorded outflows plus the live pool stats.
func (q *Queries) MoneyAge(ctx context.Context, subjectID string) (model.MoneyAge, error) {
	ma := model.MoneyAge{SubjectID: subjectID}

	var weighted decimal.Decimal
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount * weighted_age_days) / NULLIF(SUM(amount), 0), 0)
		FROM outflow_events WHERE subject_id = $1`, subjectID).Scan(&weighted)
	if err != nil {
		return ma, fmt.Errorf("aggregate money age: %w", err)
	}
	ma.WeightedAgeDays = weighted.Round(2)
	ma.HealthLevel = model.HealthForAge(ma.WeightedAgeDays)

	err = q.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'ACTIVE'), COALESCE(SUM(remaining_amount), 0)
		FROM resource_pools WHERE subject_id = $1`, subjectID).
		Scan(&ma.ActivePools, &ma.TotalRemaining)
	if err != nil {
		return ma, fmt.Errorf("aggregate pools: %w", err)
	}
	return ma, nil
}
