package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ConservationSums are the four totals whose identity the ledger must hold
// at every point in time:
//
//	RemainingTotal + ConsumedTotal + OverdraftTotal == InitialTotal + OverdraftTotal
//
// i.e. Σ(active balances) + Σ(NORMAL link amounts) == Σ(inflow amounts).
type ConservationSums struct {
	InitialTotal   int64
	RemainingTotal int64
	ConsumedTotal  int64
	OverdraftTotal int64
}

// ConservationSums computes the subject's conservation totals from source
// rows, never from cached values.
func (q *Queries) ConservationSums(ctx context.Context, subjectID string) (ConservationSums, error) {
	var s ConservationSums
	err := q.db.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT SUM(initial_amount)   FROM resource_pools WHERE subject_id = $1), 0),
			COALESCE((SELECT SUM(remaining_amount) FROM resource_pools WHERE subject_id = $1), 0),
			COALESCE((SELECT SUM(l.amount) FROM consumption_links l
				JOIN outflow_events oe ON oe.id = l.outflow_event_id
				WHERE oe.subject_id = $1 AND l.kind = 'NORMAL'), 0),
			COALESCE((SELECT SUM(l.amount) FROM consumption_links l
				JOIN outflow_events oe ON oe.id = l.outflow_event_id
				WHERE oe.subject_id = $1 AND l.kind = 'OVERDRAFT'), 0)`, subjectID).
		Scan(&s.InitialTotal, &s.RemainingTotal, &s.ConsumedTotal, &s.OverdraftTotal)
	if err != nil {
		return s, fmt.Errorf("conservation sums: %w", err)
	}
	return s, nil
}

// LinkTotalMismatch is an outflow whose links do not sum to its amount.
type LinkTotalMismatch struct {
	OutflowEventID uuid.UUID
	Expected       int64
	Actual         int64
}

// LinkTotalMismatches finds outflows violating Σ(link amounts) = amount.
func (q *Queries) LinkTotalMismatches(ctx context.Context, subjectID string) ([]LinkTotalMismatch, error) {
	rows, err := q.db.Query(ctx, `
		SELECT oe.id, oe.amount, COALESCE(SUM(l.amount), 0)
		FROM outflow_events oe
		LEFT JOIN consumption_links l ON l.outflow_event_id = oe.id
		WHERE oe.subject_id = $1
		GROUP BY oe.id, oe.amount
		HAVING COALESCE(SUM(l.amount), 0) <> oe.amount`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("link total mismatches: %w", err)
	}
	defer rows.Close()

	var out []LinkTotalMismatch
	for rows.Next() {
		var m LinkTotalMismatch
		if err := rows.Scan(&m.OutflowEventID, &m.Expected, &m.Actual); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BalanceDrift compares a subject's stored account balance against the
// balance recomputed from its event history.
type BalanceDrift struct {
	SubjectID string
	Stored    int64
	Expected  int64
}

// BalanceDrift recomputes expected balance = Σ inflows − Σ outflows and
// reads the stored value alongside it.
func (q *Queries) BalanceDrift(ctx context.Context, subjectID string) (BalanceDrift, error) {
	d := BalanceDrift{SubjectID: subjectID}
	err := q.db.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT balance FROM accounts WHERE subject_id = $1), 0),
			COALESCE((SELECT SUM(initial_amount) FROM resource_pools WHERE subject_id = $1), 0)
			- COALESCE((SELECT SUM(amount) FROM outflow_events WHERE subject_id = $1), 0)`, subjectID).
		Scan(&d.Stored, &d.Expected)
	if err != nil {
		return d, fmt.Errorf("balance drift: %w", err)
	}
	return d, nil
}

// CrossSubjectLinkCount counts links whose pool and outflow belong to
// different subjects. Pools are subject-owned; any such link is corruption.
func (q *Queries) CrossSubjectLinkCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM consumption_links l
		JOIN resource_pools p ON p.id = l.pool_id
		JOIN outflow_events oe ON oe.id = l.outflow_event_id
		WHERE p.subject_id <> oe.subject_id`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cross subject links: %w", err)
	}
	return n, nil
}

// OrphanedMarkCount counts dirty marks whose subject has no ledger state
// left — marks that can never be consumed by a recompute pass.
func (q *Queries) OrphanedMarkCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM dirty_marks m
		WHERE NOT EXISTS (SELECT 1 FROM resource_pools p WHERE p.subject_id = m.subject_id)
		  AND NOT EXISTS (SELECT 1 FROM outflow_events oe WHERE oe.subject_id = m.subject_id)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("orphaned marks: %w", err)
	}
	return n, nil
}
