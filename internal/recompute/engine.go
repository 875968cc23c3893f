// Package recompute replays a subject's outflow history after a historical
// edit invalidated previously derived links and ages.
//
// The engine never recalculates ages in place. It rolls the ledger back to
// the earliest dirty timestamp (delete links, restore pool balances) and
// replays every outflow from that point through the same consumption engine
// the live path uses, so a replayed history is indistinguishable from one
// recorded in order.
package recompute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundage/internal/fifo"
	"fundage/internal/lock"
	"fundage/internal/model"
	"fundage/internal/repository"
)

// Tx is the single-transaction storage surface a replay runs against.
// *repository.Queries satisfies it.
type Tx interface {
	MarksFor(ctx context.Context, subjectID string) ([]model.DirtyMark, error)
	DeleteLinksFrom(ctx context.Context, subjectID string, from time.Time) ([]repository.LinkRestore, error)
	RestorePoolBalance(ctx context.Context, poolID uuid.UUID, amount int64) error
	OutflowsFrom(ctx context.Context, subjectID string, from time.Time) ([]model.OutflowEvent, error)
	ActivePoolsForUpdate(ctx context.Context, subjectID string) ([]model.ResourcePool, error)
	ApplyPoolMutations(ctx context.Context, muts []fifo.PoolMutation) error
	InsertLinks(ctx context.Context, links []model.ConsumptionLink) error
	UpdateOutflowAge(ctx context.Context, id uuid.UUID, age decimal.Decimal, level model.HealthLevel) error
	InsertMark(ctx context.Context, mark model.DirtyMark) error
	ClearMarks(ctx context.Context, subjectID string) (int, error)
}

// Store opens a transaction scope around one replay pass.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Locker acquires and releases the per-subject recompute lock.
type Locker interface {
	Acquire(ctx context.Context, key string, p lock.Policy) (*lock.Lease, error)
	Release(ctx context.Context, lease *lock.Lease) (bool, error)
}

// Enqueuer schedules an asynchronous recompute pass for a subject. Optional;
// without one, marks sit until a caller runs Recompute directly.
type Enqueuer interface {
	EnqueueRecompute(ctx context.Context, subjectID string) error
}

// Engine marks dirty regions and replays them.
type Engine struct {
	store  Store
	locks  Locker
	policy lock.Policy
	jobs   Enqueuer
	log    *slog.Logger
}

func NewEngine(store Store, locks Locker, policy lock.Policy, log *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		locks:  locks,
		policy: policy,
		log:    log,
	}
}

// WithEnqueuer attaches job scheduling. Separate from NewEngine because the
// job client is itself built on top of the engine at bootstrap time.
func (e *Engine) WithEnqueuer(jobs Enqueuer) {
	e.jobs = jobs
}

// MarkDirty records that the subject's history from mark.FromTS onward must
// be replayed, and schedules the pass if an enqueuer is attached. The mark
// survives a crash; scheduling is best effort on top of it.
func (e *Engine) MarkDirty(ctx context.Context, mark model.DirtyMark) error {
	err := e.store.InTx(ctx, func(tx Tx) error {
		return tx.InsertMark(ctx, mark)
	})
	if err != nil {
		return fmt.Errorf("mark dirty: %w", err)
	}
	if e.jobs != nil {
		if err := e.jobs.EnqueueRecompute(ctx, mark.SubjectID); err != nil {
			e.log.Warn("recompute enqueue failed, mark kept",
				"subject_id", mark.SubjectID, "error", err)
		}
	}
	return nil
}

// Rebuild marks the subject dirty from the beginning of time, forcing the
// next pass to replay the entire history from source events.
func (e *Engine) Rebuild(ctx context.Context, subjectID string) error {
	return e.MarkDirty(ctx, model.DirtyMark{
		SubjectID: subjectID,
		FromTS:    time.Unix(0, 0).UTC(),
		Reason:    model.DirtyRebuild,
	})
}

// Recompute consumes all pending marks for the subject in one transaction
// under the subject's recompute lock. A concurrent pass holding the lock
// yields model.ErrRecomputeInProgress; callers retry later, the marks keep.
// With no pending marks the pass is a no-op.
func (e *Engine) Recompute(ctx context.Context, subjectID string) (*model.ReplaySummary, error) {
	lease, err := e.locks.Acquire(ctx, lock.RecomputeKey(subjectID), e.policy)
	if err != nil {
		if errors.Is(err, model.ErrLockUnavailable) {
			return nil, model.ErrRecomputeInProgress
		}
		return nil, fmt.Errorf("acquire recompute lock: %w", err)
	}
	defer func() {
		if _, err := e.locks.Release(context.WithoutCancel(ctx), lease); err != nil {
			e.log.Warn("recompute lock release failed", "subject_id", subjectID, "error", err)
		}
	}()

	summary := &model.ReplaySummary{SubjectID: subjectID}
	err = e.store.InTx(ctx, func(tx Tx) error {
		if err := leaseHeld(lease); err != nil {
			return err
		}
		marks, err := tx.MarksFor(ctx, subjectID)
		if err != nil {
			return err
		}
		if len(marks) == 0 {
			return nil
		}
		// MarksFor orders by from_ts, so the first mark bounds the window.
		from := marks[0].FromTS
		summary.From = from

		restores, err := tx.DeleteLinksFrom(ctx, subjectID, from)
		if err != nil {
			return err
		}
		summary.DeletedLinks = len(restores)
		for _, r := range restores {
			if r.PoolID == nil {
				continue // overdraft links restore nothing
			}
			if err := tx.RestorePoolBalance(ctx, *r.PoolID, r.Amount); err != nil {
				return err
			}
			summary.RestoredPools++
		}

		outflows, err := tx.OutflowsFrom(ctx, subjectID, from)
		if err != nil {
			return err
		}
		for _, oe := range outflows {
			if err := leaseHeld(lease); err != nil {
				return err
			}
			if err := e.replayOutflow(ctx, tx, oe); err != nil {
				return fmt.Errorf("replay outflow %s: %w", oe.ID, err)
			}
		}
		summary.ReplayedEvents = len(outflows)

		// Committing after the lease expired could interleave with a
		// second pass; abort and let the retained marks drive a retry.
		if err := leaseHeld(lease); err != nil {
			return err
		}
		cleared, err := tx.ClearMarks(ctx, subjectID)
		if err != nil {
			return err
		}
		summary.ClearedMarks = cleared
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recompute %s: %w", subjectID, err)
	}

	e.log.Info("recompute pass done",
		"subject_id", subjectID,
		"deleted_links", summary.DeletedLinks,
		"restored_pools", summary.RestoredPools,
		"replayed_events", summary.ReplayedEvents,
		"cleared_marks", summary.ClearedMarks,
	)
	return summary, nil
}

// leaseHeld reports whether the recompute lock is still owned. A lost lease
// aborts the pass: exclusivity is the correctness guarantee, not a hint.
func leaseHeld(lease *lock.Lease) error {
	select {
	case <-lease.Done():
		return model.ErrLeaseLost
	default:
		return nil
	}
}

// replayOutflow runs one historical outflow through the consumption engine
// exactly as the live path would have at its original timestamp.
func (e *Engine) replayOutflow(ctx context.Context, tx Tx, oe model.OutflowEvent) error {
	pools, err := tx.ActivePoolsForUpdate(ctx, oe.SubjectID)
	if err != nil {
		return err
	}
	res, err := fifo.Consume(pools, oe.ID, oe.Amount, oe.OutflowAt)
	if err != nil {
		return err
	}
	if err := tx.ApplyPoolMutations(ctx, res.Mutations); err != nil {
		return err
	}
	if err := tx.InsertLinks(ctx, res.Links); err != nil {
		return err
	}
	return tx.UpdateOutflowAge(ctx, oe.ID, res.WeightedAgeDays, model.HealthForAge(res.WeightedAgeDays))
}
