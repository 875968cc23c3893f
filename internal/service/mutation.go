package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fundage/internal/fifo"
	"fundage/internal/lock"
	"fundage/internal/model"
	"fundage/internal/saga"
)

// RecordInflow creates a resource pool for one income event and credits the
// subject's account. SourceEventID deduplicates: a replay returns the pool
// created the first time and changes nothing. A backdated inflow marks the
// subject dirty from its timestamp so later outflows get re-aged.
func (s *Ledger) RecordInflow(ctx context.Context, req model.InflowRequest) (*model.ResourcePool, bool, error) {
	if req.Amount <= 0 {
		return nil, false, model.ErrInvalidAmount
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if req.SourceEventID == "" {
		req.SourceEventID = uuid.NewString()
	}

	lease, err := s.locks.Acquire(ctx, lock.MutationKey(req.SubjectID), s.locks.Policies().Mutation)
	if err != nil {
		return nil, false, err
	}
	defer s.release(ctx, lease)

	var (
		pool    model.ResourcePool
		created bool
	)
	sg := saga.New("record_inflow").
		Step("create_pool",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				if err := leaseOK(lease); err != nil {
					return nil, err
				}
				err := s.store.InTx(ctx, func(q Tx) error {
					var err error
					pool, created, err = q.CreatePool(ctx, req)
					return err
				})
				return nil, err
			},
			func(ctx context.Context, _ *saga.Context) error {
				if !created {
					return nil
				}
				return s.store.InTx(ctx, func(q Tx) error {
					return q.DeletePool(ctx, pool.ID)
				})
			}).
		Step("credit_balance",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				if !created {
					return nil, nil
				}
				err := s.store.InTx(ctx, func(q Tx) error {
					return q.ApplyBalanceDelta(ctx, req.SubjectID, req.Amount)
				})
				return nil, err
			},
			func(ctx context.Context, _ *saga.Context) error {
				if !created {
					return nil
				}
				return s.store.InTx(ctx, func(q Tx) error {
					return q.ApplyBalanceDelta(ctx, req.SubjectID, -req.Amount)
				})
			}).
		Step("mark_backdated",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				if !created {
					return nil, nil
				}
				later, err := s.store.Queries().OutflowsFrom(ctx, req.SubjectID, req.Timestamp)
				if err != nil || len(later) == 0 {
					return nil, err
				}
				s.log.Info("backdated inflow, marking dirty",
					"subject_id", req.SubjectID, "from", req.Timestamp, "affected_outflows", len(later))
				return nil, s.engine.MarkDirty(ctx, model.DirtyMark{
					SubjectID: req.SubjectID,
					FromTS:    req.Timestamp,
					Reason:    model.DirtyInflowInsert,
					PoolIDs:   []uuid.UUID{pool.ID},
				})
			},
			nil).
		Build()

	if _, err := sg.Run(ctx, nil); err != nil {
		return nil, false, err
	}
	return &pool, created, nil
}

// RecordOutflow satisfies one spend FIFO from the subject's pools under the
// subject's mutation lock: consume, debit the account, publish. Any step
// failure compensates the completed steps in reverse. An outflow dated
// before already-recorded outflows files a dirty mark from its timestamp so
// the replay reassigns links in true chronological order.
func (s *Ledger) RecordOutflow(ctx context.Context, req model.OutflowRequest) (*model.OutflowResult, error) {
	if req.Amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	lease, err := s.locks.Acquire(ctx, lock.MutationKey(req.SubjectID), s.locks.Policies().Mutation)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease)

	outflowID := uuid.New()
	var res *fifo.Result

	sg := saga.New("record_outflow").
		Step("consume",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				if err := leaseOK(lease); err != nil {
					return nil, err
				}
				err := s.store.InTx(ctx, func(q Tx) error {
					pools, err := q.ActivePoolsForUpdate(ctx, req.SubjectID)
					if err != nil {
						return err
					}
					res, err = fifo.Consume(pools, outflowID, req.Amount, req.Timestamp)
					if err != nil {
						return err
					}
					event := model.OutflowEvent{
						ID:              outflowID,
						SubjectID:       req.SubjectID,
						Amount:          req.Amount,
						OutflowAt:       req.Timestamp,
						WeightedAgeDays: res.WeightedAgeDays,
						HealthLevel:     model.HealthForAge(res.WeightedAgeDays),
					}
					if err := q.InsertOutflow(ctx, event); err != nil {
						return err
					}
					if err := q.ApplyPoolMutations(ctx, res.Mutations); err != nil {
						return err
					}
					return q.InsertLinks(ctx, res.Links)
				})
				return nil, err
			},
			func(ctx context.Context, _ *saga.Context) error {
				return s.undoOutflow(ctx, outflowID)
			}).
		Step("debit_balance",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				if err := leaseOK(lease); err != nil {
					return nil, err
				}
				err := s.store.InTx(ctx, func(q Tx) error {
					return q.ApplyBalanceDelta(ctx, req.SubjectID, -req.Amount)
				})
				return nil, err
			},
			func(ctx context.Context, _ *saga.Context) error {
				return s.store.InTx(ctx, func(q Tx) error {
					return q.ApplyBalanceDelta(ctx, req.SubjectID, req.Amount)
				})
			}).
		Step("mark_backdated",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				later, err := s.store.Queries().OutflowsFrom(ctx, req.SubjectID, req.Timestamp)
				if err != nil {
					return nil, err
				}
				// The outflow just recorded is in that window; anything
				// else means it landed out of order and consumed pools a
				// later event should have drawn first.
				if !hasOtherOutflows(later, outflowID) {
					return nil, nil
				}
				s.log.Info("backdated outflow, marking dirty",
					"subject_id", req.SubjectID, "from", req.Timestamp)
				return nil, s.engine.MarkDirty(ctx, model.DirtyMark{
					SubjectID: req.SubjectID,
					FromTS:    req.Timestamp,
					Reason:    model.DirtyOutflowInsert,
				})
			},
			nil).
		Step("publish",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				if s.bus == nil {
					return nil, nil
				}
				err := s.bus.PublishLinksCreated(ctx, model.LinksCreatedEvent{
					SubjectID:       req.SubjectID,
					OutflowEventID:  outflowID,
					Amount:          req.Amount,
					WeightedAgeDays: res.WeightedAgeDays,
					LinkCount:       len(res.Links),
					CreatedAt:       time.Now().UTC(),
				})
				if err != nil {
					// The outflow is committed; a lost notification is not
					// worth unwinding it.
					s.log.Warn("links created publish failed",
						"subject_id", req.SubjectID, "outflow_event_id", outflowID, "error", err)
				}
				return nil, nil
			},
			nil).
		Build()

	if _, err := sg.Run(ctx, nil); err != nil {
		return nil, err
	}

	if res.Overdraft > 0 {
		s.log.Warn("outflow exceeded available pools",
			"subject_id", req.SubjectID, "outflow_event_id", outflowID, "overdraft", res.Overdraft)
	}
	return &model.OutflowResult{
		OutflowEventID:  outflowID,
		Links:           res.Links,
		WeightedAgeDays: res.WeightedAgeDays,
		HealthLevel:     model.HealthForAge(res.WeightedAgeDays),
	}, nil
}

// undoOutflow removes an outflow and gives consumed amounts back to their
// pools. Runs only as saga compensation, before any later mutation could
// have consumed from the restored balances.
func (s *Ledger) undoOutflow(ctx context.Context, outflowEventID uuid.UUID) error {
	return s.store.InTx(ctx, func(q Tx) error {
		links, err := q.LinksByOutflow(ctx, outflowEventID)
		if err != nil {
			return err
		}
		for _, l := range links {
			if l.PoolID == nil {
				continue
			}
			if err := q.RestorePoolBalance(ctx, *l.PoolID, l.Amount); err != nil {
				return err
			}
		}
		// Cascades the links.
		return q.DeleteOutflow(ctx, outflowEventID)
	})
}

// hasOtherOutflows reports whether the window holds any outflow besides the
// one just recorded.
func hasOtherOutflows(outflows []model.OutflowEvent, self uuid.UUID) bool {
	for _, oe := range outflows {
		if oe.ID != self {
			return true
		}
	}
	return false
}

// leaseOK reports whether the mutation lock is still held. A lost lease
// means another writer may be in the critical section; the saga aborts and
// compensates rather than keep writing.
func leaseOK(lease *lock.Lease) error {
	select {
	case <-lease.Done():
		return model.ErrLeaseLost
	default:
		return nil
	}
}

func (s *Ledger) release(ctx context.Context, lease *lock.Lease) {
	if _, err := s.locks.Release(context.WithoutCancel(ctx), lease); err != nil {
		s.log.Warn("lock release failed", "key", lease.Key, "error", err)
	}
}
