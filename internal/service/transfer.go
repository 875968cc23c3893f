package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"fundage/internal/lock"
	"fundage/internal/model"
	"fundage/internal/saga"
)

var ErrSameSubject = errors.New("transfer requires two distinct subjects")

// Transfer debits the sender and credits the receiver as one saga. The two
// halves run under a group lock keyed by the subject pair, so concurrent
// transfers between the same subjects serialize; each half still takes its
// own subject mutation lock inside.
func (s *Ledger) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	if req.FromSubjectID == req.ToSubjectID {
		return nil, ErrSameSubject
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if req.SourceEventID == "" {
		req.SourceEventID = uuid.NewString()
	}

	lease, err := s.locks.Acquire(ctx, lock.GroupKey(pairKey(req.FromSubjectID, req.ToSubjectID)), s.locks.Policies().Group)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease)

	var (
		out  *model.OutflowResult
		pool *model.ResourcePool
	)
	sg := saga.New("transfer").
		Step("debit",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				var err error
				out, err = s.RecordOutflow(ctx, model.OutflowRequest{
					SubjectID: req.FromSubjectID,
					Amount:    req.Amount,
					Timestamp: req.Timestamp,
				})
				return nil, err
			},
			func(ctx context.Context, _ *saga.Context) error {
				// undoOutflow rewrites pool balances; the group lock
				// alone does not exclude a direct outflow on the sender,
				// so take the subject mutation lock again.
				lease, err := s.locks.Acquire(ctx, lock.MutationKey(req.FromSubjectID), s.locks.Policies().Mutation)
				if err != nil {
					return err
				}
				defer s.release(ctx, lease)
				if err := s.undoOutflow(ctx, out.OutflowEventID); err != nil {
					return err
				}
				return s.store.InTx(ctx, func(q Tx) error {
					return q.ApplyBalanceDelta(ctx, req.FromSubjectID, req.Amount)
				})
			}).
		Step("credit",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				var err error
				pool, _, err = s.RecordInflow(ctx, model.InflowRequest{
					SubjectID:     req.ToSubjectID,
					Amount:        req.Amount,
					Timestamp:     req.Timestamp,
					SourceEventID: "transfer:" + req.SourceEventID,
					Kind:          model.KindMoney,
				})
				return nil, err
			},
			nil).
		Build()

	if _, err := sg.Run(ctx, nil); err != nil {
		return nil, err
	}
	s.log.Info("transfer done",
		"from", req.FromSubjectID, "to", req.ToSubjectID, "amount", req.Amount)
	return &TransferResult{Outflow: out, Pool: pool}, nil
}

// pairKey is order-independent so A→B and B→A transfers contend on the same
// lock.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
