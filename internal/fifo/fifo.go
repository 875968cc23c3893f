// Package fifo implements the FIFO consumption engine: it satisfies one
// outflow from a subject's resource pools in inflow-time order and derives
// the amount-weighted money age of the spend.
//
// The engine is pure. It never touches storage: callers load the ACTIVE
// pools, and apply the returned links and pool mutations inside their own
// transaction so nothing is partially visible.
package fifo

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundage/internal/model"
)

// PoolMutation is one pool balance change produced by a consumption pass.
type PoolMutation struct {
	PoolID       uuid.UUID
	NewRemaining int64
	NewStatus    model.PoolStatus
}

// Result is the full outcome of consuming one outflow.
type Result struct {
	Links           []model.ConsumptionLink
	Mutations       []PoolMutation
	WeightedAgeDays decimal.Decimal
	Overdraft       int64 // residual not covered by any pool, 0 when fully backed
}

// Consume satisfies amount at time outflowAt from the given pools, oldest
// inflow first. Pools with equal inflow timestamps are ordered by creation
// sequence, never by amount, so replays are deterministic.
//
// If the pools run out, the residual becomes a single OVERDRAFT link with
// age zero. Unmatched spend is defined as age zero by policy, never an
// error.
func Consume(pools []model.ResourcePool, outflowID uuid.UUID, amount int64, outflowAt time.Time) (*Result, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	queue := make([]model.ResourcePool, len(pools))
	copy(queue, pools)
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].InflowAt.Equal(queue[j].InflowAt) {
			return queue[i].Seq < queue[j].Seq
		}
		return queue[i].InflowAt.Before(queue[j].InflowAt)
	})

	res := &Result{}
	remaining := amount
	var weightedSum int64

	for i := range queue {
		if remaining <= 0 {
			break
		}
		pool := &queue[i]
		if pool.Status != model.PoolActive || pool.RemainingAmount <= 0 {
			continue
		}

		take := pool.RemainingAmount
		if remaining < take {
			take = remaining
		}

		age := model.AgeDays(pool.InflowAt, outflowAt)
		inflowAt := pool.InflowAt
		poolID := pool.ID
		res.Links = append(res.Links, model.ConsumptionLink{
			ID:             uuid.New(),
			OutflowEventID: outflowID,
			PoolID:         &poolID,
			Amount:         take,
			PoolInflowAt:   &inflowAt,
			OutflowAt:      outflowAt,
			AgeDays:        age,
			Kind:           model.LinkNormal,
		})

		pool.RemainingAmount -= take
		status := model.PoolActive
		if pool.RemainingAmount == 0 {
			status = model.PoolExhausted
		}
		res.Mutations = append(res.Mutations, PoolMutation{
			PoolID:       pool.ID,
			NewRemaining: pool.RemainingAmount,
			NewStatus:    status,
		})

		weightedSum += take * int64(age)
		remaining -= take
	}

	if remaining > 0 {
		res.Overdraft = remaining
		res.Links = append(res.Links, model.ConsumptionLink{
			ID:             uuid.New(),
			OutflowEventID: outflowID,
			Amount:         remaining,
			OutflowAt:      outflowAt,
			AgeDays:        0,
			Kind:           model.LinkOverdraft,
		})
	}

	res.WeightedAgeDays = decimal.NewFromInt(weightedSum).
		DivRound(decimal.NewFromInt(amount), 2)
	return res, nil
}
