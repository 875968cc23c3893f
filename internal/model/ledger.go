package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PoolStatus is the lifecycle state of a resource pool. Pools are never
// deleted, only marked exhausted once their remaining amount hits zero.
type PoolStatus string

const (
	PoolActive    PoolStatus = "ACTIVE"
	PoolExhausted PoolStatus = "EXHAUSTED"
)

// ResourceKind tags what a pool holds. The consumption algorithm is the same
// for every kind: a quantity acquired at time T, consumed FIFO.
type ResourceKind int16

const (
	KindMoney ResourceKind = iota
	KindEquityLot
	KindInventoryBatch
)

func (k ResourceKind) String() string {
	switch k {
	case KindMoney:
		return "money"
	case KindEquityLot:
		return "equity_lot"
	case KindInventoryBatch:
		return "inventory_batch"
	}
	return "unknown"
}

// ResourcePool is one inflow and its remaining spendable amount.
// Amounts are in the smallest currency unit, never floating point.
type ResourcePool struct {
	ID              uuid.UUID
	SubjectID       string
	SourceEventID   string
	InitialAmount   int64
	RemainingAmount int64
	InflowAt        time.Time
	Seq             int64 // creation order, tie-break for equal InflowAt
	Status          PoolStatus
	Version         int64
	Kind            ResourceKind
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LinkKind distinguishes pool-backed consumption from overdraft.
type LinkKind string

const (
	LinkNormal    LinkKind = "NORMAL"
	LinkOverdraft LinkKind = "OVERDRAFT"
)

// ConsumptionLink records one atomic consumption of (part of) a pool by one
// outflow. Overdraft links carry no pool reference and age zero.
type ConsumptionLink struct {
	ID             uuid.UUID
	OutflowEventID uuid.UUID
	PoolID         *uuid.UUID
	Amount         int64
	PoolInflowAt   *time.Time
	OutflowAt      time.Time
	AgeDays        int
	Kind           LinkKind
	CreatedAt      time.Time
}

// OutflowEvent is one spend, kept so recompute can replay history in the
// original order and money-age queries aggregate without touching links.
type OutflowEvent struct {
	ID              uuid.UUID
	SubjectID       string
	Amount          int64
	OutflowAt       time.Time
	WeightedAgeDays decimal.Decimal
	HealthLevel     HealthLevel
	CreatedAt       time.Time
}

// DirtyReason records which kind of historical edit invalidated the window.
type DirtyReason string

const (
	DirtyInflowInsert  DirtyReason = "inflow_insert"
	DirtyInflowUpdate  DirtyReason = "inflow_update"
	DirtyInflowDelete  DirtyReason = "inflow_delete"
	DirtyOutflowInsert DirtyReason = "outflow_insert"
	DirtyOutflowUpdate DirtyReason = "outflow_update"
	DirtyOutflowDelete DirtyReason = "outflow_delete"
	DirtyRebuild       DirtyReason = "rebuild"
)

// DirtyMark is a pending instruction that history from FromTS onward must be
// replayed for a subject. Cleared once the recompute pass succeeds.
type DirtyMark struct {
	ID        uuid.UUID
	SubjectID string
	FromTS    time.Time
	Reason    DirtyReason
	PoolIDs   []uuid.UUID
	CreatedAt time.Time
}

// Account is the derived balance the sagas maintain and the integrity
// service verifies against the event history.
type Account struct {
	SubjectID string
	Balance   int64
	Version   int64
	UpdatedAt time.Time
}

// AgeDays is the whole-day age of funds acquired at inflowAt and spent at
// outflowAt, clamped to zero for future-dated inflows.
func AgeDays(inflowAt, outflowAt time.Time) int {
	if outflowAt.Before(inflowAt) {
		return 0
	}
	return int(outflowAt.Sub(inflowAt) / (24 * time.Hour))
}
