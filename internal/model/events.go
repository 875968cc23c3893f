package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InflowRequest records one income event as a new resource pool.
// SourceEventID is the idempotency key: replaying the same event returns the
// pool it created the first time.
type InflowRequest struct {
	SubjectID     string       `json:"subject_id"`
	Amount        int64        `json:"amount"`
	Timestamp     time.Time    `json:"timestamp"`
	SourceEventID string       `json:"source_event_id"`
	Kind          ResourceKind `json:"kind"`
}

// OutflowRequest records one spend to be satisfied FIFO from the subject's
// pools.
type OutflowRequest struct {
	SubjectID string    `json:"subject_id"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// OutflowResult is what a successful outflow hands back to the caller.
type OutflowResult struct {
	OutflowEventID  uuid.UUID         `json:"outflow_event_id"`
	Links           []ConsumptionLink `json:"links"`
	WeightedAgeDays decimal.Decimal   `json:"weighted_age_days"`
	HealthLevel     HealthLevel       `json:"health_level"`
}

// MoneyAge is the money-age dashboard view for one subject.
type MoneyAge struct {
	SubjectID       string          `json:"subject_id"`
	WeightedAgeDays decimal.Decimal `json:"weighted_age_days"`
	HealthLevel     HealthLevel     `json:"health_level"`
	ActivePools     int             `json:"active_pools"`
	TotalRemaining  int64           `json:"total_remaining"`
}

// ReplaySummary reports what one recompute pass touched.
type ReplaySummary struct {
	SubjectID      string    `json:"subject_id"`
	From           time.Time `json:"from"`
	DeletedLinks   int       `json:"deleted_links"`
	RestoredPools  int       `json:"restored_pools"`
	ReplayedEvents int       `json:"replayed_events"`
	ClearedMarks   int       `json:"cleared_marks"`
}

// LinksCreatedEvent is published on the bus after a successful outflow so
// downstream consumers can react without re-querying.
type LinksCreatedEvent struct {
	SubjectID       string          `json:"subject_id"`
	OutflowEventID  uuid.UUID       `json:"outflow_event_id"`
	Amount          int64           `json:"amount"`
	WeightedAgeDays decimal.Decimal `json:"weighted_age_days"`
	LinkCount       int             `json:"link_count"`
	CreatedAt       time.Time       `json:"created_at"`
}
