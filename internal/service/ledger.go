package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fundage/internal/fifo"
	"fundage/internal/integrity"
	"fundage/internal/lock"
	"fundage/internal/model"
)

// LedgerService defines the business operations for the money-age ledger.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on
// the concrete implementation.
type LedgerService interface {
	RecordInflow(ctx context.Context, req model.InflowRequest) (*model.ResourcePool, bool, error)
	RecordOutflow(ctx context.Context, req model.OutflowRequest) (*model.OutflowResult, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	GetMoneyAge(ctx context.Context, subjectID string) (*model.MoneyAge, error)
	TraceOutflow(ctx context.Context, outflowEventID uuid.UUID) (*OutflowTrace, error)
	TraceInflow(ctx context.Context, poolID uuid.UUID) (*InflowTrace, error)
	Recompute(ctx context.Context, subjectID string) (*model.ReplaySummary, error)
	MarkDirtyAndRecompute(ctx context.Context, subjectID string, from time.Time, reason model.DirtyReason) (*model.ReplaySummary, error)
	Rebuild(ctx context.Context, subjectID string) error
	RunIntegrityCheck(ctx context.Context) (*integrity.FullReport, error)
	CheckSubjectIntegrity(ctx context.Context, subjectID string) (*integrity.Report, error)
	LockStats() lock.StatsSnapshot
}

// TransferRequest moves funds between two subjects as one atomic operation:
// an outflow on the sender and a matching inflow on the receiver.
type TransferRequest struct {
	FromSubjectID string    `json:"from_subject_id"`
	ToSubjectID   string    `json:"to_subject_id"`
	Amount        int64     `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
	SourceEventID string    `json:"source_event_id"`
}

// TransferResult reports both halves of a completed transfer.
type TransferResult struct {
	Outflow *model.OutflowResult `json:"outflow"`
	Pool    *model.ResourcePool  `json:"pool"`
}

// OutflowTrace answers "where did this spend come from": the event plus its
// consumption links back to source pools.
type OutflowTrace struct {
	Event model.OutflowEvent      `json:"event"`
	Links []model.ConsumptionLink `json:"links"`
}

// InflowTrace answers "where did this money go": the pool plus every link
// that consumed from it.
type InflowTrace struct {
	Pool  model.ResourcePool      `json:"pool"`
	Links []model.ConsumptionLink `json:"links"`
}

// Publisher pushes ledger events onto the message bus. Implemented by the
// NATS transport; nil disables publishing.
type Publisher interface {
	PublishLinksCreated(ctx context.Context, event model.LinksCreatedEvent) error
}

// Tx is the storage surface the ledger's transactions run against.
// *repository.Queries satisfies it.
type Tx interface {
	CreatePool(ctx context.Context, req model.InflowRequest) (model.ResourcePool, bool, error)
	DeletePool(ctx context.Context, id uuid.UUID) error
	GetPool(ctx context.Context, id uuid.UUID) (model.ResourcePool, error)
	ActivePoolsForUpdate(ctx context.Context, subjectID string) ([]model.ResourcePool, error)
	ApplyPoolMutations(ctx context.Context, muts []fifo.PoolMutation) error
	RestorePoolBalance(ctx context.Context, poolID uuid.UUID, amount int64) error
	InsertOutflow(ctx context.Context, e model.OutflowEvent) error
	DeleteOutflow(ctx context.Context, id uuid.UUID) error
	GetOutflow(ctx context.Context, id uuid.UUID) (model.OutflowEvent, error)
	OutflowsFrom(ctx context.Context, subjectID string, from time.Time) ([]model.OutflowEvent, error)
	InsertLinks(ctx context.Context, links []model.ConsumptionLink) error
	LinksByOutflow(ctx context.Context, outflowEventID uuid.UUID) ([]model.ConsumptionLink, error)
	LinksByPool(ctx context.Context, poolID uuid.UUID) ([]model.ConsumptionLink, error)
	MoneyAge(ctx context.Context, subjectID string) (model.MoneyAge, error)
	ApplyBalanceDelta(ctx context.Context, subjectID string, delta int64) error
}

// Store opens transaction scopes for the ledger. Queries reads outside any
// transaction.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Queries() Tx
}

// Locks is the slice of the lock service the ledger uses.
type Locks interface {
	Acquire(ctx context.Context, key string, p lock.Policy) (*lock.Lease, error)
	Release(ctx context.Context, lease *lock.Lease) (bool, error)
	Policies() lock.Policies
	Stats() lock.StatsSnapshot
}

// Recomputer marks dirty regions and replays them.
type Recomputer interface {
	MarkDirty(ctx context.Context, mark model.DirtyMark) error
	Recompute(ctx context.Context, subjectID string) (*model.ReplaySummary, error)
	Rebuild(ctx context.Context, subjectID string) error
}

// Ledger is the concrete LedgerService wired over Postgres storage, Redis
// locks, the recompute engine and the integrity checker.
type Ledger struct {
	store   Store
	locks   Locks
	engine  Recomputer
	checker *integrity.Checker
	bus     Publisher
	log     *slog.Logger
}

var _ LedgerService = (*Ledger)(nil)

func NewLedger(store Store, locks Locks, engine Recomputer, bus Publisher, log *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		locks:  locks,
		engine: engine,
		bus:    bus,
		log:    log,
	}
}

// SetChecker wires the integrity checker after construction. The checker
// repairs through the ledger, so the two reference each other.
func (s *Ledger) SetChecker(c *integrity.Checker) { s.checker = c }

// GetMoneyAge aggregates the subject's current weighted age from links and
// classifies it into a health level. A subject with no ledger data reads as
// age zero and the best health level.
func (s *Ledger) GetMoneyAge(ctx context.Context, subjectID string) (*model.MoneyAge, error) {
	age, err := s.store.Queries().MoneyAge(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	age.HealthLevel = model.HealthForAge(age.WeightedAgeDays)
	return &age, nil
}

// TraceOutflow returns the outflow event and its links to source pools.
func (s *Ledger) TraceOutflow(ctx context.Context, outflowEventID uuid.UUID) (*OutflowTrace, error) {
	q := s.store.Queries()
	event, err := q.GetOutflow(ctx, outflowEventID)
	if err != nil {
		return nil, err
	}
	links, err := q.LinksByOutflow(ctx, outflowEventID)
	if err != nil {
		return nil, err
	}
	return &OutflowTrace{Event: event, Links: links}, nil
}

// TraceInflow returns the pool and every consumption that drew from it.
func (s *Ledger) TraceInflow(ctx context.Context, poolID uuid.UUID) (*InflowTrace, error) {
	q := s.store.Queries()
	pool, err := q.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	links, err := q.LinksByPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return &InflowTrace{Pool: pool, Links: links}, nil
}

// Recompute runs a synchronous replay pass for the subject.
func (s *Ledger) Recompute(ctx context.Context, subjectID string) (*model.ReplaySummary, error) {
	return s.engine.Recompute(ctx, subjectID)
}

// MarkDirtyAndRecompute records a manual dirty window and immediately runs
// the replay pass, for callers that edited history out of band.
func (s *Ledger) MarkDirtyAndRecompute(ctx context.Context, subjectID string, from time.Time, reason model.DirtyReason) (*model.ReplaySummary, error) {
	if err := s.engine.MarkDirty(ctx, model.DirtyMark{
		SubjectID: subjectID,
		FromTS:    from,
		Reason:    reason,
	}); err != nil {
		return nil, err
	}
	return s.engine.Recompute(ctx, subjectID)
}

// Rebuild discards all derived state for the subject and schedules a replay
// of its entire history.
func (s *Ledger) Rebuild(ctx context.Context, subjectID string) error {
	return s.engine.Rebuild(ctx, subjectID)
}

// RunIntegrityCheck verifies every subject against source rows.
func (s *Ledger) RunIntegrityCheck(ctx context.Context) (*integrity.FullReport, error) {
	return s.checker.RunFull(ctx)
}

// CheckSubjectIntegrity runs the per-subject invariant suite only.
func (s *Ledger) CheckSubjectIntegrity(ctx context.Context, subjectID string) (*integrity.Report, error) {
	return s.checker.CheckSubject(ctx, subjectID)
}

// CorrectBalance applies a signed correction to a stored account balance.
// Used by the integrity checker to close detected drift.
func (s *Ledger) CorrectBalance(ctx context.Context, subjectID string, delta int64) error {
	s.log.Warn("correcting account balance", "subject_id", subjectID, "delta", delta)
	return s.store.InTx(ctx, func(q Tx) error {
		return q.ApplyBalanceDelta(ctx, subjectID, delta)
	})
}

// LockStats exposes the lock service counters for the ops endpoint.
func (s *Ledger) LockStats() lock.StatsSnapshot {
	return s.locks.Stats()
}
