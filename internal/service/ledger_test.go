package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fundage/internal/fifo"
	"fundage/internal/lock"
	"fundage/internal/model"
)

// fakeStore is an in-memory Tx/Store so the ledger sagas can be driven end
// to end without Postgres.
type fakeStore struct {
	pools    map[uuid.UUID]*model.ResourcePool
	outflows map[uuid.UUID]*model.OutflowEvent
	links    []model.ConsumptionLink
	balances map[string]int64
	seq      int64

	createErr map[string]error // inflow failure per subject
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pools:    make(map[uuid.UUID]*model.ResourcePool),
		outflows: make(map[uuid.UUID]*model.OutflowEvent),
		balances: make(map[string]int64),
	}
}

func (f *fakeStore) InTx(_ context.Context, fn func(tx Tx) error) error { return fn(f) }
func (f *fakeStore) Queries() Tx                                        { return f }

func (f *fakeStore) CreatePool(_ context.Context, req model.InflowRequest) (model.ResourcePool, bool, error) {
	if err := f.createErr[req.SubjectID]; err != nil {
		return model.ResourcePool{}, false, err
	}
	for _, p := range f.pools {
		if p.SubjectID == req.SubjectID && p.SourceEventID == req.SourceEventID {
			return *p, false, nil
		}
	}
	f.seq++
	p := &model.ResourcePool{
		ID:              uuid.New(),
		SubjectID:       req.SubjectID,
		SourceEventID:   req.SourceEventID,
		InitialAmount:   req.Amount,
		RemainingAmount: req.Amount,
		InflowAt:        req.Timestamp,
		Seq:             f.seq,
		Status:          model.PoolActive,
		Kind:            req.Kind,
	}
	f.pools[p.ID] = p
	return *p, true, nil
}

func (f *fakeStore) DeletePool(_ context.Context, id uuid.UUID) error {
	delete(f.pools, id)
	return nil
}

func (f *fakeStore) GetPool(_ context.Context, id uuid.UUID) (model.ResourcePool, error) {
	p, ok := f.pools[id]
	if !ok {
		return model.ResourcePool{}, model.ErrEventNotFound
	}
	return *p, nil
}

func (f *fakeStore) ActivePoolsForUpdate(_ context.Context, subjectID string) ([]model.ResourcePool, error) {
	var pools []model.ResourcePool
	for _, p := range f.pools {
		if p.SubjectID == subjectID && p.Status == model.PoolActive {
			pools = append(pools, *p)
		}
	}
	return pools, nil
}

func (f *fakeStore) ApplyPoolMutations(_ context.Context, muts []fifo.PoolMutation) error {
	for _, m := range muts {
		p := f.pools[m.PoolID]
		p.RemainingAmount = m.NewRemaining
		p.Status = m.NewStatus
	}
	return nil
}

func (f *fakeStore) RestorePoolBalance(_ context.Context, poolID uuid.UUID, amount int64) error {
	p := f.pools[poolID]
	p.RemainingAmount += amount
	p.Status = model.PoolActive
	return nil
}

func (f *fakeStore) InsertOutflow(_ context.Context, e model.OutflowEvent) error {
	f.outflows[e.ID] = &e
	return nil
}

func (f *fakeStore) DeleteOutflow(_ context.Context, id uuid.UUID) error {
	delete(f.outflows, id)
	var kept []model.ConsumptionLink
	for _, l := range f.links {
		if l.OutflowEventID != id {
			kept = append(kept, l)
		}
	}
	f.links = kept
	return nil
}

func (f *fakeStore) GetOutflow(_ context.Context, id uuid.UUID) (model.OutflowEvent, error) {
	oe, ok := f.outflows[id]
	if !ok {
		return model.OutflowEvent{}, model.ErrEventNotFound
	}
	return *oe, nil
}

func (f *fakeStore) OutflowsFrom(_ context.Context, subjectID string, from time.Time) ([]model.OutflowEvent, error) {
	var out []model.OutflowEvent
	for _, oe := range f.outflows {
		if oe.SubjectID == subjectID && !oe.OutflowAt.Before(from) {
			out = append(out, *oe)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertLinks(_ context.Context, links []model.ConsumptionLink) error {
	f.links = append(f.links, links...)
	return nil
}

func (f *fakeStore) LinksByOutflow(_ context.Context, outflowEventID uuid.UUID) ([]model.ConsumptionLink, error) {
	var out []model.ConsumptionLink
	for _, l := range f.links {
		if l.OutflowEventID == outflowEventID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) LinksByPool(_ context.Context, poolID uuid.UUID) ([]model.ConsumptionLink, error) {
	var out []model.ConsumptionLink
	for _, l := range f.links {
		if l.PoolID != nil && *l.PoolID == poolID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) MoneyAge(_ context.Context, subjectID string) (model.MoneyAge, error) {
	return model.MoneyAge{SubjectID: subjectID}, nil
}

func (f *fakeStore) ApplyBalanceDelta(_ context.Context, subjectID string, delta int64) error {
	f.balances[subjectID] += delta
	return nil
}

type fakeLocks struct {
	acquired []string
	released []string
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ lock.Policy) (*lock.Lease, error) {
	f.acquired = append(f.acquired, key)
	return &lock.Lease{Key: key, Token: "test-token"}, nil
}

func (f *fakeLocks) Release(_ context.Context, lease *lock.Lease) (bool, error) {
	f.released = append(f.released, lease.Key)
	return true, nil
}

func (f *fakeLocks) Policies() lock.Policies   { return lock.DefaultPolicies() }
func (f *fakeLocks) Stats() lock.StatsSnapshot { return lock.StatsSnapshot{} }

type fakeEngine struct {
	marks []model.DirtyMark
}

func (f *fakeEngine) MarkDirty(_ context.Context, m model.DirtyMark) error {
	f.marks = append(f.marks, m)
	return nil
}

func (f *fakeEngine) Recompute(_ context.Context, subjectID string) (*model.ReplaySummary, error) {
	return &model.ReplaySummary{SubjectID: subjectID}, nil
}

func (f *fakeEngine) Rebuild(_ context.Context, _ string) error { return nil }

func newTestLedger(store *fakeStore, locks *fakeLocks, engine *fakeEngine) *Ledger {
	return NewLedger(store, locks, engine, nil, slog.Default())
}

func countKey(keys []string, key string) int {
	n := 0
	for _, k := range keys {
		if k == key {
			n++
		}
	}
	return n
}

// An outflow dated before already-recorded outflows consumed pools in the
// wrong order; it must leave a dirty mark at its own timestamp so the replay
// reassigns the links. An outflow that is the latest event must not.
func TestRecordOutflow_BackdatedFilesDirtyMark(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	locks := &fakeLocks{}
	engine := &fakeEngine{}
	svc := newTestLedger(store, locks, engine)

	_, _, err := svc.RecordInflow(context.Background(), model.InflowRequest{
		SubjectID: "s-1", Amount: 10000, Timestamp: now.AddDate(0, 0, -50),
	})
	require.NoError(t, err)
	_, _, err = svc.RecordInflow(context.Background(), model.InflowRequest{
		SubjectID: "s-1", Amount: 8000, Timestamp: now.AddDate(0, 0, -10),
	})
	require.NoError(t, err)

	// In-order outflow: nothing after it, no mark.
	_, err = svc.RecordOutflow(context.Background(), model.OutflowRequest{
		SubjectID: "s-1", Amount: 5000, Timestamp: now,
	})
	require.NoError(t, err)
	require.Empty(t, engine.marks)

	// Backdated outflow: landed out of order, must mark from its own date.
	backdatedAt := now.AddDate(0, 0, -30)
	_, err = svc.RecordOutflow(context.Background(), model.OutflowRequest{
		SubjectID: "s-1", Amount: 2000, Timestamp: backdatedAt,
	})
	require.NoError(t, err)

	require.Len(t, engine.marks, 1)
	require.Equal(t, model.DirtyOutflowInsert, engine.marks[0].Reason)
	require.Equal(t, "s-1", engine.marks[0].SubjectID)
	require.True(t, engine.marks[0].FromTS.Equal(backdatedAt))
}

func TestRecordInflow_BackdatedMarksDirty(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	engine := &fakeEngine{}
	svc := newTestLedger(store, &fakeLocks{}, engine)

	outflowID := uuid.New()
	store.outflows[outflowID] = &model.OutflowEvent{
		ID: outflowID, SubjectID: "s-1", Amount: 100, OutflowAt: now,
	}

	pool, created, err := svc.RecordInflow(context.Background(), model.InflowRequest{
		SubjectID: "s-1", Amount: 500, Timestamp: now.AddDate(0, 0, -5),
	})
	require.NoError(t, err)
	require.True(t, created)

	require.Len(t, engine.marks, 1)
	require.Equal(t, model.DirtyInflowInsert, engine.marks[0].Reason)
	require.Equal(t, []uuid.UUID{pool.ID}, engine.marks[0].PoolIDs)
}

func TestRecordInflow_IdempotentOnSourceEvent(t *testing.T) {
	store := newFakeStore()
	svc := newTestLedger(store, &fakeLocks{}, &fakeEngine{})

	req := model.InflowRequest{
		SubjectID: "s-1", Amount: 700, Timestamp: time.Now().UTC(), SourceEventID: "evt-1",
	}
	first, created, err := svc.RecordInflow(context.Background(), req)
	require.NoError(t, err)
	require.True(t, created)

	replay, created, err := svc.RecordInflow(context.Background(), req)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, replay.ID)

	require.Len(t, store.pools, 1)
	require.Equal(t, int64(700), store.balances["s-1"])
}

// A failed credit half must fully unwind the debit half, and the unwind must
// run under the sender's mutation lock, not just the transfer group lock.
func TestTransfer_CreditFailureCompensatesUnderMutationLock(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	locks := &fakeLocks{}
	svc := newTestLedger(store, locks, &fakeEngine{})

	sender, _, err := svc.RecordInflow(context.Background(), model.InflowRequest{
		SubjectID: "alice", Amount: 10000, Timestamp: now.AddDate(0, 0, -20),
	})
	require.NoError(t, err)

	store.createErr = map[string]error{"bob": errors.New("pool store down")}

	_, err = svc.Transfer(context.Background(), TransferRequest{
		FromSubjectID: "alice", ToSubjectID: "bob", Amount: 3000, Timestamp: now,
	})
	require.Error(t, err)

	// Debit fully unwound: no outflow, no links, pool and balance restored.
	require.Empty(t, store.outflows)
	require.Empty(t, store.links)
	require.Equal(t, int64(10000), store.pools[sender.ID].RemainingAmount)
	require.Equal(t, int64(10000), store.balances["alice"])
	require.Zero(t, store.balances["bob"])

	// Once for the debit, once again for its compensation.
	require.Equal(t, 2, countKey(locks.acquired, lock.MutationKey("alice")))
	require.Equal(t, 1, countKey(locks.acquired, lock.GroupKey("alice:bob")))
	require.ElementsMatch(t, locks.acquired, locks.released)
}
