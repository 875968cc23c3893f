package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"fundage/internal/model"
)

// fakeStore scripts SetNX outcomes and records Eval calls.
type fakeStore struct {
	mu         sync.Mutex
	setNX      []bool // consumed front to back; empty means always true
	setNXCalls int
	evalResult int64
	evalCalls  int
	lastKeys   []string
	lastArgs   []interface{}
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setNXCalls++
	ok := true
	if len(f.setNX) > 0 {
		ok = f.setNX[0]
		f.setNX = f.setNX[1:]
	}
	return redis.NewBoolResult(ok, nil)
}

func (f *fakeStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalCalls++
	f.lastKeys = keys
	f.lastArgs = args
	return redis.NewCmdResult(f.evalResult, nil)
}

func newTestService(store *fakeStore) *Service {
	return NewService(store, DefaultPolicies())
}

func TestAcquire_FirstTry(t *testing.T) {
	store := &fakeStore{evalResult: 1}
	svc := newTestService(store)

	lease, err := svc.Acquire(context.Background(), MutationKey("s-1"), svc.Policies().Mutation)
	require.NoError(t, err)
	require.Equal(t, "lock:fifo:s-1", lease.Key)
	require.NotEmpty(t, lease.Token)
	require.NoError(t, lease.Err())

	released, err := svc.Release(context.Background(), lease)
	require.NoError(t, err)
	require.True(t, released)
	require.Equal(t, []string{"lock:fifo:s-1"}, store.lastKeys)
	require.Equal(t, []interface{}{lease.Token}, store.lastArgs)

	stats := svc.Stats()
	require.Equal(t, int64(1), stats.Acquires)
	require.Equal(t, int64(1), stats.Releases)
}

func TestAcquire_RetriesThenSucceeds(t *testing.T) {
	store := &fakeStore{setNX: []bool{false, false, true}, evalResult: 1}
	svc := newTestService(store)

	p := Policy{TTL: time.Second, MaxWait: time.Second, Retries: 3, RetryDelay: time.Millisecond}
	lease, err := svc.Acquire(context.Background(), GroupKey("g-1"), p)
	require.NoError(t, err)
	require.Equal(t, 3, store.setNXCalls)

	_, _ = svc.Release(context.Background(), lease)
}

func TestAcquire_ExhaustsRetries(t *testing.T) {
	store := &fakeStore{setNX: []bool{false, false, false, false}}
	svc := newTestService(store)

	p := Policy{TTL: time.Second, MaxWait: time.Second, Retries: 3, RetryDelay: time.Millisecond}
	_, err := svc.Acquire(context.Background(), MutationKey("contended"), p)
	require.ErrorIs(t, err, model.ErrLockUnavailable)
	require.Equal(t, int64(1), svc.Stats().Failures)
}

func TestAcquire_NoRetryPolicyFailsImmediately(t *testing.T) {
	store := &fakeStore{setNX: []bool{false}}
	svc := newTestService(store)

	_, err := svc.Acquire(context.Background(), RecomputeKey("s-1"), svc.Policies().Recompute)
	require.ErrorIs(t, err, model.ErrLockUnavailable)
	require.Equal(t, 1, store.setNXCalls)
}

func TestRelease_AlreadyTakenOver(t *testing.T) {
	store := &fakeStore{evalResult: 0}
	svc := newTestService(store)

	lease, err := svc.Acquire(context.Background(), MutationKey("s-1"), svc.Policies().Mutation)
	require.NoError(t, err)

	released, err := svc.Release(context.Background(), lease)
	require.NoError(t, err)
	require.False(t, released)
	require.Zero(t, svc.Stats().Releases)
}

func TestLease_LostOnFailedRenewal(t *testing.T) {
	store := &fakeStore{evalResult: 0} // renewal owner check fails
	svc := newTestService(store)

	p := Policy{TTL: 30 * time.Millisecond}
	lease, err := svc.Acquire(context.Background(), MutationKey("s-1"), p)
	require.NoError(t, err)

	select {
	case <-lease.Done():
	case <-time.After(time.Second):
		t.Fatal("lease loss not signalled")
	}
	require.ErrorIs(t, lease.Err(), model.ErrLeaseLost)
	require.Equal(t, int64(1), svc.Stats().LeasesLost)
}

func TestAcquire_ZeroTTLSkipsRenewal(t *testing.T) {
	store := &fakeStore{evalResult: 1}
	svc := newTestService(store)

	lease, err := svc.Acquire(context.Background(), MutationKey("s-1"), Policy{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, lease.Err())

	released, err := svc.Release(context.Background(), lease)
	require.NoError(t, err)
	require.True(t, released)
	require.Zero(t, svc.Stats().Renewals)
}

func TestLease_RenewsWhileHeld(t *testing.T) {
	store := &fakeStore{evalResult: 1}
	svc := newTestService(store)

	p := Policy{TTL: 30 * time.Millisecond}
	lease, err := svc.Acquire(context.Background(), MutationKey("s-1"), p)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, _ = svc.Release(context.Background(), lease)

	require.NoError(t, lease.Err())
	require.GreaterOrEqual(t, svc.Stats().Renewals, int64(1))
}

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()

	require.Equal(t, 10*time.Second, p.Mutation.TTL)
	require.Equal(t, uint64(3), p.Mutation.Retries)
	require.Equal(t, time.Minute, p.Recompute.TTL)
	require.Zero(t, p.Recompute.Retries)
	require.Equal(t, 5*time.Minute, p.Settlement.TTL)
	require.Equal(t, uint64(5), p.Group.Retries)

	require.Equal(t, "lock:settle:s-1:2026-08", SettlementKey("s-1", "2026-08"))
}
