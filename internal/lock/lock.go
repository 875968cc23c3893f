// Package lock serializes mutating ledger operations on a per-subject key
// across process boundaries. Acquisition is one atomic set-if-absent against
// Redis; release and renewal are owner-checked Lua scripts so a holder can
// never drop or extend a lease that has since passed to someone else.
package lock

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"fundage/internal/model"
)

//go:embed release.lua
var releaseLuaScript string

//go:embed renew.lua
var renewLuaScript string

// Store is the slice of the Redis client the lock service needs. Only atomic
// primitives: read-then-write from the caller's side would race.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Stats counts lock service activity. All counters are atomic.
type Stats struct {
	Acquires   atomic.Int64
	Failures   atomic.Int64
	Releases   atomic.Int64
	Renewals   atomic.Int64
	LeasesLost atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Acquires   int64 `json:"acquires"`
	Failures   int64 `json:"failures"`
	Releases   int64 `json:"releases"`
	Renewals   int64 `json:"renewals"`
	LeasesLost int64 `json:"leases_lost"`
}

// Service issues leases against a shared coordination store.
type Service struct {
	store    Store
	policies Policies
	stats    Stats
}

// NewService builds a lock service. Policies are injected, not ambient.
func NewService(store Store, policies Policies) *Service {
	return &Service{store: store, policies: policies}
}

// Policies returns the configured scenario policies.
func (s *Service) Policies() Policies { return s.policies }

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() StatsSnapshot {
	return StatsSnapshot{
		Acquires:   s.stats.Acquires.Load(),
		Failures:   s.stats.Failures.Load(),
		Releases:   s.stats.Releases.Load(),
		Renewals:   s.stats.Renewals.Load(),
		LeasesLost: s.stats.LeasesLost.Load(),
	}
}

// Lease is a time-bounded, owner-tagged exclusive claim on a resource key.
// It is renewed in the background until released; if renewal discovers the
// owner check failing, Done() closes and the holder must abort.
type Lease struct {
	Key   string
	Token string

	svc      *Service
	ttl      time.Duration
	done     chan struct{}
	stop     chan struct{}
	lost     atomic.Bool
	stopOnce sync.Once
}

// Done closes when the lease is lost mid-operation. Holders of long
// operations must select on it: continuing without exclusivity is a
// correctness violation, not a degradation.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Err reports ErrLeaseLost after Done() closes, nil otherwise.
func (l *Lease) Err() error {
	if l.lost.Load() {
		return model.ErrLeaseLost
	}
	return nil
}

// Acquire claims key under the given policy. It retries with fibonacci
// backoff and jitter up to policy.Retries attempts, bounded by
// policy.MaxWait, and returns ErrLockUnavailable when the bound is hit —
// it never blocks indefinitely.
func (s *Service) Acquire(ctx context.Context, key string, p Policy) (*Lease, error) {
	token := uuid.NewString()

	if p.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.MaxWait)
		defer cancel()
	}

	attempt := func(ctx context.Context) error {
		ok, err := s.store.SetNX(ctx, key, token, p.TTL).Result()
		if err != nil {
			return fmt.Errorf("lock setnx %s: %w", key, err)
		}
		if !ok {
			return retry.RetryableError(model.ErrLockUnavailable)
		}
		return nil
	}

	var err error
	if p.Retries == 0 {
		err = attempt(ctx)
	} else {
		delay := p.RetryDelay
		if delay <= 0 {
			delay = 50 * time.Millisecond
		}
		backoff := retry.WithMaxRetries(p.Retries, retry.WithJitter(delay/2, retry.NewFibonacci(delay)))
		err = retry.Do(ctx, backoff, attempt)
	}
	if err != nil {
		s.stats.Failures.Add(1)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrLockUnavailable) {
			return nil, model.ErrLockUnavailable
		}
		return nil, err
	}

	s.stats.Acquires.Add(1)
	lease := &Lease{
		Key:   key,
		Token: token,
		svc:   s,
		ttl:   p.TTL,
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	go lease.renewLoop()
	return lease, nil
}

// Release drops the lease if the caller still owns it. Returns false when
// the lease had already expired and been claimed by another holder.
func (s *Service) Release(ctx context.Context, lease *Lease) (bool, error) {
	lease.stopOnce.Do(func() { close(lease.stop) })

	res, err := s.store.Eval(ctx, releaseLuaScript, []string{lease.Key}, lease.Token).Result()
	if err != nil {
		return false, fmt.Errorf("lock release %s: %w", lease.Key, err)
	}
	released, _ := res.(int64)
	if released == 1 {
		s.stats.Releases.Add(1)
		return true, nil
	}
	return false, nil
}

// renewLoop extends the lease at a fraction of its TTL until the lease is
// released or the owner check fails. Exclusivity correlates on the owner
// token, never wall-clock: clock drift must not be trusted.
func (l *Lease) renewLoop() {
	interval := l.ttl / 3
	if interval <= 0 {
		// No expiry to outrun; the lease ends only via Release.
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			renewed, err := l.renew(ctx)
			cancel()
			if err != nil {
				slog.Error("lease renewal error", "key", l.Key, "error", err)
				continue
			}
			if !renewed {
				l.lost.Store(true)
				l.svc.stats.LeasesLost.Add(1)
				close(l.done)
				slog.Warn("lease lost, holder must abort", "key", l.Key)
				return
			}
			l.svc.stats.Renewals.Add(1)
		}
	}
}

func (l *Lease) renew(ctx context.Context) (bool, error) {
	res, err := l.svc.store.Eval(ctx, renewLuaScript, []string{l.Key}, l.Token, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	extended, _ := res.(int64)
	return extended == 1, nil
}
