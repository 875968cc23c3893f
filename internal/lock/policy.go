package lock

import (
	"fmt"
	"time"
)

// Policy configures one named lock scenario. Policies are explicit values
// passed at construction, not hardcoded constants, so deployments can tune
// them per environment.
type Policy struct {
	TTL        time.Duration // lease lifetime, renewed in the background
	MaxWait    time.Duration // acquisition bound; 0 means single attempt
	Retries    uint64        // additional attempts after the first
	RetryDelay time.Duration // base backoff between attempts
}

// Policies groups the lock scenarios the ledger core uses. Each scenario has
// deliberately different contention characteristics.
type Policies struct {
	// Mutation guards per-subject FIFO mutations. Contention is rare and
	// brief, so a short TTL and a few quick retries suffice.
	Mutation Policy
	// Recompute guards one replay pass per subject. No retry: callers should
	// observe "recompute in progress" and fall back to the last good value.
	Recompute Policy
	// Settlement prevents duplicate settlement of one period. Very long TTL,
	// no retry.
	Settlement Policy
	// Group serializes writes to a collaborative ledger. Several members
	// write concurrently, so it waits longer than Mutation.
	Group Policy
}

// DefaultPolicies mirrors the tuning the service ships with.
func DefaultPolicies() Policies {
	return Policies{
		Mutation:   Policy{TTL: 10 * time.Second, MaxWait: 2 * time.Second, Retries: 3, RetryDelay: 100 * time.Millisecond},
		Recompute:  Policy{TTL: 60 * time.Second, MaxWait: 0, Retries: 0},
		Settlement: Policy{TTL: 5 * time.Minute, MaxWait: 0, Retries: 0},
		Group:      Policy{TTL: 30 * time.Second, MaxWait: 3 * time.Second, Retries: 5, RetryDelay: 200 * time.Millisecond},
	}
}

// MutationKey is the per-subject FIFO mutation lock key.
func MutationKey(subjectID string) string { return "lock:fifo:" + subjectID }

// RecomputeKey is the per-subject recompute lock key.
func RecomputeKey(subjectID string) string { return "lock:recompute:" + subjectID }

// SettlementKey is the per-subject, per-period settlement lock key.
func SettlementKey(subjectID, period string) string {
	return fmt.Sprintf("lock:settle:%s:%s", subjectID, period)
}

// GroupKey is the collaborative-ledger lock key.
func GroupKey(groupID string) string { return "lock:group:" + groupID }
