package model

import "errors"

var (
	// ErrInvalidAmount rejects non-positive inflow/outflow amounts. Never
	// retried automatically.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrLockUnavailable means the subject lock could not be acquired within
	// its wait bound. Callers may retry or degrade to the last good value.
	ErrLockUnavailable = errors.New("lock unavailable")

	// ErrLeaseLost means exclusivity was lost mid-operation (renewal failed
	// or another holder took over). The operation must abort, not continue.
	ErrLeaseLost = errors.New("lock lease lost")

	// ErrRecomputeInProgress is returned when a recompute pass already holds
	// the subject's recompute lock. Callers should use the last good value.
	ErrRecomputeInProgress = errors.New("recompute in progress")

	// ErrSubjectNotFound means the subject has no ledger state at all.
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrEventNotFound means a trace query referenced an unknown event/pool.
	ErrEventNotFound = errors.New("event not found")
)
