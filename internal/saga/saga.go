// Package saga executes a named sequence of steps with per-step
// compensations. A forward failure rolls back the steps that completed, in
// reverse order, sharing one mutable context. It replaces a single
// all-or-nothing transaction where a mutation spans multiple stores.
package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// State is the saga lifecycle: PENDING → RUNNING → (COMPLETED |
// COMPENSATING → {COMPENSATED | FAILED}).
type State string

const (
	StatePending      State = "PENDING"
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateCompensating State = "COMPENSATING"
	StateCompensated  State = "COMPENSATED"
	StateFailed       State = "FAILED"
)

// ExecFunc runs a step's forward action. Its result is stored in the shared
// context under the step name for later steps.
type ExecFunc func(ctx context.Context, sc *Context) (any, error)

// CompensateFunc undoes a completed step. Nil means the step needs no
// rollback (inherently idempotent side effects).
type CompensateFunc func(ctx context.Context, sc *Context) error

// Step is one named unit of a saga.
type Step struct {
	Name       string
	Execute    ExecFunc
	Compensate CompensateFunc
}

// Context carries shared mutable state across a saga's steps. Steps run
// strictly in order, so no locking is needed.
type Context struct {
	ID      uuid.UUID
	values  map[string]any
	results map[string]any
}

func newContext(initial map[string]any) *Context {
	sc := &Context{
		ID:      uuid.New(),
		values:  make(map[string]any),
		results: make(map[string]any),
	}
	for k, v := range initial {
		sc.values[k] = v
	}
	return sc
}

// Set stores a value in the context.
func (c *Context) Set(key string, v any) { c.values[key] = v }

// Get reads a value set by an earlier step or the initial data.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Result returns the value a completed step returned from Execute.
func (c *Context) Result(stepName string) (any, bool) {
	v, ok := c.results[stepName]
	return v, ok
}

// Error is the typed failure a saga run returns. Compensated=true means
// state was restored; false means a compensation itself failed and manual
// intervention is required — callers must not treat the two alike.
type Error struct {
	Saga        string
	Step        string
	Compensated bool
	Err         error
}

func (e *Error) Error() string {
	if e.Compensated {
		return fmt.Sprintf("saga %q failed at step %q (compensated): %v", e.Saga, e.Step, e.Err)
	}
	return fmt.Sprintf("saga %q failed at step %q (COMPENSATION INCOMPLETE): %v", e.Saga, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Saga is an ordered list of compensable steps.
type Saga struct {
	name  string
	steps []Step
	state State
}

// Builder assembles a saga step by step.
type Builder struct {
	saga *Saga
}

// New starts building a saga with the given name.
func New(name string) *Builder {
	return &Builder{saga: &Saga{name: name, state: StatePending}}
}

// Step appends a step. A nil compensate marks the step as skip-on-rollback.
func (b *Builder) Step(name string, execute ExecFunc, compensate CompensateFunc) *Builder {
	b.saga.steps = append(b.saga.steps, Step{Name: name, Execute: execute, Compensate: compensate})
	return b
}

// Build returns the assembled saga.
func (b *Builder) Build() *Saga { return b.saga }

// Name returns the saga's name.
func (s *Saga) Name() string { return s.name }

// State returns the saga's current lifecycle state.
func (s *Saga) State() State { return s.state }

// Run executes all steps in order. The first failure aborts forward
// execution and compensates completed steps in reverse. Caller cancellation
// aborts the forward phase but compensation always runs to completion:
// rollback is a no-abandon region.
func (s *Saga) Run(ctx context.Context, initial map[string]any) (*Context, error) {
	sc := newContext(initial)
	s.state = StateRunning
	var completed []Step

	slog.Debug("saga starting", "saga", s.name, "saga_id", sc.ID, "steps", len(s.steps))

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return sc, s.compensate(ctx, sc, completed, step.Name, err)
		}

		result, err := step.Execute(ctx, sc)
		if err != nil {
			slog.Error("saga step failed", "saga", s.name, "saga_id", sc.ID, "step", step.Name, "error", err)
			return sc, s.compensate(ctx, sc, completed, step.Name, err)
		}

		if result != nil {
			sc.results[step.Name] = result
		}
		completed = append(completed, step)
	}

	s.state = StateCompleted
	slog.Debug("saga completed", "saga", s.name, "saga_id", sc.ID)
	return sc, nil
}

// compensate rolls back completed steps in reverse order and returns the
// typed saga error. Compensation runs on a context detached from caller
// cancellation so an aborted request cannot leave mutations half-applied.
func (s *Saga) compensate(ctx context.Context, sc *Context, completed []Step, failedStep string, cause error) error {
	s.state = StateCompensating
	rollbackCtx := context.WithoutCancel(ctx)

	compensated := true
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(rollbackCtx, sc); err != nil {
			slog.Error("saga compensation failed",
				"saga", s.name, "saga_id", sc.ID, "step", step.Name, "error", err)
			compensated = false
		}
	}

	if compensated {
		s.state = StateCompensated
	} else {
		s.state = StateFailed
	}
	return &Error{Saga: s.name, Step: failedStep, Compensated: compensated, Err: cause}
}
