// Package worker holds the background jobs: asynchronous recompute passes
// and the periodic integrity sweep, both running on a river job queue backed
// by the same Postgres the ledger writes to.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"fundage/internal/recompute"
)

// RecomputeArgs schedules a replay pass for one subject. Unique by args so
// a burst of dirty marks for the same subject coalesces into one queued job.
type RecomputeArgs struct {
	SubjectID string `json:"subject_id"`
}

func (RecomputeArgs) Kind() string { return "ledger_recompute" }

func (RecomputeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

type RecomputeWorker struct {
	river.WorkerDefaults[RecomputeArgs]
	engine *recompute.Engine
	log    *slog.Logger
}

func NewRecomputeWorker(engine *recompute.Engine, log *slog.Logger) *RecomputeWorker {
	return &RecomputeWorker{engine: engine, log: log}
}

// Work runs one recompute pass. A pass already holding the subject's lock
// returns an error so river retries with backoff; the dirty marks persist
// either way.
func (w *RecomputeWorker) Work(ctx context.Context, job *river.Job[RecomputeArgs]) error {
	summary, err := w.engine.Recompute(ctx, job.Args.SubjectID)
	if err != nil {
		return err
	}
	w.log.Info("recompute job done",
		"subject_id", job.Args.SubjectID,
		"replayed_events", summary.ReplayedEvents,
		"cleared_marks", summary.ClearedMarks,
	)
	return nil
}

func (w *RecomputeWorker) Timeout(*river.Job[RecomputeArgs]) time.Duration {
	return 5 * time.Minute
}
