package worker

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"

	"fundage/internal/integrity"
)

// IntegritySweepArgs runs the full invariant suite. Scheduled periodically;
// unique by kind so overlapping schedules collapse into one queued sweep.
type IntegritySweepArgs struct{}

func (IntegritySweepArgs) Kind() string { return "integrity_sweep" }

func (IntegritySweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

type IntegritySweepWorker struct {
	river.WorkerDefaults[IntegritySweepArgs]
	checker *integrity.Checker
	log     *slog.Logger
}

func NewIntegritySweepWorker(checker *integrity.Checker, log *slog.Logger) *IntegritySweepWorker {
	return &IntegritySweepWorker{checker: checker, log: log}
}

func (w *IntegritySweepWorker) Work(ctx context.Context, _ *river.Job[IntegritySweepArgs]) error {
	report, err := w.checker.RunFull(ctx)
	if err != nil {
		return err
	}
	if !report.OK() {
		w.log.Warn("integrity sweep found issues",
			"subjects", report.Subjects,
			"global_issues", len(report.GlobalIssues),
			"repaired", report.Repaired,
		)
	}
	return nil
}
