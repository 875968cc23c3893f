// Package integrity verifies the ledger's conservation invariants against
// source rows and classifies every violation it finds.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fundage/internal/repository"
	"fundage/internal/saga"
)

// Issue codes. Codes are stable identifiers; Detail is for humans.
const (
	CodeConservation     = "pool_conservation_mismatch"
	CodeLinkTotal        = "link_total_mismatch"
	CodeBalanceDrift     = "account_balance_drift"
	CodeCrossSubjectLink = "cross_subject_link"
	CodeOrphanedMark     = "orphaned_mark"
)

// Issue is one detected invariant violation. Delta is the signed size of the
// discrepancy in minor units where that is meaningful, zero otherwise.
type Issue struct {
	Code        string `json:"code"`
	SubjectID   string `json:"subject_id,omitempty"`
	Detail      string `json:"detail"`
	Delta       int64  `json:"delta,omitempty"`
	AutoFixable bool   `json:"auto_fixable"`
}

// Report is the outcome of checking one subject.
type Report struct {
	SubjectID string    `json:"subject_id"`
	CheckedAt time.Time `json:"checked_at"`
	Issues    []Issue   `json:"issues"`
}

func (r *Report) OK() bool { return len(r.Issues) == 0 }

// FullReport covers every known subject plus the global checks that do not
// belong to any single subject.
type FullReport struct {
	CheckedAt    time.Time `json:"checked_at"`
	Subjects     int       `json:"subjects"`
	Reports      []Report  `json:"reports"`
	GlobalIssues []Issue   `json:"global_issues"`
	Repaired     int       `json:"repaired"`
}

func (r *FullReport) OK() bool {
	if len(r.GlobalIssues) > 0 {
		return false
	}
	for i := range r.Reports {
		if !r.Reports[i].OK() {
			return false
		}
	}
	return true
}

// Source is the read surface the checker verifies against.
// *repository.Queries satisfies it.
type Source interface {
	Subjects(ctx context.Context) ([]string, error)
	ConservationSums(ctx context.Context, subjectID string) (repository.ConservationSums, error)
	LinkTotalMismatches(ctx context.Context, subjectID string) ([]repository.LinkTotalMismatch, error)
	BalanceDrift(ctx context.Context, subjectID string) (repository.BalanceDrift, error)
	CrossSubjectLinkCount(ctx context.Context) (int64, error)
	OrphanedMarkCount(ctx context.Context) (int64, error)
}

// Repairer fixes the classes of issue the checker marks auto-fixable.
// Rebuild replays a subject's full history; CorrectBalance applies the
// signed delta that brings the stored balance back to the recomputed one.
type Repairer interface {
	Rebuild(ctx context.Context, subjectID string) error
	CorrectBalance(ctx context.Context, subjectID string, delta int64) error
}

// Config tunes what counts as a violation.
type Config struct {
	// ToleranceMinor is the largest absolute account drift, in minor
	// units, that is reported as clean. Zero means exact.
	ToleranceMinor int64
	// AutoRepair makes RunFull invoke the Repairer for auto-fixable
	// issues instead of only reporting them.
	AutoRepair bool
}

// Checker runs the invariant suite.
type Checker struct {
	src    Source
	repair Repairer
	cfg    Config
	log    *slog.Logger
}

func NewChecker(src Source, repair Repairer, cfg Config, log *slog.Logger) *Checker {
	return &Checker{src: src, repair: repair, cfg: cfg, log: log}
}

// VerifyPoolConservation checks Σ remaining + Σ normal links == Σ initial
// for one subject. Overdraft links sit outside the identity on both sides.
func (c *Checker) VerifyPoolConservation(ctx context.Context, subjectID string) ([]Issue, error) {
	s, err := c.src.ConservationSums(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	delta := s.RemainingTotal + s.ConsumedTotal - s.InitialTotal
	if delta == 0 {
		return nil, nil
	}
	return []Issue{{
		Code:      CodeConservation,
		SubjectID: subjectID,
		Detail: fmt.Sprintf("remaining %d + consumed %d != initial %d",
			s.RemainingTotal, s.ConsumedTotal, s.InitialTotal),
		Delta: delta,
	}}, nil
}

// VerifyLinkTotals checks that every outflow's links sum to its amount.
// A rebuild regenerates links from events, so these are auto-fixable.
func (c *Checker) VerifyLinkTotals(ctx context.Context, subjectID string) ([]Issue, error) {
	mismatches, err := c.src.LinkTotalMismatches(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(mismatches))
	for _, m := range mismatches {
		issues = append(issues, Issue{
			Code:      CodeLinkTotal,
			SubjectID: subjectID,
			Detail: fmt.Sprintf("outflow %s links sum to %d, amount is %d",
				m.OutflowEventID, m.Actual, m.Expected),
			Delta:       m.Actual - m.Expected,
			AutoFixable: true,
		})
	}
	return issues, nil
}

// VerifyAccountBalances compares the stored balance against one recomputed
// from the event history, within the configured tolerance.
func (c *Checker) VerifyAccountBalances(ctx context.Context, subjectID string) ([]Issue, error) {
	d, err := c.src.BalanceDrift(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	delta := d.Stored - d.Expected
	if abs(delta) <= c.cfg.ToleranceMinor {
		return nil, nil
	}
	return []Issue{{
		Code:        CodeBalanceDrift,
		SubjectID:   subjectID,
		Detail:      fmt.Sprintf("stored balance %d, events say %d", d.Stored, d.Expected),
		Delta:       delta,
		AutoFixable: true,
	}}, nil
}

// VerifyNoOrphans runs the global structural checks: links spanning two
// subjects and marks pointing at subjects with no ledger state.
func (c *Checker) VerifyNoOrphans(ctx context.Context) ([]Issue, error) {
	var issues []Issue
	crossed, err := c.src.CrossSubjectLinkCount(ctx)
	if err != nil {
		return nil, err
	}
	if crossed > 0 {
		issues = append(issues, Issue{
			Code:   CodeCrossSubjectLink,
			Detail: fmt.Sprintf("%d links join a pool and an outflow of different subjects", crossed),
		})
	}
	orphaned, err := c.src.OrphanedMarkCount(ctx)
	if err != nil {
		return nil, err
	}
	if orphaned > 0 {
		issues = append(issues, Issue{
			Code:   CodeOrphanedMark,
			Detail: fmt.Sprintf("%d dirty marks reference subjects with no pools or outflows", orphaned),
		})
	}
	return issues, nil
}

// CheckSubject runs every per-subject verification.
func (c *Checker) CheckSubject(ctx context.Context, subjectID string) (*Report, error) {
	rep := &Report{SubjectID: subjectID, CheckedAt: time.Now().UTC()}
	for _, verify := range []func(context.Context, string) ([]Issue, error){
		c.VerifyPoolConservation,
		c.VerifyLinkTotals,
		c.VerifyAccountBalances,
	} {
		issues, err := verify(ctx, subjectID)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", subjectID, err)
		}
		rep.Issues = append(rep.Issues, issues...)
	}
	return rep, nil
}

// RunFull checks every known subject and the global structure. With
// AutoRepair set it also fixes what it safely can: one rebuild per subject
// with link mismatches, one balance correction per drifted account.
func (c *Checker) RunFull(ctx context.Context) (*FullReport, error) {
	subjects, err := c.src.Subjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("integrity: list subjects: %w", err)
	}
	full := &FullReport{CheckedAt: time.Now().UTC(), Subjects: len(subjects)}
	for _, s := range subjects {
		rep, err := c.CheckSubject(ctx, s)
		if err != nil {
			return nil, err
		}
		if !rep.OK() && c.cfg.AutoRepair && c.repair != nil {
			n, err := c.repairSubject(ctx, s, rep.Issues)
			if err != nil {
				c.log.Error("auto repair failed", "subject_id", s, "error", err)
			}
			full.Repaired += n
		}
		full.Reports = append(full.Reports, *rep)
	}
	global, err := c.VerifyNoOrphans(ctx)
	if err != nil {
		return nil, err
	}
	full.GlobalIssues = global

	if full.OK() {
		c.log.Info("integrity check clean", "subjects", full.Subjects)
	} else {
		c.log.Warn("integrity check found issues",
			"subjects", full.Subjects, "repaired", full.Repaired)
	}
	return full, nil
}

// repairSubject fixes the auto-fixable issues as one compensable saga: if a
// later repair step fails, the balance correction is reversed, so a partial
// repair never leaves the subject in a third state.
func (c *Checker) repairSubject(ctx context.Context, subjectID string, issues []Issue) (int, error) {
	var (
		linkMismatches int
		driftDelta     int64
		drifted        bool
	)
	for _, is := range issues {
		if !is.AutoFixable {
			continue
		}
		switch is.Code {
		case CodeLinkTotal:
			linkMismatches++
		case CodeBalanceDrift:
			driftDelta = -is.Delta
			drifted = true
		}
	}
	if linkMismatches == 0 && !drifted {
		return 0, nil
	}

	b := saga.New("repair_subject")
	if drifted {
		b.Step("correct_balance",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				return nil, c.repair.CorrectBalance(ctx, subjectID, driftDelta)
			},
			func(ctx context.Context, _ *saga.Context) error {
				return c.repair.CorrectBalance(ctx, subjectID, -driftDelta)
			})
	}
	if linkMismatches > 0 {
		// One rebuild regenerates every link of the subject.
		b.Step("rebuild_links",
			func(ctx context.Context, _ *saga.Context) (any, error) {
				return nil, c.repair.Rebuild(ctx, subjectID)
			},
			nil)
	}
	if _, err := b.Build().Run(ctx, nil); err != nil {
		return 0, err
	}
	repaired := linkMismatches
	if drifted {
		repaired++
	}
	return repaired, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
