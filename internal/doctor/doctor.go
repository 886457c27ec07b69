// Package doctor inspects a workspace for problems: missing directories,
// an unavailable runner, and run rows orphaned by an unclean shutdown.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/store"
	"github.com/mattjoyce/kiln/internal/workspace"
)

// Finding is one diagnostic result.
type Finding struct {
	Check    string `json:"check"`
	Severity string `json:"severity"` // "ok", "warn", "error"
	Detail   string `json:"detail"`
}

// Report is the outcome of a doctor pass.
type Report struct {
	Findings   []Finding `json:"findings"`
	Reconciled []string  `json:"reconciled,omitempty"`
}

// Healthy reports whether no finding is an error.
func (r *Report) Healthy() bool {
	for _, f := range r.Findings {
		if f.Severity == "error" {
			return false
		}
	}
	return true
}

type Doctor struct {
	layout *workspace.Layout
	store  *store.Store
	runner config.RunnerConfig

	// activeRuns reports run IDs currently supervised in this process, so
	// live runs are not mistaken for orphans.
	activeRuns func() []string
}

func New(layout *workspace.Layout, st *store.Store, runner config.RunnerConfig, activeRuns func() []string) *Doctor {
	if activeRuns == nil {
		activeRuns = func() []string { return nil }
	}
	return &Doctor{layout: layout, store: st, runner: runner, activeRuns: activeRuns}
}

// Options controls a doctor pass. Reconcile opts in to marking orphaned
// running or pending runs as failed; the default pass only reports them.
type Options struct {
	Reconcile bool
}

func (d *Doctor) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{}

	d.checkRunner(report)
	if err := d.checkProjectDirs(ctx, report); err != nil {
		return nil, err
	}
	if err := d.checkOrphanedRuns(ctx, report, opts.Reconcile); err != nil {
		return nil, err
	}

	return report, nil
}

func (d *Doctor) checkRunner(report *Report) {
	path, err := exec.LookPath(d.runner.Command)
	if err != nil {
		report.Findings = append(report.Findings, Finding{
			Check:    "runner",
			Severity: "error",
			Detail:   fmt.Sprintf("runner command %q not found in PATH", d.runner.Command),
		})
		return
	}
	report.Findings = append(report.Findings, Finding{
		Check:    "runner",
		Severity: "ok",
		Detail:   fmt.Sprintf("runner command resolved to %s", path),
	})
}

func (d *Doctor) checkProjectDirs(ctx context.Context, report *Report) error {
	projects, err := d.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	missing := 0
	for _, p := range projects {
		dir, err := d.layout.ProjectDir(p.ID)
		if err != nil {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			missing++
			report.Findings = append(report.Findings, Finding{
				Check:    "project-dirs",
				Severity: "error",
				Detail:   fmt.Sprintf("project %q (%s) has no directory at %s", p.Name, p.ID, dir),
			})
		}
	}
	if missing == 0 {
		report.Findings = append(report.Findings, Finding{
			Check:    "project-dirs",
			Severity: "ok",
			Detail:   fmt.Sprintf("%d project directories present", len(projects)),
		})
	}
	return nil
}

// checkOrphanedRuns finds rows stuck in running or pending with no live
// supervisor behind them. With Reconcile, each is finished as failed.
func (d *Doctor) checkOrphanedRuns(ctx context.Context, report *Report, reconcile bool) error {
	active := make(map[string]bool)
	for _, id := range d.activeRuns() {
		active[id] = true
	}

	var orphans []*store.Run
	for _, status := range []store.RunStatus{store.RunRunning, store.RunPending} {
		runs, err := d.store.ListRunsByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, r := range runs {
			if !active[r.ID] {
				orphans = append(orphans, r)
			}
		}
	}

	if len(orphans) == 0 {
		report.Findings = append(report.Findings, Finding{
			Check:    "orphaned-runs",
			Severity: "ok",
			Detail:   "no orphaned runs",
		})
		return nil
	}

	for _, r := range orphans {
		if reconcile {
			if err := d.store.FinishRun(ctx, r.ID, store.RunFailed, "orphaned by unclean shutdown"); err != nil {
				return fmt.Errorf("reconcile run %q: %w", r.ID, err)
			}
			report.Reconciled = append(report.Reconciled, r.ID)
			report.Findings = append(report.Findings, Finding{
				Check:    "orphaned-runs",
				Severity: "warn",
				Detail:   fmt.Sprintf("run %s was %s with no supervisor, marked failed", r.ID, r.Status),
			})
			continue
		}
		report.Findings = append(report.Findings, Finding{
			Check:    "orphaned-runs",
			Severity: "error",
			Detail:   fmt.Sprintf("run %s is %s with no supervisor (rerun with reconcile to mark failed)", r.ID, r.Status),
		})
	}
	return nil
}
