package doctor

import (
	"context"
	"testing"

	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/storage"
	"github.com/mattjoyce/kiln/internal/store"
	"github.com/mattjoyce/kiln/internal/workspace"
)

func newFixture(t *testing.T, active func() []string) (*Doctor, *store.Store, *workspace.Layout) {
	t.Helper()
	layout, err := workspace.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	db, err := storage.OpenSQLite(context.Background(), layout.DatabasePath())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db)
	runner := config.RunnerConfig{Command: "sh"}
	return New(layout, st, runner, active), st, layout
}

func TestHealthyWorkspace(t *testing.T) {
	t.Parallel()
	d, st, layout := newFixture(t, nil)
	ctx := context.Background()

	p, _ := st.CreateProject(ctx, "demo", "", "")
	if _, err := layout.InitProject(p.ID); err != nil {
		t.Fatalf("InitProject: %v", err)
	}

	report, err := d.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Healthy() {
		t.Fatalf("expected healthy, got %+v", report.Findings)
	}
}

func TestMissingRunnerCommand(t *testing.T) {
	t.Parallel()
	d, _, _ := newFixture(t, nil)
	d.runner.Command = "no-such-binary-kiln-test"

	report, err := d.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Healthy() {
		t.Fatal("missing runner should be an error finding")
	}
}

func TestMissingProjectDir(t *testing.T) {
	t.Parallel()
	d, st, _ := newFixture(t, nil)
	ctx := context.Background()

	// Row exists but the skeleton was never created.
	if _, err := st.CreateProject(ctx, "demo", "", ""); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	report, err := d.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Healthy() {
		t.Fatal("missing project dir should be an error finding")
	}
}

func TestOrphanedRunReportedNotReconciled(t *testing.T) {
	t.Parallel()
	d, st, layout := newFixture(t, nil)
	ctx := context.Background()

	p, _ := st.CreateProject(ctx, "demo", "", "")
	_, _ = layout.InitProject(p.ID)
	r, _ := st.CreateRun(ctx, store.CreateRunParams{ProjectID: p.ID})
	_ = st.MarkRunRunning(ctx, r.ID)

	report, err := d.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Healthy() {
		t.Fatal("orphaned run should be an error finding without reconcile")
	}
	// Default pass must not touch the row.
	got, _ := st.GetRun(ctx, r.ID)
	if got.Status != store.RunRunning {
		t.Fatalf("status = %q, want running", got.Status)
	}
}

func TestOrphanedRunReconciled(t *testing.T) {
	t.Parallel()
	d, st, layout := newFixture(t, nil)
	ctx := context.Background()

	p, _ := st.CreateProject(ctx, "demo", "", "")
	_, _ = layout.InitProject(p.ID)
	r, _ := st.CreateRun(ctx, store.CreateRunParams{ProjectID: p.ID})
	_ = st.MarkRunRunning(ctx, r.ID)

	report, err := d.Run(ctx, Options{Reconcile: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Reconciled) != 1 || report.Reconciled[0] != r.ID {
		t.Fatalf("reconciled = %v", report.Reconciled)
	}
	got, _ := st.GetRun(ctx, r.ID)
	if got.Status != store.RunFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
}

func TestActiveRunIsNotOrphan(t *testing.T) {
	t.Parallel()

	var runID string
	d, st, layout := newFixture(t, func() []string { return []string{runID} })
	ctx := context.Background()

	p, _ := st.CreateProject(ctx, "demo", "", "")
	_, _ = layout.InitProject(p.ID)
	r, _ := st.CreateRun(ctx, store.CreateRunParams{ProjectID: p.ID})
	_ = st.MarkRunRunning(ctx, r.ID)
	runID = r.ID

	report, err := d.Run(ctx, Options{Reconcile: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Reconciled) != 0 {
		t.Fatalf("live run was reconciled: %v", report.Reconciled)
	}
	got, _ := st.GetRun(ctx, r.ID)
	if got.Status != store.RunRunning {
		t.Fatalf("status = %q, want running", got.Status)
	}
}
