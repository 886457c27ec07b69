package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/doctor"
	"github.com/mattjoyce/kiln/internal/registry"
	"github.com/mattjoyce/kiln/internal/store"
)

func newTestEngine(t *testing.T, script string) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace.Root = filepath.Join(t.TempDir(), "ws")
	cfg.Runner = config.RunnerConfig{
		Command:     "/bin/sh",
		Args:        []string{"-c", script, "runner"},
		GracePeriod: 2 * time.Second,
	}

	e, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenLocksWorkspace(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, "true")

	cfg := config.Default()
	cfg.Workspace.Root = e.Layout().Root()
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatal("second engine on the same workspace should fail")
	}
}

func TestProjectLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, "true")
	ctx := context.Background()

	p, err := e.CreateProject(ctx, "mnist", "digits")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.RootPath == "" {
		t.Fatal("root path should be recorded")
	}
	for _, sub := range []string{"datasets", "runs", "models", "exports"} {
		if _, err := os.Stat(filepath.Join(p.RootPath, sub)); err != nil {
			t.Fatalf("skeleton %q missing: %v", sub, err)
		}
	}

	list, err := e.ListProjects(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListProjects: %v, %d entries", err, len(list))
	}

	if err := e.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	// Files stay; rows go.
	if _, err := os.Stat(p.RootPath); err != nil {
		t.Fatal("project files should be kept after delete")
	}
	if _, err := e.GetProject(ctx, p.ID); err == nil {
		t.Fatal("project row should be gone")
	}
}

func TestEndToEndTrainRegisterExport(t *testing.T) {
	t.Parallel()
	script := `
echo '{"type":"metric","key":"loss","value":0.1,"step":1}'
echo weights > model/weights.bin
echo '{"type":"status","state":"succeeded"}'
`
	e := newTestEngine(t, script)
	ctx := context.Background()

	p, err := e.CreateProject(ctx, "mnist", "")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	// Dataset backed by a small source tree.
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "data.csv"), []byte("1,2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	d, err := e.ImportDataset(ctx, p.ID, "train", src, store.StorageCopy)
	if err != nil {
		t.Fatalf("ImportDataset: %v", err)
	}

	run, err := e.StartRun(ctx, p.ID, d.ID, "baseline", map[string]any{"epochs": 1})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	select {
	case <-e.WaitRun(run.ID):
	case <-time.After(10 * time.Second):
		t.Fatal("run did not settle")
	}

	got, err := e.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != store.RunSucceeded {
		t.Fatalf("run status = %q (%s)", got.Status, got.ErrorSummary)
	}

	v, err := e.RegisterModel(ctx, registry.RegisterParams{
		ProjectID: p.ID,
		RunID:     run.ID,
		ModelName: "classifier",
	})
	if err != nil {
		t.Fatalf("RegisterModel: %v", err)
	}

	v, err = e.PromoteModelVersion(ctx, v.ID, store.StageProduction)
	if err != nil {
		t.Fatalf("PromoteModelVersion: %v", err)
	}
	if v.Stage != store.StageProduction {
		t.Fatalf("stage = %q", v.Stage)
	}

	exp, err := e.CreateExport(ctx, p.ID, v.ID, store.ExportArchive)
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}
	if _, err := os.Stat(exp.Path); err != nil {
		t.Fatalf("export bundle missing: %v", err)
	}

	all, err := e.ListAllModelVersions(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListAllModelVersions: %v, %d entries", err, len(all))
	}
}

func TestStartRunRejectsForeignDataset(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, "true")
	ctx := context.Background()

	pa, _ := e.CreateProject(ctx, "alpha", "")
	pb, _ := e.CreateProject(ctx, "beta", "")

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "x"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	d, err := e.ImportDataset(ctx, pa.ID, "train", src, store.StorageReference)
	if err != nil {
		t.Fatalf("ImportDataset: %v", err)
	}

	if _, err := e.StartRun(ctx, pb.ID, d.ID, "", nil); !store.IsValidation(err) {
		t.Fatalf("dataset from another project should be a validation error, got %v", err)
	}
}

func TestDoctorThroughEngine(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, "true")
	ctx := context.Background()

	if _, err := e.CreateProject(ctx, "demo", ""); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	report, err := e.Doctor(ctx, doctor.Options{})
	if err != nil {
		t.Fatalf("Doctor: %v", err)
	}
	if !report.Healthy() {
		t.Fatalf("fresh workspace should be healthy: %+v", report.Findings)
	}
}
