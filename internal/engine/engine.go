// Package engine is the composition root: it opens a workspace, wires the
// store, supervisor, registry and exporter together, and exposes every
// operation the CLI and HTTP API offer.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/dataset"
	"github.com/mattjoyce/kiln/internal/doctor"
	"github.com/mattjoyce/kiln/internal/events"
	"github.com/mattjoyce/kiln/internal/export"
	"github.com/mattjoyce/kiln/internal/lock"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/registry"
	"github.com/mattjoyce/kiln/internal/storage"
	"github.com/mattjoyce/kiln/internal/store"
	"github.com/mattjoyce/kiln/internal/supervisor"
	"github.com/mattjoyce/kiln/internal/workspace"
)

type Engine struct {
	cfg    *config.Config
	layout *workspace.Layout
	lock   *lock.WorkspaceLock
	db     *sql.DB
	store  *store.Store
	hub    *events.Hub

	importer   *dataset.Importer
	supervisor *supervisor.Supervisor
	registry   *registry.Registry
	exporter   *export.Exporter
	doctor     *doctor.Doctor

	logger *slog.Logger
}

// Open acquires the workspace and wires every component. Exactly one engine
// may hold a workspace at a time; Close releases it.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	layout, err := workspace.NewLayout(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(layout.Root(), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	wl, err := lock.Acquire(layout.LockPath())
	if err != nil {
		return nil, err
	}

	db, err := storage.OpenSQLite(ctx, layout.DatabasePath())
	if err != nil {
		_ = wl.Release()
		return nil, err
	}

	st := store.New(db)
	hub := events.NewHub(cfg.Events.BufferCapacity)
	sup := supervisor.New(layout, st, hub, cfg.Runner)

	e := &Engine{
		cfg:        cfg,
		layout:     layout,
		lock:       wl,
		db:         db,
		store:      st,
		hub:        hub,
		importer:   dataset.NewImporter(layout, st),
		supervisor: sup,
		registry:   registry.New(layout, st),
		exporter:   export.New(layout, st),
		doctor:     doctor.New(layout, st, cfg.Runner, sup.ActiveRuns),
		logger:     log.WithComponent("engine"),
	}
	e.logger.Info("workspace opened", "root", layout.Root())
	return e, nil
}

func (e *Engine) Close() error {
	err := e.db.Close()
	if lerr := e.lock.Release(); err == nil {
		err = lerr
	}
	e.logger.Info("workspace closed", "root", e.layout.Root())
	return err
}

// Hub exposes the event stream for the HTTP API.
func (e *Engine) Hub() *events.Hub { return e.hub }

// Layout exposes workspace paths for diagnostics.
func (e *Engine) Layout() *workspace.Layout { return e.layout }

// --- Projects ---

// CreateProject creates the row and the directory skeleton.
func (e *Engine) CreateProject(ctx context.Context, name, description string) (*store.Project, error) {
	p, err := e.store.CreateProject(ctx, name, "", description)
	if err != nil {
		return nil, err
	}
	dir, err := e.layout.InitProject(p.ID)
	if err != nil {
		// Roll the row back so a half-created project is not left around.
		_ = e.store.DeleteProject(ctx, p.ID)
		return nil, err
	}
	if err := e.store.SetProjectRootPath(ctx, p.ID, dir); err != nil {
		return nil, err
	}
	p.RootPath = dir
	log.WithProject(p.ID).Info("project created", "name", p.Name, "root", dir)
	return p, nil
}

func (e *Engine) GetProject(ctx context.Context, id string) (*store.Project, error) {
	return e.store.GetProject(ctx, id)
}

func (e *Engine) ListProjects(ctx context.Context) ([]*store.Project, error) {
	return e.store.ListProjects(ctx)
}

// DeleteProject removes the project and all child rows. Files on disk are
// kept; removing them is an explicit operator decision.
func (e *Engine) DeleteProject(ctx context.Context, id string) error {
	for _, runID := range e.supervisor.ActiveRuns() {
		run, err := e.store.GetRun(ctx, runID)
		if err == nil && run.ProjectID == id {
			return store.Validationf("project %q has an active run (%s), cancel it first", id, runID)
		}
	}
	return e.store.DeleteProject(ctx, id)
}

// --- Datasets ---

func (e *Engine) ImportDataset(ctx context.Context, projectID, name, sourcePath string, mode store.StorageMode) (*store.Dataset, error) {
	return e.importer.Import(ctx, dataset.ImportParams{
		ProjectID:  projectID,
		Name:       name,
		SourcePath: sourcePath,
		Mode:       mode,
	})
}

func (e *Engine) ListDatasets(ctx context.Context, projectID string) ([]*store.Dataset, error) {
	return e.store.ListDatasets(ctx, projectID)
}

func (e *Engine) GetDataset(ctx context.Context, id string) (*store.Dataset, error) {
	return e.store.GetDataset(ctx, id)
}

// --- Runs ---

// StartRun resolves the dataset's data path from its manifest and hands off
// to the supervisor.
func (e *Engine) StartRun(ctx context.Context, projectID, datasetID, name string, params map[string]any) (*store.Run, error) {
	var datasetPath string
	if datasetID != "" {
		d, err := e.store.GetDataset(ctx, datasetID)
		if err != nil {
			return nil, err
		}
		if d.ProjectID != projectID {
			return nil, store.Validationf("dataset %q belongs to a different project", datasetID)
		}
		m, err := dataset.ReadManifest(d.ManifestPath)
		if err != nil {
			return nil, err
		}
		datasetPath = m.DataPath
	}

	return e.supervisor.StartRun(ctx, supervisor.StartParams{
		ProjectID:   projectID,
		DatasetID:   datasetID,
		DatasetPath: datasetPath,
		Name:        name,
		Params:      params,
	})
}

func (e *Engine) GetRun(ctx context.Context, id string) (*store.Run, error) {
	return e.store.GetRun(ctx, id)
}

func (e *Engine) ListRuns(ctx context.Context, projectID string) ([]*store.Run, error) {
	return e.store.ListRuns(ctx, projectID)
}

func (e *Engine) CancelRun(ctx context.Context, id string) error {
	return e.supervisor.CancelRun(ctx, id)
}

func (e *Engine) ListRunArtifacts(ctx context.Context, runID string) ([]*store.RunArtifact, error) {
	return e.store.ListRunArtifacts(ctx, runID)
}

// WaitRun returns a channel closed when the run settles.
func (e *Engine) WaitRun(id string) <-chan struct{} {
	return e.supervisor.Wait(id)
}

// --- Models ---

func (e *Engine) RegisterModel(ctx context.Context, p registry.RegisterParams) (*store.ModelVersion, error) {
	return e.registry.Register(ctx, p)
}

func (e *Engine) PromoteModelVersion(ctx context.Context, versionID string, stage store.Stage) (*store.ModelVersion, error) {
	return e.registry.Promote(ctx, versionID, stage)
}

func (e *Engine) ListModels(ctx context.Context, projectID string) ([]*store.Model, error) {
	return e.store.ListModels(ctx, projectID)
}

func (e *Engine) ListModelVersions(ctx context.Context, modelID string) ([]*store.ModelVersion, error) {
	return e.store.ListModelVersions(ctx, modelID)
}

func (e *Engine) ListAllModelVersions(ctx context.Context) ([]*store.GlobalModelVersion, error) {
	return e.store.ListAllModelVersions(ctx)
}

// --- Exports ---

func (e *Engine) CreateExport(ctx context.Context, projectID, versionID string, exportType store.ExportType) (*store.Export, error) {
	return e.exporter.Create(ctx, projectID, versionID, exportType)
}

func (e *Engine) ListExports(ctx context.Context, projectID string) ([]*store.Export, error) {
	return e.store.ListExports(ctx, projectID)
}

// --- Doctor ---

func (e *Engine) Doctor(ctx context.Context, opts doctor.Options) (*doctor.Report, error) {
	return e.doctor.Run(ctx, opts)
}
