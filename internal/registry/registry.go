// Package registry manages models and their versions: registering artifacts
// produced by successful runs and moving versions through lifecycle stages.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/store"
	"github.com/mattjoyce/kiln/internal/workspace"
)

type Registry struct {
	layout *workspace.Layout
	store  *store.Store
	logger *slog.Logger
}

func New(layout *workspace.Layout, st *store.Store) *Registry {
	return &Registry{layout: layout, store: st, logger: log.WithComponent("registry")}
}

type RegisterParams struct {
	ProjectID   string
	RunID       string
	ModelName   string
	Version     string
	Description string
	Metrics     string
}

// Register creates a model version from a finished run. The run must have
// succeeded. The artifact is the run's recorded model artifact if one
// exists, otherwise the run's model directory. The version starts in draft.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*store.ModelVersion, error) {
	run, err := r.store.GetRun(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	if run.ProjectID != p.ProjectID {
		return nil, store.Validationf("run %q belongs to a different project", p.RunID)
	}
	if run.Status != store.RunSucceeded {
		return nil, store.Validationf("run %q has status %q, only succeeded runs can be registered", p.RunID, run.Status)
	}

	artifactPath, err := r.resolveArtifact(ctx, run)
	if err != nil {
		return nil, err
	}

	model, err := r.store.GetOrCreateModel(ctx, p.ProjectID, p.ModelName, p.Description)
	if err != nil {
		return nil, err
	}

	version := p.Version
	if version == "" {
		existing, err := r.store.ListModelVersions(ctx, model.ID)
		if err != nil {
			return nil, err
		}
		version = fmt.Sprintf("v%d", len(existing)+1)
	}

	v, err := r.store.CreateModelVersion(ctx, store.CreateModelVersionParams{
		ModelID:      model.ID,
		RunID:        run.ID,
		Version:      version,
		ArtifactPath: artifactPath,
		Provenance:   run.ID,
		Metrics:      p.Metrics,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("model version registered",
		"model", model.Name,
		"version", v.Version,
		"run_id", run.ID,
		"artifact", artifactPath)
	return v, nil
}

// resolveArtifact prefers the run's recorded model artifact rows over the
// conventional model directory.
func (r *Registry) resolveArtifact(ctx context.Context, run *store.Run) (string, error) {
	artifacts, err := r.store.ListRunArtifacts(ctx, run.ID)
	if err != nil {
		return "", err
	}
	for i := len(artifacts) - 1; i >= 0; i-- {
		if artifacts[i].Kind == "model" {
			return artifacts[i].Path, nil
		}
	}

	runDir, err := r.layout.RunDir(run.ProjectID, run.ID)
	if err != nil {
		return "", err
	}
	modelDir := filepath.Join(runDir, "model")
	info, err := os.Stat(modelDir)
	if err != nil || !info.IsDir() {
		return "", store.Validationf("run %q produced no model artifact", run.ID)
	}
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return "", fmt.Errorf("read model directory: %w", err)
	}
	if len(entries) == 0 {
		return "", store.Validationf("run %q produced no model artifact", run.ID)
	}
	return modelDir, nil
}

// Promote moves a version forward through draft -> staging -> production.
// Demotion is not allowed; archived is reachable from any stage.
func (r *Registry) Promote(ctx context.Context, versionID string, target store.Stage) (*store.ModelVersion, error) {
	if !target.Valid() {
		return nil, store.Validationf("unknown stage %q", target)
	}
	v, err := r.store.GetModelVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	if target != store.StageArchived {
		if v.Stage == target {
			return nil, store.Validationf("version %q is already in stage %q", versionID, target)
		}
		if target.Before(v.Stage) || v.Stage == store.StageArchived {
			return nil, store.Validationf("cannot move version %q from %q to %q", versionID, v.Stage, target)
		}
	}

	if err := r.store.SetModelVersionStage(ctx, versionID, target); err != nil {
		return nil, err
	}
	r.logger.Info("model version promoted", "version_id", versionID, "from", string(v.Stage), "to", string(target))
	return r.store.GetModelVersion(ctx, versionID)
}
