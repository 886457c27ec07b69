// Package export packages a model version for handoff: a zip archive or a
// container build context directory. Every export call produces a fresh
// bundle and a fresh record.
package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/store"
	"github.com/mattjoyce/kiln/internal/workspace"
)

type Exporter struct {
	layout *workspace.Layout
	store  *store.Store
	logger *slog.Logger
}

func New(layout *workspace.Layout, st *store.Store) *Exporter {
	return &Exporter{layout: layout, store: st, logger: log.WithComponent("export")}
}

// metadata is the export.json document included in every bundle.
type metadata struct {
	ExportID       string    `json:"export_id"`
	ExportType     string    `json:"export_type"`
	ProjectID      string    `json:"project_id"`
	ProjectName    string    `json:"project_name"`
	ModelName      string    `json:"model_name"`
	ModelVersionID string    `json:"model_version_id"`
	Version        string    `json:"version"`
	Stage          string    `json:"stage"`
	RunID          string    `json:"run_id,omitempty"`
	Metrics        string    `json:"metrics,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Create packages the given model version. Supported types are archive
// (zip) and build-context (directory with a Dockerfile). built-image is
// recorded in the schema for older workspaces but cannot be produced here.
func (e *Exporter) Create(ctx context.Context, projectID, versionID string, exportType store.ExportType) (*store.Export, error) {
	if exportType == store.ExportBuiltImage {
		return nil, store.Validationf("export type %q requires container tooling and is not supported", exportType)
	}
	if exportType != store.ExportArchive && exportType != store.ExportBuildContext {
		return nil, store.Validationf("unknown export type %q", exportType)
	}

	version, err := e.store.GetModelVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	model, err := e.store.GetModel(ctx, version.ModelID)
	if err != nil {
		return nil, err
	}
	if model.ProjectID != projectID {
		return nil, store.Validationf("model version %q belongs to a different project", versionID)
	}
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(version.ArtifactPath); err != nil {
		return nil, fmt.Errorf("model artifact missing at %q: %w", version.ArtifactPath, err)
	}

	exportsDir, err := e.layout.ExportsDir(projectID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(exportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create exports directory: %w", err)
	}

	exportID := uuid.NewString()
	meta := metadata{
		ExportID:       exportID,
		ExportType:     string(exportType),
		ProjectID:      projectID,
		ProjectName:    project.Name,
		ModelName:      model.Name,
		ModelVersionID: version.ID,
		Version:        version.Version,
		Stage:          string(version.Stage),
		RunID:          version.RunID,
		Metrics:        version.Metrics,
		CreatedAt:      time.Now().UTC(),
	}

	var path string
	switch exportType {
	case store.ExportArchive:
		path = filepath.Join(exportsDir, fmt.Sprintf("%s-%s-%s.zip", model.Name, version.Version, exportID[:8]))
		err = writeArchive(path, version.ArtifactPath, &meta)
	case store.ExportBuildContext:
		path = filepath.Join(exportsDir, fmt.Sprintf("%s-%s-%s-context", model.Name, version.Version, exportID[:8]))
		err = writeBuildContext(path, version.ArtifactPath, &meta)
	}
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}

	rec, err := e.store.CreateExport(ctx, store.CreateExportParams{
		ID:             exportID,
		ProjectID:      projectID,
		ModelVersionID: version.ID,
		ExportType:     exportType,
		Path:           path,
	})
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}

	e.logger.Info("export created",
		"export_id", exportID,
		"type", string(exportType),
		"model", model.Name,
		"version", version.Version,
		"path", path)
	return rec, nil
}

// writeArchive builds a zip with the model bytes under model/, plus
// export.json and a README.
func writeArchive(path, artifactPath string, meta *metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	if err := addArtifactToZip(zw, artifactPath); err != nil {
		return err
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export metadata: %w", err)
	}
	if err := addZipFile(zw, "export.json", metaBytes); err != nil {
		return err
	}
	if err := addZipFile(zw, "README.md", []byte(readmeText(meta))); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return f.Close()
}

func addArtifactToZip(zw *zip.Writer, artifactPath string) error {
	info, err := os.Stat(artifactPath)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if !info.IsDir() {
		return addZipFileFromDisk(zw, filepath.Join("model", filepath.Base(artifactPath)), artifactPath)
	}
	return filepath.WalkDir(artifactPath, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(artifactPath, p)
		if err != nil {
			return err
		}
		return addZipFileFromDisk(zw, filepath.ToSlash(filepath.Join("model", rel)), p)
	})
}

func addZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %q to archive: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %q to archive: %w", name, err)
	}
	return nil
}

func addZipFileFromDisk(zw *zip.Writer, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %q to archive: %w", name, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write %q to archive: %w", name, err)
	}
	return nil
}

// writeBuildContext lays out a directory ready for an image build: the
// model under model/, a Dockerfile, export.json, and a README.
func writeBuildContext(dir, artifactPath string, meta *metadata) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	modelDst := filepath.Join(dir, "model")
	info, err := os.Stat(artifactPath)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		if err := workspace.CopyTree(artifactPath, modelDst); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(modelDst, 0o755); err != nil {
			return fmt.Errorf("create model directory: %w", err)
		}
		if err := copyOne(artifactPath, filepath.Join(modelDst, filepath.Base(artifactPath))); err != nil {
			return err
		}
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "export.json"), metaBytes, 0o644); err != nil {
		return fmt.Errorf("write export metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfileText(meta)), 0o644); err != nil {
		return fmt.Errorf("write Dockerfile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(readmeText(meta)), 0o644); err != nil {
		return fmt.Errorf("write README: %w", err)
	}
	return nil
}

func copyOne(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	return out.Close()
}

func readmeText(meta *metadata) string {
	return fmt.Sprintf(`# %s %s

Exported model bundle.

- Project: %s
- Stage: %s
- Produced by run: %s
- Exported: %s

The model files are under model/. See export.json for full metadata.
`, meta.ModelName, meta.Version, meta.ProjectName, meta.Stage, meta.RunID, meta.CreatedAt.Format(time.RFC3339))
}

func dockerfileText(meta *metadata) string {
	return fmt.Sprintf(`FROM python:3.11-slim

LABEL model=%q version=%q

WORKDIR /app
COPY model/ /app/model/
COPY export.json /app/export.json

CMD ["python", "-c", "print('model %s %s ready; add a serving entrypoint')"]
`, meta.ModelName, meta.Version, meta.ModelName, meta.Version)
}
