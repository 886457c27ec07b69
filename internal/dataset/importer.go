// Package dataset imports data directories into a project, either by
// copying the bytes into the workspace or by referencing them in place.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/kiln/internal/fingerprint"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/store"
	"github.com/mattjoyce/kiln/internal/workspace"
)

// Manifest is written next to each imported dataset. It records what was
// imported and the per-file hashes backing the fingerprint.
type Manifest struct {
	DatasetID   string                  `json:"dataset_id"`
	ProjectID   string                  `json:"project_id"`
	Name        string                  `json:"name"`
	SourcePath  string                  `json:"source_path"`
	StorageMode store.StorageMode       `json:"storage_mode"`
	DataPath    string                  `json:"data_path"`
	Fingerprint string                  `json:"fingerprint"`
	TotalBytes  int64                   `json:"total_bytes"`
	FileCount   int                     `json:"file_count"`
	Files       []fingerprint.FileEntry `json:"files"`
	CreatedAt   time.Time               `json:"created_at"`
}

type Importer struct {
	layout *workspace.Layout
	store  *store.Store
}

func NewImporter(layout *workspace.Layout, st *store.Store) *Importer {
	return &Importer{layout: layout, store: st}
}

type ImportParams struct {
	ProjectID  string
	Name       string
	SourcePath string
	Mode       store.StorageMode
}

// Import brings a source directory into the project. Copy mode copies the
// tree into the workspace and fingerprints the copy, so the record describes
// the bytes the workspace actually holds. Reference mode fingerprints the
// source in place. The database row is written last, so a failed import
// never leaves a dataset record; a copy that dies partway leaves its
// partial directory on disk for manual cleanup rather than being retried
// or silently deleted.
func (im *Importer) Import(ctx context.Context, p ImportParams) (*store.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(p.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat source %q: %w", p.SourcePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %q is not a directory", p.SourcePath)
	}
	if p.Mode != store.StorageCopy && p.Mode != store.StorageReference {
		return nil, fmt.Errorf("invalid storage mode %q", p.Mode)
	}

	datasetID := uuid.NewString()
	datasetDir, err := im.layout.DatasetDir(p.ProjectID, datasetID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(datasetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset directory: %w", err)
	}

	logger := log.WithComponent("dataset").With("dataset_id", datasetID, "project_id", p.ProjectID)

	dataPath := p.SourcePath
	if p.Mode == store.StorageCopy {
		dataPath = filepath.Join(datasetDir, "data")
		if err := workspace.CopyTree(p.SourcePath, dataPath); err != nil {
			// Keep whatever was copied so an operator can inspect it.
			return nil, fmt.Errorf("copy dataset: %w", err)
		}
	}

	sum, err := fingerprint.Directory(dataPath)
	if err != nil {
		_ = os.RemoveAll(datasetDir)
		return nil, fmt.Errorf("fingerprint dataset: %w", err)
	}

	manifest := Manifest{
		DatasetID:   datasetID,
		ProjectID:   p.ProjectID,
		Name:        p.Name,
		SourcePath:  p.SourcePath,
		StorageMode: p.Mode,
		DataPath:    dataPath,
		Fingerprint: sum.Fingerprint,
		TotalBytes:  sum.TotalBytes,
		FileCount:   sum.FileCount,
		Files:       sum.Files,
		CreatedAt:   time.Now().UTC(),
	}
	manifestPath := filepath.Join(datasetDir, "manifest.json")
	if err := writeManifest(manifestPath, &manifest); err != nil {
		_ = os.RemoveAll(datasetDir)
		return nil, err
	}

	d, err := im.store.CreateDataset(ctx, store.CreateDatasetParams{
		ID:           datasetID,
		ProjectID:    p.ProjectID,
		Name:         p.Name,
		Fingerprint:  sum.Fingerprint,
		StorageMode:  p.Mode,
		ManifestPath: manifestPath,
		SizeBytes:    sum.TotalBytes,
		FileCount:    sum.FileCount,
	})
	if err != nil {
		_ = os.RemoveAll(datasetDir)
		return nil, err
	}

	logger.Info("dataset imported",
		"mode", string(p.Mode),
		"fingerprint", sum.Fingerprint,
		"files", sum.FileCount,
		"bytes", sum.TotalBytes)
	return d, nil
}

// ReadManifest loads a dataset manifest from disk.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
