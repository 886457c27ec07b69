package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GetOrCreateModel returns the project's model with the given name, creating
// it on first use. Registration always goes through here so that version
// rows can share one model row per (project, name) pair.
func (s *Store) GetOrCreateModel(ctx context.Context, projectID, name, description string) (*Model, error) {
	if err := s.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, Validationf("model name is empty")
	}

	m, err := s.getModelByName(ctx, projectID, name)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	m = &Model{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Name:        name,
		Description: description,
		CreatedAt:   nowUTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO models(id, project_id, name, description, created_at)
VALUES(?, ?, ?, ?, ?);
`, m.ID, m.ProjectID, m.Name, nullable(m.Description), fmtTime(m.CreatedAt))
	if err != nil {
		// A concurrent caller may have won the UNIQUE(project_id, name) race.
		if strings.Contains(err.Error(), "UNIQUE") {
			return s.getModelByName(ctx, projectID, name)
		}
		return nil, fmt.Errorf("insert model: %w", err)
	}
	return m, nil
}

func (s *Store) getModelByName(ctx context.Context, projectID, name string) (*Model, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, name, description, created_at
FROM models WHERE project_id = ? AND name = ?;
`, projectID, name)
	return scanModel(row)
}

func (s *Store) GetModel(ctx context.Context, id string) (*Model, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, name, description, created_at
FROM models WHERE id = ?;
`, id)
	return scanModel(row)
}

func (s *Store) ListModels(ctx context.Context, projectID string) ([]*Model, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, name, description, created_at
FROM models WHERE project_id = ? ORDER BY name ASC;
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanModel(row rowScanner) (*Model, error) {
	var (
		m         Model
		desc      sql.NullString
		createdAt string
	)
	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &desc, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan model: %w", err)
	}
	if desc.Valid {
		m.Description = desc.String
	}
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// --- Model versions ---

type CreateModelVersionParams struct {
	ModelID      string
	RunID        string
	Version      string
	ArtifactPath string
	Provenance   string
	Metrics      string
}

// CreateModelVersion inserts a version in draft. The registry validates the
// producing run before calling this.
func (s *Store) CreateModelVersion(ctx context.Context, p CreateModelVersionParams) (*ModelVersion, error) {
	ok, err := s.exists(ctx, "models", p.ModelID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, Validationf("model %q does not exist", p.ModelID)
	}
	if p.Version == "" {
		return nil, Validationf("version label is empty")
	}
	if p.ArtifactPath == "" {
		return nil, Validationf("artifact path is empty")
	}

	v := &ModelVersion{
		ID:           uuid.NewString(),
		ModelID:      p.ModelID,
		RunID:        p.RunID,
		Version:      p.Version,
		Stage:        StageDraft,
		ArtifactPath: p.ArtifactPath,
		Provenance:   p.Provenance,
		Metrics:      p.Metrics,
		CreatedAt:    nowUTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO model_versions(id, model_id, run_id, version, stage, artifact_path, provenance, metrics, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, v.ID, v.ModelID, nullable(v.RunID), v.Version, string(v.Stage), v.ArtifactPath, nullable(v.Provenance), nullable(v.Metrics), fmtTime(v.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert model version: %w", err)
	}
	return v, nil
}

func (s *Store) GetModelVersion(ctx context.Context, id string) (*ModelVersion, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, model_id, run_id, version, stage, artifact_path, provenance, metrics, created_at, promoted_at
FROM model_versions WHERE id = ?;
`, id)
	return scanModelVersion(row)
}

func (s *Store) ListModelVersions(ctx context.Context, modelID string) ([]*ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, model_id, run_id, version, stage, artifact_path, provenance, metrics, created_at, promoted_at
FROM model_versions WHERE model_id = ? ORDER BY created_at DESC;
`, modelID)
	if err != nil {
		return nil, fmt.Errorf("list model versions: %w", err)
	}
	defer rows.Close()

	var out []*ModelVersion
	for rows.Next() {
		v, err := scanModelVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetModelVersionStage writes the new stage. First entry into production or
// staging stamps promoted_at; later promotions keep the original timestamp.
// Stage order enforcement lives in the registry, not here.
func (s *Store) SetModelVersionStage(ctx context.Context, id string, stage Stage) error {
	if !stage.Valid() {
		return Validationf("invalid stage %q", stage)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE model_versions
SET stage = ?, promoted_at = COALESCE(promoted_at, ?)
WHERE id = ?;
`, string(stage), fmtTime(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("set model version stage: %w", err)
	}
	return checkAffected(res, id)
}

// ListAllModelVersions is the cross-project registry view, newest first.
func (s *Store) ListAllModelVersions(ctx context.Context) ([]*GlobalModelVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT v.id, v.model_id, m.name, m.project_id, p.name, v.version, v.stage, v.artifact_path, v.created_at
FROM model_versions v
JOIN models m ON m.id = v.model_id
JOIN projects p ON p.id = m.project_id
ORDER BY v.created_at DESC;
`)
	if err != nil {
		return nil, fmt.Errorf("list all model versions: %w", err)
	}
	defer rows.Close()

	var out []*GlobalModelVersion
	for rows.Next() {
		var (
			g         GlobalModelVersion
			stage     string
			createdAt string
		)
		if err := rows.Scan(&g.VersionID, &g.ModelID, &g.ModelName, &g.ProjectID, &g.ProjectName, &g.Version, &stage, &g.ArtifactPath, &createdAt); err != nil {
			return nil, fmt.Errorf("scan global model version: %w", err)
		}
		g.Stage = Stage(stage)
		g.CreatedAt = parseTime(createdAt)
		out = append(out, &g)
	}
	return out, rows.Err()
}

func scanModelVersion(row rowScanner) (*ModelVersion, error) {
	var (
		v          ModelVersion
		runID      sql.NullString
		stage      string
		provenance sql.NullString
		metrics    sql.NullString
		createdAt  string
		promotedAt sql.NullString
	)
	err := row.Scan(&v.ID, &v.ModelID, &runID, &v.Version, &stage, &v.ArtifactPath, &provenance, &metrics, &createdAt, &promotedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan model version: %w", err)
	}
	if runID.Valid {
		v.RunID = runID.String
	}
	if provenance.Valid {
		v.Provenance = provenance.String
	}
	if metrics.Valid {
		v.Metrics = metrics.String
	}
	v.Stage = Stage(stage)
	v.CreatedAt = parseTime(createdAt)
	v.PromotedAt = parseNullTime(promotedAt)
	return &v, nil
}
