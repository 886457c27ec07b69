package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type CreateExportParams struct {
	ID             string
	ProjectID      string
	ModelVersionID string
	ExportType     ExportType
	Path           string
}

func (s *Store) CreateExport(ctx context.Context, p CreateExportParams) (*Export, error) {
	if err := s.requireProject(ctx, p.ProjectID); err != nil {
		return nil, err
	}
	ok, err := s.exists(ctx, "model_versions", p.ModelVersionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, Validationf("model version %q does not exist", p.ModelVersionID)
	}
	if p.Path == "" {
		return nil, Validationf("export path is empty")
	}

	e := &Export{
		ID:             p.ID,
		ProjectID:      p.ProjectID,
		ModelVersionID: p.ModelVersionID,
		ExportType:     p.ExportType,
		Path:           p.Path,
		CreatedAt:      nowUTC(),
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO exports(id, project_id, model_version_id, export_type, path, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, e.ID, e.ProjectID, e.ModelVersionID, string(e.ExportType), e.Path, fmtTime(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert export: %w", err)
	}
	return e, nil
}

func (s *Store) ListExports(ctx context.Context, projectID string) ([]*Export, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, model_version_id, export_type, path, created_at
FROM exports WHERE project_id = ? ORDER BY created_at DESC;
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()

	var out []*Export
	for rows.Next() {
		var (
			e         Export
			etype     string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ModelVersionID, &etype, &e.Path, &createdAt); err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		e.ExportType = ExportType(etype)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
