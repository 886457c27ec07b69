package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the single source of truth for entity records. All reads and
// writes go through short-lived per-operation transactions; nothing here
// holds a transaction across a subprocess's lifetime.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// exists checks a single-row presence query against the given table.
func (s *Store) exists(ctx context.Context, table, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?;", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s existence: %w", table, err)
	}
	return true, nil
}

func (s *Store) requireProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return Validationf("project id is empty")
	}
	ok, err := s.exists(ctx, "projects", projectID)
	if err != nil {
		return err
	}
	if !ok {
		return Validationf("project %q does not exist", projectID)
	}
	return nil
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, name, rootPath, description string) (*Project, error) {
	if name == "" {
		return nil, Validationf("project name is empty")
	}
	now := nowUTC()
	p := &Project{
		ID:          uuid.NewString(),
		Name:        name,
		RootPath:    rootPath,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO projects(id, name, root_path, description, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?);
`, p.ID, p.Name, p.RootPath, nullable(p.Description), fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// SetProjectRootPath records the project's directory once the skeleton exists.
func (s *Store) SetProjectRootPath(ctx context.Context, id, rootPath string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE projects SET root_path = ?, updated_at = ? WHERE id = ?;
`, rootPath, fmtTime(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("update project root path: %w", err)
	}
	return checkAffected(res, id)
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, root_path, description, created_at, updated_at
FROM projects WHERE id = ?;
`, id)
	return scanProject(row)
}

func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, root_path, description, created_at, updated_at
FROM projects ORDER BY updated_at DESC;
`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes the project row; child rows cascade. The caller is
// responsible for any filesystem cleanup, which is deliberately manual.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?;", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return checkAffected(res, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p          Project
		desc       sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&p.ID, &p.Name, &p.RootPath, &desc, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if desc.Valid {
		p.Description = desc.String
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// --- Datasets ---

// CreateDatasetParams carries everything the importer computed before the
// row is committed.
type CreateDatasetParams struct {
	ID           string
	ProjectID    string
	Name         string
	Fingerprint  string
	StorageMode  StorageMode
	ManifestPath string
	SizeBytes    int64
	FileCount    int
}

func (s *Store) CreateDataset(ctx context.Context, p CreateDatasetParams) (*Dataset, error) {
	if err := s.requireProject(ctx, p.ProjectID); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, Validationf("dataset name is empty")
	}
	if p.StorageMode != StorageCopy && p.StorageMode != StorageReference {
		return nil, Validationf("invalid storage mode %q", p.StorageMode)
	}
	if p.Fingerprint == "" {
		return nil, Validationf("dataset fingerprint is empty")
	}

	d := &Dataset{
		ID:           p.ID,
		ProjectID:    p.ProjectID,
		Name:         p.Name,
		Fingerprint:  p.Fingerprint,
		StorageMode:  p.StorageMode,
		ManifestPath: p.ManifestPath,
		SizeBytes:    p.SizeBytes,
		FileCount:    p.FileCount,
		CreatedAt:    nowUTC(),
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO datasets(id, project_id, name, fingerprint, storage_mode, manifest_path, size_bytes, file_count, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, d.ID, d.ProjectID, d.Name, d.Fingerprint, string(d.StorageMode), d.ManifestPath, d.SizeBytes, d.FileCount, fmtTime(d.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert dataset: %w", err)
	}
	return d, nil
}

func (s *Store) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, name, fingerprint, storage_mode, manifest_path, size_bytes, file_count, created_at
FROM datasets WHERE id = ?;
`, id)
	return scanDataset(row)
}

func (s *Store) ListDatasets(ctx context.Context, projectID string) ([]*Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, name, fingerprint, storage_mode, manifest_path, size_bytes, file_count, created_at
FROM datasets WHERE project_id = ? ORDER BY created_at DESC;
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []*Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDataset(row rowScanner) (*Dataset, error) {
	var (
		d         Dataset
		mode      string
		createdAt string
	)
	err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Fingerprint, &mode, &d.ManifestPath, &d.SizeBytes, &d.FileCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dataset: %w", err)
	}
	d.StorageMode = StorageMode(mode)
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

// --- shared helpers ---

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("id %q: %w", id, ErrNotFound)
	}
	return nil
}
