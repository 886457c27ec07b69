package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateRunParams carries the fields known at run creation time. The run
// is inserted in pending; the supervisor drives all later transitions.
type CreateRunParams struct {
	ID         string
	ProjectID  string
	DatasetID  string
	Name       string
	ConfigPath string
}

func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (*Run, error) {
	if err := s.requireProject(ctx, p.ProjectID); err != nil {
		return nil, err
	}
	if p.DatasetID != "" {
		ok, err := s.exists(ctx, "datasets", p.DatasetID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, Validationf("dataset %q does not exist", p.DatasetID)
		}
	}

	r := &Run{
		ID:         p.ID,
		ProjectID:  p.ProjectID,
		DatasetID:  p.DatasetID,
		Name:       p.Name,
		Status:     RunPending,
		ConfigPath: p.ConfigPath,
		CreatedAt:  nowUTC(),
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(id, project_id, dataset_id, name, status, config_path, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.ProjectID, nullable(r.DatasetID), nullable(r.Name), string(r.Status), nullable(r.ConfigPath), fmtTime(r.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, dataset_id, name, status, started_at, ended_at, config_path, device, error_summary, created_at
FROM runs WHERE id = ?;
`, id)
	return scanRun(row)
}

func (s *Store) ListRuns(ctx context.Context, projectID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, dataset_id, name, status, started_at, ended_at, config_path, device, error_summary, created_at
FROM runs WHERE project_id = ? ORDER BY created_at DESC;
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunsByStatus returns runs in the given status across all projects.
// The doctor uses this to find rows orphaned by an abnormal restart.
func (s *Store) ListRunsByStatus(ctx context.Context, status RunStatus) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, dataset_id, name, status, started_at, ended_at, config_path, device, error_summary, created_at
FROM runs WHERE status = ? ORDER BY created_at ASC;
`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkRunRunning flips pending -> running and stamps started_at. The WHERE
// clause is the state machine guard: a run that already left pending is
// not updated and the call fails with a validation error.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?;
`, string(RunRunning), fmtTime(nowUTC()), id, string(RunPending))
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return s.explainNoTransition(ctx, res, id, RunRunning)
}

// FinishRun moves a run to a terminal status and stamps ended_at. Allowed
// from pending (spawn failures never reach running) and from running.
// Terminal states are final; a second FinishRun fails.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, errorSummary string) error {
	if !status.Terminal() {
		return Validationf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, ended_at = ?, error_summary = ?
WHERE id = ? AND status IN (?, ?);
`, string(status), fmtTime(nowUTC()), nullable(errorSummary), id, string(RunPending), string(RunRunning))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return s.explainNoTransition(ctx, res, id, status)
}

// SetRunDevice records the device tag reported by the training process.
func (s *Store) SetRunDevice(ctx context.Context, id, device string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE runs SET device = ? WHERE id = ?;", device, id)
	if err != nil {
		return fmt.Errorf("set run device: %w", err)
	}
	return checkAffected(res, id)
}

// explainNoTransition turns a zero-row guard miss into the right typed error.
func (s *Store) explainNoTransition(ctx context.Context, res sql.Result, id string, target RunStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	cur, err := s.GetRun(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return Validationf("run %q cannot move from %q to %q", id, cur.Status, target)
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r          Run
		datasetID  sql.NullString
		name       sql.NullString
		status     string
		startedAt  sql.NullString
		endedAt    sql.NullString
		configPath sql.NullString
		device     sql.NullString
		errSummary sql.NullString
		createdAt  string
	)
	err := row.Scan(&r.ID, &r.ProjectID, &datasetID, &name, &status, &startedAt, &endedAt, &configPath, &device, &errSummary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Status = RunStatus(status)
	if datasetID.Valid {
		r.DatasetID = datasetID.String
	}
	if name.Valid {
		r.Name = name.String
	}
	if configPath.Valid {
		r.ConfigPath = configPath.String
	}
	if device.Valid {
		r.Device = device.String
	}
	if errSummary.Valid {
		r.ErrorSummary = errSummary.String
	}
	r.StartedAt = parseNullTime(startedAt)
	r.EndedAt = parseNullTime(endedAt)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// --- Run artifacts ---

func (s *Store) AddRunArtifact(ctx context.Context, runID, kind, path, fingerprint string) (*RunArtifact, error) {
	ok, err := s.exists(ctx, "runs", runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, Validationf("run %q does not exist", runID)
	}
	if path == "" {
		return nil, Validationf("artifact path is empty")
	}

	a := &RunArtifact{
		ID:          uuid.NewString(),
		RunID:       runID,
		Kind:        kind,
		Path:        path,
		Fingerprint: fingerprint,
		CreatedAt:   nowUTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO run_artifacts(id, run_id, kind, path, fingerprint, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, a.ID, a.RunID, a.Kind, a.Path, nullable(a.Fingerprint), fmtTime(a.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert run artifact: %w", err)
	}
	return a, nil
}

func (s *Store) ListRunArtifacts(ctx context.Context, runID string) ([]*RunArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, kind, path, fingerprint, created_at
FROM run_artifacts WHERE run_id = ? ORDER BY created_at ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run artifacts: %w", err)
	}
	defer rows.Close()

	var out []*RunArtifact
	for rows.Next() {
		var (
			a           RunArtifact
			fingerprint sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &fingerprint, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run artifact: %w", err)
		}
		if fingerprint.Valid {
			a.Fingerprint = fingerprint.String
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
