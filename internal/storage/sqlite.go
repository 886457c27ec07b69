package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  root_path   TEXT NOT NULL,
  description TEXT,
  created_at  TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS datasets (
  id            TEXT PRIMARY KEY,
  project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  name          TEXT NOT NULL,
  fingerprint   TEXT NOT NULL,
  storage_mode  TEXT NOT NULL CHECK(storage_mode IN ('copy', 'reference')),
  manifest_path TEXT NOT NULL,
  size_bytes    INTEGER NOT NULL,
  file_count    INTEGER NOT NULL,
  created_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS runs (
  id            TEXT PRIMARY KEY,
  project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  dataset_id    TEXT REFERENCES datasets(id) ON DELETE SET NULL,
  name          TEXT,
  status        TEXT NOT NULL CHECK(status IN ('pending', 'running', 'succeeded', 'failed', 'cancelled')),
  started_at    TEXT,
  ended_at      TEXT,
  config_path   TEXT,
  device        TEXT,
  error_summary TEXT,
  created_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS run_artifacts (
  id          TEXT PRIMARY KEY,
  run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  kind        TEXT NOT NULL,
  path        TEXT NOT NULL,
  fingerprint TEXT,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS models (
  id          TEXT PRIMARY KEY,
  project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  name        TEXT NOT NULL,
  description TEXT,
  created_at  TEXT NOT NULL,
  UNIQUE(project_id, name)
);`,
		`CREATE TABLE IF NOT EXISTS model_versions (
  id            TEXT PRIMARY KEY,
  model_id      TEXT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
  run_id        TEXT REFERENCES runs(id) ON DELETE SET NULL,
  version       TEXT NOT NULL,
  stage         TEXT NOT NULL CHECK(stage IN ('draft', 'staging', 'production', 'archived')),
  artifact_path TEXT NOT NULL,
  provenance    TEXT,
  metrics       TEXT,
  created_at    TEXT NOT NULL,
  promoted_at   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS exports (
  id               TEXT PRIMARY KEY,
  project_id       TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  model_version_id TEXT NOT NULL REFERENCES model_versions(id) ON DELETE CASCADE,
  export_type      TEXT NOT NULL CHECK(export_type IN ('archive', 'build-context', 'built-image')),
  path             TEXT NOT NULL,
  created_at       TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS datasets_project_idx ON datasets(project_id);`,
		`CREATE INDEX IF NOT EXISTS runs_project_idx ON runs(project_id);`,
		`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status);`,
		`CREATE INDEX IF NOT EXISTS run_artifacts_run_idx ON run_artifacts(run_id);`,
		`CREATE INDEX IF NOT EXISTS models_project_idx ON models(project_id);`,
		`CREATE INDEX IF NOT EXISTS model_versions_model_idx ON model_versions(model_id);`,
		`CREATE INDEX IF NOT EXISTS exports_project_idx ON exports(project_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
