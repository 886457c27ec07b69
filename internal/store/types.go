package store

import "time"

// RunStatus is the run lifecycle state. pending -> running -> terminal,
// where terminal is one of succeeded, failed, cancelled.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Stage is a model version's lifecycle stage, strictly ordered
// draft < staging < production < archived.
type Stage string

const (
	StageDraft      Stage = "draft"
	StageStaging    Stage = "staging"
	StageProduction Stage = "production"
	StageArchived   Stage = "archived"
)

var stageRank = map[Stage]int{
	StageDraft:      0,
	StageStaging:    1,
	StageProduction: 2,
	StageArchived:   3,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Before reports whether s is strictly behind other in the stage order.
func (s Stage) Before(other Stage) bool {
	return stageRank[s] < stageRank[other]
}

// StorageMode describes how a dataset's bytes are held.
type StorageMode string

const (
	StorageCopy      StorageMode = "copy"
	StorageReference StorageMode = "reference"
)

// ExportType identifies the packaging produced by an export.
type ExportType string

const (
	ExportArchive      ExportType = "archive"
	ExportBuildContext ExportType = "build-context"
	ExportBuiltImage   ExportType = "built-image"
)

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RootPath    string    `json:"root_path"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Dataset struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"project_id"`
	Name         string      `json:"name"`
	Fingerprint  string      `json:"fingerprint"`
	StorageMode  StorageMode `json:"storage_mode"`
	ManifestPath string      `json:"manifest_path"`
	SizeBytes    int64       `json:"size_bytes"`
	FileCount    int         `json:"file_count"`
	CreatedAt    time.Time   `json:"created_at"`
}

type Run struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	DatasetID    string     `json:"dataset_id,omitempty"`
	Name         string     `json:"name,omitempty"`
	Status       RunStatus  `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ConfigPath   string     `json:"config_path,omitempty"`
	Device       string     `json:"device,omitempty"`
	ErrorSummary string     `json:"error_summary,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type RunArtifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Kind        string    `json:"kind"`
	Path        string    `json:"path"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Model struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ModelVersion struct {
	ID           string     `json:"id"`
	ModelID      string     `json:"model_id"`
	RunID        string     `json:"run_id,omitempty"`
	Version      string     `json:"version"`
	Stage        Stage      `json:"stage"`
	ArtifactPath string     `json:"artifact_path"`
	Provenance   string     `json:"provenance,omitempty"`
	Metrics      string     `json:"metrics,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	PromotedAt   *time.Time `json:"promoted_at,omitempty"`
}

type Export struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	ModelVersionID string     `json:"model_version_id"`
	ExportType     ExportType `json:"export_type"`
	Path           string     `json:"path"`
	CreatedAt      time.Time  `json:"created_at"`
}

// GlobalModelVersion is the cross-project registry listing row.
type GlobalModelVersion struct {
	VersionID    string    `json:"version_id"`
	ModelID      string    `json:"model_id"`
	ModelName    string    `json:"model_name"`
	ProjectID    string    `json:"project_id"`
	ProjectName  string    `json:"project_name"`
	Version      string    `json:"version"`
	Stage        Stage     `json:"stage"`
	ArtifactPath string    `json:"artifact_path"`
	CreatedAt    time.Time `json:"created_at"`
}
