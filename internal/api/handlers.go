package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/kiln/internal/doctor"
	"github.com/mattjoyce/kiln/internal/registry"
	"github.com/mattjoyce/kiln/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps store errors onto HTTP status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case store.IsValidation(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// --- Projects ---

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	p, err := s.engine.CreateProject(r.Context(), req.Name, req.Description)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListProjects(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteProject(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Datasets ---

func (s *Server) handleImportDataset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		SourcePath string `json:"source_path"`
		Mode       string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	d, err := s.engine.ImportDataset(r.Context(), chi.URLParam(r, "projectID"), req.Name, req.SourcePath, store.StorageMode(req.Mode))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListDatasets(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// --- Runs ---

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DatasetID string         `json:"dataset_id"`
		Name      string         `json:"name"`
		Params    map[string]any `json:"params"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	run, err := s.engine.StartRun(r.Context(), chi.URLParam(r, "projectID"), req.DatasetID, req.Name, req.Params)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListRuns(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.engine.CancelRun(r.Context(), runID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	run, err := s.engine.GetRun(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListRunArtifacts(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// --- Models ---

func (s *Server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID       string `json:"run_id"`
		ModelName   string `json:"model_name"`
		Version     string `json:"version"`
		Description string `json:"description"`
		Metrics     string `json:"metrics"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	v, err := s.engine.RegisterModel(r.Context(), registry.RegisterParams{
		ProjectID:   chi.URLParam(r, "projectID"),
		RunID:       req.RunID,
		ModelName:   req.ModelName,
		Version:     req.Version,
		Description: req.Description,
		Metrics:     req.Metrics,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListModels(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListModelVersions(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListModelVersions(r.Context(), chi.URLParam(r, "modelID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListAllModelVersions(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListAllModelVersions(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePromoteModelVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stage string `json:"stage"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	v, err := s.engine.PromoteModelVersion(r.Context(), chi.URLParam(r, "versionID"), store.Stage(req.Stage))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

// --- Exports ---

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelVersionID string `json:"model_version_id"`
		ExportType     string `json:"export_type"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	e, err := s.engine.CreateExport(r.Context(), chi.URLParam(r, "projectID"), req.ModelVersionID, store.ExportType(req.ExportType))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListExports(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// --- Doctor ---

func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	reconcile := r.URL.Query().Get("reconcile") == "true"
	report, err := s.engine.Doctor(r.Context(), doctor.Options{Reconcile: reconcile})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
