// Package api exposes the engine over HTTP: JSON command endpoints plus a
// server-sent-events stream of run events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/kiln/internal/engine"
	"github.com/mattjoyce/kiln/internal/log"
)

// Config holds API server configuration.
type Config struct {
	Listen string
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	engine    *engine.Engine
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, eng *engine.Engine) *Server {
	return &Server{
		config:    config,
		engine:    eng,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the HTTP router. Exported so tests can drive the handlers
// without binding a socket.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/events", s.handleEvents)
	r.Post("/doctor", s.handleDoctor)

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleCreateProject)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Delete("/", s.handleDeleteProject)
			r.Get("/datasets", s.handleListDatasets)
			r.Post("/datasets", s.handleImportDataset)
			r.Get("/runs", s.handleListRuns)
			r.Post("/runs", s.handleStartRun)
			r.Get("/models", s.handleListModels)
			r.Post("/models", s.handleRegisterModel)
			r.Get("/exports", s.handleListExports)
			r.Post("/exports", s.handleCreateExport)
		})
	})

	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.handleGetRun)
		r.Post("/cancel", s.handleCancelRun)
		r.Get("/artifacts", s.handleListRunArtifacts)
	})

	r.Get("/models/{modelID}/versions", s.handleListModelVersions)
	r.Get("/model-versions", s.handleListAllModelVersions)
	r.Post("/model-versions/{versionID}/promote", s.handlePromoteModelVersion)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
