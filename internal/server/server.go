// Package server provides the HTTP API for bimingest.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/config"
	"github.com/hyperjump/bimingest/internal/keyword"
	"github.com/hyperjump/bimingest/internal/pipeline"
	"github.com/hyperjump/bimingest/internal/storage"
)

// maxUploadBytes caps a single model upload.
const maxUploadBytes = 2 << 30

// WatchService is the inbox surface the watch endpoints manage.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the bimingest API.
type Server struct {
	orch   *pipeline.Orchestrator
	runner *pipeline.Runner
	store  storage.Storage
	search keyword.EntityIndex
	logger *zap.Logger
	server *http.Server

	watch      WatchService
	configPath string
	appConfig  *config.Config
	configMu   sync.Mutex
}

// NewServer creates a server with the given dependencies. search and watch
// may be nil, which disables their endpoints. When configPath is set, watch
// directory changes are saved back to it.
func NewServer(
	orch *pipeline.Orchestrator,
	runner *pipeline.Runner,
	search keyword.EntityIndex,
	cfg *config.Config,
	logger *zap.Logger,
	watch WatchService,
	configPath string,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}
	return &Server{
		orch:       orch,
		runner:     runner,
		store:      orch.Store(),
		search:     search,
		logger:     logger.Named("server"),
		watch:      watch,
		configPath: configPath,
		appConfig:  cfg,
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived: event streams and uploads are not bound by the request timeout.
		r.Get("/models/{id}/events", s.handleModelEvents)
		r.Post("/models", s.handleUpload)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Use(middleware.Compress(5))

			r.Get("/status", s.handleStatus)
			r.Get("/models", s.handleListModels)
			r.Get("/models/{id}", s.handleGetModel)
			r.Delete("/models/{id}", s.handleDeleteModel)
			r.Post("/models/{id}/parse", s.handleParse)
			r.Post("/models/{id}/geometry", s.handleGeometry)
			r.Post("/models/{id}/cancel", s.handleCancel)
			r.Get("/models/{id}/entities", s.handleListEntities)
			r.Get("/models/{id}/entities/{guid}", s.handleGetEntity)
			r.Get("/models/{id}/entities/{guid}/properties", s.handleEntityProperties)
			r.Get("/models/{id}/entities/{guid}/quantities", s.handleEntityQuantities)
			r.Get("/models/{id}/entities/{guid}/geometry", s.handleEntityGeometry)
			r.Get("/models/{id}/containers", s.handleContainers)
			r.Get("/models/{id}/reports", s.handleListReports)
			r.Get("/models/{id}/reports/{reportID}", s.handleGetReport)
			r.Get("/models/{id}/search", s.handleSearch)
			r.Get("/models/{id}/export.xlsx", s.handleExport)

			r.Get("/watch/directories", s.handleWatchDirectoriesList)
			r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
			r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
		})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.appConfig.Server.Host, s.appConfig.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
