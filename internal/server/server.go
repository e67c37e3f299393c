// Package server provides the HTTP API for Karte.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/karteio/karte/internal/analytics"
	"github.com/karteio/karte/internal/chat"
	"github.com/karteio/karte/internal/config"
	"github.com/karteio/karte/internal/ingest"
	"github.com/karteio/karte/internal/keyword"
	"github.com/karteio/karte/internal/patientindex"
	"github.com/karteio/karte/internal/storage"
)

// Server is the HTTP server for the Karte API.
type Server struct {
	pipeline  *ingest.Pipeline
	index     *patientindex.Service
	keyword   keyword.Index
	chat      *chat.Engine
	storage   storage.Storage
	analytics *analytics.Engine
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	pipeline *ingest.Pipeline,
	index *patientindex.Service,
	kw keyword.Index,
	chatEngine *chat.Engine,
	store storage.Storage,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		pipeline:  pipeline,
		index:     index,
		keyword:   kw,
		chat:      chatEngine,
		storage:   store,
		analytics: analytics.NewEngine(store),
		config:    cfg,
		logger:    logger,
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/reports/upload", s.handleUploadReport)
	r.Post("/api/v1/reports/lab", s.handleLabReport)
	r.Post("/api/v1/reports/import-csv", s.handleImportCSV)
	r.Delete("/api/v1/reports/{id}", s.handleDeleteReport)

	r.Post("/api/v1/patients", s.handleCreatePatient)
	r.Get("/api/v1/patients", s.handleListPatients)
	r.Get("/api/v1/patients/{patientID}", s.handleGetPatient)
	r.Get("/api/v1/patients/{patientID}/analytics", s.handlePatientAnalytics)
	r.Get("/api/v1/analytics/population", s.handlePopulationAnalytics)

	r.Get("/api/v1/patients/{patientID}/reports", s.handleListReports)
	r.Get("/api/v1/patients/{patientID}/search", s.handleSearch)
	r.Get("/api/v1/patients/{patientID}/keyword-search", s.handleKeywordSearch)
	r.Post("/api/v1/patients/{patientID}/chat", s.handleChat)
	r.Get("/api/v1/patients/{patientID}/summary/{audience}", s.handleSummary)
	r.Get("/api/v1/patients/{patientID}/index-stats", s.handleIndexStats)

	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
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
