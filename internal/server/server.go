// Package server provides the HTTP API for guide recommendations.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/config"
	"github.com/hyperjump/guiderec/internal/indexer"
	"github.com/hyperjump/guiderec/internal/recommend"
	"github.com/hyperjump/guiderec/internal/storage"
)

// Server is the HTTP server for the recommendation API.
type Server struct {
	engine   *recommend.Engine
	storage  storage.Storage
	notifier indexer.Notifier
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a server with the given dependencies. notifier is told about every
// guide write so the index can follow the catalog.
func NewServer(
	engine *recommend.Engine,
	store storage.Storage,
	notifier indexer.Notifier,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:   engine,
		storage:  store,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))
	if s.config.Debug {
		r.Use(middleware.Logger)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/users/{id}/recommendations", s.handleRecommendations)
		r.Post("/recommendations/by-tags", s.handleByTags)

		r.Post("/guides", s.handleCreateGuide)
		r.Get("/guides/{id}", s.handleGetGuide)
		r.Put("/guides/{id}", s.handleUpdateGuide)
		r.Delete("/guides/{id}", s.handleDeleteGuide)
		r.Get("/guides/{id}/similar", s.handleSimilar)
		r.Put("/guides/{id}/likes/{user}", s.handleLike)
		r.Delete("/guides/{id}/likes/{user}", s.handleUnlike)

		r.Post("/index/rebuild", s.handleRebuild)
		r.Get("/status", s.handleStatus)
	})
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.config.Server.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
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
