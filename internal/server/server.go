// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server is the REST + WebSocket API in front of the job pipeline.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/logger"
	"github.com/Dropicx/docworker-sub003/internal/services"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger().With().Str("component", "server").Logger()
		log = &l
	})
	return log
}

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer *http.Server
}

// New creates and wires up the API server. It does NOT start listening;
// call Run() for that.
func New(
	cfg *config.ServerConfig,
	jobs *services.JobService,
	costs *services.CostService,
	pipeline *services.PipelineService,
) *Server {
	handlers := NewHandlers(jobs, costs, pipeline)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))

	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}

	// REST routes
	r.Route("/api/v1", func(r chi.Router) {
		// Documents
		r.With(MaxBodySize(maxUpload)).Post("/documents", handlers.UploadDocument)
		r.Group(func(r chi.Router) {
			r.Use(MaxBodySize(1 << 20))
			r.Get("/documents", handlers.ListDocuments)
			r.Get("/documents/{pid}", handlers.GetDocument)
			r.Get("/documents/{pid}/result", handlers.GetResult)
			r.Get("/documents/{pid}/steps", handlers.GetSteps)
			r.Post("/documents/{pid}/cancel", handlers.CancelDocument)

			// Costs
			r.Get("/costs/summary", handlers.GetCostSummary)
			r.Get("/costs/{pid}", handlers.GetJobCosts)

			// Pipeline administration
			r.Get("/pipeline/steps", handlers.ListPipelineSteps)
			r.Post("/pipeline/steps", handlers.SavePipelineStep)
			r.Delete("/pipeline/steps/{id}", handlers.DeletePipelineStep)
			r.Get("/pipeline/classes", handlers.ListDocumentClasses)
			r.Post("/pipeline/classes", handlers.SaveDocumentClass)
			r.Delete("/pipeline/classes/{id}", handlers.DeleteDocumentClass)
			r.Get("/pipeline/models", handlers.ListModels)
			r.Post("/pipeline/models", handlers.SaveModel)
			r.Get("/pipeline/validate", handlers.ValidatePipeline)
		})
	})

	// WebSocket: per-job progress push
	r.Get("/ws/documents/{pid}", handlers.WatchDocument(cfg.AllowedOrigins))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Run starts the HTTP server and blocks until it is shut down.
func (s *Server) Run() error {
	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
