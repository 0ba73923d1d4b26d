// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Alexi5000/videoforge/internal/cache"
	"github.com/Alexi5000/videoforge/internal/config"
	"github.com/Alexi5000/videoforge/internal/integrity"
	vflog "github.com/Alexi5000/videoforge/internal/log"
	"github.com/Alexi5000/videoforge/internal/persist"
	"github.com/Alexi5000/videoforge/internal/pipeline"
	"github.com/Alexi5000/videoforge/internal/queue"
	"github.com/Alexi5000/videoforge/internal/store"
	"github.com/Alexi5000/videoforge/internal/tools"
)

// Deps is the explicit dependency graph the server works against.
type Deps struct {
	Config     config.Config
	Store      *store.Store
	Cache      *cache.Tiered
	Registry   *tools.Registry
	Dispatcher *tools.Dispatcher
	Persist    *persist.Service
	Processor  *pipeline.Processor
	Queue      *queue.Queue
	Checker    *integrity.Checker
	Reconciler *integrity.Reconciler
	Redriver   *integrity.Redriver
}

// Server is the HTTP surface.
type Server struct {
	deps   Deps
	logger zerolog.Logger
	http   *http.Server
}

// NewServer wires the router and the underlying http.Server.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: vflog.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:              deps.Config.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       deps.Config.RequestTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Router assembles the middleware chain and the route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(timing)
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))
	r.Use(rateLimiter(s.deps.Config.RateLimit, s.deps.Config.RateWindow))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/tools", s.handleListTools)
	r.Post("/tools/{tool_name}/execute", s.handleExecuteTool)

	r.Route("/videos", func(r chi.Router) {
		r.Get("/", s.handleListVideos)
		r.Route("/{video_id}", func(r chi.Router) {
			r.Get("/", s.handleGetVideo)
			r.Delete("/", s.handleDeleteVideo)
			r.Post("/process", s.handleProcessVideo)
			r.Post("/process-progressive", s.handleProcessProgressive)
			r.Get("/progress", s.handleProgress)
			r.Get("/status", s.handleCompleteness)
			r.Get("/lineage", s.handleLineage)
		})
	})

	r.Get("/queue/status", s.handleQueueStatus)
	r.Get("/queue/job/{video_id}", s.handleQueueJob)

	r.Get("/cache/stats", s.handleCacheStats)
	r.Delete("/cache", s.handleCacheClear)
	r.Delete("/cache/videos/{video_id}", s.handleCacheInvalidateVideo)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/integrity/check", s.handleIntegrityCheck)
		r.Post("/integrity/reconcile", s.handleReconcile)
		r.Post("/deadletters/redrive", s.handleRedrive)
		r.Get("/breakers", s.handleBreakers)
	})

	return r
}

// ListenAndServe starts the HTTP listener and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http listener starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
