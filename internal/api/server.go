// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/orchestrator"
	"github.com/mindex-io/mindex/internal/pubsub"
	"github.com/mindex-io/mindex/internal/stream"
	"github.com/mindex-io/mindex/internal/workflow"
)

// Pinger is the slice of the spatial store the health endpoint needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server to the subsystems it fronts. Nil fields disable the
// corresponding endpoints.
type Deps struct {
	Store        Pinger
	Hub          *pubsub.Hub
	Orchestrator *orchestrator.Orchestrator

	Topology   *stream.Router
	Devices    *stream.Router
	CREP       *stream.Router
	Scientific *stream.Router
	Security   *stream.Router
	Entity     *stream.Router

	Workflows *workflow.Engine
	Scheduler *workflow.Scheduler
}

// Server is the HTTP front of the backbone.
type Server struct {
	deps Deps
	srv  *http.Server
}

// NewServer builds a server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{deps: deps}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogging())

	r.Route("/api/health", func(r chi.Router) {
		r.Use(rateLimitHealth.limiter())
		r.Use(securityHeaders())
		r.Get("/", s.handleHealth)
		r.Get("/live", s.handleHealthLive)
	})

	r.Route("/api/ingest", func(r chi.Router) {
		r.Use(rateLimitAPI.limiter())
		r.Use(securityHeaders())
		r.Get("/status", s.handleIngestStatus)
		r.Get("/audit", s.handleIngestAudit)
		r.With(rateLimitWrite.limiter()).Post("/{collector}/fetch", s.handleIngestTrigger)
	})

	r.Route("/api/workflows", func(r chi.Router) {
		r.Use(rateLimitAPI.limiter())
		r.Use(securityHeaders())

		r.Get("/", s.handleWorkflowList)
		r.Get("/scheduler/status", s.handleSchedulerStatus)
		r.With(rateLimitWrite.limiter()).Post("/", s.handleWorkflowCreate)
		r.With(rateLimitWrite.limiter()).Post("/sync", s.handleWorkflowSync)
		r.With(rateLimitWrite.limiter()).Post("/export", s.handleWorkflowExportAll)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleWorkflowGet)
			r.Get("/versions", s.handleWorkflowVersions)
			r.Get("/executions", s.handleWorkflowExecutions)
			r.With(rateLimitWrite.limiter()).Put("/", s.handleWorkflowUpdate)
			r.With(rateLimitWrite.limiter()).Delete("/", s.handleWorkflowDelete)
			r.With(rateLimitWrite.limiter()).Post("/activate", s.handleWorkflowActivate)
			r.With(rateLimitWrite.limiter()).Post("/deactivate", s.handleWorkflowDeactivate)
			r.With(rateLimitWrite.limiter()).Post("/export", s.handleWorkflowExport)
			r.With(rateLimitWrite.limiter()).Post("/clone", s.handleWorkflowClone)
			r.With(rateLimitWrite.limiter()).Post("/restore", s.handleWorkflowRestore)
		})
	})

	// Stream mounts. Paths follow the dashboard contract, so they sit
	// outside the /api/ingest and /api/workflows groups.
	r.Group(func(r chi.Router) {
		r.Use(rateLimitStream.limiter())
		s.mountStream(r, "/ws/topology", s.deps.Topology)
		s.mountStream(r, "/api/crep/stream", s.deps.CREP)
		s.mountStream(r, "/api/stream/scientific/live", s.deps.Scientific)
		s.mountStream(r, "/ws/security/stream", s.deps.Security)
		s.mountStream(r, "/api/entities/stream", s.deps.Entity)
		if s.deps.Devices != nil {
			r.Get("/ws/devices/{device_id}", s.handleDevicesStream)
		}
	})

	r.With(rateLimitAPI.limiter()).Get("/api/streams/status", s.handleStreamStatus)

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) mountStream(r chi.Router, path string, router *stream.Router) {
	if router == nil {
		return
	}
	r.Get(path, router.ServeHTTP)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logging.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
