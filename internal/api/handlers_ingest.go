// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mindex-io/mindex/internal/orchestrator"
)

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if s.deps.Orchestrator == nil {
		rw.ServiceUnavailable("ingestion not configured")
		return
	}

	status := map[string]interface{}{
		"collectors": s.deps.Orchestrator.Status(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Hub != nil {
		status["pubsub"] = s.deps.Hub.Stats()
	}
	rw.Success(status)
}

func (s *Server) handleIngestTrigger(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if s.deps.Orchestrator == nil {
		rw.ServiceUnavailable("ingestion not configured")
		return
	}

	name := chi.URLParam(r, "collector")
	written, err := s.deps.Orchestrator.TriggerFetch(r.Context(), name)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownCollector):
		rw.NotFound("unknown collector: " + name)
	case errors.Is(err, orchestrator.ErrCircuitOpen):
		rw.Error(http.StatusServiceUnavailable, ErrCodeCircuitOpen, "collector circuit is open")
	case err != nil:
		rw.InternalError(err.Error())
	default:
		rw.Success(map[string]interface{}{"collector": name, "events_written": written})
	}
}

func (s *Server) handleIngestAudit(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if s.deps.Orchestrator == nil {
		rw.ServiceUnavailable("ingestion not configured")
		return
	}

	filter := orchestrator.AuditFilter{
		Collector: r.URL.Query().Get("collector"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			rw.BadRequest("since must be RFC3339")
			return
		}
		filter.Since = ts
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			rw.BadRequest("limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries := s.deps.Orchestrator.GetAuditLog(filter)
	rw.Success(map[string]interface{}{"entries": entries, "count": len(entries)})
}
