// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mindex-io/mindex/internal/stream"
)

// handleDevicesStream binds the client to the device named in the path
// before the socket joins the fan-out.
func (s *Server) handleDevicesStream(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	if deviceID == "" {
		WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "device_id is required")
		return
	}
	s.deps.Devices.ServeDevice(w, r, deviceID)
}

// handleStreamStatus reports every mounted stream router.
func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	routers := []*stream.Router{
		s.deps.Topology,
		s.deps.Devices,
		s.deps.CREP,
		s.deps.Scientific,
		s.deps.Security,
		s.deps.Entity,
	}

	statuses := make([]stream.Status, 0, len(routers))
	for _, router := range routers {
		if router == nil {
			continue
		}
		statuses = append(statuses, router.Status())
	}
	WriteSuccess(w, r, map[string]interface{}{
		"streams":   statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
