// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package api

import (
	"context"
	"net/http"
	"time"
)

// healthPingTimeout bounds the store probe so a stuck database cannot hang
// the health endpoint.
const healthPingTimeout = 2 * time.Second

// HealthIssue names a degraded component and why.
type HealthIssue struct {
	Component string `json:"component"`
	Reason    string `json:"reason"`
}

// HealthReport is the aggregate health view. Degraded components appear in
// Issues; the endpoint still returns 200 so monitors can read the detail.
type HealthReport struct {
	Status    string        `json:"status"`
	Issues    []HealthIssue `json:"issues"`
	Timestamp string        `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{
		Status:    "ok",
		Issues:    []HealthIssue{},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		if err := s.deps.Store.Ping(ctx); err != nil {
			report.Issues = append(report.Issues, HealthIssue{
				Component: "store",
				Reason:    err.Error(),
			})
		}
		cancel()
	}

	if s.deps.Hub != nil && !s.deps.Hub.Healthy() {
		report.Issues = append(report.Issues, HealthIssue{
			Component: "pubsub",
			Reason:    "broker disconnected",
		})
	}

	if len(report.Issues) > 0 {
		report.Status = "degraded"
	}
	WriteSuccess(w, r, report)
}

// handleHealthLive is the bare liveness probe.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, map[string]string{"status": "alive"})
}
