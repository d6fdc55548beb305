// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package models

import "time"

// CollectorStats holds the per-collector counters updated after each poll
// cycle. A copy is returned to readers; the collector owns the live struct.
type CollectorStats struct {
	TotalFetches       int64      `json:"total_fetches"`
	SuccessfulFetches  int64      `json:"successful_fetches"`
	FailedFetches      int64      `json:"failed_fetches"`
	TotalEvents        int64      `json:"total_events"`
	LastFetchTime      *time.Time `json:"last_fetch_time,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	LastErrorTime      *time.Time `json:"last_error_time,omitempty"`
	AvgFetchDurationMs float64    `json:"avg_fetch_duration_ms"`
}
