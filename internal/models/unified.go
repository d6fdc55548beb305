// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package models

import (
	"time"

	"github.com/mindex-io/mindex/internal/geo"
)

// GeoJSONPoint is a GeoJSON Point geometry: [lng, lat] or [lng, lat, altitude].
type GeoJSONPoint struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// EntityState carries the mutable state fields of a unified entity.
type EntityState struct {
	Altitude       *float64 `json:"altitude,omitempty"`
	Classification string   `json:"classification,omitempty"`
}

// EntityTime carries the observation timestamps as ISO-8601 strings.
type EntityTime struct {
	ObservedAt string `json:"observed_at"`
	ValidFrom  string `json:"valid_from"`
}

// UnifiedEntity is the wire representation broadcast on the pub/sub bus and
// streamed to WebSocket clients.
type UnifiedEntity struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Geometry   GeoJSONPoint           `json:"geometry"`
	State      EntityState            `json:"state"`
	Time       EntityTime             `json:"time"`
	Confidence float64                `json:"confidence"`
	Source     string                 `json:"source"`
	Properties map[string]interface{} `json:"properties"`
	S2Cell     string                 `json:"s2_cell"`
}

// UnifiedFromTimeline converts a normalized TimelineEvent to its wire form.
// The cell key is derived at the default level; classification is taken from
// the "classification" property when present.
func UnifiedFromTimeline(ev *TimelineEvent) *UnifiedEntity {
	coords := []float64{ev.Lng, ev.Lat}
	if ev.Altitude != nil {
		coords = append(coords, *ev.Altitude)
	}

	classification := ""
	if c, ok := ev.Properties["classification"].(string); ok {
		classification = c
	}

	observed := ev.Timestamp.UTC().Format(time.RFC3339)
	return &UnifiedEntity{
		ID:   ev.ID.String(),
		Type: ev.EntityType,
		Geometry: GeoJSONPoint{
			Type:        "Point",
			Coordinates: coords,
		},
		State: EntityState{
			Altitude:       ev.Altitude,
			Classification: classification,
		},
		Time: EntityTime{
			ObservedAt: observed,
			ValidFrom:  observed,
		},
		Confidence: ev.QualityScore,
		Source:     ev.Source,
		Properties: ev.Properties,
		S2Cell:     geo.CellKeyDefault(ev.Lat, ev.Lng),
	}
}
