// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package models defines the shared data types flowing between collectors,
// the spatial store, the pub/sub hub and the stream routers.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity types recognized across the platform. The set is open-ended;
// collectors may introduce new types without code changes elsewhere.
const (
	EntityTypeAircraft   = "aircraft"
	EntityTypeVessel     = "vessel"
	EntityTypeSatellite  = "satellite"
	EntityTypeEarthquake = "earthquake"
	EntityTypeWeather    = "weather"
	EntityTypeSensor     = "sensor"
)

// RawEvent is the output of a collector's fetch step: one upstream record
// before normalization. Data is the parsed payload; Raw optionally preserves
// the original bytes for debugging.
type RawEvent struct {
	Source     string                 `json:"source"`
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
	Raw        []byte                 `json:"raw,omitempty"`
}

// TimelineEvent is the normalized record persisted to the spatial store and
// published to subscribers.
//
// ID is deterministic: the same upstream entity maps to the same UUID across
// polls, so repeated ingestion upserts rather than duplicates.
type TimelineEvent struct {
	ID           uuid.UUID              `json:"id"`
	EntityType   string                 `json:"entity_type"`
	Timestamp    time.Time              `json:"timestamp"`
	Lat          float64                `json:"lat"`
	Lng          float64                `json:"lng"`
	Altitude     *float64               `json:"altitude,omitempty"`
	Properties   map[string]interface{} `json:"properties"`
	Source       string                 `json:"source"`
	QualityScore float64                `json:"quality_score"`
}

// DeterministicID derives the timeline event UUID for an upstream entity.
// It is UUIDv5 (SHA-1) in the DNS namespace over "<source>:<externalID>".
func DeterministicID(source, externalID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(source+":"+externalID))
}
