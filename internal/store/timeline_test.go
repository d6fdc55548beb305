// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package store

import (
	"strings"
	"testing"
	"time"

	"github.com/mindex-io/mindex/internal/models"
)

func TestUpsertSQLShape(t *testing.T) {
	// The conflict clause must update only the volatile columns.
	for _, col := range []string{"timestamp", "geom", "properties"} {
		if !strings.Contains(upsertSQL, col+"  = EXCLUDED."+col) &&
			!strings.Contains(upsertSQL, col+" = EXCLUDED."+col) &&
			!strings.Contains(upsertSQL, col+"       = EXCLUDED."+col) {
			t.Errorf("upsert does not update %s from EXCLUDED", col)
		}
	}
	for _, col := range []string{"EXCLUDED.entity_type", "EXCLUDED.source", "EXCLUDED.quality_score"} {
		if strings.Contains(upsertSQL, col) {
			t.Errorf("upsert must preserve %s on conflict", col)
		}
	}
	if !strings.Contains(upsertSQL, "ON CONFLICT (id)") {
		t.Error("upsert must conflict on id")
	}
}

func TestUpsertArgs(t *testing.T) {
	depth := -10000.0
	ts := time.Date(2026, 2, 1, 10, 30, 0, 0, time.FixedZone("PST", -8*3600))
	ev := &models.TimelineEvent{
		ID:           models.DeterministicID("usgs", "us7000abcd"),
		EntityType:   models.EntityTypeEarthquake,
		Timestamp:    ts,
		Lat:          37.5,
		Lng:          -122.0,
		Altitude:     &depth,
		Properties:   map[string]interface{}{"magnitude": 4.2},
		Source:       "usgs",
		QualityScore: 0.9,
	}

	args, err := upsertArgs(ev)
	if err != nil {
		t.Fatalf("upsertArgs failed: %v", err)
	}
	if len(args) != 8 {
		t.Fatalf("got %d args, want 8", len(args))
	}

	if args[3] != -122.0 || args[4] != 37.5 {
		t.Errorf("geometry args = (%v, %v), want (lng, lat) order", args[3], args[4])
	}

	// Timestamp must be normalized to UTC.
	got, ok := args[2].(time.Time)
	if !ok {
		t.Fatalf("timestamp arg has type %T", args[2])
	}
	if got.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", got.Location())
	}
	if !got.Equal(ts) {
		t.Errorf("timestamp changed instant: %v vs %v", got, ts)
	}

	// Altitude rides in properties; the geometry stays 2D.
	props, ok := args[5].([]byte)
	if !ok || !strings.Contains(string(props), "magnitude") {
		t.Fatalf("properties arg = %v, want JSON bytes with magnitude", args[5])
	}
	if !strings.Contains(string(props), `"altitude":-10000`) {
		t.Errorf("properties = %s, want altitude -10000", props)
	}
	// The event's own map is not mutated.
	if _, mutated := ev.Properties["altitude"]; mutated {
		t.Error("upsertArgs mutated the event properties map")
	}
}

func TestUpsertArgsNilAltitude(t *testing.T) {
	ev := &models.TimelineEvent{
		ID:         models.DeterministicID("ais", "1"),
		EntityType: models.EntityTypeVessel,
		Timestamp:  time.Now(),
		Lat:        1, Lng: 2,
		Properties: map[string]interface{}{},
		Source:     "ais",
	}

	args, err := upsertArgs(ev)
	if err != nil {
		t.Fatalf("upsertArgs failed: %v", err)
	}
	props, ok := args[5].([]byte)
	if !ok {
		t.Fatalf("properties arg has type %T", args[5])
	}
	if strings.Contains(string(props), "altitude") {
		t.Errorf("properties = %s, want no altitude key for nil altitude", props)
	}
}

func TestSchemaUses2DPoint(t *testing.T) {
	if !strings.Contains(schemaSQL, "GEOMETRY(Point, 4326)") {
		t.Error("schema must declare a 2D Point geometry column")
	}
	if strings.Contains(schemaSQL, "PointZ") {
		t.Error("schema must not require a 3D geometry column")
	}
	if strings.Contains(upsertSQL, "$9") {
		t.Error("upsert must bind exactly 8 arguments")
	}
}
