// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package quality scores normalized records in [0,1] from five weighted
// factors: recency, completeness, source trust, coordinate precision and
// consistency. The scorer is a pure function; collectors attach the result
// to every TimelineEvent before persisting.
package quality

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mindex-io/mindex/internal/models"
)

// MaxAgeHours is the age at which recency bottoms out at its floor.
const MaxAgeHours = 24.0

// Factor weights. They sum to 1.0.
const (
	weightRecency      = 0.20
	weightCompleteness = 0.25
	weightSourceTrust  = 0.25
	weightPrecision    = 0.15
	weightConsistency  = 0.15
)

// sourceTrust is the closed trust table. Unknown sources score 0.50.
var sourceTrust = map[string]float64{
	"usgs":       0.98,
	"norad":      0.99,
	"opensky":    0.95,
	"ais":        0.90,
	"noaa":       0.92,
	"prediction": 0.75,
}

// requiredFields lists the fields a complete record of each entity type
// carries. Types without an entry fall back to coordinates only.
var requiredFields = map[string][]string{
	models.EntityTypeAircraft:   {"lat", "lng", "callsign", "altitude"},
	models.EntityTypeVessel:     {"lat", "lng", "mmsi", "course"},
	models.EntityTypeSatellite:  {"lat", "lng", "norad_id", "altitude"},
	models.EntityTypeEarthquake: {"lat", "lng", "magnitude", "depth"},
	models.EntityTypeWeather:    {"lat", "lng", "station_id", "temperature"},
}

var defaultRequiredFields = []string{"lat", "lng"}

// Score computes the quality score for a record observed at timestamp,
// evaluated against the current wall clock. Result is in [0,1], rounded to
// three decimals.
func Score(data map[string]interface{}, entityType, source string, timestamp time.Time) float64 {
	return ScoreAt(data, entityType, source, timestamp, time.Now())
}

// ScoreAt is Score with an explicit evaluation instant. It exists so callers
// (and tests) can score deterministically.
func ScoreAt(data map[string]interface{}, entityType, source string, timestamp, now time.Time) float64 {
	score := weightRecency*recency(timestamp, now) +
		weightCompleteness*completeness(data, entityType) +
		weightSourceTrust*trust(source) +
		weightPrecision*precision(data) +
		weightConsistency*consistency()

	return math.Round(score*1000) / 1000
}

// recency decays exponentially with a half-life of MaxAgeHours/4 and is
// clamped to 0.1 once the record is MaxAgeHours old.
func recency(timestamp, now time.Time) float64 {
	ageHours := now.Sub(timestamp).Hours()
	if ageHours <= 0 {
		return 1.0
	}
	if ageHours >= MaxAgeHours {
		return 0.1
	}
	halfLife := MaxAgeHours / 4
	return math.Max(0.1, math.Pow(0.5, ageHours/halfLife))
}

// completeness is the fraction of the entity type's required fields present
// and non-nil in the record.
func completeness(data map[string]interface{}, entityType string) float64 {
	fields, ok := requiredFields[entityType]
	if !ok {
		fields = defaultRequiredFields
	}

	present := 0
	for _, f := range fields {
		if v, ok := data[f]; ok && v != nil {
			present++
		}
	}
	return float64(present) / float64(len(fields))
}

// trust looks up the source in the closed trust table.
func trust(source string) float64 {
	if t, ok := sourceTrust[strings.ToLower(source)]; ok {
		return t
	}
	return 0.50
}

// precision scores the averaged decimal-place count of lat and lng.
func precision(data map[string]interface{}) float64 {
	lat, okLat := coordinate(data, "lat")
	lng, okLng := coordinate(data, "lng")
	if !okLat || !okLng {
		return 0.5
	}

	avg := float64(decimalPlaces(lat)+decimalPlaces(lng)) / 2
	switch {
	case avg >= 6:
		return 1.0
	case avg >= 4:
		return 0.9
	case avg >= 2:
		return 0.7
	default:
		return 0.5
	}
}

// consistency is reserved for future historical comparison.
func consistency() float64 {
	return 1.0
}

// coordinate extracts a numeric field from the open mapping.
func coordinate(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// decimalPlaces counts the decimal digits of the shortest representation
// that round-trips the value.
func decimalPlaces(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return len(s) - idx - 1
}
