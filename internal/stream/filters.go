// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package stream

import (
	"strings"
	"time"

	"github.com/mindex-io/mindex/internal/pubsub"
)

// Recognized security stream filter values.
var (
	securitySeverities = map[string]bool{
		"info": true, "low": true, "medium": true, "high": true, "critical": true,
	}
	securityEventTypes = map[string]bool{
		"incident": true, "alert": true, "ids": true, "playbook": true,
		"agent_activity": true, "system": true, "threat": true, "scan": true,
	}
)

// filterState is the per-client filter set shared across routers. Empty
// sets match everything.
type filterState struct {
	types      map[string]bool
	severities map[string]bool
	eventTypes map[string]bool
	cells      []string
	timeFrom   time.Time
	category   string
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = true
		}
	}
	return set
}

// validatedSet keeps only values from the allowed vocabulary.
func validatedSet(values []string, allowed map[string]bool) map[string]bool {
	set := toSet(values)
	for v := range set {
		if !allowed[v] {
			delete(set, v)
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// parseTimeFrom parses an ISO-8601 lower bound; empty or malformed input
// yields the zero time, which matches everything.
func parseTimeFrom(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// payloadMap returns the message data as a map when possible.
func payloadMap(msg *pubsub.Message) map[string]interface{} {
	m, _ := msg.Data.(map[string]interface{})
	return m
}

func payloadString(msg *pubsub.Message, key string) string {
	if m := payloadMap(msg); m != nil {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return ""
}

// observedAt extracts time.observed_at from an entity payload.
func observedAt(msg *pubsub.Message) (time.Time, bool) {
	m := payloadMap(msg)
	if m == nil {
		return time.Time{}, false
	}
	tm, ok := m["time"].(map[string]interface{})
	if !ok {
		return time.Time{}, false
	}
	s, ok := tm["observed_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// matchType checks the payload "type" against the client's allowed set.
func (f *filterState) matchType(msg *pubsub.Message) bool {
	if len(f.types) == 0 {
		return true
	}
	return f.types[strings.ToLower(payloadString(msg, "type"))]
}

// matchTime checks time.observed_at against the client's lower bound.
// Missing or unparsable timestamps pass through.
func (f *filterState) matchTime(msg *pubsub.Message) bool {
	if f.timeFrom.IsZero() {
		return true
	}
	at, ok := observedAt(msg)
	if !ok {
		return true
	}
	return !at.Before(f.timeFrom)
}

// matchSecurity checks severity and event type for the security stream.
func (f *filterState) matchSecurity(msg *pubsub.Message) bool {
	if len(f.severities) > 0 {
		if !f.severities[strings.ToLower(payloadString(msg, "severity"))] {
			return false
		}
	}
	if len(f.eventTypes) > 0 {
		et := payloadString(msg, "event_type")
		if et == "" {
			et = payloadString(msg, "type")
		}
		if !f.eventTypes[strings.ToLower(et)] {
			return false
		}
	}
	return true
}

// matchCategory checks the payload category for the CREP stream.
func (f *filterState) matchCategory(msg *pubsub.Message) bool {
	if f.category == "" {
		return true
	}
	return strings.EqualFold(payloadString(msg, "category"), f.category)
}

// describe reports the active filters for connected envelopes.
func (f *filterState) describe() map[string]interface{} {
	out := map[string]interface{}{}
	if len(f.types) > 0 {
		out["types"] = setKeys(f.types)
	}
	if len(f.severities) > 0 {
		out["severities"] = setKeys(f.severities)
	}
	if len(f.eventTypes) > 0 {
		out["event_types"] = setKeys(f.eventTypes)
	}
	if len(f.cells) > 0 {
		out["cells"] = f.cells
	}
	if !f.timeFrom.IsZero() {
		out["time_from"] = f.timeFrom.Format(time.RFC3339)
	}
	if f.category != "" {
		out["category"] = f.category
	}
	return out
}

func setKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
