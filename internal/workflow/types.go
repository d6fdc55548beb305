// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package workflow manages n8n automation workflows: a REST client for the
// instance API, archival with a version registry, local-file sync, a
// periodic scheduler, and a two-instance drift monitor.
package workflow

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Workflow categories, assigned from name and filename.
const (
	CategoryCore     = "core"
	CategoryNative   = "native"
	CategoryOps      = "ops"
	CategorySpeech   = "speech"
	CategoryTemplate = "template"
	CategoryCustom   = "custom"
)

// WorkflowInfo is the summarized view of one workflow on an instance.
type WorkflowInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Active      bool     `json:"active"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	NodesCount  int      `json:"nodes_count"`
	Tags        []string `json:"tags"`
	Category    string   `json:"category"`
	Version     int      `json:"version"`
	Description string   `json:"description"`
	Checksum    string   `json:"checksum"`
	LocalFile   string   `json:"local_file,omitempty"`
}

// WorkflowVersion is one archived revision in the version registry.
type WorkflowVersion struct {
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	Checksum   string    `json:"checksum"`
	ArchivedAt time.Time `json:"archived_at"`
	Reason     string    `json:"reason"`
	File       string    `json:"file"`
}

// SyncError records one file that failed to import.
type SyncError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// SyncResult records the outcome of one local-file sync pass, file by
// file. Files already present on the server land in Skipped (the server
// copy wins); Updated, Deactivated and Archived are filled by operations
// that modify server state during a sync.
type SyncResult struct {
	Imported    []string    `json:"imported"`
	Updated     []string    `json:"updated"`
	Activated   []string    `json:"activated"`
	Deactivated []string    `json:"deactivated"`
	Archived    []string    `json:"archived"`
	Skipped     []string    `json:"skipped"`
	Errors      []SyncError `json:"errors"`
	StartedAt   time.Time   `json:"timestamp"`
	Duration    string      `json:"duration"`
}

// Total returns how many files the sync pass visited.
func (r *SyncResult) Total() int {
	return len(r.Imported) + len(r.Updated) + len(r.Skipped) + len(r.Errors)
}

// HealthStatus is the engine's view of one instance.
type HealthStatus struct {
	Connected      bool   `json:"connected"`
	WorkflowCount  int    `json:"workflow_count"`
	ActiveCount    int    `json:"active_count"`
	RecentFailures int    `json:"recent_failures"`
	BaseURL        string `json:"base_url"`
	Timestamp      string `json:"timestamp"`
}

// ExecutionStats aggregates executions of one workflow.
type ExecutionStats struct {
	WorkflowID   string  `json:"workflow_id"`
	Total        int     `json:"total"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	SuccessRate  float64 `json:"success_rate"`
	LastExecuted string  `json:"last_executed,omitempty"`
}

// apiFields is the whitelist accepted by the n8n create/update endpoints.
var apiFields = []string{"name", "nodes", "connections", "settings", "staticData"}

// CleanForAPI whitelists the fields the n8n API accepts and injects
// defaults for the structurally required ones.
func CleanForAPI(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(apiFields))
	for _, field := range apiFields {
		if v, ok := data[field]; ok {
			out[field] = v
		}
	}
	if _, ok := out["nodes"]; !ok {
		out["nodes"] = []interface{}{}
	}
	if _, ok := out["connections"]; !ok {
		out["connections"] = map[string]interface{}{}
	}
	if _, ok := out["settings"]; !ok {
		out["settings"] = map[string]interface{}{"executionOrder": "v1"}
	}
	return out
}

// Checksum computes the MD5 of the canonical (sorted-key) JSON encoding of
// a workflow. Instances serialize maps in arbitrary order; canonicalizing
// makes checksums comparable across repo, local and cloud copies.
func Checksum(data map[string]interface{}) string {
	canonical := canonicalize(data)
	payload, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// canonicalize rewrites maps into sorted key/value pair lists so the JSON
// encoding is order-stable.
func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			out = append(out, []interface{}{k, canonicalize(t[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return v
	}
}

// Categorize assigns a workflow category from its name and source filename.
func Categorize(name, filename string) string {
	s := strings.ToLower(name + " " + filename)
	switch {
	case strings.HasPrefix(strings.ToLower(filename), "01_"),
		strings.HasPrefix(strings.ToLower(filename), "02_"),
		strings.Contains(s, "myca-"),
		strings.Contains(s, "command_api"):
		return CategoryCore
	case strings.Contains(s, "native_"), strings.Contains(s, "native-"):
		return CategoryNative
	case strings.Contains(s, "ops_"), strings.Contains(s, "ops-"),
		strings.Contains(s, "proxmox"), strings.Contains(s, "unifi"),
		strings.Contains(s, "nas"), strings.Contains(s, "gpu"),
		strings.Contains(s, "uart"):
		return CategoryOps
	case strings.Contains(s, "speech"), strings.Contains(s, "voice"),
		strings.Contains(s, "audio"), strings.Contains(s, "tts"),
		strings.Contains(s, "transcribe"):
		return CategorySpeech
	case strings.Contains(s, "template"), strings.Contains(s, "base_"):
		return CategoryTemplate
	default:
		return CategoryCustom
	}
}

// IsCoreFile reports whether a workflow file gets activated during sync.
func IsCoreFile(basename string) bool {
	lower := strings.ToLower(basename)
	return strings.HasPrefix(lower, "01_") ||
		strings.HasPrefix(lower, "02_") ||
		strings.HasPrefix(lower, "myca-")
}

// SafeFileName renders a workflow name usable as a filename.
func SafeFileName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "workflow"
	}
	return out
}
