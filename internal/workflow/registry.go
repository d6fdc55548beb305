// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/mindex-io/mindex/internal/logging"
)

const registryFile = "versions.json"

// Registry tracks archived workflow versions in memory and mirrors them to
// registry/versions.json after every append.
type Registry struct {
	mu       sync.Mutex
	dir      string
	versions map[string][]WorkflowVersion // workflow id -> ordered versions
}

// LoadRegistry reads the registry file if it exists; a missing or
// unparsable file yields an empty registry.
func LoadRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:      dir,
		versions: make(map[string][]WorkflowVersion),
	}

	payload, err := os.ReadFile(filepath.Join(dir, registryFile))
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if err := json.Unmarshal(payload, &r.versions); err != nil {
		// A corrupt registry must not prevent boot; archives on disk are
		// the durable record.
		logging.Warn().Str("dir", dir).Err(err).Msg("version registry unreadable, starting empty")
		r.versions = make(map[string][]WorkflowVersion)
	}
	return r, nil
}

// NextVersion returns the version number the next archive of a workflow
// gets.
func (r *Registry) NextVersion(workflowID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.versions[workflowID]) + 1
}

// Append records a version and flushes the registry to disk.
func (r *Registry) Append(v WorkflowVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.versions[v.WorkflowID] = append(r.versions[v.WorkflowID], v)
	return r.flushLocked()
}

// Versions returns the archived versions of one workflow, oldest first.
// An empty id returns nothing.
func (r *Registry) Versions(workflowID string) []WorkflowVersion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WorkflowVersion(nil), r.versions[workflowID]...)
}

// Find returns a specific archived version, or the newest when version is
// zero.
func (r *Registry) Find(workflowID string, version int) *WorkflowVersion {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.versions[workflowID]
	if len(list) == 0 {
		return nil
	}
	if version <= 0 {
		v := list[len(list)-1]
		return &v
	}
	for _, v := range list {
		if v.Version == version {
			out := v
			return &out
		}
	}
	return nil
}

func (r *Registry) flushLocked() error {
	payload, err := json.MarshalIndent(r.versions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	return os.WriteFile(filepath.Join(r.dir, registryFile), payload, 0o644)
}
