// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package workflow

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"
)

// newMonitorPair builds local and cloud engines sharing one workflows
// directory, the layout the drift monitor assumes.
func newMonitorPair(t *testing.T) (*fakeN8N, *fakeN8N, *Engine, *Engine, string) {
	t.Helper()
	localFake := newFakeN8N(t)
	cloudFake := newFakeN8N(t)

	dir := t.TempDir()
	workflowsDir := filepath.Join(dir, "workflows")

	mkEngine := func(f *fakeN8N, name string) *Engine {
		engine, err := NewEngine(Config{
			BaseURL:      f.srv.URL,
			APIKey:       f.apiKey,
			WorkflowsDir: workflowsDir,
			ArchiveDir:   filepath.Join(dir, name, "archive"),
			RegistryDir:  filepath.Join(dir, name, "registry"),
			BackupDir:    filepath.Join(dir, name, "backup"),
		})
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		return engine
	}

	local := mkEngine(localFake, "local")
	cloud := mkEngine(cloudFake, "cloud")
	if err := os.MkdirAll(workflowsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return localFake, cloudFake, local, cloud, workflowsDir
}

func TestDriftedNames(t *testing.T) {
	tests := []struct {
		name      string
		repo      map[string]string
		local     map[string]string
		cloud     map[string]string
		localDown bool
		cloudDown bool
		want      []string
	}{
		{
			name:  "in sync",
			repo:  map[string]string{"a": "1"},
			local: map[string]string{"a": "1"},
			cloud: map[string]string{"a": "1"},
		},
		{
			name:  "local differs",
			repo:  map[string]string{"a": "1"},
			local: map[string]string{"a": "2"},
			cloud: map[string]string{"a": "1"},
			want:  []string{"a"},
		},
		{
			name:  "cloud differs",
			repo:  map[string]string{"a": "1"},
			local: map[string]string{"a": "1"},
			cloud: map[string]string{"a": "2"},
			want:  []string{"a"},
		},
		{
			name:  "instance-only workflow",
			repo:  map[string]string{},
			local: map[string]string{"b": "x"},
			cloud: map[string]string{},
			want:  []string{"b"},
		},
		{
			name:  "instance-only with empty checksum ignored",
			repo:  map[string]string{},
			local: map[string]string{"b": ""},
			cloud: map[string]string{},
		},
		{
			name:  "repo-only workflow is drift",
			repo:  map[string]string{"a": "1"},
			local: map[string]string{},
			cloud: map[string]string{},
			want:  []string{"a"},
		},
		{
			name:  "repo-only missing from one reachable instance",
			repo:  map[string]string{"a": "1"},
			local: map[string]string{"a": "1"},
			cloud: map[string]string{},
			want:  []string{"a"},
		},
		{
			name:      "missing from unreachable instance is not drift",
			repo:      map[string]string{"a": "1"},
			local:     map[string]string{"a": "1"},
			cloud:     map[string]string{},
			cloudDown: true,
		},
		{
			name:      "both unreachable reports nothing for repo names",
			repo:      map[string]string{"a": "1"},
			local:     map[string]string{},
			cloud:     map[string]string{},
			localDown: true,
			cloudDown: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := driftedNames(tt.repo, tt.local, tt.cloud, !tt.localDown, !tt.cloudDown)
			sort.Strings(got)
			sort.Strings(tt.want)
			if len(got) != len(tt.want) {
				t.Fatalf("drifted = %v, want %v", got, tt.want)
			}
			if len(got) > 0 && !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("drifted = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckDriftResyncsBothInstances(t *testing.T) {
	localFake, cloudFake, local, cloud, workflowsDir := newMonitorPair(t)

	// A workflow only the local instance knows about triggers drift; the
	// resync pushes the repo file onto both instances.
	localFake.add("Stray Workflow", false)
	writeWorkflowFile(t, workflowsDir, "fleet.json", map[string]interface{}{"name": "Fleet Summary"})

	m := NewAutoMonitor(local, cloud, workflowsDir, DefaultMonitorConfig())
	m.checkDrift(context.Background())

	for _, f := range []*fakeN8N{localFake, cloudFake} {
		f.mu.Lock()
		found := false
		for _, wf := range f.workflows {
			if wf["name"] == "Fleet Summary" {
				found = true
			}
		}
		f.mu.Unlock()
		if !found {
			t.Fatal("resync did not create repo workflow on instance")
		}
	}
}

func TestCheckDriftCreatesRepoOnlyWorkflow(t *testing.T) {
	localFake, cloudFake, local, cloud, workflowsDir := newMonitorPair(t)

	// A repo file neither instance carries is drift in itself; the resync
	// must import it on both.
	writeWorkflowFile(t, workflowsDir, "99_test.json", map[string]interface{}{"name": "Test"})

	m := NewAutoMonitor(local, cloud, workflowsDir, DefaultMonitorConfig())
	m.checkDrift(context.Background())

	for _, f := range []*fakeN8N{localFake, cloudFake} {
		f.mu.Lock()
		found := false
		for _, wf := range f.workflows {
			if wf["name"] == "Test" {
				found = true
			}
		}
		f.mu.Unlock()
		if !found {
			t.Fatal("repo-only workflow not created on instance")
		}
	}

	// Once both instances carry the workflow the repeat pass is a no-op.
	localCount := workflowCount(localFake)
	m.checkDrift(context.Background())
	if workflowCount(localFake) != localCount {
		t.Fatal("repeat drift check duplicated workflow")
	}
}

func TestCheckDriftQuietWhenInSync(t *testing.T) {
	localFake, cloudFake, local, cloud, workflowsDir := newMonitorPair(t)

	writeWorkflowFile(t, workflowsDir, "fleet.json", map[string]interface{}{"name": "Fleet Summary"})
	m := NewAutoMonitor(local, cloud, workflowsDir, DefaultMonitorConfig())

	// First pass creates the workflow everywhere, second pass sees no drift.
	m.checkDrift(context.Background())
	localCount := workflowCount(localFake)
	cloudCount := workflowCount(cloudFake)

	m.checkDrift(context.Background())
	if workflowCount(localFake) != localCount || workflowCount(cloudFake) != cloudCount {
		t.Fatal("in-sync drift check mutated instances")
	}
}

func TestCheckHealthReportsDownInstance(t *testing.T) {
	_, cloudFake, local, cloud, workflowsDir := newMonitorPair(t)

	m := NewAutoMonitor(local, cloud, workflowsDir, MonitorConfig{
		HealthInterval: time.Hour,
		DriftInterval:  time.Hour,
		HealthTimeout:  time.Second,
	})

	var mu sync.Mutex
	var failures []map[string]interface{}
	m.OnFailure(func(_ string, details map[string]interface{}) {
		mu.Lock()
		failures = append(failures, details)
		mu.Unlock()
	})

	m.checkHealth(context.Background())
	mu.Lock()
	if len(failures) != 0 {
		mu.Unlock()
		t.Fatalf("failures with both instances up: %v", failures)
	}
	mu.Unlock()

	cloudDown := cloud.BaseURL()
	cloudFake.srv.Close()
	m.checkHealth(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 {
		t.Fatalf("failure count = %d, want 1", len(failures))
	}
	if failures[0]["instance"] != cloudDown {
		t.Fatalf("failure instance = %v, want %s", failures[0]["instance"], cloudDown)
	}
}

func TestMonitorFailureCallbackPanicIsolated(t *testing.T) {
	_, _, local, cloud, workflowsDir := newMonitorPair(t)

	m := NewAutoMonitor(local, cloud, workflowsDir, DefaultMonitorConfig())
	m.OnFailure(func(string, map[string]interface{}) { panic("bad callback") })

	// Must not panic through.
	m.fail("health check failed", map[string]interface{}{"instance": "test"})
}

func TestMonitorStartStop(t *testing.T) {
	_, _, local, cloud, workflowsDir := newMonitorPair(t)

	m := NewAutoMonitor(local, cloud, workflowsDir, MonitorConfig{
		HealthInterval: time.Hour,
		DriftInterval:  time.Hour,
		HealthTimeout:  time.Second,
	})

	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)

	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
}

func workflowCount(f *fakeN8N) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workflows)
}
