// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// fakeN8N is an in-memory stand-in for an n8n instance API.
type fakeN8N struct {
	mu         sync.Mutex
	workflows  map[string]map[string]interface{}
	executions []map[string]interface{}
	nextID     int
	apiKey     string
	srv        *httptest.Server
}

func newFakeN8N(t *testing.T) *fakeN8N {
	t.Helper()
	f := &fakeN8N{
		workflows: make(map[string]map[string]interface{}),
		apiKey:    "test-key",
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeN8N) add(name string, active bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("wf-%d", f.nextID)
	f.workflows[id] = map[string]interface{}{
		"id":     id,
		"name":   name,
		"active": active,
		"nodes":  []interface{}{},
	}
	return id
}

func (f *fakeN8N) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-N8N-API-KEY") != f.apiKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	switch {
	case path == "/workflows" && r.Method == http.MethodGet:
		list := make([]map[string]interface{}, 0, len(f.workflows))
		for _, wf := range f.workflows {
			list = append(list, wf)
		}
		writeJSON(w, map[string]interface{}{"data": list})

	case path == "/workflows" && r.Method == http.MethodPost:
		var data map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.nextID++
		id := fmt.Sprintf("wf-%d", f.nextID)
		data["id"] = id
		data["active"] = false
		f.workflows[id] = data
		writeJSON(w, data)

	case strings.HasPrefix(path, "/workflows/") && strings.HasSuffix(path, "/activate"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/workflows/"), "/activate")
		wf, ok := f.workflows[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		wf["active"] = true
		writeJSON(w, wf)

	case strings.HasPrefix(path, "/workflows/") && strings.HasSuffix(path, "/deactivate"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/workflows/"), "/deactivate")
		wf, ok := f.workflows[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		wf["active"] = false
		writeJSON(w, wf)

	case strings.HasPrefix(path, "/workflows/"):
		id := strings.TrimPrefix(path, "/workflows/")
		wf, ok := f.workflows[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, wf)
		case http.MethodPut:
			var data map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data["id"] = id
			data["active"] = wf["active"]
			f.workflows[id] = data
			writeJSON(w, data)
		case http.MethodDelete:
			delete(f.workflows, id)
			writeJSON(w, map[string]interface{}{})
		}

	case path == "/executions":
		out := f.executions
		if status := r.URL.Query().Get("status"); status != "" {
			out = nil
			for _, ex := range f.executions {
				if ex["status"] == status {
					out = append(out, ex)
				}
			}
		}
		if out == nil {
			out = []map[string]interface{}{}
		}
		writeJSON(w, map[string]interface{}{"data": out})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestEngine(t *testing.T, f *fakeN8N) *Engine {
	t.Helper()
	dir := t.TempDir()
	engine, err := NewEngine(Config{
		BaseURL:      f.srv.URL,
		APIKey:       f.apiKey,
		WorkflowsDir: filepath.Join(dir, "workflows"),
		ArchiveDir:   filepath.Join(dir, "archive"),
		RegistryDir:  filepath.Join(dir, "registry"),
		BackupDir:    filepath.Join(dir, "backup"),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := os.MkdirAll(engine.workflowsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return engine
}

func writeWorkflowFile(t *testing.T, dir, name string, data map[string]interface{}) string {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestListWorkflowsFilters(t *testing.T) {
	f := newFakeN8N(t)
	f.add("01_command_api", true)
	f.add("Fleet Summary", false)
	engine := newTestEngine(t, f)

	ctx := context.Background()
	all, err := engine.ListWorkflows(ctx, false, "")
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d workflows, want 2", len(all))
	}
	for _, info := range all {
		if info.Checksum == "" {
			t.Errorf("workflow %s has empty checksum", info.Name)
		}
	}

	active, err := engine.ListWorkflows(ctx, true, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Name != "01_command_api" {
		t.Fatalf("active filter returned %+v", active)
	}

	core, err := engine.ListWorkflows(ctx, false, CategoryCore)
	if err != nil {
		t.Fatal(err)
	}
	if len(core) != 1 || core[0].Name != "01_command_api" {
		t.Fatalf("category filter returned %+v", core)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	engine := newTestEngine(t, newFakeN8N(t))

	_, err := engine.GetWorkflow(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestImportExistingNameKeepsServerCopy(t *testing.T) {
	f := newFakeN8N(t)
	id := f.add("Fleet Summary", false)
	f.workflows[id]["nodes"] = []interface{}{map[string]interface{}{"id": "server-node"}}
	engine := newTestEngine(t, f)

	path := writeWorkflowFile(t, engine.workflowsDir, "fleet.json", map[string]interface{}{
		"name":  "Fleet Summary",
		"nodes": []interface{}{map[string]interface{}{"id": "local-node"}},
	})

	action, err := engine.ImportWorkflowFromFile(context.Background(), path, false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if action != "exists" {
		t.Fatalf("action = %q, want exists", action)
	}

	nodes := f.workflows[id]["nodes"].([]interface{})
	node := nodes[0].(map[string]interface{})
	if node["id"] != "server-node" {
		t.Fatalf("server copy overwritten: %v", node)
	}
}

func TestImportNewWorkflowCreatesAndActivates(t *testing.T) {
	f := newFakeN8N(t)
	engine := newTestEngine(t, f)

	path := writeWorkflowFile(t, engine.workflowsDir, "01_command_api.json", map[string]interface{}{
		"name": "01_command_api",
	})

	action, err := engine.ImportWorkflowFromFile(context.Background(), path, true)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if action != "created" {
		t.Fatalf("action = %q, want created", action)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.workflows) != 1 {
		t.Fatalf("workflow count = %d", len(f.workflows))
	}
	for _, wf := range f.workflows {
		if wf["active"] != true {
			t.Fatalf("created workflow not activated: %v", wf)
		}
	}
}

func TestImportNamelessFileSkipped(t *testing.T) {
	engine := newTestEngine(t, newFakeN8N(t))
	path := writeWorkflowFile(t, engine.workflowsDir, "anon.json", map[string]interface{}{
		"nodes": []interface{}{},
	})

	action, err := engine.ImportWorkflowFromFile(context.Background(), path, true)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if action != "skipped" {
		t.Fatalf("action = %q, want skipped", action)
	}
}

func TestSyncAllLocalWorkflows(t *testing.T) {
	f := newFakeN8N(t)
	f.add("Fleet Summary", false)
	engine := newTestEngine(t, f)

	writeWorkflowFile(t, engine.workflowsDir, "01_command_api.json", map[string]interface{}{"name": "01_command_api"})
	writeWorkflowFile(t, engine.workflowsDir, "fleet.json", map[string]interface{}{"name": "Fleet Summary"})
	writeWorkflowFile(t, engine.workflowsDir, "anon.json", map[string]interface{}{"nodes": []interface{}{}})
	writeWorkflowFile(t, engine.workflowsDir, "notes.txt", nil)

	result, err := engine.SyncAllLocalWorkflows(context.Background(), true)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Total() != 3 {
		t.Errorf("Total = %d, want 3", result.Total())
	}
	if len(result.Imported) != 1 || result.Imported[0] != "01_command_api.json" {
		t.Errorf("Imported = %v, want [01_command_api.json]", result.Imported)
	}
	// The existing workflow and the nameless file both land in Skipped.
	if len(result.Skipped) != 2 {
		t.Errorf("Skipped = %v, want 2 entries", result.Skipped)
	}
	if len(result.Activated) != 1 || result.Activated[0] != "01_command_api.json" {
		t.Errorf("Activated = %v, want [01_command_api.json]", result.Activated)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Errors = %v, want none", result.Errors)
	}

	// Second pass with no filesystem changes imports nothing.
	again, err := engine.SyncAllLocalWorkflows(context.Background(), true)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(again.Imported) != 0 {
		t.Errorf("second pass Imported = %v, want empty", again.Imported)
	}
	if len(again.Errors) != 0 {
		t.Errorf("second pass Errors = %v, want none", again.Errors)
	}
}

func TestArchiveAndRestore(t *testing.T) {
	f := newFakeN8N(t)
	id := f.add("Fleet Summary", false)
	f.workflows[id]["nodes"] = []interface{}{map[string]interface{}{"id": "v1-node"}}
	engine := newTestEngine(t, f)
	ctx := context.Background()

	v, err := engine.ArchiveWorkflow(ctx, id, nil, "pre-change")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if v.Version != 1 || v.Checksum == "" {
		t.Fatalf("version = %+v", v)
	}
	if _, err := os.Stat(filepath.Join(engine.archiveDir, v.File)); err != nil {
		t.Fatalf("archive file missing: %v", err)
	}
	// <safe_name>__v<N>__<YYYYMMDD_HHMMSS>.json
	if ok, _ := regexp.MatchString(`^fleet_summary__v1__\d{8}_\d{6}\.json$`, v.File); !ok {
		t.Fatalf("archive file name = %q", v.File)
	}

	// Registry survives a reload.
	reloaded, err := LoadRegistry(engine.registry.dir)
	if err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	if got := reloaded.Versions(id); len(got) != 1 || got[0].Reason != "pre-change" {
		t.Fatalf("reloaded versions = %+v", got)
	}

	// Mutate the server copy, then restore the archive.
	if err := engine.UpdateWorkflow(ctx, id, map[string]interface{}{
		"name":  "Fleet Summary",
		"nodes": []interface{}{map[string]interface{}{"id": "v2-node"}},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := engine.RestoreWorkflow(ctx, id, 0); err != nil {
		t.Fatalf("restore: %v", err)
	}

	wf, err := engine.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	nodes := wf["nodes"].([]interface{})
	if node := nodes[0].(map[string]interface{}); node["id"] != "v1-node" {
		t.Fatalf("restore kept %v", node)
	}
}

func TestDeleteWorkflowArchivesFirst(t *testing.T) {
	f := newFakeN8N(t)
	id := f.add("Fleet Summary", false)
	engine := newTestEngine(t, f)

	if err := engine.DeleteWorkflow(context.Background(), id, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := engine.Versions(id); len(got) != 1 || got[0].Reason != "pre-delete" {
		t.Fatalf("versions = %+v", got)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workflows[id]; ok {
		t.Fatal("workflow still on instance")
	}
}

func TestCloneWorkflow(t *testing.T) {
	f := newFakeN8N(t)
	id := f.add("Fleet Summary", true)
	engine := newTestEngine(t, f)

	clone, err := engine.CloneWorkflow(context.Background(), id, "Fleet Summary Copy")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone["name"] != "Fleet Summary Copy" {
		t.Fatalf("clone name = %v", clone["name"])
	}
	if clone["active"] != false {
		t.Fatalf("clone active = %v", clone["active"])
	}
}

func TestExecutionStats(t *testing.T) {
	f := newFakeN8N(t)
	now := time.Now().UTC().Format(time.RFC3339)
	f.executions = []map[string]interface{}{
		{"id": "1", "status": "success", "startedAt": now},
		{"id": "2", "status": "error", "startedAt": now},
		{"id": "3", "status": "success", "startedAt": now},
		{"id": "4", "status": "crashed", "startedAt": now},
	}
	engine := newTestEngine(t, f)

	stats, err := engine.GetExecutionStats(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Succeeded != 2 || stats.Failed != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v", stats.SuccessRate)
	}
}

func TestFailedExecutionsWindow(t *testing.T) {
	f := newFakeN8N(t)
	f.executions = []map[string]interface{}{
		{"id": "old", "status": "error", "startedAt": time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)},
		{"id": "recent", "status": "error", "startedAt": time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)},
		{"id": "died", "status": "crashed", "startedAt": time.Now().UTC().Add(-5 * time.Minute).Format(time.RFC3339)},
		{"id": "ok", "status": "success", "startedAt": time.Now().UTC().Format(time.RFC3339)},
	}
	engine := newTestEngine(t, f)

	failed, err := engine.GetFailedExecutions(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("failed executions: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("failed = %+v, want error and crashed executions", failed)
	}
	ids := map[interface{}]bool{failed[0]["id"]: true, failed[1]["id"]: true}
	if !ids["recent"] || !ids["died"] {
		t.Fatalf("failed ids = %v, want recent and died", ids)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFakeN8N(t)
	f.add("01_command_api", true)
	f.add("Fleet Summary", false)
	f.executions = []map[string]interface{}{
		{"id": "1", "status": "error", "startedAt": time.Now().UTC().Format(time.RFC3339)},
	}
	engine := newTestEngine(t, f)

	status := engine.HealthCheck(context.Background())
	if !status.Connected {
		t.Fatal("not connected")
	}
	if status.WorkflowCount != 2 || status.ActiveCount != 1 {
		t.Fatalf("counts = %+v", status)
	}
	if status.RecentFailures != 1 {
		t.Fatalf("RecentFailures = %d", status.RecentFailures)
	}

	f.srv.Close()
	down := engine.HealthCheck(context.Background())
	if down.Connected {
		t.Fatal("connected after server shutdown")
	}
}

func TestExportWorkflow(t *testing.T) {
	f := newFakeN8N(t)
	id := f.add("Fleet Summary", false)
	engine := newTestEngine(t, f)

	path, err := engine.ExportWorkflow(context.Background(), id, "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if filepath.Base(path) != "fleet_summary.json" {
		t.Fatalf("export path = %s", path)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		t.Fatal(err)
	}
	if data["name"] != "Fleet Summary" {
		t.Fatalf("export content = %v", data)
	}
}
