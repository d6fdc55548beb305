// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/metrics"
)

// ErrNotFound is returned when the instance has no matching workflow.
var ErrNotFound = errors.New("workflow not found")

const apiBasePath = "/api/v1"

// Engine is a synchronous client for one n8n instance plus the local
// workflow file tree shared by all instances.
type Engine struct {
	baseURL string
	apiKey  string
	client  *http.Client

	workflowsDir string
	archiveDir   string
	backupDir    string
	registry     *Registry
}

// Config wires an engine to one instance.
type Config struct {
	BaseURL        string
	APIKey         string
	WorkflowsDir   string
	ArchiveDir     string
	RegistryDir    string
	BackupDir      string
	RequestTimeout time.Duration
}

// NewEngine creates a workflow engine. The version registry is loaded from
// disk if present.
func NewEngine(cfg Config) (*Engine, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	registry, err := LoadRegistry(cfg.RegistryDir)
	if err != nil {
		return nil, fmt.Errorf("load version registry: %w", err)
	}

	return &Engine{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		client:       &http.Client{Timeout: timeout},
		workflowsDir: cfg.WorkflowsDir,
		archiveDir:   cfg.ArchiveDir,
		backupDir:    cfg.BackupDir,
		registry:     registry,
	}, nil
}

// BaseURL returns the instance this engine talks to.
func (e *Engine) BaseURL() string {
	return e.baseURL
}

// do issues one API request and returns the response body.
func (e *Engine) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+apiBasePath+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-N8N-API-KEY", e.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.WorkflowAPIErrors.WithLabelValues(e.baseURL).Inc()
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 400:
		metrics.WorkflowAPIErrors.WithLabelValues(e.baseURL).Inc()
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(out, 200))
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// listResponse is the paginated shape the workflows and executions
// endpoints share.
type listResponse struct {
	Data []map[string]interface{} `json:"data"`
}

// ListWorkflows returns workflow summaries, optionally only active ones or
// one category.
func (e *Engine) ListWorkflows(ctx context.Context, activeOnly bool, category string) ([]WorkflowInfo, error) {
	raw, err := e.do(ctx, http.MethodGet, "/workflows", nil)
	if err != nil {
		return nil, err
	}

	var resp listResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode workflows: %w", err)
	}

	out := make([]WorkflowInfo, 0, len(resp.Data))
	for _, wf := range resp.Data {
		info := infoFromPayload(wf)
		if activeOnly && !info.Active {
			continue
		}
		if category != "" && info.Category != category {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func infoFromPayload(wf map[string]interface{}) WorkflowInfo {
	info := WorkflowInfo{
		ID:        stringField(wf, "id"),
		Name:      stringField(wf, "name"),
		CreatedAt: stringField(wf, "createdAt"),
		UpdatedAt: stringField(wf, "updatedAt"),
	}
	info.Active, _ = wf["active"].(bool)
	if nodes, ok := wf["nodes"].([]interface{}); ok {
		info.NodesCount = len(nodes)
	}
	if tags, ok := wf["tags"].([]interface{}); ok {
		for _, t := range tags {
			if tag, ok := t.(map[string]interface{}); ok {
				info.Tags = append(info.Tags, stringField(tag, "name"))
			}
		}
	}
	info.Category = Categorize(info.Name, "")
	info.Checksum = Checksum(CleanForAPI(wf))
	return info
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// GetWorkflow fetches one workflow's full payload.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (map[string]interface{}, error) {
	raw, err := e.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var wf map[string]interface{}
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflowByName finds a workflow by exact name.
func (e *Engine) GetWorkflowByName(ctx context.Context, name string) (map[string]interface{}, error) {
	infos, err := e.ListWorkflows(ctx, false, "")
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Name == name {
			return e.GetWorkflow(ctx, info.ID)
		}
	}
	return nil, fmt.Errorf("%w: name %q", ErrNotFound, name)
}

// CreateWorkflow creates a workflow from a payload, whitelisted for the
// API.
func (e *Engine) CreateWorkflow(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	raw, err := e.do(ctx, http.MethodPost, "/workflows", CleanForAPI(data))
	if err != nil {
		return nil, err
	}
	var wf map[string]interface{}
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("decode created workflow: %w", err)
	}
	return wf, nil
}

// UpdateWorkflow replaces a workflow's definition.
func (e *Engine) UpdateWorkflow(ctx context.Context, id string, data map[string]interface{}) error {
	_, err := e.do(ctx, http.MethodPut, "/workflows/"+url.PathEscape(id), CleanForAPI(data))
	return err
}

// DeleteWorkflow removes a workflow, archiving the current version first
// unless told otherwise.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string, archiveFirst bool) error {
	if archiveFirst {
		if _, err := e.ArchiveWorkflow(ctx, id, nil, "pre-delete"); err != nil {
			return fmt.Errorf("archive before delete: %w", err)
		}
	}
	_, err := e.do(ctx, http.MethodDelete, "/workflows/"+url.PathEscape(id), nil)
	return err
}

// ActivateWorkflow enables a workflow.
func (e *Engine) ActivateWorkflow(ctx context.Context, id string) error {
	_, err := e.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(id)+"/activate", nil)
	return err
}

// DeactivateWorkflow disables a workflow.
func (e *Engine) DeactivateWorkflow(ctx context.Context, id string) error {
	_, err := e.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(id)+"/deactivate", nil)
	return err
}

// ArchiveWorkflow persists a workflow's JSON under the archive directory
// and records a new version in the registry. When data is nil the current
// server copy is fetched.
func (e *Engine) ArchiveWorkflow(ctx context.Context, id string, data map[string]interface{}, reason string) (*WorkflowVersion, error) {
	if data == nil {
		var err error
		data, err = e.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	name := stringField(data, "name")
	version := e.registry.NextVersion(id)
	file := fmt.Sprintf("%s__v%d__%s.json", SafeFileName(name), version, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(e.archiveDir, file)

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}
	if err := os.MkdirAll(e.archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}

	v := WorkflowVersion{
		WorkflowID: id,
		Name:       name,
		Version:    version,
		Checksum:   Checksum(CleanForAPI(data)),
		ArchivedAt: time.Now().UTC(),
		Reason:     reason,
		File:       file,
	}
	if err := e.registry.Append(v); err != nil {
		return nil, fmt.Errorf("record version: %w", err)
	}

	metrics.WorkflowArchives.Inc()
	logging.Info().Str("workflow", name).Int("version", version).Str("reason", reason).Msg("workflow archived")
	return &v, nil
}

// RestoreWorkflow pushes an archived version (the newest when version is 0)
// back to the instance.
func (e *Engine) RestoreWorkflow(ctx context.Context, id string, version int) error {
	v := e.registry.Find(id, version)
	if v == nil {
		return fmt.Errorf("%w: no archived version %d of %s", ErrNotFound, version, id)
	}

	payload, err := os.ReadFile(filepath.Join(e.archiveDir, v.File))
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("decode archive: %w", err)
	}
	return e.UpdateWorkflow(ctx, id, data)
}

// ExportWorkflow writes a workflow's JSON to path, defaulting to the backup
// directory.
func (e *Engine) ExportWorkflow(ctx context.Context, id, path string) (string, error) {
	data, err := e.GetWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	if path == "" {
		path = filepath.Join(e.backupDir, SafeFileName(stringField(data, "name"))+".json")
	}

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// ExportAllWorkflows exports every workflow on the instance and returns the
// written paths.
func (e *Engine) ExportAllWorkflows(ctx context.Context) ([]string, error) {
	infos, err := e.ListWorkflows(ctx, false, "")
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		path, err := e.ExportWorkflow(ctx, info.ID, "")
		if err != nil {
			logging.Warn().Str("workflow", info.Name).Err(err).Msg("export failed")
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ImportWorkflowFromFile loads a workflow file onto the instance. When a
// workflow with the same name exists, the server copy wins and is only
// optionally activated. Files without a name are skipped.
//
// The returned action is one of "created", "exists", or "skipped".
func (e *Engine) ImportWorkflowFromFile(ctx context.Context, path string, activate bool) (string, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read workflow file: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return "", fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	name := stringField(data, "name")
	if name == "" {
		return "skipped", nil
	}

	existing, err := e.GetWorkflowByName(ctx, name)
	switch {
	case err == nil:
		if activate {
			if err := e.ActivateWorkflow(ctx, stringField(existing, "id")); err != nil {
				return "exists", err
			}
		}
		return "exists", nil
	case errors.Is(err, ErrNotFound):
		created, err := e.CreateWorkflow(ctx, data)
		if err != nil {
			return "", err
		}
		if activate {
			if err := e.ActivateWorkflow(ctx, stringField(created, "id")); err != nil {
				return "created", err
			}
		}
		return "created", nil
	default:
		return "", err
	}
}

// SyncAllLocalWorkflows walks workflows/**/*.json and imports each file.
// Core files (01_, 02_, myca- prefixes) are activated when activateCore is
// set.
func (e *Engine) SyncAllLocalWorkflows(ctx context.Context, activateCore bool) (*SyncResult, error) {
	result := &SyncResult{
		Imported:    []string{},
		Updated:     []string{},
		Activated:   []string{},
		Deactivated: []string{},
		Archived:    []string{},
		Skipped:     []string{},
		Errors:      []SyncError{},
		StartedAt:   time.Now().UTC(),
	}

	err := filepath.WalkDir(e.workflowsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			return nil
		}

		activate := activateCore && IsCoreFile(d.Name())

		action, ierr := e.ImportWorkflowFromFile(ctx, path, activate)
		if ierr != nil {
			result.Errors = append(result.Errors, SyncError{File: d.Name(), Error: ierr.Error()})
			logging.Warn().Str("file", d.Name()).Err(ierr).Msg("workflow sync failed")
			return nil
		}
		switch action {
		case "created":
			result.Imported = append(result.Imported, d.Name())
		default:
			// "exists" (server copy wins) and nameless files both skip.
			result.Skipped = append(result.Skipped, d.Name())
		}
		if activate && action != "skipped" {
			result.Activated = append(result.Activated, d.Name())
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("walk %s: %w", e.workflowsDir, err)
	}

	result.Duration = time.Since(result.StartedAt).String()
	metrics.WorkflowSyncs.WithLabelValues(e.baseURL, syncOutcome(result)).Inc()
	logging.Info().
		Int("total", result.Total()).
		Int("imported", len(result.Imported)).
		Int("skipped", len(result.Skipped)).
		Int("activated", len(result.Activated)).
		Int("failed", len(result.Errors)).
		Msg("local workflow sync complete")
	return result, nil
}

func syncOutcome(r *SyncResult) string {
	if len(r.Errors) > 0 {
		return "partial"
	}
	return "success"
}

// GetExecutions lists executions, optionally filtered by workflow and
// status.
func (e *Engine) GetExecutions(ctx context.Context, workflowID string, limit int, status string) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{"limit": {fmt.Sprint(limit)}}
	if workflowID != "" {
		q.Set("workflowId", workflowID)
	}
	if status != "" {
		q.Set("status", status)
	}

	raw, err := e.do(ctx, http.MethodGet, "/executions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp listResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	return resp.Data, nil
}

// GetExecutionStats aggregates the recent executions of one workflow.
func (e *Engine) GetExecutionStats(ctx context.Context, workflowID string) (*ExecutionStats, error) {
	execs, err := e.GetExecutions(ctx, workflowID, 100, "")
	if err != nil {
		return nil, err
	}

	stats := &ExecutionStats{WorkflowID: workflowID, Total: len(execs)}
	for _, ex := range execs {
		switch stringField(ex, "status") {
		case "success":
			stats.Succeeded++
		case "error", "crashed", "failed":
			stats.Failed++
		}
		if stats.LastExecuted == "" {
			stats.LastExecuted = stringField(ex, "startedAt")
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	return stats, nil
}

// GetFailedExecutions returns failed executions within the last window,
// covering every failure status the stats aggregation counts.
func (e *Engine) GetFailedExecutions(ctx context.Context, window time.Duration) ([]map[string]interface{}, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}

	var all []map[string]interface{}
	for _, status := range []string{"error", "crashed", "failed"} {
		execs, err := e.GetExecutions(ctx, "", 100, status)
		if err != nil {
			return nil, err
		}
		all = append(all, execs...)
	}

	cutoff := time.Now().UTC().Add(-window)
	out := make([]map[string]interface{}, 0, len(all))
	for _, ex := range all {
		started, err := time.Parse(time.RFC3339, stringField(ex, "startedAt"))
		if err == nil && started.Before(cutoff) {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

// CloneWorkflow duplicates a workflow under a new name, inactive.
func (e *Engine) CloneWorkflow(ctx context.Context, id, newName string) (map[string]interface{}, error) {
	data, err := e.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	data["name"] = newName
	return e.CreateWorkflow(ctx, data)
}

// HealthCheck reports connectivity and aggregate counts for the instance.
// A failed listing yields connected=false rather than an error.
func (e *Engine) HealthCheck(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		BaseURL:   e.baseURL,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	infos, err := e.ListWorkflows(ctx, false, "")
	if err != nil {
		logging.Warn().Str("instance", e.baseURL).Err(err).Msg("workflow health check failed")
		return status
	}
	status.Connected = true
	status.WorkflowCount = len(infos)
	for _, info := range infos {
		if info.Active {
			status.ActiveCount++
		}
	}

	if failed, err := e.GetFailedExecutions(ctx, time.Hour); err == nil {
		status.RecentFailures = len(failed)
	}
	return status
}

// Versions exposes the archive registry for status endpoints.
func (e *Engine) Versions(workflowID string) []WorkflowVersion {
	return e.registry.Versions(workflowID)
}
