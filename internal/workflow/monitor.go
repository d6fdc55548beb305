// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/metrics"
)

// FailureCallback receives monitor failure notifications.
type FailureCallback func(message string, details map[string]interface{})

// MonitorConfig tunes the auto-monitor loops.
type MonitorConfig struct {
	HealthInterval time.Duration
	DriftInterval  time.Duration
	HealthTimeout  time.Duration
}

// DefaultMonitorConfig returns the production intervals.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		HealthInterval: 60 * time.Second,
		DriftInterval:  15 * time.Minute,
		HealthTimeout:  5 * time.Second,
	}
}

// AutoMonitor guards a two-instance deployment: it probes both instances
// and detects definition drift between the repository files and either
// instance, resynchronizing both when drift appears.
type AutoMonitor struct {
	local        *Engine
	cloud        *Engine
	cfg          MonitorConfig
	workflowsDir string

	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	onFailure FailureCallback
}

// NewAutoMonitor creates a monitor over the local and cloud engines.
func NewAutoMonitor(local, cloud *Engine, workflowsDir string, cfg MonitorConfig) *AutoMonitor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 60 * time.Second
	}
	if cfg.DriftInterval <= 0 {
		cfg.DriftInterval = 15 * time.Minute
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	return &AutoMonitor{
		local:        local,
		cloud:        cloud,
		cfg:          cfg,
		workflowsDir: workflowsDir,
	}
}

// OnFailure registers the failure notification callback.
func (m *AutoMonitor) OnFailure(cb FailureCallback) {
	m.mu.Lock()
	m.onFailure = cb
	m.mu.Unlock()
}

// Start launches the health and drift loops. Idempotent.
func (m *AutoMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(2)
	go m.loop(ctx, m.cfg.HealthInterval, m.checkHealth)
	go m.loop(ctx, m.cfg.DriftInterval, m.checkDrift)

	logging.Info().
		Dur("health", m.cfg.HealthInterval).
		Dur("drift", m.cfg.DriftInterval).
		Msg("workflow auto-monitor started")
}

// Stop cancels both loops and waits for them. Idempotent.
func (m *AutoMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info().Msg("workflow auto-monitor stopped")
}

func (m *AutoMonitor) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// checkHealth probes both instances independently.
func (m *AutoMonitor) checkHealth(ctx context.Context) {
	for _, engine := range []*Engine{m.local, m.cloud} {
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
		status := engine.HealthCheck(checkCtx)
		cancel()

		if !status.Connected {
			m.fail("n8n instance unreachable", map[string]interface{}{
				"instance":  engine.BaseURL(),
				"timestamp": status.Timestamp,
			})
		}
	}
}

// checkDrift compares repo, local and cloud checksum maps and
// resynchronizes both instances when they disagree.
func (m *AutoMonitor) checkDrift(ctx context.Context) {
	repo, err := m.repoChecksums()
	if err != nil {
		logging.Warn().Err(err).Msg("repo checksum scan failed")
		return
	}

	local, lerr := instanceChecksums(ctx, m.local)
	cloud, cerr := instanceChecksums(ctx, m.cloud)
	if lerr != nil && cerr != nil {
		logging.Warn().AnErr("local", lerr).AnErr("cloud", cerr).Msg("drift check skipped, both instances unreachable")
		return
	}

	drifted := driftedNames(repo, local, cloud, lerr == nil, cerr == nil)
	if len(drifted) == 0 {
		return
	}

	metrics.WorkflowDriftDetected.Inc()
	logging.Warn().Strs("workflows", drifted).Msg("workflow drift detected, resynchronizing")

	for _, engine := range []*Engine{m.local, m.cloud} {
		result, err := engine.SyncAllLocalWorkflows(ctx, true)
		if err != nil {
			logging.Error().Str("instance", engine.BaseURL()).Err(err).Msg("drift resync failed")
			continue
		}
		logging.Info().
			Str("instance", engine.BaseURL()).
			Int("imported", len(result.Imported)).
			Int("skipped", len(result.Skipped)).
			Msg("drift resync complete")
	}
}

// driftedNames reports which workflows differ between the repository and
// either instance: a repo workflow missing from or differing on a reachable
// instance, and instance workflows missing from the repo. Unreachable
// instances are excluded from the missing-name comparison so an outage does
// not read as drift.
func driftedNames(repo, local, cloud map[string]string, localUp, cloudUp bool) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}

	for name, sum := range repo {
		if localUp {
			if other, ok := local[name]; !ok || other != sum {
				add(name)
				continue
			}
		}
		if cloudUp {
			if other, ok := cloud[name]; !ok || other != sum {
				add(name)
			}
		}
	}
	for _, instance := range []map[string]string{local, cloud} {
		for name, sum := range instance {
			if _, inRepo := repo[name]; !inRepo && sum != "" {
				add(name)
			}
		}
	}
	return out
}

// repoChecksums maps workflow name to checksum for every file under the
// workflows directory.
func (m *AutoMonitor) repoChecksums() (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.WalkDir(m.workflowsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			return nil
		}

		payload, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var data map[string]interface{}
		if err := json.Unmarshal(payload, &data); err != nil {
			logging.Warn().Str("file", d.Name()).Err(err).Msg("skipping malformed workflow file")
			return nil
		}
		name, _ := data["name"].(string)
		if name == "" {
			return nil
		}
		out[name] = Checksum(CleanForAPI(data))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// instanceChecksums maps workflow name to checksum for every workflow on
// an instance.
func instanceChecksums(ctx context.Context, engine *Engine) (map[string]string, error) {
	infos, err := engine.ListWorkflows(ctx, false, "")
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(infos))
	for _, info := range infos {
		wf, err := engine.GetWorkflow(ctx, info.ID)
		if err != nil {
			logging.Warn().Str("workflow", info.Name).Err(err).Msg("checksum fetch failed")
			continue
		}
		out[info.Name] = Checksum(CleanForAPI(wf))
	}
	return out, nil
}

func (m *AutoMonitor) fail(message string, details map[string]interface{}) {
	m.mu.Lock()
	cb := m.onFailure
	m.mu.Unlock()

	logging.Warn().Str("message", message).Interface("details", details).Msg("auto-monitor failure")
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("failure callback panicked")
		}
	}()
	cb(message, details)
}
