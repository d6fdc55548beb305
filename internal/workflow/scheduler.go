// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mindex-io/mindex/internal/logging"
)

// Scheduler event names.
const (
	EventSyncComplete   = "sync_complete"
	EventWorkflowFailed = "workflow_failed"
	EventArchiveDone    = "archive_complete"
)

// EventCallback receives scheduler events. Callbacks run on the scheduler's
// goroutine; panics are isolated and logged.
type EventCallback func(event string, payload interface{})

// SchedulerConfig tunes the three periodic loops.
type SchedulerConfig struct {
	SyncInterval    time.Duration
	HealthInterval  time.Duration
	ArchiveInterval time.Duration
}

// DefaultSchedulerConfig returns the production intervals.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SyncInterval:    15 * time.Minute,
		HealthInterval:  5 * time.Minute,
		ArchiveInterval: 24 * time.Hour,
	}
}

// Scheduler runs the periodic workflow jobs against one engine: local-file
// sync, health probing with failure events, and scheduled archives.
type Scheduler struct {
	engine *Engine
	cfg    SchedulerConfig
	cron   *cron.Cron

	mu        sync.Mutex
	running   bool
	callbacks []EventCallback
}

// NewScheduler creates a scheduler bound to an engine.
func NewScheduler(engine *Engine, cfg SchedulerConfig) *Scheduler {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 15 * time.Minute
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Minute
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = 24 * time.Hour
	}
	return &Scheduler{engine: engine, cfg: cfg}
}

// OnEvent registers a callback for scheduler events.
func (s *Scheduler) OnEvent(cb EventCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Start runs an initial sync, then schedules the periodic loops.
// Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.cron = cron.New()
	s.mu.Unlock()

	// Initial sync before the first tick.
	s.runSync(ctx)

	jobs := []struct {
		spec string
		job  func()
	}{
		{fmt.Sprintf("@every %s", s.cfg.SyncInterval), func() { s.runSync(context.Background()) }},
		{fmt.Sprintf("@every %s", s.cfg.HealthInterval), func() { s.runHealth(context.Background()) }},
		{fmt.Sprintf("@every %s", s.cfg.ArchiveInterval), func() { s.runArchive(context.Background()) }},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.job); err != nil {
			return fmt.Errorf("schedule %q: %w", j.spec, err)
		}
	}
	s.cron.Start()

	logging.Info().
		Dur("sync", s.cfg.SyncInterval).
		Dur("health", s.cfg.HealthInterval).
		Dur("archive", s.cfg.ArchiveInterval).
		Msg("workflow scheduler started")
	return nil
}

// Stop cancels the periodic loops and waits for a running job to finish.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	logging.Info().Msg("workflow scheduler stopped")
}

// Running reports whether the scheduler loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runSync(ctx context.Context) {
	result, err := s.engine.SyncAllLocalWorkflows(ctx, true)
	if err != nil {
		logging.Error().Err(err).Msg("scheduled workflow sync failed")
		return
	}
	s.emit(EventSyncComplete, result)
}

// runHealth probes the instance; any recent failure triggers per-execution
// workflow_failed events for the last hour.
func (s *Scheduler) runHealth(ctx context.Context) {
	status := s.engine.HealthCheck(ctx)
	if !status.Connected {
		logging.Warn().Str("instance", s.engine.BaseURL()).Msg("workflow instance unreachable")
		return
	}
	if status.RecentFailures == 0 {
		return
	}

	failed, err := s.engine.GetFailedExecutions(ctx, time.Hour)
	if err != nil {
		logging.Warn().Err(err).Msg("failed execution fetch failed")
		return
	}
	for _, ex := range failed {
		s.emit(EventWorkflowFailed, ex)
	}
}

func (s *Scheduler) runArchive(ctx context.Context) {
	infos, err := s.engine.ListWorkflows(ctx, false, "")
	if err != nil {
		logging.Error().Err(err).Msg("archive sweep listing failed")
		return
	}

	archived := 0
	for _, info := range infos {
		if _, err := s.engine.ArchiveWorkflow(ctx, info.ID, nil, "scheduled backup"); err != nil {
			logging.Warn().Str("workflow", info.Name).Err(err).Msg("scheduled archive failed")
			continue
		}
		archived++
	}
	s.emit(EventArchiveDone, map[string]int{"archived": archived, "total": len(infos)})
}

// emit invokes every callback with panic isolation.
func (s *Scheduler) emit(event string, payload interface{}) {
	s.mu.Lock()
	callbacks := append([]EventCallback(nil), s.callbacks...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error().Str("event", event).Interface("panic", r).Msg("scheduler callback panicked")
				}
			}()
			cb(event, payload)
		}()
	}
}
