// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package supervisor

import (
	"context"
	"fmt"
	"time"
)

// Broker matches the pub/sub hub lifecycle. Satisfied by *pubsub.Hub.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// HubService runs the pub/sub hub under supervision. A broker outage makes
// Serve return, so suture reconnects with its backoff policy.
type HubService struct {
	hub Broker
}

// NewHubService wraps a hub for supervision.
func NewHubService(hub Broker) *HubService {
	return &HubService{hub: hub}
}

// Serve implements suture.Service. Connects the hub, blocks until the
// context is canceled, then disconnects.
func (s *HubService) Serve(ctx context.Context) error {
	if err := s.hub.Connect(ctx); err != nil {
		return fmt.Errorf("hub connect: %w", err)
	}
	<-ctx.Done()
	if err := s.hub.Disconnect(); err != nil {
		return fmt.Errorf("hub disconnect: %w", err)
	}
	return ctx.Err()
}

func (s *HubService) String() string { return "pubsub-hub" }

// Ingester matches the collector orchestrator lifecycle. Satisfied by
// *orchestrator.Orchestrator.
type Ingester interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// IngestService runs the collector orchestrator under supervision.
type IngestService struct {
	orch        Ingester
	stopTimeout time.Duration
}

// NewIngestService wraps an orchestrator for supervision. stopTimeout
// bounds collector cleanup during shutdown.
func NewIngestService(orch Ingester, stopTimeout time.Duration) *IngestService {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &IngestService{orch: orch, stopTimeout: stopTimeout}
}

// Serve implements suture.Service. The serve context is canceled before
// Stop runs, so cleanup gets its own deadline.
func (s *IngestService) Serve(ctx context.Context) error {
	if err := s.orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	if err := s.orch.Stop(stopCtx); err != nil {
		return fmt.Errorf("orchestrator stop: %w", err)
	}
	return ctx.Err()
}

func (s *IngestService) String() string { return "ingest-orchestrator" }

// StartStopper matches components with a Start(ctx)/Stop lifecycle.
// Satisfied by *workflow.Scheduler.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
}

// SchedulerService runs the workflow scheduler under supervision.
type SchedulerService struct {
	sched StartStopper
}

// NewSchedulerService wraps a scheduler for supervision.
func NewSchedulerService(sched StartStopper) *SchedulerService {
	return &SchedulerService{sched: sched}
}

// Serve implements suture.Service. Start performs the initial sync, so a
// failed sync surfaces here and triggers a supervised restart.
func (s *SchedulerService) Serve(ctx context.Context) error {
	if err := s.sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	<-ctx.Done()
	s.sched.Stop()
	return ctx.Err()
}

func (s *SchedulerService) String() string { return "workflow-scheduler" }

// Watcher matches the auto-monitor lifecycle. Satisfied by
// *workflow.AutoMonitor.
type Watcher interface {
	Start(ctx context.Context)
	Stop()
}

// MonitorService runs the workflow auto-monitor under supervision.
type MonitorService struct {
	mon Watcher
}

// NewMonitorService wraps an auto-monitor for supervision.
func NewMonitorService(mon Watcher) *MonitorService {
	return &MonitorService{mon: mon}
}

// Serve implements suture.Service.
func (s *MonitorService) Serve(ctx context.Context) error {
	s.mon.Start(ctx)
	<-ctx.Done()
	s.mon.Stop()
	return ctx.Err()
}

func (s *MonitorService) String() string { return "workflow-monitor" }

// HTTPServer matches the API server lifecycle. Satisfied by *api.Server.
type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs the HTTP server under supervision, translating the
// blocking Start pattern into suture's context-aware Serve.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps an HTTP server for supervision. shutdownTimeout
// bounds connection draining.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. Start blocks, so it runs in a
// goroutine; cancellation drains connections via Shutdown.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return "http-server" }
