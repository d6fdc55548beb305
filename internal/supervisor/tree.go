// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package supervisor builds the Suture service tree that keeps Mindex's
// long-lived components running: the pub/sub hub listener, the ingestion
// orchestrator, the workflow scheduler and monitor, and the HTTP server.
//
// The tree is layered for failure isolation: a crashing collector loop is
// restarted inside the ingest layer without disturbing the API layer.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/mindex-io/mindex/internal/logging"
)

// TreeConfig holds supervisor tree restart parameters.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64

	// FailureBackoff is how long the supervisor waits once the threshold
	// is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds graceful shutdown of each service.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns the restart parameters used in production.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the Mindex supervisor hierarchy.
//
// Layers:
//   - messaging: pub/sub hub listener
//   - ingest: collector orchestrator
//   - workflow: n8n scheduler and auto-monitor
//   - api: HTTP server
type Tree struct {
	root      *suture.Supervisor
	messaging *suture.Supervisor
	ingest    *suture.Supervisor
	workflow  *suture.Supervisor
	api       *suture.Supervisor
	config    TreeConfig
}

// NewTree creates the supervisor tree. Zero config fields fall back to
// DefaultTreeConfig values.
func NewTree(config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	rootSpec := suture.Spec{
		EventHook:        eventHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	// Children inherit the root's EventHook when added.
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("mindex", rootSpec)
	messaging := suture.New("messaging-layer", childSpec)
	ingest := suture.New("ingest-layer", childSpec)
	workflow := suture.New("workflow-layer", childSpec)
	api := suture.New("api-layer", childSpec)

	root.Add(messaging)
	root.Add(ingest)
	root.Add(workflow)
	root.Add(api)

	return &Tree{
		root:      root,
		messaging: messaging,
		ingest:    ingest,
		workflow:  workflow,
		api:       api,
		config:    config,
	}
}

// Config returns the effective tree configuration.
func (t *Tree) Config() TreeConfig {
	return t.config
}

// AddMessagingService adds a service to the messaging layer.
func (t *Tree) AddMessagingService(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

// AddIngestService adds a service to the ingest layer.
func (t *Tree) AddIngestService(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

// AddWorkflowService adds a service to the workflow layer.
func (t *Tree) AddWorkflowService(svc suture.Service) suture.ServiceToken {
	return t.workflow.Add(svc)
}

// AddAPIService adds a service to the API layer.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until the context is canceled. Blocks.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree and returns a channel that receives the
// final error once the tree stops.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// eventHook routes suture lifecycle events through the zerolog stack.
func eventHook() suture.EventHook {
	return func(ev suture.Event) {
		switch ev.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			logging.Error().Fields(ev.Map()).Msg("supervised service failure")
		case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
			logging.Warn().Fields(ev.Map()).Msg(ev.String())
		default:
			logging.Info().Fields(ev.Map()).Msg(ev.String())
		}
	}
}
