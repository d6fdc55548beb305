// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package main is the entry point for the Mindex server.
//
// Mindex ingests live geospatial telemetry (aircraft, vessels, satellites,
// weather, seismic events), normalizes it into a unified entity model,
// persists it to a PostGIS timeline store, and fans it out to WebSocket
// clients through a Redis pub/sub hub. A workflow layer keeps two n8n
// instances synchronized with the repository's workflow definitions.
//
// # Startup Order
//
//  1. Configuration: Koanf v2 layered load (defaults, config.yaml, env)
//  2. Logging: zerolog, JSON by default
//  3. Store: PostGIS connection pool and schema
//  4. Pub/Sub: Redis broker connection and hub (connected under supervision)
//  5. Ingestion: collector orchestrator with per-collector circuit breakers
//  6. Workflows: n8n engines, scheduler, and two-instance auto-monitor
//  7. Streams: six WebSocket routers over the hub
//  8. HTTP: chi API server
//  9. Supervision: suture tree runs everything until SIGINT/SIGTERM
//
// # Configuration
//
// Environment variables override config.yaml which overrides defaults.
// The database DSN (DATABASE_URL), Redis broker (REDIS_HOST/REDIS_PORT),
// n8n instances (N8N_URL, N8N_LOCAL_URL, N8N_API_KEY) and per-collector
// credentials (OPENSKY_USERNAME, SPACETRACK_USERNAME, AIS_API_KEY, ...)
// are the usual deployment knobs.
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the supervision tree. Each supervised service
// shuts down gracefully: the HTTP server drains connections, the
// orchestrator stops its collectors and runs cleanup, the hub disconnects
// from the broker. The store pool closes last.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mindex-io/mindex/internal/api"
	"github.com/mindex-io/mindex/internal/collector"
	"github.com/mindex-io/mindex/internal/config"
	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/models"
	"github.com/mindex-io/mindex/internal/orchestrator"
	"github.com/mindex-io/mindex/internal/pubsub"
	"github.com/mindex-io/mindex/internal/store"
	"github.com/mindex-io/mindex/internal/stream"
	"github.com/mindex-io/mindex/internal/supervisor"
	"github.com/mindex-io/mindex/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Str("broker", cfg.Redis.Addr()).
		Str("n8n_url", cfg.N8N.URL).
		Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Spatial store opens first; everything downstream writes through it.
	timelineStore, err := store.New(ctx, store.Config{
		URL:      cfg.Database.URL,
		MinConns: cfg.Database.MinConns,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open timeline store")
	}
	defer timelineStore.Close()

	if err := timelineStore.EnsureSchema(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to ensure timeline schema")
	}
	logging.Info().Msg("timeline store ready")

	// The hub is created here but connected under supervision, so a broker
	// outage at boot does not prevent the rest of the system from starting.
	conn := pubsub.NewRedisConn(pubsub.RedisConnConfig{
		Addr:                cfg.Redis.Addr(),
		DB:                  cfg.Redis.DB,
		ConnectTimeout:      cfg.Redis.ConnectTimeout,
		HealthCheckInterval: cfg.Redis.HealthCheckInterval,
	})
	hub := pubsub.NewHub(conn, pubsub.Config{
		MaxReconnectAttempts: cfg.Redis.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Redis.ReconnectDelay,
	})

	// Every ingested event fans out on its spatial cell channel and the
	// live CREP feed.
	publish := func(ctx context.Context, ev *models.TimelineEvent) {
		entity := models.UnifiedFromTimeline(ev)
		if err := hub.Publish(ctx, pubsub.EntityChannel(entity.S2Cell), entity, ev.Source); err != nil {
			logging.Debug().Err(err).Str("cell", entity.S2Cell).Msg("entity publish failed")
		}
		if err := hub.Publish(ctx, pubsub.ChannelCREPLive, entity, ev.Source); err != nil {
			logging.Debug().Err(err).Msg("crep publish failed")
		}
	}

	orch := orchestrator.New()
	registered := registerCollectors(orch, cfg.Collectors, timelineStore, publish)
	logging.Info().Int("collectors", registered).Msg("collectors registered")

	cloudEngine, localEngine, err := buildEngines(&cfg.N8N)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build workflow engines")
	}

	scheduler := workflow.NewScheduler(cloudEngine, workflow.SchedulerConfig{
		SyncInterval:    cfg.N8N.Scheduler.SyncInterval,
		HealthInterval:  cfg.N8N.Scheduler.HealthInterval,
		ArchiveInterval: cfg.N8N.Scheduler.ArchiveInterval,
	})
	scheduler.OnEvent(func(event string, payload interface{}) {
		logging.Info().Str("event", event).Interface("payload", payload).Msg("scheduler event")
	})

	monitor := workflow.NewAutoMonitor(localEngine, cloudEngine, cfg.N8N.WorkflowsDir, workflow.MonitorConfig{
		HealthInterval: cfg.N8N.Monitor.HealthInterval,
		DriftInterval:  cfg.N8N.Monitor.DriftInterval,
		HealthTimeout:  cfg.N8N.Monitor.HealthTimeout,
	})
	monitor.OnFailure(func(message string, details map[string]interface{}) {
		logging.Warn().Fields(details).Msg(message)
		if err := hub.Publish(context.Background(), pubsub.ChannelSystemAlerts, map[string]interface{}{
			"message": message,
			"details": details,
		}, "workflow-monitor"); err != nil {
			logging.Debug().Err(err).Msg("alert publish failed")
		}
	})

	topology := stream.NewTopologyRouter(hub)
	devices := stream.NewDevicesRouter(hub)
	crep := stream.NewCREPRouter(hub)
	scientific := stream.NewScientificRouter(hub)
	security := stream.NewSecurityRouter(hub)
	entity := stream.NewEntityRouter(hub)

	server := api.NewServer(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), api.Deps{
		Store:        timelineStore,
		Hub:          hub,
		Orchestrator: orch,
		Topology:     topology,
		Devices:      devices,
		CREP:         crep,
		Scientific:   scientific,
		Security:     security,
		Entity:       entity,
		Workflows:    cloudEngine,
		Scheduler:    scheduler,
	})

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddMessagingService(supervisor.NewHubService(hub))
	tree.AddIngestService(supervisor.NewIngestService(orch, cfg.Server.Timeout))
	tree.AddWorkflowService(supervisor.NewSchedulerService(scheduler))
	tree.AddWorkflowService(supervisor.NewMonitorService(monitor))
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.Timeout))

	errCh := tree.ServeBackground(ctx)
	logging.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("mindex server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervision tree stopped")
		}
	}

	logging.Info().Msg("mindex server stopped")
}

// registerCollectors wires every enabled collector into the orchestrator
// and returns how many were registered.
func registerCollectors(orch *orchestrator.Orchestrator, cfg config.CollectorsConfig, ingester collector.Ingester, publish collector.PublishFunc) int {
	var collectors []collector.Collector
	if cfg.OpenSky.Enabled {
		collectors = append(collectors, collector.NewOpenSky(cfg.OpenSky))
	}
	if cfg.SpaceTrack.Enabled {
		collectors = append(collectors, collector.NewNORAD(cfg.SpaceTrack))
	}
	if cfg.AIS.Enabled {
		collectors = append(collectors, collector.NewAIS(cfg.AIS))
	}
	if cfg.NWS.Enabled {
		collectors = append(collectors, collector.NewNWS(cfg.NWS))
	}
	if cfg.USGS.Enabled {
		collectors = append(collectors, collector.NewUSGS(cfg.USGS))
	}

	registered := 0
	for _, c := range collectors {
		runner := collector.NewRunner(c, ingester, publish, collector.DefaultRetryConfig())
		if err := orch.Register(runner); err != nil {
			logging.Warn().Str("collector", c.Name()).Err(err).Msg("collector registration failed")
			continue
		}
		registered++
	}
	return registered
}

// buildEngines creates the cloud (primary) and local n8n engines. Both
// share the repository workflow directories; archives and backups land in
// per-instance subdirectories so restores never cross instances.
func buildEngines(cfg *config.N8NConfig) (cloud, local *workflow.Engine, err error) {
	cloud, err = workflow.NewEngine(workflow.Config{
		BaseURL:        cfg.URL,
		APIKey:         cfg.APIKey,
		WorkflowsDir:   cfg.WorkflowsDir,
		ArchiveDir:     cfg.ArchiveDir + "/cloud",
		RegistryDir:    cfg.RegistryDir + "/cloud",
		BackupDir:      cfg.BackupDir + "/cloud",
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cloud engine: %w", err)
	}

	local, err = workflow.NewEngine(workflow.Config{
		BaseURL:        cfg.LocalURL,
		APIKey:         cfg.LocalAPIKey,
		WorkflowsDir:   cfg.WorkflowsDir,
		ArchiveDir:     cfg.ArchiveDir + "/local",
		RegistryDir:    cfg.RegistryDir + "/local",
		BackupDir:      cfg.BackupDir + "/local",
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("local engine: %w", err)
	}
	return cloud, local, nil
}
