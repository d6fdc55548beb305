// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package store persists normalized timeline events into the PostGIS
// spatial store. Writes are idempotent upserts keyed on the deterministic
// event id: re-ingesting the same upstream record updates timestamp,
// geometry and properties in place and never duplicates a row.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/metrics"
	"github.com/mindex-io/mindex/internal/models"
)

// upsertSQL updates only the volatile columns on conflict; entity_type,
// source and any audit columns the store maintains are preserved.
const upsertSQL = `
INSERT INTO mindex.timeline_entries
	(id, entity_type, timestamp, geom, properties, source, quality_score)
VALUES
	($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326), $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	timestamp  = EXCLUDED.timestamp,
	geom       = EXCLUDED.geom,
	properties = EXCLUDED.properties`

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS mindex;
CREATE TABLE IF NOT EXISTS mindex.timeline_entries (
	id            UUID PRIMARY KEY,
	entity_type   TEXT NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL,
	geom          GEOMETRY(Point, 4326) NOT NULL,
	properties    JSONB NOT NULL DEFAULT '{}',
	source        TEXT NOT NULL,
	quality_score DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS timeline_entries_entity_type_idx
	ON mindex.timeline_entries (entity_type);
CREATE INDEX IF NOT EXISTS timeline_entries_timestamp_idx
	ON mindex.timeline_entries (timestamp);
CREATE INDEX IF NOT EXISTS timeline_entries_geom_idx
	ON mindex.timeline_entries USING GIST (geom)`

// TimelineStore writes timeline events through a bounded connection pool.
type TimelineStore struct {
	pool *pgxpool.Pool
}

// Config bounds the connection pool.
type Config struct {
	URL      string
	MinConns int32
	MaxConns int32
}

// New opens a pooled connection to the spatial store. The pool floor/ceiling
// default to 1..5 when unset.
func New(ctx context.Context, cfg Config) (*TimelineStore, error) {
	if cfg.MinConns <= 0 {
		cfg.MinConns = 1
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 5
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}

	return &TimelineStore{pool: pool}, nil
}

// EnsureSchema creates the timeline schema when it does not exist.
func (s *TimelineStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure timeline schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *TimelineStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertEvents writes a batch of timeline events and returns the number of
// rows written. Events that fail to serialize are skipped and logged.
func (s *TimelineStore) UpsertEvents(ctx context.Context, events []*models.TimelineEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	start := time.Now()
	batch := &pgx.Batch{}
	queued := 0

	for _, ev := range events {
		args, err := upsertArgs(ev)
		if err != nil {
			logging.Warn().Err(err).Str("id", ev.ID.String()).Msg("skipping unserializable event")
			continue
		}
		batch.Queue(upsertSQL, args...)
		queued++
	}
	if queued == 0 {
		return 0, nil
	}

	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	written := 0
	for i := 0; i < queued; i++ {
		if _, err := br.Exec(); err != nil {
			metrics.StoreUpserts.WithLabelValues("failure").Inc()
			return written, fmt.Errorf("upsert event %d of %d: %w", i+1, queued, err)
		}
		written++
	}

	metrics.StoreUpserts.WithLabelValues("success").Add(float64(written))
	metrics.StoreUpsertDuration.Observe(time.Since(start).Seconds())
	return written, nil
}

// Close releases the connection pool.
func (s *TimelineStore) Close() {
	s.pool.Close()
}

// upsertArgs builds the positional arguments for one event. Geometry is a
// 2D point; altitude (depth is negative by contract) rides in properties so
// the column type stays plain Point.
func upsertArgs(ev *models.TimelineEvent) ([]interface{}, error) {
	properties := ev.Properties
	if ev.Altitude != nil {
		properties = make(map[string]interface{}, len(ev.Properties)+1)
		for k, v := range ev.Properties {
			properties[k] = v
		}
		properties["altitude"] = *ev.Altitude
	}

	props, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("marshal properties: %w", err)
	}

	return []interface{}{
		ev.ID,
		ev.EntityType,
		ev.Timestamp.UTC(),
		ev.Lng,
		ev.Lat,
		props,
		ev.Source,
		ev.QualityScore,
	}, nil
}
