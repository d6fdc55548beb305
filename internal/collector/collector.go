// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package collector implements the uniform polling contract for external
// data sources. Each concrete collector normalizes one upstream API into
// TimelineEvents; the Runner drives the fetch, transform, ingest cycle and
// keeps per-collector statistics.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/metrics"
	"github.com/mindex-io/mindex/internal/models"
	"github.com/mindex-io/mindex/internal/quality"
)

// Collector is the per-source polling contract. Fetch performs the upstream
// IO and must return an error on transport failure; a rate-limited source
// backs off internally and returns an empty batch. Transform normalizes one
// raw record and must derive a deterministic event id so repeated polls
// upsert instead of duplicating.
type Collector interface {
	Name() string
	EntityType() string
	PollInterval() time.Duration

	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error

	Fetch(ctx context.Context) ([]models.RawEvent, error)
	Transform(raw models.RawEvent) (*models.TimelineEvent, error)
}

// Ingester persists a batch of normalized events.
type Ingester interface {
	UpsertEvents(ctx context.Context, events []*models.TimelineEvent) (int, error)
}

// PublishFunc receives every ingested event, typically to fan it out on the
// broker. Failures are the publisher's problem; the cycle never blocks on it.
type PublishFunc func(ctx context.Context, ev *models.TimelineEvent)

// RetryConfig bounds the outer retry loop of RunLoop.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// DefaultRetryConfig returns the production retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
	}
}

// statsAlpha is the smoothing factor for the running fetch-duration average.
const statsAlpha = 0.2

// Runner drives one collector: single cycles for the orchestrator, or a
// self-contained retry loop. All stats access is behind the mutex.
type Runner struct {
	collector Collector
	store     Ingester
	publish   PublishFunc
	retry     RetryConfig

	mu    sync.Mutex
	stats models.CollectorStats
}

// NewRunner wires a collector to its store. publish may be nil.
func NewRunner(c Collector, store Ingester, publish PublishFunc, retry RetryConfig) *Runner {
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Runner{collector: c, store: store, publish: publish, retry: retry}
}

// Collector returns the wrapped collector.
func (r *Runner) Collector() Collector {
	return r.collector
}

// Stats returns a copy of the collector's counters.
func (r *Runner) Stats() models.CollectorStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// RunOnce executes one fetch, transform, ingest cycle and returns the number
// of rows written. A fetch error fails the cycle; a transform error drops
// that record only; an ingest error is logged and reported as zero rows
// without failing the cycle.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	name := r.collector.Name()
	start := time.Now()

	raws, err := r.collector.Fetch(ctx)
	elapsed := time.Since(start)
	metrics.CollectorFetchDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		r.recordFailure(err, elapsed)
		metrics.CollectorFetches.WithLabelValues(name, "failure").Inc()
		return 0, fmt.Errorf("%s fetch: %w", name, err)
	}

	events := make([]*models.TimelineEvent, 0, len(raws))
	for _, raw := range raws {
		ev, terr := r.collector.Transform(raw)
		if terr != nil {
			logging.Warn().
				Str("collector", name).
				Str("entity_id", raw.EntityID).
				Err(terr).
				Msg("dropping record, transform failed")
			continue
		}
		ev.QualityScore = quality.Score(raw.Data, ev.EntityType, ev.Source, ev.Timestamp)
		events = append(events, ev)
	}

	written := 0
	if len(events) > 0 {
		written, err = r.store.UpsertEvents(ctx, events)
		if err != nil {
			logging.Error().
				Str("collector", name).
				Int("events", len(events)).
				Err(err).
				Msg("ingest failed")
			written = 0
		}
	}

	if r.publish != nil {
		for _, ev := range events {
			r.publish(ctx, ev)
		}
	}

	r.recordSuccess(len(events), elapsed)
	metrics.CollectorFetches.WithLabelValues(name, "success").Inc()
	metrics.CollectorEvents.WithLabelValues(name).Add(float64(len(events)))
	return written, nil
}

// RunLoop polls until the stop channel or context fires. Consecutive
// failures back off exponentially up to MaxRetries, then the loop falls back
// to the poll interval; any success resets the backoff.
func (r *Runner) RunLoop(ctx context.Context, stop <-chan struct{}) {
	name := r.collector.Name()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retry.InitialDelay
	bo.MaxInterval = r.retry.MaxDelay
	bo.Multiplier = r.retry.ExponentialBase
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0
	for {
		var wait time.Duration
		if _, err := r.RunOnce(ctx); err != nil {
			failures++
			if failures > r.retry.MaxRetries {
				logging.Error().
					Str("collector", name).
					Int("failures", failures).
					Err(err).
					Msg("retries exhausted, waiting for next poll")
				failures = 0
				bo.Reset()
				wait = r.collector.PollInterval()
			} else {
				wait = bo.NextBackOff()
				logging.Warn().
					Str("collector", name).
					Dur("retry_in", wait).
					Err(err).
					Msg("cycle failed, retrying")
			}
		} else {
			failures = 0
			bo.Reset()
			wait = r.collector.PollInterval()
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Runner) recordSuccess(events int, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.stats.TotalFetches++
	r.stats.SuccessfulFetches++
	r.stats.TotalEvents += int64(events)
	r.stats.LastFetchTime = &now
	r.updateAvgLocked(elapsed)
}

func (r *Runner) recordFailure(err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.stats.TotalFetches++
	r.stats.FailedFetches++
	r.stats.LastFetchTime = &now
	r.stats.LastError = err.Error()
	r.stats.LastErrorTime = &now
	r.updateAvgLocked(elapsed)
}

func (r *Runner) updateAvgLocked(elapsed time.Duration) {
	ms := float64(elapsed.Milliseconds())
	if r.stats.AvgFetchDurationMs == 0 {
		r.stats.AvgFetchDurationMs = ms
		return
	}
	r.stats.AvgFetchDurationMs = r.stats.AvgFetchDurationMs*(1-statsAlpha) + ms*statsAlpha
}
