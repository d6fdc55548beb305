// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package orchestrator schedules the registered collectors: one task per
// collector, each cycle guarded by a per-source circuit breaker, with every
// outcome recorded in a bounded audit log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mindex-io/mindex/internal/collector"
	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/metrics"
	"github.com/mindex-io/mindex/internal/models"
	"github.com/mindex-io/mindex/internal/ring"
)

// ErrCircuitOpen is returned when a collector's breaker rejects the call.
var ErrCircuitOpen = errors.New("circuit open")

// ErrUnknownCollector is returned for operations naming an unregistered
// collector.
var ErrUnknownCollector = errors.New("unknown collector")

const (
	// circuitOpenSleep is how long a collector task waits after a fast-failed
	// call before probing again.
	circuitOpenSleep = 10 * time.Second

	// auditCapacity bounds the audit ring buffer.
	auditCapacity = 10000

	failureThreshold = 5
	recoveryTimeout  = 60 * time.Second
	halfOpenRequests = 3
)

// AuditEntry records one orchestrator action.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Collector string    `json:"collector"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Success   bool      `json:"success"`
}

// AuditFilter narrows GetAuditLog results. Zero values match everything;
// Limit defaults to 100.
type AuditFilter struct {
	Collector string
	Since     time.Time
	Limit     int
}

// CollectorStatus is the externally visible state of one registered
// collector.
type CollectorStatus struct {
	Name         string                `json:"name"`
	EntityType   string                `json:"entity_type"`
	PollInterval string                `json:"poll_interval"`
	BreakerState string                `json:"breaker_state"`
	Stats        models.CollectorStats `json:"stats"`
}

type registration struct {
	runner  *collector.Runner
	breaker *gobreaker.CircuitBreaker[int]
}

// Orchestrator owns the collector tasks. Register before Start; Start and
// Stop are idempotent.
type Orchestrator struct {
	mu       sync.Mutex
	regs     map[string]*registration
	order    []string
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	audit *ring.Buffer[AuditEntry]
}

// New creates an empty orchestrator.
func New() *Orchestrator {
	return &Orchestrator{
		regs:  make(map[string]*registration),
		audit: ring.New[AuditEntry](auditCapacity),
	}
}

// Register stores a collector runner and creates its circuit breaker.
// Registering a duplicate name is an error.
func (o *Orchestrator) Register(runner *collector.Runner) error {
	name := runner.Collector().Name()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("register %s: orchestrator already started", name)
	}
	if _, exists := o.regs[name]; exists {
		return fmt.Errorf("register %s: duplicate collector", name)
	}

	o.regs[name] = &registration{
		runner:  runner,
		breaker: newBreaker(name),
	}
	o.order = append(o.order, name)

	o.record(name, "register", "collector registered", true)
	return nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker[int] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenRequests,
		Timeout:     recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("collector", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to.String()))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

// Start initializes every collector and spawns its polling task.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.stopChan = make(chan struct{})
	names := append([]string(nil), o.order...)
	o.mu.Unlock()

	for _, name := range names {
		reg := o.registration(name)
		if err := reg.runner.Collector().Initialize(ctx); err != nil {
			logging.Error().Str("collector", name).Err(err).Msg("collector initialize failed")
			o.record(name, "initialize", err.Error(), false)
			continue
		}
		o.record(name, "initialize", "collector initialized", true)

		o.wg.Add(1)
		go o.runTask(ctx, name, reg)
	}

	logging.Info().Int("collectors", len(names)).Msg("ingestion orchestrator started")
	return nil
}

// Stop signals all tasks, waits for them, then runs each collector's
// cleanup. Task and cleanup errors are logged, never propagated.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.stopChan)
	names := append([]string(nil), o.order...)
	o.mu.Unlock()

	o.wg.Wait()

	for _, name := range names {
		reg := o.registration(name)
		if err := reg.runner.Collector().Cleanup(ctx); err != nil {
			logging.Warn().Str("collector", name).Err(err).Msg("collector cleanup failed")
		}
	}

	logging.Info().Msg("ingestion orchestrator stopped")
	return nil
}

// TriggerFetch runs one cycle for a collector outside its schedule. The
// breaker still applies.
func (o *Orchestrator) TriggerFetch(ctx context.Context, name string) (int, error) {
	reg := o.registration(name)
	if reg == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCollector, name)
	}

	written, err := o.runCycle(ctx, name, reg)
	if err != nil {
		o.record(name, "manual_fetch", err.Error(), false)
		return 0, err
	}
	o.record(name, "manual_fetch", fmt.Sprintf("events=%d", written), true)
	return written, nil
}

// GetAuditLog returns audit entries newest-last, filtered by collector and
// time.
func (o *Orchestrator) GetAuditLog(filter AuditFilter) []AuditEntry {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	all := o.audit.Snapshot()
	out := make([]AuditEntry, 0, limit)
	for _, e := range all {
		if filter.Collector != "" && e.Collector != filter.Collector {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Status reports every registered collector's stats and breaker state.
func (o *Orchestrator) Status() []CollectorStatus {
	o.mu.Lock()
	names := append([]string(nil), o.order...)
	o.mu.Unlock()

	out := make([]CollectorStatus, 0, len(names))
	for _, name := range names {
		reg := o.registration(name)
		c := reg.runner.Collector()
		out = append(out, CollectorStatus{
			Name:         name,
			EntityType:   c.EntityType(),
			PollInterval: c.PollInterval().String(),
			BreakerState: reg.breaker.State().String(),
			Stats:        reg.runner.Stats(),
		})
	}
	return out
}

func (o *Orchestrator) registration(name string) *registration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.regs[name]
}

// runTask is one collector's polling loop: a cycle under the breaker, then
// a sleep that the stop signal can cut short. A fast-failed (open-circuit)
// cycle retries sooner than the poll interval.
func (o *Orchestrator) runTask(ctx context.Context, name string, reg *registration) {
	defer o.wg.Done()

	for {
		written, err := o.runCycle(ctx, name, reg)

		wait := reg.runner.Collector().PollInterval()
		switch {
		case errors.Is(err, ErrCircuitOpen):
			o.record(name, "fetch_skipped", "circuit open", false)
			if circuitOpenSleep < wait {
				wait = circuitOpenSleep
			}
		case err != nil:
			o.record(name, "fetch", err.Error(), false)
		default:
			o.record(name, "fetch", fmt.Sprintf("events=%d", written), true)
		}

		select {
		case <-o.stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context, name string, reg *registration) (int, error) {
	written, err := reg.breaker.Execute(func() (int, error) {
		return reg.runner.RunOnce(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}
	return written, err
}

func (o *Orchestrator) record(collectorName, action, details string, success bool) {
	o.audit.Append(AuditEntry{
		Timestamp: time.Now().UTC(),
		Collector: collectorName,
		Action:    action,
		Details:   details,
		Success:   success,
	})
}
