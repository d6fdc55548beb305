// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	if cfg.FailureThreshold != 5.0 {
		t.Errorf("FailureThreshold = %v, want 5.0", cfg.FailureThreshold)
	}
	if cfg.FailureDecay != 30.0 {
		t.Errorf("FailureDecay = %v, want 30.0", cfg.FailureDecay)
	}
	if cfg.FailureBackoff != 15*time.Second {
		t.Errorf("FailureBackoff = %v, want 15s", cfg.FailureBackoff)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
}

func TestNewTreeAppliesDefaults(t *testing.T) {
	tree := NewTree(TreeConfig{FailureBackoff: 2 * time.Second})
	cfg := tree.Config()
	if cfg.FailureBackoff != 2*time.Second {
		t.Errorf("FailureBackoff = %v, want 2s", cfg.FailureBackoff)
	}
	if cfg.FailureThreshold != 5.0 || cfg.FailureDecay != 30.0 || cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

// countService records lifecycle calls for tree integration tests.
type countService struct {
	name   string
	serves atomic.Int32
}

func (c *countService) Serve(ctx context.Context) error {
	c.serves.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (c *countService) String() string { return c.name }

func TestTreeServesAllLayers(t *testing.T) {
	tree := NewTree(DefaultTreeConfig())

	services := []*countService{
		{name: "msg"}, {name: "ingest"}, {name: "wf"}, {name: "api"},
	}
	tree.AddMessagingService(services[0])
	tree.AddIngestService(services[1])
	tree.AddWorkflowService(services[2])
	tree.AddAPIService(services[3])

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.After(2 * time.Second)
	for _, svc := range services {
		for svc.serves.Load() == 0 {
			select {
			case <-deadline:
				t.Fatalf("service %s never served", svc.name)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop after cancel")
	}
}

func TestTreeRestartsFailedService(t *testing.T) {
	// Short backoff keeps the restart observable within the test window.
	tree := NewTree(TreeConfig{FailureBackoff: 10 * time.Millisecond})

	flaky := &flakyService{failures: 2}
	tree.AddIngestService(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	deadline := time.After(3 * time.Second)
	for flaky.serves.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("serves = %d, want at least 3", flaky.serves.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop after cancel")
	}
}

// flakyService fails its first N serves, then blocks until canceled.
type flakyService struct {
	failures int32
	serves   atomic.Int32
}

func (f *flakyService) Serve(ctx context.Context) error {
	n := f.serves.Add(1)
	if n <= f.failures {
		return errFlaky
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *flakyService) String() string { return "flaky" }

var errFlaky = &flakyError{}

type flakyError struct{}

func (*flakyError) Error() string { return "transient failure" }
