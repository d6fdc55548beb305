// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mindex-io/mindex/internal/models"
)

type stubCollector struct {
	name     string
	interval time.Duration

	mu        sync.Mutex
	fetchErr  error
	raws      []models.RawEvent
	fetchN    int
	badEntity string
}

func (s *stubCollector) Name() string                     { return s.name }
func (s *stubCollector) EntityType() string               { return models.EntityTypeAircraft }
func (s *stubCollector) PollInterval() time.Duration      { return s.interval }
func (s *stubCollector) Initialize(context.Context) error { return nil }
func (s *stubCollector) Cleanup(context.Context) error    { return nil }

func (s *stubCollector) Fetch(context.Context) ([]models.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchN++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.raws, nil
}

func (s *stubCollector) Transform(raw models.RawEvent) (*models.TimelineEvent, error) {
	if raw.EntityID == s.badEntity {
		return nil, errors.New("malformed record")
	}
	lat, _ := asFloat(raw.Data["lat"])
	lng, _ := asFloat(raw.Data["lng"])
	return &models.TimelineEvent{
		ID:         models.DeterministicID(raw.Source, raw.EntityID),
		EntityType: raw.EntityType,
		Timestamp:  raw.Timestamp,
		Lat:        lat,
		Lng:        lng,
		Properties: map[string]interface{}{},
		Source:     raw.Source,
	}, nil
}

func (s *stubCollector) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchN
}

type stubStore struct {
	mu     sync.Mutex
	err    error
	events []*models.TimelineEvent
}

func (s *stubStore) UpsertEvents(_ context.Context, events []*models.TimelineEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.events = append(s.events, events...)
	return len(events), nil
}

func rawEvent(id string) models.RawEvent {
	return models.RawEvent{
		Source:     "test",
		EntityID:   id,
		EntityType: models.EntityTypeAircraft,
		Timestamp:  time.Now().UTC(),
		Data:       map[string]interface{}{"lat": 10.123456, "lng": 20.654321},
	}
}

func TestRunOnce(t *testing.T) {
	c := &stubCollector{name: "test", interval: time.Minute, raws: []models.RawEvent{rawEvent("a"), rawEvent("b")}}
	store := &stubStore{}
	r := NewRunner(c, store, nil, DefaultRetryConfig())

	written, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if written != 2 {
		t.Errorf("written = %d, want 2", written)
	}
	if len(store.events) != 2 {
		t.Fatalf("stored %d events, want 2", len(store.events))
	}
	if store.events[0].QualityScore <= 0 {
		t.Error("quality score not assigned")
	}

	stats := r.Stats()
	if stats.TotalFetches != 1 || stats.SuccessfulFetches != 1 || stats.TotalEvents != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastFetchTime == nil {
		t.Error("last fetch time not recorded")
	}
}

func TestRunOnceTransformFailureDropsRecord(t *testing.T) {
	c := &stubCollector{
		name: "test", interval: time.Minute,
		raws:      []models.RawEvent{rawEvent("good"), rawEvent("bad")},
		badEntity: "bad",
	}
	store := &stubStore{}
	r := NewRunner(c, store, nil, DefaultRetryConfig())

	written, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if written != 1 {
		t.Errorf("written = %d, want the good record only", written)
	}
}

func TestRunOnceFetchFailure(t *testing.T) {
	c := &stubCollector{name: "test", interval: time.Minute, fetchErr: errors.New("upstream down")}
	r := NewRunner(c, &stubStore{}, nil, DefaultRetryConfig())

	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected fetch error to propagate")
	}

	stats := r.Stats()
	if stats.FailedFetches != 1 {
		t.Errorf("failed fetches = %d, want 1", stats.FailedFetches)
	}
	if stats.LastError == "" || stats.LastErrorTime == nil {
		t.Error("last error not recorded")
	}
}

func TestRunOnceIngestFailureDoesNotFailCycle(t *testing.T) {
	c := &stubCollector{name: "test", interval: time.Minute, raws: []models.RawEvent{rawEvent("a")}}
	store := &stubStore{err: errors.New("pool exhausted")}
	r := NewRunner(c, store, nil, DefaultRetryConfig())

	written, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("ingest failure must not fail the cycle: %v", err)
	}
	if written != 0 {
		t.Errorf("written = %d, want 0 on ingest failure", written)
	}
	if got := r.Stats(); got.SuccessfulFetches != 1 {
		t.Errorf("stats = %+v, want the fetch counted as successful", got)
	}
}

func TestRunOncePublishesEvents(t *testing.T) {
	c := &stubCollector{name: "test", interval: time.Minute, raws: []models.RawEvent{rawEvent("a"), rawEvent("b")}}

	var mu sync.Mutex
	var published []*models.TimelineEvent
	publish := func(_ context.Context, ev *models.TimelineEvent) {
		mu.Lock()
		published = append(published, ev)
		mu.Unlock()
	}

	r := NewRunner(c, &stubStore{}, publish, DefaultRetryConfig())
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if len(published) != 2 {
		t.Errorf("published %d events, want 2", len(published))
	}
}

func TestRunLoopStopSignalWins(t *testing.T) {
	c := &stubCollector{name: "test", interval: time.Hour, raws: nil}
	r := NewRunner(c, &stubStore{}, nil, DefaultRetryConfig())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.RunLoop(context.Background(), stop)
		close(done)
	}()

	// Let at least one cycle complete, then stop mid-sleep.
	deadline := time.Now().Add(2 * time.Second)
	for c.fetchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunLoop did not honor stop signal during poll sleep")
	}
	if c.fetchCount() != 1 {
		t.Errorf("fetches = %d, want 1", c.fetchCount())
	}
}

func TestRunLoopRetriesWithBackoff(t *testing.T) {
	c := &stubCollector{name: "test", interval: time.Hour, fetchErr: errors.New("down")}
	retry := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2}
	r := NewRunner(c, &stubStore{}, nil, retry)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.RunLoop(context.Background(), stop)
		close(done)
	}()

	// With MaxRetries=2 the loop runs the first cycle plus two fast retries
	// before falling back to the hour-long poll sleep.
	deadline := time.Now().Add(2 * time.Second)
	for c.fetchCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := c.fetchCount(); got < 3 {
		t.Errorf("fetches = %d, want at least 3 (initial + retries)", got)
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunLoop did not stop")
	}
}

func TestAvgFetchDurationSmoothing(t *testing.T) {
	r := NewRunner(&stubCollector{name: "t", interval: time.Minute}, &stubStore{}, nil, DefaultRetryConfig())

	r.recordSuccess(0, 100*time.Millisecond)
	if got := r.Stats().AvgFetchDurationMs; got != 100 {
		t.Fatalf("first avg = %v, want 100", got)
	}

	r.recordSuccess(0, 200*time.Millisecond)
	got := r.Stats().AvgFetchDurationMs
	want := 100*(1-statsAlpha) + 200*statsAlpha
	if fmt.Sprintf("%.3f", got) != fmt.Sprintf("%.3f", want) {
		t.Errorf("smoothed avg = %v, want %v", got, want)
	}
}
