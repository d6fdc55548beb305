// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/mindex-io/mindex/internal/geo"
	"github.com/mindex-io/mindex/internal/pubsub"
)

func TestEntityChannels(t *testing.T) {
	got := entityChannels(nil)
	if len(got) != 2 || got[0] != pubsub.ChannelEntitiesLifecycle || got[1] != pubsub.ChannelCREPLive {
		t.Errorf("fallback channels = %v", got)
	}

	cell := geo.CellKeyDefault(37.5, -122.0)
	got = entityChannels([]string{cell})
	if len(got) != 1 || got[0] != "entities:"+cell {
		t.Errorf("cell channels = %v", got)
	}
}

func TestEntityStreamBinaryFrames(t *testing.T) {
	hub := newTestHub(t)
	router := NewEntityRouter(hub)

	conn := dialRouter(t, router, "")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Connected envelope arrives as a binary frame too.
	frameType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read connected: %v", err)
	}
	if frameType != 2 { // websocket.BinaryMessage
		t.Errorf("frame type = %d, want binary", frameType)
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope["type"] != "connected" {
		t.Fatalf("connected envelope = %s", payload)
	}

	waitForSubscription(t, hub, pubsub.ChannelEntitiesLifecycle)

	entity := map[string]interface{}{
		"id":   "x1",
		"type": "aircraft",
		"time": map[string]interface{}{"observed_at": time.Now().UTC().Format(time.RFC3339)},
	}
	hub.Publish(context.Background(), pubsub.ChannelEntitiesLifecycle, entity, "ingest")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frameType, payload, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read entity: %v", err)
	}
	if frameType != 2 {
		t.Errorf("entity frame type = %d, want binary", frameType)
	}

	// Entity frames carry the bare payload, not the broker envelope.
	var got map[string]interface{}
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("entity frame not JSON: %v", err)
	}
	if got["id"] != "x1" {
		t.Errorf("entity frame = %v, want bare entity payload", got)
	}
}

func TestEntityTimeFromFiltering(t *testing.T) {
	hub := newTestHub(t)
	router := NewEntityRouter(hub)

	conn := dialRouter(t, router, "?time_from=2026-01-01T00:00:00Z")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadMessage() // connected

	waitForSubscription(t, hub, pubsub.ChannelEntitiesLifecycle)
	ctx := context.Background()

	// Too old: filtered. Unparsable: passes through. Current: passes.
	hub.Publish(ctx, pubsub.ChannelEntitiesLifecycle, map[string]interface{}{
		"id": "old", "time": map[string]interface{}{"observed_at": "2025-06-01T00:00:00Z"},
	}, "ingest")
	hub.Publish(ctx, pubsub.ChannelEntitiesLifecycle, map[string]interface{}{
		"id": "weird", "time": map[string]interface{}{"observed_at": "not-a-time"},
	}, "ingest")
	hub.Publish(ctx, pubsub.ChannelEntitiesLifecycle, map[string]interface{}{
		"id": "fresh", "time": map[string]interface{}{"observed_at": "2026-08-25T00:00:00Z"},
	}, "ingest")

	var ids []string
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var got map[string]interface{}
		json.Unmarshal(payload, &got)
		ids = append(ids, got["id"].(string))
	}
	if ids[0] != "weird" || ids[1] != "fresh" {
		t.Errorf("ids = %v, want [weird fresh]", ids)
	}
}

func TestEntityQueueOverflowDropsNewest(t *testing.T) {
	router := NewEntityRouter(newTestHub(t))
	c := newClient(router, nil, 2, true, true)

	if !c.enqueue([]byte("1")) || !c.enqueue([]byte("2")) {
		t.Fatal("enqueue below capacity failed")
	}
	// Queue full: the newest payload is dropped but the client stays.
	if !c.enqueue([]byte("3")) {
		t.Error("overflow must not request disconnect under drop-newest policy")
	}
	if len(c.send) != 2 {
		t.Errorf("queue len = %d, want 2", len(c.send))
	}
	if got := <-c.send; string(got) != "1" {
		t.Errorf("head of queue = %s, want oldest retained", got)
	}
}

func TestDisconnectPolicyRemovesSlowClient(t *testing.T) {
	router := NewTopologyRouter(newTestHub(t))
	c := newClient(router, nil, 1, false, false)

	if !c.enqueue([]byte("1")) {
		t.Fatal("enqueue below capacity failed")
	}
	if c.enqueue([]byte("2")) {
		t.Error("overflow must request disconnect without drop-newest policy")
	}
}
