// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mindex-io/mindex/internal/pubsub"
)

// memBroker is an in-memory BrokerConn: publishes route to every
// subscriber holding the channel.
type memBroker struct {
	mu   sync.Mutex
	subs []*memSub
}

type memSub struct {
	mu       sync.Mutex
	channels map[string]bool
	msgs     chan memMsg
}

type memMsg struct {
	channel string
	payload []byte
}

func (b *memBroker) Subscribe(_ context.Context, channels ...string) pubsub.SubscriberConn {
	s := &memSub{channels: make(map[string]bool), msgs: make(chan memMsg, 64)}
	for _, ch := range channels {
		s.channels[ch] = true
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

func (b *memBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]*memSub(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		s.mu.Lock()
		ok := s.channels[channel]
		s.mu.Unlock()
		if ok {
			select {
			case s.msgs <- memMsg{channel: channel, payload: payload}:
			default:
			}
		}
	}
	return nil
}

func (b *memBroker) Ping(context.Context) error { return nil }
func (b *memBroker) Close() error               { return nil }

func (s *memSub) ReceiveMessage(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case m := <-s.msgs:
		return m.channel, m.payload, nil
	}
}

func (s *memSub) Subscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = true
	}
	return nil
}

func (s *memSub) Unsubscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *memSub) Close() error { return nil }

func newTestHub(t *testing.T) *pubsub.Hub {
	t.Helper()
	hub := pubsub.NewHub(&memBroker{}, pubsub.Config{MaxReconnectAttempts: 3, ReconnectDelay: time.Millisecond})
	if err := hub.Connect(context.Background()); err != nil {
		t.Fatalf("hub connect failed: %v", err)
	}
	t.Cleanup(func() { hub.Disconnect() })
	return hub
}

// dialRouter serves a router and connects one websocket client to it.
func dialRouter(t *testing.T, r *Router, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(r.ServeHTTP))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return out
}

func TestConnectedEnvelope(t *testing.T) {
	hub := newTestHub(t)
	conn := dialRouter(t, NewTopologyRouter(hub), "?types=agent,alert")

	frame := readFrame(t, conn)
	if frame["type"] != "connected" {
		t.Fatalf("first frame type = %v, want connected", frame["type"])
	}
	if frame["stream"] != "topology" {
		t.Errorf("stream = %v", frame["stream"])
	}
	filters, _ := frame["filters"].(map[string]interface{})
	if filters == nil || filters["types"] == nil {
		t.Errorf("connected envelope missing initial filters: %v", frame)
	}
}

func TestPingPong(t *testing.T) {
	hub := newTestHub(t)
	conn := dialRouter(t, NewTopologyRouter(hub), "")
	readFrame(t, conn) // connected

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Errorf("frame type = %v, want pong", frame["type"])
	}
	if frame["timestamp"] == nil {
		t.Error("pong missing timestamp")
	}
}

func TestBroadcastTypeFiltering(t *testing.T) {
	hub := newTestHub(t)
	router := NewTopologyRouter(hub)

	conn := dialRouter(t, router, "?types=alert")
	readFrame(t, conn) // connected

	ctx := context.Background()
	waitForSubscription(t, hub, pubsub.ChannelSystemAlerts)

	hub.Publish(ctx, pubsub.ChannelSystemAlerts, map[string]interface{}{"type": "noise"}, "test")
	hub.Publish(ctx, pubsub.ChannelSystemAlerts, map[string]interface{}{"type": "alert", "detail": "disk"}, "test")

	frame := readFrame(t, conn)
	data, _ := frame["data"].(map[string]interface{})
	if data == nil || data["type"] != "alert" {
		t.Fatalf("got %v, want the alert message only", frame)
	}
}

func TestDevicesRouterRoutesByDevice(t *testing.T) {
	hub := newTestHub(t)
	router := NewDevicesRouter(hub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		client := newClient(router, conn, 0, false, false)
		client.SetDeviceID(req.URL.Query().Get("device_id"))
		router.addClient(req.Context(), client)
		go client.writePump()
		client.readPump()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?device_id=dev-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn) // connected

	ctx := context.Background()
	waitForSubscription(t, hub, pubsub.ChannelDeviceTelemetry)

	hub.Publish(ctx, pubsub.ChannelDeviceTelemetry, map[string]interface{}{"device_id": "dev-2", "v": 1}, "telemetry")
	hub.Publish(ctx, pubsub.ChannelDeviceTelemetry, map[string]interface{}{"device_id": "dev-1", "v": 2}, "telemetry")

	frame := readFrame(t, conn)
	data, _ := frame["data"].(map[string]interface{})
	if data == nil || data["device_id"] != "dev-1" {
		t.Fatalf("got %v, want dev-1 telemetry only", frame)
	}
}

func TestSecurityReplayOnConnect(t *testing.T) {
	hub := newTestHub(t)
	router := NewSecurityRouter(hub)

	// First client spawns the subscriber so events reach the replay ring.
	first := dialRouter(t, router, "")
	readFrame(t, first)

	ctx := context.Background()
	waitForSubscription(t, hub, pubsub.ChannelSecurityAlerts)

	hub.Publish(ctx, pubsub.ChannelSecurityAlerts, map[string]interface{}{"severity": "high", "event_type": "alert", "n": 1}, "ids")
	hub.Publish(ctx, pubsub.ChannelSecurityAlerts, map[string]interface{}{"severity": "low", "event_type": "alert", "n": 2}, "ids")

	// Wait for both events to reach the first client, which proves they are
	// in the replay ring too.
	readFrame(t, first)
	readFrame(t, first)

	// A high-severity-only client gets just the matching replayed event.
	second := dialRouter(t, router, "?severities=high")
	readFrame(t, second) // connected
	frame := readFrame(t, second)
	data, _ := frame["data"].(map[string]interface{})
	if data == nil || data["severity"] != "high" {
		t.Fatalf("replayed frame = %v, want the high-severity event", frame)
	}

	second.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Error("low-severity event replayed despite filter")
	}
}

func TestLastClientReleasesSubscriptions(t *testing.T) {
	hub := newTestHub(t)
	router := NewCREPRouter(hub)

	conn := dialRouter(t, router, "")
	readFrame(t, conn)
	waitForSubscription(t, hub, pubsub.ChannelCREPLive)

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(hub.GetSubscriptions()) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Errorf("subscriptions after last disconnect = %v, want none", hub.GetSubscriptions())
}

func TestSecurityTypesQueryParam(t *testing.T) {
	hub := newTestHub(t)
	router := NewSecurityRouter(hub)

	conn := dialRouter(t, router, "?severities=high&types=incident")
	readFrame(t, conn) // connected

	ctx := context.Background()
	waitForSubscription(t, hub, pubsub.ChannelSecurityIDS)

	hub.Publish(ctx, pubsub.ChannelSecurityIDS, map[string]interface{}{"severity": "high", "event_type": "ids", "n": 1}, "ids")
	hub.Publish(ctx, pubsub.ChannelSecurityIncidents, map[string]interface{}{"severity": "high", "event_type": "incident", "n": 2}, "ids")

	frame := readFrame(t, conn)
	data, _ := frame["data"].(map[string]interface{})
	if data == nil || data["event_type"] != "incident" {
		t.Fatalf("got %v, want the incident event only", frame)
	}
}

func TestSubscribeEnvelopeAck(t *testing.T) {
	hub := newTestHub(t)
	conn := dialRouter(t, NewSecurityRouter(hub), "")
	readFrame(t, conn) // connected

	if err := conn.WriteJSON(map[string]interface{}{"type": "subscribe", "severities": []string{"critical"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "subscribed" {
		t.Errorf("ack type = %v, want subscribed", frame["type"])
	}

	if err := conn.WriteJSON(map[string]interface{}{"type": "set_filter", "severities": []string{"high"}}); err != nil {
		t.Fatalf("write set_filter: %v", err)
	}
	frame = readFrame(t, conn)
	if frame["type"] != "filter_updated" {
		t.Errorf("ack type = %v, want filter_updated", frame["type"])
	}
}

func waitForSubscription(t *testing.T, hub *pubsub.Hub, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ch := range hub.GetSubscriptions() {
			if ch == channel {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("channel %s never subscribed", channel)
}
