// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package stream

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/metrics"
	"github.com/mindex-io/mindex/internal/pubsub"
	"github.com/mindex-io/mindex/internal/ring"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Streams carry no credentials and are consumed by dashboards on other
	// origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Status is one router's externally visible state.
type Status struct {
	Name     string   `json:"name"`
	Clients  int      `json:"clients"`
	Channels []string `json:"channels"`
}

// Router is the shared skeleton: a client set, a set of broker channels
// subscribed while at least one client is connected, and filtered fan-out.
// Variant behavior is injected through match and the connect hook.
type Router struct {
	name     string
	hub      *pubsub.Hub
	channels []string

	// match decides whether a broker message reaches a client. nil matches
	// everything.
	match func(*Client, *pubsub.Message) bool

	// onControl applies a filter update. nil ignores updates.
	onControl func(*Client, controlMessage)

	// onConnected customizes the connected envelope and may replay state.
	onConnected func(*Client)

	// replay, when set, records recent messages for replay on connect.
	replay *ring.Buffer[*pubsub.Message]

	queueSize  int
	binary     bool
	dropNewest bool

	mu      sync.Mutex
	clients map[*Client]struct{}
	subs    []*pubsub.Subscription
}

func newRouter(name string, hub *pubsub.Hub, channels []string) *Router {
	return &Router{
		name:     name,
		hub:      hub,
		channels: channels,
		clients:  make(map[*Client]struct{}),
	}
}

func (r *Router) routerName() string { return r.name }

// Status reports the router's name, client count and channels.
func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Name:     r.name,
		Clients:  len(r.clients),
		Channels: append([]string(nil), r.channels...),
	}
}

// ServeHTTP upgrades the request and runs the client until disconnect.
// Initial filters come from query parameters via the variant's control hook.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.Warn().Str("router", r.name).Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(r, conn, r.queueSize, r.binary, r.dropNewest)
	if r.onControl != nil {
		r.onControl(client, controlFromQuery(req))
	}
	r.addClient(req.Context(), client)

	go client.writePump()
	client.readPump()
}

// controlFromQuery maps query parameters onto the control envelope so
// initial filters share the set_filter path.
func controlFromQuery(req *http.Request) controlMessage {
	q := req.URL.Query()
	return controlMessage{
		Type:       "set_filter",
		Types:      splitParam(q.Get("types")),
		Severities: splitParam(q.Get("severities")),
		EventTypes: splitParam(q.Get("event_types")),
		Cells:      splitParam(q.Get("cells")),
		TimeFrom:   q.Get("time_from"),
		Category:   q.Get("category"),
	}
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// addClient registers a client and spawns the broker subscriber on the
// first connection. The connected envelope and any replay happen after
// registration so the client cannot miss its own welcome.
func (r *Router) addClient(ctx context.Context, c *Client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	count := len(r.clients)
	needSubscribe := count == 1 && len(r.subs) == 0 && len(r.channels) > 0
	r.mu.Unlock()

	metrics.StreamClients.WithLabelValues(r.name).Set(float64(count))

	if needSubscribe {
		r.spawnSubscriber(ctx)
	}

	c.mu.Lock()
	filters := c.filter.describe()
	c.mu.Unlock()
	c.sendJSON(map[string]interface{}{
		"type":      "connected",
		"stream":    r.name,
		"filters":   filters,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	if r.onConnected != nil {
		r.onConnected(c)
	}
}

// spawnSubscriber registers the broadcast handler on every router channel.
// Safe to call repeatedly; only the first call subscribes.
func (r *Router) spawnSubscriber(ctx context.Context) {
	r.mu.Lock()
	if len(r.subs) > 0 {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	var subs []*pubsub.Subscription
	for _, channel := range r.channels {
		sub, err := r.hub.Subscribe(ctx, channel, r.broadcast)
		if err != nil {
			logging.Error().Str("router", r.name).Str("channel", channel).Err(err).Msg("subscribe failed")
			continue
		}
		subs = append(subs, sub)
	}

	r.mu.Lock()
	r.subs = subs
	r.mu.Unlock()

	logging.Info().Str("router", r.name).Int("channels", len(subs)).Msg("stream subscriber started")
}

// broadcast serializes a broker message once and fans it out to matching
// clients. Clients that cannot accept the payload are removed.
func (r *Router) broadcast(msg *pubsub.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if r.replay != nil {
		r.replay.Append(msg)
	}

	r.mu.Lock()
	snapshot := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		if r.match != nil {
			c.mu.Lock()
			ok := r.match(c, msg)
			c.mu.Unlock()
			if !ok {
				continue
			}
		}
		if !c.enqueue(payload) {
			r.removeClient(c)
		}
	}
}

// removeClient drops a client; the last departure releases the broker
// subscriptions so an idle router costs nothing. Idempotent.
func (r *Router) removeClient(c *Client) {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c)
	count := len(r.clients)
	var subs []*pubsub.Subscription
	if count == 0 {
		subs = r.subs
		r.subs = nil
	}
	r.mu.Unlock()

	metrics.StreamClients.WithLabelValues(r.name).Set(float64(count))
	c.close()

	// Per-client broker subscriptions (entity router) go with the client.
	c.mu.Lock()
	clientSubs := c.subs
	c.subs = nil
	c.mu.Unlock()
	if len(clientSubs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, sub := range clientSubs {
			if err := r.hub.Unsubscribe(ctx, sub); err != nil {
				logging.Warn().Str("router", r.name).Err(err).Msg("client unsubscribe failed")
			}
		}
	}

	if len(subs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, sub := range subs {
			if err := r.hub.Unsubscribe(ctx, sub); err != nil {
				logging.Warn().Str("router", r.name).Err(err).Msg("unsubscribe failed")
			}
		}
		logging.Info().Str("router", r.name).Msg("stream subscriber stopped, no clients")
	}
}

// handleControl applies a filter update and acknowledges it.
func (r *Router) handleControl(c *Client, ctrl controlMessage) {
	if r.onControl == nil {
		return
	}
	r.onControl(c, ctrl)

	c.mu.Lock()
	filters := c.filter.describe()
	c.mu.Unlock()
	ack := "filter_updated"
	if ctrl.Type == "subscribe" {
		ack = "subscribed"
	}
	c.sendJSON(map[string]interface{}{
		"type":    ack,
		"stream":  r.name,
		"filters": filters,
	})
}
