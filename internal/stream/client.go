// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package stream bridges broker channels to WebSocket clients. Six routers
// share one skeleton: a client set behind a lock, a lazily spawned broker
// subscriber, per-client filter state, and snapshot-then-send broadcast.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/metrics"
	"github.com/mindex-io/mindex/internal/pubsub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	defaultQueueSize = 256
)

var clientIDCounter atomic.Uint64

// controlMessage is the envelope clients send upstream: ping, or a filter
// adjustment.
type controlMessage struct {
	Type       string   `json:"type"`
	Types      []string `json:"types,omitempty"`
	Severities []string `json:"severities,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Cells      []string `json:"cells,omitempty"`
	TimeFrom   string   `json:"time_from,omitempty"`
	Category   string   `json:"category,omitempty"`
}

// clientOwner is the router-side contract a client reports to.
type clientOwner interface {
	removeClient(*Client)
	handleControl(*Client, controlMessage)
	routerName() string
}

// Client is one WebSocket connection with its filter state. Filter fields
// are guarded by mu; the send queue decouples broadcast from socket writes.
type Client struct {
	id     uint64
	owner  clientOwner
	conn   *websocket.Conn
	send   chan []byte
	binary bool

	// dropNewest selects the overflow policy: drop the incoming message
	// instead of disconnecting the client.
	dropNewest bool

	closeOnce sync.Once

	mu       sync.Mutex
	deviceID string
	filter   filterState
	subs     []*pubsub.Subscription
}

func newClient(owner clientOwner, conn *websocket.Conn, queueSize int, binary, dropNewest bool) *Client {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Client{
		id:         clientIDCounter.Add(1),
		owner:      owner,
		conn:       conn,
		send:       make(chan []byte, queueSize),
		binary:     binary,
		dropNewest: dropNewest,
	}
}

// enqueue places a payload on the client's queue. It reports false when the
// client should be disconnected (queue full under the disconnect policy, or
// already closed).
func (c *Client) enqueue(payload []byte) bool {
	defer func() {
		// Losing the race with close() is fine; the client is going away.
		recover()
	}()

	select {
	case c.send <- payload:
		metrics.StreamMessagesSent.WithLabelValues(c.owner.routerName()).Inc()
		return true
	default:
		metrics.StreamMessagesDropped.WithLabelValues(c.owner.routerName(), "overflow").Inc()
		return c.dropNewest
	}
}

// sendJSON marshals and enqueues a control-plane message, best effort.
func (c *Client) sendJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump consumes client frames until the socket dies, answering pings
// and routing filter updates to the owner.
func (c *Client) readPump() {
	defer func() {
		c.owner.removeClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Debug().Uint64("client", c.id).Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			continue
		}

		switch ctrl.Type {
		case "ping":
			c.sendJSON(map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		case "set_filter", "subscribe":
			c.owner.handleControl(c, ctrl)
		}
	}
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with protocol pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	frameType := websocket.TextMessage
	if c.binary {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(frameType, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
