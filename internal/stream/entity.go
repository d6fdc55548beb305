// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package stream

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/pubsub"
)

// entityQueueSize absorbs bursts from busy cells; overflow drops the newest
// message rather than blocking the listener or disconnecting the client.
const entityQueueSize = 512

// NewEntityRouter streams unified entities to clients subscribed by S2
// cell. Unlike the other routers, broker subscriptions are per client:
// each client picks its own cell channels, or falls back to the lifecycle
// and CREP channels. Payloads go out as binary frames.
func NewEntityRouter(hub *pubsub.Hub) *Router {
	r := newRouter("entity", hub, nil)
	r.queueSize = entityQueueSize
	r.binary = true
	r.dropNewest = true

	r.onControl = func(c *Client, ctrl controlMessage) {
		c.mu.Lock()
		cellsChanged := len(ctrl.Cells) > 0
		if cellsChanged {
			c.filter.cells = append([]string(nil), ctrl.Cells...)
		}
		applyTypeTimeLocked(c, ctrl)
		hasSubs := len(c.subs) > 0
		c.mu.Unlock()

		// Changing cells mid-session rebinds the broker subscriptions.
		if cellsChanged && hasSubs {
			r.resubscribeEntityClient(c)
		}
	}

	r.onConnected = func(c *Client) {
		r.subscribeEntityClient(c)
	}

	return r
}

// entityChannels maps a client's cell list onto broker channels, falling
// back to the global feeds when no cells are given.
func entityChannels(cells []string) []string {
	if len(cells) == 0 {
		return []string{pubsub.ChannelEntitiesLifecycle, pubsub.ChannelCREPLive}
	}
	channels := make([]string, 0, len(cells))
	for _, cell := range cells {
		channels = append(channels, pubsub.EntityChannel(cell))
	}
	return channels
}

func (r *Router) subscribeEntityClient(c *Client) {
	c.mu.Lock()
	cells := append([]string(nil), c.filter.cells...)
	c.mu.Unlock()

	handler := func(msg *pubsub.Message) {
		c.mu.Lock()
		ok := c.filter.matchType(msg) && c.filter.matchTime(msg)
		c.mu.Unlock()
		if !ok {
			return
		}
		payload, err := json.Marshal(msg.Data)
		if err != nil {
			return
		}
		c.enqueue(payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var subs []*pubsub.Subscription
	for _, channel := range entityChannels(cells) {
		sub, err := r.hub.Subscribe(ctx, channel, handler)
		if err != nil {
			logging.Error().Str("channel", channel).Err(err).Msg("entity subscribe failed")
			continue
		}
		subs = append(subs, sub)
	}

	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()
}

func (r *Router) resubscribeEntityClient(c *Client) {
	c.mu.Lock()
	old := c.subs
	c.subs = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sub := range old {
		if err := r.hub.Unsubscribe(ctx, sub); err != nil {
			logging.Warn().Err(err).Msg("entity unsubscribe failed")
		}
	}

	r.subscribeEntityClient(c)
}
