// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package stream

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/pubsub"
	"github.com/mindex-io/mindex/internal/ring"
)

// securityReplaySize is how many recent security events a new client
// receives on connect.
const securityReplaySize = 10

// NewTopologyRouter streams agent status and system alerts to topology
// dashboards. Clients may narrow by payload type.
func NewTopologyRouter(hub *pubsub.Hub) *Router {
	r := newRouter("topology", hub, []string{
		pubsub.ChannelAgentStatus,
		pubsub.ChannelSystemAlerts,
		pubsub.ChannelWebsocketBroadcast,
	})
	r.match = func(c *Client, msg *pubsub.Message) bool {
		return c.filter.matchType(msg) && c.filter.matchTime(msg)
	}
	r.onControl = typeTimeControl
	return r
}

// NewCREPRouter streams the common relevant entity picture, optionally
// narrowed to one category.
func NewCREPRouter(hub *pubsub.Hub) *Router {
	r := newRouter("crep", hub, []string{pubsub.ChannelCREPLive})
	r.match = func(c *Client, msg *pubsub.Message) bool {
		return c.filter.matchCategory(msg) && c.filter.matchType(msg) && c.filter.matchTime(msg)
	}
	r.onControl = func(c *Client, ctrl controlMessage) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ctrl.Category != "" {
			c.filter.category = strings.ToLower(ctrl.Category)
		}
		applyTypeTimeLocked(c, ctrl)
	}
	return r
}

// NewScientificRouter streams experiment data.
func NewScientificRouter(hub *pubsub.Hub) *Router {
	r := newRouter("scientific", hub, []string{pubsub.ChannelExperimentsData})
	r.match = func(c *Client, msg *pubsub.Message) bool {
		return c.filter.matchType(msg) && c.filter.matchTime(msg)
	}
	r.onControl = typeTimeControl
	return r
}

// NewDevicesRouter streams telemetry for a single device per client. The
// device id comes from the URL path, set by the API layer before the pumps
// start.
func NewDevicesRouter(hub *pubsub.Hub) *Router {
	r := newRouter("devices", hub, []string{pubsub.ChannelDeviceTelemetry})
	r.match = func(c *Client, msg *pubsub.Message) bool {
		if c.deviceID == "" {
			return false
		}
		return payloadString(msg, "device_id") == c.deviceID
	}
	// The device binding is fixed at connect time; set_filter only adjusts
	// type and time bounds.
	r.onControl = typeTimeControl
	return r
}

// SetDeviceID binds a client to one device. Used by the API layer when
// routing /ws/devices/{device_id}.
func (c *Client) SetDeviceID(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

// ServeDevice upgrades a device-scoped connection. The device id comes
// from the URL path, so it is bound before the client joins the fan-out.
func (r *Router) ServeDevice(w http.ResponseWriter, req *http.Request, deviceID string) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.Warn().Str("router", r.name).Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(r, conn, r.queueSize, r.binary, r.dropNewest)
	client.SetDeviceID(deviceID)
	if r.onControl != nil {
		r.onControl(client, controlFromQuery(req))
	}
	r.addClient(req.Context(), client)

	go client.writePump()
	client.readPump()
}

// NewSecurityRouter streams the four security channels with severity and
// event-type filters, replaying the most recent events on connect.
func NewSecurityRouter(hub *pubsub.Hub) *Router {
	r := newRouter("security", hub, pubsub.SecurityChannels())
	r.replay = ring.New[*pubsub.Message](securityReplaySize)
	r.match = func(c *Client, msg *pubsub.Message) bool {
		return c.filter.matchSecurity(msg)
	}
	r.onControl = func(c *Client, ctrl controlMessage) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(ctrl.Severities) > 0 {
			c.filter.severities = validatedSet(ctrl.Severities, securitySeverities)
		}
		// The wire contract names the parameter "types"; "event_types" is
		// accepted as the explicit form.
		types := ctrl.EventTypes
		if len(types) == 0 {
			types = ctrl.Types
		}
		if len(types) > 0 {
			c.filter.eventTypes = validatedSet(types, securityEventTypes)
		}
	}
	r.onConnected = func(c *Client) {
		for _, msg := range r.replay.Snapshot() {
			c.mu.Lock()
			ok := r.match(c, msg)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if payload, err := json.Marshal(msg); err == nil {
				c.enqueue(payload)
			}
		}
	}
	return r
}

// typeTimeControl is the shared filter update for routers that support the
// allowed-type set and the time_from lower bound.
func typeTimeControl(c *Client, ctrl controlMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	applyTypeTimeLocked(c, ctrl)
}

func applyTypeTimeLocked(c *Client, ctrl controlMessage) {
	if len(ctrl.Types) > 0 {
		c.filter.types = toSet(ctrl.Types)
	}
	if ctrl.TimeFrom != "" {
		c.filter.timeFrom = parseTimeFrom(ctrl.TimeFrom)
	}
}
