// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package pubsub

import "context"

// PublishDeviceTelemetry sends one device reading on the telemetry channel.
func (h *Hub) PublishDeviceTelemetry(ctx context.Context, deviceID string, data map[string]interface{}) error {
	return h.Publish(ctx, ChannelDeviceTelemetry, withKey(data, "device_id", deviceID), "telemetry")
}

// PublishAgentStatus sends an agent status change.
func (h *Hub) PublishAgentStatus(ctx context.Context, agentID string, status map[string]interface{}) error {
	return h.Publish(ctx, ChannelAgentStatus, withKey(status, "agent_id", agentID), "agents")
}

// PublishExperimentData sends a batch of experiment samples.
func (h *Hub) PublishExperimentData(ctx context.Context, experimentID string, data map[string]interface{}) error {
	return h.Publish(ctx, ChannelExperimentsData, withKey(data, "experiment_id", experimentID), "experiments")
}

// PublishCREPUpdate sends a common relevant entity picture update.
func (h *Hub) PublishCREPUpdate(ctx context.Context, category string, data map[string]interface{}) error {
	return h.Publish(ctx, ChannelCREPLive, withKey(data, "category", category), "crep")
}

// withKey copies data and injects the identifying key without mutating the
// caller's map.
func withKey(data map[string]interface{}, key, value string) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[key] = value
	return out
}
