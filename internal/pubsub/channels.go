// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package pubsub

// Well-known broker channels. Entity channels are dynamic and derived with
// EntityChannel; everything else is a fixed name.
const (
	ChannelDeviceTelemetry    = "devices:telemetry"
	ChannelAgentStatus        = "agents:status"
	ChannelExperimentsData    = "experiments:data"
	ChannelCREPLive           = "crep:live"
	ChannelMemoryUpdates      = "memory:updates"
	ChannelWebsocketBroadcast = "websocket:broadcast"
	ChannelSystemAlerts       = "system:alerts"
	ChannelEntitiesLifecycle  = "entities:lifecycle"

	ChannelSecurityIncidents = "security:incidents"
	ChannelSecurityAlerts    = "security:alerts"
	ChannelSecurityIDS       = "security:ids"
	ChannelSecurityThreats   = "security:threats"
)

// EntityChannel returns the spatially sharded channel for a cell key.
func EntityChannel(cell string) string {
	return "entities:" + cell
}

// SecurityChannels lists the four security event channels.
func SecurityChannels() []string {
	return []string{
		ChannelSecurityIncidents,
		ChannelSecurityAlerts,
		ChannelSecurityIDS,
		ChannelSecurityThreats,
	}
}
