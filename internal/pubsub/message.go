// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package pubsub

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Message is the envelope every hub publish wraps its payload in.
type Message struct {
	Channel   string      `json:"channel"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	Source    string      `json:"source,omitempty"`
	MessageID string      `json:"message_id"`
}

// newMessage builds an envelope with a fresh message id and ISO-8601 timestamp.
func newMessage(channel string, data interface{}, source string) *Message {
	return &Message{
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    source,
		MessageID: uuid.NewString(),
	}
}

// decodeMessage parses a broker payload. Payloads published by foreign
// producers that are not hub envelopes are wrapped so subscribers always
// see a Message.
func decodeMessage(channel string, payload []byte) *Message {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err == nil && msg.MessageID != "" {
		msg.Channel = channel
		return &msg
	}

	var data interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		data = string(payload)
	}
	return &Message{
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.NewString(),
	}
}
