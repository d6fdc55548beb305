// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package pubsub implements the reconnecting broker hub that fans incoming
// messages out to per-channel handler sets.
//
// Delivery is at-most-once: a reconnection may drop messages published while
// the hub was disconnected, and delivered messages are never retried. Within
// a single channel, handlers observe broker arrival order; no ordering holds
// across channels or across reconnections.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/metrics"
)

// ErrNotConnected is returned by operations requiring an open connection.
var ErrNotConnected = errors.New("pubsub: not connected")

// Handler consumes one decoded message. Handlers run on the listener
// goroutine; a handler must not block indefinitely.
type Handler func(*Message)

// Subscription identifies one registered handler for removal.
type Subscription struct {
	id      uint64
	channel string
	handler Handler
}

// Channel returns the channel this subscription is registered on.
func (s *Subscription) Channel() string {
	return s.channel
}

// Config tunes the hub's connection and reconnection behavior.
type Config struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// DefaultConfig returns the production reconnection bounds.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       2 * time.Second,
	}
}

// Stats is a snapshot of hub counters for status endpoints.
type Stats struct {
	Published     int64    `json:"published"`
	Received      int64    `json:"received"`
	Reconnects    int64    `json:"reconnects"`
	Healthy       bool     `json:"healthy"`
	Subscriptions []string `json:"subscriptions"`
}

// Hub is the reconnecting pub/sub client. One background listener consumes
// broker messages and dispatches them to the channel's handler set; handler
// panics are isolated and never stop the listener.
type Hub struct {
	cfg  Config
	conn BrokerConn

	mu        sync.Mutex
	subs      map[string][]*Subscription
	sub       SubscriberConn
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	nextSubID  atomic.Uint64
	healthy    atomic.Bool
	published  atomic.Int64
	received   atomic.Int64
	reconnects atomic.Int64
}

// NewHub creates a hub over the given broker connection.
func NewHub(conn BrokerConn, cfg Config) *Hub {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Hub{
		cfg:  cfg,
		conn: conn,
		subs: make(map[string][]*Subscription),
	}
}

// Connect verifies broker connectivity and starts the background listener.
func (h *Hub) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connected {
		return nil
	}

	if err := h.conn.Ping(ctx); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}

	// Re-subscribe channels registered before Connect (or from a prior run).
	h.sub = h.conn.Subscribe(ctx, h.channelListLocked()...)

	listenCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.connected = true
	h.healthy.Store(true)

	h.wg.Add(1)
	go h.listen(listenCtx)

	logging.Info().Msg("pubsub hub connected")
	return nil
}

// Disconnect stops the listener and closes the broker connection. Idempotent.
func (h *Hub) Disconnect() error {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return nil
	}
	h.connected = false
	h.healthy.Store(false)
	cancel := h.cancel
	sub := h.sub
	h.mu.Unlock()

	cancel()
	if sub != nil {
		_ = sub.Close()
	}
	h.wg.Wait()

	err := h.conn.Close()
	logging.Info().Msg("pubsub hub disconnected")
	return err
}

// Subscribe registers a handler on a channel. The first handler for a
// channel also subscribes the underlying broker connection.
func (h *Hub) Subscribe(ctx context.Context, channel string, handler Handler) (*Subscription, error) {
	sub := &Subscription{
		id:      h.nextSubID.Add(1),
		channel: channel,
		handler: handler,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	first := len(h.subs[channel]) == 0
	h.subs[channel] = append(h.subs[channel], sub)

	if first && h.connected {
		if err := h.sub.Subscribe(ctx, channel); err != nil {
			h.subs[channel] = h.subs[channel][:len(h.subs[channel])-1]
			return nil, fmt.Errorf("broker subscribe %s: %w", channel, err)
		}
	}

	return sub, nil
}

// Unsubscribe removes one handler. When the channel's handler set empties,
// the broker subscription is dropped too.
func (h *Hub) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	handlers := h.subs[sub.channel]
	for i, s := range handlers {
		if s.id == sub.id {
			h.subs[sub.channel] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}

	return h.dropChannelIfEmptyLocked(ctx, sub.channel)
}

// UnsubscribeChannel removes every handler on a channel.
func (h *Hub) UnsubscribeChannel(ctx context.Context, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[channel] = nil
	return h.dropChannelIfEmptyLocked(ctx, channel)
}

// dropChannelIfEmptyLocked unsubscribes the broker side once no handlers
// remain. Must be called with mu held.
func (h *Hub) dropChannelIfEmptyLocked(ctx context.Context, channel string) error {
	if len(h.subs[channel]) > 0 {
		return nil
	}
	delete(h.subs, channel)

	if !h.connected {
		return nil
	}
	if err := h.sub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("broker unsubscribe %s: %w", channel, err)
	}
	return nil
}

// Publish wraps data in a Message envelope and sends it on the channel.
// There is no retry; callers may re-publish on error.
func (h *Hub) Publish(ctx context.Context, channel string, data interface{}, source string) error {
	h.mu.Lock()
	connected := h.connected
	h.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	payload, err := json.Marshal(newMessage(channel, data, source))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := h.conn.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}

	h.published.Add(1)
	metrics.PubSubPublished.WithLabelValues(channel).Inc()
	return nil
}

// GetSubscriptions returns the sorted list of channels with registered
// handlers.
func (h *Hub) GetSubscriptions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channelListLocked()
}

func (h *Hub) channelListLocked() []string {
	channels := make([]string, 0, len(h.subs))
	for ch, handlers := range h.subs {
		if len(handlers) > 0 {
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)
	return channels
}

// Healthy reports whether the listener is connected (or has successfully
// reconnected). It turns false permanently once reconnection attempts are
// exhausted, until the next Connect.
func (h *Hub) Healthy() bool {
	return h.healthy.Load()
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Published:     h.published.Load(),
		Received:      h.received.Load(),
		Reconnects:    h.reconnects.Load(),
		Healthy:       h.healthy.Load(),
		Subscriptions: h.GetSubscriptions(),
	}
}

// listen consumes broker messages until the context is canceled or the
// reconnect budget is exhausted.
func (h *Hub) listen(ctx context.Context) {
	defer h.wg.Done()

	for {
		h.mu.Lock()
		sub := h.sub
		h.mu.Unlock()

		channel, payload, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn().Err(err).Msg("pubsub listener lost connection")
			if !h.reconnect(ctx) {
				h.healthy.Store(false)
				logging.Error().
					Int("attempts", h.cfg.MaxReconnectAttempts).
					Msg("pubsub reconnect attempts exhausted, listener stopped")
				return
			}
			continue
		}

		h.dispatch(channel, payload)
	}
}

// reconnect rebuilds the broker subscription with linear backoff
// (delay * attempt). All channels in the subscription table are restored;
// handlers are preserved untouched.
func (h *Hub) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= h.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.cfg.ReconnectDelay * time.Duration(attempt)):
		}

		if err := h.conn.Ping(ctx); err != nil {
			logging.Warn().Err(err).Int("attempt", attempt).Msg("pubsub reconnect ping failed")
			continue
		}

		h.mu.Lock()
		channels := h.channelListLocked()
		old := h.sub
		h.sub = h.conn.Subscribe(ctx, channels...)
		h.mu.Unlock()

		if old != nil {
			_ = old.Close()
		}

		h.reconnects.Add(1)
		h.healthy.Store(true)
		metrics.PubSubReconnects.Inc()
		logging.Info().
			Int("attempt", attempt).
			Strs("channels", channels).
			Msg("pubsub reconnected, channels restored")
		return true
	}
	return false
}

// dispatch decodes a payload and invokes every handler registered on the
// channel. Each handler runs in an isolated recover scope so one failure
// cannot affect siblings or stop the listener.
func (h *Hub) dispatch(channel string, payload []byte) {
	msg := decodeMessage(channel, payload)

	h.mu.Lock()
	handlers := make([]*Subscription, len(h.subs[channel]))
	copy(handlers, h.subs[channel])
	h.mu.Unlock()

	for _, sub := range handlers {
		h.invoke(sub, msg)
	}

	h.received.Add(1)
	metrics.PubSubReceived.WithLabelValues(channel).Inc()
}

func (h *Hub) invoke(sub *Subscription, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PubSubCallbackErrors.WithLabelValues(sub.channel).Inc()
			logging.Error().
				Str("channel", sub.channel).
				Interface("panic", r).
				Msg("pubsub handler panicked")
		}
	}()
	sub.handler(msg)
}
