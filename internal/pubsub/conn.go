// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package pubsub

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// BrokerConn abstracts the broker client so the hub's reconnect and
// dispatch logic can be exercised against any message source.
type BrokerConn interface {
	// Subscribe opens a subscription covering the given channels. An empty
	// channel list is valid; channels are added later via SubscriberConn.
	Subscribe(ctx context.Context, channels ...string) SubscriberConn
	// Publish sends a payload on a channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error
	// Close releases the client.
	Close() error
}

// SubscriberConn is one broker-side subscription carrying multiple channels.
type SubscriberConn interface {
	// ReceiveMessage blocks until a message arrives or the connection fails.
	ReceiveMessage(ctx context.Context) (channel string, payload []byte, err error)
	// Subscribe adds channels to the subscription.
	Subscribe(ctx context.Context, channels ...string) error
	// Unsubscribe removes channels from the subscription.
	Unsubscribe(ctx context.Context, channels ...string) error
	// Close terminates the subscription.
	Close() error
}

// redisConn adapts go-redis to BrokerConn.
type redisConn struct {
	client *redis.Client
}

// RedisConnConfig carries the broker dial parameters.
type RedisConnConfig struct {
	Addr                string
	DB                  int
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
}

// NewRedisConn dials a Redis-compatible broker with keepalive and a
// server-side health check interval.
func NewRedisConn(cfg RedisConnConfig) BrokerConn {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DB:              cfg.DB,
		DialTimeout:     cfg.ConnectTimeout,
		ConnMaxIdleTime: 0, // keepalive: never reap idle connections
	})

	return &redisConn{client: client}
}

func (c *redisConn) Subscribe(ctx context.Context, channels ...string) SubscriberConn {
	return &redisSubscriber{pubsub: c.client.Subscribe(ctx, channels...)}
}

func (c *redisConn) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisConn) Close() error {
	return c.client.Close()
}

// redisSubscriber adapts *redis.PubSub to SubscriberConn.
type redisSubscriber struct {
	pubsub *redis.PubSub
}

func (s *redisSubscriber) ReceiveMessage(ctx context.Context) (string, []byte, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return "", nil, err
	}
	return msg.Channel, []byte(msg.Payload), nil
}

func (s *redisSubscriber) Subscribe(ctx context.Context, channels ...string) error {
	return s.pubsub.Subscribe(ctx, channels...)
}

func (s *redisSubscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.pubsub.Unsubscribe(ctx, channels...)
}

func (s *redisSubscriber) Close() error {
	return s.pubsub.Close()
}
