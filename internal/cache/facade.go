// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package cache provides a thin typed facade over the shared Redis tier:
// get/set with mandatory TTLs, invalidation, prefix invalidation for
// maintenance jobs, and publish/subscribe for cross-node events.
//
// Values are serialized as JSON; callers own their schemas. Subscriptions
// run on a dedicated backend connection so they never block command
// traffic.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
)

// Facade errors.
var (
	// ErrTTLRequired is returned by Set when no positive TTL is supplied.
	ErrTTLRequired = errors.New("cache set requires a positive TTL")

	// ErrUnavailable wraps backend connectivity failures.
	ErrUnavailable = errors.New("cache unavailable")
)

// Facade wraps a Redis client with typed helpers and metrics.
type Facade struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// New creates a cache facade over the given client.
func New(client redis.UniversalClient) *Facade {
	return &Facade{
		client: client,
		logger: logging.With().Str("component", "cache").Logger(),
	}
}

// Get loads the value at key into dest (JSON). Returns (false, nil) on a
// miss, (false, err) on a backend failure.
func (f *Facade) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := f.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues(namespaceOf(key)).Inc()
		return false, nil
	}
	if err != nil {
		metrics.CacheErrors.WithLabelValues("get").Inc()
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		// A corrupt entry is treated as a miss so callers recompute.
		f.logger.Warn().Str("key_ns", namespaceOf(key)).Err(err).Msg("corrupt cache entry, treating as miss")
		metrics.CacheMisses.WithLabelValues(namespaceOf(key)).Inc()
		return false, nil
	}
	metrics.CacheHits.WithLabelValues(namespaceOf(key)).Inc()
	return true, nil
}

// GetString loads a raw string value. Miss semantics mirror Get.
func (f *Facade) GetString(ctx context.Context, key string) (string, bool, error) {
	raw, err := f.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues(namespaceOf(key)).Inc()
		return "", false, nil
	}
	if err != nil {
		metrics.CacheErrors.WithLabelValues("get").Inc()
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.CacheHits.WithLabelValues(namespaceOf(key)).Inc()
	return raw, true, nil
}

// Set stores value (JSON) at key. A positive TTL is mandatory.
func (f *Facade) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrTTLRequired
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := f.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetString stores a raw string value. A positive TTL is mandatory.
func (f *Facade) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrTTLRequired
	}
	if err := f.client.Set(ctx, key, value, ttl).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Invalidate deletes the given keys.
func (f *Facade) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := f.client.Del(ctx, keys...).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("del").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// InvalidatePrefix removes every key under the prefix using SCAN.
// Maintenance use only: hot paths must invalidate exact keys or react to
// pub/sub events instead of walking the keyspace.
func (f *Facade) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	var deleted int
	iter := f.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := f.client.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return deleted, nil
}

// Publish serializes payload as JSON and publishes it on channel.
func (f *Facade) Publish(ctx context.Context, channel string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if err := f.client.Publish(ctx, channel, raw).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("publish").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Handler consumes one pub/sub message payload.
type Handler func(channel string, payload []byte)

// Subscription is a running pub/sub consumer.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Close terminates the subscription and waits for the receive loop to exit.
func (s *Subscription) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Subscribe starts consuming the given channels on a dedicated connection.
// The handler runs on the subscription goroutine; it must not block for
// long or it will delay subsequent events.
func (f *Facade) Subscribe(ctx context.Context, handler Handler, channels ...string) (*Subscription, error) {
	// go-redis allocates a dedicated connection per PubSub, keeping
	// subscription traffic off the command pool.
	pubsub := f.client.Subscribe(ctx, channels...)

	// Force the subscription onto the wire before returning so callers can
	// rely on not missing events published after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		metrics.CacheErrors.WithLabelValues("subscribe").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			}
		}
	}()
	return sub, nil
}

// Ping verifies backend connectivity.
func (f *Facade) Ping(ctx context.Context) error {
	if err := f.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Client exposes the underlying client for components that need atomic
// pipelines (the rate limiter).
func (f *Facade) Client() redis.UniversalClient {
	return f.client
}

// namespaceOf extracts the metric namespace from a key ("jwt:abc" -> "jwt").
func namespaceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}
