// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
)

const defaultConnectRetryAfter = 300 * time.Second

// connectionKeyTTL bounds counter lifetime so a crashed node cannot pin a
// bucket at its cap forever. Re-armed on every connect.
const connectionKeyTTL = 24 * time.Hour

// StreamConfig configures the stream-protocol limiter.
type StreamConfig struct {
	// Namespace prefixes all keys. Default: "rate_limit".
	Namespace string

	// MaxConnections caps concurrent stream connections per bucket;
	// 0 disables the cap.
	MaxConnections int

	// MaxMessagesPerMinute / MaxMessagesPerHour cap inbound messages per
	// bucket; 0 disables the respective window.
	MaxMessagesPerMinute int
	MaxMessagesPerHour   int

	// ConnectRetryAfter is reported when the connection cap rejects a
	// handshake. Default: 300s.
	ConnectRetryAfter time.Duration
}

// StreamLimiter enforces connection caps at handshake and message windows
// per inbound message.
type StreamLimiter struct {
	cfg    StreamConfig
	client redis.UniversalClient
	minute *Limiter
	hour   *Limiter
	logger zerolog.Logger
}

// NewStream creates a stream-protocol limiter.
func NewStream(cfg StreamConfig, client redis.UniversalClient) *StreamLimiter {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.ConnectRetryAfter == 0 {
		cfg.ConnectRetryAfter = defaultConnectRetryAfter
	}
	s := &StreamLimiter{
		cfg:    cfg,
		client: client,
		logger: logging.With().Str("component", "stream_rate_limiter").Logger(),
	}
	if cfg.MaxMessagesPerMinute > 0 {
		s.minute = New(Config{
			Namespace: cfg.Namespace + ":msg_min",
			Window:    time.Minute,
			Limit:     cfg.MaxMessagesPerMinute,
		}, client)
	}
	if cfg.MaxMessagesPerHour > 0 {
		s.hour = New(Config{
			Namespace: cfg.Namespace + ":msg_hour",
			Window:    time.Hour,
			Limit:     cfg.MaxMessagesPerHour,
		}, client)
	}
	return s
}

// OnConnect admits or rejects a handshake against the connection cap.
// The read and increment are not one atomic unit; a small overshoot under
// racing handshakes is accepted in exchange for avoiding a script.
func (s *StreamLimiter) OnConnect(ctx context.Context, bucket string) *Decision {
	if s.cfg.MaxConnections <= 0 {
		return &Decision{Allowed: true}
	}

	key := s.connectionKey(bucket)
	n, err := s.client.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		metrics.RateLimitDecisions.WithLabelValues("stream", "degraded").Inc()
		return &Decision{Allowed: true, Degraded: true}
	}

	if n >= int64(s.cfg.MaxConnections) {
		metrics.RateLimitDecisions.WithLabelValues("stream", "denied").Inc()
		return &Decision{
			Allowed:    false,
			Limit:      s.cfg.MaxConnections,
			RetryAfter: s.cfg.ConnectRetryAfter,
		}
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, connectionKeyTTL)
		return nil
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("connection counter update failed")
	}
	metrics.RateLimitDecisions.WithLabelValues("stream", "allowed").Inc()
	return &Decision{
		Allowed:   true,
		Limit:     s.cfg.MaxConnections,
		Remaining: s.cfg.MaxConnections - int(n) - 1,
	}
}

// OnMessage checks one inbound message against the minute and hour
// windows. The first denial wins.
func (s *StreamLimiter) OnMessage(ctx context.Context, bucket string) *Decision {
	if s.minute != nil {
		if d := s.minute.Allow(ctx, bucket); !d.Allowed {
			return d
		}
	}
	if s.hour != nil {
		if d := s.hour.Allow(ctx, bucket); !d.Allowed {
			return d
		}
	}
	return &Decision{Allowed: true}
}

// OnDisconnect releases one connection slot; the counter key is removed
// when it reaches zero.
func (s *StreamLimiter) OnDisconnect(ctx context.Context, bucket string) {
	if s.cfg.MaxConnections <= 0 {
		return
	}
	key := s.connectionKey(bucket)
	n, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		s.logger.Debug().Err(err).Msg("connection counter decrement failed")
		return
	}
	if n <= 0 {
		_ = s.client.Del(ctx, key).Err()
	}
}

// Connections reports the current counter value for a bucket.
func (s *StreamLimiter) Connections(ctx context.Context, bucket string) (int64, error) {
	n, err := s.client.Get(ctx, s.connectionKey(bucket)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *StreamLimiter) connectionKey(bucket string) string {
	return s.cfg.Namespace + ":" + bucket + ":connections"
}
