// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package ratelimit implements distributed sliding-window rate limiting on
// shared cache counters, with a request variant (headers, post-handler
// accounting) and a stream variant (connection caps, per-message windows).
//
// The window estimate interpolates between two minute-resolution counters:
// estimated = floor(C + P*(1-fraction)) where C is the current bucket, P
// the previous one and fraction the position inside the current window.
package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
)

// DefaultNamespace prefixes all limiter keys unless overridden.
const DefaultNamespace = "rate_limit"

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	Window     time.Duration
	RetryAfter time.Duration

	// Degraded marks a fail-open decision taken while the cache was
	// unreachable.
	Degraded bool
}

// Config configures a request-protocol limiter.
type Config struct {
	// Namespace prefixes all keys. Default: "rate_limit".
	Namespace string

	// Window is the sliding window span. Default: 60s.
	Window time.Duration

	// Limit is the allowed count per window.
	Limit int

	// SkipSuccessful / SkipFailed defer counting to Observe, which runs
	// after the handler and knows the response status.
	SkipSuccessful bool
	SkipFailed     bool

	// StandardHeaders enables the X-RateLimit-* response headers.
	StandardHeaders bool
}

// Limiter is a distributed sliding-window limiter over cache counters.
// When the cache is unreachable it fails open behind a coarse local
// limiter so a cache outage cannot become an unbounded floodgate.
type Limiter struct {
	cfg    Config
	client redis.UniversalClient
	local  *rate.Limiter
	logger zerolog.Logger
	nowFn  func() time.Time
}

// New creates a request-protocol limiter.
func New(cfg Config, client redis.UniversalClient) *Limiter {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		cfg:    cfg,
		client: client,
		local:  rate.NewLimiter(rate.Limit(float64(cfg.Limit)/cfg.Window.Seconds()), cfg.Limit),
		logger: logging.With().Str("component", "rate_limiter").Logger(),
		nowFn:  time.Now,
	}
}

// Allow checks the bucket against the sliding window. Unless counting is
// deferred (skip flags set), an allowed request is counted immediately.
func (l *Limiter) Allow(ctx context.Context, bucket string) *Decision {
	d := l.check(ctx, bucket, "request")
	if d.Allowed && !d.Degraded && !l.deferredCounting() {
		l.count(ctx, bucket)
	}
	return d
}

// Observe records the request after the handler ran, honoring the
// skip-successful / skip-failed policy. Only meaningful when counting is
// deferred.
func (l *Limiter) Observe(ctx context.Context, bucket string, statusCode int) {
	if !l.deferredCounting() {
		return
	}
	success := statusCode < 400
	if success && l.cfg.SkipSuccessful {
		return
	}
	if !success && l.cfg.SkipFailed {
		return
	}
	l.count(ctx, bucket)
}

// SetHeaders writes the standard rate limit headers for the decision.
func (l *Limiter) SetHeaders(w http.ResponseWriter, d *Decision) {
	if !l.cfg.StandardHeaders {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	h.Set("X-RateLimit-Window", strconv.Itoa(int(d.Window.Seconds())))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}

func (l *Limiter) deferredCounting() bool {
	return l.cfg.SkipSuccessful || l.cfg.SkipFailed
}

// check computes the window estimate without mutating counters.
func (l *Limiter) check(ctx context.Context, bucket, protocol string) *Decision {
	now := l.nowFn()
	windowMillis := l.cfg.Window.Milliseconds()
	idx := now.UnixMilli() / windowMillis

	cur := l.bucketKey(bucket, idx)
	prev := l.bucketKey(bucket, idx-1)

	vals, err := l.client.MGet(ctx, cur, prev).Result()
	if err != nil {
		return l.failOpen(ctx, protocol, now)
	}

	c := counterValue(vals[0])
	p := counterValue(vals[1])
	fraction := float64(now.UnixMilli()%windowMillis) / float64(windowMillis)
	estimated := int(math.Floor(float64(c) + float64(p)*(1-fraction)))

	boundary := time.UnixMilli((idx + 1) * windowMillis)
	d := &Decision{
		Limit:  l.cfg.Limit,
		Window: l.cfg.Window,
		Reset:  boundary,
	}
	if estimated >= l.cfg.Limit {
		d.Allowed = false
		d.Remaining = 0
		d.RetryAfter = boundary.Sub(now)
		metrics.RateLimitDecisions.WithLabelValues(protocol, "denied").Inc()
		return d
	}
	d.Allowed = true
	d.Remaining = l.cfg.Limit - estimated - 1
	metrics.RateLimitDecisions.WithLabelValues(protocol, "allowed").Inc()
	return d
}

// count increments the current bucket atomically with its expiry. The
// expiry covers two windows so the previous bucket survives long enough
// to be interpolated.
func (l *Limiter) count(ctx context.Context, bucket string) {
	now := l.nowFn()
	windowMillis := l.cfg.Window.Milliseconds()
	idx := now.UnixMilli() / windowMillis
	key := l.bucketKey(bucket, idx)
	ttl := time.Duration(int64(math.Ceil(float64(windowMillis)/1000))*2) * time.Second

	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		l.logger.Debug().Err(err).Msg("rate limit counter update failed")
	}
}

// failOpen allows the request through a local guard while the cache is
// down.
func (l *Limiter) failOpen(ctx context.Context, protocol string, now time.Time) *Decision {
	metrics.RateLimitDecisions.WithLabelValues(protocol, "degraded").Inc()
	d := &Decision{
		Limit:    l.cfg.Limit,
		Window:   l.cfg.Window,
		Reset:    now.Add(l.cfg.Window),
		Degraded: true,
	}
	if !l.local.Allow() {
		d.Allowed = false
		d.RetryAfter = l.cfg.Window
		metrics.RateLimitDecisions.WithLabelValues(protocol, "denied").Inc()
		return d
	}
	d.Allowed = true
	d.Remaining = l.cfg.Limit
	return d
}

func (l *Limiter) bucketKey(bucket string, idx int64) string {
	return l.cfg.Namespace + ":" + bucket + ":" + strconv.FormatInt(idx, 10)
}

func counterValue(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Bucket key strategies.

// BucketIP keys the limit by caller address.
func BucketIP(ip string) string { return "ip:" + ip }

// BucketUser keys the limit by authenticated user.
func BucketUser(userID string) string { return "user:" + userID }

// BucketAPIKey keys the limit by API key id.
func BucketAPIKey(keyID string) string { return "apikey:" + keyID }

// ClientIP extracts the caller address: the first X-Forwarded-For hop
// when present, otherwise the connection peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
