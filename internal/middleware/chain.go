// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package middleware implements the ordered middleware chain shared by the
// request and stream protocols: priority-sorted execution with
// short-circuiting, a per-middleware circuit breaker and optional retry
// for transient failures.
package middleware

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
)

const (
	breakerThreshold = 5
	breakerRecovery  = 60 * time.Second

	retryBase     = 100 * time.Millisecond
	retryFactor   = 2
	retryCap      = time.Second
	retryMaxTries = 3
)

// Exec is a middleware body. Calling next continues the chain; returning
// without calling it short-circuits.
type Exec func(ctx *Ctx, next func() error) error

// Middleware is one registered chain member.
type Middleware struct {
	Name     string
	Priority int // higher runs first
	Enabled  bool

	// SkipPaths are glob patterns (path.Match) checked against Ctx.Path;
	// a match passes through without invoking the middleware.
	SkipPaths []string

	// Retryable enables exponential-backoff retry for errors tagged
	// transient (see Transient).
	Retryable bool

	Execute Exec
}

type entry struct {
	mw      Middleware
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// Chain executes registered middlewares in priority order.
type Chain struct {
	name   string
	logger zerolog.Logger

	mu      sync.RWMutex
	entries []*entry
}

// NewChain creates a chain. The name labels metrics and logs
// ("request" or "stream").
func NewChain(name string) *Chain {
	return &Chain{
		name:   name,
		logger: logging.With().Str("component", "middleware_chain").Str("chain", name).Logger(),
	}
}

// Use registers a middleware and re-sorts the chain. A middleware with a
// duplicate name replaces the previous registration.
func (c *Chain) Use(mw Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{
		mw:      mw,
		breaker: c.newBreaker(mw.Name),
	}
	replaced := false
	for i, existing := range c.entries {
		if existing.mw.Name == mw.Name {
			c.entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		c.entries = append(c.entries, e)
	}
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].mw.Priority > c.entries[j].mw.Priority
	})
}

// Remove drops a middleware by name.
func (c *Chain) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.mw.Name == name {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Names lists registered middlewares in execution order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.mw.Name
	}
	return out
}

func (c *Chain) newBreaker(name string) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        c.name + "/" + name,
		MaxRequests: 1, // one half-open probe
		Timeout:     breakerRecovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metrics.MiddlewareBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			c.logger.Warn().
				Str("middleware", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("middleware breaker state change")
		},
	})
}

// Execute runs the chain for one unit of work. Middlewares that fail or
// short-circuit stop the traversal; disabled, skipped and broken (open
// breaker) middlewares are passed over. An optional terminal runs after
// the innermost middleware, so a short-circuit upstream suppresses it.
func (c *Chain) Execute(mctx *Ctx, terminal ...func() error) error {
	c.mu.RLock()
	entries := c.entries
	c.mu.RUnlock()

	if mctx.Context == nil {
		mctx.Context = context.Background()
	}

	var run func(i int) error
	run = func(i int) error {
		if i >= len(entries) {
			for _, t := range terminal {
				if err := t(); err != nil {
					return err
				}
			}
			return nil
		}
		e := entries[i]
		if !e.mw.Enabled || matchesAny(e.mw.SkipPaths, mctx.Path) {
			metrics.MiddlewareExecutions.WithLabelValues(e.mw.Name, "skipped").Inc()
			return run(i + 1)
		}
		return c.executeOne(e, mctx, func() error { return run(i + 1) })
	}
	return run(0)
}

// executeOne runs one middleware behind its breaker. A downstream failure
// is propagated but never counted against this middleware's breaker, and
// an open breaker bypasses the middleware rather than the whole chain.
func (c *Chain) executeOne(e *entry, mctx *Ctx, next func() error) error {
	var (
		downstream error
		nextCalled bool
		propagate  error
	)
	guardedNext := func() error {
		nextCalled = true
		if err := next(); err != nil {
			downstream = err
			return err
		}
		return nil
	}

	_, err := e.breaker.Execute(func() (struct{}, error) {
		err := c.invoke(e, mctx, guardedNext, &nextCalled)
		if err != nil && downstream != nil && errors.Is(err, downstream) {
			propagate = err
			return struct{}{}, nil
		}
		return struct{}{}, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.MiddlewareExecutions.WithLabelValues(e.mw.Name, "bypassed").Inc()
		return next()
	case err != nil:
		metrics.MiddlewareExecutions.WithLabelValues(e.mw.Name, "error").Inc()
		return err
	}
	metrics.MiddlewareExecutions.WithLabelValues(e.mw.Name, "ok").Inc()
	return propagate
}

// invoke runs the middleware body, retrying transient failures when the
// middleware opted in. Retries never re-run the rest of the chain: once
// next has been called, any failure is final.
func (c *Chain) invoke(e *entry, mctx *Ctx, next func() error, nextCalled *bool) error {
	if !e.mw.Retryable {
		return e.mw.Execute(mctx, next)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.Multiplier = retryFactor
	bo.MaxInterval = retryCap

	attempt := 0
	_, err := backoff.Retry(mctx.Context, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			metrics.MiddlewareRetries.WithLabelValues(e.mw.Name).Inc()
		}
		err := e.mw.Execute(mctx, next)
		if err == nil {
			return struct{}{}, nil
		}
		if *nextCalled || !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(retryMaxTries))
	return err
}

func matchesAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

// transientError tags an error as safe to retry.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable for chains with Retryable set.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the error carries the transient tag.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
