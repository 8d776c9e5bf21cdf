// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package metrics provides Prometheus instrumentation for the
// authentication core: token validation, sessions, RBAC decisions,
// rate limiting, the middleware chain and stream connections.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Token Metrics
	TokenValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_token_validations_total",
			Help: "Total token validations by kind and result",
		},
		[]string{"kind", "result"}, // kind: jwt|introspection, result: valid|invalid|error
	)

	TokenValidationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatewarden_token_validation_duration_seconds",
			Help:    "Duration of token validations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_token_refreshes_total",
			Help: "Total refresh-token exchanges by result",
		},
		[]string{"result"}, // refreshed|failed|expired
	)

	JWKSRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_jwks_refreshes_total",
			Help: "Total JWKS cache refreshes by result",
		},
		[]string{"result"},
	)

	// Cache Metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_cache_hits_total",
			Help: "Cache hits by key namespace",
		},
		[]string{"namespace"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_cache_misses_total",
			Help: "Cache misses by key namespace",
		},
		[]string{"namespace"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_cache_errors_total",
			Help: "Cache backend errors by operation",
		},
		[]string{"operation"},
	)

	// Session Metrics
	SessionOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_session_operations_total",
			Help: "Session lifecycle operations by type and result",
		},
		[]string{"operation", "result"}, // create|validate|rotate|destroy
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatewarden_active_sessions",
			Help: "Currently active sessions (best-effort local counter)",
		},
	)

	SessionSyncEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_session_sync_events_total",
			Help: "Cross-protocol session sync events by channel",
		},
		[]string{"channel"},
	)

	// RBAC Metrics
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_permission_checks_total",
			Help: "RBAC permission checks by result",
		},
		[]string{"result"}, // allowed|denied|error
	)

	RoleExpansionCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatewarden_role_expansion_cycles_total",
			Help: "Cycles detected during role hierarchy expansion",
		},
	)

	// Rate Limiter Metrics
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_rate_limit_decisions_total",
			Help: "Rate limiter decisions by protocol and outcome",
		},
		[]string{"protocol", "outcome"}, // request|stream, allowed|denied|degraded
	)

	// Middleware Chain Metrics
	MiddlewareExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_middleware_executions_total",
			Help: "Middleware executions by name and result",
		},
		[]string{"middleware", "result"}, // ok|error|skipped|bypassed
	)

	MiddlewareBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_middleware_breaker_transitions_total",
			Help: "Circuit breaker state transitions by middleware",
		},
		[]string{"middleware", "from", "to"},
	)

	MiddlewareRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_middleware_retries_total",
			Help: "Middleware retry attempts by name",
		},
		[]string{"middleware"},
	)

	// Stream Metrics
	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatewarden_stream_connections",
			Help: "Currently registered stream connections",
		},
	)

	StreamMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_stream_messages_dropped_total",
			Help: "Stream messages dropped by reason",
		},
		[]string{"reason"}, // auth|rate_limit
	)

	// IdP Metrics
	IdPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_idp_requests_total",
			Help: "Outbound IdP requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	IdPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatewarden_idp_request_duration_seconds",
			Help:    "Duration of outbound IdP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// API Key Metrics
	APIKeyValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_api_key_validations_total",
			Help: "API key validations by result",
		},
		[]string{"result"}, // valid|invalid|expired|revoked
	)
)

// ObserveTokenValidation records one validation with its duration.
func ObserveTokenValidation(kind, result string, start time.Time) {
	TokenValidations.WithLabelValues(kind, result).Inc()
	TokenValidationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// ObserveIdPRequest records one outbound IdP call with its duration.
func ObserveIdPRequest(endpoint, result string, start time.Time) {
	IdPRequests.WithLabelValues(endpoint, result).Inc()
	IdPRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
