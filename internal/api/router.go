// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package api exposes the HTTP surface of the gateway: authentication
// ceremonies, session and API key management, health, stats and the
// websocket entry point. Requests pass request-id tagging, the
// middleware chain, rate limiting and the auth interceptor before
// reaching a handler.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/gatewarden/internal/apikey"
	"github.com/tomtom215/gatewarden/internal/auth"
	"github.com/tomtom215/gatewarden/internal/authz"
	"github.com/tomtom215/gatewarden/internal/facade"
	"github.com/tomtom215/gatewarden/internal/interceptor"
	"github.com/tomtom215/gatewarden/internal/middleware"
	"github.com/tomtom215/gatewarden/internal/models"
	"github.com/tomtom215/gatewarden/internal/ratelimit"
	"github.com/tomtom215/gatewarden/internal/session"
	"github.com/tomtom215/gatewarden/internal/stream"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	// SessionCookie is the session cookie name. Default:
	// interceptor.DefaultSessionCookie.
	SessionCookie string

	// SecureCookies marks session cookies Secure. Enable everywhere TLS
	// terminates in front of the gateway.
	SecureCookies bool
}

// Router wires the protocol pipeline in front of the handlers.
type Router struct {
	cfg         RouterConfig
	facade      *facade.Facade
	interceptor *interceptor.AuthInterceptor
	streamAuth  *interceptor.StreamAuthInterceptor
	chain       *middleware.Chain
	limiter     *ratelimit.Limiter
	streams     *ratelimit.StreamLimiter
	keys        *apikey.Manager
	sessions    *session.Manager
	sync        *session.Synchronizer
	registry    *stream.Registry
	pkce        *auth.PKCEManager
	abilities   *authz.AbilityFactory
}

// Deps are the router's collaborators. Facade and Interceptor are
// required; nil optional collaborators disable their routes or pipeline
// stages.
type Deps struct {
	Facade       *facade.Facade
	Interceptor  *interceptor.AuthInterceptor
	StreamAuth   *interceptor.StreamAuthInterceptor
	Chain        *middleware.Chain
	Limiter      *ratelimit.Limiter
	Streams      *ratelimit.StreamLimiter
	Keys         *apikey.Manager
	Sessions     *session.Manager
	Synchronizer *session.Synchronizer
	Registry     *stream.Registry
	PKCE         *auth.PKCEManager
	Abilities    *authz.AbilityFactory
}

// NewRouter creates the router.
func NewRouter(cfg RouterConfig, deps Deps) *Router {
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = interceptor.DefaultSessionCookie
	}
	return &Router{
		cfg:         cfg,
		facade:      deps.Facade,
		interceptor: deps.Interceptor,
		streamAuth:  deps.StreamAuth,
		chain:       deps.Chain,
		limiter:     deps.Limiter,
		streams:     deps.Streams,
		keys:        deps.Keys,
		sessions:    deps.Sessions,
		sync:        deps.Synchronizer,
		registry:    deps.Registry,
		pkce:        deps.PKCE,
		abilities:   deps.Abilities,
	}
}

// Routes builds the chi handler tree.
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.countRequests)
	r.Use(rt.runChain)

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/", rt.Health)
		r.Get("/live", rt.HealthLive)
		r.Get("/ready", rt.HealthReady)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(rt.rateLimit)
		r.Post("/login", rt.Login)
		r.Post("/token", rt.ExchangeCode)
		r.Get("/pkce", rt.StartPKCE)
		r.Post("/logout", rt.Logout)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.rateLimit)
		r.Use(rt.interceptor.Middleware)

		r.Get("/sessions", rt.ListSessions)
		r.Post("/sessions/rotate", rt.RotateSession)
		r.Delete("/sessions/{sid}", rt.DestroySession)

		if rt.keys != nil {
			r.Route("/apikeys", func(r chi.Router) {
				r.Post("/", rt.CreateAPIKey)
				r.Get("/", rt.ListAPIKeys)
				r.Delete("/{id}", rt.RevokeAPIKey)
			})
		}

		if rt.abilities != nil {
			r.Get("/ability", rt.GetAbility)
		}

		r.Get("/stats", rt.GetStats)
		r.Get("/ws", rt.WebSocket)
	})

	return r
}

func (rt *Router) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.facade != nil {
			rt.facade.CountRequest()
		}
		next.ServeHTTP(w, r)
	})
}

// runChain executes the configured middleware chain around the handler.
func (rt *Router) runChain(next http.Handler) http.Handler {
	if rt.chain == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mctx := middleware.NewRequestCtx(w, r)
		err := rt.chain.Execute(mctx, func() error {
			next.ServeHTTP(w, r)
			return nil
		})
		if err != nil {
			writeError(w, r, models.ErrCodeInternal, "request pipeline failed")
		}
	})
}

func (rt *Router) rateLimit(next http.Handler) http.Handler {
	if rt.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket := ratelimit.BucketIP(ratelimit.ClientIP(r))
		d := rt.limiter.Allow(r.Context(), bucket)
		rt.limiter.SetHeaders(w, d)
		if !d.Allowed {
			retryAfter := int(d.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			writeErrorRetry(w, r, models.ErrCodeRateLimitExceeded, "rate limit exceeded", retryAfter)
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		rt.limiter.Observe(r.Context(), bucket, sw.status)
	})
}

// statusWriter captures the response status for post-handler accounting.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
