// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package facade is the composition root of the authentication core. It
// wires the IdP client, token and session layers behind a small surface:
// the authentication ceremonies, logout, admin wrappers, health and
// stats. Every collaborator arrives by constructor injection; the facade
// owns no business logic of its own beyond orchestration.
package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/gatewarden/internal/apikey"
	"github.com/tomtom215/gatewarden/internal/auth"
	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/crypto"
	"github.com/tomtom215/gatewarden/internal/idp"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/models"
	"github.com/tomtom215/gatewarden/internal/session"
)

const defaultStatsTTL = 5 * time.Second

// ErrInvalidVerifier rejects a malformed PKCE code verifier before it
// reaches the IdP.
var ErrInvalidVerifier = errors.New("invalid pkce code verifier format")

// SessionDB is the slice of the SQL store the facade needs for health
// and stats. Satisfied by session.SQLStore.
type SessionDB interface {
	Ping(ctx context.Context) error
	ActiveCount(ctx context.Context) (int, error)
}

// Config tunes the facade.
type Config struct {
	// StatsTTL bounds how often the stats snapshot is regenerated.
	// Default 5s.
	StatsTTL time.Duration
}

// Components are the collaborators the facade orchestrates. IdP,
// Sessions and Cache are required; the rest degrade to no-ops when nil.
type Components struct {
	IdP          *idp.Client
	JWKS         *auth.JWKSCache
	Tokens       *auth.TokenManager
	Refresh      *auth.RefreshTokenManager
	PKCE         *auth.PKCEManager
	Sessions     *session.Manager
	Synchronizer *session.Synchronizer
	Cache        *cache.Facade
	Encryptor    *crypto.Manager
	Keys         *apikey.Manager
	DB           SessionDB

	// CloseDB shuts the connection pool down during Cleanup.
	CloseDB func()
}

// Stats is the operational snapshot served by GetStats.
type Stats struct {
	ActiveSessions int           `json:"active_sessions"`
	Requests       int64         `json:"requests"`
	APIKeys        *apikey.Stats `json:"api_keys,omitempty"`
	Uptime         time.Duration `json:"uptime"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

// ComponentHealth is one dependency's probe outcome.
type ComponentHealth struct {
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Health aggregates dependency probes.
type Health struct {
	Healthy bool            `json:"healthy"`
	IdP     ComponentHealth `json:"idp"`
	Cache   ComponentHealth `json:"cache"`
	DB      ComponentHealth `json:"db"`
}

// LogoutOptions controls logout scope.
type LogoutOptions struct {
	// FromIdP ends the IdP-side session via the refresh token.
	FromIdP bool
	// AllSessions destroys every session of the user, not just the
	// presented one.
	AllSessions bool
}

// Facade is the top-level orchestrator. Safe for concurrent use.
type Facade struct {
	cfg    Config
	c      Components
	logger zerolog.Logger

	requests  atomic.Int64
	startedAt time.Time

	statsMu    sync.Mutex
	statsGroup singleflight.Group
	stats      *Stats
	statsAt    time.Time

	nowFn func() time.Time
}

// New creates the facade. Call Initialize before serving.
func New(cfg Config, components Components) *Facade {
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = defaultStatsTTL
	}
	return &Facade{
		cfg:       cfg,
		c:         components,
		logger:    logging.With().Str("component", "facade").Logger(),
		startedAt: time.Now(),
		nowFn:     time.Now,
	}
}

// Initialize loads the IdP discovery document, warms the JWKS cache,
// probes the cache and database and mounts the session sync
// subscriptions. An unreachable IdP or database is fatal; a cold JWKS or
// cache is not.
func (f *Facade) Initialize(ctx context.Context) error {
	disc, err := f.c.IdP.Discover(ctx)
	if err != nil {
		return fmt.Errorf("idp discovery: %w", err)
	}
	f.logger.Info().Str("issuer", disc.Issuer).Msg("idp discovery loaded")

	if f.c.JWKS != nil {
		if err := f.c.JWKS.Warm(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("jwks warm failed, keys will load lazily")
		}
	}

	if f.c.DB != nil {
		if err := f.c.DB.Ping(ctx); err != nil {
			return fmt.Errorf("session database: %w", err)
		}
	}

	if f.c.Cache != nil {
		if err := f.c.Cache.Ping(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("cache unreachable at startup, degrading open")
		}
	}

	if f.c.Synchronizer != nil {
		if err := f.c.Synchronizer.Start(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("session sync subscription failed")
		}
	}
	return nil
}

// AuthenticateWithPassword runs the resource-owner-password flow: token
// grant, userinfo resolution, then session creation.
func (f *Facade) AuthenticateWithPassword(ctx context.Context, username, password string, callerCtx session.Context) (*models.Session, error) {
	result, err := f.c.IdP.PasswordGrant(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return f.establishSession(ctx, result, callerCtx)
}

// AuthenticateWithCode exchanges an authorization code. A non-empty
// codeVerifier binds the exchange to its PKCE challenge.
func (f *Facade) AuthenticateWithCode(ctx context.Context, code, redirectURI, codeVerifier string, callerCtx session.Context) (*models.Session, error) {
	if codeVerifier != "" && !auth.ValidVerifierFormat(codeVerifier) {
		return nil, ErrInvalidVerifier
	}
	result, err := f.c.IdP.CodeGrant(ctx, code, redirectURI, codeVerifier)
	if err != nil {
		return nil, err
	}
	return f.establishSession(ctx, result, callerCtx)
}

func (f *Facade) establishSession(ctx context.Context, result *idp.TokenResult, callerCtx session.Context) (*models.Session, error) {
	principal, err := f.c.IdP.Userinfo(ctx, result.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	sess, err := f.c.Sessions.CreateSession(ctx, session.CreateOptions{
		UserID:       principal.ID,
		Principal:    principal,
		Tokens:       &result.TokenBundle,
		IdPSessionID: result.IdPSessionID,
		IPAddress:    callerCtx.IPAddress,
		UserAgent:    callerCtx.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	if f.c.Refresh != nil && result.RefreshToken != "" {
		if err := f.c.Refresh.Store(ctx, principal.ID, sess.SessionID, &result.TokenBundle); err != nil {
			f.logger.Warn().Err(err).Str("user_id", principal.ID).Msg("refresh token tracking failed")
		}
	}
	return sess, nil
}

// ValidateSession validates a session id against caller context.
func (f *Facade) ValidateSession(ctx context.Context, sid string, callerCtx session.Context) *models.SessionValidation {
	return f.c.Sessions.ValidateSession(ctx, sid, callerCtx)
}

// Logout destroys the presented session, optionally every session of the
// user, and optionally the IdP-side session. Idempotent: an unknown or
// already-expired sid destroys nothing and returns zero.
func (f *Facade) Logout(ctx context.Context, sid string, callerCtx session.Context, opts LogoutOptions) (int, error) {
	res := f.c.Sessions.ValidateSession(ctx, sid, callerCtx)
	if !res.Valid {
		return 0, nil
	}
	sess := res.Session

	if opts.FromIdP {
		// Validation results drop token material on their way through the
		// cache; fetch the session from the store for the refresh token.
		full, ferr := f.c.Sessions.GetSession(ctx, sid)
		switch {
		case ferr != nil:
			f.logger.Warn().Err(ferr).Msg("session fetch for idp end-session failed")
		case full != nil && full.RefreshToken != "":
			if err := f.c.IdP.EndSession(ctx, full.RefreshToken); err != nil {
				f.logger.Warn().Err(err).Str("user_id", sess.UserID).Msg("idp end-session failed, destroying locally")
			}
		}
	}

	destroyed := 1
	var err error
	if opts.AllSessions {
		destroyed, err = f.c.Sessions.DestroyAllUserSessions(ctx, sess.UserID)
	} else {
		err = f.c.Sessions.DestroySession(ctx, sid, models.DestroyReasonLogout)
	}
	if err != nil {
		return 0, err
	}

	if f.c.Refresh != nil {
		if rerr := f.c.Refresh.Revoke(ctx, sess.UserID, sid); rerr != nil {
			f.logger.Debug().Err(rerr).Msg("refresh token revoke failed")
		}
	}
	return destroyed, nil
}

// CreateUser provisions a user through the IdP admin API.
func (f *Facade) CreateUser(ctx context.Context, user *idp.AdminUser, password string) (string, error) {
	return f.c.IdP.CreateUser(ctx, user, password)
}

// GetUser fetches a user through the IdP admin API.
func (f *Facade) GetUser(ctx context.Context, userID string) (*idp.AdminUser, error) {
	return f.c.IdP.GetUser(ctx, userID)
}

// CountRequest records one served request for the stats snapshot.
func (f *Facade) CountRequest() { f.requests.Add(1) }

// HealthCheck probes the IdP, cache and database.
func (f *Facade) HealthCheck(ctx context.Context) *Health {
	h := &Health{Healthy: true}

	h.IdP = f.probe(func() error {
		_, err := f.c.IdP.Discover(ctx)
		return err
	})
	h.Cache = f.probe(func() error {
		if f.c.Cache == nil {
			return nil
		}
		return f.c.Cache.Ping(ctx)
	})
	h.DB = f.probe(func() error {
		if f.c.DB == nil {
			return nil
		}
		return f.c.DB.Ping(ctx)
	})

	h.Healthy = h.IdP.Healthy && h.Cache.Healthy && h.DB.Healthy
	return h
}

func (f *Facade) probe(check func() error) ComponentHealth {
	start := time.Now()
	err := check()
	ch := ComponentHealth{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		ch.Error = err.Error()
	}
	return ch
}

// GetStats returns the operational snapshot. Regeneration is bounded by
// the stats TTL and collapsed to a single generator under load.
func (f *Facade) GetStats(ctx context.Context) (*Stats, error) {
	f.statsMu.Lock()
	if f.stats != nil && f.nowFn().Sub(f.statsAt) < f.cfg.StatsTTL {
		cached := f.stats
		f.statsMu.Unlock()
		return cached, nil
	}
	f.statsMu.Unlock()

	v, err, _ := f.statsGroup.Do("stats", func() (interface{}, error) {
		stats, err := f.generateStats(ctx)
		if err != nil {
			return nil, err
		}
		f.statsMu.Lock()
		f.stats = stats
		f.statsAt = f.nowFn()
		f.statsMu.Unlock()
		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Stats), nil
}

func (f *Facade) generateStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Requests:    f.requests.Load(),
		Uptime:      time.Since(f.startedAt),
		GeneratedAt: f.nowFn(),
	}

	if f.c.DB != nil {
		count, err := f.c.DB.ActiveCount(ctx)
		if err != nil {
			return nil, err
		}
		stats.ActiveSessions = count
	}
	if f.c.Keys != nil {
		keyStats, err := f.c.Keys.HealthCheck(ctx)
		if err != nil {
			f.logger.Debug().Err(err).Msg("api key stats unavailable")
		} else {
			stats.APIKeys = keyStats
		}
	}
	return stats, nil
}

// Cleanup tears the facade down: sync subscriptions, the connection
// pool, then key material.
func (f *Facade) Cleanup() {
	if f.c.Synchronizer != nil {
		f.c.Synchronizer.Stop()
	}
	if f.c.CloseDB != nil {
		f.c.CloseDB()
	}
	if f.c.Encryptor != nil {
		f.c.Encryptor.Destroy()
	}
	f.logger.Info().Msg("facade cleanup complete")
}
