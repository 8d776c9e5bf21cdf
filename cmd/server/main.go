// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Command server runs the gateway: it wires the auth, session, authz and
// rate limit components, mounts the HTTP surface and supervises the
// long-running loops (token refresh, session sync, session maintenance)
// under a restart tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/gatewarden/internal/api"
	"github.com/tomtom215/gatewarden/internal/apikey"
	"github.com/tomtom215/gatewarden/internal/auth"
	"github.com/tomtom215/gatewarden/internal/authz"
	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/config"
	"github.com/tomtom215/gatewarden/internal/crypto"
	"github.com/tomtom215/gatewarden/internal/database"
	"github.com/tomtom215/gatewarden/internal/facade"
	"github.com/tomtom215/gatewarden/internal/idp"
	"github.com/tomtom215/gatewarden/internal/interceptor"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/middleware"
	"github.com/tomtom215/gatewarden/internal/models"
	"github.com/tomtom215/gatewarden/internal/ratelimit"
	"github.com/tomtom215/gatewarden/internal/session"
	"github.com/tomtom215/gatewarden/internal/stream"
	"github.com/tomtom215/gatewarden/internal/supervisor"
	"github.com/tomtom215/gatewarden/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewarden: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Timestamp: true,
	})
	logger := logging.With().Str("component", "main").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc, err := crypto.NewManager(&crypto.Config{
		MasterKey:  cfg.Encryption.Key,
		Iterations: cfg.Encryption.KeyDerivationIterations,
	})
	if err != nil {
		return fmt.Errorf("encryption manager: %w", err)
	}

	db, err := database.Connect(ctx, database.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Cache.Addr},
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	c := cache.New(rdb)

	idpClient := idp.New(idp.Config{
		ServerURL:            cfg.IdP.ServerURL,
		Realm:                cfg.IdP.Realm,
		ClientID:             cfg.IdP.ClientID,
		ClientSecret:         cfg.IdP.ClientSecret,
		Scopes:               cfg.IdP.Scopes,
		Timeout:              cfg.IdP.Timeout,
		IntrospectionTimeout: cfg.IdP.IntrospectionTimeout,
		MaxRetries:           cfg.IdP.MaxRetries,
	})

	realmBase := cfg.IdP.ServerURL + "/realms/" + cfg.IdP.Realm
	jwksURL := cfg.JWT.JWKSURL
	if jwksURL == "" {
		jwksURL = realmBase + "/protocol/openid-connect/certs"
	}
	issuer := cfg.JWT.Issuer
	if issuer == "" {
		issuer = realmBase
	}

	jwks := auth.NewJWKSCache(jwksURL, nil, cfg.JWT.JWKSCacheTTL)
	validator := auth.NewJWTValidator(auth.JWTValidatorConfig{
		Issuer:    issuer,
		Audience:  cfg.JWT.Audience,
		ClientID:  cfg.IdP.ClientID,
		ClockSkew: cfg.JWT.ClockTolerance,
	}, jwks)
	introspector := auth.NewTokenIntrospector(idpClient)
	tokens := auth.NewTokenManager(auth.TokenManagerConfig{
		IntrospectionFallback: true,
		ValidationCacheTTL:    cfg.Cache.TTL.JWT,
		IntrospectionCacheTTL: cfg.Cache.TTL.Introspection,
	}, validator, introspector, idpClient, c)
	refresh := auth.NewRefreshTokenManager(auth.RefreshConfig{}, idpClient, c, enc)
	pkce := auth.NewPKCEManager(auth.PKCEConfig{}, c)

	hierarchy := authz.NewRoleHierarchyManager(0)
	hierarchy.UpdateHierarchy(defaultRoles())
	evaluator := authz.NewPermissionEvaluator(authz.EvaluatorConfig{}, hierarchy, c)
	abilities := authz.NewAbilityFactory(authz.AbilityFactoryConfig{}, evaluator, c)

	if !cfg.Session.TokenEncryption {
		// Writes always encrypt; the flag only ever relaxed reads.
		logger.Warn().Msg("session.token_encryption=false is deprecated, use session.allow_legacy_plaintext")
	}
	store := session.NewSQLStore(session.StoreConfig{
		AllowLegacyPlaintext: cfg.Session.AllowLegacyPlaintext || !cfg.Session.TokenEncryption,
	}, db.Pool, c, enc)
	sessions := session.NewManager(session.ManagerConfig{
		TTL:                         cfg.Session.TTL,
		RotationInterval:            cfg.Session.RotationInterval,
		MaxConcurrentSessions:       cfg.Session.MaxConcurrentSessions,
		EnforceIPConsistency:        cfg.Session.EnforceIPConsistency,
		EnforceUserAgentConsistency: cfg.Session.EnforceUserAgentConsistency,
		ValidationCacheTTL:          cfg.Cache.TTL.Session,
	}, store, tokens, tokens, c)
	synchronizer := session.NewSynchronizer(c)

	keys := apikey.NewManager(apikey.ManagerConfig{
		Prefix:             cfg.Security.APIKeyPrefix,
		HashCost:           cfg.Security.APIKeyHashRounds,
		ValidationCacheTTL: cfg.Cache.TTL.APIKey,
	}, db.Pool, c)

	var limiter *ratelimit.Limiter
	var streams *ratelimit.StreamLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			Window:          cfg.RateLimit.Window,
			Limit:           cfg.RateLimit.RequestsPerWindow,
			StandardHeaders: true,
		}, rdb)
		streams = ratelimit.NewStream(ratelimit.StreamConfig{
			MaxConnections:       cfg.RateLimit.MaxConnections,
			MaxMessagesPerMinute: cfg.RateLimit.MaxMessagesPerMinute,
			MaxMessagesPerHour:   cfg.RateLimit.MaxMessagesPerHour,
		}, rdb)
	}

	authInterceptor := interceptor.NewAuthInterceptor(interceptor.Config{
		SessionCookie:  cfg.Session.CookieName,
		AllowAnonymous: cfg.Security.AllowAnonymous,
		Realm:          cfg.IdP.Realm,
	}, tokens, keys, sessions)
	streamAuth := interceptor.NewStreamAuthInterceptor(interceptor.StreamConfig{
		Rules: map[string]interceptor.MessageRule{
			"subscribe": {Permissions: []string{"stream:subscribe"}},
			"publish":   {Permissions: []string{"stream:publish"}},
			"admin":     {Roles: []string{models.RoleAdmin}},
		},
	}, authInterceptor, evaluator)

	gw := facade.New(facade.Config{}, facade.Components{
		IdP:          idpClient,
		JWKS:         jwks,
		Tokens:       tokens,
		Refresh:      refresh,
		PKCE:         pkce,
		Sessions:     sessions,
		Synchronizer: synchronizer,
		Cache:        c,
		Encryptor:    enc,
		Keys:         keys,
		DB:           store,
		CloseDB:      db.Close,
	})
	if err := gw.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer gw.Cleanup()

	router := api.NewRouter(api.RouterConfig{
		SessionCookie: cfg.Session.CookieName,
		SecureCookies: cfg.Server.SecureCookies,
	}, api.Deps{
		Facade:       gw,
		Interceptor:  authInterceptor,
		StreamAuth:   streamAuth,
		Chain:        httpChain(),
		Limiter:      limiter,
		Streams:      streams,
		Keys:         keys,
		Sessions:     sessions,
		Synchronizer: synchronizer,
		Registry:     stream.NewRegistry(),
		PKCE:         pkce,
		Abilities:    abilities,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  2 * cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(
		slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		supervisor.DefaultTreeConfig(),
	)
	tree.AddTokenService(refresh)
	tree.AddMessagingService(synchronizer)
	tree.AddAPIService(services.NewHTTPService(server, cfg.Server.ShutdownTimeout))
	tree.AddAPIService(services.NewMaintenanceService(sessions, cfg.Session.CleanupInterval))

	logger.Info().
		Str("addr", server.Addr).
		Str("realm", cfg.IdP.Realm).
		Msg("gatewarden listening")

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("gatewarden stopped")
	return nil
}

// defaultRoles is the built-in viewer/editor/admin hierarchy. IdP realm
// roles outside this set carry no local permissions until an operator
// extends the hierarchy.
func defaultRoles() map[string]models.RoleDefinition {
	return map[string]models.RoleDefinition{
		models.RoleViewer: {
			Name: models.RoleViewer,
			Permissions: []string{
				"sessions:read", "stats:read", "stream:subscribe",
			},
		},
		models.RoleEditor: {
			Name:     models.RoleEditor,
			Inherits: []string{models.RoleViewer},
			Permissions: []string{
				"stream:publish", "apikeys:read",
			},
		},
		models.RoleAdmin: {
			Name:        models.RoleAdmin,
			Inherits:    []string{models.RoleEditor},
			Permissions: []string{"*:*"},
		},
	}
}

// httpChain assembles the request pipeline: an access log stage now,
// with room for audit or tenant stages without touching the router.
func httpChain() *middleware.Chain {
	chain := middleware.NewChain("http")
	accessLogger := logging.With().Str("component", "access").Logger()
	chain.Use(middleware.Middleware{
		Name:     "access-log",
		Priority: 100,
		Enabled:  true,
		Execute: func(mctx *middleware.Ctx, next func() error) error {
			start := time.Now()
			err := next()
			evt := accessLogger.Info()
			if err != nil {
				evt = accessLogger.Warn().Err(err)
			}
			if mctx.Request != nil {
				evt = evt.Str("method", mctx.Request.Method)
			}
			evt.Str("path", mctx.Path).
				Dur("elapsed", time.Since(start)).
				Msg("request")
			return err
		},
	})
	return chain
}
