// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/idp"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

const (
	jwtKeyPrefix           = "jwt:"
	introspectPrefix       = "introspect:"
	maxValidationCache     = 300 * time.Second
	defaultIntrospectCache = 60 * time.Second
)

// TokenManagerConfig configures the token manager.
type TokenManagerConfig struct {
	// IntrospectionFallback enables opaque-token introspection when a
	// bearer is not a compact JWS or fails local validation with a
	// signature error.
	IntrospectionFallback bool

	// ValidationCacheTTL caps how long a positive JWT validation is
	// cached. The effective TTL never exceeds the token's remaining
	// lifetime. Default: 300s.
	ValidationCacheTTL time.Duration

	// IntrospectionCacheTTL caps how long a positive introspection
	// verdict is cached. Shorter than ValidationCacheTTL because the IdP
	// can revoke an opaque token at any moment and only the next
	// introspection sees it. Default: 60s.
	IntrospectionCacheTTL time.Duration
}

// TokenManager is the caching front door for token validation. It routes
// bearers to the JWT validator or the introspector and caches positive
// results keyed by a token hash so the raw token never appears in the
// cache.
type TokenManager struct {
	cfg          TokenManagerConfig
	validator    *JWTValidator
	introspector *TokenIntrospector
	idp          *idp.Client
	cache        *cache.Facade
	logger       zerolog.Logger
}

// NewTokenManager creates a token manager.
func NewTokenManager(cfg TokenManagerConfig, validator *JWTValidator, introspector *TokenIntrospector, idpClient *idp.Client, c *cache.Facade) *TokenManager {
	if cfg.ValidationCacheTTL == 0 || cfg.ValidationCacheTTL > maxValidationCache {
		cfg.ValidationCacheTTL = maxValidationCache
	}
	if cfg.IntrospectionCacheTTL == 0 || cfg.IntrospectionCacheTTL > maxValidationCache {
		cfg.IntrospectionCacheTTL = defaultIntrospectCache
	}
	return &TokenManager{
		cfg:          cfg,
		validator:    validator,
		introspector: introspector,
		idp:          idpClient,
		cache:        c,
		logger:       logging.With().Str("component", "token_manager").Logger(),
	}
}

// ExtractBearer pulls the bearer token from an Authorization header value.
// Only the exact "Bearer " scheme is accepted. Surrounding whitespace is
// stripped from the token; a header that is whitespace past the scheme is
// rejected.
func ExtractBearer(header string) (string, bool) {
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) {
		return "", false
	}
	token := strings.TrimSpace(header[len(scheme):])
	if token == "" {
		return "", false
	}
	return token, true
}

// ValidateToken validates a bearer of unknown shape: compact JWS tokens go
// through local JWT validation; anything else (or a signature failure with
// fallback enabled) is introspected.
func (m *TokenManager) ValidateToken(ctx context.Context, token string) *models.AuthResult {
	if token == "" {
		return &models.AuthResult{Valid: false, ErrorCode: models.ErrCodeInvalidRequest, ErrorDetail: "empty token"}
	}

	if strings.Count(token, ".") == 2 {
		result := m.ValidateJWT(ctx, token)
		if result.Valid {
			return result
		}
		// A signature failure can mean the token was minted by a key this
		// node has never seen; introspection is authoritative in that case.
		if m.cfg.IntrospectionFallback && result.ErrorCode == models.ErrCodeTokenSignatureInvalid {
			return m.IntrospectToken(ctx, token)
		}
		return result
	}

	if !m.cfg.IntrospectionFallback {
		return &models.AuthResult{Valid: false, ErrorCode: models.ErrCodeTokenMalformed, ErrorDetail: "token is not a compact JWS"}
	}
	return m.IntrospectToken(ctx, token)
}

// ValidateJWT validates a JWT locally with caching of positive results.
func (m *TokenManager) ValidateJWT(ctx context.Context, token string) *models.AuthResult {
	start := time.Now()
	key := jwtKeyPrefix + tokenHash(token, 16)

	var cached models.AuthResult
	if found, err := m.cache.Get(ctx, key, &cached); err == nil && found {
		// A cached positive can outlive the token inside a skew window;
		// re-check expiry before trusting it.
		if cached.Valid && time.Now().Before(cached.ExpiresAt) {
			metrics.ObserveTokenValidation("jwt", "valid", start)
			return &cached
		}
	}

	result := m.validator.Validate(ctx, token)
	if result.Valid {
		metrics.ObserveTokenValidation("jwt", "valid", start)
		m.cacheResult(ctx, key, result, m.cfg.ValidationCacheTTL)
	} else {
		metrics.ObserveTokenValidation("jwt", "invalid", start)
	}
	return result
}

// IntrospectToken validates an opaque token with caching of positive
// results. Negative and error outcomes are never cached: an inactive
// verdict may flip on the next IdP poll.
func (m *TokenManager) IntrospectToken(ctx context.Context, token string) *models.AuthResult {
	key := introspectPrefix + tokenHash(token, 16)

	var cached models.AuthResult
	if found, err := m.cache.Get(ctx, key, &cached); err == nil && found {
		if cached.Valid && (cached.ExpiresAt.IsZero() || time.Now().Before(cached.ExpiresAt)) {
			return &cached
		}
	}

	result := m.introspector.Introspect(ctx, token)
	if result.Valid {
		m.cacheResult(ctx, key, result, m.cfg.IntrospectionCacheTTL)
	}
	return result
}

// Refresh exchanges a refresh token for a new bundle and invalidates any
// cached validation of the superseded access token.
func (m *TokenManager) Refresh(ctx context.Context, refreshToken, oldAccessToken string) (*idp.TokenResult, error) {
	result, err := m.idp.RefreshGrant(ctx, refreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.TokenRefreshes.WithLabelValues("refreshed").Inc()

	if oldAccessToken != "" {
		_ = m.cache.Invalidate(ctx, jwtKeyPrefix+tokenHash(oldAccessToken, 16))
	}
	return result, nil
}

// HasRole validates the token and checks the role in one call.
func (m *TokenManager) HasRole(ctx context.Context, token, role string) bool {
	result := m.ValidateToken(ctx, token)
	return result.Valid && result.Principal != nil && result.Principal.HasRole(role)
}

// Permissions validates the token and returns the explicit permission
// strings, or nil when the token is invalid.
func (m *TokenManager) Permissions(ctx context.Context, token string) []string {
	result := m.ValidateToken(ctx, token)
	if !result.Valid || result.Principal == nil {
		return nil
	}
	return result.Principal.Permissions
}

func (m *TokenManager) cacheResult(ctx context.Context, key string, result *models.AuthResult, ttl time.Duration) {
	if !result.ExpiresAt.IsZero() {
		if remaining := time.Until(result.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	if err := m.cache.Set(ctx, key, result, ttl); err != nil {
		m.logger.Debug().Err(err).Msg("validation cache write failed")
	}
}

// tokenHash returns the first n hex characters of sha256(token).
func tokenHash(token string, n int) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:n]
}
