// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/gatewarden/internal/models"
)

// JWTValidatorConfig configures signature and claim validation.
type JWTValidatorConfig struct {
	// Issuer is the expected "iss" claim.
	Issuer string

	// Audience is the expected "aud" claim.
	Audience string

	// ClientID selects which resource_access entry supplies client roles.
	ClientID string

	// ClockSkew is the allowed clock difference. Default: 60s.
	ClockSkew time.Duration
}

// JWTValidator verifies RS256 bearer tokens against the IdP JWKS and
// assembles a Principal from the claims.
type JWTValidator struct {
	cfg  JWTValidatorConfig
	jwks *JWKSCache
}

// NewJWTValidator creates a validator backed by the given JWKS cache.
func NewJWTValidator(cfg JWTValidatorConfig, jwks *JWKSCache) *JWTValidator {
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = 60 * time.Second
	}
	return &JWTValidator{cfg: cfg, jwks: jwks}
}

// accessTokenClaims is the claim shape issued by the IdP.
type accessTokenClaims struct {
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Scope             string   `json:"scope"`
	Permissions       []string `json:"permissions"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
	jwt.RegisteredClaims
}

// Validate parses and verifies a bearer token and returns a structured
// result. Failures are classified into the models.ErrorCode taxonomy; the
// result is always non-nil.
func (v *JWTValidator) Validate(ctx context.Context, tokenString string) *models.AuthResult {
	if strings.Count(tokenString, ".") != 2 {
		return invalidResult(models.ErrCodeTokenMalformed, "token is not a compact JWS")
	}

	claims := &accessTokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithIssuedAt(),
	)

	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrKeyNotFound)
		}
		return v.jwks.GetKey(ctx, kid)
	})
	if err != nil {
		return classifyJWTError(err)
	}
	if !token.Valid {
		return invalidResult(models.ErrCodeTokenInvalid, "token failed validation")
	}

	// iss/aud are checked here rather than via parser options so the
	// failures map to their own taxonomy codes.
	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return invalidResult(models.ErrCodeTokenIssuerInvalid, "unexpected issuer")
	}
	if v.cfg.Audience != "" && !containsAudience(claims.Audience, v.cfg.Audience) {
		return invalidResult(models.ErrCodeTokenAudienceInvalid, "unexpected audience")
	}

	principal := &models.Principal{
		ID:          claims.Subject,
		Username:    claims.PreferredUsername,
		Email:       claims.Email,
		Permissions: claims.Permissions,
	}
	for _, r := range claims.RealmAccess.Roles {
		principal.Roles = append(principal.Roles, "realm:"+r)
	}
	for client, access := range claims.ResourceAccess {
		if v.cfg.ClientID != "" && client != v.cfg.ClientID {
			continue
		}
		for _, r := range access.Roles {
			principal.Roles = append(principal.Roles, "client:"+r)
		}
	}

	result := &models.AuthResult{
		Valid:     true,
		Principal: principal,
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.Scope != "" {
		result.Scopes = strings.Fields(claims.Scope)
	}
	return result
}

func classifyJWTError(err error) *models.AuthResult {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return invalidResult(models.ErrCodeTokenExpired, "token expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return invalidResult(models.ErrCodeTokenInvalid, "token not yet valid")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return invalidResult(models.ErrCodeTokenSignatureInvalid, "signature verification failed")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return invalidResult(models.ErrCodeTokenMalformed, "malformed token")
	case errors.Is(err, ErrJWKSUnavailable):
		return invalidResult(models.ErrCodeJWKSUnavailable, "signing keys unavailable")
	case errors.Is(err, ErrKeyNotFound):
		return invalidResult(models.ErrCodeTokenSignatureInvalid, "unknown signing key")
	default:
		return invalidResult(models.ErrCodeTokenInvalid, "token validation failed")
	}
}

func invalidResult(code models.ErrorCode, detail string) *models.AuthResult {
	return &models.AuthResult{Valid: false, ErrorCode: code, ErrorDetail: detail}
}

func containsAudience(aud jwt.ClaimStrings, expected string) bool {
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}
