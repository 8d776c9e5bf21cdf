// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/idp"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

// TokenIntrospector validates opaque tokens against the IdP introspection
// endpoint. Tokens that are not compact JWS go through this path.
type TokenIntrospector struct {
	idp    *idp.Client
	logger zerolog.Logger
}

// NewTokenIntrospector creates an introspector over the IdP client.
func NewTokenIntrospector(client *idp.Client) *TokenIntrospector {
	return &TokenIntrospector{
		idp:    client,
		logger: logging.With().Str("component", "introspector").Logger(),
	}
}

// Introspect validates the token and returns a structured result. An
// inactive token maps to token_invalid; endpoint failures map to
// introspection_unavailable so the caller can distinguish "definitely
// invalid" from "could not determine".
func (i *TokenIntrospector) Introspect(ctx context.Context, token string) *models.AuthResult {
	start := time.Now()

	result, err := i.idp.Introspect(ctx, token)
	if err != nil {
		metrics.ObserveTokenValidation("introspection", "error", start)
		i.logger.Warn().Err(err).Msg("introspection request failed")
		code := models.ErrCodeIntrospectionUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = models.ErrCodeUpstreamTimeout
		}
		return &models.AuthResult{Valid: false, ErrorCode: code, ErrorDetail: "introspection unavailable"}
	}

	if !result.Active {
		metrics.ObserveTokenValidation("introspection", "invalid", start)
		return &models.AuthResult{Valid: false, ErrorCode: models.ErrCodeTokenInvalid, ErrorDetail: "token is not active"}
	}

	out := &models.AuthResult{
		Valid:     true,
		Principal: result.Principal(),
	}
	if result.Exp > 0 {
		out.ExpiresAt = time.Unix(result.Exp, 0)
	}
	if result.Scope != "" {
		out.Scopes = strings.Fields(result.Scope)
	}
	metrics.ObserveTokenValidation("introspection", "valid", start)
	return out
}
