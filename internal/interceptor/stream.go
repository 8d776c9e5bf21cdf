// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package interceptor

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
	"github.com/tomtom215/gatewarden/internal/stream"
)

// MessageRule lists what a principal must hold to send a message type.
// Every listed permission and role is required.
type MessageRule struct {
	Permissions []string // "resource:action"
	Roles       []string
}

// StreamConfig configures message-level authorization.
type StreamConfig struct {
	// Rules maps message types to their requirements. Types without a
	// rule pass.
	Rules map[string]MessageRule

	// ExemptTypes bypass authorization entirely. Default: ping, pong.
	ExemptTypes []string

	// DisableCloseOnError keeps the connection open after an auth_error
	// frame instead of closing it with a policy-violation code.
	DisableCloseOnError bool
}

// Authorizer decides permission checks. Satisfied by
// authz.PermissionEvaluator.
type Authorizer interface {
	Check(ctx context.Context, principal *models.Principal, resource, action string, reqContext map[string]string) *models.Decision
}

// StreamAuthInterceptor authenticates stream handshakes and authorizes
// individual messages.
type StreamAuthInterceptor struct {
	cfg     StreamConfig
	request *AuthInterceptor
	authz   Authorizer
	exempt  map[string]struct{}
	logger  zerolog.Logger
}

// NewStreamAuthInterceptor creates a stream interceptor. The request
// interceptor handles handshake credential extraction; authz may be nil
// when no rule lists permissions.
func NewStreamAuthInterceptor(cfg StreamConfig, request *AuthInterceptor, authorizer Authorizer) *StreamAuthInterceptor {
	if len(cfg.ExemptTypes) == 0 {
		cfg.ExemptTypes = []string{"ping", "pong"}
	}
	exempt := make(map[string]struct{}, len(cfg.ExemptTypes))
	for _, t := range cfg.ExemptTypes {
		exempt[t] = struct{}{}
	}
	return &StreamAuthInterceptor{
		cfg:     cfg,
		request: request,
		authz:   authorizer,
		exempt:  exempt,
		logger:  logging.With().Str("component", "stream_auth_interceptor").Logger(),
	}
}

// Handshake authenticates the upgrade request with the same extraction
// order as the request protocol.
func (s *StreamAuthInterceptor) Handshake(r *http.Request) *Result {
	return s.request.Authenticate(r)
}

// AuthorizeMessage checks one inbound message. On denial the message must
// be dropped: an auth_error frame is sent and, unless disabled, the
// connection is closed with a policy-violation code.
func (s *StreamAuthInterceptor) AuthorizeMessage(ctx context.Context, conn stream.Connection, principal *models.Principal, messageType string) bool {
	if _, ok := s.exempt[messageType]; ok {
		return true
	}
	rule, ok := s.cfg.Rules[messageType]
	if !ok {
		return true
	}

	code := s.evaluate(ctx, principal, &rule)
	if code == "" {
		return true
	}

	metrics.StreamMessagesDropped.WithLabelValues("auth").Inc()
	s.sendAuthError(conn, code)
	if !s.cfg.DisableCloseOnError {
		_ = conn.Close(models.ClosePolicyViolation, "insufficient permissions")
	}
	return false
}

// evaluate returns the failure code, or "" when the rule is satisfied.
func (s *StreamAuthInterceptor) evaluate(ctx context.Context, principal *models.Principal, rule *MessageRule) string {
	if principal == nil || principal.Anonymous {
		if len(rule.Permissions) > 0 || len(rule.Roles) > 0 {
			return "UNAUTHENTICATED"
		}
		return ""
	}
	for _, role := range rule.Roles {
		if !principal.HasRole(role) {
			return "INSUFFICIENT_PERMISSIONS"
		}
	}
	for _, perm := range rule.Permissions {
		resource, action, ok := strings.Cut(perm, ":")
		if !ok || s.authz == nil {
			return "INSUFFICIENT_PERMISSIONS"
		}
		if decision := s.authz.Check(ctx, principal, resource, action, nil); !decision.Allowed {
			return "INSUFFICIENT_PERMISSIONS"
		}
	}
	return ""
}

func (s *StreamAuthInterceptor) sendAuthError(conn stream.Connection, code string) {
	frame := models.ErrorFrame{
		Type:         models.FrameTypeAuthError,
		ConnectionID: conn.ID(),
		Error: models.FrameError{
			Code:      code,
			Message:   "message not authorized",
			Timestamp: time.Now().UnixMilli(),
		},
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Msg("auth error frame marshal failed")
		return
	}
	if err := conn.Send(payload); err != nil {
		s.logger.Debug().Str("connection_id", conn.ID()).Err(err).Msg("auth error frame send failed")
	}
}
