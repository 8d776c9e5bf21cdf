// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package models

import "time"

// AuthMethod tags how a stream connection authenticated.
type AuthMethod string

const (
	AuthMethodJWT       AuthMethod = "jwt"
	AuthMethodSession   AuthMethod = "session"
	AuthMethodAPIKey    AuthMethod = "apikey"
	AuthMethodPKCE      AuthMethod = "pkce"
	AuthMethodAnonymous AuthMethod = "anonymous"
)

// StreamConnectionInfo is the authentication state of a long-lived
// bidirectional connection. Created at handshake, registered with the
// session synchronizer, torn down on disconnect.
type StreamConnectionInfo struct {
	ConnectionID string     `json:"connection_id"`
	SessionID    string     `json:"session_id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastActivity time.Time  `json:"last_activity"`
	AuthMethod   AuthMethod `json:"auth_method"`
	Permissions  []string   `json:"permissions,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`

	// TokenExpiresAt summarizes the current bearer, when one is held.
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`

	// PKCEState references a pending PKCE handshake, if any.
	PKCEState string `json:"pkce_state,omitempty"`
}

// Stream frame types emitted by the server.
const (
	FrameTypeAuthError      = "auth_error"
	FrameTypeRateLimitError = "rate_limit_error"
	FrameTypeSessionUpdated = "session:updated"
	FrameTypeSessionDeleted = "session:deleted"
	FrameTypeSessionExpired = "session:expired"
)

// WebSocket close codes used at the stream boundary.
const (
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// ErrorFrame is the server→client error payload.
type ErrorFrame struct {
	Type         string      `json:"type"`
	Error        FrameError  `json:"error"`
	ConnectionID string      `json:"connectionId,omitempty"`
	Data         interface{} `json:"data,omitempty"`
}

// FrameError carries the sanitized error body inside a frame.
type FrameError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// SessionSyncFrame is the cross-protocol session notification payload.
type SessionSyncFrame struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	Updates   map[string]string `json:"updates,omitempty"`
	Timestamp int64             `json:"timestamp"`
}
