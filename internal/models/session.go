// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package models

import "time"

// Session binds a principal to an issued bearer for a bounded time.
// Sessions are exclusively owned by the session store; the session manager
// mutates LastAccessedAt and token fields only through the store.
//
// Invariants:
//   - CreatedAt <= LastAccessedAt <= ExpiresAt
//   - ExpiresAt - CreatedAt <= configured max age
//   - an expired access token implies a refresh attempt or IsActive=false
type Session struct {
	// ID is the internal row id (UUID).
	ID string `json:"id"`

	// SessionID is the opaque client-facing identifier (>=128 bits entropy).
	SessionID string `json:"session_id"`

	// UserID is the IdP subject.
	UserID string `json:"user_id"`

	// Principal is the snapshot captured at creation.
	Principal *Principal `json:"principal,omitempty"`

	// IdPSessionID is the identity provider's own session identifier.
	IdPSessionID string `json:"idp_session_id,omitempty"`

	// AccessToken, RefreshToken and IDToken are stored encrypted at rest.
	// In memory (after retrieval) they hold plaintext.
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	IDToken      string `json:"-"`

	TokenExpiresAt   time.Time `json:"token_expires_at,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`

	// Fingerprint is sha256(ip + ":" + ua + ":" + creation millis), hex.
	Fingerprint string `json:"fingerprint,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	IsActive bool              `json:"is_active"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	copied := *s
	if s.Principal != nil {
		p := *s.Principal
		if s.Principal.Roles != nil {
			p.Roles = append([]string(nil), s.Principal.Roles...)
		}
		if s.Principal.Permissions != nil {
			p.Permissions = append([]string(nil), s.Principal.Permissions...)
		}
		if s.Principal.Attributes != nil {
			p.Attributes = make(map[string]string, len(s.Principal.Attributes))
			for k, v := range s.Principal.Attributes {
				p.Attributes[k] = v
			}
		}
		copied.Principal = &p
	}
	if s.Metadata != nil {
		copied.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

// SessionValidation is the outcome of validating a session id.
type SessionValidation struct {
	Valid                bool      `json:"valid"`
	Session              *Session  `json:"session,omitempty"`
	RequiresRotation     bool      `json:"requires_rotation,omitempty"`
	RequiresTokenRefresh bool      `json:"requires_token_refresh,omitempty"`
	Suspicious           bool      `json:"suspicious,omitempty"`
	ErrorCode            ErrorCode `json:"error_code,omitempty"`
}

// Session destruction reasons recorded in logs and events.
const (
	DestroyReasonExpired        = "expired"
	DestroyReasonLogout         = "logout"
	DestroyReasonRotated        = "rotated"
	DestroyReasonSecurity       = "security_violation"
	DestroyReasonConcurrent     = "concurrent_limit"
	DestroyReasonAllDestroyed   = "all_sessions_destroyed"
	DestroyReasonCreationFailed = "creation_failed"
)
