// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package models defines the shared data types exchanged between the
// Gatewarden subsystems: principals, token bundles, sessions, API keys,
// PKCE pairs, role definitions and authorization decisions.
package models

import "time"

// Principal is the authenticated user summary attached to a request or
// stream message. It is immutable for the duration of the request.
type Principal struct {
	// ID is the IdP subject identifier.
	ID string `json:"id"`

	// Username is the preferred username claim.
	Username string `json:"username"`

	// Email is the user's email address, if present in claims.
	Email string `json:"email,omitempty"`

	// Roles carries realm and client roles, prefixed "realm:" or "client:".
	Roles []string `json:"roles,omitempty"`

	// Permissions are explicit permission strings of the form "resource:action".
	Permissions []string `json:"permissions,omitempty"`

	// Attributes is an open attribute bag used for attribute-based conditions.
	Attributes map[string]string `json:"attributes,omitempty"`

	// Anonymous marks a synthesized principal for unauthenticated access.
	Anonymous bool `json:"anonymous,omitempty"`
}

// HasRole reports whether the principal carries the role, honoring the
// "realm:" and "client:" prefixes (a bare "user" matches "realm:user").
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == "realm:"+role || r == "client:"+role {
			return true
		}
	}
	return false
}

// TokenBundle holds the tokens returned by the IdP token endpoint.
type TokenBundle struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	IDToken          string    `json:"id_token,omitempty"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
	Scopes           []string  `json:"scopes,omitempty"`
}

// AuthResult is the structured outcome of a token validation.
type AuthResult struct {
	// Valid is true when the token passed every check.
	Valid bool `json:"valid"`

	// Principal is populated on success.
	Principal *Principal `json:"principal,omitempty"`

	// ExpiresAt is the token expiry, when known.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Scopes are the granted scopes parsed from the token or introspection.
	Scopes []string `json:"scopes,omitempty"`

	// ErrorCode identifies the failure (see errors.go taxonomy).
	ErrorCode ErrorCode `json:"error_code,omitempty"`

	// ErrorDetail is a sanitized human-readable message.
	ErrorDetail string `json:"error_detail,omitempty"`
}
