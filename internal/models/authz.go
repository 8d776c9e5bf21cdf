// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package models

import "time"

// RoleDefinition describes one node of the role hierarchy.
//
// Permissions take the form "resource:action"; "*" is allowed in either
// position. The inheritance graph reachable from any role must be acyclic.
type RoleDefinition struct {
	Name        string   `json:"name"`
	Inherits    []string `json:"inherits,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Decision is the result of a permission check.
type Decision struct {
	Allowed              bool              `json:"allowed"`
	EffectiveRoles       []string          `json:"effective_roles,omitempty"`
	EffectivePermissions []string          `json:"effective_permissions,omitempty"`
	MatchedPolicies      []string          `json:"matched_policies,omitempty"`
	Reason               string            `json:"reason"`
	Context              map[string]string `json:"context,omitempty"`
}

// Decision reasons are stable strings relied upon by callers and tests.
const (
	DecisionAuthorized     = "authorized"
	DecisionInsufficient   = "insufficient permissions"
	DecisionCheckError     = "rbac_check_error"
	PolicySourceLocalRBAC  = "local_rbac"
	PolicySourceSuperAdmin = "wildcard_super"
)

// PKCEPair is a bound code verifier / challenge / state triple (RFC 7636).
// A pair becomes unusable after its first successful validation.
type PKCEPair struct {
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	Method        string    `json:"method"`
	State         string    `json:"state"`
	UserID        string    `json:"user_id,omitempty"`
	ClientID      string    `json:"client_id,omitempty"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// IsExpired reports whether the pair has passed its TTL.
func (p *PKCEPair) IsExpired() bool {
	return time.Now().After(p.ExpiresAt)
}
