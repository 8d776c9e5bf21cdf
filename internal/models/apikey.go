// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package models

import "time"

// APIKey is a long-lived credential for programmatic access.
//
// The plaintext key is returned exactly once at creation and never stored;
// only the bcrypt hash and a short preview survive.
type APIKey struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	KeyHash     string            `json:"-"`
	KeyPreview  string            `json:"key_preview"`
	UserID      string            `json:"user_id"`
	StoreID     string            `json:"store_id,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	Scopes      []string          `json:"scopes,omitempty"`
	UsageCount  int64             `json:"usage_count"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	IsActive    bool              `json:"is_active"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	RevokedAt   *time.Time        `json:"revoked_at,omitempty"`
	RevokedBy   string            `json:"revoked_by,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the key has passed its expiry, if any.
func (k *APIKey) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// Scrub returns a copy safe to return to API callers (no hash).
func (k *APIKey) Scrub() *APIKey {
	copied := *k
	copied.KeyHash = ""
	return &copied
}
