// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package models

// Standard role names. The built-in hierarchy chains them
// viewer -> editor -> admin; IdP realms may carry additional roles that
// an operator binds into the hierarchy at deploy time.
const (
	// RoleViewer is the default role with read-only access.
	RoleViewer = "viewer"

	// RoleEditor can publish and inherits viewer.
	RoleEditor = "editor"

	// RoleAdmin has full access and inherits editor.
	RoleAdmin = "admin"
)

// ValidRoles lists the built-in role names.
var ValidRoles = []string{RoleViewer, RoleEditor, RoleAdmin}

// IsValidRole reports whether role is one of the built-in names.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}
