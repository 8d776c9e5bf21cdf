// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package authz implements local RBAC: the role hierarchy, the permission
// evaluator and the ability factory. Role and permission data is
// configuration-driven; tokens only carry role names.
package authz

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

// DefaultMaxDepth caps role-inheritance traversal.
const DefaultMaxDepth = 10

// RoleHierarchyManager maintains the role inheritance graph and expands
// role sets transitively. Safe for concurrent use; updates are rare and
// reads are hot.
type RoleHierarchyManager struct {
	mu       sync.RWMutex
	roles    map[string]models.RoleDefinition
	maxDepth int
	logger   zerolog.Logger
}

// NewRoleHierarchyManager creates an empty hierarchy.
func NewRoleHierarchyManager(maxDepth int) *RoleHierarchyManager {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &RoleHierarchyManager{
		roles:    make(map[string]models.RoleDefinition),
		maxDepth: maxDepth,
		logger:   logging.With().Str("component", "role_hierarchy").Logger(),
	}
}

// UpdateHierarchy merges definitions into the current graph. Inherited
// roles that are not defined anywhere in the merged graph are logged and
// skipped, never followed.
func (h *RoleHierarchyManager) UpdateHierarchy(defs map[string]models.RoleDefinition) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, def := range defs {
		def.Name = name
		h.roles[name] = def
	}
	for name, def := range h.roles {
		for _, parent := range def.Inherits {
			if _, ok := h.roles[parent]; !ok {
				h.logger.Warn().
					Str("role", name).
					Str("inherits", parent).
					Msg("role inherits from undefined role, edge ignored")
			}
		}
	}
}

// ExpandRoles returns the transitive closure of the input roles. Depth is
// capped; cycles terminate the affected branch with a warning and the
// remaining branches continue. The result is sorted for determinism.
//
// The traversal is an explicit-stack DFS so the depth cap is cheap to
// enforce and adversarial graphs cannot exhaust the call stack. Each
// frame links to its parent, so ancestry checks walk at most maxDepth
// nodes and a shared ancestor (diamond) is not misread as a cycle.
func (h *RoleHierarchyManager) ExpandRoles(input []string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	type frame struct {
		role   string
		depth  int
		parent *frame
	}
	onPath := func(f *frame, role string) bool {
		for n := f; n != nil; n = n.parent {
			if n.role == role {
				return true
			}
		}
		return false
	}

	expanded := make(map[string]struct{})
	for _, root := range input {
		name := normalizeRole(root)
		expanded[name] = struct{}{}

		visited := map[string]struct{}{name: {}}
		stack := []*frame{{role: name, depth: 0}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if top.depth >= h.maxDepth {
				h.logger.Warn().Str("role", top.role).Int("depth", top.depth).Msg("role expansion depth cap reached")
				continue
			}
			def, ok := h.roles[top.role]
			if !ok {
				continue
			}
			for _, parent := range def.Inherits {
				if onPath(top, parent) {
					metrics.RoleExpansionCycles.Inc()
					h.logger.Warn().Str("role", top.role).Str("cycle_at", parent).Msg("cycle detected in role hierarchy")
					continue
				}
				if _, ok := h.roles[parent]; !ok {
					continue
				}
				expanded[parent] = struct{}{}
				// Already reached through another branch; nothing new below.
				if _, seen := visited[parent]; seen {
					continue
				}
				visited[parent] = struct{}{}
				stack = append(stack, &frame{role: parent, depth: top.depth + 1, parent: top})
			}
		}
	}

	out := make([]string, 0, len(expanded))
	for role := range expanded {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// PermissionsOf returns the permissions declared directly on a role.
func (h *RoleHierarchyManager) PermissionsOf(role string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	def, ok := h.roles[normalizeRole(role)]
	if !ok {
		return nil
	}
	return append([]string(nil), def.Permissions...)
}

// ExtractRolesFromToken parses a JWT payload without signature
// verification (the caller must have validated the token) and returns the
// union of realm and client roles.
func (h *RoleHierarchyManager) ExtractRolesFromToken(token string) ([]string, error) {
	var claims struct {
		RealmAccess struct {
			Roles []string `json:"roles"`
		} `json:"realm_access"`
		ResourceAccess map[string]struct {
			Roles []string `json:"roles"`
		} `json:"resource_access"`
		jwt.RegisteredClaims
	}

	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse token payload: %w", err)
	}

	seen := make(map[string]struct{})
	var roles []string
	add := func(r string) {
		if r == "" {
			return
		}
		if _, dup := seen[r]; dup {
			return
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}
	for _, r := range claims.RealmAccess.Roles {
		add(r)
	}
	for _, access := range claims.ResourceAccess {
		for _, r := range access.Roles {
			add(r)
		}
	}
	return roles, nil
}

// ValidateHierarchy checks a candidate graph for dangling edges and
// cycles without mutating the live hierarchy. Used at configuration load.
func ValidateHierarchy(defs map[string]models.RoleDefinition) (bool, []string) {
	var errs []string

	for name, def := range defs {
		for _, parent := range def.Inherits {
			if _, ok := defs[parent]; !ok {
				errs = append(errs, fmt.Sprintf("Role %s inherits from undefined role: %s", name, parent))
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(defs))

	var visit func(name string)
	visit = func(name string) {
		color[name] = gray
		for _, parent := range defs[name].Inherits {
			if _, ok := defs[parent]; !ok {
				continue
			}
			switch color[parent] {
			case white:
				visit(parent)
			case gray:
				errs = append(errs, fmt.Sprintf("Cycle detected involving role: %s", parent))
			}
		}
		color[name] = black
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white {
			visit(name)
		}
	}
	return len(errs) == 0, errs
}

// normalizeRole strips the "realm:"/"client:" prefix so tokens and the
// configured hierarchy agree on names.
func normalizeRole(role string) string {
	if rest, ok := strings.CutPrefix(role, "realm:"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(role, "client:"); ok {
		return rest
	}
	return role
}
