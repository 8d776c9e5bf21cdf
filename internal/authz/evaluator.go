// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

const (
	rbacKeyPrefix  = "rbac:"
	defaultRBACTTL = 300 * time.Second
	wildcardAll    = "*"
	permissionSep  = ":"
)

// EvaluatorConfig configures the permission evaluator.
type EvaluatorConfig struct {
	// DecisionTTL bounds cached decisions. Default: 300s.
	DecisionTTL time.Duration
}

// PermissionEvaluator computes effective permissions for a principal and
// matches them against required "resource:action" pairs with wildcard
// support. Decisions are cached per (resource, action, subject).
type PermissionEvaluator struct {
	cfg       EvaluatorConfig
	hierarchy *RoleHierarchyManager
	cache     *cache.Facade
	logger    zerolog.Logger
}

// NewPermissionEvaluator creates an evaluator over the role hierarchy.
func NewPermissionEvaluator(cfg EvaluatorConfig, hierarchy *RoleHierarchyManager, c *cache.Facade) *PermissionEvaluator {
	if cfg.DecisionTTL == 0 {
		cfg.DecisionTTL = defaultRBACTTL
	}
	return &PermissionEvaluator{
		cfg:       cfg,
		hierarchy: hierarchy,
		cache:     c,
		logger:    logging.With().Str("component", "permission_evaluator").Logger(),
	}
}

// Check evaluates whether the principal may perform action on resource.
// reqContext, when non-nil, is echoed back on the decision.
func (e *PermissionEvaluator) Check(ctx context.Context, principal *models.Principal, resource, action string, reqContext map[string]string) *models.Decision {
	if principal == nil {
		metrics.PermissionChecks.WithLabelValues("error").Inc()
		return &models.Decision{Allowed: false, Reason: models.DecisionCheckError}
	}

	key := e.decisionKey(principal, resource, action)
	var cached models.Decision
	if found, err := e.cache.Get(ctx, key, &cached); err == nil && found {
		e.observe(&cached)
		return &cached
	}

	decision := e.evaluate(principal, resource, action, reqContext)
	if err := e.cache.Set(ctx, key, decision, e.cfg.DecisionTTL); err != nil {
		e.logger.Debug().Err(err).Msg("decision cache write failed")
	}
	e.observe(decision)
	return decision
}

// CheckMany evaluates several (resource, action) pairs sequentially and
// returns a map keyed "resource:action".
func (e *PermissionEvaluator) CheckMany(ctx context.Context, principal *models.Principal, pairs [][2]string, reqContext map[string]string) map[string]*models.Decision {
	out := make(map[string]*models.Decision, len(pairs))
	for _, pair := range pairs {
		out[pair[0]+permissionSep+pair[1]] = e.Check(ctx, principal, pair[0], pair[1], reqContext)
	}
	return out
}

// EffectivePermissions returns the union of permissions declared for the
// principal's expanded roles plus any explicit token permissions, sorted.
func (e *PermissionEvaluator) EffectivePermissions(principal *models.Principal) ([]string, []string) {
	expanded := e.hierarchy.ExpandRoles(principal.Roles)

	seen := make(map[string]struct{})
	var perms []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}
	for _, role := range expanded {
		for _, p := range e.hierarchy.PermissionsOf(role) {
			add(p)
		}
	}
	for _, p := range principal.Permissions {
		add(p)
	}
	sort.Strings(perms)
	return expanded, perms
}

func (e *PermissionEvaluator) evaluate(principal *models.Principal, resource, action string, reqContext map[string]string) *models.Decision {
	expanded, perms := e.EffectivePermissions(principal)

	decision := &models.Decision{
		EffectiveRoles:       expanded,
		EffectivePermissions: perms,
		Context:              reqContext,
	}

	for _, perm := range perms {
		if !MatchPermission(perm, resource, action) {
			continue
		}
		decision.Allowed = true
		decision.Reason = models.DecisionAuthorized
		decision.MatchedPolicies = []string{models.PolicySourceLocalRBAC}
		if perm == wildcardAll {
			decision.MatchedPolicies = append(decision.MatchedPolicies, models.PolicySourceSuperAdmin)
		}
		return decision
	}

	decision.Allowed = false
	decision.Reason = models.DecisionInsufficient
	return decision
}

// MatchPermission reports whether a granted permission satisfies the
// required resource/action. Rules, first match wins:
//
//	exact "resource:action", "*", "resource:*", "*:action"
func MatchPermission(granted, resource, action string) bool {
	if granted == resource+permissionSep+action {
		return true
	}
	if granted == wildcardAll {
		return true
	}
	if granted == resource+permissionSep+wildcardAll {
		return true
	}
	if granted == wildcardAll+permissionSep+action {
		return true
	}
	return false
}

func (e *PermissionEvaluator) observe(d *models.Decision) {
	switch {
	case d.Allowed:
		metrics.PermissionChecks.WithLabelValues("allowed").Inc()
	case d.Reason == models.DecisionCheckError:
		metrics.PermissionChecks.WithLabelValues("error").Inc()
	default:
		metrics.PermissionChecks.WithLabelValues("denied").Inc()
	}
}

// decisionKey builds "rbac:<resource>:<action>:<subjectHash>". The hash
// covers the principal id and sorted roles so role changes produce a new
// cache entry.
func (e *PermissionEvaluator) decisionKey(principal *models.Principal, resource, action string) string {
	roles := append([]string(nil), principal.Roles...)
	sort.Strings(roles)
	sum := sha256.Sum256([]byte(principal.ID + "|" + strings.Join(roles, ",")))
	return rbacKeyPrefix + resource + permissionSep + action + permissionSep + hex.EncodeToString(sum[:])[:16]
}
