// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/models"
)

const (
	abilityKeyPrefix  = "ability:"
	defaultAbilityTTL = 300 * time.Second

	// actionManage is the wildcard action, subjectAll the wildcard subject.
	actionManage = "manage"
	subjectAll   = "all"
)

// Rule grants an action on a subject, optionally guarded by conditions
// that must match the evaluation context.
type Rule struct {
	ID         string            `json:"id,omitempty"`
	Action     string            `json:"action"`
	Subject    string            `json:"subject"`
	Conditions map[string]string `json:"conditions,omitempty"`
}

// key returns the rule's identity for diffing.
func (r Rule) key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Subject + ":" + r.Action
}

// Ability is an immutable set of rules answering Can(action, subject).
// A zero-rule ability denies everything.
type Ability struct {
	Rules []Rule `json:"rules"`
}

// Can reports whether any rule grants action on subject. "manage" grants
// every action; subject "all" grants every subject. Conditions, when
// present, must all match evalContext.
func (a *Ability) Can(action, subject string, evalContext map[string]string) bool {
	for _, rule := range a.Rules {
		if rule.Action != action && rule.Action != actionManage {
			continue
		}
		if rule.Subject != subject && rule.Subject != subjectAll {
			continue
		}
		if !conditionsMatch(rule.Conditions, evalContext) {
			continue
		}
		return true
	}
	return false
}

func conditionsMatch(conditions, evalContext map[string]string) bool {
	for k, want := range conditions {
		if evalContext == nil || evalContext[k] != want {
			return false
		}
	}
	return true
}

// Serialize renders the ability as a JSON rule list.
func (a *Ability) Serialize() ([]byte, error) {
	return json.Marshal(a.Rules)
}

// DeserializeAbility reconstitutes an ability from a JSON rule list.
func DeserializeAbility(raw []byte) (*Ability, error) {
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("deserialize ability: %w", err)
	}
	return &Ability{Rules: rules}, nil
}

// AbilityChanges is the diff between two abilities, by rule id.
type AbilityChanges struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// GetPermissionChanges diffs two abilities by rule identity. A rule whose
// id survives but whose action or conditions differ is reported modified.
func GetPermissionChanges(old, updated *Ability) *AbilityChanges {
	oldRules := make(map[string]Rule)
	for _, r := range old.Rules {
		oldRules[r.key()] = r
	}
	newRules := make(map[string]Rule)
	for _, r := range updated.Rules {
		newRules[r.key()] = r
	}

	changes := &AbilityChanges{}
	for key, nr := range newRules {
		or, ok := oldRules[key]
		if !ok {
			changes.Added = append(changes.Added, key)
			continue
		}
		if or.Action != nr.Action || !mapsEqual(or.Conditions, nr.Conditions) {
			changes.Modified = append(changes.Modified, key)
		}
	}
	for key := range oldRules {
		if _, ok := newRules[key]; !ok {
			changes.Removed = append(changes.Removed, key)
		}
	}
	sort.Strings(changes.Added)
	sort.Strings(changes.Removed)
	sort.Strings(changes.Modified)
	return changes
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// AbilityFactoryConfig configures the ability factory.
type AbilityFactoryConfig struct {
	// TTL bounds cached abilities. Default: 300s.
	TTL time.Duration

	// ConditionTemplates attaches condition maps to permissions, keyed by
	// the "resource:action" string. Values may contain ${attr.name}
	// placeholders resolved against the principal's attributes at build
	// time; unresolvable placeholders stay literal.
	ConditionTemplates map[string]map[string]string
}

// AbilityFactory compiles principals into cached Ability objects.
type AbilityFactory struct {
	cfg       AbilityFactoryConfig
	evaluator *PermissionEvaluator
	cache     *cache.Facade
	logger    zerolog.Logger
}

// NewAbilityFactory creates a factory over the permission evaluator.
func NewAbilityFactory(cfg AbilityFactoryConfig, evaluator *PermissionEvaluator, c *cache.Facade) *AbilityFactory {
	if cfg.TTL == 0 {
		cfg.TTL = defaultAbilityTTL
	}
	return &AbilityFactory{
		cfg:       cfg,
		evaluator: evaluator,
		cache:     c,
		logger:    logging.With().Str("component", "ability_factory").Logger(),
	}
}

// CreateAbility builds (or loads) the ability for a principal. The cache
// key hash covers sorted roles, attributes and the session id, so any of
// them changing produces a fresh ability.
func (f *AbilityFactory) CreateAbility(ctx context.Context, principal *models.Principal, sessionID string) (*Ability, error) {
	if principal == nil || principal.Anonymous || (len(principal.Roles) == 0 && len(principal.Permissions) == 0) {
		// Guests get a restrictive ability; not worth caching.
		return &Ability{}, nil
	}

	key := f.abilityKey(principal, sessionID)
	var raw json.RawMessage
	if found, err := f.cache.Get(ctx, key, &raw); err == nil && found {
		if ability, err := DeserializeAbility(raw); err == nil {
			return ability, nil
		}
		// Fall through and rebuild on a corrupt entry.
	}

	ability := f.build(principal)
	if serialized, err := ability.Serialize(); err == nil {
		if err := f.cache.Set(ctx, key, json.RawMessage(serialized), f.cfg.TTL); err != nil {
			f.logger.Debug().Err(err).Msg("ability cache write failed")
		}
	}
	return ability, nil
}

func (f *AbilityFactory) build(principal *models.Principal) *Ability {
	_, perms := f.evaluator.EffectivePermissions(principal)

	ability := &Ability{Rules: make([]Rule, 0, len(perms))}
	for _, perm := range perms {
		subject, action, ok := strings.Cut(perm, ":")
		if !ok {
			if perm == wildcardAll {
				ability.Rules = append(ability.Rules, Rule{Action: actionManage, Subject: subjectAll})
			}
			continue
		}
		if action == wildcardAll {
			action = actionManage
		}
		if subject == wildcardAll {
			subject = subjectAll
		}
		rule := Rule{Action: action, Subject: subject}
		if tpl, ok := f.cfg.ConditionTemplates[perm]; ok {
			rule.Conditions = resolveTemplates(tpl, principal.Attributes)
		}
		ability.Rules = append(ability.Rules, rule)
	}
	return ability
}

// resolveTemplates substitutes ${attr.name} placeholders with attribute
// values. Unknown placeholders are left literal.
func resolveTemplates(tpl, attrs map[string]string) map[string]string {
	out := make(map[string]string, len(tpl))
	for k, v := range tpl {
		out[k] = resolvePlaceholders(v, attrs)
	}
	return out
}

func resolvePlaceholders(value string, attrs map[string]string) string {
	var b strings.Builder
	for {
		start := strings.Index(value, "${")
		if start < 0 {
			b.WriteString(value)
			return b.String()
		}
		end := strings.Index(value[start:], "}")
		if end < 0 {
			b.WriteString(value)
			return b.String()
		}
		end += start

		b.WriteString(value[:start])
		name := value[start+2 : end]
		name = strings.TrimPrefix(name, "attr.")
		if resolved, ok := attrs[name]; ok {
			b.WriteString(resolved)
		} else {
			b.WriteString(value[start : end+1])
		}
		value = value[end+1:]
	}
}

// ClearCache invalidates cached abilities for one user, or every user
// when userID is empty. Walks the keyspace; maintenance use only.
func (f *AbilityFactory) ClearCache(ctx context.Context, userID string) (int, error) {
	prefix := abilityKeyPrefix
	if userID != "" {
		prefix += userID + ":"
	}
	return f.cache.InvalidatePrefix(ctx, prefix)
}

func (f *AbilityFactory) abilityKey(principal *models.Principal, sessionID string) string {
	roles := append([]string(nil), principal.Roles...)
	sort.Strings(roles)

	attrKeys := make([]string, 0, len(principal.Attributes))
	for k := range principal.Attributes {
		attrKeys = append(attrKeys, k)
	}
	sort.Strings(attrKeys)

	var b strings.Builder
	b.WriteString(strings.Join(roles, ","))
	b.WriteByte('|')
	for _, k := range attrKeys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(principal.Attributes[k])
		b.WriteByte(';')
	}
	b.WriteByte('|')
	b.WriteString(sessionID)

	sum := sha256.Sum256([]byte(b.String()))
	return abilityKeyPrefix + principal.ID + ":" + hex.EncodeToString(sum[:])[:16]
}
