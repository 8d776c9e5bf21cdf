// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package authz

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

func testHierarchy() map[string]models.RoleDefinition {
	return map[string]models.RoleDefinition{
		"viewer": {
			Permissions: []string{"media:read"},
		},
		"editor": {
			Inherits:    []string{"viewer"},
			Permissions: []string{"media:write"},
		},
		"admin": {
			Inherits:    []string{"editor"},
			Permissions: []string{"media:*", "users:manage"},
		},
		"superuser": {
			Inherits:    []string{"admin"},
			Permissions: []string{"*"},
		},
	}
}

func TestExpandRolesTransitive(t *testing.T) {
	h := NewRoleHierarchyManager(0)
	h.UpdateHierarchy(testHierarchy())

	got := h.ExpandRoles([]string{"admin"})
	want := []string{"admin", "editor", "viewer"}
	if !equalStrings(got, want) {
		t.Errorf("ExpandRoles(admin) = %v, want %v", got, want)
	}
}

func TestExpandRolesNormalizesPrefixes(t *testing.T) {
	h := NewRoleHierarchyManager(0)
	h.UpdateHierarchy(testHierarchy())

	got := h.ExpandRoles([]string{"realm:editor", "client:viewer"})
	want := []string{"editor", "viewer"}
	if !equalStrings(got, want) {
		t.Errorf("ExpandRoles = %v, want %v", got, want)
	}
}

func TestExpandRolesUnknownRole(t *testing.T) {
	h := NewRoleHierarchyManager(0)
	h.UpdateHierarchy(testHierarchy())

	got := h.ExpandRoles([]string{"ghost"})
	if !equalStrings(got, []string{"ghost"}) {
		t.Errorf("unknown role expansion = %v", got)
	}
}

func TestExpandRolesCycleTerminates(t *testing.T) {
	h := NewRoleHierarchyManager(0)
	h.UpdateHierarchy(map[string]models.RoleDefinition{
		"a": {Inherits: []string{"b"}},
		"b": {Inherits: []string{"c"}},
		"c": {Inherits: []string{"a"}, Permissions: []string{"x:y"}},
	})

	before := testutil.ToFloat64(metrics.RoleExpansionCycles)
	got := h.ExpandRoles([]string{"a"})
	want := []string{"a", "b", "c"}
	if !equalStrings(got, want) {
		t.Errorf("cyclic expansion = %v, want %v", got, want)
	}
	if after := testutil.ToFloat64(metrics.RoleExpansionCycles); after <= before {
		t.Error("genuine cycle not counted")
	}
}

func TestExpandRolesDiamondIsNotACycle(t *testing.T) {
	h := NewRoleHierarchyManager(0)
	h.UpdateHierarchy(map[string]models.RoleDefinition{
		"base":  {Permissions: []string{"x:read"}},
		"left":  {Inherits: []string{"base"}},
		"right": {Inherits: []string{"base"}},
		"top":   {Inherits: []string{"left", "right"}},
	})

	before := testutil.ToFloat64(metrics.RoleExpansionCycles)
	got := h.ExpandRoles([]string{"top"})
	want := []string{"base", "left", "right", "top"}
	if !equalStrings(got, want) {
		t.Errorf("ExpandRoles(top) = %v, want %v", got, want)
	}
	if after := testutil.ToFloat64(metrics.RoleExpansionCycles); after != before {
		t.Errorf("diamond inheritance counted %v cycles, want 0", after-before)
	}
}

func TestExpandRolesDepthCap(t *testing.T) {
	defs := make(map[string]models.RoleDefinition)
	// Chain r0 -> r1 -> ... -> r19, far deeper than the cap.
	for i := 0; i < 20; i++ {
		def := models.RoleDefinition{}
		if i < 19 {
			def.Inherits = []string{roleName(i + 1)}
		}
		defs[roleName(i)] = def
	}

	h := NewRoleHierarchyManager(10)
	h.UpdateHierarchy(defs)

	got := h.ExpandRoles([]string{roleName(0)})
	if len(got) > 11 {
		t.Errorf("depth cap not enforced, expanded %d roles", len(got))
	}
	if len(got) < 2 {
		t.Errorf("expansion stopped too early: %v", got)
	}
}

func roleName(i int) string {
	return fmt.Sprintf("r%02d", i)
}

func TestValidateHierarchyDanglingEdge(t *testing.T) {
	defs := map[string]models.RoleDefinition{
		"editor": {Inherits: []string{"phantom"}},
	}
	valid, errs := ValidateHierarchy(defs)
	if valid {
		t.Fatal("hierarchy with dangling edge reported valid")
	}
	want := "Role editor inherits from undefined role: phantom"
	if len(errs) != 1 || errs[0] != want {
		t.Errorf("errors = %v, want [%q]", errs, want)
	}
}

func TestValidateHierarchyCycle(t *testing.T) {
	defs := map[string]models.RoleDefinition{
		"a": {Inherits: []string{"b"}},
		"b": {Inherits: []string{"a"}},
	}
	valid, errs := ValidateHierarchy(defs)
	if valid {
		t.Fatal("cyclic hierarchy reported valid")
	}
	if len(errs) == 0 {
		t.Fatal("no errors reported for cycle")
	}
	if !strings.Contains(errs[0], "Cycle detected") {
		t.Errorf("errors = %v", errs)
	}
}

func TestValidateHierarchyClean(t *testing.T) {
	valid, errs := ValidateHierarchy(testHierarchy())
	if !valid {
		t.Errorf("clean hierarchy reported invalid: %v", errs)
	}
}

func TestExtractRolesFromToken(t *testing.T) {
	h := NewRoleHierarchyManager(0)

	claims := jwt.MapClaims{
		"sub":          "user-1",
		"realm_access": map[string]interface{}{"roles": []string{"admin", "user"}},
		"resource_access": map[string]interface{}{
			"gateway": map[string]interface{}{"roles": []string{"operator", "user"}},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	// The extractor must not require a valid signature.
	signed, err := token.SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	roles, err := h.ExtractRolesFromToken(signed)
	if err != nil {
		t.Fatalf("ExtractRolesFromToken: %v", err)
	}
	sort.Strings(roles)
	want := []string{"admin", "operator", "user"}
	if !equalStrings(roles, want) {
		t.Errorf("roles = %v, want %v", roles, want)
	}
}

func TestExtractRolesFromGarbage(t *testing.T) {
	h := NewRoleHierarchyManager(0)
	if _, err := h.ExtractRolesFromToken("not-a-token"); err == nil {
		t.Error("garbage token produced no error")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
