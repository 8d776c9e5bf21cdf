// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/idp"
	"github.com/tomtom215/gatewarden/internal/models"
)

// mockIdP serves discovery, introspection and token endpoints.
type mockIdP struct {
	server *httptest.Server

	introspectHits int
	activeTokens   map[string]bool
	refreshHits    int
	refreshFails   bool
	refreshDown    bool
}

func newMockIdP(t *testing.T) *mockIdP {
	t.Helper()
	m := &mockIdP{activeTokens: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/gateway/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"issuer": %q,
			"token_endpoint": %q,
			"introspection_endpoint": %q,
			"id_token_signing_alg_values_supported": ["RS256"]
		}`, m.server.URL+"/realms/gateway", m.server.URL+"/token", m.server.URL+"/introspect")
	})
	mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		m.introspectHits++
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		token := r.PostFormValue("token")
		if !m.activeTokens[token] {
			fmt.Fprint(w, `{"active": false}`)
			return
		}
		fmt.Fprintf(w, `{
			"active": true,
			"sub": "user-456",
			"username": "bob",
			"scope": "openid",
			"exp": %d,
			"realm_access": {"roles": ["user"]}
		}`, time.Now().Add(time.Hour).Unix())
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		m.refreshHits++
		if m.refreshDown {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if m.refreshFails {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "invalid_grant"}`)
			return
		}
		fmt.Fprint(w, `{
			"access_token": "new-access",
			"refresh_token": "new-refresh",
			"token_type": "Bearer",
			"expires_in": 300,
			"refresh_expires_in": 1800,
			"session_state": "idp-session-1"
		}`)
	})

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockIdP) client() *idp.Client {
	return idp.New(idp.Config{
		ServerURL:    m.server.URL,
		Realm:        "gateway",
		ClientID:     "gateway",
		ClientSecret: "secret",
	})
}

func newTestTokenManager(t *testing.T, m *mockIdP, f *jwksFixture, fallback bool) *TokenManager {
	t.Helper()
	client := m.client()
	return NewTokenManager(
		TokenManagerConfig{IntrospectionFallback: fallback},
		newTestValidator(f),
		NewTokenIntrospector(client),
		client,
		newTestCache(t),
	)
}

func TestValidateTokenRoutesJWT(t *testing.T) {
	f := newJWKSFixture(t)
	m := newMockIdP(t)
	tm := newTestTokenManager(t, m, f, true)

	result := tm.ValidateToken(context.Background(), f.sign(t, baseClaims()))
	if !result.Valid {
		t.Fatalf("JWT validation failed: %s", result.ErrorCode)
	}
	if m.introspectHits != 0 {
		t.Errorf("JWT path hit introspection %d times", m.introspectHits)
	}
}

func TestValidateTokenRoutesOpaque(t *testing.T) {
	f := newJWKSFixture(t)
	m := newMockIdP(t)
	m.activeTokens["opaque-token-1"] = true
	tm := newTestTokenManager(t, m, f, true)

	result := tm.ValidateToken(context.Background(), "opaque-token-1")
	if !result.Valid {
		t.Fatalf("opaque validation failed: %s (%s)", result.ErrorCode, result.ErrorDetail)
	}
	if result.Principal == nil || result.Principal.ID != "user-456" {
		t.Errorf("principal = %+v", result.Principal)
	}
	if !result.Principal.HasRole("user") {
		t.Error("introspected realm role missing")
	}
}

func TestValidateTokenOpaqueWithoutFallback(t *testing.T) {
	f := newJWKSFixture(t)
	m := newMockIdP(t)
	tm := newTestTokenManager(t, m, f, false)

	result := tm.ValidateToken(context.Background(), "opaque-token-1")
	if result.Valid {
		t.Fatal("opaque token validated with fallback disabled")
	}
	if result.ErrorCode != models.ErrCodeTokenMalformed {
		t.Errorf("error = %s, want %s", result.ErrorCode, models.ErrCodeTokenMalformed)
	}
	if m.introspectHits != 0 {
		t.Error("introspection called with fallback disabled")
	}
}

func TestIntrospectionResultCached(t *testing.T) {
	f := newJWKSFixture(t)
	m := newMockIdP(t)
	m.activeTokens["opaque-token-2"] = true
	tm := newTestTokenManager(t, m, f, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := tm.ValidateToken(ctx, "opaque-token-2")
		if !result.Valid {
			t.Fatalf("validation %d failed: %s", i, result.ErrorCode)
		}
	}
	if m.introspectHits != 1 {
		t.Errorf("introspection hit %d times, want 1", m.introspectHits)
	}
}

func TestIntrospectionCacheShorterLived(t *testing.T) {
	f := newJWKSFixture(t)
	m := newMockIdP(t)
	m.activeTokens["opaque-token-3"] = true

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	idpClient := m.client()
	tm := NewTokenManager(
		TokenManagerConfig{IntrospectionFallback: true},
		newTestValidator(f),
		NewTokenIntrospector(idpClient),
		idpClient,
		cache.New(client),
	)
	ctx := context.Background()

	if res := tm.ValidateToken(ctx, "opaque-token-3"); !res.Valid {
		t.Fatalf("validation failed: %s", res.ErrorCode)
	}

	key := introspectPrefix + tokenHash("opaque-token-3", 16)
	ttl := mr.TTL(key)
	if ttl <= 0 || ttl > 60*time.Second {
		t.Errorf("introspection cache ttl = %v, want (0, 60s]", ttl)
	}

	// Past the introspection TTL the verdict must come from the IdP again,
	// even though a JWT validation would still be cached at this age.
	mr.FastForward(61 * time.Second)
	if res := tm.ValidateToken(ctx, "opaque-token-3"); !res.Valid {
		t.Fatalf("revalidation failed: %s", res.ErrorCode)
	}
	if m.introspectHits != 2 {
		t.Errorf("introspection hit %d times, want 2", m.introspectHits)
	}
}

func TestInactiveTokenNotCached(t *testing.T) {
	f := newJWKSFixture(t)
	m := newMockIdP(t)
	tm := newTestTokenManager(t, m, f, true)
	ctx := context.Background()

	result := tm.ValidateToken(ctx, "revoked-token")
	if result.Valid {
		t.Fatal("inactive token validated")
	}

	// The token becomes active (e.g. clock skew at the IdP); the next
	// check must consult the IdP again rather than a cached negative.
	m.activeTokens["revoked-token"] = true
	result = tm.ValidateToken(ctx, "revoked-token")
	if !result.Valid {
		t.Fatalf("reactivated token rejected: %s", result.ErrorCode)
	}
	if m.introspectHits != 2 {
		t.Errorf("introspection hit %d times, want 2", m.introspectHits)
	}
}

func TestTokenManagerRefresh(t *testing.T) {
	f := newJWKSFixture(t)
	m := newMockIdP(t)
	tm := newTestTokenManager(t, m, f, true)

	result, err := tm.Refresh(context.Background(), "old-refresh", "old-access")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if result.AccessToken != "new-access" || result.RefreshToken != "new-refresh" {
		t.Errorf("bundle = %+v", result.TokenBundle)
	}
	if result.IdPSessionID != "idp-session-1" {
		t.Errorf("IdP session id = %q", result.IdPSessionID)
	}
	if result.ExpiresAt.Before(time.Now().Add(4 * time.Minute)) {
		t.Error("expiry not derived from expires_in")
	}
}

func TestTokenManagerRefreshInvalidGrant(t *testing.T) {
	f := newJWKSFixture(t)
	m := newMockIdP(t)
	m.refreshFails = true
	tm := newTestTokenManager(t, m, f, true)

	if _, err := tm.Refresh(context.Background(), "stale-refresh", ""); err == nil {
		t.Fatal("refresh with rejected grant succeeded")
	}
	if m.refreshHits != 1 {
		t.Errorf("token endpoint hit %d times, want 1 (invalid_grant is permanent)", m.refreshHits)
	}
}

func TestHasRoleHelper(t *testing.T) {
	f := newJWKSFixture(t)
	m := newMockIdP(t)
	tm := newTestTokenManager(t, m, f, true)
	token := f.sign(t, baseClaims())

	if !tm.HasRole(context.Background(), token, "admin") {
		t.Error("HasRole(admin) = false")
	}
	if tm.HasRole(context.Background(), token, "superuser") {
		t.Error("HasRole(superuser) = true")
	}
}
