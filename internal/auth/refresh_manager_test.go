// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/crypto"
	"github.com/tomtom215/gatewarden/internal/models"
)

func newTestEncryptor(t *testing.T) *crypto.Manager {
	t.Helper()
	key, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	enc, err := crypto.NewManager(&crypto.Config{MasterKey: key})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return enc
}

func newTestRefreshManager(t *testing.T, m *mockIdP) *RefreshTokenManager {
	t.Helper()
	return NewRefreshTokenManager(RefreshConfig{}, m.client(), newTestCache(t), newTestEncryptor(t))
}

func testBundle() *models.TokenBundle {
	now := time.Now()
	return &models.TokenBundle{
		AccessToken:      "access-1",
		RefreshToken:     "refresh-1",
		TokenType:        "Bearer",
		ExpiresAt:        now.Add(5 * time.Minute),
		RefreshExpiresAt: now.Add(30 * time.Minute),
	}
}

func TestRefreshManagerStoreAndRefresh(t *testing.T) {
	m := newMockIdP(t)
	rm := newTestRefreshManager(t, m)
	ctx := context.Background()

	if err := rm.Store(ctx, "user-1", "sess-1", testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}

	bundle, err := rm.Refresh(ctx, "user-1", "sess-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if bundle.AccessToken != "new-access" || bundle.RefreshToken != "new-refresh" {
		t.Errorf("bundle = %+v", bundle)
	}

	// The rotated refresh token must be usable for the next exchange.
	if _, err := rm.Refresh(ctx, "user-1", "sess-1"); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if m.refreshHits != 2 {
		t.Errorf("token endpoint hit %d times, want 2", m.refreshHits)
	}
}

func TestRefreshManagerUnknownSession(t *testing.T) {
	m := newMockIdP(t)
	rm := newTestRefreshManager(t, m)

	if _, err := rm.Refresh(context.Background(), "user-1", "no-such-session"); err == nil {
		t.Fatal("refresh of unknown session succeeded")
	}
	if m.refreshHits != 0 {
		t.Error("token endpoint hit for unknown session")
	}
}

func TestRefreshManagerRejectedGrantDropsRecord(t *testing.T) {
	m := newMockIdP(t)
	m.refreshFails = true
	rm := newTestRefreshManager(t, m)
	ctx := context.Background()

	if err := rm.Store(ctx, "user-1", "sess-1", testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := rm.Refresh(ctx, "user-1", "sess-1"); err == nil {
		t.Fatal("refresh with rejected grant succeeded")
	}

	// The record is gone; a retry must not reach the IdP again.
	hits := m.refreshHits
	if _, err := rm.Refresh(ctx, "user-1", "sess-1"); err == nil {
		t.Fatal("refresh after revocation succeeded")
	}
	if m.refreshHits != hits {
		t.Error("token endpoint hit after record was dropped")
	}
}

func TestRefreshManagerRevoke(t *testing.T) {
	m := newMockIdP(t)
	rm := newTestRefreshManager(t, m)
	ctx := context.Background()

	if err := rm.Store(ctx, "user-1", "sess-1", testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := rm.Revoke(ctx, "user-1", "sess-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := rm.Refresh(ctx, "user-1", "sess-1"); err == nil {
		t.Fatal("refresh after revoke succeeded")
	}
}

func TestRefreshManagerStoreWithoutRefreshToken(t *testing.T) {
	m := newMockIdP(t)
	rm := newTestRefreshManager(t, m)

	bundle := testBundle()
	bundle.RefreshToken = ""
	if err := rm.Store(context.Background(), "user-1", "sess-1", bundle); err == nil {
		t.Fatal("Store accepted a bundle without a refresh token")
	}
}

// eventCollector subscribes to the refresh event channel and returns
// published event types in order.
type eventCollector struct {
	t  *testing.T
	ch <-chan *redis.Message
}

func collectRefreshEvents(t *testing.T, client *redis.Client) *eventCollector {
	t.Helper()
	sub := client.Subscribe(context.Background(), RefreshEventsChannel)
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return &eventCollector{t: t, ch: sub.Channel()}
}

func (c *eventCollector) next() string {
	c.t.Helper()
	select {
	case msg := <-c.ch:
		var ev RefreshEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			c.t.Fatalf("decode event: %v", err)
		}
		return ev.Type
	case <-time.After(2 * time.Second):
		c.t.Fatal("no refresh event published")
		return ""
	}
}

func TestRefreshManagerEventTaxonomy(t *testing.T) {
	m := newMockIdP(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rm := NewRefreshTokenManager(RefreshConfig{}, m.client(), cache.New(client), newTestEncryptor(t))
	ctx := context.Background()
	events := collectRefreshEvents(t, client)

	if err := rm.Store(ctx, "user-1", "sess-1", testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := rm.Refresh(ctx, "user-1", "sess-1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := events.next(); got != "tokens_refreshed" {
		t.Errorf("successful refresh event = %q, want tokens_refreshed", got)
	}

	m.refreshFails = true
	if _, err := rm.Refresh(ctx, "user-1", "sess-1"); err == nil {
		t.Fatal("refresh with rejected grant succeeded")
	}
	if got := events.next(); got != "refresh_failed" {
		t.Errorf("rejected grant event = %q, want refresh_failed", got)
	}
	m.refreshFails = false

	if err := rm.Store(ctx, "user-1", "sess-2", testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := rm.Revoke(ctx, "user-1", "sess-2"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if got := events.next(); got != "tokens_removed" {
		t.Errorf("revoke event = %q, want tokens_removed", got)
	}

	bundle := testBundle()
	bundle.RefreshExpiresAt = time.Now().Add(30 * time.Millisecond)
	if err := rm.Store(ctx, "user-1", "sess-3", bundle); err != nil {
		t.Fatalf("Store: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := rm.Refresh(ctx, "user-1", "sess-3"); err == nil {
		t.Fatal("refresh of expired record succeeded")
	}
	if got := events.next(); got != "refresh_expired" {
		t.Errorf("expired record event = %q, want refresh_expired", got)
	}
}

func TestRefreshManagerUpstreamFailurePublishesAndKeepsRecord(t *testing.T) {
	m := newMockIdP(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rm := NewRefreshTokenManager(RefreshConfig{}, m.client(), cache.New(client), newTestEncryptor(t))
	ctx := context.Background()
	events := collectRefreshEvents(t, client)

	if err := rm.Store(ctx, "user-1", "sess-1", testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}

	m.refreshDown = true
	if _, err := rm.Refresh(ctx, "user-1", "sess-1"); err == nil {
		t.Fatal("refresh succeeded with the IdP down")
	}
	if got := events.next(); got != "refresh_failed" {
		t.Errorf("upstream failure event = %q, want refresh_failed", got)
	}

	// A transient outage must not drop the record; the next attempt
	// reaches the IdP and succeeds.
	m.refreshDown = false
	if _, err := rm.Refresh(ctx, "user-1", "sess-1"); err != nil {
		t.Fatalf("Refresh after recovery: %v", err)
	}
	if got := events.next(); got != "tokens_refreshed" {
		t.Errorf("recovery event = %q, want tokens_refreshed", got)
	}
}

func TestSplitRefreshKey(t *testing.T) {
	cases := []struct {
		key     string
		user    string
		session string
		ok      bool
	}{
		{"refresh:u1:s1", "u1", "s1", true},
		{"refresh:u1:s1.extra", "u1", "s1.extra", true},
		{"refresh:u1:", "", "", false},
		{"refresh::s1", "", "", false},
		{"other:u1:s1", "", "", false},
	}
	for _, tc := range cases {
		user, session, ok := splitRefreshKey(tc.key)
		if user != tc.user || session != tc.session || ok != tc.ok {
			t.Errorf("splitRefreshKey(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.key, user, session, ok, tc.user, tc.session, tc.ok)
		}
	}
}
