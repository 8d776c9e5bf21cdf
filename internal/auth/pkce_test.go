// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package auth

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/models"
)

func newTestCache(t *testing.T) *cache.Facade {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.New(client)
}

func TestPKCEGeneratePair(t *testing.T) {
	m := NewPKCEManager(PKCEConfig{}, newTestCache(t))
	ctx := context.Background()

	pair, err := m.GeneratePair(ctx, GenerateOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}

	if !ValidVerifierFormat(pair.CodeVerifier) {
		t.Errorf("generated verifier %q fails format check", pair.CodeVerifier)
	}
	if len(pair.CodeVerifier) != 128 {
		t.Errorf("verifier length = %d, want 128", len(pair.CodeVerifier))
	}
	if pair.Method != "S256" {
		t.Errorf("method = %q, want S256", pair.Method)
	}
	if pair.CodeChallenge != ComputeChallenge(pair.CodeVerifier) {
		t.Error("challenge does not match S256(verifier)")
	}
	if pair.State == "" {
		t.Error("state is empty")
	}

	other, err := m.GeneratePair(ctx, GenerateOptions{})
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}
	if other.State == pair.State || other.CodeVerifier == pair.CodeVerifier {
		t.Error("consecutive pairs share state or verifier")
	}
}

func TestPKCEValidateSingleUse(t *testing.T) {
	m := NewPKCEManager(PKCEConfig{}, newTestCache(t))
	ctx := context.Background()

	pair, err := m.GeneratePair(ctx, GenerateOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}

	result, err := m.Validate(ctx, pair.State, pair.CodeVerifier)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Valid {
		t.Fatalf("first validation failed: %s", result.ErrorCode)
	}
	if result.Pair == nil || result.Pair.UserID != "user-1" {
		t.Error("validation did not return the stored pair")
	}

	// Replay with the same state must fail.
	replay, err := m.Validate(ctx, pair.State, pair.CodeVerifier)
	if err != nil {
		t.Fatalf("Validate replay: %v", err)
	}
	if replay.Valid {
		t.Error("replayed state validated")
	}
	if replay.ErrorCode != models.ErrCodeInvalidGrant {
		t.Errorf("replay error = %s, want %s", replay.ErrorCode, models.ErrCodeInvalidGrant)
	}
}

func TestPKCEValidateWrongVerifier(t *testing.T) {
	m := NewPKCEManager(PKCEConfig{}, newTestCache(t))
	ctx := context.Background()

	pair, err := m.GeneratePair(ctx, GenerateOptions{})
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}

	wrong := strings.Repeat("a", 64)
	result, err := m.Validate(ctx, pair.State, wrong)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Valid {
		t.Error("wrong verifier validated")
	}
	if result.ErrorCode != models.ErrCodeInvalidGrant {
		t.Errorf("error = %s, want %s", result.ErrorCode, models.ErrCodeInvalidGrant)
	}

	// The pair must still be consumable after a failed attempt.
	ok, err := m.Validate(ctx, pair.State, pair.CodeVerifier)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok.Valid {
		t.Error("correct verifier rejected after failed attempt")
	}
}

func TestPKCEValidateUnknownState(t *testing.T) {
	m := NewPKCEManager(PKCEConfig{}, newTestCache(t))

	result, err := m.Validate(context.Background(), "no-such-state", strings.Repeat("b", 50))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Valid {
		t.Error("unknown state validated")
	}
	if result.ErrorCode != models.ErrCodeInvalidGrant {
		t.Errorf("error = %s, want %s", result.ErrorCode, models.ErrCodeInvalidGrant)
	}
}

func TestValidVerifierFormat(t *testing.T) {
	cases := []struct {
		name     string
		verifier string
		want     bool
	}{
		{"minimum length", strings.Repeat("a", 43), true},
		{"maximum length", strings.Repeat("a", 128), true},
		{"all allowed specials", strings.Repeat("-._~", 11), true},
		{"too short", strings.Repeat("a", 42), false},
		{"too long", strings.Repeat("a", 129), false},
		{"illegal character", strings.Repeat("a", 42) + "+", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidVerifierFormat(tc.verifier); got != tc.want {
				t.Errorf("ValidVerifierFormat(%q) = %v, want %v", tc.verifier, got, tc.want)
			}
		})
	}
}

func TestPKCEAuthorizationURL(t *testing.T) {
	m := NewPKCEManager(PKCEConfig{}, newTestCache(t))

	pair, err := m.GeneratePair(context.Background(), GenerateOptions{})
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}

	raw, err := m.AuthorizationURL("https://idp.example.com/auth", pair, url.Values{
		"redirect_uri": {"https://app.example.com/callback"},
	})
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge") != pair.CodeChallenge {
		t.Error("code_challenge missing or wrong")
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Error("code_challenge_method missing or wrong")
	}
	if q.Get("state") != pair.State {
		t.Error("state missing or wrong")
	}
	if q.Get("redirect_uri") != "https://app.example.com/callback" {
		t.Error("extra parameter not carried through")
	}
}
