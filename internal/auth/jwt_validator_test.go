// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/gatewarden/internal/models"
)

const (
	testKid      = "test-key"
	testIssuer   = "https://idp.example.com/realms/gateway"
	testAudience = "gateway"
)

type jwksFixture struct {
	key    *rsa.PrivateKey
	server *httptest.Server
	hits   int
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	f := &jwksFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits++
		n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01})
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"keys":[{"kty":"RSA","kid":%q,"alg":"RS256","use":"sig","n":%q,"e":%q}]}`, testKid, n, e)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                testIssuer,
		"aud":                testAudience,
		"sub":                "user-123",
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"scope":              "openid profile",
		"iat":                now.Unix(),
		"exp":                now.Add(5 * time.Minute).Unix(),
		"realm_access":       map[string]interface{}{"roles": []string{"admin"}},
		"resource_access": map[string]interface{}{
			"gateway": map[string]interface{}{"roles": []string{"operator"}},
			"other":   map[string]interface{}{"roles": []string{"viewer"}},
		},
	}
}

func newTestValidator(f *jwksFixture) *JWTValidator {
	jwks := NewJWKSCache(f.server.URL, nil, time.Minute)
	return NewJWTValidator(JWTValidatorConfig{
		Issuer:   testIssuer,
		Audience: testAudience,
		ClientID: "gateway",
	}, jwks)
}

func TestJWTValidateSuccess(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestValidator(f)

	result := v.Validate(context.Background(), f.sign(t, baseClaims()))
	if !result.Valid {
		t.Fatalf("validation failed: %s (%s)", result.ErrorCode, result.ErrorDetail)
	}

	p := result.Principal
	if p == nil {
		t.Fatal("no principal on valid result")
	}
	if p.ID != "user-123" || p.Username != "alice" || p.Email != "alice@example.com" {
		t.Errorf("principal = %+v", p)
	}
	if !p.HasRole("admin") {
		t.Error("realm role admin not present")
	}
	if !p.HasRole("client:operator") {
		t.Error("client role operator not present")
	}
	if p.HasRole("viewer") {
		t.Error("role from another client leaked into principal")
	}
	if len(result.Scopes) != 2 || result.Scopes[0] != "openid" {
		t.Errorf("scopes = %v", result.Scopes)
	}
}

func TestJWTValidateExpired(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestValidator(f)

	claims := baseClaims()
	claims["iat"] = time.Now().Add(-time.Hour).Unix()
	claims["exp"] = time.Now().Add(-30 * time.Minute).Unix()

	result := v.Validate(context.Background(), f.sign(t, claims))
	if result.Valid {
		t.Fatal("expired token validated")
	}
	if result.ErrorCode != models.ErrCodeTokenExpired {
		t.Errorf("error = %s, want %s", result.ErrorCode, models.ErrCodeTokenExpired)
	}
}

func TestJWTValidateClockSkewTolerated(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestValidator(f)

	// Expired 30s ago: inside the default 60s leeway.
	claims := baseClaims()
	claims["exp"] = time.Now().Add(-30 * time.Second).Unix()

	result := v.Validate(context.Background(), f.sign(t, claims))
	if !result.Valid {
		t.Errorf("token inside skew window rejected: %s", result.ErrorCode)
	}
}

func TestJWTValidateWrongIssuer(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestValidator(f)

	claims := baseClaims()
	claims["iss"] = "https://evil.example.com/realms/gateway"

	result := v.Validate(context.Background(), f.sign(t, claims))
	if result.Valid {
		t.Fatal("token with wrong issuer validated")
	}
	if result.ErrorCode != models.ErrCodeTokenIssuerInvalid {
		t.Errorf("error = %s, want %s", result.ErrorCode, models.ErrCodeTokenIssuerInvalid)
	}
}

func TestJWTValidateWrongAudience(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestValidator(f)

	claims := baseClaims()
	claims["aud"] = "someone-else"

	result := v.Validate(context.Background(), f.sign(t, claims))
	if result.Valid {
		t.Fatal("token with wrong audience validated")
	}
	if result.ErrorCode != models.ErrCodeTokenAudienceInvalid {
		t.Errorf("error = %s, want %s", result.ErrorCode, models.ErrCodeTokenAudienceInvalid)
	}
}

func TestJWTValidateBadSignature(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestValidator(f)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims())
	token.Header["kid"] = testKid
	signed, err := token.SignedString(otherKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	result := v.Validate(context.Background(), signed)
	if result.Valid {
		t.Fatal("token signed by foreign key validated")
	}
	if result.ErrorCode != models.ErrCodeTokenSignatureInvalid {
		t.Errorf("error = %s, want %s", result.ErrorCode, models.ErrCodeTokenSignatureInvalid)
	}
}

func TestJWTValidateMalformed(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestValidator(f)

	for _, tok := range []string{"", "not-a-jwt", "a.b", "a.b.c.d"} {
		result := v.Validate(context.Background(), tok)
		if result.Valid {
			t.Errorf("malformed token %q validated", tok)
		}
		if result.ErrorCode != models.ErrCodeTokenMalformed {
			t.Errorf("token %q: error = %s, want %s", tok, result.ErrorCode, models.ErrCodeTokenMalformed)
		}
	}
}

func TestJWKSCacheReuse(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestValidator(f)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result := v.Validate(ctx, f.sign(t, baseClaims()))
		if !result.Valid {
			t.Fatalf("validation %d failed: %s", i, result.ErrorCode)
		}
	}
	if f.hits != 1 {
		t.Errorf("JWKS endpoint hit %d times, want 1", f.hits)
	}
}

func TestJWKSCacheUnknownKidThrottled(t *testing.T) {
	f := newJWKSFixture(t)
	jwks := NewJWKSCache(f.server.URL, nil, time.Minute)
	ctx := context.Background()

	if err := jwks.Warm(ctx); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	hitsAfterWarm := f.hits

	// Repeated unknown-kid lookups inside the throttle window must not
	// trigger further upstream fetches.
	for i := 0; i < 10; i++ {
		if _, err := jwks.GetKey(ctx, "no-such-kid"); err == nil {
			t.Fatal("unknown kid returned a key")
		}
	}
	if f.hits != hitsAfterWarm {
		t.Errorf("unknown kids caused %d extra fetches", f.hits-hitsAfterWarm)
	}
}

func TestExtractBearer(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"Bearer abc123 ", "abc123", true},
		{"Bearer  abc123", "abc123", true},
		{"bearer abc123", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Bearer   ", "", false},
		{"Basic dXNlcg==", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		token, ok := ExtractBearer(tc.header)
		if token != tc.token || ok != tc.ok {
			t.Errorf("ExtractBearer(%q) = (%q, %v), want (%q, %v)", tc.header, token, ok, tc.token, tc.ok)
		}
	}
}
