// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package interceptor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/gatewarden/internal/apikey"
	"github.com/tomtom215/gatewarden/internal/models"
	"github.com/tomtom215/gatewarden/internal/session"
)

type stubTokens struct {
	result *models.AuthResult
	calls  int
}

func (s *stubTokens) ValidateToken(context.Context, string) *models.AuthResult {
	s.calls++
	return s.result
}

type stubKeys struct {
	result *apikey.ValidationResult
	calls  int
}

func (s *stubKeys) Validate(context.Context, string) *apikey.ValidationResult {
	s.calls++
	return s.result
}

type stubSessions struct {
	result  *models.SessionValidation
	calls   int
	lastCtx session.Context
}

func (s *stubSessions) ValidateSession(_ context.Context, _ string, callerCtx session.Context) *models.SessionValidation {
	s.calls++
	s.lastCtx = callerCtx
	return s.result
}

func validTokenResult(userID string) *models.AuthResult {
	return &models.AuthResult{
		Valid:     true,
		Principal: &models.Principal{ID: userID, Username: userID},
	}
}

func TestAuthenticateBearer(t *testing.T) {
	tokens := &stubTokens{result: validTokenResult("u1")}
	i := NewAuthInterceptor(Config{}, tokens, nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/media", nil)
	r.Header.Set("Authorization", "Bearer some.jwt.token")

	res := i.Authenticate(r)
	if !res.Authenticated || res.Method != models.AuthMethodJWT {
		t.Fatalf("result = %+v", res)
	}
	if res.Principal.ID != "u1" {
		t.Errorf("principal = %+v", res.Principal)
	}
}

func TestAuthenticateInvalidBearerTerminatesWalk(t *testing.T) {
	tokens := &stubTokens{result: &models.AuthResult{Valid: false, ErrorCode: models.ErrCodeTokenExpired}}
	keys := &stubKeys{result: &apikey.ValidationResult{Valid: true, Principal: &models.Principal{ID: "u2"}}}
	i := NewAuthInterceptor(Config{}, tokens, keys, nil)

	// A valid API key rides along, but the presented bearer token fails
	// first and must end the walk.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer expired.jwt")
	r.Header.Set(DefaultAPIKeyHeader, "ak_valid")

	res := i.Authenticate(r)
	if res.Authenticated {
		t.Fatal("authenticated despite invalid bearer token")
	}
	if res.ErrorCode != models.ErrCodeTokenExpired {
		t.Errorf("error code = %q", res.ErrorCode)
	}
	if keys.calls != 0 {
		t.Errorf("API key validator consulted %d times after bearer failure", keys.calls)
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	keys := &stubKeys{result: &apikey.ValidationResult{
		Valid:     true,
		Principal: &models.Principal{ID: "u2", Username: "svc-key"},
	}}
	i := NewAuthInterceptor(Config{}, nil, keys, nil)

	for _, carrier := range []string{"header", "query"} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if carrier == "header" {
			r.Header.Set(DefaultAPIKeyHeader, "ak_abc")
		} else {
			r = httptest.NewRequest(http.MethodGet, "/?api_key=ak_abc", nil)
		}
		res := i.Authenticate(r)
		if !res.Authenticated || res.Method != models.AuthMethodAPIKey {
			t.Errorf("%s: result = %+v", carrier, res)
		}
	}
	if keys.calls != 2 {
		t.Errorf("validator calls = %d, want 2", keys.calls)
	}
}

func TestAuthenticateSessionCookie(t *testing.T) {
	sess := &models.Session{
		SessionID: "abc.123",
		UserID:    "u3",
		Principal: &models.Principal{ID: "u3", Username: "carol"},
	}
	sessions := &stubSessions{result: &models.SessionValidation{Valid: true, Session: sess}}
	i := NewAuthInterceptor(Config{}, nil, nil, sessions)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:41000"
	r.Header.Set("User-Agent", "TestAgent/1.0")
	r.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "abc.123"})

	res := i.Authenticate(r)
	if !res.Authenticated || res.Method != models.AuthMethodSession {
		t.Fatalf("result = %+v", res)
	}
	if res.Session != sess || res.Principal.ID != "u3" {
		t.Errorf("session/principal = %+v / %+v", res.Session, res.Principal)
	}
	if sessions.lastCtx.IPAddress != "10.1.2.3" || sessions.lastCtx.UserAgent != "TestAgent/1.0" {
		t.Errorf("caller context = %+v", sessions.lastCtx)
	}
}

func TestAuthenticateSessionQueryFallback(t *testing.T) {
	sessions := &stubSessions{result: &models.SessionValidation{
		Valid:   true,
		Session: &models.Session{SessionID: "abc.123", Principal: &models.Principal{ID: "u3"}},
	}}
	i := NewAuthInterceptor(Config{}, nil, nil, sessions)

	r := httptest.NewRequest(http.MethodGet, "/?session_id=abc.123", nil)
	res := i.Authenticate(r)
	if !res.Authenticated || sessions.calls != 1 {
		t.Fatalf("result = %+v, calls = %d", res, sessions.calls)
	}
}

func TestAuthenticateInvalidSession(t *testing.T) {
	sessions := &stubSessions{result: &models.SessionValidation{
		Valid:     false,
		ErrorCode: models.ErrCodeSessionExpired,
	}}
	i := NewAuthInterceptor(Config{AllowAnonymous: true}, nil, nil, sessions)

	// The presented session is invalid, so anonymous must not kick in.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "abc.123"})

	res := i.Authenticate(r)
	if res.Authenticated {
		t.Fatal("authenticated with an expired session")
	}
	if res.ErrorCode != models.ErrCodeSessionExpired {
		t.Errorf("error code = %q", res.ErrorCode)
	}
}

func TestAuthenticatePKCEHandshake(t *testing.T) {
	i := NewAuthInterceptor(Config{}, nil, nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/?code_challenge=abc123&state=xyz", nil)
	res := i.Authenticate(r)
	if !res.Authenticated || res.Method != models.AuthMethodPKCE {
		t.Fatalf("result = %+v", res)
	}
	if !res.Principal.Anonymous {
		t.Error("PKCE handshake principal is not anonymous")
	}
	if res.Principal.Attributes["pkce_state"] != "xyz" || res.Principal.Attributes["code_challenge"] != "abc123" {
		t.Errorf("attributes = %+v", res.Principal.Attributes)
	}
}

func TestAuthenticateAnonymous(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	allowed := NewAuthInterceptor(Config{AllowAnonymous: true}, nil, nil, nil)
	res := allowed.Authenticate(r)
	if !res.Authenticated || res.Method != models.AuthMethodAnonymous || !res.Principal.Anonymous {
		t.Fatalf("result = %+v", res)
	}

	denied := NewAuthInterceptor(Config{}, nil, nil, nil)
	res = denied.Authenticate(r)
	if res.Authenticated || res.ErrorCode != models.ErrCodeUnauthorized {
		t.Errorf("result = %+v", res)
	}
}

func TestMiddlewareUnauthorizedEnvelope(t *testing.T) {
	tokens := &stubTokens{result: &models.AuthResult{Valid: false, ErrorCode: models.ErrCodeJWKSUnavailable}}
	i := NewAuthInterceptor(Config{Realm: "test-realm"}, tokens, nil, nil)

	handler := i.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler ran for an unauthenticated request")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	wwwAuth := w.Header().Get("WWW-Authenticate")
	if !strings.Contains(wwwAuth, `realm="test-realm"`) {
		t.Errorf("WWW-Authenticate = %q", wwwAuth)
	}

	var envelope errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	// jwks_unavailable is not client visible, so the code collapses.
	if envelope.Code != string(models.ErrCodeUnauthorized) {
		t.Errorf("envelope code = %q", envelope.Code)
	}
}

func TestMiddlewareStoresResult(t *testing.T) {
	tokens := &stubTokens{result: validTokenResult("u1")}
	i := NewAuthInterceptor(Config{}, tokens, nil, nil)

	var gotPrincipal *models.Principal
	handler := i.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFromContext(r.Context()); ok {
			gotPrincipal = p
		}
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer good.jwt")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if gotPrincipal == nil || gotPrincipal.ID != "u1" {
		t.Errorf("principal from context = %+v", gotPrincipal)
	}
}
