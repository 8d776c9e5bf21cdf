// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package interceptor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/gatewarden/internal/models"
)

type fakeStreamConn struct {
	id        string
	frames    [][]byte
	closed    bool
	closeCode int
}

func (c *fakeStreamConn) ID() string { return c.id }

func (c *fakeStreamConn) Send(payload []byte) error {
	c.frames = append(c.frames, payload)
	return nil
}

func (c *fakeStreamConn) Close(code int, _ string) error {
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeStreamConn) lastFrame(t *testing.T) models.ErrorFrame {
	t.Helper()
	if len(c.frames) == 0 {
		t.Fatal("no frames sent")
	}
	var frame models.ErrorFrame
	if err := json.Unmarshal(c.frames[len(c.frames)-1], &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

type allowAllAuthz struct{ denied map[string]bool }

func (a *allowAllAuthz) Check(_ context.Context, _ *models.Principal, resource, action string, _ map[string]string) *models.Decision {
	if a.denied[resource+":"+action] {
		return &models.Decision{Allowed: false, Reason: "no_matching_permission"}
	}
	return &models.Decision{Allowed: true, Reason: "permission_matched"}
}

func streamPrincipal(roles ...string) *models.Principal {
	return &models.Principal{ID: "u1", Username: "alice", Roles: roles}
}

func TestStreamAuthorizeExemptTypes(t *testing.T) {
	s := NewStreamAuthInterceptor(StreamConfig{
		Rules: map[string]MessageRule{"ping": {Roles: []string{"admin"}}},
	}, nil, nil)

	conn := &fakeStreamConn{id: "c1"}
	// ping is exempt by default even when a rule names it.
	if !s.AuthorizeMessage(context.Background(), conn, nil, "ping") {
		t.Error("ping denied")
	}
	if !s.AuthorizeMessage(context.Background(), conn, nil, "pong") {
		t.Error("pong denied")
	}
	if len(conn.frames) != 0 || conn.closed {
		t.Errorf("conn touched: frames=%d closed=%v", len(conn.frames), conn.closed)
	}
}

func TestStreamAuthorizeNoRulePasses(t *testing.T) {
	s := NewStreamAuthInterceptor(StreamConfig{}, nil, nil)
	conn := &fakeStreamConn{id: "c1"}
	if !s.AuthorizeMessage(context.Background(), conn, streamPrincipal(), "subscribe") {
		t.Error("unruled message type denied")
	}
}

func TestStreamAuthorizeRoleRequired(t *testing.T) {
	s := NewStreamAuthInterceptor(StreamConfig{
		Rules: map[string]MessageRule{"admin:broadcast": {Roles: []string{"admin"}}},
	}, nil, nil)

	conn := &fakeStreamConn{id: "c1"}
	if s.AuthorizeMessage(context.Background(), conn, streamPrincipal("viewer"), "admin:broadcast") {
		t.Fatal("viewer allowed to broadcast")
	}

	frame := conn.lastFrame(t)
	if frame.Type != models.FrameTypeAuthError {
		t.Errorf("frame type = %q", frame.Type)
	}
	if frame.Error.Code != "INSUFFICIENT_PERMISSIONS" {
		t.Errorf("frame code = %q", frame.Error.Code)
	}
	if !conn.closed || conn.closeCode != models.ClosePolicyViolation {
		t.Errorf("close: closed=%v code=%d", conn.closed, conn.closeCode)
	}

	admin := &fakeStreamConn{id: "c2"}
	if !s.AuthorizeMessage(context.Background(), admin, streamPrincipal("admin"), "admin:broadcast") {
		t.Error("admin denied")
	}
}

func TestStreamAuthorizePermissionRequired(t *testing.T) {
	authz := &allowAllAuthz{denied: map[string]bool{"media:delete": true}}
	s := NewStreamAuthInterceptor(StreamConfig{
		Rules: map[string]MessageRule{
			"media:play":   {Permissions: []string{"media:read"}},
			"media:remove": {Permissions: []string{"media:delete"}},
		},
	}, nil, authz)

	conn := &fakeStreamConn{id: "c1"}
	if !s.AuthorizeMessage(context.Background(), conn, streamPrincipal(), "media:play") {
		t.Error("permitted message denied")
	}
	if s.AuthorizeMessage(context.Background(), conn, streamPrincipal(), "media:remove") {
		t.Error("denied permission allowed")
	}
}

func TestStreamAuthorizeAnonymous(t *testing.T) {
	s := NewStreamAuthInterceptor(StreamConfig{
		Rules: map[string]MessageRule{"subscribe": {Permissions: []string{"media:read"}}},
	}, nil, &allowAllAuthz{})

	conn := &fakeStreamConn{id: "c1"}
	anon := &models.Principal{Username: "anonymous", Anonymous: true}
	if s.AuthorizeMessage(context.Background(), conn, anon, "subscribe") {
		t.Fatal("anonymous principal authorized")
	}
	if frame := conn.lastFrame(t); frame.Error.Code != "UNAUTHENTICATED" {
		t.Errorf("frame code = %q", frame.Error.Code)
	}

	if s.AuthorizeMessage(context.Background(), &fakeStreamConn{id: "c2"}, nil, "subscribe") {
		t.Error("nil principal authorized")
	}
}

func TestStreamAuthorizeDisableClose(t *testing.T) {
	s := NewStreamAuthInterceptor(StreamConfig{
		Rules:               map[string]MessageRule{"subscribe": {Roles: []string{"admin"}}},
		DisableCloseOnError: true,
	}, nil, nil)

	conn := &fakeStreamConn{id: "c1"}
	if s.AuthorizeMessage(context.Background(), conn, streamPrincipal("viewer"), "subscribe") {
		t.Fatal("denied message allowed")
	}
	if conn.closed {
		t.Error("connection closed despite DisableCloseOnError")
	}
	if len(conn.frames) != 1 {
		t.Errorf("frames = %d, want 1", len(conn.frames))
	}
}

func TestStreamHandshakeDelegates(t *testing.T) {
	tokens := &stubTokens{result: validTokenResult("u1")}
	request := NewAuthInterceptor(Config{}, tokens, nil, nil)
	s := NewStreamAuthInterceptor(StreamConfig{}, request, nil)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer good.jwt")
	res := s.Handshake(r)
	if !res.Authenticated || res.Method != models.AuthMethodJWT {
		t.Errorf("result = %+v", res)
	}
}
