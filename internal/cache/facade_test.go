// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestFacade(t *testing.T) (*Facade, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

type testPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSetGet_RoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	in := testPayload{Name: "alice", Count: 3}
	if err := f.Set(ctx, "jwt:abc", in, time.Minute); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	var out testPayload
	ok, err := f.Get(ctx, "jwt:abc", &out)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if out != in {
		t.Errorf("got %+v want %+v", out, in)
	}
}

func TestGet_Miss(t *testing.T) {
	f, _ := newTestFacade(t)

	var out testPayload
	ok, err := f.Get(context.Background(), "jwt:missing", &out)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if ok {
		t.Error("expected miss")
	}
}

func TestSet_RequiresTTL(t *testing.T) {
	f, _ := newTestFacade(t)

	if err := f.Set(context.Background(), "k", "v", 0); !errors.Is(err, ErrTTLRequired) {
		t.Errorf("expected ErrTTLRequired, got %v", err)
	}
	if err := f.SetString(context.Background(), "k", "v", -time.Second); !errors.Is(err, ErrTTLRequired) {
		t.Errorf("expected ErrTTLRequired, got %v", err)
	}
}

func TestGet_ExpiredEntry(t *testing.T) {
	f, mr := newTestFacade(t)
	ctx := context.Background()

	if err := f.SetString(ctx, "session:abc", "v", time.Second); err != nil {
		t.Fatalf("SetString error: %v", err)
	}
	mr.FastForward(2 * time.Second)

	_, ok, err := f.GetString(ctx, "session:abc")
	if err != nil {
		t.Fatalf("GetString error: %v", err)
	}
	if ok {
		t.Error("expected miss after TTL expiry")
	}
}

func TestInvalidate(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	_ = f.SetString(ctx, "a", "1", time.Minute)
	_ = f.SetString(ctx, "b", "2", time.Minute)

	if err := f.Invalidate(ctx, "a", "b"); err != nil {
		t.Fatalf("Invalidate error: %v", err)
	}
	if _, ok, _ := f.GetString(ctx, "a"); ok {
		t.Error("key a should be gone")
	}
}

func TestInvalidatePrefix(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	for _, k := range []string{"pkce:1", "pkce:2", "pkce:3", "session:keep"} {
		_ = f.SetString(ctx, k, "v", time.Minute)
	}

	n, err := f.InvalidatePrefix(ctx, "pkce:")
	if err != nil {
		t.Fatalf("InvalidatePrefix error: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d keys, want 3", n)
	}
	if _, ok, _ := f.GetString(ctx, "session:keep"); !ok {
		t.Error("unrelated key should survive")
	}
}

func TestPublishSubscribe(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	sub, err := f.Subscribe(ctx, func(channel string, payload []byte) {
		if channel == "session:deleted" {
			received <- payload
		}
	}, "session:deleted")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer func() { _ = sub.Close() }()

	if err := f.Publish(ctx, "session:deleted", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case payload := <-received:
		if len(payload) == 0 {
			t.Error("empty payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub delivery")
	}
}

func TestGet_CacheUnavailable(t *testing.T) {
	f, mr := newTestFacade(t)
	mr.Close()

	var out testPayload
	_, err := f.Get(context.Background(), "k", &out)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
