// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/gatewarden/internal/interceptor"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/models"
	"github.com/tomtom215/gatewarden/internal/ratelimit"
	"github.com/tomtom215/gatewarden/internal/stream"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement happens upstream; the gateway serves many
	// origins behind a reverse proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// inboundFrame is the minimal shape the gateway reads from client
// messages: the type routes authorization and rate limiting.
type inboundFrame struct {
	Type string `json:"type"`
}

// WebSocket upgrades the connection after handshake authentication and
// pumps messages through per-message authorization and rate limiting.
func (rt *Router) WebSocket(w http.ResponseWriter, r *http.Request) {
	result, ok := interceptor.ResultFromContext(r.Context())
	if !ok || !result.Authenticated {
		writeError(w, r, models.ErrCodeUnauthorized, "authentication required")
		return
	}
	principal := result.Principal

	bucket := ratelimit.BucketUser(principal.ID)
	if principal.Anonymous {
		bucket = ratelimit.BucketIP(ratelimit.ClientIP(r))
	}

	if rt.streams != nil {
		d := rt.streams.OnConnect(r.Context(), bucket)
		if !d.Allowed {
			retryAfter := int(d.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			writeErrorRetry(w, r, models.ErrCodeRateLimitExceeded, "connection limit reached", retryAfter)
			return
		}
	}

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log := logging.Ctx(r.Context())
		log.Debug().Err(err).Msg("websocket upgrade failed")
		if rt.streams != nil {
			rt.streams.OnDisconnect(r.Context(), bucket)
		}
		return
	}

	sessionID := ""
	if result.Session != nil {
		sessionID = result.Session.SessionID
	}

	// Teardown may outlive the request; release the slot on a fresh
	// context.
	conn := stream.NewWSConn(raw, func(id string) {
		if rt.registry != nil {
			rt.registry.Remove(id)
		}
		if rt.sync != nil && sessionID != "" {
			rt.sync.Unregister(sessionID, id)
		}
		if rt.streams != nil {
			rt.streams.OnDisconnect(context.Background(), bucket)
		}
	})

	info := &models.StreamConnectionInfo{
		ConnectionID: conn.ID(),
		SessionID:    sessionID,
		UserID:       principal.ID,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		AuthMethod:   result.Method,
		Permissions:  principal.Permissions,
	}
	if rt.registry != nil {
		rt.registry.Add(conn, info)
	}
	if rt.sync != nil && sessionID != "" {
		rt.sync.Register(sessionID, conn)
	}

	conn.Start()
	msgCtx := r.Context()
	conn.ReadLoop(func(payload []byte) {
		rt.handleStreamMessage(msgCtx, conn, principal, bucket, payload)
	})
}

func (rt *Router) handleStreamMessage(ctx context.Context, conn *stream.WSConn, principal *models.Principal, bucket string, payload []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Type == "" {
		// Unroutable messages are dropped silently; the client is
		// speaking a protocol the gateway does not know.
		return
	}

	if rt.streams != nil && frame.Type != "ping" && frame.Type != "pong" {
		d := rt.streams.OnMessage(ctx, bucket)
		if !d.Allowed {
			rt.sendRateLimitFrame(conn, d)
			return
		}
	}

	if rt.streamAuth != nil {
		if !rt.streamAuth.AuthorizeMessage(ctx, conn, principal, frame.Type) {
			return
		}
	}

	if frame.Type == "ping" {
		_ = conn.Send([]byte(`{"type":"pong"}`))
	}
}

func (rt *Router) sendRateLimitFrame(conn *stream.WSConn, d *ratelimit.Decision) {
	frame := models.ErrorFrame{
		Type:         models.FrameTypeRateLimitError,
		ConnectionID: conn.ID(),
		Error: models.FrameError{
			Code:       string(models.ErrCodeRateLimitExceeded),
			Message:    "message rate limit exceeded",
			Timestamp:  time.Now().UnixMilli(),
			RetryAfter: int(d.RetryAfter.Seconds()),
		},
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}
