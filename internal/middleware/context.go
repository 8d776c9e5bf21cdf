// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package middleware

import (
	"context"
	"net/http"

	"github.com/tomtom215/gatewarden/internal/models"
)

// Ctx carries one unit of work through the chain. Exactly one protocol
// section is populated: Request/Response for the request protocol, or
// Conn/Message for the stream protocol.
type Ctx struct {
	Context context.Context

	// Path drives skip-path matching: the URL path for requests, the
	// message type for streams.
	Path string

	Request  *http.Request
	Response http.ResponseWriter

	Conn        *models.StreamConnectionInfo
	Message     []byte
	MessageType string

	// Principal is set by the auth middleware for downstream consumers.
	Principal *models.Principal

	// Values is an open bag for cross-middleware state.
	Values map[string]any
}

// NewRequestCtx wraps an HTTP exchange for the request chain.
func NewRequestCtx(w http.ResponseWriter, r *http.Request) *Ctx {
	return &Ctx{
		Context:  r.Context(),
		Path:     r.URL.Path,
		Request:  r,
		Response: w,
		Values:   make(map[string]any),
	}
}

// NewStreamCtx wraps an inbound stream message for the stream chain.
func NewStreamCtx(ctx context.Context, conn *models.StreamConnectionInfo, messageType string, payload []byte) *Ctx {
	return &Ctx{
		Context:     ctx,
		Path:        messageType,
		Conn:        conn,
		Message:     payload,
		MessageType: messageType,
		Values:      make(map[string]any),
	}
}
