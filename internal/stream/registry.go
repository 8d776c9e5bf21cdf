// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package stream provides the transport-neutral connection registry and
// the websocket adapter behind it. The registry breaks the dependency
// cycle between the session tier and concrete transports: the
// synchronizer pushes to Connection values without knowing what carries
// them.
package stream

import (
	"sync"

	"github.com/tomtom215/gatewarden/internal/models"
)

// Connection is a live bidirectional connection the gateway can push to.
type Connection interface {
	ID() string
	Send(payload []byte) error
	Close(code int, reason string) error
}

// Registry resolves connection ids to live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Connection
	info  map[string]*models.StreamConnectionInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Connection),
		info:  make(map[string]*models.StreamConnectionInfo),
	}
}

// Add registers a connection with its authentication state.
func (r *Registry) Add(conn Connection, info *models.StreamConnectionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
	r.info[conn.ID()] = info
}

// Remove drops a connection. Idempotent.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connectionID)
	delete(r.info, connectionID)
}

// Get resolves a connection id.
func (r *Registry) Get(connectionID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// Info returns the authentication state recorded for a connection.
func (r *Registry) Info(connectionID string) (*models.StreamConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.info[connectionID]
	return info, ok
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
