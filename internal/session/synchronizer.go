// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package session

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

// closeDelay gives clients time to read the final sync frame before the
// connection is closed.
const closeDelay = 100 * time.Millisecond

// Event is the wire shape of a session lifecycle event.
type Event struct {
	Type               string            `json:"type"`
	SessionID          string            `json:"sessionId"`
	UserID             string            `json:"userId,omitempty"`
	Updates            map[string]string `json:"updates,omitempty"`
	Source             string            `json:"source,omitempty"`
	OriginConnectionID string            `json:"originConnectionId,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
}

// Connection is a live stream connection the synchronizer can push to.
type Connection interface {
	ID() string
	Send(payload []byte) error
	Close(code int, reason string) error
}

// Synchronizer fans session lifecycle events out to registered stream
// connections across protocol boundaries. Events travel through cache
// pub/sub, so every node sees every event; each node forwards to its own
// connections only.
type Synchronizer struct {
	cache  *cache.Facade
	logger zerolog.Logger

	mu          sync.RWMutex
	connections map[string]Connection
	sessions    map[string]map[string]struct{} // sessionID -> connection ids

	sub *cache.Subscription
}

// NewSynchronizer creates a synchronizer. Call Serve (or Start) to begin
// consuming events.
func NewSynchronizer(c *cache.Facade) *Synchronizer {
	return &Synchronizer{
		cache:       c,
		logger:      logging.With().Str("component", "session_sync").Logger(),
		connections: make(map[string]Connection),
		sessions:    make(map[string]map[string]struct{}),
	}
}

// Start subscribes to the session channels. Idempotent per lifecycle;
// returns the subscription error if the cache is unreachable.
func (s *Synchronizer) Start(ctx context.Context) error {
	sub, err := s.cache.Subscribe(ctx, s.handleEvent,
		ChannelSessionUpdates,
		ChannelSessionCreated,
		ChannelSessionDeleted,
		ChannelSessionExpired,
	)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info().Msg("session synchronizer subscribed")
	return nil
}

// Serve runs the synchronizer until ctx is cancelled. It satisfies
// suture.Service.
func (s *Synchronizer) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Synchronizer) String() string { return "session-synchronizer" }

// Stop tears down the subscription.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// Register binds a connection to a session so it receives sync frames.
func (s *Synchronizer) Register(sessionID string, conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connections[conn.ID()] = conn
	set, ok := s.sessions[sessionID]
	if !ok {
		set = make(map[string]struct{})
		s.sessions[sessionID] = set
	}
	set[conn.ID()] = struct{}{}
	metrics.StreamConnections.Set(float64(len(s.connections)))
}

// Unregister removes a connection; the last connection of a session
// removes the session entry entirely.
func (s *Synchronizer) Unregister(sessionID, connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.connections, connectionID)
	if set, ok := s.sessions[sessionID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(s.sessions, sessionID)
		}
	}
	metrics.StreamConnections.Set(float64(len(s.connections)))
}

// ConnectionsFor returns the ids of connections registered for a session.
func (s *Synchronizer) ConnectionsFor(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sessions[sessionID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// PublishSessionUpdate broadcasts a session update to every node. The
// origin connection is excluded from the fan-out to prevent echo loops.
func (s *Synchronizer) PublishSessionUpdate(ctx context.Context, sessionID, userID string, updates map[string]string, source, originConnectionID string) error {
	return s.cache.Publish(ctx, ChannelSessionUpdates, &Event{
		Type:               "session:updated",
		SessionID:          sessionID,
		UserID:             userID,
		Updates:            updates,
		Source:             source,
		OriginConnectionID: originConnectionID,
		Timestamp:          time.Now(),
	})
}

// handleEvent runs on the subscription goroutine.
func (s *Synchronizer) handleEvent(channel string, payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Str("channel", channel).Err(err).Msg("malformed session event dropped")
		return
	}
	metrics.SessionSyncEvents.WithLabelValues(channel).Inc()

	switch channel {
	case ChannelSessionUpdates:
		s.fanOut(&event, event.OriginConnectionID, false)
	case ChannelSessionDeleted, ChannelSessionExpired:
		s.fanOut(&event, "", true)
		s.dropSession(event.SessionID)
	case ChannelSessionCreated:
		// Nothing to fan out: no connection can be registered for a
		// session that was just created.
	}
}

// fanOut sends the event to every connection of the session except the
// excluded one. When closeAfter is set, connections are closed with a
// policy-violation code shortly after the frame is delivered.
func (s *Synchronizer) fanOut(event *Event, excludeConnID string, closeAfter bool) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Msg("session event marshal failed")
		return
	}

	s.mu.RLock()
	var targets []Connection
	for id := range s.sessions[event.SessionID] {
		if id == excludeConnID {
			continue
		}
		if conn, ok := s.connections[id]; ok {
			targets = append(targets, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			s.logger.Debug().Str("connection_id", conn.ID()).Err(err).Msg("sync frame send failed")
			continue
		}
		if closeAfter {
			go func(c Connection) {
				time.Sleep(closeDelay)
				_ = c.Close(models.ClosePolicyViolation, "session terminated")
			}(conn)
		}
	}
}

// dropSession removes all bookkeeping for a session.
func (s *Synchronizer) dropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions[sessionID] {
		delete(s.connections, id)
	}
	delete(s.sessions, sessionID)
	metrics.StreamConnections.Set(float64(len(s.connections)))
}
