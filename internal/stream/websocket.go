// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// ErrSendBufferFull is returned when a slow consumer's outbound queue is
// saturated.
var ErrSendBufferFull = errors.New("stream send buffer full")

// WSConn adapts a gorilla websocket connection to the Connection
// interface: buffered sends through a single write pump, ping keepalive
// and deadline management.
type WSConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}

	// onClose runs once when the connection tears down, before the
	// underlying socket closes. Used for registry/synchronizer cleanup.
	onClose func(id string)
}

// NewWSConn wraps an upgraded websocket connection. Call Start to launch
// the write pump and ReadLoop to consume inbound messages.
func NewWSConn(conn *websocket.Conn, onClose func(id string)) *WSConn {
	id := uuid.New().String()
	return &WSConn{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		logger:  logging.With().Str("component", "ws_conn").Str("connection_id", id).Logger(),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// ID returns the connection id.
func (c *WSConn) ID() string { return c.id }

// Send enqueues a payload for the write pump. Never blocks: a saturated
// buffer means a consumer too slow to keep, so the send is dropped and
// reported.
func (c *WSConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		metrics.StreamMessagesDropped.WithLabelValues("slow_consumer").Inc()
		return ErrSendBufferFull
	}
}

// Close sends a close control frame with the given code and tears the
// connection down. Safe to call multiple times.
func (c *WSConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil {
			c.logger.Debug().Err(werr).Msg("close frame write failed")
		}
		err = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
	return err
}

// Start launches the write pump.
func (c *WSConn) Start() {
	go c.writePump()
}

// ReadLoop consumes inbound messages until the connection drops, passing
// each payload to handler. Blocks; run on the connection's goroutine.
func (c *WSConn) ReadLoop(handler func(payload []byte)) {
	defer func() {
		_ = c.Close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug().Err(err).Msg("set read deadline failed")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		handler(payload)
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("stream write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
