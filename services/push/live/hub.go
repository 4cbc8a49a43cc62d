// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package live mirrors composed notifications to dashboards that are open
// right now, over a websocket.
//
// Web push is the delivery channel of record. The hub only spares a patient
// who is already looking at the portal from waiting on the push service, so
// publishing never blocks and a slow socket simply misses messages.
package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// DefaultBufferSize is the per-connection outbound queue length.
	DefaultBufferSize = 16
)

// Client is one open dashboard socket.
type Client struct {
	userID string
	send   chan []byte
}

// UserID returns the identity the socket was opened under.
func (c *Client) UserID() string { return c.userID }

// Messages returns the outbound queue. It is closed on Unregister.
func (c *Client) Messages() <-chan []byte { return c.send }

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-connection queue length.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin check. The default accepts
// only same-host requests.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

// Hub tracks open sockets per user.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	bufferSize int
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		bufferSize: DefaultBufferSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a client for userID.
func (h *Hub) Register(userID string) *Client {
	c := &Client{userID: userID, send: make(chan []byte, h.bufferSize)}

	h.mu.Lock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Unregister removes c and closes its queue. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

// Publish queues v, JSON encoded, on every socket of userID.
//
// # Outputs
//
//	int - Sockets the message was queued on. Full queues are skipped.
//	error - Only when v cannot be marshalled.
func (h *Hub) Publish(userID string, v any) (int, error) {
	msg, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.clients[userID] {
		select {
		case c.send <- msg:
			delivered++
		default:
			h.logger.Warn("live.publish.dropped", slog.String("user_id", userID))
		}
	}
	return delivered, nil
}

// Connections returns the number of open sockets for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Serve upgrades the request and pumps published messages to it until the
// peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("live.upgrade.failed", slog.String("error", err.Error()))
		return
	}

	client := h.Register(userID)
	h.logger.Debug("live.client.connected", slog.String("user_id", userID))

	go h.readPump(conn, client)
	h.writePump(conn, client)
	h.logger.Debug("live.client.disconnected", slog.String("user_id", userID))
}

// readPump discards inbound frames and unregisters on close.
func (h *Hub) readPump(conn *websocket.Conn, c *Client) {
	defer h.Unregister(c)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.Unregister(c)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unregister(c)
				return
			}
		}
	}
}
