package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/oversightgw/oversightgw/internal/dispatch"
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin host must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return u.Host == r.Host
		},
	}
}

// WebSocketHub serves the /ws/dashboard feed: it pushes every dispatched
// event to connected clients and echoes back whatever a client sends,
// per spec.md §6. It implements dispatch.Subscriber so the Dispatcher can
// fan events out to it like any other live subscriber.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]*sync.Mutex
	upgrader websocket.Upgrader
	logger   *slog.Logger
	done     chan struct{}
}

// NewWebSocketHub creates a new dashboard WebSocket hub.
func NewWebSocketHub(logger *slog.Logger, allowAllOrigins bool) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger.With("component", "api.WebSocketHub"),
		done:     make(chan struct{}),
	}
}

// Run blocks until Close is called.
func (h *WebSocketHub) Run() {
	<-h.done
}

// Close shuts down the hub and all connections.
func (h *WebSocketHub) Close() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades an HTTP connection and starts the read pump.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	writeMu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeMu
	h.mu.Unlock()

	h.logger.Debug("dashboard client connected", "remote", conn.RemoteAddr())

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
			h.logger.Debug("dashboard client disconnected", "remote", conn.RemoteAddr())
		}()

		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				break
			}
			// Echo the client's payload back, per spec.md §6.
			writeMu.Lock()
			err = conn.WriteMessage(msgType, payload)
			writeMu.Unlock()
			if err != nil {
				break
			}
		}
	}()
}

// Send implements dispatch.Subscriber: it pushes one event to every
// connected dashboard client, best-effort, dropping any client whose
// write fails.
func (h *WebSocketHub) Send(e dispatch.Event) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return err
	}

	h.mu.RLock()
	type target struct {
		conn *websocket.Conn
		mu   *sync.Mutex
	}
	targets := make([]target, 0, len(h.clients))
	for conn, mu := range h.clients {
		targets = append(targets, target{conn, mu})
	}
	h.mu.RUnlock()

	var dead []*websocket.Conn
	for _, t := range targets {
		t.mu.Lock()
		writeErr := t.conn.WriteMessage(websocket.TextMessage, msg)
		t.mu.Unlock()
		if writeErr != nil {
			dead = append(dead, t.conn)
		}
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			_ = c.Close()
		}
		h.mu.Unlock()
	}

	return nil
}

// ClientCount returns the number of connected dashboard clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
