// ABOUTME: Live broadcast hub for agent and client WebSocket connections
// ABOUTME: Global broadcasts reach every connection; room broadcasts reach one room

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/metrics"
)

// RoomAgents is the room every agent connection starts in.
const RoomAgents = "agents"

// CloseAuthFailed is the close code sent when the handshake token is rejected.
const CloseAuthFailed = 4000

const (
	defaultPingInterval = 30 * time.Second
	defaultSendBuffer   = 64
	writeWait           = 10 * time.Second
	maxFrameSize        = 64 * 1024
)

// InboundFunc handles a customer_message frame from a client connection.
type InboundFunc func(ctx context.Context, who *auth.AuthContext, text string) error

// Options configures a Hub. Zero values use defaults.
type Options struct {
	PingInterval time.Duration
	SendBuffer   int
	// Inbound receives chat text sent by client connections. Nil rejects it.
	Inbound InboundFunc
}

// Hub tracks live connections and fans events out to them.
type Hub struct {
	verifier     auth.TokenVerifier
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	sendBuffer   int
	inbound      InboundFunc
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
}

// New creates a hub that authenticates connections with verifier.
func New(verifier auth.TokenVerifier, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Hub{
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer in front of the hub.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pingInterval: opts.PingInterval,
		sendBuffer:   opts.SendBuffer,
		inbound:      opts.Inbound,
		logger:       logger.With("component", "hub"),
		clients:      make(map[*Client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the connection. A missing or
// invalid token is answered with close code 4000.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	token := r.URL.Query().Get("token")
	claims, err := h.verify(token)
	if err != nil {
		h.logger.Info("rejecting connection", "reason", err, "remote", r.RemoteAddr)
		msg := websocket.FormatCloseMessage(CloseAuthFailed, "Authentication error")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := newClient(h, conn, auth.NewAuthContext(claims))
	if !h.register(client) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.logger.Info("client connected", "principal_id", client.who.PrincipalID, "role", client.who.Role, "remote", r.RemoteAddr)
	go client.writePump()
	client.readPump()
}

func (h *Hub) verify(token string) (*auth.Claims, error) {
	if token == "" {
		return nil, auth.ErrMissingClaim
	}
	return h.verifier.Verify(token)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.HubConnections.WithLabelValues(string(c.who.Role)).Inc()
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		metrics.HubConnections.WithLabelValues(string(c.who.Role)).Dec()
		h.logger.Info("client disconnected", "principal_id", c.who.PrincipalID, "role", c.who.Role)
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends {type, ...fields} to every open connection.
func (h *Hub) Broadcast(eventType string, fields map[string]any) {
	frame := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = eventType

	h.send(frame, func(*Client) bool { return true })
}

// BroadcastToRoom sends {event, data} to connections currently in room.
func (h *Hub) BroadcastToRoom(room, event string, data any) {
	frame := map[string]any{"event": event, "data": data}
	h.send(frame, func(c *Client) bool { return c.Room() == room })
}

func (h *Hub) send(frame any, match func(*Client) bool) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("encoding broadcast frame", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(payload)
	}
}

// Close disconnects every connection and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}
