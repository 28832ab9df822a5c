// ABOUTME: A single live WebSocket connection: room membership, liveness and frame handling
// ABOUTME: One reader goroutine, one writer goroutine and a bounded send buffer per connection

package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/metrics"
)

// Client frame types.
const (
	framePing            = "ping"
	framePong            = "pong"
	frameJoin            = "join_conversation"
	frameLeave           = "leave_conversation"
	frameCustomerMessage = "customer_message"
	frameError           = "error"
)

type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// Client is one authenticated connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	who  *auth.AuthContext
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu    sync.Mutex
	room  string
	alive bool
}

func newClient(h *Hub, conn *websocket.Conn, who *auth.AuthContext) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:    h,
		conn:   conn,
		who:    who,
		send:   make(chan []byte, h.sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		room:   defaultRoom(who),
		alive:  true,
	}
}

func defaultRoom(who *auth.AuthContext) string {
	if who.IsAgent() {
		return RoomAgents
	}
	return ""
}

// Room returns the connection's current room, or "" for none.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

func (c *Client) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// checkAlive reports whether the peer answered since the last check and
// clears the flag for the next round.
func (c *Client) checkAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasAlive := c.alive
	c.alive = false
	return wasAlive
}

// enqueue queues payload for the writer. A full buffer drops the connection.
func (c *Client) enqueue(payload []byte) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}

	select {
	case c.send <- payload:
	default:
		metrics.HubBroadcastsDropped.Inc()
		c.hub.logger.Warn("dropping slow connection", "principal_id", c.who.PrincipalID)
		c.close(websocket.ClosePolicyViolation, "send buffer full")
	}
}

func (c *Client) enqueueJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("encoding frame", "error", err)
		return
	}
	c.enqueue(payload)
}

// close sends a close frame and tears the connection down. Safe to call more than once.
func (c *Client) close(code int, reason string) {
	c.once.Do(func() {
		c.cancel()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.conn.Close()
		c.hub.unregister(c)
	})
}

// terminate drops the connection without a close handshake.
func (c *Client) terminate() {
	c.once.Do(func() {
		c.cancel()
		c.conn.Close()
		c.hub.unregister(c)
	})
}

func (c *Client) readPump() {
	defer c.terminate()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("read failed", "principal_id", c.who.PrincipalID, "error", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.terminate()
				return
			}

		case <-ticker.C:
			if !c.checkAlive() {
				c.hub.logger.Info("terminating unresponsive connection", "principal_id", c.who.PrincipalID)
				c.terminate()
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.terminate()
				return
			}
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.enqueueJSON(map[string]string{"type": frameError, "error": "invalid frame"})
		return
	}

	switch frame.Type {
	case framePing:
		c.enqueueJSON(map[string]string{"type": framePong})

	case frameJoin:
		if frame.ConversationID == "" || !c.who.CanAccessConversation(frame.ConversationID) {
			c.enqueueJSON(map[string]string{"type": frameError, "error": "forbidden"})
			return
		}
		c.setRoom(frame.ConversationID)

	case frameLeave:
		c.mu.Lock()
		if c.room == frame.ConversationID {
			c.room = defaultRoom(c.who)
		}
		c.mu.Unlock()

	case frameCustomerMessage:
		c.handleCustomerMessage(frame.Text)

	default:
		c.hub.logger.Debug("ignoring frame", "type", frame.Type, "principal_id", c.who.PrincipalID)
	}
}

func (c *Client) handleCustomerMessage(text string) {
	if c.who.Role != auth.RoleClient || c.hub.inbound == nil {
		c.enqueueJSON(map[string]string{"type": frameError, "error": "forbidden"})
		return
	}
	if text == "" {
		c.enqueueJSON(map[string]string{"type": frameError, "error": "text is required"})
		return
	}
	if err := c.hub.inbound(c.ctx, c.who, text); err != nil {
		c.hub.logger.Warn("inbound message rejected", "principal_id", c.who.PrincipalID, "error", err)
		c.enqueueJSON(map[string]string{"type": frameError, "error": "message not accepted"})
	}
}
