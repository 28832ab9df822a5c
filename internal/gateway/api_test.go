// ABOUTME: Tests for the client and agent HTTP API handlers
// ABOUTME: Covers first contact, client login, agent auth, replies and ticket resolution

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/pipeline"
	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/tickets"
)

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (tg *testGateway) agentToken(t *testing.T) string {
	t.Helper()
	token, err := tg.verifier.Generate(auth.AgentClaims("agent-1", auth.RoleAgent), time.Hour)
	require.NoError(t, err)
	return token
}

// firstContact sends a web message from an unknown customer and returns the
// new conversation with the credentials from its "Crear usuario" ticket.
func (tg *testGateway) firstContact(t *testing.T, customerID string) (*store.Conversation, string) {
	t.Helper()

	resp := tg.do(t, http.MethodPost, "/api/clients/message", "", map[string]string{"customerId": customerID, "text": "hola"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeJSON[map[string]string](t, resp)
	require.NotEmpty(t, body["conversation_id"])

	conv, err := tg.store.GetConversation(context.Background(), body["conversation_id"])
	require.NoError(t, err)

	open, err := tg.store.ListTickets(context.Background(), store.TicketStatusOpen, 0)
	require.NoError(t, err)
	for _, ticket := range open {
		if ticket.ConversationID == conv.ID && ticket.Subject == string(tickets.SubjectCreateUser) {
			_, password, ok := strings.Cut(ticket.Description, " - ")
			require.True(t, ok)
			return conv, password
		}
	}
	t.Fatalf("no Crear usuario ticket for %s", conv.ID)
	return nil, ""
}

func TestClientMessage_FirstContactThenKnownCustomer(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodPost, "/api/clients/message", "", map[string]string{"customerId": "web-1", "text": "hola"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeJSON[map[string]string](t, resp)
	assert.Equal(t, tg.config.Pipeline.FirstContactMessage, first["message"])
	assert.NotEmpty(t, first["conversation_id"])

	conv, err := tg.store.GetConversationByCustomer(context.Background(), store.SourceWeb, "web-1")
	require.NoError(t, err)
	assert.Equal(t, store.SourceWeb, conv.Source)
	assert.Equal(t, first["conversation_id"], conv.ID)

	// Without an assistant the known-customer reply is empty.
	resp = tg.do(t, http.MethodPost, "/api/clients/message", "", map[string]string{"customerId": "web-1", "text": "sigo aca"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decodeJSON[map[string]string](t, resp)
	assert.Equal(t, "", second["text"])
	assert.NotContains(t, second, "message")

	conv, err = tg.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.UnreadCount)
	assert.Equal(t, "sigo aca", conv.LastMessage)
}

func TestClientMessage_Validation(t *testing.T) {
	tg := newTestGateway(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing text", map[string]string{"customerId": "web-1"}},
		{"missing customer", map[string]string{"text": "hola"}},
		{"invalid json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tg.do(t, http.MethodPost, "/api/clients/message", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decodeJSON[map[string]string](t, resp)["error"])
		})
	}
}

func TestClientLogin(t *testing.T) {
	tg := newTestGateway(t)
	conv, password := tg.firstContact(t, "web-login")

	resp := tg.do(t, http.MethodPost, "/api/auth/client/login", "", map[string]string{"username": conv.CustomerName, "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = tg.do(t, http.MethodPost, "/api/auth/client/login", "", map[string]string{"username": "nobody", "password": password})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = tg.do(t, http.MethodPost, "/api/auth/client/login", "", map[string]string{"username": conv.CustomerName, "password": password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decodeJSON[ClientLoginResponse](t, resp)
	require.NotNil(t, login.Conversation)
	assert.Equal(t, conv.ID, login.Conversation.ID)

	claims, err := tg.verifier.Verify(login.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleClient, claims.Role)
	assert.Equal(t, conv.ID, claims.ConversationID)
	assert.Equal(t, "web-login", claims.CustomerID)
	assert.Equal(t, conv.CustomerName, claims.Username)

	// A client token does not open the agent API.
	resp = tg.do(t, http.MethodGet, "/api/conversations", login.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAgentAPI_RequiresToken(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/api/conversations", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/api/conversations", tg.agentToken(t), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentAPI_ConversationRoutes(t *testing.T) {
	tg := newTestGateway(t)
	conv, _ := tg.firstContact(t, "web-2")
	token := tg.agentToken(t)

	resp := tg.do(t, http.MethodGet, "/api/conversations", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeJSON[map[string][]store.Conversation](t, resp)
	require.Len(t, list["conversations"], 1)
	assert.Equal(t, conv.ID, list["conversations"][0].ID)

	resp = tg.do(t, http.MethodGet, "/api/conversations/"+conv.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/api/conversations/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = tg.do(t, http.MethodPut, "/api/conversations/"+conv.ID+"/read", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decodeJSON[store.Conversation](t, resp).UnreadCount)

	resp = tg.do(t, http.MethodPut, "/api/conversations/"+conv.ID+"/ai-toggle", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, !conv.AIEnabled, decodeJSON[store.Conversation](t, resp).AIEnabled)

	resp = tg.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=0", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentReply_WebConversation(t *testing.T) {
	tg := newTestGateway(t)
	conv, _ := tg.firstContact(t, "web-3")
	token := tg.agentToken(t)

	resp := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", token, map[string]string{"text": "ya te ayudo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decodeJSON[store.Message](t, resp)
	assert.Equal(t, "agent-1", msg.SenderID)
	assert.Equal(t, "ya te ayudo", msg.Text())

	resp = tg.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeJSON[struct {
		Messages []store.Message `json:"messages"`
	}](t, resp)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "ya te ayudo", history.Messages[1].Text())

	updated, err := tg.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "ya te ayudo", updated.LastMessage)
	assert.Equal(t, conv.UnreadCount, updated.UnreadCount, "agent replies do not count as unread")

	// Web conversations are answered in the room, not over Messenger.
	assert.Empty(t, tg.graph.sends())

	resp = tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentReply_MessengerConversation(t *testing.T) {
	tg := newTestGateway(t)
	tg.do(t, http.MethodPost, "/webhook", "", webhookPayload("psid-7", "m-7", "hola"))
	conv := waitConversation(t, tg.store, "psid-7")

	resp := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", tg.agentToken(t), map[string]string{"text": "**listo**"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	sends := tg.graph.sends()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0], `"id":"psid-7"`)
}

func TestClientMessage_ScopedToWebChannel(t *testing.T) {
	tg := newTestGateway(t)
	tg.do(t, http.MethodPost, "/webhook", "", webhookPayload("psid-8", "m-8", "hola"))
	messengerConv := waitConversation(t, tg.store, "psid-8")
	require.Eventually(t, func() bool {
		msgs, err := tg.store.ListMessages(context.Background(), messengerConv.ID, 0)
		return err == nil && len(msgs) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// A web caller quoting the same id opens its own web conversation.
	resp := tg.do(t, http.MethodPost, "/api/clients/message", "", map[string]string{"customerId": "psid-8", "text": "dame el usuario"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeJSON[map[string]string](t, resp)
	assert.Equal(t, tg.config.Pipeline.FirstContactMessage, body["message"])
	assert.NotEqual(t, messengerConv.ID, body["conversation_id"])

	webConv, err := tg.store.GetConversationByCustomer(context.Background(), store.SourceWeb, "psid-8")
	require.NoError(t, err)
	assert.Equal(t, body["conversation_id"], webConv.ID)
	assert.Equal(t, store.SourceWeb, webConv.Channel)

	untouched, err := tg.store.GetConversation(context.Background(), messengerConv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SourceMessenger, untouched.Channel)
	assert.Equal(t, store.SourceMessenger, untouched.Source)
	assert.Equal(t, "hola", untouched.LastMessage)

	msgs, err := tg.store.ListMessages(context.Background(), messengerConv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestIngestClientMessage_BoundToTokenConversation(t *testing.T) {
	tg := newTestGateway(t)
	tg.do(t, http.MethodPost, "/webhook", "", webhookPayload("psid-5", "m-5", "hola"))
	conv := waitConversation(t, tg.store, "psid-5")
	ctx := context.Background()

	// The customer logs in on the web widget and keeps the Messenger conversation.
	who := &auth.AuthContext{Role: auth.RoleClient, ConversationID: conv.ID, CustomerID: "psid-5"}
	require.NoError(t, tg.ingestClientMessage(ctx, who, "ahora desde la web"))
	require.Eventually(t, func() bool {
		got, err := tg.store.GetConversation(ctx, conv.ID)
		return err == nil && got.LastMessage == "ahora desde la web"
	}, 3*time.Second, 10*time.Millisecond)

	updated, err := tg.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SourceMessenger, updated.Channel)
	assert.Equal(t, store.SourceWeb, updated.Source)
	_, err = tg.store.GetConversationByCustomer(ctx, store.SourceWeb, "psid-5")
	assert.ErrorIs(t, err, store.ErrNotFound)

	forged := &auth.AuthContext{Role: auth.RoleClient, ConversationID: conv.ID, CustomerID: "psid-6"}
	assert.ErrorIs(t, tg.ingestClientMessage(ctx, forged, "hola"), pipeline.ErrConversationMismatch)
}

func TestTickets_CompleteAndCancel(t *testing.T) {
	tg := newTestGateway(t)
	conv, _ := tg.firstContact(t, "web-4")
	token := tg.agentToken(t)

	resp := tg.do(t, http.MethodGet, "/api/tickets?status=open", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	open := decodeJSON[map[string][]store.Ticket](t, resp)["tickets"]
	require.Len(t, open, 1)
	ticket := open[0]
	assert.Equal(t, conv.ID, ticket.ConversationID)

	resp = tg.do(t, http.MethodGet, "/api/tickets?status=bogus", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = tg.do(t, http.MethodPut, "/api/tickets/"+ticket.ID+"/complete", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decodeJSON[store.Ticket](t, resp)
	assert.Equal(t, store.TicketStatusCompleted, done.Status)
	assert.Equal(t, "agent-1", done.CompletedBy)

	// Completing a "Crear usuario" ticket posts the credentials to the conversation.
	msgs, err := tg.store.ListMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Text(), conv.CustomerName)

	resp = tg.do(t, http.MethodPut, "/api/tickets/"+ticket.ID+"/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = tg.do(t, http.MethodPut, "/api/tickets/missing/complete", token, map[string]float64{"real_amount": 10})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = tg.do(t, http.MethodPut, "/api/tickets/"+ticket.ID+"/complete", token, map[string]float64{"real_amount": -5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentReply_ReachesClientRoom(t *testing.T) {
	tg := newTestGateway(t)
	conv, _ := tg.firstContact(t, "web-ws")

	clientToken, err := tg.verifier.Generate(auth.ClientClaims(conv.ID, conv.CustomerName, "web-ws"), time.Hour)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/ws?token=" + clientToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join_conversation", "conversation_id": conv.ID}))
	// A ping round trip orders the join before the reply.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var pong map[string]any
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])

	resp := tg.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", tg.agentToken(t), map[string]string{"text": "hola desde soporte"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var frame struct {
		Event string        `json:"event"`
		Data  store.Message `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, tickets.EventNewMessage, frame.Event)
	assert.Equal(t, "hola desde soporte", frame.Data.Text())
}
