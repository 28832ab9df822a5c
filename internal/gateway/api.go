// ABOUTME: HTTP API handlers for web customers and support agents
// ABOUTME: Client send/login, conversation inbox, agent replies and ticket resolution

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/hub"
	"github.com/2389/inbox-gateway/internal/pipeline"
	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/tickets"
)

// EventConversationUpdate tells the agents room a conversation row changed.
const EventConversationUpdate = "conversation_update"

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxJSONBody      = 64 << 10
)

// ClientMessageRequest is the JSON body for POST /api/clients/message.
type ClientMessageRequest struct {
	CustomerID string `json:"customerId" validate:"required"`
	Text       string `json:"text" validate:"required"`
}

// ClientLoginRequest is the JSON body for POST /api/auth/client/login.
type ClientLoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// ClientLoginResponse carries a client token and the conversation it grants.
type ClientLoginResponse struct {
	Token        string              `json:"token"`
	Conversation *store.Conversation `json:"conversation"`
}

// AgentReplyRequest is the JSON body for POST /api/conversations/{id}/messages.
type AgentReplyRequest struct {
	Text string `json:"text" validate:"required"`
}

// CompleteTicketRequest is the JSON body for PUT /api/tickets/{id}/complete.
type CompleteTicketRequest struct {
	RealAmount float64 `json:"real_amount" validate:"gte=0"`
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("encoding response", "error", err)
	}
}

// decodeRequest parses a JSON body into v and validates its tags.
// An empty body decodes to the zero value when allowEmpty is set.
func (g *Gateway) decodeRequest(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		err = nil
	}
	if err != nil {
		return errors.New("invalid JSON body")
	}
	if err := g.validate.Struct(v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// parseLimit reads ?limit=N, defaulting to 50 and capping at 1000.
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(limit, maxListLimit), nil
}

func webEvent(customerID, text string) pipeline.Event {
	return pipeline.Event{
		CustomerID: customerID,
		Source:     store.SourceWeb,
		Text:       text,
	}
}

// handleClientMessage handles POST /api/clients/message from the web widget.
// The batch runs synchronously so the reply can be returned in the response.
func (g *Gateway) handleClientMessage(w http.ResponseWriter, r *http.Request) {
	var req ClientMessageRequest
	if err := g.decodeRequest(w, r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := webEvent(req.CustomerID, req.Text)
	ev.ReceivedAt = g.now().UTC()
	key := pipeline.CustomerKey(store.SourceWeb, req.CustomerID)
	batch := pipeline.Batch{Key: key, Events: []pipeline.Event{ev}}

	out, err := g.sequencer.Submit(r.Context(), key, batch)
	if err != nil {
		if errors.Is(err, pipeline.ErrSequencerStopped) {
			g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		g.logger.Error("processing client message", "customer_id", req.CustomerID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if out.Created {
		g.sendJSON(w, http.StatusCreated, map[string]string{
			"message":         g.config.Pipeline.FirstContactMessage,
			"conversation_id": out.ConversationID,
		})
		return
	}

	resp := map[string]string{"text": out.Reply}
	if out.ThreadID != "" {
		resp["thread_id"] = out.ThreadID
	}
	g.sendJSON(w, http.StatusCreated, resp)
}

// ingestClientMessage routes a message typed into a live client connection
// through the batcher, like a webhook message. Replies arrive in the room.
// The token binds the message to its conversation whatever channel opened it.
func (g *Gateway) ingestClientMessage(ctx context.Context, who *auth.AuthContext, text string) error {
	if who.CustomerID == "" || who.ConversationID == "" {
		return errors.New("token has no customer binding")
	}
	conv, err := g.store.GetConversation(ctx, who.ConversationID)
	if err != nil {
		return fmt.Errorf("loading client conversation: %w", err)
	}
	if conv.CustomerID != who.CustomerID {
		return pipeline.ErrConversationMismatch
	}

	ev := webEvent(who.CustomerID, text)
	ev.ConversationID = conv.ID
	ev.ReceivedAt = g.now().UTC()
	return g.batcher.Ingest(pipeline.CustomerKey(conv.Channel, conv.CustomerID), ev)
}

// handleClientLogin handles POST /api/auth/client/login.
func (g *Gateway) handleClientLogin(w http.ResponseWriter, r *http.Request) {
	var req ClientLoginRequest
	if err := g.decodeRequest(w, r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := g.store.GetConversationByUsername(r.Context(), strings.TrimSpace(req.Username))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		g.logger.Error("looking up client", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := auth.CheckPassword(conv.PasswordHash, req.Password); err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := g.verifier.Generate(auth.ClientClaims(conv.ID, conv.CustomerName, conv.CustomerID), g.config.Auth.TokenExpiry)
	if err != nil {
		g.logger.Error("generating client token", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, ClientLoginResponse{Token: token, Conversation: conv})
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	convs, err := g.store.ListConversations(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// loadConversation resolves {id} and writes the error response on failure.
func (g *Gateway) loadConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	conv, err := g.store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("loading conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return conv, true
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}
	g.sendJSON(w, http.StatusOK, conv)
}

// updateConversation applies a store mutation to {id} and tells the agents room.
func (g *Gateway) updateConversation(w http.ResponseWriter, r *http.Request, mutate func(ctx context.Context, id string) (*store.Conversation, error)) {
	conv, err := mutate(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("updating conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.notifier.BroadcastToRoom(hub.RoomAgents, EventConversationUpdate, conv)
	g.sendJSON(w, http.StatusOK, conv)
}

// handleMarkRead handles PUT /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	g.updateConversation(w, r, g.store.MarkConversationRead)
}

// handleToggleAI handles PUT /api/conversations/{id}/ai-toggle.
func (g *Gateway) handleToggleAI(w http.ResponseWriter, r *http.Request) {
	g.updateConversation(w, r, g.store.ToggleConversationAI)
}

// handleListMessages handles GET /api/conversations/{id}/messages, oldest first.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}
	msgs, err := g.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		g.logger.Error("listing messages", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"conversation_id": conv.ID, "messages": msgs})
}

// handleAgentReply handles POST /api/conversations/{id}/messages.
// Delivery failures are logged; the reply stays stored.
func (g *Gateway) handleAgentReply(w http.ResponseWriter, r *http.Request) {
	var req AgentReplyRequest
	if err := g.decodeRequest(w, r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}
	who := auth.FromContext(r.Context())
	ctx := r.Context()

	now := g.now().UTC()
	text := req.Text
	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       who.PrincipalID,
		Content:        &text,
		Type:           store.MessageTypeText,
		CreatedAt:      now,
	}
	if err := g.store.SaveMessage(ctx, msg); err != nil {
		g.logger.Error("saving agent reply", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	updated, err := g.store.RecordOutbound(ctx, conv.ID, text, now)
	if err != nil {
		g.logger.Error("updating last message", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if updated.Source == store.SourceWeb {
		g.notifier.BroadcastToRoom(conv.ID, tickets.EventNewMessage, msg)
	} else if err := g.sender.SendText(ctx, conv.CustomerID, text); err != nil {
		g.logger.Error("delivering agent reply", "conversation_id", conv.ID, "customer_id", conv.CustomerID, "error", err)
	}
	g.notifier.BroadcastToRoom(hub.RoomAgents, EventConversationUpdate, updated)

	g.sendJSON(w, http.StatusCreated, msg)
}

// handleListTickets handles GET /api/tickets?status=open.
func (g *Gateway) handleListTickets(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := store.TicketStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.TicketStatusOpen, store.TicketStatusCompleted, store.TicketStatusCancelled, store.TicketStatusEdited:
	default:
		g.sendJSONError(w, http.StatusBadRequest, "unknown ticket status")
		return
	}

	list, err := g.tickets.List(r.Context(), status, limit)
	if err != nil {
		g.logger.Error("listing tickets", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"tickets": list})
}

// handleCompleteTicket handles PUT /api/tickets/{id}/complete.
func (g *Gateway) handleCompleteTicket(w http.ResponseWriter, r *http.Request) {
	var req CompleteTicketRequest
	if err := g.decodeRequest(w, r, &req, true); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	who := auth.FromContext(r.Context())
	ticket, err := g.tickets.Complete(r.Context(), chi.URLParam(r, "id"), who.PrincipalID, req.RealAmount)
	g.writeTicketResult(w, ticket, err)
}

// handleCancelTicket handles PUT /api/tickets/{id}/cancel.
func (g *Gateway) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	who := auth.FromContext(r.Context())
	ticket, err := g.tickets.Cancel(r.Context(), chi.URLParam(r, "id"), who.PrincipalID)
	g.writeTicketResult(w, ticket, err)
}

func (g *Gateway) writeTicketResult(w http.ResponseWriter, ticket *store.Ticket, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "ticket not found")
	case errors.Is(err, tickets.ErrTicketClosed):
		g.sendJSONError(w, http.StatusConflict, "ticket is not open")
	case err != nil:
		g.logger.Error("resolving ticket", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		g.sendJSON(w, http.StatusOK, ticket)
	}
}
