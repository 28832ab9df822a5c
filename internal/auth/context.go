// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity information extracted from a request.
// This is populated by the HTTP middleware and can be retrieved from context in handlers.
type AuthContext struct {
	PrincipalID    string // agent id, or the conversation id for clients
	Role           Role
	ConversationID string // set for clients only
	Username       string
	CustomerID     string
}

// NewAuthContext builds an AuthContext from verified claims.
func NewAuthContext(claims *Claims) *AuthContext {
	return &AuthContext{
		PrincipalID:    claims.Subject,
		Role:           claims.Role,
		ConversationID: claims.ConversationID,
		Username:       claims.Username,
		CustomerID:     claims.CustomerID,
	}
}

// IsAdmin returns true if the principal has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// IsAgent returns true for support agents and admins.
func (a *AuthContext) IsAgent() bool {
	return a.Role == RoleAgent || a.Role == RoleAdmin
}

// CanAccessConversation reports whether the principal may read or join a conversation.
// Agents see every conversation; clients only their own.
func (a *AuthContext) CanAccessConversation(conversationID string) bool {
	if a.IsAgent() {
		return true
	}
	return a.Role == RoleClient && a.ConversationID != "" && a.ConversationID == conversationID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
