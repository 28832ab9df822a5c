// ABOUTME: JWT token verification for authenticating agents and web clients
// ABOUTME: Uses HS256 signing with configurable secret and role-bearing claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Role is the kind of principal a token was issued to
type Role string

const (
	RoleAgent  Role = "agent"
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

// Claims are the identity fields carried by a token.
// ConversationID, Username and CustomerID are only set for client tokens.
type Claims struct {
	Role           Role   `json:"role"`
	ConversationID string `json:"conversation_id,omitempty"`
	Username       string `json:"username,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and returns its claims.
// The "sub" and "role" claims are required.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}

	return claims, nil
}

// Generate signs a token for the given claims, expiring after expiresIn
func (v *JWTVerifier) Generate(claims Claims, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// AgentClaims builds claims for a support agent or admin
func AgentClaims(agentID string, role Role) Claims {
	return Claims{
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: agentID},
	}
}

// ClientClaims builds claims for a web client bound to one conversation
func ClientClaims(conversationID, username, customerID string) Claims {
	return Claims{
		Role:             RoleClient,
		ConversationID:   conversationID,
		Username:         username,
		CustomerID:       customerID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: conversationID},
	}
}
