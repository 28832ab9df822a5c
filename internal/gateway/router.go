// ABOUTME: HTTP route table for the inbox gateway
// ABOUTME: Public webhook and client routes, JWT-guarded agent API, live channel

package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/metrics"
)

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if g.config.Metrics.Enabled {
		r.Use(metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: g.config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
	}

	// The hub authenticates from the token query parameter itself.
	r.Handle("/ws", g.hub)

	for _, path := range []string{"/webhook", "/api/meta/webhook"} {
		r.Get(path, g.handleWebhookVerify)
		r.Post(path, g.handleWebhookEvent)
	}

	r.Post("/api/clients/message", g.handleClientMessage)
	r.Post("/api/auth/client/login", g.handleClientLogin)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.verifier))
		r.Use(auth.RequireRole(auth.RoleAgent, auth.RoleAdmin))

		r.Get("/conversations", g.handleListConversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", g.handleGetConversation)
			r.Put("/read", g.handleMarkRead)
			r.Put("/ai-toggle", g.handleToggleAI)
			r.Get("/messages", g.handleListMessages)
			r.Post("/messages", g.handleAgentReply)
		})

		r.Get("/tickets", g.handleListTickets)
		r.Put("/tickets/{id}/complete", g.handleCompleteTicket)
		r.Put("/tickets/{id}/cancel", g.handleCancelTicket)
	})

	return r
}
