// ABOUTME: Messenger webhook handlers: subscription handshake and event intake
// ABOUTME: Dedupes message ids and hands each message to the batcher

package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/2389/inbox-gateway/internal/messenger"
	"github.com/2389/inbox-gateway/internal/metrics"
	"github.com/2389/inbox-gateway/internal/pipeline"
	"github.com/2389/inbox-gateway/internal/store"
)

const maxWebhookBody = 1 << 20

// handleWebhookVerify answers the subscription handshake.
func (g *Gateway) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := messenger.VerifySubscription(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), g.config.Messenger.VerifyToken)
	if !ok {
		g.logger.Warn("webhook verification rejected", "mode", q.Get("hub.mode"))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWebhookEvent accepts a delivery and acknowledges it before any
// processing happens.
func (g *Gateway) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	msgs, err := messenger.ParseWebhook(body)
	if err != nil {
		if errors.Is(err, messenger.ErrMalformedPayload) {
			g.sendJSONError(w, http.StatusBadRequest, "malformed payload")
			return
		}
		g.logger.Error("parsing webhook", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	for _, m := range msgs {
		if m.MID != "" && g.dedupe.CheckAndMark(r.Context(), "mid:"+m.MID) {
			metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
			g.logger.Debug("duplicate webhook message", "mid", m.MID)
			continue
		}

		err := g.batcher.Ingest(pipeline.CustomerKey(store.SourceMessenger, m.SenderID), pipeline.Event{
			MID:        m.MID,
			CustomerID: m.SenderID,
			Source:     store.SourceMessenger,
			FanpageID:  m.FanpageID,
			Text:       m.Text,
			ImageURLs:  m.ImageURLs,
			ReceivedAt: m.ReceivedAt,
		})
		if err != nil {
			metrics.WebhookEvents.WithLabelValues("ignored").Inc()
			g.logger.Warn("webhook message not ingested", "mid", m.MID, "customer_id", m.SenderID, "error", err)
			continue
		}
		metrics.WebhookEvents.WithLabelValues("accepted").Inc()
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))
}
