// ABOUTME: Messenger webhook payload types and parsing
// ABOUTME: Flattens page entries into inbound messages and checks subscription handshakes

package messenger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload is returned for webhook bodies that are not valid JSON.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// WebhookPayload is the body of a webhook POST.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the messaging events of one page.
type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []Messaging `json:"messaging"`
}

// Messaging is a single messaging event.
type Messaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *MessagePayload `json:"message,omitempty"`
}

// MessagePayload is the message part of a messaging event.
type MessagePayload struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a media attachment.
type Attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// InboundMessage is one customer message extracted from a webhook delivery.
type InboundMessage struct {
	MID        string
	SenderID   string
	FanpageID  string
	Text       string
	ImageURLs  []string
	ReceivedAt time.Time
}

// ParseWebhook decodes a webhook body and returns its customer messages in
// delivery order. Payloads for objects other than "page" yield no messages.
func ParseWebhook(body []byte) ([]InboundMessage, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if payload.Object != "page" {
		return nil, nil
	}

	var out []InboundMessage
	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil || m.Message.IsEcho || m.Sender.ID == "" {
				continue
			}

			msg := InboundMessage{
				MID:        m.Message.MID,
				SenderID:   m.Sender.ID,
				FanpageID:  entry.ID,
				Text:       m.Message.Text,
				ReceivedAt: time.Now().UTC(),
			}
			if m.Timestamp > 0 {
				msg.ReceivedAt = time.UnixMilli(m.Timestamp).UTC()
			}
			for _, att := range m.Message.Attachments {
				if att.Type == "image" && att.Payload.URL != "" {
					msg.ImageURLs = append(msg.ImageURLs, att.Payload.URL)
				}
			}

			if msg.Text == "" && len(msg.ImageURLs) == 0 {
				continue
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// VerifySubscription checks a webhook subscription handshake and returns the
// challenge to echo back.
func VerifySubscription(mode, token, challenge, verifyToken string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" || token != verifyToken {
		return "", false
	}
	return challenge, true
}
