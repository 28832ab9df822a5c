// ABOUTME: Envelope format for inbox domain events sent to the message broker
// ABOUTME: Routing keys are the event type prefixed with "inbox."

package events

import (
	"time"

	"github.com/google/uuid"
)

// Producer identifies this service in event metadata.
const Producer = "inbox-gateway"

// Meta describes an event.
type Meta struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	Producer string    `json:"producer"`
}

// Envelope wraps an event payload with its metadata.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope builds an envelope with a fresh id and the current time.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Time:     time.Now().UTC(),
			Type:     eventType,
			Producer: Producer,
		},
		Data: data,
	}
}

// RoutingKey returns the topic routing key for an event type.
func RoutingKey(eventType string) string {
	return "inbox." + eventType
}
