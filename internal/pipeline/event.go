// ABOUTME: Inbound channel events and the batches they are coalesced into
// ABOUTME: A batch is one customer's burst of events in arrival order

package pipeline

import (
	"strings"
	"time"

	"github.com/2389/inbox-gateway/internal/store"
)

// Event is one inbound customer message from any channel.
type Event struct {
	// MID is the channel's message id, empty for web messages.
	MID        string
	CustomerID string
	Source     store.Source
	// ConversationID binds the event to a known conversation, set for
	// senders authenticated by a client token.
	ConversationID string
	FanpageID      string
	Text           string
	ImageURLs      []string
	ReceivedAt     time.Time
}

// HasImage reports whether the event carries at least one image attachment.
func (e Event) HasImage() bool {
	return len(e.ImageURLs) > 0
}

// CustomerKey identifies a customer across channels. Customer ids are only
// unique within their channel, so batching and ordering key on both.
func CustomerKey(source store.Source, customerID string) string {
	return string(source) + ":" + customerID
}

// Batch is a closed burst of events from one customer.
type Batch struct {
	// Key is the CustomerKey the events were grouped under.
	Key    string
	Events []Event
}

// Source returns the channel of the batch's last event.
func (b Batch) Source() store.Source {
	if len(b.Events) == 0 {
		return ""
	}
	return b.Events[len(b.Events)-1].Source
}

// Prompt joins the non-empty texts of the batch with newlines in arrival order.
func (b Batch) Prompt() string {
	texts := make([]string, 0, len(b.Events))
	for _, ev := range b.Events {
		if t := strings.TrimSpace(ev.Text); t != "" {
			texts = append(texts, ev.Text)
		}
	}
	return strings.Join(texts, "\n")
}
