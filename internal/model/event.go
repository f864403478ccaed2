package model

import (
	"errors"
	"fmt"
	"time"
)

// EventType classifies a normalized provider event.
type EventType string

const (
	// EventReplyReceived records a reply from a recipient of a tracked
	// message.
	EventReplyReceived EventType = "reply_received"

	// EventBounce records a delivery failure report for a recipient.
	EventBounce EventType = "bounce"

	// EventRSVPChanged records a calendar response change by an attendee.
	EventRSVPChanged EventType = "rsvp_changed"

	// EventMessageReceived records an incoming message that is not tied
	// to a tracked recipient. It exists so rule evaluation of inbox
	// traffic is deduplicated through the ledger like everything else.
	EventMessageReceived EventType = "message_received"

	// EventMessageSent records a tracked message transitioning to sent,
	// used to drive outgoing (send-and-file) rules.
	EventMessageSent EventType = "message_sent"
)

// ErrMalformedEvent is returned when an event is missing its idempotency
// key or its target and therefore cannot be applied.
var ErrMalformedEvent = errors.New("malformed event")

// Attachment describes one attachment on a provider message, enough for
// rule evaluation.
type Attachment struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	ProviderID  string `json:"provider_id,omitempty"`
}

// Event is an immutable normalized record of something the provider
// reported. Raw provider payloads never cross into the ledger; the sync
// controller converts them to Events first. Key is the provider-issued
// idempotency key (or a composite built from message ID, change type,
// and timestamp) under which the event is applied at most once.
type Event struct {
	Key      string
	Resource string
	Type     EventType

	// MessageID is the local ID of the tracked message for recipient
	// events; empty for message_received events.
	MessageID string

	// Recipient is the address whose state this event changes; empty for
	// message-level events.
	Recipient string

	// RSVP carries the new response for rsvp_changed events.
	RSVP RSVPStatus

	// ProviderMessageID targets message-level events.
	ProviderMessageID string

	// Payload fields consumed by the rules engine.
	From        string
	FromName    string
	Subject     string
	Attachments []Attachment

	// Timestamp is the provider-reported time of the change; ordering
	// between events for the same recipient is decided by it, never by
	// arrival order.
	Timestamp time.Time
}

// CompositeKey builds an idempotency key for providers that do not issue
// change IDs.
func CompositeKey(providerMessageID string, t EventType, ts time.Time) string {
	return fmt.Sprintf("%s|%s|%d", providerMessageID, t, ts.UTC().UnixNano())
}

// Validate checks that the event carries an idempotency key and a target.
func (e Event) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrMalformedEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	switch e.Type {
	case EventReplyReceived, EventBounce, EventRSVPChanged:
		if e.MessageID == "" || e.Recipient == "" {
			return fmt.Errorf("%w: %s event without message/recipient target", ErrMalformedEvent, e.Type)
		}
	case EventMessageReceived:
		if e.ProviderMessageID == "" {
			return fmt.Errorf("%w: message_received event without provider message ID", ErrMalformedEvent)
		}
	case EventMessageSent:
		if e.MessageID == "" {
			return fmt.Errorf("%w: message_sent event without message target", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}
