// Package provider defines the gateway contract between the sync engine
// and a remote mail/meeting API. Implementations issue requests, classify
// responses into the shared error taxonomy, and surface throttling hints;
// they never touch the ledger.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/mailminder/mailminder/internal/model"
)

// ChangeType classifies a raw provider change record.
type ChangeType string

const (
	// ChangeMessageReceived is a new message in a synced mail folder.
	ChangeMessageReceived ChangeType = "message_received"

	// ChangeRSVP is an attendee response update on a tracked meeting.
	ChangeRSVP ChangeType = "rsvp"
)

// Change is one provider-reported change, already lifted out of the wire
// payload but not yet normalized into a ledger event. The sync controller
// owns that conversion; raw provider JSON stops here.
type Change struct {
	// ID is the provider-issued change or notification ID, when one
	// exists. Empty IDs get a composite idempotency key downstream.
	ID   string
	Type ChangeType

	MessageID         string
	ConversationID    string
	InternetMessageID string
	InReplyTo         string

	From     string
	FromName string
	Subject  string

	// Attendee and Response are set for rsvp changes.
	Attendee string
	Response model.RSVPStatus

	Attachments []model.Attachment
	Timestamp   time.Time
}

// Delta is one page of changes plus the cursor that consumes it.
type Delta struct {
	Changes []Change

	// Cursor is the token to persist after this page is applied. Empty
	// means the provider did not advance the cursor.
	Cursor string

	// More reports whether another page should be fetched immediately.
	More bool
}

// Subscription is a live push-notification stream for one resource.
type Subscription interface {
	// ID is the provider-issued subscription handle.
	ID() string

	// ExpiresAt is when the provider will drop the subscription.
	ExpiresAt() time.Time

	// Changes delivers pushed change records. The channel is closed when
	// the stream ends; Err then reports why.
	Changes() <-chan Change

	// Err returns the terminal stream error, if any, after Changes is
	// closed.
	Err() error

	Close() error
}

// ActionRequest is a typed request the dispatcher executes through the
// gateway.
type ActionRequest struct {
	Kind              model.ActionKind
	ProviderMessageID string
	Recipient         string
	Params            map[string]string
}

// Gateway is the fault-tolerant client abstraction over the remote API.
type Gateway interface {
	// FetchDelta returns changes since cursor. An empty cursor requests a
	// full enumeration, which is also the resync path after the provider
	// reports a stored cursor invalid.
	FetchDelta(ctx context.Context, resource string, cursor string) (*Delta, error)

	// Subscribe establishes a push stream for the resource, or returns
	// ErrPushUnsupported when the provider can only be polled.
	Subscribe(ctx context.Context, resource string) (Subscription, error)

	// Execute performs one action request.
	Execute(ctx context.Context, req ActionRequest) error
}

// ErrPushUnsupported is returned by Subscribe when the provider has no
// push channel; the sync controller falls back to delta polling.
var ErrPushUnsupported = errors.New("push notifications unsupported")
