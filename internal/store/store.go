package store

import (
	"context"
	"time"

	"github.com/mailminder/mailminder/internal/model"
)

// ApplyResult is the outcome of applying an event to the ledger.
type ApplyResult int

const (
	// Applied means the event was recorded and any state change it
	// implied was made. An event whose timestamp loses the per-channel
	// compare-and-set is still Applied: its key is consumed and the
	// stored state is simply already newer.
	Applied ApplyResult = iota

	// Duplicate means the event's idempotency key was seen before and
	// nothing changed.
	Duplicate
)

// ReminderCandidate pairs a sent message with one of its recipients that
// is still awaiting a reply.
type ReminderCandidate struct {
	Message   model.Message
	Recipient model.Recipient
}

// Ledger is the durable, idempotent store of sync state: messages,
// recipients, processed-event keys, sync cursors, and action-intent
// outcomes. ApplyEvent is the sole mutation path for recipient status.
type Ledger interface {
	// === Messages ===

	CreateMessage(ctx context.Context, msg model.Message, recipients []model.Recipient) error
	MarkSent(ctx context.Context, id string, providerID, internetMessageID, conversationID string, sentAt time.Time) error
	CloseMessage(ctx context.Context, id string) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	FindMessageByConversation(ctx context.Context, conversationID string) (*model.Message, error)
	FindMessageByInternetID(ctx context.Context, internetMessageID string) (*model.Message, error)
	FindMessageByProviderID(ctx context.Context, providerID string) (*model.Message, error)

	// GetRecipientState returns the recipients of a message, the
	// read-only snapshot consumed by the dashboard.
	GetRecipientState(ctx context.Context, messageID string) ([]model.Recipient, error)

	// ReopenRecipient resets a recipient's reply channel to pending, the
	// only sanctioned reversal of a terminal status.
	ReopenRecipient(ctx context.Context, messageID, address string) error

	// ReminderCandidates returns every (sent message, unresolved
	// recipient) pair; the scheduler decides due-ness from elapsed time.
	ReminderCandidates(ctx context.Context) ([]ReminderCandidate, error)

	// === Events ===

	// ApplyEvent applies one normalized event transactionally. A repeated
	// idempotency key yields Duplicate with no state change; a malformed
	// event is rejected with model.ErrMalformedEvent and nothing is
	// partially applied.
	ApplyEvent(ctx context.Context, ev model.Event) (ApplyResult, error)

	// MessageEventsSince lists applied message-level events for startup
	// replay through rule evaluation.
	MessageEventsSince(ctx context.Context, since time.Time) ([]model.Event, error)

	// === Cursors ===

	GetCursor(ctx context.Context, resource string) (*model.SyncCursor, error)
	AdvanceCursor(ctx context.Context, resource, token string) error
	SetSubscription(ctx context.Context, resource, subscriptionID string, expiresAt time.Time) error

	// ResetCursor discards the delta token so the next pull performs a
	// full enumeration.
	ResetCursor(ctx context.Context, resource string) error

	// === Action intents ===

	// RecordIntent persists a new pending intent. It reports false when
	// an intent with the same dedup key already exists, whatever its
	// state; re-evaluation of a condition never duplicates an intent.
	RecordIntent(ctx context.Context, intent model.ActionIntent) (bool, error)
	GetIntent(ctx context.Context, dedupKey string) (*model.ActionIntent, error)

	// MarkIntentExecuted records terminal success and applies the
	// intent's ledger side effects (reminder count, escalation flag,
	// message auto-close).
	MarkIntentExecuted(ctx context.Context, dedupKey string, at time.Time) error

	// MarkIntentFailed parks the intent terminally for user remediation.
	MarkIntentFailed(ctx context.Context, dedupKey, reason string) error

	// UpdateIntentRetry persists retry state so backoff survives restart.
	UpdateIntentRetry(ctx context.Context, dedupKey string, attempts int, nextAttempt time.Time, lastErr string) error

	// PendingIntents returns non-terminal intents for startup re-queue.
	PendingIntents(ctx context.Context) ([]model.ActionIntent, error)

	// FailedIntents returns parked intents awaiting manual retry.
	FailedIntents(ctx context.Context) ([]model.ActionIntent, error)

	// RetryIntent moves a parked intent back to pending with a fresh
	// retry budget, the manual remediation path for terminal failures.
	RetryIntent(ctx context.Context, dedupKey string) (*model.ActionIntent, error)

	Close() error
}
