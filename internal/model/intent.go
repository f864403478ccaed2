package model

import (
	"fmt"
	"time"
)

// ActionKind identifies the side effect an intent requests.
type ActionKind string

const (
	ActionSendReminder   ActionKind = "send_reminder"
	ActionEscalate       ActionKind = "escalate"
	ActionSaveAttachment ActionKind = "save_attachment"
	ActionMoveMessage    ActionKind = "move_message"
	ActionTagMessage     ActionKind = "tag_message"
)

// IntentStatus is the dispatch outcome state of an intent.
type IntentStatus string

const (
	// IntentPending is recorded but not yet executed; pending intents
	// survive a restart and are re-queued by the dispatcher.
	IntentPending IntentStatus = "pending"

	// IntentExecuted is a terminal success; re-evaluation of the same
	// condition is a no-op once an intent's dedup key reaches this state.
	IntentExecuted IntentStatus = "executed"

	// IntentFailed is a terminal failure parked for user remediation.
	IntentFailed IntentStatus = "failed"
)

// ActionIntent is a decided-but-not-yet-executed side effect request
// emitted by the rules engine or the scheduler. DedupKey makes repeated
// evaluation of the same condition idempotent.
type ActionIntent struct {
	ID        string
	DedupKey  string
	Kind      ActionKind
	MessageID string
	Recipient string
	Params    map[string]string

	Status        IntentStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ReminderDedupKey builds the dedup key for the nth reminder to a
// recipient. The reminder count participates so each reminder in the
// sequence is a distinct intent while retries of the same one are not.
func ReminderDedupKey(messageID, recipient string, reminderCount int) string {
	return fmt.Sprintf("reminder|%s|%s|%d", messageID, recipient, reminderCount)
}

// EscalateDedupKey builds the dedup key for the single escalation of a
// recipient.
func EscalateDedupKey(messageID, recipient string) string {
	return fmt.Sprintf("escalate|%s|%s", messageID, recipient)
}

// RuleDedupKey builds the dedup key for a rule action fired by an event.
// Tying the key to the event's idempotency key means redelivery or
// re-evaluation on retry never re-executes a completed action.
func RuleDedupKey(ruleID, eventKey string, kind ActionKind) string {
	return fmt.Sprintf("rule|%s|%s|%s", ruleID, kind, eventKey)
}

// Terminal reports whether the intent reached a final outcome.
func (i ActionIntent) Terminal() bool {
	return i.Status == IntentExecuted || i.Status == IntentFailed
}
