package model

import "time"

// MessageState is the lifecycle state of a tracked message.
type MessageState string

const (
	// MessageDraft is a message created by the compose flow but not yet sent.
	// The engine does not track drafts.
	MessageDraft MessageState = "draft"

	// MessageSent is a sent message under active reply/RSVP tracking.
	MessageSent MessageState = "sent"

	// MessageClosed is a message whose recipients have all resolved or
	// whose reminder policy has been exhausted.
	MessageClosed MessageState = "closed"
)

// ReminderPolicy controls follow-up timing for a tracked message.
type ReminderPolicy struct {
	// Interval is the minimum elapsed time since the message was sent
	// (or since the previous reminder) before the next reminder is due.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// MaxReminders is the number of reminders sent to a recipient before
	// the engine escalates instead.
	MaxReminders int `mapstructure:"max_reminders" yaml:"max_reminders"`
}

// Message represents one outbound email under tracking. A message is
// created by the compose flow in the draft state; the engine takes
// ownership once it transitions to sent.
type Message struct {
	ID                string
	ProviderID        string
	InternetMessageID string
	ConversationID    string
	Subject           string
	State             MessageState
	SentAt            time.Time
	Policy            ReminderPolicy
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
