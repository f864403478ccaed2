package model

import (
	"strings"
	"time"
)

// NormalizeAddress canonicalizes an email address for comparison and
// storage. Addresses are matched case-insensitively everywhere.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ReplyStatus is the reply-tracking state of a recipient. Transitions are
// monotonic: pending moves to replied or bounced and never reverts except
// through an explicit reopen.
type ReplyStatus string

const (
	ReplyPending ReplyStatus = "pending"
	ReplyReplied ReplyStatus = "replied"
	ReplyBounced ReplyStatus = "bounced"
)

// RSVPStatus is the calendar-response state of a recipient. It is tracked
// independently from reply status; a recipient may change between RSVP
// states as they update their response.
type RSVPStatus string

const (
	RSVPNone      RSVPStatus = "none"
	RSVPAccepted  RSVPStatus = "accepted"
	RSVPTentative RSVPStatus = "tentative"
	RSVPDeclined  RSVPStatus = "declined"
)

// Recipient is one (message, address) tracking row. Reply and RSVP
// tracking are independent state machines, each guarded by its own
// last-change timestamp so out-of-order provider events cannot regress
// newer state.
type Recipient struct {
	ID        string
	MessageID string
	Address   string
	Name      string

	ReplyStatus    ReplyStatus
	RSVPStatus     RSVPStatus
	ReplyChangedAt time.Time
	RSVPChangedAt  time.Time

	ReminderCount  int
	LastReminderAt time.Time
	Escalated      bool
}

// ReplyTerminal reports whether the reply channel has reached a terminal
// state.
func (r Recipient) ReplyTerminal() bool {
	return r.ReplyStatus == ReplyReplied || r.ReplyStatus == ReplyBounced
}

// Resolved reports whether the recipient no longer needs follow-up:
// either the reply channel is terminal or escalation has fired.
func (r Recipient) Resolved() bool {
	return r.ReplyTerminal() || r.Escalated
}
