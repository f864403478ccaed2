package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mailminder/mailminder/internal/model"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	s, err := NewSQLiteLedger(":memory:")
	if err != nil {
		t.Fatalf("creating test ledger: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test ledger: %v", err)
		}
	})
	return s
}

// seedSentMessage creates a sent tracked message with the given
// recipients and returns its ID.
func seedSentMessage(t *testing.T, s *SQLiteLedger, addrs ...string) string {
	t.Helper()
	ctx := context.Background()

	msg := model.Message{
		ID:      "msg-" + addrs[0],
		Subject: "quarterly numbers",
		Policy:  model.ReminderPolicy{Interval: 72 * time.Hour, MaxReminders: 2},
	}
	var recipients []model.Recipient
	for _, a := range addrs {
		recipients = append(recipients, model.Recipient{Address: a})
	}
	if err := s.CreateMessage(ctx, msg, recipients); err != nil {
		t.Fatalf("creating message: %v", err)
	}
	err := s.MarkSent(ctx, msg.ID, "prov-"+msg.ID, "imid-"+msg.ID, "conv-"+msg.ID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("marking sent: %v", err)
	}
	return msg.ID
}

func recipientState(t *testing.T, s *SQLiteLedger, msgID, addr string) model.Recipient {
	t.Helper()
	recs, err := s.GetRecipientState(context.Background(), msgID)
	if err != nil {
		t.Fatalf("getting recipient state: %v", err)
	}
	for _, r := range recs {
		if r.Address == addr {
			return r
		}
	}
	t.Fatalf("recipient %s not found on %s", addr, msgID)
	return model.Recipient{}
}

func replyEvent(key, msgID, addr string, ts time.Time) model.Event {
	return model.Event{
		Key:       key,
		Type:      model.EventReplyReceived,
		MessageID: msgID,
		Recipient: addr,
		Timestamp: ts,
	}
}

func TestApplyEventIdempotent(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	msgID := seedSentMessage(t, s, "alice@example.com", "bob@example.com")

	ev := replyEvent("ev-1", msgID, "alice@example.com", time.Now())
	result, err := s.ApplyEvent(ctx, ev)
	if err != nil {
		t.Fatalf("applying event: %v", err)
	}
	if result != Applied {
		t.Fatalf("first apply = %v, want Applied", result)
	}

	result, err = s.ApplyEvent(ctx, ev)
	if err != nil {
		t.Fatalf("re-applying event: %v", err)
	}
	if result != Duplicate {
		t.Fatalf("second apply = %v, want Duplicate", result)
	}

	r := recipientState(t, s, msgID, "alice@example.com")
	if r.ReplyStatus != model.ReplyReplied {
		t.Fatalf("reply status = %s, want replied", r.ReplyStatus)
	}
}

func TestApplyEventRejectsMalformed(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	cases := []model.Event{
		{Type: model.EventReplyReceived, MessageID: "m", Recipient: "a", Timestamp: time.Now()},
		{Key: "k1", Type: model.EventReplyReceived, MessageID: "m", Recipient: "a"},
		{Key: "k2", Type: model.EventReplyReceived, Timestamp: time.Now()},
		{Key: "k3", Type: model.EventMessageReceived, Timestamp: time.Now()},
		{Key: "k4", Type: "mystery", Timestamp: time.Now()},
	}
	for _, ev := range cases {
		if _, err := s.ApplyEvent(ctx, ev); !errors.Is(err, model.ErrMalformedEvent) {
			t.Errorf("event %+v: err = %v, want ErrMalformedEvent", ev, err)
		}
	}
}

func TestReplyStatusMonotonic(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	msgID := seedSentMessage(t, s, "alice@example.com", "bob@example.com")

	now := time.Now()
	if _, err := s.ApplyEvent(ctx, replyEvent("ev-new", msgID, "alice@example.com", now)); err != nil {
		t.Fatalf("applying reply: %v", err)
	}

	// A delayed bounce report from before the reply must not overwrite
	// the terminal status.
	bounce := model.Event{
		Key:       "ev-old",
		Type:      model.EventBounce,
		MessageID: msgID,
		Recipient: "alice@example.com",
		Timestamp: now.Add(-time.Minute),
	}
	result, err := s.ApplyEvent(ctx, bounce)
	if err != nil {
		t.Fatalf("applying stale bounce: %v", err)
	}
	if result != Applied {
		t.Fatalf("stale bounce = %v, want Applied (key consumed, no mutation)", result)
	}

	r := recipientState(t, s, msgID, "alice@example.com")
	if r.ReplyStatus != model.ReplyReplied {
		t.Fatalf("reply status = %s, want replied", r.ReplyStatus)
	}
}

func TestReplyTerminalStatesConvergeEitherOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	// A reply and a later bounce for the same recipient must settle on
	// the bounce whichever order they arrive in.
	reply := func(msgID string) model.Event {
		return replyEvent("ev-reply", msgID, "alice@example.com", now)
	}
	bounce := func(msgID string) model.Event {
		return model.Event{
			Key:       "ev-bounce",
			Type:      model.EventBounce,
			MessageID: msgID,
			Recipient: "alice@example.com",
			Timestamp: now.Add(time.Hour),
		}
	}

	apply := func(s *SQLiteLedger, evs ...model.Event) {
		t.Helper()
		for _, ev := range evs {
			if _, err := s.ApplyEvent(ctx, ev); err != nil {
				t.Fatalf("applying %s: %v", ev.Key, err)
			}
		}
	}

	inOrder := newTestLedger(t)
	msgA := seedSentMessage(t, inOrder, "alice@example.com")
	apply(inOrder, reply(msgA), bounce(msgA))

	reversed := newTestLedger(t)
	msgB := seedSentMessage(t, reversed, "alice@example.com")
	apply(reversed, bounce(msgB), reply(msgB))

	a := recipientState(t, inOrder, msgA, "alice@example.com")
	b := recipientState(t, reversed, msgB, "alice@example.com")
	if a.ReplyStatus != model.ReplyBounced {
		t.Errorf("in-order final = %s, want bounced", a.ReplyStatus)
	}
	if b.ReplyStatus != model.ReplyBounced {
		t.Errorf("reversed final = %s, want bounced", b.ReplyStatus)
	}
	if !a.ReplyChangedAt.Equal(b.ReplyChangedAt) {
		t.Errorf("change times diverge: %v vs %v", a.ReplyChangedAt, b.ReplyChangedAt)
	}
}

func TestRSVPExplicitRetractionReturnsToNone(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	msgID := seedSentMessage(t, s, "erin@example.com")

	now := time.Now()
	rsvp := func(key string, status model.RSVPStatus, ts time.Time) model.Event {
		return model.Event{
			Key:       key,
			Type:      model.EventRSVPChanged,
			MessageID: msgID,
			Recipient: "erin@example.com",
			RSVP:      status,
			Timestamp: ts,
		}
	}

	if _, err := s.ApplyEvent(ctx, rsvp("r1", model.RSVPAccepted, now)); err != nil {
		t.Fatalf("applying rsvp: %v", err)
	}
	if _, err := s.ApplyEvent(ctx, rsvp("r2", model.RSVPNone, now.Add(time.Hour))); err != nil {
		t.Fatalf("applying retraction: %v", err)
	}

	r := recipientState(t, s, msgID, "erin@example.com")
	if r.RSVPStatus != model.RSVPNone {
		t.Fatalf("rsvp = %s, want none after a newer retraction", r.RSVPStatus)
	}

	// A stale retraction never claws back a newer response.
	if _, err := s.ApplyEvent(ctx, rsvp("r3", model.RSVPDeclined, now.Add(2*time.Hour))); err != nil {
		t.Fatalf("applying rsvp: %v", err)
	}
	if _, err := s.ApplyEvent(ctx, rsvp("r4", model.RSVPNone, now.Add(90*time.Minute))); err != nil {
		t.Fatalf("applying stale retraction: %v", err)
	}
	if r = recipientState(t, s, msgID, "erin@example.com"); r.RSVPStatus != model.RSVPDeclined {
		t.Fatalf("rsvp = %s, want declined", r.RSVPStatus)
	}
}

func TestReplyFromUntrackedAddressIsRecordedButInert(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	msgID := seedSentMessage(t, s, "alice@example.com")

	ev := replyEvent("ev-stranger", msgID, "stranger@example.com", time.Now())
	result, err := s.ApplyEvent(ctx, ev)
	if err != nil {
		t.Fatalf("applying event: %v", err)
	}
	if result != Applied {
		t.Fatalf("apply = %v, want Applied", result)
	}

	r := recipientState(t, s, msgID, "alice@example.com")
	if r.ReplyStatus != model.ReplyPending {
		t.Fatalf("tracked recipient mutated by stranger reply: %s", r.ReplyStatus)
	}
}

func TestRSVPOutOfOrderEventsConverge(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	msgID := seedSentMessage(t, s, "carol@example.com")

	now := time.Now()
	rsvp := func(key string, status model.RSVPStatus, ts time.Time) model.Event {
		return model.Event{
			Key:       key,
			Type:      model.EventRSVPChanged,
			MessageID: msgID,
			Recipient: "carol@example.com",
			RSVP:      status,
			Timestamp: ts,
		}
	}

	// Newest response arrives first.
	if _, err := s.ApplyEvent(ctx, rsvp("r2", model.RSVPDeclined, now)); err != nil {
		t.Fatalf("applying rsvp: %v", err)
	}
	if _, err := s.ApplyEvent(ctx, rsvp("r1", model.RSVPAccepted, now.Add(-time.Hour))); err != nil {
		t.Fatalf("applying stale rsvp: %v", err)
	}

	r := recipientState(t, s, msgID, "carol@example.com")
	if r.RSVPStatus != model.RSVPDeclined {
		t.Fatalf("rsvp = %s, want declined (newest wins)", r.RSVPStatus)
	}

	// A strictly newer response keeps moving the state.
	if _, err := s.ApplyEvent(ctx, rsvp("r3", model.RSVPTentative, now.Add(time.Hour))); err != nil {
		t.Fatalf("applying newer rsvp: %v", err)
	}
	r = recipientState(t, s, msgID, "carol@example.com")
	if r.RSVPStatus != model.RSVPTentative {
		t.Fatalf("rsvp = %s, want tentative", r.RSVPStatus)
	}
}

func TestReplyAndRSVPChannelsAreIndependent(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	msgID := seedSentMessage(t, s, "dave@example.com")

	now := time.Now()
	if _, err := s.ApplyEvent(ctx, model.Event{
		Key: "rsvp-1", Type: model.EventRSVPChanged, MessageID: msgID,
		Recipient: "dave@example.com", RSVP: model.RSVPAccepted, Timestamp: now,
	}); err != nil {
		t.Fatalf("applying rsvp: %v", err)
	}

	r := recipientState(t, s, msgID, "dave@example.com")
	if r.ReplyStatus != model.ReplyPending {
		t.Fatalf("rsvp change touched reply channel: %s", r.ReplyStatus)
	}

	if _, err := s.ApplyEvent(ctx, replyEvent("reply-1", msgID, "dave@example.com", now.Add(time.Minute))); err != nil {
		t.Fatalf("applying reply: %v", err)
	}
	r = recipientState(t, s, msgID, "dave@example.com")
	if r.RSVPStatus != model.RSVPAccepted {
		t.Fatalf("reply touched rsvp channel: %s", r.RSVPStatus)
	}
	if r.ReplyStatus != model.ReplyReplied {
		t.Fatalf("reply status = %s, want replied", r.ReplyStatus)
	}
}

func TestMessageAutoClosesWhenAllRecipientsResolve(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	msgID := seedSentMessage(t, s, "alice@example.com", "bob@example.com")

	now := time.Now()
	if _, err := s.ApplyEvent(ctx, replyEvent("ev-a", msgID, "alice@example.com", now)); err != nil {
		t.Fatalf("applying first reply: %v", err)
	}
	msg, err := s.GetMessage(ctx, msgID)
	if err != nil {
		t.Fatalf("getting message: %v", err)
	}
	if msg.State != model.MessageSent {
		t.Fatalf("message closed with a recipient still pending")
	}

	if _, err := s.ApplyEvent(ctx, model.Event{
		Key: "ev-b", Type: model.EventBounce, MessageID: msgID,
		Recipient: "bob@example.com", Timestamp: now,
	}); err != nil {
		t.Fatalf("applying bounce: %v", err)
	}
	msg, err = s.GetMessage(ctx, msgID)
	if err != nil {
		t.Fatalf("getting message: %v", err)
	}
	if msg.State != model.MessageClosed {
		t.Fatalf("message state = %s, want closed", msg.State)
	}
}

func TestMessageEventsSurviveForReplay(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	msgID := seedSentMessage(t, s, "alice@example.com")

	now := time.Now()
	incoming := model.Event{
		Key:               "ev-in",
		Type:              model.EventMessageReceived,
		ProviderMessageID: "prov-in",
		From:              "billing@vendor.example",
		Subject:           "Invoice 42",
		Attachments:       []model.Attachment{{Name: "invoice.pdf", Size: 2048}},
		Timestamp:         now,
	}
	sent := model.Event{
		Key:               "ev-sent",
		Type:              model.EventMessageSent,
		MessageID:         msgID,
		ProviderMessageID: "prov-" + msgID,
		Subject:           "quarterly numbers",
		Timestamp:         now,
	}
	for _, ev := range []model.Event{incoming, sent,
		replyEvent("ev-reply", msgID, "alice@example.com", now)} {
		if _, err := s.ApplyEvent(ctx, ev); err != nil {
			t.Fatalf("applying %s: %v", ev.Key, err)
		}
	}

	events, err := s.MessageEventsSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("listing message events: %v", err)
	}

	// Recipient-level events are not replay material.
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	got := events[0]
	if got.Key != "ev-in" || got.Type != model.EventMessageReceived {
		t.Fatalf("first event = %+v", got)
	}
	if got.From != "billing@vendor.example" || got.Subject != "Invoice 42" {
		t.Errorf("rule inputs lost: from=%q subject=%q", got.From, got.Subject)
	}
	if got.ProviderMessageID != "prov-in" {
		t.Errorf("provider message ID lost: %q", got.ProviderMessageID)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Name != "invoice.pdf" {
		t.Errorf("attachments lost: %+v", got.Attachments)
	}
	if events[1].Key != "ev-sent" || events[1].MessageID != msgID {
		t.Errorf("second event = %+v", events[1])
	}

	later, err := s.MessageEventsSince(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("listing message events: %v", err)
	}
	if len(later) != 0 {
		t.Errorf("events outside the window returned: %d", len(later))
	}
}

func TestCursorLifecycle(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	if _, err := s.GetCursor(ctx, "inbox"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing cursor err = %v, want ErrNotFound", err)
	}

	if err := s.AdvanceCursor(ctx, "inbox", "token-1"); err != nil {
		t.Fatalf("advancing cursor: %v", err)
	}
	if err := s.AdvanceCursor(ctx, "inbox", "token-2"); err != nil {
		t.Fatalf("advancing cursor: %v", err)
	}
	cur, err := s.GetCursor(ctx, "inbox")
	if err != nil {
		t.Fatalf("getting cursor: %v", err)
	}
	if cur.DeltaToken != "token-2" {
		t.Fatalf("delta token = %q, want token-2", cur.DeltaToken)
	}

	expires := time.Now().Add(24 * time.Hour)
	if err := s.SetSubscription(ctx, "inbox", "sub-1", expires); err != nil {
		t.Fatalf("recording subscription: %v", err)
	}
	cur, err = s.GetCursor(ctx, "inbox")
	if err != nil {
		t.Fatalf("getting cursor: %v", err)
	}
	if cur.SubscriptionID != "sub-1" {
		t.Fatalf("subscription = %q, want sub-1", cur.SubscriptionID)
	}
	if cur.DeltaToken != "token-2" {
		t.Fatalf("subscription upsert clobbered delta token: %q", cur.DeltaToken)
	}

	if err := s.ResetCursor(ctx, "inbox"); err != nil {
		t.Fatalf("resetting cursor: %v", err)
	}
	cur, err = s.GetCursor(ctx, "inbox")
	if err != nil {
		t.Fatalf("getting cursor after reset: %v", err)
	}
	if cur.DeltaToken != "" {
		t.Fatalf("delta token survived reset: %q", cur.DeltaToken)
	}
}
