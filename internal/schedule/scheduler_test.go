package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/store"
	"github.com/mailminder/mailminder/tests/testutil"
)

// captureSink records submitted intents.
type captureSink struct {
	intents []model.ActionIntent
}

func (c *captureSink) Submit(_ context.Context, intent model.ActionIntent) error {
	c.intents = append(c.intents, intent)
	return nil
}

func seedSent(t *testing.T, ledger store.Ledger, id string, sentAt time.Time, policy model.ReminderPolicy, addrs ...string) {
	t.Helper()
	ctx := context.Background()

	var recipients []model.Recipient
	for _, a := range addrs {
		recipients = append(recipients, model.Recipient{Address: a})
	}
	msg := model.Message{ID: id, Subject: "budget review", Policy: policy}
	if err := ledger.CreateMessage(ctx, msg, recipients); err != nil {
		t.Fatalf("creating message: %v", err)
	}
	if err := ledger.MarkSent(ctx, id, "prov-"+id, "imid-"+id, "conv-"+id, sentAt); err != nil {
		t.Fatalf("marking sent: %v", err)
	}
}

// execute marks a submitted intent executed, simulating the dispatcher.
func execute(t *testing.T, ledger store.Ledger, intent model.ActionIntent, at time.Time) {
	t.Helper()
	if err := ledger.MarkIntentExecuted(context.Background(), intent.DedupKey, at); err != nil {
		t.Fatalf("executing intent %s: %v", intent.DedupKey, err)
	}
}

func TestTickEmitsReminderWhenIntervalElapsed(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	policy := model.ReminderPolicy{Interval: 72 * time.Hour, MaxReminders: 2}
	sentAt := time.Now().Add(-73 * time.Hour)
	seedSent(t, ledger, "m1", sentAt, policy, "alice@example.com")

	sink := &captureSink{}
	s := New(ledger, sink, Options{DefaultPolicy: policy})

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.intents) != 1 {
		t.Fatalf("got %d intents, want 1", len(sink.intents))
	}
	in := sink.intents[0]
	if in.Kind != model.ActionSendReminder {
		t.Errorf("kind = %s, want send_reminder", in.Kind)
	}
	if in.DedupKey != model.ReminderDedupKey("m1", "alice@example.com", 0) {
		t.Errorf("dedup key = %q", in.DedupKey)
	}
	if in.Params["provider_message_id"] != "prov-m1" {
		t.Errorf("params = %+v, want provider message id", in.Params)
	}

	// Another tick before the reminder executes re-records nothing and
	// re-submits nothing.
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(sink.intents) != 1 {
		t.Fatalf("pending intent re-submitted: %d", len(sink.intents))
	}
}

func TestTickRespectsInterval(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	policy := model.ReminderPolicy{Interval: 72 * time.Hour, MaxReminders: 2}
	seedSent(t, ledger, "m1", time.Now().Add(-time.Hour), policy, "alice@example.com")

	sink := &captureSink{}
	s := New(ledger, sink, Options{DefaultPolicy: policy})

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.intents) != 0 {
		t.Fatalf("reminder fired before the interval elapsed: %+v", sink.intents)
	}
}

func TestEscalationAfterReminderCap(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	ctx := context.Background()
	policy := model.ReminderPolicy{Interval: 24 * time.Hour, MaxReminders: 2}
	sentAt := time.Now().Add(-10 * 24 * time.Hour)
	seedSent(t, ledger, "m1", sentAt, policy, "alice@example.com")

	sink := &captureSink{}
	clock := sentAt
	s := New(ledger, sink, Options{
		DefaultPolicy: policy,
		Now:           func() time.Time { return clock },
	})

	// Walk the clock forward a day at a time, executing each intent as
	// the dispatcher would. Two reminders, then exactly one escalation.
	executed := map[string]bool{}
	for day := 1; day <= 5; day++ {
		clock = sentAt.Add(time.Duration(day) * 25 * time.Hour)
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("tick day %d: %v", day, err)
		}
		for _, in := range sink.intents {
			if !executed[in.DedupKey] {
				execute(t, ledger, in, clock)
				executed[in.DedupKey] = true
			}
		}
	}

	if len(sink.intents) != 3 {
		t.Fatalf("got %d intents, want 2 reminders + 1 escalation", len(sink.intents))
	}
	if sink.intents[0].Kind != model.ActionSendReminder || sink.intents[1].Kind != model.ActionSendReminder {
		t.Errorf("first two intents = %s, %s", sink.intents[0].Kind, sink.intents[1].Kind)
	}
	if sink.intents[2].Kind != model.ActionEscalate {
		t.Errorf("third intent = %s, want escalate", sink.intents[2].Kind)
	}

	// After the escalation executed, the recipient is resolved and the
	// message closed; further ticks are silent.
	msg, err := ledger.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("getting message: %v", err)
	}
	if msg.State != model.MessageClosed {
		t.Errorf("message state = %s, want closed after escalation", msg.State)
	}
	clock = clock.Add(48 * time.Hour)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("final tick: %v", err)
	}
	if len(sink.intents) != 3 {
		t.Fatalf("escalated recipient produced more intents: %d", len(sink.intents))
	}
}

func TestIndependentRecipientsResolveSeparately(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	ctx := context.Background()
	policy := model.ReminderPolicy{Interval: 72 * time.Hour, MaxReminders: 2}
	sentAt := time.Now().Add(-80 * time.Hour)
	seedSent(t, ledger, "m1", sentAt, policy, "alice@example.com", "bob@example.com")

	// Alice replies before anything comes due.
	if _, err := ledger.ApplyEvent(ctx, model.Event{
		Key: "ev-a", Type: model.EventReplyReceived,
		MessageID: "m1", Recipient: "alice@example.com",
		Timestamp: sentAt.Add(time.Hour),
	}); err != nil {
		t.Fatalf("applying reply: %v", err)
	}

	sink := &captureSink{}
	s := New(ledger, sink, Options{DefaultPolicy: policy})
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(sink.intents) != 1 {
		t.Fatalf("got %d intents, want 1 (only bob is pending)", len(sink.intents))
	}
	if sink.intents[0].Recipient != "bob@example.com" {
		t.Errorf("intent recipient = %s, want bob", sink.intents[0].Recipient)
	}
}

func TestReopenRestartsReminderSequenceWithoutRefiring(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	ctx := context.Background()
	policy := model.ReminderPolicy{Interval: 24 * time.Hour, MaxReminders: 2}
	sentAt := time.Now().Add(-48 * time.Hour)
	seedSent(t, ledger, "m1", sentAt, policy, "alice@example.com")

	sink := &captureSink{}
	s := New(ledger, sink, Options{DefaultPolicy: policy})

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sink.intents) != 1 {
		t.Fatalf("got %d intents, want 1", len(sink.intents))
	}
	execute(t, ledger, sink.intents[0], time.Now().Add(-25*time.Hour))

	// Reply closes tracking, then the user reopens the recipient. The
	// first reminder's dedup key is already consumed; the next reminder
	// due continues the sequence at count 1.
	if _, err := ledger.ApplyEvent(ctx, model.Event{
		Key: "ev-r", Type: model.EventReplyReceived,
		MessageID: "m1", Recipient: "alice@example.com", Timestamp: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("applying reply: %v", err)
	}
	if err := ledger.ReopenRecipient(ctx, "m1", "alice@example.com"); err != nil {
		t.Fatalf("reopening: %v", err)
	}

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick after reopen: %v", err)
	}
	if len(sink.intents) != 2 {
		t.Fatalf("got %d intents after reopen, want 2", len(sink.intents))
	}
	if sink.intents[1].DedupKey != model.ReminderDedupKey("m1", "alice@example.com", 1) {
		t.Errorf("reopened sequence key = %q, want reminder count 1", sink.intents[1].DedupKey)
	}
}
