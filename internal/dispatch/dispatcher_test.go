package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/provider"
	"github.com/mailminder/mailminder/internal/store"
	"github.com/mailminder/mailminder/tests/testutil"
)

var errConnReset = errors.New("connection reset by peer")

// scriptedGateway pops one response per Execute call.
type scriptedGateway struct {
	mu    sync.Mutex
	errs  []error
	calls []provider.ActionRequest
}

func (g *scriptedGateway) Execute(_ context.Context, req provider.ActionRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if len(g.errs) == 0 {
		return nil
	}
	err := g.errs[0]
	g.errs = g.errs[1:]
	return err
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGateway) FetchDelta(context.Context, string, string) (*provider.Delta, error) {
	return &provider.Delta{}, nil
}

func (g *scriptedGateway) Subscribe(context.Context, string) (provider.Subscription, error) {
	return nil, provider.ErrPushUnsupported
}

func seedIntent(t *testing.T, ledger store.Ledger, msgID, addr string) model.ActionIntent {
	t.Helper()
	ctx := context.Background()

	msg := model.Message{ID: msgID, Subject: "status update"}
	if err := ledger.CreateMessage(ctx, msg, []model.Recipient{{Address: addr}}); err != nil {
		t.Fatalf("creating message: %v", err)
	}
	if err := ledger.MarkSent(ctx, msgID, "prov-"+msgID, "imid-"+msgID, "conv-"+msgID, time.Now()); err != nil {
		t.Fatalf("marking sent: %v", err)
	}

	intent := model.ActionIntent{
		DedupKey:  model.ReminderDedupKey(msgID, addr, 0),
		Kind:      model.ActionSendReminder,
		MessageID: msgID,
		Recipient: addr,
		Params:    map[string]string{"provider_message_id": "prov-" + msgID},
	}
	created, err := ledger.RecordIntent(ctx, intent)
	if err != nil || !created {
		t.Fatalf("recording intent: created=%v err=%v", created, err)
	}
	return intent
}

func waitForStatus(t *testing.T, ledger store.Ledger, dedupKey string, want model.IntentStatus) *model.ActionIntent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := ledger.GetIntent(context.Background(), dedupKey)
		if err != nil {
			t.Fatalf("getting intent: %v", err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := ledger.GetIntent(context.Background(), dedupKey)
	t.Fatalf("intent %s never reached %s (last: %+v)", dedupKey, want, got)
	return nil
}

func newRunningDispatcher(t *testing.T, gw provider.Gateway, ledger store.Ledger) *Dispatcher {
	t.Helper()
	d := New(gw, ledger, Options{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return d
}

func TestDispatchSuccessRecordsExecution(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	gw := &scriptedGateway{}
	intent := seedIntent(t, ledger, "m1", "alice@example.com")
	d := newRunningDispatcher(t, gw, ledger)

	if err := d.Submit(context.Background(), intent); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, ledger, intent.DedupKey, model.IntentExecuted)

	// Success applied the reminder side effect.
	recs, err := ledger.GetRecipientState(context.Background(), "m1")
	if err != nil {
		t.Fatalf("getting recipients: %v", err)
	}
	if recs[0].ReminderCount != 1 {
		t.Errorf("reminder count = %d, want 1", recs[0].ReminderCount)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.calls) != 1 {
		t.Fatalf("gateway called %d times, want 1", len(gw.calls))
	}
	if gw.calls[0].ProviderMessageID != "prov-m1" || gw.calls[0].Kind != model.ActionSendReminder {
		t.Errorf("request = %+v", gw.calls[0])
	}
}

func TestDispatchPermanentFailureParks(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	gw := &scriptedGateway{errs: []error{
		&provider.PermanentError{Op: "send", Reason: "recipient mailbox disabled"},
	}}
	intent := seedIntent(t, ledger, "m1", "alice@example.com")
	d := newRunningDispatcher(t, gw, ledger)

	if err := d.Submit(context.Background(), intent); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := waitForStatus(t, ledger, intent.DedupKey, model.IntentFailed)
	if got.LastError == "" {
		t.Error("parked intent carries no remediation context")
	}
	if gw.callCount() != 1 {
		t.Errorf("permanent failure retried: %d calls", gw.callCount())
	}
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	gw := &scriptedGateway{errs: []error{
		&provider.TransientError{Op: "send", Err: errConnReset},
		&provider.ThrottledError{Op: "send", RetryAfter: time.Millisecond},
	}}
	intent := seedIntent(t, ledger, "m1", "alice@example.com")
	d := newRunningDispatcher(t, gw, ledger)

	if err := d.Submit(context.Background(), intent); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, ledger, intent.DedupKey, model.IntentExecuted)
	if gw.callCount() != 3 {
		t.Errorf("gateway called %d times, want 3 (two failures, one success)", gw.callCount())
	}
}

func TestDispatchExhaustedRetriesPark(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	gw := &scriptedGateway{errs: []error{
		&provider.TransientError{Op: "send", Err: errConnReset},
		&provider.TransientError{Op: "send", Err: errConnReset},
		&provider.TransientError{Op: "send", Err: errConnReset},
	}}
	intent := seedIntent(t, ledger, "m1", "alice@example.com")
	d := newRunningDispatcher(t, gw, ledger)

	if err := d.Submit(context.Background(), intent); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := waitForStatus(t, ledger, intent.DedupKey, model.IntentFailed)
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (the retry budget)", got.Attempts)
	}
}

func TestDispatchRequeuesPendingOnStartup(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	gw := &scriptedGateway{}
	intent := seedIntent(t, ledger, "m1", "alice@example.com")

	// The intent sits pending in the ledger, as after a crash between
	// recording and dispatch. Run alone must pick it up.
	newRunningDispatcher(t, gw, ledger)
	waitForStatus(t, ledger, intent.DedupKey, model.IntentExecuted)
}

func TestDispatchSkipsAlreadyTerminalIntent(t *testing.T) {
	ledger := testutil.NewTestLedger(t)
	gw := &scriptedGateway{}
	intent := seedIntent(t, ledger, "m1", "alice@example.com")

	if err := ledger.MarkIntentExecuted(context.Background(), intent.DedupKey, time.Now()); err != nil {
		t.Fatalf("pre-executing intent: %v", err)
	}

	d := newRunningDispatcher(t, gw, ledger)
	if err := d.Submit(context.Background(), intent); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Give the dispatcher time to (wrongly) call the gateway.
	time.Sleep(100 * time.Millisecond)
	if gw.callCount() != 0 {
		t.Fatalf("terminal intent executed again: %d calls", gw.callCount())
	}
}
