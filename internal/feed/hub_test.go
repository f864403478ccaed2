package feed

import (
	"testing"
	"time"

	"github.com/mailminder/mailminder/internal/model"
)

func receive(t *testing.T, ch chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return Update{}
	}
}

func TestHubDeliversToMessageSubscribers(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("m1")
	defer cancel()

	h.Publish(Update{MessageID: "m1", Recipient: "alice@example.com", Event: model.EventReplyReceived})

	u := receive(t, ch)
	if u.MessageID != "m1" || u.Recipient != "alice@example.com" {
		t.Errorf("update = %+v", u)
	}
}

func TestHubScopesByMessageID(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("m1")
	defer cancel()

	h.Publish(Update{MessageID: "m2", Event: model.EventReplyReceived})

	select {
	case u := <-ch:
		t.Fatalf("received update for another message: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubWildcardSeesEverything(t *testing.T) {
	h := NewHub()
	all, cancelAll := h.Subscribe("")
	defer cancelAll()

	h.Publish(Update{MessageID: "m1", Event: model.EventReplyReceived})
	h.Publish(Update{MessageID: "m2", Event: model.EventBounce})

	if u := receive(t, all); u.MessageID != "m1" {
		t.Errorf("first update for %s, want m1", u.MessageID)
	}
	if u := receive(t, all); u.MessageID != "m2" {
		t.Errorf("second update for %s, want m2", u.MessageID)
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("m1")
	defer cancel()

	// Publish past the channel capacity without draining. Publish must
	// not block; the overflow is dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*cap(ch); i++ {
			h.Publish(Update{MessageID: "m1", Event: model.EventReplyReceived})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered %d updates, want %d", len(ch), cap(ch))
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("m1")
	cancel()

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	h.Publish(Update{MessageID: "m1", Event: model.EventReplyReceived})
}
