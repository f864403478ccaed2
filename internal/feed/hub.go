// Package feed fans recipient-status updates out to in-process
// subscribers such as a UI pane or a notification surface.
package feed

import (
	"sync"
	"time"

	"github.com/mailminder/mailminder/internal/model"
)

// Update is one observable change to a tracked message's recipient set.
type Update struct {
	MessageID string            `json:"message_id"`
	Recipient string            `json:"recipient,omitempty"`
	Event     model.EventType   `json:"event"`
	Reply     model.ReplyStatus `json:"reply,omitempty"`
	RSVP      model.RSVPStatus  `json:"rsvp,omitempty"`
	At        time.Time         `json:"at"`
}

// Hub delivers updates to subscribers keyed by message ID. The empty
// key subscribes to every update. Slow subscribers drop updates rather
// than stall the sync path.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Update]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Update]struct{})}
}

// Subscribe registers interest in messageID ("" for all). The returned
// cancel func must be called exactly once; it closes the channel.
func (h *Hub) Subscribe(messageID string) (chan Update, func()) {
	ch := make(chan Update, 8)
	h.mu.Lock()
	if _, ok := h.subs[messageID]; !ok {
		h.subs[messageID] = make(map[chan Update]struct{})
	}
	h.subs[messageID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if subscribers, ok := h.subs[messageID]; ok {
			delete(subscribers, ch)
			if len(subscribers) == 0 {
				delete(h.subs, messageID)
			}
		}
		h.mu.Unlock()
		close(ch)
	}
}

// Publish delivers an update to the message's subscribers and to
// wildcard subscribers, non-blocking.
func (h *Hub) Publish(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[u.MessageID] {
		select {
		case ch <- u:
		default:
		}
	}
	if u.MessageID != "" {
		for ch := range h.subs[""] {
			select {
			case ch <- u:
			default:
			}
		}
	}
}
