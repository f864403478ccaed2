package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/mailminder/mailminder/internal/provider"
)

// notification is one pushed change envelope from the relay.
type notification struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ChangeType     string `json:"changeType"`
		ResourceData   struct {
			ID string `json:"id"`
		} `json:"resourceData"`
	} `json:"value"`
}

// stream is a live subscription fed by the notification relay's
// websocket. Notifications carry only resource IDs; the full record is
// fetched on receipt so downstream consumers see complete changes.
type stream struct {
	gw       *Gateway
	resource string
	subID    string
	expires  time.Time
	conn     *websocket.Conn
	changes  chan provider.Change
	cancel   context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStream(ctx context.Context, gw *Gateway, resource string, sub subscriptionResponse) (*stream, error) {
	wsURL := fmt.Sprintf("%s?subscriptionId=%s", gw.notificationURL, url.QueryEscape(sub.ID))
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, &provider.TransientError{Op: "connecting notification stream", Err: err}
	}
	conn.SetReadLimit(1 << 20)

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		gw:       gw,
		resource: resource,
		subID:    sub.ID,
		expires:  sub.ExpirationDateTime,
		conn:     conn,
		changes:  make(chan provider.Change, 16),
		cancel:   cancel,
	}
	go s.readLoop(streamCtx)
	return s, nil
}

func (s *stream) ID() string                      { return s.subID }
func (s *stream) ExpiresAt() time.Time            { return s.expires }
func (s *stream) Changes() <-chan provider.Change { return s.changes }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (s *stream) readLoop(ctx context.Context) {
	defer close(s.changes)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(&provider.TransientError{Op: "notification stream", Err: err})
			}
			return
		}

		var n notification
		if err := json.Unmarshal(data, &n); err != nil {
			s.gw.logger.Warn("dropping undecodable notification", "error", err)
			continue
		}
		for _, v := range n.Value {
			if v.ResourceData.ID == "" {
				continue
			}
			if err := s.fetch(ctx, v.ResourceData.ID); err != nil {
				// Leave the record to the next delta pull rather than
				// tearing down the stream over one fetch.
				s.gw.logger.Warn("fetching pushed change failed",
					"resource", s.resource, "id", v.ResourceData.ID, "error", err)
			}
		}
	}
}

// fetch loads the full record behind a notification and forwards the
// resulting changes.
func (s *stream) fetch(ctx context.Context, id string) error {
	var endpoint string
	if s.gw.kinds[s.resource] == "calendar" {
		endpoint = "/me/events/" + url.PathEscape(id)
	} else {
		endpoint = "/me/messages/" + url.PathEscape(id) + "?$expand=attachments"
	}

	var raw json.RawMessage
	if err := s.gw.client.get(ctx, "fetch pushed change", endpoint, &raw); err != nil {
		return err
	}
	changes, ok := s.gw.decodeChange(s.resource, raw)
	if !ok {
		return nil
	}
	for _, ch := range changes {
		select {
		case s.changes <- ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
