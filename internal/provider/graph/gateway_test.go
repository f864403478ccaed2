package graph

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/provider"
)

func newTestGateway(t *testing.T, handler http.Handler) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := New(context.Background(), Options{
		BaseURL:     srv.URL,
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		Resources: []model.ResourceConfig{
			{Name: "inbox", Kind: "mail"},
			{Name: "meetings", Kind: "calendar"},
		},
		PageSize: 10,
	})
	if err != nil {
		t.Fatalf("building gateway: %v", err)
	}
	return gw
}

func TestFetchDeltaDecodesMailPage(t *testing.T) {
	var gotPath, gotAuth string
	var baseURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/me/mailFolders/inbox/messages/delta", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{
			"value": [{
				"id": "AAMk1",
				"subject": "Re: project status",
				"conversationId": "conv-1",
				"internetMessageId": "<reply-1@example.com>",
				"from": {"emailAddress": {"name": "Alice", "address": "Alice@Example.com"}},
				"receivedDateTime": "2026-08-30T09:00:00Z",
				"internetMessageHeaders": [
					{"name": "In-Reply-To", "value": "<orig-1@example.com>"}
				],
				"attachments": [{"id": "att-1", "name": "notes.pdf", "size": 1024, "contentType": "application/pdf"}]
			}, {
				"id": "AAMk2",
				"@removed": {"reason": "deleted"}
			}],
			"@odata.nextLink": "`+baseURL+`/me/mailFolders/inbox/messages/delta?$skiptoken=abc"
		}`)
	})
	gw := newTestGateway(t, mux)
	baseURL = gw.client.baseURL

	delta, err := gw.FetchDelta(context.Background(), "inbox", "")
	if err != nil {
		t.Fatalf("fetch delta: %v", err)
	}
	if !strings.Contains(gotPath, "$expand=attachments") {
		t.Errorf("initial delta URL %q lacks attachment expansion", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("authorization = %q", gotAuth)
	}

	// The removed record is dropped; one change survives.
	if len(delta.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(delta.Changes))
	}
	ch := delta.Changes[0]
	if ch.Type != provider.ChangeMessageReceived || ch.MessageID != "AAMk1" {
		t.Errorf("change = %+v", ch)
	}
	if ch.InReplyTo != "orig-1@example.com" {
		t.Errorf("in-reply-to = %q, want angle brackets stripped", ch.InReplyTo)
	}
	if len(ch.Attachments) != 1 || ch.Attachments[0].Name != "notes.pdf" {
		t.Errorf("attachments = %+v", ch.Attachments)
	}
	if !delta.More || !strings.Contains(delta.Cursor, "$skiptoken=abc") {
		t.Errorf("cursor = %q more = %v, want the next link carried over", delta.Cursor, delta.More)
	}
}

func TestFetchDeltaFinalPageReturnsDeltaLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"value": [], "@odata.deltaLink": "https://api.example.com/delta?$deltatoken=tok-9"}`)
	})
	gw := newTestGateway(t, mux)

	delta, err := gw.FetchDelta(context.Background(), "inbox", "")
	if err != nil {
		t.Fatalf("fetch delta: %v", err)
	}
	if delta.More {
		t.Error("final page reported more")
	}
	if !strings.Contains(delta.Cursor, "$deltatoken=tok-9") {
		t.Errorf("cursor = %q", delta.Cursor)
	}
}

func TestFetchDeltaFansOutCalendarAttendees(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me/calendars/meetings/events/delta", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"value": [{
				"id": "evt-1",
				"subject": "Quarterly review",
				"lastModifiedDateTime": "2026-08-30T10:00:00Z",
				"attendees": [
					{"emailAddress": {"address": "alice@example.com"},
					 "status": {"response": "accepted", "time": "2026-08-30T09:30:00Z"}},
					{"emailAddress": {"address": "bob@example.com"},
					 "status": {"response": "declined", "time": "2026-08-30T09:45:00Z"}},
					{"emailAddress": {"address": "carol@example.com"},
					 "status": {"response": "none"}}
				]
			}],
			"@odata.deltaLink": "https://api.example.com/delta?$deltatoken=cal-1"
		}`)
	})
	gw := newTestGateway(t, mux)

	delta, err := gw.FetchDelta(context.Background(), "meetings", "")
	if err != nil {
		t.Fatalf("fetch delta: %v", err)
	}

	// Two attendees responded; the one with no response produces nothing.
	if len(delta.Changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(delta.Changes))
	}
	byAttendee := map[string]provider.Change{}
	for _, ch := range delta.Changes {
		if ch.Type != provider.ChangeRSVP || ch.MessageID != "evt-1" {
			t.Errorf("change = %+v", ch)
		}
		byAttendee[ch.Attendee] = ch
	}
	if byAttendee["alice@example.com"].Response != model.RSVPAccepted {
		t.Errorf("alice = %+v", byAttendee["alice@example.com"])
	}
	if byAttendee["bob@example.com"].Response != model.RSVPDeclined {
		t.Errorf("bob = %+v", byAttendee["bob@example.com"])
	}
	if got := byAttendee["alice@example.com"].Timestamp; !got.Equal(time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("alice timestamp = %v, want the response time", got)
	}
}

func TestFetchDeltaExpiredCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		io.WriteString(w, `{"error": {"code": "SyncStateNotFound", "message": "token expired"}}`)
	})
	gw := newTestGateway(t, mux)

	_, err := gw.FetchDelta(context.Background(), "inbox", gw.client.baseURL+"/me/mailFolders/inbox/messages/delta?$deltatoken=stale")
	if !provider.IsCursorInvalid(err) {
		t.Fatalf("err = %v, want cursor invalid", err)
	}
}

func TestExecuteFollowUpRepliesOnThread(t *testing.T) {
	var payload map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/me/messages/AAMk1/reply", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	gw := newTestGateway(t, mux)

	err := gw.Execute(context.Background(), provider.ActionRequest{
		Kind:              model.ActionSendReminder,
		ProviderMessageID: "AAMk1",
		Recipient:         "bob@example.com",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if payload["comment"] == "" {
		t.Error("reminder sent with no body")
	}
	raw, _ := json.Marshal(payload["message"])
	if !strings.Contains(string(raw), "bob@example.com") {
		t.Errorf("reply not addressed to the recipient: %s", raw)
	}
}

func TestExecuteTagSkipsWhenAlreadyTagged(t *testing.T) {
	patched := false
	mux := http.NewServeMux()
	mux.HandleFunc("/me/messages/AAMk1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `{"categories": ["receipts"]}`)
		case http.MethodPatch:
			patched = true
			w.WriteHeader(http.StatusOK)
		}
	})
	gw := newTestGateway(t, mux)

	err := gw.Execute(context.Background(), provider.ActionRequest{
		Kind:              model.ActionTagMessage,
		ProviderMessageID: "AAMk1",
		Params:            map[string]string{"tag": "receipts"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if patched {
		t.Error("tagging patched a message that already carried the tag")
	}
}

func TestExecuteThrottledCarriesRetryAfter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	gw := newTestGateway(t, mux)

	err := gw.Execute(context.Background(), provider.ActionRequest{
		Kind:              model.ActionMoveMessage,
		ProviderMessageID: "AAMk1",
		Params:            map[string]string{"folder": "Archive"},
	})
	hint, ok := provider.IsThrottled(err)
	if !ok {
		t.Fatalf("err = %v, want throttled", err)
	}
	if hint != 42*time.Second {
		t.Errorf("retry-after = %v, want 42s", hint)
	}
}

func TestSubscribeWithoutRelayURL(t *testing.T) {
	gw := newTestGateway(t, http.NewServeMux())
	if _, err := gw.Subscribe(context.Background(), "inbox"); err != provider.ErrPushUnsupported {
		t.Fatalf("err = %v, want ErrPushUnsupported", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"server error", 503, `{"error": {"code": "ServiceUnavailable"}}`, provider.IsTransient},
		{"access denied", 401, `{"error": {"code": "InvalidAuthenticationToken"}}`, provider.IsPermanent},
		{"sync state lost", 404, `{"error": {"code": "SyncStateNotFound"}}`, provider.IsCursorInvalid},
		{"bad request", 400, `{"error": {"code": "BadRequest", "message": "malformed"}}`, provider.IsPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tc.status, Header: http.Header{}}
			err := classify("test", resp, []byte(tc.body))
			if !tc.check(err) {
				t.Errorf("classify(%d, %s) = %v", tc.status, tc.body, err)
			}
		})
	}
}

func TestMapResponse(t *testing.T) {
	if got, ok := mapResponse("tentativelyAccepted"); !ok || got != model.RSVPTentative {
		t.Errorf("tentativelyAccepted = %v %v", got, ok)
	}
	if got, ok := mapResponse("organizer"); !ok || got != model.RSVPAccepted {
		t.Errorf("organizer = %v %v", got, ok)
	}
	if _, ok := mapResponse("notResponded"); ok {
		t.Error("notResponded treated as a response")
	}
}
