package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/provider"
	"github.com/mailminder/mailminder/internal/provider/attach"
)

// Options configures a Gateway.
type Options struct {
	// BaseURL is the API root; defaults to the public endpoint.
	BaseURL string

	// NotificationURL is the websocket relay that streams change
	// notifications for active subscriptions. Empty disables push and
	// Subscribe returns ErrPushUnsupported.
	NotificationURL string

	TokenSource oauth2.TokenSource

	// Resources maps resource names to their kind so delta URLs can be
	// built without callers repeating the kind on every fetch.
	Resources []model.ResourceConfig

	// AttachmentDir is where save_attachment actions write files.
	AttachmentDir string

	PageSize int
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Gateway talks to a Graph-style mail and calendar API.
type Gateway struct {
	client          *client
	notificationURL string
	kinds           map[string]string
	attachmentDir   string
	pageSize        int
	logger          *slog.Logger
}

func New(ctx context.Context, opts Options) (*Gateway, error) {
	if opts.TokenSource == nil {
		return nil, fmt.Errorf("graph: token source is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.AttachmentDir == "" {
		opts.AttachmentDir = filepath.Join(os.TempDir(), "mailminder-attachments")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	kinds := make(map[string]string, len(opts.Resources))
	for _, r := range opts.Resources {
		kinds[r.Name] = r.Kind
	}
	return &Gateway{
		client:          newClient(ctx, opts.BaseURL, opts.TokenSource, opts.Timeout),
		notificationURL: strings.TrimSpace(opts.NotificationURL),
		kinds:           kinds,
		attachmentDir:   opts.AttachmentDir,
		pageSize:        opts.PageSize,
		logger:          opts.Logger.With("component", "graph"),
	}, nil
}

// deltaPage is one page of a delta query response.
type deltaPage struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// FetchDelta pulls one page of changes. The cursor is the opaque
// nextLink or deltaLink URL the previous page returned; empty means a
// fresh enumeration from the beginning of the resource.
func (g *Gateway) FetchDelta(ctx context.Context, resource, cursor string) (*provider.Delta, error) {
	op := "delta " + resource
	reqURL := cursor
	if reqURL == "" {
		reqURL = g.initialDeltaURL(resource)
	}

	var page deltaPage
	if err := g.client.get(ctx, op, reqURL, &page); err != nil {
		if provider.IsCursorInvalid(err) {
			return nil, &provider.CursorInvalidError{Resource: resource}
		}
		return nil, err
	}

	changes := make([]provider.Change, 0, len(page.Value))
	for _, raw := range page.Value {
		ch, ok := g.decodeChange(resource, raw)
		if !ok {
			continue
		}
		changes = append(changes, ch...)
	}

	delta := &provider.Delta{Changes: changes}
	if page.NextLink != "" {
		delta.Cursor = page.NextLink
		delta.More = true
	} else if page.DeltaLink != "" {
		delta.Cursor = page.DeltaLink
	}
	return delta, nil
}

func (g *Gateway) initialDeltaURL(resource string) string {
	top := fmt.Sprintf("$top=%d", g.pageSize)
	if g.kinds[resource] == "calendar" {
		return fmt.Sprintf("/me/calendars/%s/events/delta?%s", url.PathEscape(resource), top)
	}
	return fmt.Sprintf("/me/mailFolders/%s/messages/delta?%s&$expand=attachments", url.PathEscape(resource), top)
}

// wireMessage is the message shape inside a mail delta page.
type wireMessage struct {
	ID                string `json:"id"`
	Subject           string `json:"subject"`
	ConversationID    string `json:"conversationId"`
	InternetMessageID string `json:"internetMessageId"`
	From              struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	Attachments      []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Size        int64  `json:"size"`
		ContentType string `json:"contentType"`
	} `json:"attachments"`
	Headers []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"internetMessageHeaders"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

// wireEvent is the event shape inside a calendar delta page.
type wireEvent struct {
	ID             string `json:"id"`
	Subject        string `json:"subject"`
	ConversationID string `json:"conversationId"`
	Attendees      []struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
		Status struct {
			Response string    `json:"response"`
			Time     time.Time `json:"time"`
		} `json:"status"`
	} `json:"attendees"`
	LastModified time.Time `json:"lastModifiedDateTime"`
	Removed      *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

func (g *Gateway) decodeChange(resource string, raw json.RawMessage) ([]provider.Change, bool) {
	if g.kinds[resource] == "calendar" {
		return g.decodeEvent(raw)
	}
	return g.decodeMessage(raw)
}

func (g *Gateway) decodeMessage(raw json.RawMessage) ([]provider.Change, bool) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		g.logger.Warn("skipping undecodable message record", "error", err)
		return nil, false
	}
	if m.Removed != nil || m.ID == "" {
		return nil, false
	}

	ch := provider.Change{
		ID:                m.ID,
		Type:              provider.ChangeMessageReceived,
		MessageID:         m.ID,
		ConversationID:    m.ConversationID,
		InternetMessageID: m.InternetMessageID,
		From:              m.From.EmailAddress.Address,
		FromName:          m.From.EmailAddress.Name,
		Subject:           m.Subject,
		Timestamp:         m.ReceivedDateTime,
	}
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, "In-Reply-To") {
			ch.InReplyTo = strings.Trim(h.Value, "<> ")
		}
	}
	for _, a := range m.Attachments {
		ch.Attachments = append(ch.Attachments, model.Attachment{
			Name:        a.Name,
			Size:        a.Size,
			ContentType: a.ContentType,
			ProviderID:  a.ID,
		})
	}
	return []provider.Change{ch}, true
}

// decodeEvent fans a changed calendar event out into one rsvp change per
// attendee with a recorded response. Stale responses are dropped later
// by the ledger's timestamp comparison, so re-sending every attendee on
// each event update is safe.
func (g *Gateway) decodeEvent(raw json.RawMessage) ([]provider.Change, bool) {
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		g.logger.Warn("skipping undecodable event record", "error", err)
		return nil, false
	}
	if ev.Removed != nil || ev.ID == "" {
		return nil, false
	}

	var changes []provider.Change
	for _, att := range ev.Attendees {
		rsvp, ok := mapResponse(att.Status.Response)
		if !ok {
			continue
		}
		ts := att.Status.Time
		if ts.IsZero() {
			ts = ev.LastModified
		}
		changes = append(changes, provider.Change{
			ID:             fmt.Sprintf("%s|%s|%d", ev.ID, att.EmailAddress.Address, ts.UnixNano()),
			Type:           provider.ChangeRSVP,
			MessageID:      ev.ID,
			ConversationID: ev.ConversationID,
			Subject:        ev.Subject,
			Attendee:       att.EmailAddress.Address,
			Response:       rsvp,
			Timestamp:      ts,
		})
	}
	return changes, len(changes) > 0
}

func mapResponse(response string) (model.RSVPStatus, bool) {
	switch strings.ToLower(response) {
	case "accepted", "organizer":
		return model.RSVPAccepted, true
	case "tentativelyaccepted", "tentative":
		return model.RSVPTentative, true
	case "declined":
		return model.RSVPDeclined, true
	case "none", "notresponded", "":
		return model.RSVPNone, false
	default:
		return model.RSVPNone, false
	}
}

// subscriptionResponse is the provider's subscription resource.
type subscriptionResponse struct {
	ID                 string    `json:"id"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// Subscribe registers a change subscription and attaches to the
// notification relay's websocket stream for it.
func (g *Gateway) Subscribe(ctx context.Context, resource string) (provider.Subscription, error) {
	if g.notificationURL == "" {
		return nil, provider.ErrPushUnsupported
	}

	kind := g.kinds[resource]
	target := fmt.Sprintf("/me/mailFolders/%s/messages", url.PathEscape(resource))
	changeType := "created"
	if kind == "calendar" {
		target = fmt.Sprintf("/me/calendars/%s/events", url.PathEscape(resource))
		changeType = "created,updated"
	}

	var sub subscriptionResponse
	err := g.client.post(ctx, "subscribe "+resource, "/subscriptions", map[string]any{
		"changeType":         changeType,
		"notificationUrl":    g.notificationURL,
		"resource":           target,
		"expirationDateTime": time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
	}, &sub)
	if err != nil {
		if provider.IsPermanent(err) {
			// Tenants without a webhook relay reject the registration;
			// that is a capability gap, not a fault.
			return nil, provider.ErrPushUnsupported
		}
		return nil, err
	}

	stream, err := newStream(ctx, g, resource, sub)
	if err != nil {
		_ = g.client.delete(context.WithoutCancel(ctx), "unsubscribe "+resource, "/subscriptions/"+sub.ID)
		return nil, err
	}
	return stream, nil
}

// Execute performs one dispatched action.
func (g *Gateway) Execute(ctx context.Context, req provider.ActionRequest) error {
	switch req.Kind {
	case model.ActionSendReminder, model.ActionEscalate:
		return g.sendFollowUp(ctx, req)
	case model.ActionMoveMessage:
		return g.moveMessage(ctx, req)
	case model.ActionTagMessage:
		return g.tagMessage(ctx, req)
	case model.ActionSaveAttachment:
		return g.saveAttachments(ctx, req)
	default:
		return &provider.PermanentError{Op: "execute",
			Reason: fmt.Sprintf("unsupported action kind %q", req.Kind)}
	}
}

// sendFollowUp replies on the original thread so the reminder lands in
// the same conversation, addressed to the one recipient it concerns.
func (g *Gateway) sendFollowUp(ctx context.Context, req provider.ActionRequest) error {
	if req.ProviderMessageID == "" {
		return &provider.PermanentError{Op: "send follow-up",
			Reason: "original message has no provider ID"}
	}
	body := req.Params["body"]
	if body == "" {
		if req.Kind == model.ActionEscalate {
			body = "Following up once more on the message below; no response has been received."
		} else {
			body = "Gentle reminder about the message below."
		}
	}
	payload := map[string]any{
		"comment": body,
		"message": map[string]any{
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]string{"address": req.Recipient}},
			},
		},
	}
	endpoint := fmt.Sprintf("/me/messages/%s/reply", url.PathEscape(req.ProviderMessageID))
	return g.client.post(ctx, string(req.Kind), endpoint, payload, nil)
}

func (g *Gateway) moveMessage(ctx context.Context, req provider.ActionRequest) error {
	folder := req.Params["folder"]
	if folder == "" {
		return &provider.PermanentError{Op: "move message", Reason: "no destination folder"}
	}
	endpoint := fmt.Sprintf("/me/messages/%s/move", url.PathEscape(req.ProviderMessageID))
	return g.client.post(ctx, "move message", endpoint,
		map[string]string{"destinationId": folder}, nil)
}

func (g *Gateway) tagMessage(ctx context.Context, req provider.ActionRequest) error {
	tag := req.Params["tag"]
	if tag == "" {
		return &provider.PermanentError{Op: "tag message", Reason: "no tag"}
	}
	endpoint := "/me/messages/" + url.PathEscape(req.ProviderMessageID)

	var current struct {
		Categories []string `json:"categories"`
	}
	if err := g.client.get(ctx, "tag message", endpoint+"?$select=categories", &current); err != nil {
		return err
	}
	for _, c := range current.Categories {
		if c == tag {
			return nil
		}
	}
	return g.client.patch(ctx, "tag message", endpoint,
		map[string]any{"categories": append(current.Categories, tag)})
}

// saveAttachments downloads the message's raw MIME and extracts its
// attachment parts to the configured directory.
func (g *Gateway) saveAttachments(ctx context.Context, req provider.ActionRequest) error {
	endpoint := fmt.Sprintf("/me/messages/%s/$value", url.PathEscape(req.ProviderMessageID))
	raw, err := g.client.getRaw(ctx, "save attachments", endpoint)
	if err != nil {
		return err
	}

	dir := req.Params["dir"]
	if dir == "" {
		dir = g.attachmentDir
	}
	saved, err := attach.Extract(raw, dir, req.Params["rename_pattern"])
	if err != nil {
		return &provider.PermanentError{Op: "save attachments",
			Reason: err.Error(), Err: err}
	}
	g.logger.Info("attachments saved",
		"message", req.ProviderMessageID, "dir", dir, "count", saved)
	return nil
}
