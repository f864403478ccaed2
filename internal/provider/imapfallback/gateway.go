// Package imapfallback implements a poll-only provider gateway over
// IMAP for accounts without a delta-query API. Cursors encode the
// mailbox UIDVALIDITY and the highest UID already applied; a
// UIDVALIDITY change invalidates the cursor and forces a resync.
package imapfallback

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/provider"
	"github.com/mailminder/mailminder/internal/provider/attach"
)

// resyncHorizon bounds how far back a full enumeration reaches when no
// cursor exists. Older mail predates anything the ledger tracks.
const resyncHorizon = 30 * 24 * time.Hour

// Options configures a Gateway.
type Options struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool

	// AttachmentDir is where save_attachment actions write files.
	AttachmentDir string

	Logger *slog.Logger
}

// Gateway polls an IMAP mailbox for new messages. Connections are
// opened per operation; IMAP servers routinely drop idle sessions and
// reconnecting is cheaper than keeping them alive.
type Gateway struct {
	host          string
	port          string
	username      string
	password      string
	tls           bool
	attachmentDir string
	logger        *slog.Logger
}

func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		host:          opts.Host,
		port:          opts.Port,
		username:      opts.Username,
		password:      opts.Password,
		tls:           opts.TLS,
		attachmentDir: opts.AttachmentDir,
		logger:        opts.Logger.With("component", "imap"),
	}
}

func (g *Gateway) connect(_ context.Context) (*imapclient.Client, error) {
	addr := g.host + ":" + g.port

	var client *imapclient.Client
	var err error
	if g.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &provider.TransientError{Op: "connecting to " + addr, Err: err}
	}

	if err := client.Login(g.username, g.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &provider.PermanentError{
			Op:     "imap login",
			Reason: fmt.Sprintf("authentication failed for %s", g.username),
			Err:    err,
		}
	}
	return client, nil
}

// Subscribe always refuses; this provider has no push channel and the
// sync controller falls back to delta polling.
func (g *Gateway) Subscribe(_ context.Context, _ string) (provider.Subscription, error) {
	return nil, provider.ErrPushUnsupported
}

// FetchDelta enumerates messages newer than the cursor's UID high-water
// mark in a single page.
func (g *Gateway) FetchDelta(ctx context.Context, resource, cursor string) (*provider.Delta, error) {
	client, err := g.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	mailbox := mailboxName(resource)
	selectData, err := client.Select(mailbox, nil).Wait()
	if err != nil {
		return nil, &provider.TransientError{Op: "selecting " + mailbox, Err: err}
	}

	validity, lastUID, err := parseCursor(cursor)
	if err != nil || (cursor != "" && validity != selectData.UIDValidity) {
		return nil, &provider.CursorInvalidError{Resource: resource}
	}

	criteria := &imap.SearchCriteria{}
	if cursor == "" {
		criteria.Since = time.Now().Add(-resyncHorizon)
	} else {
		var uidSet imap.UIDSet
		uidSet.AddRange(imap.UID(lastUID+1), 0)
		criteria.UID = []imap.UIDSet{uidSet}
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &provider.TransientError{Op: "searching " + mailbox, Err: err}
	}

	uids := searchData.AllUIDs()
	highWater := lastUID
	var changes []provider.Change

	if len(uids) > 0 {
		uidSet := imap.UIDSetNum(uids...)
		fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
			Envelope: true,
			UID:      true,
		})

		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				continue
			}
			if uint32(buf.UID) > highWater {
				highWater = uint32(buf.UID)
			}
			ch, ok := changeFromBuffer(mailbox, selectData.UIDValidity, buf)
			if !ok {
				continue
			}
			changes = append(changes, ch)
		}
		if err := fetchCmd.Close(); err != nil {
			return nil, &provider.TransientError{Op: "fetching " + mailbox, Err: err}
		}
	}

	return &provider.Delta{
		Changes: changes,
		Cursor:  fmt.Sprintf("%d:%d", selectData.UIDValidity, highWater),
	}, nil
}

// Execute performs a dispatched action where IMAP can express it.
// Sending is out of reach without an SMTP submission path, so reminder
// and escalation intents park with a remediation hint.
func (g *Gateway) Execute(ctx context.Context, req provider.ActionRequest) error {
	switch req.Kind {
	case model.ActionMoveMessage:
		return g.moveMessage(ctx, req)
	case model.ActionTagMessage:
		return g.tagMessage(ctx, req)
	case model.ActionSaveAttachment:
		return g.saveAttachments(ctx, req)
	case model.ActionSendReminder, model.ActionEscalate:
		return &provider.PermanentError{Op: string(req.Kind),
			Reason: "sending mail is not supported over imap; configure an outbound provider"}
	default:
		return &provider.PermanentError{Op: "execute",
			Reason: fmt.Sprintf("unsupported action kind %q", req.Kind)}
	}
}

func (g *Gateway) moveMessage(ctx context.Context, req provider.ActionRequest) error {
	folder := req.Params["folder"]
	if folder == "" {
		return &provider.PermanentError{Op: "move message", Reason: "no destination folder"}
	}
	return g.withMessage(ctx, req.ProviderMessageID, func(client *imapclient.Client, uid imap.UID) error {
		if _, err := client.Move(imap.UIDSetNum(uid), folder).Wait(); err != nil {
			return &provider.TransientError{Op: "moving message", Err: err}
		}
		return nil
	})
}

func (g *Gateway) tagMessage(ctx context.Context, req provider.ActionRequest) error {
	tag := req.Params["tag"]
	if tag == "" {
		return &provider.PermanentError{Op: "tag message", Reason: "no tag"}
	}
	return g.withMessage(ctx, req.ProviderMessageID, func(client *imapclient.Client, uid imap.UID) error {
		storeCmd := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.Flag(tag)},
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return &provider.TransientError{Op: "tagging message", Err: err}
		}
		return nil
	})
}

func (g *Gateway) saveAttachments(ctx context.Context, req provider.ActionRequest) error {
	dir := req.Params["dir"]
	if dir == "" {
		dir = g.attachmentDir
	}
	return g.withMessage(ctx, req.ProviderMessageID, func(client *imapclient.Client, uid imap.UID) error {
		bodySection := &imap.FetchItemBodySection{Peek: true}
		fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{bodySection},
		})
		msg := fetchCmd.Next()
		if msg == nil {
			_ = fetchCmd.Close()
			return &provider.TransientError{Op: "save attachments",
				Err: fmt.Errorf("message disappeared mid-fetch")}
		}
		buf, err := msg.Collect()
		if err != nil {
			_ = fetchCmd.Close()
			return &provider.TransientError{Op: "save attachments", Err: err}
		}
		if err := fetchCmd.Close(); err != nil {
			return &provider.TransientError{Op: "save attachments", Err: err}
		}

		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			return &provider.PermanentError{Op: "save attachments", Reason: "no message body"}
		}
		saved, err := attach.Extract(raw, dir, req.Params["rename_pattern"])
		if err != nil {
			return &provider.PermanentError{Op: "save attachments", Reason: err.Error(), Err: err}
		}
		g.logger.Info("attachments saved", "message", req.ProviderMessageID, "dir", dir, "count", saved)
		return nil
	})
}

// withMessage locates a message by its Message-ID header and runs fn
// with a live session. IMAP UIDs are session-local bookkeeping; the
// internet message ID is the only stable handle actions can carry.
func (g *Gateway) withMessage(ctx context.Context, messageID string, fn func(*imapclient.Client, imap.UID) error) error {
	if messageID == "" {
		return &provider.PermanentError{Op: "locate message", Reason: "no message ID"}
	}

	client, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return &provider.TransientError{Op: "selecting INBOX", Err: err}
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-Id", Value: "<" + strings.Trim(messageID, "<>") + ">"},
		},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return &provider.TransientError{Op: "locating message", Err: err}
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return &provider.PermanentError{Op: "locate message",
			Reason: fmt.Sprintf("message %s not found in INBOX", messageID)}
	}
	return fn(client, uids[len(uids)-1])
}

// changeFromBuffer lifts a fetched message into a provider change.
func changeFromBuffer(mailbox string, validity uint32, buf *imapclient.FetchMessageBuffer) (provider.Change, bool) {
	if buf.Envelope == nil {
		return provider.Change{}, false
	}
	env := buf.Envelope

	ch := provider.Change{
		ID:                fmt.Sprintf("%s:%d:%d", mailbox, validity, uint32(buf.UID)),
		Type:              provider.ChangeMessageReceived,
		MessageID:         strings.Trim(env.MessageID, "<>"),
		InternetMessageID: strings.Trim(env.MessageID, "<>"),
		Subject:           env.Subject,
		Timestamp:         env.Date,
	}
	if len(env.InReplyTo) > 0 {
		ch.InReplyTo = strings.Trim(env.InReplyTo[0], "<>")
	}
	if len(env.From) > 0 {
		ch.From = env.From[0].Addr()
		ch.FromName = env.From[0].Name
	}
	if ch.MessageID == "" {
		ch.MessageID = ch.ID
	}
	if ch.Timestamp.IsZero() {
		ch.Timestamp = time.Now()
	}
	return ch, true
}

func mailboxName(resource string) string {
	if strings.EqualFold(resource, "inbox") {
		return "INBOX"
	}
	return resource
}

func parseCursor(cursor string) (validity, lastUID uint32, err error) {
	if cursor == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	v, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	u, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	return uint32(v), uint32(u), nil
}
