package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/provider"
	"github.com/mailminder/mailminder/internal/store"
)

// bounceSubjectMarkers are subject prefixes used by common NDR formats.
var bounceSubjectMarkers = []string{
	"undeliverable",
	"delivery status notification",
	"mail delivery failed",
	"returned mail",
}

// bounceSenderMarkers identify delivery-report senders.
var bounceSenderMarkers = []string{
	"mailer-daemon",
	"postmaster",
}

// normalize converts one raw provider change into zero or more ledger
// events. It is the only place raw provider records are interpreted; the
// ledger only ever sees model.Event.
func (c *Controller) normalize(ctx context.Context, ch provider.Change) ([]model.Event, error) {
	switch ch.Type {
	case provider.ChangeMessageReceived:
		return c.normalizeMessage(ctx, ch)
	case provider.ChangeRSVP:
		return c.normalizeRSVP(ctx, ch)
	default:
		c.logger.Warn("ignoring unknown change type", "type", ch.Type)
		return nil, nil
	}
}

func (c *Controller) normalizeMessage(ctx context.Context, ch provider.Change) ([]model.Event, error) {
	var events []model.Event

	// Every incoming message yields a message-level event so inbox rules
	// fire exactly once per message, however often it is redelivered.
	events = append(events, model.Event{
		Key:               eventKey(ch, model.EventMessageReceived),
		Resource:          c.resource,
		Type:              model.EventMessageReceived,
		ProviderMessageID: ch.MessageID,
		From:              model.NormalizeAddress(ch.From),
		FromName:          ch.FromName,
		Subject:           ch.Subject,
		Attachments:       ch.Attachments,
		Timestamp:         ch.Timestamp,
	})

	msg, err := c.resolveTracked(ctx, ch)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return events, nil
	}

	if isBounce(ch) {
		recipient, err := c.bounceTarget(ctx, msg, ch)
		if err != nil {
			return nil, err
		}
		if recipient == "" {
			c.logger.Warn("bounce with no identifiable recipient",
				"message", msg.ID, "subject", ch.Subject)
			return events, nil
		}
		events = append(events, model.Event{
			Key:       eventKey(ch, model.EventBounce),
			Resource:  c.resource,
			Type:      model.EventBounce,
			MessageID: msg.ID,
			Recipient: recipient,
			Subject:   ch.Subject,
			Timestamp: ch.Timestamp,
		})
		return events, nil
	}

	events = append(events, model.Event{
		Key:       eventKey(ch, model.EventReplyReceived),
		Resource:  c.resource,
		Type:      model.EventReplyReceived,
		MessageID: msg.ID,
		Recipient: model.NormalizeAddress(ch.From),
		Subject:   ch.Subject,
		Timestamp: ch.Timestamp,
	})
	return events, nil
}

func (c *Controller) normalizeRSVP(ctx context.Context, ch provider.Change) ([]model.Event, error) {
	msg, err := c.lookup(func() (*model.Message, error) {
		return c.ledger.FindMessageByProviderID(ctx, ch.MessageID)
	})
	if err != nil {
		return nil, err
	}
	if msg == nil && ch.ConversationID != "" {
		msg, err = c.lookup(func() (*model.Message, error) {
			return c.ledger.FindMessageByConversation(ctx, ch.ConversationID)
		})
		if err != nil {
			return nil, err
		}
	}
	if msg == nil {
		return nil, nil
	}

	return []model.Event{{
		Key:       eventKey(ch, model.EventRSVPChanged),
		Resource:  c.resource,
		Type:      model.EventRSVPChanged,
		MessageID: msg.ID,
		Recipient: model.NormalizeAddress(ch.Attendee),
		RSVP:      ch.Response,
		Timestamp: ch.Timestamp,
	}}, nil
}

// resolveTracked finds the tracked message an incoming message belongs
// to, preferring the explicit In-Reply-To reference over the looser
// conversation match.
func (c *Controller) resolveTracked(ctx context.Context, ch provider.Change) (*model.Message, error) {
	if ch.InReplyTo != "" {
		msg, err := c.lookup(func() (*model.Message, error) {
			return c.ledger.FindMessageByInternetID(ctx, ch.InReplyTo)
		})
		if err != nil || msg != nil {
			return msg, err
		}
	}
	if ch.ConversationID != "" {
		return c.lookup(func() (*model.Message, error) {
			return c.ledger.FindMessageByConversation(ctx, ch.ConversationID)
		})
	}
	return nil, nil
}

// bounceTarget identifies which tracked recipient an NDR refers to by
// searching the report subject for a recipient address.
func (c *Controller) bounceTarget(ctx context.Context, msg *model.Message, ch provider.Change) (string, error) {
	recipients, err := c.ledger.GetRecipientState(ctx, msg.ID)
	if err != nil {
		return "", err
	}
	subject := strings.ToLower(ch.Subject)
	for _, r := range recipients {
		if strings.Contains(subject, strings.ToLower(r.Address)) {
			return r.Address, nil
		}
	}
	// A single pending recipient leaves no ambiguity.
	var pending []string
	for _, r := range recipients {
		if r.ReplyStatus == model.ReplyPending {
			pending = append(pending, r.Address)
		}
	}
	if len(pending) == 1 {
		return pending[0], nil
	}
	return "", nil
}

func (c *Controller) lookup(fn func() (*model.Message, error)) (*model.Message, error) {
	msg, err := fn()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// eventKey derives the idempotency key for a change. Provider-issued
// change IDs are preferred; otherwise a composite of message ID, change
// type, and timestamp stands in. The event type is always folded in so
// one change fanning out to several events stays collision-free.
func eventKey(ch provider.Change, t model.EventType) string {
	if ch.ID != "" {
		return fmt.Sprintf("%s|%s", ch.ID, t)
	}
	return model.CompositeKey(ch.MessageID, t, ch.Timestamp)
}

func isBounce(ch provider.Change) bool {
	from := strings.ToLower(ch.From)
	for _, marker := range bounceSenderMarkers {
		if strings.Contains(from, marker) {
			return true
		}
	}
	subject := strings.ToLower(ch.Subject)
	for _, marker := range bounceSubjectMarkers {
		if strings.HasPrefix(subject, marker) {
			return true
		}
	}
	return false
}
