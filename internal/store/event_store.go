package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mailminder/mailminder/internal/model"
)

// ApplyEvent applies one normalized event inside a single transaction.
// The event row insert doubles as the idempotency check: its key is the
// primary key, so a repeated key changes nothing and yields Duplicate.
// Recipient mutations go through a compare-and-set on the per-channel
// last-change timestamp, making application commutative: the final state
// is decided by event time, not arrival order.
func (s *SQLiteLedger) ApplyEvent(ctx context.Context, ev model.Event) (ApplyResult, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	attachments := ""
	if len(ev.Attachments) > 0 {
		raw, mErr := json.Marshal(ev.Attachments)
		if mErr != nil {
			return 0, fmt.Errorf("encoding attachments of %s: %w", ev.Key, mErr)
		}
		attachments = string(raw)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (key, resource, type, message_id, recipient, ts, applied_at,
			provider_message_id, from_addr, subject, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		ev.Key, ev.Resource, string(ev.Type), ev.MessageID, ev.Recipient,
		ev.Timestamp.UTC(), time.Now().UTC(),
		ev.ProviderMessageID, ev.From, ev.Subject, attachments,
	)
	if err != nil {
		return 0, fmt.Errorf("recording event %s: %w", ev.Key, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recording event %s: %w", ev.Key, err)
	}
	if inserted == 0 {
		return Duplicate, nil
	}

	switch ev.Type {
	case model.EventReplyReceived, model.EventBounce:
		newStatus := model.ReplyReplied
		if ev.Type == model.EventBounce {
			newStatus = model.ReplyBounced
		}
		if err := applyReplyChange(ctx, tx, ev, newStatus); err != nil {
			return 0, err
		}
	case model.EventRSVPChanged:
		if err := applyRSVPChange(ctx, tx, ev); err != nil {
			return 0, err
		}
	case model.EventMessageReceived, model.EventMessageSent:
		// Message-level events mutate no recipient; the row insert above
		// is their whole effect, giving rule evaluation its dedup.
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing event %s: %w", ev.Key, err)
	}
	return Applied, nil
}

// applyReplyChange moves the reply channel of a recipient. The
// compare-and-set on the stored change time alone decides the outcome: a
// strictly newer event wins even between the terminal states, so the
// final state is the same whichever order a reply and a bounce arrive
// in. Reverting to pending is reserved for ReopenRecipient.
func applyReplyChange(ctx context.Context, tx *sqlx.Tx, ev model.Event, status model.ReplyStatus) error {
	current, ok, err := loadRecipientTx(ctx, tx, ev.MessageID, ev.Recipient)
	if err != nil {
		return err
	}
	if !ok {
		// Reply from an address that was never a tracked recipient of
		// this message; the event stays recorded, nothing to mutate.
		return nil
	}
	if !current.ReplyChangedAt.IsZero() && !ev.Timestamp.After(current.ReplyChangedAt) {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE recipients SET reply_status = ?, reply_changed_at = ?
		WHERE message_id = ? AND address = ?`,
		string(status), ev.Timestamp.UTC(), ev.MessageID, ev.Recipient,
	)
	if err != nil {
		return fmt.Errorf("updating reply status of %s: %w", ev.Recipient, err)
	}

	return maybeCloseMessage(ctx, tx, ev.MessageID)
}

// applyRSVPChange updates the RSVP channel of a recipient. RSVP responses
// may legitimately change between states, so any transition is allowed as
// long as the event is strictly newer than the stored change time. That
// includes an explicit "none", an attendee retracting their response; an
// event with no RSVP payload at all mutates nothing.
func applyRSVPChange(ctx context.Context, tx *sqlx.Tx, ev model.Event) error {
	if ev.RSVP == "" {
		return nil
	}
	current, ok, err := loadRecipientTx(ctx, tx, ev.MessageID, ev.Recipient)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !current.RSVPChangedAt.IsZero() && !ev.Timestamp.After(current.RSVPChangedAt) {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE recipients SET rsvp_status = ?, rsvp_changed_at = ?
		WHERE message_id = ? AND address = ?`,
		string(ev.RSVP), ev.Timestamp.UTC(), ev.MessageID, ev.Recipient,
	)
	if err != nil {
		return fmt.Errorf("updating rsvp status of %s: %w", ev.Recipient, err)
	}
	return nil
}

// maybeCloseMessage closes a sent message once every recipient has
// resolved on the reply channel.
func maybeCloseMessage(ctx context.Context, tx *sqlx.Tx, messageID string) error {
	var open int
	err := tx.GetContext(ctx, &open, `
		SELECT COUNT(*) FROM recipients
		WHERE message_id = ? AND reply_status = 'pending' AND escalated = 0`,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("counting open recipients of %s: %w", messageID, err)
	}
	if open > 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(model.MessageClosed), time.Now().UTC(),
		messageID, string(model.MessageSent),
	)
	if err != nil {
		return fmt.Errorf("closing message %s: %w", messageID, err)
	}
	return nil
}

// MessageEventsSince returns the message-level events applied at or
// after since, in application order. Replaying them through rule
// evaluation recovers intents lost in a crash between event application
// and intent recording; the rule dedup key makes the replay idempotent.
func (s *SQLiteLedger) MessageEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT key, resource, type, message_id, ts,
			provider_message_id, from_addr, subject, attachments
		FROM events
		WHERE type IN (?, ?) AND applied_at >= ?
		ORDER BY applied_at`,
		string(model.EventMessageReceived), string(model.EventMessageSent),
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing message events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			ev          model.Event
			evType      string
			attachments string
		)
		err := rows.Scan(&ev.Key, &ev.Resource, &evType, &ev.MessageID, &ev.Timestamp,
			&ev.ProviderMessageID, &ev.From, &ev.Subject, &attachments)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Type = model.EventType(evType)
		if attachments != "" {
			if err := json.Unmarshal([]byte(attachments), &ev.Attachments); err != nil {
				return nil, fmt.Errorf("decoding attachments of %s: %w", ev.Key, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// loadRecipientTx loads one recipient row inside the transaction.
func loadRecipientTx(
	ctx context.Context, tx *sqlx.Tx, messageID, address string,
) (model.Recipient, bool, error) {
	var (
		r              model.Recipient
		replyStatus    string
		rsvpStatus     string
		replyChangedAt sql.NullTime
		rsvpChangedAt  sql.NullTime
		lastReminderAt sql.NullTime
		escalated      int
	)
	row := tx.QueryRowxContext(ctx,
		"SELECT * FROM recipients WHERE message_id = ? AND address = ?",
		messageID, address,
	)
	err := row.Scan(
		&r.ID, &r.MessageID, &r.Address, &r.Name,
		&replyStatus, &rsvpStatus, &replyChangedAt, &rsvpChangedAt,
		&r.ReminderCount, &lastReminderAt, &escalated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Recipient{}, false, nil
		}
		return model.Recipient{}, false, fmt.Errorf("loading recipient %s: %w", address, err)
	}

	r.ReplyStatus = model.ReplyStatus(replyStatus)
	r.RSVPStatus = model.RSVPStatus(rsvpStatus)
	r.ReplyChangedAt = timeOrZero(replyChangedAt)
	r.RSVPChangedAt = timeOrZero(rsvpChangedAt)
	r.LastReminderAt = timeOrZero(lastReminderAt)
	r.Escalated = escalated != 0

	return r, true, nil
}

// GetCursor retrieves the sync cursor for a resource.
func (s *SQLiteLedger) GetCursor(ctx context.Context, resource string) (*model.SyncCursor, error) {
	var (
		c         model.SyncCursor
		expiresAt sql.NullTime
	)
	row := s.db.QueryRowxContext(ctx, "SELECT * FROM cursors WHERE resource = ?", resource)
	err := row.Scan(&c.Resource, &c.DeltaToken, &c.SubscriptionID, &expiresAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting cursor for %s: %w", resource, err)
	}
	c.ExpiresAt = timeOrZero(expiresAt)
	return &c, nil
}

// AdvanceCursor stores the latest successfully consumed delta token.
func (s *SQLiteLedger) AdvanceCursor(ctx context.Context, resource, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (resource, delta_token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET delta_token = excluded.delta_token,
			updated_at = excluded.updated_at`,
		resource, token, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("advancing cursor for %s: %w", resource, err)
	}
	return nil
}

// SetSubscription records the active push subscription for a resource.
func (s *SQLiteLedger) SetSubscription(
	ctx context.Context, resource, subscriptionID string, expiresAt time.Time,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (resource, subscription_id, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET subscription_id = excluded.subscription_id,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		resource, subscriptionID, nullTime(expiresAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording subscription for %s: %w", resource, err)
	}
	return nil
}

// ResetCursor discards the stored delta token for a resource so the next
// pull performs a full enumeration.
func (s *SQLiteLedger) ResetCursor(ctx context.Context, resource string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cursors SET delta_token = '', updated_at = ? WHERE resource = ?`,
		time.Now().UTC(), resource,
	)
	if err != nil {
		return fmt.Errorf("resetting cursor for %s: %w", resource, err)
	}
	return nil
}
