package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailminder/mailminder/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateMessage inserts a message and its recipients in one transaction.
// Missing IDs are generated.
func (s *SQLiteLedger) CreateMessage(
	ctx context.Context,
	msg model.Message,
	recipients []model.Recipient,
) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.State == "" {
		msg.State = model.MessageDraft
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, provider_id, internet_message_id, conversation_id,
			subject, state, sent_at, reminder_interval_sec, max_reminders,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProviderID, msg.InternetMessageID, msg.ConversationID,
		msg.Subject, string(msg.State), nullTime(msg.SentAt),
		int(msg.Policy.Interval/time.Second), msg.Policy.MaxReminders,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", msg.ID, err)
	}

	for _, r := range recipients {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.ReplyStatus == "" {
			r.ReplyStatus = model.ReplyPending
		}
		if r.RSVPStatus == "" {
			r.RSVPStatus = model.RSVPNone
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO recipients (
				id, message_id, address, name,
				reply_status, rsvp_status, reply_changed_at, rsvp_changed_at,
				reminder_count, last_reminder_at, escalated
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, msg.ID, r.Address, r.Name,
			string(r.ReplyStatus), string(r.RSVPStatus),
			nullTime(r.ReplyChangedAt), nullTime(r.RSVPChangedAt),
			r.ReminderCount, nullTime(r.LastReminderAt), boolToInt(r.Escalated),
		)
		if err != nil {
			return fmt.Errorf("inserting recipient %s for message %s: %w", r.Address, msg.ID, err)
		}
	}

	return tx.Commit()
}

// MarkSent transitions a message to sent and records the provider
// identifiers assigned at send time. Tracking begins here.
func (s *SQLiteLedger) MarkSent(
	ctx context.Context,
	id string,
	providerID, internetMessageID, conversationID string,
	sentAt time.Time,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET state = ?, provider_id = ?, internet_message_id = ?,
		    conversation_id = ?, sent_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(model.MessageSent), providerID, internetMessageID,
		conversationID, sentAt.UTC(), time.Now().UTC(),
		id, string(model.MessageDraft),
	)
	if err != nil {
		return fmt.Errorf("marking message %s sent: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking message %s sent: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("marking message %s sent: %w", id, ErrNotFound)
	}
	return nil
}

// CloseMessage transitions a sent message to closed.
func (s *SQLiteLedger) CloseMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET state = ?, updated_at = ? WHERE id = ?`,
		string(model.MessageClosed), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("closing message %s: %w", id, err)
	}
	return nil
}

// GetMessage retrieves a single message by its local ID.
func (s *SQLiteLedger) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.getMessageWhere(ctx, "id = ?", id)
}

// FindMessageByConversation finds the tracked message belonging to a
// provider conversation.
func (s *SQLiteLedger) FindMessageByConversation(
	ctx context.Context, conversationID string,
) (*model.Message, error) {
	if conversationID == "" {
		return nil, ErrNotFound
	}
	return s.getMessageWhere(ctx, "conversation_id = ? AND state != 'draft'", conversationID)
}

// FindMessageByInternetID finds the tracked message with the given
// RFC 5322 message ID, used to resolve In-Reply-To references.
func (s *SQLiteLedger) FindMessageByInternetID(
	ctx context.Context, internetMessageID string,
) (*model.Message, error) {
	if internetMessageID == "" {
		return nil, ErrNotFound
	}
	return s.getMessageWhere(ctx, "internet_message_id = ? AND state != 'draft'", internetMessageID)
}

// FindMessageByProviderID finds the tracked message (or meeting) with the
// given provider-assigned ID.
func (s *SQLiteLedger) FindMessageByProviderID(
	ctx context.Context, providerID string,
) (*model.Message, error) {
	if providerID == "" {
		return nil, ErrNotFound
	}
	return s.getMessageWhere(ctx, "provider_id = ? AND state != 'draft'", providerID)
}

func (s *SQLiteLedger) getMessageWhere(
	ctx context.Context, where string, args ...interface{},
) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT * FROM messages WHERE "+where, args...)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return &msg, nil
}

// GetRecipientState returns the recipients of a message.
func (s *SQLiteLedger) GetRecipientState(
	ctx context.Context, messageID string,
) ([]model.Recipient, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM recipients WHERE message_id = ? ORDER BY address", messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recipients of %s: %w", messageID, err)
	}
	defer rows.Close()

	var recipients []model.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}

	return recipients, rows.Err()
}

// ReopenRecipient resets a recipient's reply channel back to pending and
// reopens the message if it had auto-closed.
func (s *SQLiteLedger) ReopenRecipient(ctx context.Context, messageID, address string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE recipients
		SET reply_status = ?, reply_changed_at = ?, escalated = 0
		WHERE message_id = ? AND address = ?`,
		string(model.ReplyPending), time.Now().UTC(), messageID, address,
	)
	if err != nil {
		return fmt.Errorf("reopening recipient %s of %s: %w", address, messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reopening recipient %s of %s: %w", address, messageID, err)
	}
	if n == 0 {
		return fmt.Errorf("reopening recipient %s of %s: %w", address, messageID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(model.MessageSent), time.Now().UTC(), messageID, string(model.MessageClosed),
	)
	if err != nil {
		return fmt.Errorf("reopening message %s: %w", messageID, err)
	}

	return tx.Commit()
}

// ReminderCandidates returns every (sent message, unresolved recipient)
// pair the scheduler should consider.
func (s *SQLiteLedger) ReminderCandidates(ctx context.Context) ([]ReminderCandidate, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT m.*, r.*
		FROM messages m
		JOIN recipients r ON r.message_id = m.id
		WHERE m.state = 'sent'
		  AND r.reply_status = 'pending'
		  AND r.escalated = 0
		ORDER BY m.id, r.address`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying reminder candidates: %w", err)
	}
	defer rows.Close()

	var candidates []ReminderCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}

// scanMessage scans a message row from a sqlx.Row.
func scanMessage(row *sqlx.Row) (model.Message, error) {
	var (
		msg         model.Message
		state       string
		sentAt      sql.NullTime
		intervalSec int
	)

	err := row.Scan(
		&msg.ID, &msg.ProviderID, &msg.InternetMessageID, &msg.ConversationID,
		&msg.Subject, &state, &sentAt, &intervalSec, &msg.Policy.MaxReminders,
		&msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return model.Message{}, err
	}

	msg.State = model.MessageState(state)
	msg.SentAt = timeOrZero(sentAt)
	msg.Policy.Interval = time.Duration(intervalSec) * time.Second

	return msg, nil
}

// scanRecipient scans a recipient row from a sqlx.Rows result set.
func scanRecipient(rows *sqlx.Rows) (model.Recipient, error) {
	var (
		r              model.Recipient
		replyStatus    string
		rsvpStatus     string
		replyChangedAt sql.NullTime
		rsvpChangedAt  sql.NullTime
		lastReminderAt sql.NullTime
		escalated      int
	)

	err := rows.Scan(
		&r.ID, &r.MessageID, &r.Address, &r.Name,
		&replyStatus, &rsvpStatus, &replyChangedAt, &rsvpChangedAt,
		&r.ReminderCount, &lastReminderAt, &escalated,
	)
	if err != nil {
		return model.Recipient{}, fmt.Errorf("scanning recipient row: %w", err)
	}

	r.ReplyStatus = model.ReplyStatus(replyStatus)
	r.RSVPStatus = model.RSVPStatus(rsvpStatus)
	r.ReplyChangedAt = timeOrZero(replyChangedAt)
	r.RSVPChangedAt = timeOrZero(rsvpChangedAt)
	r.LastReminderAt = timeOrZero(lastReminderAt)
	r.Escalated = escalated != 0

	return r, nil
}

// scanCandidate scans a joined message+recipient row.
func scanCandidate(rows *sqlx.Rows) (ReminderCandidate, error) {
	var (
		c              ReminderCandidate
		state          string
		sentAt         sql.NullTime
		intervalSec    int
		replyStatus    string
		rsvpStatus     string
		replyChangedAt sql.NullTime
		rsvpChangedAt  sql.NullTime
		lastReminderAt sql.NullTime
		escalated      int
	)

	err := rows.Scan(
		&c.Message.ID, &c.Message.ProviderID, &c.Message.InternetMessageID,
		&c.Message.ConversationID, &c.Message.Subject, &state, &sentAt,
		&intervalSec, &c.Message.Policy.MaxReminders,
		&c.Message.CreatedAt, &c.Message.UpdatedAt,
		&c.Recipient.ID, &c.Recipient.MessageID, &c.Recipient.Address,
		&c.Recipient.Name, &replyStatus, &rsvpStatus,
		&replyChangedAt, &rsvpChangedAt,
		&c.Recipient.ReminderCount, &lastReminderAt, &escalated,
	)
	if err != nil {
		return ReminderCandidate{}, fmt.Errorf("scanning candidate row: %w", err)
	}

	c.Message.State = model.MessageState(state)
	c.Message.SentAt = timeOrZero(sentAt)
	c.Message.Policy.Interval = time.Duration(intervalSec) * time.Second
	c.Recipient.ReplyStatus = model.ReplyStatus(replyStatus)
	c.Recipient.RSVPStatus = model.RSVPStatus(rsvpStatus)
	c.Recipient.ReplyChangedAt = timeOrZero(replyChangedAt)
	c.Recipient.RSVPChangedAt = timeOrZero(rsvpChangedAt)
	c.Recipient.LastReminderAt = timeOrZero(lastReminderAt)
	c.Recipient.Escalated = escalated != 0

	return c, nil
}
