package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailminder/mailminder/internal/model"
)

// RecordIntent persists a new pending intent. The dedup key is the
// primary key: re-evaluating the same condition reports false and leaves
// the existing row (and its outcome) untouched.
func (s *SQLiteLedger) RecordIntent(ctx context.Context, intent model.ActionIntent) (bool, error) {
	if intent.DedupKey == "" {
		return false, fmt.Errorf("recording intent: missing dedup key")
	}
	if intent.ID == "" {
		intent.ID = uuid.New().String()
	}
	params, err := json.Marshal(intent.Params)
	if err != nil {
		return false, fmt.Errorf("marshaling params for intent %s: %w", intent.DedupKey, err)
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO intents (
			dedup_key, id, kind, message_id, recipient, params,
			status, attempts, next_attempt_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, '', ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING`,
		intent.DedupKey, intent.ID, string(intent.Kind),
		intent.MessageID, intent.Recipient, string(params),
		string(model.IntentPending), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("recording intent %s: %w", intent.DedupKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording intent %s: %w", intent.DedupKey, err)
	}
	return n > 0, nil
}

// GetIntent retrieves an intent by its dedup key.
func (s *SQLiteLedger) GetIntent(ctx context.Context, dedupKey string) (*model.ActionIntent, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM intents WHERE dedup_key = ?", dedupKey)
	if err != nil {
		return nil, fmt.Errorf("getting intent %s: %w", dedupKey, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("getting intent %s: %w", dedupKey, err)
		}
		return nil, ErrNotFound
	}
	intent, err := scanIntent(rows)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// MarkIntentExecuted records terminal success and applies the intent's
// ledger side effects in the same transaction: reminders bump the
// recipient's reminder count, escalations set the escalated flag and may
// auto-close the message.
func (s *SQLiteLedger) MarkIntentExecuted(ctx context.Context, dedupKey string, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	intent, err := getIntentTx(ctx, tx, dedupKey)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE intents SET status = ?, last_error = '', updated_at = ?
		WHERE dedup_key = ?`,
		string(model.IntentExecuted), at.UTC(), dedupKey,
	)
	if err != nil {
		return fmt.Errorf("marking intent %s executed: %w", dedupKey, err)
	}

	switch intent.Kind {
	case model.ActionSendReminder:
		_, err = tx.ExecContext(ctx, `
			UPDATE recipients SET reminder_count = reminder_count + 1, last_reminder_at = ?
			WHERE message_id = ? AND address = ?`,
			at.UTC(), intent.MessageID, intent.Recipient,
		)
		if err != nil {
			return fmt.Errorf("bumping reminder count for %s: %w", intent.Recipient, err)
		}
	case model.ActionEscalate:
		_, err = tx.ExecContext(ctx, `
			UPDATE recipients SET escalated = 1
			WHERE message_id = ? AND address = ?`,
			intent.MessageID, intent.Recipient,
		)
		if err != nil {
			return fmt.Errorf("marking %s escalated: %w", intent.Recipient, err)
		}
		if err := maybeCloseMessage(ctx, tx, intent.MessageID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkIntentFailed parks the intent terminally for user remediation.
func (s *SQLiteLedger) MarkIntentFailed(ctx context.Context, dedupKey, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE intents SET status = ?, last_error = ?, updated_at = ?
		WHERE dedup_key = ?`,
		string(model.IntentFailed), reason, time.Now().UTC(), dedupKey,
	)
	if err != nil {
		return fmt.Errorf("marking intent %s failed: %w", dedupKey, err)
	}
	return nil
}

// UpdateIntentRetry persists retry state so backoff context survives a
// restart.
func (s *SQLiteLedger) UpdateIntentRetry(
	ctx context.Context, dedupKey string, attempts int, nextAttempt time.Time, lastErr string,
) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE intents SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE dedup_key = ?`,
		attempts, nullTime(nextAttempt), lastErr, time.Now().UTC(), dedupKey,
	)
	if err != nil {
		return fmt.Errorf("updating retry state for intent %s: %w", dedupKey, err)
	}
	return nil
}

// PendingIntents returns non-terminal intents, oldest first, for startup
// re-queue. A crash between intent creation and dispatch therefore drops
// nothing.
func (s *SQLiteLedger) PendingIntents(ctx context.Context) ([]model.ActionIntent, error) {
	return s.intentsByStatus(ctx, model.IntentPending)
}

// FailedIntents returns parked intents awaiting manual retry.
func (s *SQLiteLedger) FailedIntents(ctx context.Context) ([]model.ActionIntent, error) {
	return s.intentsByStatus(ctx, model.IntentFailed)
}

// RetryIntent moves a parked intent back to pending with a fresh retry
// budget and returns the refreshed row.
func (s *SQLiteLedger) RetryIntent(ctx context.Context, dedupKey string) (*model.ActionIntent, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET status = ?, attempts = 0, next_attempt_at = NULL, updated_at = ?
		WHERE dedup_key = ? AND status = ?`,
		string(model.IntentPending), time.Now().UTC(), dedupKey, string(model.IntentFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("retrying intent %s: %w", dedupKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("retrying intent %s: %w", dedupKey, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("intent %s is not parked: %w", dedupKey, ErrNotFound)
	}
	return s.GetIntent(ctx, dedupKey)
}

func (s *SQLiteLedger) intentsByStatus(
	ctx context.Context, status model.IntentStatus,
) ([]model.ActionIntent, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM intents WHERE status = ? ORDER BY created_at", string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s intents: %w", status, err)
	}
	defer rows.Close()

	var intents []model.ActionIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}

	return intents, rows.Err()
}

func getIntentTx(ctx context.Context, tx *sqlx.Tx, dedupKey string) (model.ActionIntent, error) {
	var (
		intent        model.ActionIntent
		kind          string
		params        string
		status        string
		nextAttemptAt sql.NullTime
	)
	row := tx.QueryRowxContext(ctx, "SELECT * FROM intents WHERE dedup_key = ?", dedupKey)
	err := row.Scan(
		&intent.DedupKey, &intent.ID, &kind, &intent.MessageID, &intent.Recipient,
		&params, &status, &intent.Attempts, &nextAttemptAt, &intent.LastError,
		&intent.CreatedAt, &intent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ActionIntent{}, fmt.Errorf("intent %s: %w", dedupKey, ErrNotFound)
		}
		return model.ActionIntent{}, fmt.Errorf("loading intent %s: %w", dedupKey, err)
	}
	intent.Kind = model.ActionKind(kind)
	intent.Status = model.IntentStatus(status)
	intent.NextAttemptAt = timeOrZero(nextAttemptAt)
	if params != "" {
		if err := json.Unmarshal([]byte(params), &intent.Params); err != nil {
			return model.ActionIntent{}, fmt.Errorf("unmarshaling params of %s: %w", dedupKey, err)
		}
	}
	return intent, nil
}

// scanIntent scans an intent row from a sqlx.Rows result set.
func scanIntent(rows *sqlx.Rows) (model.ActionIntent, error) {
	var (
		intent        model.ActionIntent
		kind          string
		params        string
		status        string
		nextAttemptAt sql.NullTime
	)

	err := rows.Scan(
		&intent.DedupKey, &intent.ID, &kind, &intent.MessageID, &intent.Recipient,
		&params, &status, &intent.Attempts, &nextAttemptAt, &intent.LastError,
		&intent.CreatedAt, &intent.UpdatedAt,
	)
	if err != nil {
		return model.ActionIntent{}, fmt.Errorf("scanning intent row: %w", err)
	}

	intent.Kind = model.ActionKind(kind)
	intent.Status = model.IntentStatus(status)
	intent.NextAttemptAt = timeOrZero(nextAttemptAt)
	if params != "" {
		if err := json.Unmarshal([]byte(params), &intent.Params); err != nil {
			return model.ActionIntent{}, fmt.Errorf("unmarshaling intent params: %w", err)
		}
	}

	return intent, nil
}
