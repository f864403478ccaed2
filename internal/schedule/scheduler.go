// Package schedule turns "no reply within N days" into reminder and
// escalation intents. Due-ness depends on elapsed time rather than
// incoming events, so the scheduler runs on a recurring tick.
package schedule

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/store"
)

// Sink receives freshly recorded intents for dispatch.
type Sink interface {
	Submit(ctx context.Context, intent model.ActionIntent) error
}

// Options tunes a Scheduler.
type Options struct {
	TickInterval  time.Duration
	DefaultPolicy model.ReminderPolicy
	Now           func() time.Time
	Logger        *slog.Logger
}

// Scheduler walks sent messages with unresolved recipients on every tick
// and emits SendReminder intents until the policy's reminder cap, then
// exactly one Escalate intent. Intents are recorded in the ledger before
// they are handed to the dispatcher, so a crash in between drops
// nothing; the dedup key makes re-evaluation a no-op once an intent
// reached a terminal outcome.
type Scheduler struct {
	ledger   store.Ledger
	sink     Sink
	interval time.Duration
	defaults model.ReminderPolicy
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Scheduler.
func New(ledger store.Ledger, sink Sink, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		ledger:   ledger,
		sink:     sink,
		interval: opts.TickInterval,
		defaults: opts.DefaultPolicy,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "scheduler"),
	}
}

// Run ticks until ctx is cancelled. Errors within a tick degrade that
// tick only; the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.Tick(ctx); err != nil {
		s.logger.Warn("tick failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn("tick failed", "error", err)
			}
		}
	}
}

// Tick evaluates every unresolved recipient once.
func (s *Scheduler) Tick(ctx context.Context) error {
	candidates, err := s.ledger.ReminderCandidates(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.consider(ctx, c, now); err != nil {
			// One recipient's failure never aborts evaluation of others.
			s.logger.Warn("skipping candidate",
				"message", c.Message.ID, "recipient", c.Recipient.Address, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) consider(ctx context.Context, c store.ReminderCandidate, now time.Time) error {
	policy := c.Message.Policy
	if policy.Interval <= 0 {
		policy = s.defaults
	}
	if policy.Interval <= 0 {
		return nil
	}

	since := c.Message.SentAt
	if !c.Recipient.LastReminderAt.IsZero() {
		since = c.Recipient.LastReminderAt
	}
	if since.IsZero() || now.Sub(since) < policy.Interval {
		return nil
	}

	intent := s.buildIntent(c, policy)
	created, err := s.ledger.RecordIntent(ctx, intent)
	if err != nil {
		return err
	}
	if !created {
		// Already recorded: either terminal (done, nothing to do) or
		// pending and owned by the dispatcher's re-queue.
		return nil
	}

	s.logger.Info("intent recorded",
		"kind", intent.Kind, "message", c.Message.ID, "recipient", c.Recipient.Address)
	return s.sink.Submit(ctx, intent)
}

// buildIntent picks between reminder and escalation. When a recipient
// qualifies for both in the same tick, escalation wins and consumes the
// reminder.
func (s *Scheduler) buildIntent(c store.ReminderCandidate, policy model.ReminderPolicy) model.ActionIntent {
	if c.Recipient.ReminderCount >= policy.MaxReminders {
		return model.ActionIntent{
			DedupKey:  model.EscalateDedupKey(c.Message.ID, c.Recipient.Address),
			Kind:      model.ActionEscalate,
			MessageID: c.Message.ID,
			Recipient: c.Recipient.Address,
			Params: map[string]string{
				"subject":             c.Message.Subject,
				"provider_message_id": c.Message.ProviderID,
				"reminders":           strconv.Itoa(c.Recipient.ReminderCount),
			},
		}
	}
	return model.ActionIntent{
		DedupKey:  model.ReminderDedupKey(c.Message.ID, c.Recipient.Address, c.Recipient.ReminderCount),
		Kind:      model.ActionSendReminder,
		MessageID: c.Message.ID,
		Recipient: c.Recipient.Address,
		Params: map[string]string{
			"subject":             c.Message.Subject,
			"provider_message_id": c.Message.ProviderID,
			"reminder_number":     strconv.Itoa(c.Recipient.ReminderCount + 1),
		},
	}
}
