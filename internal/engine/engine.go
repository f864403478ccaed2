// Package engine wires the sync controllers, rules engine, reminder
// scheduler, and action dispatcher into one running service and exposes
// the tracking API the UI layer consumes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailminder/mailminder/internal/dispatch"
	"github.com/mailminder/mailminder/internal/feed"
	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/provider"
	"github.com/mailminder/mailminder/internal/rules"
	"github.com/mailminder/mailminder/internal/schedule"
	"github.com/mailminder/mailminder/internal/store"
	"github.com/mailminder/mailminder/internal/sync"
)

// Engine owns the long-running components and the event fan-out between
// them. One engine per account.
type Engine struct {
	cfg        *model.AppConfig
	ledger     store.Ledger
	gw         provider.Gateway
	hub        *feed.Hub
	watcher    *rules.Watcher
	scheduler  *schedule.Scheduler
	dispatcher *dispatch.Dispatcher

	controllers []*sync.Controller
	events      chan model.Event
	logger      *slog.Logger
}

// New assembles an engine from its collaborators. The rules watcher is
// created from cfg.RulesPath; a missing rules file means no rules.
func New(cfg *model.AppConfig, ledger store.Ledger, gw provider.Gateway, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := rules.NewWatcher(cfg.RulesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading rules from %s: %w", cfg.RulesPath, err)
	}

	dispatcher := dispatch.New(gw, ledger, dispatch.Options{
		QueueSize:  cfg.Dispatch.QueueSize,
		MaxRetries: cfg.Dispatch.MaxRetries,
		BaseDelay:  time.Duration(cfg.Dispatch.BaseDelaySec) * time.Second,
		MaxDelay:   time.Duration(cfg.Dispatch.MaxDelaySec) * time.Second,
		Logger:     logger,
	})

	scheduler := schedule.New(ledger, dispatcher, schedule.Options{
		TickInterval:  time.Duration(cfg.Reminders.TickIntervalSec) * time.Second,
		DefaultPolicy: cfg.Reminders.Policy(),
		Logger:        logger,
	})

	e := &Engine{
		cfg:        cfg,
		ledger:     ledger,
		gw:         gw,
		hub:        feed.NewHub(),
		watcher:    watcher,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		events:     make(chan model.Event, 64),
		logger:     logger.With("component", "engine"),
	}

	for _, res := range cfg.Resources {
		e.controllers = append(e.controllers, sync.NewController(
			res.Name, gw, ledger, e.events, sync.Options{
				PollInterval: time.Duration(res.PollIntervalSec) * time.Second,
				Logger:       logger,
			},
		))
	}
	return e, nil
}

// Feed returns the hub delivering live recipient-status updates.
func (e *Engine) Feed() *feed.Hub { return e.hub }

// ruleReplayWindow bounds how far back startup replay re-evaluates
// applied message events against the rule set.
const ruleReplayWindow = 24 * time.Hour

// Run starts every component and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var wg gosync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("rules watcher stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.scheduler.Run(ctx)
	}()

	for _, c := range e.controllers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consume(ctx)
	}()

	// After the dispatcher is draining, recover rule actions lost to a
	// crash between event application and intent recording.
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.replayRuleEvents(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// consume drains applied ledger events: each is offered to the rules
// engine and published to feed subscribers.
func (e *Engine) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.evaluateRules(ctx, ev)
			e.publish(ev)
		}
	}
}

// replayRuleEvents re-runs rule evaluation over recently applied
// message events. An event is committed to the ledger before its rule
// intents are recorded, so a crash between the two would otherwise lose
// the actions: the redelivered provider change deduplicates as a ledger
// Duplicate and is never forwarded again. Replay closes that window;
// intents already recorded under their dedup key are not re-submitted.
func (e *Engine) replayRuleEvents(ctx context.Context) {
	events, err := e.ledger.MessageEventsSince(ctx, time.Now().Add(-ruleReplayWindow))
	if err != nil {
		e.logger.Warn("rule replay failed", "error", err)
		return
	}
	for _, ev := range events {
		e.evaluateRules(ctx, ev)
	}
	if len(events) > 0 {
		e.logger.Info("replayed message events through rules", "count", len(events))
	}
}

// evaluateRules runs the current rule set over one event and submits
// any newly created intents. Intents are persisted before submission so
// a crash between the two re-queues rather than loses them; an intent
// already recorded under the same dedup key is not re-submitted.
func (e *Engine) evaluateRules(ctx context.Context, ev model.Event) {
	for _, intent := range rules.Evaluate(ev, e.watcher.Rules()) {
		created, err := e.ledger.RecordIntent(ctx, intent)
		if err != nil {
			e.logger.Error("recording rule intent failed", "key", intent.DedupKey, "error", err)
			continue
		}
		if !created {
			continue
		}
		if err := e.dispatcher.Submit(ctx, intent); err != nil {
			// Persisted already; startup re-queue picks it up.
			return
		}
	}
}

func (e *Engine) publish(ev model.Event) {
	update := feed.Update{
		MessageID: ev.MessageID,
		Recipient: ev.Recipient,
		Event:     ev.Type,
		At:        ev.Timestamp,
	}
	switch ev.Type {
	case model.EventReplyReceived:
		update.Reply = model.ReplyReplied
	case model.EventBounce:
		update.Reply = model.ReplyBounced
	case model.EventRSVPChanged:
		update.RSVP = ev.RSVP
	case model.EventMessageReceived:
		// Untracked inbox traffic is rules-only, not feed-worthy.
		return
	}
	e.hub.Publish(update)
}

// Track registers a draft message with its recipients for reply
// tracking. A nil policy falls back to the configured default.
func (e *Engine) Track(ctx context.Context, subject string, recipients []string, policy *model.ReminderPolicy) (*model.Message, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("tracking %q: no recipients", subject)
	}

	p := e.cfg.Reminders.Policy()
	if policy != nil {
		p = *policy
	}
	msg := model.Message{
		ID:      uuid.New().String(),
		Subject: subject,
		State:   model.MessageDraft,
		Policy:  p,
	}

	recs := make([]model.Recipient, 0, len(recipients))
	seen := make(map[string]struct{}, len(recipients))
	for _, addr := range recipients {
		addr = model.NormalizeAddress(addr)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		recs = append(recs, model.Recipient{
			MessageID:   msg.ID,
			Address:     addr,
			ReplyStatus: model.ReplyPending,
			RSVPStatus:  model.RSVPNone,
		})
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("tracking %q: no valid recipients", subject)
	}

	if err := e.ledger.CreateMessage(ctx, msg, recs); err != nil {
		return nil, err
	}
	e.logger.Info("message tracked", "message", msg.ID, "recipients", len(recs))
	return &msg, nil
}

// MarkSent records that a tracked draft went out, binding it to the
// provider identifiers replies will arrive under, and feeds the
// transition through the ledger so outgoing rules fire exactly once.
func (e *Engine) MarkSent(ctx context.Context, id, providerID, internetMessageID, conversationID string, sentAt time.Time) error {
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	if err := e.ledger.MarkSent(ctx, id, providerID, internetMessageID, conversationID, sentAt); err != nil {
		return err
	}

	msg, err := e.ledger.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	ev := model.Event{
		Key:               "sent|" + id,
		Type:              model.EventMessageSent,
		MessageID:         id,
		ProviderMessageID: providerID,
		Subject:           msg.Subject,
		Timestamp:         sentAt,
	}
	result, err := e.ledger.ApplyEvent(ctx, ev)
	if err != nil {
		return err
	}
	if result == store.Applied {
		select {
		case e.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// MessageStatus is the dashboard view of one tracked message.
type MessageStatus struct {
	Message    model.Message
	Recipients []model.Recipient
}

// Status returns the tracked message and its per-recipient state.
func (e *Engine) Status(ctx context.Context, messageID string) (*MessageStatus, error) {
	msg, err := e.ledger.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	recs, err := e.ledger.GetRecipientState(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return &MessageStatus{Message: *msg, Recipients: recs}, nil
}

// SyncStatus reports the live state of every resource's sync loop.
func (e *Engine) SyncStatus() []sync.Status {
	statuses := make([]sync.Status, 0, len(e.controllers))
	for _, c := range e.controllers {
		statuses = append(statuses, c.Status())
	}
	return statuses
}

// Close stops tracking a message regardless of outstanding recipients.
func (e *Engine) Close(ctx context.Context, messageID string) error {
	return e.ledger.CloseMessage(ctx, messageID)
}

// Reopen resets a recipient's reply channel to pending, resuming
// reminders for them.
func (e *Engine) Reopen(ctx context.Context, messageID, address string) error {
	return e.ledger.ReopenRecipient(ctx, messageID, model.NormalizeAddress(address))
}

// FailedActions lists parked intents awaiting manual remediation.
func (e *Engine) FailedActions(ctx context.Context) ([]model.ActionIntent, error) {
	return e.ledger.FailedIntents(ctx)
}

// RetryAction moves a parked intent back through the dispatcher.
func (e *Engine) RetryAction(ctx context.Context, dedupKey string) error {
	intent, err := e.ledger.RetryIntent(ctx, dedupKey)
	if err != nil {
		return err
	}
	return e.dispatcher.Submit(ctx, *intent)
}
