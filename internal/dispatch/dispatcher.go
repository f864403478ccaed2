// Package dispatch executes action intents through the provider gateway
// with retry, backoff, and persisted outcomes.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/provider"
	"github.com/mailminder/mailminder/internal/store"
)

// Options tunes a Dispatcher.
type Options struct {
	QueueSize  int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Dispatcher drains a bounded intent queue, executes each intent through
// the gateway, and records the outcome in the ledger. Retryable failures
// are re-queued with updated retry state (respecting gateway-reported
// backoff); permanent failures are parked terminally for user
// remediation instead of retrying forever.
type Dispatcher struct {
	gw         provider.Gateway
	ledger     store.Ledger
	queue      chan model.ActionIntent
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
	logger     *slog.Logger

	wg gosync.WaitGroup
}

// New creates a Dispatcher.
func New(gw provider.Gateway, ledger store.Ledger, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		gw:         gw,
		ledger:     ledger,
		queue:      make(chan model.ActionIntent, opts.QueueSize),
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "dispatch"),
	}
}

// Submit queues an intent for execution, blocking while the queue is
// full unless ctx ends first.
func (d *Dispatcher) Submit(ctx context.Context, intent model.ActionIntent) error {
	select {
	case d.queue <- intent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run re-queues intents that were pending at the last shutdown or crash,
// then drains the queue until ctx is cancelled. In-flight retries check
// the context between attempts, never mid-transfer.
func (d *Dispatcher) Run(ctx context.Context) {
	if err := d.requeuePending(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("re-queueing pending intents failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case intent := <-d.queue:
			d.handle(ctx, intent)
		}
	}
}

// requeuePending restores persisted non-terminal intents, keeping their
// retry state so resumption after restart does not lose backoff context.
func (d *Dispatcher) requeuePending(ctx context.Context) error {
	pending, err := d.ledger.PendingIntents(ctx)
	if err != nil {
		return err
	}
	for _, intent := range pending {
		if err := d.Submit(ctx, intent); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		d.logger.Info("re-queued pending intents", "count", len(pending))
	}
	return nil
}

// handle executes one intent, honoring its not-before time.
func (d *Dispatcher) handle(ctx context.Context, intent model.ActionIntent) {
	if wait := time.Until(intent.NextAttemptAt); wait > 0 {
		// Not yet eligible: park it on a timer off the main loop so
		// later intents are not blocked behind its backoff.
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if sleepContext(ctx, wait) != nil {
				return
			}
			intent.NextAttemptAt = time.Time{}
			_ = d.Submit(ctx, intent)
		}()
		return
	}

	current, err := d.ledger.GetIntent(ctx, intent.DedupKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("loading intent failed", "key", intent.DedupKey, "error", err)
		return
	}
	if current != nil {
		if current.Terminal() {
			// Already executed or parked, possibly before a restart.
			return
		}
		intent = *current
	}

	err = d.gw.Execute(ctx, buildRequest(intent))
	switch {
	case err == nil:
		if mErr := d.ledger.MarkIntentExecuted(ctx, intent.DedupKey, d.now()); mErr != nil {
			d.logger.Error("recording execution failed", "key", intent.DedupKey, "error", mErr)
			return
		}
		d.logger.Info("intent executed", "key", intent.DedupKey, "kind", intent.Kind)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown mid-call: the intent stays pending and is re-queued
		// on the next start.
	case provider.Retryable(err):
		d.retry(ctx, intent, err)
	default:
		// Invalid recipient, revoked consent: park for remediation with
		// enough context to fix it without reading logs.
		if mErr := d.ledger.MarkIntentFailed(ctx, intent.DedupKey, err.Error()); mErr != nil {
			d.logger.Error("parking intent failed", "key", intent.DedupKey, "error", mErr)
			return
		}
		d.logger.Error("intent parked",
			"key", intent.DedupKey, "kind", intent.Kind,
			"message", intent.MessageID, "recipient", intent.Recipient, "error", err)
	}
}

// retry persists updated retry state and re-queues the intent after its
// backoff delay, or parks it once the retry budget is spent.
func (d *Dispatcher) retry(ctx context.Context, intent model.ActionIntent, cause error) {
	attempts := intent.Attempts + 1
	if attempts > d.maxRetries {
		if err := d.ledger.MarkIntentFailed(ctx, intent.DedupKey,
			"retries exhausted: "+cause.Error()); err != nil {
			d.logger.Error("parking intent failed", "key", intent.DedupKey, "error", err)
			return
		}
		d.logger.Error("intent retries exhausted",
			"key", intent.DedupKey, "message", intent.MessageID,
			"recipient", intent.Recipient, "error", cause)
		return
	}

	delay := d.retryDelay(attempts, cause)
	next := d.now().Add(delay)
	if err := d.ledger.UpdateIntentRetry(ctx, intent.DedupKey, attempts, next, cause.Error()); err != nil {
		d.logger.Error("persisting retry state failed", "key", intent.DedupKey, "error", err)
		return
	}
	d.logger.Warn("intent retry scheduled",
		"key", intent.DedupKey, "attempt", attempts, "delay", delay, "error", cause)

	intent.Attempts = attempts
	intent.NextAttemptAt = next
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if sleepContext(ctx, delay) != nil {
			return
		}
		intent.NextAttemptAt = time.Time{}
		_ = d.Submit(ctx, intent)
	}()
}

// retryDelay honors the gateway's throttling hint when present, falling
// back to capped exponential growth.
func (d *Dispatcher) retryDelay(attempt int, cause error) time.Duration {
	if retryAfter, ok := provider.IsThrottled(cause); ok && retryAfter > 0 {
		if retryAfter > d.maxDelay {
			return d.maxDelay
		}
		return retryAfter
	}
	delay := d.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	if delay > d.maxDelay {
		return d.maxDelay
	}
	return delay
}

func buildRequest(intent model.ActionIntent) provider.ActionRequest {
	providerID := intent.Params["provider_message_id"]
	return provider.ActionRequest{
		Kind:              intent.Kind,
		ProviderMessageID: providerID,
		Recipient:         intent.Recipient,
		Params:            intent.Params,
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
