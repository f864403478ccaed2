// Package sync drives the reconciliation of local tracking state against
// the remote provider, one controller per subscribed resource.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	gosync "sync"
	"time"

	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/provider"
	"github.com/mailminder/mailminder/internal/store"
)

// State represents the current state of a resource's sync loop.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateStreaming
	StatePolling
	StateBackoff
	StateResyncing
)

// String returns the lowercase state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	case StateResyncing:
		return "resyncing"
	}
	return "unknown"
}

// Status holds the externally visible sync state for one resource.
type Status struct {
	Resource string
	State    State
	LastSync time.Time
	LastErr  error
}

// Options tunes a Controller.
type Options struct {
	PollInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Logger       *slog.Logger
}

// Controller owns the sync lifecycle of a single resource:
// Idle -> Subscribing -> Streaming|Polling -> Backoff -> Resyncing. Each
// resource has its own controller and its own backoff, so a stalled or
// throttled resource never delays another.
type Controller struct {
	resource     string
	gw           provider.Gateway
	ledger       store.Ledger
	out          chan<- model.Event
	pollInterval time.Duration
	baseDelay    time.Duration
	maxDelay     time.Duration
	logger       *slog.Logger

	mu       gosync.Mutex
	status   Status
	failures int
}

// NewController creates a controller for one resource. Applied events
// are forwarded to out for downstream consumers.
func NewController(
	resource string,
	gw provider.Gateway,
	ledger store.Ledger,
	out chan<- model.Event,
	opts Options,
) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 120 * time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		resource:     resource,
		gw:           gw,
		ledger:       ledger,
		out:          out,
		pollInterval: opts.PollInterval,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		logger:       opts.Logger.With("component", "sync", "resource", resource),
		status:       Status{Resource: resource, State: StateIdle},
	}
}

// Status returns the current sync status of the resource.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = s
	c.status.LastErr = err
	if err == nil && (s == StateStreaming || s == StatePolling) {
		c.status.LastSync = time.Now()
	}
}

// Run drives the state machine until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	for ctx.Err() == nil {
		c.setState(StateSubscribing, nil)
		sub, err := c.gw.Subscribe(ctx, c.resource)
		switch {
		case err == nil:
			c.recordSubscription(ctx, sub)
			err = c.stream(ctx, sub)
		case errors.Is(err, provider.ErrPushUnsupported):
			err = c.poll(ctx)
		}

		if ctx.Err() != nil {
			break
		}
		if err != nil && !c.recover(ctx, err) {
			break
		}
	}
	c.setState(StateIdle, nil)
}

// recover reacts to a classified failure: cursor invalidation triggers a
// full resync, anything retryable backs off. It reports false only when
// the context ended.
func (c *Controller) recover(ctx context.Context, err error) bool {
	if provider.IsCursorInvalid(err) {
		if rerr := c.resync(ctx); rerr != nil {
			c.logger.Warn("resync failed", "error", rerr)
			return c.backoff(ctx, rerr)
		}
		c.failures = 0
		return true
	}
	if provider.IsPermanent(err) {
		// Revoked consent and the like: no amount of retrying helps.
		// Surface it and keep retrying slowly in case the user fixes it.
		c.logger.Error("sync degraded", "error", err)
		c.setState(StateBackoff, err)
		return sleepContext(ctx, c.maxDelay) == nil
	}
	return c.backoff(ctx, err)
}

// backoff suspends this resource's sync for an exponentially growing,
// jittered, capped delay. Other resources are unaffected.
func (c *Controller) backoff(ctx context.Context, cause error) bool {
	delay := c.backoffDelay()
	if retryAfter, ok := provider.IsThrottled(cause); ok && retryAfter > 0 {
		delay = retryAfter
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
	c.failures++
	c.setState(StateBackoff, cause)
	c.logger.Warn("backing off", "delay", delay, "failures", c.failures, "error", cause)
	return sleepContext(ctx, delay) == nil
}

func (c *Controller) backoffDelay() time.Duration {
	delay := c.baseDelay
	for i := 0; i < c.failures; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			delay = c.maxDelay
			break
		}
	}
	// Up to 20% jitter so resources do not thunder in lockstep.
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

// stream consumes pushed change records until the subscription ends.
// A catch-up delta pull runs first to cover the gap since the last
// consumed cursor.
func (c *Controller) stream(ctx context.Context, sub provider.Subscription) error {
	defer sub.Close()

	if err := c.pullOnce(ctx); err != nil {
		return err
	}
	c.setState(StateStreaming, nil)
	c.failures = 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch, ok := <-sub.Changes():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				// Subscription expired cleanly; resubscribe.
				return nil
			}
			if err := c.apply(ctx, ch); err != nil {
				return err
			}
			c.setState(StateStreaming, nil)
		}
	}
}

// poll issues delta pulls on a fixed interval. Errors bubble to recover;
// polling resumes from Run after backoff.
func (c *Controller) poll(ctx context.Context) error {
	c.setState(StatePolling, nil)

	if err := c.pullOnce(ctx); err != nil {
		return err
	}
	c.failures = 0

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.pullOnce(ctx); err != nil {
				return err
			}
			c.failures = 0
			c.setState(StatePolling, nil)
		}
	}
}

// pullOnce fetches and applies delta pages until the provider reports no
// more, advancing the cursor after each applied page.
func (c *Controller) pullOnce(ctx context.Context) error {
	cursor := ""
	if cur, err := c.ledger.GetCursor(ctx, c.resource); err == nil {
		cursor = cur.DeltaToken
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	for {
		delta, err := c.gw.FetchDelta(ctx, c.resource, cursor)
		if err != nil {
			return err
		}
		for _, ch := range delta.Changes {
			if err := c.apply(ctx, ch); err != nil {
				return err
			}
		}
		if delta.Cursor != "" {
			if err := c.ledger.AdvanceCursor(ctx, c.resource, delta.Cursor); err != nil {
				return err
			}
			cursor = delta.Cursor
		}
		if !delta.More {
			return nil
		}
	}
}

// resync discards the stored cursor and replays a full enumeration
// through the normal apply path. The per-channel compare-and-set keeps
// replayed history from regressing newer local state.
func (c *Controller) resync(ctx context.Context) error {
	c.setState(StateResyncing, nil)
	c.logger.Info("cursor invalid, full resync")
	if err := c.ledger.ResetCursor(ctx, c.resource); err != nil {
		return err
	}
	return c.pullOnce(ctx)
}

// apply normalizes one change record into ledger events and applies each,
// forwarding freshly applied events downstream. Duplicates are skipped
// silently; malformed events are logged and dropped, never fatal.
func (c *Controller) apply(ctx context.Context, ch provider.Change) error {
	events, err := c.normalize(ctx, ch)
	if err != nil {
		return err
	}
	for _, ev := range events {
		result, err := c.ledger.ApplyEvent(ctx, ev)
		if err != nil {
			if errors.Is(err, model.ErrMalformedEvent) {
				c.logger.Warn("discarding malformed event", "key", ev.Key, "error", err)
				continue
			}
			return err
		}
		if result == store.Duplicate {
			continue
		}
		select {
		case c.out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Controller) recordSubscription(ctx context.Context, sub provider.Subscription) {
	if err := c.ledger.SetSubscription(ctx, c.resource, sub.ID(), sub.ExpiresAt()); err != nil {
		c.logger.Warn("recording subscription failed", "error", err)
	}
}

// sleepContext waits for the delay or until ctx is cancelled.
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
