package eventbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/gridmarket/internal/domain/market"
	"github.com/coachpo/gridmarket/internal/domain/outboxstore"
	"github.com/coachpo/gridmarket/internal/observability"
)

// DurableOption configures the durable bus wrapper.
type DurableOption func(*DurableBus)

// WithReplayInterval tweaks the polling cadence for replaying undelivered events.
func WithReplayInterval(interval time.Duration) DurableOption {
	return func(b *DurableBus) {
		if interval > 0 {
			b.replayInterval = interval
		}
	}
}

// WithReplayBatchSize configures the number of rows fetched per replay tick.
func WithReplayBatchSize(size int) DurableOption {
	return func(b *DurableBus) {
		if size > 0 {
			b.replayBatchSize = size
		}
	}
}

// WithMaxBackoff caps the delay between delivery attempts of a failing entry.
func WithMaxBackoff(limit time.Duration) DurableOption {
	return func(b *DurableBus) {
		if limit > 0 {
			b.maxBackoff = limit
		}
	}
}

// WithReplayDisabled skips starting the background replay worker.
func WithReplayDisabled() DurableOption {
	return func(b *DurableBus) {
		b.replayDisabled = true
	}
}

// WithDurableClock overrides the time source used to schedule retries.
func WithDurableClock(now func() time.Time) DurableOption {
	return func(b *DurableBus) {
		if now != nil {
			b.now = now
		}
	}
}

// DurableBus wraps an event bus with outbox-backed at-least-once delivery.
type DurableBus struct {
	inner Bus
	store outboxstore.Store

	replayInterval  time.Duration
	replayBatchSize int
	maxBackoff      time.Duration
	replayDisabled  bool
	now             func() time.Time

	replayCtx    context.Context
	replayCancel context.CancelFunc
	replayWG     conc.WaitGroup
}

const (
	defaultReplayInterval  = 5 * time.Second
	defaultReplayBatchSize = 128
	defaultMaxBackoff      = 5 * time.Minute
)

// NewDurableBus wraps the provided bus with outbox persistence. When store is nil the
// original bus is returned unmodified.
func NewDurableBus(inner Bus, store outboxstore.Store, opts ...DurableOption) Bus {
	if inner == nil {
		return nil
	}
	if store == nil {
		return inner
	}
	durable := &DurableBus{
		inner:           inner,
		store:           store,
		replayInterval:  defaultReplayInterval,
		replayBatchSize: defaultReplayBatchSize,
		maxBackoff:      defaultMaxBackoff,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(durable)
		}
	}
	if durable.maxBackoff < durable.replayInterval {
		durable.maxBackoff = durable.replayInterval
	}
	if !durable.replayDisabled {
		durable.startReplayWorker()
	}
	return durable
}

// Publish persists the event to the outbox before delegating to the inner bus.
// A failed delivery stays in the outbox for the replay worker.
func (b *DurableBus) Publish(ctx context.Context, evt market.Event) error {
	ctx = safeContext(ctx)
	recordID, err := b.enqueueEvent(ctx, evt)
	if err != nil {
		return err
	}
	if err := b.inner.Publish(ctx, evt); err != nil {
		b.markFailure(ctx, recordID, 0, err)
		return fmt.Errorf("durable bus publish: %w", err)
	}
	if err := b.store.MarkDelivered(ctx, recordID); err != nil {
		observability.Log().Error("durable bus mark delivered failed", observability.F("id", recordID), observability.F("error", err))
		return fmt.Errorf("durable bus mark delivered: %w", err)
	}
	return nil
}

// Subscribe delegates to the inner bus.
func (b *DurableBus) Subscribe(ctx context.Context, typ market.EventType) (SubscriptionID, <-chan market.Event, error) {
	id, ch, err := b.inner.Subscribe(ctx, typ)
	if err != nil {
		return "", nil, fmt.Errorf("durable bus subscribe: %w", err)
	}
	return id, ch, nil
}

// Unsubscribe delegates to the inner bus.
func (b *DurableBus) Unsubscribe(id SubscriptionID) {
	b.inner.Unsubscribe(id)
}

// Close stops the replay worker before closing the inner bus.
func (b *DurableBus) Close() {
	if b.replayCancel != nil {
		b.replayCancel()
		b.replayWG.Wait()
	}
	b.inner.Close()
}

func (b *DurableBus) startReplayWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	b.replayCtx = ctx
	b.replayCancel = cancel
	b.replayWG.Go(func() {
		ticker := time.NewTicker(b.replayInterval)
		defer ticker.Stop()
		b.replayPending(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.replayPending(ctx)
			}
		}
	})
}

// replayPending redelivers due outbox entries once.
func (b *DurableBus) replayPending(ctx context.Context) {
	records, err := b.store.ListPending(ctx, b.replayBatchSize)
	if err != nil {
		observability.Log().Error("outbox replay list failed", observability.F("error", err))
		return
	}
	for _, record := range records {
		evt, err := record.MarketEvent()
		if err != nil {
			observability.Log().Error("outbox replay decode failed", observability.F("id", record.ID), observability.F("error", err))
			b.markFailure(ctx, record.ID, record.Attempts, err)
			continue
		}
		if err := b.inner.Publish(ctx, evt); err != nil {
			observability.Log().Error("outbox replay publish failed", observability.F("id", record.ID), observability.F("error", err))
			b.markFailure(ctx, record.ID, record.Attempts, err)
			continue
		}
		if err := b.store.MarkDelivered(ctx, record.ID); err != nil {
			observability.Log().Error("outbox replay mark delivered failed", observability.F("id", record.ID), observability.F("error", err))
		}
	}
}

// retryDelay returns the exponential delay before attempt number attempts+1.
func (b *DurableBus) retryDelay(attempts int) time.Duration {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = b.replayInterval
	schedule.MaxInterval = b.maxBackoff
	schedule.RandomizationFactor = 0
	schedule.Reset()
	delay := schedule.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = schedule.NextBackOff()
	}
	if delay == backoff.Stop || delay > b.maxBackoff {
		delay = b.maxBackoff
	}
	return delay
}

func (b *DurableBus) enqueueEvent(ctx context.Context, evt market.Event) (int64, error) {
	entry, err := outboxstore.NewEntry(evt, b.now())
	if err != nil {
		return 0, fmt.Errorf("durable bus: %w", err)
	}
	record, err := b.store.Enqueue(ctx, entry)
	if err != nil {
		return 0, fmt.Errorf("durable bus enqueue: %w", err)
	}
	return record.ID, nil
}

func (b *DurableBus) markFailure(ctx context.Context, id int64, attempts int, cause error) {
	if id == 0 {
		return
	}
	msg := "publish failed"
	if cause != nil && strings.TrimSpace(cause.Error()) != "" {
		msg = cause.Error()
	}
	retryAt := b.now().Add(b.retryDelay(attempts))
	if err := b.store.MarkFailed(ctx, id, msg, retryAt); err != nil {
		observability.Log().Error("outbox mark failed error", observability.F("id", id), observability.F("error", err))
	}
}

func safeContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

var _ Bus = (*DurableBus)(nil)
