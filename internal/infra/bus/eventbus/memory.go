package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
	"github.com/coachpo/gridmarket/internal/infra/telemetry"
	"github.com/coachpo/gridmarket/internal/observability"
)

// MemoryBus is an in-memory implementation of the event bus.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[market.EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryErrorCounter   metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryDroppedCounter metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan market.Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[market.EventType]map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of event delivery errors"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryDroppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Number of events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish fans the event out to subscribers of its type and to wildcard subscribers.
func (b *MemoryBus) Publish(ctx context.Context, evt market.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" || evt.Type == market.EventTypeAny {
		return errs.New("eventbus/publish", errs.CodeValidation, errs.WithMessage("concrete event type required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	start := time.Now()
	attrs := metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(evt.Type))...)
	defer func() {
		if b.publishDuration != nil {
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
		}
	}()

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers[evt.Type])+len(b.subscribers[market.EventTypeAny]))
	for _, sub := range b.subscribers[evt.Type] {
		targets = append(targets, sub)
	}
	for _, sub := range b.subscribers[market.EventTypeAny] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(targets)), attrs)
	}
	if len(targets) == 0 {
		return nil
	}
	if err := b.dispatch(ctx, targets, evt); err != nil {
		if b.deliveryErrorCounter != nil {
			b.deliveryErrorCounter.Add(ctx, 1, attrs)
		}
		return err
	}
	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, attrs)
	}
	return nil
}

// Subscribe registers for events of the given type and returns a subscription ID and channel.
// The channel closes when ctx ends, on Unsubscribe, or when the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, typ market.EventType) (SubscriptionID, <-chan market.Event, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeValidation, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{ctx: ctx, cancel: cancel, ch: make(chan market.Event, b.cfg.BufferSize)}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(typ))...))
	}

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.RLock()
	var target *subscriber
	for _, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			target = sub
			break
		}
	}
	b.mu.RUnlock()
	if target != nil {
		target.cancel()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[market.EventType]map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, group := range subs {
			for _, sub := range group {
				sub.cancel()
				sub.close()
			}
		}
	})
}

// observe removes the subscription once its context ends.
func (b *MemoryBus) observe(typ market.EventType, id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	removed := false
	b.mu.Lock()
	if subs := b.subscribers[typ]; subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			removed = true
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	if removed && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(typ))...))
	}
	sub.close()
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver sends without blocking. When the subscriber buffer is full the
// oldest queued event is dropped to make room.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt market.Event) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || sub.ctx.Err() != nil {
		return nil
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	observability.Log().Debug("eventbus: subscriber buffer full; dropped oldest event",
		observability.F("type", evt.Type),
		observability.F("sequence", evt.Sequence))
	if b.deliveryDroppedCounter != nil {
		b.deliveryDroppedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(evt.Type))...))
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt market.Event) error {
	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		p.Go(func() error {
			return b.deliver(ctx, sub, evt)
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("eventbus/dispatch: %w", err)
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
