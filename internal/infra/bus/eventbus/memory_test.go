package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
)

func receive(t *testing.T, ch <-chan market.Event) market.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return market.Event{}
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()
	require.NoError(t, bus.Publish(context.Background(), market.Event{Type: market.EventTypeBusCreated, BusID: 1}))
}

func TestMemoryBusRejectsUntypedEvents(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	err := bus.Publish(context.Background(), market.Event{})
	require.True(t, errs.Is(err, errs.CodeValidation))
	err = bus.Publish(context.Background(), market.Event{Type: market.EventTypeAny})
	require.True(t, errs.Is(err, errs.CodeValidation))

	_, _, err = bus.Subscribe(context.Background(), "")
	require.True(t, errs.Is(err, errs.CodeValidation))
}

func TestMemoryBusRoutesByTypeAndWildcard(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4, FanoutWorkers: 2})
	defer bus.Close()
	ctx := context.Background()

	_, purchases, err := bus.Subscribe(ctx, market.EventTypeEnergyPurchased)
	require.NoError(t, err)
	_, all, err := bus.Subscribe(ctx, market.EventTypeAny)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, market.Event{Type: market.EventTypeOfferCreated, OfferID: 1}))
	require.NoError(t, bus.Publish(ctx, market.Event{Type: market.EventTypeEnergyPurchased, PurchaseID: 9}))

	require.Equal(t, market.PurchaseID(9), receive(t, purchases).PurchaseID)
	require.Equal(t, market.EventTypeOfferCreated, receive(t, all).Type)
	require.Equal(t, market.EventTypeEnergyPurchased, receive(t, all).Type)
	select {
	case evt := <-purchases:
		t.Fatalf("unexpected event %v", evt)
	default:
	}
}

func TestMemoryBusDropsOldestWhenFull(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()
	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, market.EventTypeOfferCreated)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, bus.Publish(ctx, market.Event{Type: market.EventTypeOfferCreated, Sequence: uint64(i)}))
	}
	require.Equal(t, uint64(2), receive(t, ch).Sequence)
	require.Equal(t, uint64(3), receive(t, ch).Sequence)
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	id, ch, err := bus.Subscribe(context.Background(), market.EventTypeAny)
	require.NoError(t, err)

	bus.Unsubscribe(id)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBusContextCancelRemovesSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, market.EventTypeBusCreated)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subscribers) == 0
	}, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	require.False(t, ok)
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, ch, err := bus.Subscribe(context.Background(), market.EventTypeAny)
	require.NoError(t, err)

	bus.Close()
	bus.Close()
	_, ok := <-ch
	require.False(t, ok)

	err = bus.Publish(context.Background(), market.Event{Type: market.EventTypeBusCreated})
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	_, _, err = bus.Subscribe(context.Background(), market.EventTypeAny)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}
