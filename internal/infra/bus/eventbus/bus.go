// Package eventbus defines pub/sub delivery of committed market events.
package eventbus

import (
	"context"

	"github.com/coachpo/gridmarket/internal/domain/market"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers market events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt market.Event) error
	// Subscribe registers for one event type, or every type with market.EventTypeAny.
	Subscribe(ctx context.Context, typ market.EventType) (SubscriptionID, <-chan market.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
