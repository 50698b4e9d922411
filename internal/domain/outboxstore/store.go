// Package outboxstore defines the durable queue of committed market events
// awaiting delivery to bus subscribers.
package outboxstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/gridmarket/internal/domain/market"
)

// Aggregate kinds an entry can be keyed by, from most to least specific.
const (
	AggregatePurchase = "purchase"
	AggregateOffer    = "offer"
	AggregateBus      = "bus"
	AggregateMarket   = "market"
)

// ErrEmptyPayload is returned when a stored entry carries no market event.
var ErrEmptyPayload = errors.New("outbox: empty payload")

// Entry is one committed market event queued for delivery. The aggregate
// pair names the record the event touches so operators can find every
// undelivered event for a purchase, offer or bus.
type Entry struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Headers       map[string]any
	AvailableAt   time.Time
}

// NewEntry wraps a committed market event. The commit sequence and event id
// travel as headers; AvailableAt is the commit time, or now when unset.
func NewEntry(evt market.Event, now time.Time) (Entry, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: encode %s event: %w", evt.Type, err)
	}
	headers := map[string]any{"sequence": evt.Sequence}
	if id := strings.TrimSpace(evt.ID); id != "" {
		headers["eventId"] = id
	}
	kind, id := aggregateOf(evt)
	available := evt.At
	if available.IsZero() {
		available = now
	}
	return Entry{
		AggregateType: kind,
		AggregateID:   id,
		EventType:     string(evt.Type),
		Payload:       payload,
		Headers:       headers,
		AvailableAt:   available,
	}, nil
}

// aggregateOf keys an event by the most specific record it touches.
func aggregateOf(evt market.Event) (string, string) {
	switch {
	case evt.PurchaseID != 0:
		return AggregatePurchase, strconv.FormatUint(uint64(evt.PurchaseID), 10)
	case evt.OfferID != 0:
		return AggregateOffer, strconv.FormatUint(uint64(evt.OfferID), 10)
	case evt.BusID != 0:
		return AggregateBus, strconv.FormatUint(uint64(evt.BusID), 10)
	default:
		return AggregateMarket, strconv.FormatUint(evt.Sequence, 10)
	}
}

// Record is a stored entry with its delivery bookkeeping.
type Record struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Headers       map[string]any
	AvailableAt   time.Time
	PublishedAt   *time.Time
	Attempts      int
	LastError     string
	Delivered     bool
	CreatedAt     time.Time
}

// MarketEvent decodes the queued market event.
func (r Record) MarketEvent() (market.Event, error) {
	if len(r.Payload) == 0 {
		return market.Event{}, ErrEmptyPayload
	}
	var evt market.Event
	if err := json.Unmarshal(r.Payload, &evt); err != nil {
		return market.Event{}, fmt.Errorf("outbox: decode entry %d: %w", r.ID, err)
	}
	return evt, nil
}

// Store persists market events between commit and delivery.
type Store interface {
	Enqueue(ctx context.Context, entry Entry) (Record, error)
	// ListPending returns undelivered entries whose AvailableAt has passed, oldest first.
	ListPending(ctx context.Context, limit int) ([]Record, error)
	MarkDelivered(ctx context.Context, id int64) error
	// MarkFailed records a failed delivery and defers the next attempt until retryAt.
	MarkFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error
	Delete(ctx context.Context, id int64) error
}
