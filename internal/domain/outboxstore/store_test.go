package outboxstore

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/gridmarket/internal/domain/market"
)

func TestNewEntryKeysByMostSpecificRecord(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]struct {
		evt  market.Event
		kind string
		id   string
	}{
		"purchase": {evt: market.Event{Type: market.EventTypeEnergyPurchased, BusID: 1, OfferID: 2, PurchaseID: 3}, kind: AggregatePurchase, id: "3"},
		"offer":    {evt: market.Event{Type: market.EventTypeOfferCreated, BusID: 1, OfferID: 2}, kind: AggregateOffer, id: "2"},
		"bus":      {evt: market.Event{Type: market.EventTypeBusCreated, BusID: 1}, kind: AggregateBus, id: "1"},
		"market":   {evt: market.Event{Type: market.EventTypeBusCreated, Sequence: 9}, kind: AggregateMarket, id: "9"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			entry, err := NewEntry(tc.evt, now)
			require.NoError(t, err)
			require.Equal(t, tc.kind, entry.AggregateType)
			require.Equal(t, tc.id, entry.AggregateID)
			require.Equal(t, string(tc.evt.Type), entry.EventType)
			require.Equal(t, now, entry.AvailableAt)
		})
	}
}

func TestNewEntryCarriesCommitHeaders(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := market.Event{
		ID:         " 6f1c ",
		Sequence:   42,
		Type:       market.EventTypeEnergyPurchased,
		PurchaseID: 7,
		Principal:  "buyer",
		Amount:     40,
		Value:      decimal.NewFromInt(100),
		At:         at,
	}
	entry, err := NewEntry(evt, at.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, at, entry.AvailableAt, "commit time wins over now")
	require.Equal(t, uint64(42), entry.Headers["sequence"])
	require.Equal(t, "6f1c", entry.Headers["eventId"])

	decoded, err := Record{ID: 1, Payload: entry.Payload}.MarketEvent()
	require.NoError(t, err)
	require.Equal(t, evt.Sequence, decoded.Sequence)
	require.Equal(t, evt.PurchaseID, decoded.PurchaseID)
	require.Equal(t, evt.Principal, decoded.Principal)
	require.True(t, evt.Value.Equal(decoded.Value))
}

func TestRecordMarketEventRejectsBadPayload(t *testing.T) {
	_, err := Record{ID: 3}.MarketEvent()
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = Record{ID: 4, Payload: []byte(`{"sequence":`)}.MarketEvent()
	require.ErrorContains(t, err, "decode entry 4")
}
