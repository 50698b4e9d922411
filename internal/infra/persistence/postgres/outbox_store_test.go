package postgres

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/gridmarket/internal/domain/outboxstore"
)

func TestOutboxStoreNilPool(t *testing.T) {
	store := NewOutboxStore(nil)
	ctx := context.Background()
	event := outboxstore.Entry{
		AggregateType: "market",
		AggregateID:   "offer:1",
		EventType:     "offer_created",
		Payload:       json.RawMessage(`{"id":"evt-1"}`),
	}
	_, err := store.Enqueue(ctx, event)
	require.Error(t, err)
	_, err = store.ListPending(ctx, 1)
	require.Error(t, err)
	require.Error(t, store.MarkDelivered(ctx, 1))
	require.Error(t, store.MarkFailed(ctx, 1, "error", time.Now()))
	require.Error(t, store.Delete(ctx, 1))
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, defaultOutboxLimit, clampLimit(0, defaultOutboxLimit, maxOutboxLimit))
	require.Equal(t, defaultOutboxLimit, clampLimit(-3, defaultOutboxLimit, maxOutboxLimit))
	require.Equal(t, 7, clampLimit(7, defaultOutboxLimit, maxOutboxLimit))
	require.Equal(t, maxOutboxLimit, clampLimit(maxOutboxLimit+1, defaultOutboxLimit, maxOutboxLimit))
}

func TestEncodePayload(t *testing.T) {
	raw, err := encodePayload(nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(raw))

	raw, err = encodePayload(json.RawMessage(`{"type":"bus_created"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"bus_created"}`, string(raw))

	_, err = encodePayload(json.RawMessage(`{"type":`))
	require.Error(t, err)
}

func TestHeadersRoundTrip(t *testing.T) {
	raw, err := encodeHeaders(nil)
	require.NoError(t, err)
	require.Equal(t, "{}", string(raw))

	raw, err = encodeHeaders(map[string]any{"sequence": 4})
	require.NoError(t, err)
	decoded, err := decodeHeaders(raw)
	require.NoError(t, err)
	require.EqualValues(t, 4, decoded["sequence"])

	empty, err := decodeHeaders(nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}
