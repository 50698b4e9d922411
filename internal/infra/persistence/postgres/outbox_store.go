package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/gridmarket/internal/domain/outboxstore"
)

// OutboxStore persists market events awaiting delivery to subscribers.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit = 128
	maxOutboxLimit     = 1024
)

const (
	outboxInsertSQL = `
INSERT INTO events_outbox (
    aggregate_type,
    aggregate_id,
    event_type,
    payload,
    headers,
    available_at
)
VALUES (
    @aggregate_type,
    @aggregate_id,
    @event_type,
    COALESCE(@payload::jsonb, '{}'::jsonb),
    COALESCE(@headers::jsonb, '{}'::jsonb),
    @available_at
)
RETURNING
    id,
    aggregate_type,
    aggregate_id,
    event_type,
    payload,
    headers,
    available_at,
    published_at,
    attempts,
    last_error,
    delivered,
    created_at;
`

	outboxListPendingSQL = `
SELECT
    id,
    aggregate_type,
    aggregate_id,
    event_type,
    payload,
    headers,
    available_at,
    published_at,
    attempts,
    last_error,
    delivered,
    created_at
FROM events_outbox
WHERE delivered = FALSE
  AND available_at <= NOW()
ORDER BY available_at ASC, id ASC
LIMIT $1;
`

	outboxMarkDeliveredSQL = `
UPDATE events_outbox
SET delivered = TRUE,
    published_at = NOW(),
    attempts = attempts + 1
WHERE id = $1;
`

	outboxMarkFailedSQL = `
UPDATE events_outbox
SET attempts = attempts + 1,
    last_error = @last_error,
    available_at = @retry_at
WHERE id = @id
  AND delivered = FALSE;
`

	outboxDeleteSQL = `
DELETE FROM events_outbox
WHERE id = $1;
`
)

// Enqueue stores a market event entry for delivery.
func (s *OutboxStore) Enqueue(ctx context.Context, entry outboxstore.Entry) (outboxstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return outboxstore.Record{}, err
	}
	aggregateType := strings.TrimSpace(entry.AggregateType)
	if aggregateType == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: aggregate type required")
	}
	aggregateID := strings.TrimSpace(entry.AggregateID)
	if aggregateID == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: aggregate id required")
	}
	eventType := strings.TrimSpace(entry.EventType)
	if eventType == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: event type required")
	}
	payload, err := encodePayload(entry.Payload)
	if err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: encode payload: %w", err)
	}
	headers, err := encodeHeaders(entry.Headers)
	if err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: encode headers: %w", err)
	}
	availableAt := entry.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"aggregate_type": aggregateType,
		"aggregate_id":   aggregateID,
		"event_type":     eventType,
		"payload":        payload,
		"headers":        headers,
		"available_at":   availableAt,
	}
	return scanOutboxRecord(pool.QueryRow(ctx, outboxInsertSQL, args))
}

// ListPending returns undelivered entries that are ready for replay.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, outboxListPendingSQL, clampLimit(limit, defaultOutboxLimit, maxOutboxLimit))
	if err != nil {
		return nil, fmt.Errorf("outbox store: list pending: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.Record
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate pending: %w", err)
	}
	return records, nil
}

// MarkDelivered flags a stored event as successfully published.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, outboxMarkDeliveredSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark delivered: no rows updated")
	}
	return nil
}

// MarkFailed records a failed publish attempt and defers the entry until retryAt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if retryAt.IsZero() {
		retryAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"id":         id,
		"last_error": strings.TrimSpace(lastError),
		"retry_at":   retryAt,
	}
	tag, err := pool.Exec(ctx, outboxMarkFailedSQL, args)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: no rows updated")
	}
	return nil
}

// Delete removes an outbox entry by identifier.
func (s *OutboxStore) Delete(ctx context.Context, id int64) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, outboxDeleteSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: delete: no rows deleted")
	}
	return nil
}

func (s *OutboxStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	return s.pool, nil
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRecord(row rowScanner) (outboxstore.Record, error) {
	var (
		record      outboxstore.Record
		payloadJSON []byte
		headerJSON  []byte
		publishedAt pgtype.Timestamptz
		lastError   pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&record.AggregateType,
		&record.AggregateID,
		&record.EventType,
		&payloadJSON,
		&headerJSON,
		&record.AvailableAt,
		&publishedAt,
		&record.Attempts,
		&lastError,
		&record.Delivered,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		record.PublishedAt = &t
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	headers, err := decodeHeaders(headerJSON)
	if err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: decode headers: %w", err)
	}
	record.Payload = json.RawMessage(payloadJSON)
	record.Headers = headers
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
