// Package postgres implements the market journal and the event outbox on PostgreSQL.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/gridmarket/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed market repositories over one pool.
type Store struct {
	*persistence.Store
	market *MarketStore
	outbox *OutboxStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:  persistence.NewStore(pool),
		market: NewMarketStore(pool),
		outbox: NewOutboxStore(pool),
	}
}

// Market returns the journal projection of committed ledger changes.
func (s *Store) Market() *MarketStore {
	return s.market
}

// Outbox returns the durable event outbox.
func (s *Store) Outbox() *OutboxStore {
	return s.outbox
}
