package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/gridmarket/internal/domain/market"
	"github.com/coachpo/gridmarket/internal/domain/marketstore"
)

var (
	// ErrNotFound is returned by read helpers when no row matches.
	ErrNotFound = errors.New("market store: not found")
	// ErrConflict is returned when a commit would rewrite the identity of an
	// already recorded bus, offer or purchase.
	ErrConflict = errors.New("market store: record conflicts with journal")
)

// MarketStore projects committed ledger changes into PostgreSQL tables.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore constructs a MarketStore backed by the provided pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const (
	commitInsertSQL = `
INSERT INTO market_commits (
    sequence,
    operation,
    principal,
    committed_at,
    transfers
)
VALUES (
    @sequence,
    @operation,
    @principal,
    @committed_at,
    @transfers::jsonb
)
ON CONFLICT (sequence) DO NOTHING
RETURNING sequence;
`

	busUpsertSQL = `
INSERT INTO buses (
    id,
    name,
    owners,
    total_capacity,
    available_capacity,
    base_price,
    active,
    created_at,
    updated_sequence
)
VALUES (
    @id,
    @name,
    @owners,
    @total_capacity,
    @available_capacity,
    @base_price,
    @active,
    @created_at,
    @sequence
)
ON CONFLICT (id) DO UPDATE SET
    owners = EXCLUDED.owners,
    available_capacity = EXCLUDED.available_capacity,
    active = EXCLUDED.active,
    updated_sequence = EXCLUDED.updated_sequence
WHERE buses.updated_sequence < EXCLUDED.updated_sequence
  AND buses.name = EXCLUDED.name
  AND buses.total_capacity = EXCLUDED.total_capacity;
`

	offerUpsertSQL = `
INSERT INTO offers (
    id,
    bus_id,
    seller,
    energy_amount,
    reserved_amount,
    price_per_unit,
    active,
    lock_holder,
    lock_expiry,
    created_at,
    updated_sequence
)
VALUES (
    @id,
    @bus_id,
    @seller,
    @energy_amount,
    @reserved_amount,
    @price_per_unit,
    @active,
    @lock_holder,
    @lock_expiry,
    @created_at,
    @sequence
)
ON CONFLICT (id) DO UPDATE SET
    energy_amount = EXCLUDED.energy_amount,
    active = EXCLUDED.active,
    lock_holder = EXCLUDED.lock_holder,
    lock_expiry = EXCLUDED.lock_expiry,
    updated_sequence = EXCLUDED.updated_sequence
WHERE offers.updated_sequence < EXCLUDED.updated_sequence
  AND offers.bus_id = EXCLUDED.bus_id
  AND offers.seller = EXCLUDED.seller
  AND offers.price_per_unit = EXCLUDED.price_per_unit;
`

	purchaseUpsertSQL = `
INSERT INTO purchases (
    id,
    bus_id,
    offer_id,
    buyer,
    seller,
    energy_amount,
    total_price,
    purchased_at,
    completed,
    completed_at,
    updated_sequence
)
VALUES (
    @id,
    @bus_id,
    @offer_id,
    @buyer,
    @seller,
    @energy_amount,
    @total_price,
    @purchased_at,
    @completed,
    @completed_at,
    @sequence
)
ON CONFLICT (id) DO UPDATE SET
    completed = EXCLUDED.completed,
    completed_at = EXCLUDED.completed_at,
    updated_sequence = EXCLUDED.updated_sequence
WHERE purchases.updated_sequence < EXCLUDED.updated_sequence
  AND purchases.offer_id = EXCLUDED.offer_id
  AND purchases.buyer = EXCLUDED.buyer
  AND purchases.seller = EXCLUDED.seller;
`

	nonceUpsertSQL = `
INSERT INTO principal_nonces (
    principal,
    next_nonce,
    updated_sequence
)
VALUES (@principal, @next_nonce, @sequence)
ON CONFLICT (principal) DO UPDATE SET
    next_nonce = EXCLUDED.next_nonce,
    updated_sequence = EXCLUDED.updated_sequence
WHERE principal_nonces.updated_sequence < EXCLUDED.updated_sequence;
`

	eventInsertSQL = `
INSERT INTO market_events (
    id,
    sequence,
    position,
    event_type,
    bus_id,
    offer_id,
    purchase_id,
    principal,
    amount,
    value,
    occurred_at
)
VALUES (
    @id,
    @sequence,
    @position,
    @event_type,
    @bus_id,
    @offer_id,
    @purchase_id,
    @principal,
    @amount,
    @value,
    @occurred_at
)
ON CONFLICT (id) DO NOTHING;
`

	lastSequenceSQL = `SELECT COALESCE(MAX(sequence), 0) FROM market_commits;`

	offerColumns = `
    id,
    bus_id,
    seller,
    energy_amount,
    reserved_amount,
    price_per_unit,
    active,
    lock_holder,
    lock_expiry,
    created_at`

	offerSelectSQL = `SELECT` + offerColumns + `
FROM offers
WHERE id = $1;
`

	offersLoadSQL = `SELECT` + offerColumns + `
FROM offers
ORDER BY id;
`

	busesLoadSQL = `
SELECT
    id,
    name,
    owners,
    total_capacity,
    available_capacity,
    base_price,
    active,
    created_at
FROM buses
ORDER BY id;
`

	purchasesLoadSQL = `
SELECT
    id,
    bus_id,
    offer_id,
    buyer,
    seller,
    energy_amount,
    total_price,
    purchased_at,
    completed,
    completed_at
FROM purchases
ORDER BY id;
`

	noncesLoadSQL = `SELECT principal, next_nonce FROM principal_nonces ORDER BY principal;`

	nonceSelectSQL = `SELECT next_nonce FROM principal_nonces WHERE principal = $1;`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *MarketStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("market store: nil pool")
	}
	return s.pool, nil
}

// Record writes every record of the commit in one transaction. Replaying an
// already recorded sequence is a no-op.
func (s *MarketStore) Record(ctx context.Context, commit marketstore.Commit) error {
	if commit.Sequence == 0 {
		return fmt.Errorf("market store: commit sequence required")
	}
	return s.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		fresh, err := s.insertCommit(ctx, tx, commit)
		if err != nil || !fresh {
			return err
		}
		for _, bus := range commit.Buses {
			if err := s.upsertBus(ctx, tx, commit.Sequence, bus); err != nil {
				return err
			}
		}
		for _, offer := range commit.Offers {
			if err := s.upsertOffer(ctx, tx, commit.Sequence, offer); err != nil {
				return err
			}
		}
		for _, purchase := range commit.Purchases {
			if err := s.upsertPurchase(ctx, tx, commit.Sequence, purchase); err != nil {
				return err
			}
		}
		for _, nonce := range commit.Nonces {
			if err := s.upsertNonce(ctx, tx, commit.Sequence, nonce); err != nil {
				return err
			}
		}
		for i, evt := range commit.Events {
			if err := s.insertEvent(ctx, tx, commit.Sequence, i, evt); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastSequence returns the highest recorded commit sequence, or zero.
func (s *MarketStore) LastSequence(ctx context.Context) (uint64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := pool.QueryRow(ctx, lastSequenceSQL).Scan(&seq); err != nil {
		return 0, fmt.Errorf("market store: last sequence: %w", err)
	}
	return uint64(seq), nil
}

// Offer reads back the projected state of one offer.
func (s *MarketStore) Offer(ctx context.Context, id market.OfferID) (market.Offer, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return market.Offer{}, err
	}
	offer, err := scanOffer(pool.QueryRow(ctx, offerSelectSQL, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Offer{}, ErrNotFound
	}
	return offer, err
}

// Nonce reads back the projected next nonce of a principal.
func (s *MarketStore) Nonce(ctx context.Context, principal market.Principal) (uint64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	var next pgtype.Numeric
	err = pool.QueryRow(ctx, nonceSelectSQL, string(principal)).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("market store: select nonce: %w", err)
	}
	return unitsFromNumeric(next)
}

// Load reads every recorded bus, offer, purchase and nonce together with the
// last commit sequence from one consistent snapshot.
func (s *MarketStore) Load(ctx context.Context) (marketstore.State, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return marketstore.State{}, err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return marketstore.State{}, fmt.Errorf("market store: begin load: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		state marketstore.State
		seq   int64
	)
	if err := tx.QueryRow(ctx, lastSequenceSQL).Scan(&seq); err != nil {
		return marketstore.State{}, fmt.Errorf("market store: load sequence: %w", err)
	}
	state.Sequence = uint64(seq)
	if state.Buses, err = loadRows(ctx, tx, busesLoadSQL, "buses", scanBus); err != nil {
		return marketstore.State{}, err
	}
	if state.Offers, err = loadRows(ctx, tx, offersLoadSQL, "offers", scanOffer); err != nil {
		return marketstore.State{}, err
	}
	if state.Purchases, err = loadRows(ctx, tx, purchasesLoadSQL, "purchases", scanPurchase); err != nil {
		return marketstore.State{}, err
	}
	if state.Nonces, err = loadRows(ctx, tx, noncesLoadSQL, "nonces", scanNonce); err != nil {
		return marketstore.State{}, err
	}
	return state, nil
}

func loadRows[T any](ctx context.Context, tx pgx.Tx, sql, table string, scan func(rowScanner) (T, error)) ([]T, error) {
	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("market store: load %s: %w", table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		record, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("market store: iterate %s: %w", table, err)
	}
	return out, nil
}

func scanBus(row rowScanner) (market.Bus, error) {
	var (
		bus       market.Bus
		id        int64
		owners    []string
		total     pgtype.Numeric
		available pgtype.Numeric
		price     pgtype.Numeric
	)
	if err := row.Scan(&id, &bus.Name, &owners, &total, &available, &price, &bus.Active, &bus.CreatedAt); err != nil {
		return market.Bus{}, fmt.Errorf("market store: scan bus: %w", err)
	}
	bus.ID = market.BusID(id)
	for _, owner := range owners {
		bus.Owners = append(bus.Owners, market.Principal(owner))
	}
	var err error
	if bus.TotalCapacity, err = unitsFromNumeric(total); err != nil {
		return market.Bus{}, fmt.Errorf("market store: bus %d total capacity: %w", id, err)
	}
	if bus.AvailableCapacity, err = unitsFromNumeric(available); err != nil {
		return market.Bus{}, fmt.Errorf("market store: bus %d available capacity: %w", id, err)
	}
	if bus.BasePrice, err = decimalFromNumeric(price); err != nil {
		return market.Bus{}, fmt.Errorf("market store: bus %d base price: %w", id, err)
	}
	bus.CreatedAt = bus.CreatedAt.UTC()
	return bus, nil
}

func scanOffer(row rowScanner) (market.Offer, error) {
	var (
		offer      market.Offer
		rowID      int64
		busID      int64
		seller     string
		energy     pgtype.Numeric
		reserved   pgtype.Numeric
		price      pgtype.Numeric
		lockHolder pgtype.Text
		lockExpiry pgtype.Timestamptz
	)
	err := row.Scan(
		&rowID,
		&busID,
		&seller,
		&energy,
		&reserved,
		&price,
		&offer.Active,
		&lockHolder,
		&lockExpiry,
		&offer.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Offer{}, err
	}
	if err != nil {
		return market.Offer{}, fmt.Errorf("market store: scan offer: %w", err)
	}
	offer.ID = market.OfferID(rowID)
	offer.BusID = market.BusID(busID)
	offer.Seller = market.Principal(seller)
	if offer.EnergyAmount, err = unitsFromNumeric(energy); err != nil {
		return market.Offer{}, fmt.Errorf("market store: offer %d energy amount: %w", rowID, err)
	}
	if offer.ReservedAmount, err = unitsFromNumeric(reserved); err != nil {
		return market.Offer{}, fmt.Errorf("market store: offer %d reserved amount: %w", rowID, err)
	}
	if offer.PricePerUnit, err = decimalFromNumeric(price); err != nil {
		return market.Offer{}, fmt.Errorf("market store: offer %d price: %w", rowID, err)
	}
	if lockHolder.Valid {
		offer.LockHolder = market.Principal(lockHolder.String)
	}
	if lockExpiry.Valid {
		offer.LockExpiry = lockExpiry.Time.UTC()
	}
	offer.CreatedAt = offer.CreatedAt.UTC()
	return offer, nil
}

func scanPurchase(row rowScanner) (market.Purchase, error) {
	var (
		purchase    market.Purchase
		id          int64
		busID       int64
		offerID     int64
		buyer       string
		seller      string
		energy      pgtype.Numeric
		total       pgtype.Numeric
		completedAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &busID, &offerID, &buyer, &seller, &energy, &total, &purchase.Timestamp, &purchase.Completed, &completedAt)
	if err != nil {
		return market.Purchase{}, fmt.Errorf("market store: scan purchase: %w", err)
	}
	purchase.ID = market.PurchaseID(id)
	purchase.BusID = market.BusID(busID)
	purchase.OfferID = market.OfferID(offerID)
	purchase.Buyer = market.Principal(buyer)
	purchase.Seller = market.Principal(seller)
	if purchase.EnergyAmount, err = unitsFromNumeric(energy); err != nil {
		return market.Purchase{}, fmt.Errorf("market store: purchase %d energy amount: %w", id, err)
	}
	if purchase.TotalPrice, err = decimalFromNumeric(total); err != nil {
		return market.Purchase{}, fmt.Errorf("market store: purchase %d total: %w", id, err)
	}
	purchase.Timestamp = purchase.Timestamp.UTC()
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		purchase.CompletedAt = &at
	}
	return purchase, nil
}

func scanNonce(row rowScanner) (marketstore.NonceUpdate, error) {
	var (
		principal string
		next      pgtype.Numeric
	)
	if err := row.Scan(&principal, &next); err != nil {
		return marketstore.NonceUpdate{}, fmt.Errorf("market store: scan nonce: %w", err)
	}
	value, err := unitsFromNumeric(next)
	if err != nil {
		return marketstore.NonceUpdate{}, fmt.Errorf("market store: nonce %s: %w", principal, err)
	}
	return marketstore.NonceUpdate{Principal: market.Principal(principal), Next: value}, nil
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *MarketStore) WithTransaction(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("market store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("market store: begin tx: %w", err)
	}
	if runErr := fn(ctx, tx); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("market store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("market store: commit tx: %w", err)
	}
	return nil
}

func (s *MarketStore) insertCommit(ctx context.Context, tx pgx.Tx, commit marketstore.Commit) (bool, error) {
	transfers, err := json.Marshal(transfersOrEmpty(commit.Transfers))
	if err != nil {
		return false, fmt.Errorf("market store: encode transfers: %w", err)
	}
	args := pgx.NamedArgs{
		"sequence":     int64(commit.Sequence),
		"operation":    strings.TrimSpace(commit.Operation),
		"principal":    nullableString(string(commit.Principal)),
		"committed_at": commit.CommittedAt,
		"transfers":    transfers,
	}
	var seq int64
	err = tx.QueryRow(ctx, commitInsertSQL, args).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("market store: insert commit: %w", err)
	}
	return true, nil
}

func (s *MarketStore) upsertBus(ctx context.Context, exec execer, seq uint64, bus market.Bus) error {
	total, err := numericFromUnits(bus.TotalCapacity)
	if err != nil {
		return fmt.Errorf("market store: bus %d total capacity: %w", bus.ID, err)
	}
	available, err := numericFromUnits(bus.AvailableCapacity)
	if err != nil {
		return fmt.Errorf("market store: bus %d available capacity: %w", bus.ID, err)
	}
	price, err := numericFromDecimal(bus.BasePrice)
	if err != nil {
		return fmt.Errorf("market store: bus %d base price: %w", bus.ID, err)
	}
	owners := make([]string, 0, len(bus.Owners))
	for _, owner := range bus.Owners {
		owners = append(owners, string(owner))
	}
	args := pgx.NamedArgs{
		"id":                 int64(bus.ID),
		"name":               bus.Name,
		"owners":             owners,
		"total_capacity":     total,
		"available_capacity": available,
		"base_price":         price,
		"active":             bus.Active,
		"created_at":         bus.CreatedAt,
		"sequence":           int64(seq),
	}
	tag, err := exec.Exec(ctx, busUpsertSQL, args)
	if err != nil {
		return fmt.Errorf("market store: upsert bus %d: %w", bus.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upsert bus %d at sequence %d: %w", bus.ID, seq, ErrConflict)
	}
	return nil
}

func (s *MarketStore) upsertOffer(ctx context.Context, exec execer, seq uint64, offer market.Offer) error {
	energy, err := numericFromUnits(offer.EnergyAmount)
	if err != nil {
		return fmt.Errorf("market store: offer %d energy: %w", offer.ID, err)
	}
	reserved, err := numericFromUnits(offer.ReservedAmount)
	if err != nil {
		return fmt.Errorf("market store: offer %d reserved: %w", offer.ID, err)
	}
	price, err := numericFromDecimal(offer.PricePerUnit)
	if err != nil {
		return fmt.Errorf("market store: offer %d price: %w", offer.ID, err)
	}
	args := pgx.NamedArgs{
		"id":              int64(offer.ID),
		"bus_id":          int64(offer.BusID),
		"seller":          string(offer.Seller),
		"energy_amount":   energy,
		"reserved_amount": reserved,
		"price_per_unit":  price,
		"active":          offer.Active,
		"lock_holder":     nullableString(string(offer.LockHolder)),
		"lock_expiry":     nullableTime(offer.LockExpiry),
		"created_at":      offer.CreatedAt,
		"sequence":        int64(seq),
	}
	tag, err := exec.Exec(ctx, offerUpsertSQL, args)
	if err != nil {
		return fmt.Errorf("market store: upsert offer %d: %w", offer.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upsert offer %d at sequence %d: %w", offer.ID, seq, ErrConflict)
	}
	return nil
}

func (s *MarketStore) upsertPurchase(ctx context.Context, exec execer, seq uint64, purchase market.Purchase) error {
	energy, err := numericFromUnits(purchase.EnergyAmount)
	if err != nil {
		return fmt.Errorf("market store: purchase %d energy: %w", purchase.ID, err)
	}
	total, err := numericFromDecimal(purchase.TotalPrice)
	if err != nil {
		return fmt.Errorf("market store: purchase %d total: %w", purchase.ID, err)
	}
	var completedAt any
	if purchase.CompletedAt != nil {
		completedAt = *purchase.CompletedAt
	}
	args := pgx.NamedArgs{
		"id":            int64(purchase.ID),
		"bus_id":        int64(purchase.BusID),
		"offer_id":      int64(purchase.OfferID),
		"buyer":         string(purchase.Buyer),
		"seller":        string(purchase.Seller),
		"energy_amount": energy,
		"total_price":   total,
		"purchased_at":  purchase.Timestamp,
		"completed":     purchase.Completed,
		"completed_at":  completedAt,
		"sequence":      int64(seq),
	}
	tag, err := exec.Exec(ctx, purchaseUpsertSQL, args)
	if err != nil {
		return fmt.Errorf("market store: upsert purchase %d: %w", purchase.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upsert purchase %d at sequence %d: %w", purchase.ID, seq, ErrConflict)
	}
	return nil
}

func (s *MarketStore) upsertNonce(ctx context.Context, exec execer, seq uint64, update marketstore.NonceUpdate) error {
	next, err := numericFromUnits(update.Next)
	if err != nil {
		return fmt.Errorf("market store: nonce %s: %w", update.Principal, err)
	}
	args := pgx.NamedArgs{
		"principal":  string(update.Principal),
		"next_nonce": next,
		"sequence":   int64(seq),
	}
	if _, err := exec.Exec(ctx, nonceUpsertSQL, args); err != nil {
		return fmt.Errorf("market store: upsert nonce %s: %w", update.Principal, err)
	}
	return nil
}

func (s *MarketStore) insertEvent(ctx context.Context, exec execer, seq uint64, position int, evt market.Event) error {
	if strings.TrimSpace(evt.ID) == "" {
		return fmt.Errorf("market store: event id required")
	}
	var amount any
	if evt.Amount > 0 {
		n, err := numericFromUnits(evt.Amount)
		if err != nil {
			return fmt.Errorf("market store: event amount: %w", err)
		}
		amount = n
	}
	var value any
	if !evt.Value.IsZero() {
		n, err := numericFromDecimal(evt.Value)
		if err != nil {
			return fmt.Errorf("market store: event value: %w", err)
		}
		value = n
	}
	args := pgx.NamedArgs{
		"id":          evt.ID,
		"sequence":    int64(seq),
		"position":    position,
		"event_type":  string(evt.Type),
		"bus_id":      nullableID(uint64(evt.BusID)),
		"offer_id":    nullableID(uint64(evt.OfferID)),
		"purchase_id": nullableID(uint64(evt.PurchaseID)),
		"principal":   nullableString(string(evt.Principal)),
		"amount":      amount,
		"value":       value,
		"occurred_at": evt.At,
	}
	if _, err := exec.Exec(ctx, eventInsertSQL, args); err != nil {
		return fmt.Errorf("market store: insert event %s: %w", evt.ID, err)
	}
	return nil
}

func transfersOrEmpty(transfers []market.Transfer) []market.Transfer {
	if transfers == nil {
		return []market.Transfer{}
	}
	return transfers
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullableID(value uint64) any {
	if value == 0 {
		return nil
	}
	return int64(value)
}

var (
	_ marketstore.Journal = (*MarketStore)(nil)
	_ marketstore.Loader  = (*MarketStore)(nil)
)
