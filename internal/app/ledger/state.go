package ledger

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/coachpo/gridmarket/internal/domain/market"
)

// holderBus keys the per-principal per-bus indexes.
type holderBus struct {
	principal market.Principal
	bus       market.BusID
}

// state is the live ledger. Only the engine goroutine writes it, in place and
// under mu; queries copy records out under the read lock. The writer reads
// without locking because no other goroutine mutates.
type state struct {
	mu sync.RWMutex

	seq          uint64
	lastBus      market.BusID
	lastOffer    market.OfferID
	lastPurchase market.PurchaseID

	buses     map[market.BusID]market.Bus
	offers    map[market.OfferID]market.Offer
	purchases map[market.PurchaseID]market.Purchase
	nonces    map[market.Principal]uint64
	balances  map[market.Principal]uint64
	// locked holds the offers with a lock holder set, live or expired.
	locked map[market.OfferID]struct{}

	busOffers        map[market.BusID][]market.OfferID
	ownerBuses       map[market.Principal][]market.BusID
	sellerOffers     map[market.Principal][]market.OfferID
	userBusOffers    map[holderBus][]market.OfferID
	userBusPurchases map[holderBus][]market.PurchaseID
	buyerPurchases   map[market.Principal][]market.PurchaseID
	sellerPurchases  map[market.Principal][]market.PurchaseID
}

func newState() *state {
	return &state{
		buses:            make(map[market.BusID]market.Bus),
		offers:           make(map[market.OfferID]market.Offer),
		purchases:        make(map[market.PurchaseID]market.Purchase),
		nonces:           make(map[market.Principal]uint64),
		balances:         make(map[market.Principal]uint64),
		locked:           make(map[market.OfferID]struct{}),
		busOffers:        make(map[market.BusID][]market.OfferID),
		ownerBuses:       make(map[market.Principal][]market.BusID),
		sellerOffers:     make(map[market.Principal][]market.OfferID),
		userBusOffers:    make(map[holderBus][]market.OfferID),
		userBusPurchases: make(map[holderBus][]market.PurchaseID),
		buyerPurchases:   make(map[market.Principal][]market.PurchaseID),
		sellerPurchases:  make(map[market.Principal][]market.PurchaseID),
	}
}

// overlay stages writes above a live map. Discarding the overlay discards
// the writes.
type overlay[K cmp.Ordered, V any] struct {
	base   map[K]V
	staged map[K]V
}

func newOverlay[K cmp.Ordered, V any](base map[K]V) overlay[K, V] {
	return overlay[K, V]{base: base}
}

func (o *overlay[K, V]) get(key K) (V, bool) {
	if v, ok := o.staged[key]; ok {
		return v, true
	}
	v, ok := o.base[key]
	return v, ok
}

func (o *overlay[K, V]) put(key K, value V) {
	if o.staged == nil {
		o.staged = make(map[K]V)
	}
	o.staged[key] = value
}

func (o *overlay[K, V]) dirty() bool { return len(o.staged) > 0 }

// flush writes the staged entries into the live map.
func (o *overlay[K, V]) flush() {
	maps.Copy(o.base, o.staged)
}

// changed returns staged values ordered by key.
func (o *overlay[K, V]) changed() []V {
	if len(o.staged) == 0 {
		return nil
	}
	out := make([]V, 0, len(o.staged))
	for _, k := range slices.Sorted(maps.Keys(o.staged)) {
		out = append(out, o.staged[k])
	}
	return out
}

// index stages appends to live append-only id lists.
type index[K comparable, V any] struct {
	base   map[K][]V
	staged map[K][]V
}

func newIndex[K comparable, V any](base map[K][]V) index[K, V] {
	return index[K, V]{base: base}
}

func (ix *index[K, V]) add(key K, value V) {
	if ix.staged == nil {
		ix.staged = make(map[K][]V)
	}
	ix.staged[key] = append(ix.staged[key], value)
}

// flush appends the staged ids to the live lists.
func (ix *index[K, V]) flush() {
	for k, ids := range ix.staged {
		ix.base[k] = append(ix.base[k], ids...)
	}
}

// txn stages one command's effects. Nothing reaches the live state unless
// the command and its settlement both succeed.
type txn struct {
	base   *state
	now    time.Time
	op     string
	caller market.Principal

	lastBus      market.BusID
	lastOffer    market.OfferID
	lastPurchase market.PurchaseID

	buses     overlay[market.BusID, market.Bus]
	offers    overlay[market.OfferID, market.Offer]
	purchases overlay[market.PurchaseID, market.Purchase]
	nonces    overlay[market.Principal, uint64]
	balances  overlay[market.Principal, uint64]

	busOffers        index[market.BusID, market.OfferID]
	ownerBuses       index[market.Principal, market.BusID]
	sellerOffers     index[market.Principal, market.OfferID]
	userBusOffers    index[holderBus, market.OfferID]
	userBusPurchases index[holderBus, market.PurchaseID]
	buyerPurchases   index[market.Principal, market.PurchaseID]
	sellerPurchases  index[market.Principal, market.PurchaseID]

	transfers []market.Transfer
	events    []market.Event
}

func newTxn(base *state, now time.Time, op string, caller market.Principal) *txn {
	return &txn{
		base:             base,
		now:              now,
		op:               op,
		caller:           caller,
		lastBus:          base.lastBus,
		lastOffer:        base.lastOffer,
		lastPurchase:     base.lastPurchase,
		buses:            newOverlay(base.buses),
		offers:           newOverlay(base.offers),
		purchases:        newOverlay(base.purchases),
		nonces:           newOverlay(base.nonces),
		balances:         newOverlay(base.balances),
		busOffers:        newIndex(base.busOffers),
		ownerBuses:       newIndex(base.ownerBuses),
		sellerOffers:     newIndex(base.sellerOffers),
		userBusOffers:    newIndex(base.userBusOffers),
		userBusPurchases: newIndex(base.userBusPurchases),
		buyerPurchases:   newIndex(base.buyerPurchases),
		sellerPurchases:  newIndex(base.sellerPurchases),
	}
}

func (tx *txn) emit(evt market.Event) {
	evt.At = tx.now
	tx.events = append(tx.events, evt)
}

func (tx *txn) dirty() bool {
	return tx.buses.dirty() || tx.offers.dirty() || tx.purchases.dirty() || tx.nonces.dirty() || tx.balances.dirty()
}

// apply writes the staged records into the live state as commit seq. The
// cost is proportional to the records the command touched.
func (tx *txn) apply(seq uint64) {
	st := tx.base
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq = seq
	st.lastBus = tx.lastBus
	st.lastOffer = tx.lastOffer
	st.lastPurchase = tx.lastPurchase
	tx.buses.flush()
	tx.offers.flush()
	for id, offer := range tx.offers.staged {
		st.trackLock(id, offer)
	}
	tx.purchases.flush()
	tx.nonces.flush()
	tx.balances.flush()
	tx.busOffers.flush()
	tx.ownerBuses.flush()
	tx.sellerOffers.flush()
	tx.userBusOffers.flush()
	tx.userBusPurchases.flush()
	tx.buyerPurchases.flush()
	tx.sellerPurchases.flush()
}

func (st *state) trackLock(id market.OfferID, offer market.Offer) {
	if offer.LockHolder != "" {
		st.locked[id] = struct{}{}
		return
	}
	delete(st.locked, id)
}
