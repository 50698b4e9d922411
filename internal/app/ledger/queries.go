package ledger

import (
	"maps"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
)

// read runs fn with the live state held under the read lock.
func (e *Engine) read(fn func(st *state)) {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	fn(e.state)
}

// Sequence returns the number of commits applied so far.
func (e *Engine) Sequence() uint64 {
	var seq uint64
	e.read(func(st *state) { seq = st.seq })
	return seq
}

// BusCount returns the number of buses ever created.
func (e *Engine) BusCount() uint64 {
	var n market.BusID
	e.read(func(st *state) { n = st.lastBus })
	return uint64(n)
}

// BusDetails returns a copy of the bus.
func (e *Engine) BusDetails(id market.BusID) (market.Bus, error) {
	var (
		bus market.Bus
		ok  bool
	)
	e.read(func(st *state) {
		bus, ok = st.buses[id]
		bus = bus.Clone()
	})
	if !ok {
		return market.Bus{}, errs.New("ledger/bus_details", errs.CodeNotFound, errs.WithMessage("bus not found"), busField(id))
	}
	return bus, nil
}

// Buses returns every bus ordered by id.
func (e *Engine) Buses() []market.Bus {
	var out []market.Bus
	e.read(func(st *state) {
		out = make([]market.Bus, 0, len(st.buses))
		for _, id := range slices.Sorted(maps.Keys(st.buses)) {
			out = append(out, st.buses[id].Clone())
		}
	})
	return out
}

// OfferDetails returns the offer with expired locks rendered absent.
func (e *Engine) OfferDetails(id market.OfferID) (market.Offer, error) {
	var (
		offer market.Offer
		ok    bool
	)
	e.read(func(st *state) { offer, ok = st.offers[id] })
	if !ok {
		return market.Offer{}, errs.New("ledger/offer_details", errs.CodeNotFound, errs.WithMessage("offer not found"), offerField(id))
	}
	return offer.View(e.clock.Now()), nil
}

// PurchaseDetails returns a copy of the purchase.
func (e *Engine) PurchaseDetails(id market.PurchaseID) (market.Purchase, error) {
	var (
		purchase market.Purchase
		ok       bool
	)
	e.read(func(st *state) { purchase, ok = st.purchases[id] })
	if !ok {
		return market.Purchase{}, errs.New("ledger/purchase_details", errs.CodeNotFound, errs.WithMessage("purchase not found"), purchaseField(id))
	}
	if purchase.CompletedAt != nil {
		at := *purchase.CompletedAt
		purchase.CompletedAt = &at
	}
	return purchase, nil
}

// BusActiveOffers returns the ids of the bus's active offers in ascending order.
func (e *Engine) BusActiveOffers(busID market.BusID) []market.OfferID {
	out := make([]market.OfferID, 0)
	e.read(func(st *state) {
		for _, id := range st.busOffers[busID] {
			if st.offers[id].Active {
				out = append(out, id)
			}
		}
	})
	return out
}

// ActiveOffers returns every active offer ordered by id.
func (e *Engine) ActiveOffers() []market.Offer {
	now := e.clock.Now()
	out := make([]market.Offer, 0)
	e.read(func(st *state) {
		for _, id := range slices.Sorted(maps.Keys(st.offers)) {
			if offer := st.offers[id]; offer.Active {
				out = append(out, offer.View(now))
			}
		}
	})
	return out
}

// UserBuses returns the buses the principal owns.
func (e *Engine) UserBuses(p market.Principal) []market.BusID {
	var out []market.BusID
	e.read(func(st *state) { out = sortedCopy(st.ownerBuses[p.Normalize()]) })
	return out
}

// UserBusOffers returns every offer the principal listed on the bus.
func (e *Engine) UserBusOffers(p market.Principal, busID market.BusID) []market.OfferID {
	var out []market.OfferID
	e.read(func(st *state) {
		out = sortedCopy(st.userBusOffers[holderBus{principal: p.Normalize(), bus: busID}])
	})
	return out
}

// UserBusPurchases returns every purchase the principal made on the bus.
func (e *Engine) UserBusPurchases(p market.Principal, busID market.BusID) []market.PurchaseID {
	var out []market.PurchaseID
	e.read(func(st *state) {
		out = sortedCopy(st.userBusPurchases[holderBus{principal: p.Normalize(), bus: busID}])
	})
	return out
}

// UserNonce returns the next nonce the principal must supply.
func (e *Engine) UserNonce(p market.Principal) uint64 {
	var n uint64
	e.read(func(st *state) { n = st.nonces[p.Normalize()] })
	return n
}

// UserEnergyBalance returns the total energy units the principal has bought.
func (e *Engine) UserEnergyBalance(p market.Principal) uint64 {
	var n uint64
	e.read(func(st *state) { n = st.balances[p.Normalize()] })
	return n
}

// Portfolio summarises the principal's listings, purchases and sales.
func (e *Engine) Portfolio(p market.Principal) market.Portfolio {
	p = p.Normalize()
	pf := market.Portfolio{
		Principal:    p,
		ListingValue: decimal.Zero,
		Spent:        decimal.Zero,
		Earned:       decimal.Zero,
	}
	e.read(func(st *state) {
		for _, id := range st.sellerOffers[p] {
			offer := st.offers[id]
			if !offer.Active {
				continue
			}
			pf.ActiveListings++
			pf.ListingValue = pf.ListingValue.Add(offer.Value())
		}
		for _, id := range st.buyerPurchases[p] {
			purchase := st.purchases[id]
			pf.EnergyBought += purchase.EnergyAmount
			pf.Spent = pf.Spent.Add(purchase.TotalPrice)
		}
		for _, id := range st.sellerPurchases[p] {
			purchase := st.purchases[id]
			pf.EnergySold += purchase.EnergyAmount
			pf.Earned = pf.Earned.Add(purchase.TotalPrice)
			if !purchase.Completed {
				pf.PendingSales++
			}
		}
	})
	pf.Net = pf.Earned.Sub(pf.Spent)
	return pf
}

func sortedCopy[T ~uint64](ids []T) []T {
	out := slices.Clone(ids)
	if out == nil {
		out = make([]T, 0)
	}
	slices.Sort(out)
	return out
}
