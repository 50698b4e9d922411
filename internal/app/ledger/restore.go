package ledger

import (
	"cmp"
	"slices"

	"github.com/coachpo/gridmarket/internal/domain/market"
	"github.com/coachpo/gridmarket/internal/domain/marketstore"
)

// load rebuilds the maps and indexes from a recorded state. It runs before
// the engine goroutine starts.
func (st *state) load(rec marketstore.State) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.seq = rec.Sequence

	buses := slices.SortedFunc(slices.Values(rec.Buses), func(a, b market.Bus) int { return cmp.Compare(a.ID, b.ID) })
	for _, bus := range buses {
		bus = bus.Clone()
		st.buses[bus.ID] = bus
		st.lastBus = max(st.lastBus, bus.ID)
		for _, owner := range bus.Owners {
			st.ownerBuses[owner] = append(st.ownerBuses[owner], bus.ID)
		}
	}

	offers := slices.SortedFunc(slices.Values(rec.Offers), func(a, b market.Offer) int { return cmp.Compare(a.ID, b.ID) })
	for _, offer := range offers {
		st.offers[offer.ID] = offer
		st.trackLock(offer.ID, offer)
		st.lastOffer = max(st.lastOffer, offer.ID)
		st.busOffers[offer.BusID] = append(st.busOffers[offer.BusID], offer.ID)
		st.sellerOffers[offer.Seller] = append(st.sellerOffers[offer.Seller], offer.ID)
		key := holderBus{principal: offer.Seller, bus: offer.BusID}
		st.userBusOffers[key] = append(st.userBusOffers[key], offer.ID)
	}

	purchases := slices.SortedFunc(slices.Values(rec.Purchases), func(a, b market.Purchase) int { return cmp.Compare(a.ID, b.ID) })
	for _, purchase := range purchases {
		if purchase.CompletedAt != nil {
			at := *purchase.CompletedAt
			purchase.CompletedAt = &at
		}
		st.purchases[purchase.ID] = purchase
		st.lastPurchase = max(st.lastPurchase, purchase.ID)
		key := holderBus{principal: purchase.Buyer, bus: purchase.BusID}
		st.userBusPurchases[key] = append(st.userBusPurchases[key], purchase.ID)
		st.buyerPurchases[purchase.Buyer] = append(st.buyerPurchases[purchase.Buyer], purchase.ID)
		st.sellerPurchases[purchase.Seller] = append(st.sellerPurchases[purchase.Seller], purchase.ID)
		st.balances[purchase.Buyer] += purchase.EnergyAmount
	}

	for _, n := range rec.Nonces {
		st.nonces[n.Principal] = n.Next
	}
}
