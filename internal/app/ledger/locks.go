package ledger

import (
	"time"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
)

// tryAcquire reserves the offer for holder until now+ttl. An expired lock is
// treated as absent. A live lock held by holder keeps its original expiry, so
// one acquisition never lasts longer than ttl; acquired is false in that case.
func (tx *txn) tryAcquire(offer *market.Offer, holder market.Principal, ttl time.Duration) (acquired bool, err error) {
	if offer.Locked(tx.now) {
		if offer.LockHolder != holder {
			return false, errs.New(tx.op, errs.CodeLock,
				errs.WithMessage("offer is reserved by another buyer"),
				offerField(offer.ID),
				errs.WithField("until", offer.LockExpiry.UTC().Format(time.RFC3339Nano)))
		}
		return false, nil
	}
	offer.LockHolder = holder
	offer.LockExpiry = tx.now.Add(ttl)
	return true, nil
}

func release(offer *market.Offer) {
	offer.ClearLock()
}

// reserveOffer exposes lock acquisition so a buyer can signal an in-flight
// purchase. Reserving an offer the caller already holds changes nothing.
func (tx *txn) reserveOffer(id market.OfferID, ttl time.Duration) (time.Time, error) {
	offer, err := tx.offer(id)
	if err != nil {
		return time.Time{}, err
	}
	if !offer.Active {
		return time.Time{}, errs.New(tx.op, errs.CodeCapacity, errs.WithMessage("offer already sold"), offerField(id))
	}
	if offer.Seller == tx.caller {
		return time.Time{}, errs.New(tx.op, errs.CodeAuthorization, errs.WithMessage("cannot reserve your own offer"), offerField(id))
	}
	acquired, err := tx.tryAcquire(&offer, tx.caller, ttl)
	if err != nil {
		return time.Time{}, err
	}
	if !acquired {
		return offer.LockExpiry, nil
	}
	tx.offers.put(id, offer)
	tx.emit(market.Event{Type: market.EventTypeOfferReserved, BusID: offer.BusID, OfferID: id, Principal: tx.caller})
	return offer.LockExpiry, nil
}

// sweepLocks clears every expired lock. Returns the number cleared.
func (tx *txn) sweepLocks() int {
	var cleared int
	for id := range tx.base.locked {
		offer := tx.base.offers[id]
		if offer.LockHolder == "" || offer.Locked(tx.now) {
			continue
		}
		release(&offer)
		tx.offers.put(id, offer)
		cleared++
	}
	return cleared
}
