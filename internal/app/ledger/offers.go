package ledger

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
)

func offerField(id market.OfferID) errs.Option {
	return errs.WithField("offer", strconv.FormatUint(uint64(id), 10))
}

func amountField(key string, v uint64) errs.Option {
	return errs.WithField(key, strconv.FormatUint(v, 10))
}

func (tx *txn) offer(id market.OfferID) (market.Offer, error) {
	o, ok := tx.offers.get(id)
	if !ok {
		return market.Offer{}, errs.New(tx.op, errs.CodeNotFound, errs.WithMessage("offer not found"), offerField(id))
	}
	return o, nil
}

// createOffer moves amount from the bus's available capacity into a new active offer.
func (tx *txn) createOffer(busID market.BusID, amount uint64, price decimal.Decimal) (market.OfferID, error) {
	if amount == 0 {
		return 0, errs.New(tx.op, errs.CodeValidation, errs.WithMessage("energy amount must be greater than 0"))
	}
	if !price.IsPositive() {
		return 0, errs.New(tx.op, errs.CodeValidation, errs.WithMessage("price must be greater than 0"))
	}
	bus, ok := tx.buses.get(busID)
	if !ok {
		return 0, errs.New(tx.op, errs.CodeNotFound, errs.WithMessage("bus not found"), busField(busID))
	}
	if !bus.Active {
		return 0, errs.New(tx.op, errs.CodeCapacity, errs.WithMessage("bus is not active"), busField(busID))
	}
	if bus.AvailableCapacity < amount {
		return 0, errs.New(tx.op, errs.CodeCapacity,
			errs.WithMessage("insufficient bus capacity"),
			busField(busID),
			amountField("available", bus.AvailableCapacity),
			amountField("requested", amount))
	}

	bus.AvailableCapacity -= amount
	tx.buses.put(busID, bus)

	tx.lastOffer++
	offer := market.Offer{
		ID:             tx.lastOffer,
		BusID:          busID,
		Seller:         tx.caller,
		EnergyAmount:   amount,
		ReservedAmount: amount,
		PricePerUnit:   price,
		Active:         true,
		CreatedAt:      tx.now,
	}
	tx.offers.put(offer.ID, offer)
	tx.busOffers.add(busID, offer.ID)
	tx.sellerOffers.add(tx.caller, offer.ID)
	tx.userBusOffers.add(holderBus{principal: tx.caller, bus: busID}, offer.ID)
	tx.emit(market.Event{
		Type:      market.EventTypeOfferCreated,
		BusID:     busID,
		OfferID:   offer.ID,
		Principal: tx.caller,
		Amount:    amount,
		Value:     price,
	})
	return offer.ID, nil
}

// cancelOffer retires an active offer and returns its remaining energy to the bus.
func (tx *txn) cancelOffer(id market.OfferID) error {
	offer, err := tx.offer(id)
	if err != nil {
		return err
	}
	if offer.Seller != tx.caller {
		return errs.New(tx.op, errs.CodeAuthorization, errs.WithMessage("not the offer seller"), offerField(id))
	}
	if !offer.Active {
		return errs.New(tx.op, errs.CodeNotFound, errs.WithMessage("offer is not active"), offerField(id))
	}
	if offer.Locked(tx.now) && offer.LockHolder != tx.caller {
		return errs.New(tx.op, errs.CodeLock, errs.WithMessage("offer is reserved"), offerField(id))
	}

	bus, ok := tx.buses.get(offer.BusID)
	if !ok {
		return errs.New(tx.op, errs.CodeNotFound, errs.WithMessage("bus not found"), busField(offer.BusID))
	}
	returned := offer.EnergyAmount
	bus.AvailableCapacity = min(bus.AvailableCapacity+returned, bus.TotalCapacity)
	tx.buses.put(bus.ID, bus)

	offer.EnergyAmount = 0
	offer.Active = false
	offer.ClearLock()
	tx.offers.put(id, offer)
	tx.emit(market.Event{
		Type:      market.EventTypeOfferCancelled,
		BusID:     offer.BusID,
		OfferID:   id,
		Principal: tx.caller,
		Amount:    returned,
	})
	return nil
}
