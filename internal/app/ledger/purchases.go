package ledger

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
)

func purchaseField(id market.PurchaseID) errs.Option {
	return errs.WithField("purchase", strconv.FormatUint(uint64(id), 10))
}

// acquireLeg runs every per-offer check up to and including the lock and
// returns the staged offer holding the buyer's lock.
func (tx *txn) acquireLeg(id market.OfferID, amount uint64, ttl time.Duration) (market.Offer, error) {
	if amount == 0 {
		return market.Offer{}, errs.New(tx.op, errs.CodeValidation, errs.WithMessage("energy amount must be greater than 0"), offerField(id))
	}
	offer, err := tx.offer(id)
	if err != nil {
		return market.Offer{}, err
	}
	if !offer.Active {
		return market.Offer{}, errs.New(tx.op, errs.CodeCapacity, errs.WithMessage("offer already sold"), offerField(id))
	}
	if amount > offer.EnergyAmount {
		return market.Offer{}, errs.New(tx.op, errs.CodeCapacity,
			errs.WithMessage("insufficient energy available"),
			offerField(id),
			amountField("available", offer.EnergyAmount),
			amountField("requested", amount))
	}
	if offer.Seller == tx.caller {
		return market.Offer{}, errs.New(tx.op, errs.CodeAuthorization, errs.WithMessage("cannot buy your own energy"), offerField(id))
	}
	if _, err := tx.tryAcquire(&offer, tx.caller, ttl); err != nil {
		return market.Offer{}, err
	}
	tx.offers.put(id, offer)
	return offer, nil
}

// fillLeg applies a checked leg: depletes the offer, records the purchase,
// stages the transfer and releases the lock.
func (tx *txn) fillLeg(offer market.Offer, amount uint64) market.PurchaseID {
	total := market.Units(amount).Mul(offer.PricePerUnit)

	offer.EnergyAmount -= amount
	if offer.EnergyAmount == 0 {
		offer.Active = false
	}
	release(&offer)
	tx.offers.put(offer.ID, offer)

	tx.lastPurchase++
	purchase := market.Purchase{
		ID:           tx.lastPurchase,
		BusID:        offer.BusID,
		OfferID:      offer.ID,
		Buyer:        tx.caller,
		Seller:       offer.Seller,
		EnergyAmount: amount,
		TotalPrice:   total,
		Timestamp:    tx.now,
	}
	tx.purchases.put(purchase.ID, purchase)
	tx.userBusPurchases.add(holderBus{principal: tx.caller, bus: offer.BusID}, purchase.ID)
	tx.buyerPurchases.add(tx.caller, purchase.ID)
	tx.sellerPurchases.add(offer.Seller, purchase.ID)

	balance, _ := tx.balances.get(tx.caller)
	tx.balances.put(tx.caller, balance+amount)

	tx.transfers = append(tx.transfers, market.Transfer{
		PurchaseID: purchase.ID,
		From:       tx.caller,
		To:         offer.Seller,
		Amount:     total,
	})
	tx.emit(market.Event{
		Type:       market.EventTypeEnergyPurchased,
		BusID:      offer.BusID,
		OfferID:    offer.ID,
		PurchaseID: purchase.ID,
		Principal:  tx.caller,
		Amount:     amount,
		Value:      total,
	})
	return purchase.ID
}

func paymentMismatch(op string, required, supplied decimal.Decimal) error {
	return errs.New(op, errs.CodePayment,
		errs.WithMessage("payment must equal the total price"),
		errs.WithField("required", required.String()),
		errs.WithField("supplied", supplied.String()))
}

func (tx *txn) purchase(id market.OfferID, amount, nonce uint64, payment decimal.Decimal, ttl time.Duration) (market.PurchaseID, error) {
	offer, err := tx.acquireLeg(id, amount, ttl)
	if err != nil {
		return 0, err
	}
	required := market.Units(amount).Mul(offer.PricePerUnit)
	if !payment.Equal(required) {
		return 0, paymentMismatch(tx.op, required, payment)
	}
	if err := tx.checkNonce(tx.caller, nonce); err != nil {
		return 0, err
	}
	purchaseID := tx.fillLeg(offer, amount)
	tx.advanceNonce(tx.caller)
	return purchaseID, nil
}

// confirm moves a purchase from pending to completed. Only the seller may confirm.
func (tx *txn) confirm(id market.PurchaseID) error {
	purchase, ok := tx.purchases.get(id)
	if !ok {
		return errs.New(tx.op, errs.CodeNotFound, errs.WithMessage("purchase not found"), purchaseField(id))
	}
	if purchase.Seller != tx.caller {
		return errs.New(tx.op, errs.CodeAuthorization, errs.WithMessage("not the purchase seller"), purchaseField(id))
	}
	if purchase.Completed {
		return errs.New(tx.op, errs.CodeNotFound, errs.WithMessage("purchase already completed"), purchaseField(id))
	}
	completedAt := tx.now
	purchase.Completed = true
	purchase.CompletedAt = &completedAt
	tx.purchases.put(id, purchase)
	tx.emit(market.Event{
		Type:       market.EventTypeTransferConfirmed,
		BusID:      purchase.BusID,
		OfferID:    purchase.OfferID,
		PurchaseID: id,
		Principal:  tx.caller,
		Amount:     purchase.EnergyAmount,
		Value:      purchase.TotalPrice,
	})
	return nil
}
