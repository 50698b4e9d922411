package ledger

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
)

// batchPurchase runs every leg against the batch's staged state. The caller
// discards the whole txn on any error, so no leg, lock or nonce survives.
func (tx *txn) batchPurchase(ids []market.OfferID, amounts []uint64, nonce uint64, payment decimal.Decimal, ttl time.Duration) ([]market.PurchaseID, error) {
	if len(ids) == 0 {
		return nil, errs.New(tx.op, errs.CodeValidation, errs.WithMessage("batch is empty"))
	}
	if len(ids) != len(amounts) {
		return nil, errs.New(tx.op, errs.CodeValidation,
			errs.WithMessage("offer and amount counts differ"),
			errs.WithField("offers", strconv.Itoa(len(ids))),
			errs.WithField("amounts", strconv.Itoa(len(amounts))))
	}

	required := decimal.Zero
	for i, id := range ids {
		if amounts[i] == 0 {
			return nil, errs.New(tx.op, errs.CodeValidation,
				errs.WithMessage("energy amount must be greater than 0"),
				offerField(id),
				errs.WithField("leg", strconv.Itoa(i)))
		}
		offer, err := tx.offer(id)
		if err != nil {
			return nil, err
		}
		required = required.Add(market.Units(amounts[i]).Mul(offer.PricePerUnit))
	}
	if !payment.Equal(required) {
		return nil, paymentMismatch(tx.op, required, payment)
	}

	purchaseIDs := make([]market.PurchaseID, 0, len(ids))
	for i, id := range ids {
		offer, err := tx.acquireLeg(id, amounts[i], ttl)
		if err != nil {
			return nil, err
		}
		purchaseIDs = append(purchaseIDs, tx.fillLeg(offer, amounts[i]))
	}
	if err := tx.checkNonce(tx.caller, nonce); err != nil {
		return nil, err
	}
	tx.advanceNonce(tx.caller)
	return purchaseIDs, nil
}
