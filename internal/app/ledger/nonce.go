package ledger

import (
	"strconv"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
)

func (tx *txn) nonce(p market.Principal) uint64 {
	n, _ := tx.nonces.get(p)
	return n
}

// checkNonce rejects any supplied nonce other than the principal's next expected one.
func (tx *txn) checkNonce(p market.Principal, supplied uint64) error {
	expected := tx.nonce(p)
	if supplied != expected {
		return errs.New(tx.op, errs.CodeReplay,
			errs.WithMessage("nonce mismatch"),
			errs.WithField("expected", strconv.FormatUint(expected, 10)),
			errs.WithField("supplied", strconv.FormatUint(supplied, 10)))
	}
	return nil
}

func (tx *txn) advanceNonce(p market.Principal) {
	tx.nonces.put(p, tx.nonce(p)+1)
}
