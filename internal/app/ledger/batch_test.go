package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
)

func seedBatchOffers(t *testing.T, e *Engine) (market.BusID, []market.OfferID) {
	t.Helper()
	ctx := context.Background()
	busID, first := seedOffer(t, e, 1000, 100, "0.5")
	second, err := e.CreateOffer(ctx, other, busID, 50, dec(t, "2"))
	require.NoError(t, err)
	return busID, []market.OfferID{first, second}
}

func TestBatchPurchase(t *testing.T) {
	settler := &recordingSettler{}
	e, _ := newTestEngine(t, WithSettler(settler))
	ctx := context.Background()
	busID, ids := seedBatchOffers(t, e)

	// 10*0.5 + 5*2
	purchaseIDs, err := e.BatchPurchaseEnergy(ctx, buyer, ids, []uint64{10, 5}, 0, dec(t, "15"))
	require.NoError(t, err)
	require.Equal(t, []market.PurchaseID{1, 2}, purchaseIDs)
	require.Equal(t, uint64(1), e.UserNonce(buyer), "one nonce per batch")
	require.Equal(t, uint64(15), e.UserEnergyBalance(buyer))
	require.Equal(t, []market.PurchaseID{1, 2}, e.UserBusPurchases(buyer, busID))

	calls := settler.calls()
	require.Len(t, calls, 1, "all legs settle together")
	require.Len(t, calls[0], 2)
	require.Equal(t, seller, calls[0][0].To)
	require.Equal(t, other, calls[0][1].To)
	require.True(t, calls[0][1].Amount.Equal(dec(t, "10")))
}

func TestBatchValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, ids := seedBatchOffers(t, e)

	_, err := e.BatchPurchaseEnergy(ctx, buyer, nil, nil, 0, decimal.Zero)
	requireCode(t, err, errs.CodeValidation)
	_, err = e.BatchPurchaseEnergy(ctx, buyer, ids, []uint64{1}, 0, dec(t, "0.5"))
	requireCode(t, err, errs.CodeValidation)
	_, err = e.BatchPurchaseEnergy(ctx, buyer, ids, []uint64{1, 0}, 0, dec(t, "0.5"))
	requireCode(t, err, errs.CodeValidation)
	_, err = e.BatchPurchaseEnergy(ctx, buyer, []market.OfferID{ids[0], 99}, []uint64{1, 1}, 0, dec(t, "1"))
	requireCode(t, err, errs.CodeNotFound)
	_, err = e.BatchPurchaseEnergy(ctx, buyer, ids, []uint64{1, 1}, 0, dec(t, "2.4"))
	requireCode(t, err, errs.CodePayment)
}

func TestBatchAtomicity(t *testing.T) {
	settler := &recordingSettler{}
	e, _ := newTestEngine(t, WithSettler(settler))
	ctx := context.Background()
	busID, ids := seedBatchOffers(t, e)
	seq := e.Sequence()

	cases := map[string]struct {
		buyer   market.Principal
		amounts []uint64
		payment string
		code    errs.Code
	}{
		"capacity on second leg": {buyer: buyer, amounts: []uint64{10, 51}, payment: "107", code: errs.CodeCapacity},
		"self purchase leg":      {buyer: other, amounts: []uint64{10, 5}, payment: "15", code: errs.CodeAuthorization},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.BatchPurchaseEnergy(ctx, tc.buyer, ids, tc.amounts, 0, dec(t, tc.payment))
			requireCode(t, err, tc.code)
		})
	}

	_, err := e.BatchPurchaseEnergy(ctx, buyer, ids, []uint64{1, 1}, 3, dec(t, "2.5"))
	requireCode(t, err, errs.CodeReplay)
	require.Equal(t, uint64(0), e.UserNonce(buyer))
	require.Equal(t, seq, e.Sequence())

	_, err = e.ReserveOffer(ctx, "holder", ids[1])
	require.NoError(t, err)
	seq++
	_, err = e.BatchPurchaseEnergy(ctx, buyer, ids, []uint64{10, 5}, 0, dec(t, "15"))
	requireCode(t, err, errs.CodeLock)
	_, err = e.BatchPurchaseEnergy(ctx, buyer, ids, []uint64{1, 1}, 3, dec(t, "2.5"))
	requireCode(t, err, errs.CodeLock)

	require.Equal(t, seq, e.Sequence())
	require.Empty(t, settler.calls())
	require.Equal(t, uint64(0), e.UserNonce(buyer))
	require.Empty(t, e.UserBusPurchases(buyer, busID))
	first, _ := e.OfferDetails(ids[0])
	require.Equal(t, uint64(100), first.EnergyAmount)
	require.Empty(t, first.LockHolder, "locks taken by a failed batch are discarded")
}

func TestBatchRepeatedOfferSeesStagedState(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, offerID := seedOffer(t, e, 1000, 100, "1")

	_, err := e.BatchPurchaseEnergy(ctx, buyer, []market.OfferID{offerID, offerID}, []uint64{60, 50}, 0, dec(t, "110"))
	requireCode(t, err, errs.CodeCapacity)

	purchaseIDs, err := e.BatchPurchaseEnergy(ctx, buyer, []market.OfferID{offerID, offerID}, []uint64{60, 40}, 0, dec(t, "100"))
	require.NoError(t, err)
	require.Len(t, purchaseIDs, 2)

	offer, _ := e.OfferDetails(offerID)
	require.False(t, offer.Active)
	require.Equal(t, uint64(0), offer.EnergyAmount)
}
