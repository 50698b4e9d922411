package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
	"github.com/coachpo/gridmarket/internal/domain/marketstore"
	"github.com/coachpo/gridmarket/internal/infra/clock"
)

const (
	operator market.Principal = "operator"
	seller   market.Principal = "seller"
	buyer    market.Principal = "buyer"
	other    market.Principal = "other"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	opts = append([]Option{WithClock(clk)}, opts...)
	e := New(Config{LockTTL: time.Minute}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Close(ctx))
	})
	return e, clk
}

// seedOffer creates a bus of the given capacity and one offer from seller.
func seedOffer(t *testing.T, e *Engine, capacity, amount uint64, price string) (market.BusID, market.OfferID) {
	t.Helper()
	ctx := context.Background()
	busID, err := e.CreateEnergyBus(ctx, operator, "North Feeder", []market.Principal{operator}, capacity, dec(t, "0.001"))
	require.NoError(t, err)
	offerID, err := e.CreateOffer(ctx, seller, busID, amount, dec(t, price))
	require.NoError(t, err)
	return busID, offerID
}

func requireCode(t *testing.T, err error, code errs.Code) {
	t.Helper()
	require.Error(t, err)
	got, ok := errs.CodeOf(err)
	require.True(t, ok, "expected coded error, got %v", err)
	require.Equal(t, code, got, "error: %v", err)
}

type recordingSettler struct {
	mu        sync.Mutex
	fail      error
	transfers [][]market.Transfer
}

func (s *recordingSettler) Settle(_ context.Context, transfers []market.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.transfers = append(s.transfers, append([]market.Transfer(nil), transfers...))
	return nil
}

func (s *recordingSettler) calls() [][]market.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]market.Transfer(nil), s.transfers...)
}

type recordingJournal struct {
	mu      sync.Mutex
	commits []marketstore.Commit
}

func (j *recordingJournal) Record(_ context.Context, c marketstore.Commit) error {
	j.mu.Lock()
	j.commits = append(j.commits, c)
	j.mu.Unlock()
	return nil
}

func (j *recordingJournal) LastSequence(context.Context) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.commits) == 0 {
		return 0, nil
	}
	return j.commits[len(j.commits)-1].Sequence, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []market.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt market.Event) error {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

func TestCreateEnergyBus(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateEnergyBus(ctx, operator, "  Harbor  ", []market.Principal{" alice ", "bob", "alice", ""}, 1000, dec(t, "0.002"))
	require.NoError(t, err)
	require.Equal(t, market.BusID(1), id)

	bus, err := e.BusDetails(id)
	require.NoError(t, err)
	require.Equal(t, "Harbor", bus.Name)
	require.Equal(t, []market.Principal{"alice", "bob"}, bus.Owners)
	require.Equal(t, uint64(1000), bus.TotalCapacity)
	require.Equal(t, uint64(1000), bus.AvailableCapacity)
	require.True(t, bus.Active)
	require.Equal(t, uint64(1), e.BusCount())
	require.Equal(t, []market.BusID{1}, e.UserBuses("alice"))
	require.Empty(t, e.UserBuses(operator))

	second, err := e.CreateEnergyBus(ctx, operator, "Second", []market.Principal{operator}, 10, dec(t, "1"))
	require.NoError(t, err)
	require.Equal(t, market.BusID(2), second)
}

func TestCreateEnergyBusValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	owners := []market.Principal{operator}

	cases := map[string]func() error{
		"blank name": func() error {
			_, err := e.CreateEnergyBus(ctx, operator, "  ", owners, 10, dec(t, "1"))
			return err
		},
		"no owners": func() error {
			_, err := e.CreateEnergyBus(ctx, operator, "bus", []market.Principal{" "}, 10, dec(t, "1"))
			return err
		},
		"zero capacity": func() error {
			_, err := e.CreateEnergyBus(ctx, operator, "bus", owners, 0, dec(t, "1"))
			return err
		},
		"zero price": func() error {
			_, err := e.CreateEnergyBus(ctx, operator, "bus", owners, 10, decimal.Zero)
			return err
		},
		"negative price": func() error {
			_, err := e.CreateEnergyBus(ctx, operator, "bus", owners, 10, dec(t, "-1"))
			return err
		},
	}
	for name, call := range cases {
		t.Run(name, func(t *testing.T) {
			requireCode(t, call(), errs.CodeValidation)
		})
	}
	require.Equal(t, uint64(0), e.BusCount())
}

func TestBlankCallerRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateEnergyBus(context.Background(), "  ", "bus", []market.Principal{operator}, 10, dec(t, "1"))
	requireCode(t, err, errs.CodeAuthorization)
}

func TestAddBusOwner(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	busID, err := e.CreateEnergyBus(ctx, operator, "bus", []market.Principal{operator}, 10, dec(t, "1"))
	require.NoError(t, err)

	requireCode(t, e.AddBusOwner(ctx, operator, 99, "alice"), errs.CodeNotFound)
	requireCode(t, e.AddBusOwner(ctx, other, busID, "alice"), errs.CodeAuthorization)
	requireCode(t, e.AddBusOwner(ctx, operator, busID, " "), errs.CodeValidation)

	require.NoError(t, e.AddBusOwner(ctx, operator, busID, "alice"))
	seq := e.Sequence()
	require.NoError(t, e.AddBusOwner(ctx, operator, busID, "alice"))
	require.Equal(t, seq, e.Sequence(), "idempotent add commits nothing")

	bus, err := e.BusDetails(busID)
	require.NoError(t, err)
	require.Equal(t, []market.Principal{operator, "alice"}, bus.Owners)
	require.Equal(t, []market.BusID{busID}, e.UserBuses("alice"))

	require.NoError(t, e.AddBusOwner(ctx, "alice", busID, "carol"), "new owner may add owners")
}

func TestDeactivateBusBlocksNewOffersOnly(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	busID, offerID := seedOffer(t, e, 1000, 100, "0.5")

	requireCode(t, e.DeactivateBus(ctx, seller, busID), errs.CodeAuthorization)
	requireCode(t, e.DeactivateBus(ctx, operator, 42), errs.CodeNotFound)
	require.NoError(t, e.DeactivateBus(ctx, operator, busID))
	require.NoError(t, e.DeactivateBus(ctx, operator, busID))

	_, err := e.CreateOffer(ctx, seller, busID, 10, dec(t, "0.5"))
	requireCode(t, err, errs.CodeCapacity)

	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 10, 0, dec(t, "5"))
	require.NoError(t, err)
}

func TestCreateOffer(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	busID, offerID := seedOffer(t, e, 1000, 100, "0.002")

	bus, err := e.BusDetails(busID)
	require.NoError(t, err)
	require.Equal(t, uint64(900), bus.AvailableCapacity)

	offer, err := e.OfferDetails(offerID)
	require.NoError(t, err)
	require.Equal(t, seller, offer.Seller)
	require.Equal(t, uint64(100), offer.EnergyAmount)
	require.Equal(t, uint64(100), offer.ReservedAmount)
	require.True(t, offer.Active)
	require.True(t, offer.LockExpiry.IsZero())

	require.Equal(t, []market.OfferID{offerID}, e.BusActiveOffers(busID))
	require.Equal(t, []market.OfferID{offerID}, e.UserBusOffers(seller, busID))

	_, err = e.CreateOffer(ctx, seller, busID, 0, dec(t, "1"))
	requireCode(t, err, errs.CodeValidation)
	_, err = e.CreateOffer(ctx, seller, busID, 10, decimal.Zero)
	requireCode(t, err, errs.CodeValidation)
	_, err = e.CreateOffer(ctx, seller, 7, 10, dec(t, "1"))
	requireCode(t, err, errs.CodeNotFound)
	_, err = e.CreateOffer(ctx, seller, busID, 901, dec(t, "1"))
	requireCode(t, err, errs.CodeCapacity)

	_, err = e.CreateOffer(ctx, other, busID, 900, dec(t, "1"))
	require.NoError(t, err)
	bus, _ = e.BusDetails(busID)
	require.Equal(t, uint64(0), bus.AvailableCapacity)
}

// Bus capacity 1000, offer 100 at 0.002, buyer takes 50 for 0.1 with nonce 0.
func TestScenarioAPurchase(t *testing.T) {
	settler := &recordingSettler{}
	e, _ := newTestEngine(t, WithSettler(settler))
	ctx := context.Background()
	busID, offerID := seedOffer(t, e, 1000, 100, "0.002")

	purchaseID, err := e.PurchaseEnergy(ctx, buyer, offerID, 50, 0, dec(t, "0.1"))
	require.NoError(t, err)
	require.Equal(t, market.PurchaseID(1), purchaseID)

	offer, err := e.OfferDetails(offerID)
	require.NoError(t, err)
	require.Equal(t, uint64(50), offer.EnergyAmount)
	require.True(t, offer.Active)
	require.Empty(t, offer.LockHolder, "lock released on success")

	purchase, err := e.PurchaseDetails(purchaseID)
	require.NoError(t, err)
	require.Equal(t, buyer, purchase.Buyer)
	require.Equal(t, seller, purchase.Seller)
	require.Equal(t, busID, purchase.BusID)
	require.Equal(t, uint64(50), purchase.EnergyAmount)
	require.True(t, purchase.TotalPrice.Equal(dec(t, "0.1")))
	require.False(t, purchase.Completed)
	require.Equal(t, epoch, purchase.Timestamp)

	require.Equal(t, uint64(1), e.UserNonce(buyer))
	require.Equal(t, uint64(50), e.UserEnergyBalance(buyer))
	require.Equal(t, []market.PurchaseID{purchaseID}, e.UserBusPurchases(buyer, busID))

	calls := settler.calls()
	require.Len(t, calls, 1)
	require.Equal(t, buyer, calls[0][0].From)
	require.Equal(t, seller, calls[0][0].To)
	require.True(t, calls[0][0].Amount.Equal(dec(t, "0.1")))
}

func TestScenarioBReplay(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, offerID := seedOffer(t, e, 1000, 100, "0.002")

	_, err := e.PurchaseEnergy(ctx, buyer, offerID, 50, 0, dec(t, "0.1"))
	require.NoError(t, err)

	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 10, 0, dec(t, "0.02"))
	requireCode(t, err, errs.CodeReplay)
	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 10, 5, dec(t, "0.02"))
	requireCode(t, err, errs.CodeReplay)

	require.Equal(t, uint64(1), e.UserNonce(buyer))
	offer, _ := e.OfferDetails(offerID)
	require.Equal(t, uint64(50), offer.EnergyAmount)
}

func TestScenarioCConcurrentBuyers(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, offerID := seedOffer(t, e, 1000, 100, "1")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, req := range []struct {
		who    market.Principal
		amount uint64
	}{{"buyer-1", 30}, {"buyer-2", 40}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = e.PurchaseEnergy(ctx, req.who, offerID, req.amount, 0, market.Units(req.amount))
		}()
	}
	wg.Wait()
	require.NoError(t, results[0])
	require.NoError(t, results[1])

	offer, _ := e.OfferDetails(offerID)
	require.Equal(t, uint64(30), offer.EnergyAmount)

	_, err := e.PurchaseEnergy(ctx, "buyer-3", offerID, 50, 0, market.Units(50))
	requireCode(t, err, errs.CodeCapacity)
}

func TestScenarioDConfirm(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	_, offerID := seedOffer(t, e, 1000, 100, "0.002")
	purchaseID, err := e.PurchaseEnergy(ctx, buyer, offerID, 50, 0, dec(t, "0.1"))
	require.NoError(t, err)

	requireCode(t, e.ConfirmEnergyTransfer(ctx, buyer, purchaseID), errs.CodeAuthorization)
	requireCode(t, e.ConfirmEnergyTransfer(ctx, seller, 99), errs.CodeNotFound)

	clk.Advance(time.Hour)
	require.NoError(t, e.ConfirmEnergyTransfer(ctx, seller, purchaseID))
	purchase, err := e.PurchaseDetails(purchaseID)
	require.NoError(t, err)
	require.True(t, purchase.Completed)
	require.NotNil(t, purchase.CompletedAt)
	require.Equal(t, epoch.Add(time.Hour), *purchase.CompletedAt)

	requireCode(t, e.ConfirmEnergyTransfer(ctx, seller, purchaseID), errs.CodeNotFound)
	requireCode(t, e.ConfirmEnergyTransfer(ctx, other, purchaseID), errs.CodeAuthorization)
}

func TestPurchaseCheckOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, offerID := seedOffer(t, e, 1000, 100, "2")

	_, err := e.PurchaseEnergy(ctx, buyer, offerID, 0, 0, decimal.Zero)
	requireCode(t, err, errs.CodeValidation)
	_, err = e.PurchaseEnergy(ctx, buyer, 404, 1, 0, dec(t, "2"))
	requireCode(t, err, errs.CodeNotFound)
	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 101, 9, dec(t, "1"))
	requireCode(t, err, errs.CodeCapacity)
	_, err = e.PurchaseEnergy(ctx, seller, offerID, 10, 9, dec(t, "1"))
	requireCode(t, err, errs.CodeAuthorization)
	// payment is checked before the nonce
	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 10, 9, dec(t, "1"))
	requireCode(t, err, errs.CodePayment)
}

func TestPaymentExactness(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, offerID := seedOffer(t, e, 1000, 100, "0.002")

	_, err := e.PurchaseEnergy(ctx, buyer, offerID, 50, 0, dec(t, "0.0999"))
	requireCode(t, err, errs.CodePayment)
	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 50, 0, dec(t, "0.1001"))
	requireCode(t, err, errs.CodePayment)

	require.Equal(t, uint64(0), e.UserNonce(buyer))
	offer, _ := e.OfferDetails(offerID)
	require.Equal(t, uint64(100), offer.EnergyAmount)
	require.Empty(t, offer.LockHolder, "failed attempt leaves no lock")

	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 50, 0, dec(t, "0.100"))
	require.NoError(t, err)
}

func TestOfferDepletion(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	busID, offerID := seedOffer(t, e, 1000, 100, "1")

	_, err := e.PurchaseEnergy(ctx, buyer, offerID, 100, 0, dec(t, "100"))
	require.NoError(t, err)

	offer, _ := e.OfferDetails(offerID)
	require.Equal(t, uint64(0), offer.EnergyAmount)
	require.False(t, offer.Active)
	require.Empty(t, e.BusActiveOffers(busID))
	require.Empty(t, e.ActiveOffers())

	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 1, 1, dec(t, "1"))
	requireCode(t, err, errs.CodeCapacity)
}

func TestCapacityConservationUnderLoad(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	busID, offerID := seedOffer(t, e, 1000, 50, "1")

	const buyers = 80
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, capacity int
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			who := market.Principal(fmt.Sprintf("buyer-%d", i))
			_, err := e.PurchaseEnergy(ctx, who, offerID, 1, 0, dec(t, "1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errs.Is(err, errs.CodeCapacity):
				capacity++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 50, ok)
	require.Equal(t, buyers-50, capacity)

	bus, _ := e.BusDetails(busID)
	var active uint64
	for _, offer := range e.ActiveOffers() {
		active += offer.EnergyAmount
	}
	require.LessOrEqual(t, bus.AvailableCapacity+active, bus.TotalCapacity)
}

func TestSettlementFailureDiscardsCommit(t *testing.T) {
	settler := &recordingSettler{fail: errors.New("funds handler offline")}
	e, _ := newTestEngine(t, WithSettler(settler))
	ctx := context.Background()
	_, offerID := seedOffer(t, e, 1000, 100, "1")
	seq := e.Sequence()

	_, err := e.PurchaseEnergy(ctx, buyer, offerID, 10, 0, dec(t, "10"))
	requireCode(t, err, errs.CodeSettlement)
	require.ErrorIs(t, err, settler.fail)

	require.Equal(t, seq, e.Sequence())
	require.Equal(t, uint64(0), e.UserNonce(buyer))
	require.Equal(t, uint64(0), e.UserEnergyBalance(buyer))
	offer, _ := e.OfferDetails(offerID)
	require.Equal(t, uint64(100), offer.EnergyAmount)
	_, err = e.PurchaseDetails(1)
	requireCode(t, err, errs.CodeNotFound)
}

func TestCancelOffer(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	busID, offerID := seedOffer(t, e, 1000, 100, "1")
	_, err := e.PurchaseEnergy(ctx, buyer, offerID, 40, 0, dec(t, "40"))
	require.NoError(t, err)

	requireCode(t, e.CancelOffer(ctx, buyer, offerID), errs.CodeAuthorization)
	requireCode(t, e.CancelOffer(ctx, seller, 77), errs.CodeNotFound)

	require.NoError(t, e.CancelOffer(ctx, seller, offerID))
	offer, _ := e.OfferDetails(offerID)
	require.False(t, offer.Active)
	require.Equal(t, uint64(0), offer.EnergyAmount)
	bus, _ := e.BusDetails(busID)
	require.Equal(t, uint64(960), bus.AvailableCapacity, "remaining 60 returned to the bus")

	requireCode(t, e.CancelOffer(ctx, seller, offerID), errs.CodeNotFound)
	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 1, 1, dec(t, "1"))
	requireCode(t, err, errs.CodeCapacity)
}

func TestPortfolio(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	busID, offerID := seedOffer(t, e, 1000, 100, "0.5")
	_, err := e.CreateOffer(ctx, seller, busID, 20, dec(t, "2"))
	require.NoError(t, err)

	first, err := e.PurchaseEnergy(ctx, buyer, offerID, 10, 0, dec(t, "5"))
	require.NoError(t, err)
	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 4, 1, dec(t, "2"))
	require.NoError(t, err)
	require.NoError(t, e.ConfirmEnergyTransfer(ctx, seller, first))

	sellerView := e.Portfolio(seller)
	require.Equal(t, 2, sellerView.ActiveListings)
	require.True(t, sellerView.ListingValue.Equal(dec(t, "83")), sellerView.ListingValue.String()) // 86*0.5 + 20*2
	require.Equal(t, uint64(14), sellerView.EnergySold)
	require.True(t, sellerView.Earned.Equal(dec(t, "7")))
	require.Equal(t, 1, sellerView.PendingSales)
	require.True(t, sellerView.Net.Equal(dec(t, "7")))

	buyerView := e.Portfolio(buyer)
	require.Equal(t, uint64(14), buyerView.EnergyBought)
	require.True(t, buyerView.Spent.Equal(dec(t, "7")))
	require.True(t, buyerView.Net.Equal(dec(t, "-7")))
}

func TestJournalAndPublisherReceiveCommits(t *testing.T) {
	journal := &recordingJournal{}
	publisher := &recordingPublisher{}
	clk := clock.NewManual(epoch)
	e := New(Config{}, WithClock(clk), WithJournal(journal), WithPublisher(publisher))
	ctx := context.Background()

	busID, err := e.CreateEnergyBus(ctx, operator, "bus", []market.Principal{operator}, 100, dec(t, "1"))
	require.NoError(t, err)
	offerID, err := e.CreateOffer(ctx, seller, busID, 10, dec(t, "1"))
	require.NoError(t, err)
	_, err = e.PurchaseEnergy(ctx, buyer, offerID, 10, 0, dec(t, "10"))
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	require.Len(t, journal.commits, 3)
	last := journal.commits[2]
	require.Equal(t, uint64(3), last.Sequence)
	require.Equal(t, opPurchase, last.Operation)
	require.Len(t, last.Offers, 1)
	require.False(t, last.Offers[0].Active)
	require.Len(t, last.Purchases, 1)
	require.Equal(t, []marketstore.NonceUpdate{{Principal: buyer, Next: 1}}, last.Nonces)
	require.Len(t, last.Transfers, 1)

	types := make([]market.EventType, 0, len(publisher.events))
	for _, evt := range publisher.events {
		require.NotEmpty(t, evt.ID)
		require.NotZero(t, evt.Sequence)
		types = append(types, evt.Type)
	}
	require.Equal(t, []market.EventType{
		market.EventTypeBusCreated,
		market.EventTypeOfferCreated,
		market.EventTypeEnergyPurchased,
	}, types)
}

func TestClosedEngineRejectsCommands(t *testing.T) {
	e := New(Config{})
	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))

	_, err := e.CreateEnergyBus(context.Background(), operator, "bus", []market.Principal{operator}, 1, dec(t, "1"))
	requireCode(t, err, errs.CodeUnavailable)
}

func TestCancelledContextNotApplied(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.CreateEnergyBus(ctx, operator, "bus", []market.Principal{operator}, 1, dec(t, "1"))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, uint64(0), e.BusCount())
}

// recordedState folds journal commits the way the postgres projection does:
// the latest version of each record wins.
func recordedState(commits []marketstore.Commit) marketstore.State {
	buses := map[market.BusID]market.Bus{}
	offers := map[market.OfferID]market.Offer{}
	purchases := map[market.PurchaseID]market.Purchase{}
	nonces := map[market.Principal]uint64{}
	var rec marketstore.State
	for _, c := range commits {
		rec.Sequence = max(rec.Sequence, c.Sequence)
		for _, b := range c.Buses {
			buses[b.ID] = b
		}
		for _, o := range c.Offers {
			offers[o.ID] = o
		}
		for _, p := range c.Purchases {
			purchases[p.ID] = p
		}
		for _, n := range c.Nonces {
			nonces[n.Principal] = n.Next
		}
	}
	for _, id := range slices.Sorted(maps.Keys(buses)) {
		rec.Buses = append(rec.Buses, buses[id])
	}
	for _, id := range slices.Sorted(maps.Keys(offers)) {
		rec.Offers = append(rec.Offers, offers[id])
	}
	for _, id := range slices.Sorted(maps.Keys(purchases)) {
		rec.Purchases = append(rec.Purchases, purchases[id])
	}
	for _, p := range slices.Sorted(maps.Keys(nonces)) {
		rec.Nonces = append(rec.Nonces, marketstore.NonceUpdate{Principal: p, Next: nonces[p]})
	}
	return rec
}

func TestRestoredStateContinuesJournal(t *testing.T) {
	ctx := context.Background()
	journal := &recordingJournal{}
	first, _ := newTestEngine(t, WithJournal(journal))
	busID, offerID := seedOffer(t, first, 1000, 100, "2")
	purchaseID, err := first.PurchaseEnergy(ctx, buyer, offerID, 10, 0, dec(t, "20"))
	require.NoError(t, err)
	heldID, err := first.CreateOffer(ctx, seller, busID, 50, dec(t, "1"))
	require.NoError(t, err)
	lockExpiry, err := first.ReserveOffer(ctx, other, heldID)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	journal.mu.Lock()
	rec := recordedState(journal.commits)
	journal.mu.Unlock()
	require.Equal(t, first.Sequence(), rec.Sequence)

	second, _ := newTestEngine(t, WithState(rec), WithJournal(journal))
	require.Equal(t, first.Sequence(), second.Sequence())
	require.Equal(t, uint64(1), second.BusCount())
	require.Equal(t, uint64(1), second.UserNonce(buyer))
	require.Equal(t, uint64(10), second.UserEnergyBalance(buyer))
	require.Equal(t, []market.PurchaseID{purchaseID}, second.UserBusPurchases(buyer, busID))
	require.Equal(t, []market.OfferID{offerID, heldID}, second.UserBusOffers(seller, busID))
	require.Equal(t, []market.OfferID{offerID, heldID}, second.BusActiveOffers(busID))

	offer, err := second.OfferDetails(offerID)
	require.NoError(t, err)
	require.Equal(t, seller, offer.Seller)
	require.Equal(t, uint64(90), offer.EnergyAmount)
	held, err := second.OfferDetails(heldID)
	require.NoError(t, err)
	require.Equal(t, other, held.LockHolder)
	require.Equal(t, lockExpiry, held.LockExpiry)

	pf := second.Portfolio(seller)
	require.Equal(t, uint64(10), pf.EnergySold)
	require.True(t, pf.Earned.Equal(dec(t, "20")))
	require.Equal(t, 1, pf.PendingSales)

	_, err = second.PurchaseEnergy(ctx, buyer, offerID, 5, 0, dec(t, "10"))
	requireCode(t, err, errs.CodeReplay)
	require.Equal(t, uint64(1), second.UserNonce(buyer))

	nextBus, err := second.CreateEnergyBus(ctx, operator, "South Feeder", []market.Principal{operator}, 10, dec(t, "1"))
	require.NoError(t, err)
	require.Equal(t, market.BusID(2), nextBus)
	nextOffer, err := second.CreateOffer(ctx, seller, busID, 5, dec(t, "2"))
	require.NoError(t, err)
	require.Equal(t, heldID+1, nextOffer)
	nextPurchase, err := second.PurchaseEnergy(ctx, buyer, offerID, 5, 1, dec(t, "10"))
	require.NoError(t, err)
	require.Equal(t, purchaseID+1, nextPurchase)
	require.Equal(t, uint64(15), second.UserEnergyBalance(buyer))
	require.NoError(t, second.Close(ctx))

	last, err := journal.LastSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.Sequence+3, last)
}

func TestCommitWritesOnlyTouchedRecords(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	busID, offerID := seedOffer(t, e, 1_000_000, 100_000, "1")
	for i := range 200 {
		_, err := e.CreateOffer(ctx, market.Principal(fmt.Sprintf("seller-%d", i)), busID, 1, dec(t, "1"))
		require.NoError(t, err)
	}

	var (
		offers    map[market.OfferID]market.Offer
		purchases map[market.PurchaseID]market.Purchase
		listed    []market.OfferID
	)
	e.read(func(st *state) {
		offers, purchases = st.offers, st.purchases
		listed = st.busOffers[busID]
	})

	for n := range uint64(50) {
		_, err := e.PurchaseEnergy(ctx, buyer, offerID, 1, n, dec(t, "1"))
		require.NoError(t, err)
	}
	_, err := e.CreateOffer(ctx, seller, busID, 1, dec(t, "1"))
	require.NoError(t, err)

	e.read(func(st *state) {
		require.Equal(t, reflect.ValueOf(offers).Pointer(), reflect.ValueOf(st.offers).Pointer(), "offers map is updated in place")
		require.Equal(t, reflect.ValueOf(purchases).Pointer(), reflect.ValueOf(st.purchases).Pointer(), "purchases map is updated in place")
		require.Len(t, st.purchases, 50)
		require.Len(t, st.busOffers[busID], len(listed)+1)
		require.Equal(t, listed, st.busOffers[busID][:len(listed)])
	})
}

func TestRejectedCommandLeavesLiveStateUntouched(t *testing.T) {
	settler := &recordingSettler{fail: errors.New("insufficient funds")}
	e, _ := newTestEngine(t, WithSettler(settler))
	ctx := context.Background()
	busID, offerID := seedOffer(t, e, 1000, 100, "1")
	seq := e.Sequence()

	_, err := e.PurchaseEnergy(ctx, buyer, offerID, 10, 0, dec(t, "10"))
	requireCode(t, err, errs.CodeSettlement)

	require.Equal(t, seq, e.Sequence())
	e.read(func(st *state) {
		require.Empty(t, st.purchases)
		require.Empty(t, st.buyerPurchases[buyer])
		require.Empty(t, st.userBusPurchases[holderBus{principal: buyer, bus: busID}])
		require.Zero(t, st.balances[buyer])
		require.Zero(t, st.nonces[buyer])
		require.Equal(t, uint64(100), st.offers[offerID].EnergyAmount)
		require.Empty(t, st.offers[offerID].LockHolder)
		require.Zero(t, st.lastPurchase)
		require.Empty(t, st.locked)
	})
}
