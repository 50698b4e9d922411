// Package ledger implements the single-writer marketplace engine: buses,
// offers, offer locks, nonces, purchases and batch purchases.
package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
	"github.com/coachpo/gridmarket/internal/domain/marketstore"
	"github.com/coachpo/gridmarket/internal/infra/clock"
	"github.com/coachpo/gridmarket/internal/infra/telemetry"
	"github.com/coachpo/gridmarket/internal/observability"
)

const (
	opCreateBus     = "create_bus"
	opAddOwner      = "add_owner"
	opDeactivateBus = "deactivate_bus"
	opCreateOffer   = "create_offer"
	opCancelOffer   = "cancel_offer"
	opReserveOffer  = "reserve_offer"
	opPurchase      = "purchase"
	opBatchPurchase = "batch_purchase"
	opConfirm       = "confirm_transfer"
	opSweepLocks    = "sweep_locks"
)

// Settler applies the payment effect of a commit. It must apply every
// transfer or none of them.
type Settler interface {
	Settle(ctx context.Context, transfers []market.Transfer) error
}

// Publisher receives market events after their commit.
type Publisher interface {
	Publish(ctx context.Context, evt market.Event) error
}

// Config tunes the engine.
type Config struct {
	// LockTTL bounds how long an offer reservation stays live.
	LockTTL time.Duration
	// QueueSize is the command channel capacity.
	QueueSize int
	// SweepInterval enables periodic clearing of expired locks when positive.
	SweepInterval time.Duration
	// SinkBuffer is the capacity of the commit queue feeding the journal and publisher.
	SinkBuffer int
	// SinkTimeout bounds each journal write and event publish.
	SinkTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:     30 * time.Second,
		QueueSize:   256,
		SinkBuffer:  1024,
		SinkTimeout: 5 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.SweepInterval < 0 {
		c.SweepInterval = 0
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = def.SinkBuffer
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = def.SinkTimeout
	}
	return c
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithSettler installs the fund-transfer handler.
func WithSettler(s Settler) Option {
	return func(e *Engine) { e.settler = s }
}

// WithJournal installs the commit journal.
func WithJournal(j marketstore.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithPublisher installs the event publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithState resumes the ledger from a recorded state. Commit numbering,
// ids, nonces and energy balances all continue from it.
func WithState(s marketstore.State) Option {
	return func(e *Engine) { e.restored = &s }
}

// WithLogger overrides the global logger.
func WithLogger(l observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine owns the ledger state. One goroutine applies commands in arrival
// order and writes the live state in place; queries copy records out under
// a read lock.
type Engine struct {
	cfg       Config
	clock     clock.Clock
	settler   Settler
	journal   marketstore.Journal
	publisher Publisher
	logger    observability.Logger
	restored  *marketstore.State

	state    *state
	commands chan *command
	commits  chan marketstore.Commit
	quit     chan struct{}

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        conc.WaitGroup

	metrics engineMetrics
}

type command struct {
	ctx    context.Context
	op     string
	caller market.Principal
	apply  func(tx *txn) (any, error)
	reply  chan result
}

type result struct {
	value any
	err   error
}

// New constructs and starts an engine.
func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.normalize()
	e := &Engine{
		cfg:      cfg,
		clock:    clock.System{},
		commands: make(chan *command, cfg.QueueSize),
		commits:  make(chan marketstore.Commit, cfg.SinkBuffer),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.state = newState()
	if e.restored != nil {
		e.state.load(*e.restored)
		e.restored = nil
	}
	e.metrics = newEngineMetrics(e)
	e.wg.Go(e.run)
	e.wg.Go(e.drainCommits)
	return e
}

// Close stops accepting commands, applies those already queued, flushes the
// commit queue and waits for the background goroutines.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closeMu.Lock()
		e.closed = true
		e.closeMu.Unlock()
		close(e.quit)
	})
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ledger: close: %w", ctx.Err())
	}
}

// LockTTL returns the configured reservation lifetime.
func (e *Engine) LockTTL() time.Duration { return e.cfg.LockTTL }

func (e *Engine) log() observability.Logger {
	if e.logger != nil {
		return e.logger
	}
	return observability.Log()
}

func (e *Engine) run() {
	var tick <-chan time.Time
	if e.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case cmd := <-e.commands:
			e.execute(cmd)
		case <-tick:
			e.sweep()
		case <-e.quit:
			for {
				select {
				case cmd := <-e.commands:
					e.execute(cmd)
				default:
					close(e.commits)
					return
				}
			}
		}
	}
}

// submit enqueues fn and waits for its outcome. ctx bounds the enqueue; once
// accepted, the command is applied unless ctx is already done when its turn comes.
func submit[T any](ctx context.Context, e *Engine, op string, caller market.Principal, fn func(tx *txn) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := &command{
		ctx:    ctx,
		op:     op,
		caller: caller,
		apply: func(tx *txn) (any, error) {
			v, err := fn(tx)
			return v, err
		},
		reply: make(chan result, 1),
	}

	e.closeMu.RLock()
	if e.closed {
		e.closeMu.RUnlock()
		return zero, errs.New("ledger/"+op, errs.CodeUnavailable, errs.WithMessage("engine closed"))
	}
	select {
	case e.commands <- cmd:
	case <-ctx.Done():
		e.closeMu.RUnlock()
		return zero, ctx.Err()
	}
	e.closeMu.RUnlock()

	res := <-cmd.reply
	if res.err != nil {
		return zero, res.err
	}
	v, _ := res.value.(T)
	return v, nil
}

func (e *Engine) execute(cmd *command) {
	if err := cmd.ctx.Err(); err != nil {
		cmd.reply <- result{err: err}
		return
	}
	started := time.Now()
	tx := newTxn(e.state, e.clock.Now(), "ledger/"+cmd.op, cmd.caller)

	value, err := cmd.apply(tx)
	if err == nil && len(tx.transfers) > 0 && e.settler != nil {
		if serr := e.settler.Settle(cmd.ctx, tx.transfers); serr != nil {
			err = errs.New(tx.op, errs.CodeSettlement, errs.WithMessage("settlement refused"), errs.WithCause(serr))
		}
	}
	if err != nil {
		code, ok := errs.CodeOf(err)
		if !ok {
			code = "internal"
		}
		e.metrics.recordRejection(cmd.ctx, cmd.op, string(code))
		e.metrics.recordCommand(cmd.ctx, cmd.op, telemetry.ResultRejected, started)
		e.log().Debug("ledger command rejected",
			observability.F("operation", cmd.op),
			observability.F("caller", cmd.caller),
			observability.F("error", err))
		cmd.reply <- result{err: err}
		return
	}

	if tx.dirty() {
		e.commit(tx, cmd.op, e.state.seq+1)
	}
	e.metrics.recordCommand(cmd.ctx, cmd.op, telemetry.ResultSuccess, started)
	cmd.reply <- result{value: value}
}

// commit applies the staged records and queues the change record for the sink.
func (e *Engine) commit(tx *txn, op string, seq uint64) {
	rec := marketstore.Commit{
		Sequence:    seq,
		Operation:   op,
		Principal:   tx.caller,
		CommittedAt: tx.now,
		Buses:       tx.buses.changed(),
		Offers:      tx.offers.changed(),
		Purchases:   tx.purchases.changed(),
		Transfers:   tx.transfers,
		Events:      tx.events,
	}
	for _, p := range slices.Sorted(maps.Keys(tx.nonces.staged)) {
		rec.Nonces = append(rec.Nonces, marketstore.NonceUpdate{Principal: p, Next: tx.nonces.staged[p]})
	}
	for i := range rec.Events {
		rec.Events[i].ID = uuid.NewString()
		rec.Events[i].Sequence = seq
	}

	tx.apply(seq)
	e.commits <- rec

	e.log().Info("ledger commit",
		observability.F("sequence", seq),
		observability.F("operation", op),
		observability.F("caller", tx.caller),
		observability.F("events", len(rec.Events)))
}

func (e *Engine) sweep() {
	tx := newTxn(e.state, e.clock.Now(), "ledger/"+opSweepLocks, "")
	cleared := tx.sweepLocks()
	if cleared == 0 {
		return
	}
	e.commit(tx, opSweepLocks, e.state.seq+1)
	if e.metrics.locksSwept != nil {
		e.metrics.locksSwept.Add(context.Background(), int64(cleared))
	}
}

// drainCommits hands each commit to the journal and then the publisher. Sink
// failures are logged; the ledger state they describe is already committed.
func (e *Engine) drainCommits() {
	for rec := range e.commits {
		e.record(rec)
		e.publish(rec)
	}
}

func (e *Engine) record(rec marketstore.Commit) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SinkTimeout)
	defer cancel()
	started := time.Now()
	err := e.journal.Record(ctx, rec)
	if e.metrics.journalDuration != nil {
		e.metrics.journalDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000)
	}
	if err != nil {
		if e.metrics.journalErrors != nil {
			e.metrics.journalErrors.Add(ctx, 1)
		}
		e.log().Error("ledger journal write failed",
			observability.F("sequence", rec.Sequence),
			observability.F("operation", rec.Operation),
			observability.F("error", err))
	}
}

func (e *Engine) publish(rec marketstore.Commit) {
	if e.publisher == nil {
		return
	}
	for _, evt := range rec.Events {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SinkTimeout)
		err := e.publisher.Publish(ctx, evt)
		cancel()
		if err != nil {
			if e.metrics.publishErrors != nil {
				e.metrics.publishErrors.Add(context.Background(), 1)
			}
			e.log().Error("ledger event publish failed",
				observability.F("sequence", evt.Sequence),
				observability.F("type", evt.Type),
				observability.F("error", err))
		}
	}
}

func requireCaller(op string, caller market.Principal) (market.Principal, error) {
	caller = caller.Normalize()
	if caller == "" {
		return "", errs.New("ledger/"+op, errs.CodeAuthorization, errs.WithMessage("caller principal required"))
	}
	return caller, nil
}

// CreateEnergyBus registers a bus whose full capacity starts available.
func (e *Engine) CreateEnergyBus(ctx context.Context, caller market.Principal, name string, owners []market.Principal, capacity uint64, basePrice decimal.Decimal) (market.BusID, error) {
	caller, err := requireCaller(opCreateBus, caller)
	if err != nil {
		return 0, err
	}
	owners = slices.Clone(owners)
	return submit(ctx, e, opCreateBus, caller, func(tx *txn) (market.BusID, error) {
		return tx.createBus(name, owners, capacity, basePrice)
	})
}

// AddBusOwner adds principal to the bus owner set. Adding an existing owner is a no-op.
func (e *Engine) AddBusOwner(ctx context.Context, caller market.Principal, busID market.BusID, principal market.Principal) error {
	caller, err := requireCaller(opAddOwner, caller)
	if err != nil {
		return err
	}
	_, err = submit(ctx, e, opAddOwner, caller, func(tx *txn) (struct{}, error) {
		return struct{}{}, tx.addOwner(busID, principal)
	})
	return err
}

// DeactivateBus stops the bus from accepting new offers. Existing offers stay purchasable.
func (e *Engine) DeactivateBus(ctx context.Context, caller market.Principal, busID market.BusID) error {
	caller, err := requireCaller(opDeactivateBus, caller)
	if err != nil {
		return err
	}
	_, err = submit(ctx, e, opDeactivateBus, caller, func(tx *txn) (struct{}, error) {
		return struct{}{}, tx.deactivateBus(busID)
	})
	return err
}

// CreateOffer lists amount units of the bus's available capacity at pricePerUnit.
func (e *Engine) CreateOffer(ctx context.Context, caller market.Principal, busID market.BusID, amount uint64, pricePerUnit decimal.Decimal) (market.OfferID, error) {
	caller, err := requireCaller(opCreateOffer, caller)
	if err != nil {
		return 0, err
	}
	return submit(ctx, e, opCreateOffer, caller, func(tx *txn) (market.OfferID, error) {
		return tx.createOffer(busID, amount, pricePerUnit)
	})
}

// CancelOffer retires the caller's offer and returns its remaining energy to the bus.
func (e *Engine) CancelOffer(ctx context.Context, caller market.Principal, offerID market.OfferID) error {
	caller, err := requireCaller(opCancelOffer, caller)
	if err != nil {
		return err
	}
	_, err = submit(ctx, e, opCancelOffer, caller, func(tx *txn) (struct{}, error) {
		return struct{}{}, tx.cancelOffer(offerID)
	})
	return err
}

// ReserveOffer locks the offer for the caller and returns the lock expiry.
func (e *Engine) ReserveOffer(ctx context.Context, caller market.Principal, offerID market.OfferID) (time.Time, error) {
	caller, err := requireCaller(opReserveOffer, caller)
	if err != nil {
		return time.Time{}, err
	}
	return submit(ctx, e, opReserveOffer, caller, func(tx *txn) (time.Time, error) {
		return tx.reserveOffer(offerID, e.cfg.LockTTL)
	})
}

// PurchaseEnergy buys amount units from the offer. payment must equal
// amount × pricePerUnit exactly and nonce must be the caller's next nonce.
func (e *Engine) PurchaseEnergy(ctx context.Context, caller market.Principal, offerID market.OfferID, amount, nonce uint64, payment decimal.Decimal) (market.PurchaseID, error) {
	caller, err := requireCaller(opPurchase, caller)
	if err != nil {
		return 0, err
	}
	return submit(ctx, e, opPurchase, caller, func(tx *txn) (market.PurchaseID, error) {
		return tx.purchase(offerID, amount, nonce, payment, e.cfg.LockTTL)
	})
}

// BatchPurchaseEnergy buys from several offers as one all-or-nothing unit
// consuming a single nonce.
func (e *Engine) BatchPurchaseEnergy(ctx context.Context, caller market.Principal, offerIDs []market.OfferID, amounts []uint64, nonce uint64, payment decimal.Decimal) ([]market.PurchaseID, error) {
	caller, err := requireCaller(opBatchPurchase, caller)
	if err != nil {
		return nil, err
	}
	offerIDs = slices.Clone(offerIDs)
	amounts = slices.Clone(amounts)
	return submit(ctx, e, opBatchPurchase, caller, func(tx *txn) ([]market.PurchaseID, error) {
		return tx.batchPurchase(offerIDs, amounts, nonce, payment, e.cfg.LockTTL)
	})
}

// ConfirmEnergyTransfer marks a pending purchase completed. Only its seller may confirm.
func (e *Engine) ConfirmEnergyTransfer(ctx context.Context, caller market.Principal, purchaseID market.PurchaseID) error {
	caller, err := requireCaller(opConfirm, caller)
	if err != nil {
		return err
	}
	_, err = submit(ctx, e, opConfirm, caller, func(tx *txn) (struct{}, error) {
		return struct{}{}, tx.confirm(purchaseID)
	})
	return err
}

// SweepLocks clears expired offer locks through the command queue.
func (e *Engine) SweepLocks(ctx context.Context) (int, error) {
	cleared, err := submit(ctx, e, opSweepLocks, "", func(tx *txn) (int, error) {
		return tx.sweepLocks(), nil
	})
	if err == nil && cleared > 0 && e.metrics.locksSwept != nil {
		e.metrics.locksSwept.Add(ctx, int64(cleared))
	}
	return cleared, err
}
