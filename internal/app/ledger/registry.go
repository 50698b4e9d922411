package ledger

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
)

func busField(id market.BusID) errs.Option {
	return errs.WithField("bus", strconv.FormatUint(uint64(id), 10))
}

// normalizeOwners trims, drops blanks and removes duplicates while keeping order.
func normalizeOwners(owners []market.Principal) []market.Principal {
	out := make([]market.Principal, 0, len(owners))
	seen := make(map[market.Principal]struct{}, len(owners))
	for _, o := range owners {
		o = o.Normalize()
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}

func (tx *txn) createBus(name string, owners []market.Principal, capacity uint64, basePrice decimal.Decimal) (market.BusID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errs.New(tx.op, errs.CodeValidation, errs.WithMessage("bus name required"))
	}
	owners = normalizeOwners(owners)
	if len(owners) == 0 {
		return 0, errs.New(tx.op, errs.CodeValidation, errs.WithMessage("at least one owner required"))
	}
	if capacity == 0 {
		return 0, errs.New(tx.op, errs.CodeValidation, errs.WithMessage("capacity must be greater than 0"))
	}
	if !basePrice.IsPositive() {
		return 0, errs.New(tx.op, errs.CodeValidation, errs.WithMessage("base price must be greater than 0"))
	}

	tx.lastBus++
	bus := market.Bus{
		ID:                tx.lastBus,
		Name:              name,
		Owners:            owners,
		TotalCapacity:     capacity,
		AvailableCapacity: capacity,
		BasePrice:         basePrice,
		Active:            true,
		CreatedAt:         tx.now,
	}
	tx.buses.put(bus.ID, bus)
	for _, o := range owners {
		tx.ownerBuses.add(o, bus.ID)
	}
	tx.emit(market.Event{Type: market.EventTypeBusCreated, BusID: bus.ID, Principal: tx.caller, Amount: capacity, Value: basePrice})
	return bus.ID, nil
}

// ownedBus loads a bus and requires the caller to be one of its owners.
func (tx *txn) ownedBus(id market.BusID) (market.Bus, error) {
	bus, ok := tx.buses.get(id)
	if !ok {
		return market.Bus{}, errs.New(tx.op, errs.CodeNotFound, errs.WithMessage("bus not found"), busField(id))
	}
	if !bus.HasOwner(tx.caller) {
		return market.Bus{}, errs.New(tx.op, errs.CodeAuthorization, errs.WithMessage("not a bus owner"), busField(id))
	}
	return bus, nil
}

func (tx *txn) addOwner(id market.BusID, principal market.Principal) error {
	principal = principal.Normalize()
	if principal == "" {
		return errs.New(tx.op, errs.CodeValidation, errs.WithMessage("owner principal required"), busField(id))
	}
	bus, err := tx.ownedBus(id)
	if err != nil {
		return err
	}
	if bus.HasOwner(principal) {
		return nil
	}
	bus.Owners = append(bus.Clone().Owners, principal)
	tx.buses.put(id, bus)
	tx.ownerBuses.add(principal, id)
	tx.emit(market.Event{Type: market.EventTypeOwnerAdded, BusID: id, Principal: principal})
	return nil
}

func (tx *txn) deactivateBus(id market.BusID) error {
	bus, err := tx.ownedBus(id)
	if err != nil {
		return err
	}
	if !bus.Active {
		return nil
	}
	bus.Active = false
	tx.buses.put(id, bus)
	tx.emit(market.Event{Type: market.EventTypeBusDeactivated, BusID: id, Principal: tx.caller})
	return nil
}
