package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType classifies committed ledger changes.
type EventType string

const (
	// EventTypeAny subscribes to every event type.
	EventTypeAny EventType = "*"

	EventTypeBusCreated        EventType = "bus_created"
	EventTypeOwnerAdded        EventType = "owner_added"
	EventTypeBusDeactivated    EventType = "bus_deactivated"
	EventTypeOfferCreated      EventType = "offer_created"
	EventTypeOfferCancelled    EventType = "offer_cancelled"
	EventTypeOfferReserved     EventType = "offer_reserved"
	EventTypeEnergyPurchased   EventType = "energy_purchased"
	EventTypeTransferConfirmed EventType = "transfer_confirmed"
)

// Event describes one committed change. Fields irrelevant to the type stay zero.
type Event struct {
	ID         string          `json:"id"`
	Sequence   uint64          `json:"sequence"`
	Type       EventType       `json:"type"`
	BusID      BusID           `json:"busId,omitempty"`
	OfferID    OfferID         `json:"offerId,omitempty"`
	PurchaseID PurchaseID      `json:"purchaseId,omitempty"`
	Principal  Principal       `json:"principal,omitempty"`
	Amount     uint64          `json:"amount,omitempty"`
	Value      decimal.Decimal `json:"value"`
	At         time.Time       `json:"at"`
}
