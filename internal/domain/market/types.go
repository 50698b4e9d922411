// Package market defines the canonical marketplace records shared across layers.
package market

import (
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Principal identifies a caller as supplied by the identity layer.
type Principal string

// Normalize trims surrounding whitespace from the principal.
func (p Principal) Normalize() Principal {
	return Principal(strings.TrimSpace(string(p)))
}

// BusID identifies an energy bus. Ids start at 1.
type BusID uint64

// OfferID identifies a sell offer. Ids start at 1.
type OfferID uint64

// PurchaseID identifies a purchase. Ids start at 1.
type PurchaseID uint64

// Bus is a named capacity pool with one or more owners.
type Bus struct {
	ID                BusID           `json:"id"`
	Name              string          `json:"name"`
	Owners            []Principal     `json:"owners"`
	TotalCapacity     uint64          `json:"totalCapacity"`
	AvailableCapacity uint64          `json:"availableCapacity"`
	BasePrice         decimal.Decimal `json:"basePrice"`
	Active            bool            `json:"active"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// HasOwner reports whether the principal belongs to the owner set.
func (b Bus) HasOwner(p Principal) bool {
	return slices.Contains(b.Owners, p)
}

// Clone returns a deep copy of the bus.
func (b Bus) Clone() Bus {
	cloned := b
	cloned.Owners = slices.Clone(b.Owners)
	return cloned
}

// Offer is a seller's reservation of bus capacity at a fixed per-unit price.
type Offer struct {
	ID             OfferID         `json:"id"`
	BusID          BusID           `json:"busId"`
	Seller         Principal       `json:"seller"`
	EnergyAmount   uint64          `json:"energyAmount"`
	ReservedAmount uint64          `json:"reservedAmount"`
	PricePerUnit   decimal.Decimal `json:"pricePerUnit"`
	Active         bool            `json:"active"`
	LockHolder     Principal       `json:"lockHolder,omitempty"`
	LockExpiry     time.Time       `json:"lockExpiry"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Locked reports whether a non-expired lock is held at now.
func (o Offer) Locked(now time.Time) bool {
	return o.LockHolder != "" && now.Before(o.LockExpiry)
}

// ClearLock drops the lock fields.
func (o *Offer) ClearLock() {
	o.LockHolder = ""
	o.LockExpiry = time.Time{}
}

// View returns a copy with an expired lock rendered as absent.
func (o Offer) View(now time.Time) Offer {
	if !o.Locked(now) {
		o.ClearLock()
	}
	return o
}

// Value returns the remaining energy priced at the offer rate.
func (o Offer) Value() decimal.Decimal {
	return Units(o.EnergyAmount).Mul(o.PricePerUnit)
}

// Purchase is a committed sale from an offer pending seller confirmation.
type Purchase struct {
	ID           PurchaseID      `json:"id"`
	BusID        BusID           `json:"busId"`
	OfferID      OfferID         `json:"offerId"`
	Buyer        Principal       `json:"buyer"`
	Seller       Principal       `json:"seller"`
	EnergyAmount uint64          `json:"energyAmount"`
	TotalPrice   decimal.Decimal `json:"totalPrice"`
	Timestamp    time.Time       `json:"timestamp"`
	Completed    bool            `json:"completed"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// Transfer is the payment effect coupled to a committed purchase.
type Transfer struct {
	PurchaseID PurchaseID      `json:"purchaseId"`
	From       Principal       `json:"from"`
	To         Principal       `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
}

// Portfolio summarises a principal's market position.
type Portfolio struct {
	Principal      Principal       `json:"principal"`
	ActiveListings int             `json:"activeListings"`
	ListingValue   decimal.Decimal `json:"listingValue"`
	EnergyBought   uint64          `json:"energyBought"`
	EnergySold     uint64          `json:"energySold"`
	Spent          decimal.Decimal `json:"spent"`
	Earned         decimal.Decimal `json:"earned"`
	Net            decimal.Decimal `json:"net"`
	PendingSales   int             `json:"pendingSales"`
}

// Units converts an energy quantity into a decimal without overflow.
func Units(amount uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0)
}
