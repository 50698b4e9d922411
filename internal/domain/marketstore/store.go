// Package marketstore defines the journal contract for committed ledger changes.
package marketstore

import (
	"context"
	"time"

	"github.com/coachpo/gridmarket/internal/domain/market"
)

// NonceUpdate records a principal's next expected nonce after a commit.
type NonceUpdate struct {
	Principal market.Principal `json:"principal"`
	Next      uint64           `json:"next"`
}

// Commit is the set of records a single accepted command changed.
type Commit struct {
	Sequence    uint64            `json:"sequence"`
	Operation   string            `json:"operation"`
	Principal   market.Principal  `json:"principal"`
	CommittedAt time.Time         `json:"committedAt"`
	Buses       []market.Bus      `json:"buses,omitempty"`
	Offers      []market.Offer    `json:"offers,omitempty"`
	Purchases   []market.Purchase `json:"purchases,omitempty"`
	Nonces      []NonceUpdate     `json:"nonces,omitempty"`
	Transfers   []market.Transfer `json:"transfers,omitempty"`
	Events      []market.Event    `json:"events,omitempty"`
}

// Empty reports whether the commit carries no record changes.
func (c Commit) Empty() bool {
	return len(c.Buses) == 0 && len(c.Offers) == 0 && len(c.Purchases) == 0 && len(c.Nonces) == 0
}

// Journal persists committed changes as a projection of the ledger state.
type Journal interface {
	Record(ctx context.Context, commit Commit) error
	LastSequence(ctx context.Context) (uint64, error)
}

// State is the ledger as recorded up to Sequence. Records are ordered by id.
type State struct {
	Sequence  uint64            `json:"sequence"`
	Buses     []market.Bus      `json:"buses,omitempty"`
	Offers    []market.Offer    `json:"offers,omitempty"`
	Purchases []market.Purchase `json:"purchases,omitempty"`
	Nonces    []NonceUpdate     `json:"nonces,omitempty"`
}

// Empty reports whether nothing has been recorded.
func (s State) Empty() bool {
	return s.Sequence == 0 && len(s.Buses) == 0 && len(s.Offers) == 0 && len(s.Purchases) == 0 && len(s.Nonces) == 0
}

// Transfers returns the payment effect of every recorded purchase.
func (s State) Transfers() []market.Transfer {
	if len(s.Purchases) == 0 {
		return nil
	}
	out := make([]market.Transfer, 0, len(s.Purchases))
	for _, p := range s.Purchases {
		out = append(out, market.Transfer{PurchaseID: p.ID, From: p.Buyer, To: p.Seller, Amount: p.TotalPrice})
	}
	return out
}

// Loader reads the recorded ledger back so a new process can resume it.
type Loader interface {
	Load(ctx context.Context) (State, error)
}
