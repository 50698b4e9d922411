// Package settlement provides the default fund-transfer handler for committed purchases.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/gridmarket/internal/domain/market"
)

// ErrInvalidTransfer is returned for transfers with a blank party or a non-positive amount.
var ErrInvalidTransfer = errors.New("settlement: invalid transfer")

// Account is a principal's running settlement totals.
type Account struct {
	Principal market.Principal `json:"principal"`
	Spent     decimal.Decimal  `json:"spent"`
	Earned    decimal.Decimal  `json:"earned"`
}

// Net returns earned minus spent.
func (a Account) Net() decimal.Decimal {
	return a.Earned.Sub(a.Spent)
}

// Book records transfers in memory. A batch of transfers is applied whole or not at all.
type Book struct {
	mu       sync.RWMutex
	accounts map[market.Principal]Account
	applied  map[market.PurchaseID]struct{}
}

// NewBook constructs an empty book.
func NewBook() *Book {
	return &Book{
		accounts: make(map[market.Principal]Account),
		applied:  make(map[market.PurchaseID]struct{}),
	}
}

// Settle validates every transfer before applying any of them. A purchase id
// already settled is rejected so a retried effect cannot move funds twice.
func (b *Book) Settle(ctx context.Context, transfers []market.Transfer) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[market.PurchaseID]struct{}, len(transfers))
	for _, t := range transfers {
		if t.From == "" || t.To == "" || !t.Amount.IsPositive() {
			return fmt.Errorf("%w: purchase %d", ErrInvalidTransfer, t.PurchaseID)
		}
		if _, dup := b.applied[t.PurchaseID]; dup {
			return fmt.Errorf("%w: purchase %d already settled", ErrInvalidTransfer, t.PurchaseID)
		}
		if _, dup := seen[t.PurchaseID]; dup {
			return fmt.Errorf("%w: purchase %d repeated in batch", ErrInvalidTransfer, t.PurchaseID)
		}
		seen[t.PurchaseID] = struct{}{}
	}

	for _, t := range transfers {
		from := b.account(t.From)
		from.Spent = from.Spent.Add(t.Amount)
		b.accounts[t.From] = from

		to := b.account(t.To)
		to.Earned = to.Earned.Add(t.Amount)
		b.accounts[t.To] = to

		b.applied[t.PurchaseID] = struct{}{}
	}
	return nil
}

func (b *Book) account(p market.Principal) Account {
	acct, ok := b.accounts[p]
	if !ok {
		return Account{Principal: p, Spent: decimal.Zero, Earned: decimal.Zero}
	}
	return acct
}

// Account returns the principal's totals; unknown principals read as zero.
func (b *Book) Account(p market.Principal) Account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.account(p)
}
