/*

This file contains the in-process balance book. Every asset the engine
touches lives in an account here: pool escrows, the fee sink, and beneficiary
accounts. The executor measures conversion results as balance deltas against
this book instead of trusting the converter's return value.

*/

package treasury

import (
	"errors"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Book tracks per-account, per-asset balances.
type Book struct {
	mu       sync.RWMutex
	balances map[string]map[string]sdkmath.Int
}

// NewBook returns an empty balance book.
func NewBook() *Book {
	return &Book{balances: make(map[string]map[string]sdkmath.Int)}
}

// Balance returns the balance of asset in account (zero if never credited).
func (b *Book) Balance(account, asset string) sdkmath.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if assets, ok := b.balances[account]; ok {
		if v, ok := assets[asset]; ok {
			return v
		}
	}
	return sdkmath.ZeroInt()
}

// Credit adds amt of asset to account. Negative amounts are rejected.
func (b *Book) Credit(account, asset string, amt sdkmath.Int) error {
	if amt.IsNegative() {
		return fmt.Errorf("cannot credit negative amount %s %s to %s", amt, asset, account)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(account, asset, amt)
	return nil
}

// Debit removes amt of asset from account, failing with ErrInsufficientFunds
// if the balance does not cover it.
func (b *Book) Debit(account, asset string, amt sdkmath.Int) error {
	if amt.IsNegative() {
		return fmt.Errorf("cannot debit negative amount %s %s from %s", amt, asset, account)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.debit(account, asset, amt)
}

// Transfer moves amt of asset between accounts atomically.
func (b *Book) Transfer(from, to, asset string, amt sdkmath.Int) error {
	if amt.IsNegative() {
		return fmt.Errorf("cannot transfer negative amount %s %s", amt, asset)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(from, asset, amt); err != nil {
		return err
	}
	b.credit(to, asset, amt)
	return nil
}

func (b *Book) credit(account, asset string, amt sdkmath.Int) {
	assets, ok := b.balances[account]
	if !ok {
		assets = make(map[string]sdkmath.Int)
		b.balances[account] = assets
	}
	cur, ok := assets[asset]
	if !ok {
		cur = sdkmath.ZeroInt()
	}
	assets[asset] = cur.Add(amt)
}

func (b *Book) debit(account, asset string, amt sdkmath.Int) error {
	assets, ok := b.balances[account]
	if !ok {
		if amt.IsZero() {
			return nil
		}
		return fmt.Errorf("%w: %s has no %s", ErrInsufficientFunds, account, asset)
	}
	cur, ok := assets[asset]
	if !ok {
		cur = sdkmath.ZeroInt()
	}
	if cur.LT(amt) {
		return fmt.Errorf("%w: %s has %s %s, need %s", ErrInsufficientFunds, account, cur, asset, amt)
	}
	assets[asset] = cur.Sub(amt)
	return nil
}
