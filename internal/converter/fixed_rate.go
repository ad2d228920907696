/*

Deterministic converter implementations: an identity pass-through for
same-asset pools and a fixed-rate venue used in simulation mode and tests.

*/

package converter

import (
	"context"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"

	"github.com/dripnet/dripd/internal/treasury"
)

// Identity returns the input unchanged. Only valid when the input and output
// assets are the same; the funds never move because they are already
// denominated correctly in the escrow.
type Identity struct{}

func (Identity) Convert(_ context.Context, _ string, input sdkmath.Int, assetIn, assetOut string) (sdkmath.Int, error) {
	if assetIn != assetOut {
		return sdkmath.Int{}, fmt.Errorf("identity converter cannot convert %s to %s", assetIn, assetOut)
	}
	return input, nil
}

// FixedRate converts at a configured numerator/denominator ratio per pair.
// It debits the input from the account and credits the output, which is the
// contract the executor's balance-delta measurement relies on.
type FixedRate struct {
	mu    sync.RWMutex
	book  *treasury.Book
	rates map[string]ratio
}

type ratio struct {
	num sdkmath.Int
	den sdkmath.Int
}

// NewFixedRate creates a fixed-rate converter over the given book.
func NewFixedRate(book *treasury.Book) *FixedRate {
	return &FixedRate{book: book, rates: make(map[string]ratio)}
}

// SetRate configures output = input * num / den for the pair.
func (f *FixedRate) SetRate(assetIn, assetOut string, num, den int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[assetIn+"/"+assetOut] = ratio{num: sdkmath.NewInt(num), den: sdkmath.NewInt(den)}
}

func (f *FixedRate) Convert(_ context.Context, account string, input sdkmath.Int, assetIn, assetOut string) (sdkmath.Int, error) {
	if assetIn == assetOut {
		return input, nil
	}

	f.mu.RLock()
	r, ok := f.rates[assetIn+"/"+assetOut]
	f.mu.RUnlock()
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("no rate configured for %s/%s", assetIn, assetOut)
	}

	output := input.Mul(r.num).Quo(r.den)
	if err := f.book.Debit(account, assetIn, input); err != nil {
		return sdkmath.Int{}, fmt.Errorf("failed to take conversion input: %w", err)
	}
	if err := f.book.Credit(account, assetOut, output); err != nil {
		return sdkmath.Int{}, err
	}
	return output, nil
}
