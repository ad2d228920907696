/*

This file contains the types for execution pools. A pool aggregates every
active position converting the same asset pair on the same interval, so that
one batched conversion per cycle serves all of them.

*/

package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// RatePrecision is the fixed-point scale for per-cycle exchange rates
// (output per unit of input). 1e18 keeps truncation error negligible for any
// practical position size.
var RatePrecision = sdkmath.NewIntWithDecimal(1, 18)

// PoolKey identifies a pool by its ordered asset pair and execution interval.
// The key space is open: pools are created lazily as new pairs are enrolled.
type PoolKey struct {
	AssetIn  string        `json:"asset_in"`
	AssetOut string        `json:"asset_out"`
	Interval time.Duration `json:"interval"`
}

// String returns the canonical form used as registry key and in the REST API,
// e.g. "uatom/uusdc@24h0m0s".
func (k PoolKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.AssetIn, k.AssetOut, k.Interval)
}

// ParsePoolKey parses the canonical form produced by String.
func ParsePoolKey(s string) (PoolKey, error) {
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return PoolKey{}, errors.New("pool key missing @interval suffix: " + s)
	}
	interval, err := time.ParseDuration(s[at+1:])
	if err != nil {
		return PoolKey{}, fmt.Errorf("pool key has invalid interval: %w", err)
	}
	pair := strings.SplitN(s[:at], "/", 2)
	if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
		return PoolKey{}, errors.New("pool key missing asset pair: " + s)
	}
	return PoolKey{AssetIn: pair[0], AssetOut: pair[1], Interval: interval}, nil
}

// Pool holds the aggregate accrual state for one asset pair and interval.
//
// PendingAmount always equals the sum of AmountPerCycle over open positions
// whose FinalCycle is still ahead of CyclesCompleted. Expiries are O(1): each
// enrollment pre-registers its own removal in ScheduledDeductions at the
// cycle index where it ends, and the executor applies the single aggregated
// deduction when that index is reached.
type Pool struct {
	Key               PoolKey     `json:"key"`
	CyclesCompleted   uint32      `json:"cycles_completed"`
	PendingAmount     sdkmath.Int `json:"pending_amount"`
	LastExecutionTime time.Time   `json:"last_execution_time"`

	// ScheduledDeductions maps a cycle index to the amount to remove from
	// PendingAmount once CyclesCompleted reaches that index.
	ScheduledDeductions SparseAmounts `json:"scheduled_deductions"`

	// CumulativeRates is the running sum of per-cycle exchange rates,
	// fixed-point scaled by RatePrecision and indexed by cycle count.
	CumulativeRates RateHistory `json:"cumulative_rates"`

	// Executing guards the external conversion window of a running cycle.
	Executing bool `json:"-"`

	// WindowEnrollments are positions enrolled while Executing. Their cycle
	// indices assume the in-flight cycle commits; an abort rebases them.
	WindowEnrollments []uuid.UUID `json:"-"`
}

// NewPool returns an empty pool for the given key.
func NewPool(key PoolKey) *Pool {
	return &Pool{
		Key:                 key,
		PendingAmount:       sdkmath.ZeroInt(),
		ScheduledDeductions: make(SparseAmounts),
		CumulativeRates:     make(RateHistory),
	}
}

// EscrowAccount is the treasury account holding this pool's funds.
func (p *Pool) EscrowAccount() string {
	return "pool/" + p.Key.String()
}
