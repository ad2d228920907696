/*

Sparse index-keyed maps used by the pool ledger. Both are hash maps keyed by
cycle index rather than dense arrays: scheduled deductions are only written at
indices where some position expires, and cumulative rates are only written at
indices the pool has actually reached.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
)

// SparseAmounts maps a cycle index to an amount. Absent indices read as zero.
type SparseAmounts map[uint32]sdkmath.Int

// Get returns the amount recorded at index i, or zero if absent.
func (s SparseAmounts) Get(i uint32) sdkmath.Int {
	if v, ok := s[i]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

// Add accumulates amt into index i. Multiple positions sharing an expiry
// index fold into a single entry, which is what makes expiry O(1).
func (s SparseAmounts) Add(i uint32, amt sdkmath.Int) {
	s[i] = s.Get(i).Add(amt)
}

// Sub removes amt from index i, deleting the entry if it reaches zero.
func (s SparseAmounts) Sub(i uint32, amt sdkmath.Int) {
	v := s.Get(i).Sub(amt)
	if v.IsZero() {
		delete(s, i)
		return
	}
	s[i] = v
}

// RateHistory maps a cycle index to the cumulative per-unit-input exchange
// rate recorded when that cycle executed. Values are non-decreasing in index.
type RateHistory map[uint32]sdkmath.Int

// At returns the cumulative rate at index i. Index 0 reads as zero by
// convention; an absent index reads as the nearest lower recorded value.
// Rates are written densely as cycles execute, so the fallback scan only
// matters for indices before the first recorded cycle.
func (r RateHistory) At(i uint32) sdkmath.Int {
	if v, ok := r[i]; ok {
		return v
	}
	best := sdkmath.ZeroInt()
	var bestIdx uint32
	for k, v := range r {
		if k < i && k >= bestIdx {
			bestIdx = k
			best = v
		}
	}
	return best
}

// Record writes the cumulative rate for index i.
func (r RateHistory) Record(i uint32, cumulative sdkmath.Int) {
	r[i] = cumulative
}
