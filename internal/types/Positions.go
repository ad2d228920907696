/*

This file contains the types for positions: one actor's recurring purchase
schedule enrolled in a pool. A position never references other positions and
settles against the pool's cumulative rate history alone.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// Position is one enrolled schedule within a pool.
type Position struct {
	ID      uuid.UUID `json:"id"`
	Owner   string    `json:"owner"`
	PoolKey PoolKey   `json:"pool_key"`

	TotalCycles uint32 `json:"total_cycles"`
	// FinalCycle is the enrollment-time LastSettledCycle plus TotalCycles.
	// The position contributes to the pool's pending amount exactly while
	// CyclesCompleted < FinalCycle.
	FinalCycle uint32 `json:"final_cycle"`
	// LastSettledCycle is the cycle index up to which accrued output has
	// already been paid out. Starts at the enrollment-time cycle count.
	LastSettledCycle uint32 `json:"last_settled_cycle"`

	AmountPerCycle sdkmath.Int `json:"amount_per_cycle"`
	// EnrolledAmount is the full escrowed amount. It can exceed
	// AmountPerCycle * TotalCycles by the integer-division remainder.
	EnrolledAmount sdkmath.Int `json:"enrolled_amount"`

	CreatedAt time.Time `json:"created_at"`
	Closed    bool      `json:"closed"`
}

// Expired reports whether the position's contribution has naturally run out
// at the given pool cycle count.
func (p *Position) Expired(cyclesCompleted uint32) bool {
	return cyclesCompleted >= p.FinalCycle
}

// CyclesRemaining is the number of future cycles the position would still
// participate in at the given pool cycle count.
func (p *Position) CyclesRemaining(cyclesCompleted uint32) uint32 {
	if p.Expired(cyclesCompleted) {
		return 0
	}
	return p.FinalCycle - cyclesCompleted
}
