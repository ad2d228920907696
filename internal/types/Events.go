/*

Observability event types. Emitted by the ledger and executor, logged with
zerolog and journaled to Postgres for the REST API.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// CycleExecutedEvent records one batched conversion for a pool.
type CycleExecutedEvent struct {
	TraceID    uuid.UUID   `json:"trace_id"`
	PoolKey    PoolKey     `json:"pool_key"`
	CycleIndex uint32      `json:"cycle_index"`
	NetInput   sdkmath.Int `json:"net_input"`
	Output     sdkmath.Int `json:"output"`
	Fee        sdkmath.Int `json:"fee"`
	// Rate is the per-cycle output/input rate, scaled by RatePrecision.
	Rate       sdkmath.Int `json:"rate"`
	ExecutedAt time.Time   `json:"executed_at"`
}

// PositionEnrolledEvent records a new position joining a pool.
type PositionEnrolledEvent struct {
	PositionID     uuid.UUID   `json:"position_id"`
	PoolKey        PoolKey     `json:"pool_key"`
	Owner          string      `json:"owner"`
	EnrolledAmount sdkmath.Int `json:"enrolled_amount"`
	AmountPerCycle sdkmath.Int `json:"amount_per_cycle"`
	TotalCycles    uint32      `json:"total_cycles"`
	FinalCycle     uint32      `json:"final_cycle"`
	EnrolledAt     time.Time   `json:"enrolled_at"`
}

// SettlementKind distinguishes the two settlement operations.
type SettlementKind string

const (
	SettlementCollected SettlementKind = "COLLECTED"
	SettlementClosed    SettlementKind = "CLOSED"
)

// PositionSettledEvent records output (and, on close, unconverted input)
// handed to a beneficiary.
type PositionSettledEvent struct {
	PositionID       uuid.UUID      `json:"position_id"`
	PoolKey          PoolKey        `json:"pool_key"`
	Kind             SettlementKind `json:"kind"`
	Beneficiary      string         `json:"beneficiary"`
	AccruedOutput    sdkmath.Int    `json:"accrued_output"`
	UnconvertedInput sdkmath.Int    `json:"unconverted_input"`
	SettledCycle     uint32         `json:"settled_cycle"`
	SettledAt        time.Time      `json:"settled_at"`
}
