/*

Cycle bookkeeping for the executor. A cycle is split into BeginCycle (all
precondition checks plus the fee transfer, under the lock), the external
conversion (lock released, treasury deltas measured by the executor), and
CommitCycle (rate fold, counter increment, scheduled deduction, under the
lock again).

Every value CommitCycle folds back was captured by BeginCycle. The converter
may legally re-enter the ledger while the lock is released: enrollments land
at future deduction indices, and pending-amount changes never disturb the
captured net input of the in-flight conversion. Enrollments made during the
window index themselves against the committed counter; AbortCycle rebases
them when the cycle never commits.

*/

package ledger

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/dripnet/dripd/internal/types"
)

// feeDenominator is the basis-point scale for the execution fee.
const feeDenominator = 10000

// CycleWork carries the values captured by BeginCycle across the external
// conversion. CommitCycle and AbortCycle consume it exactly once.
type CycleWork struct {
	TraceID uuid.UUID
	Key     types.PoolKey
	Escrow  string

	// CycleIndex is the index this cycle will produce (CyclesCompleted+1 at
	// capture time).
	CycleIndex uint32

	PendingAmount   sdkmath.Int
	Fee             sdkmath.Int
	NetInput        sdkmath.Int
	PriorCumulative sdkmath.Int

	StartedAt time.Time
}

// BeginCycle validates every precondition for running a cycle on the pool,
// routes the fee to the sink, and marks the pool as executing. On any error
// the pool (and the fee sink) are left exactly as before.
func (l *Ledger) BeginCycle(key types.PoolKey, feeRateBps uint32, feeSink string, now time.Time) (*CycleWork, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.pools[key.String()]
	if !ok {
		return nil, ErrPoolNotFound
	}
	if pool.Executing {
		return nil, ErrCycleInProgress
	}
	if !pool.LastExecutionTime.IsZero() && now.Before(pool.LastExecutionTime.Add(key.Interval)) {
		return nil, ErrTooEarlyToExecute
	}
	if !pool.PendingAmount.IsPositive() {
		return nil, ErrNothingToExecute
	}

	fee := pool.PendingAmount.Mul(sdkmath.NewInt(int64(feeRateBps))).Quo(sdkmath.NewInt(feeDenominator))
	netInput := pool.PendingAmount.Sub(fee)

	if fee.IsPositive() {
		if err := l.book.Transfer(pool.EscrowAccount(), feeSink, key.AssetIn, fee); err != nil {
			return nil, err
		}
	}
	pool.Executing = true

	return &CycleWork{
		TraceID:         uuid.New(),
		Key:             key,
		Escrow:          pool.EscrowAccount(),
		CycleIndex:      pool.CyclesCompleted + 1,
		PendingAmount:   pool.PendingAmount,
		Fee:             fee,
		NetInput:        netInput,
		PriorCumulative: pool.CumulativeRates.At(pool.CyclesCompleted),
		StartedAt:       now,
	}, nil
}

// CommitCycle folds the measured conversion output into the pool: records the
// new cumulative rate, increments the cycle counter, applies the scheduled
// deduction registered at the new index, and stamps the execution time.
//
// The deduction is read at the incremented counter, so every position whose
// FinalCycle equals the new count drops out of PendingAmount in this single
// O(1) step, however many such positions exist.
func (l *Ledger) CommitCycle(work *CycleWork, outputDelta sdkmath.Int, now time.Time) (types.CycleExecutedEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.pools[work.Key.String()]
	if !ok {
		return types.CycleExecutedEvent{}, ErrPoolNotFound
	}

	// A negative delta means the converter removed output asset from the
	// escrow; folding it in would make the cumulative rate decrease. The
	// pool stays in its executing state and the caller unwinds with
	// AbortCycle.
	if outputDelta.IsNil() || outputDelta.IsNegative() {
		return types.CycleExecutedEvent{}, ErrNegativeOutput
	}

	rate := outputDelta.Mul(types.RatePrecision).Quo(work.NetInput)
	pool.CumulativeRates.Record(work.CycleIndex, work.PriorCumulative.Add(rate))
	pool.CyclesCompleted = work.CycleIndex

	if deduction := pool.ScheduledDeductions.Get(pool.CyclesCompleted); deduction.IsPositive() {
		pool.PendingAmount = pool.PendingAmount.Sub(deduction)
		delete(pool.ScheduledDeductions, pool.CyclesCompleted)
	}

	pool.LastExecutionTime = now
	pool.Executing = false
	pool.WindowEnrollments = nil

	event := types.CycleExecutedEvent{
		TraceID:    work.TraceID,
		PoolKey:    work.Key,
		CycleIndex: work.CycleIndex,
		NetInput:   work.NetInput,
		Output:     outputDelta,
		Fee:        work.Fee,
		Rate:       rate,
		ExecutedAt: now,
	}

	l.persistPool(pool)
	return event, nil
}

// AbortCycle unwinds a failed conversion: the fee returns from the sink to
// the pool escrow and the executing flag clears. Positions enrolled during
// the conversion window assumed the cycle would commit, so their watermark,
// final cycle, and scheduled-deduction index shift back by one onto the
// unchanged counter.
func (l *Ledger) AbortCycle(work *CycleWork, feeSink string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.pools[work.Key.String()]
	if !ok {
		return ErrPoolNotFound
	}
	if work.Fee.IsPositive() {
		if err := l.book.Transfer(feeSink, work.Escrow, work.Key.AssetIn, work.Fee); err != nil {
			return err
		}
	}

	for _, id := range pool.WindowEnrollments {
		pos, ok := l.positions[id]
		if !ok {
			continue
		}
		pool.ScheduledDeductions.Sub(pos.FinalCycle, pos.AmountPerCycle)
		pos.FinalCycle--
		pos.LastSettledCycle--
		pool.ScheduledDeductions.Add(pos.FinalCycle, pos.AmountPerCycle)
		l.persistPosition(pos)
	}
	pool.WindowEnrollments = nil

	pool.Executing = false
	l.persistPool(pool)
	return nil
}

// DuePools returns the keys of pools whose interval has elapsed and whose
// pending amount is positive, i.e. the pools a sweep should execute now.
func (l *Ledger) DuePools(now time.Time) []types.PoolKey {
	l.mu.Lock()
	defer l.mu.Unlock()

	var due []types.PoolKey
	for _, pool := range l.pools {
		if pool.Executing || !pool.PendingAmount.IsPositive() {
			continue
		}
		if pool.LastExecutionTime.IsZero() || !now.Before(pool.LastExecutionTime.Add(pool.Key.Interval)) {
			due = append(due, pool.Key)
		}
	}
	return due
}
