/*

This file contains the pooled accrual ledger: the pool registry, the position
registry, and the enrollment/settlement operations. Settlement is O(1) per
position regardless of pool size: a position's accrued output is the
difference of two cumulative-rate readings times its per-cycle amount, and a
position's expiry is pre-aggregated into the pool's scheduled deductions at
enrollment time so the executor never iterates positions.

All operations are all-or-nothing: every precondition is checked before the
first mutation, and a failed operation leaves the ledger untouched.

*/

package ledger

import (
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dripnet/dripd/internal/logger"
	"github.com/dripnet/dripd/internal/state"
	"github.com/dripnet/dripd/internal/treasury"
	"github.com/dripnet/dripd/internal/types"
)

// Ledger is the shared registry of pools and positions. A single mutex
// serializes every state transition, mirroring the atomic execution substrate
// the accounting scheme assumes; the only suspension point is the external
// conversion, which runs between BeginCycle and CommitCycle with the lock
// released.
type Ledger struct {
	mu        sync.Mutex
	pools     map[string]*types.Pool
	positions map[uuid.UUID]*types.Position
	book      *treasury.Book
	logger    zerolog.Logger
}

// New creates an empty ledger backed by the given balance book.
func New(book *treasury.Book) *Ledger {
	return &Ledger{
		pools:     make(map[string]*types.Pool),
		positions: make(map[uuid.UUID]*types.Position),
		book:      book,
		logger:    logger.GetForComponent("ledger"),
	}
}

// Book exposes the underlying balance book (funding accounts, reading
// balances in tests and the API).
func (l *Ledger) Book() *treasury.Book {
	return l.book
}

// getOrCreatePool returns the pool for key, creating it lazily. Caller must
// hold l.mu.
func (l *Ledger) getOrCreatePool(key types.PoolKey) *types.Pool {
	if p, ok := l.pools[key.String()]; ok {
		return p
	}
	p := types.NewPool(key)
	l.pools[key.String()] = p
	l.logger.Info().Str("pool", key.String()).Msg("Created new execution pool")
	return p
}

// Enroll registers a recurring schedule into the pool for key, escrowing the
// full amount from the owner's treasury account. The per-cycle amount is the
// integer quotient amount/totalCycles; the remainder stays in escrow and is
// never converted.
func (l *Ledger) Enroll(key types.PoolKey, owner string, amount sdkmath.Int, totalCycles uint32, now time.Time) (types.Position, error) {
	if totalCycles == 0 {
		return types.Position{}, ErrInvalidCycleCount
	}
	if amount.IsNil() || !amount.IsPositive() {
		return types.Position{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool := l.getOrCreatePool(key)

	// Escrow first: the only operation here that can fail. Nothing has been
	// mutated in the ledger yet, and a failed debit leaves the book unchanged.
	if err := l.book.Transfer(owner, pool.EscrowAccount(), key.AssetIn, amount); err != nil {
		return types.Position{}, err
	}

	// While a cycle is executing, its net input was already captured, so a
	// contribution landing now first participates in the cycle after it. The
	// accrual watermark and expiry index are based on the post-commit
	// counter; if the in-flight cycle aborts instead, AbortCycle rebases
	// the position onto the unchanged counter.
	base := pool.CyclesCompleted
	if pool.Executing {
		base++
	}

	amountPerCycle := amount.Quo(sdkmath.NewInt(int64(totalCycles)))
	finalCycle := base + totalCycles

	pool.PendingAmount = pool.PendingAmount.Add(amountPerCycle)
	pool.ScheduledDeductions.Add(finalCycle, amountPerCycle)

	pos := &types.Position{
		ID:               uuid.New(),
		Owner:            owner,
		PoolKey:          key,
		TotalCycles:      totalCycles,
		FinalCycle:       finalCycle,
		LastSettledCycle: base,
		AmountPerCycle:   amountPerCycle,
		EnrolledAmount:   amount,
		CreatedAt:        now,
	}
	l.positions[pos.ID] = pos
	if pool.Executing {
		pool.WindowEnrollments = append(pool.WindowEnrollments, pos.ID)
	}

	l.logger.Info().
		Str("position", pos.ID.String()).
		Str("pool", key.String()).
		Str("owner", owner).
		Str("amountPerCycle", amountPerCycle.String()).
		Uint32("totalCycles", totalCycles).
		Uint32("finalCycle", finalCycle).
		Msg("Position enrolled")

	l.persistPool(pool)
	l.persistPosition(pos)
	l.journalEnrollment(types.PositionEnrolledEvent{
		PositionID:     pos.ID,
		PoolKey:        key,
		Owner:          owner,
		EnrolledAmount: amount,
		AmountPerCycle: amountPerCycle,
		TotalCycles:    totalCycles,
		FinalCycle:     finalCycle,
		EnrolledAt:     now,
	})

	return *pos, nil
}

// accruedLocked computes the output owed to pos since its last settlement.
// Caller must hold l.mu.
func accruedLocked(pool *types.Pool, pos *types.Position) sdkmath.Int {
	settleUpTo := pool.CyclesCompleted
	if pos.FinalCycle < settleUpTo {
		settleUpTo = pos.FinalCycle
	}
	if pos.LastSettledCycle > settleUpTo {
		return sdkmath.ZeroInt()
	}
	delta := pool.CumulativeRates.At(settleUpTo).Sub(pool.CumulativeRates.At(pos.LastSettledCycle))
	return delta.Mul(pos.AmountPerCycle).Quo(types.RatePrecision)
}

// AccruedOutput returns the converted output owed to the position but not yet
// collected. Pure read.
func (l *Ledger) AccruedOutput(id uuid.UUID) (sdkmath.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return sdkmath.Int{}, ErrPositionNotFound
	}
	if pos.Closed {
		return sdkmath.Int{}, ErrPositionClosed
	}
	pool, ok := l.pools[pos.PoolKey.String()]
	if !ok {
		return sdkmath.Int{}, ErrPoolNotFound
	}
	return accruedLocked(pool, pos), nil
}

// Collect transfers the position's accrued output to the beneficiary and
// advances its settlement watermark. The position survives; collecting twice
// with no intervening cycle yields zero the second time, not an error.
func (l *Ledger) Collect(id uuid.UUID, beneficiary string, now time.Time) (types.PositionSettledEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return types.PositionSettledEvent{}, ErrPositionNotFound
	}
	if pos.Closed {
		return types.PositionSettledEvent{}, ErrPositionClosed
	}
	pool, ok := l.pools[pos.PoolKey.String()]
	if !ok {
		return types.PositionSettledEvent{}, ErrPoolNotFound
	}

	accrued := accruedLocked(pool, pos)
	if accrued.IsPositive() {
		if err := l.book.Transfer(pool.EscrowAccount(), beneficiary, pos.PoolKey.AssetOut, accrued); err != nil {
			return types.PositionSettledEvent{}, err
		}
	}

	settled := pool.CyclesCompleted
	if pos.FinalCycle < settled {
		settled = pos.FinalCycle
	}
	pos.LastSettledCycle = settled

	event := types.PositionSettledEvent{
		PositionID:       pos.ID,
		PoolKey:          pos.PoolKey,
		Kind:             types.SettlementCollected,
		Beneficiary:      beneficiary,
		AccruedOutput:    accrued,
		UnconvertedInput: sdkmath.ZeroInt(),
		SettledCycle:     settled,
		SettledAt:        now,
	}

	l.logger.Info().
		Str("position", pos.ID.String()).
		Str("accruedOutput", accrued.String()).
		Uint32("settledCycle", settled).
		Msg("Position collected")

	l.persistPosition(pos)
	l.journalSettlement(event)
	return event, nil
}

// Close settles the position one final time and retires it. Both the accrued
// output and any input not yet converted are released to the beneficiary; if
// the position had not naturally expired, its future contribution is removed
// from the pool immediately.
func (l *Ledger) Close(id uuid.UUID, beneficiary string, now time.Time) (types.PositionSettledEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return types.PositionSettledEvent{}, ErrPositionNotFound
	}
	if pos.Closed {
		return types.PositionSettledEvent{}, ErrPositionClosed
	}
	pool, ok := l.pools[pos.PoolKey.String()]
	if !ok {
		return types.PositionSettledEvent{}, ErrPoolNotFound
	}
	// A close while a conversion is in flight would refund an installment the
	// conversion is consuming. The caller retries after the cycle settles.
	if pool.Executing {
		return types.PositionSettledEvent{}, ErrCycleInProgress
	}

	accrued := accruedLocked(pool, pos)
	unconverted := sdkmath.ZeroInt()
	if remaining := pos.CyclesRemaining(pool.CyclesCompleted); remaining > 0 {
		unconverted = pos.AmountPerCycle.Mul(sdkmath.NewInt(int64(remaining)))
	}

	// Both transfers must clear before any ledger mutation.
	escrow := pool.EscrowAccount()
	if accrued.IsPositive() {
		if err := l.book.Transfer(escrow, beneficiary, pos.PoolKey.AssetOut, accrued); err != nil {
			return types.PositionSettledEvent{}, err
		}
	}
	if unconverted.IsPositive() {
		if err := l.book.Transfer(escrow, beneficiary, pos.PoolKey.AssetIn, unconverted); err != nil {
			// Roll back the output transfer so the failed close is a no-op.
			if accrued.IsPositive() {
				if rbErr := l.book.Transfer(beneficiary, escrow, pos.PoolKey.AssetOut, accrued); rbErr != nil {
					l.logger.Error().Err(rbErr).Str("position", pos.ID.String()).Msg("Failed to roll back output transfer after close failure")
				}
			}
			return types.PositionSettledEvent{}, err
		}
	}

	if !pos.Expired(pool.CyclesCompleted) {
		pool.PendingAmount = pool.PendingAmount.Sub(pos.AmountPerCycle)
		pool.ScheduledDeductions.Sub(pos.FinalCycle, pos.AmountPerCycle)
	}

	settled := pool.CyclesCompleted
	if pos.FinalCycle < settled {
		settled = pos.FinalCycle
	}
	pos.LastSettledCycle = settled
	pos.AmountPerCycle = sdkmath.ZeroInt()
	pos.Closed = true

	event := types.PositionSettledEvent{
		PositionID:       pos.ID,
		PoolKey:          pos.PoolKey,
		Kind:             types.SettlementClosed,
		Beneficiary:      beneficiary,
		AccruedOutput:    accrued,
		UnconvertedInput: unconverted,
		SettledCycle:     settled,
		SettledAt:        now,
	}

	l.logger.Info().
		Str("position", pos.ID.String()).
		Str("accruedOutput", accrued.String()).
		Str("unconvertedInput", unconverted.String()).
		Msg("Position closed")

	l.persistPool(pool)
	l.persistPosition(pos)
	l.journalSettlement(event)
	return event, nil
}

// --- snapshot accessors (read-only copies for the API layer) ---

// PoolSnapshot returns a copy of the pool with the given canonical key.
func (l *Ledger) PoolSnapshot(key string) (types.Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pools[key]
	if !ok {
		return types.Pool{}, ErrPoolNotFound
	}
	return copyPool(p), nil
}

// ListPools returns copies of every known pool.
func (l *Ledger) ListPools() []types.Pool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Pool, 0, len(l.pools))
	for _, p := range l.pools {
		out = append(out, copyPool(p))
	}
	return out
}

// PositionSnapshot returns a copy of the position together with its live
// accrued output and remaining unconverted input.
func (l *Ledger) PositionSnapshot(id uuid.UUID) (types.Position, sdkmath.Int, sdkmath.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return types.Position{}, sdkmath.Int{}, sdkmath.Int{}, ErrPositionNotFound
	}
	pool, ok := l.pools[pos.PoolKey.String()]
	if !ok {
		return types.Position{}, sdkmath.Int{}, sdkmath.Int{}, ErrPoolNotFound
	}

	accrued := sdkmath.ZeroInt()
	unconverted := sdkmath.ZeroInt()
	if !pos.Closed {
		accrued = accruedLocked(pool, pos)
		if remaining := pos.CyclesRemaining(pool.CyclesCompleted); remaining > 0 {
			unconverted = pos.AmountPerCycle.Mul(sdkmath.NewInt(int64(remaining)))
		}
	}
	return *pos, accrued, unconverted, nil
}

func copyPool(p *types.Pool) types.Pool {
	cp := *p
	cp.ScheduledDeductions = make(types.SparseAmounts, len(p.ScheduledDeductions))
	for k, v := range p.ScheduledDeductions {
		cp.ScheduledDeductions[k] = v
	}
	cp.CumulativeRates = make(types.RateHistory, len(p.CumulativeRates))
	for k, v := range p.CumulativeRates {
		cp.CumulativeRates[k] = v
	}
	cp.WindowEnrollments = nil
	return cp
}

// --- restart restore ---

// RestorePool installs a pool record loaded from persistence. Used only
// during startup before any operation runs.
func (l *Ledger) RestorePool(p types.Pool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	restored := p
	if restored.ScheduledDeductions == nil {
		restored.ScheduledDeductions = make(types.SparseAmounts)
	}
	if restored.CumulativeRates == nil {
		restored.CumulativeRates = make(types.RateHistory)
	}
	l.pools[p.Key.String()] = &restored
}

// RestorePosition installs a position record loaded from persistence.
func (l *Ledger) RestorePosition(p types.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	restored := p
	l.positions[p.ID] = &restored
}

// RebuildEscrows recredits every pool escrow from the restored records.
// Called once at startup, after RestorePool/RestorePosition and before any
// operation runs, because the balance book itself is not persisted.
//
// Each open position still has in escrow its unconsumed input (the enrolled
// amount minus one installment per cycle it funded, dust included) plus its
// uncollected accrued output. Residue no position can ever claim, the
// forfeited dust of closed positions and settlement truncation remainders,
// is dropped; it was unreachable before the restart too.
func (l *Ledger) RebuildEscrows() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, pos := range l.positions {
		if pos.Closed {
			continue
		}
		pool, ok := l.pools[pos.PoolKey.String()]
		if !ok {
			return fmt.Errorf("position %s references unknown pool %s", pos.ID, pos.PoolKey.String())
		}

		funded := pos.TotalCycles - pos.CyclesRemaining(pool.CyclesCompleted)
		inputLeft := pos.EnrolledAmount.Sub(pos.AmountPerCycle.Mul(sdkmath.NewInt(int64(funded))))
		if inputLeft.IsPositive() {
			if err := l.book.Credit(pool.EscrowAccount(), pos.PoolKey.AssetIn, inputLeft); err != nil {
				return err
			}
		}
		if owed := accruedLocked(pool, pos); owed.IsPositive() {
			if err := l.book.Credit(pool.EscrowAccount(), pos.PoolKey.AssetOut, owed); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- write-behind persistence (observability and restart continuity; the
// engine stays correct without a database) ---

func (l *Ledger) persistPool(p *types.Pool) {
	if !state.Enabled() {
		return
	}
	if err := state.SavePool(*p); err != nil {
		l.logger.Error().Err(err).Str("pool", p.Key.String()).Msg("Failed to persist pool")
	}
}

func (l *Ledger) persistPosition(p *types.Position) {
	if !state.Enabled() {
		return
	}
	if err := state.SavePosition(*p); err != nil {
		l.logger.Error().Err(err).Str("position", p.ID.String()).Msg("Failed to persist position")
	}
}

func (l *Ledger) journalEnrollment(e types.PositionEnrolledEvent) {
	if !state.Enabled() {
		return
	}
	if err := state.SaveEnrollmentEvent(e); err != nil {
		l.logger.Error().Err(err).Str("position", e.PositionID.String()).Msg("Failed to journal enrollment")
	}
}

func (l *Ledger) journalSettlement(e types.PositionSettledEvent) {
	if !state.Enabled() {
		return
	}
	if err := state.SaveSettlementEvent(e); err != nil {
		l.logger.Error().Err(err).Str("position", e.PositionID.String()).Msg("Failed to journal settlement")
	}
}
