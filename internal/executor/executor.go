/*

This file contains the cycle executor: the single component authorized to run
batched conversions. Once per interval per pool it consumes the pool's
pending amount, deducts the execution fee, invokes the external converter,
and folds the measured output into the pool's cumulative rate history.

The converter is an injected collaborator and is not trusted: the executor
measures the escrow's output-asset balance before and after the call and
commits the delta, never the converter's own report.

*/

package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dripnet/dripd/internal/converter"
	"github.com/dripnet/dripd/internal/ledger"
	"github.com/dripnet/dripd/internal/logger"
	"github.com/dripnet/dripd/internal/state"
	"github.com/dripnet/dripd/internal/types"
)

// Executor owns the exclusive run-cycle capability for every pool in the
// ledger. Exactly one instance runs per deployment.
type Executor struct {
	ledger     *ledger.Ledger
	converter  converter.Converter
	feeRateBps uint32
	feeSink    string
	identity   string
	logger     zerolog.Logger

	cycleCount int
}

// Config holds the dependencies for creating an Executor.
type Config struct {
	Ledger     *ledger.Ledger
	Converter  converter.Converter
	FeeRateBps uint32
	FeeSink    string
	Identity   string
}

// MaxFeeRateBps caps the execution fee at 1%.
const MaxFeeRateBps = 100

// New creates an executor after validating its configuration.
func New(cfg Config) (*Executor, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if cfg.Converter == nil {
		return nil, fmt.Errorf("converter cannot be nil")
	}
	if cfg.FeeRateBps > MaxFeeRateBps {
		return nil, fmt.Errorf("fee rate %d bps exceeds maximum %d bps", cfg.FeeRateBps, MaxFeeRateBps)
	}
	if cfg.FeeSink == "" {
		return nil, fmt.Errorf("fee sink account cannot be empty")
	}

	return &Executor{
		ledger:     cfg.Ledger,
		converter:  cfg.Converter,
		feeRateBps: cfg.FeeRateBps,
		feeSink:    cfg.FeeSink,
		identity:   cfg.Identity,
		logger:     logger.GetForComponent("executor"),
	}, nil
}

// RunCycle executes one batched conversion for the pool. Precondition
// failures (interval not elapsed, nothing pending) reject before any state
// change; a converter failure unwinds the fee transfer so the whole cycle is
// all-or-nothing.
func (e *Executor) RunCycle(ctx context.Context, key types.PoolKey) (types.CycleExecutedEvent, error) {
	work, err := e.ledger.BeginCycle(key, e.feeRateBps, e.feeSink, time.Now())
	if err != nil {
		return types.CycleExecutedEvent{}, err
	}

	cycleLogger := e.logger.With().
		Str("cycle_id", work.TraceID.String()).
		Str("pool", key.String()).
		Uint32("cycleIndex", work.CycleIndex).
		Logger()

	cycleLogger.Info().
		Str("pendingAmount", work.PendingAmount.String()).
		Str("fee", work.Fee.String()).
		Str("netInput", work.NetInput.String()).
		Msg("Executing pool cycle")

	// Same-asset pools skip the external call entirely: the net input is
	// already denominated in the output asset and stays in escrow.
	output := work.NetInput
	if key.AssetIn != key.AssetOut {
		book := e.ledger.Book()
		outBefore := book.Balance(work.Escrow, key.AssetOut)

		reported, convErr := e.converter.Convert(ctx, work.Escrow, work.NetInput, key.AssetIn, key.AssetOut)
		if convErr != nil {
			cycleLogger.Error().Err(convErr).Msg("Conversion failed, aborting cycle")
			if abortErr := e.ledger.AbortCycle(work, e.feeSink); abortErr != nil {
				cycleLogger.Error().Err(abortErr).Msg("Failed to unwind aborted cycle")
			}
			return types.CycleExecutedEvent{}, convErr
		}

		// Commit what actually arrived, not what the converter claims.
		output = book.Balance(work.Escrow, key.AssetOut).Sub(outBefore)
		if output.IsNegative() {
			cycleLogger.Error().
				Str("measured", output.String()).
				Msg("Converter removed output asset from escrow, aborting cycle")
			if abortErr := e.ledger.AbortCycle(work, e.feeSink); abortErr != nil {
				cycleLogger.Error().Err(abortErr).Msg("Failed to unwind aborted cycle")
			}
			return types.CycleExecutedEvent{}, fmt.Errorf("converter removed %s %s from escrow", output.Neg(), key.AssetOut)
		}
		if !reported.IsNil() && !reported.Equal(output) {
			cycleLogger.Warn().
				Str("reported", reported.String()).
				Str("measured", output.String()).
				Msg("Converter-reported output differs from measured balance delta; using measured value")
		}
	}

	event, err := e.ledger.CommitCycle(work, output, time.Now())
	if err != nil {
		return types.CycleExecutedEvent{}, err
	}

	cycleLogger.Info().
		Str("output", event.Output.String()).
		Str("rate", event.Rate.String()).
		Msg("Pool cycle executed")

	e.journalCycle(event, cycleLogger)
	return event, nil
}

// Sweep runs a cycle on every pool that is currently due. Pools are
// independent; one pool's failure never blocks the others.
func (e *Executor) Sweep(ctx context.Context) {
	for _, key := range e.ledger.DuePools(time.Now()) {
		if _, err := e.RunCycle(ctx, key); err != nil {
			if errors.Is(err, ledger.ErrTooEarlyToExecute) || errors.Is(err, ledger.ErrNothingToExecute) {
				continue
			}
			e.logger.Error().Err(err).Str("pool", key.String()).Msg("Pool cycle failed")
		}
	}
}

// RunLoop sweeps due pools at the given tick interval until the context is
// cancelled. The tick should be at most the shortest pool interval in use.
func (e *Executor) RunLoop(ctx context.Context, tick time.Duration) {
	e.logger.Info().Dur("tick", tick).Str("identity", e.identity).Msg("Starting executor loop")

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	e.cycleCount++
	e.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Executor loop stopped due to context cancellation")
			return
		case <-ticker.C:
			e.cycleCount++
			e.Sweep(ctx)
		}
	}
}

// journalCycle saves the executed cycle to the database journal.
func (e *Executor) journalCycle(event types.CycleExecutedEvent, cycleLogger zerolog.Logger) {
	if !state.Enabled() {
		return
	}
	recordID, err := state.SaveCycleEvent(event)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to journal executed cycle")
		return
	}
	cycleLogger.Debug().Int64("record_id", recordID).Msg("Cycle journaled")
}
