// ./internal/state/cycle_store.go
package state

import (
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/dripnet/dripd/internal/types"
)

// SaveCycleEvent appends an executed cycle to the journal.
func SaveCycleEvent(event types.CycleExecutedEvent) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO cycle_events (
			trace_id, pool_key, cycle_index, net_input, output, fee, rate, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING record_id;
	`
	var recordID int64
	err := DB.QueryRow(
		query,
		event.TraceID, event.PoolKey.String(), int64(event.CycleIndex),
		event.NetInput.String(), event.Output.String(), event.Fee.String(), event.Rate.String(),
		event.ExecutedAt,
	).Scan(&recordID)
	if err != nil {
		return 0, fmt.Errorf("failed to save cycle event: %w", err)
	}
	return recordID, nil
}

// GetRecentCycles returns the most recent executed cycles for a pool, newest
// first.
func GetRecentCycles(poolKey string, limit int) ([]types.CycleExecutedEvent, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := DB.Query(`
		SELECT trace_id, pool_key, cycle_index, net_input, output, fee, rate, executed_at
		FROM cycle_events
		WHERE pool_key = $1
		ORDER BY cycle_index DESC
		LIMIT $2;
	`, poolKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle events: %w", err)
	}
	defer rows.Close()

	var events []types.CycleExecutedEvent
	for rows.Next() {
		var (
			event      types.CycleExecutedEvent
			keyStr     string
			cycleIndex int64
			netStr     string
			outStr     string
			feeStr     string
			rateStr    string
		)
		if err := rows.Scan(&event.TraceID, &keyStr, &cycleIndex, &netStr, &outStr, &feeStr, &rateStr, &event.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle event row: %w", err)
		}
		key, err := types.ParsePoolKey(keyStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt pool key %q in cycle event: %w", keyStr, err)
		}
		event.PoolKey = key
		event.CycleIndex = uint32(cycleIndex)
		if event.NetInput, err = parseIntField("net_input", netStr); err != nil {
			return nil, err
		}
		if event.Output, err = parseIntField("output", outStr); err != nil {
			return nil, err
		}
		if event.Fee, err = parseIntField("fee", feeStr); err != nil {
			return nil, err
		}
		if event.Rate, err = parseIntField("rate", rateStr); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cycle event row iteration failed: %w", err)
	}
	return events, nil
}

// SaveEnrollmentEvent appends an enrollment to the journal.
func SaveEnrollmentEvent(event types.PositionEnrolledEvent) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO enrollment_events (
			position_id, pool_key, owner_account,
			enrolled_amount, amount_per_cycle, total_cycles, final_cycle, enrolled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err := DB.Exec(
		query,
		event.PositionID, event.PoolKey.String(), event.Owner,
		event.EnrolledAmount.String(), event.AmountPerCycle.String(),
		int64(event.TotalCycles), int64(event.FinalCycle), event.EnrolledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save enrollment event: %w", err)
	}
	return nil
}

// SaveSettlementEvent appends a collect/close settlement to the journal.
func SaveSettlementEvent(event types.PositionSettledEvent) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO settlement_events (
			position_id, pool_key, kind, beneficiary,
			accrued_output, unconverted_input, settled_cycle, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err := DB.Exec(
		query,
		event.PositionID, event.PoolKey.String(), string(event.Kind), event.Beneficiary,
		event.AccruedOutput.String(), event.UnconvertedInput.String(),
		int64(event.SettledCycle), event.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save settlement event: %w", err)
	}
	return nil
}

func parseIntField(name, value string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(value)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("corrupt %s %q in database", name, value)
	}
	return v, nil
}
