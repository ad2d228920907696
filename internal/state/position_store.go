// ./internal/state/position_store.go
package state

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dripnet/dripd/internal/types"
)

// SavePosition upserts a position record.
func SavePosition(pos types.Position) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO positions (
			position_id, owner_account, pool_key,
			total_cycles, final_cycle, last_settled_cycle,
			amount_per_cycle, enrolled_amount, created_at, closed, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, CURRENT_TIMESTAMP)
		ON CONFLICT (position_id) DO UPDATE SET
			last_settled_cycle = EXCLUDED.last_settled_cycle,
			amount_per_cycle = EXCLUDED.amount_per_cycle,
			closed = EXCLUDED.closed,
			updated_at = CURRENT_TIMESTAMP;
	`
	_, err := DB.Exec(
		query,
		pos.ID, pos.Owner, pos.PoolKey.String(),
		int64(pos.TotalCycles), int64(pos.FinalCycle), int64(pos.LastSettledCycle),
		pos.AmountPerCycle.String(), pos.EnrolledAmount.String(), pos.CreatedAt, pos.Closed,
	)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", pos.ID, err)
	}
	return nil
}

// LoadOpenPositions returns every position not yet closed, used to rebuild
// the in-memory registry at startup.
func LoadOpenPositions() ([]types.Position, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	rows, err := DB.Query(`
		SELECT position_id, owner_account, pool_key,
		       total_cycles, final_cycle, last_settled_cycle,
		       amount_per_cycle, enrolled_amount, created_at, closed
		FROM positions
		WHERE closed = FALSE;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		var (
			id                           uuid.UUID
			owner, keyStr                string
			totalCycles, finalCycle      int64
			lastSettled                  int64
			amountPerCycleStr, totalStr  string
			pos                          types.Position
		)
		if err := rows.Scan(&id, &owner, &keyStr, &totalCycles, &finalCycle, &lastSettled,
			&amountPerCycleStr, &totalStr, &pos.CreatedAt, &pos.Closed); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}

		key, err := types.ParsePoolKey(keyStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt pool key %q for position %s: %w", keyStr, id, err)
		}
		amountPerCycle, ok := sdkmath.NewIntFromString(amountPerCycleStr)
		if !ok {
			return nil, fmt.Errorf("corrupt amount_per_cycle %q for position %s", amountPerCycleStr, id)
		}
		enrolled, ok := sdkmath.NewIntFromString(totalStr)
		if !ok {
			return nil, fmt.Errorf("corrupt enrolled_amount %q for position %s", totalStr, id)
		}

		pos.ID = id
		pos.Owner = owner
		pos.PoolKey = key
		pos.TotalCycles = uint32(totalCycles)
		pos.FinalCycle = uint32(finalCycle)
		pos.LastSettledCycle = uint32(lastSettled)
		pos.AmountPerCycle = amountPerCycle
		pos.EnrolledAmount = enrolled

		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position row iteration failed: %w", err)
	}

	log.Info().Int("positions", len(positions)).Msg("Loaded open positions from database")
	return positions, nil
}
