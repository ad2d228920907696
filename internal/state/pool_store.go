// ./internal/state/pool_store.go
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/dripnet/dripd/internal/types"
)

// SavePool upserts a pool record, including its sparse maps as JSONB.
func SavePool(pool types.Pool) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	deductionsJSON, err := json.Marshal(pool.ScheduledDeductions)
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled_deductions: %w", err)
	}
	ratesJSON, err := json.Marshal(pool.CumulativeRates)
	if err != nil {
		return fmt.Errorf("failed to marshal cumulative_rates: %w", err)
	}

	var lastExec interface{}
	if !pool.LastExecutionTime.IsZero() {
		lastExec = pool.LastExecutionTime
	}

	query := `
		INSERT INTO pools (
			pool_key, asset_in, asset_out, interval_seconds,
			cycles_completed, pending_amount, last_execution_time,
			scheduled_deductions, cumulative_rates, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CURRENT_TIMESTAMP)
		ON CONFLICT (pool_key) DO UPDATE SET
			cycles_completed = EXCLUDED.cycles_completed,
			pending_amount = EXCLUDED.pending_amount,
			last_execution_time = EXCLUDED.last_execution_time,
			scheduled_deductions = EXCLUDED.scheduled_deductions,
			cumulative_rates = EXCLUDED.cumulative_rates,
			updated_at = CURRENT_TIMESTAMP;
	`
	_, err = DB.Exec(
		query,
		pool.Key.String(), pool.Key.AssetIn, pool.Key.AssetOut, int64(pool.Key.Interval/time.Second),
		int64(pool.CyclesCompleted), pool.PendingAmount.String(), lastExec,
		deductionsJSON, ratesJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save pool %s: %w", pool.Key.String(), err)
	}
	return nil
}

// LoadPools returns every persisted pool record, used to rebuild the
// in-memory registry at startup.
func LoadPools() ([]types.Pool, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	rows, err := DB.Query(`
		SELECT pool_key, cycles_completed, pending_amount, last_execution_time,
		       scheduled_deductions, cumulative_rates
		FROM pools;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pools: %w", err)
	}
	defer rows.Close()

	var pools []types.Pool
	for rows.Next() {
		var (
			keyStr         string
			cycles         int64
			pendingStr     string
			lastExec       sql.NullTime
			deductionsJSON []byte
			ratesJSON      []byte
		)
		if err := rows.Scan(&keyStr, &cycles, &pendingStr, &lastExec, &deductionsJSON, &ratesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan pool row: %w", err)
		}

		key, err := types.ParsePoolKey(keyStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt pool key %q in database: %w", keyStr, err)
		}
		pending, ok := sdkmath.NewIntFromString(pendingStr)
		if !ok {
			return nil, fmt.Errorf("corrupt pending_amount %q for pool %s", pendingStr, keyStr)
		}

		pool := types.Pool{
			Key:                 key,
			CyclesCompleted:     uint32(cycles),
			PendingAmount:       pending,
			ScheduledDeductions: make(types.SparseAmounts),
			CumulativeRates:     make(types.RateHistory),
		}
		if lastExec.Valid {
			pool.LastExecutionTime = lastExec.Time
		}
		if err := json.Unmarshal(deductionsJSON, &pool.ScheduledDeductions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scheduled_deductions for %s: %w", keyStr, err)
		}
		if err := json.Unmarshal(ratesJSON, &pool.CumulativeRates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cumulative_rates for %s: %w", keyStr, err)
		}

		pools = append(pools, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pool row iteration failed: %w", err)
	}

	log.Info().Int("pools", len(pools)).Msg("Loaded pools from database")
	return pools, nil
}
