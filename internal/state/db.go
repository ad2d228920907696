// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool. Persistence is optional: every
// store function is guarded by Enabled(), and the engine runs correctly from
// memory alone when no database is configured.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// Enabled reports whether a database connection has been initialized.
func Enabled() bool {
	return DB != nil
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	var err error
	DB, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		DB = nil
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
		DB = nil
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		CREATE TABLE IF NOT EXISTS pools (
			pool_key VARCHAR(255) PRIMARY KEY,
			asset_in VARCHAR(128) NOT NULL,
			asset_out VARCHAR(128) NOT NULL,
			interval_seconds BIGINT NOT NULL,
			cycles_completed BIGINT NOT NULL DEFAULT 0,
			pending_amount NUMERIC(78, 0) NOT NULL DEFAULT 0,
			last_execution_time TIMESTAMPTZ,
			scheduled_deductions JSONB NOT NULL DEFAULT '{}',
			cumulative_rates JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_pools_pair ON pools(asset_in, asset_out);

		CREATE TABLE IF NOT EXISTS positions (
			position_id UUID PRIMARY KEY,
			owner_account VARCHAR(255) NOT NULL,
			pool_key VARCHAR(255) NOT NULL REFERENCES pools(pool_key),
			total_cycles BIGINT NOT NULL,
			final_cycle BIGINT NOT NULL,
			last_settled_cycle BIGINT NOT NULL,
			amount_per_cycle NUMERIC(78, 0) NOT NULL,
			enrolled_amount NUMERIC(78, 0) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			closed BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_positions_pool ON positions(pool_key);
		CREATE INDEX IF NOT EXISTS idx_positions_owner ON positions(owner_account);

		CREATE TABLE IF NOT EXISTS cycle_events (
			record_id SERIAL PRIMARY KEY,
			trace_id UUID NOT NULL,
			pool_key VARCHAR(255) NOT NULL,
			cycle_index BIGINT NOT NULL,
			net_input NUMERIC(78, 0) NOT NULL,
			output NUMERIC(78, 0) NOT NULL,
			fee NUMERIC(78, 0) NOT NULL,
			rate NUMERIC(78, 0) NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cycle_events_pool ON cycle_events(pool_key, cycle_index DESC);
		CREATE INDEX IF NOT EXISTS idx_cycle_events_time ON cycle_events(executed_at DESC);

		CREATE TABLE IF NOT EXISTS enrollment_events (
			record_id SERIAL PRIMARY KEY,
			position_id UUID NOT NULL,
			pool_key VARCHAR(255) NOT NULL,
			owner_account VARCHAR(255) NOT NULL,
			enrolled_amount NUMERIC(78, 0) NOT NULL,
			amount_per_cycle NUMERIC(78, 0) NOT NULL,
			total_cycles BIGINT NOT NULL,
			final_cycle BIGINT NOT NULL,
			enrolled_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_enrollment_events_pool ON enrollment_events(pool_key);

		CREATE TABLE IF NOT EXISTS settlement_events (
			record_id SERIAL PRIMARY KEY,
			position_id UUID NOT NULL,
			pool_key VARCHAR(255) NOT NULL,
			kind VARCHAR(20) NOT NULL,
			beneficiary VARCHAR(255) NOT NULL,
			accrued_output NUMERIC(78, 0) NOT NULL,
			unconverted_input NUMERIC(78, 0) NOT NULL,
			settled_cycle BIGINT NOT NULL,
			settled_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_settlement_events_position ON settlement_events(position_id);
	`
	_, err := DB.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return fmt.Errorf("database connection is nil")
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := DB.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
