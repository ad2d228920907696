package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dripnet/dripd/internal/config"
	"github.com/dripnet/dripd/internal/converter"
	"github.com/dripnet/dripd/internal/executor"
	"github.com/dripnet/dripd/internal/ledger"
	"github.com/dripnet/dripd/internal/logger"
	"github.com/dripnet/dripd/internal/state"
	"github.com/dripnet/dripd/internal/treasury"
	"github.com/dripnet/dripd/internal/web"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// main is the entry point for the dripd daemon.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("dripd starting...")

	// Initialize Database Connection (optional; the engine runs from memory
	// without one, losing only the journal and restart continuity).
	if os.Getenv("DB_HOST") != "" {
		dbCfg := state.DBConfig{
			Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
			User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
			DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
		}
		if err := state.InitDB(dbCfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize database")
		}
		defer state.CloseDB()
		if err := state.EnsureSchema(); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure database schema")
		}
	} else {
		log.Warn().Msg("DB_HOST not set; running without persistence")
	}

	// --- 2. Core Engine Assembly ---
	book := treasury.NewBook()
	engine := ledger.New(book)

	if state.Enabled() {
		restoreLedger(engine)
	}

	// --- 3. Converter Initialization (with Safety Switch) ---
	var conv converter.Converter
	switch mode := os.Getenv("DRIPD_MODE"); mode {
	case "sim":
		log.Warn().Msg("Initializing dripd in SIM mode. Conversions use fixed configured rates.")
		fixed := converter.NewFixedRate(book)
		if err := loadSimRates(fixed); err != nil {
			log.Fatal().Err(err).Msg("Failed to parse DRIPD_SIM_RATES")
		}
		conv = fixed
	case "identity":
		log.Warn().Msg("Initializing dripd in IDENTITY mode. Only same-asset pools can execute.")
		conv = converter.Identity{}
	default:
		log.Fatal().Msg("DRIPD_MODE is not set to 'sim' or 'identity'. Halting to prevent accidental execution.")
	}

	// --- 4. Executor ---
	exec, err := executor.New(executor.Config{
		Ledger:     engine,
		Converter:  conv,
		FeeRateBps: config.FeeRateBps,
		FeeSink:    config.FeeSinkAccount,
		Identity:   config.ExecutorIdentity,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create executor")
	}

	// --- 5. Web Server ---
	webPort := os.Getenv("WEB_PORT")
	if webPort == "" {
		webPort = "8080"
	}

	webServer := web.NewWebServer(webPort, engine)
	go func() {
		log.Info().Str("port", webPort).Str("url", "http://localhost:"+webPort).Msg("Starting dripd API server")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 6. Executor Main Loop ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("tick", config.ExecutorTick.String()).Msg("Starting executor loop")
	exec.RunLoop(ctx, config.ExecutorTick)

	log.Info().Msg("dripd stopped")
}

// restoreLedger rebuilds the in-memory registries from the database.
func restoreLedger(engine *ledger.Ledger) {
	pools, err := state.LoadPools()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load pools from database")
	}
	for _, p := range pools {
		engine.RestorePool(p)
	}

	positions, err := state.LoadOpenPositions()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load positions from database")
	}
	for _, p := range positions {
		engine.RestorePosition(p)
	}

	// The balance book is not persisted; escrows are recomputed from the
	// restored records.
	if err := engine.RebuildEscrows(); err != nil {
		log.Fatal().Err(err).Msg("Failed to rebuild escrow balances")
	}

	log.Info().Int("pools", len(pools)).Int("positions", len(positions)).Msg("Ledger state restored")
}

// loadSimRates parses DRIPD_SIM_RATES, a comma-separated list of
// "assetIn/assetOut=num:den" entries, into the fixed-rate converter.
func loadSimRates(fixed *converter.FixedRate) error {
	raw := os.Getenv("DRIPD_SIM_RATES")
	if raw == "" {
		return nil
	}
	for _, entry := range strings.Split(raw, ",") {
		pair, rate, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			return errInvalidRateEntry(entry)
		}
		assetIn, assetOut, ok := strings.Cut(pair, "/")
		if !ok {
			return errInvalidRateEntry(entry)
		}
		numStr, denStr, ok := strings.Cut(rate, ":")
		if !ok {
			return errInvalidRateEntry(entry)
		}
		num, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return errInvalidRateEntry(entry)
		}
		den, err := strconv.ParseInt(denStr, 10, 64)
		if err != nil || den == 0 {
			return errInvalidRateEntry(entry)
		}
		fixed.SetRate(assetIn, assetOut, num, den)
	}
	return nil
}

type errInvalidRateEntry string

func (e errInvalidRateEntry) Error() string {
	return "invalid DRIPD_SIM_RATES entry: " + string(e)
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
