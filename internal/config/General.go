package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// ExecutorIdentity names the single identity holding the run-cycle
	// capability. Enforcement of who runs the daemon is external; this value
	// is carried for audit logging.
	ExecutorIdentity string

	// ExecutorTick is how often the executor sweeps pools for due cycles.
	// It should not exceed the shortest pool interval in use.
	ExecutorTick time.Duration

	// FeeRateBps is the execution fee in basis points, taken from each
	// cycle's pending amount before conversion.
	FeeRateBps uint32

	// FeeSinkAccount is the treasury account credited with execution fees.
	FeeSinkAccount string
)

// MaxFeeRateBps caps the configurable execution fee at 1%.
const MaxFeeRateBps = 100

// LoadConfig loads configuration from environment variables and sets the global config vars.
// All environment variables are required and must be set.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	ExecutorIdentity, err = getEnv("DRIPD_EXECUTOR_IDENTITY")
	if err != nil {
		return err
	}

	ExecutorTick, err = getEnvAsDuration("DRIPD_EXECUTOR_TICK")
	if err != nil {
		return err
	}

	feeRate, err := getEnvAsUint64("DRIPD_FEE_RATE_BPS")
	if err != nil {
		return err
	}
	if feeRate > MaxFeeRateBps {
		return errors.New("DRIPD_FEE_RATE_BPS exceeds the maximum of " + strconv.Itoa(MaxFeeRateBps))
	}
	FeeRateBps = uint32(feeRate)

	FeeSinkAccount, err = getEnv("DRIPD_FEE_SINK_ACCOUNT")
	if err != nil {
		return err
	}

	log.Debug().
		Str("ExecutorIdentity", ExecutorIdentity).
		Dur("ExecutorTick", ExecutorTick).
		Uint32("FeeRateBps", FeeRateBps).
		Str("FeeSinkAccount", FeeSinkAccount).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDuration retrieves an environment variable as a time.Duration. Returns error if not set or invalid.
func getEnvAsDuration(key string) (time.Duration, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid duration, got: " + valueStr)
	}
	if value <= 0 {
		return 0, errors.New("environment variable " + key + " must be a positive duration")
	}
	return value, nil
}
