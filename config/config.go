// Package config loads gateway configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/sol402/gateway/database"
	"github.com/sol402/gateway/quote"
	"github.com/sol402/gateway/verify"
)

// Config is the full runtime configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// TreasuryAddress is the wallet payments are quoted into and the
	// account reconciliation monitors.
	TreasuryAddress string

	// RPCEndpoints is the ordered endpoint list, primary first. The public
	// fallbacks are appended after these.
	RPCEndpoints []string

	// HeliusAPIKey enables the indexer fallback when set.
	HeliusAPIKey  string
	HeliusBaseURL string

	// PriceURL overrides the SOL spot-price endpoint.
	PriceURL string

	// QuoteTTL is the quote lifetime.
	QuoteTTL time.Duration

	// APIKeyPrefix marks issued keys.
	APIKeyPrefix string

	// AdminToken guards the admin endpoints. Empty disables them.
	AdminToken string

	// AssetsFile optionally replaces the built-in asset catalog.
	AssetsFile string

	// ReconcileTolerance is the absolute USD tolerance for a matched run.
	ReconcileTolerance decimal.Decimal

	// MemoryStore selects the in-memory backend instead of SQLite.
	MemoryStore bool

	Database   database.Config
	Tolerances verify.Tolerances
}

// Load reads configuration from the environment. A .env file is loaded
// first when present; variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: no .env file loaded: %v", err)
	}

	treasury := getEnvString("TREASURY_ADDRESS", "")
	if treasury == "" {
		return nil, fmt.Errorf("TREASURY_ADDRESS is required")
	}

	quoteTTL, err := getEnvDuration("QUOTE_TTL", quote.DefaultTTL)
	if err != nil {
		return nil, err
	}

	reconcileTolerance, err := getEnvDecimal("RECONCILE_TOLERANCE_USD", decimal.NewFromFloat(0.01))
	if err != nil {
		return nil, err
	}

	tol := verify.DefaultTolerances()
	if tol.TokenPct, err = getEnvDecimal("VERIFY_TOKEN_TOLERANCE_PCT", tol.TokenPct); err != nil {
		return nil, err
	}
	if tol.NativePct, err = getEnvDecimal("VERIFY_NATIVE_TOLERANCE_PCT", tol.NativePct); err != nil {
		return nil, err
	}
	tol.TokenFloorUnits = uint64(getEnvInt("VERIFY_TOKEN_FLOOR_UNITS", int(tol.TokenFloorUnits)))
	tol.NativeFloorLamports = uint64(getEnvInt("VERIFY_NATIVE_FLOOR_LAMPORTS", int(tol.NativeFloorLamports)))

	return &Config{
		ListenAddr:         getEnvString("LISTEN_ADDR", ":8080"),
		TreasuryAddress:    treasury,
		RPCEndpoints:       getEnvList("SOLANA_RPC_ENDPOINTS"),
		HeliusAPIKey:       getEnvString("HELIUS_API_KEY", ""),
		HeliusBaseURL:      getEnvString("HELIUS_BASE_URL", ""),
		PriceURL:           getEnvString("SOL_PRICE_URL", ""),
		QuoteTTL:           quoteTTL,
		APIKeyPrefix:       getEnvString("API_KEY_PREFIX", ""),
		AdminToken:         getEnvString("ADMIN_TOKEN", ""),
		AssetsFile:         getEnvString("ASSETS_FILE", ""),
		ReconcileTolerance: reconcileTolerance,
		MemoryStore:        getEnvBool("MEMORY_STORE", false),
		Database: database.Config{
			Path:         getEnvString("DATABASE_PATH", "gateway.db"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		Tolerances: tol,
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
