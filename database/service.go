// Package database implements store.Store on SQLite. The schema keeps
// monetary values as TEXT (parsed with shopspring/decimal) and guards every
// aggregate row with a version column so balance updates are conditional.
package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sol402/gateway/store"
)

// Config holds the SQLite connection settings.
type Config struct {
	Path         string
	MaxOpenConns int
	MaxIdleConns int
}

// Service is the SQLite-backed store.
type Service struct {
	db *sql.DB
}

var _ store.Store = (*Service)(nil)

// New opens (and migrates) the SQLite database at cfg.Path.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Service{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database store initialized")
	return s, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		service_id TEXT NOT NULL,
		amount_usd TEXT NOT NULL,
		payment_address TEXT NOT NULL,
		payment_asset TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		quote_id TEXT NOT NULL REFERENCES quotes(id),
		tx_ref TEXT NOT NULL UNIQUE,
		verified BOOLEAN NOT NULL DEFAULT 0,
		verified_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_tx_ref ON payments(tx_ref);

	CREATE TABLE IF NOT EXISTS user_accounts (
		wallet TEXT PRIMARY KEY,
		balance_usd TEXT NOT NULL,
		total_deposited TEXT NOT NULL,
		total_spent TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS account_transactions (
		id TEXT PRIMARY KEY,
		wallet TEXT NOT NULL,
		type TEXT NOT NULL,
		amount_usd TEXT NOT NULL,
		service_id TEXT,
		description TEXT,
		tx_ref TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_account_transactions_wallet ON account_transactions(wallet);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		wallet TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		masked_key TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_wallet ON api_keys(wallet);

	CREATE TABLE IF NOT EXISTS creator_earnings (
		creator_id TEXT PRIMARY KEY,
		available_balance TEXT NOT NULL,
		total_earned TEXT NOT NULL,
		total_withdrawn TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		creator_id TEXT NOT NULL,
		amount_usd TEXT NOT NULL,
		payout_address TEXT NOT NULL,
		status TEXT NOT NULL,
		tx_ref TEXT,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawal_requests(status);

	CREATE TABLE IF NOT EXISTS free_tier_usage (
		wallet TEXT NOT NULL,
		service_id TEXT NOT NULL,
		calls_used INTEGER NOT NULL DEFAULT 0,
		period_start TIMESTAMP NOT NULL,
		PRIMARY KEY (wallet, service_id)
	);

	CREATE TABLE IF NOT EXISTS usage_log (
		id TEXT PRIMARY KEY,
		wallet TEXT NOT NULL,
		service_id TEXT NOT NULL,
		auth_method TEXT NOT NULL,
		cost_usd TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_log_wallet ON usage_log(wallet);

	CREATE TABLE IF NOT EXISTS reconciliation_records (
		id TEXT PRIMARY KEY,
		total_ledger_usd TEXT NOT NULL,
		total_onchain_usd TEXT NOT NULL,
		difference TEXT NOT NULL,
		status TEXT NOT NULL,
		discrepancies TEXT NOT NULL,
		account_count INTEGER NOT NULL,
		pending_withdrawals TEXT NOT NULL,
		run_by TEXT NOT NULL,
		run_at TIMESTAMP NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}
