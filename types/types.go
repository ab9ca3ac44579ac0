// Package types defines the records shared by the payment gateway: quotes,
// payments, ledger accounts, creator earnings, withdrawal requests, free-tier
// counters and reconciliation snapshots.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset identifies the payment asset for a quote.
type Asset string

const (
	AssetSOL  Asset = "SOL"
	AssetUSDC Asset = "USDC"
)

// FreeTierPeriod is the rolling window applied to a service's free tier.
type FreeTierPeriod string

const (
	PeriodDaily   FreeTierPeriod = "daily"
	PeriodWeekly  FreeTierPeriod = "weekly"
	PeriodMonthly FreeTierPeriod = "monthly"
)

// Window returns the rolling window length for the period. Windows are
// rolling (measured from period_start), not calendar-aligned.
func (p FreeTierPeriod) Window() time.Duration {
	switch p {
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	case PeriodMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Service carries the fields the protocol reads for a gated route. It is a
// read model supplied at route registration, not the marketplace schema.
type Service struct {
	ID             string
	Name           string
	PriceUSD       decimal.Decimal
	Asset          Asset
	CreatorID      string // earnings beneficiary; empty when none
	FreeTierLimit  int    // calls per period; zero disables the free tier
	FreeTierPeriod FreeTierPeriod
}

// HasFreeTier reports whether the service grants free calls.
func (s Service) HasFreeTier() bool {
	return s.FreeTierLimit > 0
}

// Quote is a payment quote issued on an unpaid request. Immutable once
// created; expired quotes are rejected at validation time, never deleted.
type Quote struct {
	ID             string
	ServiceID      string
	AmountUSD      decimal.Decimal
	PaymentAddress string
	PaymentAsset   Asset
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Payment records the presentation of a transaction signature against a
// quote. At most one row exists per signature; Verified transitions
// false→true exactly once and never reverts.
type Payment struct {
	ID         string
	QuoteID    string
	TxRef      string
	Verified   bool
	VerifiedAt *time.Time
	CreatedAt  time.Time
}

// UserAccount is a prepaid ledger account keyed by wallet address.
// Invariant: BalanceUSD never goes negative; a deduction that cannot be
// satisfied is rejected, not clamped.
type UserAccount struct {
	Wallet         string
	BalanceUSD     decimal.Decimal
	TotalDeposited decimal.Decimal
	TotalSpent     decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransactionType classifies an AccountTransaction.
type TransactionType string

const (
	TxDeposit TransactionType = "deposit"
	TxSpend   TransactionType = "spend"
	TxRefund  TransactionType = "refund"
)

// AccountTransaction is one immutable row of the append-only audit trail.
// It commits in the same storage transaction as the balance mutation it
// describes.
type AccountTransaction struct {
	ID          string
	Wallet      string
	Type        TransactionType
	AmountUSD   decimal.Decimal
	ServiceID   string
	Description string
	TxRef       string
	CreatedAt   time.Time
}

// CreatorEarnings aggregates a creator's accrued revenue.
// AvailableBalance decreases when a withdrawal is requested (funds
// earmarked) and TotalWithdrawn increases only on a confirmed payout.
type CreatorEarnings struct {
	CreatorID        string
	AvailableBalance decimal.Decimal
	TotalEarned      decimal.Decimal
	TotalWithdrawn   decimal.Decimal
	UpdatedAt        time.Time
}

// WithdrawalStatus is the state of a WithdrawalRequest.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// WithdrawalRequest is a creator payout request.
// Transitions: pending→completed (TxRef set) or pending→failed
// (AvailableBalance refunded, ErrorMessage set). No other transitions.
type WithdrawalRequest struct {
	ID            string
	CreatorID     string
	AmountUSD     decimal.Decimal
	PayoutAddress string
	Status        WithdrawalStatus
	TxRef         string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FreeTierUsage tracks calls within a service's rolling free-tier window.
type FreeTierUsage struct {
	Wallet      string
	ServiceID   string
	CallsUsed   int
	PeriodStart time.Time
}

// APIKey is the stored form of a bearer credential. Only the SHA-256 hash
// is persisted; the plaintext is shown to the holder exactly once.
type APIKey struct {
	ID        string
	Wallet    string
	KeyHash   string
	MaskedKey string
	Active    bool
	CreatedAt time.Time
}

// AuthMethod records which path granted a request.
type AuthMethod string

const (
	AuthAPIKey   AuthMethod = "apikey"
	AuthFreeTier AuthMethod = "freetier"
	AuthX402     AuthMethod = "x402"
)

// UsageEntry is one logged call against a gated service, recorded with the
// handler's real status code regardless of outcome.
type UsageEntry struct {
	ID         string
	Wallet     string
	ServiceID  string
	AuthMethod AuthMethod
	CostUSD    decimal.Decimal
	StatusCode int
	CreatedAt  time.Time
}

// ReconciliationStatus is the terminal outcome of a reconciliation run.
type ReconciliationStatus string

const (
	ReconMatched     ReconciliationStatus = "matched"
	ReconDiscrepancy ReconciliationStatus = "discrepancy"
	ReconError       ReconciliationStatus = "error"
)

// ReconciliationRecord is an append-only snapshot comparing the ledger's
// aggregate liability against the treasury's on-chain balance. A record is
// persisted for every run, including failed ones.
type ReconciliationRecord struct {
	ID                 string
	TotalLedgerUSD     decimal.Decimal
	TotalOnChainUSD    decimal.Decimal
	Difference         decimal.Decimal
	Status             ReconciliationStatus
	Discrepancies      []string
	AccountCount       int
	PendingWithdrawals decimal.Decimal
	RunBy              string
	RunAt              time.Time
}
