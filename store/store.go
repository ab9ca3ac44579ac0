// Package store defines the storage contract the protocol runs against and
// an in-memory implementation of it. Backends are interchangeable and
// selected at composition time; the protocol never touches module-level
// state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sol402/gateway/types"
)

// Sentinel errors shared by every backend implementation.
var (
	// ErrDuplicatePayment is returned by CreatePayment when a row for the
	// same transaction signature already exists. The caller reads back the
	// winner's row rather than failing the request.
	ErrDuplicatePayment = errors.New("duplicate payment")

	// ErrInsufficientBalance is returned by DebitBalance and
	// EarmarkWithdrawal when the conditional update cannot be satisfied.
	// No partial mutation is ever persisted.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrInvalidTransition is returned when a withdrawal is driven out of
	// the pending state twice.
	ErrInvalidTransition = errors.New("invalid withdrawal transition")
)

// Store is the contract every backend (memory, SQLite) must satisfy.
//
// Balance mutations are atomic read-check-write units: DebitBalance must
// evaluate the insufficient-balance check against the same snapshot the
// write commits against, and must append the audit row in the same unit.
// Two concurrent debits against one wallet must never both succeed when the
// balance only covers one.
type Store interface {
	// Quotes. Quotes are immutable and never deleted.
	CreateQuote(ctx context.Context, q *types.Quote) error
	GetQuote(ctx context.Context, id string) (*types.Quote, error)

	// Payments. TxRef is the idempotency key: concurrent creates for one
	// signature resolve to exactly one row (loser gets ErrDuplicatePayment).
	CreatePayment(ctx context.Context, p *types.Payment) error
	GetPaymentByTxRef(ctx context.Context, txRef string) (*types.Payment, error)
	MarkPaymentVerified(ctx context.Context, id string, at time.Time) error

	// Accounts. GetAccount creates the row lazily with zero balances.
	GetAccount(ctx context.Context, wallet string) (*types.UserAccount, error)
	ListAccounts(ctx context.Context) ([]types.UserAccount, error)
	CreditBalance(ctx context.Context, wallet string, amount decimal.Decimal, entry types.AccountTransaction) error
	DebitBalance(ctx context.Context, wallet string, amount decimal.Decimal, entry types.AccountTransaction) error
	RefundBalance(ctx context.Context, wallet string, amount decimal.Decimal, entry types.AccountTransaction) error

	// API keys.
	CreateAPIKey(ctx context.Context, k *types.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error)

	// Creator earnings and withdrawals.
	GetEarnings(ctx context.Context, creatorID string) (*types.CreatorEarnings, error)
	AccrueEarnings(ctx context.Context, creatorID string, amount decimal.Decimal) error
	EarmarkWithdrawal(ctx context.Context, w *types.WithdrawalRequest) error
	CompleteWithdrawal(ctx context.Context, id, txRef string) error
	FailWithdrawal(ctx context.Context, id, message string) error
	ListPendingWithdrawals(ctx context.Context) ([]types.WithdrawalRequest, error)

	// Free tier. Performs the lazy rolling-window reset and the
	// check-then-increment as one atomic unit; returns whether the call is
	// within the limit and the counter after the call.
	CheckAndIncrementFreeTier(ctx context.Context, wallet, serviceID string, limit int, window time.Duration) (bool, int, error)

	// Usage audit trail.
	LogUsage(ctx context.Context, entry types.UsageEntry) error

	// Reconciliation snapshots.
	SaveReconciliation(ctx context.Context, rec *types.ReconciliationRecord) error

	Close()
}
