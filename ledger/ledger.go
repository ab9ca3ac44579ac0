// Package ledger maintains prepaid user balances and creator earnings as
// transaction-backed mutable aggregates. Every mutation appends an audit
// row in the same storage unit; balances never go negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
)

// Service exposes the ledger operations.
type Service struct {
	store store.Store
}

// New builds a ledger over the given store.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// Deposit credits a wallet. The transaction reference is recorded for the
// audit trail; proving the underlying on-chain deposit is the caller's
// responsibility (it runs the same verifier this gateway uses for quotes).
func (s *Service) Deposit(ctx context.Context, wallet string, amount decimal.Decimal, txRef string) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive, got %s", types.ErrValidation, amount)
	}
	entry := types.AccountTransaction{
		ID:          uuid.New().String(),
		Wallet:      wallet,
		Type:        types.TxDeposit,
		AmountUSD:   amount,
		Description: "balance deposit",
		TxRef:       txRef,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreditBalance(ctx, wallet, amount, entry); err != nil {
		return fmt.Errorf("%w: deposit failed: %v", types.ErrInternal, err)
	}
	zap.L().Info("Deposit credited",
		zap.String("wallet", wallet),
		zap.String("amount_usd", amount.String()),
		zap.String("tx_ref", txRef))
	return nil
}

// Deduct charges a wallet for a service call. The store evaluates the
// insufficient-balance check against the same snapshot it commits, so two
// concurrent deductions can never both succeed on a balance that only
// covers one.
func (s *Service) Deduct(ctx context.Context, wallet string, amount decimal.Decimal, serviceID string) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: deduction amount must be positive, got %s", types.ErrValidation, amount)
	}
	entry := types.AccountTransaction{
		ID:          uuid.New().String(),
		Wallet:      wallet,
		Type:        types.TxSpend,
		AmountUSD:   amount,
		ServiceID:   serviceID,
		Description: "service call",
		CreatedAt:   time.Now(),
	}
	err := s.store.DebitBalance(ctx, wallet, amount, entry)
	if errors.Is(err, store.ErrInsufficientBalance) {
		acct, aerr := s.store.GetAccount(ctx, wallet)
		balance := decimal.Zero
		if aerr == nil {
			balance = acct.BalanceUSD
		}
		return &types.InsufficientBalanceError{Balance: balance, Required: amount}
	}
	if err != nil {
		return fmt.Errorf("%w: deduction failed: %v", types.ErrInternal, err)
	}
	return nil
}

// Refund reverses a deduction. total_spent is clamped at zero when refunds
// exceed historical spend.
func (s *Service) Refund(ctx context.Context, wallet string, amount decimal.Decimal, serviceID string) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: refund amount must be positive, got %s", types.ErrValidation, amount)
	}
	entry := types.AccountTransaction{
		ID:          uuid.New().String(),
		Wallet:      wallet,
		Type:        types.TxRefund,
		AmountUSD:   amount,
		ServiceID:   serviceID,
		Description: "refund",
		CreatedAt:   time.Now(),
	}
	if err := s.store.RefundBalance(ctx, wallet, amount, entry); err != nil {
		return fmt.Errorf("%w: refund failed: %v", types.ErrInternal, err)
	}
	zap.L().Info("Refund credited",
		zap.String("wallet", wallet),
		zap.String("amount_usd", amount.String()))
	return nil
}

// Account returns the wallet's ledger account, creating it lazily.
func (s *Service) Account(ctx context.Context, wallet string) (*types.UserAccount, error) {
	acct, err := s.store.GetAccount(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load account: %v", types.ErrInternal, err)
	}
	return acct, nil
}

// AccrueEarnings credits a creator's available balance when one of their
// services is paid for.
func (s *Service) AccrueEarnings(ctx context.Context, creatorID string, amount decimal.Decimal, serviceID string) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: accrual amount must be positive, got %s", types.ErrValidation, amount)
	}
	if err := s.store.AccrueEarnings(ctx, creatorID, amount); err != nil {
		return fmt.Errorf("%w: earnings accrual failed: %v", types.ErrInternal, err)
	}
	zap.L().Debug("Earnings accrued",
		zap.String("creator_id", creatorID),
		zap.String("service_id", serviceID),
		zap.String("amount_usd", amount.String()))
	return nil
}

// Earnings returns a creator's aggregate, creating it lazily.
func (s *Service) Earnings(ctx context.Context, creatorID string) (*types.CreatorEarnings, error) {
	e, err := s.store.GetEarnings(ctx, creatorID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load earnings: %v", types.ErrInternal, err)
	}
	return e, nil
}

// RequestWithdrawal earmarks available balance and opens a pending payout
// request. An amount exceeding the available balance is rejected before any
// state mutation.
func (s *Service) RequestWithdrawal(ctx context.Context, creatorID string, amount decimal.Decimal, payoutAddress string) (*types.WithdrawalRequest, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: withdrawal amount must be positive, got %s", types.ErrValidation, amount)
	}
	if payoutAddress == "" {
		return nil, fmt.Errorf("%w: payout address is required", types.ErrValidation)
	}

	now := time.Now()
	w := &types.WithdrawalRequest{
		ID:            uuid.New().String(),
		CreatorID:     creatorID,
		AmountUSD:     amount,
		PayoutAddress: payoutAddress,
		Status:        types.WithdrawalPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.store.EarmarkWithdrawal(ctx, w)
	if errors.Is(err, store.ErrInsufficientBalance) {
		e, eerr := s.store.GetEarnings(ctx, creatorID)
		balance := decimal.Zero
		if eerr == nil {
			balance = e.AvailableBalance
		}
		return nil, &types.InsufficientBalanceError{Balance: balance, Required: amount}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: withdrawal request failed: %v", types.ErrInternal, err)
	}

	zap.L().Info("Withdrawal requested",
		zap.String("withdrawal_id", w.ID),
		zap.String("creator_id", creatorID),
		zap.String("amount_usd", amount.String()))
	return w, nil
}

// CompleteWithdrawal marks a pending request paid out and moves the amount
// into total_withdrawn.
func (s *Service) CompleteWithdrawal(ctx context.Context, id, txRef string) error {
	err := s.store.CompleteWithdrawal(ctx, id, txRef)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: withdrawal %s", types.ErrNotFound, id)
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("%w: withdrawal %s is not pending", types.ErrValidation, id)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to complete withdrawal: %v", types.ErrInternal, err)
	}
	zap.L().Info("Withdrawal completed", zap.String("withdrawal_id", id), zap.String("tx_ref", txRef))
	return nil
}

// FailWithdrawal marks a pending request failed and releases the earmarked
// funds back to the creator's available balance.
func (s *Service) FailWithdrawal(ctx context.Context, id, reason string) error {
	err := s.store.FailWithdrawal(ctx, id, reason)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: withdrawal %s", types.ErrNotFound, id)
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("%w: withdrawal %s is not pending", types.ErrValidation, id)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to fail withdrawal: %v", types.ErrInternal, err)
	}
	zap.L().Warn("Withdrawal failed",
		zap.String("withdrawal_id", id),
		zap.String("reason", reason))
	return nil
}
