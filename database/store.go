package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
)

// casAttempts bounds the optimistic-locking retry loop on aggregate rows.
const casAttempts = 3

func (s *Service) CreateQuote(ctx context.Context, q *types.Quote) error {
	_, err := s.db.ExecContext(ctx, queryInsertQuote,
		q.ID, q.ServiceID, q.AmountUSD.String(), q.PaymentAddress, string(q.PaymentAsset), q.ExpiresAt, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert quote: %w", err)
	}
	return nil
}

func (s *Service) GetQuote(ctx context.Context, id string) (*types.Quote, error) {
	var q types.Quote
	var amountStr, assetStr string
	err := s.db.QueryRowContext(ctx, queryGetQuote, id).
		Scan(&q.ID, &q.ServiceID, &amountStr, &q.PaymentAddress, &assetStr, &q.ExpiresAt, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	q.AmountUSD, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quote amount %q: %w", amountStr, err)
	}
	q.PaymentAsset = types.Asset(assetStr)
	return &q, nil
}

func (s *Service) CreatePayment(ctx context.Context, p *types.Payment) error {
	var verifiedAt interface{}
	if p.VerifiedAt != nil {
		verifiedAt = *p.VerifiedAt
	}
	_, err := s.db.ExecContext(ctx, queryInsertPayment,
		p.ID, p.QuoteID, p.TxRef, p.Verified, verifiedAt, p.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return store.ErrDuplicatePayment
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *Service) GetPaymentByTxRef(ctx context.Context, txRef string) (*types.Payment, error) {
	var p types.Payment
	var verifiedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, queryGetPaymentByTxRef, txRef).
		Scan(&p.ID, &p.QuoteID, &p.TxRef, &p.Verified, &verifiedAt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	if verifiedAt.Valid {
		p.VerifiedAt = &verifiedAt.Time
	}
	return &p, nil
}

func (s *Service) MarkPaymentVerified(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, queryMarkPaymentVerified, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark payment verified: %w", err)
	}
	return nil
}

// ensureAccount lazily creates the account row with zero balances.
func (s *Service) ensureAccount(ctx context.Context, wallet string) error {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, queryInsertAccount, wallet, now, now); err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

func (s *Service) GetAccount(ctx context.Context, wallet string) (*types.UserAccount, error) {
	if err := s.ensureAccount(ctx, wallet); err != nil {
		return nil, err
	}
	var acct types.UserAccount
	var balanceStr, depositedStr, spentStr string
	err := s.db.QueryRowContext(ctx, queryGetAccount, wallet).
		Scan(&acct.Wallet, &balanceStr, &depositedStr, &spentStr, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if acct.BalanceUSD, err = decimal.NewFromString(balanceStr); err != nil {
		return nil, fmt.Errorf("failed to parse balance %q: %w", balanceStr, err)
	}
	if acct.TotalDeposited, err = decimal.NewFromString(depositedStr); err != nil {
		return nil, fmt.Errorf("failed to parse total_deposited %q: %w", depositedStr, err)
	}
	if acct.TotalSpent, err = decimal.NewFromString(spentStr); err != nil {
		return nil, fmt.Errorf("failed to parse total_spent %q: %w", spentStr, err)
	}
	return &acct, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]types.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, queryListAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []types.UserAccount
	for rows.Next() {
		var acct types.UserAccount
		var balanceStr, depositedStr, spentStr string
		if err := rows.Scan(&acct.Wallet, &balanceStr, &depositedStr, &spentStr, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if acct.BalanceUSD, err = decimal.NewFromString(balanceStr); err != nil {
			return nil, fmt.Errorf("failed to parse balance %q: %w", balanceStr, err)
		}
		if acct.TotalDeposited, err = decimal.NewFromString(depositedStr); err != nil {
			return nil, fmt.Errorf("failed to parse total_deposited %q: %w", depositedStr, err)
		}
		if acct.TotalSpent, err = decimal.NewFromString(spentStr); err != nil {
			return nil, fmt.Errorf("failed to parse total_spent %q: %w", spentStr, err)
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// accountSnapshot is the read half of the read-check-write cycle.
type accountSnapshot struct {
	balance   decimal.Decimal
	deposited decimal.Decimal
	spent     decimal.Decimal
	version   int64
}

// mutateAccount applies fn to a consistent snapshot of the account and
// commits the new aggregate values together with the audit row. The UPDATE
// is conditional on the version read; a lost race retries with a fresh
// snapshot. fn returning an error aborts without any mutation.
func (s *Service) mutateAccount(ctx context.Context, wallet string, entry types.AccountTransaction,
	fn func(*accountSnapshot) error) error {

	if err := s.ensureAccount(ctx, wallet); err != nil {
		return err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		var snap accountSnapshot
		var balanceStr, depositedStr, spentStr string
		err = tx.QueryRowContext(ctx, queryGetAccountForUpdate, wallet).
			Scan(&balanceStr, &depositedStr, &spentStr, &snap.version)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to read account snapshot: %w", err)
		}
		if snap.balance, err = decimal.NewFromString(balanceStr); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to parse balance %q: %w", balanceStr, err)
		}
		if snap.deposited, err = decimal.NewFromString(depositedStr); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to parse total_deposited %q: %w", depositedStr, err)
		}
		if snap.spent, err = decimal.NewFromString(spentStr); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to parse total_spent %q: %w", spentStr, err)
		}

		if err := fn(&snap); err != nil {
			tx.Rollback()
			return err
		}

		res, err := tx.ExecContext(ctx, queryUpdateAccount,
			snap.balance.String(), snap.deposited.String(), snap.spent.String(),
			time.Now(), wallet, snap.version)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to update account: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if affected == 0 {
			// Lost the version race; retry against a fresh snapshot.
			tx.Rollback()
			continue
		}

		if _, err := tx.ExecContext(ctx, queryInsertLedgerEntry,
			entry.ID, entry.Wallet, string(entry.Type), entry.AmountUSD.String(),
			entry.ServiceID, entry.Description, entry.TxRef, entry.CreatedAt); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit account mutation: %w", err)
		}
		return nil
	}

	return fmt.Errorf("account %s: too many concurrent modifications", wallet)
}

func (s *Service) CreditBalance(ctx context.Context, wallet string, amount decimal.Decimal, entry types.AccountTransaction) error {
	return s.mutateAccount(ctx, wallet, entry, func(snap *accountSnapshot) error {
		snap.balance = snap.balance.Add(amount)
		snap.deposited = snap.deposited.Add(amount)
		return nil
	})
}

func (s *Service) DebitBalance(ctx context.Context, wallet string, amount decimal.Decimal, entry types.AccountTransaction) error {
	return s.mutateAccount(ctx, wallet, entry, func(snap *accountSnapshot) error {
		if snap.balance.LessThan(amount) {
			return store.ErrInsufficientBalance
		}
		snap.balance = snap.balance.Sub(amount)
		snap.spent = snap.spent.Add(amount)
		return nil
	})
}

func (s *Service) RefundBalance(ctx context.Context, wallet string, amount decimal.Decimal, entry types.AccountTransaction) error {
	return s.mutateAccount(ctx, wallet, entry, func(snap *accountSnapshot) error {
		snap.balance = snap.balance.Add(amount)
		snap.spent = snap.spent.Sub(amount)
		if snap.spent.IsNegative() {
			snap.spent = decimal.Zero
		}
		return nil
	})
}

func (s *Service) CreateAPIKey(ctx context.Context, k *types.APIKey) error {
	_, err := s.db.ExecContext(ctx, queryInsertAPIKey,
		k.ID, k.Wallet, k.KeyHash, k.MaskedKey, k.Active, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

func (s *Service) GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error) {
	var k types.APIKey
	err := s.db.QueryRowContext(ctx, queryGetAPIKeyByHash, hash).
		Scan(&k.ID, &k.Wallet, &k.KeyHash, &k.MaskedKey, &k.Active, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}

func (s *Service) ensureEarnings(ctx context.Context, creatorID string) error {
	if _, err := s.db.ExecContext(ctx, queryInsertEarnings, creatorID, time.Now()); err != nil {
		return fmt.Errorf("failed to ensure earnings row: %w", err)
	}
	return nil
}

func (s *Service) GetEarnings(ctx context.Context, creatorID string) (*types.CreatorEarnings, error) {
	if err := s.ensureEarnings(ctx, creatorID); err != nil {
		return nil, err
	}
	var e types.CreatorEarnings
	var availStr, earnedStr, withdrawnStr string
	err := s.db.QueryRowContext(ctx, queryGetEarnings, creatorID).
		Scan(&e.CreatorID, &availStr, &earnedStr, &withdrawnStr, &e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get earnings: %w", err)
	}
	if e.AvailableBalance, err = decimal.NewFromString(availStr); err != nil {
		return nil, fmt.Errorf("failed to parse available_balance %q: %w", availStr, err)
	}
	if e.TotalEarned, err = decimal.NewFromString(earnedStr); err != nil {
		return nil, fmt.Errorf("failed to parse total_earned %q: %w", earnedStr, err)
	}
	if e.TotalWithdrawn, err = decimal.NewFromString(withdrawnStr); err != nil {
		return nil, fmt.Errorf("failed to parse total_withdrawn %q: %w", withdrawnStr, err)
	}
	return &e, nil
}

type earningsSnapshot struct {
	available decimal.Decimal
	earned    decimal.Decimal
	withdrawn decimal.Decimal
	version   int64
}

// mutateEarnings mirrors mutateAccount for the creator_earnings aggregate.
// extra, when non-nil, runs inside the same storage transaction after the
// conditional update succeeds.
func (s *Service) mutateEarnings(ctx context.Context, creatorID string,
	fn func(*earningsSnapshot) error, extra func(*sql.Tx) error) error {

	if err := s.ensureEarnings(ctx, creatorID); err != nil {
		return err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		var snap earningsSnapshot
		var availStr, earnedStr, withdrawnStr string
		err = tx.QueryRowContext(ctx, queryGetEarningsForUpdate, creatorID).
			Scan(&availStr, &earnedStr, &withdrawnStr, &snap.version)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to read earnings snapshot: %w", err)
		}
		if snap.available, err = decimal.NewFromString(availStr); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to parse available_balance %q: %w", availStr, err)
		}
		if snap.earned, err = decimal.NewFromString(earnedStr); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to parse total_earned %q: %w", earnedStr, err)
		}
		if snap.withdrawn, err = decimal.NewFromString(withdrawnStr); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to parse total_withdrawn %q: %w", withdrawnStr, err)
		}

		if err := fn(&snap); err != nil {
			tx.Rollback()
			return err
		}

		res, err := tx.ExecContext(ctx, queryUpdateEarnings,
			snap.available.String(), snap.earned.String(), snap.withdrawn.String(),
			time.Now(), creatorID, snap.version)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to update earnings: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if affected == 0 {
			tx.Rollback()
			continue
		}

		if extra != nil {
			if err := extra(tx); err != nil {
				tx.Rollback()
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit earnings mutation: %w", err)
		}
		return nil
	}

	return fmt.Errorf("earnings %s: too many concurrent modifications", creatorID)
}

func (s *Service) AccrueEarnings(ctx context.Context, creatorID string, amount decimal.Decimal) error {
	return s.mutateEarnings(ctx, creatorID, func(snap *earningsSnapshot) error {
		snap.available = snap.available.Add(amount)
		snap.earned = snap.earned.Add(amount)
		return nil
	}, nil)
}

func (s *Service) EarmarkWithdrawal(ctx context.Context, w *types.WithdrawalRequest) error {
	return s.mutateEarnings(ctx, w.CreatorID, func(snap *earningsSnapshot) error {
		if snap.available.LessThan(w.AmountUSD) {
			return store.ErrInsufficientBalance
		}
		snap.available = snap.available.Sub(w.AmountUSD)
		return nil
	}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, queryInsertWithdrawal,
			w.ID, w.CreatorID, w.AmountUSD.String(), w.PayoutAddress,
			string(types.WithdrawalPending), w.CreatedAt, w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert withdrawal request: %w", err)
		}
		return nil
	})
}

func (s *Service) getWithdrawal(ctx context.Context, id string) (*types.WithdrawalRequest, error) {
	var w types.WithdrawalRequest
	var amountStr, statusStr string
	err := s.db.QueryRowContext(ctx, queryGetWithdrawal, id).
		Scan(&w.ID, &w.CreatorID, &amountStr, &w.PayoutAddress, &statusStr,
			&w.TxRef, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	if w.AmountUSD, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("failed to parse withdrawal amount %q: %w", amountStr, err)
	}
	w.Status = types.WithdrawalStatus(statusStr)
	return &w, nil
}

func (s *Service) CompleteWithdrawal(ctx context.Context, id, txRef string) error {
	w, err := s.getWithdrawal(ctx, id)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, queryCompleteWithdrawal, txRef, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to complete withdrawal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrInvalidTransition
	}

	// total_withdrawn moves only on a confirmed payout.
	return s.mutateEarnings(ctx, w.CreatorID, func(snap *earningsSnapshot) error {
		snap.withdrawn = snap.withdrawn.Add(w.AmountUSD)
		return nil
	}, nil)
}

func (s *Service) FailWithdrawal(ctx context.Context, id, message string) error {
	w, err := s.getWithdrawal(ctx, id)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, queryFailWithdrawal, message, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to fail withdrawal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrInvalidTransition
	}

	// A failed request releases its earmarked funds.
	return s.mutateEarnings(ctx, w.CreatorID, func(snap *earningsSnapshot) error {
		snap.available = snap.available.Add(w.AmountUSD)
		return nil
	}, nil)
}

func (s *Service) ListPendingWithdrawals(ctx context.Context) ([]types.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx, queryListPendingWithdrawals)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending withdrawals: %w", err)
	}
	defer rows.Close()

	var out []types.WithdrawalRequest
	for rows.Next() {
		var w types.WithdrawalRequest
		var amountStr, statusStr string
		if err := rows.Scan(&w.ID, &w.CreatorID, &amountStr, &w.PayoutAddress, &statusStr,
			&w.TxRef, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		if w.AmountUSD, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("failed to parse withdrawal amount %q: %w", amountStr, err)
		}
		w.Status = types.WithdrawalStatus(statusStr)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Service) CheckAndIncrementFreeTier(ctx context.Context, wallet, serviceID string, limit int, window time.Duration) (bool, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var callsUsed int
	var periodStart time.Time
	err = tx.QueryRowContext(ctx, queryGetFreeTierUsage, wallet, serviceID).Scan(&callsUsed, &periodStart)
	switch {
	case err == sql.ErrNoRows:
		callsUsed = 0
		periodStart = now
	case err != nil:
		return false, 0, fmt.Errorf("failed to read free tier usage: %w", err)
	case now.Sub(periodStart) > window:
		// Rolling window elapsed; reset lazily.
		callsUsed = 0
		periodStart = now
	}

	allowed := callsUsed < limit
	if allowed {
		callsUsed++
	}
	if _, err := tx.ExecContext(ctx, queryUpsertFreeTierUsage, wallet, serviceID, callsUsed, periodStart); err != nil {
		return false, 0, fmt.Errorf("failed to write free tier usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit free tier usage: %w", err)
	}
	return allowed, callsUsed, nil
}

func (s *Service) LogUsage(ctx context.Context, entry types.UsageEntry) error {
	_, err := s.db.ExecContext(ctx, queryInsertUsage,
		entry.ID, entry.Wallet, entry.ServiceID, string(entry.AuthMethod),
		entry.CostUSD.String(), entry.StatusCode, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage entry: %w", err)
	}
	return nil
}

func (s *Service) SaveReconciliation(ctx context.Context, rec *types.ReconciliationRecord) error {
	discrepancies := ""
	for i, d := range rec.Discrepancies {
		if i > 0 {
			discrepancies += "\n"
		}
		discrepancies += d
	}
	_, err := s.db.ExecContext(ctx, queryInsertReconciliation,
		rec.ID, rec.TotalLedgerUSD.String(), rec.TotalOnChainUSD.String(), rec.Difference.String(),
		string(rec.Status), discrepancies, rec.AccountCount, rec.PendingWithdrawals.String(),
		rec.RunBy, rec.RunAt)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation record: %w", err)
	}
	return nil
}
