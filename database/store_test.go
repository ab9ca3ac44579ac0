package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
)

func openTestDB(t *testing.T) *Service {
	t.Helper()
	s, err := New(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "gateway_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func ledgerEntry(wallet string, typ types.TransactionType, amount decimal.Decimal) types.AccountTransaction {
	return types.AccountTransaction{
		ID:        uuid.New().String(),
		Wallet:    wallet,
		Type:      typ,
		AmountUSD: amount,
		CreatedAt: time.Now(),
	}
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestAccountBalanceLifecycle(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreditBalance(ctx, "w1", decimal.NewFromInt(10),
		ledgerEntry("w1", types.TxDeposit, decimal.NewFromInt(10))))
	require.NoError(t, s.DebitBalance(ctx, "w1", decimal.NewFromInt(3),
		ledgerEntry("w1", types.TxSpend, decimal.NewFromInt(3))))
	require.NoError(t, s.RefundBalance(ctx, "w1", decimal.NewFromInt(1),
		ledgerEntry("w1", types.TxRefund, decimal.NewFromInt(1))))

	acct, err := s.GetAccount(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, acct.BalanceUSD.Equal(decimal.NewFromInt(8)))
	assert.True(t, acct.TotalDeposited.Equal(decimal.NewFromInt(10)))
	assert.True(t, acct.TotalSpent.Equal(decimal.NewFromInt(2)))
}

func TestDebitBalance_RejectsOverdraft(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreditBalance(ctx, "w1", decimal.NewFromInt(5),
		ledgerEntry("w1", types.TxDeposit, decimal.NewFromInt(5))))

	err := s.DebitBalance(ctx, "w1", decimal.NewFromInt(6),
		ledgerEntry("w1", types.TxSpend, decimal.NewFromInt(6)))
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)

	acct, err := s.GetAccount(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, acct.BalanceUSD.Equal(decimal.NewFromInt(5)),
		"a rejected debit leaves no trace")
}

func TestDebitBalance_ConcurrentSpendersNeverOverdraw(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreditBalance(ctx, "w1", decimal.NewFromInt(10),
		ledgerEntry("w1", types.TxDeposit, decimal.NewFromInt(10))))

	// Ten racers each try to take 2; at most five can win.
	const racers = 10
	amount := decimal.NewFromInt(2)
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.DebitBalance(ctx, "w1", amount, ledgerEntry("w1", types.TxSpend, amount))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	acct, err := s.GetAccount(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, acct.BalanceUSD.IsNegative(), "balance went negative: %s", acct.BalanceUSD)
	assert.True(t, acct.BalanceUSD.Equal(decimal.NewFromInt(10).Sub(amount.Mul(decimal.NewFromInt(int64(succeeded))))),
		"balance does not match the number of successful debits")
}

func TestPayments_DuplicateTxRef(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	now := time.Now()
	q := &types.Quote{
		ID: "q1", ServiceID: "svc", AmountUSD: decimal.NewFromFloat(0.05),
		PaymentAddress: "addr", PaymentAsset: types.AssetUSDC,
		ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	require.NoError(t, s.CreateQuote(ctx, q))

	require.NoError(t, s.CreatePayment(ctx, &types.Payment{ID: "p1", QuoteID: "q1", TxRef: "sig-1", CreatedAt: now}))
	err := s.CreatePayment(ctx, &types.Payment{ID: "p2", QuoteID: "q1", TxRef: "sig-1", CreatedAt: now})
	assert.ErrorIs(t, err, store.ErrDuplicatePayment)

	got, err := s.GetPaymentByTxRef(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.False(t, got.Verified)

	require.NoError(t, s.MarkPaymentVerified(ctx, "p1", time.Now()))
	got, err = s.GetPaymentByTxRef(ctx, "sig-1")
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.NotNil(t, got.VerifiedAt)
}

func TestQuoteRoundTrip(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	now := time.Now()
	q := &types.Quote{
		ID: "q1", ServiceID: "svc", AmountUSD: decimal.NewFromFloat(0.05),
		PaymentAddress: "addr", PaymentAsset: types.AssetUSDC,
		ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	require.NoError(t, s.CreateQuote(ctx, q))

	got, err := s.GetQuote(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "svc", got.ServiceID)
	assert.True(t, got.AmountUSD.Equal(decimal.NewFromFloat(0.05)))
	assert.Equal(t, types.AssetUSDC, got.PaymentAsset)

	_, err = s.GetQuote(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithdrawalTransitions(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.AccrueEarnings(ctx, "c1", decimal.NewFromInt(20)))

	now := time.Now()
	w := &types.WithdrawalRequest{
		ID: "wd-1", CreatorID: "c1", AmountUSD: decimal.NewFromInt(15),
		PayoutAddress: "payout-addr", Status: types.WithdrawalPending,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.EarmarkWithdrawal(ctx, w))

	e, err := s.GetEarnings(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, e.AvailableBalance.Equal(decimal.NewFromInt(5)))

	// Earmarking beyond the remaining balance is refused.
	over := &types.WithdrawalRequest{
		ID: "wd-2", CreatorID: "c1", AmountUSD: decimal.NewFromInt(6),
		PayoutAddress: "payout-addr", Status: types.WithdrawalPending,
		CreatedAt: now, UpdatedAt: now,
	}
	assert.ErrorIs(t, s.EarmarkWithdrawal(ctx, over), store.ErrInsufficientBalance)

	pending, err := s.ListPendingWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "wd-1", pending[0].ID)

	require.NoError(t, s.CompleteWithdrawal(ctx, "wd-1", "payout-tx"))
	e, err = s.GetEarnings(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, e.TotalWithdrawn.Equal(decimal.NewFromInt(15)))

	// pending → completed is one-way.
	assert.ErrorIs(t, s.CompleteWithdrawal(ctx, "wd-1", "payout-tx-2"), store.ErrInvalidTransition)
	assert.ErrorIs(t, s.FailWithdrawal(ctx, "wd-1", "too late"), store.ErrInvalidTransition)
	assert.ErrorIs(t, s.CompleteWithdrawal(ctx, "missing", "tx"), store.ErrNotFound)

	pending, err = s.ListPendingWithdrawals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailWithdrawal_ReleasesEarmark(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.AccrueEarnings(ctx, "c1", decimal.NewFromInt(10)))

	now := time.Now()
	w := &types.WithdrawalRequest{
		ID: "wd-1", CreatorID: "c1", AmountUSD: decimal.NewFromInt(10),
		PayoutAddress: "payout-addr", Status: types.WithdrawalPending,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.EarmarkWithdrawal(ctx, w))
	require.NoError(t, s.FailWithdrawal(ctx, "wd-1", "payout rejected"))

	e, err := s.GetEarnings(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, e.AvailableBalance.Equal(decimal.NewFromInt(10)))
	assert.True(t, e.TotalWithdrawn.IsZero())
}

func TestFreeTierWindow(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	window := 50 * time.Millisecond

	for i := 1; i <= 2; i++ {
		allowed, used, err := s.CheckAndIncrementFreeTier(ctx, "w1", "svc", 2, window)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, i, used)
	}

	allowed, used, err := s.CheckAndIncrementFreeTier(ctx, "w1", "svc", 2, window)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 2, used)

	time.Sleep(60 * time.Millisecond)

	allowed, used, err = s.CheckAndIncrementFreeTier(ctx, "w1", "svc", 2, window)
	require.NoError(t, err)
	assert.True(t, allowed, "the window resets after the period elapses")
	assert.Equal(t, 1, used)
}

func TestUsageAndReconciliationPersist(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.LogUsage(ctx, types.UsageEntry{
		ID: uuid.New().String(), Wallet: "w1", ServiceID: "svc",
		AuthMethod: types.AuthAPIKey, CostUSD: decimal.NewFromFloat(0.05),
		StatusCode: 200, CreatedAt: time.Now(),
	}))

	require.NoError(t, s.SaveReconciliation(ctx, &types.ReconciliationRecord{
		ID: uuid.New().String(), TotalLedgerUSD: decimal.NewFromInt(10),
		TotalOnChainUSD: decimal.NewFromInt(10), Difference: decimal.Zero,
		Status: types.ReconMatched, PendingWithdrawals: decimal.Zero,
		Discrepancies: []string{"a", "b"}, RunBy: "test", RunAt: time.Now(),
	}))
}
