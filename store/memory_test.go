package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sol402/gateway/types"
)

func entry(id, wallet string, typ types.TransactionType, amount decimal.Decimal) types.AccountTransaction {
	return types.AccountTransaction{ID: id, Wallet: wallet, Type: typ, AmountUSD: amount}
}

func TestDebitBalance_ConcurrentSpendersRaceForTheLastDollar(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	amount := decimal.NewFromInt(5)

	require.NoError(t, m.CreditBalance(ctx, "w1", amount, entry("t0", "w1", types.TxDeposit, amount)))

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.DebitBalance(ctx, "w1", amount, entry("t", "w1", types.TxSpend, amount))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one debit may win the balance")

	acct, err := m.GetAccount(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, acct.BalanceUSD.IsZero())
}

func TestCreatePayment_DuplicateTxRef(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p := &types.Payment{ID: "p1", TxRef: "sig-1", QuoteID: "q1"}
	require.NoError(t, m.CreatePayment(ctx, p))

	dup := &types.Payment{ID: "p2", TxRef: "sig-1", QuoteID: "q2"}
	assert.ErrorIs(t, m.CreatePayment(ctx, dup), ErrDuplicatePayment)

	// The original row is untouched.
	got, err := m.GetPaymentByTxRef(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
}

func TestMarkPaymentVerified_IsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreatePayment(ctx, &types.Payment{ID: "p1", TxRef: "sig-1"}))

	first := time.Now()
	require.NoError(t, m.MarkPaymentVerified(ctx, "p1", first))

	got, err := m.GetPaymentByTxRef(ctx, "sig-1")
	require.NoError(t, err)
	require.True(t, got.Verified)
	require.NotNil(t, got.VerifiedAt)

	// A second mark keeps the original timestamp.
	require.NoError(t, m.MarkPaymentVerified(ctx, "p1", first.Add(time.Hour)))
	got, err = m.GetPaymentByTxRef(ctx, "sig-1")
	require.NoError(t, err)
	assert.True(t, got.VerifiedAt.Equal(first))

	assert.ErrorIs(t, m.MarkPaymentVerified(ctx, "missing", time.Now()), ErrNotFound)
}

func TestFreeTier_WindowResets(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	window := 50 * time.Millisecond

	for i := 1; i <= 2; i++ {
		granted, used, err := m.CheckAndIncrementFreeTier(ctx, "w1", "svc", 2, window)
		require.NoError(t, err)
		assert.True(t, granted)
		assert.Equal(t, i, used)
	}

	granted, used, err := m.CheckAndIncrementFreeTier(ctx, "w1", "svc", 2, window)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, 2, used)

	time.Sleep(60 * time.Millisecond)

	granted, used, err = m.CheckAndIncrementFreeTier(ctx, "w1", "svc", 2, window)
	require.NoError(t, err)
	assert.True(t, granted, "a fresh window starts after the period elapses")
	assert.Equal(t, 1, used)
}

func TestListAccounts_SortedByWallet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, w := range []string{"charlie", "alice", "bob"} {
		one := decimal.NewFromInt(1)
		require.NoError(t, m.CreditBalance(ctx, w, one, entry("t-"+w, w, types.TxDeposit, one)))
	}

	accounts, err := m.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, "alice", accounts[0].Wallet)
	assert.Equal(t, "bob", accounts[1].Wallet)
	assert.Equal(t, "charlie", accounts[2].Wallet)
}

func TestQuoteRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	q := &types.Quote{ID: "q1", ServiceID: "svc", AmountUSD: decimal.NewFromFloat(0.05)}
	require.NoError(t, m.CreateQuote(ctx, q))

	got, err := m.GetQuote(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "svc", got.ServiceID)

	// Mutating the returned copy does not touch the stored quote.
	got.ServiceID = "other"
	again, err := m.GetQuote(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "svc", again.ServiceID)

	_, err = m.GetQuote(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
