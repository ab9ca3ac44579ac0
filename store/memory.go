package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sol402/gateway/types"
)

// Memory is an in-process Store used by tests and facilitator-less
// development. All access is serialized by a single mutex, which trivially
// satisfies the atomicity contract.
type Memory struct {
	mu sync.Mutex

	quotes      map[string]types.Quote
	payments    map[string]types.Payment // keyed by tx ref
	accounts    map[string]types.UserAccount
	ledger      []types.AccountTransaction
	apiKeys     map[string]types.APIKey // keyed by key hash
	earnings    map[string]types.CreatorEarnings
	withdrawals map[string]types.WithdrawalRequest
	freeTier    map[string]types.FreeTierUsage // keyed by wallet|service
	usage       []types.UsageEntry
	recons      []types.ReconciliationRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		quotes:      make(map[string]types.Quote),
		payments:    make(map[string]types.Payment),
		accounts:    make(map[string]types.UserAccount),
		apiKeys:     make(map[string]types.APIKey),
		earnings:    make(map[string]types.CreatorEarnings),
		withdrawals: make(map[string]types.WithdrawalRequest),
		freeTier:    make(map[string]types.FreeTierUsage),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateQuote(_ context.Context, q *types.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.ID] = *q
	return nil
}

func (m *Memory) GetQuote(_ context.Context, id string) (*types.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

func (m *Memory) CreatePayment(_ context.Context, p *types.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.payments[p.TxRef]; exists {
		return ErrDuplicatePayment
	}
	m.payments[p.TxRef] = *p
	return nil
}

func (m *Memory) GetPaymentByTxRef(_ context.Context, txRef string) (*types.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[txRef]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) MarkPaymentVerified(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, p := range m.payments {
		if p.ID == id {
			if !p.Verified {
				p.Verified = true
				p.VerifiedAt = &at
				m.payments[ref] = p
			}
			return nil
		}
	}
	return ErrNotFound
}

// getAccountLocked returns the account, creating it lazily with zero
// balances. Callers hold m.mu.
func (m *Memory) getAccountLocked(wallet string) types.UserAccount {
	acct, ok := m.accounts[wallet]
	if !ok {
		now := time.Now()
		acct = types.UserAccount{
			Wallet:         wallet,
			BalanceUSD:     decimal.Zero,
			TotalDeposited: decimal.Zero,
			TotalSpent:     decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		m.accounts[wallet] = acct
	}
	return acct
}

func (m *Memory) GetAccount(_ context.Context, wallet string) (*types.UserAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.getAccountLocked(wallet)
	return &acct, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]types.UserAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.UserAccount, 0, len(m.accounts))
	for _, acct := range m.accounts {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out, nil
}

func (m *Memory) CreditBalance(_ context.Context, wallet string, amount decimal.Decimal, entry types.AccountTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.getAccountLocked(wallet)
	acct.BalanceUSD = acct.BalanceUSD.Add(amount)
	acct.TotalDeposited = acct.TotalDeposited.Add(amount)
	acct.UpdatedAt = time.Now()
	m.accounts[wallet] = acct
	m.ledger = append(m.ledger, entry)
	return nil
}

func (m *Memory) DebitBalance(_ context.Context, wallet string, amount decimal.Decimal, entry types.AccountTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.getAccountLocked(wallet)
	if acct.BalanceUSD.LessThan(amount) {
		return ErrInsufficientBalance
	}
	acct.BalanceUSD = acct.BalanceUSD.Sub(amount)
	acct.TotalSpent = acct.TotalSpent.Add(amount)
	acct.UpdatedAt = time.Now()
	m.accounts[wallet] = acct
	m.ledger = append(m.ledger, entry)
	return nil
}

func (m *Memory) RefundBalance(_ context.Context, wallet string, amount decimal.Decimal, entry types.AccountTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.getAccountLocked(wallet)
	acct.BalanceUSD = acct.BalanceUSD.Add(amount)
	// total_spent is clamped at zero even when refunds exceed historical
	// spend.
	acct.TotalSpent = acct.TotalSpent.Sub(amount)
	if acct.TotalSpent.IsNegative() {
		acct.TotalSpent = decimal.Zero
	}
	acct.UpdatedAt = time.Now()
	m.accounts[wallet] = acct
	m.ledger = append(m.ledger, entry)
	return nil
}

func (m *Memory) CreateAPIKey(_ context.Context, k *types.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[k.KeyHash] = *k
	return nil
}

func (m *Memory) GetAPIKeyByHash(_ context.Context, hash string) (*types.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (m *Memory) getEarningsLocked(creatorID string) types.CreatorEarnings {
	e, ok := m.earnings[creatorID]
	if !ok {
		e = types.CreatorEarnings{
			CreatorID:        creatorID,
			AvailableBalance: decimal.Zero,
			TotalEarned:      decimal.Zero,
			TotalWithdrawn:   decimal.Zero,
			UpdatedAt:        time.Now(),
		}
		m.earnings[creatorID] = e
	}
	return e
}

func (m *Memory) GetEarnings(_ context.Context, creatorID string) (*types.CreatorEarnings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getEarningsLocked(creatorID)
	return &e, nil
}

func (m *Memory) AccrueEarnings(_ context.Context, creatorID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getEarningsLocked(creatorID)
	e.AvailableBalance = e.AvailableBalance.Add(amount)
	e.TotalEarned = e.TotalEarned.Add(amount)
	e.UpdatedAt = time.Now()
	m.earnings[creatorID] = e
	return nil
}

func (m *Memory) EarmarkWithdrawal(_ context.Context, w *types.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getEarningsLocked(w.CreatorID)
	if e.AvailableBalance.LessThan(w.AmountUSD) {
		return ErrInsufficientBalance
	}
	e.AvailableBalance = e.AvailableBalance.Sub(w.AmountUSD)
	e.UpdatedAt = time.Now()
	m.earnings[w.CreatorID] = e
	m.withdrawals[w.ID] = *w
	return nil
}

func (m *Memory) CompleteWithdrawal(_ context.Context, id, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != types.WithdrawalPending {
		return ErrInvalidTransition
	}
	e := m.getEarningsLocked(w.CreatorID)
	e.TotalWithdrawn = e.TotalWithdrawn.Add(w.AmountUSD)
	e.UpdatedAt = time.Now()
	m.earnings[w.CreatorID] = e

	w.Status = types.WithdrawalCompleted
	w.TxRef = txRef
	w.UpdatedAt = time.Now()
	m.withdrawals[id] = w
	return nil
}

func (m *Memory) FailWithdrawal(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != types.WithdrawalPending {
		return ErrInvalidTransition
	}
	e := m.getEarningsLocked(w.CreatorID)
	e.AvailableBalance = e.AvailableBalance.Add(w.AmountUSD)
	e.UpdatedAt = time.Now()
	m.earnings[w.CreatorID] = e

	w.Status = types.WithdrawalFailed
	w.ErrorMessage = message
	w.UpdatedAt = time.Now()
	m.withdrawals[id] = w
	return nil
}

func (m *Memory) ListPendingWithdrawals(_ context.Context) ([]types.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.WithdrawalRequest
	for _, w := range m.withdrawals {
		if w.Status == types.WithdrawalPending {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CheckAndIncrementFreeTier(_ context.Context, wallet, serviceID string, limit int, window time.Duration) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := wallet + "|" + serviceID
	now := time.Now()
	usage, ok := m.freeTier[key]
	if !ok || now.Sub(usage.PeriodStart) > window {
		usage = types.FreeTierUsage{Wallet: wallet, ServiceID: serviceID, PeriodStart: now}
	}
	if usage.CallsUsed >= limit {
		m.freeTier[key] = usage
		return false, usage.CallsUsed, nil
	}
	usage.CallsUsed++
	m.freeTier[key] = usage
	return true, usage.CallsUsed, nil
}

func (m *Memory) LogUsage(_ context.Context, entry types.UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, entry)
	return nil
}

func (m *Memory) SaveReconciliation(_ context.Context, rec *types.ReconciliationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recons = append(m.recons, *rec)
	return nil
}

// Usage returns a copy of the usage log. Test helper.
func (m *Memory) Usage() []types.UsageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.UsageEntry, len(m.usage))
	copy(out, m.usage)
	return out
}

// Ledger returns a copy of the account transaction log. Test helper.
func (m *Memory) Ledger() []types.AccountTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AccountTransaction, len(m.ledger))
	copy(out, m.ledger)
	return out
}

// Reconciliations returns a copy of the saved snapshots. Test helper.
func (m *Memory) Reconciliations() []types.ReconciliationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ReconciliationRecord, len(m.recons))
	copy(out, m.recons)
	return out
}

func (m *Memory) Close() {}
