// Package reconcile compares the ledger's aggregate liability against the
// treasury's on-chain balance and records the result. A run never fails
// outward: every outcome, including a broken chain query, becomes a
// persisted record, because the records are the audit trail the system's
// trust rests on.
package reconcile

import (
	"context"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sol402/gateway/assets"
	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
	"github.com/sol402/gateway/verify"
)

// DefaultTolerance absorbs rounding drift between the decimal ledger and
// the token's integer smallest units.
var DefaultTolerance = decimal.NewFromFloat(0.01)

// Engine runs reconciliation passes.
type Engine struct {
	store     store.Store
	pool      *verify.Pool
	treasury  solana.PublicKey
	asset     assets.Info
	tolerance decimal.Decimal
}

// New builds an engine monitoring the treasury's balance for the given
// asset. A non-positive tolerance selects DefaultTolerance.
func New(st store.Store, pool *verify.Pool, treasury solana.PublicKey, asset assets.Info, tolerance decimal.Decimal) *Engine {
	if tolerance.Sign() <= 0 {
		tolerance = DefaultTolerance
	}
	return &Engine{store: st, pool: pool, treasury: treasury, asset: asset, tolerance: tolerance}
}

// Run executes one reconciliation pass and persists its record. Pending
// withdrawals have already left the ledger but not yet the treasury, so the
// expected on-chain balance is ledger total plus pending withdrawals.
func (e *Engine) Run(ctx context.Context, runBy string) *types.ReconciliationRecord {
	rec := &types.ReconciliationRecord{
		ID:    uuid.New().String(),
		RunBy: runBy,
		RunAt: time.Now(),
	}

	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return e.finish(ctx, rec, fmt.Sprintf("failed to list accounts: %v", err))
	}
	rec.AccountCount = len(accounts)

	ledgerTotal := decimal.Zero
	for _, acct := range accounts {
		ledgerTotal = ledgerTotal.Add(acct.BalanceUSD)
		if acct.BalanceUSD.Sign() < 0 {
			rec.Discrepancies = append(rec.Discrepancies,
				fmt.Sprintf("account %s has negative balance %s", acct.Wallet, acct.BalanceUSD))
		}
	}
	rec.TotalLedgerUSD = ledgerTotal

	pending, err := e.store.ListPendingWithdrawals(ctx)
	if err != nil {
		return e.finish(ctx, rec, fmt.Sprintf("failed to list pending withdrawals: %v", err))
	}
	pendingTotal := decimal.Zero
	for _, w := range pending {
		pendingTotal = pendingTotal.Add(w.AmountUSD)
	}
	rec.PendingWithdrawals = pendingTotal

	onChain, err := e.treasuryBalance(ctx)
	if err != nil {
		return e.finish(ctx, rec, fmt.Sprintf("on-chain balance query failed: %v", err))
	}
	rec.TotalOnChainUSD = onChain

	expected := ledgerTotal.Add(pendingTotal)
	rec.Difference = onChain.Sub(expected)

	if rec.Difference.Abs().GreaterThan(e.tolerance) {
		rec.Discrepancies = append(rec.Discrepancies,
			fmt.Sprintf("on-chain balance %s differs from expected %s by %s",
				onChain, expected, rec.Difference))
	}
	if len(rec.Discrepancies) > 0 {
		rec.Status = types.ReconDiscrepancy
	} else {
		rec.Status = types.ReconMatched
	}
	return e.save(ctx, rec)
}

// treasuryBalance fetches the treasury's balance for the monitored asset:
// lamports for the native asset, the associated token account's balance
// otherwise.
func (e *Engine) treasuryBalance(ctx context.Context) (decimal.Decimal, error) {
	conn, err := e.pool.Get(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	if e.asset.IsNative() {
		res, err := conn.GetBalance(ctx, e.treasury, rpc.CommitmentFinalized)
		if err != nil {
			e.pool.MarkFailed(conn)
			return decimal.Zero, err
		}
		return decimal.New(int64(res.Value), -int32(assets.NativeDecimals)), nil
	}

	ata, _, err := solana.FindAssociatedTokenAddress(e.treasury, e.asset.Mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to derive treasury token account: %w", err)
	}
	res, err := conn.GetTokenAccountBalance(ctx, ata, rpc.CommitmentFinalized)
	if err != nil {
		e.pool.MarkFailed(conn)
		return decimal.Zero, err
	}
	if res == nil || res.Value == nil {
		return decimal.Zero, fmt.Errorf("empty balance response for %s", ata)
	}
	amount, err := decimal.NewFromString(res.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparseable balance %q: %w", res.Value.Amount, err)
	}
	return amount.Shift(-int32(res.Value.Decimals)), nil
}

// finish records a failed run. The diagnostic is mandatory: an error status
// with no explanation is indistinguishable from a silent match.
func (e *Engine) finish(ctx context.Context, rec *types.ReconciliationRecord, diagnostic string) *types.ReconciliationRecord {
	rec.Status = types.ReconError
	rec.Discrepancies = append(rec.Discrepancies, diagnostic)
	zap.L().Error("Reconciliation run failed", zap.String("run_id", rec.ID), zap.String("diagnostic", diagnostic))
	return e.save(ctx, rec)
}

func (e *Engine) save(ctx context.Context, rec *types.ReconciliationRecord) *types.ReconciliationRecord {
	if err := e.store.SaveReconciliation(ctx, rec); err != nil {
		zap.L().Error("Failed to persist reconciliation record",
			zap.String("run_id", rec.ID),
			zap.Error(err))
	}
	zap.L().Info("Reconciliation run complete",
		zap.String("run_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.String("ledger_total", rec.TotalLedgerUSD.String()),
		zap.String("on_chain_total", rec.TotalOnChainUSD.String()),
		zap.String("difference", rec.Difference.String()),
		zap.Int("accounts", rec.AccountCount))
	return rec
}

// Report is the wire shape of a reconciliation result.
type Report struct {
	TotalDatabaseBalance decimal.Decimal `json:"totalDatabaseBalance"`
	TotalOnChainBalance  decimal.Decimal `json:"totalOnChainBalance"`
	Difference           decimal.Decimal `json:"difference"`
	Status               string          `json:"status"`
	Discrepancies        []string        `json:"discrepancies"`
	AccountCount         int             `json:"accountCount"`
	PendingWithdrawals   decimal.Decimal `json:"pendingWithdrawals"`
	Timestamp            time.Time       `json:"timestamp"`
}

// ReportFrom converts a persisted record into its wire shape.
func ReportFrom(rec *types.ReconciliationRecord) Report {
	discrepancies := rec.Discrepancies
	if discrepancies == nil {
		discrepancies = []string{}
	}
	return Report{
		TotalDatabaseBalance: rec.TotalLedgerUSD,
		TotalOnChainBalance:  rec.TotalOnChainUSD,
		Difference:           rec.Difference,
		Status:               string(rec.Status),
		Discrepancies:        discrepancies,
		AccountCount:         rec.AccountCount,
		PendingWithdrawals:   rec.PendingWithdrawals,
		Timestamp:            rec.RunAt,
	}
}
