package verify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sol402/gateway/assets"
	"github.com/sol402/gateway/types"
)

// Tolerances absorb provider rounding when comparing observed transfer
// amounts against the quoted amount. Heuristic, therefore configuration
// rather than law: exact equality is not required, gross mismatch is
// rejected.
type Tolerances struct {
	// TokenPct is the relative tolerance for token transfers.
	TokenPct decimal.Decimal
	// TokenFloorUnits is the absolute floor in token smallest units.
	TokenFloorUnits uint64
	// NativePct is the relative tolerance for native transfers (wider: the
	// USD→lamport conversion rides on a spot price).
	NativePct decimal.Decimal
	// NativeFloorLamports is the absolute floor in lamports.
	NativeFloorLamports uint64
}

// DefaultTolerances returns the production defaults: 1% for tokens with a
// 100-unit floor, 2% for native with a 5000-lamport floor.
func DefaultTolerances() Tolerances {
	return Tolerances{
		TokenPct:            decimal.NewFromFloat(0.01),
		TokenFloorUnits:     100,
		NativePct:           decimal.NewFromFloat(0.02),
		NativeFloorLamports: 5000,
	}
}

// Service verifies transactions against quotes.
type Service struct {
	pool           *Pool
	price          PriceSource
	indexer        Indexer // nil when not configured
	catalog        *assets.Catalog
	tol            Tolerances
	attemptTimeout time.Duration
}

// Option configures a verification Service.
type Option func(*Service)

// WithIndexer enables the indexer fallback strategy.
func WithIndexer(idx Indexer) Option {
	return func(s *Service) {
		if idx != nil {
			s.indexer = idx
		}
	}
}

// WithTolerances overrides the default matching tolerances.
func WithTolerances(tol Tolerances) Option {
	return func(s *Service) { s.tol = tol }
}

// WithAttemptTimeout bounds each network strategy's wall-clock budget.
func WithAttemptTimeout(d time.Duration) Option {
	return func(s *Service) { s.attemptTimeout = d }
}

// New builds a verification service over the shared RPC pool.
func New(pool *Pool, price PriceSource, catalog *assets.Catalog, opts ...Option) *Service {
	s := &Service{
		pool:           pool,
		price:          price,
		catalog:        catalog,
		tol:            DefaultTolerances(),
		attemptTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VerifyTransaction proves that txRef transferred the expected USD amount
// of the asset to the expected recipient. The recipient may be either the
// treasury wallet or its associated token account; both quote shapes are
// accepted.
//
// Returns (false, nil) when the chain was consulted and the payment did not
// match: the caller maps that to a 403, never a 500. Returns an error
// wrapping types.ErrUnavailable when no data source could be reached, so
// clients get retry guidance instead of a denial.
func (s *Service) VerifyTransaction(ctx context.Context, txRef string, expectedUSD decimal.Decimal, expectedRecipient string, asset types.Asset) (bool, error) {
	sig, err := solana.SignatureFromBase58(txRef)
	if err != nil {
		return false, fmt.Errorf("%w: malformed transaction signature: %v", types.ErrValidation, err)
	}
	recipient, err := solana.PublicKeyFromBase58(expectedRecipient)
	if err != nil {
		return false, fmt.Errorf("%w: malformed recipient address: %v", types.ErrValidation, err)
	}
	info, err := s.catalog.Get(asset)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}

	log := zap.L().With(
		zap.String("tx_ref", txRef),
		zap.String("recipient", expectedRecipient),
		zap.String("asset", string(asset)),
		zap.String("expected_usd", expectedUSD.String()))

	result, err := s.fetchTransaction(ctx, sig)
	if err != nil {
		// Unreachable chain data is not an invalid payment.
		return false, err
	}
	if result == nil {
		if ok, ierr := s.matchViaIndexer(ctx, txRef, expectedUSD, recipient, info, log); ierr == nil {
			return ok, nil
		}
		log.Info("Transaction not found at confirmed or finalized commitment")
		return false, nil
	}

	if result.Meta == nil {
		log.Warn("Transaction has no metadata, cannot verify balances")
		return false, nil
	}
	if result.Meta.Err != nil {
		// A confirmed-but-failed transaction must never verify.
		log.Info("Transaction errored on-chain", zap.Any("chain_err", result.Meta.Err))
		return false, nil
	}

	if !info.IsNative() {
		if s.matchTokenBalances(result, recipient, info, expectedUSD, log) {
			return true, nil
		}
	}
	matched, priceErr := s.matchNativeBalances(ctx, result, recipient, expectedUSD, log)
	if matched {
		return true, nil
	}

	if ok, ierr := s.matchViaIndexer(ctx, txRef, expectedUSD, recipient, info, log); ierr == nil && ok {
		return true, nil
	}

	// When the only reason nothing matched is an unreachable price feed for
	// a native-asset quote, report unavailability rather than denial.
	if info.IsNative() && priceErr != nil {
		return false, priceErr
	}

	log.Info("No verification strategy matched the transaction")
	return false, nil
}

// fetchTransaction loads the transaction at confirmed commitment, retrying
// once at finalized (finalized data appears later but is canonical). A nil
// result with nil error means the transaction was not found anywhere.
func (s *Service) fetchTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)

	for _, commitment := range []rpc.CommitmentType{rpc.CommitmentConfirmed, rpc.CommitmentFinalized} {
		conn, err := s.pool.Get(ctx)
		if err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		result, err := conn.GetTransaction(attemptCtx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     commitment,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		cancel()

		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				continue
			}
			// Transport trouble: drop the connection and retry the same
			// commitment once on the next endpoint in the list.
			s.pool.MarkFailed(conn)
			conn, perr := s.pool.Get(ctx)
			if perr != nil {
				return nil, perr
			}
			attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
			result, err = conn.GetTransaction(attemptCtx, sig, &rpc.GetTransactionOpts{
				Encoding:                       solana.EncodingBase64,
				Commitment:                     commitment,
				MaxSupportedTransactionVersion: &maxVersion,
			})
			cancel()
			if err != nil {
				if errors.Is(err, rpc.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("%w: transaction fetch failed: %v", types.ErrUnavailable, err)
			}
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// matchTokenBalances implements the primary token-asset strategy: compare
// pre/post token-balance snapshots for every touched token account and sum
// the positive deltas credited to the expected recipient's accounts.
func (s *Service) matchTokenBalances(result *rpc.GetTransactionResult, recipient solana.PublicKey, info assets.Info, expectedUSD decimal.Decimal, log *zap.Logger) bool {
	keys := accountKeys(result)

	// candidate matches: mint equals the asset's mint AND the token account
	// is the recipient itself or is owned by the recipient.
	matches := func(tb rpc.TokenBalance) bool {
		if !tb.Mint.Equals(info.Mint) {
			return false
		}
		if int(tb.AccountIndex) < len(keys) && keys[tb.AccountIndex].Equals(recipient) {
			return true
		}
		return tb.Owner != nil && tb.Owner.Equals(recipient)
	}

	pre := make(map[uint16]uint64)
	for _, tb := range result.Meta.PreTokenBalances {
		if matches(tb) {
			pre[tb.AccountIndex] = parseTokenAmount(tb.UiTokenAmount)
		}
	}

	received := decimal.Zero
	for _, tb := range result.Meta.PostTokenBalances {
		if !matches(tb) {
			continue
		}
		post := parseTokenAmount(tb.UiTokenAmount)
		before := pre[tb.AccountIndex]
		if post > before {
			received = received.Add(decimal.NewFromInt(int64(post - before)))
		}
	}
	if received.IsZero() {
		return false
	}

	expectedUnits := decimal.NewFromInt(int64(info.ToSmallestUnit(expectedUSD)))
	if withinTolerance(received, expectedUnits, s.tol.TokenPct, s.tol.TokenFloorUnits) {
		log.Info("Token transfer matched",
			zap.String("received_units", received.String()),
			zap.String("expected_units", expectedUnits.String()))
		return true
	}
	log.Info("Token transfer amount outside tolerance",
		zap.String("received_units", received.String()),
		zap.String("expected_units", expectedUnits.String()))
	return false
}

// matchNativeBalances is the native-asset fallback: locate the recipient in
// the account-key list and compare pre/post lamport balances at that index,
// converting the expected USD amount through the spot price.
func (s *Service) matchNativeBalances(ctx context.Context, result *rpc.GetTransactionResult, recipient solana.PublicKey, expectedUSD decimal.Decimal, log *zap.Logger) (bool, error) {
	keys := accountKeys(result)

	index := -1
	for i, key := range keys {
		if key.Equals(recipient) {
			index = i
			break
		}
	}
	if index < 0 || index >= len(result.Meta.PreBalances) || index >= len(result.Meta.PostBalances) {
		return false, nil
	}

	preLamports := result.Meta.PreBalances[index]
	postLamports := result.Meta.PostBalances[index]
	if postLamports <= preLamports {
		// A zero or negative delta is never a payment.
		return false, nil
	}
	delta := decimal.NewFromInt(int64(postLamports - preLamports))

	price, err := s.price.SOLPriceUSD(ctx)
	if err != nil {
		log.Warn("Spot price unavailable, skipping native matching", zap.Error(err))
		return false, err
	}
	expectedLamports := expectedUSD.Div(price).Shift(assets.NativeDecimals).Round(0)

	if withinTolerance(delta, expectedLamports, s.tol.NativePct, s.tol.NativeFloorLamports) {
		log.Info("Native transfer matched",
			zap.String("received_lamports", delta.String()),
			zap.String("expected_lamports", expectedLamports.String()))
		return true, nil
	}
	log.Info("Native transfer amount outside tolerance",
		zap.String("received_lamports", delta.String()),
		zap.String("expected_lamports", expectedLamports.String()))
	return false, nil
}

// matchViaIndexer applies the same token-then-native matching against an
// indexer's parsed view. Final strategy; absent indexer degrades silently.
func (s *Service) matchViaIndexer(ctx context.Context, txRef string, expectedUSD decimal.Decimal, recipient solana.PublicKey, info assets.Info, log *zap.Logger) (bool, error) {
	if s.indexer == nil {
		return false, fmt.Errorf("no indexer configured")
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()
	parsed, err := s.indexer.GetParsedTransaction(attemptCtx, txRef)
	if err != nil {
		log.Warn("Indexer fallback failed", zap.Error(err))
		return false, err
	}
	if parsed.Failed() {
		log.Info("Indexer reports transaction errored on-chain")
		return false, nil
	}

	recipientStr := recipient.String()

	if !info.IsNative() {
		mintStr := info.Mint.String()
		received := decimal.Zero
		for _, tt := range parsed.TokenTransfers {
			if tt.Mint != mintStr {
				continue
			}
			if tt.ToUserAccount != recipientStr && tt.ToTokenAccount != recipientStr {
				continue
			}
			if tt.TokenAmount > 0 {
				received = received.Add(decimal.NewFromFloat(tt.TokenAmount).Shift(int32(info.Decimals)).Round(0))
			}
		}
		expectedUnits := decimal.NewFromInt(int64(info.ToSmallestUnit(expectedUSD)))
		if !received.IsZero() && withinTolerance(received, expectedUnits, s.tol.TokenPct, s.tol.TokenFloorUnits) {
			log.Info("Token transfer matched via indexer",
				zap.String("received_units", received.String()))
			return true, nil
		}
	}

	var lamports uint64
	for _, nt := range parsed.NativeTransfers {
		if nt.ToUserAccount == recipientStr {
			lamports += nt.Amount
		}
	}
	if lamports > 0 {
		price, err := s.price.SOLPriceUSD(ctx)
		if err != nil {
			return false, err
		}
		expectedLamports := expectedUSD.Div(price).Shift(assets.NativeDecimals).Round(0)
		if withinTolerance(decimal.NewFromInt(int64(lamports)), expectedLamports, s.tol.NativePct, s.tol.NativeFloorLamports) {
			log.Info("Native transfer matched via indexer",
				zap.Uint64("received_lamports", lamports))
			return true, nil
		}
	}

	return false, nil
}

// accountKeys flattens the transaction's account-key list, appending the
// lookup-table addresses a versioned transaction loads so token-balance
// account indices resolve for both legacy and versioned encodings.
func accountKeys(result *rpc.GetTransactionResult) []solana.PublicKey {
	var keys []solana.PublicKey
	if result.Transaction != nil {
		if tx, err := result.Transaction.GetTransaction(); err == nil && tx != nil {
			keys = append(keys, tx.Message.AccountKeys...)
		}
	}
	if result.Meta != nil {
		keys = append(keys, result.Meta.LoadedAddresses.Writable...)
		keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)
	}
	return keys
}

// parseTokenAmount reads a raw smallest-unit amount from a token balance.
func parseTokenAmount(amount *rpc.UiTokenAmount) uint64 {
	if amount == nil {
		return 0
	}
	v, err := strconv.ParseUint(amount.Amount, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// withinTolerance reports whether actual is within max(expected*pct, floor)
// of expected.
func withinTolerance(actual, expected, pct decimal.Decimal, floorUnits uint64) bool {
	tolerance := expected.Mul(pct).Round(0)
	floor := decimal.NewFromInt(int64(floorUnits))
	if tolerance.LessThan(floor) {
		tolerance = floor
	}
	return actual.Sub(expected).Abs().LessThanOrEqual(tolerance)
}
