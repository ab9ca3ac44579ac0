// Package quote issues payment quotes for gated services. A quote pins the
// USD amount, the receiving address for the chosen asset and a fixed expiry;
// expired quotes are rejected at validation time and never renewed.
package quote

import (
	"context"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sol402/gateway/assets"
	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
)

// DefaultTTL is the quote lifetime.
const DefaultTTL = 300 * time.Second

// Service generates and loads quotes.
type Service struct {
	store    store.Store
	catalog  *assets.Catalog
	treasury solana.PublicKey
	ttl      time.Duration
}

// New creates a quote service paying into treasury. ttl <= 0 selects
// DefaultTTL.
func New(st store.Store, catalog *assets.Catalog, treasury solana.PublicKey, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: st, catalog: catalog, treasury: treasury, ttl: ttl}
}

// Generate builds and persists a quote for a service.
//
// For a token asset the receiving address is the treasury's associated token
// account for that mint, derived locally without an RPC call. Derivation
// failure degrades to the raw treasury wallet: the verifier accepts either
// the owner wallet or the derived token account as destination, so a
// degraded quote still verifies.
func (s *Service) Generate(ctx context.Context, serviceID string, amountUSD decimal.Decimal, asset types.Asset) (*types.Quote, error) {
	if amountUSD.Sign() <= 0 {
		return nil, fmt.Errorf("%w: quote amount must be positive, got %s", types.ErrValidation, amountUSD)
	}
	info, err := s.catalog.Get(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrValidation, err)
	}

	address := s.treasury.String()
	if !info.IsNative() {
		ata, _, err := solana.FindAssociatedTokenAddress(s.treasury, info.Mint)
		if err != nil {
			zap.L().Warn("ATA derivation failed, quoting raw treasury address",
				zap.String("asset", string(asset)),
				zap.Error(err))
		} else {
			address = ata.String()
		}
	}

	now := time.Now()
	q := &types.Quote{
		ID:             uuid.New().String(),
		ServiceID:      serviceID,
		AmountUSD:      amountUSD,
		PaymentAddress: address,
		PaymentAsset:   asset,
		ExpiresAt:      now.Add(s.ttl),
		CreatedAt:      now,
	}
	if err := s.store.CreateQuote(ctx, q); err != nil {
		return nil, fmt.Errorf("%w: failed to persist quote: %v", types.ErrInternal, err)
	}

	zap.L().Debug("Quote issued",
		zap.String("quote_id", q.ID),
		zap.String("service_id", serviceID),
		zap.String("amount_usd", amountUSD.String()),
		zap.String("asset", string(asset)),
		zap.String("address", address))
	return q, nil
}

// IsValid reports whether the quote has not expired.
func IsValid(q *types.Quote) bool {
	return time.Now().Before(q.ExpiresAt)
}

// Load fetches a quote and checks its expiry. A missing quote surfaces
// ErrNotFound; an expired one surfaces ErrQuoteExpired so the caller can
// tell the client to restart the flow with a fresh request.
func (s *Service) Load(ctx context.Context, id string) (*types.Quote, error) {
	q, err := s.store.GetQuote(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("%w: quote %s", types.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: failed to load quote: %v", types.ErrInternal, err)
	}
	if !IsValid(q) {
		return nil, fmt.Errorf("%w: quote %s expired at %s", types.ErrQuoteExpired, id, q.ExpiresAt.Format(time.RFC3339))
	}
	return q, nil
}
