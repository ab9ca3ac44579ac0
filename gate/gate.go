// Package gate decides whether a request may reach a paid handler. It holds
// the protocol state machine shared by every HTTP adapter: a request enters
// unauthenticated, takes exactly one of the API-key or x402 paths, and
// leaves granted or denied with a fully-formed response for the denied case.
package gate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sol402/gateway/freetier"
	"github.com/sol402/gateway/ledger"
	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
)

// defaultCacheTTL bounds how long a verification outcome is served from
// memory before the payments table is consulted again.
const defaultCacheTTL = 10 * time.Minute

// QuoteEngine issues and validates payment quotes.
type QuoteEngine interface {
	Generate(ctx context.Context, serviceID string, amountUSD decimal.Decimal, asset types.Asset) (*types.Quote, error)
	Load(ctx context.Context, id string) (*types.Quote, error)
}

// Verifier proves an on-chain transfer matches a quote.
type Verifier interface {
	VerifyTransaction(ctx context.Context, txRef string, expectedUSD decimal.Decimal, recipient string, asset types.Asset) (bool, error)
}

// Gate evaluates protocol access for gated services.
type Gate struct {
	store    store.Store
	quotes   QuoteEngine
	verifier Verifier
	keys     *KeyManager
	ledger   *ledger.Service
	freeTier *freetier.Counter
	cache    *verificationCache
}

// New wires the state machine over its collaborators.
func New(st store.Store, quotes QuoteEngine, verifier Verifier, keys *KeyManager, lg *ledger.Service, ft *freetier.Counter) *Gate {
	return &Gate{
		store:    st,
		quotes:   quotes,
		verifier: verifier,
		keys:     keys,
		ledger:   lg,
		freeTier: ft,
		cache:    newVerificationCache(defaultCacheTTL),
	}
}

// Request is the protocol-relevant slice of an inbound HTTP request,
// extracted by the framework adapter.
type Request struct {
	Service     types.Service
	BearerKey   string
	TxSignature string
	QuoteID     string
}

// Grant records who was let through and on what terms. The adapter hands it
// back to Settle after the protected handler runs.
type Grant struct {
	Wallet    string
	Method    types.AuthMethod
	ChargeUSD decimal.Decimal
	Quote     *types.Quote
}

// Outcome is the gate's decision. When Granted is false the adapter writes
// Status, Headers and Body verbatim and never calls the handler.
type Outcome struct {
	Granted bool
	Status  int
	Headers map[string]string
	Body    map[string]interface{}
	Grant   *Grant
}

// Evaluate runs the state machine for one request. A bearer credential
// selects the API-key path; its absence selects the x402 path. The two are
// mutually exclusive per request.
func (g *Gate) Evaluate(ctx context.Context, req Request) Outcome {
	if req.BearerKey != "" {
		return g.evaluateAPIKey(ctx, req)
	}
	return g.evaluateX402(ctx, req)
}

func (g *Gate) evaluateAPIKey(ctx context.Context, req Request) Outcome {
	key, err := g.keys.Resolve(ctx, req.BearerKey)
	if err != nil {
		if errors.Is(err, types.ErrVerificationFailed) {
			return deny(http.StatusUnauthorized, "invalid_api_key", "api key is unknown or deactivated", nil)
		}
		zap.L().Error("API key resolution failed", zap.Error(err))
		return deny(http.StatusInternalServerError, types.ErrCodeInternal, "internal error", nil)
	}
	wallet := key.Wallet
	svc := req.Service

	if svc.HasFreeTier() {
		granted, _, err := g.freeTier.Allow(ctx, wallet, svc)
		if err != nil {
			// A broken counter must not turn free calls into outages;
			// fall through to the paid path.
			zap.L().Warn("Free-tier check failed, falling back to paid path",
				zap.String("wallet", wallet),
				zap.String("service_id", svc.ID),
				zap.Error(err))
		} else if granted {
			return grant(&Grant{Wallet: wallet, Method: types.AuthFreeTier, ChargeUSD: decimal.Zero})
		}
	}

	acct, err := g.store.GetAccount(ctx, wallet)
	if err != nil {
		zap.L().Error("Account lookup failed", zap.String("wallet", wallet), zap.Error(err))
		return deny(http.StatusInternalServerError, types.ErrCodeInternal, "internal error", nil)
	}
	if acct.BalanceUSD.LessThan(svc.PriceUSD) {
		balance, _ := acct.BalanceUSD.Float64()
		required, _ := svc.PriceUSD.Float64()
		return deny(http.StatusPaymentRequired, "insufficient_balance",
			"prepaid balance does not cover the service price",
			map[string]interface{}{"balance": balance, "required": required})
	}

	return grant(&Grant{Wallet: wallet, Method: types.AuthAPIKey, ChargeUSD: svc.PriceUSD})
}

func (g *Gate) evaluateX402(ctx context.Context, req Request) Outcome {
	svc := req.Service

	// No payment proof: issue a fresh quote as a 402 challenge.
	if req.TxSignature == "" || req.QuoteID == "" {
		q, err := g.quotes.Generate(ctx, svc.ID, svc.PriceUSD, svc.Asset)
		if err != nil {
			zap.L().Error("Quote generation failed", zap.String("service_id", svc.ID), zap.Error(err))
			return deny(http.StatusInternalServerError, types.ErrCodeInternal, "internal error", nil)
		}
		body, headers := buildChallenge(q)
		return Outcome{Status: http.StatusPaymentRequired, Headers: headers, Body: body}
	}

	q, err := g.quotes.Load(ctx, req.QuoteID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		return deny(http.StatusBadRequest, "invalid_quote", "quote does not exist", nil)
	case errors.Is(err, types.ErrQuoteExpired):
		return deny(http.StatusBadRequest, types.ErrCodeQuoteExpired, "quote expired, request a new one", nil)
	case err != nil:
		zap.L().Error("Quote load failed", zap.String("quote_id", req.QuoteID), zap.Error(err))
		return deny(http.StatusInternalServerError, types.ErrCodeInternal, "internal error", nil)
	}
	if q.ServiceID != svc.ID {
		return deny(http.StatusBadRequest, "invalid_quote", "quote was issued for a different service", nil)
	}

	// Idempotency: one Payment row per signature, verified at most once.
	// A replayed verified signature grants without re-verifying and without
	// re-running side effects (ChargeUSD zero keeps Settle from accruing
	// earnings twice).
	var payment *types.Payment
	existing, err := g.store.GetPaymentByTxRef(ctx, req.TxSignature)
	switch {
	case err == nil:
		if existing.Verified {
			return grant(&Grant{Method: types.AuthX402, ChargeUSD: decimal.Zero, Quote: q})
		}
		payment = existing
	case errors.Is(err, store.ErrNotFound):
		payment = &types.Payment{
			ID:        uuid.New().String(),
			QuoteID:   q.ID,
			TxRef:     req.TxSignature,
			CreatedAt: time.Now(),
		}
		if cerr := g.store.CreatePayment(ctx, payment); cerr != nil {
			if !errors.Is(cerr, store.ErrDuplicatePayment) {
				zap.L().Error("Payment create failed", zap.Error(cerr))
				return deny(http.StatusInternalServerError, types.ErrCodeInternal, "internal error", nil)
			}
			// Lost the create race: read back the winner's row. The winner
			// may still be mid-verification, which the cache below resolves.
			winner, rerr := g.store.GetPaymentByTxRef(ctx, req.TxSignature)
			if rerr != nil {
				zap.L().Error("Payment lookup failed after create race", zap.Error(rerr))
				return deny(http.StatusInternalServerError, types.ErrCodeInternal, "internal error", nil)
			}
			if winner.Verified {
				return grant(&Grant{Method: types.AuthX402, ChargeUSD: decimal.Zero, Quote: q})
			}
			payment = winner
		}
	default:
		zap.L().Error("Payment lookup failed", zap.Error(err))
		return deny(http.StatusInternalServerError, types.ErrCodeInternal, "internal error", nil)
	}

	// The cache holds the definitive verdict for recently checked
	// signatures and collapses concurrent checks into one. A known-false
	// verdict denies without touching the chain again; no verdict at all
	// (first presentation, or a retry after an unavailable run) verifies.
	key := cacheKey(req.TxSignature)
	status, cached, done := g.cache.checkAndMark(key)
	switch status {
	case statusCached:
		if cached.Verified {
			return grant(&Grant{Method: types.AuthX402, ChargeUSD: decimal.Zero, Quote: q})
		}
		return g.denyUnverified(ctx, req)

	case statusInFlight:
		result, werr := g.cache.waitForResult(ctx, key, done)
		if werr != nil {
			return deny(http.StatusServiceUnavailable, types.ErrCodeUnavailable, "verification interrupted, retry later", nil)
		}
		if result == nil {
			// The in-flight check failed transiently without a verdict.
			return deny(http.StatusServiceUnavailable, types.ErrCodeUnavailable, "verification unavailable, retry later", nil)
		}
		if result.Verified {
			return grant(&Grant{Method: types.AuthX402, ChargeUSD: decimal.Zero, Quote: q})
		}
		return g.denyUnverified(ctx, req)
	}

	// statusNotFound: this request holds the in-flight marker.
	verified, verr := g.verifier.VerifyTransaction(ctx, req.TxSignature, q.AmountUSD, q.PaymentAddress, q.PaymentAsset)
	if verr != nil {
		g.cache.fail(key, done)
		if errors.Is(verr, types.ErrValidation) {
			return deny(http.StatusBadRequest, types.ErrCodeValidation, verr.Error(), nil)
		}
		zap.L().Warn("Verification unavailable", zap.String("tx_ref", req.TxSignature), zap.Error(verr))
		return deny(http.StatusServiceUnavailable, types.ErrCodeUnavailable, "verification unavailable, retry later", nil)
	}
	if !verified {
		g.cache.complete(key, &verificationResult{Verified: false}, done)
		return g.denyUnverified(ctx, req)
	}

	if merr := g.store.MarkPaymentVerified(ctx, payment.ID, time.Now()); merr != nil {
		zap.L().Error("Failed to mark payment verified",
			zap.String("payment_id", payment.ID),
			zap.String("tx_ref", req.TxSignature),
			zap.Error(merr))
	}
	g.cache.complete(key, &verificationResult{Verified: true}, done)
	zap.L().Info("Payment verified",
		zap.String("tx_ref", req.TxSignature),
		zap.String("quote_id", q.ID),
		zap.String("amount_usd", q.AmountUSD.String()))
	return grant(&Grant{Method: types.AuthX402, ChargeUSD: q.AmountUSD, Quote: q})
}

// denyUnverified logs the denied call and builds the 403.
func (g *Gate) denyUnverified(ctx context.Context, req Request) Outcome {
	entry := types.UsageEntry{
		ID:         uuid.New().String(),
		ServiceID:  req.Service.ID,
		AuthMethod: types.AuthX402,
		CostUSD:    decimal.Zero,
		StatusCode: http.StatusForbidden,
		CreatedAt:  time.Now(),
	}
	if err := g.store.LogUsage(ctx, entry); err != nil {
		zap.L().Error("Failed to log denied usage", zap.Error(err))
	}
	return deny(http.StatusForbidden, types.ErrCodeVerificationFailed,
		"on-chain payment could not be verified", nil)
}

// Settle applies post-handler side effects: ledger deduction, earnings
// accrual and the usage entry, all against the handler's real status code.
// It never fails the request; the response has already been delivered, so
// inconsistencies are logged for reconciliation rather than surfaced.
func (g *Gate) Settle(ctx context.Context, req Request, gr *Grant, statusCode int) {
	if gr == nil {
		return
	}
	svc := req.Service
	success := statusCode >= 200 && statusCode < 300
	cost := decimal.Zero

	if success {
		switch gr.Method {
		case types.AuthAPIKey:
			if err := g.ledger.Deduct(ctx, gr.Wallet, gr.ChargeUSD, svc.ID); err != nil {
				zap.L().Error("Deduction failed after delivered response",
					zap.String("wallet", gr.Wallet),
					zap.String("service_id", svc.ID),
					zap.String("amount_usd", gr.ChargeUSD.String()),
					zap.Error(err))
			} else {
				cost = gr.ChargeUSD
				if svc.CreatorID != "" {
					if err := g.ledger.AccrueEarnings(ctx, svc.CreatorID, gr.ChargeUSD, svc.ID); err != nil {
						zap.L().Error("Earnings accrual failed", zap.String("creator_id", svc.CreatorID), zap.Error(err))
					}
				}
			}
		case types.AuthX402:
			cost = gr.ChargeUSD
			if svc.CreatorID != "" && gr.ChargeUSD.Sign() > 0 {
				if err := g.ledger.AccrueEarnings(ctx, svc.CreatorID, gr.ChargeUSD, svc.ID); err != nil {
					zap.L().Error("Earnings accrual failed", zap.String("creator_id", svc.CreatorID), zap.Error(err))
				}
			}
		}
	}

	entry := types.UsageEntry{
		ID:         uuid.New().String(),
		Wallet:     gr.Wallet,
		ServiceID:  svc.ID,
		AuthMethod: gr.Method,
		CostUSD:    cost,
		StatusCode: statusCode,
		CreatedAt:  time.Now(),
	}
	if err := g.store.LogUsage(ctx, entry); err != nil {
		zap.L().Error("Failed to log usage", zap.String("service_id", svc.ID), zap.Error(err))
	}
}

func grant(gr *Grant) Outcome {
	return Outcome{Granted: true, Status: http.StatusOK, Grant: gr}
}

func deny(status int, code, message string, extra map[string]interface{}) Outcome {
	body := map[string]interface{}{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		body[k] = v
	}
	return Outcome{Status: status, Body: body}
}
