package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sol402/gateway/assets"
	"github.com/sol402/gateway/freetier"
	"github.com/sol402/gateway/gate"
	"github.com/sol402/gateway/ledger"
	"github.com/sol402/gateway/quote"
	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
)

var treasury = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

type staticVerifier struct {
	verified bool
	err      error
}

func (v *staticVerifier) VerifyTransaction(_ context.Context, _ string, _ decimal.Decimal, _ string, _ types.Asset) (bool, error) {
	return v.verified, v.err
}

type harness struct {
	router *gin.Engine
	store  *store.Memory
	keys   *gate.KeyManager
	ledger *ledger.Service
}

func newHarness(t *testing.T, verifier gate.Verifier, opts ...Option) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	quotes := quote.New(st, assets.Default(), treasury, time.Minute)
	keys := gate.NewKeyManager(st, "")
	lg := ledger.New(st)
	g := gate.New(st, quotes, verifier, keys, lg, freetier.New(st))

	router := gin.New()
	router.GET("/api/data",
		Payment(g, "svc-data", decimal.NewFromFloat(0.05), opts...),
		func(c *gin.Context) {
			gr, ok := GrantFrom(c)
			require.True(t, ok)
			c.JSON(http.StatusOK, gin.H{"wallet": gr.Wallet, "method": string(gr.Method)})
		},
	)
	return &harness{router: router, store: st, keys: keys, ledger: lg}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestPayment_UnpaidRequestGetsChallenge(t *testing.T) {
	h := newHarness(t, &staticVerifier{})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/data", nil))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(gate.HeaderPaymentRequired))
	assert.Equal(t, gate.ProtocolVersion, rec.Header().Get(gate.HeaderVersion))
	assert.Equal(t, "0.05", rec.Header().Get(gate.HeaderAmountUSD))
	assert.NotEmpty(t, rec.Header().Get(gate.HeaderQuoteID))
	assert.NotEmpty(t, rec.Header().Get(gate.HeaderSolanaAddress))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "payment_required", body["error"])
	assert.Equal(t, rec.Header().Get(gate.HeaderQuoteID), body["quote_id"])
}

func TestPayment_SignatureRetryRunsHandler(t *testing.T) {
	h := newHarness(t, &staticVerifier{verified: true})

	challenge := h.do(httptest.NewRequest(http.MethodGet, "/api/data", nil))
	require.Equal(t, http.StatusPaymentRequired, challenge.Code)
	quoteID := challenge.Header().Get(gate.HeaderQuoteID)

	retry := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	retry.Header.Set(gate.HeaderTxSignature, solana.Signature{9, 9, 9}.String())
	retry.Header.Set(gate.HeaderQuoteID, quoteID)

	rec := h.do(retry)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "x402", body["method"])
}

func TestPayment_LegacySignatureHeader(t *testing.T) {
	h := newHarness(t, &staticVerifier{verified: true})

	challenge := h.do(httptest.NewRequest(http.MethodGet, "/api/data", nil))
	quoteID := challenge.Header().Get(gate.HeaderQuoteID)

	retry := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	retry.Header.Set(gate.HeaderTxSignatureLegacy, solana.Signature{8, 8, 8}.String())
	retry.Header.Set(gate.HeaderQuoteID, quoteID)

	rec := h.do(retry)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPayment_APIKeyDeductsAfterHandler(t *testing.T) {
	h := newHarness(t, &staticVerifier{})
	ctx := context.Background()

	plaintext, _, err := h.keys.Issue(ctx, "wallet-1")
	require.NoError(t, err)
	require.NoError(t, h.ledger.Deposit(ctx, "wallet-1", decimal.NewFromInt(1), "dep-1"))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)

	rec := h.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	acct, err := h.store.GetAccount(ctx, "wallet-1")
	require.NoError(t, err)
	assert.True(t, acct.BalanceUSD.Equal(decimal.NewFromFloat(0.95)),
		"balance after settle: %s", acct.BalanceUSD)
}

func TestPayment_InvalidAPIKey(t *testing.T) {
	h := newHarness(t, &staticVerifier{})

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer sk402_deadbeef")

	rec := h.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get(gate.HeaderPaymentRequired),
		"a rejected key is not a payment challenge")
}

func TestPayment_InsufficientBalance(t *testing.T) {
	h := newHarness(t, &staticVerifier{})
	ctx := context.Background()

	plaintext, _, err := h.keys.Issue(ctx, "wallet-poor")
	require.NoError(t, err)
	require.NoError(t, h.ledger.Deposit(ctx, "wallet-poor", decimal.NewFromFloat(0.01), "dep-1"))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)

	rec := h.do(req)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_balance", body["error"])
	assert.InDelta(t, 0.01, body["balance"], 1e-9)
	assert.InDelta(t, 0.05, body["required"], 1e-9)
}

func TestPayment_Options(t *testing.T) {
	h := newHarness(t, &staticVerifier{},
		WithName("Data API"),
		WithAsset(types.AssetSOL),
		WithCreator("creator-1"),
		WithFreeTier(2, types.PeriodDaily))
	ctx := context.Background()

	plaintext, _, err := h.keys.Issue(ctx, "wallet-1")
	require.NoError(t, err)

	// Two free calls, no balance needed.
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
		req.Header.Set("Authorization", "Bearer "+plaintext)
		rec := h.do(req)
		assert.Equal(t, http.StatusOK, rec.Code, "free call %d", i+1)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := h.do(req)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code, "free tier exhausted and no balance")
}

// cancelAwareStore surfaces context cancellation from DebitBalance the way
// a real database driver would.
type cancelAwareStore struct {
	*store.Memory
}

func (s *cancelAwareStore) DebitBalance(ctx context.Context, wallet string, amount decimal.Decimal, entry types.AccountTransaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.DebitBalance(ctx, wallet, amount, entry)
}

func TestPayment_SettlesAfterClientDisconnect(t *testing.T) {
	gin.SetMode(gin.TestMode)

	st := &cancelAwareStore{Memory: store.NewMemory()}
	quotes := quote.New(st, assets.Default(), treasury, time.Minute)
	keys := gate.NewKeyManager(st, "")
	lg := ledger.New(st)
	g := gate.New(st, quotes, &staticVerifier{}, keys, lg, freetier.New(st))

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := gin.New()
	router.GET("/api/data",
		Payment(g, "svc-data", decimal.NewFromFloat(0.05)),
		func(c *gin.Context) {
			// The client goes away while the handler is still running.
			cancel()
			c.JSON(http.StatusOK, gin.H{"ok": true})
		},
	)

	ctx := context.Background()
	plaintext, _, err := keys.Issue(ctx, "wallet-1")
	require.NoError(t, err)
	require.NoError(t, lg.Deposit(ctx, "wallet-1", decimal.NewFromInt(1), "dep-1"))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil).WithContext(reqCtx)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	acct, err := st.GetAccount(ctx, "wallet-1")
	require.NoError(t, err)
	assert.True(t, acct.BalanceUSD.Equal(decimal.NewFromFloat(0.95)),
		"deduction must land even though the request context was cancelled: %s", acct.BalanceUSD)
}
