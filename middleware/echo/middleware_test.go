package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/labstack/echo/v4"
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

func TestPayment_UnpaidRequestGetsChallenge(t *testing.T) {
	st := store.NewMemory()
	quotes := quote.New(st, assets.Default(), treasury, time.Minute)
	keys := gate.NewKeyManager(st, "")
	g := gate.New(st, quotes, &staticVerifier{}, keys, ledger.New(st), freetier.New(st))

	e := echo.New()
	e.GET("/api/data", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}, Payment(g, "svc-data", decimal.NewFromFloat(0.05)))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/data", nil))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(gate.HeaderPaymentRequired))
	assert.NotEmpty(t, rec.Header().Get(gate.HeaderQuoteID))
}

func TestPayment_SettlesAfterClientDisconnect(t *testing.T) {
	st := &cancelAwareStore{Memory: store.NewMemory()}
	quotes := quote.New(st, assets.Default(), treasury, time.Minute)
	keys := gate.NewKeyManager(st, "")
	lg := ledger.New(st)
	g := gate.New(st, quotes, &staticVerifier{}, keys, lg, freetier.New(st))

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := echo.New()
	e.GET("/api/data", func(c echo.Context) error {
		// The client goes away while the handler is still running.
		cancel()
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}, Payment(g, "svc-data", decimal.NewFromFloat(0.05)))

	ctx := context.Background()
	plaintext, _, err := keys.Issue(ctx, "wallet-1")
	require.NoError(t, err)
	require.NoError(t, lg.Deposit(ctx, "wallet-1", decimal.NewFromInt(1), "dep-1"))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil).WithContext(reqCtx)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	acct, err := st.GetAccount(ctx, "wallet-1")
	require.NoError(t, err)
	assert.True(t, acct.BalanceUSD.Equal(decimal.NewFromFloat(0.95)),
		"deduction must land even though the request context was cancelled: %s", acct.BalanceUSD)
}
