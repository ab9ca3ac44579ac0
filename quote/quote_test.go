package quote

import (
	"context"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sol402/gateway/assets"
	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
)

var treasury = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

func TestGenerate_TokenQuoteUsesTokenAccount(t *testing.T) {
	svc := New(store.NewMemory(), assets.Default(), treasury, time.Minute)

	q, err := svc.Generate(context.Background(), "svc-1", decimal.NewFromFloat(0.05), types.AssetUSDC)
	require.NoError(t, err)

	assert.Equal(t, "svc-1", q.ServiceID)
	assert.Equal(t, types.AssetUSDC, q.PaymentAsset)
	assert.NotEmpty(t, q.ID)
	assert.NotEqual(t, treasury.String(), q.PaymentAddress,
		"token quotes pay into the treasury's associated token account")
	assert.True(t, q.ExpiresAt.After(q.CreatedAt))
}

func TestGenerate_NativeQuoteUsesTreasury(t *testing.T) {
	svc := New(store.NewMemory(), assets.Default(), treasury, time.Minute)

	q, err := svc.Generate(context.Background(), "svc-1", decimal.NewFromFloat(0.05), types.AssetSOL)
	require.NoError(t, err)
	assert.Equal(t, treasury.String(), q.PaymentAddress)
}

func TestGenerate_RejectsNonPositiveAmounts(t *testing.T) {
	svc := New(store.NewMemory(), assets.Default(), treasury, time.Minute)

	_, err := svc.Generate(context.Background(), "svc-1", decimal.Zero, types.AssetUSDC)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.Generate(context.Background(), "svc-1", decimal.NewFromInt(-1), types.AssetUSDC)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestLoad_ExpiryMonotonicity(t *testing.T) {
	st := store.NewMemory()
	svc := New(st, assets.Default(), treasury, 20*time.Millisecond)
	ctx := context.Background()

	q, err := svc.Generate(ctx, "svc-1", decimal.NewFromFloat(0.01), types.AssetUSDC)
	require.NoError(t, err)
	assert.True(t, IsValid(q))

	loaded, err := svc.Load(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, loaded.ID)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, IsValid(q))

	_, err = svc.Load(ctx, q.ID)
	assert.ErrorIs(t, err, types.ErrQuoteExpired, "an expired quote never loads successfully")
}

func TestLoad_Unknown(t *testing.T) {
	svc := New(store.NewMemory(), assets.Default(), treasury, time.Minute)

	_, err := svc.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
