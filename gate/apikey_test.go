package gate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
)

func TestKeyManager_IssueAndResolve(t *testing.T) {
	st := store.NewMemory()
	km := NewKeyManager(st, "")
	ctx := context.Background()

	plaintext, key, err := km.Issue(ctx, "wallet-1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, DefaultKeyPrefix+"_"))
	assert.Equal(t, "wallet-1", key.Wallet)
	assert.True(t, key.Active)
	assert.NotContains(t, key.KeyHash, plaintext, "the plaintext is never stored")
	assert.Equal(t, HashKey(plaintext), key.KeyHash)

	resolved, err := km.Resolve(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, key.ID, resolved.ID)
}

func TestKeyManager_ResolveUnknown(t *testing.T) {
	km := NewKeyManager(store.NewMemory(), "")

	_, err := km.Resolve(context.Background(), "sk402_deadbeef")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrVerificationFailed)
}

func TestKeyManager_ResolveDeactivated(t *testing.T) {
	st := store.NewMemory()
	km := NewKeyManager(st, "live")
	ctx := context.Background()

	plaintext, key, err := km.Issue(ctx, "wallet-1")
	require.NoError(t, err)

	key.Active = false
	require.NoError(t, st.CreateAPIKey(ctx, key))

	_, err = km.Resolve(ctx, plaintext)
	assert.ErrorIs(t, err, types.ErrVerificationFailed,
		"a deactivated key is indistinguishable from an unknown one")
}

func TestKeyManager_RequiresWallet(t *testing.T) {
	km := NewKeyManager(store.NewMemory(), "")
	_, _, err := km.Issue(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestMaskKey(t *testing.T) {
	masked := MaskKey("sk402_abcdef0123456789")
	assert.Equal(t, "sk402_abcd****", masked)
	assert.NotContains(t, masked, "ef0123456789")
}
