package gate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
)

// DefaultKeyPrefix marks gateway-issued keys so they are recognizable in
// logs and configuration without revealing the secret part.
const DefaultKeyPrefix = "sk402"

// keySecretBytes is the entropy of the secret part of a key.
const keySecretBytes = 24

// KeyManager issues and resolves API keys. Only the SHA-256 hash of a key
// is ever stored; the plaintext exists once, in the issuance response.
type KeyManager struct {
	store  store.Store
	prefix string
}

// NewKeyManager builds a key manager. An empty prefix selects
// DefaultKeyPrefix.
func NewKeyManager(st store.Store, prefix string) *KeyManager {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &KeyManager{store: st, prefix: prefix}
}

// HashKey returns the hex SHA-256 digest under which a key is stored.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// MaskKey returns a loggable form of a key: prefix plus the first four
// secret characters.
func MaskKey(plaintext string) string {
	idx := strings.LastIndex(plaintext, "_")
	if idx < 0 || len(plaintext) < idx+5 {
		if len(plaintext) > 8 {
			return plaintext[:8] + "****"
		}
		return "****"
	}
	return plaintext[:idx+5] + "****"
}

// Issue creates a new key bound to a wallet and returns the plaintext
// exactly once alongside the stored record.
func (m *KeyManager) Issue(ctx context.Context, wallet string) (string, *types.APIKey, error) {
	if wallet == "" {
		return "", nil, fmt.Errorf("%w: wallet is required", types.ErrValidation)
	}

	secret := make([]byte, keySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("%w: failed to generate key material: %v", types.ErrInternal, err)
	}
	plaintext := fmt.Sprintf("%s_%s", m.prefix, hex.EncodeToString(secret))

	key := &types.APIKey{
		ID:        uuid.New().String(),
		Wallet:    wallet,
		KeyHash:   HashKey(plaintext),
		MaskedKey: MaskKey(plaintext),
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("%w: failed to persist key: %v", types.ErrInternal, err)
	}
	return plaintext, key, nil
}

// Resolve maps a bearer token to its key record. Unknown and deactivated
// keys both resolve to ErrVerificationFailed so callers cannot distinguish
// revoked keys from invented ones.
func (m *KeyManager) Resolve(ctx context.Context, bearer string) (*types.APIKey, error) {
	key, err := m.store.GetAPIKeyByHash(ctx, HashKey(bearer))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown api key", types.ErrVerificationFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: key lookup failed: %v", types.ErrInternal, err)
	}
	if !key.Active {
		return nil, fmt.Errorf("%w: api key is deactivated", types.ErrVerificationFailed)
	}
	return key, nil
}
