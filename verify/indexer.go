package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sol402/gateway/types"
)

// Indexer is an optional third-party transaction-indexing service queried
// as the final verification strategy. Some RPC nodes prune transactions or
// fail to parse certain instruction types; an indexer's parsed view covers
// those gaps. Verification degrades gracefully when no indexer is
// configured.
type Indexer interface {
	GetParsedTransaction(ctx context.Context, signature string) (*ParsedTransaction, error)
}

// ParsedTokenTransfer is one token movement in an indexer's parsed view.
type ParsedTokenTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	ToTokenAccount  string  `json:"toTokenAccount"`
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
}

// ParsedNativeTransfer is one lamport movement in an indexer's parsed view.
type ParsedNativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          uint64 `json:"amount"`
}

// ParsedTransaction is the indexer's enriched view of a transaction.
type ParsedTransaction struct {
	Signature        string                 `json:"signature"`
	TransactionError map[string]interface{} `json:"transactionError"`
	TokenTransfers   []ParsedTokenTransfer  `json:"tokenTransfers"`
	NativeTransfers  []ParsedNativeTransfer `json:"nativeTransfers"`
}

// Failed reports whether the indexer saw the transaction error on-chain.
func (p *ParsedTransaction) Failed() bool {
	return len(p.TransactionError) > 0
}

// HeliusClient queries the Helius enhanced-transactions API.
type HeliusClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHeliusClient builds an indexer client. Returns nil when no API key is
// configured so callers can treat the indexer as absent.
func NewHeliusClient(baseURL, apiKey string) *HeliusClient {
	if apiKey == "" {
		return nil
	}
	if baseURL == "" {
		baseURL = "https://api.helius.xyz"
	}
	return &HeliusClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 8 * time.Second},
	}
}

// GetParsedTransaction fetches the parsed view of one transaction.
func (h *HeliusClient) GetParsedTransaction(ctx context.Context, signature string) (*ParsedTransaction, error) {
	payload, err := json.Marshal(map[string][]string{"transactions": {signature}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal indexer request: %w", err)
	}

	url := fmt.Sprintf("%s/v0/transactions?api-key=%s", h.baseURL, h.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build indexer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: indexer request failed: %v", types.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: indexer returned %d", types.ErrUnavailable, resp.StatusCode)
	}

	var parsed []ParsedTransaction
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode indexer response: %w", err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("indexer has no record of transaction %s", signature)
	}
	return &parsed[0], nil
}
