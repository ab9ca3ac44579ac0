package gate

import (
	"time"

	"github.com/sol402/gateway/types"
)

// Protocol headers. The quote is mirrored into headers so thin clients can
// drive the payment flow without parsing the body.
const (
	HeaderPaymentRequired = "X-Payment-Required"
	HeaderVersion         = "X-402-Version"
	HeaderSupported       = "X-402-Supported"
	HeaderQuoteID         = "X-Quote-Id"
	HeaderAmountUSD       = "X-Amount-USD"
	HeaderSolanaAddress   = "X-Solana-Address"
	HeaderExpiresAt       = "X-Expires-At"

	// Client retry headers.
	HeaderTxSignature       = "X-Transaction-Signature"
	HeaderTxSignatureLegacy = "X-Solana-Signature"
)

// ProtocolVersion is advertised on every challenge.
const ProtocolVersion = "1"

// SupportedMethods lists the payment proofs this gateway accepts.
const SupportedMethods = "signature,wallet,apikey"

// buildChallenge renders a quote as the canonical 402 challenge: JSON body
// plus mirrored headers.
func buildChallenge(q *types.Quote) (map[string]interface{}, map[string]string) {
	amountUSD, _ := q.AmountUSD.Float64()
	expiresAt := q.ExpiresAt.UTC().Format(time.RFC3339)

	body := map[string]interface{}{
		"error":          "payment_required",
		"quote_id":       q.ID,
		"amount_usd":     amountUSD,
		"solana_address": q.PaymentAddress,
		"expires_at":     expiresAt,
	}
	headers := map[string]string{
		HeaderPaymentRequired: "true",
		HeaderVersion:         ProtocolVersion,
		HeaderSupported:       SupportedMethods,
		HeaderQuoteID:         q.ID,
		HeaderAmountUSD:       q.AmountUSD.String(),
		HeaderSolanaAddress:   q.PaymentAddress,
		HeaderExpiresAt:       expiresAt,
	}
	return body, headers
}
