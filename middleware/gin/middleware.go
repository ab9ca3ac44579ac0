// Package gin adapts the payment gate to gin routers. The adapter extracts
// the protocol headers, asks the gate for a decision, and either writes the
// gate's response verbatim or runs the protected handler and settles
// afterwards with the handler's real status code.
package gin

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/sol402/gateway/gate"
	"github.com/sol402/gateway/types"
)

// GrantContextKey is where the adapter stores the *gate.Grant for handlers
// that want to know who paid and how.
const GrantContextKey = "x402.grant"

// Option configures the gated service descriptor.
type Option func(*types.Service)

// WithName sets the service display name.
func WithName(name string) Option {
	return func(s *types.Service) { s.Name = name }
}

// WithAsset sets the payment asset for x402 quotes.
func WithAsset(asset types.Asset) Option {
	return func(s *types.Service) { s.Asset = asset }
}

// WithCreator sets the earnings beneficiary.
func WithCreator(creatorID string) Option {
	return func(s *types.Service) { s.CreatorID = creatorID }
}

// WithFreeTier grants API-key callers limit free calls per rolling period.
func WithFreeTier(limit int, period types.FreeTierPeriod) Option {
	return func(s *types.Service) {
		s.FreeTierLimit = limit
		s.FreeTierPeriod = period
	}
}

// Payment gates a route behind the protocol.
// priceUSD: the decimal denominated amount to charge (ex: 0.01 for 1 cent).
func Payment(g *gate.Gate, serviceID string, priceUSD decimal.Decimal, opts ...Option) gin.HandlerFunc {
	svc := types.Service{
		ID:       serviceID,
		PriceUSD: priceUSD,
		Asset:    types.AssetUSDC,
	}
	for _, opt := range opts {
		opt(&svc)
	}

	return func(c *gin.Context) {
		req := gate.Request{
			Service:     svc,
			BearerKey:   bearerToken(c.GetHeader("Authorization")),
			TxSignature: paymentSignature(c),
			QuoteID:     c.GetHeader(gate.HeaderQuoteID),
		}

		outcome := g.Evaluate(c.Request.Context(), req)
		if !outcome.Granted {
			for k, v := range outcome.Headers {
				c.Header(k, v)
			}
			c.AbortWithStatusJSON(outcome.Status, outcome.Body)
			return
		}

		c.Set(GrantContextKey, outcome.Grant)
		c.Next()

		status := c.Writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		// The deduction must survive a client that disconnects after the
		// handler has done its work.
		g.Settle(context.WithoutCancel(c.Request.Context()), req, outcome.Grant, status)
	}
}

// GrantFrom returns the grant stored by the middleware, if any.
func GrantFrom(c *gin.Context) (*gate.Grant, bool) {
	v, ok := c.Get(GrantContextKey)
	if !ok {
		return nil, false
	}
	gr, ok := v.(*gate.Grant)
	return gr, ok
}

func bearerToken(authorization string) string {
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
		return strings.TrimSpace(authorization[len(prefix):])
	}
	return ""
}

func paymentSignature(c *gin.Context) string {
	if sig := c.GetHeader(gate.HeaderTxSignature); sig != "" {
		return sig
	}
	return c.GetHeader(gate.HeaderTxSignatureLegacy)
}
