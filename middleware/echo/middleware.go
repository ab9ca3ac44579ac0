// Package echo adapts the payment gate to echo routers. It mirrors the gin
// adapter; the gate itself is framework-agnostic.
package echo

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/sol402/gateway/gate"
	"github.com/sol402/gateway/types"
)

// GrantContextKey is where the adapter stores the *gate.Grant.
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
func Payment(g *gate.Gate, serviceID string, priceUSD decimal.Decimal, opts ...Option) echo.MiddlewareFunc {
	svc := types.Service{
		ID:       serviceID,
		PriceUSD: priceUSD,
		Asset:    types.AssetUSDC,
	}
	for _, opt := range opts {
		opt(&svc)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := gate.Request{
				Service:     svc,
				BearerKey:   bearerToken(c.Request().Header.Get("Authorization")),
				TxSignature: paymentSignature(c),
				QuoteID:     c.Request().Header.Get(gate.HeaderQuoteID),
			}

			outcome := g.Evaluate(c.Request().Context(), req)
			if !outcome.Granted {
				for k, v := range outcome.Headers {
					c.Response().Header().Set(k, v)
				}
				return c.JSON(outcome.Status, outcome.Body)
			}

			c.Set(GrantContextKey, outcome.Grant)
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			} else if status == 0 {
				status = http.StatusOK
			}
			// The deduction must survive a client that disconnects after
			// the handler has done its work.
			g.Settle(context.WithoutCancel(c.Request().Context()), req, outcome.Grant, status)
			return err
		}
	}
}

// GrantFrom returns the grant stored by the middleware, if any.
func GrantFrom(c echo.Context) (*gate.Grant, bool) {
	gr, ok := c.Get(GrantContextKey).(*gate.Grant)
	return gr, ok
}

func bearerToken(authorization string) string {
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
		return strings.TrimSpace(authorization[len(prefix):])
	}
	return ""
}

func paymentSignature(c echo.Context) string {
	if sig := c.Request().Header.Get(gate.HeaderTxSignature); sig != "" {
		return sig
	}
	return c.Request().Header.Get(gate.HeaderTxSignatureLegacy)
}
