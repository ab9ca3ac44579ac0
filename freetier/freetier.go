// Package freetier tracks per-wallet complimentary call allowances for
// services that offer them. Windows are rolling: a 24h window covers the
// last 24 hours from the moment of the request, not a calendar day.
package freetier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
)

// Counter answers "does this wallet still have free calls left on this
// service" and consumes one call when it does. The check and the increment
// are a single store operation so concurrent requests cannot share the last
// free slot.
type Counter struct {
	store store.Store
}

// New builds a counter over the given store.
func New(st store.Store) *Counter {
	return &Counter{store: st}
}

// Allow consumes one free call if the wallet is under the service's limit.
// It returns whether the call was granted and the count used so far in the
// current window (including this call when granted). Services without a
// free tier always deny.
func (c *Counter) Allow(ctx context.Context, wallet string, svc types.Service) (bool, int, error) {
	if !svc.HasFreeTier() {
		return false, 0, nil
	}

	window := svc.FreeTierPeriod.Window()
	granted, used, err := c.store.CheckAndIncrementFreeTier(ctx, wallet, svc.ID, svc.FreeTierLimit, window)
	if err != nil {
		return false, 0, fmt.Errorf("%w: free-tier check failed: %v", types.ErrInternal, err)
	}

	if granted {
		zap.L().Debug("Free-tier call granted",
			zap.String("wallet", wallet),
			zap.String("service_id", svc.ID),
			zap.Int("used", used),
			zap.Int("limit", svc.FreeTierLimit))
	}
	return granted, used, nil
}
