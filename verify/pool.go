// Package verify proves that an on-chain Solana transfer matching an
// expected amount and recipient actually happened. It is the protocol's
// trust boundary: it must never report success for a payment that did not
// occur, while staying robust to RPC unavailability and provider
// disagreement through layered fallbacks.
package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/sol402/gateway/types"
)

// Conn is the slice of the Solana RPC surface the gateway uses. Satisfied
// by *rpc.Client; tests substitute fakes.
type Conn interface {
	GetHealth(ctx context.Context) (string, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

var _ Conn = (*rpc.Client)(nil)

// PublicFallbackEndpoints are appended after the configured primary so a
// single dead provider never takes verification down with it.
var PublicFallbackEndpoints = []string{
	rpc.MainNetBeta_RPC,
	"https://solana-api.projectserum.com",
	"https://rpc.ankr.com/solana",
}

// Pool owns the ordered RPC endpoint list and hands out the first endpoint
// that answers a liveness probe. The live connection is cached until a
// caller reports it failed; both the verifier and the reconciliation engine
// share one pool.
type Pool struct {
	mu           sync.Mutex
	endpoints    []string
	dial         func(url string) Conn
	probeTimeout time.Duration

	active    Conn
	activeURL string
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer overrides how endpoint URLs become connections. Test hook.
func WithDialer(dial func(url string) Conn) PoolOption {
	return func(p *Pool) { p.dial = dial }
}

// WithProbeTimeout bounds each liveness probe.
func WithProbeTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.probeTimeout = d }
}

// NewPool builds a pool over the given ordered endpoints. An empty list
// falls back to the public endpoints alone.
func NewPool(endpoints []string, opts ...PoolOption) *Pool {
	if len(endpoints) == 0 {
		endpoints = PublicFallbackEndpoints
	}
	p := &Pool{
		endpoints:    endpoints,
		dial:         func(url string) Conn { return rpc.New(url) },
		probeTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns a live connection, probing the endpoint list in priority
// order. When every endpoint fails the error is ErrUnavailable; callers
// must surface "retry later", never "payment invalid".
func (p *Pool) Get(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		return p.active, nil
	}

	for _, url := range p.endpoints {
		conn := p.dial(url)
		probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
		health, err := conn.GetHealth(probeCtx)
		cancel()
		if err != nil || health != rpc.HealthOk {
			zap.L().Warn("RPC endpoint failed liveness probe",
				zap.String("endpoint", url),
				zap.Error(err))
			continue
		}
		p.active = conn
		p.activeURL = url
		zap.L().Debug("RPC connection established", zap.String("endpoint", url))
		return conn, nil
	}

	return nil, fmt.Errorf("%w: no RPC endpoint is reachable", types.ErrUnavailable)
}

// MarkFailed drops the cached connection if it is the one the caller holds,
// forcing the next Get to re-probe the list from the top.
func (p *Pool) MarkFailed(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == conn {
		zap.L().Warn("Dropping failed RPC connection", zap.String("endpoint", p.activeURL))
		p.active = nil
		p.activeURL = ""
	}
}
