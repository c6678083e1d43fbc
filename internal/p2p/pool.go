package p2p

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// ErrPoolExhausted is returned when the pool cannot fill a release.
var ErrPoolExhausted = fmt.Errorf("p2p: counterparty liquidity exhausted: %w", model.ErrCapacityExceeded)

// LiquidityPool stands in for the counterparties behind merchant offers.
// BUY releases draw from it and SELL releases return to it.
type LiquidityPool interface {
	Draw(ctx context.Context, asset string, amount decimal.Decimal) error
	Return(ctx context.Context, asset string, amount decimal.Decimal)
}

// Pool is an in-memory LiquidityPool. Assets it was not seeded with have no
// liquidity.
type Pool struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewPool creates a pool holding the given per-asset liquidity.
func NewPool(liquidity map[string]decimal.Decimal) *Pool {
	p := &Pool{balances: make(map[string]decimal.Decimal, len(liquidity))}
	for a, amt := range liquidity {
		p.balances[strings.ToUpper(a)] = amt
	}
	return p
}

func (p *Pool) Draw(_ context.Context, asset string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := strings.ToUpper(asset)
	if p.balances[k].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", ErrPoolExhausted, k, p.balances[k], amount)
	}
	p.balances[k] = p.balances[k].Sub(amount)
	return nil
}

func (p *Pool) Return(_ context.Context, asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := strings.ToUpper(asset)
	p.balances[k] = p.balances[k].Add(amount)
}

// Available returns the pool's current liquidity in asset.
func (p *Pool) Available(asset string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[strings.ToUpper(asset)]
}

var _ LiquidityPool = (*Pool)(nil)
