// Package exposure implements open-stake limits for binary options that
// account for correlation between symbols sharing a base asset.
//
// When a user opens CALLs on BTC/USDT, BTCUSDC and BTC/EUR at once, all three
// move together. This package groups symbols by base asset and enforces both a
// per-symbol and an aggregate correlated cap on escrowed stake.
package exposure

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/asset"
	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrPerSymbolLimitExceeded is returned when a new stake would push a
	// single symbol's open stake beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = fmt.Errorf("exposure: per-symbol stake limit exceeded: %w", model.ErrCapacityExceeded)

	// ErrCorrelatedLimitExceeded is returned when a new stake would push the
	// aggregate open stake across symbols with the same base asset beyond
	// the correlated maximum.
	ErrCorrelatedLimitExceeded = fmt.Errorf("exposure: correlated stake limit exceeded: %w", model.ErrCapacityExceeded)
)

// Limiter enforces stake limits with correlation awareness. A zero limit
// disables that check.
type Limiter struct {
	// MaxPerSymbol is the maximum open stake on any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxCorrelated is the maximum aggregate open stake across all symbols
	// that share the same base asset.
	MaxCorrelated decimal.Decimal

	// TierMultipliers scales both limits per account tier. Tiers without an
	// entry use a multiplier of 1.
	TierMultipliers map[string]decimal.Decimal
}

// NewLimiter creates a limiter with the given per-symbol and correlated caps.
func NewLimiter(maxPerSymbol, maxCorrelated decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerSymbol:    maxPerSymbol,
		MaxCorrelated:   maxCorrelated,
		TierMultipliers: map[string]decimal.Decimal{},
	}
}

// OpenStakes sums escrowed stake of PENDING and ACTIVE positions per symbol.
func OpenStakes(positions []model.BinaryPosition) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if p.Status == model.BinaryPending || p.Status == model.BinaryActive {
			out[p.Asset] = out[p.Asset].Add(p.Amount)
		}
	}
	return out
}

// CheckLimit validates whether adding stake on symbol respects the limits.
//
// Parameters:
//   - symbol: normalised trading symbol of the new position
//   - stake: amount about to be escrowed
//   - existing: map of symbol → current open stake for this account
//   - tier: account tier used to scale the limits
func (l *Limiter) CheckLimit(symbol string, stake decimal.Decimal, existing map[string]decimal.Decimal, tier string) error {
	if l == nil {
		return nil
	}
	mult := decimal.NewFromInt(1)
	if m, ok := l.TierMultipliers[tier]; ok && m.IsPositive() {
		mult = m
	}

	// 1. Per-symbol limit.
	newStake := existing[symbol].Add(stake)
	if l.MaxPerSymbol.IsPositive() && newStake.GreaterThan(l.MaxPerSymbol.Mul(mult)) {
		return ErrPerSymbolLimitExceeded
	}

	// 2. Correlated exposure across symbols sharing the base asset.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	target := baseOf(symbol)
	total := newStake
	for sym, amt := range existing {
		if sym == symbol {
			continue // already counted via newStake above
		}
		if baseOf(sym) == target {
			total = total.Add(amt)
		}
	}
	if total.GreaterThan(l.MaxCorrelated.Mul(mult)) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

// baseOf returns the base asset of a symbol, or the symbol itself when it
// does not parse.
func baseOf(symbol string) string {
	s, err := asset.ParseSymbol(symbol)
	if err != nil {
		return symbol
	}
	return s.Base
}
