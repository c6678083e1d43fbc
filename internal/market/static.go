package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// StaticOracle is an in-memory PriceOracle fed by the caller. It backs tests
// and local runs where prices come from fixtures.
type StaticOracle struct {
	mu      sync.RWMutex
	history map[string][]model.PricePoint
	failing map[string]error
}

// NewStaticOracle creates an empty oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		history: make(map[string][]model.PricePoint),
		failing: make(map[string]error),
	}
}

// Push appends a price sample; the newest sample is the current price.
func (o *StaticOracle) Push(symbol string, at time.Time, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := key(symbol)
	o.history[k] = append(o.history[k], model.PricePoint{Time: at, Price: price})
}

// Set replaces the current price without timestamp bookkeeping.
func (o *StaticOracle) Set(symbol string, price decimal.Decimal) {
	o.Push(symbol, time.Time{}, price)
}

// Fail makes every read of symbol return err until cleared with a nil err.
func (o *StaticOracle) Fail(symbol string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.failing, key(symbol))
		return
	}
	o.failing[key(symbol)] = err
}

func (o *StaticOracle) GetPrice(_ context.Context, symbol string) (model.PricePoint, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	k := key(symbol)
	if err, ok := o.failing[k]; ok {
		return model.PricePoint{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, k, err)
	}
	h := o.history[k]
	if len(h) == 0 {
		return model.PricePoint{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, k)
	}
	return h[len(h)-1], nil
}

// GetHistory returns samples within tf of the newest one, oldest first.
func (o *StaticOracle) GetHistory(_ context.Context, symbol string, tf Timeframe) ([]model.PricePoint, error) {
	if tf.Duration() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimeframe, tf)
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	k := key(symbol)
	if err, ok := o.failing[k]; ok {
		return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, k, err)
	}
	h := o.history[k]
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, k)
	}
	cutoff := h[len(h)-1].Time.Add(-tf.Duration())
	out := make([]model.PricePoint, 0, len(h))
	for _, p := range h {
		if !p.Time.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

// StaticFeed is an in-memory PerformanceFeed.
type StaticFeed struct {
	mu      sync.RWMutex
	samples map[string]model.TraderPerformance
}

// NewStaticFeed creates an empty feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{samples: make(map[string]model.TraderPerformance)}
}

// Set replaces the latest sample for p.TraderID.
func (f *StaticFeed) Set(p model.TraderPerformance) {
	f.mu.Lock()
	f.samples[p.TraderID] = p
	f.mu.Unlock()
}

func (f *StaticFeed) Performance(_ context.Context, traderID string) (model.TraderPerformance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.samples[traderID]
	if !ok {
		return model.TraderPerformance{}, fmt.Errorf("%w: %s", ErrNoPerformance, traderID)
	}
	return p, nil
}

var (
	_ PriceOracle     = (*StaticOracle)(nil)
	_ PerformanceFeed = (*StaticFeed)(nil)
)
