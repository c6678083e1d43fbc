// Package market defines the read-only market data the engines consume: spot
// prices with their history, and the trader performance feed.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrPriceUnavailable is returned when no price is known for a symbol or
	// the source cannot be reached.
	ErrPriceUnavailable = errors.New("market: price unavailable")

	// ErrNoPerformance is returned when the feed has no sample for a trader.
	ErrNoPerformance = errors.New("market: no performance sample")

	ErrUnknownTimeframe = fmt.Errorf("market: unknown timeframe: %w", model.ErrValidation)
)

// PriceOracle supplies current and historical prices per symbol.
type PriceOracle interface {
	GetPrice(ctx context.Context, symbol string) (model.PricePoint, error)
	GetHistory(ctx context.Context, symbol string, tf Timeframe) ([]model.PricePoint, error)
}

// PerformanceFeed supplies the latest realized performance of a trader.
type PerformanceFeed interface {
	Performance(ctx context.Context, traderID string) (model.TraderPerformance, error)
}

// Timeframe is a history window.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
)

var timeframes = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := timeframes[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// Duration returns the window length, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration { return timeframes[tf] }

func key(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
