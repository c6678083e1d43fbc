// Package asset handles asset and trading-symbol parsing, validation, and the
// mapping of assets onto account pockets.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/settlement-engine/internal/model"
)

// Supported asset kinds.
const (
	KindFiat   = "FIAT"
	KindCrypto = "CRYPTO"
)

// symbolRegex matches BASE/QUOTE or BASEQUOTE where QUOTE is a known quote.
// Example: BTC/USDT, ETHUSDT, EUR/USD
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/?([A-Z]{3,5})$`)

var quoteAssets = []string{"USDT", "USDC", "USD", "EUR", "BTC"}

var (
	ErrInvalidSymbol = fmt.Errorf("asset: invalid symbol format: %w", model.ErrValidation)
	ErrUnknownAsset  = fmt.Errorf("asset: unknown asset: %w", model.ErrValidation)
)

// Asset describes a ledger asset.
type Asset struct {
	Symbol string `json:"symbol" yaml:"symbol"`
	Kind   string `json:"kind" yaml:"kind"`
	Scale  int32  `json:"scale" yaml:"scale"` // decimal places
}

// Symbol is a parsed trading pair.
type Symbol struct {
	Raw   string `json:"raw"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String returns the canonical BASE/QUOTE form used as the price key.
func (s Symbol) String() string { return s.Base + "/" + s.Quote }

// ParseSymbol parses and validates a trading symbol.
// Format: {BASE}/{QUOTE} or {BASE}{QUOTE}
func ParseSymbol(raw string) (*Symbol, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.IndexByte(s, '/'); i >= 0 {
		m := symbolRegex.FindStringSubmatch(s)
		if m == nil {
			return nil, fmt.Errorf("%w: %s (expected BASE/QUOTE)", ErrInvalidSymbol, raw)
		}
		return &Symbol{Raw: s, Base: m[1], Quote: m[2]}, nil
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q)+1 {
			base := strings.TrimSuffix(s, q)
			if symbolRegex.MatchString(base + "/" + q) {
				return &Symbol{Raw: s, Base: base, Quote: q}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s (expected BASE/QUOTE)", ErrInvalidSymbol, raw)
}

// Registry is the set of assets the ledger accepts. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	assets map[string]Asset
}

// DefaultAssets is the asset list used when no catalog overrides it.
var DefaultAssets = []Asset{
	{Symbol: "USD", Kind: KindFiat, Scale: 2},
	{Symbol: "EUR", Kind: KindFiat, Scale: 2},
	{Symbol: "USDT", Kind: KindCrypto, Scale: 6},
	{Symbol: "USDC", Kind: KindCrypto, Scale: 6},
	{Symbol: "BTC", Kind: KindCrypto, Scale: 8},
	{Symbol: "ETH", Kind: KindCrypto, Scale: 8},
	{Symbol: "SOL", Kind: KindCrypto, Scale: 8},
}

// NewRegistry builds a registry from the given assets. Passing none uses
// DefaultAssets.
func NewRegistry(assets ...Asset) *Registry {
	if len(assets) == 0 {
		assets = DefaultAssets
	}
	r := &Registry{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		a.Symbol = strings.ToUpper(a.Symbol)
		r.assets[a.Symbol] = a
	}
	return r
}

// Lookup returns the asset for symbol, or ErrUnknownAsset.
func (r *Registry) Lookup(symbol string) (Asset, error) {
	a, ok := r.assets[strings.ToUpper(symbol)]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return a, nil
}

// Known reports whether symbol is a registered asset.
func (r *Registry) Known(symbol string) bool {
	_, ok := r.assets[strings.ToUpper(symbol)]
	return ok
}

// DefaultPocket returns the pocket an asset lands in when a command does not
// name one: fiat currencies go to FIAT, everything else to CRYPTO.
func (r *Registry) DefaultPocket(symbol string) (model.Pocket, error) {
	a, err := r.Lookup(symbol)
	if err != nil {
		return "", err
	}
	if a.Kind == KindFiat {
		return model.PocketFiat, nil
	}
	return model.PocketCrypto, nil
}

// ValidateTradable checks that a trading symbol parses and that its base
// asset is known. The normalised symbol is returned.
func (r *Registry) ValidateTradable(raw string) (*Symbol, error) {
	sym, err := ParseSymbol(raw)
	if err != nil {
		return nil, err
	}
	if !r.Known(sym.Base) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, sym.Base)
	}
	return sym, nil
}

// IsUnknown reports whether err stems from an unknown asset or symbol.
func IsUnknown(err error) bool {
	return errors.Is(err, ErrUnknownAsset) || errors.Is(err, ErrInvalidSymbol)
}
