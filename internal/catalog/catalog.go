// Package catalog loads the read-only product catalog: assets, staking
// plans, P2P merchant offers and copyable traders.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/settlement-engine/internal/asset"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// File is the YAML layout of a catalog file.
type File struct {
	Assets  []asset.Asset              `yaml:"assets"`
	Plans   []model.FixedTermPlan      `yaml:"plans"`
	Offers  []model.P2POffer           `yaml:"offers"`
	Traders []model.TraderProfile      `yaml:"traders"`
	Prices  map[string]decimal.Decimal `yaml:"prices"` // initial quotes for the in-memory oracle
}

// Catalog is a validated catalog file.
type Catalog struct {
	file    File
	traders map[string]model.TraderProfile
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("catalog validation failed: %w", err)
	}
	c := &Catalog{file: f, traders: make(map[string]model.TraderProfile, len(f.Traders))}
	for _, t := range f.Traders {
		c.traders[t.ID] = t
	}
	return c, nil
}

// Validate checks every entry for internal consistency.
func (f *File) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	unique := func(kind, id string) {
		key := kind + ":" + id
		if id == "" {
			errs = append(errs, fmt.Errorf("%s with empty id", kind))
		} else if seen[key] {
			errs = append(errs, fmt.Errorf("duplicate %s %q", kind, id))
		}
		seen[key] = true
	}

	for _, a := range f.Assets {
		unique("asset", a.Symbol)
		if a.Kind != asset.KindFiat && a.Kind != asset.KindCrypto {
			errs = append(errs, fmt.Errorf("asset %s: kind must be FIAT or CRYPTO, got %q", a.Symbol, a.Kind))
		}
		if a.Scale < 0 || a.Scale > 18 {
			errs = append(errs, fmt.Errorf("asset %s: scale %d out of range", a.Symbol, a.Scale))
		}
	}
	for _, p := range f.Plans {
		unique("plan", p.ID)
		switch {
		case p.Asset == "":
			errs = append(errs, fmt.Errorf("plan %s: asset is required", p.ID))
		case p.DurationDays <= 0:
			errs = append(errs, fmt.Errorf("plan %s: duration_days must be positive", p.ID))
		case p.APYPercent.IsNegative():
			errs = append(errs, fmt.Errorf("plan %s: apy_percent must not be negative", p.ID))
		case p.MinAmount.IsNegative():
			errs = append(errs, fmt.Errorf("plan %s: min_amount must not be negative", p.ID))
		case !p.PoolTotal.IsPositive():
			errs = append(errs, fmt.Errorf("plan %s: pool_total must be positive", p.ID))
		case p.PoolFilled.IsNegative() || p.PoolFilled.GreaterThan(p.PoolTotal):
			errs = append(errs, fmt.Errorf("plan %s: pool_filled must be within [0, pool_total]", p.ID))
		}
	}
	for _, o := range f.Offers {
		unique("offer", o.ID)
		switch {
		case o.Type != model.OrderBuy && o.Type != model.OrderSell:
			errs = append(errs, fmt.Errorf("offer %s: type must be BUY or SELL, got %q", o.ID, o.Type))
		case o.Asset == "" || o.FiatCurrency == "":
			errs = append(errs, fmt.Errorf("offer %s: asset and fiat_currency are required", o.ID))
		case !o.Price.IsPositive():
			errs = append(errs, fmt.Errorf("offer %s: price must be positive", o.ID))
		case !o.LimitMin.IsPositive() || o.LimitMin.GreaterThan(o.LimitMax):
			errs = append(errs, fmt.Errorf("offer %s: limits must satisfy 0 < limit_min <= limit_max", o.ID))
		}
	}
	for _, t := range f.Traders {
		unique("trader", t.ID)
	}
	for sym, px := range f.Prices {
		if _, err := asset.ParseSymbol(sym); err != nil {
			errs = append(errs, fmt.Errorf("price %s: %w", sym, err))
		} else if !px.IsPositive() {
			errs = append(errs, fmt.Errorf("price %s: must be positive", sym))
		}
	}
	return errors.Join(errs...)
}

// Assets returns the asset registry, or the default registry when the
// catalog names no assets.
func (c *Catalog) Assets() *asset.Registry {
	return asset.NewRegistry(c.file.Assets...)
}

// Plans returns the staking plans.
func (c *Catalog) Plans() []model.FixedTermPlan { return c.file.Plans }

// Offers returns the merchant offers.
func (c *Catalog) Offers() []model.P2POffer { return c.file.Offers }

// Prices returns the initial quotes keyed by canonical symbol.
func (c *Catalog) Prices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.file.Prices))
	for raw, px := range c.file.Prices {
		if sym, err := asset.ParseSymbol(raw); err == nil {
			out[sym.String()] = px
		}
	}
	return out
}

// Trader returns a trader profile. Unknown IDs yield an error wrapping
// model.ErrNotFound.
func (c *Catalog) Trader(_ context.Context, traderID string) (model.TraderProfile, error) {
	t, ok := c.traders[traderID]
	if !ok {
		return model.TraderProfile{}, fmt.Errorf("catalog: trader %s: %w", traderID, model.ErrNotFound)
	}
	return t, nil
}

// Traders returns every trader, ordered by ID.
func (c *Catalog) Traders(context.Context) ([]model.TraderProfile, error) {
	out := make([]model.TraderProfile, 0, len(c.traders))
	for _, t := range c.traders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Seed writes plans and offers that the store does not hold yet. Existing
// rows are left alone so a restart never resets a plan's filled pool.
func (c *Catalog) Seed(ctx context.Context, st store.Store) (int, error) {
	var n int
	for _, p := range c.file.Plans {
		_, err := st.GetPlan(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return n, fmt.Errorf("get plan %s: %w", p.ID, err)
		}
		p.Asset = strings.ToUpper(p.Asset)
		if err := st.SavePlan(ctx, &p); err != nil {
			return n, fmt.Errorf("seed plan %s: %w", p.ID, err)
		}
		n++
	}
	for _, o := range c.file.Offers {
		_, err := st.GetOffer(ctx, o.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return n, fmt.Errorf("get offer %s: %w", o.ID, err)
		}
		o.Asset = strings.ToUpper(o.Asset)
		o.FiatCurrency = strings.ToUpper(o.FiatCurrency)
		if err := st.SaveOffer(ctx, &o); err != nil {
			return n, fmt.Errorf("seed offer %s: %w", o.ID, err)
		}
		n++
	}
	return n, nil
}
