// Package config defines the settlement engine configuration and its
// validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and are then
// overridden by ENGINE_* environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Auth      AuthConfig      `toml:"auth"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Binary    BinaryConfig    `toml:"binary"`
	P2P       P2PConfig       `toml:"p2p"`
	Copy      CopyConfig      `toml:"copy"`
	Limits    LimitsConfig    `toml:"limits"`
	Catalog   CatalogConfig   `toml:"catalog"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port         int      `toml:"port"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
	CORSOrigins  []string `toml:"cors_origins"`
	RateLimit    float64  `toml:"rate_limit"` // commands per second per account; 0 disables
	RateBurst    int      `toml:"rate_burst"`
}

// DatabaseConfig holds PostgreSQL parameters. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis parameters. An empty URL disables the cache and
// the Redis price feed.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL Duration `toml:"cache_ttl"`
	Prices   bool     `toml:"prices"` // read prices and trader performance from Redis
}

// AuthConfig holds token verification settings. An empty secret enables
// header-based development auth.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

// SchedulerConfig controls the settlement tick.
type SchedulerConfig struct {
	Interval Duration `toml:"interval"`
}

// BinaryConfig holds binary option product parameters. Monetary values
// decode from strings ("0.88") so they never pass through float64.
type BinaryConfig struct {
	PayoutRatio decimal.Decimal `toml:"payout_ratio"`
	Durations   []int           `toml:"durations"`
	StakeAsset  string          `toml:"stake_asset"`
	Policy      string          `toml:"policy"`
}

// P2PConfig holds escrow parameters.
type P2PConfig struct {
	PaymentWindow Duration                   `toml:"payment_window"`
	Liquidity     map[string]decimal.Decimal `toml:"liquidity"` // counterparty inventory per asset
}

// CopyConfig holds copy trading parameters.
type CopyConfig struct {
	StakeAsset string `toml:"stake_asset"`
}

// LimitsConfig holds binary exposure caps. Zero disables a cap.
type LimitsConfig struct {
	MaxPerSymbol    decimal.Decimal            `toml:"max_per_symbol"`
	MaxCorrelated   decimal.Decimal            `toml:"max_correlated"`
	TierMultipliers map[string]decimal.Decimal `toml:"tier_multipliers"`
}

// CatalogConfig points at the product catalog.
type CatalogConfig struct {
	Path string `toml:"path"`
}

// Duration wraps time.Duration so TOML strings like "5s" decode.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration suitable for local development.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  Duration{10 * time.Second},
			WriteTimeout: Duration{10 * time.Second},
			CORSOrigins:  []string{"*"},
			RateLimit:    20,
			RateBurst:    50,
		},
		Database: DatabaseConfig{MaxConns: 10, RunMigrations: true},
		Redis:    RedisConfig{CacheTTL: Duration{30 * time.Second}},
		Scheduler: SchedulerConfig{
			Interval: Duration{time.Second},
		},
		Binary: BinaryConfig{
			PayoutRatio: decimal.RequireFromString("0.88"),
			Durations:   []int{30, 60, 120, 300, 900, 3600},
			StakeAsset:  "USD",
			Policy:      "stake_plus_profit",
		},
		P2P: P2PConfig{
			PaymentWindow: Duration{15 * time.Minute},
			Liquidity: map[string]decimal.Decimal{
				"USDT": decimal.NewFromInt(1000000),
				"USDC": decimal.NewFromInt(1000000),
				"BTC":  decimal.NewFromInt(25),
				"ETH":  decimal.NewFromInt(400),
			},
		},
		Copy: CopyConfig{StakeAsset: "USD"},
		Limits: LimitsConfig{
			MaxPerSymbol:  decimal.NewFromInt(5000),
			MaxCorrelated: decimal.NewFromInt(15000),
			TierMultipliers: map[string]decimal.Decimal{
				"standard": decimal.NewFromInt(1),
				"pro":      decimal.NewFromInt(2),
				"vip":      decimal.NewFromInt(5),
			},
		},
		Catalog:  CatalogConfig{Path: "configs/catalog.yaml"},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPolicies = map[string]bool{
	"stake_plus_profit": true,
	"profit_only":       true,
}

// Validate checks Config for invalid values and returns a combined error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, "server: rate_burst must be >= 1 when rate_limit is set")
	}

	if c.Database.DSN != "" && c.Database.MaxConns < 1 {
		errs = append(errs, "database: max_conns must be >= 1")
	}

	if c.Scheduler.Interval.Duration <= 0 {
		errs = append(errs, "scheduler: interval must be positive")
	}

	if !c.Binary.PayoutRatio.IsPositive() {
		errs = append(errs, "binary: payout_ratio must be positive")
	}
	if len(c.Binary.Durations) == 0 {
		errs = append(errs, "binary: durations must not be empty")
	}
	for _, d := range c.Binary.Durations {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("binary: duration %d must be positive", d))
		}
	}
	if c.Binary.StakeAsset == "" {
		errs = append(errs, "binary: stake_asset must not be empty")
	}
	if !validPolicies[c.Binary.Policy] {
		errs = append(errs, fmt.Sprintf("binary: unknown policy %q (valid: stake_plus_profit, profit_only)", c.Binary.Policy))
	}

	if c.P2P.PaymentWindow.Duration <= 0 {
		errs = append(errs, "p2p: payment_window must be positive")
	}
	for asset, v := range c.P2P.Liquidity {
		if v.IsNegative() {
			errs = append(errs, fmt.Sprintf("p2p: liquidity for %s must not be negative", asset))
		}
	}

	if c.Copy.StakeAsset == "" {
		errs = append(errs, "copy: stake_asset must not be empty")
	}

	if c.Limits.MaxPerSymbol.IsNegative() || c.Limits.MaxCorrelated.IsNegative() {
		errs = append(errs, "limits: caps must not be negative")
	}
	for tier, m := range c.Limits.TierMultipliers {
		if !m.IsPositive() {
			errs = append(errs, fmt.Sprintf("limits: tier multiplier for %s must be positive", tier))
		}
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
