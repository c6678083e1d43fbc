package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (if any) over the defaults, then applies
// ENGINE_* environment overrides. A .env file in the working directory is
// loaded first when present. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT") // platform convention
	setInt(&cfg.Server.Port, "ENGINE_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "ENGINE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "ENGINE_SERVER_WRITE_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "ENGINE_SERVER_CORS_ORIGINS")
	setFloat64(&cfg.Server.RateLimit, "ENGINE_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "ENGINE_SERVER_RATE_BURST")

	// ── Database ──
	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.DSN, "ENGINE_DATABASE_DSN")
	setInt(&cfg.Database.MaxConns, "ENGINE_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "ENGINE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "ENGINE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "ENGINE_REDIS_CACHE_TTL")
	setBool(&cfg.Redis.Prices, "ENGINE_REDIS_PRICES")

	// ── Auth ──
	setStr(&cfg.Auth.JWTSecret, "ENGINE_AUTH_JWT_SECRET")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.Interval, "ENGINE_SCHEDULER_INTERVAL")

	// ── Products ──
	setDecimal(&cfg.Binary.PayoutRatio, "ENGINE_BINARY_PAYOUT_RATIO")
	setStr(&cfg.Binary.StakeAsset, "ENGINE_BINARY_STAKE_ASSET")
	setStr(&cfg.Binary.Policy, "ENGINE_BINARY_POLICY")
	setDuration(&cfg.P2P.PaymentWindow, "ENGINE_P2P_PAYMENT_WINDOW")
	setStr(&cfg.Copy.StakeAsset, "ENGINE_COPY_STAKE_ASSET")
	setDecimal(&cfg.Limits.MaxPerSymbol, "ENGINE_LIMITS_MAX_PER_SYMBOL")
	setDecimal(&cfg.Limits.MaxCorrelated, "ENGINE_LIMITS_MAX_CORRELATED")

	// ── Top-level ──
	setStr(&cfg.Catalog.Path, "ENGINE_CATALOG_PATH")
	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

// Each helper only mutates the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
