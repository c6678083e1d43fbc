package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// RedisOracle reads prices published into Redis by an external feeder.
//
// Key schema:
//
//	price:{SYMBOL}    - hash with fields "price" (decimal string) and "ts" (unix ms)
//	history:{SYMBOL}  - sorted set, score = unix ms, member = "{ms}:{price}"
type RedisOracle struct {
	rdb *redis.Client
}

// NewRedisOracle creates an oracle over rdb.
func NewRedisOracle(rdb *redis.Client) *RedisOracle {
	return &RedisOracle{rdb: rdb}
}

func priceKey(symbol string) string   { return "price:" + key(symbol) }
func historyKey(symbol string) string { return "history:" + key(symbol) }

// Publish stores a sample as the current price and appends it to history.
func (o *RedisOracle) Publish(ctx context.Context, symbol string, at time.Time, price decimal.Decimal) error {
	ms := at.UnixMilli()
	pipe := o.rdb.TxPipeline()
	pipe.HSet(ctx, priceKey(symbol), map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ms, 10),
	})
	pipe.ZAdd(ctx, historyKey(symbol), redis.Z{
		Score:  float64(ms),
		Member: strconv.FormatInt(ms, 10) + ":" + price.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish price %s: %w", symbol, err)
	}
	return nil
}

func (o *RedisOracle) GetPrice(ctx context.Context, symbol string) (model.PricePoint, error) {
	vals, err := o.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return model.PricePoint{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	var at time.Time
	if ms, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		at = time.UnixMilli(ms).UTC()
	}
	return model.PricePoint{Time: at, Price: price}, nil
}

// GetHistory returns samples within tf of the current price, oldest first.
func (o *RedisOracle) GetHistory(ctx context.Context, symbol string, tf Timeframe) ([]model.PricePoint, error) {
	if tf.Duration() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimeframe, tf)
	}
	cur, err := o.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	end := cur.Time.UnixMilli()
	start := end - tf.Duration().Milliseconds()

	members, err := o.rdb.ZRangeByScore(ctx, historyKey(symbol), &redis.ZRangeBy{
		Min: strconv.FormatInt(start, 10),
		Max: strconv.FormatInt(end, 10),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}

	out := make([]model.PricePoint, 0, len(members))
	for _, m := range members {
		msStr, priceStr, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(msStr, 10, 64)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		out = append(out, model.PricePoint{Time: time.UnixMilli(ms).UTC(), Price: price})
	}
	return out, nil
}

// RedisFeed reads trader performance samples from Redis.
//
// Key schema:
//
//	perf:{traderID} - hash with fields "return_ratio", "trade_pnl" (decimal
//	                  strings) and "ts" (unix ms of the sample)
type RedisFeed struct {
	rdb *redis.Client
}

// NewRedisFeed creates a feed over rdb.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func perfKey(traderID string) string { return "perf:" + traderID }

// Publish stores p as the trader's latest sample.
func (f *RedisFeed) Publish(ctx context.Context, p model.TraderPerformance) error {
	err := f.rdb.HSet(ctx, perfKey(p.TraderID), map[string]interface{}{
		"return_ratio": p.ReturnRatio.String(),
		"trade_pnl":    p.TradePnL.String(),
		"ts":           strconv.FormatInt(p.At.UnixMilli(), 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: publish performance %s: %w", p.TraderID, err)
	}
	return nil
}

func (f *RedisFeed) Performance(ctx context.Context, traderID string) (model.TraderPerformance, error) {
	vals, err := f.rdb.HGetAll(ctx, perfKey(traderID)).Result()
	if err != nil {
		return model.TraderPerformance{}, fmt.Errorf("redis: get performance %s: %w", traderID, err)
	}
	if len(vals) == 0 {
		return model.TraderPerformance{}, fmt.Errorf("%w: %s", ErrNoPerformance, traderID)
	}
	p := model.TraderPerformance{TraderID: traderID}
	if p.ReturnRatio, err = decimal.NewFromString(orZero(vals["return_ratio"])); err != nil {
		return model.TraderPerformance{}, fmt.Errorf("redis: parse return_ratio %s: %w", traderID, err)
	}
	if p.TradePnL, err = decimal.NewFromString(orZero(vals["trade_pnl"])); err != nil {
		return model.TraderPerformance{}, fmt.Errorf("redis: parse trade_pnl %s: %w", traderID, err)
	}
	ms, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return model.TraderPerformance{}, fmt.Errorf("redis: parse ts %s: %w", traderID, err)
	}
	p.At = time.UnixMilli(ms).UTC()
	return p, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

var (
	_ PriceOracle     = (*RedisOracle)(nil)
	_ PerformanceFeed = (*RedisFeed)(nil)
)
