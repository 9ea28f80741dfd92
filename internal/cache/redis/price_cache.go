package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradewatch/poolengine/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes.
// Each symbol's latest mark is stored as a hash at key "quote:{symbol}" with
// fields "price" (decimal string) and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}

// SetPrice stores the latest price and timestamp for a symbol. Prices are
// stored as decimal strings, never floats, so the mark round-trips exactly.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	key := quoteKey(symbol)
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", symbol, err)
	}
	return nil
}

// GetCurrentPrice retrieves the latest price and timestamp for a symbol.
// It returns domain.ErrNotFound when no quote has been written yet.
func (pc *PriceCache) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	key := quoteKey(symbol)
	vals, err := pc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse quote %s: %w", symbol, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse quote ts %s: %w", symbol, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// GetPrices retrieves the latest prices for multiple symbols using a pipeline.
// Symbols with no cached quote are silently omitted from the result map.
func (pc *PriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, sym := range symbols {
		cmds[sym] = pipe.HGetAll(ctx, quoteKey(sym))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	result := make(map[string]decimal.Decimal, len(symbols))
	for sym, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		priceStr, ok := vals["price"]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		result[sym] = price
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
