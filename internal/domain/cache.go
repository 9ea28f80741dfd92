package domain

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFeed provides the latest mark for a symbol. A feed failure means
// "skip reprice this cycle" for that symbol; the engine never substitutes
// zero or a stale guess.
type PriceFeed interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// PriceCache stores the latest quotes written by the market-data feed.
type PriceCache interface {
	PriceFeed
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error
	GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// LockManager provides the per-pool exclusive writer lock.
type LockManager interface {
	// Acquire returns ErrLockHeld immediately when the lock is taken;
	// callers implement their own bounded wait on top.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is a single entry read back from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for live event fan-out and durable streams for
// the operator queue.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BlobWriter uploads a blob to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, body io.Reader, contentType string) error
}
