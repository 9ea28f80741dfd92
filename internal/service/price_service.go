package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/ledger"
	"github.com/tradewatch/poolengine/internal/pool"
)

// maxConcurrentQuotes bounds the fan-out against the price feed during one
// refresh cycle.
const maxConcurrentQuotes = 8

// PriceService runs the mark-to-market refresh: it fetches quotes for all
// active positions of a pool concurrently, then applies them under the pool
// lock in one serialized step so no reader ever observes a half-repriced
// pool.
type PriceService struct {
	pools     domain.PoolStore
	positions domain.PositionStore
	feed      domain.PriceFeed
	poolSvc   *PoolService
	// maxQuoteAge rejects quotes older than this; a stale mark is treated
	// the same as a feed failure.
	maxQuoteAge time.Duration
	logger      *slog.Logger
}

// NewPriceService creates a PriceService.
func NewPriceService(
	pools domain.PoolStore,
	positions domain.PositionStore,
	feed domain.PriceFeed,
	poolSvc *PoolService,
	maxQuoteAge time.Duration,
	logger *slog.Logger,
) *PriceService {
	return &PriceService{
		pools:       pools,
		positions:   positions,
		feed:        feed,
		poolSvc:     poolSvc,
		maxQuoteAge: maxQuoteAge,
		logger:      logger.With(slog.String("component", "price_service")),
	}
}

// RefreshPool reprices every active position of a pool. Feed failures and
// stale quotes mean "skip this symbol this cycle", never a zero or garbage
// mark. Returns the number of positions repriced.
func (s *PriceService) RefreshPool(ctx context.Context, poolID string) (int, error) {
	// Quote fetch runs lock-free against the feed.
	active, err := s.positions.ListActive(ctx, poolID)
	if err != nil {
		return 0, fmt.Errorf("price_service: list active of %s: %w", poolID, err)
	}
	if len(active) == 0 {
		return 0, nil
	}

	quotes := s.fetchQuotes(ctx, active)
	if len(quotes) == 0 {
		return 0, nil
	}

	// Apply serialized against structural mutations of the same pool.
	var repriced int
	err = s.poolSvc.withPoolLock(ctx, poolID, func(ctx context.Context) error {
		p, err := s.pools.GetByID(ctx, poolID)
		if err != nil {
			return fmt.Errorf("price_service: load pool %s: %w", poolID, err)
		}
		// Re-read inside the lock; a sale may have closed a position since
		// the quote fetch.
		positions, err := s.positions.ListByPool(ctx, poolID, domain.ListOpts{})
		if err != nil {
			return fmt.Errorf("price_service: load positions of %s: %w", poolID, err)
		}

		for i, pos := range positions {
			price, ok := quotes[pos.Symbol]
			if !ok || !pos.IsActive() {
				continue
			}
			// A falling mark can push an overweight position underwater, so
			// the policy rules run after every reprice, same as after a sale.
			positions[i] = s.poolSvc.applyPolicy(ctx, ledger.Reprice(pos, price))
			if err := s.positions.Update(ctx, positions[i]); err != nil {
				return fmt.Errorf("price_service: update position %s: %w", pos.ID, err)
			}
			repriced++
		}

		p, recErr := pool.Recompute(p, positions)
		if err := s.pools.Update(ctx, p); err != nil {
			return fmt.Errorf("price_service: update pool %s: %w", poolID, err)
		}
		if recErr != nil && errors.Is(recErr, domain.ErrPoolImbalance) {
			s.poolSvc.surfaceImbalance(ctx, p, recErr)
		}
		return recErr
	})
	return repriced, err
}

// fetchQuotes fans out against the price feed with bounded concurrency and
// returns the fresh quotes it could get. Failures are logged and skipped.
func (s *PriceService) fetchQuotes(ctx context.Context, positions []domain.Position) map[string]decimal.Decimal {
	var mu sync.Mutex
	quotes := make(map[string]decimal.Decimal, len(positions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentQuotes)

	seen := make(map[string]bool, len(positions))
	for _, pos := range positions {
		if seen[pos.Symbol] {
			continue
		}
		seen[pos.Symbol] = true
		symbol := pos.Symbol

		g.Go(func() error {
			price, asOf, err := s.feed.GetCurrentPrice(ctx, symbol)
			if err != nil {
				s.logger.WarnContext(ctx, "quote fetch failed, skipping reprice",
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if s.maxQuoteAge > 0 && time.Since(asOf) > s.maxQuoteAge {
				s.logger.WarnContext(ctx, "quote too old, skipping reprice",
					slog.String("symbol", symbol),
					slog.Time("as_of", asOf),
				)
				return nil
			}
			if !price.IsPositive() {
				s.logger.WarnContext(ctx, "non-positive quote, skipping reprice",
					slog.String("symbol", symbol),
					slog.String("price", price.String()),
				)
				return nil
			}
			mu.Lock()
			quotes[symbol] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return quotes
}

// RefreshAll reprices every pool. Pools are independent; one pool's failure
// does not stop the cycle.
func (s *PriceService) RefreshAll(ctx context.Context) error {
	pools, err := s.pools.List(ctx)
	if err != nil {
		return fmt.Errorf("price_service: list pools: %w", err)
	}
	for _, p := range pools {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.RefreshPool(ctx, p.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "pool refresh failed",
				slog.String("pool_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if n > 0 {
			s.logger.DebugContext(ctx, "pool repriced",
				slog.String("pool_id", p.ID),
				slog.Int("positions", n),
			)
		}
	}
	return nil
}
