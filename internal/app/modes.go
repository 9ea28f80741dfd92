package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/feed"
	"github.com/tradewatch/poolengine/internal/policy"
	"github.com/tradewatch/poolengine/internal/reconcile"
	"github.com/tradewatch/poolengine/internal/service"
)

// policyConfig converts the float thresholds from the TOML file into the
// decimal values the policy package works with.
func (a *App) policyConfig() policy.Config {
	return policy.Config{
		MaxWeightWithLoss: decimal.NewFromFloat(a.cfg.Policy.MaxWeightWithLoss),
		RemediationWeight: decimal.NewFromFloat(a.cfg.Policy.RemediationWeight),
	}
}

func (a *App) poolService() *service.PoolService {
	return service.NewPoolService(
		a.deps.PoolStore,
		a.deps.PositionStore,
		a.deps.LockManager,
		a.deps.SignalBus,
		a.deps.AuditStore,
		a.policyConfig(),
		a.cfg.Engine.LockTTL.Duration,
		a.cfg.Engine.LockWait.Duration,
		a.logger,
	)
}

// runEngine is the long-running mode: a websocket quote feed keeps the price
// cache warm, a repricing loop marks every pool to market on a fixed
// interval, and an event forwarder turns engine events into operator
// notifications.
func (a *App) runEngine(ctx context.Context) error {
	poolSvc := a.poolService()
	priceSvc := service.NewPriceService(
		a.deps.PoolStore,
		a.deps.PositionStore,
		a.deps.PriceCache,
		poolSvc,
		a.cfg.Engine.MaxQuoteAge.Duration,
		a.logger,
	)

	symbols, err := a.feedSymbols(ctx)
	if err != nil {
		return err
	}
	quoteFeed := feed.NewQuoteFeed(
		a.cfg.Feed.WsURL,
		symbols,
		a.cfg.Feed.ReconnectDelay.Duration,
		a.deps.PriceCache,
		a.logger,
	)

	forwarder := service.NewEventForwarder(a.deps.SignalBus, a.deps.Notifier, a.logger)

	if a.cfg.Engine.SnapshotOnStart {
		a.logSnapshots(ctx, poolSvc)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return quoteFeed.Run(ctx)
	})

	g.Go(func() error {
		return forwarder.Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Engine.RefreshInterval.Duration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := priceSvc.RefreshAll(ctx); err != nil {
					a.logger.ErrorContext(ctx, "refresh cycle failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})

	return g.Wait()
}

// feedSymbols merges the configured watch list with the symbols of every
// active position, so the feed covers everything the repricing loop needs
// from the first cycle.
func (a *App) feedSymbols(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var symbols []string
	for _, s := range a.cfg.Feed.Symbols {
		if s != "" && !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}

	pools, err := a.deps.PoolStore.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		positions, err := a.deps.PositionStore.ListActive(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, pos := range positions {
			if !seen[pos.Symbol] {
				seen[pos.Symbol] = true
				symbols = append(symbols, pos.Symbol)
			}
		}
	}
	return symbols, nil
}

func (a *App) logSnapshots(ctx context.Context, poolSvc *service.PoolService) {
	pools, err := a.deps.PoolStore.List(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "startup snapshot failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, p := range pools {
		snap, positions, err := poolSvc.Snapshot(ctx, p.ID)
		if err != nil {
			a.logger.WarnContext(ctx, "startup snapshot failed",
				slog.String("pool_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.logger.InfoContext(ctx, "pool snapshot",
			slog.String("pool_id", snap.ID),
			slog.String("available", snap.AvailableLiquidity.String()),
			slog.String("distributed", snap.DistributedLiquidity.String()),
			slog.String("realized_pl", snap.RealizedPL.String()),
			slog.Int("active_positions", len(positions)),
		)
	}
}

// runReconcile is a one-shot mode: it runs a full reconciliation pass over
// every pool, archives the reports when object storage is configured, and
// exits.
func (a *App) runReconcile(ctx context.Context) error {
	svc := reconcile.New(
		a.deps.PoolStore,
		a.deps.PositionStore,
		a.deps.TransactionStore,
		a.deps.AuditStore,
		a.deps.LockManager,
		a.deps.SignalBus,
		a.policyConfig(),
		a.cfg.Engine.LockTTL.Duration,
		a.cfg.Engine.LockWait.Duration,
		a.logger,
	)

	pools, err := a.deps.PoolStore.List(ctx)
	if err != nil {
		return err
	}

	for _, p := range pools {
		report, err := svc.Run(ctx, p.ID)
		if err != nil {
			a.logger.ErrorContext(ctx, "reconciliation failed",
				slog.String("pool_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		a.logger.InfoContext(ctx, "reconciliation completed",
			slog.String("pool_id", p.ID),
			slog.String("state", string(report.State)),
			slog.Int("orphans", report.Orphans),
			slog.Int("untracked", report.Untracked),
			slog.Int("corrections", len(report.Corrections)),
		)

		if a.deps.Archiver != nil {
			path, err := a.deps.Archiver.ArchiveReport(ctx, report)
			if err != nil {
				a.logger.ErrorContext(ctx, "report archive failed",
					slog.String("pool_id", p.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			a.logger.InfoContext(ctx, "report archived",
				slog.String("pool_id", p.ID),
				slog.String("path", path),
			)
		}
	}

	return nil
}

// runMonitor is a read-only mode: it tails the event channel and logs a
// periodic snapshot of every pool. Useful for watching a production engine
// from a second process without write access.
func (a *App) runMonitor(ctx context.Context) error {
	poolSvc := a.poolService()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		events, err := a.deps.SignalBus.Subscribe(ctx, domain.EventChannel)
		if err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload, ok := <-events:
				if !ok {
					return nil
				}
				evt, err := domain.ParseEvent(payload)
				if err != nil {
					a.logger.WarnContext(ctx, "unparseable event",
						slog.String("error", err.Error()),
					)
					continue
				}
				a.logger.InfoContext(ctx, "event",
					slog.String("type", evt.Type),
					slog.String("pool_id", evt.PoolID),
					slog.String("position_id", evt.PositionID),
				)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Engine.RefreshInterval.Duration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.logSnapshots(ctx, poolSvc)
			}
		}
	})

	return g.Wait()
}
