// Package service orchestrates the accounting engine: it owns the per-pool
// writer lock, loads and persists state through the domain stores, publishes
// domain events on the signal bus, and records the audit trail. All numeric
// work is delegated to the pure ledger and pool packages.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/ledger"
	"github.com/tradewatch/poolengine/internal/policy"
	"github.com/tradewatch/poolengine/internal/pool"
)

// PoolService serializes all mutations of a pool behind its exclusive lock
// and keeps pool counters, positions, events and audit log in step.
type PoolService struct {
	pools     domain.PoolStore
	positions domain.PositionStore
	locks     domain.LockManager
	bus       domain.SignalBus
	audit     domain.AuditStore
	policy    policy.Config
	lockTTL   time.Duration
	lockWait  time.Duration
	logger    *slog.Logger
}

// NewPoolService creates a PoolService with all required dependencies.
func NewPoolService(
	pools domain.PoolStore,
	positions domain.PositionStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	policyCfg policy.Config,
	lockTTL, lockWait time.Duration,
	logger *slog.Logger,
) *PoolService {
	return &PoolService{
		pools:     pools,
		positions: positions,
		locks:     locks,
		bus:       bus,
		audit:     audit,
		policy:    policyCfg,
		lockTTL:   lockTTL,
		lockWait:  lockWait,
		logger:    logger.With(slog.String("component", "pool_service")),
	}
}

// OpenPosition allocates pool capital to a new trading idea. At most one
// active position may exist per symbol per pool.
func (s *PoolService) OpenPosition(ctx context.Context, poolID, ideaID, symbol string, amount, entryPrice, weightPct decimal.Decimal) (domain.Position, error) {
	var created domain.Position
	err := s.withPoolLock(ctx, poolID, func(ctx context.Context) error {
		p, err := s.pools.GetByID(ctx, poolID)
		if err != nil {
			return fmt.Errorf("pool_service: load pool %s: %w", poolID, err)
		}
		if _, err := s.positions.GetActiveBySymbol(ctx, poolID, symbol); err == nil {
			return fmt.Errorf("pool_service: active position for %s in pool %s: %w", symbol, poolID, domain.ErrAlreadyExists)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("pool_service: check symbol %s: %w", symbol, err)
		}

		now := time.Now().UTC()
		p, pos, err := pool.Allocate(p, ideaID, symbol, amount, entryPrice, weightPct, now)
		if err != nil {
			return err
		}
		if err := s.positions.Create(ctx, pos); err != nil {
			return fmt.Errorf("pool_service: create position: %w", err)
		}
		if err := s.pools.Update(ctx, p); err != nil {
			return fmt.Errorf("pool_service: update pool %s: %w", poolID, err)
		}
		created = pos

		s.emit(ctx, domain.Event{
			Type: domain.EventPositionOpened, PoolID: poolID,
			PositionID: pos.ID, Symbol: symbol,
			Detail: map[string]any{
				"allocated_amount":  amount.String(),
				"entry_price":       entryPrice.String(),
				"shares":            pos.Shares.String(),
				"participation_pct": weightPct.String(),
			},
			At: now,
		})
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}

	s.logger.InfoContext(ctx, "position opened",
		slog.String("pool_id", poolID),
		slog.String("position_id", created.ID),
		slog.String("symbol", symbol),
		slog.String("allocated", amount.StringFixed(2)),
	)
	return created, nil
}

// ExecutePartialSale applies a liquidation of pctOfOriginal percent of the
// position's original size at sellPrice. The sale starts pending and can be
// discarded until confirmed.
func (s *PoolService) ExecutePartialSale(ctx context.Context, poolID, positionID string, pctOfOriginal, sellPrice decimal.Decimal) (domain.PartialSale, error) {
	var sale domain.PartialSale
	err := s.withPoolLock(ctx, poolID, func(ctx context.Context) error {
		p, pos, err := s.load(ctx, poolID, positionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		pos, sale, err = ledger.ExecutePartialSale(pos, pctOfOriginal, sellPrice, now)
		if err != nil {
			return err
		}
		p = pool.ReleaseOnSale(p, pos, sale)

		pos = s.applyPolicy(ctx, pos)
		if err := s.persist(ctx, p, pos); err != nil {
			return err
		}

		accumulated := ledger.AccumulatedProfitPercentage(pos, pctOfOriginal, sellPrice)
		detail := map[string]any{
			"sale_id":            sale.ID,
			"pct_of_original":    pctOfOriginal.String(),
			"sell_price":         sellPrice.String(),
			"shares_sold":        sale.SharesToSell.String(),
			"realized_profit":    sale.RealizedProfit.String(),
			"accumulated_return": accumulated.String(),
		}
		s.emit(ctx, domain.Event{
			Type: domain.EventPartialSaleExecuted, PoolID: poolID,
			PositionID: positionID, Symbol: pos.Symbol, Detail: detail, At: now,
		})
		if !pos.IsActive() {
			s.emit(ctx, domain.Event{
				Type: domain.EventPositionClosed, PoolID: poolID,
				PositionID: positionID, Symbol: pos.Symbol,
				Detail: map[string]any{"final_return_pct": ledger.FinalReturnPercentage(pos).String()},
				At:     now,
			})
		}
		return nil
	})
	return sale, err
}

// ConfirmPartialSale finalizes a pending sale, making it terminal.
func (s *PoolService) ConfirmPartialSale(ctx context.Context, poolID, positionID, saleID string) error {
	return s.withPoolLock(ctx, poolID, func(ctx context.Context) error {
		pos, err := s.positions.GetByID(ctx, positionID)
		if err != nil {
			return fmt.Errorf("pool_service: load position %s: %w", positionID, err)
		}
		pos, err = ledger.ConfirmPartialSale(pos, saleID, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := s.positions.Update(ctx, pos); err != nil {
			return fmt.Errorf("pool_service: update position %s: %w", positionID, err)
		}
		return nil
	})
}

// DiscardPartialSale rolls back a pending sale, restoring the position and
// the pool counters to their pre-sale values.
func (s *PoolService) DiscardPartialSale(ctx context.Context, poolID, positionID, saleID string) error {
	return s.withPoolLock(ctx, poolID, func(ctx context.Context) error {
		p, pos, err := s.load(ctx, poolID, positionID)
		if err != nil {
			return err
		}
		i := pos.SaleByID(saleID)
		if i < 0 {
			return fmt.Errorf("pool_service: sale %s: %w", saleID, domain.ErrNotFound)
		}
		sale := pos.PartialSales[i]

		now := time.Now().UTC()
		pos, err = ledger.DiscardPartialSale(pos, saleID, now)
		if err != nil {
			return err
		}
		p = pool.ReleaseOnDiscard(p, pos, sale)

		if err := s.persist(ctx, p, pos); err != nil {
			return err
		}
		s.emit(ctx, domain.Event{
			Type: domain.EventPartialSaleDiscarded, PoolID: poolID,
			PositionID: positionID, Symbol: pos.Symbol,
			Detail: map[string]any{
				"sale_id":         saleID,
				"shares_restored": sale.SharesToSell.String(),
			},
			At: now,
		})
		return nil
	})
}

// ClosePosition sells all remaining shares at exitPrice and deactivates the
// position. Capital returns to the pool at market value.
func (s *PoolService) ClosePosition(ctx context.Context, poolID, positionID string, exitPrice decimal.Decimal) error {
	return s.withPoolLock(ctx, poolID, func(ctx context.Context) error {
		p, pos, err := s.load(ctx, poolID, positionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		pos, sale, err := ledger.Close(pos, exitPrice, now)
		if err != nil {
			return err
		}
		p = pool.ReleaseOnSale(p, pos, sale)

		if err := s.persist(ctx, p, pos); err != nil {
			return err
		}
		s.emit(ctx, domain.Event{
			Type: domain.EventPositionClosed, PoolID: poolID,
			PositionID: positionID, Symbol: pos.Symbol,
			Detail: map[string]any{
				"exit_price":       exitPrice.String(),
				"realized_pl":      pos.RealizedPL.String(),
				"final_return_pct": ledger.FinalReturnPercentage(pos).String(),
			},
			At: now,
		})
		return nil
	})
}

// DiscardPosition abandons the trading idea; capital returns to available
// liquidity at cost basis.
func (s *PoolService) DiscardPosition(ctx context.Context, poolID, positionID string) error {
	return s.withPoolLock(ctx, poolID, func(ctx context.Context) error {
		p, pos, err := s.load(ctx, poolID, positionID)
		if err != nil {
			return err
		}
		released := pos.AllocatedAmount

		now := time.Now().UTC()
		p = pool.ReleaseOnAbandon(p, pos)
		pos, err = ledger.Discard(pos, now)
		if err != nil {
			return err
		}

		if err := s.persist(ctx, p, pos); err != nil {
			return err
		}
		s.emit(ctx, domain.Event{
			Type: domain.EventPositionDiscarded, PoolID: poolID,
			PositionID: positionID, Symbol: pos.Symbol,
			Detail: map[string]any{"released_cost_basis": released.String()},
			At:     now,
		})
		return nil
	})
}

// Recompute rederives the pool's aggregate totals and verifies the pool
// identity. An imbalance is surfaced to the operator queue (event + audit)
// and returned; it is resolved only through reconciliation.
func (s *PoolService) Recompute(ctx context.Context, poolID string) (domain.Pool, error) {
	var out domain.Pool
	err := s.withPoolLock(ctx, poolID, func(ctx context.Context) error {
		p, err := s.pools.GetByID(ctx, poolID)
		if err != nil {
			return fmt.Errorf("pool_service: load pool %s: %w", poolID, err)
		}
		positions, err := s.positions.ListByPool(ctx, poolID, domain.ListOpts{})
		if err != nil {
			return fmt.Errorf("pool_service: load positions of %s: %w", poolID, err)
		}

		p, recErr := pool.Recompute(p, positions)
		if updErr := s.pools.Update(ctx, p); updErr != nil {
			return fmt.Errorf("pool_service: update pool %s: %w", poolID, updErr)
		}
		out = p

		if recErr != nil {
			if errors.Is(recErr, domain.ErrPoolImbalance) {
				s.surfaceImbalance(ctx, p, recErr)
			}
			return recErr
		}
		return nil
	})
	return out, err
}

// Snapshot returns the last-committed pool state and its positions without
// taking the writer lock.
func (s *PoolService) Snapshot(ctx context.Context, poolID string) (domain.Pool, []domain.Position, error) {
	p, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return domain.Pool{}, nil, fmt.Errorf("pool_service: load pool %s: %w", poolID, err)
	}
	positions, err := s.positions.ListByPool(ctx, poolID, domain.ListOpts{})
	if err != nil {
		return domain.Pool{}, nil, fmt.Errorf("pool_service: load positions of %s: %w", poolID, err)
	}
	return p, positions, nil
}

// AccumulatedProfit previews the cumulative weighted return a candidate sale
// would produce. Read-only; the same formula runs when the sale is applied.
func (s *PoolService) AccumulatedProfit(ctx context.Context, positionID string, pctOfOriginal, sellPrice decimal.Decimal) (decimal.Decimal, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pool_service: load position %s: %w", positionID, err)
	}
	return ledger.AccumulatedProfitPercentage(pos, pctOfOriginal, sellPrice), nil
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func (s *PoolService) load(ctx context.Context, poolID, positionID string) (domain.Pool, domain.Position, error) {
	p, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return domain.Pool{}, domain.Position{}, fmt.Errorf("pool_service: load pool %s: %w", poolID, err)
	}
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Pool{}, domain.Position{}, fmt.Errorf("pool_service: load position %s: %w", positionID, err)
	}
	if pos.PoolID != poolID {
		return domain.Pool{}, domain.Position{}, fmt.Errorf("pool_service: position %s not in pool %s: %w", positionID, poolID, domain.ErrNotFound)
	}
	return p, pos, nil
}

func (s *PoolService) persist(ctx context.Context, p domain.Pool, pos domain.Position) error {
	if err := s.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("pool_service: update position %s: %w", pos.ID, err)
	}
	if err := s.pools.Update(ctx, p); err != nil {
		return fmt.Errorf("pool_service: update pool %s: %w", p.ID, err)
	}
	return nil
}

// applyPolicy evaluates the policy rules after a mutation and applies the
// documented remediation in place. The correction is audited and evented;
// it is never silent.
func (s *PoolService) applyPolicy(ctx context.Context, pos domain.Position) domain.Position {
	v := policy.Evaluate(s.policy, pos)
	if v == nil {
		return pos
	}
	before := pos.ParticipationPct
	pos = policy.Remediate(s.policy, pos)

	s.emit(ctx, domain.Event{
		Type: domain.EventPolicyViolationCorrected, PoolID: pos.PoolID,
		PositionID: pos.ID, Symbol: pos.Symbol,
		Detail: map[string]any{
			"rule":   v.Rule,
			"before": before.String(),
			"after":  pos.ParticipationPct.String(),
		},
		At: time.Now().UTC(),
	})
	s.logger.WarnContext(ctx, "policy violation corrected",
		slog.String("position_id", pos.ID),
		slog.String("rule", v.Rule),
		slog.String("weight_before", before.String()),
		slog.String("weight_after", pos.ParticipationPct.String()),
	)
	return pos
}

func (s *PoolService) surfaceImbalance(ctx context.Context, p domain.Pool, cause error) {
	s.emit(ctx, domain.Event{
		Type: domain.EventPoolImbalanceDetected, PoolID: p.ID,
		Detail: map[string]any{
			"drift":       p.BalanceDrift().String(),
			"available":   p.AvailableLiquidity.String(),
			"distributed": p.DistributedLiquidity.String(),
			"cause":       cause.Error(),
		},
		At: time.Now().UTC(),
	})
	s.logger.ErrorContext(ctx, "pool imbalance detected",
		slog.String("pool_id", p.ID),
		slog.String("drift", p.BalanceDrift().StringFixed(4)),
	)
}

// emit publishes a domain event on the bus (live channel + durable stream)
// and mirrors it into the audit log. Delivery failures are logged, never
// propagated: the accounting mutation has already committed.
func (s *PoolService) emit(ctx context.Context, e domain.Event) {
	payload := e.Marshal()
	if s.bus != nil {
		if err := s.bus.Publish(ctx, domain.EventChannel, payload); err != nil {
			s.logger.WarnContext(ctx, "publish event failed",
				slog.String("event", e.Type), slog.String("error", err.Error()))
		}
		if err := s.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
			s.logger.WarnContext(ctx, "stream append failed",
				slog.String("event", e.Type), slog.String("error", err.Error()))
		}
	}
	if s.audit != nil {
		detail := map[string]any{"pool_id": e.PoolID}
		if e.PositionID != "" {
			detail["position_id"] = e.PositionID
		}
		if e.Symbol != "" {
			detail["symbol"] = e.Symbol
		}
		for k, v := range e.Detail {
			detail[k] = v
		}
		if err := s.audit.Log(ctx, e.Type, detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", e.Type), slog.String("error", err.Error()))
		}
	}
}

// withPoolLock serializes a mutation behind the pool's exclusive lock,
// retrying acquisition until the configured wait elapses and failing with
// ErrPoolBusy after that. Callers retry with backoff.
func (s *PoolService) withPoolLock(ctx context.Context, poolID string, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(s.lockWait)
	for {
		unlock, err := s.locks.Acquire(ctx, "pool:"+poolID, s.lockTTL)
		if err == nil {
			defer unlock()
			return fn(ctx)
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("pool_service: acquire lock for %s: %w", poolID, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pool_service: pool %s: %w", poolID, domain.ErrPoolBusy)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
