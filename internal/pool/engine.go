// Package pool implements the pool-level accounting: allocating capital to
// positions, releasing it on sales and rollbacks, and recomputing aggregate
// totals against the pool invariant. Like the position ledger, everything
// here is pure; the service layer owns locking and persistence.
package pool

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/fixed"
	"github.com/tradewatch/poolengine/internal/ledger"
)

// Allocate opens a position for a new trading idea and moves its cost basis
// from available to distributed liquidity.
func Allocate(p domain.Pool, ideaID, symbol string, amount, entryPrice, weightPct decimal.Decimal, now time.Time) (domain.Pool, domain.Position, error) {
	pos, err := ledger.Open(p, ideaID, symbol, amount, entryPrice, weightPct, now)
	if err != nil {
		return p, domain.Position{}, err
	}

	p.DistributedLiquidity = p.DistributedLiquidity.Add(amount)
	p.AvailableLiquidity = p.AvailableLiquidity.Sub(amount)
	return p, pos, nil
}

// ReleaseOnSale applies a partial sale's liquidity effect to the pool.
//
// The cost basis of the sold shares leaves distributed liquidity, and
// available liquidity receives that cost basis plus the sale's realized
// profit. Crediting the sale's full market value (LiquidityReleased) on top
// of counting RealizedPL separately would double-count the gain; that exact
// mistake is what several production repair scripts existed to undo.
func ReleaseOnSale(p domain.Pool, pos domain.Position, sale domain.PartialSale) domain.Pool {
	costBasis := sale.SharesToSell.Mul(pos.EntryPrice)

	p.DistributedLiquidity = p.DistributedLiquidity.Sub(costBasis)
	p.AvailableLiquidity = p.AvailableLiquidity.Add(costBasis).Add(sale.RealizedProfit)
	p.RealizedPL = p.RealizedPL.Add(sale.RealizedProfit)
	return p
}

// ReleaseOnDiscard is the exact inverse of ReleaseOnSale, applied when a
// pending sale is rolled back.
func ReleaseOnDiscard(p domain.Pool, pos domain.Position, sale domain.PartialSale) domain.Pool {
	costBasis := sale.SharesToSell.Mul(pos.EntryPrice)

	p.DistributedLiquidity = p.DistributedLiquidity.Add(costBasis)
	p.AvailableLiquidity = p.AvailableLiquidity.Sub(costBasis).Sub(sale.RealizedProfit)
	p.RealizedPL = p.RealizedPL.Sub(sale.RealizedProfit)
	return p
}

// ReleaseOnAbandon returns a discarded position's remaining cost basis to
// available liquidity. The idea was abandoned, so capital comes back at cost
// basis, not at market value.
func ReleaseOnAbandon(p domain.Pool, pos domain.Position) domain.Pool {
	p.DistributedLiquidity = p.DistributedLiquidity.Sub(pos.AllocatedAmount)
	p.AvailableLiquidity = p.AvailableLiquidity.Add(pos.AllocatedAmount)
	return p
}

// Recompute rederives the pool's aggregate P&L from its positions and
// verifies the pool identity. positions must be the complete set for the
// pool, open and closed, since realized profit of closed positions stays in
// the cumulative total.
//
// The returned pool always carries the recomputed totals. When the stored
// counters have drifted beyond tolerance the error wraps ErrPoolImbalance;
// callers surface it to the operator queue and hand the pool to
// reconciliation, never swallow it.
func Recompute(p domain.Pool, positions []domain.Position) (domain.Pool, error) {
	distributed := decimal.Zero
	realized := decimal.Zero
	unrealized := decimal.Zero

	for _, pos := range positions {
		realized = realized.Add(pos.RealizedPL)
		if !pos.IsActive() {
			continue
		}
		distributed = distributed.Add(pos.AllocatedAmount)
		unrealized = unrealized.Add(pos.UnrealizedPL)
	}

	var err error
	if !fixed.Within(p.DistributedLiquidity, distributed, fixed.MoneyTolerance) {
		err = fmt.Errorf("pool %s: stored distributed %s, positions sum to %s: %w",
			p.ID, p.DistributedLiquidity.StringFixed(4), distributed.StringFixed(4), domain.ErrPoolImbalance)
	} else if !fixed.Within(p.RealizedPL, realized, fixed.MoneyTolerance) {
		err = fmt.Errorf("pool %s: stored realized P&L %s, positions sum to %s: %w",
			p.ID, p.RealizedPL.StringFixed(4), realized.StringFixed(4), domain.ErrPoolImbalance)
	}

	p.UnrealizedPL = unrealized
	if balErr := p.CheckBalance(); balErr != nil && err == nil {
		err = balErr
	}
	return p, err
}

// Rebuild overwrites the pool counters from the positions, restoring the
// invariant by construction. Reconciliation-only; normal mutation paths must
// never call this.
func Rebuild(p domain.Pool, positions []domain.Position) domain.Pool {
	distributed := decimal.Zero
	realized := decimal.Zero
	unrealized := decimal.Zero

	for _, pos := range positions {
		realized = realized.Add(pos.RealizedPL)
		if !pos.IsActive() {
			continue
		}
		distributed = distributed.Add(pos.AllocatedAmount)
		unrealized = unrealized.Add(pos.UnrealizedPL)
	}

	p.DistributedLiquidity = distributed
	p.RealizedPL = realized
	p.UnrealizedPL = unrealized
	p.AvailableLiquidity = p.InitialLiquidity.Add(realized).Sub(distributed)
	return p
}
