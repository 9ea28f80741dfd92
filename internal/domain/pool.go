package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewatch/poolengine/internal/fixed"
)

// Pool is the shared capital bucket for one trading strategy. Capital is
// divided across open positions; the counters below must reconcile at all
// times:
//
//	AvailableLiquidity + DistributedLiquidity == InitialLiquidity + RealizedPL
//
// A violation of that identity is a defect to be repaired, never silently
// tolerated.
type Pool struct {
	ID       string
	Strategy string // e.g. "TraderCall", "SmartMoney"
	Currency string

	// InitialLiquidity is the capital committed at pool creation. Immutable.
	InitialLiquidity decimal.Decimal

	// DistributedLiquidity is the sum of active positions' remaining cost basis.
	DistributedLiquidity decimal.Decimal

	// AvailableLiquidity is uncommitted capital:
	// InitialLiquidity + RealizedPL - DistributedLiquidity.
	AvailableLiquidity decimal.Decimal

	// RealizedPL is cumulative realized profit across all sales and closes.
	RealizedPL decimal.Decimal

	// UnrealizedPL is the mark-to-market profit of open positions,
	// refreshed by Recompute.
	UnrealizedPL decimal.Decimal

	// Version guards concurrent persistence (optimistic check in the store),
	// a second line of defence behind the per-pool writer lock.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalProfitLoss returns realized plus unrealized P&L. Derived, never stored.
func (p Pool) TotalProfitLoss() decimal.Decimal {
	return p.RealizedPL.Add(p.UnrealizedPL)
}

// TotalLiquidity returns the pool's current worth:
// InitialLiquidity + RealizedPL + UnrealizedPL.
func (p Pool) TotalLiquidity() decimal.Decimal {
	return p.InitialLiquidity.Add(p.TotalProfitLoss())
}

// TotalProfitLossPct returns total P&L as a percentage of initial liquidity.
func (p Pool) TotalProfitLossPct() decimal.Decimal {
	return fixed.Ratio(p.TotalProfitLoss(), p.InitialLiquidity)
}

// BalanceDrift returns how far the pool identity is off:
// (available + distributed) - (initial + realized). Zero on a healthy pool.
func (p Pool) BalanceDrift() decimal.Decimal {
	lhs := p.AvailableLiquidity.Add(p.DistributedLiquidity)
	rhs := p.InitialLiquidity.Add(p.RealizedPL)
	return lhs.Sub(rhs)
}

// CheckBalance verifies the pool identity within the money tolerance and
// returns ErrPoolImbalance (wrapped with the observed drift) on violation.
func (p Pool) CheckBalance() error {
	drift := p.BalanceDrift()
	if fixed.IsZero(drift, fixed.MoneyTolerance) {
		return nil
	}
	return fmt.Errorf("pool %s drift %s: %w", p.ID, drift.StringFixed(4), ErrPoolImbalance)
}
