// Package ledger implements the per-position accounting: opening an
// allocation, mark-to-market repricing, partial liquidations and their
// rollback, and full closes. All functions are pure: they take a position
// value and return an updated copy, leaving persistence, locking and event
// publication to the service layer.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/fixed"
)

// Open allocates capital from a pool to a new trading idea. The caller
// supplies the participation weight the idea was published with; it must be
// in (0, 100]. Fails with ErrInsufficientLiquidity when the pool cannot
// cover the allocation.
func Open(pool domain.Pool, ideaID, symbol string, allocated, entryPrice, weightPct decimal.Decimal, now time.Time) (domain.Position, error) {
	if !allocated.IsPositive() || !entryPrice.IsPositive() {
		return domain.Position{}, fmt.Errorf("ledger: open %s: allocation and entry price must be positive", symbol)
	}
	if !weightPct.IsPositive() || weightPct.GreaterThan(fixed.Hundred) {
		return domain.Position{}, fmt.Errorf("ledger: open %s weight %s: %w", symbol, weightPct, domain.ErrInvalidWeight)
	}
	if allocated.GreaterThan(pool.AvailableLiquidity.Add(fixed.MoneyTolerance)) {
		return domain.Position{}, fmt.Errorf("ledger: open %s needs %s, pool %s has %s: %w",
			symbol, allocated.StringFixed(2), pool.ID,
			pool.AvailableLiquidity.StringFixed(2), domain.ErrInsufficientLiquidity)
	}

	shares := allocated.Div(entryPrice)

	return domain.Position{
		ID:           uuid.New().String(),
		PoolID:       pool.ID,
		IdeaID:       ideaID,
		Symbol:       symbol,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		Shares:       shares,

		OriginalShares:           shares,
		OriginalAllocatedAmount:  allocated,
		OriginalParticipationPct: weightPct,

		AllocatedAmount:  allocated,
		ParticipationPct: weightPct,
		UnrealizedPL:     decimal.Zero,
		RealizedPL:       decimal.Zero,
		Status:           domain.PositionStatusActive,
		OpenedAt:         now,
	}, nil
}

// Reprice recomputes the mark-to-market fields from a fresh price. No
// liquidity side effects.
func Reprice(pos domain.Position, price decimal.Decimal) domain.Position {
	pos.CurrentPrice = price
	pos.UnrealizedPL = price.Sub(pos.EntryPrice).Mul(pos.Shares)
	return pos
}

// ExecutePartialSale applies a liquidation of pctOfOriginal percent of the
// ORIGINAL position size at sellPrice. The sale is appended in state
// "pending": its numbers are already counted against the position, but it
// can still be discarded until confirmed.
//
// Fails with ErrOverSell when the sale would consume more shares than
// remain (within the shares tolerance).
func ExecutePartialSale(pos domain.Position, pctOfOriginal, sellPrice decimal.Decimal, now time.Time) (domain.Position, domain.PartialSale, error) {
	if !pos.IsActive() {
		return pos, domain.PartialSale{}, fmt.Errorf("ledger: sell on %s: %w", pos.Symbol, domain.ErrPositionClosed)
	}
	if !pctOfOriginal.IsPositive() || pctOfOriginal.GreaterThan(fixed.Hundred) {
		return pos, domain.PartialSale{}, fmt.Errorf("ledger: sell %s%% of %s out of range", pctOfOriginal, pos.Symbol)
	}
	if !sellPrice.IsPositive() {
		return pos, domain.PartialSale{}, fmt.Errorf("ledger: sell %s: price must be positive", pos.Symbol)
	}

	sharesToSell := fixed.PctOf(pos.OriginalShares, pctOfOriginal)
	if sharesToSell.GreaterThan(pos.Shares.Add(fixed.SharesTolerance)) {
		return pos, domain.PartialSale{}, fmt.Errorf("ledger: sell %s shares of %s, %s remain: %w",
			sharesToSell.StringFixed(4), pos.Symbol, pos.Shares.StringFixed(4), domain.ErrOverSell)
	}
	// Clamp share dust so a "sell the rest" never goes negative.
	if sharesToSell.GreaterThan(pos.Shares) {
		sharesToSell = pos.Shares
	}

	sale := domain.PartialSale{
		ID:                uuid.New().String(),
		PositionID:        pos.ID,
		PctOfOriginal:     pctOfOriginal,
		SharesToSell:      sharesToSell,
		SellPrice:         sellPrice,
		LiquidityReleased: sharesToSell.Mul(sellPrice),
		RealizedProfit:    sharesToSell.Mul(sellPrice.Sub(pos.EntryPrice)),
		State:             domain.SaleStatePending,
		Seq:               len(pos.PartialSales),
		CreatedAt:         now,
	}

	pos.PartialSales = append(pos.PartialSales, sale)
	pos = applySales(pos)

	if fixed.IsZero(pos.Shares, fixed.SharesTolerance) {
		pos = closeOut(pos, now)
	}
	return pos, sale, nil
}

// ConfirmPartialSale finalizes a pending sale. No numeric effect; the sale
// becomes terminal and can no longer be discarded.
func ConfirmPartialSale(pos domain.Position, saleID string, now time.Time) (domain.Position, error) {
	i := pos.SaleByID(saleID)
	if i < 0 {
		return pos, fmt.Errorf("ledger: confirm sale %s: %w", saleID, domain.ErrNotFound)
	}
	if pos.PartialSales[i].State != domain.SaleStatePending {
		return pos, fmt.Errorf("ledger: confirm sale %s in state %s: %w",
			saleID, pos.PartialSales[i].State, domain.ErrNotPending)
	}
	pos.PartialSales = append([]domain.PartialSale(nil), pos.PartialSales...)
	pos.PartialSales[i].State = domain.SaleStateExecuted
	pos.PartialSales[i].ResolvedAt = &now
	return pos, nil
}

// DiscardPartialSale rolls back a pending sale, restoring shares, cost basis
// and participation to their pre-sale values. Only legal while the sale is
// pending; confirmed and already rolled-back sales fail with ErrNotPending.
func DiscardPartialSale(pos domain.Position, saleID string, now time.Time) (domain.Position, error) {
	i := pos.SaleByID(saleID)
	if i < 0 {
		return pos, fmt.Errorf("ledger: discard sale %s: %w", saleID, domain.ErrNotFound)
	}
	if pos.PartialSales[i].State != domain.SaleStatePending {
		return pos, fmt.Errorf("ledger: discard sale %s in state %s: %w",
			saleID, pos.PartialSales[i].State, domain.ErrNotPending)
	}
	pos.PartialSales = append([]domain.PartialSale(nil), pos.PartialSales...)
	pos.PartialSales[i].State = domain.SaleStateDiscarded
	pos.PartialSales[i].ResolvedAt = &now

	pos = applySales(pos)

	// Discarding the sale that emptied the position brings it back.
	if pos.Status == domain.PositionStatusClosed && !fixed.IsZero(pos.Shares, fixed.SharesTolerance) {
		pos.Status = domain.PositionStatusActive
		pos.ClosedAt = nil
	}
	return pos, nil
}

// Close sells 100% of the remaining shares at exitPrice. It is one final
// partial sale covering the remaining fraction of the original size,
// confirmed immediately.
func Close(pos domain.Position, exitPrice decimal.Decimal, now time.Time) (domain.Position, domain.PartialSale, error) {
	if !pos.IsActive() {
		return pos, domain.PartialSale{}, fmt.Errorf("ledger: close %s: %w", pos.Symbol, domain.ErrPositionClosed)
	}
	remainingPct := fixed.Ratio(pos.Shares, pos.OriginalShares)

	pos, sale, err := ExecutePartialSale(pos, remainingPct, exitPrice, now)
	if err != nil {
		return pos, domain.PartialSale{}, err
	}
	pos, err = ConfirmPartialSale(pos, sale.ID, now)
	if err != nil {
		return pos, domain.PartialSale{}, err
	}
	sale.State = domain.SaleStateExecuted
	sale.ResolvedAt = &now
	return pos, sale, nil
}

// Discard abandons the trading idea. The position deactivates and its cost
// basis returns to the pool untouched; no sale is recorded.
func Discard(pos domain.Position, now time.Time) (domain.Position, error) {
	if !pos.IsActive() {
		return pos, fmt.Errorf("ledger: discard %s: %w", pos.Symbol, domain.ErrPositionClosed)
	}
	pos.Status = domain.PositionStatusDiscarded
	pos.ClosedAt = &now
	return pos, nil
}

// CheckShareConservation verifies that applied sales plus remaining shares
// add up to the original size, within the shares tolerance.
func CheckShareConservation(pos domain.Position) error {
	total := pos.SoldShares().Add(pos.Shares)
	if fixed.Within(total, pos.OriginalShares, fixed.SharesTolerance) {
		return nil
	}
	return fmt.Errorf("ledger: position %s sold+remaining %s != original %s: %w",
		pos.ID, total.StringFixed(6), pos.OriginalShares.StringFixed(6), domain.ErrOrphanDetected)
}

// applySales rederives every sale-dependent field from the original values
// and the applied-sale log. Recomputing from scratch rather than patching
// deltas keeps execute/discard exact inverses of each other.
func applySales(pos domain.Position) domain.Position {
	sold := decimal.Zero
	realized := decimal.Zero
	for _, s := range pos.PartialSales {
		if !s.Applied() {
			continue
		}
		sold = sold.Add(s.SharesToSell)
		realized = realized.Add(s.RealizedProfit)
	}

	pos.Shares = pos.OriginalShares.Sub(sold)
	if pos.Shares.IsNegative() {
		pos.Shares = decimal.Zero
	}
	pos.AllocatedAmount = pos.Shares.Mul(pos.EntryPrice)
	pos.ParticipationPct = pos.OriginalParticipationPct.Mul(pos.Shares).Div(pos.OriginalShares)
	pos.RealizedPL = realized
	pos.UnrealizedPL = pos.CurrentPrice.Sub(pos.EntryPrice).Mul(pos.Shares)
	return pos
}

// closeOut zeroes the dust of a fully sold position so no dangling cost
// basis survives.
func closeOut(pos domain.Position, now time.Time) domain.Position {
	pos.Shares = decimal.Zero
	pos.AllocatedAmount = decimal.Zero
	pos.ParticipationPct = decimal.Zero
	pos.UnrealizedPL = decimal.Zero
	pos.Status = domain.PositionStatusClosed
	pos.ClosedAt = &now
	return pos
}
