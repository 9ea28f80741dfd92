package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleState is the lifecycle state of a partial sale.
//
// A sale is applied to its position the moment it is created (shares and
// cost basis are decremented) and enters "pending". From there it is either
// confirmed ("executed", terminal, no numeric effect) or rolled back
// ("discarded", terminal, inverse of the application). "cancelled" is the
// terminal state reconciliation uses when it voids a sale it could not match
// against the transaction journal.
type SaleState string

const (
	SaleStatePending   SaleState = "pending"
	SaleStateExecuted  SaleState = "executed"
	SaleStateDiscarded SaleState = "discarded"
	SaleStateCancelled SaleState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s SaleState) Terminal() bool {
	return s == SaleStateExecuted || s == SaleStateDiscarded || s == SaleStateCancelled
}

// PartialSale is one planned-and-applied liquidation of part of a position.
//
// PctOfOriginal is a share of the ORIGINAL position size, not of the current
// remaining size. Selling "25%" twice consumes 50% of the original shares,
// regardless of what happened in between. Getting this basis wrong was the
// single most damaging bug class in production.
type PartialSale struct {
	ID         string
	PositionID string

	// PctOfOriginal is the percentage of OriginalShares this sale covers.
	PctOfOriginal decimal.Decimal
	SharesToSell  decimal.Decimal
	SellPrice     decimal.Decimal

	// LiquidityReleased is SharesToSell * SellPrice, the market value of the
	// sale. Note this is NOT what returns to available liquidity as a lump:
	// the pool releases cost basis plus realized profit exactly once.
	LiquidityReleased decimal.Decimal

	// RealizedProfit is SharesToSell * (SellPrice - EntryPrice).
	RealizedProfit decimal.Decimal

	State SaleState

	// Seq preserves insertion order; the weighted-profit accumulation
	// depends on it.
	Seq        int
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Applied reports whether the sale currently counts against the position's
// shares (pending or executed).
func (s PartialSale) Applied() bool {
	return s.State == SaleStatePending || s.State == SaleStateExecuted
}
