package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewatch/poolengine/internal/fixed"
)

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	// PositionStatusActive means capital is allocated and shares remain.
	PositionStatusActive PositionStatus = "active"
	// PositionStatusClosed means all shares were sold; capital returned at
	// market value.
	PositionStatusClosed PositionStatus = "closed"
	// PositionStatusDiscarded means the trading idea was abandoned; capital
	// returned at cost basis.
	PositionStatusDiscarded PositionStatus = "discarded"
)

// Position is one open allocation of pool capital to a single trading idea.
// At most one active position exists per symbol per pool. The Original*
// fields are frozen at open and serve as the basis for all weighted
// calculations; they are never mutated afterwards.
type Position struct {
	ID     string
	PoolID string
	// IdeaID references the external trading idea (the published alert).
	IdeaID string
	Symbol string

	// EntryPrice is fixed at open.
	EntryPrice decimal.Decimal
	// CurrentPrice is the latest mark, updated by reprice cycles.
	CurrentPrice decimal.Decimal

	// Shares is the remaining quantity. Outside of reconciliation it only
	// ever decreases.
	Shares decimal.Decimal

	// Frozen at open.
	OriginalShares           decimal.Decimal
	OriginalAllocatedAmount  decimal.Decimal
	OriginalParticipationPct decimal.Decimal

	// AllocatedAmount is the remaining cost basis: Shares * EntryPrice.
	AllocatedAmount decimal.Decimal

	// ParticipationPct is the pool weight of the remaining position:
	// OriginalParticipationPct * Shares / OriginalShares.
	ParticipationPct decimal.Decimal

	// UnrealizedPL is (CurrentPrice - EntryPrice) * Shares.
	UnrealizedPL decimal.Decimal
	// RealizedPL is the sum of realized profit of all applied sales.
	RealizedPL decimal.Decimal

	// PartialSales is the append-only liquidation log, in insertion order.
	PartialSales []PartialSale

	Status   PositionStatus
	OpenedAt time.Time
	ClosedAt *time.Time
}

// IsActive reports whether the position still holds pool capital.
func (p Position) IsActive() bool {
	return p.Status == PositionStatusActive
}

// UnrealizedPLPct returns the mark-to-market return in percent of entry.
func (p Position) UnrealizedPLPct() decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return fixed.PctChange(p.EntryPrice, p.CurrentPrice)
}

// AppliedSales returns the sales currently counted against the position:
// pending and executed, in insertion order. Discarded and cancelled sales
// were rolled back and are excluded.
func (p Position) AppliedSales() []PartialSale {
	var out []PartialSale
	for _, s := range p.PartialSales {
		if s.Applied() {
			out = append(out, s)
		}
	}
	return out
}

// SoldShares returns the total shares consumed by applied sales.
func (p Position) SoldShares() decimal.Decimal {
	sum := decimal.Zero
	for _, s := range p.AppliedSales() {
		sum = sum.Add(s.SharesToSell)
	}
	return sum
}

// SaleByID returns the index of the sale with the given ID, or -1.
func (p Position) SaleByID(saleID string) int {
	for i, s := range p.PartialSales {
		if s.ID == saleID {
			return i
		}
	}
	return -1
}
