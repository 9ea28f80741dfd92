package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/fixed"
)

// nearPct is the tolerance for treating two sale percentages or prices as
// the same when deduplicating the candidate sale.
var nearPct = decimal.NewFromFloat(1e-4)

// AccumulatedProfitPercentage returns the cumulative weighted return of the
// position after a candidate sale of pctOfOriginal percent at sellPrice.
//
// Each sale contributes its percentage of the original size times the price
// return of that sale, and the sum is normalized by 100:
//
//	acc = Σ pct_i * (sellPrice_i - entry) / entry * 100 / 100
//
// Applied sales that match the candidate by near-equal percentage AND price
// are excluded from the prior-sale sum, so the result is identical whether
// the candidate has already been persisted onto the position or not.
// Callers rely on that idempotence: the same number is shown before the
// sale is applied and reported after.
func AccumulatedProfitPercentage(pos domain.Position, pctOfOriginal, sellPrice decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.IsZero() {
		return decimal.Zero
	}

	weighted := pctOfOriginal.Mul(fixed.PctChange(pos.EntryPrice, sellPrice))

	seenCandidate := false
	for _, s := range pos.PartialSales {
		if !s.Applied() {
			continue
		}
		if !seenCandidate &&
			fixed.Within(s.PctOfOriginal, pctOfOriginal, nearPct) &&
			fixed.Within(s.SellPrice, sellPrice, nearPct) {
			// The candidate itself, already persisted. Count it once only.
			seenCandidate = true
			continue
		}
		weighted = weighted.Add(s.PctOfOriginal.Mul(fixed.PctChange(pos.EntryPrice, s.SellPrice)))
	}

	return weighted.Div(fixed.Hundred)
}

// FinalReturnPercentage returns the accumulated weighted return of a fully
// closed position, derived from its applied sales alone.
func FinalReturnPercentage(pos domain.Position) decimal.Decimal {
	if pos.EntryPrice.IsZero() {
		return decimal.Zero
	}
	weighted := decimal.Zero
	for _, s := range pos.PartialSales {
		if !s.Applied() {
			continue
		}
		weighted = weighted.Add(s.PctOfOriginal.Mul(fixed.PctChange(pos.EntryPrice, s.SellPrice)))
	}
	return weighted.Div(fixed.Hundred)
}
