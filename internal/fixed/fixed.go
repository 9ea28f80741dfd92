// Package fixed provides exact decimal arithmetic helpers for currency
// amounts and share quantities. All pool and position math routes through
// decimal.Decimal; float64 is only ever used at the edges (config, wire
// formats). Comparisons use explicit tolerances instead of equality because
// reconstructed values (backfills, rollbacks) accumulate sub-cent rounding.
package fixed

import "github.com/shopspring/decimal"

var (
	// Zero is the additive identity, exported to avoid repeated allocations.
	Zero = decimal.Zero

	// Hundred is used for percentage conversions.
	Hundred = decimal.NewFromInt(100)

	// SharesTolerance is the epsilon for share-quantity comparisons.
	SharesTolerance = decimal.NewFromFloat(1e-4)

	// MoneyTolerance is the epsilon for currency comparisons, one cent.
	MoneyTolerance = decimal.NewFromFloat(0.01)
)

// Within reports whether a and b differ by less than tol.
func Within(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(tol)
}

// IsZero reports whether v is zero within tol.
func IsZero(v, tol decimal.Decimal) bool {
	return v.Abs().LessThan(tol)
}

// PctOf returns pct percent of amount: amount * pct / 100.
func PctOf(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(Hundred)
}

// PctChange returns the percentage change from base to v:
// (v - base) / base * 100. base must be non-zero.
func PctChange(base, v decimal.Decimal) decimal.Decimal {
	return v.Sub(base).Div(base).Mul(Hundred)
}

// Ratio returns part / whole * 100, the weight of part within whole.
// Returns zero when whole is zero.
func Ratio(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(Hundred)
}
