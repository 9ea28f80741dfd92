package fixed

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestWithin(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		tol  decimal.Decimal
		want bool
	}{
		{"equal", "10", "10", MoneyTolerance, true},
		{"sub-cent drift", "10.001", "10.005", MoneyTolerance, true},
		{"one cent apart", "10.00", "10.01", MoneyTolerance, false},
		{"share dust", "0.50001", "0.50002", SharesTolerance, true},
		{"share mismatch", "0.5", "0.5002", SharesTolerance, false},
		{"negative side", "-3.999", "-4.0", MoneyTolerance, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Within(dec(tt.a), dec(tt.b), tt.tol))
		})
	}
}

func TestPctOf(t *testing.T) {
	// 25% of 40 = 10
	assert.True(t, PctOf(dec("40"), dec("25")).Equal(dec("10")))
	// 0.5% of 1000 = 5
	assert.True(t, PctOf(dec("1000"), dec("0.5")).Equal(dec("5")))
}

func TestPctChange(t *testing.T) {
	// 40 -> 50 is +25%
	assert.True(t, PctChange(dec("40"), dec("50")).Equal(dec("25")))
	// 40 -> 30 is -25%
	assert.True(t, PctChange(dec("40"), dec("30")).Equal(dec("-25")))
}

func TestRatio(t *testing.T) {
	assert.True(t, Ratio(dec("100"), dec("10000")).Equal(dec("1")))
	assert.True(t, Ratio(dec("5"), decimal.Zero).IsZero())
}
