package policy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewatch/poolengine/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func position(weight, unrealized string, status domain.PositionStatus) domain.Position {
	return domain.Position{
		ID:               "pos-1",
		Symbol:           "ACME",
		ParticipationPct: dec(weight),
		UnrealizedPL:     dec(unrealized),
		Status:           status,
	}
}

func TestEvaluate(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name      string
		pos       domain.Position
		violation bool
	}{
		{"heavy and underwater", position("5", "-10", domain.PositionStatusActive), true},
		{"heavier and underwater", position("8.2", "-0.01", domain.PositionStatusActive), true},
		{"heavy but profitable", position("7", "250", domain.PositionStatusActive), false},
		{"heavy at break-even", position("7", "0", domain.PositionStatusActive), false},
		{"light and underwater", position("4.9", "-10", domain.PositionStatusActive), false},
		{"closed position ignored", position("9", "-10", domain.PositionStatusClosed), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(cfg, tt.pos)
			if tt.violation {
				require.NotNil(t, v)
				assert.Equal(t, "max_weight_with_loss", v.Rule)
				assert.Equal(t, "ACME", v.Symbol)
			} else {
				assert.Nil(t, v)
			}
		})
	}
}

func TestEvaluateConfigurableThreshold(t *testing.T) {
	cfg := Config{MaxWeightWithLoss: dec("10"), RemediationWeight: dec("9.5")}

	assert.Nil(t, Evaluate(cfg, position("8", "-10", domain.PositionStatusActive)))
	assert.NotNil(t, Evaluate(cfg, position("10", "-10", domain.PositionStatusActive)))
}

func TestRemediate(t *testing.T) {
	cfg := Default()

	fixedPos := Remediate(cfg, position("7.5", "-10", domain.PositionStatusActive))
	assert.True(t, fixedPos.ParticipationPct.Equal(dec("4.9")))
	assert.Nil(t, Evaluate(cfg, fixedPos), "remediated position must be compliant")

	// Already below the cap: untouched.
	light := Remediate(cfg, position("3", "-10", domain.PositionStatusActive))
	assert.True(t, light.ParticipationPct.Equal(dec("3")))
}
