// Package policy evaluates business rules over positions after every
// mutation. The current rule set is small but known to evolve, so thresholds
// and remediation values come from configuration, not constants.
package policy

import (
	"github.com/shopspring/decimal"

	"github.com/tradewatch/poolengine/internal/domain"
)

// Config holds the tunable parameters of the policy rules.
type Config struct {
	// MaxWeightWithLoss disallows a position holding at least this pool
	// weight (percent) while its unrealized P&L is negative.
	MaxWeightWithLoss decimal.Decimal

	// RemediationWeight is the participation percentage a violating
	// position is capped to.
	RemediationWeight decimal.Decimal
}

// Default returns the production rule parameters: no position may hold 5%
// or more of the pool while underwater; violators are capped to 4.9%.
func Default() Config {
	return Config{
		MaxWeightWithLoss: decimal.NewFromInt(5),
		RemediationWeight: decimal.NewFromFloat(4.9),
	}
}

// Violation describes a position that breaks a policy rule.
type Violation struct {
	Rule         string
	PositionID   string
	Symbol       string
	Weight       decimal.Decimal
	UnrealizedPL decimal.Decimal
}

// Evaluate checks a position against the rule set. Returns nil when the
// position is compliant. Inactive positions hold no pool weight and always
// pass.
func Evaluate(cfg Config, pos domain.Position) *Violation {
	if !pos.IsActive() {
		return nil
	}
	if pos.ParticipationPct.GreaterThanOrEqual(cfg.MaxWeightWithLoss) && pos.UnrealizedPL.IsNegative() {
		return &Violation{
			Rule:         "max_weight_with_loss",
			PositionID:   pos.ID,
			Symbol:       pos.Symbol,
			Weight:       pos.ParticipationPct,
			UnrealizedPL: pos.UnrealizedPL,
		}
	}
	return nil
}

// Remediate applies the documented correction for a violation: the
// position's participation is capped to the remediation weight. Shares and
// cost basis are untouched; only the pool-weight attribution changes.
func Remediate(cfg Config, pos domain.Position) domain.Position {
	if pos.ParticipationPct.GreaterThan(cfg.RemediationWeight) {
		pos.ParticipationPct = cfg.RemediationWeight
	}
	return pos
}
