package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionSide distinguishes buys from sells in the external journal.
type TransactionSide string

const (
	TransactionBuy  TransactionSide = "buy"
	TransactionSell TransactionSide = "sell"
)

// LedgerTransaction is one entry of the external, append-only journal of
// executed buy/sell operations. The journal is the source of truth
// reconciliation rebuilds positions from; the engine never writes to it.
type LedgerTransaction struct {
	ID       string
	PoolID   string
	Symbol   string
	Side     TransactionSide
	Quantity decimal.Decimal
	Price    decimal.Decimal
	// Amount is Quantity * Price as reported by the upstream system. Kept
	// separately because upstream rounding can make it differ from the
	// product by fractions of a cent.
	Amount decimal.Decimal
	// PositionRef links back to the trading idea, when the upstream system
	// recorded one. Empty for untracked flow.
	PositionRef string
	ExecutedAt  time.Time
}
