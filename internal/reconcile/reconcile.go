// Package reconcile rebuilds pool and position state from the external
// transaction journal when drift is detected. It replaces the pile of one-off
// repair scripts that used to encode these rules: every corrective mutation
// is audited with amount, reason and before/after, and the whole pass runs
// under the pool's exclusive writer lock.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/fixed"
	"github.com/tradewatch/poolengine/internal/policy"
	"github.com/tradewatch/poolengine/internal/pool"
)

// State is the reconciliation state of a pool during a pass.
type State string

const (
	StateConsistent State = "consistent"
	StateScanning   State = "scanning"
	StateRepairing  State = "repairing"
)

// Orphan is an active position with no supporting transaction history, or
// whose recorded numbers cannot be derived from the journal.
type Orphan struct {
	Position domain.Position
	Reason   string
}

// Untracked is journal flow for a symbol that has no active position.
type Untracked struct {
	Symbol       string
	Transactions []domain.LedgerTransaction
}

// Correction records one mutation the service made, for the report and the
// audit trail.
type Correction struct {
	Kind       string         `json:"kind"`
	PositionID string         `json:"position_id,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	Reason     string         `json:"reason"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
}

// Report summarizes one reconciliation pass over a pool.
type Report struct {
	PoolID      string       `json:"pool_id"`
	State       State        `json:"state"`
	Orphans     int          `json:"orphans"`
	Untracked   int          `json:"untracked"`
	Corrections []Correction `json:"corrections"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// Service runs reconciliation passes. Safe to run repeatedly; a pass over a
// consistent pool makes no corrections.
type Service struct {
	pools     domain.PoolStore
	positions domain.PositionStore
	journal   domain.TransactionStore
	audit     domain.AuditStore
	locks     domain.LockManager
	bus       domain.SignalBus
	policy    policy.Config
	lockTTL   time.Duration
	lockWait  time.Duration
	logger    *slog.Logger
}

// New creates a reconciliation Service.
func New(
	pools domain.PoolStore,
	positions domain.PositionStore,
	journal domain.TransactionStore,
	audit domain.AuditStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	policyCfg policy.Config,
	lockTTL, lockWait time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		pools:     pools,
		positions: positions,
		journal:   journal,
		audit:     audit,
		locks:     locks,
		bus:       bus,
		policy:    policyCfg,
		lockTTL:   lockTTL,
		lockWait:  lockWait,
		logger:    logger.With(slog.String("component", "reconcile")),
	}
}

// Run executes a full pass over one pool: scan, backfill, purge, policy
// enforcement, counter rebuild. It holds the pool's exclusive lock for the
// whole duration and fails with ErrPoolBusy when it cannot get it in time.
func (s *Service) Run(ctx context.Context, poolID string) (Report, error) {
	report := Report{PoolID: poolID, State: StateScanning, StartedAt: time.Now().UTC()}

	unlock, err := s.acquireLock(ctx, poolID)
	if err != nil {
		return report, err
	}
	defer unlock()

	p, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return report, fmt.Errorf("reconcile: load pool %s: %w", poolID, err)
	}
	positions, err := s.positions.ListByPool(ctx, poolID, domain.ListOpts{})
	if err != nil {
		return report, fmt.Errorf("reconcile: load positions of %s: %w", poolID, err)
	}

	orphans, untracked, err := s.scan(ctx, p, positions)
	if err != nil {
		return report, err
	}
	report.Orphans = len(orphans)
	report.Untracked = len(untracked)
	report.State = StateRepairing

	if len(untracked) > 0 {
		created, err := s.backfill(ctx, p, untracked, &report)
		if err != nil {
			return report, err
		}
		positions = append(positions, created...)
	}
	positions, err = s.purge(ctx, positions, &report)
	if err != nil {
		return report, err
	}
	positions, err = s.enforcePolicy(ctx, positions, &report)
	if err != nil {
		return report, err
	}

	if err := s.repairCounters(ctx, &p, positions, &report); err != nil {
		return report, err
	}

	report.State = StateConsistent
	report.FinishedAt = time.Now().UTC()

	s.publish(ctx, domain.Event{
		Type:   domain.EventReconciliationCompleted,
		PoolID: poolID,
		Detail: map[string]any{
			"orphans":     report.Orphans,
			"untracked":   report.Untracked,
			"corrections": len(report.Corrections),
		},
		At: report.FinishedAt,
	})
	s.logger.InfoContext(ctx, "reconciliation pass finished",
		slog.String("pool_id", poolID),
		slog.Int("orphans", report.Orphans),
		slog.Int("untracked", report.Untracked),
		slog.Int("corrections", len(report.Corrections)),
	)
	return report, nil
}

// ScanForOrphans inspects a pool without mutating anything and reports
// orphaned positions and untracked journal flow.
func (s *Service) ScanForOrphans(ctx context.Context, poolID string) ([]Orphan, []Untracked, error) {
	p, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile: load pool %s: %w", poolID, err)
	}
	positions, err := s.positions.ListByPool(ctx, poolID, domain.ListOpts{})
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile: load positions of %s: %w", poolID, err)
	}
	return s.scan(ctx, p, positions)
}

func (s *Service) scan(ctx context.Context, p domain.Pool, positions []domain.Position) ([]Orphan, []Untracked, error) {
	txs, err := s.journal.ListByPool(ctx, p.ID, domain.ListOpts{})
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile: load journal of %s: %w", p.ID, err)
	}

	bySymbol := make(map[string][]domain.LedgerTransaction)
	for _, tx := range txs {
		bySymbol[tx.Symbol] = append(bySymbol[tx.Symbol], tx)
	}

	var orphans []Orphan
	activeSymbols := make(map[string]bool)
	for _, pos := range positions {
		if !pos.IsActive() {
			continue
		}
		activeSymbols[pos.Symbol] = true

		symTxs := bySymbol[pos.Symbol]
		if len(symTxs) == 0 {
			orphans = append(orphans, Orphan{Position: pos, Reason: "no journal transactions for symbol"})
			continue
		}
		bought, netShares, buyCost := sumJournal(symTxs)
		if !fixed.Within(pos.OriginalShares, bought, fixed.SharesTolerance) {
			orphans = append(orphans, Orphan{
				Position: pos,
				Reason: fmt.Sprintf("original shares %s not derivable from journal buys %s",
					pos.OriginalShares.StringFixed(4), bought.StringFixed(4)),
			})
			continue
		}
		if bought.IsPositive() {
			vwap := buyCost.Div(bought)
			if !fixed.Within(pos.EntryPrice, vwap, fixed.MoneyTolerance) {
				orphans = append(orphans, Orphan{
					Position: pos,
					Reason: fmt.Sprintf("entry price %s not derivable from journal buy VWAP %s",
						pos.EntryPrice.StringFixed(4), vwap.StringFixed(4)),
				})
				continue
			}
		}
		if pos.Shares.GreaterThan(netShares.Add(fixed.SharesTolerance)) {
			orphans = append(orphans, Orphan{
				Position: pos,
				Reason: fmt.Sprintf("remaining shares %s exceed journal net %s",
					pos.Shares.StringFixed(4), netShares.StringFixed(4)),
			})
		}
	}

	var untracked []Untracked
	for symbol, symTxs := range bySymbol {
		if activeSymbols[symbol] {
			continue
		}
		_, netShares, _ := sumJournal(symTxs)
		// Fully sold flow needs no position; only a live remainder does.
		if fixed.IsZero(netShares, fixed.SharesTolerance) {
			continue
		}
		untracked = append(untracked, Untracked{Symbol: symbol, Transactions: symTxs})
	}

	return orphans, untracked, nil
}

// backfill reconstructs a position for each untracked symbol from its buy
// transactions. The participation weight uses the pool's INITIAL liquidity
// as denominator; deriving it from current totals re-introduces a defect
// this service exists to repair (the denominator itself moves with every
// correction).
func (s *Service) backfill(ctx context.Context, p domain.Pool, untracked []Untracked, report *Report) ([]domain.Position, error) {
	var created []domain.Position
	for _, u := range untracked {
		qty := decimal.Zero
		amount := decimal.Zero
		var firstBuy time.Time
		for _, tx := range u.Transactions {
			if tx.Side != domain.TransactionBuy {
				continue
			}
			qty = qty.Add(tx.Quantity)
			amount = amount.Add(tx.Quantity.Mul(tx.Price))
			if firstBuy.IsZero() || tx.ExecutedAt.Before(firstBuy) {
				firstBuy = tx.ExecutedAt
			}
		}
		if !qty.IsPositive() {
			continue
		}
		entry := amount.Div(qty)
		weight := fixed.Ratio(amount, p.InitialLiquidity)

		pos := domain.Position{
			ID:                       uuid.New().String(),
			PoolID:                   p.ID,
			Symbol:                   u.Symbol,
			EntryPrice:               entry,
			CurrentPrice:             entry,
			Shares:                   qty,
			OriginalShares:           qty,
			OriginalAllocatedAmount:  amount,
			OriginalParticipationPct: weight,
			AllocatedAmount:          amount,
			ParticipationPct:         weight,
			Status:                   domain.PositionStatusActive,
			OpenedAt:                 firstBuy,
		}
		if err := s.positions.Create(ctx, pos); err != nil {
			return created, fmt.Errorf("reconcile: backfill %s: %w", u.Symbol, err)
		}
		created = append(created, pos)

		s.correct(ctx, report, Correction{
			Kind:       "backfill_position",
			PositionID: pos.ID,
			Symbol:     u.Symbol,
			Reason:     "journal transactions with no tracked position",
			After: map[string]any{
				"shares":            qty.String(),
				"entry_price":       entry.String(),
				"allocated_amount":  amount.String(),
				"participation_pct": weight.String(),
			},
		})
	}
	return created, nil
}

// purge deactivates orphaned distributions so the counter rebuild returns
// their liquidity to the pool.
func (s *Service) purge(ctx context.Context, positions []domain.Position, report *Report) ([]domain.Position, error) {
	txCache := make(map[string][]domain.LedgerTransaction)
	out := make([]domain.Position, 0, len(positions))
	for _, pos := range positions {
		if !pos.IsActive() {
			out = append(out, pos)
			continue
		}
		symTxs, ok := txCache[pos.PoolID+"/"+pos.Symbol]
		if !ok {
			var err error
			symTxs, err = s.journal.ListBySymbol(ctx, pos.PoolID, pos.Symbol)
			if err != nil {
				return out, fmt.Errorf("reconcile: journal for %s: %w", pos.Symbol, err)
			}
			txCache[pos.PoolID+"/"+pos.Symbol] = symTxs
		}
		if len(symTxs) > 0 {
			out = append(out, pos)
			continue
		}

		before := map[string]any{
			"status":           string(pos.Status),
			"allocated_amount": pos.AllocatedAmount.String(),
		}
		now := time.Now().UTC()
		pos.Status = domain.PositionStatusDiscarded
		pos.ClosedAt = &now
		if err := s.positions.Update(ctx, pos); err != nil {
			return out, fmt.Errorf("reconcile: purge %s: %w", pos.ID, err)
		}
		out = append(out, pos)

		s.correct(ctx, report, Correction{
			Kind:       "purge_orphan",
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Reason:     "active distribution with no journal transactions",
			Before:     before,
			After:      map[string]any{"status": string(domain.PositionStatusDiscarded)},
		})
	}
	return out, nil
}

func (s *Service) enforcePolicy(ctx context.Context, positions []domain.Position, report *Report) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(positions))
	for _, pos := range positions {
		v := policy.Evaluate(s.policy, pos)
		if v == nil {
			out = append(out, pos)
			continue
		}
		before := pos.ParticipationPct
		pos = policy.Remediate(s.policy, pos)
		if err := s.positions.Update(ctx, pos); err != nil {
			return out, fmt.Errorf("reconcile: remediate %s: %w", pos.ID, err)
		}
		out = append(out, pos)

		s.correct(ctx, report, Correction{
			Kind:       "policy_remediation",
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Reason:     v.Rule,
			Before:     map[string]any{"participation_pct": before.String()},
			After:      map[string]any{"participation_pct": pos.ParticipationPct.String()},
		})
		s.publish(ctx, domain.Event{
			Type:       domain.EventPolicyViolationCorrected,
			PoolID:     pos.PoolID,
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Detail: map[string]any{
				"rule":   v.Rule,
				"before": before.String(),
				"after":  pos.ParticipationPct.String(),
			},
			At: time.Now().UTC(),
		})
	}
	return out, nil
}

// repairCounters rebuilds the pool counters from the repaired position set
// and persists the pool when anything moved.
func (s *Service) repairCounters(ctx context.Context, p *domain.Pool, positions []domain.Position, report *Report) error {
	rebuilt := pool.Rebuild(*p, positions)

	moved := !rebuilt.AvailableLiquidity.Equal(p.AvailableLiquidity) ||
		!rebuilt.DistributedLiquidity.Equal(p.DistributedLiquidity) ||
		!rebuilt.RealizedPL.Equal(p.RealizedPL) ||
		!rebuilt.UnrealizedPL.Equal(p.UnrealizedPL)
	if moved {
		s.correct(ctx, report, Correction{
			Kind:   "rebuild_pool_counters",
			Reason: "pool counters rebuilt from positions",
			Before: map[string]any{
				"available":   p.AvailableLiquidity.String(),
				"distributed": p.DistributedLiquidity.String(),
				"realized_pl": p.RealizedPL.String(),
			},
			After: map[string]any{
				"available":   rebuilt.AvailableLiquidity.String(),
				"distributed": rebuilt.DistributedLiquidity.String(),
				"realized_pl": rebuilt.RealizedPL.String(),
			},
		})
	}

	*p = rebuilt
	if err := s.pools.Update(ctx, *p); err != nil {
		return fmt.Errorf("reconcile: persist pool %s: %w", p.ID, err)
	}
	p.Version++
	return nil
}

// correct records a correction in the report, the audit log, and the
// structured log. Audit failures are logged but do not abort the repair;
// losing one audit row is better than leaving the pool broken mid-pass.
func (s *Service) correct(ctx context.Context, report *Report, c Correction) {
	report.Corrections = append(report.Corrections, c)

	detail := map[string]any{
		"pool_id": report.PoolID,
		"kind":    c.Kind,
		"reason":  c.Reason,
	}
	if c.PositionID != "" {
		detail["position_id"] = c.PositionID
	}
	if c.Symbol != "" {
		detail["symbol"] = c.Symbol
	}
	if c.Before != nil {
		detail["before"] = c.Before
	}
	if c.After != nil {
		detail["after"] = c.After
	}
	if err := s.audit.Log(ctx, "reconcile."+c.Kind, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("kind", c.Kind),
			slog.String("error", err.Error()),
		)
	}
	s.logger.InfoContext(ctx, "corrective mutation",
		slog.String("pool_id", report.PoolID),
		slog.String("kind", c.Kind),
		slog.String("position_id", c.PositionID),
		slog.String("reason", c.Reason),
	)
}

func (s *Service) publish(ctx context.Context, e domain.Event) {
	if s.bus == nil {
		return
	}
	payload := e.Marshal()
	if err := s.bus.Publish(ctx, domain.EventChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", e.Type),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
		s.logger.WarnContext(ctx, "stream append failed",
			slog.String("event", e.Type),
			slog.String("error", err.Error()),
		)
	}
}

// acquireLock obtains the pool writer lock, retrying until lockWait elapses.
func (s *Service) acquireLock(ctx context.Context, poolID string) (func(), error) {
	deadline := time.Now().Add(s.lockWait)
	for {
		unlock, err := s.locks.Acquire(ctx, "pool:"+poolID, s.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("reconcile: acquire lock for %s: %w", poolID, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("reconcile: pool %s: %w", poolID, domain.ErrPoolBusy)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// sumJournal returns total bought shares, the net (bought - sold) share
// balance, and the total buy cost of a symbol's transactions.
func sumJournal(txs []domain.LedgerTransaction) (bought, net, buyCost decimal.Decimal) {
	bought = decimal.Zero
	net = decimal.Zero
	buyCost = decimal.Zero
	for _, tx := range txs {
		switch tx.Side {
		case domain.TransactionBuy:
			bought = bought.Add(tx.Quantity)
			net = net.Add(tx.Quantity)
			buyCost = buyCost.Add(tx.Amount)
		case domain.TransactionSell:
			net = net.Sub(tx.Quantity)
		}
	}
	return bought, net, buyCost
}
