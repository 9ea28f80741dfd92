package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradewatch/poolengine/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Positions
// and their partial-sale log are persisted together: every write upserts the
// full sale slice so the stored log always matches the in-memory one.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, pool_id, idea_id, symbol,
	entry_price, current_price, shares,
	original_shares, original_allocated_amount, original_participation_pct,
	allocated_amount, participation_pct, unrealized_pl, realized_pl,
	status, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.PoolID, &p.IdeaID, &p.Symbol,
		&p.EntryPrice, &p.CurrentPrice, &p.Shares,
		&p.OriginalShares, &p.OriginalAllocatedAmount, &p.OriginalParticipationPct,
		&p.AllocatedAmount, &p.ParticipationPct, &p.UnrealizedPL, &p.RealizedPL,
		&status, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// Create inserts a new position. A freshly opened position has no sales yet.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, pool_id, idea_id, symbol,
			entry_price, current_price, shares,
			original_shares, original_allocated_amount, original_participation_pct,
			allocated_amount, participation_pct, unrealized_pl, realized_pl,
			status, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.PoolID, p.IdeaID, p.Symbol,
		p.EntryPrice, p.CurrentPrice, p.Shares,
		p.OriginalShares, p.OriginalAllocatedAmount, p.OriginalParticipationPct,
		p.AllocatedAmount, p.ParticipationPct, p.UnrealizedPL, p.RealizedPL,
		string(p.Status), p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable position fields and upserts the partial-sale
// log in one transaction.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin update position %s: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		UPDATE positions SET
			current_price     = $2,
			shares            = $3,
			allocated_amount  = $4,
			participation_pct = $5,
			unrealized_pl     = $6,
			realized_pl       = $7,
			status            = $8,
			closed_at         = $9,
			updated_at        = NOW()
		WHERE id = $1`

	tag, err := tx.Exec(ctx, query,
		p.ID, p.CurrentPrice, p.Shares,
		p.AllocatedAmount, p.ParticipationPct,
		p.UnrealizedPL, p.RealizedPL,
		string(p.Status), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	const saleQuery = `
		INSERT INTO partial_sales (
			id, position_id, pct_of_original, shares_to_sell, sell_price,
			liquidity_released, realized_profit, state, seq, created_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (id) DO UPDATE SET
			state       = EXCLUDED.state,
			resolved_at = EXCLUDED.resolved_at`

	for _, sale := range p.PartialSales {
		if _, err := tx.Exec(ctx, saleQuery,
			sale.ID, p.ID, sale.PctOfOriginal, sale.SharesToSell, sale.SellPrice,
			sale.LiquidityReleased, sale.RealizedProfit,
			string(sale.State), sale.Seq, sale.CreatedAt, sale.ResolvedAt,
		); err != nil {
			return fmt.Errorf("postgres: upsert sale %s: %w", sale.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit update position %s: %w", p.ID, err)
	}
	return nil
}

// loadSales attaches the partial-sale log to each position, in seq order.
func (s *PositionStore) loadSales(ctx context.Context, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}

	ids := make([]string, len(positions))
	byID := make(map[string]*domain.Position, len(positions))
	for i := range positions {
		ids[i] = positions[i].ID
		byID[positions[i].ID] = &positions[i]
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, position_id, pct_of_original, shares_to_sell, sell_price,
		       liquidity_released, realized_profit, state, seq, created_at, resolved_at
		FROM partial_sales
		WHERE position_id = ANY($1)
		ORDER BY position_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("postgres: load sales: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sale domain.PartialSale
		var state string
		if err := rows.Scan(
			&sale.ID, &sale.PositionID, &sale.PctOfOriginal, &sale.SharesToSell, &sale.SellPrice,
			&sale.LiquidityReleased, &sale.RealizedProfit, &state, &sale.Seq,
			&sale.CreatedAt, &sale.ResolvedAt,
		); err != nil {
			return fmt.Errorf("postgres: scan sale: %w", err)
		}
		sale.State = domain.SaleState(state)
		if p, ok := byID[sale.PositionID]; ok {
			p.PartialSales = append(p.PartialSales, sale)
		}
	}
	return rows.Err()
}

// GetByID retrieves a single position with its partial-sale log.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}

	positions := []domain.Position{p}
	if err := s.loadSales(ctx, positions); err != nil {
		return domain.Position{}, err
	}
	return positions[0], nil
}

// GetActiveBySymbol returns the single active position for a symbol in a
// pool, or ErrNotFound. The partial unique index on (pool_id, symbol)
// guarantees at most one row matches.
func (s *PositionStore) GetActiveBySymbol(ctx context.Context, poolID, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE pool_id = $1 AND symbol = $2 AND status = 'active'`,
		poolID, symbol)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get active position %s/%s: %w", poolID, symbol, err)
	}

	positions := []domain.Position{p}
	if err := s.loadSales(ctx, positions); err != nil {
		return domain.Position{}, err
	}
	return positions[0], nil
}

// ListActive returns all active positions of a pool with their sale logs.
func (s *PositionStore) ListActive(ctx context.Context, poolID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE pool_id = $1 AND status = 'active'
		 ORDER BY opened_at`, poolID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := collectPositions(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadSales(ctx, positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// ListByPool returns positions of a pool regardless of status, with
// pagination and optional time filtering on opened_at.
func (s *PositionStore) ListByPool(ctx context.Context, poolID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE pool_id = $1`
	args := []any{poolID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := collectPositions(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadSales(ctx, positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
