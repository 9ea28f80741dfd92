package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradewatch/poolengine/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL. The
// transactions table mirrors the upstream buy/sell journal; the engine only
// reads it, InsertBatch serves the importer.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a new TransactionStore backed by the given
// connection pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

const txSelectCols = `id, pool_id, symbol, side, quantity, price, amount,
	position_ref, executed_at`

// InsertBatch inserts journal entries, skipping IDs already present so the
// importer can re-run over an overlapping window.
func (s *TransactionStore) InsertBatch(ctx context.Context, txs []domain.LedgerTransaction) error {
	if len(txs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO transactions (
			id, pool_id, symbol, side, quantity, price, amount,
			position_ref, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	for _, t := range txs {
		batch.Queue(query,
			t.ID, t.PoolID, t.Symbol, string(t.Side),
			t.Quantity, t.Price, t.Amount,
			t.PositionRef, t.ExecutedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range txs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert transactions: %w", err)
		}
	}
	return nil
}

func collectTransactions(rows pgx.Rows) ([]domain.LedgerTransaction, error) {
	var txs []domain.LedgerTransaction
	for rows.Next() {
		var t domain.LedgerTransaction
		var side string
		if err := rows.Scan(
			&t.ID, &t.PoolID, &t.Symbol, &side,
			&t.Quantity, &t.Price, &t.Amount,
			&t.PositionRef, &t.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		t.Side = domain.TransactionSide(side)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: transaction rows: %w", err)
	}
	return txs, nil
}

// ListByPool returns journal entries for a pool with pagination and optional
// time filtering on executed_at.
func (s *TransactionStore) ListByPool(ctx context.Context, poolID string, opts domain.ListOpts) ([]domain.LedgerTransaction, error) {
	query := `SELECT ` + txSelectCols + ` FROM transactions WHERE pool_id = $1`
	args := []any{poolID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY executed_at"

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
		return nil, fmt.Errorf("postgres: list transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// ListBySymbol returns the full journal for one symbol of a pool in
// execution order.
func (s *TransactionStore) ListBySymbol(ctx context.Context, poolID, symbol string) ([]domain.LedgerTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txSelectCols+` FROM transactions
		 WHERE pool_id = $1 AND symbol = $2
		 ORDER BY executed_at`, poolID, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions %s/%s: %w", poolID, symbol, err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// Compile-time interface check.
var _ domain.TransactionStore = (*TransactionStore)(nil)
