package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradewatch/poolengine/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a new PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

const poolSelectCols = `id, strategy, currency, initial_liquidity,
	distributed_liquidity, available_liquidity, realized_pl, unrealized_pl,
	version, created_at, updated_at`

func scanPool(row pgx.Row) (domain.Pool, error) {
	var p domain.Pool
	err := row.Scan(
		&p.ID, &p.Strategy, &p.Currency, &p.InitialLiquidity,
		&p.DistributedLiquidity, &p.AvailableLiquidity,
		&p.RealizedPL, &p.UnrealizedPL,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// Create inserts a new pool.
func (s *PoolStore) Create(ctx context.Context, p domain.Pool) error {
	const query = `
		INSERT INTO pools (
			id, strategy, currency, initial_liquidity,
			distributed_liquidity, available_liquidity, realized_pl, unrealized_pl,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, NOW(), NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Strategy, p.Currency, p.InitialLiquidity,
		p.DistributedLiquidity, p.AvailableLiquidity, p.RealizedPL, p.UnrealizedPL,
		p.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: create pool %s: %w", p.ID, err)
	}
	return nil
}

// Update persists all mutable pool counters. The WHERE clause carries an
// optimistic version check: if another writer committed since this pool was
// read, no row matches and ErrStaleVersion is returned. The version is
// incremented on success; the caller's copy is advanced to match.
func (s *PoolStore) Update(ctx context.Context, p domain.Pool) error {
	const query = `
		UPDATE pools SET
			distributed_liquidity = $3,
			available_liquidity   = $4,
			realized_pl           = $5,
			unrealized_pl         = $6,
			version               = version + 1,
			updated_at            = NOW()
		WHERE id = $1 AND version = $2`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Version,
		p.DistributedLiquidity, p.AvailableLiquidity,
		p.RealizedPL, p.UnrealizedPL,
	)
	if err != nil {
		return fmt.Errorf("postgres: update pool %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a stale version from a missing pool.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM pools WHERE id = $1)", p.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check pool %s: %w", p.ID, err)
		}
		if exists {
			return fmt.Errorf("pool %s version %d: %w", p.ID, p.Version, domain.ErrStaleVersion)
		}
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single pool by its ID.
func (s *PoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+poolSelectCols+` FROM pools WHERE id = $1`, id)

	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrNotFound
		}
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", id, err)
	}
	return p, nil
}

// List returns all pools ordered by creation time.
func (s *PoolStore) List(ctx context.Context) ([]domain.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+poolSelectCols+` FROM pools ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pools rows: %w", err)
	}
	return pools, nil
}

// Compile-time interface check.
var _ domain.PoolStore = (*PoolStore)(nil)
