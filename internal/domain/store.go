package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PoolStore persists pools.
type PoolStore interface {
	Create(ctx context.Context, pool Pool) error
	// Update persists all mutable counters. It must fail with
	// ErrStaleVersion when the stored version no longer matches
	// pool.Version, and increments the version on success.
	Update(ctx context.Context, pool Pool) error
	GetByID(ctx context.Context, id string) (Pool, error)
	List(ctx context.Context) ([]Pool, error)
}

// PositionStore persists positions together with their partial-sale log.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	// Update replaces the position's mutable fields and upserts its
	// partial sales.
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// GetActiveBySymbol returns the single active position for a symbol in
	// a pool, or ErrNotFound.
	GetActiveBySymbol(ctx context.Context, poolID, symbol string) (Position, error)
	ListActive(ctx context.Context, poolID string) ([]Position, error)
	ListByPool(ctx context.Context, poolID string, opts ListOpts) ([]Position, error)
}

// TransactionStore reads the external buy/sell journal. The engine treats it
// as read-only input to reconciliation; InsertBatch exists for the importer
// that mirrors the upstream journal into our database.
type TransactionStore interface {
	InsertBatch(ctx context.Context, txs []LedgerTransaction) error
	ListByPool(ctx context.Context, poolID string, opts ListOpts) ([]LedgerTransaction, error)
	ListBySymbol(ctx context.Context, poolID, symbol string) ([]LedgerTransaction, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log. Every corrective mutation
// made by reconciliation lands here with amount, reason and before/after.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
