package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/policy"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type memStores struct {
	mu        sync.Mutex
	pool      domain.Pool
	positions map[string]domain.Position
	txs       []domain.LedgerTransaction
	auditLog  []domain.AuditEntry
	events    [][]byte
}

func newMemStores(p domain.Pool) *memStores {
	return &memStores{pool: p, positions: make(map[string]domain.Position)}
}

func (m *memStores) Create(ctx context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = pos
	return nil
}

func (m *memStores) Update(ctx context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	m.positions[pos.ID] = pos
	return nil
}

func (m *memStores) GetByID(ctx context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memStores) GetActiveBySymbol(ctx context.Context, poolID, symbol string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.positions {
		if pos.PoolID == poolID && pos.Symbol == symbol && pos.IsActive() {
			return pos, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (m *memStores) ListActive(ctx context.Context, poolID string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.positions {
		if pos.PoolID == poolID && pos.IsActive() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *memStores) ListByPool(ctx context.Context, poolID string, opts domain.ListOpts) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.positions {
		if pos.PoolID == poolID {
			out = append(out, pos)
		}
	}
	return out, nil
}

type memPoolStore struct{ m *memStores }

func (s memPoolStore) Create(ctx context.Context, p domain.Pool) error { return nil }
func (s memPoolStore) Update(ctx context.Context, p domain.Pool) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p.Version++
	s.m.pool = p
	return nil
}
func (s memPoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.pool, nil
}
func (s memPoolStore) List(ctx context.Context) ([]domain.Pool, error) {
	return []domain.Pool{s.m.pool}, nil
}

type memJournal struct{ m *memStores }

func (j memJournal) InsertBatch(ctx context.Context, txs []domain.LedgerTransaction) error {
	j.m.txs = append(j.m.txs, txs...)
	return nil
}
func (j memJournal) ListByPool(ctx context.Context, poolID string, opts domain.ListOpts) ([]domain.LedgerTransaction, error) {
	var out []domain.LedgerTransaction
	for _, tx := range j.m.txs {
		if tx.PoolID == poolID {
			out = append(out, tx)
		}
	}
	return out, nil
}
func (j memJournal) ListBySymbol(ctx context.Context, poolID, symbol string) ([]domain.LedgerTransaction, error) {
	var out []domain.LedgerTransaction
	for _, tx := range j.m.txs {
		if tx.PoolID == poolID && tx.Symbol == symbol {
			out = append(out, tx)
		}
	}
	return out, nil
}

type memAudit struct{ m *memStores }

func (a memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.m.auditLog = append(a.m.auditLog, domain.AuditEntry{Event: event, Detail: detail, CreatedAt: time.Now()})
	return nil
}
func (a memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return a.m.auditLog, nil
}
func (a memAudit) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	return a.m.auditLog, nil
}

type memLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held[key] = false
	}, nil
}

type memBus struct{ m *memStores }

func (b memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.m.events = append(b.m.events, payload)
	return nil
}
func (b memBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}
func (b memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error { return nil }
func (b memBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------

func newTestService(m *memStores, locks domain.LockManager) *Service {
	logger := slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(
		memPoolStore{m}, m, memJournal{m}, memAudit{m},
		locks, memBus{m}, policy.Default(),
		5*time.Second, 200*time.Millisecond, logger,
	)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func healthyPool() domain.Pool {
	return domain.Pool{
		ID:                 "pool-1",
		Strategy:           "TraderCall",
		Currency:           "USD",
		InitialLiquidity:   dec("10000"),
		AvailableLiquidity: dec("10000"),
	}
}

// Backfill scenario: a journal buy of 1 share at $100 with no
// corresponding position must produce a position with shares=1, entry=100,
// allocated=100, participation = 100/initial*100 = 1%.
func TestBackfillFromLedger(t *testing.T) {
	m := newMemStores(healthyPool())
	m.txs = []domain.LedgerTransaction{{
		ID: "tx-1", PoolID: "pool-1", Symbol: "ACME",
		Side: domain.TransactionBuy, Quantity: dec("1"), Price: dec("100"),
		Amount: dec("100"), ExecutedAt: time.Now().Add(-time.Hour),
	}}
	svc := newTestService(m, &memLock{})

	report, err := svc.Run(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.Equal(t, StateConsistent, report.State)
	assert.Equal(t, 1, report.Untracked)

	positions, err := m.ListActive(context.Background(), "pool-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)

	pos := positions[0]
	assert.True(t, pos.Shares.Equal(dec("1")))
	assert.True(t, pos.EntryPrice.Equal(dec("100")))
	assert.True(t, pos.AllocatedAmount.Equal(dec("100")))
	assert.True(t, pos.ParticipationPct.Equal(dec("1")), "100/10000*100, got %s", pos.ParticipationPct)

	// Counters rebuilt to cover the reconstructed distribution.
	assert.True(t, m.pool.DistributedLiquidity.Equal(dec("100")))
	assert.True(t, m.pool.AvailableLiquidity.Equal(dec("9900")))
	require.NoError(t, m.pool.CheckBalance())
}

func TestPurgeOrphanReturnsLiquidity(t *testing.T) {
	m := newMemStores(domain.Pool{
		ID: "pool-1", InitialLiquidity: dec("10000"),
		AvailableLiquidity: dec("9600"), DistributedLiquidity: dec("400"),
	})
	// Active position, zero journal backing.
	m.positions["pos-1"] = domain.Position{
		ID: "pos-1", PoolID: "pool-1", Symbol: "GHOST",
		EntryPrice: dec("40"), CurrentPrice: dec("40"),
		Shares: dec("10"), OriginalShares: dec("10"),
		OriginalAllocatedAmount: dec("400"), AllocatedAmount: dec("400"),
		OriginalParticipationPct: dec("4"), ParticipationPct: dec("4"),
		Status: domain.PositionStatusActive,
	}
	svc := newTestService(m, &memLock{})

	report, err := svc.Run(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphans)

	pos, err := m.GetByID(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusDiscarded, pos.Status)

	// Freed liquidity is back in available.
	assert.True(t, m.pool.AvailableLiquidity.Equal(dec("10000")))
	assert.True(t, m.pool.DistributedLiquidity.IsZero())
	require.NoError(t, m.pool.CheckBalance())
}

func TestEnforcePolicyCorrectsAndAudits(t *testing.T) {
	m := newMemStores(domain.Pool{
		ID: "pool-1", InitialLiquidity: dec("10000"),
		AvailableLiquidity: dec("9300"), DistributedLiquidity: dec("700"),
	})
	m.positions["pos-1"] = domain.Position{
		ID: "pos-1", PoolID: "pool-1", Symbol: "ACME",
		EntryPrice: dec("70"), CurrentPrice: dec("60"),
		Shares: dec("10"), OriginalShares: dec("10"),
		OriginalAllocatedAmount: dec("700"), AllocatedAmount: dec("700"),
		OriginalParticipationPct: dec("7"), ParticipationPct: dec("7"),
		UnrealizedPL: dec("-100"),
		Status:       domain.PositionStatusActive,
	}
	m.txs = []domain.LedgerTransaction{{
		ID: "tx-1", PoolID: "pool-1", Symbol: "ACME",
		Side: domain.TransactionBuy, Quantity: dec("10"), Price: dec("70"),
		Amount: dec("700"), ExecutedAt: time.Now().Add(-time.Hour),
	}}
	svc := newTestService(m, &memLock{})

	_, err := svc.Run(context.Background(), "pool-1")
	require.NoError(t, err)

	pos, err := m.GetByID(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.True(t, pos.ParticipationPct.Equal(dec("4.9")), "got %s", pos.ParticipationPct)

	var remediated bool
	for _, entry := range m.auditLog {
		if entry.Event == "reconcile.policy_remediation" {
			remediated = true
			assert.Equal(t, "pool-1", entry.Detail["pool_id"])
			assert.NotNil(t, entry.Detail["before"])
			assert.NotNil(t, entry.Detail["after"])
		}
	}
	assert.True(t, remediated, "remediation must be audited")
}

func TestRunIsIdempotent(t *testing.T) {
	m := newMemStores(healthyPool())
	m.txs = []domain.LedgerTransaction{{
		ID: "tx-1", PoolID: "pool-1", Symbol: "ACME",
		Side: domain.TransactionBuy, Quantity: dec("2"), Price: dec("50"),
		Amount: dec("100"), ExecutedAt: time.Now().Add(-time.Hour),
	}}
	svc := newTestService(m, &memLock{})

	first, err := svc.Run(context.Background(), "pool-1")
	require.NoError(t, err)
	require.NotEmpty(t, first.Corrections)

	second, err := svc.Run(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.Empty(t, second.Corrections, "second pass over a repaired pool must be a no-op")
	require.NoError(t, m.pool.CheckBalance())
}

func TestRunPoolBusy(t *testing.T) {
	m := newMemStores(healthyPool())
	locks := &memLock{}
	_, err := locks.Acquire(context.Background(), "pool:pool-1", time.Minute)
	require.NoError(t, err)

	svc := newTestService(m, locks)
	_, err = svc.Run(context.Background(), "pool-1")
	assert.ErrorIs(t, err, domain.ErrPoolBusy)
}

func TestScanDetectsShareMismatch(t *testing.T) {
	m := newMemStores(healthyPool())
	m.positions["pos-1"] = domain.Position{
		ID: "pos-1", PoolID: "pool-1", Symbol: "ACME",
		EntryPrice: dec("50"), Shares: dec("9"), OriginalShares: dec("9"),
		AllocatedAmount: dec("450"), OriginalAllocatedAmount: dec("450"),
		OriginalParticipationPct: dec("4.5"), ParticipationPct: dec("4.5"),
		Status: domain.PositionStatusActive,
	}
	// Journal only ever bought 2 shares.
	m.txs = []domain.LedgerTransaction{{
		ID: "tx-1", PoolID: "pool-1", Symbol: "ACME",
		Side: domain.TransactionBuy, Quantity: dec("2"), Price: dec("50"),
		Amount: dec("100"), ExecutedAt: time.Now().Add(-time.Hour),
	}}
	svc := newTestService(m, &memLock{})

	orphans, untracked, err := svc.ScanForOrphans(context.Background(), "pool-1")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Contains(t, orphans[0].Reason, "not derivable")
	assert.Empty(t, untracked)
}

func TestScanDetectsEntryPriceMismatch(t *testing.T) {
	m := newMemStores(healthyPool())
	// Share counts line up, but the recorded entry price cannot be derived
	// from the journal's buy VWAP.
	m.positions["pos-1"] = domain.Position{
		ID: "pos-1", PoolID: "pool-1", Symbol: "ACME",
		EntryPrice: dec("55"), Shares: dec("2"), OriginalShares: dec("2"),
		AllocatedAmount: dec("110"), OriginalAllocatedAmount: dec("110"),
		OriginalParticipationPct: dec("1.1"), ParticipationPct: dec("1.1"),
		Status: domain.PositionStatusActive,
	}
	m.txs = []domain.LedgerTransaction{{
		ID: "tx-1", PoolID: "pool-1", Symbol: "ACME",
		Side: domain.TransactionBuy, Quantity: dec("2"), Price: dec("50"),
		Amount: dec("100"), ExecutedAt: time.Now().Add(-time.Hour),
	}}
	svc := newTestService(m, &memLock{})

	orphans, _, err := svc.ScanForOrphans(context.Background(), "pool-1")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Contains(t, orphans[0].Reason, "buy VWAP")
}

func TestScanIgnoresFullySoldFlow(t *testing.T) {
	m := newMemStores(healthyPool())
	m.txs = []domain.LedgerTransaction{
		{ID: "tx-1", PoolID: "pool-1", Symbol: "DONE", Side: domain.TransactionBuy,
			Quantity: dec("5"), Price: dec("20"), Amount: dec("100"), ExecutedAt: time.Now().Add(-2 * time.Hour)},
		{ID: "tx-2", PoolID: "pool-1", Symbol: "DONE", Side: domain.TransactionSell,
			Quantity: dec("5"), Price: dec("25"), Amount: dec("125"), ExecutedAt: time.Now().Add(-time.Hour)},
	}
	svc := newTestService(m, &memLock{})

	orphans, untracked, err := svc.ScanForOrphans(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.Empty(t, orphans)
	assert.Empty(t, untracked, "fully sold journal flow needs no position")
}
