package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/fixed"
)

var now = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testPool() domain.Pool {
	return domain.Pool{
		ID:                 "pool-1",
		Strategy:           "TraderCall",
		Currency:           "USD",
		InitialLiquidity:   dec("10000"),
		AvailableLiquidity: dec("10000"),
	}
}

// openTestPosition opens the position used by the worked examples below:
// entry 40, 400 allocated -> 10 shares, 100% weight.
func openTestPosition(t *testing.T) domain.Position {
	t.Helper()
	pos, err := Open(testPool(), "idea-1", "ACME", dec("400"), dec("40"), dec("100"), now)
	require.NoError(t, err)
	return pos
}

func TestOpen(t *testing.T) {
	pos := openTestPosition(t)

	assert.True(t, pos.Shares.Equal(dec("10")), "shares = 400/40")
	assert.True(t, pos.OriginalShares.Equal(dec("10")))
	assert.True(t, pos.AllocatedAmount.Equal(dec("400")))
	assert.True(t, pos.OriginalAllocatedAmount.Equal(dec("400")))
	assert.True(t, pos.ParticipationPct.Equal(dec("100")))
	assert.True(t, pos.UnrealizedPL.IsZero())
	assert.True(t, pos.IsActive())
}

func TestOpenInsufficientLiquidity(t *testing.T) {
	pool := testPool()
	_, err := Open(pool, "idea-1", "ACME", dec("10001"), dec("40"), dec("50"), now)
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
}

func TestOpenInvalidWeight(t *testing.T) {
	for _, w := range []string{"0", "-5", "100.01"} {
		_, err := Open(testPool(), "idea-1", "ACME", dec("400"), dec("40"), dec(w), now)
		assert.ErrorIs(t, err, domain.ErrInvalidWeight, "weight %s", w)
	}
}

func TestReprice(t *testing.T) {
	pos := openTestPosition(t)

	pos = Reprice(pos, dec("50"))
	assert.True(t, pos.UnrealizedPL.Equal(dec("100")), "(50-40)*10")
	assert.True(t, pos.UnrealizedPLPct().Equal(dec("25")))

	pos = Reprice(pos, dec("30"))
	assert.True(t, pos.UnrealizedPL.Equal(dec("-100")))
}

func TestExecutePartialSale(t *testing.T) {
	pos := openTestPosition(t)

	pos, sale, err := ExecutePartialSale(pos, dec("25"), dec("50"), now)
	require.NoError(t, err)

	assert.True(t, sale.SharesToSell.Equal(dec("2.5")), "25%% of 10")
	assert.True(t, sale.LiquidityReleased.Equal(dec("125")))
	assert.True(t, sale.RealizedProfit.Equal(dec("25")), "2.5*(50-40)")
	assert.Equal(t, domain.SaleStatePending, sale.State)

	assert.True(t, pos.Shares.Equal(dec("7.5")))
	assert.True(t, pos.AllocatedAmount.Equal(dec("300")), "7.5*40")
	assert.True(t, pos.ParticipationPct.Equal(dec("75")))
	assert.True(t, pos.RealizedPL.Equal(dec("25")))
	require.NoError(t, CheckShareConservation(pos))
}

func TestExecutePartialSaleOverSell(t *testing.T) {
	pos := openTestPosition(t)

	pos, _, err := ExecutePartialSale(pos, dec("80"), dec("50"), now)
	require.NoError(t, err)

	// Only 20% of the original remains; another 25% is too much.
	_, _, err = ExecutePartialSale(pos, dec("25"), dec("50"), now)
	assert.ErrorIs(t, err, domain.ErrOverSell)
}

func TestExecuteDiscardRoundTrip(t *testing.T) {
	before := openTestPosition(t)
	before = Reprice(before, dec("48"))

	after, sale, err := ExecutePartialSale(before, dec("40"), dec("48"), now)
	require.NoError(t, err)
	require.False(t, after.Shares.Equal(before.Shares))

	restored, err := DiscardPartialSale(after, sale.ID, now)
	require.NoError(t, err)

	assert.True(t, restored.Shares.Equal(before.Shares))
	assert.True(t, restored.AllocatedAmount.Equal(before.AllocatedAmount))
	assert.True(t, restored.ParticipationPct.Equal(before.ParticipationPct))
	assert.True(t, restored.RealizedPL.Equal(before.RealizedPL))
	assert.True(t, restored.UnrealizedPL.Equal(before.UnrealizedPL))
	assert.True(t, restored.IsActive())

	// The discarded sale stays in the log but no longer counts.
	require.Len(t, restored.PartialSales, 1)
	assert.Equal(t, domain.SaleStateDiscarded, restored.PartialSales[0].State)
	require.NoError(t, CheckShareConservation(restored))
}

func TestDiscardConfirmedSale(t *testing.T) {
	pos := openTestPosition(t)

	pos, sale, err := ExecutePartialSale(pos, dec("25"), dec("50"), now)
	require.NoError(t, err)
	pos, err = ConfirmPartialSale(pos, sale.ID, now)
	require.NoError(t, err)

	_, err = DiscardPartialSale(pos, sale.ID, now)
	assert.ErrorIs(t, err, domain.ErrNotPending)

	// Double discard is also rejected.
	pos2 := openTestPosition(t)
	pos2, sale2, err := ExecutePartialSale(pos2, dec("25"), dec("50"), now)
	require.NoError(t, err)
	pos2, err = DiscardPartialSale(pos2, sale2.ID, now)
	require.NoError(t, err)
	_, err = DiscardPartialSale(pos2, sale2.ID, now)
	assert.ErrorIs(t, err, domain.ErrNotPending)
}

func TestSellingFinalSharesClosesPosition(t *testing.T) {
	pos := openTestPosition(t)

	pos, _, err := ExecutePartialSale(pos, dec("60"), dec("45"), now)
	require.NoError(t, err)
	pos, _, err = ExecutePartialSale(pos, dec("40"), dec("50"), now)
	require.NoError(t, err)

	assert.False(t, pos.IsActive())
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.True(t, pos.Shares.IsZero())
	assert.True(t, pos.AllocatedAmount.IsZero(), "no dangling cost basis")
	assert.True(t, pos.ParticipationPct.IsZero())
	require.NotNil(t, pos.ClosedAt)
}

func TestClose(t *testing.T) {
	pos := openTestPosition(t)

	pos, sale, err := ExecutePartialSale(pos, dec("25"), dec("50"), now)
	require.NoError(t, err)
	pos, err = ConfirmPartialSale(pos, sale.ID, now)
	require.NoError(t, err)

	pos, final, err := Close(pos, dec("60"), now)
	require.NoError(t, err)

	assert.Equal(t, domain.SaleStateExecuted, final.State)
	assert.True(t, final.SharesToSell.Equal(dec("7.5")))
	assert.True(t, final.RealizedProfit.Equal(dec("150")), "7.5*(60-40)")
	assert.False(t, pos.IsActive())
	// 25 from the first sale + 150 from the close.
	assert.True(t, pos.RealizedPL.Equal(dec("175")))

	_, _, err = Close(pos, dec("60"), now)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
}

func TestDiscardPosition(t *testing.T) {
	pos := openTestPosition(t)
	pos, err := Discard(pos, now)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusDiscarded, pos.Status)
	assert.False(t, pos.IsActive())
}

func TestShareConservationAcrossSales(t *testing.T) {
	pos := openTestPosition(t)

	pcts := []string{"10", "15", "30", "5"}
	for _, p := range pcts {
		var err error
		pos, _, err = ExecutePartialSale(pos, dec(p), dec("44"), now)
		require.NoError(t, err)
		require.NoError(t, CheckShareConservation(pos))
	}
	assert.True(t, fixed.Within(pos.Shares, dec("4"), fixed.SharesTolerance))
}
