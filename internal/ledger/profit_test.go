package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The worked example: entry 40, 10 shares, 100% weight.
// Sale A: 25% of original at 50 -> 25 * 25 / 100 = 6.25.
// Sale B: 75% of original at 60 with A executed -> (25*25 + 75*50)/100 = 43.75.
func TestAccumulatedProfitPercentage(t *testing.T) {
	pos := openTestPosition(t)

	accA := AccumulatedProfitPercentage(pos, dec("25"), dec("50"))
	assert.True(t, accA.Equal(dec("6.25")), "got %s", accA)

	pos, saleA, err := ExecutePartialSale(pos, dec("25"), dec("50"), now)
	require.NoError(t, err)
	pos, err = ConfirmPartialSale(pos, saleA.ID, now)
	require.NoError(t, err)

	accB := AccumulatedProfitPercentage(pos, dec("75"), dec("60"))
	assert.True(t, accB.Equal(dec("43.75")), "got %s", accB)
}

// The same number must come out whether the candidate sale has been
// persisted onto the position or not.
func TestAccumulatedProfitIdempotentAcrossPersistence(t *testing.T) {
	pos := openTestPosition(t)

	pos, saleA, err := ExecutePartialSale(pos, dec("25"), dec("50"), now)
	require.NoError(t, err)
	pos, err = ConfirmPartialSale(pos, saleA.ID, now)
	require.NoError(t, err)

	pre := AccumulatedProfitPercentage(pos, dec("75"), dec("60"))

	pos, _, err = ExecutePartialSale(pos, dec("75"), dec("60"), now)
	require.NoError(t, err)

	post := AccumulatedProfitPercentage(pos, dec("75"), dec("60"))
	assert.True(t, pre.Equal(post), "pre %s != post %s", pre, post)
}

func TestAccumulatedProfitIgnoresDiscardedSales(t *testing.T) {
	pos := openTestPosition(t)

	pos, sale, err := ExecutePartialSale(pos, dec("50"), dec("80"), now)
	require.NoError(t, err)
	pos, err = DiscardPartialSale(pos, sale.ID, now)
	require.NoError(t, err)

	acc := AccumulatedProfitPercentage(pos, dec("25"), dec("50"))
	assert.True(t, acc.Equal(dec("6.25")), "discarded sale must not contribute, got %s", acc)
}

func TestAccumulatedProfitNegativeReturn(t *testing.T) {
	pos := openTestPosition(t)

	// 50% of original sold at 30: 50 * -25 / 100 = -12.5.
	acc := AccumulatedProfitPercentage(pos, dec("50"), dec("30"))
	assert.True(t, acc.Equal(dec("-12.5")), "got %s", acc)
}

func TestFinalReturnPercentage(t *testing.T) {
	pos := openTestPosition(t)

	pos, _, err := ExecutePartialSale(pos, dec("25"), dec("50"), now)
	require.NoError(t, err)
	pos, _, err = ExecutePartialSale(pos, dec("75"), dec("60"), now)
	require.NoError(t, err)
	require.False(t, pos.IsActive())

	final := FinalReturnPercentage(pos)
	assert.True(t, final.Equal(dec("43.75")), "got %s", final)
}
