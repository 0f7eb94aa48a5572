package gobilling

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTier(t *testing.T, tier Tier) TierConfig {
	t.Helper()
	cfg, err := DefaultCatalog().Get(tier)
	require.NoError(t, err)
	return cfg
}

func TestComputeProration_MidPeriodUpgrade(t *testing.T) {
	contract := &Contract{
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	now := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)

	delta, err := ComputeProration(contract, mustTier(t, TierFree), mustTier(t, TierPro), BillingPeriodMonthly, now)
	require.NoError(t, err)

	// 9 * 16 / 31
	expected := decimal.NewFromInt(144).Div(decimal.NewFromInt(31))
	assert.True(t, delta.Equal(expected), "got %s", delta)
	assert.Equal(t, "4.65", RoundAmount(delta).StringFixed(2))
	assert.Equal(t, int64(465), AmountToCents(delta))
}

func TestComputeProration_MidpointSymmetry(t *testing.T) {
	contract := &Contract{
		StartDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	midpoint := time.Date(2024, 4, 16, 0, 0, 0, 0, time.UTC)
	catalog := DefaultCatalog()

	for _, period := range []BillingPeriod{BillingPeriodMonthly, BillingPeriodYearly} {
		for _, a := range catalog.Tiers() {
			for _, b := range catalog.Tiers() {
				if a == b {
					continue
				}
				ab, err := ComputeProration(contract, mustTier(t, a), mustTier(t, b), period, midpoint)
				require.NoError(t, err)
				ba, err := ComputeProration(contract, mustTier(t, b), mustTier(t, a), period, midpoint)
				require.NoError(t, err)

				assert.True(t, ab.Equal(ba.Neg()), "%s->%s (%s): %s vs %s", a, b, period, ab, ba)
				assert.True(t, ab.Add(ba).IsZero())
			}
		}
	}
}

func TestComputeProration_FullPeriodDifference(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	contract := &Contract{StartDate: start, EndDate: PeriodEnd(start, BillingPeriodYearly)}
	pro, team := mustTier(t, TierPro), mustTier(t, TierTeam)

	tests := []struct {
		name   string
		period BillingPeriod
		now    time.Time
		want   decimal.Decimal
	}{
		{"at start monthly", BillingPeriodMonthly, start, decimal.NewFromInt(20)},
		{"at start yearly", BillingPeriodYearly, start, decimal.NewFromInt(200)},
		{"before start is clamped", BillingPeriodMonthly, start.Add(-72 * time.Hour), decimal.NewFromInt(20)},
		{"at end", BillingPeriodMonthly, contract.EndDate, decimal.NewFromInt(20)},
		{"after end", BillingPeriodYearly, contract.EndDate.Add(400 * 24 * time.Hour), decimal.NewFromInt(200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, err := ComputeProration(contract, pro, team, tt.period, tt.now)
			require.NoError(t, err)
			assert.True(t, delta.Equal(tt.want), "got %s want %s", delta, tt.want)
		})
	}
}

func TestComputeProration_Downgrade(t *testing.T) {
	contract := &Contract{
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	now := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)

	delta, err := ComputeProration(contract, mustTier(t, TierPro), mustTier(t, TierFree), BillingPeriodMonthly, now)
	require.NoError(t, err)
	assert.True(t, delta.IsNegative())
	assert.Equal(t, "-4.65", RoundAmount(delta).StringFixed(2))
}

func TestComputeProration_PartialDayRoundsUp(t *testing.T) {
	contract := &Contract{
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	// 15 days and 1 hour remain, counted as 16
	now := time.Date(2024, 1, 16, 23, 0, 0, 0, time.UTC)

	delta, err := ComputeProration(contract, mustTier(t, TierFree), mustTier(t, TierPro), BillingPeriodMonthly, now)
	require.NoError(t, err)
	assert.Equal(t, "4.65", RoundAmount(delta).StringFixed(2))
}

func TestComputeProration_ZeroLengthContract(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	contract := &Contract{StartDate: start, EndDate: start}

	// now < end with no period length
	_, err := ComputeProration(contract, mustTier(t, TierFree), mustTier(t, TierPro), BillingPeriodMonthly,
		start.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrInvalidContractPeriod)
	assert.True(t, IsInvalidInput(err))

	// now >= end never divides
	delta, err := ComputeProration(contract, mustTier(t, TierFree), mustTier(t, TierPro), BillingPeriodMonthly, start)
	require.NoError(t, err)
	assert.True(t, delta.Equal(decimal.NewFromInt(9)))
}

func TestCreditDelta(t *testing.T) {
	assert.Equal(t, int64(9000), CreditDelta(mustTier(t, TierFree), mustTier(t, TierPro)))
	assert.Equal(t, int64(-40000), CreditDelta(mustTier(t, TierTeam), mustTier(t, TierPro)))
	assert.Equal(t, int64(0), CreditDelta(mustTier(t, TierTeam), mustTier(t, TierTeam)))
}

func TestAmountToCents(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"4.645", 465},
		{"-4.645", -465},
		{"0.004", 0},
		{"99", 9900},
		{"12.344", 1234},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AmountToCents(decimal.RequireFromString(tt.in)), tt.in)
	}
}
