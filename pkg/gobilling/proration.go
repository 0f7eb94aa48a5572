package gobilling

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// ComputeProration returns the signed monetary delta of moving a contract from oldTier
// to newTier at instant now, priced for the given billing period.
//
// A positive delta means the customer owes money (upgrade), a negative delta means the
// customer is owed a credit (downgrade) and zero means no invoice is needed.
// Once the contract has ended the full price difference applies.
func ComputeProration(contract *Contract, oldTier, newTier TierConfig, period BillingPeriod, now time.Time) (decimal.Decimal, error) {
	oldPrice := oldTier.Price(period)
	newPrice := newTier.Price(period)

	if !now.Before(contract.EndDate) {
		return newPrice.Sub(oldPrice), nil
	}

	totalDays := ceilDays(contract.EndDate.Sub(contract.StartDate))
	if totalDays <= 0 {
		return decimal.Zero, ErrInvalidContractPeriod
	}

	remainingDays := ceilDays(contract.EndDate.Sub(now))
	// now before StartDate: never charge more than a full period
	if remainingDays > totalDays {
		remainingDays = totalDays
	}

	remaining := decimal.NewFromInt(remainingDays)
	total := decimal.NewFromInt(totalDays)

	proratedOld := oldPrice.Mul(remaining).Div(total)
	proratedNew := newPrice.Mul(remaining).Div(total)

	return proratedNew.Sub(proratedOld), nil
}

// CreditDelta returns the signed credit ledger adjustment for a tier change.
// It ignores the billing period: credits are always granted per month.
func CreditDelta(oldTier, newTier TierConfig) int64 {
	return newTier.MonthlyCredits - oldTier.MonthlyCredits
}

// AmountToCents converts a dollar amount to integer cents, rounding half away from zero
func AmountToCents(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

// RoundAmount rounds an amount to cents
func RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

func ceilDays(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(d) / float64(day)))
}
