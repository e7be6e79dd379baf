// Package daycount holds the rate and time conventions shared by the curve,
// the markets and the genesis value ledger.
package daycount

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// BP is 100% expressed in basis points.
	BP = 10000
	// YearDays is the year length used for accrual and compounding.
	YearDays = 365
	// ShortBasisDays is the denominator used to discount sub-year terms.
	ShortBasisDays = 360
	// Precision is the number of decimal places kept by Div.
	Precision = 18

	secondsPerDay = 24 * 60 * 60
)

var (
	bpDec       = decimal.NewFromInt(BP)
	yearSeconds = decimal.NewFromInt(YearDays * secondsPerDay)
)

// BPDecimal returns BP as a decimal.
func BPDecimal() decimal.Decimal {
	return bpDec
}

// Div divides a by b rounding half away from zero at Precision places.
func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, Precision)
}

// Days returns the whole days between start and end, truncated toward zero.
func Days(start, end time.Time) int64 {
	return int64(end.Sub(start) / (24 * time.Hour))
}

// YearFraction returns the ACT/365F year fraction between start and end.
func YearFraction(start, end time.Time) decimal.Decimal {
	secs := decimal.NewFromInt(int64(end.Sub(start) / time.Second))
	return Div(secs, yearSeconds)
}

// Growth returns 1 + rate*yearFraction(start, end) for a rate in basis points.
func Growth(rate int64, start, end time.Time) decimal.Decimal {
	if !end.After(start) {
		return decimal.NewFromInt(1)
	}
	accrual := decimal.NewFromInt(rate).Mul(YearFraction(start, end))
	return decimal.NewFromInt(1).Add(Div(accrual, bpDec))
}

// TenorGrowth returns 1 + rate*tenorDays/YearDays for a rate in basis points.
func TenorGrowth(rate, tenorDays int64) decimal.Decimal {
	num := decimal.NewFromInt(rate).Mul(decimal.NewFromInt(tenorDays))
	return decimal.NewFromInt(1).Add(Div(num, decimal.NewFromInt(BP*YearDays)))
}

// AddMonths behaves like a spreadsheet EDATE: the day of month is clamped to
// the last day of the target month instead of overflowing into the next one.
func AddMonths(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	target := first.AddDate(0, months, 0)
	lastDay := target.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// Date truncates t to midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
