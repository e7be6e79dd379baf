// Package curve builds discount-factor curves from sparse (term, rate) anchors.
//
// Terms are whole days, rates are basis points and discount factors are kept
// BP-scaled, so a factor of 1.0 is stored as 10000.
package curve

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/ratemarket/internal/daycount"
)

var ErrInvalidAnchors = errors.New("invalid curve anchors")

var (
	bpSquared = decimal.NewFromInt(daycount.BP * daycount.BP)
	shortDays = decimal.NewFromInt(daycount.ShortBasisDays)
)

// Bootstrap densifies sparse anchors onto the yearly grid. Every multiple of
// the year length lying strictly between two consecutive anchors gets a
// linearly interpolated rate. Nothing is extrapolated past the first or last
// anchor.
func Bootstrap(rates, terms []int64) ([]int64, []int64, error) {
	if err := validate(rates, terms); err != nil {
		return nil, nil, err
	}
	denseRates := []int64{rates[0]}
	denseTerms := []int64{terms[0]}
	for i := 1; i < len(terms); i++ {
		t0, t1 := terms[i-1], terms[i]
		r0, r1 := rates[i-1], rates[i]
		for t := (t0/daycount.YearDays + 1) * daycount.YearDays; t < t1; t += daycount.YearDays {
			denseRates = append(denseRates, r0+(r1-r0)*(t-t0)/(t1-t0))
			denseTerms = append(denseTerms, t)
		}
		denseRates = append(denseRates, r1)
		denseTerms = append(denseTerms, t1)
	}
	return denseRates, denseTerms, nil
}

func validate(rates, terms []int64) error {
	if len(rates) == 0 || len(rates) != len(terms) {
		return fmt.Errorf("%w: %d rates for %d terms", ErrInvalidAnchors, len(rates), len(terms))
	}
	for i := range terms {
		if terms[i] <= 0 {
			return fmt.Errorf("%w: term %d is not positive", ErrInvalidAnchors, terms[i])
		}
		if rates[i] < 0 {
			return fmt.Errorf("%w: rate %d is negative", ErrInvalidAnchors, rates[i])
		}
		if i > 0 && terms[i] <= terms[i-1] {
			return fmt.Errorf("%w: terms not strictly increasing at %d", ErrInvalidAnchors, terms[i])
		}
	}
	return nil
}

// CalculateDFs derives BP-scaled discount factors from dense par rates.
// Sub-year terms discount simply on a 360-day basis, the one-year term
// discounts at its rate and longer terms strip the coupon implied by the
// previous factor.
func CalculateDFs(rates, terms []int64) ([]decimal.Decimal, error) {
	if len(rates) != len(terms) {
		return nil, fmt.Errorf("%w: %d rates for %d terms", ErrInvalidAnchors, len(rates), len(terms))
	}
	dfs := make([]decimal.Decimal, len(terms))
	prev := daycount.BPDecimal()
	for i, term := range terms {
		rate := decimal.NewFromInt(rates[i])
		switch {
		case term < daycount.YearDays:
			accrual := daycount.Div(rate.Mul(decimal.NewFromInt(term)), shortDays)
			dfs[i] = daycount.Div(bpSquared, daycount.BPDecimal().Add(accrual))
		case term == daycount.YearDays:
			dfs[i] = daycount.Div(bpSquared, daycount.BPDecimal().Add(rate))
		default:
			dfs[i] = daycount.Div(bpSquared.Sub(rate.Mul(prev)), daycount.BPDecimal().Add(rate))
		}
		prev = dfs[i]
	}
	return dfs, nil
}

// InterpolateDF returns the discount factor for days from now. Exact hits
// return the stored value, terms before the first anchor interpolate from a
// factor of 1 at day zero and terms past the last anchor hold it flat.
func InterpolateDF(dfs []decimal.Decimal, terms []int64, days int64) decimal.Decimal {
	if len(dfs) == 0 || len(dfs) != len(terms) || days <= 0 {
		return daycount.BPDecimal()
	}
	last := len(terms) - 1
	if days >= terms[last] {
		return dfs[last]
	}
	t0, df0 := int64(0), daycount.BPDecimal()
	for i, t1 := range terms {
		if days == t1 {
			return dfs[i]
		}
		if days < t1 {
			return lerp(df0, dfs[i], days-t0, t1-t0)
		}
		t0, df0 = t1, dfs[i]
	}
	return dfs[last]
}

func lerp(a, b decimal.Decimal, elapsed, span int64) decimal.Decimal {
	step := daycount.Div(b.Sub(a).Mul(decimal.NewFromInt(elapsed)), decimal.NewFromInt(span))
	return a.Add(step)
}

// Curve is an immutable snapshot of a built curve.
type Curve struct {
	AnchorRates []int64           `json:"anchor_rates"`
	AnchorTerms []int64           `json:"anchor_terms"`
	Rates       []int64           `json:"rates"`
	Terms       []int64           `json:"terms"`
	DFs         []decimal.Decimal `json:"discount_factors"`
}

// Build bootstraps anchors and computes their discount factors.
func Build(rates, terms []int64) (*Curve, error) {
	denseRates, denseTerms, err := Bootstrap(rates, terms)
	if err != nil {
		return nil, err
	}
	dfs, err := CalculateDFs(denseRates, denseTerms)
	if err != nil {
		return nil, err
	}
	return &Curve{
		AnchorRates: append([]int64(nil), rates...),
		AnchorTerms: append([]int64(nil), terms...),
		Rates:       denseRates,
		Terms:       denseTerms,
		DFs:         dfs,
	}, nil
}

// DiscountFactor returns the BP-scaled discount factor for a term in days.
func (c *Curve) DiscountFactor(days int64) decimal.Decimal {
	if c == nil {
		return daycount.BPDecimal()
	}
	return InterpolateDF(c.DFs, c.Terms, days)
}

// Unit returns the discount factor for days as a plain multiplier.
func (c *Curve) Unit(days int64) decimal.Decimal {
	return daycount.Div(c.DiscountFactor(days), daycount.BPDecimal())
}
