package curve

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/ratemarket/internal/daycount"
)

var (
	anchorRates = []int64{200, 300, 400, 500, 600, 700, 900}
	anchorTerms = []int64{30, 90, 180, 365, 730, 1095, 1825}
)

func TestBootstrap(t *testing.T) {
	rates, terms, err := Bootstrap(anchorRates, anchorTerms)
	require.NoError(t, err)

	assert.Equal(t, []int64{30, 90, 180, 365, 730, 1095, 1460, 1825}, terms)
	assert.Equal(t, []int64{200, 300, 400, 500, 600, 700, 800, 900}, rates)
	assert.Equal(t, int64(500), rates[3])
}

func TestBootstrapFillsSeveralYears(t *testing.T) {
	rates, terms, err := Bootstrap([]int64{100, 500}, []int64{365, 1825})
	require.NoError(t, err)
	assert.Equal(t, []int64{365, 730, 1095, 1460, 1825}, terms)
	assert.Equal(t, []int64{100, 200, 300, 400, 500}, rates)
}

func TestBootstrapRejectsBadAnchors(t *testing.T) {
	tests := []struct {
		name  string
		rates []int64
		terms []int64
	}{
		{name: "Empty"},
		{name: "LengthMismatch", rates: []int64{1, 2}, terms: []int64{30}},
		{name: "NotIncreasing", rates: []int64{1, 2}, terms: []int64{90, 90}},
		{name: "Decreasing", rates: []int64{1, 2}, terms: []int64{90, 30}},
		{name: "ZeroTerm", rates: []int64{1}, terms: []int64{0}},
		{name: "NegativeRate", rates: []int64{-1}, terms: []int64{30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Bootstrap(tt.rates, tt.terms)
			assert.ErrorIs(t, err, ErrInvalidAnchors)
		})
	}
}

func TestCalculateDFs(t *testing.T) {
	c, err := Build(anchorRates, anchorTerms)
	require.NoError(t, err)
	require.Len(t, c.DFs, len(c.Terms))

	bp := decimal.NewFromInt(daycount.BP)
	want365 := daycount.Div(bp.Mul(bp), decimal.NewFromInt(10500))
	assert.True(t, want365.Equal(c.DFs[3]), "DF(365) = %s, want %s", c.DFs[3], want365)

	// 30 days at 200bp on a 360-day basis
	want30 := daycount.Div(bp.Mul(bp), bp.Add(daycount.Div(decimal.NewFromInt(200*30), decimal.NewFromInt(360))))
	assert.True(t, want30.Equal(c.DFs[0]))

	// 730 days strips against DF(365)
	want730 := daycount.Div(bp.Mul(bp).Sub(decimal.NewFromInt(600).Mul(c.DFs[3])), decimal.NewFromInt(10600))
	assert.True(t, want730.Equal(c.DFs[4]))

	for i := 1; i < len(c.DFs); i++ {
		assert.True(t, c.DFs[i].LessThan(c.DFs[i-1]), "factors fall with term at %d", c.Terms[i])
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	a, err := Build(anchorRates, anchorTerms)
	require.NoError(t, err)
	b, err := Build(anchorRates, anchorTerms)
	require.NoError(t, err)

	assert.Equal(t, a.Rates, b.Rates)
	assert.Equal(t, a.Terms, b.Terms)
	for i := range a.DFs {
		assert.True(t, a.DFs[i].Equal(b.DFs[i]))
	}
}

func TestInterpolateDF(t *testing.T) {
	c, err := Build(anchorRates, anchorTerms)
	require.NoError(t, err)

	t.Run("ExactAnchor", func(t *testing.T) {
		for i, term := range c.Terms {
			assert.True(t, c.DFs[i].Equal(c.DiscountFactor(term)), "term %d", term)
		}
	})

	t.Run("Midpoint", func(t *testing.T) {
		got := c.DiscountFactor(60)
		want := c.DFs[0].Add(daycount.Div(c.DFs[1].Sub(c.DFs[0]), decimal.NewFromInt(2)))
		assert.True(t, want.Equal(got), "got %s want %s", got, want)
		assert.True(t, got.LessThan(c.DFs[0]))
		assert.True(t, got.GreaterThan(c.DFs[1]))
	})

	t.Run("BeforeFirstAnchor", func(t *testing.T) {
		got := c.DiscountFactor(15)
		want := daycount.BPDecimal().Add(daycount.Div(c.DFs[0].Sub(daycount.BPDecimal()), decimal.NewFromInt(2)))
		assert.True(t, want.Equal(got))
		assert.True(t, daycount.BPDecimal().Equal(c.DiscountFactor(0)))
	})

	t.Run("PastLastAnchor", func(t *testing.T) {
		last := c.DFs[len(c.DFs)-1]
		assert.True(t, last.Equal(c.DiscountFactor(5000)))
	})
}

func TestNilCurve(t *testing.T) {
	var c *Curve
	assert.True(t, daycount.BPDecimal().Equal(c.DiscountFactor(100)))
	assert.True(t, decimal.NewFromInt(1).Equal(c.Unit(100)))
}
