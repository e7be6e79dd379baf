package genesis

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/ratemarket/internal/daycount"
	"github.com/xtrntr/ratemarket/internal/market"
	"github.com/xtrntr/ratemarket/internal/models"
)

var basis = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newMarket(t *testing.T, c *clock, start time.Time, months int) *market.Market {
	t.Helper()
	m, err := market.New(market.Params{
		Currency:  "USDC",
		BasisDate: start,
		Maturity:  daycount.AddMonths(start, months),
		Clock:     c.Now,
	})
	require.NoError(t, err)
	return m
}

// trade books lender/borrower positions at rate. The full fill leaves the
// book empty.
func trade(t *testing.T, m *market.Market, lender, borrower string, rate, amount int64) {
	t.Helper()
	_, _, err := m.Execute(lender, models.Lend, rate, amount, false)
	require.NoError(t, err)
	_, _, err = m.Execute(borrower, models.Borrow, rate, amount, true)
	require.NoError(t, err)
}

// quote rests a lend and a borrow order that do not cross, giving the market
// a mid rate halfway between them.
func quote(t *testing.T, m *market.Market, lend, borrow int64) {
	t.Helper()
	_, _, err := m.Execute("maker", models.Lend, lend, 1, false)
	require.NoError(t, err)
	_, _, err = m.Execute("maker", models.Borrow, borrow, 1, false)
	require.NoError(t, err)
}

func initialized(t *testing.T) *Ledger {
	t.Helper()
	l := New()
	require.NoError(t, l.Initialize("USDC", basis, decimal.NewFromInt(1)))
	return l
}

func TestInitialize(t *testing.T) {
	l := initialized(t)
	assert.True(t, l.Initialized("USDC"))
	assert.False(t, l.Initialized("EUR"))

	err := l.Initialize("USDC", basis, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	err = l.Initialize("EUR", basis, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	nodes, err := l.Nodes("USDC")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.True(t, basis.Equal(nodes[0].Maturity))

	_, err = l.Nodes("EUR")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestRotateTwiceBuildsChain(t *testing.T) {
	c := &clock{t: basis}
	l := initialized(t)

	first := newMarket(t, c, basis, 3)
	second := newMarket(t, c, first.Maturity(), 3)
	trade(t, first, "a", "b", 800, 100)
	quote(t, first, 900, 700)
	trade(t, second, "a", "b", 1200, 100)
	quote(t, second, 1300, 1100)

	_, err := l.Rotate(first)
	assert.ErrorIs(t, err, ErrMarketNotMatured)

	c.t = first.Maturity()
	n1, err := l.Rotate(first)
	require.NoError(t, err)
	_, err = l.Rotate(first)
	assert.ErrorIs(t, err, ErrAlreadyRotated)
	_, err = l.Rotate(second)
	assert.ErrorIs(t, err, ErrMarketNotMatured)

	c.t = second.Maturity()
	n2, err := l.Rotate(second)
	require.NoError(t, err)

	nodes, err := l.Nodes("USDC")
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	tenor1 := daycount.Days(first.BasisDate(), first.Maturity())
	assert.Equal(t, int64(90), tenor1)
	assert.Equal(t, int64(800), n1.Rate)
	want := nodes[0].CompoundFactor.Mul(decimal.NewFromInt(1).Add(
		daycount.Div(decimal.NewFromInt(800*tenor1), decimal.NewFromInt(daycount.BP*daycount.YearDays))))
	assert.True(t, want.Equal(nodes[1].CompoundFactor), "got %s want %s", nodes[1].CompoundFactor, want)
	assert.True(t, nodes[1].CompoundFactor.Mul(daycount.TenorGrowth(1200, n2.TenorDays)).Equal(nodes[2].CompoundFactor))

	f, err := l.CompoundFactor("USDC", first.Maturity())
	require.NoError(t, err)
	assert.True(t, f.Equal(n1.CompoundFactor))
}

func TestRotateUsesMidRate(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, m *market.Market)
		rate  int64
	}{
		{name: "TwoSided", setup: func(t *testing.T, m *market.Market) { quote(t, m, 900, 700) }, rate: 800},
		{name: "LendOnly", setup: func(t *testing.T, m *market.Market) {
			_, _, err := m.Execute("maker", models.Lend, 800, 1, false)
			require.NoError(t, err)
		}, rate: 400},
		{name: "EmptyAfterFill", setup: func(t *testing.T, m *market.Market) { trade(t, m, "a", "b", 800, 100) }, rate: 0},
		{name: "NoOrders", setup: func(t *testing.T, m *market.Market) {}, rate: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &clock{t: basis}
			l := initialized(t)
			m := newMarket(t, c, basis, 3)
			tt.setup(t, m)

			c.t = m.Maturity()
			n, err := l.Rotate(m)
			require.NoError(t, err)
			assert.Equal(t, tt.rate, n.Rate)
			assert.True(t, daycount.TenorGrowth(tt.rate, n.TenorDays).Equal(n.CompoundFactor))
		})
	}
}

func TestRotateOutOfOrder(t *testing.T) {
	c := &clock{t: basis}
	l := initialized(t)
	early := newMarket(t, c, basis, 3)
	late := newMarket(t, c, basis, 6)

	c.t = late.Maturity()
	_, err := l.Rotate(late)
	require.NoError(t, err)
	_, err = l.Rotate(early)
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestConvert(t *testing.T) {
	c := &clock{t: basis}
	l := initialized(t)
	m := newMarket(t, c, basis, 3)
	trade(t, m, "lender", "borrower", 800, 100)
	fv := m.FutureValueOf("lender")

	_, err := l.Convert("lender", m)
	assert.ErrorIs(t, err, ErrFactorNotFixed)

	c.t = m.Maturity()
	node, err := l.Rotate(m)
	require.NoError(t, err)

	delta, err := l.Convert("lender", m)
	require.NoError(t, err)
	assert.True(t, daycount.Div(fv, node.CompoundFactor).Equal(delta))
	assert.True(t, delta.Equal(l.GenesisValue("USDC", "lender")))
	assert.True(t, m.FutureValueOf("lender").IsZero())

	_, err = l.Convert("lender", m)
	assert.ErrorIs(t, err, ErrAlreadyConverted)
	assert.True(t, delta.Equal(l.GenesisValue("USDC", "lender")), "reconverting changes nothing")

	_, err = l.Convert("stranger", m)
	assert.ErrorIs(t, err, ErrNoPosition)

	_, err = l.Convert("borrower", m)
	require.NoError(t, err)
	assert.True(t, delta.Neg().Equal(l.GenesisValue("USDC", "borrower")))

	back, err := l.FutureValueAt("USDC", "lender", m.Maturity())
	require.NoError(t, err)
	assert.True(t, back.Sub(fv).Abs().LessThan(decimal.New(1, -15)), "round trip %s vs %s", back, fv)
}

func TestConservation(t *testing.T) {
	c := &clock{t: basis}
	l := initialized(t)
	m := newMarket(t, c, basis, 3)
	trade(t, m, "a", "b", 800, 100)
	trade(t, m, "c", "a", 700, 40)
	trade(t, m, "b", "c", 900, 25)

	c.t = m.Maturity()
	_, err := l.Rotate(m)
	require.NoError(t, err)
	for _, owner := range []string{"a", "b", "c"} {
		_, err := l.Convert(owner, m)
		require.NoError(t, err)
	}
	assertConserved(t, l)

	require.NoError(t, l.Transfer("USDC", "a", "d", l.GenesisValue("USDC", "a").Div(decimal.NewFromInt(2))))
	assertConserved(t, l)
}

func assertConserved(t *testing.T, l *Ledger) {
	t.Helper()
	sum, abs := decimal.Zero, decimal.Zero
	for _, b := range l.Balances("USDC") {
		sum = sum.Add(b.GenesisValue)
		abs = abs.Add(b.GenesisValue.Abs())
	}
	// each conversion rounds at the last place, so three-way books may drift
	// by a few units there
	dust := decimal.New(1, -daycount.Precision+1)
	assert.True(t, sum.Abs().LessThan(dust), "signed sum %s", sum)
	lending, borrowing, err := l.Totals("USDC")
	require.NoError(t, err)
	assert.True(t, abs.Equal(lending.Add(borrowing)), "abs %s totals %s+%s", abs, lending, borrowing)
	assert.True(t, lending.Sub(borrowing).Abs().LessThan(dust))
}

func TestConservationTwoParty(t *testing.T) {
	c := &clock{t: basis}
	l := initialized(t)
	m := newMarket(t, c, basis, 3)
	trade(t, m, "a", "b", 800, 100)
	c.t = m.Maturity()
	_, err := l.Rotate(m)
	require.NoError(t, err)
	_, err = l.Convert("a", m)
	require.NoError(t, err)

	// until the borrower converts too, only the lending side is normalized
	ga := l.GenesisValue("USDC", "a")
	assert.True(t, ga.IsPositive())
	assert.True(t, l.GenesisValue("USDC", "b").IsZero())
	assert.True(t, m.FutureValueOf("b").IsNegative())
	lending, borrowing, err := l.Totals("USDC")
	require.NoError(t, err)
	assert.True(t, ga.Equal(lending))
	assert.True(t, borrowing.IsZero())

	_, err = l.Convert("b", m)
	require.NoError(t, err)
	assert.True(t, l.GenesisValue("USDC", "a").Add(l.GenesisValue("USDC", "b")).IsZero())
	assertConserved(t, l)
}

func TestTransfer(t *testing.T) {
	l := initialized(t)
	b := l.books["USDC"]
	b.adjust("a", decimal.NewFromInt(10))
	b.adjust("b", decimal.NewFromInt(-10))

	tests := []struct {
		name   string
		from   string
		to     string
		amount decimal.Decimal
		err    error
	}{
		{name: "Zero", from: "a", to: "c", amount: decimal.Zero, err: ErrInvalidAmount},
		{name: "Self", from: "a", to: "a", amount: decimal.NewFromInt(1), err: ErrInvalidAmount},
		{name: "Insufficient", from: "a", to: "c", amount: decimal.NewFromInt(11), err: ErrInsufficientValue},
		{name: "FromBorrower", from: "b", to: "c", amount: decimal.NewFromInt(1), err: ErrInsufficientValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, l.Transfer("USDC", tt.from, tt.to, tt.amount), tt.err)
		})
	}

	require.NoError(t, l.Transfer("USDC", "a", "c", decimal.NewFromInt(4)))
	assert.True(t, decimal.NewFromInt(6).Equal(l.GenesisValue("USDC", "a")))
	assert.True(t, decimal.NewFromInt(4).Equal(l.GenesisValue("USDC", "c")))

	require.NoError(t, l.Transfer("USDC", "a", "c", decimal.NewFromInt(6)))
	balances := l.Balances("USDC")
	require.Len(t, balances, 2)
	assert.Equal(t, "b", balances[0].Owner)
	assert.Equal(t, "c", balances[1].Owner)

	assert.ErrorIs(t, l.Transfer("EUR", "a", "c", decimal.NewFromInt(1)), ErrNotInitialized)
}
