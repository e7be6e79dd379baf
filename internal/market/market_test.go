package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/ratemarket/internal/curve"
	"github.com/xtrntr/ratemarket/internal/daycount"
	"github.com/xtrntr/ratemarket/internal/models"
	"github.com/xtrntr/ratemarket/internal/orderbook"
)

var (
	basis    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	maturity = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newMarket(t *testing.T) (*Market, *clock) {
	t.Helper()
	c := &clock{t: basis}
	m, err := New(Params{Currency: "USDC", BasisDate: basis, Maturity: maturity, Clock: c.Now})
	require.NoError(t, err)
	return m, c
}

func TestNew_InvalidParams(t *testing.T) {
	_, err := New(Params{Currency: "USDC", BasisDate: maturity, Maturity: basis})
	assert.ErrorIs(t, err, ErrInvalidParams)
	_, err = New(Params{BasisDate: basis, Maturity: maturity})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestMarket_FullMatchBooksOppositePositions(t *testing.T) {
	m, _ := newMarket(t)

	_, restID, err := m.Execute("lender", models.Lend, 800, 100, false)
	require.NoError(t, err)
	assert.NotZero(t, restID)

	exec, id, err := m.Execute("borrower", models.Borrow, 800, 100, false)
	require.NoError(t, err)
	assert.Zero(t, id)
	require.Len(t, exec.Trades, 1)
	assert.Equal(t, int64(0), exec.Resting)

	want := decimal.NewFromInt(100).Mul(daycount.Growth(800, basis, maturity))
	assert.True(t, want.Equal(m.FutureValueOf("lender")), "lender fv %s", m.FutureValueOf("lender"))
	assert.True(t, want.Neg().Equal(m.FutureValueOf("borrower")))
	assert.True(t, m.FutureValueOf("lender").Add(m.FutureValueOf("borrower")).IsZero())
	assert.True(t, want.GreaterThan(decimal.NewFromInt(100)))
	assert.Equal(t, 0, m.Book().Len())
	assert.Equal(t, int64(800), m.LastRate())
}

func TestMarket_PlaceCrossesThenRests(t *testing.T) {
	m, _ := newMarket(t)
	_, _, err := m.Execute("a", models.Borrow, 600, 40, false)
	require.NoError(t, err)

	exec, id, err := m.Execute("b", models.Lend, 500, 100, false)
	require.NoError(t, err)
	assert.Equal(t, int64(40), exec.Filled())
	assert.Equal(t, int64(60), exec.Resting)
	require.NotZero(t, id)

	o, ok := m.Book().Order(id)
	require.True(t, ok)
	assert.Equal(t, int64(60), o.Amount)
	assert.Equal(t, int64(500), o.Rate)
	assert.Equal(t, int64(500), m.LendRate())
	assert.Equal(t, int64(0), m.BorrowRate())
}

func TestMarket_TakeOnly(t *testing.T) {
	m, _ := newMarket(t)
	_, _, err := m.Execute("a", models.Borrow, 600, 100, true)
	assert.ErrorIs(t, err, orderbook.ErrNoLiquidity)
	assert.Equal(t, 0, m.Book().Len())

	_, _, err = m.Execute("a", models.Lend, 600, 30, false)
	require.NoError(t, err)
	exec, id, err := m.Execute("b", models.Borrow, 700, 100, true)
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Equal(t, int64(30), exec.Filled())
	assert.Equal(t, 0, m.Book().Len())
}

func TestMarket_PreviewDoesNotMutate(t *testing.T) {
	m, _ := newMarket(t)
	_, _, err := m.Execute("a", models.Lend, 600, 30, false)
	require.NoError(t, err)

	exec, err := m.Preview("b", models.Borrow, 600, 30, false)
	require.NoError(t, err)
	assert.Len(t, exec.Trades, 1)
	assert.True(t, m.FutureValueOf("b").IsZero())
	assert.Equal(t, 1, m.Book().Len())
}

func TestMarket_InvalidOrders(t *testing.T) {
	m, _ := newMarket(t)
	tests := []struct {
		name   string
		owner  string
		side   models.Side
		rate   int64
		amount int64
	}{
		{name: "NoOwner", side: models.Lend, rate: 100, amount: 1},
		{name: "NoSide", owner: "a", rate: 100, amount: 1},
		{name: "NegativeRate", owner: "a", side: models.Lend, rate: -5, amount: 1},
		{name: "ZeroAmount", owner: "a", side: models.Borrow, rate: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Preview(tt.owner, tt.side, tt.rate, tt.amount, false)
			assert.ErrorIs(t, err, orderbook.ErrInvalidOrder)
		})
	}
}

func TestMarket_Cancel(t *testing.T) {
	m, _ := newMarket(t)
	_, id, err := m.Execute("a", models.Lend, 600, 30, false)
	require.NoError(t, err)

	_, err = m.Cancel("b", id)
	assert.ErrorIs(t, err, ErrNotOrderOwner)
	_, err = m.Cancel("a", id+100)
	assert.ErrorIs(t, err, orderbook.ErrOrderNotFound)

	o, err := m.Cancel("a", id)
	require.NoError(t, err)
	assert.Equal(t, int64(30), o.Amount)
	assert.Equal(t, 0, m.Book().Len())
}

func TestMarket_MaturedRejectsMutation(t *testing.T) {
	m, c := newMarket(t)
	_, id, err := m.Execute("a", models.Lend, 600, 30, false)
	require.NoError(t, err)
	assert.Equal(t, Open, m.State())

	c.t = maturity
	assert.Equal(t, Matured, m.State())
	assert.True(t, m.IsMatured())

	_, err = m.Preview("b", models.Borrow, 600, 10, false)
	assert.ErrorIs(t, err, ErrMarketNotOpen)
	_, err = m.Cancel("a", id)
	assert.ErrorIs(t, err, ErrMarketNotOpen)
}

func TestMarket_MidRate(t *testing.T) {
	m, _ := newMarket(t)
	assert.Equal(t, int64(0), m.MidRate())

	_, _, err := m.Execute("a", models.Lend, 800, 10, false)
	require.NoError(t, err)
	assert.Equal(t, int64(800), m.LendRate())
	assert.Equal(t, int64(0), m.BorrowRate())
	assert.Equal(t, int64(400), m.MidRate(), "an empty side counts as zero")

	_, _, err = m.Execute("b", models.Borrow, 600, 10, false)
	require.NoError(t, err)
	assert.Equal(t, int64(700), m.MidRate())

	_, _, err = m.Execute("c", models.Borrow, 800, 10, true)
	require.NoError(t, err)
	assert.Equal(t, int64(300), m.MidRate())

	_, _, err = m.Execute("c", models.Lend, 600, 10, true)
	require.NoError(t, err)
	assert.Equal(t, int64(600), m.LastRate())
	assert.Equal(t, int64(0), m.MidRate(), "an empty book has no mid rate")
}

func TestMarket_PresentValue(t *testing.T) {
	m, _ := newMarket(t)
	_, _, err := m.Execute("a", models.Lend, 800, 100, false)
	require.NoError(t, err)
	_, _, err = m.Execute("b", models.Borrow, 800, 100, true)
	require.NoError(t, err)

	fv := m.FutureValueOf("a")
	assert.True(t, fv.Equal(m.PresentValueOf("a")), "no curve means a factor of 1")

	c, err := curve.Build([]int64{200, 500}, []int64{30, 365})
	require.NoError(t, err)
	m.SetCurve(c)
	df := c.Unit(daycount.Days(basis, maturity))
	assert.True(t, fv.Mul(df).Equal(m.PresentValueOf("a")))
	assert.True(t, m.PresentValueOf("a").LessThan(fv))
	assert.True(t, m.PresentValueOf("a").Add(m.PresentValueOf("b")).IsZero())
	assert.True(t, m.PresentValueOf("nobody").IsZero())
}

func TestMarket_ClearFutureValue(t *testing.T) {
	m, _ := newMarket(t)
	_, _, err := m.Execute("a", models.Lend, 800, 100, false)
	require.NoError(t, err)
	_, _, err = m.Execute("b", models.Borrow, 800, 100, true)
	require.NoError(t, err)

	require.Len(t, m.Positions(), 2)
	fv := m.FutureValueOf("a")
	assert.True(t, fv.Equal(m.ClearFutureValue("a")))
	assert.True(t, m.Converted("a"))
	assert.False(t, m.Converted("b"))
	assert.True(t, m.FutureValueOf("a").IsZero())

	positions := m.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "b", positions[0].Owner)
}

func TestMarket_SelfTradeNets(t *testing.T) {
	m, _ := newMarket(t)
	_, _, err := m.Execute("a", models.Lend, 500, 10, false)
	require.NoError(t, err)
	exec, _, err := m.Execute("a", models.Borrow, 500, 10, true)
	require.NoError(t, err)
	assert.Len(t, exec.Trades, 1)
	assert.True(t, m.FutureValueOf("a").IsZero())
}

func TestMarket_Info(t *testing.T) {
	m, _ := newMarket(t)
	_, _, err := m.Execute("a", models.Lend, 600, 10, false)
	require.NoError(t, err)

	info := m.Info()
	assert.Equal(t, "USDC", info.Currency)
	assert.Equal(t, Open, info.State)
	assert.Equal(t, int64(600), info.LendRate)
	assert.Equal(t, 1, info.Orders)
	assert.True(t, maturity.Equal(info.Maturity))
}
