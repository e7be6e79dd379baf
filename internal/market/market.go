// Package market implements one tradeable maturity of one currency: its order
// book, its curve snapshot and the future-value positions booked by matches.
package market

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/ratemarket/internal/curve"
	"github.com/xtrntr/ratemarket/internal/daycount"
	"github.com/xtrntr/ratemarket/internal/models"
	"github.com/xtrntr/ratemarket/internal/orderbook"
)

var (
	ErrMarketNotOpen = errors.New("market not open")
	ErrNotOrderOwner = errors.New("order belongs to another owner")
	ErrInvalidParams = errors.New("invalid market parameters")
)

// State is derived from the clock on every call.
type State string

const (
	Open    State = "open"
	Matured State = "matured"
)

// Book is the order book contract a market drives. *orderbook.Book satisfies it.
type Book interface {
	Place(o models.Order) (models.OrderID, error)
	Cancel(id models.OrderID) (models.Order, error)
	Preview(taker models.Side, limit, amount int64) ([]models.Fill, error)
	Reduce(id models.OrderID, amount int64) error
	Best(s models.Side) (int64, bool)
	Order(id models.OrderID) (models.Order, bool)
	Levels(s models.Side) []models.Level
	Orders(s models.Side) []models.Order
	Len() int
}

type Params struct {
	Currency  string
	BasisDate time.Time
	Maturity  time.Time
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Book defaults to an empty orderbook.Book.
	Book Book
}

type Market struct {
	currency  string
	basisDate time.Time
	maturity  time.Time
	now       func() time.Time

	book  Book
	curve *curve.Curve

	positions map[string]decimal.Decimal
	converted map[string]bool
	lastRate  int64
}

func New(p Params) (*Market, error) {
	if p.Currency == "" || !p.Maturity.After(p.BasisDate) {
		return nil, fmt.Errorf("%w: currency=%q basis=%s maturity=%s",
			ErrInvalidParams, p.Currency, p.BasisDate.Format(time.DateOnly), p.Maturity.Format(time.DateOnly))
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.Book == nil {
		p.Book = orderbook.New()
	}
	return &Market{
		currency:  p.Currency,
		basisDate: p.BasisDate,
		maturity:  p.Maturity,
		now:       p.Clock,
		book:      p.Book,
		positions: make(map[string]decimal.Decimal),
		converted: make(map[string]bool),
	}, nil
}

func (m *Market) Currency() string     { return m.currency }
func (m *Market) BasisDate() time.Time { return m.basisDate }
func (m *Market) Maturity() time.Time  { return m.maturity }
func (m *Market) Book() Book           { return m.book }

// State reports OPEN until the clock reaches the maturity date.
func (m *Market) State() State {
	if m.IsMatured() {
		return Matured
	}
	return Open
}

func (m *Market) IsMatured() bool {
	return !m.now().Before(m.maturity)
}

func (m *Market) checkOpen() error {
	if m.IsMatured() {
		return fmt.Errorf("%w: %s %s matured", ErrMarketNotOpen, m.currency, m.maturity.Format(time.DateOnly))
	}
	return nil
}

// Trade is one fill together with the future value it books.
type Trade struct {
	models.Fill
	Lender      string          `json:"lender"`
	Borrower    string          `json:"borrower"`
	FutureValue decimal.Decimal `json:"future_value"`
}

// Execution is the plan for an incoming order. Preview builds it without
// mutating anything; Commit applies it.
type Execution struct {
	Owner    string
	Side     models.Side
	Rate     int64
	Amount   int64
	TakeOnly bool

	Trades []Trade
	// Deltas is the signed future-value change per owner.
	Deltas map[string]decimal.Decimal
	// Resting is the amount left on the book after crossing.
	Resting int64
	// OrderID is used for the resting order. Zero lets the book assign one.
	OrderID models.OrderID
}

// Filled returns the amount matched against resting orders.
func (e *Execution) Filled() int64 {
	var n int64
	for _, t := range e.Trades {
		n += t.Amount
	}
	return n
}

// Preview plans an incoming order. With takeOnly the order only matches and
// fails with orderbook.ErrNoLiquidity when nothing fills; otherwise it crosses
// whatever is acceptable and rests the remainder.
func (m *Market) Preview(owner string, side models.Side, rate, amount int64, takeOnly bool) (*Execution, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if owner == "" || !side.Valid() || rate < 0 || amount <= 0 {
		return nil, fmt.Errorf("%w: owner=%q side=%s rate=%d amount=%d",
			orderbook.ErrInvalidOrder, owner, side, rate, amount)
	}
	fills, err := m.book.Preview(side, rate, amount)
	if err != nil && (takeOnly || !errors.Is(err, orderbook.ErrNoLiquidity)) {
		return nil, err
	}

	exec := &Execution{
		Owner:    owner,
		Side:     side,
		Rate:     rate,
		Amount:   amount,
		TakeOnly: takeOnly,
		Deltas:   make(map[string]decimal.Decimal),
	}
	now := m.now()
	for _, f := range fills {
		t := Trade{Fill: f, FutureValue: m.futureValue(f.Amount, f.Rate, now)}
		t.Lender, t.Borrower = owner, f.MakerOwner
		if side == models.Borrow {
			t.Lender, t.Borrower = f.MakerOwner, owner
		}
		exec.Trades = append(exec.Trades, t)
		exec.Deltas[t.Lender] = exec.Deltas[t.Lender].Add(t.FutureValue)
		exec.Deltas[t.Borrower] = exec.Deltas[t.Borrower].Sub(t.FutureValue)
	}
	// a capped match leaves its remainder unfilled rather than resting it
	// against a book that may still cross
	if !takeOnly && len(fills) < orderbook.MaxFillsPerMatch {
		exec.Resting = amount - exec.Filled()
	}
	return exec, nil
}

func (m *Market) futureValue(amount, rate int64, now time.Time) decimal.Decimal {
	return decimal.NewFromInt(amount).Mul(daycount.Growth(rate, now, m.maturity))
}

// Commit applies a previewed execution and returns the resting order id, or
// zero when nothing rests.
func (m *Market) Commit(exec *Execution) (models.OrderID, error) {
	for _, t := range exec.Trades {
		if err := m.ApplyTrade(t); err != nil {
			return 0, err
		}
	}
	if exec.Resting == 0 {
		return 0, nil
	}
	return m.Rest(models.Order{
		ID:     exec.OrderID,
		Owner:  exec.Owner,
		Side:   exec.Side,
		Rate:   exec.Rate,
		Amount: exec.Resting,
	})
}

// Execute previews and commits in one step.
func (m *Market) Execute(owner string, side models.Side, rate, amount int64, takeOnly bool) (*Execution, models.OrderID, error) {
	exec, err := m.Preview(owner, side, rate, amount, takeOnly)
	if err != nil {
		return nil, 0, err
	}
	id, err := m.Commit(exec)
	return exec, id, err
}

// ApplyTrade consumes the maker side of a trade and books its future value.
// Replay uses it with recorded values.
func (m *Market) ApplyTrade(t Trade) error {
	if err := m.book.Reduce(t.MakerOrderID, t.Amount); err != nil {
		return fmt.Errorf("apply fill of order %d: %w", t.MakerOrderID, err)
	}
	m.positions[t.Lender] = m.positions[t.Lender].Add(t.FutureValue)
	m.positions[t.Borrower] = m.positions[t.Borrower].Sub(t.FutureValue)
	m.lastRate = t.Rate
	return nil
}

// Rest places an order on the book without matching.
func (m *Market) Rest(o models.Order) (models.OrderID, error) {
	return m.book.Place(o)
}

// Lookup returns a resting order after checking the market is open and the
// order belongs to owner.
func (m *Market) Lookup(owner string, id models.OrderID) (models.Order, error) {
	if err := m.checkOpen(); err != nil {
		return models.Order{}, err
	}
	o, ok := m.book.Order(id)
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %d", orderbook.ErrOrderNotFound, id)
	}
	if o.Owner != owner {
		return models.Order{}, fmt.Errorf("%w: order %d", ErrNotOrderOwner, id)
	}
	return o, nil
}

func (m *Market) Cancel(owner string, id models.OrderID) (models.Order, error) {
	if _, err := m.Lookup(owner, id); err != nil {
		return models.Order{}, err
	}
	return m.book.Cancel(id)
}

// SetCurve replaces the curve snapshot used for present values.
func (m *Market) SetCurve(c *curve.Curve) { m.curve = c }

func (m *Market) Curve() *curve.Curve { return m.curve }

// DiscountFactor is the plain multiplier from maturity back to now. Without a
// curve it is 1.
func (m *Market) DiscountFactor() decimal.Decimal {
	if m.curve == nil {
		return decimal.NewFromInt(1)
	}
	return m.curve.Unit(daycount.Days(m.now(), m.maturity))
}

func (m *Market) FutureValueOf(owner string) decimal.Decimal {
	return m.positions[owner]
}

func (m *Market) PresentValueOf(owner string) decimal.Decimal {
	fv, ok := m.positions[owner]
	if !ok || fv.IsZero() {
		return decimal.Zero
	}
	return fv.Mul(m.DiscountFactor())
}

// Position is an owner's signed future value in this market.
type Position struct {
	Owner       string          `json:"owner"`
	FutureValue decimal.Decimal `json:"future_value"`
}

// Positions returns non-zero positions sorted by owner.
func (m *Market) Positions() []Position {
	out := make([]Position, 0, len(m.positions))
	for owner, fv := range m.positions {
		if fv.IsZero() {
			continue
		}
		out = append(out, Position{Owner: owner, FutureValue: fv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// ClearFutureValue zeroes an owner's position, marks it converted and returns
// the value removed.
func (m *Market) ClearFutureValue(owner string) decimal.Decimal {
	fv := m.positions[owner]
	delete(m.positions, owner)
	m.converted[owner] = true
	return fv
}

func (m *Market) Converted(owner string) bool {
	return m.converted[owner]
}

func (m *Market) LendRate() int64 {
	r, _ := m.book.Best(models.Lend)
	return r
}

func (m *Market) BorrowRate() int64 {
	r, _ := m.book.Best(models.Borrow)
	return r
}

func (m *Market) LastRate() int64 { return m.lastRate }

// MidRate averages the best lend and borrow rates. An empty side counts as
// zero, so a one-sided book gives half its quote and an empty book zero.
func (m *Market) MidRate() int64 {
	return (m.LendRate() + m.BorrowRate()) / 2
}

// Info is a read-only summary of a market.
type Info struct {
	Currency   string    `json:"currency"`
	BasisDate  time.Time `json:"basis_date"`
	Maturity   time.Time `json:"maturity"`
	State      State     `json:"state"`
	LendRate   int64     `json:"lend_rate"`
	BorrowRate int64     `json:"borrow_rate"`
	MidRate    int64     `json:"mid_rate"`
	LastRate   int64     `json:"last_rate"`
	Orders     int       `json:"orders"`
}

func (m *Market) Info() Info {
	return Info{
		Currency:   m.currency,
		BasisDate:  m.basisDate,
		Maturity:   m.maturity,
		State:      m.State(),
		LendRate:   m.LendRate(),
		BorrowRate: m.BorrowRate(),
		MidRate:    m.MidRate(),
		LastRate:   m.lastRate,
		Orders:     m.book.Len(),
	}
}
