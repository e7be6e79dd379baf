// Package genesis keeps the currency-wide genesis value ledger.
//
// A future value booked in a market is normalized by dividing it by the
// compound factor fixed for that market's maturity. The factors form a
// time-ordered chain per currency, each one compounding the previous factor
// by the rate of the market that closed at its maturity, so a balance held in
// genesis units stays valid after the market that produced it retires.
package genesis

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/ratemarket/internal/daycount"
)

var (
	ErrNotInitialized     = errors.New("currency not initialized")
	ErrAlreadyInitialized = errors.New("currency already initialized")
	ErrMarketNotMatured   = errors.New("market not matured")
	ErrAlreadyRotated     = errors.New("maturity already rotated")
	ErrOutOfOrder         = errors.New("maturity is not after the last fixed maturity")
	ErrFactorNotFixed     = errors.New("compound factor not fixed for maturity")
	ErrAlreadyConverted   = errors.New("position already converted")
	ErrNoPosition         = errors.New("no position to convert")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientValue  = errors.New("insufficient genesis value")
)

// ClosedMarket is what rotation reads from the market being retired.
type ClosedMarket interface {
	Currency() string
	BasisDate() time.Time
	Maturity() time.Time
	IsMatured() bool
	MidRate() int64
}

// PositionSource is a market whose future values can be converted.
type PositionSource interface {
	Currency() string
	Maturity() time.Time
	FutureValueOf(owner string) decimal.Decimal
	Converted(owner string) bool
	ClearFutureValue(owner string) decimal.Decimal
}

// Node is one fixed compound factor in a currency's chain.
type Node struct {
	Maturity       time.Time       `json:"maturity"`
	CompoundFactor decimal.Decimal `json:"compound_factor"`
	Rate           int64           `json:"rate"`
	TenorDays      int64           `json:"tenor_days"`
}

type node struct {
	Node
	prev, next int32
}

type chain struct {
	nodes      []node // index 0 is the nil node
	head, tail int32
	byMaturity map[int64]int32 // unix seconds
}

func (c *chain) append(n Node) int32 {
	idx := int32(len(c.nodes))
	c.nodes = append(c.nodes, node{Node: n, prev: c.tail})
	if c.tail != 0 {
		c.nodes[c.tail].next = idx
	} else {
		c.head = idx
	}
	c.tail = idx
	c.byMaturity[n.Maturity.Unix()] = idx
	return idx
}

type book struct {
	chain     chain
	balances  map[string]decimal.Decimal
	lending   decimal.Decimal
	borrowing decimal.Decimal
}

// adjust applies delta to an owner's balance and moves the lending and
// borrowing totals by the change in its positive and negative parts.
func (b *book) adjust(owner string, delta decimal.Decimal) {
	before := b.balances[owner]
	after := before.Add(delta)
	b.lending = b.lending.Add(positive(after)).Sub(positive(before))
	b.borrowing = b.borrowing.Add(positive(after.Neg())).Sub(positive(before.Neg()))
	if after.IsZero() {
		delete(b.balances, owner)
		return
	}
	b.balances[owner] = after
}

func positive(d decimal.Decimal) decimal.Decimal {
	if d.IsPositive() {
		return d
	}
	return decimal.Zero
}

// Ledger holds the chains and balances of every currency. It is not safe for
// concurrent use; the controller serializes access.
type Ledger struct {
	books map[string]*book
}

func New() *Ledger {
	return &Ledger{books: make(map[string]*book)}
}

func (l *Ledger) book(currency string) (*book, error) {
	b, ok := l.books[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, currency)
	}
	return b, nil
}

// Initialize starts a currency's chain with a genesis node at basisDate.
func (l *Ledger) Initialize(currency string, basisDate time.Time, initialFactor decimal.Decimal) error {
	if _, ok := l.books[currency]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, currency)
	}
	if !initialFactor.IsPositive() {
		return fmt.Errorf("%w: initial compound factor %s", ErrInvalidAmount, initialFactor)
	}
	b := &book{
		chain:    chain{nodes: make([]node, 1, 8), byMaturity: make(map[int64]int32)},
		balances: make(map[string]decimal.Decimal),
	}
	b.chain.append(Node{Maturity: basisDate, CompoundFactor: initialFactor})
	l.books[currency] = b
	return nil
}

func (l *Ledger) Initialized(currency string) bool {
	_, ok := l.books[currency]
	return ok
}

// PreviewRotate computes the node that rotating m would append.
func (l *Ledger) PreviewRotate(m ClosedMarket) (Node, error) {
	b, err := l.book(m.Currency())
	if err != nil {
		return Node{}, err
	}
	day := m.Maturity().Format(time.DateOnly)
	if !m.IsMatured() {
		return Node{}, fmt.Errorf("%w: %s %s", ErrMarketNotMatured, m.Currency(), day)
	}
	if _, ok := b.chain.byMaturity[m.Maturity().Unix()]; ok {
		return Node{}, fmt.Errorf("%w: %s %s", ErrAlreadyRotated, m.Currency(), day)
	}
	tail := b.chain.nodes[b.chain.tail]
	if !m.Maturity().After(tail.Maturity) {
		return Node{}, fmt.Errorf("%w: %s after %s", ErrOutOfOrder, day, tail.Maturity.Format(time.DateOnly))
	}
	tenor := daycount.Days(m.BasisDate(), m.Maturity())
	rate := m.MidRate()
	return Node{
		Maturity:       m.Maturity(),
		CompoundFactor: tail.CompoundFactor.Mul(daycount.TenorGrowth(rate, tenor)),
		Rate:           rate,
		TenorDays:      tenor,
	}, nil
}

// Rotate fixes the compound factor for a matured market's maturity and
// appends it to the chain. Each maturity is fixed once.
func (l *Ledger) Rotate(m ClosedMarket) (Node, error) {
	n, err := l.PreviewRotate(m)
	if err != nil {
		return Node{}, err
	}
	l.books[m.Currency()].chain.append(n)
	return n, nil
}

// CompoundFactor returns the fixed factor for a maturity.
func (l *Ledger) CompoundFactor(currency string, maturity time.Time) (decimal.Decimal, error) {
	b, err := l.book(currency)
	if err != nil {
		return decimal.Zero, err
	}
	idx, ok := b.chain.byMaturity[maturity.Unix()]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s %s", ErrFactorNotFixed, currency, maturity.Format(time.DateOnly))
	}
	return b.chain.nodes[idx].CompoundFactor, nil
}

// Nodes returns the chain oldest first.
func (l *Ledger) Nodes(currency string) ([]Node, error) {
	b, err := l.book(currency)
	if err != nil {
		return nil, err
	}
	var out []Node
	for idx := b.chain.head; idx != 0; idx = b.chain.nodes[idx].next {
		out = append(out, b.chain.nodes[idx].Node)
	}
	return out, nil
}

// PreviewConvert returns the genesis value an owner's position in src would
// add, without converting it.
func (l *Ledger) PreviewConvert(owner string, src PositionSource) (decimal.Decimal, error) {
	factor, err := l.CompoundFactor(src.Currency(), src.Maturity())
	if err != nil {
		return decimal.Zero, err
	}
	if src.Converted(owner) {
		return decimal.Zero, fmt.Errorf("%w: %s in %s %s", ErrAlreadyConverted, owner,
			src.Currency(), src.Maturity().Format(time.DateOnly))
	}
	fv := src.FutureValueOf(owner)
	if fv.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s in %s %s", ErrNoPosition, owner,
			src.Currency(), src.Maturity().Format(time.DateOnly))
	}
	return daycount.Div(fv, factor), nil
}

// Convert moves an owner's future value in src into genesis value and clears
// the position. Converting the same position twice is rejected and changes
// nothing.
func (l *Ledger) Convert(owner string, src PositionSource) (decimal.Decimal, error) {
	delta, err := l.PreviewConvert(owner, src)
	if err != nil {
		return decimal.Zero, err
	}
	src.ClearFutureValue(owner)
	l.books[src.Currency()].adjust(owner, delta)
	return delta, nil
}

// CheckTransfer validates a transfer without applying it.
func (l *Ledger) CheckTransfer(currency, from, to string, amount decimal.Decimal) error {
	b, err := l.book(currency)
	if err != nil {
		return err
	}
	if !amount.IsPositive() || from == "" || to == "" || from == to {
		return fmt.Errorf("%w: transfer %s from %q to %q", ErrInvalidAmount, amount, from, to)
	}
	if b.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, wants %s", ErrInsufficientValue, from, b.balances[from], amount)
	}
	return nil
}

// Transfer moves positive genesis value between owners.
func (l *Ledger) Transfer(currency, from, to string, amount decimal.Decimal) error {
	if err := l.CheckTransfer(currency, from, to, amount); err != nil {
		return err
	}
	b := l.books[currency]
	b.adjust(from, amount.Neg())
	b.adjust(to, amount)
	return nil
}

func (l *Ledger) GenesisValue(currency, owner string) decimal.Decimal {
	b, ok := l.books[currency]
	if !ok {
		return decimal.Zero
	}
	return b.balances[owner]
}

// FutureValueAt expresses an owner's genesis value at a fixed maturity.
func (l *Ledger) FutureValueAt(currency, owner string, maturity time.Time) (decimal.Decimal, error) {
	factor, err := l.CompoundFactor(currency, maturity)
	if err != nil {
		return decimal.Zero, err
	}
	return l.GenesisValue(currency, owner).Mul(factor), nil
}

// Totals returns the accumulated lending and borrowing genesis value. Their
// sum equals the sum of absolute balances.
func (l *Ledger) Totals(currency string) (lending, borrowing decimal.Decimal, err error) {
	b, err := l.book(currency)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return b.lending, b.borrowing, nil
}

type Balance struct {
	Owner        string          `json:"owner"`
	GenesisValue decimal.Decimal `json:"genesis_value"`
}

// Balances returns non-zero balances sorted by owner.
func (l *Ledger) Balances(currency string) []Balance {
	b, ok := l.books[currency]
	if !ok {
		return nil
	}
	out := make([]Balance, 0, len(b.balances))
	for owner, v := range b.balances {
		out = append(out, Balance{Owner: owner, GenesisValue: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}
