// Package exchange runs the markets of every currency: it creates and rotates
// maturities, routes orders, fixes compound factors through the genesis
// ledger and serves the aggregate views.
//
// Every mutating call is one transaction under a single writer lock. The call
// validates and previews, reserves exposure, appends its events to the sink
// and only then applies those events to in-memory state. Any failure before
// the append releases what the call reserved, so nothing is partially applied.
// Applying an event is the same code path replay uses.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/ratemarket/internal/curve"
	"github.com/xtrntr/ratemarket/internal/daycount"
	"github.com/xtrntr/ratemarket/internal/events"
	"github.com/xtrntr/ratemarket/internal/genesis"
	"github.com/xtrntr/ratemarket/internal/market"
	"github.com/xtrntr/ratemarket/internal/models"
	"github.com/xtrntr/ratemarket/internal/orderbook"
)

var (
	ErrCurrencyNotFound = errors.New("currency not found")
	ErrMarketNotFound   = errors.New("market not found")
	ErrInvalidParams    = errors.New("invalid parameters")
	ErrNoReference      = errors.New("no reference converter configured")
	ErrReplayDiverged   = errors.New("replay diverged from recorded event")
)

// Market is the contract the controller drives for one maturity.
// *market.Market satisfies it.
type Market interface {
	Currency() string
	BasisDate() time.Time
	Maturity() time.Time
	State() market.State
	IsMatured() bool
	Book() market.Book
	Info() market.Info

	Preview(owner string, side models.Side, rate, amount int64, takeOnly bool) (*market.Execution, error)
	ApplyTrade(t market.Trade) error
	Rest(o models.Order) (models.OrderID, error)
	Lookup(owner string, id models.OrderID) (models.Order, error)

	SetCurve(c *curve.Curve)
	MidRate() int64
	FutureValueOf(owner string) decimal.Decimal
	PresentValueOf(owner string) decimal.Decimal
	Positions() []market.Position
	Converted(owner string) bool
	ClearFutureValue(owner string) decimal.Decimal
}

// ExposureManager reserves and releases an owner's borrowing capacity.
type ExposureManager interface {
	ReserveExposure(owner, currency string, amount decimal.Decimal) error
	ReleaseExposure(owner, currency string, amount decimal.Decimal) error
}

// ReferenceConverter prices an amount of a currency in the reference unit.
type ReferenceConverter interface {
	ConvertToReference(currency string, amount decimal.Decimal) (decimal.Decimal, error)
}

// EventSink durably stores events and assigns their sequence numbers.
type EventSink interface {
	Append(ctx context.Context, evs ...models.Event) ([]models.Event, error)
}

type Config struct {
	Exposure  ExposureManager
	Reference ReferenceConverter
	// Sink defaults to an in-memory recorder.
	Sink EventSink
	// Clock defaults to time.Now.
	Clock func() time.Time
	// NewMarket defaults to market.New.
	NewMarket func(market.Params) (Market, error)
}

// Rotation records one retired maturity.
type Rotation struct {
	Currency       string          `json:"currency"`
	Maturity       time.Time       `json:"maturity"`
	NewMaturity    time.Time       `json:"new_maturity"`
	CompoundFactor decimal.Decimal `json:"compound_factor"`
	Rate           int64           `json:"rate"`
	TenorDays      int64           `json:"tenor_days"`
	Time           time.Time       `json:"time"`
}

type currencyState struct {
	code        string
	basisDate   time.Time
	tenorMonths int
	slots       int // markets ever created

	active    []Market         // oldest first
	retired   map[int64]Market // by maturity, unix seconds
	curve     *curve.Curve
	rotations []Rotation
}

func (cs *currencyState) slotMaturity(k int) time.Time {
	return daycount.AddMonths(cs.basisDate, k*cs.tenorMonths)
}

func (cs *currencyState) activeMarket(maturity time.Time) (Market, error) {
	for _, m := range cs.active {
		if m.Maturity().Equal(maturity) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrMarketNotFound, cs.code, maturity.Format(time.DateOnly))
}

// anyMarket also finds retired markets, whose positions can still convert.
func (cs *currencyState) anyMarket(maturity time.Time) (Market, error) {
	if m, ok := cs.retired[maturity.Unix()]; ok {
		return m, nil
	}
	return cs.activeMarket(maturity)
}

type orderRef struct {
	currency string
	maturity time.Time
}

type Controller struct {
	mu sync.Mutex

	exposure  ExposureManager
	reference ReferenceConverter
	sink      EventSink
	now       func() time.Time
	newMarket func(market.Params) (Market, error)

	ledger      *genesis.Ledger
	currencies  map[string]*currencyState
	orders      map[models.OrderID]orderRef
	nextOrderID models.OrderID
}

func New(cfg Config) *Controller {
	if cfg.Sink == nil {
		cfg.Sink = events.NewRecorder()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewMarket == nil {
		cfg.NewMarket = func(p market.Params) (Market, error) {
			return market.New(p)
		}
	}
	return &Controller{
		exposure:    cfg.Exposure,
		reference:   cfg.Reference,
		sink:        cfg.Sink,
		now:         cfg.Clock,
		newMarket:   cfg.NewMarket,
		ledger:      genesis.New(),
		currencies:  make(map[string]*currencyState),
		orders:      make(map[models.OrderID]orderRef),
		nextOrderID: 1,
	}
}

func (c *Controller) currency(code string) (*currencyState, error) {
	cs, ok := c.currencies[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCurrencyNotFound, code)
	}
	return cs, nil
}

// commit appends events and applies them. undo runs when the append fails.
func (c *Controller) commit(ctx context.Context, evs []models.Event, undo func()) ([]models.Event, error) {
	stored, err := c.sink.Append(ctx, evs...)
	if err != nil {
		if undo != nil {
			undo()
		}
		return nil, fmt.Errorf("append events: %w", err)
	}
	for _, e := range stored {
		if err := c.apply(e); err != nil {
			// the event is durable but memory disagrees; a restart replays it
			log.Printf("[exchange] apply %s seq=%d: %v", e.Type, e.Seq, err)
			return stored, fmt.Errorf("apply %s: %w", e.Type, err)
		}
	}
	return stored, nil
}

func (c *Controller) event(typ models.EventType, currency string) models.Event {
	return models.NewEvent(typ, currency, c.now())
}

type CurrencyParams struct {
	Code                  string          `json:"code"`
	BasisDate             time.Time       `json:"basis_date"`
	TenorMonths           int             `json:"tenor_months"`
	InitialCompoundFactor decimal.Decimal `json:"initial_compound_factor"`
	// Markets is the number of maturities kept open.
	Markets int `json:"markets"`
}

// InitializeCurrency starts a currency's compound factor chain at its basis
// date and opens its first window of markets.
func (c *Controller) InitializeCurrency(ctx context.Context, p CurrencyParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.Code == "" || p.TenorMonths <= 0 || p.Markets <= 0 || p.BasisDate.IsZero() {
		return fmt.Errorf("%w: code=%q tenor=%d markets=%d", ErrInvalidParams, p.Code, p.TenorMonths, p.Markets)
	}
	if c.ledger.Initialized(p.Code) {
		return fmt.Errorf("%w: %s", genesis.ErrAlreadyInitialized, p.Code)
	}
	if p.InitialCompoundFactor.IsZero() {
		p.InitialCompoundFactor = decimal.NewFromInt(1)
	}
	if !p.InitialCompoundFactor.IsPositive() {
		return fmt.Errorf("%w: initial compound factor %s", ErrInvalidParams, p.InitialCompoundFactor)
	}

	start := c.event(models.EventCurrencyInitialized, p.Code)
	start.BasisDate = daycount.Date(p.BasisDate)
	start.TenorMonths = p.TenorMonths
	start.CompoundFactor = p.InitialCompoundFactor
	evs := []models.Event{start}

	cs := &currencyState{code: p.Code, basisDate: start.BasisDate, tenorMonths: p.TenorMonths}
	for k := 1; k <= p.Markets; k++ {
		evs = append(evs, c.marketCreated(cs, k))
	}
	_, err := c.commit(ctx, evs, nil)
	return err
}

func (c *Controller) marketCreated(cs *currencyState, slot int) models.Event {
	e := c.event(models.EventMarketCreated, cs.code)
	e.BasisDate = cs.slotMaturity(slot - 1)
	e.Maturity = cs.slotMaturity(slot)
	return e
}

// CreateMarket appends a market at the next tenor slot.
func (c *Controller) CreateMarket(ctx context.Context, currency string) (market.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(currency)
	if err != nil {
		return market.Info{}, err
	}
	if _, err := c.commit(ctx, []models.Event{c.marketCreated(cs, cs.slots+1)}, nil); err != nil {
		return market.Info{}, err
	}
	return cs.active[len(cs.active)-1].Info(), nil
}

// GetMaturities returns the active maturities oldest first.
func (c *Controller) GetMaturities(currency string) ([]time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(currency)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(cs.active))
	for i, m := range cs.active {
		out[i] = m.Maturity()
	}
	return out, nil
}

type OrderRequest struct {
	Currency string      `json:"currency"`
	Maturity time.Time   `json:"maturity"`
	Owner    string      `json:"owner"`
	Side     models.Side `json:"side"`
	Rate     int64       `json:"rate"`
	Amount   int64       `json:"amount"`
}

type OrderResult struct {
	OrderID models.OrderID `json:"order_id,omitempty"`
	Trades  []market.Trade `json:"trades"`
	Filled  int64          `json:"filled"`
	Resting int64          `json:"resting"`
}

// PlaceOrder crosses the book and rests any remainder.
func (c *Controller) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	return c.submit(ctx, req, false)
}

// TakeOrder only matches; it fails with orderbook.ErrNoLiquidity when
// nothing fills.
func (c *Controller) TakeOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	return c.submit(ctx, req, true)
}

func (c *Controller) submit(ctx context.Context, req OrderRequest, takeOnly bool) (OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(req.Currency)
	if err != nil {
		return OrderResult{}, err
	}
	m, err := cs.activeMarket(req.Maturity)
	if err != nil {
		return OrderResult{}, err
	}
	exec, err := m.Preview(req.Owner, req.Side, req.Rate, req.Amount, takeOnly)
	if err != nil {
		return OrderResult{}, err
	}

	undo, err := c.moveExposure(req.Currency, exposureMoves(m, exec.Deltas))
	if err != nil {
		return OrderResult{}, err
	}

	var evs []models.Event
	for _, t := range exec.Trades {
		e := c.event(models.EventOrderFilled, req.Currency)
		e.Maturity = m.Maturity()
		e.Owner = req.Owner
		e.Side = req.Side
		e.MakerOrderID = t.MakerOrderID
		e.Counterparty = t.MakerOwner
		e.Rate = t.Rate
		e.Amount = t.Amount
		e.FutureValue = t.FutureValue
		evs = append(evs, e)
	}
	result := OrderResult{Trades: exec.Trades, Filled: exec.Filled(), Resting: exec.Resting}
	if exec.Resting > 0 {
		result.OrderID = c.nextOrderID
		e := c.event(models.EventOrderPlaced, req.Currency)
		e.Maturity = m.Maturity()
		e.OrderID = result.OrderID
		e.Owner = req.Owner
		e.Side = req.Side
		e.Rate = req.Rate
		e.Amount = exec.Resting
		evs = append(evs, e)
	}

	if _, err := c.commit(ctx, evs, undo); err != nil {
		return OrderResult{}, err
	}
	return result, nil
}

type exposureMove struct {
	owner   string
	amount  decimal.Decimal
	reserve bool
}

// exposureMoves follows the negative part of each owner's future value: a
// growing debt reserves the increase, a shrinking one releases it.
func exposureMoves(m Market, deltas map[string]decimal.Decimal) []exposureMove {
	owners := make([]string, 0, len(deltas))
	for owner := range deltas {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	var moves []exposureMove
	for _, owner := range owners {
		before := m.FutureValueOf(owner)
		after := before.Add(deltas[owner])
		change := debt(after).Sub(debt(before))
		switch {
		case change.IsPositive():
			moves = append(moves, exposureMove{owner: owner, amount: change, reserve: true})
		case change.IsNegative():
			moves = append(moves, exposureMove{owner: owner, amount: change.Neg()})
		}
	}
	return moves
}

func debt(fv decimal.Decimal) decimal.Decimal {
	if fv.IsNegative() {
		return fv.Neg()
	}
	return decimal.Zero
}

// moveExposure applies moves in order. On failure it reverts the moves already
// made and returns the error; on success it returns a func that reverts them.
func (c *Controller) moveExposure(currency string, moves []exposureMove) (func(), error) {
	if c.exposure == nil || len(moves) == 0 {
		return func() {}, nil
	}
	done := make([]exposureMove, 0, len(moves))
	undo := func() {
		for i := len(done) - 1; i >= 0; i-- {
			mv := done[i]
			mv.reserve = !mv.reserve
			if err := c.applyMove(currency, mv); err != nil {
				log.Printf("[exchange] revert exposure %s %s: %v", mv.owner, mv.amount, err)
			}
		}
	}
	for _, mv := range moves {
		if err := c.applyMove(currency, mv); err != nil {
			undo()
			return nil, err
		}
		done = append(done, mv)
	}
	return undo, nil
}

func (c *Controller) applyMove(currency string, mv exposureMove) error {
	if mv.reserve {
		return c.exposure.ReserveExposure(mv.owner, currency, mv.amount)
	}
	return c.exposure.ReleaseExposure(mv.owner, currency, mv.amount)
}

// CancelOrder removes a resting order. Only its owner may cancel it, and only
// while its market is open.
func (c *Controller) CancelOrder(ctx context.Context, owner string, id models.OrderID) (models.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok := c.orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %d", orderbook.ErrOrderNotFound, id)
	}
	cs, err := c.currency(ref.currency)
	if err != nil {
		return models.Order{}, err
	}
	m, err := cs.anyMarket(ref.maturity)
	if err != nil {
		return models.Order{}, err
	}
	o, err := m.Lookup(owner, id)
	if err != nil {
		return models.Order{}, err
	}

	e := c.event(models.EventOrderCancelled, ref.currency)
	e.Maturity = ref.maturity
	e.OrderID = id
	e.Owner = owner
	e.Side = o.Side
	e.Rate = o.Rate
	e.Amount = o.Amount
	if _, err := c.commit(ctx, []models.Event{e}, nil); err != nil {
		return models.Order{}, err
	}
	return o, nil
}

// RotateLendingMarkets retires the oldest market once it has matured: its
// compound factor is fixed in the genesis ledger and a new market opens at the
// next tenor slot.
func (c *Controller) RotateLendingMarkets(ctx context.Context, currency string) (Rotation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(currency)
	if err != nil {
		return Rotation{}, err
	}
	if len(cs.active) == 0 {
		return Rotation{}, fmt.Errorf("%w: %s has no active markets", ErrMarketNotFound, currency)
	}
	front := cs.active[0]
	node, err := c.ledger.PreviewRotate(front)
	if err != nil {
		return Rotation{}, err
	}

	created := c.marketCreated(cs, cs.slots+1)
	rotated := c.event(models.EventMarketRotated, currency)
	rotated.Maturity = front.Maturity()
	rotated.BasisDate = front.BasisDate()
	rotated.NewMaturity = created.Maturity
	rotated.CompoundFactor = node.CompoundFactor
	rotated.Rate = node.Rate
	rotated.TenorDays = node.TenorDays

	if _, err := c.commit(ctx, []models.Event{rotated, created}, nil); err != nil {
		return Rotation{}, err
	}
	r := cs.rotations[len(cs.rotations)-1]
	log.Printf("[exchange] rotated %s %s -> %s factor=%s", currency,
		r.Maturity.Format(time.DateOnly), r.NewMaturity.Format(time.DateOnly), r.CompoundFactor)
	return r, nil
}

// RotateMatured rotates every matured market at the front of the currency's
// window and returns the rotations made, possibly none.
func (c *Controller) RotateMatured(ctx context.Context, currency string) ([]Rotation, error) {
	var out []Rotation
	for {
		r, err := c.RotateLendingMarkets(ctx, currency)
		if errors.Is(err, genesis.ErrMarketNotMatured) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
}

// ConvertToGenesisValue moves an owner's future value in a rotated market
// into genesis value.
func (c *Controller) ConvertToGenesisValue(ctx context.Context, currency string, maturity time.Time, owner string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(currency)
	if err != nil {
		return decimal.Zero, err
	}
	m, err := cs.anyMarket(maturity)
	if err != nil {
		return decimal.Zero, err
	}
	delta, err := c.ledger.PreviewConvert(owner, m)
	if err != nil {
		return decimal.Zero, err
	}
	factor, err := c.ledger.CompoundFactor(currency, maturity)
	if err != nil {
		return decimal.Zero, err
	}

	e := c.event(models.EventValueConverted, currency)
	e.Maturity = m.Maturity()
	e.Owner = owner
	e.FutureValue = m.FutureValueOf(owner)
	e.GenesisValue = delta
	e.CompoundFactor = factor
	if _, err := c.commit(ctx, []models.Event{e}, nil); err != nil {
		return decimal.Zero, err
	}
	return delta, nil
}

// TransferGenesisValue moves genesis value from one owner to another.
func (c *Controller) TransferGenesisValue(ctx context.Context, currency, from, to string, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.currency(currency); err != nil {
		return err
	}
	if err := c.ledger.CheckTransfer(currency, from, to, amount); err != nil {
		return err
	}
	e := c.event(models.EventValueTransferred, currency)
	e.Owner = from
	e.Counterparty = to
	e.GenesisValue = amount
	_, err := c.commit(ctx, []models.Event{e}, nil)
	return err
}

// UpdateYieldCurve rebuilds the currency's curve from anchors and hands the
// snapshot to every active market.
func (c *Controller) UpdateYieldCurve(ctx context.Context, currency string, rates, terms []int64) (*curve.Curve, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(currency)
	if err != nil {
		return nil, err
	}
	if _, err := curve.Build(rates, terms); err != nil {
		return nil, err
	}
	e := c.event(models.EventCurveUpdated, currency)
	e.Rates = append([]int64(nil), rates...)
	e.Terms = append([]int64(nil), terms...)
	if _, err := c.commit(ctx, []models.Event{e}, nil); err != nil {
		return nil, err
	}
	return cs.curve, nil
}

func (c *Controller) YieldCurve(currency string) (*curve.Curve, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(currency)
	if err != nil {
		return nil, err
	}
	return cs.curve, nil
}

// GetTotalPresentValue sums an owner's present value over open markets.
func (c *Controller) GetTotalPresentValue(currency, owner string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalPresentValue(currency, owner)
}

func (c *Controller) totalPresentValue(currency, owner string) (decimal.Decimal, error) {
	cs, err := c.currency(currency)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, m := range cs.active {
		if m.State() != market.Open {
			continue
		}
		total = total.Add(m.PresentValueOf(owner))
	}
	return total, nil
}

// GetTotalPresentValueInReference prices the total present value in the
// reference unit. Matching never uses it.
func (c *Controller) GetTotalPresentValueInReference(currency, owner string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reference == nil {
		return decimal.Zero, ErrNoReference
	}
	pv, err := c.totalPresentValue(currency, owner)
	if err != nil {
		return decimal.Zero, err
	}
	return c.reference.ConvertToReference(currency, pv)
}

func (c *Controller) GetGenesisValue(currency, owner string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.currency(currency); err != nil {
		return decimal.Zero, err
	}
	return c.ledger.GenesisValue(currency, owner), nil
}

// GetFutureValueAt expresses an owner's genesis value at a rotated maturity.
func (c *Controller) GetFutureValueAt(currency, owner string, maturity time.Time) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.currency(currency); err != nil {
		return decimal.Zero, err
	}
	return c.ledger.FutureValueAt(currency, owner, daycount.Date(maturity))
}

func (c *Controller) GetCompoundFactors(currency string) ([]genesis.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Nodes(currency)
}

// GenesisBalances returns every owner's genesis value and the lending and
// borrowing totals.
func (c *Controller) GenesisBalances(currency string) ([]genesis.Balance, decimal.Decimal, decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lending, borrowing, err := c.ledger.Totals(currency)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	return c.ledger.Balances(currency), lending, borrowing, nil
}

type BookView struct {
	Currency string         `json:"currency"`
	Maturity time.Time      `json:"maturity"`
	Lend     []models.Level `json:"lend"`
	Borrow   []models.Level `json:"borrow"`
}

func (c *Controller) Book(currency string, maturity time.Time) (BookView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(currency)
	if err != nil {
		return BookView{}, err
	}
	m, err := cs.activeMarket(maturity)
	if err != nil {
		return BookView{}, err
	}
	return BookView{
		Currency: currency,
		Maturity: maturity,
		Lend:     m.Book().Levels(models.Lend),
		Borrow:   m.Book().Levels(models.Borrow),
	}, nil
}

// MarketInfo summarizes the active markets oldest first.
func (c *Controller) MarketInfo(currency string) ([]market.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(currency)
	if err != nil {
		return nil, err
	}
	out := make([]market.Info, len(cs.active))
	for i, m := range cs.active {
		out[i] = m.Info()
	}
	return out, nil
}

// Positions returns the open future-value positions of one market, active or
// retired.
func (c *Controller) Positions(currency string, maturity time.Time) ([]market.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(currency)
	if err != nil {
		return nil, err
	}
	m, err := cs.anyMarket(maturity)
	if err != nil {
		return nil, err
	}
	return m.Positions(), nil
}

func (c *Controller) Rotations(currency string) ([]Rotation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, err := c.currency(currency)
	if err != nil {
		return nil, err
	}
	return append([]Rotation(nil), cs.rotations...), nil
}

func (c *Controller) Currencies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.currencies))
	for code := range c.currencies {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
