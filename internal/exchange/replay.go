package exchange

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/ratemarket/internal/curve"
	"github.com/xtrntr/ratemarket/internal/market"
	"github.com/xtrntr/ratemarket/internal/models"
)

// Replay rebuilds state from recorded events, oldest first. Exposure is
// reserved again as fills are replayed. Nothing is written to the sink.
func (c *Controller) Replay(ctx context.Context, evs []models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range evs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Type == models.EventOrderFilled {
			if err := c.replayExposure(e); err != nil {
				return fmt.Errorf("replay seq=%d exposure: %w", e.Seq, err)
			}
		}
		if err := c.apply(e); err != nil {
			return fmt.Errorf("replay seq=%d %s: %w", e.Seq, e.Type, err)
		}
	}
	log.Printf("[exchange] replayed %d events", len(evs))
	return nil
}

func (c *Controller) replayExposure(e models.Event) error {
	cs, err := c.currency(e.Currency)
	if err != nil {
		return err
	}
	m, err := cs.activeMarket(e.Maturity)
	if err != nil {
		return err
	}
	t := tradeFromEvent(e)
	deltas := map[string]decimal.Decimal{}
	deltas[t.Lender] = deltas[t.Lender].Add(t.FutureValue)
	deltas[t.Borrower] = deltas[t.Borrower].Sub(t.FutureValue)
	_, err = c.moveExposure(e.Currency, exposureMoves(m, deltas))
	return err
}

// apply mutates in-memory state for one stored event. Live calls validate
// before appending, so a failure here means the log and memory disagree.
func (c *Controller) apply(e models.Event) error {
	switch e.Type {
	case models.EventCurrencyInitialized:
		if err := c.ledger.Initialize(e.Currency, e.BasisDate, e.CompoundFactor); err != nil {
			return err
		}
		c.currencies[e.Currency] = &currencyState{
			code:        e.Currency,
			basisDate:   e.BasisDate,
			tenorMonths: e.TenorMonths,
			retired:     make(map[int64]Market),
		}
		return nil

	case models.EventMarketCreated:
		cs, err := c.currency(e.Currency)
		if err != nil {
			return err
		}
		m, err := c.newMarket(market.Params{
			Currency:  e.Currency,
			BasisDate: e.BasisDate,
			Maturity:  e.Maturity,
			Clock:     c.now,
		})
		if err != nil {
			return err
		}
		m.SetCurve(cs.curve)
		cs.active = append(cs.active, m)
		cs.slots++
		return nil

	case models.EventOrderFilled:
		m, err := c.activeMarket(e)
		if err != nil {
			return err
		}
		t := tradeFromEvent(e)
		if err := m.ApplyTrade(t); err != nil {
			return err
		}
		if _, ok := m.Book().Order(t.MakerOrderID); !ok {
			delete(c.orders, t.MakerOrderID)
		}
		return nil

	case models.EventOrderPlaced:
		m, err := c.activeMarket(e)
		if err != nil {
			return err
		}
		id, err := m.Rest(models.Order{ID: e.OrderID, Owner: e.Owner, Side: e.Side, Rate: e.Rate, Amount: e.Amount})
		if err != nil {
			return err
		}
		c.orders[id] = orderRef{currency: e.Currency, maturity: m.Maturity()}
		if id >= c.nextOrderID {
			c.nextOrderID = id + 1
		}
		return nil

	case models.EventOrderCancelled:
		cs, err := c.currency(e.Currency)
		if err != nil {
			return err
		}
		m, err := cs.anyMarket(e.Maturity)
		if err != nil {
			return err
		}
		// the book cancel skips the open check: a replayed cancel may
		// belong to a market that has matured since
		if _, err := m.Book().Cancel(e.OrderID); err != nil {
			return err
		}
		delete(c.orders, e.OrderID)
		return nil

	case models.EventMarketRotated:
		return c.applyRotation(e)

	case models.EventValueConverted:
		cs, err := c.currency(e.Currency)
		if err != nil {
			return err
		}
		m, err := cs.anyMarket(e.Maturity)
		if err != nil {
			return err
		}
		delta, err := c.ledger.Convert(e.Owner, m)
		if err != nil {
			return err
		}
		if !delta.Equal(e.GenesisValue) {
			return fmt.Errorf("%w: converted %s, recorded %s", ErrReplayDiverged, delta, e.GenesisValue)
		}
		return nil

	case models.EventValueTransferred:
		return c.ledger.Transfer(e.Currency, e.Owner, e.Counterparty, e.GenesisValue)

	case models.EventCurveUpdated:
		cs, err := c.currency(e.Currency)
		if err != nil {
			return err
		}
		cv, err := curve.Build(e.Rates, e.Terms)
		if err != nil {
			return err
		}
		cs.curve = cv
		for _, m := range cs.active {
			m.SetCurve(cv)
		}
		return nil

	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}

func (c *Controller) activeMarket(e models.Event) (Market, error) {
	cs, err := c.currency(e.Currency)
	if err != nil {
		return nil, err
	}
	return cs.activeMarket(e.Maturity)
}

func (c *Controller) applyRotation(e models.Event) error {
	cs, err := c.currency(e.Currency)
	if err != nil {
		return err
	}
	if len(cs.active) == 0 || !cs.active[0].Maturity().Equal(e.Maturity) {
		return fmt.Errorf("%w: rotation of %s is not the oldest market", ErrReplayDiverged, e.Maturity.Format(time.DateOnly))
	}
	front := cs.active[0]
	node, err := c.ledger.Rotate(front)
	if err != nil {
		return err
	}
	if !node.CompoundFactor.Equal(e.CompoundFactor) {
		return fmt.Errorf("%w: factor %s, recorded %s", ErrReplayDiverged, node.CompoundFactor, e.CompoundFactor)
	}
	cs.retired[front.Maturity().Unix()] = front
	cs.active = cs.active[1:]
	cs.rotations = append(cs.rotations, Rotation{
		Currency:       e.Currency,
		Maturity:       node.Maturity,
		NewMaturity:    e.NewMaturity,
		CompoundFactor: node.CompoundFactor,
		Rate:           node.Rate,
		TenorDays:      node.TenorDays,
		Time:           e.Time,
	})
	return nil
}

// tradeFromEvent rebuilds a fill from an order.filled event, whose owner and
// side are the taker's.
func tradeFromEvent(e models.Event) market.Trade {
	t := market.Trade{
		Fill: models.Fill{
			MakerOrderID: e.MakerOrderID,
			MakerOwner:   e.Counterparty,
			MakerSide:    e.Side.Opposite(),
			Rate:         e.Rate,
			Amount:       e.Amount,
		},
		FutureValue: e.FutureValue,
	}
	t.Lender, t.Borrower = e.Owner, e.Counterparty
	if e.Side == models.Borrow {
		t.Lender, t.Borrower = e.Counterparty, e.Owner
	}
	return t
}
