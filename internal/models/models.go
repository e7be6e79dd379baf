package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order: lending or borrowing cash.
type Side uint8

const (
	Lend Side = iota + 1
	Borrow
)

// String returns the lower-case side name.
func (s Side) String() string {
	switch s {
	case Lend:
		return "lend"
	case Borrow:
		return "borrow"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == Lend {
		return Borrow
	}
	return Lend
}

// Valid reports whether s is Lend or Borrow.
func (s Side) Valid() bool {
	return s == Lend || s == Borrow
}

// ParseSide parses "lend" or "borrow".
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lend":
		return Lend, nil
	case "borrow":
		return Borrow, nil
	default:
		return 0, fmt.Errorf("side must be 'lend' or 'borrow', got %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OrderID identifies an order within a market.
type OrderID uint64

// Order is a resting limit order to lend or borrow at a rate.
type Order struct {
	ID     OrderID `json:"id"`
	Owner  string  `json:"owner"`
	Side   Side    `json:"side"`
	Rate   int64   `json:"rate"`   // basis points
	Amount int64   `json:"amount"` // remaining
	Seq    uint64  `json:"seq"`    // insertion sequence, used for time priority
}

// Fill is one execution of an incoming order against a resting order.
type Fill struct {
	MakerOrderID OrderID `json:"maker_order_id"`
	MakerOwner   string  `json:"maker_owner"`
	MakerSide    Side    `json:"maker_side"`
	Rate         int64   `json:"rate"`
	Amount       int64   `json:"amount"`
	Remaining    int64   `json:"remaining"` // maker amount left after the fill
}

// Level is an aggregated view of one rate level.
type Level struct {
	Rate   int64 `json:"rate"`
	Amount int64 `json:"amount"`
	Orders int   `json:"orders"`
}

// EventType names a state change recorded in the event log.
type EventType string

const (
	EventCurrencyInitialized EventType = "currency.initialized"
	EventMarketCreated       EventType = "market.created"
	EventOrderPlaced         EventType = "order.placed"
	EventOrderFilled         EventType = "order.filled"
	EventOrderCancelled      EventType = "order.cancelled"
	EventMarketRotated       EventType = "market.rotated"
	EventValueConverted      EventType = "value.converted"
	EventValueTransferred    EventType = "value.transferred"
	EventCurveUpdated        EventType = "curve.updated"
)

// Event is a structured record of one state change. Replaying the events of a
// journal in sequence order rebuilds the controller state.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	Seq            uint64          `json:"seq"`
	Type           EventType       `json:"type"`
	Time           time.Time       `json:"time"`
	Currency       string          `json:"currency"`
	Maturity       time.Time       `json:"maturity,omitempty"`
	BasisDate      time.Time       `json:"basis_date,omitempty"`
	NewMaturity    time.Time       `json:"new_maturity,omitempty"`
	OrderID        OrderID         `json:"order_id,omitempty"`
	MakerOrderID   OrderID         `json:"maker_order_id,omitempty"`
	Owner          string          `json:"owner,omitempty"`
	Counterparty   string          `json:"counterparty,omitempty"`
	Side           Side            `json:"side,omitempty"`
	Rate           int64           `json:"rate,omitempty"`
	Amount         int64           `json:"amount,omitempty"`
	TenorMonths    int             `json:"tenor_months,omitempty"`
	TenorDays      int64           `json:"tenor_days,omitempty"`
	FutureValue    decimal.Decimal `json:"future_value"`
	GenesisValue   decimal.Decimal `json:"genesis_value"`
	CompoundFactor decimal.Decimal `json:"compound_factor"`
	Rates          []int64         `json:"rates,omitempty"`
	Terms          []int64         `json:"terms,omitempty"`
}

// NewEvent stamps a fresh event with an id and time.
func NewEvent(typ EventType, currency string, at time.Time) Event {
	return Event{
		ID:       uuid.New(),
		Type:     typ,
		Time:     at,
		Currency: currency,
	}
}
