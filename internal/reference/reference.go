// Package reference converts currency amounts into a single reference unit
// for reporting.
package reference

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrUnknownCurrency = errors.New("no reference price for currency")

// Table is a static price table: one unit of a currency is worth its price in
// the reference unit.
type Table struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewTable(prices map[string]decimal.Decimal) *Table {
	t := &Table{prices: make(map[string]decimal.Decimal, len(prices))}
	for c, p := range prices {
		t.prices[c] = p
	}
	return t
}

func (t *Table) Set(currency string, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[currency] = price
}

func (t *Table) ConvertToReference(currency string, amount decimal.Decimal) (decimal.Decimal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return amount.Mul(p), nil
}
