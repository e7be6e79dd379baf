// Package exposure is an in-process capacity ledger for borrowing exposure.
package exposure

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientCapacity   = errors.New("insufficient exposure capacity")
	ErrReleaseExceedsReserved = errors.New("release exceeds reserved exposure")
	ErrInvalidAmount          = errors.New("invalid exposure amount")
)

type key struct {
	owner, currency string
}

// Manager tracks reserved exposure per owner and currency against a limit.
// Owners without an explicit limit get the default; a zero default means
// unlimited.
type Manager struct {
	mu           sync.Mutex
	defaultLimit decimal.Decimal
	limits       map[key]decimal.Decimal
	reserved     map[key]decimal.Decimal
}

func NewManager(defaultLimit decimal.Decimal) *Manager {
	return &Manager{
		defaultLimit: defaultLimit,
		limits:       make(map[key]decimal.Decimal),
		reserved:     make(map[key]decimal.Decimal),
	}
}

// SetLimit sets the capacity of one owner in one currency.
func (m *Manager) SetLimit(owner, currency string, limit decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[key{owner, currency}] = limit
}

func (m *Manager) ReserveExposure(owner, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{owner, currency}
	limit, ok := m.limits[k]
	if !ok {
		limit = m.defaultLimit
	}
	next := m.reserved[k].Add(amount)
	if limit.IsPositive() && next.GreaterThan(limit) {
		return fmt.Errorf("%w: %s %s wants %s of %s", ErrInsufficientCapacity, owner, currency, next, limit)
	}
	m.reserved[k] = next
	return nil
}

// ReleaseExposure returns reserved capacity. Releasing more than is reserved
// fails instead of saturating at zero.
func (m *Manager) ReleaseExposure(owner, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{owner, currency}
	held := m.reserved[k]
	if amount.GreaterThan(held) {
		return fmt.Errorf("%w: %s %s holds %s, release %s", ErrReleaseExceedsReserved, owner, currency, held, amount)
	}
	if left := held.Sub(amount); left.IsZero() {
		delete(m.reserved, k)
	} else {
		m.reserved[k] = left
	}
	return nil
}

func (m *Manager) Reserved(owner, currency string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved[key{owner, currency}]
}
