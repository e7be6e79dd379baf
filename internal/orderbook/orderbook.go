// Package orderbook implements the per-maturity book of lend and borrow limit
// orders. Orders are matched by best rate first and FIFO within a rate.
//
// Orders and rate levels live in two arenas and refer to each other by index,
// so insert, cancel and moving to the next level never scan the whole book.
// Each side keeps its levels in a doubly linked list between two sentinels,
// best rate first: lend levels ascend, borrow levels descend.
package orderbook

import (
	"errors"
	"fmt"

	"github.com/xtrntr/ratemarket/internal/models"
)

// MaxFillsPerMatch bounds the number of resting orders one match may consume.
const MaxFillsPerMatch = 128

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrOrderNotFound  = errors.New("order not found")
	ErrNoLiquidity    = errors.New("no liquidity at an acceptable rate")
	ErrInvalidAmount  = errors.New("invalid amount")
)

const none int32 = 0

type orderNode struct {
	order      models.Order
	level      int32
	prev, next int32
}

type levelNode struct {
	rate       int64
	amount     int64
	count      int
	head, tail int32 // order nodes, FIFO
	prev, next int32 // level nodes, best first
}

type side struct {
	head, tail int32 // sentinel level nodes
	byRate     map[int64]int32
	better     func(a, b int64) bool
}

// Book is a single-writer rate order book. It is not safe for concurrent use;
// callers serialize access.
type Book struct {
	orders     []orderNode
	levels     []levelNode
	freeOrders []int32
	freeLevels []int32
	byID       map[models.OrderID]int32

	lend, borrow side

	nextID models.OrderID
	seq    uint64
}

// New creates an empty book.
func New() *Book {
	b := &Book{
		orders: make([]orderNode, 1, 64), // index 0 is the nil node
		levels: make([]levelNode, 1, 32),
		byID:   make(map[models.OrderID]int32),
		nextID: 1,
	}
	b.lend = b.newSide(func(a, c int64) bool { return a < c })
	b.borrow = b.newSide(func(a, c int64) bool { return a > c })
	return b
}

func (b *Book) newSide(better func(a, b int64) bool) side {
	head := b.allocLevel(levelNode{})
	tail := b.allocLevel(levelNode{})
	b.levels[head].next = tail
	b.levels[tail].prev = head
	return side{head: head, tail: tail, byRate: make(map[int64]int32), better: better}
}

func (b *Book) sideOf(s models.Side) *side {
	if s == models.Lend {
		return &b.lend
	}
	return &b.borrow
}

func (b *Book) allocLevel(l levelNode) int32 {
	if n := len(b.freeLevels); n > 0 {
		idx := b.freeLevels[n-1]
		b.freeLevels = b.freeLevels[:n-1]
		b.levels[idx] = l
		return idx
	}
	b.levels = append(b.levels, l)
	return int32(len(b.levels) - 1)
}

func (b *Book) allocOrder(o orderNode) int32 {
	if n := len(b.freeOrders); n > 0 {
		idx := b.freeOrders[n-1]
		b.freeOrders = b.freeOrders[:n-1]
		b.orders[idx] = o
		return idx
	}
	b.orders = append(b.orders, o)
	return int32(len(b.orders) - 1)
}

// Place rests an order at the tail of its rate level. A zero ID asks the book
// to assign one. Place never matches; callers cross the book first.
func (b *Book) Place(o models.Order) (models.OrderID, error) {
	if !o.Side.Valid() || o.Rate < 0 || o.Amount <= 0 {
		return 0, fmt.Errorf("%w: side=%s rate=%d amount=%d", ErrInvalidOrder, o.Side, o.Rate, o.Amount)
	}
	if o.ID == 0 {
		o.ID = b.nextID
	}
	if _, ok := b.byID[o.ID]; ok {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateOrder, o.ID)
	}
	if o.ID >= b.nextID {
		b.nextID = o.ID + 1
	}
	b.seq++
	o.Seq = b.seq

	s := b.sideOf(o.Side)
	lvl := b.levelFor(s, o.Rate)
	idx := b.allocOrder(orderNode{order: o, level: lvl, prev: b.levels[lvl].tail})
	if t := b.levels[lvl].tail; t != none {
		b.orders[t].next = idx
	} else {
		b.levels[lvl].head = idx
	}
	b.levels[lvl].tail = idx
	b.levels[lvl].amount += o.Amount
	b.levels[lvl].count++
	b.byID[o.ID] = idx
	return o.ID, nil
}

// levelFor returns the level for rate, linking a new one in rate order.
func (b *Book) levelFor(s *side, rate int64) int32 {
	if idx, ok := s.byRate[rate]; ok {
		return idx
	}
	at := b.levels[s.head].next
	for at != s.tail && s.better(b.levels[at].rate, rate) {
		at = b.levels[at].next
	}
	prev := b.levels[at].prev
	idx := b.allocLevel(levelNode{rate: rate, prev: prev, next: at})
	b.levels[prev].next = idx
	b.levels[at].prev = idx
	s.byRate[rate] = idx
	return idx
}

func (b *Book) unlinkLevel(s *side, idx int32) {
	l := b.levels[idx]
	b.levels[l.prev].next = l.next
	b.levels[l.next].prev = l.prev
	delete(s.byRate, l.rate)
	b.levels[idx] = levelNode{}
	b.freeLevels = append(b.freeLevels, idx)
}

// remove unlinks an order node, dropping its level when it empties.
func (b *Book) remove(idx int32) models.Order {
	n := b.orders[idx]
	lvl := &b.levels[n.level]
	if n.prev != none {
		b.orders[n.prev].next = n.next
	} else {
		lvl.head = n.next
	}
	if n.next != none {
		b.orders[n.next].prev = n.prev
	} else {
		lvl.tail = n.prev
	}
	lvl.amount -= n.order.Amount
	lvl.count--
	if lvl.count == 0 {
		b.unlinkLevel(b.sideOf(n.order.Side), n.level)
	}
	delete(b.byID, n.order.ID)
	b.orders[idx] = orderNode{}
	b.freeOrders = append(b.freeOrders, idx)
	return n.order
}

// Cancel removes a resting order.
func (b *Book) Cancel(id models.OrderID) (models.Order, error) {
	idx, ok := b.byID[id]
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return b.remove(idx), nil
}

func acceptable(taker models.Side, levelRate, limit int64) bool {
	if taker == models.Borrow {
		return levelRate <= limit
	}
	return levelRate >= limit
}

// Preview returns the fills an incoming order would produce without touching
// the book. A taker BORROW consumes lend levels at or below limit, a taker
// LEND consumes borrow levels at or above it.
func (b *Book) Preview(taker models.Side, limit, amount int64) ([]models.Fill, error) {
	if !taker.Valid() || amount <= 0 {
		return nil, fmt.Errorf("%w: side=%s amount=%d", ErrInvalidOrder, taker, amount)
	}
	s := b.sideOf(taker.Opposite())
	var fills []models.Fill
	left := amount
	for lvl := b.levels[s.head].next; lvl != s.tail && left > 0; lvl = b.levels[lvl].next {
		if !acceptable(taker, b.levels[lvl].rate, limit) {
			break
		}
		for idx := b.levels[lvl].head; idx != none && left > 0; idx = b.orders[idx].next {
			if len(fills) == MaxFillsPerMatch {
				return fills, nil
			}
			maker := b.orders[idx].order
			qty := min(left, maker.Amount)
			fills = append(fills, models.Fill{
				MakerOrderID: maker.ID,
				MakerOwner:   maker.Owner,
				MakerSide:    maker.Side,
				Rate:         maker.Rate,
				Amount:       qty,
				Remaining:    maker.Amount - qty,
			})
			left -= qty
		}
	}
	if len(fills) == 0 {
		return nil, ErrNoLiquidity
	}
	return fills, nil
}

// Match consumes resting orders for an incoming order. Partial fills shrink
// the head order, full fills remove it and advance.
func (b *Book) Match(taker models.Side, limit, amount int64) ([]models.Fill, error) {
	fills, err := b.Preview(taker, limit, amount)
	if err != nil {
		return nil, err
	}
	for _, f := range fills {
		if err := b.Reduce(f.MakerOrderID, f.Amount); err != nil {
			return nil, err
		}
	}
	return fills, nil
}

// Reduce takes amount off a resting order, removing it when it reaches zero.
func (b *Book) Reduce(id models.OrderID, amount int64) error {
	idx, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	n := &b.orders[idx]
	if amount <= 0 || amount > n.order.Amount {
		return fmt.Errorf("%w: reduce %d by %d", ErrInvalidAmount, n.order.Amount, amount)
	}
	if amount == n.order.Amount {
		b.remove(idx)
		return nil
	}
	n.order.Amount -= amount
	b.levels[n.level].amount -= amount
	return nil
}

// Best returns the best rate on a side.
func (b *Book) Best(s models.Side) (int64, bool) {
	sd := b.sideOf(s)
	first := b.levels[sd.head].next
	if first == sd.tail {
		return 0, false
	}
	return b.levels[first].rate, true
}

// Order returns a resting order by id.
func (b *Book) Order(id models.OrderID) (models.Order, bool) {
	idx, ok := b.byID[id]
	if !ok {
		return models.Order{}, false
	}
	return b.orders[idx].order, true
}

// Levels returns the levels of a side, best first.
func (b *Book) Levels(s models.Side) []models.Level {
	sd := b.sideOf(s)
	var out []models.Level
	for lvl := b.levels[sd.head].next; lvl != sd.tail; lvl = b.levels[lvl].next {
		l := b.levels[lvl]
		out = append(out, models.Level{Rate: l.rate, Amount: l.amount, Orders: l.count})
	}
	return out
}

// Orders returns the resting orders of a side in matching order.
func (b *Book) Orders(s models.Side) []models.Order {
	sd := b.sideOf(s)
	var out []models.Order
	for lvl := b.levels[sd.head].next; lvl != sd.tail; lvl = b.levels[lvl].next {
		for idx := b.levels[lvl].head; idx != none; idx = b.orders[idx].next {
			out = append(out, b.orders[idx].order)
		}
	}
	return out
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	return len(b.byID)
}
