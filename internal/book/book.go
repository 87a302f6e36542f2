// Package book implements the pure, deterministic order-book data
// structure: price-time priority matching with partial fills and
// cancellation (spec.md §4.1). No I/O, no clocks — every operation is a
// function of the book's current state and its argument.
package book

import (
	"errors"

	"github.com/tidwall/btree"

	"duskex/internal/common"
)

var ErrOrderNotFound = errors.New("order not found")

// PriceLevel is an insertion-ordered queue of resident limit orders at a
// single price. Empty levels are always excised immediately (spec.md §8
// property 2): nothing in this package ever stores a PriceLevel with a
// nil or empty Orders slice.
type PriceLevel struct {
	Price  int64
	Orders []common.LimitOrder
}

type levels = btree.BTreeG[*PriceLevel]

type locator struct {
	side  common.Side
	price int64
}

// OrderBook holds both sides of a single trading pair. Bids iterate with
// the highest price first; asks iterate with the lowest price first.
type OrderBook struct {
	Bids *levels
	Asks *levels

	index map[common.OrderID]locator
}

// New returns an empty order book.
func New() *OrderBook {
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool { return a.Price > b.Price })
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool { return a.Price < b.Price })
	return &OrderBook{
		Bids:  bids,
		Asks:  asks,
		index: make(map[common.OrderID]locator),
	}
}

func sideLevels(b *OrderBook, side common.Side) *levels {
	if side == common.Buy {
		return b.Bids
	}
	return b.Asks
}

func oppositeLevels(b *OrderBook, side common.Side) *levels {
	if side == common.Buy {
		return b.Asks
	}
	return b.Bids
}

// Add appends lo to the tail of the queue at its price on its side,
// creating the level if absent. This is the in-place realization of
// spec.md §4.1's `add(book, lo) → book'`.
func (b *OrderBook) Add(lo common.LimitOrder) {
	ls := sideLevels(b, lo.Order.Side)
	price := lo.Order.Price
	level, ok := ls.GetMut(&PriceLevel{Price: price})
	if ok {
		level.Orders = append(level.Orders, lo)
	} else {
		ls.Set(&PriceLevel{Price: price, Orders: []common.LimitOrder{lo}})
	}
	b.index[lo.ID()] = locator{side: lo.Order.Side, price: price}
}

// Cancel locates id across both sides and, if present, removes it,
// dropping the level if its queue becomes empty. It returns the
// OrderCanceled event for the caller to persist/publish, and false if the
// id was not resident.
func (b *OrderBook) Cancel(id common.OrderID) (common.OrderCanceled, bool) {
	loc, ok := b.index[id]
	if !ok {
		return common.OrderCanceled{}, false
	}
	ls := sideLevels(b, loc.side)
	level, ok := ls.GetMut(&PriceLevel{Price: loc.price})
	if !ok {
		delete(b.index, id)
		return common.OrderCanceled{}, false
	}

	var removed common.LimitOrder
	found := false
	remaining := level.Orders[:0]
	for _, o := range level.Orders {
		if !found && o.ID() == id {
			removed = o
			found = true
			continue
		}
		remaining = append(remaining, o)
	}
	if !found {
		delete(b.index, id)
		return common.OrderCanceled{}, false
	}

	level.Orders = remaining
	if len(level.Orders) == 0 {
		ls.Delete(level)
	}
	delete(b.index, id)
	return common.OrderCanceled{Order: removed}, true
}

// Contains reports whether id currently resides in the book, used by
// invariant checks (spec.md §8 property 1).
func (b *OrderBook) Contains(id common.OrderID) bool {
	_, ok := b.index[id]
	return ok
}

// bestOpposite returns the head order of the best price level on the side
// opposite incoming, without mutating the book.
func bestOpposite(b *OrderBook, side common.Side) (common.LimitOrder, bool) {
	ls := oppositeLevels(b, side)
	level, ok := ls.Min()
	if !ok || len(level.Orders) == 0 {
		return common.LimitOrder{}, false
	}
	return level.Orders[0], true
}

// crosses reports whether incoming's price crosses the resting best price
// on the opposite side, per spec.md §4.1's non-crossing rule.
func crosses(side common.Side, incomingPrice, bestOppositePrice int64) bool {
	if side == common.Buy {
		return incomingPrice >= bestOppositePrice
	}
	return incomingPrice <= bestOppositePrice
}

// MatchOrder is the single-step matcher. It performs no state change: the
// caller applies the returned event via UpdateState. This is the pure
// function spec.md §4.1 names `matchOrder(book, incoming) → Event`.
func (b *OrderBook) MatchOrder(incoming common.LimitOrder) common.Event {
	best, ok := bestOpposite(b, incoming.Order.Side)
	if !ok || !crosses(incoming.Order.Side, incoming.Order.Price, best.Order.Price) {
		return common.OrderAdded{Order: incoming}
	}
	traded := min(incoming.RemainingAmount, best.RemainingAmount)
	return common.OrderExecuted{
		Submitted:    incoming,
		Counter:      best,
		TradedAmount: traded,
		Price:        best.Order.Price,
	}
}

// UpdateState applies an event produced by MatchOrder or Cancel to the
// book, per spec.md §4.1.
func (b *OrderBook) UpdateState(ev common.Event) {
	switch e := ev.(type) {
	case common.OrderAdded:
		b.Add(e.Order)
	case common.OrderExecuted:
		b.applyExecution(e)
	case common.OrderCanceled:
		b.Cancel(e.Order.ID())
	}
}

func (b *OrderBook) applyExecution(e common.OrderExecuted) {
	ls := oppositeLevels(b, e.Submitted.Order.Side)
	level, ok := ls.GetMut(&PriceLevel{Price: e.Counter.Order.Price})
	if !ok || len(level.Orders) == 0 {
		return
	}
	head := level.Orders[0]
	if head.ID() != e.Counter.ID() {
		return
	}
	head.RemainingAmount -= e.TradedAmount
	if head.RemainingAmount <= 0 {
		level.Orders = level.Orders[1:]
		delete(b.index, e.Counter.ID())
		if len(level.Orders) == 0 {
			ls.Delete(level)
		}
	} else {
		level.Orders[0] = head
	}
	// Submitted is an incoming order being matched, not yet resident; the
	// caller tracks its own remaining amount across matching-loop steps.
}

// BestBid returns the highest resting bid price, if any.
func (b *OrderBook) BestBid() (int64, bool) {
	level, ok := b.Bids.Min()
	if !ok {
		return 0, false
	}
	return level.Price, true
}

// BestAsk returns the lowest resting ask price, if any.
func (b *OrderBook) BestAsk() (int64, bool) {
	level, ok := b.Asks.Min()
	if !ok {
		return 0, false
	}
	return level.Price, true
}

// DepthLevel summarizes a single price level for read responses.
type DepthLevel struct {
	Price       int64
	TotalAmount int64
}

// Depth returns up to maxDepth levels on each side, best price first, for
// the "Get order book" response (spec.md §6).
func (b *OrderBook) Depth(maxDepth int) (bids, asks []DepthLevel) {
	b.Bids.Scan(func(l *PriceLevel) bool {
		if len(bids) >= maxDepth {
			return false
		}
		bids = append(bids, summarize(l))
		return true
	})
	b.Asks.Scan(func(l *PriceLevel) bool {
		if len(asks) >= maxDepth {
			return false
		}
		asks = append(asks, summarize(l))
		return true
	})
	return bids, asks
}

func summarize(l *PriceLevel) DepthLevel {
	var total int64
	for _, o := range l.Orders {
		total += o.RemainingAmount
	}
	return DepthLevel{Price: l.Price, TotalAmount: total}
}

// Orders returns every resident order across both sides, in queue order,
// side by side, for RecoverFromOrderBook (spec.md §4.3) and for building
// snapshots.
func (b *OrderBook) Orders() []common.LimitOrder {
	var out []common.LimitOrder
	b.Bids.Scan(func(l *PriceLevel) bool {
		out = append(out, l.Orders...)
		return true
	})
	b.Asks.Scan(func(l *PriceLevel) bool {
		out = append(out, l.Orders...)
		return true
	})
	return out
}

// RebuildIndex reconstructs the id→locator map from the resident orders
// (spec.md §9). The controller's snapshot recovery does not call it: it
// re-adds each snapshot order through Add, which keeps the index current.
func (b *OrderBook) RebuildIndex() {
	b.index = make(map[common.OrderID]locator)
	b.Bids.Scan(func(l *PriceLevel) bool {
		for _, o := range l.Orders {
			b.index[o.ID()] = locator{side: common.Buy, price: l.Price}
		}
		return true
	})
	b.Asks.Scan(func(l *PriceLevel) bool {
		for _, o := range l.Orders {
			b.index[o.ID()] = locator{side: common.Sell, price: l.Price}
		}
		return true
	})
}
