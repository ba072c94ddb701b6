// Package book implements the per-pair order book described in spec.md
// §4.3: two price-indexed queues (bids descending, asks ascending) with FIFO
// within a price level, and a secondary order-id index for cancellation.
package book

import (
	"container/heap"
	"sync"

	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// Book is one trading pair's order book. All mutation happens from the
// matching engine's single command-processing goroutine (spec.md §5); reads
// (PeekBest, Depth, Snapshot) take a short RLock so API callers can observe
// a consistent snapshot without touching the command channel.
type Book struct {
	Pair types.Pair

	mu   sync.RWMutex
	bids *orderHeap
	asks *orderHeap
}

// New creates an empty order book for pair.
func New(pair types.Pair) *Book {
	return &Book{
		Pair: pair,
		bids: newOrderHeap(true),
		asks: newOrderHeap(false),
	}
}

func (b *Book) sideHeap(side types.Side) *orderHeap {
	if side == types.Buy {
		return b.bids
	}
	return b.asks
}

// Insert adds a resting order to its side of the book. Callers must ensure
// the order has a positive RemainingAmount and a price (limit orders only;
// spec.md §4.3 rule 7 cancels a market order's residual instead of resting
// it).
func (b *Book) Insert(o *types.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	heap.Push(b.sideHeap(o.Side), o)
}

// PeekBest returns the best resting order on side without removing it, or
// nil if that side is empty.
func (b *Book) PeekBest(side types.Side) *types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sideHeap(side).peek()
}

// PopBest removes and returns the best resting order on side.
func (b *Book) PopBest(side types.Side) *types.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sideHeap(side).popBest()
}

// RemoveByID removes a specific resting order, wherever it sits in its
// side's queue, used by cancellation (spec.md §4.5 "Cancel handling").
func (b *Book) RemoveByID(side types.Side, id int64) (*types.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sideHeap(side).removeByID(id)
}

// BestPrice returns the best bid/ask price, or the zero Amount and false if
// that side is empty.
func (b *Book) BestPrice(side types.Side) (money.Amount, bool) {
	o := b.PeekBest(side)
	if o == nil {
		return money.Zero, false
	}
	return o.Price, true
}

// Depth returns up to levels aggregated PriceLevel entries for side, ordered
// best-first. levels <= 0 returns every level.
func (b *Book) Depth(side types.Side, levels int) []types.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := b.sideHeap(side)
	// Aggregate by price while preserving heap-priority order: the heap's
	// underlying slice is not globally sorted, so collect then order by
	// the same comparator used for matching.
	ordered := make([]*types.Order, len(h.orders))
	copy(ordered, h.orders)
	sortByPriority(ordered, h.isBid)

	var out []types.PriceLevel
	for _, o := range ordered {
		if n := len(out); n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Size = out[n-1].Size.Add(o.RemainingAmount)
			out[n-1].Count++
			continue
		}
		if levels > 0 && len(out) == levels {
			break
		}
		out = append(out, types.PriceLevel{Price: o.Price, Size: o.RemainingAmount, Count: 1})
	}
	return out
}

// Snapshot returns the full bid/ask depth for this pair (spec.md §4.7
// get_orderbook). depth <= 0 returns every level on each side.
func (b *Book) Snapshot(depth int) types.OrderBookSnapshot {
	return types.OrderBookSnapshot{
		Pair: b.Pair,
		Bids: b.Depth(types.Buy, depth),
		Asks: b.Depth(types.Sell, depth),
	}
}

// sortByPriority orders a copy of a side's resting orders best-first,
// matching orderHeap.Less without mutating the live heap.
func sortByPriority(orders []*types.Order, isBid bool) {
	less := func(i, j int) bool {
		a, bb := orders[i], orders[j]
		if !a.Price.Equal(bb.Price) {
			if isBid {
				return a.Price.GreaterThan(bb.Price)
			}
			return a.Price.LessThan(bb.Price)
		}
		if !a.CreatedAt.Equal(bb.CreatedAt) {
			return a.CreatedAt.Before(bb.CreatedAt)
		}
		return a.ID < bb.ID
	}
	insertionSort(orders, less)
}

// insertionSort is sufficient here: depth snapshots cover a handful of
// resting orders per pair at a time, not the whole market.
func insertionSort(orders []*types.Order, less func(i, j int) bool) {
	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			orders[j], orders[j-1] = orders[j-1], orders[j]
		}
	}
}
