package book

import (
	"container/heap"

	"github.com/matchcore-io/matchcore/internal/core/types"
)

// orderHeap is a price-time priority heap of resting orders on one side of
// one pair's book. It tracks each order's slot so Remove can locate and
// extract an order in O(log n) instead of a linear scan, generalizing the
// teacher's OrderHeap (internal/core/matching/order_book.go) and
// mkhoshkam-orderbook's bidHeap/askHeap split.
type orderHeap struct {
	orders []*types.Order
	pos    map[int64]int // order ID -> index into orders
	isBid  bool          // true: max-heap by price (bids); false: min-heap (asks)
}

func newOrderHeap(isBid bool) *orderHeap {
	h := &orderHeap{pos: make(map[int64]int), isBid: isBid}
	heap.Init(h)
	return h
}

func (h *orderHeap) Len() int { return len(h.orders) }

// Less implements price-time priority (spec.md §4.3 rule 5): better price
// first, ties broken by earlier CreatedAt then smaller ID.
func (h *orderHeap) Less(i, j int) bool {
	a, b := h.orders[i], h.orders[j]
	if !a.Price.Equal(b.Price) {
		if h.isBid {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (h *orderHeap) Swap(i, j int) {
	h.orders[i], h.orders[j] = h.orders[j], h.orders[i]
	h.pos[h.orders[i].ID] = i
	h.pos[h.orders[j].ID] = j
}

func (h *orderHeap) Push(x interface{}) {
	o := x.(*types.Order)
	h.pos[o.ID] = len(h.orders)
	h.orders = append(h.orders, o)
}

func (h *orderHeap) Pop() interface{} {
	n := len(h.orders)
	o := h.orders[n-1]
	h.orders[n-1] = nil
	h.orders = h.orders[:n-1]
	delete(h.pos, o.ID)
	return o
}

// peek returns the best (top priority) resting order without removing it.
func (h *orderHeap) peek() *types.Order {
	if len(h.orders) == 0 {
		return nil
	}
	return h.orders[0]
}

// popBest removes and returns the best resting order.
func (h *orderHeap) popBest() *types.Order {
	if len(h.orders) == 0 {
		return nil
	}
	return heap.Pop(h).(*types.Order)
}

// removeByID extracts a specific order in O(log n): the pos index gives its
// slot directly, and heap.Remove restores the heap from there.
func (h *orderHeap) removeByID(id int64) (*types.Order, bool) {
	idx, ok := h.pos[id]
	if !ok {
		return nil, false
	}
	o := heap.Remove(h, idx).(*types.Order)
	return o, true
}
