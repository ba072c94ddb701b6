package engine

import (
	"sort"

	"github.com/matchcore-io/matchcore/internal/core/types"
)

// OrdersByUser returns a snapshot of every currently-resting order owned by
// userID, ordered by id, for the supplemented "my orders" listing
// (SPEC_FULL.md §4). The snapshot is a shallow copy of each *types.Order so
// callers never observe a partial mutation from the consumer goroutine.
func (e *Engine) OrdersByUser(userID int64) []*types.Order {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	out := make([]*types.Order, 0)
	for _, o := range e.orders {
		if o.UserID != userID {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
