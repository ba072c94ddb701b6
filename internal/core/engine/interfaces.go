package engine

import (
	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// WAL is the durability boundary the engine appends to before any mutation
// becomes visible outside its own goroutine (spec.md §4.6). Implementations
// live in internal/wal; the engine only depends on this interface so it can
// be driven by a fake in unit tests.
type WAL interface {
	AppendSubmitOrder(o *types.Order) (seq int64, err error)
	AppendCancelOrder(orderID, userID int64, pair types.Pair) (seq int64, err error)
	AppendBalanceDelta(userID int64, asset string, deltaAvailable, deltaLocked money.Amount) (seq int64, err error)
	AppendTradeRecord(t *types.Trade) (seq int64, err error)
}

// EventPublisher fans engine output out to the DB writer and any other
// observers (internal/eventbus implements this over watermill). Every
// method takes the WAL sequence number of the append that produced the
// event, letting the DB writer advance its checkpoint once a batch
// covering that sequence is durably in the relational store.
type EventPublisher interface {
	PublishTrade(seq int64, t types.Trade)
	PublishBalanceChange(seq int64, c types.BalanceChange)
	PublishOrderStatusChange(seq int64, c types.OrderStatusChange)
}

// noopEvents discards everything; useful for tests that only care about book
// and balance state.
type noopEvents struct{}

func (noopEvents) PublishTrade(int64, types.Trade)                   {}
func (noopEvents) PublishBalanceChange(int64, types.BalanceChange)   {}
func (noopEvents) PublishOrderStatusChange(int64, types.OrderStatusChange) {}
