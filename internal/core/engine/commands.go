package engine

import (
	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// command is the sealed set of messages the engine's single consumer
// goroutine drains in arrival order (spec.md §4.5). Each carries its own
// reply channel so callers block on exactly their own response.
type command interface {
	isCommand()
}

type submitCommand struct {
	order *types.Order
	reply chan<- submitResult
}

type cancelCommand struct {
	orderID int64
	userID  int64
	pair    types.Pair
	reply   chan<- cancelResult
}

type updateBalanceCommand struct {
	userID         int64
	asset          string
	deltaAvailable money.Amount
	reply          chan<- error
}

func (submitCommand) isCommand()        {}
func (cancelCommand) isCommand()        {}
func (updateBalanceCommand) isCommand() {}

type submitResult struct {
	order *types.Order
	err   error
}

type cancelResult struct {
	order *types.Order
	err   error
}
