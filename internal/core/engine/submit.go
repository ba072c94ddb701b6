package engine

import (
	"github.com/matchcore-io/matchcore/internal/core/book"
	"github.com/matchcore-io/matchcore/internal/core/types"
	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// handleSubmit runs spec.md §4.5 "Submit handling" steps 1-6. It is only
// ever called from the engine's single consumer goroutine.
func (e *Engine) handleSubmit(o *types.Order) (*types.Order, error) {
	start := now()
	if err := validateOrder(o); err != nil {
		e.observeOrderRejected(err)
		return nil, err
	}
	bk, err := e.bookFor(o.Pair)
	if err != nil {
		e.observeOrderRejected(err)
		return nil, err
	}

	asset, lockAmount := requiredLock(o)
	if err := e.balances.Lock(o.UserID, asset, lockAmount); err != nil {
		e.observeOrderRejected(err)
		return nil, err
	}

	o.ID = e.orderGen.Next()
	o.CreatedAt = now()
	o.Status = types.StatusPending
	o.RemainingAmount = o.Amount
	o.RemainingQuoteAmount = o.QuoteAmount
	o.FilledAmount = money.Zero
	o.FilledQuoteAmount = money.Zero

	seq, err := e.wal.AppendSubmitOrder(o)
	if err != nil {
		// The order never takes effect: return the lock and surface
		// Durability, matching step 3's contract that a failed append
		// produces no further state change.
		_ = e.balances.Unlock(o.UserID, asset, lockAmount)
		e.emitBalanceChange(o.UserID, asset)
		werr := coreerrors.Wrap(err, coreerrors.CodeDurability, "WAL append failed for submit order")
		e.degrade(werr)
		e.observeOrderRejected(werr)
		return nil, werr
	}
	e.markSeq(seq)
	e.emitBalanceChange(o.UserID, asset)

	e.matchTaker(o, bk)
	e.settleResidual(o, bk)
	if e.metrics != nil {
		e.metrics.ObserveOrderSubmitted(o.Pair.String(), string(o.Side), string(o.Kind), now().Sub(start))
	}
	return o, nil
}

// observeOrderRejected records a submit_order rejection tagged by its error
// code, for the orders accepted vs. rejected split on the /metrics surface.
func (e *Engine) observeOrderRejected(err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveOrderRejected(string(coreerrors.GetCode(err)))
}

// settleResidual implements step 5/6: a Limit order's residual rests in the
// book; a Market order's residual is cancelled and its lock released.
func (e *Engine) settleResidual(o *types.Order, bk *book.Book) {
	switch o.Kind {
	case types.Limit:
		if o.RemainingAmount.IsPositive() {
			bk.Insert(o)
			e.ordersMu.Lock()
			e.orders[o.ID] = o
			e.ordersMu.Unlock()
			if o.FilledAmount.IsZero() {
				o.Status = types.StatusPending
			} else {
				o.Status = types.StatusPartial
			}
			e.emitOrderStatusChange(o)
			return
		}
		o.Status = types.StatusFilled
		e.emitOrderStatusChange(o)

	case types.Market:
		residualAsset, residualAmount := marketResidual(o)
		if residualAmount.IsPositive() {
			if err := e.walUnlock(o.UserID, residualAsset, residualAmount); err != nil {
				e.degrade(err)
				return
			}
			// A market order never rests; whatever it could not fill is
			// cancelled outright (spec.md §4.3 rule 7).
			o.Status = types.StatusCancelled
		} else {
			o.Status = types.StatusFilled
		}
		e.emitOrderStatusChange(o)
	}
}

// marketResidual returns the asset and amount still locked for a market
// order once matching has stopped: the unconsumed quote for a MarketBuy, or
// the unconsumed base for a MarketSell.
func marketResidual(o *types.Order) (asset string, amount money.Amount) {
	if o.IsMarketBuy() {
		return o.Pair.Quote, o.RemainingQuoteAmount
	}
	return o.Pair.Base, o.RemainingAmount
}
