package engine

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/matchcore-io/matchcore/internal/core/book"
	"github.com/matchcore-io/matchcore/internal/core/types"
	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
	"github.com/matchcore-io/matchcore/pkg/money"
)

func opposite(side types.Side) types.Side {
	if side == types.Buy {
		return types.Sell
	}
	return types.Buy
}

// takerDone reports whether taker has no remaining quantity to match,
// reading the quote-driven field for a MarketBuy and the base-driven field
// for everything else.
func takerDone(o *types.Order) bool {
	if o.IsMarketBuy() {
		return !o.RemainingQuoteAmount.IsPositive()
	}
	return !o.RemainingAmount.IsPositive()
}

// crosses implements spec.md §4.3 rules 1-2: a taker crosses a resting
// maker if it is a Market order, or a Limit order priced through the
// maker's price.
func crosses(taker, maker *types.Order) bool {
	if taker.Kind == types.Market {
		return true
	}
	if taker.Side == types.Buy {
		return taker.Price.GreaterThanOrEqual(maker.Price)
	}
	return taker.Price.LessThanOrEqual(maker.Price)
}

// fillAmount implements rule 4: min(taker.remaining_base, maker.remaining_base),
// or for a MarketBuy, the quote-remaining converted to base at the maker's
// price and truncated to the configured base-asset scale.
func (e *Engine) fillAmount(taker, maker *types.Order) money.Amount {
	if taker.IsMarketBuy() {
		maxByQuote := taker.RemainingQuoteAmount.Div(maker.Price, e.baseScale).Truncate(e.baseScale)
		// Div rounds half-up, so the quotient can land one unit above the
		// truncated value; step it back down so the fill never costs more
		// quote than remains.
		if maker.Price.Mul(maxByQuote).GreaterThan(taker.RemainingQuoteAmount) {
			maxByQuote = maxByQuote.Sub(money.FromInt(1, e.baseScale))
		}
		return money.Min(maxByQuote, maker.RemainingAmount)
	}
	return money.Min(taker.RemainingAmount, maker.RemainingAmount)
}

// matchTaker drains the opposing book against taker until no further cross,
// taker's residual reaches zero, or the book side empties (spec.md §4.5
// step 4). It returns early, leaving whatever residual taker has, if a WAL
// append fails partway through -- the engine is then degraded and further
// commands are rejected, matching the Durability error contract of §7.
func (e *Engine) matchTaker(taker *types.Order, bk *book.Book) {
	side := opposite(taker.Side)
	for !takerDone(taker) {
		if lifecycleState(atomic.LoadInt32(&e.state)) == stateDegraded {
			return
		}
		maker := bk.PeekBest(side)
		if maker == nil {
			return
		}
		if !crosses(taker, maker) {
			return
		}
		if taker.UserID == maker.UserID {
			bk.PopBest(side)
			e.cancelSelfTradeMaker(maker)
			continue
		}

		fillBase := e.fillAmount(taker, maker)
		if !fillBase.IsPositive() {
			// MarketBuy residual quote is too small to buy even the smallest
			// representable unit of base at the maker's price; stop rather
			// than loop forever.
			return
		}

		if err := e.applyFill(taker, maker, fillBase); err != nil {
			e.degrade(err)
			return
		}

		if maker.RemainingAmount.IsZero() {
			bk.PopBest(side)
			maker.Status = types.StatusFilled
			e.ordersMu.Lock()
			delete(e.orders, maker.ID)
			e.ordersMu.Unlock()
		} else {
			maker.Status = types.StatusPartial
		}
		e.emitOrderStatusChange(maker)
	}
}

// applyFill executes one fill step: it WAL-appends the trade and then the
// four balance deltas (in that order, spec.md §4.5 step 4), applying each
// delta to the balance cache right after its own append succeeds, and
// updates order quantities only after all five appends. A mid-fill
// durability failure therefore never leaves balances or order quantities
// ahead of the log.
func (e *Engine) applyFill(taker, maker *types.Order, fillBase money.Amount) error {
	price := maker.Price
	quoteCost := price.Mul(fillBase)

	trade := types.Trade{
		ID:        e.tradeGen.Next(),
		Pair:      taker.Pair,
		Price:     price,
		Amount:    fillBase,
		CreatedAt: now(),
	}
	if taker.Side == types.Buy {
		trade.BuyOrderID = taker.ID
		trade.SellOrderID = maker.ID
	} else {
		trade.BuyOrderID = maker.ID
		trade.SellOrderID = taker.ID
	}

	tradeSeq, err := e.wal.AppendTradeRecord(&trade)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeDurability, "WAL append failed for trade record")
	}
	e.markSeq(tradeSeq)

	base := taker.Pair.Base
	quote := taker.Pair.Quote
	if taker.Side == types.Buy {
		if err := e.walDebitLocked(taker.UserID, quote, quoteCost); err != nil {
			return err
		}
		if err := e.walCreditAvailable(taker.UserID, base, fillBase); err != nil {
			return err
		}
		if err := e.walDebitLocked(maker.UserID, base, fillBase); err != nil {
			return err
		}
		if err := e.walCreditAvailable(maker.UserID, quote, quoteCost); err != nil {
			return err
		}
	} else {
		if err := e.walDebitLocked(taker.UserID, base, fillBase); err != nil {
			return err
		}
		if err := e.walCreditAvailable(taker.UserID, quote, quoteCost); err != nil {
			return err
		}
		if err := e.walDebitLocked(maker.UserID, quote, quoteCost); err != nil {
			return err
		}
		if err := e.walCreditAvailable(maker.UserID, base, fillBase); err != nil {
			return err
		}
	}

	e.events.PublishTrade(tradeSeq, trade)
	if e.metrics != nil {
		e.metrics.ObserveTrade(taker.Pair.String())
	}

	taker.FilledAmount = taker.FilledAmount.Add(fillBase)
	taker.FilledQuoteAmount = taker.FilledQuoteAmount.Add(quoteCost)
	if taker.IsMarketBuy() {
		taker.RemainingQuoteAmount = taker.RemainingQuoteAmount.Sub(quoteCost)
	} else {
		taker.RemainingAmount = taker.RemainingAmount.Sub(fillBase)
	}
	if taker.FilledAmount.IsPositive() {
		taker.Status = types.StatusPartial
	}

	maker.FilledAmount = maker.FilledAmount.Add(fillBase)
	maker.FilledQuoteAmount = maker.FilledQuoteAmount.Add(quoteCost)
	maker.RemainingAmount = maker.RemainingAmount.Sub(fillBase)

	e.logger.Debug("trade executed",
		zap.Int64("trade_id", trade.ID),
		zap.Int64("buy_order_id", trade.BuyOrderID),
		zap.Int64("sell_order_id", trade.SellOrderID),
		zap.String("pair", taker.Pair.String()),
		zap.String("price", price.String()),
		zap.String("amount", fillBase.String()),
	)
	return nil
}

// cancelSelfTradeMaker implements rule 6: the maker is popped from the book
// (already done by the caller) and recorded as cancelled rather than
// matched, preserving price-time priority without generating a wash trade.
func (e *Engine) cancelSelfTradeMaker(maker *types.Order) {
	asset, amount := restingLock(maker)
	if err := e.walUnlock(maker.UserID, asset, amount); err != nil {
		e.degrade(err)
		return
	}
	seq, err := e.wal.AppendCancelOrder(maker.ID, maker.UserID, maker.Pair)
	if err != nil {
		e.degrade(coreerrors.Wrap(err, coreerrors.CodeDurability, "WAL append failed for self-trade cancel"))
		return
	}
	e.markSeq(seq)
	maker.Status = types.StatusCancelled
	e.ordersMu.Lock()
	delete(e.orders, maker.ID)
	e.ordersMu.Unlock()
	e.emitOrderStatusChange(maker)
	e.logger.Info("self-trade avoided, maker cancelled",
		zap.Int64("order_id", maker.ID), zap.Int64("user_id", maker.UserID))
}

// markSeq records the most recent WAL sequence number appended, so the next
// event emission can tell the DB writer which sequence its effects are
// caught up to.
func (e *Engine) markSeq(seq int64) {
	if seq > e.lastSeq {
		e.lastSeq = seq
	}
}

func (e *Engine) emitOrderStatusChange(o *types.Order) {
	e.events.PublishOrderStatusChange(e.lastSeq, types.OrderStatusChange{
		OrderID:           o.ID,
		UserID:            o.UserID,
		Pair:              o.Pair,
		Side:              o.Side,
		Kind:              o.Kind,
		Price:             o.Price,
		Amount:            o.Amount,
		NewStatus:         o.Status,
		FilledAmount:      o.FilledAmount,
		FilledQuoteAmount: o.FilledQuoteAmount,
	})
}

func (e *Engine) emitBalanceChange(userID int64, asset string) {
	available, locked := e.balances.Get(userID, asset)
	e.events.PublishBalanceChange(e.lastSeq, types.BalanceChange{
		UserID:       userID,
		Asset:        asset,
		NewAvailable: available,
		NewLocked:    locked,
	})
}

func (e *Engine) walUnlock(userID int64, asset string, amount money.Amount) error {
	seq, err := e.wal.AppendBalanceDelta(userID, asset, amount, money.Zero.Sub(amount))
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeDurability, "WAL append failed for unlock delta")
	}
	e.markSeq(seq)
	if err := e.balances.Unlock(userID, asset, amount); err != nil {
		return err
	}
	e.emitBalanceChange(userID, asset)
	return nil
}

func (e *Engine) walDebitLocked(userID int64, asset string, amount money.Amount) error {
	seq, err := e.wal.AppendBalanceDelta(userID, asset, money.Zero, money.Zero.Sub(amount))
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeDurability, "WAL append failed for debit delta")
	}
	e.markSeq(seq)
	if err := e.balances.DebitLocked(userID, asset, amount); err != nil {
		return err
	}
	e.emitBalanceChange(userID, asset)
	return nil
}

func (e *Engine) walCreditAvailable(userID int64, asset string, amount money.Amount) error {
	seq, err := e.wal.AppendBalanceDelta(userID, asset, amount, money.Zero)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeDurability, "WAL append failed for credit delta")
	}
	e.markSeq(seq)
	e.balances.CreditAvailable(userID, asset, amount)
	e.emitBalanceChange(userID, asset)
	return nil
}
