// Package recovery implements spec.md §4.8's crash-recovery procedure: load
// balances and open orders from the relational store, replay any
// un-checkpointed WAL suffix, re-seed the ID generators above the highest
// observed id, then let the caller open the engine for new submissions.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matchcore-io/matchcore/internal/core/engine"
	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/internal/db/models"
	"github.com/matchcore-io/matchcore/internal/db/repositories"
	"github.com/matchcore-io/matchcore/internal/wal"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// Repositories bundles the three repositories recovery reads from, mirroring
// the DB writer's three-table persisted projection (spec.md §6).
type Repositories struct {
	Orders   *repositories.OrderRepository
	Trades   *repositories.TradeRepository
	Balances *repositories.BalanceRepository
}

// Run executes spec.md §4.8 steps 1-5 against eng, which must not yet be
// started. On success, the caller is expected to call eng.Start to open the
// command channel to producers (step 6) -- recovery itself never starts the
// engine, so a caller can inspect or log the recovered state first.
func Run(ctx context.Context, eng *engine.Engine, walDir string, repos Repositories, pageSize int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 1024
	}

	checkpoint, err := wal.ReadCheckpoint(walDir)
	if err != nil {
		return fmt.Errorf("recovery: reading checkpoint: %w", err)
	}
	logger.Info("recovery starting", zap.Int64("checkpoint", checkpoint))

	if err := loadBalances(ctx, eng, repos.Balances); err != nil {
		return err
	}

	open := make(map[int64]*types.Order)
	if err := loadOpenOrders(ctx, repos.Orders, pageSize, open); err != nil {
		return err
	}

	maxOrderID, err := repos.Orders.MaxID(ctx)
	if err != nil {
		return fmt.Errorf("recovery: reading max order id: %w", err)
	}
	maxTradeID, err := repos.Trades.MaxID(ctx)
	if err != nil {
		return fmt.Errorf("recovery: reading max trade id: %w", err)
	}

	rp := &replayState{eng: eng, open: open, maxOrderID: maxOrderID, maxTradeID: maxTradeID}
	if err := wal.Replay(walDir, checkpoint, rp.apply); err != nil {
		return fmt.Errorf("recovery: replaying WAL: %w", err)
	}

	restored := 0
	for _, o := range open {
		if o.Done() {
			continue
		}
		if o.Kind != types.Limit {
			continue // a resting order is always a limit order (spec.md §4.3 rule 7)
		}
		if err := eng.RestoreOrder(o); err != nil {
			return fmt.Errorf("recovery: restoring order %d: %w", o.ID, err)
		}
		restored++
	}

	eng.SeedGenerators(rp.maxOrderID, rp.maxTradeID)
	logger.Info("recovery complete",
		zap.Int64("checkpoint", checkpoint),
		zap.Int("orders_restored", restored),
		zap.Int64("order_id_floor", rp.maxOrderID),
		zap.Int64("trade_id_floor", rp.maxTradeID),
	)
	return nil
}

// loadBalances implements step 2: every user_balances row goes straight into
// the balance cache via an absolute restore.
func loadBalances(ctx context.Context, eng *engine.Engine, repo *repositories.BalanceRepository) error {
	rows, err := repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("recovery: loading balances: %w", err)
	}
	for _, row := range rows {
		eng.Balances().Restore(row.UserID, row.Asset, row.Available, row.Locked)
	}
	return nil
}

// loadOpenOrders implements step 3: every order with status pending/partial
// is reconstructed into an in-flight order keyed by id. FIFO ordering within
// a price level is restored by the order book's own (price, created_at, id)
// comparator once RestoreOrder inserts it -- the page order here need not
// match arrival order.
func loadOpenOrders(ctx context.Context, repo *repositories.OrderRepository, pageSize int, open map[int64]*types.Order) error {
	return repo.LoadOpen(ctx, pageSize, func(page []models.Order) error {
		for _, row := range page {
			open[row.ID] = rowToOrder(row)
		}
		return nil
	})
}

func rowToOrder(row models.Order) *types.Order {
	o := &types.Order{
		ID:                row.ID,
		UserID:            row.UserID,
		Side:              types.Side(row.Side),
		Kind:              types.Kind(row.Kind),
		Pair:              types.Pair{Base: row.Base, Quote: row.Quote},
		Amount:            row.Amount,
		FilledAmount:      row.FilledAmount,
		FilledQuoteAmount: row.FilledQuoteAmount,
		Status:            types.Status(row.Status),
		CreatedAt:         row.CreatedAt,
	}
	if row.Price != nil {
		o.Price = *row.Price
	}
	o.RemainingAmount = o.Amount.Sub(o.FilledAmount)
	return o
}

// replayState carries the mutable bookkeeping across WAL records during step
// 4: the set of orders still open, and the highest order/trade id observed
// so the ID generators can be re-seeded past it regardless of whether the DB
// writer had caught up to those ids before the crash.
type replayState struct {
	eng        *engine.Engine
	open       map[int64]*types.Order
	maxOrderID int64
	maxTradeID int64
	seenSeq    map[uint64]bool
}

// apply implements spec.md §4.8 step 4: replay every WAL record with
// sequence > checkpoint, applying the same transition the engine applied
// originally, including the funds lock a new SubmitOrder took. A
// SubmitOrder record for an id already present in open (the DB snapshot
// already reflected it) is a no-op by construction, but
// BalanceDelta and TradeRecord mutate state absolutely/additively and are
// not safe to apply twice. Replay's segment listing is expected to dedup
// by index and never hand the same sequence to fn more than once
// (wal.Replay's sealed-vs-active preference), but apply does not merely
// assume that holds -- seenSeq makes every record idempotent by sequence
// number regardless, so a duplicate delivery from a torn segment rotation
// is a no-op here too rather than a double-applied fill.
func (rp *replayState) apply(seq uint64, tag wal.Tag, payload []byte) error {
	if rp.seenSeq == nil {
		rp.seenSeq = make(map[uint64]bool)
	}
	if rp.seenSeq[seq] {
		return nil
	}
	rp.seenSeq[seq] = true

	switch tag {
	case wal.TagSubmitOrder:
		o, err := wal.DecodeSubmitOrder(payload)
		if err != nil {
			return err
		}
		if o.ID > rp.maxOrderID {
			rp.maxOrderID = o.ID
		}
		if _, exists := rp.open[o.ID]; !exists {
			rp.open[o.ID] = o
			// The engine locks funds at submission without a BalanceDelta
			// record of its own, so the lock is re-applied here.
			asset, amount := o.Pair.Base, o.Amount
			if o.IsMarketBuy() {
				asset, amount = o.Pair.Quote, o.QuoteAmount
			} else if o.Side == types.Buy {
				asset, amount = o.Pair.Quote, o.Price.Mul(o.Amount)
			}
			rp.eng.Balances().ApplyRawDelta(o.UserID, asset, money.Zero.Sub(amount), amount)
		}

	case wal.TagCancelOrder:
		orderID, _, _, err := wal.DecodeCancelOrder(payload)
		if err != nil {
			return err
		}
		if o, ok := rp.open[orderID]; ok {
			o.Status = types.StatusCancelled
			delete(rp.open, orderID)
		}

	case wal.TagBalanceDelta:
		userID, asset, deltaAvailable, deltaLocked, err := wal.DecodeBalanceDelta(payload)
		if err != nil {
			return err
		}
		rp.eng.Balances().ApplyRawDelta(userID, asset, deltaAvailable, deltaLocked)

	case wal.TagTradeRecord:
		t, err := wal.DecodeTradeRecord(payload)
		if err != nil {
			return err
		}
		if t.ID > rp.maxTradeID {
			rp.maxTradeID = t.ID
		}
		rp.applyFillToOrder(t.BuyOrderID, t)
		rp.applyFillToOrder(t.SellOrderID, t)
	}
	return nil
}

func (rp *replayState) applyFillToOrder(orderID int64, t *types.Trade) {
	o, ok := rp.open[orderID]
	if !ok {
		return // order already closed out / not part of the still-open set
	}
	quoteCost := t.Price.Mul(t.Amount)
	o.FilledAmount = o.FilledAmount.Add(t.Amount)
	o.FilledQuoteAmount = o.FilledQuoteAmount.Add(quoteCost)
	if o.IsMarketBuy() {
		o.RemainingQuoteAmount = o.RemainingQuoteAmount.Sub(quoteCost)
	} else {
		o.RemainingAmount = o.RemainingAmount.Sub(t.Amount)
	}
	if o.RemainingAmount.IsZero() && (!o.IsMarketBuy() || o.RemainingQuoteAmount.IsZero()) {
		o.Status = types.StatusFilled
		delete(rp.open, orderID)
	} else {
		o.Status = types.StatusPartial
	}
}
