package engine

import (
	"github.com/matchcore-io/matchcore/internal/core/types"
	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
)

// handleCancel implements spec.md §4.5 "Cancel handling". Error precedence
// -- missing/wrong-pair, then ownership, then terminal state -- mirrors the
// order in which the original service validated a cancel request before
// touching any state.
func (e *Engine) handleCancel(orderID, userID int64, pair types.Pair) (*types.Order, error) {
	e.ordersMu.RLock()
	o, ok := e.orders[orderID]
	e.ordersMu.RUnlock()
	if !ok || o.Pair != pair {
		return nil, coreerrors.Newf(coreerrors.CodeNotFound, "order %d not found for pair %s", orderID, pair)
	}
	if o.UserID != userID {
		return nil, coreerrors.Newf(coreerrors.CodeNotOwner, "order %d is not owned by user %d", orderID, userID)
	}
	if o.Done() {
		return nil, coreerrors.Newf(coreerrors.CodeNotCancellable, "order %d is already %s", orderID, o.Status)
	}

	bk, err := e.bookFor(o.Pair)
	if err != nil {
		return nil, err
	}
	if _, removed := bk.RemoveByID(o.Side, o.ID); !removed {
		return nil, coreerrors.Newf(coreerrors.CodeNotCancellable, "order %d is not resting", orderID)
	}

	asset, amount := restingLock(o)
	if err := e.walUnlock(o.UserID, asset, amount); err != nil {
		e.degrade(err)
		return nil, err
	}
	seq, err := e.wal.AppendCancelOrder(o.ID, o.UserID, o.Pair)
	if err != nil {
		werr := coreerrors.Wrap(err, coreerrors.CodeDurability, "WAL append failed for cancel order")
		e.degrade(werr)
		return nil, werr
	}
	e.markSeq(seq)

	o.Status = types.StatusCancelled
	e.ordersMu.Lock()
	delete(e.orders, o.ID)
	e.ordersMu.Unlock()
	e.emitOrderStatusChange(o)
	return o, nil
}
