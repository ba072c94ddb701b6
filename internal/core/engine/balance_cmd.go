package engine

import (
	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// handleUpdateBalance implements the administrative "deposit" command of
// spec.md §4.5: an absolute delta applied straight to available, bypassing
// the lock/unlock/debit vocabulary used by order matching.
func (e *Engine) handleUpdateBalance(userID int64, asset string, delta money.Amount) error {
	seq, err := e.wal.AppendBalanceDelta(userID, asset, delta, money.Zero)
	if err != nil {
		werr := coreerrors.Wrap(err, coreerrors.CodeDurability, "WAL append failed for balance update")
		e.degrade(werr)
		return werr
	}
	e.markSeq(seq)
	if err := e.balances.ApplyAvailableDelta(userID, asset, delta); err != nil {
		return err
	}
	e.emitBalanceChange(userID, asset)
	return nil
}
