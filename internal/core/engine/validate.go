package engine

import (
	"github.com/matchcore-io/matchcore/internal/core/types"
	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// validateOrder checks the field-combination rules of spec.md §4.7. It runs
// before any lock or WAL append, so a failure here never produces a WAL
// entry.
func validateOrder(o *types.Order) error {
	if o.Side != types.Buy && o.Side != types.Sell {
		return coreerrors.Newf(coreerrors.CodeValidation, "unknown side %q", o.Side)
	}
	if o.Kind != types.Limit && o.Kind != types.Market {
		return coreerrors.Newf(coreerrors.CodeValidation, "unknown kind %q", o.Kind)
	}
	if o.Pair.Base == "" || o.Pair.Quote == "" {
		return coreerrors.New(coreerrors.CodeValidation, "pair must name a base and a quote asset")
	}

	switch {
	case o.Kind == types.Limit:
		if !o.Price.IsPositive() {
			return coreerrors.New(coreerrors.CodeValidation, "limit order requires price > 0")
		}
		if !o.Amount.IsPositive() {
			return coreerrors.New(coreerrors.CodeValidation, "limit order requires amount > 0")
		}
		if !o.QuoteAmount.IsZero() {
			return coreerrors.New(coreerrors.CodeValidation, "limit order must not set quote_amount")
		}
	case o.Kind == types.Market && o.Side == types.Sell:
		if !o.Amount.IsPositive() {
			return coreerrors.New(coreerrors.CodeValidation, "market sell requires amount > 0")
		}
		if !o.Price.IsZero() {
			return coreerrors.New(coreerrors.CodeValidation, "market sell must not set price")
		}
		if !o.QuoteAmount.IsZero() {
			return coreerrors.New(coreerrors.CodeValidation, "market sell must not set quote_amount")
		}
	case o.Kind == types.Market && o.Side == types.Buy:
		if !o.QuoteAmount.IsPositive() {
			return coreerrors.New(coreerrors.CodeValidation, "market buy requires quote_amount > 0")
		}
		if !o.Amount.IsZero() {
			return coreerrors.New(coreerrors.CodeValidation, "market buy must not set amount")
		}
		if !o.Price.IsZero() {
			return coreerrors.New(coreerrors.CodeValidation, "market buy must not set price")
		}
	}
	return nil
}

// requiredLock returns the asset and amount submitOrder must lock before it
// can be matched (spec.md §4.4 "Order-to-balance mapping"). Called only
// after validateOrder succeeds.
func requiredLock(o *types.Order) (asset string, amount money.Amount) {
	switch {
	case o.Kind == types.Limit && o.Side == types.Buy:
		return o.Pair.Quote, o.Price.Mul(o.Amount)
	case o.Kind == types.Limit && o.Side == types.Sell:
		return o.Pair.Base, o.Amount
	case o.Kind == types.Market && o.Side == types.Sell:
		return o.Pair.Base, o.Amount
	default: // Market Buy
		return o.Pair.Quote, o.QuoteAmount
	}
}

// restingLock returns the asset and amount still encumbered by a resting
// order, used to compute the unlock on cancellation (spec.md §4.5 "Cancel
// handling"). Only Limit orders ever rest.
func restingLock(o *types.Order) (asset string, amount money.Amount) {
	if o.Side == types.Buy {
		return o.Pair.Quote, o.Price.Mul(o.RemainingAmount)
	}
	return o.Pair.Base, o.RemainingAmount
}
