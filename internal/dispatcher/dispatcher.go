package dispatcher

import (
	"context"
	"strconv"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/matchcore-io/matchcore/internal/core/engine"
	"github.com/matchcore-io/matchcore/internal/core/types"
	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
	"github.com/matchcore-io/matchcore/internal/feeconfig"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// RateLimit configures the per-user submit_order limiter (spec.md §6).
type RateLimit struct {
	PerSecond int
	Burst     int
}

func (r RateLimit) orDefault() RateLimit {
	if r.PerSecond <= 0 {
		r.PerSecond = 200
	}
	if r.Burst <= 0 {
		r.Burst = 50
	}
	return r
}

// Dispatcher is the validated, rate-limited entry point applications embed
// in front of the matching engine. It never touches the engine's command
// channel directly except through Engine.Submit/Cancel/UpdateBalance, so it
// adds no additional serialization point beyond the engine's own.
type Dispatcher struct {
	eng       *engine.Engine
	validate  *validator.Validate
	limiter   *limiter.Limiter
	logger    *zap.Logger
	rateLimit RateLimit
	fees      *feeconfig.Table
}

// New builds a Dispatcher in front of eng. rate configures the per-user
// submit_order token bucket; the zero value takes spec.md §6's defaults
// (200/s, burst 50). fees is queried by GetFeeRate only -- per spec.md §9,
// the engine itself never debits a fee against a fill.
func New(eng *engine.Engine, rate RateLimit, fees *feeconfig.Table, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	rate = rate.orDefault()
	lim := limiter.New(memory.NewStore(), limiter.Rate{
		Period: time.Second,
		Limit:  int64(rate.PerSecond + rate.Burst),
	})
	return &Dispatcher{
		eng:       eng,
		validate:  newValidator(),
		limiter:   lim,
		logger:    logger,
		rateLimit: rate,
		fees:      fees,
	}
}

func (d *Dispatcher) checkRateLimit(ctx context.Context, userID int64) error {
	key := userKey(userID)
	ctxRes, err := d.limiter.Get(ctx, key)
	if err != nil {
		// The limiter's store failed open rather than block trading on an
		// infra blip; only a genuine over-limit rejects a request.
		d.logger.Warn("rate limiter store error, allowing request", zap.Int64("user_id", userID), zap.Error(err))
		return nil
	}
	if ctxRes.Reached {
		return coreerrors.Newf(coreerrors.CodeRateLimited, "user %d exceeded submit_order rate limit", userID)
	}
	return nil
}

func userKey(userID int64) string {
	return "submit_order:" + strconv.FormatInt(userID, 10)
}

// SubmitOrder validates req, applies the per-user rate limit, and submits
// the resulting order to the engine.
func (d *Dispatcher) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*types.Order, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if err := d.checkRateLimit(ctx, req.UserID); err != nil {
		return nil, err
	}

	o := &types.Order{
		UserID: req.UserID,
		Side:   types.Side(req.Side),
		Kind:   types.Kind(req.Kind),
		Pair:   pairFrom(req.Base, req.Quote),
	}
	var err error
	if req.Price != "" {
		if o.Price, err = money.FromString(req.Price); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeValidation, "invalid price")
		}
	}
	if req.Amount != "" {
		if o.Amount, err = money.FromString(req.Amount); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeValidation, "invalid amount")
		}
	}
	if req.QuoteAmount != "" {
		if o.QuoteAmount, err = money.FromString(req.QuoteAmount); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeValidation, "invalid quote_amount")
		}
	}

	return d.eng.Submit(o)
}

// CancelOrder validates req and cancels the referenced order.
func (d *Dispatcher) CancelOrder(ctx context.Context, req CancelOrderRequest) (*types.Order, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	return d.eng.Cancel(req.OrderID, req.UserID, pairFrom(req.Base, req.Quote))
}

// UpdateBalance validates req and applies the administrative delta.
func (d *Dispatcher) UpdateBalance(ctx context.Context, req UpdateBalanceRequest) error {
	if err := d.validate.Struct(req); err != nil {
		return validationError(err)
	}
	delta, err := money.FromString(req.DeltaAvailable)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeValidation, "invalid delta_available")
	}
	return d.eng.UpdateBalance(req.UserID, req.Asset, delta)
}

// GetOrderBook validates req and returns a depth snapshot.
func (d *Dispatcher) GetOrderBook(ctx context.Context, req GetOrderBookRequest) (types.OrderBookSnapshot, error) {
	if err := d.validate.Struct(req); err != nil {
		return types.OrderBookSnapshot{}, validationError(err)
	}
	pair := pairFrom(req.Base, req.Quote)
	bk, ok := d.eng.Book(pair)
	if !ok {
		return types.OrderBookSnapshot{}, coreerrors.Newf(coreerrors.CodeUnknownPair, "pair %s is not configured", pair)
	}
	return bk.Snapshot(req.Levels), nil
}

// GetBalance validates req and returns the user's available/locked pair for
// one asset.
func (d *Dispatcher) GetBalance(ctx context.Context, req GetBalanceRequest) (types.BalanceEntry, error) {
	if err := d.validate.Struct(req); err != nil {
		return types.BalanceEntry{}, validationError(err)
	}
	available, locked := d.eng.Balances().Get(req.UserID, req.Asset)
	return types.BalanceEntry{Available: available, Locked: locked}, nil
}

// ListOrders validates req and returns one page of the user's currently
// resting orders, ordered by id (SPEC_FULL.md §4 "paginated my-orders
// listing"). Cursor is exclusive: the page starts at the first order with
// id > Cursor. A PageSize of 0 defaults to 100.
func (d *Dispatcher) ListOrders(ctx context.Context, req ListOrdersRequest) ([]*types.Order, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = 100
	}

	all := d.eng.OrdersByUser(req.UserID)
	start := 0
	for start < len(all) && all[start].ID <= req.Cursor {
		start++
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// GetFeeRate validates req and returns the maker/taker rate that would
// apply to a fill on the given pair, resolved through feeconfig's exact
// pair > base > quote > default precedence (SPEC_FULL.md §4). The rate is
// informational only: no operation on Dispatcher or Engine ever debits it
// from a fill (spec.md §9 Open Question, resolved as "not applied").
func (d *Dispatcher) GetFeeRate(ctx context.Context, req GetFeeRateRequest) (feeconfig.Rate, error) {
	if err := d.validate.Struct(req); err != nil {
		return feeconfig.Rate{}, validationError(err)
	}
	if d.fees == nil {
		return feeconfig.Rate{}, coreerrors.New(coreerrors.CodeNotFound, "no fee table configured")
	}
	return d.fees.Resolve(pairFrom(req.Base, req.Quote)), nil
}
