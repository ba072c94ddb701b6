package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matchcore-io/matchcore/internal/core/engine"
	"github.com/matchcore-io/matchcore/internal/core/types"
	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
	"github.com/matchcore-io/matchcore/internal/feeconfig"
	"github.com/matchcore-io/matchcore/internal/wal"
	"github.com/matchcore-io/matchcore/pkg/money"
)

var solUsdt = types.Pair{Base: "SOL", Quote: "USDT"}

func amt(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.FromString(s)
	require.NoError(t, err)
	return a
}

func rate(t *testing.T, maker, taker string) feeconfig.Rate {
	t.Helper()
	return feeconfig.Rate{Maker: amt(t, maker), Taker: amt(t, taker)}
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	w, err := wal.Open(wal.Options{Dir: t.TempDir(), GroupCommitWindow: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	eng := engine.New(engine.Config{Pairs: []types.Pair{solUsdt}}, w, nil, nil)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop() })
	eng.Balances().Restore(1, "USDT", amt(t, "10000"), money.Zero)
	eng.Balances().Restore(2, "SOL", amt(t, "100"), money.Zero)

	fees := feeconfig.New(rate(t, "0.001", "0.001"))
	return New(eng, RateLimit{}, fees, zap.NewNop())
}

func TestSubmitOrderRejectsMalformedRequest(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.SubmitOrder(context.Background(), SubmitOrderRequest{
		UserID: 1, Side: "buy", Kind: "limit", Base: "SOL", Quote: "SOL", // same asset twice
		Price: "100", Amount: "1",
	})
	require.Error(t, err)
}

func TestSubmitOrderRejectsUnparsableAmount(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.SubmitOrder(context.Background(), SubmitOrderRequest{
		UserID: 1, Side: "buy", Kind: "limit", Base: "SOL", Quote: "USDT",
		Price: "100", Amount: "not-a-number",
	})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeValidation, coreerrors.GetCode(err))
}

func TestSubmitOrderAndGetOrderBookRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.SubmitOrder(ctx, SubmitOrderRequest{
		UserID: 2, Side: "sell", Kind: "limit", Base: "SOL", Quote: "USDT",
		Price: "100", Amount: "5",
	})
	require.NoError(t, err)

	snap, err := d.GetOrderBook(ctx, GetOrderBookRequest{Base: "SOL", Quote: "USDT", Levels: 0})
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.True(t, snap.Asks[0].Price.Equal(amt(t, "100")))
}

func TestCancelOrderChecksOwnershipBeforeCancellability(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	order, err := d.SubmitOrder(ctx, SubmitOrderRequest{
		UserID: 2, Side: "sell", Kind: "limit", Base: "SOL", Quote: "USDT",
		Price: "100", Amount: "5",
	})
	require.NoError(t, err)

	_, err = d.CancelOrder(ctx, CancelOrderRequest{OrderID: order.ID, UserID: 999, Base: "SOL", Quote: "USDT"})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeNotOwner, coreerrors.GetCode(err))

	_, err = d.CancelOrder(ctx, CancelOrderRequest{OrderID: order.ID, UserID: 2, Base: "SOL", Quote: "USDT"})
	require.NoError(t, err)

	// Once cancelled, the order is no longer tracked as resting at all.
	_, err = d.CancelOrder(ctx, CancelOrderRequest{OrderID: order.ID, UserID: 2, Base: "SOL", Quote: "USDT"})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeNotFound, coreerrors.GetCode(err))
}

func TestListOrdersPaginatesByCursor(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := d.SubmitOrder(ctx, SubmitOrderRequest{
			UserID: 2, Side: "sell", Kind: "limit", Base: "SOL", Quote: "USDT",
			Price: "100", Amount: "1",
		})
		require.NoError(t, err)
	}

	page1, err := d.ListOrders(ctx, ListOrdersRequest{UserID: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := d.ListOrders(ctx, ListOrdersRequest{UserID: 2, PageSize: 2, Cursor: page1[len(page1)-1].ID})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Greater(t, page2[0].ID, page1[1].ID)
}

func TestGetFeeRateResolvesByPrecedence(t *testing.T) {
	w, err := wal.Open(wal.Options{Dir: t.TempDir(), GroupCommitWindow: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	eng := engine.New(engine.Config{Pairs: []types.Pair{solUsdt}}, w, nil, nil)

	fees := feeconfig.New(rate(t, "0.001", "0.001"))
	fees.SetPairRate(solUsdt, rate(t, "0.0005", "0.0007"))
	d := New(eng, RateLimit{}, fees, zap.NewNop())

	got, err := d.GetFeeRate(context.Background(), GetFeeRateRequest{Base: "SOL", Quote: "USDT"})
	require.NoError(t, err)
	assert.Equal(t, rate(t, "0.0005", "0.0007"), got)

	got, err = d.GetFeeRate(context.Background(), GetFeeRateRequest{Base: "BTC", Quote: "USDT"})
	require.NoError(t, err)
	assert.Equal(t, rate(t, "0.001", "0.001"), got)
}

func TestGetFeeRateWithoutTableConfiguredErrors(t *testing.T) {
	w, err := wal.Open(wal.Options{Dir: t.TempDir(), GroupCommitWindow: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	eng := engine.New(engine.Config{Pairs: []types.Pair{solUsdt}}, w, nil, nil)
	d := New(eng, RateLimit{}, nil, zap.NewNop())

	_, err = d.GetFeeRate(context.Background(), GetFeeRateRequest{Base: "SOL", Quote: "USDT"})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeNotFound, coreerrors.GetCode(err))
}
