package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchcore-io/matchcore/internal/core/types"
	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// fakeWAL satisfies the engine's WAL interface entirely in memory, so these
// tests exercise matching semantics without touching disk.
type fakeWAL struct {
	seq int64
}

func (f *fakeWAL) next() int64 { return atomic.AddInt64(&f.seq, 1) }

func (f *fakeWAL) AppendSubmitOrder(*types.Order) (int64, error) { return f.next(), nil }
func (f *fakeWAL) AppendCancelOrder(int64, int64, types.Pair) (int64, error) {
	return f.next(), nil
}
func (f *fakeWAL) AppendBalanceDelta(int64, string, money.Amount, money.Amount) (int64, error) {
	return f.next(), nil
}
func (f *fakeWAL) AppendTradeRecord(*types.Trade) (int64, error) { return f.next(), nil }

var solUsdt = types.Pair{Base: "SOL", Quote: "USDT"}

func amt(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.FromString(s)
	require.NoError(t, err)
	return a
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng := New(Config{Pairs: []types.Pair{solUsdt}}, &fakeWAL{}, nil, nil)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop() })
	return eng
}

func fund(t *testing.T, eng *Engine, userID int64, asset, amount string) {
	t.Helper()
	eng.Balances().Restore(userID, asset, amt(t, amount), money.Zero)
}

func submit(t *testing.T, eng *Engine, o *types.Order) *types.Order {
	t.Helper()
	got, err := eng.Submit(o)
	require.NoError(t, err)
	return got
}

// S1 — simple cross, full fill.
func TestScenarioSimpleCrossFullFill(t *testing.T) {
	eng := newTestEngine(t)
	const userA, userB int64 = 1, 2
	fund(t, eng, userA, "USDT", "10000")
	fund(t, eng, userB, "SOL", "100")

	buy := submit(t, eng, &types.Order{UserID: userA, Side: types.Buy, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "1")})
	sell := submit(t, eng, &types.Order{UserID: userB, Side: types.Sell, Kind: types.Market, Pair: solUsdt, Amount: amt(t, "1")})

	assert.Equal(t, types.StatusFilled, buy.Status)
	assert.Equal(t, types.StatusFilled, sell.Status)

	aAvail, aLocked := eng.Balances().Get(userA, "USDT")
	assert.True(t, aAvail.Equal(amt(t, "9900")))
	assert.True(t, aLocked.IsZero())
	aSOL, _ := eng.Balances().Get(userA, "SOL")
	assert.True(t, aSOL.Equal(amt(t, "1")))

	bUSDT, _ := eng.Balances().Get(userB, "USDT")
	assert.True(t, bUSDT.Equal(amt(t, "100")))
	bSOL, bSOLLocked := eng.Balances().Get(userB, "SOL")
	assert.True(t, bSOL.Equal(amt(t, "99")))
	assert.True(t, bSOLLocked.IsZero())
}

// S2 — price improvement for a market buy walking two ask levels.
func TestScenarioMarketBuyPriceImprovement(t *testing.T) {
	eng := newTestEngine(t)
	const maker1, maker2, taker int64 = 1, 2, 3
	fund(t, eng, maker1, "SOL", "1")
	fund(t, eng, maker2, "SOL", "1")
	fund(t, eng, taker, "USDT", "1000")

	submit(t, eng, &types.Order{UserID: maker1, Side: types.Sell, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "101"), Amount: amt(t, "1")})
	submit(t, eng, &types.Order{UserID: maker2, Side: types.Sell, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "102"), Amount: amt(t, "1")})

	buy := submit(t, eng, &types.Order{UserID: taker, Side: types.Buy, Kind: types.Market, Pair: solUsdt, QuoteAmount: amt(t, "202")})

	// Both maker prices are honored (price improvement), never the taker's
	// implied average.
	takerSOL, _ := eng.Balances().Get(taker, "SOL")
	assert.True(t, takerSOL.GreaterThan(amt(t, "1")))
	assert.True(t, takerSOL.LessThan(amt(t, "2")))

	available, locked := eng.Balances().Get(taker, "USDT")
	assert.True(t, locked.IsZero(), "no quote should remain locked once matching settles")
	assert.True(t, available.GreaterThanOrEqual(money.Zero), "dust residual returns to available")
	assert.Contains(t, []types.Status{types.StatusFilled, types.StatusCancelled}, buy.Status)
}

// S3 — partial fill, resting residue.
func TestScenarioPartialFillRests(t *testing.T) {
	eng := newTestEngine(t)
	const userD, userE int64 = 1, 2
	fund(t, eng, userD, "SOL", "5")
	fund(t, eng, userE, "USDT", "1000")

	sell := submit(t, eng, &types.Order{UserID: userD, Side: types.Sell, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "5")})
	_, dLocked := eng.Balances().Get(userD, "SOL")
	assert.True(t, dLocked.Equal(amt(t, "5")))

	buy := submit(t, eng, &types.Order{UserID: userE, Side: types.Buy, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "2")})

	assert.Equal(t, types.StatusFilled, buy.Status)
	eAvail, eLocked := eng.Balances().Get(userE, "USDT")
	assert.True(t, eLocked.IsZero())
	assert.True(t, eAvail.Equal(amt(t, "800")))

	dAvail, dLocked2 := eng.Balances().Get(userD, "SOL")
	assert.True(t, dAvail.IsZero())
	assert.True(t, dLocked2.Equal(amt(t, "3")))

	bk, ok := eng.Book(solUsdt)
	require.True(t, ok)
	resting := bk.PeekBest(types.Sell)
	require.NotNil(t, resting)
	assert.Equal(t, sell.ID, resting.ID)
	assert.True(t, resting.RemainingAmount.Equal(amt(t, "3")))
	assert.Equal(t, types.StatusPartial, resting.Status)
}

// S4 — cancel a partially filled resting order.
func TestScenarioCancelPartial(t *testing.T) {
	eng := newTestEngine(t)
	const userD, userE int64 = 1, 2
	fund(t, eng, userD, "SOL", "5")
	fund(t, eng, userE, "USDT", "1000")

	sell := submit(t, eng, &types.Order{UserID: userD, Side: types.Sell, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "5")})
	submit(t, eng, &types.Order{UserID: userE, Side: types.Buy, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "2")})

	cancelled, err := eng.Cancel(sell.ID, userD, solUsdt)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	dAvail, dLocked := eng.Balances().Get(userD, "SOL")
	assert.True(t, dAvail.Equal(amt(t, "3")))
	assert.True(t, dLocked.IsZero())

	_, err = eng.Cancel(sell.ID, userD, solUsdt)
	assert.Equal(t, coreerrors.CodeNotCancellable, coreerrors.GetCode(err))
}

// S5 — self-trade avoidance: own resting order is cancelled, not matched.
func TestScenarioSelfTradeAvoidance(t *testing.T) {
	eng := newTestEngine(t)
	const userF int64 = 1
	fund(t, eng, userF, "SOL", "1")
	fund(t, eng, userF, "USDT", "200")

	sell := submit(t, eng, &types.Order{UserID: userF, Side: types.Sell, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "1")})
	buy := submit(t, eng, &types.Order{UserID: userF, Side: types.Buy, Kind: types.Market, Pair: solUsdt, QuoteAmount: amt(t, "200")})

	assert.Equal(t, types.StatusCancelled, sell.Status, "the resting maker is cancelled, never matched against its own taker")
	assert.Equal(t, types.StatusCancelled, buy.Status, "the taker finds an empty book afterward and is itself cancelled")

	avail, locked := eng.Balances().Get(userF, "USDT")
	assert.True(t, avail.Equal(amt(t, "200")), "the market buy's lock is fully refunded")
	assert.True(t, locked.IsZero())

	solAvail, solLocked := eng.Balances().Get(userF, "SOL")
	assert.True(t, solAvail.Equal(amt(t, "1")), "the cancelled sell's lock is fully refunded")
	assert.True(t, solLocked.IsZero())
}

func TestMarketOrderAgainstEmptyBookCancelsAndRefunds(t *testing.T) {
	eng := newTestEngine(t)
	const userID int64 = 1
	fund(t, eng, userID, "USDT", "500")

	order := submit(t, eng, &types.Order{UserID: userID, Side: types.Buy, Kind: types.Market, Pair: solUsdt, QuoteAmount: amt(t, "500")})
	assert.Equal(t, types.StatusCancelled, order.Status)

	avail, locked := eng.Balances().Get(userID, "USDT")
	assert.True(t, avail.Equal(amt(t, "500")))
	assert.True(t, locked.IsZero())
}

func TestZeroAndNegativeAmountOrdersRejectedWithoutStateChange(t *testing.T) {
	eng := newTestEngine(t)
	const userID int64 = 1
	fund(t, eng, userID, "USDT", "500")

	_, err := eng.Submit(&types.Order{UserID: userID, Side: types.Buy, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: money.Zero})
	assert.Equal(t, coreerrors.CodeValidation, coreerrors.GetCode(err))

	_, err = eng.Submit(&types.Order{UserID: userID, Side: types.Buy, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "-1")})
	assert.Equal(t, coreerrors.CodeValidation, coreerrors.GetCode(err))

	avail, locked := eng.Balances().Get(userID, "USDT")
	assert.True(t, avail.Equal(amt(t, "500")))
	assert.True(t, locked.IsZero())
}

func TestOversizedOrderRejectedWithoutLocking(t *testing.T) {
	eng := newTestEngine(t)
	const userID int64 = 1
	fund(t, eng, userID, "USDT", "50")

	_, err := eng.Submit(&types.Order{UserID: userID, Side: types.Buy, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "1")})
	assert.Equal(t, coreerrors.CodeInsufficientFunds, coreerrors.GetCode(err))

	avail, locked := eng.Balances().Get(userID, "USDT")
	assert.True(t, avail.Equal(amt(t, "50")))
	assert.True(t, locked.IsZero())
}

func TestOrderIDsAreStrictlyIncreasing(t *testing.T) {
	eng := newTestEngine(t)
	const userA, userB int64 = 1, 2
	fund(t, eng, userA, "USDT", "100000")
	fund(t, eng, userB, "SOL", "1000")

	var lastOrderID int64
	for i := 0; i < 20; i++ {
		sell := submit(t, eng, &types.Order{UserID: userB, Side: types.Sell, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "1")})
		assert.Greater(t, sell.ID, lastOrderID)
		lastOrderID = sell.ID

		buy := submit(t, eng, &types.Order{UserID: userA, Side: types.Buy, Kind: types.Market, Pair: solUsdt, QuoteAmount: amt(t, "100")})
		assert.Greater(t, buy.ID, lastOrderID)
		lastOrderID = buy.ID
		assert.Equal(t, types.StatusFilled, buy.Status)
	}
}

func TestCancelRejectsNonOwner(t *testing.T) {
	eng := newTestEngine(t)
	const owner, other int64 = 1, 2
	fund(t, eng, owner, "SOL", "1")

	sell := submit(t, eng, &types.Order{UserID: owner, Side: types.Sell, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "1")})

	_, err := eng.Cancel(sell.ID, other, solUsdt)
	assert.Equal(t, coreerrors.CodeNotOwner, coreerrors.GetCode(err))
}

func TestSubmitAfterStopReturnsEngineStopped(t *testing.T) {
	eng := New(Config{Pairs: []types.Pair{solUsdt}}, &fakeWAL{}, nil, nil)
	require.NoError(t, eng.Start(context.Background()))
	require.NoError(t, eng.Stop())

	_, err := eng.Submit(&types.Order{UserID: 1, Side: types.Buy, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "1"), Amount: amt(t, "1")})
	assert.Equal(t, coreerrors.CodeEngineStopped, coreerrors.GetCode(err))
}

func TestStartTwiceReturnsAlreadyStarted(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.Start(context.Background())
	assert.Equal(t, coreerrors.CodeAlreadyStarted, coreerrors.GetCode(err))
}

func TestUnknownPairRejected(t *testing.T) {
	eng := newTestEngine(t)
	unknown := types.Pair{Base: "DOGE", Quote: "USDT"}
	_, err := eng.Submit(&types.Order{UserID: 1, Side: types.Buy, Kind: types.Limit, Pair: unknown, Price: amt(t, "1"), Amount: amt(t, "1")})
	assert.Equal(t, coreerrors.CodeUnknownPair, coreerrors.GetCode(err))
}

func TestUpdateBalanceAppliesAdministrativeDelta(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.UpdateBalance(1, "USDT", amt(t, "250")))
	avail, _ := eng.Balances().Get(1, "USDT")
	assert.True(t, avail.Equal(amt(t, "250")))
}

func TestGetOrderBookSnapshotReflectsRestingOrders(t *testing.T) {
	eng := newTestEngine(t)
	fund(t, eng, 1, "SOL", "1")
	submit(t, eng, &types.Order{UserID: 1, Side: types.Sell, Kind: types.Limit, Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "1")})

	bk, ok := eng.Book(solUsdt)
	require.True(t, ok)
	snap := bk.Snapshot(0)
	require.Len(t, snap.Asks, 1)
	assert.True(t, snap.Asks[0].Price.Equal(amt(t, "100")))
}
