package book

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/pkg/money"
)

var pair = types.Pair{Base: "SOL", Quote: "USDT"}

func mustAmount(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.FromString(s)
	require.NoError(t, err)
	return a
}

func order(t *testing.T, id int64, side types.Side, price, amount string, createdAt time.Time) *types.Order {
	t.Helper()
	return &types.Order{
		ID:              id,
		Pair:            pair,
		Side:            side,
		Kind:            types.Limit,
		Price:           mustAmount(t, price),
		Amount:          mustAmount(t, amount),
		RemainingAmount: mustAmount(t, amount),
		CreatedAt:       createdAt,
	}
}

func TestBidsDescendingAsksAscending(t *testing.T) {
	b := New(pair)
	now := time.Now()

	b.Insert(order(t, 1, types.Buy, "99", "1", now))
	b.Insert(order(t, 2, types.Buy, "101", "1", now.Add(time.Millisecond)))
	b.Insert(order(t, 3, types.Buy, "100", "1", now.Add(2*time.Millisecond)))

	assert.Equal(t, int64(2), b.PeekBest(types.Buy).ID) // 101 is best bid

	b.Insert(order(t, 11, types.Sell, "105", "1", now))
	b.Insert(order(t, 12, types.Sell, "103", "1", now.Add(time.Millisecond)))
	b.Insert(order(t, 13, types.Sell, "104", "1", now.Add(2*time.Millisecond)))

	assert.Equal(t, int64(12), b.PeekBest(types.Sell).ID) // 103 is best ask
}

func TestFIFOWithinPriceLevel(t *testing.T) {
	b := New(pair)
	now := time.Now()

	b.Insert(order(t, 1, types.Buy, "100", "1", now))
	b.Insert(order(t, 2, types.Buy, "100", "1", now.Add(time.Millisecond)))
	b.Insert(order(t, 3, types.Buy, "100", "1", now.Add(2*time.Millisecond)))

	assert.Equal(t, int64(1), b.PopBest(types.Buy).ID)
	assert.Equal(t, int64(2), b.PopBest(types.Buy).ID)
	assert.Equal(t, int64(3), b.PopBest(types.Buy).ID)
	assert.Nil(t, b.PopBest(types.Buy))
}

func TestRemoveByID(t *testing.T) {
	b := New(pair)
	now := time.Now()
	b.Insert(order(t, 1, types.Sell, "100", "1", now))
	b.Insert(order(t, 2, types.Sell, "100", "1", now.Add(time.Millisecond)))
	b.Insert(order(t, 3, types.Sell, "101", "1", now.Add(2*time.Millisecond)))

	removed, ok := b.RemoveByID(types.Sell, 2)
	require.True(t, ok)
	assert.Equal(t, int64(2), removed.ID)

	_, ok = b.RemoveByID(types.Sell, 2)
	assert.False(t, ok, "removing twice must report not-found")

	assert.Equal(t, int64(1), b.PopBest(types.Sell).ID)
	assert.Equal(t, int64(3), b.PopBest(types.Sell).ID)
}

func TestBestPriceEmptySide(t *testing.T) {
	b := New(pair)
	_, ok := b.BestPrice(types.Buy)
	assert.False(t, ok)
}

func TestDepthAggregatesByPriceBestFirst(t *testing.T) {
	b := New(pair)
	now := time.Now()
	b.Insert(order(t, 1, types.Sell, "101", "1", now))
	b.Insert(order(t, 2, types.Sell, "100", "2", now.Add(time.Millisecond)))
	b.Insert(order(t, 3, types.Sell, "100", "3", now.Add(2*time.Millisecond)))

	levels := b.Depth(types.Sell, 0)
	require.Len(t, levels, 2)
	assert.True(t, levels[0].Price.Equal(mustAmount(t, "100")))
	assert.True(t, levels[0].Size.Equal(mustAmount(t, "5")))
	assert.Equal(t, 2, levels[0].Count)
	assert.True(t, levels[1].Price.Equal(mustAmount(t, "101")))
}

func TestDepthLimitsLevelCount(t *testing.T) {
	b := New(pair)
	now := time.Now()
	b.Insert(order(t, 1, types.Buy, "100", "1", now))
	b.Insert(order(t, 2, types.Buy, "99", "1", now))
	b.Insert(order(t, 3, types.Buy, "98", "1", now))

	levels := b.Depth(types.Buy, 2)
	assert.Len(t, levels, 2)
}

func TestSnapshotBothSides(t *testing.T) {
	b := New(pair)
	now := time.Now()
	b.Insert(order(t, 1, types.Buy, "100", "1", now))
	b.Insert(order(t, 2, types.Sell, "101", "1", now))

	snap := b.Snapshot(0)
	assert.Equal(t, pair, snap.Pair)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
}
