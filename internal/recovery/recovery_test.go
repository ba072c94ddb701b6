package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/matchcore-io/matchcore/internal/core/engine"
	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/internal/db/models"
	"github.com/matchcore-io/matchcore/internal/db/repositories"
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

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repositories.Migrate(db))
	return db
}

// TestCrashRecoveryReplaysUncheckpointedWAL implements spec.md §8 scenario
// S6: orders and fills committed to the WAL before the DB writer has caught
// up must survive a restart, with IDs continuing strictly above their
// pre-crash high-water mark.
func TestCrashRecoveryReplaysUncheckpointedWAL(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t)
	orderRepo := repositories.NewOrderRepository(db, zap.NewNop())
	tradeRepo := repositories.NewTradeRepository(db, zap.NewNop())
	balanceRepo := repositories.NewBalanceRepository(db, zap.NewNop())

	// The relational store reflects only the pre-trading balances: the DB
	// writer never caught up to the fills that are about to happen.
	require.NoError(t, balanceRepo.Upsert(context.Background(), &models.UserBalance{
		UserID: 1, Asset: "USDT", Available: amt(t, "10000"), Locked: money.Zero,
	}))
	require.NoError(t, balanceRepo.Upsert(context.Background(), &models.UserBalance{
		UserID: 2, Asset: "SOL", Available: amt(t, "100"), Locked: money.Zero,
	}))

	w, err := wal.Open(wal.Options{Dir: dir, GroupCommitWindow: 0})
	require.NoError(t, err)

	eng1 := engine.New(engine.Config{Pairs: []types.Pair{solUsdt}}, w, nil, nil)
	require.NoError(t, eng1.Start(context.Background()))
	eng1.Balances().Restore(1, "USDT", amt(t, "10000"), money.Zero)
	eng1.Balances().Restore(2, "SOL", amt(t, "100"), money.Zero)

	sell, err := eng1.Submit(&types.Order{UserID: 2, Side: types.Sell, Kind: types.Limit,
		Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "5")})
	require.NoError(t, err)

	buy, err := eng1.Submit(&types.Order{UserID: 1, Side: types.Buy, Kind: types.Limit,
		Pair: solUsdt, Price: amt(t, "100"), Amount: amt(t, "2")})
	require.NoError(t, err)
	require.Equal(t, types.StatusFilled, buy.Status)
	require.Equal(t, types.StatusPartial, sell.Status)

	preCrashSellRemaining := sell.RemainingAmount
	preCrashOrderIDFloor := buy.ID

	// Simulate a crash: stop the engine and close the WAL without running
	// the DB writer, so none of the above ever reached the relational
	// store.
	require.NoError(t, eng1.Stop())
	require.NoError(t, w.Close())

	// Restart: a fresh engine, recovered from the DB snapshot plus WAL
	// replay.
	w2, err := wal.Open(wal.Options{Dir: dir, GroupCommitWindow: 0})
	require.NoError(t, err)
	defer w2.Close()

	eng2 := engine.New(engine.Config{Pairs: []types.Pair{solUsdt}}, w2, nil, nil)
	require.NoError(t, Run(context.Background(), eng2, dir, Repositories{
		Orders: orderRepo, Trades: tradeRepo, Balances: balanceRepo,
	}, 0, zap.NewNop()))
	require.NoError(t, eng2.Start(context.Background()))
	defer eng2.Stop() //nolint:errcheck

	// Balances reflect the pre-crash fill even though the DB never saw it.
	uAvail, uLocked := eng2.Balances().Get(1, "USDT")
	assert.True(t, uAvail.Equal(amt(t, "9800")))
	assert.True(t, uLocked.IsZero())
	uSOL, _ := eng2.Balances().Get(1, "SOL")
	assert.True(t, uSOL.Equal(amt(t, "2")))

	sAvail, sLocked := eng2.Balances().Get(2, "SOL")
	assert.True(t, sAvail.Equal(amt(t, "95")))
	assert.True(t, sLocked.Equal(preCrashSellRemaining))
	sUSDT, _ := eng2.Balances().Get(2, "USDT")
	assert.True(t, sUSDT.Equal(amt(t, "200")))

	// The resting partial sell order survives, at its pre-crash remaining
	// quantity.
	bk, ok := eng2.Book(solUsdt)
	require.True(t, ok)
	resting := bk.PeekBest(types.Sell)
	require.NotNil(t, resting)
	assert.Equal(t, sell.ID, resting.ID)
	assert.True(t, resting.RemainingAmount.Equal(preCrashSellRemaining))

	// The next order id issued after recovery is strictly greater than
	// anything issued before the crash.
	nextBuy, err := eng2.Submit(&types.Order{UserID: 1, Side: types.Buy, Kind: types.Market,
		Pair: solUsdt, QuoteAmount: amt(t, "300")})
	require.NoError(t, err)
	assert.Greater(t, nextBuy.ID, preCrashOrderIDFloor)
}

func TestRecoveryWithEmptyStoreAndEmptyWALIsANoop(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t)
	orderRepo := repositories.NewOrderRepository(db, zap.NewNop())
	tradeRepo := repositories.NewTradeRepository(db, zap.NewNop())
	balanceRepo := repositories.NewBalanceRepository(db, zap.NewNop())

	eng := engine.New(engine.Config{Pairs: []types.Pair{solUsdt}}, mustWAL(t, dir), nil, nil)
	require.NoError(t, Run(context.Background(), eng, dir, Repositories{
		Orders: orderRepo, Trades: tradeRepo, Balances: balanceRepo,
	}, 0, zap.NewNop()))

	avail, locked := eng.Balances().Get(1, "USDT")
	assert.True(t, avail.IsZero())
	assert.True(t, locked.IsZero())
}

// TestReplayApplyIsIdempotentPerSequence guards against the duplicate-
// delivery window a torn segment rotation can open (internal/wal's
// compressSegment rename-then-remove is not a single atomic step): if the
// same WAL sequence number is ever handed to apply twice, its effects must
// only land once.
func TestReplayApplyIsIdempotentPerSequence(t *testing.T) {
	dir := t.TempDir()
	eng := engine.New(engine.Config{Pairs: []types.Pair{solUsdt}}, mustWAL(t, dir), nil, nil)
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop() //nolint:errcheck

	rp := &replayState{eng: eng, open: map[int64]*types.Order{}}
	delta := wal.EncodeBalanceDelta(1, "USDT", amt(t, "100"), money.Zero)

	require.NoError(t, rp.apply(5, wal.TagBalanceDelta, delta))
	require.NoError(t, rp.apply(5, wal.TagBalanceDelta, delta))

	avail, _ := eng.Balances().Get(1, "USDT")
	assert.True(t, avail.Equal(amt(t, "100")), "a replayed sequence number must only be applied once")
}

func mustWAL(t *testing.T, dir string) *wal.WAL {
	t.Helper()
	w, err := wal.Open(wal.Options{Dir: dir, GroupCommitWindow: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}
