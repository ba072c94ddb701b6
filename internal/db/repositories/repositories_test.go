package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/matchcore-io/matchcore/internal/db/models"
	"github.com/matchcore-io/matchcore/pkg/money"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A uniquely named shared-cache in-memory database, pinned to a single
	// connection: gorm's pool otherwise hands different goroutines distinct
	// physical :memory: databases, silently losing writes between them.
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))
	return db
}

func amt(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.FromString(s)
	require.NoError(t, err)
	return a
}

func TestOrderUpsertInsertsThenUpdates(t *testing.T) {
	db := openTestDB(t)
	repo := NewOrderRepository(db, zap.NewNop())

	price := amt(t, "100")
	row := models.Order{
		ID: 1, UserID: 1, Side: "buy", Kind: "limit", Base: "SOL", Quote: "USDT",
		Price: &price, Amount: amt(t, "1"), Status: "pending",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, repo.Upsert(context.Background(), &row))

	row.Status = "filled"
	row.FilledAmount = amt(t, "1")
	require.NoError(t, repo.Upsert(context.Background(), &row))

	var got models.Order
	require.NoError(t, db.First(&got, 1).Error)
	assert.Equal(t, "filled", got.Status)
	assert.True(t, got.FilledAmount.Equal(amt(t, "1")))
}

func TestOrderLoadOpenPaginatesByID(t *testing.T) {
	db := openTestDB(t)
	repo := NewOrderRepository(db, zap.NewNop())

	for i := int64(1); i <= 5; i++ {
		price := amt(t, "100")
		row := models.Order{
			ID: i, UserID: 1, Side: "buy", Kind: "limit", Base: "SOL", Quote: "USDT",
			Price: &price, Amount: amt(t, "1"), Status: "pending",
		}
		require.NoError(t, db.Create(&row).Error)
	}
	// One filled order must never come back from LoadOpen.
	price := amt(t, "100")
	require.NoError(t, db.Create(&models.Order{
		ID: 6, UserID: 1, Side: "buy", Kind: "limit", Base: "SOL", Quote: "USDT",
		Price: &price, Amount: amt(t, "1"), Status: "filled",
	}).Error)

	var pages [][]models.Order
	err := repo.LoadOpen(context.Background(), 2, func(page []models.Order) error {
		cp := make([]models.Order, len(page))
		copy(cp, page)
		pages = append(pages, cp)
		return nil
	})
	require.NoError(t, err)

	var total int
	for _, p := range pages {
		total += len(p)
	}
	assert.Equal(t, 5, total)
	assert.True(t, len(pages) >= 3, "page size 2 over 5 rows must take at least 3 pages")
}

func TestOrderMaxIDEmptyTableIsZero(t *testing.T) {
	db := openTestDB(t)
	repo := NewOrderRepository(db, zap.NewNop())
	max, err := repo.MaxID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)
}

func TestTradeInsertIsIdempotentOnConflict(t *testing.T) {
	db := openTestDB(t)
	repo := NewTradeRepository(db, zap.NewNop())

	trade := models.Trade{ID: 1, BuyOrderID: 10, SellOrderID: 11, Base: "SOL", Quote: "USDT",
		Price: amt(t, "100"), Amount: amt(t, "1"), CreatedAt: time.Now()}

	require.NoError(t, repo.Insert(context.Background(), []models.Trade{trade}))
	// A WAL-replay re-send of the same trade id must not error or duplicate.
	require.NoError(t, repo.Insert(context.Background(), []models.Trade{trade}))

	var count int64
	require.NoError(t, db.Model(&models.Trade{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	max, err := repo.MaxID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), max)
}

func TestBalanceUpsertOverwritesLatestValue(t *testing.T) {
	db := openTestDB(t)
	repo := NewBalanceRepository(db, zap.NewNop())

	require.NoError(t, repo.Upsert(context.Background(), &models.UserBalance{
		UserID: 1, Asset: "USDT", Available: amt(t, "100"), Locked: amt(t, "0"),
	}))
	require.NoError(t, repo.Upsert(context.Background(), &models.UserBalance{
		UserID: 1, Asset: "USDT", Available: amt(t, "60"), Locked: amt(t, "40"),
	}))

	rows, err := repo.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Available.Equal(amt(t, "60")))
	assert.True(t, rows[0].Locked.Equal(amt(t, "40")))
}
