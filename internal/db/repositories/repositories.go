// Package repositories implements the relational-store side of spec.md
// §4.6's DB writer: upserting orders and balances, inserting trades, and the
// bulk loads recovery needs at startup. It generalizes the teacher's
// internal/db/repositories (gorm + zap error logging, one repository type
// per table) to the three tables of spec.md §6.
package repositories

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/matchcore-io/matchcore/internal/db/models"
)

// OrderRepository persists order lifecycle state.
type OrderRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewOrderRepository(db *gorm.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

// Upsert writes the final status and filled amounts for an order, inserting
// it on first sight (spec.md §4.6 "orders upsert with final status and
// filled amounts").
func (r *OrderRepository) Upsert(ctx context.Context, o *models.Order) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "filled_amount", "filled_quote_amount", "updated_at"}),
	}).Create(o).Error
	if err != nil {
		r.logger.Error("failed to upsert order", zap.Int64("order_id", o.ID), zap.Error(err))
		return fmt.Errorf("repositories: upserting order %d: %w", o.ID, err)
	}
	return nil
}

// LoadOpen returns every order with status in (pending, partial), the set
// recovery re-inserts into their books (spec.md §4.8 step 3), paginated to
// bound memory on very large books.
func (r *OrderRepository) LoadOpen(ctx context.Context, pageSize int, fn func([]models.Order) error) error {
	var cursor int64
	for {
		var page []models.Order
		err := r.db.WithContext(ctx).
			Where("status IN ?", []string{"pending", "partial"}).
			Where("id > ?", cursor).
			Order("id ASC").
			Limit(pageSize).
			Find(&page).Error
		if err != nil {
			return fmt.Errorf("repositories: loading open orders: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		cursor = page[len(page)-1].ID
		if len(page) < pageSize {
			return nil
		}
	}
}

// MaxID returns the greatest order id persisted, used to re-seed the order
// ID generator above it (spec.md §4.2, §4.8 step 5). Returns 0 if empty.
func (r *OrderRepository) MaxID(ctx context.Context) (int64, error) {
	var max int64
	err := r.db.WithContext(ctx).Model(&models.Order{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("repositories: reading max order id: %w", err)
	}
	return max, nil
}

// TradeRepository persists immutable trade records.
type TradeRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewTradeRepository(db *gorm.DB, logger *zap.Logger) *TradeRepository {
	return &TradeRepository{db: db, logger: logger}
}

// Insert writes a batch of trades, skipping any whose id already exists so
// a WAL-replay re-send during recovery stays idempotent (spec.md §4.8 step
// 4 "trade inserts keyed by trade_id").
func (r *TradeRepository) Insert(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&trades).Error
	if err != nil {
		r.logger.Error("failed to insert trades", zap.Int("count", len(trades)), zap.Error(err))
		return fmt.Errorf("repositories: inserting trades: %w", err)
	}
	return nil
}

func (r *TradeRepository) MaxID(ctx context.Context) (int64, error) {
	var max int64
	err := r.db.WithContext(ctx).Model(&models.Trade{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("repositories: reading max trade id: %w", err)
	}
	return max, nil
}

// BalanceRepository persists per-(user, asset) balances.
type BalanceRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewBalanceRepository(db *gorm.DB, logger *zap.Logger) *BalanceRepository {
	return &BalanceRepository{db: db, logger: logger}
}

// Upsert writes the current available/locked pair for (user_id, asset).
func (r *BalanceRepository) Upsert(ctx context.Context, b *models.UserBalance) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "asset"}},
		DoUpdates: clause.AssignmentColumns([]string{"available", "locked", "updated_at"}),
	}).Create(b).Error
	if err != nil {
		r.logger.Error("failed to upsert balance",
			zap.Int64("user_id", b.UserID), zap.String("asset", b.Asset), zap.Error(err))
		return fmt.Errorf("repositories: upserting balance: %w", err)
	}
	return nil
}

// LoadAll returns every balance row, loaded wholesale into the cache at
// recovery step 2.
func (r *BalanceRepository) LoadAll(ctx context.Context) ([]models.UserBalance, error) {
	var rows []models.UserBalance
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repositories: loading balances: %w", err)
	}
	return rows, nil
}

// Migrate creates/updates the three tables. Called once at startup; schema
// migrations beyond this are out of scope (spec.md §1 non-goals).
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Order{}, &models.Trade{}, &models.UserBalance{})
}
