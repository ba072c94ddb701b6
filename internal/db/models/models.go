// Package models holds the gorm row types backing the three persisted
// tables of spec.md §6: orders, trades, user_balances. They are pure
// projections written by the DB writer; the engine never reads them on the
// hot path (it consults the in-memory book/balance cache instead).
package models

import (
	"time"

	"github.com/matchcore-io/matchcore/pkg/money"
)

// Order mirrors spec.md §6's orders table. Price is nullable because it is
// absent for a market order.
type Order struct {
	ID                int64  `gorm:"primaryKey"`
	UserID            int64  `gorm:"index"`
	Side              string `gorm:"type:varchar(4);index"`
	Kind              string `gorm:"type:varchar(8)"`
	Base              string `gorm:"type:varchar(16);index:idx_orders_pair"`
	Quote             string `gorm:"type:varchar(16);index:idx_orders_pair"`
	Price             *money.Amount
	Amount            money.Amount
	FilledAmount      money.Amount
	FilledQuoteAmount money.Amount
	Status            string `gorm:"type:varchar(16);index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Order) TableName() string { return "orders" }

// Trade mirrors spec.md §6's trades table. Immutable once inserted.
type Trade struct {
	ID          int64 `gorm:"primaryKey"`
	BuyOrderID  int64 `gorm:"index"`
	SellOrderID int64 `gorm:"index"`
	Base        string `gorm:"type:varchar(16);index:idx_trades_pair"`
	Quote       string `gorm:"type:varchar(16);index:idx_trades_pair"`
	Price       money.Amount
	Amount      money.Amount
	CreatedAt   time.Time
}

func (Trade) TableName() string { return "trades" }

// UserBalance mirrors spec.md §6's user_balances table, unique on
// (user_id, asset).
type UserBalance struct {
	UserID    int64  `gorm:"primaryKey"`
	Asset     string `gorm:"primaryKey;type:varchar(16)"`
	Available money.Amount
	Locked    money.Amount
	UpdatedAt time.Time
}

func (UserBalance) TableName() string { return "user_balances" }
