// Package types holds the data model shared by the order book, balance
// cache, matching engine, WAL, and dispatcher: spec.md §3.
package types

import (
	"time"

	"github.com/matchcore-io/matchcore/pkg/money"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Kind distinguishes limit from market orders.
type Kind string

const (
	Limit  Kind = "limit"
	Market Kind = "market"
)

// Status is the lifecycle state of an order (spec.md §3 "Order status").
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// Pair identifies a trading pair and is the sharding key for order books.
type Pair struct {
	Base  string
	Quote string
}

// String renders the pair as "BASE/QUOTE", used for logging and map keys.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Order is an order entry (spec.md §3 "Order entry"). Price is present iff
// Kind == Limit. Amount is base units; QuoteAmount is quote units and is
// present only for a MarketBuy. Exactly one of Amount/QuoteAmount drives
// matching for a given order, selected by (Side, Kind).
type Order struct {
	ID                   int64
	UserID               int64
	Side                 Side
	Kind                 Kind
	Pair                 Pair
	Price                money.Amount // zero value unused when Kind == Market
	Amount               money.Amount
	QuoteAmount          money.Amount
	FilledAmount         money.Amount
	FilledQuoteAmount    money.Amount
	RemainingAmount      money.Amount
	RemainingQuoteAmount money.Amount
	Status               Status
	CreatedAt            time.Time
}

// HasPrice reports whether the order carries a resting price, i.e. is a
// limit order.
func (o *Order) HasPrice() bool { return o.Kind == Limit }

// IsMarketBuy reports whether the order is a quote-amount-driven market buy.
func (o *Order) IsMarketBuy() bool { return o.Kind == Market && o.Side == Buy }

// Done reports whether the order has reached a terminal state.
func (o *Order) Done() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// Trade is an immutable fill record (spec.md §3 "Trade record").
type Trade struct {
	ID          int64
	BuyOrderID  int64
	SellOrderID int64
	Pair        Pair
	Price       money.Amount
	Amount      money.Amount
	CreatedAt   time.Time
}

// BalanceEntry is the available/locked pair for one (user, asset).
type BalanceEntry struct {
	Available money.Amount
	Locked    money.Amount
}

// PriceLevel is a snapshot of the aggregate size resting at one price,
// used for depth queries (spec.md §3 "Price level").
type PriceLevel struct {
	Price money.Amount
	Size  money.Amount
	Count int
}

// OrderBookSnapshot is the outbound shape of get_orderbook (spec.md §4.7).
type OrderBookSnapshot struct {
	Pair Pair
	Bids []PriceLevel
	Asks []PriceLevel
}

// BalanceChange is the outbound event shape for a balance mutation
// (spec.md §6).
type BalanceChange struct {
	UserID       int64
	Asset        string
	NewAvailable money.Amount
	NewLocked    money.Amount
}

// OrderStatusChange is the outbound event shape for an order transition
// (spec.md §6: order_id, new_status, filled_amount, filled_quote_amount).
// The remaining fields are a superset carrying the order's immutable
// attributes, so the DB writer can upsert a brand-new order row the first
// time it sees one without a second lookup back into the engine.
type OrderStatusChange struct {
	OrderID           int64
	UserID            int64
	Pair              Pair
	Side              Side
	Kind              Kind
	Price             money.Amount
	Amount            money.Amount
	NewStatus         Status
	FilledAmount      money.Amount
	FilledQuoteAmount money.Amount
}
