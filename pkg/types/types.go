// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the exchange — orders, trades,
// markets, balances, positions, and the stable error codes returned at the
// gateway boundary. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool { return s == BUY || s == SELL }

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	LIMIT  OrderType = "LIMIT"  // rests on the book if not fully matched
	MARKET OrderType = "MARKET" // executes against the book, never rests
)

// Valid reports whether the order type is known.
func (t OrderType) Valid() bool { return t == LIMIT || t == MARKET }

// Outcome is one of the two mutually exclusive results of a binary market.
// A winning share pays exactly 1 at resolution; a losing share pays 0.
type Outcome string

const (
	YES Outcome = "YES"
	NO  Outcome = "NO"
)

// Valid reports whether the outcome is YES or NO.
func (o Outcome) Valid() bool { return o == YES || o == NO }

// OrderStatus is the lifecycle state of an order.
//
// PENDING orders have been accepted by the gateway but not yet processed by
// the engine. OPEN and PARTIAL orders rest on the book. FILLED and CANCELLED
// are terminal. A MARKET order whose walk was halted by the slippage collar
// is FILLED when at least one fill executed, CANCELLED when none did; the
// unfilled remainder never rests.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further state transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// MarketStatus is the lifecycle state of a market.
// OPEN → CLOSED → RESOLVED, OPEN → CANCELLED, CLOSED → CANCELLED.
// RESOLVED and CANCELLED are terminal.
type MarketStatus string

const (
	MarketOpen      MarketStatus = "OPEN"
	MarketClosed    MarketStatus = "CLOSED"
	MarketResolved  MarketStatus = "RESOLVED"
	MarketCancelled MarketStatus = "CANCELLED"
)

// Terminal reports whether the market can change state again.
func (s MarketStatus) Terminal() bool {
	return s == MarketResolved || s == MarketCancelled
}

// Role distinguishes ordinary traders from administrators.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// SelfTradePolicy controls what happens when an incoming order would match
// a resting order owned by the same user.
type SelfTradePolicy string

const (
	SelfTradeSkip        SelfTradePolicy = "SKIP"         // skip the candidate, leave it resting
	SelfTradeCancelMaker SelfTradePolicy = "CANCEL_MAKER" // cancel the resting order, keep matching
	SelfTradeCancelTaker SelfTradePolicy = "CANCEL_TAKER" // cancel the incoming remainder
)

// Valid reports whether the policy is one of the three known values.
func (p SelfTradePolicy) Valid() bool {
	return p == SelfTradeSkip || p == SelfTradeCancelMaker || p == SelfTradeCancelTaker
}

// User is an account on the exchange. Immutable after creation except Role.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance is a user's cash position. Total is always Available + Locked;
// it is derived rather than stored so the invariant holds by construction.
// All amounts are fixed-point decimals — never binary floating point.
type Balance struct {
	UserID    string          `json:"user_id"`
	Available decimal.Decimal `json:"available"` // spendable cash
	Locked    decimal.Decimal `json:"locked"`    // escrowed against open BUY orders
}

// Total returns Available + Locked.
func (b Balance) Total() decimal.Decimal { return b.Available.Add(b.Locked) }

// Market is a binary contract with two mutually exclusive outcomes.
type Market struct {
	ID          string       `json:"id"`
	Slug        string       `json:"slug"` // unique, human-readable
	Question    string       `json:"question"`
	Status      MarketStatus `json:"status"`
	Outcome     *Outcome     `json:"outcome,omitempty"` // set when RESOLVED
	CloseTime   *time.Time   `json:"close_time,omitempty"`
	ResolveTime *time.Time   `json:"resolve_time,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Order is a request to buy or sell shares of one outcome.
// Price is zero-valued for MARKET orders.
type Order struct {
	ID        string          `json:"id"`
	MarketID  string          `json:"market_id"`
	UserID    string          `json:"user_id"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Outcome   Outcome         `json:"outcome"`
	Price     decimal.Decimal `json:"price"` // limit price in (0,1), on the tick grid
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Remaining returns Quantity - Filled.
func (o Order) Remaining() decimal.Decimal { return o.Quantity.Sub(o.Filled) }

// Trade is the immutable record of one execution. Price is always the
// maker's (resting order's) limit price.
type Trade struct {
	ID          string          `json:"id"`
	MarketID    string          `json:"market_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	Outcome     Outcome         `json:"outcome"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Position tracks a user's holding of one outcome in one market.
// AveragePrice is the volume-weighted average acquisition price; it is
// updated on buys, unchanged on sells, and retained (frozen) when the
// quantity reaches zero so realized P&L stays displayable.
type Position struct {
	UserID       string          `json:"user_id"`
	MarketID     string          `json:"market_id"`
	Outcome      Outcome         `json:"outcome"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OrderEventType tags entries in the append-only order audit log.
type OrderEventType string

const (
	OrderEventPlace  OrderEventType = "PLACE"
	OrderEventTrade  OrderEventType = "TRADE"
	OrderEventCancel OrderEventType = "CANCEL"
	OrderEventSettle OrderEventType = "SETTLE"
)

// OrderEvent is one audit-log entry describing an order state transition.
type OrderEvent struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Type      OrderEventType  `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"` // filled/released amount for TRADE/CANCEL
	Price     decimal.Decimal `json:"price"`    // execution price for TRADE
	CreatedAt time.Time       `json:"created_at"`
}

// PriceLevel is one aggregated level of a book snapshot.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"` // sum of remaining quantity at this price
	Orders   int             `json:"orders"`   // number of resting orders at this price
}

// BookSnapshot is a point-in-time aggregated view of one (market, outcome)
// book: bids sorted descending, asks ascending.
type BookSnapshot struct {
	MarketID string       `json:"market_id"`
	Outcome  Outcome      `json:"outcome"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
}

// Fill describes one execution from the taker's perspective, as returned
// by placeOrder. The corresponding Trade row is the durable record.
type Fill struct {
	TradeID     string          `json:"trade_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Outcome     Outcome         `json:"outcome"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// PlaceOrderResult is the acknowledgment returned by placeOrder. Balance and
// Position reflect the submitting user's state after the transaction commits.
type PlaceOrderResult struct {
	Order    Order     `json:"order"`
	Fills    []Fill    `json:"fills"`
	Balance  *Balance  `json:"balance,omitempty"`
	Position *Position `json:"position,omitempty"`
}

// CancelOrderResult is the acknowledgment returned by cancelOrder.
type CancelOrderResult struct {
	Order   Order    `json:"order"`
	Balance *Balance `json:"balance,omitempty"`
}

// SettlementResult summarizes a market resolution.
type SettlementResult struct {
	Market           Market          `json:"market"`
	SettledPositions int             `json:"settled_positions"`
	TotalPayout      decimal.Decimal `json:"total_payout"`
}

// CancelMarketResult summarizes a market cancellation refund pass.
type CancelMarketResult struct {
	Market   Market          `json:"market"`
	Refunded decimal.Decimal `json:"refunded"`
}
