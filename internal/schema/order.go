package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side captures the direction of an order or trade.
type Side string

const (
	// SideBuy indicates buy orders and buy-side fills.
	SideBuy Side = "buy"
	// SideSell indicates sell orders and sell-side fills.
	SideSell Side = "sell"
)

// OrderType enumerates the unified order types.
type OrderType string

const (
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeStopLoss represents stop-loss market orders.
	OrderTypeStopLoss OrderType = "stop_loss"
	// OrderTypeStopLossLimit represents stop-loss limit orders.
	OrderTypeStopLossLimit OrderType = "stop_loss_limit"
	// OrderTypeTakeProfit represents take-profit market orders.
	OrderTypeTakeProfit OrderType = "take_profit"
	// OrderTypeTakeProfitLimit represents take-profit limit orders.
	OrderTypeTakeProfitLimit OrderType = "take_profit_limit"
)

// OrderStatus enumerates unified order lifecycle states.
type OrderStatus string

const (
	// OrderStatusNew indicates an acknowledged, unfilled order. Unknown raw
	// exchange statuses also map here so that no update is ever dropped.
	OrderStatusNew OrderStatus = "NEW"
	// OrderStatusPartiallyFilled indicates partial execution.
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// OrderStatusFilled indicates full execution.
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCanceled indicates cancellation, including pending cancels.
	OrderStatusCanceled OrderStatus = "CANCELED"
	// OrderStatusRejected indicates rejection by the exchange.
	OrderStatusRejected OrderStatus = "REJECTED"
	// OrderStatusExpired indicates expiry.
	OrderStatusExpired OrderStatus = "EXPIRED"
)

// TimeInForce enumerates order lifetimes.
type TimeInForce string

const (
	// TimeInForceGTC keeps the order until cancellation.
	TimeInForceGTC TimeInForce = "GTC"
	// TimeInForceIOC fills immediately and cancels the remainder.
	TimeInForceIOC TimeInForce = "IOC"
	// TimeInForceFOK fills entirely or cancels.
	TimeInForceFOK TimeInForce = "FOK"
)

// Fill records one execution against an order.
type Fill struct {
	TradeID  string          `json:"trade_id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Fee      decimal.Decimal `json:"fee"`
	FeeAsset string          `json:"fee_asset"`
}

// Order is the unified representation of an exchange order.
type Order struct {
	ID               string          `json:"id"`
	ClientOrderID    string          `json:"client_order_id,omitempty"`
	Symbol           string          `json:"symbol"`
	Exchange         string          `json:"exchange"`
	Market           MarketType      `json:"market"`
	Side             Side            `json:"side"`
	Type             OrderType       `json:"type"`
	Status           OrderStatus     `json:"status"`
	Price            decimal.Decimal `json:"price"`
	StopPrice        decimal.Decimal `json:"stop_price"`
	Quantity         decimal.Decimal `json:"quantity"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	CumulativeQuote  decimal.Decimal `json:"cumulative_quote"`
	TimeInForce      TimeInForce     `json:"time_in_force,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	UpdateTime       time.Time       `json:"update_time"`
	Fills            []Fill          `json:"fills,omitempty"`
}

// RemainingQuantity returns the unexecuted portion of the order, never
// negative.
func (o Order) RemainingQuantity() decimal.Decimal {
	remaining := o.Quantity.Sub(o.ExecutedQuantity)
	if remaining.Sign() < 0 {
		return decimal.Zero
	}
	return remaining
}

// Closed reports whether the order reached a terminal state.
func (o Order) Closed() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// TradeMode selects the margin mode for futures orders.
type TradeMode string

const (
	// TradeModeCash places spot orders.
	TradeModeCash TradeMode = "cash"
	// TradeModeIsolated places isolated-margin futures orders.
	TradeModeIsolated TradeMode = "isolated"
	// TradeModeCross places cross-margin futures orders.
	TradeModeCross TradeMode = "cross"
)

// OrderOptions carries futures-only extras; spot-only exchanges ignore them.
type OrderOptions struct {
	TradeMode    TradeMode       `json:"trade_mode,omitempty"`
	Leverage     decimal.Decimal `json:"leverage,omitempty"`
	PositionSide PositionSide    `json:"position_side,omitempty"`
	ReduceOnly   bool            `json:"reduce_only,omitempty"`
}

// OrderRequest describes a new order submission in unified terms.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce     `json:"time_in_force,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Options       OrderOptions    `json:"options,omitempty"`
}
