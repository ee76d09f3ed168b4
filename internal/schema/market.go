// Package schema defines the unified market, order and account model shared by
// every exchange adapter. Symbols inside this package are always unified
// (BASE/QUOTE or BASE/QUOTE:SETTLE); native exchange symbols never cross the
// adapter boundary.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType distinguishes spot from futures/perpetual markets.
type MarketType string

const (
	// MarketSpot identifies spot markets.
	MarketSpot MarketType = "spot"
	// MarketFutures identifies futures and perpetual-swap markets.
	MarketFutures MarketType = "futures"
)

// Ticker conveys a 24h ticker snapshot for one symbol.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceLevel describes one order book price level.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook conveys order book depth, bids descending and asks ascending.
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Exchange  string       `json:"exchange"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Trade represents one executed public trade.
type Trade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Kline represents one candlestick.
type Kline struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Interval  string          `json:"interval"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Closed    bool            `json:"closed"`
}

// SymbolInfo carries the trading constraints used to validate orders before
// submission.
type SymbolInfo struct {
	Symbol            string          `json:"symbol"`
	Exchange          string          `json:"exchange"`
	Market            MarketType      `json:"market"`
	BasePrecision     int             `json:"base_precision"`
	QuotePrecision    int             `json:"quote_precision"`
	MinQuantity       decimal.Decimal `json:"min_quantity"`
	MaxQuantity       decimal.Decimal `json:"max_quantity"`
	StepSize          decimal.Decimal `json:"step_size"`
	TickSize          decimal.Decimal `json:"tick_size"`
	MinNotional       decimal.Decimal `json:"min_notional"`
	Trading           bool            `json:"trading"`
	ContractValue     decimal.Decimal `json:"contract_value,omitempty"`
}
