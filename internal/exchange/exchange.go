// Package exchange defines the capability surface every venue adapter
// implements, plus the registry that maps exchange names to adapter
// factories.
package exchange

import (
	"context"
	"time"

	"github.com/openalgo/exio/internal/schema"
)

// Credentials carries API authentication material. Passphrase is only used by
// venues that require it (OKX, Coinbase Exchange). Sandbox routes requests to
// the venue's demo/paper environment.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	Sandbox    bool
}

// MarketDataReader exposes REST snapshots of public market data.
type MarketDataReader interface {
	GetTicker(ctx context.Context, symbol string) (*schema.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*schema.OrderBook, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]schema.Kline, error)
}

// Trader places and manages orders.
type Trader interface {
	CreateOrder(ctx context.Context, req schema.OrderRequest) (*schema.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*schema.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error)
	GetOrderHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]schema.Order, error)
}

// AccountReader exposes balances and positions.
type AccountReader interface {
	GetAccountInfo(ctx context.Context) (*schema.AccountInfo, error)
	GetBalances(ctx context.Context) ([]schema.Balance, error)
	GetPositions(ctx context.Context) ([]schema.Position, error)
}

// ReferenceDataReader exposes tradable-instrument metadata. GetExchangeInfo
// refreshes the metadata cache from the venue and returns the full snapshot;
// the getters serve from the cache.
type ReferenceDataReader interface {
	GetExchangeInfo(ctx context.Context) ([]schema.SymbolInfo, error)
	GetSymbols(ctx context.Context) ([]string, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*schema.SymbolInfo, error)
}

// Streamer manages websocket subscriptions. All streamed data and lifecycle
// notifications arrive on the Events channel.
type Streamer interface {
	SubscribeTicker(ctx context.Context, symbol string) error
	SubscribeOrderBook(ctx context.Context, symbol string) error
	SubscribeTrades(ctx context.Context, symbol string) error
	SubscribeKlines(ctx context.Context, symbol, interval string) error
	SubscribeUserData(ctx context.Context) error
	Unsubscribe(ctx context.Context, key schema.SubscriptionKey) error
	Events() <-chan schema.Event
}

// Exchange is the full adapter capability set. Connect probes REST
// connectivity and warms symbol metadata; Disconnect tears down every
// websocket with normal closure.
type Exchange interface {
	MarketDataReader
	Trader
	AccountReader
	ReferenceDataReader
	Streamer

	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
}
