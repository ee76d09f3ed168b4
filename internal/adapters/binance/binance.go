// Package binance adapts Binance spot and USDⓈ-M futures to the unified
// exchange capability surface. REST authentication uses the query-string
// HMAC scheme; streaming uses the raw /ws endpoint with SUBSCRIBE frames and
// a listen-key user-data socket.
package binance

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/exchange"
	"github.com/openalgo/exio/internal/observability"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/sign"
	"github.com/openalgo/exio/internal/stream"
	"github.com/openalgo/exio/internal/symbols"
	"github.com/openalgo/exio/internal/telemetry"
)

const (
	exchangeName = "binance"

	spotWSBase        = "wss://stream.binance.com:9443/ws"
	futuresWSBase     = "wss://fstream.binance.com/ws"
	spotWSTestnet     = "wss://stream.testnet.binance.vision/ws"
	futuresWSTestnet  = "wss://stream.binancefuture.com/ws"
	defaultEventBuf   = 1024
	listenKeyInterval = 25 * time.Minute
)

func init() {
	exchange.Register(exchangeName, func(cfg exchange.Config) (exchange.Exchange, error) {
		return New(cfg), nil
	})
}

// Adapter implements exchange.Exchange for Binance.
type Adapter struct {
	cfg  exchange.Config
	conv symbols.Binance
	rest *restClient
	log  observability.Logger

	wsSpot    string
	wsFutures string
	wsUser    string

	events chan schema.Event

	symbolMu   sync.RWMutex
	symbolInfo map[string]schema.SymbolInfo

	streamMu  sync.Mutex
	spotWS    *stream.Manager
	futuresWS *stream.Manager
	userWS    map[schema.MarketType]*stream.Manager
	subMeta   map[schema.SubscriptionKey]subMeta

	listenKeyMu sync.Mutex
	listenKeys  map[schema.MarketType]string

	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
}

type subMeta struct {
	market   schema.MarketType
	interval string
}

// New builds the adapter; no network traffic happens until Connect or the
// first subscription.
func New(cfg exchange.Config) *Adapter {
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = defaultEventBuf
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:        cfg,
		log:        observability.Log(),
		events:     make(chan schema.Event, buf),
		symbolInfo: make(map[string]schema.SymbolInfo),
		subMeta:    make(map[schema.SubscriptionKey]subMeta),
		userWS:     make(map[schema.MarketType]*stream.Manager),
		listenKeys: make(map[schema.MarketType]string),
		ctx:        ctx,
		cancel:     cancel,
	}

	restSpot, restFutures := spotAPIBase, futuresAPIBase
	a.wsSpot, a.wsFutures = spotWSBase, futuresWSBase
	if cfg.Credentials.Sandbox {
		restSpot, restFutures = spotTestnetBase, futuresTestnet
		a.wsSpot, a.wsFutures = spotWSTestnet, futuresWSTestnet
	}
	if v := cfg.Endpoints.RESTSpot; v != "" {
		restSpot = v
	}
	if v := cfg.Endpoints.RESTFutures; v != "" {
		restFutures = v
	}
	if v := cfg.Endpoints.WSSpot; v != "" {
		a.wsSpot = v
	}
	if v := cfg.Endpoints.WSFutures; v != "" {
		a.wsFutures = v
	}
	a.wsUser = a.wsSpot
	if v := cfg.Endpoints.WSUser; v != "" {
		a.wsUser = v
	}

	a.rest = &restClient{
		http:        &http.Client{Timeout: 15 * time.Second},
		signer:      sign.QueryHMAC{Secret: cfg.Credentials.SecretKey},
		apiKey:      cfg.Credentials.APIKey,
		spotBase:    restSpot,
		futuresBase: restFutures,
		clock:       time.Now,
	}
	return a
}

// Name implements exchange.Exchange.
func (a *Adapter) Name() string { return exchangeName }

// Connect probes REST connectivity and warms the symbol metadata cache for
// every enabled market.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.rest.public(ctx, schema.MarketSpot, "/api/v3/ping", nil, nil); err != nil {
		return err
	}
	if err := a.refreshExchangeInfo(ctx, schema.MarketSpot); err != nil {
		return err
	}
	if a.cfg.HasMarket(schema.MarketFutures) {
		if err := a.refreshExchangeInfo(ctx, schema.MarketFutures); err != nil {
			return err
		}
	}
	a.connected.Store(true)
	a.emit(schema.Event{Type: schema.EventConnected, Exchange: exchangeName, Timestamp: time.Now().UTC()})
	return nil
}

// Disconnect closes every websocket with normal closure and stops background
// loops. The events channel stays open so buffered events drain.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.cancel()
	a.streamMu.Lock()
	managers := []*stream.Manager{a.spotWS, a.futuresWS}
	for _, m := range a.userWS {
		managers = append(managers, m)
	}
	for _, m := range managers {
		if m != nil {
			m.Close()
		}
	}
	a.spotWS, a.futuresWS = nil, nil
	a.userWS = make(map[schema.MarketType]*stream.Manager)
	a.streamMu.Unlock()
	a.wg.Wait()
	a.connected.Store(false)
	a.emit(schema.Event{Type: schema.EventDisconnected, Exchange: exchangeName, Timestamp: time.Now().UTC()})
	return nil
}

// IsConnected implements exchange.Exchange.
func (a *Adapter) IsConnected() bool { return a.connected.Load() }

// Events implements exchange.Streamer.
func (a *Adapter) Events() <-chan schema.Event { return a.events }

// emit delivers events without ever blocking a read loop: a full consumer
// channel drops the event and counts the drop.
func (a *Adapter) emit(evt schema.Event) {
	select {
	case a.events <- evt:
		telemetry.EventEmitted(a.ctx, exchangeName, string(evt.Type))
	default:
		telemetry.EventDropped(a.ctx, exchangeName, string(evt.Type))
		a.log.Warn("event dropped, consumer channel full",
			observability.Field{Key: "exchange", Value: exchangeName},
			observability.Field{Key: "type", Value: string(evt.Type)})
	}
}

// marketOf resolves the market type from the unified symbol: perpetuals route
// to the futures surface, everything else to spot.
func (a *Adapter) marketOf(symbol string) (schema.MarketType, error) {
	sym, err := symbols.Parse(symbol)
	if err != nil {
		return schema.MarketSpot, err
	}
	if sym.Perpetual() {
		if !a.cfg.HasMarket(schema.MarketFutures) {
			return schema.MarketSpot, errs.NotSupported(exchangeName, "futures market not enabled")
		}
		return schema.MarketFutures, nil
	}
	return schema.MarketSpot, nil
}
