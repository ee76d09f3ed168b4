// Package okx adapts OKX v5 to the unified exchange capability surface. One
// REST host serves spot and swap instruments; streaming splits across the
// public, business (candles) and private sockets. REST authentication uses
// the ISO-8601 header-HMAC scheme; the private socket authenticates with a
// login frame signed the same way over a fixed verification path.
package okx

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
	exchangeName = "okx"

	restBase       = "https://www.okx.com"
	wsPublicBase   = "wss://ws.okx.com:8443/ws/v5/public"
	wsBusinessBase = "wss://ws.okx.com:8443/ws/v5/business"
	wsPrivateBase  = "wss://ws.okx.com:8443/ws/v5/private"

	wsPublicDemo   = "wss://wspap.okx.com:8443/ws/v5/public"
	wsBusinessDemo = "wss://wspap.okx.com:8443/ws/v5/business"
	wsPrivateDemo  = "wss://wspap.okx.com:8443/ws/v5/private"

	// OKX drops sockets idle for 30 seconds; a text "ping" resets the timer.
	pingInterval = 20 * time.Second

	defaultEventBuf = 1024
)

func init() {
	exchange.Register(exchangeName, func(cfg exchange.Config) (exchange.Exchange, error) {
		return New(cfg), nil
	})
}

// Adapter implements exchange.Exchange for OKX.
type Adapter struct {
	cfg  exchange.Config
	conv symbols.OKX
	rest *restClient
	log  observability.Logger

	wsPublic   string
	wsBusiness string
	wsPrivate  string

	events chan schema.Event

	symbolMu   sync.RWMutex
	symbolInfo map[string]schema.SymbolInfo

	streamMu   sync.Mutex
	publicWS   *stream.Manager
	businessWS *stream.Manager
	privateWS  *stream.Manager
	loggedIn   atomic.Bool

	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
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
		ctx:        ctx,
		cancel:     cancel,
	}

	rest := restBase
	a.wsPublic, a.wsBusiness, a.wsPrivate = wsPublicBase, wsBusinessBase, wsPrivateBase
	if cfg.Credentials.Sandbox {
		// Demo trading keeps the REST host and flags requests with the
		// x-simulated-trading header; only the sockets move.
		a.wsPublic, a.wsBusiness, a.wsPrivate = wsPublicDemo, wsBusinessDemo, wsPrivateDemo
	}
	if v := cfg.Endpoints.RESTSpot; v != "" {
		rest = v
	}
	if v := cfg.Endpoints.WSSpot; v != "" {
		a.wsPublic = v
	}
	if v := cfg.Endpoints.WSFutures; v != "" {
		a.wsBusiness = v
	}
	if v := cfg.Endpoints.WSUser; v != "" {
		a.wsPrivate = v
	}

	a.rest = &restClient{
		http: &http.Client{Timeout: 15 * time.Second},
		signer: sign.HeaderHMAC{
			Key:        cfg.Credentials.APIKey,
			Secret:     cfg.Credentials.SecretKey,
			Passphrase: cfg.Credentials.Passphrase,
			Headers:    sign.OKXHeaders,
			Encoding:   sign.TimestampISO8601,
			Simulated:  cfg.Credentials.Sandbox,
		},
		base:  rest,
		clock: time.Now,
	}
	return a
}

// Name implements exchange.Exchange.
func (a *Adapter) Name() string { return exchangeName }

// Connect probes REST connectivity and warms instrument metadata for every
// enabled market.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.refreshInstruments(ctx, "SPOT"); err != nil {
		return err
	}
	if a.cfg.HasMarket(schema.MarketFutures) {
		if err := a.refreshInstruments(ctx, "SWAP"); err != nil {
			return err
		}
	}
	a.connected.Store(true)
	a.emit(schema.Event{Type: schema.EventConnected, Exchange: exchangeName, Timestamp: time.Now().UTC()})
	return nil
}

// Disconnect implements exchange.Exchange.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.cancel()
	a.streamMu.Lock()
	for _, m := range []*stream.Manager{a.publicWS, a.businessWS, a.privateWS} {
		if m != nil {
			m.Close()
		}
	}
	a.publicWS, a.businessWS, a.privateWS = nil, nil, nil
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
