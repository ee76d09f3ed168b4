// Package coinbase adapts Coinbase Advanced Trade to the unified exchange
// capability surface. REST requests are signed with short-lived ES256 bearer
// tokens when the configured secret is a PEM EC private key; legacy
// Exchange-style credentials (base64 HMAC secret plus passphrase) fall back to
// CB-ACCESS-* header signing. Streaming uses the Advanced Trade websocket,
// with the authenticated user channel carrying a JWT inside the subscribe
// frame.
package coinbase

import (
	"context"
	"net/http"
	"net/url"
	"strings"
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
	exchangeName = "coinbase"

	restBase        = "https://api.coinbase.com"
	restSandbox     = "https://api-sandbox.coinbase.com"
	wsMarketBase    = "wss://advanced-trade-ws.coinbase.com"
	wsUserBase      = "wss://advanced-trade-ws-user.coinbase.com"
	brokeragePrefix = "/api/v3/brokerage"

	defaultEventBuf = 1024
)

func init() {
	exchange.Register(exchangeName, New)
}

// Adapter implements exchange.Exchange for Coinbase Advanced Trade. The
// adapter is spot-only: INTX perpetual products live behind a separate API
// surface and are rejected at the symbol boundary.
type Adapter struct {
	cfg  exchange.Config
	conv symbols.Coinbase
	rest *restClient
	log  observability.Logger

	wsMarket string
	wsUser   string

	events chan schema.Event

	symbolMu   sync.RWMutex
	symbolInfo map[string]schema.SymbolInfo

	streamMu sync.Mutex
	marketWS *stream.Manager
	userWS   *stream.Manager
	userOn   bool

	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
}

// New builds the adapter. The authentication scheme is chosen from the shape
// of the configured secret: a PEM EC private key selects JWT signing, anything
// else selects the Exchange header-HMAC fallback. No network traffic happens
// until Connect or the first subscription.
func New(cfg exchange.Config) (exchange.Exchange, error) {
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
		wsMarket:   wsMarketBase,
		wsUser:     wsUserBase,
	}

	base := restBase
	if cfg.Credentials.Sandbox {
		base = restSandbox
	}
	if v := cfg.Endpoints.RESTSpot; v != "" {
		base = v
	}
	if v := cfg.Endpoints.WSSpot; v != "" {
		a.wsMarket = v
	}
	if v := cfg.Endpoints.WSUser; v != "" {
		a.wsUser = v
	}

	rest := &restClient{
		http:  &http.Client{Timeout: 15 * time.Second},
		base:  base,
		host:  hostOf(base),
		clock: time.Now,
	}
	if key := strings.TrimSpace(cfg.Credentials.SecretKey); strings.Contains(key, "-----BEGIN") {
		private, err := sign.ParseECPrivateKey(key)
		if err != nil {
			cancel()
			return nil, err
		}
		rest.mode = authJWT
		rest.jwtKey = cfg.Credentials.APIKey
		rest.private = private
	} else if key != "" {
		rest.mode = authHMAC
		rest.hmac = sign.HeaderHMAC{
			Key:          cfg.Credentials.APIKey,
			Secret:       cfg.Credentials.SecretKey,
			Passphrase:   cfg.Credentials.Passphrase,
			Headers:      sign.CoinbaseExchangeHeaders,
			Encoding:     sign.TimestampUnixSeconds,
			Base64Secret: true,
		}
	}
	a.rest = rest
	return a, nil
}

func hostOf(base string) string {
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")
}

// Name implements exchange.Exchange.
func (a *Adapter) Name() string { return exchangeName }

// Connect probes REST connectivity and warms product metadata.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.refreshProducts(ctx); err != nil {
		return err
	}
	a.connected.Store(true)
	a.emit(schema.Event{Type: schema.EventConnected, Exchange: exchangeName, Timestamp: time.Now().UTC()})
	return nil
}

// Disconnect implements exchange.Exchange.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.cancel()
	a.streamMu.Lock()
	for _, m := range []*stream.Manager{a.marketWS, a.userWS} {
		if m != nil {
			m.Close()
		}
	}
	a.marketWS, a.userWS = nil, nil
	a.userOn = false
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

func (a *Adapter) productID(symbol string) (string, error) {
	sym, err := symbols.Parse(symbol)
	if err != nil {
		return "", err
	}
	if sym.Perpetual() {
		return "", errs.NotSupported(exchangeName, "perpetual products require the INTX surface")
	}
	return a.conv.ToNative(symbol)
}
