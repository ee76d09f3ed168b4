package coinbase

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/exchange"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/sign"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func testPEMKey(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return string(encoded), key
}

func newTestAdapter(t *testing.T, handler http.Handler, creds exchange.Credentials) (*Adapter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	ex, err := New(exchange.Config{
		Credentials: creds,
		Endpoints:   exchange.EndpointOverrides{RESTSpot: server.URL},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := ex.(*Adapter)
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	return a, server
}

// decodeJWT splits a compact token and returns its decoded claims plus the
// signing input and raw signature for verification.
func decodeJWT(t *testing.T, token string) (map[string]any, string, []byte) {
	t.Helper()
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	return claims, parts[0] + "." + parts[1], sig
}

func TestCreateOrderSendsJWTBearer(t *testing.T) {
	pemKey, key := testPEMKey(t)

	var gotAuth string
	var gotBody createOrderRequest
	a, server := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/brokerage/orders" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success":true,
			"success_response":{"order_id":"ord-1","client_order_id":"my-order-1"}
		}`))
	}), exchange.Credentials{APIKey: "organizations/x/apiKeys/y", SecretKey: pemKey})

	order, err := a.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol:        "BTC/USD",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Quantity:      dec(t, "0.5"),
		Price:         dec(t, "64000"),
		ClientOrderID: "my-order-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	token, ok := strings.CutPrefix(gotAuth, "Bearer ")
	if !ok {
		t.Fatalf("Authorization = %q, want Bearer token", gotAuth)
	}
	claims, signingInput, sig := decodeJWT(t, token)
	wantURI := "POST " + strings.TrimPrefix(server.URL, "http://") + "/api/v3/brokerage/orders"
	if claims["uri"] != wantURI {
		t.Fatalf("uri claim = %q, want %q", claims["uri"], wantURI)
	}
	if claims["sub"] != "organizations/x/apiKeys/y" {
		t.Fatalf("sub claim = %q", claims["sub"])
	}
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64", len(sig))
	}
	digest := sha256.Sum256([]byte(signingInput))
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(&key.PublicKey, digest[:], r, s) {
		t.Fatal("token signature does not verify against the configured key")
	}

	if gotBody.ProductID != "BTC-USD" {
		t.Fatalf("product_id = %q, want BTC-USD", gotBody.ProductID)
	}
	if gotBody.Side != "BUY" {
		t.Fatalf("side = %q, want BUY", gotBody.Side)
	}
	if gotBody.Config.LimitGTC == nil {
		t.Fatal("order_configuration missing limit_limit_gtc")
	}
	if gotBody.Config.LimitGTC.BaseSize != "0.5" || gotBody.Config.LimitGTC.LimitPrice != "64000" {
		t.Fatalf("limit config = %+v", gotBody.Config.LimitGTC)
	}

	if order.ID != "ord-1" {
		t.Fatalf("order id = %q, want ord-1", order.ID)
	}
	if order.Status != schema.OrderStatusNew {
		t.Fatalf("order status = %q, want NEW", order.Status)
	}
}

func TestHeaderHMACFallbackSignsRequest(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("hmac-secret"))
	var gotHeader http.Header
	var gotPath string
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"orders":[]}`))
	}), exchange.Credentials{APIKey: "legacy-key", SecretKey: secret, Passphrase: "pp"})

	if _, err := a.GetOpenOrders(context.Background(), ""); err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}

	if gotHeader.Get("CB-ACCESS-KEY") != "legacy-key" {
		t.Fatalf("CB-ACCESS-KEY = %q", gotHeader.Get("CB-ACCESS-KEY"))
	}
	if gotHeader.Get("CB-ACCESS-PASSPHRASE") != "pp" {
		t.Fatalf("CB-ACCESS-PASSPHRASE = %q", gotHeader.Get("CB-ACCESS-PASSPHRASE"))
	}
	ts := gotHeader.Get("CB-ACCESS-TIMESTAMP")
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		t.Fatalf("timestamp %q is not epoch seconds", ts)
	}

	signer := sign.HeaderHMAC{
		Key: "legacy-key", Secret: secret, Passphrase: "pp",
		Headers: sign.CoinbaseExchangeHeaders, Encoding: sign.TimestampUnixSeconds,
		Base64Secret: true,
	}
	want, err := signer.Signature(http.MethodGet, gotPath, "", time.Unix(sec, 0))
	if err != nil {
		t.Fatalf("recompute signature: %v", err)
	}
	if gotHeader.Get("CB-ACCESS-SIGN") != want {
		t.Fatalf("CB-ACCESS-SIGN = %q, want %q", gotHeader.Get("CB-ACCESS-SIGN"), want)
	}
}

func TestCreateOrderRejectsMarketStops(t *testing.T) {
	pemKey, _ := testPEMKey(t)
	a, _ := newTestAdapter(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("request must not reach the venue")
	}), exchange.Credentials{APIKey: "k", SecretKey: pemKey})

	_, err := a.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol:    "BTC/USD",
		Side:      schema.SideSell,
		Type:      schema.OrderTypeStopLoss,
		Quantity:  dec(t, "1"),
		StopPrice: dec(t, "60000"),
	})
	if errs.CodeOf(err) != errs.CodeNotSupported {
		t.Fatalf("error code = %q, want not_supported", errs.CodeOf(err))
	}
}

func TestOrderRejectionInsideSuccessEnvelope(t *testing.T) {
	pemKey, _ := testPEMKey(t)
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success":false,
			"error_response":{"error":"INSUFFICIENT_FUND","message":"Insufficient balance"}
		}`))
	}), exchange.Credentials{APIKey: "k", SecretKey: pemKey})

	_, err := a.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol:   "BTC/USD",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeLimit,
		Quantity: dec(t, "1"),
		Price:    dec(t, "64000"),
	})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("error code = %q, want invalid_request", errs.CodeOf(err))
	}
}

func TestRESTErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   errs.Code
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"Unauthorized"}`, errs.CodeCredentials},
		{"bad signature", http.StatusUnauthorized, `{"message":"invalid signature"}`, errs.CodeSignature},
		{"rate limited", http.StatusTooManyRequests, `{"message":"rate limit exceeded"}`, errs.CodeRateLimited},
		{"not found", http.StatusNotFound, `{"error":"NOT_FOUND","message":"order not found"}`, errs.CodeNotFound},
		{"bad request", http.StatusBadRequest, `{"error":"INVALID_ARGUMENT"}`, errs.CodeInvalid},
		{"server error", http.StatusInternalServerError, `{}`, errs.CodeExchange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := errs.CodeOf(mapError(tc.status, []byte(tc.body))); got != tc.want {
				t.Fatalf("mapError(%d) code = %q, want %q", tc.status, got, tc.want)
			}
		})
	}
}

func TestCancelResolvesClientOrderID(t *testing.T) {
	pemKey, _ := testPEMKey(t)
	var cancelled []string
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v3/brokerage/orders/historical/batch":
			_, _ = w.Write([]byte(`{"orders":[{
				"order_id":"ord-9","client_order_id":"mine-1","product_id":"BTC-USD",
				"side":"BUY","status":"OPEN",
				"order_configuration":{"limit_limit_gtc":{"base_size":"1","limit_price":"64000"}}
			}]}`))
		case "/api/v3/brokerage/orders/batch_cancel":
			var req struct {
				OrderIDs []string `json:"order_ids"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			cancelled = req.OrderIDs
			_, _ = w.Write([]byte(`{"results":[{"success":true,"order_id":"ord-9"}]}`))
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	}), exchange.Credentials{APIKey: "k", SecretKey: pemKey})

	if err := a.CancelOrder(context.Background(), "BTC/USD", "c:mine-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != "ord-9" {
		t.Fatalf("cancelled ids = %v, want [ord-9]", cancelled)
	}
}

func TestStatusDefaultsToNew(t *testing.T) {
	cases := map[string]schema.OrderStatus{
		"OPEN":          schema.OrderStatusNew,
		"FILLED":        schema.OrderStatusFilled,
		"CANCELLED":     schema.OrderStatusCanceled,
		"CANCEL_QUEUED": schema.OrderStatusCanceled,
		"EXPIRED":       schema.OrderStatusExpired,
		"FAILED":        schema.OrderStatusRejected,
		"SOMETHING_NEW": schema.OrderStatusNew,
		"":              schema.OrderStatusNew,
	}
	for raw, want := range cases {
		if got := toStatus(raw); got != want {
			t.Fatalf("toStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestStopDirectionFollowsIntent(t *testing.T) {
	sellStop, err := buildConfiguration(schema.OrderRequest{
		Side: schema.SideSell, Type: schema.OrderTypeStopLossLimit,
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(59000), StopPrice: decimal.NewFromInt(60000),
	})
	if err != nil {
		t.Fatalf("buildConfiguration: %v", err)
	}
	if sellStop.StopLimitGTC.StopDirection != "STOP_DIRECTION_STOP_DOWN" {
		t.Fatalf("sell stop-loss direction = %q", sellStop.StopLimitGTC.StopDirection)
	}

	sellTake, err := buildConfiguration(schema.OrderRequest{
		Side: schema.SideSell, Type: schema.OrderTypeTakeProfitLimit,
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(70000), StopPrice: decimal.NewFromInt(69000),
	})
	if err != nil {
		t.Fatalf("buildConfiguration: %v", err)
	}
	if sellTake.StopLimitGTC.StopDirection != "STOP_DIRECTION_STOP_UP" {
		t.Fatalf("sell take-profit direction = %q", sellTake.StopLimitGTC.StopDirection)
	}
}

func TestMarketTradesFrameRoutes(t *testing.T) {
	pemKey, _ := testPEMKey(t)
	a, _ := newTestAdapter(t, http.NotFoundHandler(), exchange.Credentials{APIKey: "k", SecretKey: pemKey})

	frame := []byte(`{
		"channel":"market_trades","timestamp":"2024-04-01T12:00:00Z",
		"events":[{"trades":[{
			"trade_id":"t-1","product_id":"ETH-USD","price":"3000.5",
			"size":"0.25","side":"SELL","time":"2024-04-01T12:00:00Z"
		}]}]
	}`)
	if err := a.marketFrameHandler()(frame); err != nil {
		t.Fatalf("handler: %v", err)
	}

	select {
	case evt := <-a.Events():
		if evt.Type != schema.EventTrade {
			t.Fatalf("event type = %q, want trade", evt.Type)
		}
		if evt.Trade.Symbol != "ETH/USD" {
			t.Fatalf("trade symbol = %q, want ETH/USD", evt.Trade.Symbol)
		}
		if evt.Trade.Side != schema.SideSell {
			t.Fatalf("trade side = %q, want sell", evt.Trade.Side)
		}
	default:
		t.Fatal("no event emitted")
	}
}

func TestUserFrameEmitsOrderUpdate(t *testing.T) {
	pemKey, _ := testPEMKey(t)
	a, _ := newTestAdapter(t, http.NotFoundHandler(), exchange.Credentials{APIKey: "k", SecretKey: pemKey})

	frame := []byte(`{
		"channel":"user","timestamp":"2024-04-01T12:00:05Z",
		"events":[{"orders":[{
			"order_id":"ord-7","client_order_id":"mine-7","product_id":"BTC-USD",
			"status":"OPEN","order_side":"BUY","order_type":"LIMIT",
			"limit_price":"64000","cumulative_quantity":"0.2","leaves_quantity":"0.3",
			"avg_price":"64000","total_fees":"1.28",
			"creation_time":"2024-04-01T12:00:00Z"
		}]}]
	}`)
	if err := a.userFrameHandler()(frame); err != nil {
		t.Fatalf("handler: %v", err)
	}

	select {
	case evt := <-a.Events():
		if evt.Type != schema.EventOrderUpdate {
			t.Fatalf("event type = %q, want order_update", evt.Type)
		}
		order := evt.Order
		if order.Symbol != "BTC/USD" {
			t.Fatalf("symbol = %q, want BTC/USD", order.Symbol)
		}
		if !order.Quantity.Equal(dec(t, "0.5")) {
			t.Fatalf("quantity = %s, want 0.5", order.Quantity)
		}
		if !order.ExecutedQuantity.Equal(dec(t, "0.2")) {
			t.Fatalf("executed = %s, want 0.2", order.ExecutedQuantity)
		}
		if !order.CumulativeQuote.Equal(dec(t, "12800")) {
			t.Fatalf("cumulative quote = %s, want 12800", order.CumulativeQuote)
		}
	default:
		t.Fatal("no event emitted")
	}
}

func TestUserChannelRequiresJWTCredentials(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("hmac-secret"))
	a, _ := newTestAdapter(t, http.NotFoundHandler(),
		exchange.Credentials{APIKey: "legacy-key", SecretKey: secret, Passphrase: "pp"})

	err := a.SubscribeUserData(context.Background())
	if errs.CodeOf(err) != errs.CodeCredentials {
		t.Fatalf("error code = %q, want credentials", errs.CodeOf(err))
	}
}

func TestGetExchangeInfoListsProducts(t *testing.T) {
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/brokerage/market/products" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("product_type") != "SPOT" {
			t.Errorf("product_type = %q, want SPOT", r.URL.Query().Get("product_type"))
		}
		_, _ = w.Write([]byte(`{"products":[
			{"product_id":"ETH-USD","status":"online","trading_disabled":false,
			 "base_increment":"0.001","quote_increment":"0.01",
			 "base_min_size":"0.001","base_max_size":"1000","quote_min_size":"1"},
			{"product_id":"BTC-USD","status":"online","trading_disabled":true,
			 "base_increment":"0.0001","quote_increment":"0.01",
			 "base_min_size":"0.0001","base_max_size":"100","quote_min_size":"1"}
		]}`))
	}), exchange.Credentials{})

	infos, err := a.GetExchangeInfo(context.Background())
	if err != nil {
		t.Fatalf("GetExchangeInfo: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len = %d, want 2", len(infos))
	}
	if infos[0].Symbol != "BTC/USD" || infos[1].Symbol != "ETH/USD" {
		t.Fatalf("symbols = %q, %q; want sorted BTC/USD, ETH/USD", infos[0].Symbol, infos[1].Symbol)
	}
	if infos[0].Trading {
		t.Fatal("trading-disabled product reported as trading")
	}
	if !infos[1].StepSize.Equal(dec(t, "0.001")) {
		t.Fatalf("ETH/USD step = %s, want 0.001", infos[1].StepSize)
	}
}

func TestGranularityMapping(t *testing.T) {
	granularity, span, err := toGranularity("15m")
	if err != nil {
		t.Fatalf("toGranularity: %v", err)
	}
	if granularity != "FIFTEEN_MINUTE" || span != 15*time.Minute {
		t.Fatalf("got %q/%s", granularity, span)
	}
	if granularity, _, err = toGranularity(""); err != nil || granularity != "ONE_MINUTE" {
		t.Fatalf("default granularity = %q, err %v", granularity, err)
	}
	if _, _, err = toGranularity("3m"); errs.CodeOf(err) != errs.CodeNotSupported {
		t.Fatalf("unsupported interval error = %v", err)
	}
}

func TestPerpetualSymbolRejected(t *testing.T) {
	pemKey, _ := testPEMKey(t)
	a, _ := newTestAdapter(t, http.NotFoundHandler(), exchange.Credentials{APIKey: "k", SecretKey: pemKey})

	_, err := a.GetTicker(context.Background(), "BTC/USDC:USDC")
	if errs.CodeOf(err) != errs.CodeNotSupported {
		t.Fatalf("error code = %q, want not_supported", errs.CodeOf(err))
	}
}
