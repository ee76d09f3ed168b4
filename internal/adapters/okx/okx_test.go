package okx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/exchange"
	"github.com/openalgo/exio/internal/schema"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func newTestAdapter(t *testing.T, handler http.Handler, markets ...schema.MarketType) *Adapter {
	t.Helper()
	var serverURL string
	if handler != nil {
		server := httptest.NewServer(handler)
		t.Cleanup(server.Close)
		serverURL = server.URL
	}
	a := New(exchange.Config{
		Credentials: exchange.Credentials{APIKey: "key", SecretKey: "secret", Passphrase: "phrase"},
		Markets:     markets,
		Endpoints:   exchange.EndpointOverrides{RESTSpot: serverURL},
	})
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	return a
}

func TestGetExchangeInfoMergesMarkets(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/public/instruments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		switch r.URL.Query().Get("instType") {
		case "SPOT":
			_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[
				{"instId":"BTC-USDT","instType":"SPOT","state":"live",
				 "tickSz":"0.1","lotSz":"0.0001","minSz":"0.0001","maxMktSz":"100"}]}`))
		case "SWAP":
			_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[
				{"instId":"BTC-USDT-SWAP","instType":"SWAP","state":"suspend",
				 "tickSz":"0.1","lotSz":"1","minSz":"1","maxMktSz":"10000","ctVal":"0.01"}]}`))
		default:
			t.Errorf("unexpected instType %q", r.URL.Query().Get("instType"))
		}
	}), schema.MarketSpot, schema.MarketFutures)

	infos, err := a.GetExchangeInfo(context.Background())
	if err != nil {
		t.Fatalf("GetExchangeInfo: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len = %d, want 2", len(infos))
	}
	if infos[0].Symbol != "BTC/USDT" || infos[1].Symbol != "BTC/USDT:USDT" {
		t.Fatalf("symbols = %q, %q; want sorted spot then swap", infos[0].Symbol, infos[1].Symbol)
	}
	if !infos[0].Trading {
		t.Fatal("live spot instrument not trading")
	}
	if infos[1].Trading {
		t.Fatal("suspended swap instrument reported as trading")
	}
	if !infos[1].ContractValue.Equal(dec(t, "0.01")) {
		t.Fatalf("contract value = %s, want 0.01", infos[1].ContractValue)
	}
}

func TestPositionNormalizationDerivesPnL(t *testing.T) {
	a := newTestAdapter(t, nil, schema.MarketSpot, schema.MarketFutures)

	position, err := a.toPosition(positionRecord{
		InstID:  "ETH-USDT-SWAP",
		PosSide: "net",
		Pos:     "2",
		AvgPx:   "2000",
		Last:    "2500",
		Lever:   "5",
		UTime:   "1712000000000",
	})
	if err != nil {
		t.Fatalf("toPosition: %v", err)
	}
	if position.Symbol != "ETH/USDT:USDT" {
		t.Fatalf("symbol = %q, want ETH/USDT:USDT", position.Symbol)
	}
	if position.Side != schema.PositionLong {
		t.Fatalf("side = %q, want long", position.Side)
	}
	if !position.Quantity.Equal(dec(t, "2")) {
		t.Fatalf("quantity = %s, want 2", position.Quantity)
	}
	if !position.UnrealizedPnL.Equal(dec(t, "1000")) {
		t.Fatalf("uPnL = %s, want 1000 ((2500-2000)*2)", position.UnrealizedPnL)
	}
}

func TestPositionNormalizationShortFromNegativePos(t *testing.T) {
	a := newTestAdapter(t, nil, schema.MarketSpot, schema.MarketFutures)

	position, err := a.toPosition(positionRecord{
		InstID: "BTC-USDT-SWAP",
		Pos:    "-3",
		AvgPx:  "70000",
		MarkPx: "68000",
	})
	if err != nil {
		t.Fatalf("toPosition: %v", err)
	}
	if position.Side != schema.PositionShort {
		t.Fatalf("side = %q, want short", position.Side)
	}
	if !position.Quantity.Equal(dec(t, "3")) {
		t.Fatalf("quantity = %s, want magnitude 3", position.Quantity)
	}
	if !position.UnrealizedPnL.Equal(dec(t, "6000")) {
		t.Fatalf("uPnL = %s, want 6000 ((70000-68000)*3)", position.UnrealizedPnL)
	}
}

func TestFlatPositionIsSkipped(t *testing.T) {
	a := newTestAdapter(t, nil, schema.MarketSpot, schema.MarketFutures)
	position, err := a.toPosition(positionRecord{InstID: "BTC-USDT-SWAP", Pos: "0"})
	if err != nil {
		t.Fatalf("toPosition: %v", err)
	}
	if position != nil {
		t.Fatalf("flat position produced %+v, want nil", position)
	}
}

func TestBenignCodeIsSwallowed(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"59000","msg":"Leverage setting is not modified","data":[]}`))
	}), schema.MarketSpot, schema.MarketFutures)

	if err := a.setLeverage(context.Background(), "BTC-USDT-SWAP", "5", "cross"); err != nil {
		t.Fatalf("benign leverage-unchanged code surfaced as error: %v", err)
	}
}

func TestErrorCodeMapping(t *testing.T) {
	cases := []struct {
		code string
		want errs.Code
	}{
		{"50102", errs.CodeSignature},
		{"50111", errs.CodeCredentials},
		{"50011", errs.CodeRateLimited},
		{"51000", errs.CodeInvalid},
		{"51603", errs.CodeNotFound},
		{"59999", errs.CodeExchange},
	}
	for _, tc := range cases {
		err := mapCode(tc.code, "msg", 200)
		if errs.CodeOf(err) != tc.want {
			t.Fatalf("mapCode(%s) = %q, want %q", tc.code, errs.CodeOf(err), tc.want)
		}
	}
}

func TestCreateOrderSendsSignedJSON(t *testing.T) {
	var gotBody placeOrderRequest
	var gotHeaders http.Header
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/trade/order" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"8001","clOrdId":"abc123","sCode":"0","sMsg":""}]}`))
	}))

	order, err := a.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol:        "BTC/USDT",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Quantity:      dec(t, "0.1"),
		Price:         dec(t, "65000"),
		ClientOrderID: "abc123",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if gotHeaders.Get("OK-ACCESS-KEY") != "key" {
		t.Fatal("missing OK-ACCESS-KEY header")
	}
	if gotHeaders.Get("OK-ACCESS-SIGN") == "" {
		t.Fatal("missing OK-ACCESS-SIGN header")
	}
	if gotHeaders.Get("OK-ACCESS-TIMESTAMP") == "" {
		t.Fatal("missing OK-ACCESS-TIMESTAMP header")
	}
	if gotHeaders.Get("OK-ACCESS-PASSPHRASE") != "phrase" {
		t.Fatal("missing OK-ACCESS-PASSPHRASE header")
	}

	if gotBody.InstID != "BTC-USDT" {
		t.Fatalf("instId = %q, want BTC-USDT", gotBody.InstID)
	}
	if gotBody.TdMode != "cash" {
		t.Fatalf("tdMode = %q, want cash for spot", gotBody.TdMode)
	}
	if gotBody.OrdType != "limit" {
		t.Fatalf("ordType = %q, want limit", gotBody.OrdType)
	}

	if order.ID != "8001" {
		t.Fatalf("order id = %q, want 8001", order.ID)
	}
	if order.Status != schema.OrderStatusNew {
		t.Fatalf("status = %q, want NEW", order.Status)
	}
}

func TestCreateOrderRejectsConditionalTypes(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("unsupported order type should never reach the exchange")
	}))

	_, err := a.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol:    "BTC/USDT",
		Side:      schema.SideSell,
		Type:      schema.OrderTypeStopLoss,
		Quantity:  dec(t, "1"),
		StopPrice: dec(t, "60000"),
	})
	if errs.CodeOf(err) != errs.CodeNotSupported {
		t.Fatalf("error code = %q, want not_supported (err: %v)", errs.CodeOf(err), err)
	}
}

func TestOrderRejectionCodeSurfaces(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"1","msg":"Operation failed.","data":[{"ordId":"","clOrdId":"","sCode":"51008","sMsg":"Insufficient balance"}]}`))
	}))

	_, err := a.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol:   "BTC/USDT",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeMarket,
		Quantity: dec(t, "1"),
	})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("error code = %q, want invalid_request (err: %v)", errs.CodeOf(err), err)
	}
}

func TestLoginFrameShape(t *testing.T) {
	a := newTestAdapter(t, nil)

	frame, err := a.loginFrame()
	if err != nil {
		t.Fatalf("loginFrame: %v", err)
	}
	var op loginOp
	if err := json.Unmarshal(frame, &op); err != nil {
		t.Fatalf("login frame is not valid JSON: %v", err)
	}
	if op.Op != "login" {
		t.Fatalf("op = %q, want login", op.Op)
	}
	if len(op.Args) != 1 {
		t.Fatalf("args length = %d, want 1", len(op.Args))
	}
	arg := op.Args[0]
	if arg.APIKey != "key" || arg.Passphrase != "phrase" {
		t.Fatalf("credentials not carried in login frame: %+v", arg)
	}
	if arg.Sign == "" {
		t.Fatal("login frame missing signature")
	}
	if _, err := strconv.ParseInt(arg.Timestamp, 10, 64); err != nil {
		t.Fatalf("login timestamp %q is not epoch seconds: %v", arg.Timestamp, err)
	}
}

func TestPrivateFrameHandlerEmitsOrderUpdate(t *testing.T) {
	a := newTestAdapter(t, nil)

	frame := []byte(`{"arg":{"channel":"orders","instType":"SPOT"},"data":[{
		"instId":"BTC-USDT","ordId":"9001","clOrdId":"my1","px":"64000","sz":"0.5",
		"ordType":"limit","side":"buy","state":"partially_filled","accFillSz":"0.2",
		"avgPx":"64000","fillPx":"64000","fillSz":"0.2","tradeId":"t1",
		"fee":"-0.0002","feeCcy":"BTC","cTime":"1712000000000","uTime":"1712000001000"}]}`)
	if err := a.privateFrameHandler()(frame); err != nil {
		t.Fatalf("handle orders frame: %v", err)
	}

	select {
	case evt := <-a.Events():
		if evt.Type != schema.EventOrderUpdate {
			t.Fatalf("event type = %q, want order_update", evt.Type)
		}
		if evt.Order.Status != schema.OrderStatusPartiallyFilled {
			t.Fatalf("status = %q, want PARTIALLY_FILLED", evt.Order.Status)
		}
		if !evt.Order.ExecutedQuantity.Equal(dec(t, "0.2")) {
			t.Fatalf("executed = %s, want 0.2", evt.Order.ExecutedQuantity)
		}
		if !evt.Order.CumulativeQuote.Equal(dec(t, "12800")) {
			t.Fatalf("cumulative quote = %s, want 12800", evt.Order.CumulativeQuote)
		}
		if len(evt.Order.Fills) != 1 || !evt.Order.Fills[0].Fee.Equal(dec(t, "0.0002")) {
			t.Fatalf("fills = %+v, want one fill with fee 0.0002", evt.Order.Fills)
		}
	default:
		t.Fatal("no event emitted")
	}
}

func TestPongFrameIgnored(t *testing.T) {
	a := newTestAdapter(t, nil)
	if err := a.marketFrameHandler()([]byte("pong")); err != nil {
		t.Fatalf("pong returned error: %v", err)
	}
	if err := a.privateFrameHandler()([]byte("pong")); err != nil {
		t.Fatalf("pong returned error on private handler: %v", err)
	}
}

func TestNormalizeBar(t *testing.T) {
	cases := map[string]string{
		"1m": "1m", "15M": "15M", "1h": "1H", "4H": "4H", "1d": "1D", "": "1m",
	}
	for in, want := range cases {
		if got := normalizeBar(in); got != want {
			t.Fatalf("normalizeBar(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnknownOrderStateMapsToNew(t *testing.T) {
	if got := toStatus("some_new_state"); got != schema.OrderStatusNew {
		t.Fatalf("toStatus = %q, want NEW", got)
	}
	if got := toStatus("mmp_canceled"); got != schema.OrderStatusCanceled {
		t.Fatalf("toStatus = %q, want CANCELED", got)
	}
}
