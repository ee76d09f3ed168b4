package binance

import (
	"context"
	"strings"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/stream"
	"github.com/openalgo/exio/internal/telemetry"
)

// frame ids only disambiguate command acks in logs; uniqueness per socket is
// enough.
var frameID atomic.Int64

type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func commandFrame(method, streamName string) []byte {
	data, _ := json.Marshal(wsCommand{Method: method, Params: []string{streamName}, ID: frameID.Add(1)})
	return data
}

func streamName(key schema.SubscriptionKey, native, interval string) string {
	lower := strings.ToLower(native)
	switch key.Type {
	case schema.SubTicker:
		return lower + "@ticker"
	case schema.SubOrderBook:
		return lower + "@depth@100ms"
	case schema.SubTrades:
		return lower + "@trade"
	case schema.SubKlines:
		return lower + "@kline_" + interval
	default:
		return ""
	}
}

func (a *Adapter) manager(market schema.MarketType) *stream.Manager {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	mgr := a.spotWS
	if market == schema.MarketFutures {
		mgr = a.futuresWS
	}
	if mgr != nil {
		return mgr
	}
	url := a.wsSpot
	if market == schema.MarketFutures {
		url = a.wsFutures
	}
	mgr = stream.New(a.ctx, stream.Config{
		Exchange: exchangeName,
		Market:   market,
		URL:      url,
	}, a.marketFrameHandler(market), a.streamNotifier())
	if market == schema.MarketFutures {
		a.futuresWS = mgr
	} else {
		a.spotWS = mgr
	}
	return mgr
}

func (a *Adapter) streamNotifier() stream.Notifier {
	return func(evt schema.Event) {
		if evt.Type == schema.EventWSDisconnected {
			telemetry.WSReconnect(a.ctx, exchangeName)
		}
		a.emit(evt)
	}
}

func (a *Adapter) subscribe(ctx context.Context, key schema.SubscriptionKey, interval string) error {
	market, err := a.marketOf(key.Symbol)
	if err != nil {
		return err
	}
	native, err := a.conv.ToNative(key.Symbol)
	if err != nil {
		return err
	}
	name := streamName(key, native, interval)
	if name == "" {
		return errs.NotSupported(exchangeName, "subscription type "+string(key.Type))
	}
	a.streamMu.Lock()
	a.subMeta[key] = subMeta{market: market, interval: interval}
	a.streamMu.Unlock()
	return a.manager(market).Subscribe(ctx, stream.Subscription{
		Key:              key,
		SubscribeFrame:   commandFrame("SUBSCRIBE", name),
		UnsubscribeFrame: commandFrame("UNSUBSCRIBE", name),
	})
}

// SubscribeTicker implements exchange.Streamer.
func (a *Adapter) SubscribeTicker(ctx context.Context, symbol string) error {
	return a.subscribe(ctx, schema.SubscriptionKey{Type: schema.SubTicker, Symbol: symbol}, "")
}

// SubscribeOrderBook implements exchange.Streamer.
func (a *Adapter) SubscribeOrderBook(ctx context.Context, symbol string) error {
	return a.subscribe(ctx, schema.SubscriptionKey{Type: schema.SubOrderBook, Symbol: symbol}, "")
}

// SubscribeTrades implements exchange.Streamer.
func (a *Adapter) SubscribeTrades(ctx context.Context, symbol string) error {
	return a.subscribe(ctx, schema.SubscriptionKey{Type: schema.SubTrades, Symbol: symbol}, "")
}

// SubscribeKlines implements exchange.Streamer.
func (a *Adapter) SubscribeKlines(ctx context.Context, symbol, interval string) error {
	if interval == "" {
		interval = "1m"
	}
	return a.subscribe(ctx, schema.SubscriptionKey{Type: schema.SubKlines, Symbol: symbol}, interval)
}

// Unsubscribe implements exchange.Streamer.
func (a *Adapter) Unsubscribe(ctx context.Context, key schema.SubscriptionKey) error {
	if key.Type == schema.SubUserData {
		return a.stopUserData(ctx)
	}
	a.streamMu.Lock()
	meta, ok := a.subMeta[key]
	if ok {
		delete(a.subMeta, key)
	}
	a.streamMu.Unlock()
	if !ok {
		return nil
	}
	return a.manager(meta.market).Unsubscribe(ctx, key)
}

// marketFrameHandler demultiplexes raw frames by their "e" event-type tag.
// Command acks carry an "id" instead and are dropped.
func (a *Adapter) marketFrameHandler(market schema.MarketType) stream.Handler {
	return func(data []byte) error {
		var tag struct {
			Event string `json:"e"`
		}
		if err := json.Unmarshal(data, &tag); err != nil {
			return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("untagged frame"), errs.WithCause(err))
		}
		switch tag.Event {
		case "24hrTicker":
			return a.handleTickerFrame(data, market)
		case "depthUpdate":
			return a.handleDepthFrame(data, market)
		case "trade":
			return a.handleTradeFrame(data, market)
		case "kline":
			return a.handleKlineFrame(data, market)
		case "":
			// Subscription ack or unknown control payload.
			return nil
		default:
			return nil
		}
	}
}

type wsTicker struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
}

func (a *Adapter) handleTickerFrame(data []byte, market schema.MarketType) error {
	var payload wsTicker
	if err := json.Unmarshal(data, &payload); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("ticker frame"), errs.WithCause(err))
	}
	unified, err := a.conv.ToUnified(payload.Symbol, market)
	if err != nil {
		return err
	}
	a.emit(schema.Event{
		Type:      schema.EventTicker,
		Exchange:  exchangeName,
		Market:    market,
		Symbol:    unified,
		Timestamp: milliTime(payload.EventTime),
		Ticker: &schema.Ticker{
			Symbol:    unified,
			Exchange:  exchangeName,
			Last:      numeric.ParseOrZero(payload.Last),
			Bid:       numeric.ParseOrZero(payload.Bid),
			Ask:       numeric.ParseOrZero(payload.Ask),
			High:      numeric.ParseOrZero(payload.High),
			Low:       numeric.ParseOrZero(payload.Low),
			Volume:    numeric.ParseOrZero(payload.Volume),
			Timestamp: milliTime(payload.EventTime),
		},
	})
	return nil
}

type wsDepth struct {
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

func (a *Adapter) handleDepthFrame(data []byte, market schema.MarketType) error {
	var payload wsDepth
	if err := json.Unmarshal(data, &payload); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("depth frame"), errs.WithCause(err))
	}
	unified, err := a.conv.ToUnified(payload.Symbol, market)
	if err != nil {
		return err
	}
	a.emit(schema.Event{
		Type:      schema.EventOrderBook,
		Exchange:  exchangeName,
		Market:    market,
		Symbol:    unified,
		Timestamp: milliTime(payload.EventTime),
		OrderBook: &schema.OrderBook{
			Symbol:    unified,
			Exchange:  exchangeName,
			Bids:      toLevels(payload.Bids),
			Asks:      toLevels(payload.Asks),
			Timestamp: milliTime(payload.EventTime),
		},
	})
	return nil
}

type wsTrade struct {
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (a *Adapter) handleTradeFrame(data []byte, market schema.MarketType) error {
	var payload wsTrade
	if err := json.Unmarshal(data, &payload); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("trade frame"), errs.WithCause(err))
	}
	unified, err := a.conv.ToUnified(payload.Symbol, market)
	if err != nil {
		return err
	}
	side := schema.SideBuy
	if payload.IsBuyerMaker {
		side = schema.SideSell
	}
	a.emit(schema.Event{
		Type:      schema.EventTrade,
		Exchange:  exchangeName,
		Market:    market,
		Symbol:    unified,
		Timestamp: milliTime(payload.EventTime),
		Trade: &schema.Trade{
			ID:        formatInt(payload.TradeID),
			Symbol:    unified,
			Exchange:  exchangeName,
			Side:      side,
			Price:     numeric.ParseOrZero(payload.Price),
			Quantity:  numeric.ParseOrZero(payload.Quantity),
			Timestamp: milliTime(payload.TradeTime),
		},
	})
	return nil
}

type wsKline struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

func (a *Adapter) handleKlineFrame(data []byte, market schema.MarketType) error {
	var payload wsKline
	if err := json.Unmarshal(data, &payload); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("kline frame"), errs.WithCause(err))
	}
	unified, err := a.conv.ToUnified(payload.Symbol, market)
	if err != nil {
		return err
	}
	k := payload.Kline
	a.emit(schema.Event{
		Type:      schema.EventKline,
		Exchange:  exchangeName,
		Market:    market,
		Symbol:    unified,
		Timestamp: milliTime(payload.EventTime),
		Kline: &schema.Kline{
			Symbol:    unified,
			Exchange:  exchangeName,
			Interval:  k.Interval,
			Open:      numeric.ParseOrZero(k.Open),
			High:      numeric.ParseOrZero(k.High),
			Low:       numeric.ParseOrZero(k.Low),
			Close:     numeric.ParseOrZero(k.Close),
			Volume:    numeric.ParseOrZero(k.Volume),
			OpenTime:  milliTime(k.OpenTime),
			CloseTime: milliTime(k.CloseTime),
			Closed:    k.Closed,
		},
	})
	return nil
}
