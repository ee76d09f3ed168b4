package okx

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/stream"
	"github.com/openalgo/exio/internal/telemetry"
)

type wsArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

type wsOp struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

func opFrame(op string, arg wsArg) []byte {
	data, _ := json.Marshal(wsOp{Op: op, Args: []wsArg{arg}})
	return data
}

func channelFor(key schema.SubscriptionKey, interval string) (string, bool) {
	switch key.Type {
	case schema.SubTicker:
		return "tickers", true
	case schema.SubOrderBook:
		return "books5", true
	case schema.SubTrades:
		return "trades", true
	case schema.SubKlines:
		return "candle" + normalizeBar(interval), true
	default:
		return "", false
	}
}

func (a *Adapter) publicManager() *stream.Manager {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	if a.publicWS == nil {
		a.publicWS = a.newManager(a.wsPublic, a.marketFrameHandler(), nil)
	}
	return a.publicWS
}

// businessManager serves the candle channels, which the venue hosts on a
// separate endpoint.
func (a *Adapter) businessManager() *stream.Manager {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	if a.businessWS == nil {
		a.businessWS = a.newManager(a.wsBusiness, a.marketFrameHandler(), nil)
	}
	return a.businessWS
}

func (a *Adapter) newManager(url string, handler stream.Handler, hello func() ([]byte, error)) *stream.Manager {
	return stream.New(a.ctx, stream.Config{
		Exchange:     exchangeName,
		Market:       schema.MarketSpot,
		URL:          url,
		PingInterval: pingInterval,
		PingFrame:    []byte("ping"),
		Hello:        hello,
	}, handler, a.streamNotifier())
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
	if _, err := a.marketOf(key.Symbol); err != nil {
		return err
	}
	instID, err := a.conv.ToNative(key.Symbol)
	if err != nil {
		return err
	}
	channel, ok := channelFor(key, interval)
	if !ok {
		return errs.NotSupported(exchangeName, "subscription type "+string(key.Type))
	}
	arg := wsArg{Channel: channel, InstID: instID}
	mgr := a.publicManager()
	if key.Type == schema.SubKlines {
		mgr = a.businessManager()
	}
	return mgr.Subscribe(ctx, stream.Subscription{
		Key:              key,
		SubscribeFrame:   opFrame("subscribe", arg),
		UnsubscribeFrame: opFrame("unsubscribe", arg),
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
		return a.stopUserData()
	}
	mgr := a.publicManager()
	if key.Type == schema.SubKlines {
		mgr = a.businessManager()
	}
	return mgr.Unsubscribe(ctx, key)
}

func marketOfInstID(instID string) schema.MarketType {
	if strings.HasSuffix(instID, "-SWAP") {
		return schema.MarketFutures
	}
	return schema.MarketSpot
}

// marketFrameHandler routes public and business frames by channel name.
func (a *Adapter) marketFrameHandler() stream.Handler {
	return func(data []byte) error {
		if len(data) == 4 && string(data) == "pong" {
			return nil
		}
		var frame struct {
			Event string          `json:"event"`
			Code  string          `json:"code"`
			Msg   string          `json:"msg"`
			Arg   wsArg           `json:"arg"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("malformed frame"), errs.WithCause(err))
		}
		switch frame.Event {
		case "error":
			return mapCode(frame.Code, frame.Msg, 0)
		case "subscribe", "unsubscribe", "":
		default:
			return nil
		}
		if len(frame.Data) == 0 {
			return nil
		}
		channel := frame.Arg.Channel
		switch {
		case channel == "tickers":
			return a.handleTickerData(frame.Arg, frame.Data)
		case channel == "books5" || channel == "books":
			return a.handleBookData(frame.Arg, frame.Data)
		case channel == "trades":
			return a.handleTradeData(frame.Arg, frame.Data)
		case strings.HasPrefix(channel, "candle"):
			return a.handleCandleData(frame.Arg, frame.Data)
		default:
			return nil
		}
	}
}

func (a *Adapter) handleTickerData(arg wsArg, data json.RawMessage) error {
	var records []tickerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("ticker data"), errs.WithCause(err))
	}
	market := marketOfInstID(arg.InstID)
	for _, record := range records {
		ticker, err := a.toTicker(record, market)
		if err != nil {
			continue
		}
		a.emit(schema.Event{
			Type:      schema.EventTicker,
			Exchange:  exchangeName,
			Market:    market,
			Symbol:    ticker.Symbol,
			Timestamp: ticker.Timestamp,
			Ticker:    ticker,
		})
	}
	return nil
}

func (a *Adapter) handleBookData(arg wsArg, data json.RawMessage) error {
	var records []bookRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("book data"), errs.WithCause(err))
	}
	market := marketOfInstID(arg.InstID)
	unified, err := a.conv.ToUnified(arg.InstID, market)
	if err != nil {
		return err
	}
	for _, record := range records {
		ts := milliTime(record.TS)
		a.emit(schema.Event{
			Type:      schema.EventOrderBook,
			Exchange:  exchangeName,
			Market:    market,
			Symbol:    unified,
			Timestamp: ts,
			OrderBook: &schema.OrderBook{
				Symbol:    unified,
				Exchange:  exchangeName,
				Bids:      toLevels(record.Bids),
				Asks:      toLevels(record.Asks),
				Timestamp: ts,
			},
		})
	}
	return nil
}

func (a *Adapter) handleTradeData(arg wsArg, data json.RawMessage) error {
	var records []tradeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("trade data"), errs.WithCause(err))
	}
	market := marketOfInstID(arg.InstID)
	unified, err := a.conv.ToUnified(arg.InstID, market)
	if err != nil {
		return err
	}
	for _, record := range records {
		a.emit(schema.Event{
			Type:      schema.EventTrade,
			Exchange:  exchangeName,
			Market:    market,
			Symbol:    unified,
			Timestamp: milliTime(record.TS),
			Trade: &schema.Trade{
				ID:        record.TradeID,
				Symbol:    unified,
				Exchange:  exchangeName,
				Side:      fromNativeSide(record.Side),
				Price:     numeric.ParseOrZero(record.Px),
				Quantity:  numeric.ParseOrZero(record.Sz),
				Timestamp: milliTime(record.TS),
			},
		})
	}
	return nil
}

func (a *Adapter) handleCandleData(arg wsArg, data json.RawMessage) error {
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("candle data"), errs.WithCause(err))
	}
	market := marketOfInstID(arg.InstID)
	unified, err := a.conv.ToUnified(arg.InstID, market)
	if err != nil {
		return err
	}
	interval := strings.TrimPrefix(arg.Channel, "candle")
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		kline := &schema.Kline{
			Symbol:   unified,
			Exchange: exchangeName,
			Interval: interval,
			OpenTime: milliTime(row[0]),
			Open:     numeric.ParseOrZero(row[1]),
			High:     numeric.ParseOrZero(row[2]),
			Low:      numeric.ParseOrZero(row[3]),
			Close:    numeric.ParseOrZero(row[4]),
			Volume:   numeric.ParseOrZero(row[5]),
		}
		if len(row) >= 9 {
			kline.Closed = row[8] == "1"
		}
		a.emit(schema.Event{
			Type:      schema.EventKline,
			Exchange:  exchangeName,
			Market:    market,
			Symbol:    unified,
			Timestamp: kline.OpenTime,
			Kline:     kline,
		})
	}
	return nil
}
