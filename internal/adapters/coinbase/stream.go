package coinbase

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/stream"
	"github.com/openalgo/exio/internal/telemetry"
)

// The candles channel streams one fixed granularity.
const wsCandleInterval = "5m"

type wsRequest struct {
	Type       string   `json:"type"`
	Channel    string   `json:"channel"`
	ProductIDs []string `json:"product_ids,omitempty"`
	JWT        string   `json:"jwt,omitempty"`
}

func wsFrame(typ, channel string, productIDs []string) []byte {
	data, _ := json.Marshal(wsRequest{Type: typ, Channel: channel, ProductIDs: productIDs})
	return data
}

func channelFor(typ schema.SubscriptionType) (string, bool) {
	switch typ {
	case schema.SubTicker:
		return "ticker", true
	case schema.SubOrderBook:
		return "level2", true
	case schema.SubTrades:
		return "market_trades", true
	case schema.SubKlines:
		return "candles", true
	default:
		return "", false
	}
}

func (a *Adapter) marketManager() *stream.Manager {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	if a.marketWS == nil {
		a.marketWS = a.newManager(a.wsMarket, a.marketFrameHandler(), a.heartbeatsHello)
	}
	return a.marketWS
}

// heartbeatsHello subscribes the heartbeats channel on every connect so the
// venue keeps otherwise-quiet sockets open.
func (a *Adapter) heartbeatsHello() ([]byte, error) {
	return wsFrame("subscribe", "heartbeats", nil), nil
}

func (a *Adapter) newManager(url string, handler stream.Handler, hello func() ([]byte, error)) *stream.Manager {
	return stream.New(a.ctx, stream.Config{
		Exchange: exchangeName,
		Market:   schema.MarketSpot,
		URL:      url,
		Hello:    hello,
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

func (a *Adapter) subscribe(ctx context.Context, key schema.SubscriptionKey) error {
	productID, err := a.productID(key.Symbol)
	if err != nil {
		return err
	}
	channel, ok := channelFor(key.Type)
	if !ok {
		return errs.NotSupported(exchangeName, "subscription type "+string(key.Type))
	}
	return a.marketManager().Subscribe(ctx, stream.Subscription{
		Key:              key,
		SubscribeFrame:   wsFrame("subscribe", channel, []string{productID}),
		UnsubscribeFrame: wsFrame("unsubscribe", channel, []string{productID}),
	})
}

// SubscribeTicker implements exchange.Streamer.
func (a *Adapter) SubscribeTicker(ctx context.Context, symbol string) error {
	return a.subscribe(ctx, schema.SubscriptionKey{Type: schema.SubTicker, Symbol: symbol})
}

// SubscribeOrderBook implements exchange.Streamer.
func (a *Adapter) SubscribeOrderBook(ctx context.Context, symbol string) error {
	return a.subscribe(ctx, schema.SubscriptionKey{Type: schema.SubOrderBook, Symbol: symbol})
}

// SubscribeTrades implements exchange.Streamer.
func (a *Adapter) SubscribeTrades(ctx context.Context, symbol string) error {
	return a.subscribe(ctx, schema.SubscriptionKey{Type: schema.SubTrades, Symbol: symbol})
}

// SubscribeKlines implements exchange.Streamer. The venue streams candles at
// a fixed five-minute granularity regardless of the requested interval.
func (a *Adapter) SubscribeKlines(ctx context.Context, symbol, _ string) error {
	return a.subscribe(ctx, schema.SubscriptionKey{Type: schema.SubKlines, Symbol: symbol})
}

// Unsubscribe implements exchange.Streamer.
func (a *Adapter) Unsubscribe(ctx context.Context, key schema.SubscriptionKey) error {
	if key.Type == schema.SubUserData {
		return a.stopUserData()
	}
	return a.marketManager().Unsubscribe(ctx, key)
}

// wsEnvelope is the outer shape of every Advanced Trade websocket frame.
type wsEnvelope struct {
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Events    json.RawMessage `json:"events"`
}

// marketFrameHandler routes market-data frames by channel. Subscription acks
// arrive on the "subscriptions" channel and heartbeats on "heartbeats"; both
// pass through silently.
func (a *Adapter) marketFrameHandler() stream.Handler {
	return func(data []byte) error {
		var frame wsEnvelope
		if err := json.Unmarshal(data, &frame); err != nil {
			return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("malformed frame"), errs.WithCause(err))
		}
		switch frame.Channel {
		case "ticker":
			return a.handleTickerEvents(frame)
		case "l2_data":
			return a.handleBookEvents(frame)
		case "market_trades":
			return a.handleTradeEvents(frame)
		case "candles":
			return a.handleCandleEvents(frame)
		default:
			return nil
		}
	}
}

func (a *Adapter) handleTickerEvents(frame wsEnvelope) error {
	var events []struct {
		Tickers []struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
			Volume24h string `json:"volume_24_h"`
			High24h   string `json:"high_24_h"`
			Low24h    string `json:"low_24_h"`
			BestBid   string `json:"best_bid"`
			BestAsk   string `json:"best_ask"`
		} `json:"tickers"`
	}
	if err := json.Unmarshal(frame.Events, &events); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("ticker events"), errs.WithCause(err))
	}
	for _, event := range events {
		for _, raw := range event.Tickers {
			unified, err := a.conv.ToUnified(raw.ProductID, schema.MarketSpot)
			if err != nil {
				continue
			}
			a.emit(schema.Event{
				Type:      schema.EventTicker,
				Exchange:  exchangeName,
				Market:    schema.MarketSpot,
				Symbol:    unified,
				Timestamp: frame.Timestamp,
				Ticker: &schema.Ticker{
					Symbol:    unified,
					Exchange:  exchangeName,
					Last:      numeric.ParseOrZero(raw.Price),
					Bid:       numeric.ParseOrZero(raw.BestBid),
					Ask:       numeric.ParseOrZero(raw.BestAsk),
					High:      numeric.ParseOrZero(raw.High24h),
					Low:       numeric.ParseOrZero(raw.Low24h),
					Volume:    numeric.ParseOrZero(raw.Volume24h),
					Timestamp: frame.Timestamp,
				},
			})
		}
	}
	return nil
}

// handleBookEvents emits one OrderBook per level2 event. Snapshot events
// carry the full book; update events carry only the changed levels, with a
// zero quantity marking removal.
func (a *Adapter) handleBookEvents(frame wsEnvelope) error {
	var events []struct {
		ProductID string `json:"product_id"`
		Updates   []struct {
			Side        string `json:"side"`
			PriceLevel  string `json:"price_level"`
			NewQuantity string `json:"new_quantity"`
		} `json:"updates"`
	}
	if err := json.Unmarshal(frame.Events, &events); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("level2 events"), errs.WithCause(err))
	}
	for _, event := range events {
		unified, err := a.conv.ToUnified(event.ProductID, schema.MarketSpot)
		if err != nil {
			continue
		}
		book := &schema.OrderBook{
			Symbol:    unified,
			Exchange:  exchangeName,
			Timestamp: frame.Timestamp,
		}
		for _, update := range event.Updates {
			level := schema.PriceLevel{
				Price:    numeric.ParseOrZero(update.PriceLevel),
				Quantity: numeric.ParseOrZero(update.NewQuantity),
			}
			if update.Side == "bid" {
				book.Bids = append(book.Bids, level)
			} else {
				book.Asks = append(book.Asks, level)
			}
		}
		a.emit(schema.Event{
			Type:      schema.EventOrderBook,
			Exchange:  exchangeName,
			Market:    schema.MarketSpot,
			Symbol:    unified,
			Timestamp: frame.Timestamp,
			OrderBook: book,
		})
	}
	return nil
}

func (a *Adapter) handleTradeEvents(frame wsEnvelope) error {
	var events []struct {
		Trades []struct {
			TradeID   string    `json:"trade_id"`
			ProductID string    `json:"product_id"`
			Price     string    `json:"price"`
			Size      string    `json:"size"`
			Side      string    `json:"side"`
			Time      time.Time `json:"time"`
		} `json:"trades"`
	}
	if err := json.Unmarshal(frame.Events, &events); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("trade events"), errs.WithCause(err))
	}
	for _, event := range events {
		for _, raw := range event.Trades {
			unified, err := a.conv.ToUnified(raw.ProductID, schema.MarketSpot)
			if err != nil {
				continue
			}
			a.emit(schema.Event{
				Type:      schema.EventTrade,
				Exchange:  exchangeName,
				Market:    schema.MarketSpot,
				Symbol:    unified,
				Timestamp: raw.Time,
				Trade: &schema.Trade{
					ID:        raw.TradeID,
					Symbol:    unified,
					Exchange:  exchangeName,
					Side:      toSide(raw.Side),
					Price:     numeric.ParseOrZero(raw.Price),
					Quantity:  numeric.ParseOrZero(raw.Size),
					Timestamp: raw.Time,
				},
			})
		}
	}
	return nil
}

func (a *Adapter) handleCandleEvents(frame wsEnvelope) error {
	var events []struct {
		Candles []struct {
			candleRecord
			ProductID string `json:"product_id"`
		} `json:"candles"`
	}
	if err := json.Unmarshal(frame.Events, &events); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("candle events"), errs.WithCause(err))
	}
	span := granularityDuration[wsCandleInterval]
	for _, event := range events {
		for _, raw := range event.Candles {
			unified, err := a.conv.ToUnified(raw.ProductID, schema.MarketSpot)
			if err != nil {
				continue
			}
			openTime := unixTime(raw.Start)
			a.emit(schema.Event{
				Type:      schema.EventKline,
				Exchange:  exchangeName,
				Market:    schema.MarketSpot,
				Symbol:    unified,
				Timestamp: frame.Timestamp,
				Kline: &schema.Kline{
					Symbol:    unified,
					Exchange:  exchangeName,
					Interval:  wsCandleInterval,
					Open:      numeric.ParseOrZero(raw.Open),
					High:      numeric.ParseOrZero(raw.High),
					Low:       numeric.ParseOrZero(raw.Low),
					Close:     numeric.ParseOrZero(raw.Close),
					Volume:    numeric.ParseOrZero(raw.Volume),
					OpenTime:  openTime,
					CloseTime: openTime.Add(span),
					Closed:    !openTime.Add(span).After(frame.Timestamp),
				},
			})
		}
	}
	return nil
}
