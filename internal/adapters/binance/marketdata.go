package binance

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
)

func apiPath(market schema.MarketType, spot, futures string) string {
	if market == schema.MarketFutures {
		return futures
	}
	return spot
}

type tickerPayload struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	HighPrice string `json:"highPrice"`
	LowPrice  string `json:"lowPrice"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
}

// GetTicker implements exchange.MarketDataReader.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (*schema.Ticker, error) {
	market, err := a.marketOf(symbol)
	if err != nil {
		return nil, err
	}
	native, err := a.conv.ToNative(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", native)
	var payload tickerPayload
	if err := a.rest.public(ctx, market, apiPath(market, "/api/v3/ticker/24hr", "/fapi/v1/ticker/24hr"), params, &payload); err != nil {
		return nil, err
	}
	unified, err := a.conv.ToUnified(payload.Symbol, market)
	if err != nil {
		return nil, err
	}
	return &schema.Ticker{
		Symbol:    unified,
		Exchange:  exchangeName,
		Last:      numeric.ParseOrZero(payload.LastPrice),
		Bid:       numeric.ParseOrZero(payload.BidPrice),
		Ask:       numeric.ParseOrZero(payload.AskPrice),
		High:      numeric.ParseOrZero(payload.HighPrice),
		Low:       numeric.ParseOrZero(payload.LowPrice),
		Volume:    numeric.ParseOrZero(payload.Volume),
		Timestamp: milliTime(payload.CloseTime),
	}, nil
}

type depthPayload struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	EventTime    int64       `json:"E"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func toLevels(raw [][2]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, level := range raw {
		out = append(out, schema.PriceLevel{
			Price:    numeric.ParseOrZero(level[0]),
			Quantity: numeric.ParseOrZero(level[1]),
		})
	}
	return out
}

// GetOrderBook implements exchange.MarketDataReader. Depth is clamped to the
// venue's supported limits.
func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*schema.OrderBook, error) {
	market, err := a.marketOf(symbol)
	if err != nil {
		return nil, err
	}
	native, err := a.conv.ToNative(symbol)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 100
	}
	if depth > 1000 {
		depth = 1000
	}
	params := url.Values{}
	params.Set("symbol", native)
	params.Set("limit", strconv.Itoa(depth))
	var payload depthPayload
	if err := a.rest.public(ctx, market, apiPath(market, "/api/v3/depth", "/fapi/v1/depth"), params, &payload); err != nil {
		return nil, err
	}
	ts := milliTime(payload.EventTime)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &schema.OrderBook{
		Symbol:    symbol,
		Exchange:  exchangeName,
		Bids:      toLevels(payload.Bids),
		Asks:      toLevels(payload.Asks),
		Timestamp: ts,
	}, nil
}

type tradePayload struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

// GetRecentTrades implements exchange.MarketDataReader. Side reflects the
// aggressor: buyer-is-maker means the sell side crossed the spread.
func (a *Adapter) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	market, err := a.marketOf(symbol)
	if err != nil {
		return nil, err
	}
	native, err := a.conv.ToNative(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	params := url.Values{}
	params.Set("symbol", native)
	params.Set("limit", strconv.Itoa(limit))
	var payload []tradePayload
	if err := a.rest.public(ctx, market, apiPath(market, "/api/v3/trades", "/fapi/v1/trades"), params, &payload); err != nil {
		return nil, err
	}
	trades := make([]schema.Trade, 0, len(payload))
	for _, t := range payload {
		side := schema.SideBuy
		if t.IsBuyerMaker {
			side = schema.SideSell
		}
		trades = append(trades, schema.Trade{
			ID:        strconv.FormatInt(t.ID, 10),
			Symbol:    symbol,
			Exchange:  exchangeName,
			Side:      side,
			Price:     numeric.ParseOrZero(t.Price),
			Quantity:  numeric.ParseOrZero(t.Qty),
			Timestamp: milliTime(t.Time),
		})
	}
	return trades, nil
}

// GetKlines implements exchange.MarketDataReader. Binance returns candles as
// positional arrays mixing numbers and strings.
func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]schema.Kline, error) {
	market, err := a.marketOf(symbol)
	if err != nil {
		return nil, err
	}
	native, err := a.conv.ToNative(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	if limit > 1500 {
		limit = 1500
	}
	params := url.Values{}
	params.Set("symbol", native)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	var payload [][]any
	if err := a.rest.public(ctx, market, apiPath(market, "/api/v3/klines", "/fapi/v1/klines"), params, &payload); err != nil {
		return nil, err
	}
	klines := make([]schema.Kline, 0, len(payload))
	for _, row := range payload {
		if len(row) < 7 {
			continue
		}
		kline := schema.Kline{
			Symbol:    symbol,
			Exchange:  exchangeName,
			Interval:  interval,
			OpenTime:  milliTime(anyMillis(row[0])),
			Open:      numeric.ParseOrZero(anyString(row[1])),
			High:      numeric.ParseOrZero(anyString(row[2])),
			Low:       numeric.ParseOrZero(anyString(row[3])),
			Close:     numeric.ParseOrZero(anyString(row[4])),
			Volume:    numeric.ParseOrZero(anyString(row[5])),
			CloseTime: milliTime(anyMillis(row[6])),
		}
		kline.Closed = !kline.CloseTime.IsZero() && kline.CloseTime.Before(time.Now().UTC())
		klines = append(klines, kline)
	}
	return klines, nil
}

func anyString(v any) string {
	s, _ := v.(string)
	return s
}

func anyMillis(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}

type exchangeInfoPayload struct {
	Symbols []exchangeInfoSymbol `json:"symbols"`
}

type exchangeInfoSymbol struct {
	Symbol            string           `json:"symbol"`
	Status            string           `json:"status"`
	BaseAssetPrec     int              `json:"baseAssetPrecision"`
	QuotePrecision    int              `json:"quotePrecision"`
	QuoteAssetPrec    int              `json:"quoteAssetPrecision"`
	PricePrecision    int              `json:"pricePrecision"`    // futures
	QuantityPrecision int              `json:"quantityPrecision"` // futures
	ContractType      string           `json:"contractType"`
	Filters           []map[string]any `json:"filters"`
}

func filterValue(filters []map[string]any, filterType, key string) string {
	for _, f := range filters {
		if t, _ := f["filterType"].(string); t == filterType {
			v, _ := f[key].(string)
			return v
		}
	}
	return ""
}

// refreshExchangeInfo rebuilds the symbol metadata cache for one market.
func (a *Adapter) refreshExchangeInfo(ctx context.Context, market schema.MarketType) error {
	var payload exchangeInfoPayload
	if err := a.rest.public(ctx, market, apiPath(market, "/api/v3/exchangeInfo", "/fapi/v1/exchangeInfo"), nil, &payload); err != nil {
		return err
	}
	a.symbolMu.Lock()
	defer a.symbolMu.Unlock()
	for _, sym := range payload.Symbols {
		if market == schema.MarketFutures && !strings.EqualFold(sym.ContractType, "PERPETUAL") {
			continue
		}
		unified, err := a.conv.ToUnified(sym.Symbol, market)
		if err != nil {
			continue
		}
		quotePrec := sym.QuoteAssetPrec
		if quotePrec == 0 {
			quotePrec = sym.QuotePrecision
		}
		basePrec := sym.BaseAssetPrec
		if market == schema.MarketFutures {
			basePrec = sym.QuantityPrecision
			quotePrec = sym.PricePrecision
		}
		minNotional := filterValue(sym.Filters, "MIN_NOTIONAL", "minNotional")
		if minNotional == "" {
			minNotional = filterValue(sym.Filters, "NOTIONAL", "minNotional")
		}
		a.symbolInfo[unified] = schema.SymbolInfo{
			Symbol:         unified,
			Exchange:       exchangeName,
			Market:         market,
			BasePrecision:  basePrec,
			QuotePrecision: quotePrec,
			MinQuantity:    numeric.ParseOrZero(filterValue(sym.Filters, "LOT_SIZE", "minQty")),
			MaxQuantity:    numeric.ParseOrZero(filterValue(sym.Filters, "LOT_SIZE", "maxQty")),
			StepSize:       numeric.ParseOrZero(filterValue(sym.Filters, "LOT_SIZE", "stepSize")),
			TickSize:       numeric.ParseOrZero(filterValue(sym.Filters, "PRICE_FILTER", "tickSize")),
			MinNotional:    numeric.ParseOrZero(minNotional),
			Trading:        strings.EqualFold(sym.Status, "TRADING"),
		}
	}
	return nil
}

// GetExchangeInfo implements exchange.ReferenceDataReader. It refetches
// exchangeInfo for every configured market before returning the snapshot.
func (a *Adapter) GetExchangeInfo(ctx context.Context) ([]schema.SymbolInfo, error) {
	if err := a.refreshExchangeInfo(ctx, schema.MarketSpot); err != nil {
		return nil, err
	}
	if a.cfg.HasMarket(schema.MarketFutures) {
		if err := a.refreshExchangeInfo(ctx, schema.MarketFutures); err != nil {
			return nil, err
		}
	}
	return a.symbolInfoSnapshot(), nil
}

func (a *Adapter) symbolInfoSnapshot() []schema.SymbolInfo {
	a.symbolMu.RLock()
	defer a.symbolMu.RUnlock()
	out := make([]schema.SymbolInfo, 0, len(a.symbolInfo))
	for _, info := range a.symbolInfo {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GetSymbols implements exchange.ReferenceDataReader.
func (a *Adapter) GetSymbols(ctx context.Context) ([]string, error) {
	if err := a.ensureSymbolInfo(ctx); err != nil {
		return nil, err
	}
	a.symbolMu.RLock()
	defer a.symbolMu.RUnlock()
	out := make([]string, 0, len(a.symbolInfo))
	for symbol := range a.symbolInfo {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out, nil
}

// GetSymbolInfo implements exchange.ReferenceDataReader.
func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (*schema.SymbolInfo, error) {
	if err := a.ensureSymbolInfo(ctx); err != nil {
		return nil, err
	}
	a.symbolMu.RLock()
	info, ok := a.symbolInfo[symbol]
	a.symbolMu.RUnlock()
	if !ok {
		return nil, errs.New(exchangeName, errs.CodeNotFound, errs.WithMessage("unknown symbol "+symbol))
	}
	return &info, nil
}

func (a *Adapter) ensureSymbolInfo(ctx context.Context) error {
	a.symbolMu.RLock()
	warm := len(a.symbolInfo) > 0
	a.symbolMu.RUnlock()
	if warm {
		return nil
	}
	if err := a.refreshExchangeInfo(ctx, schema.MarketSpot); err != nil {
		return err
	}
	if a.cfg.HasMarket(schema.MarketFutures) {
		return a.refreshExchangeInfo(ctx, schema.MarketFutures)
	}
	return nil
}
