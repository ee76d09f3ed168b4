package okx

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

type tickerRecord struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	AskPx   string `json:"askPx"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Vol24h  string `json:"vol24h"`
	TS      string `json:"ts"`
}

func (a *Adapter) toTicker(record tickerRecord, market schema.MarketType) (*schema.Ticker, error) {
	unified, err := a.conv.ToUnified(record.InstID, market)
	if err != nil {
		return nil, err
	}
	return &schema.Ticker{
		Symbol:    unified,
		Exchange:  exchangeName,
		Last:      numeric.ParseOrZero(record.Last),
		Bid:       numeric.ParseOrZero(record.BidPx),
		Ask:       numeric.ParseOrZero(record.AskPx),
		High:      numeric.ParseOrZero(record.High24h),
		Low:       numeric.ParseOrZero(record.Low24h),
		Volume:    numeric.ParseOrZero(record.Vol24h),
		Timestamp: milliTime(record.TS),
	}, nil
}

// GetTicker implements exchange.MarketDataReader.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (*schema.Ticker, error) {
	market, err := a.marketOf(symbol)
	if err != nil {
		return nil, err
	}
	instID, err := a.conv.ToNative(symbol)
	if err != nil {
		return nil, err
	}
	var records []tickerRecord
	if err := a.rest.get(ctx, "/api/v5/market/ticker?instId="+url.QueryEscape(instID), false, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.New(exchangeName, errs.CodeNotFound, errs.WithMessage("no ticker for "+symbol))
	}
	return a.toTicker(records[0], market)
}

type bookRecord struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	TS   string     `json:"ts"`
}

func toLevels(raw [][]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, level := range raw {
		if len(level) < 2 {
			continue
		}
		out = append(out, schema.PriceLevel{
			Price:    numeric.ParseOrZero(level[0]),
			Quantity: numeric.ParseOrZero(level[1]),
		})
	}
	return out
}

// GetOrderBook implements exchange.MarketDataReader.
func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*schema.OrderBook, error) {
	if _, err := a.marketOf(symbol); err != nil {
		return nil, err
	}
	instID, err := a.conv.ToNative(symbol)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 50
	}
	if depth > 400 {
		depth = 400
	}
	var records []bookRecord
	path := "/api/v5/market/books?instId=" + url.QueryEscape(instID) + "&sz=" + strconv.Itoa(depth)
	if err := a.rest.get(ctx, path, false, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.New(exchangeName, errs.CodeNotFound, errs.WithMessage("no order book for "+symbol))
	}
	record := records[0]
	ts := milliTime(record.TS)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &schema.OrderBook{
		Symbol:    symbol,
		Exchange:  exchangeName,
		Bids:      toLevels(record.Bids),
		Asks:      toLevels(record.Asks),
		Timestamp: ts,
	}, nil
}

type tradeRecord struct {
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

// GetRecentTrades implements exchange.MarketDataReader.
func (a *Adapter) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	if _, err := a.marketOf(symbol); err != nil {
		return nil, err
	}
	instID, err := a.conv.ToNative(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	var records []tradeRecord
	path := "/api/v5/market/trades?instId=" + url.QueryEscape(instID) + "&limit=" + strconv.Itoa(limit)
	if err := a.rest.get(ctx, path, false, &records); err != nil {
		return nil, err
	}
	trades := make([]schema.Trade, 0, len(records))
	for _, record := range records {
		trades = append(trades, schema.Trade{
			ID:        record.TradeID,
			Symbol:    symbol,
			Exchange:  exchangeName,
			Side:      fromNativeSide(record.Side),
			Price:     numeric.ParseOrZero(record.Px),
			Quantity:  numeric.ParseOrZero(record.Sz),
			Timestamp: milliTime(record.TS),
		})
	}
	return trades, nil
}

// normalizeBar renders a unified interval as an OKX bar: minutes stay
// lowercase, hour and larger units are uppercase.
func normalizeBar(interval string) string {
	trimmed := strings.TrimSpace(interval)
	if trimmed == "" {
		return "1m"
	}
	unit := trimmed[len(trimmed)-1]
	switch unit {
	case 'h', 'H', 'd', 'D', 'w', 'W', 'M':
		return trimmed[:len(trimmed)-1] + strings.ToUpper(string(unit))
	default:
		return strings.ToLower(trimmed)
	}
}

// GetKlines implements exchange.MarketDataReader. OKX returns candles
// newest-first as positional string arrays; output is oldest-first.
func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]schema.Kline, error) {
	if _, err := a.marketOf(symbol); err != nil {
		return nil, err
	}
	instID, err := a.conv.ToNative(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 300 {
		limit = 300
	}
	bar := normalizeBar(interval)
	var records [][]string
	path := "/api/v5/market/candles?instId=" + url.QueryEscape(instID) + "&bar=" + url.QueryEscape(bar) + "&limit=" + strconv.Itoa(limit)
	if err := a.rest.get(ctx, path, false, &records); err != nil {
		return nil, err
	}
	klines := make([]schema.Kline, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		row := records[i]
		if len(row) < 6 {
			continue
		}
		kline := schema.Kline{
			Symbol:   symbol,
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
		klines = append(klines, kline)
	}
	return klines, nil
}

type instrumentRecord struct {
	InstID   string `json:"instId"`
	InstType string `json:"instType"`
	State    string `json:"state"`
	TickSz   string `json:"tickSz"`
	LotSz    string `json:"lotSz"`
	MinSz    string `json:"minSz"`
	MaxMktSz string `json:"maxMktSz"`
	CtVal    string `json:"ctVal"`
}

// refreshInstruments rebuilds the symbol metadata cache for one instType.
func (a *Adapter) refreshInstruments(ctx context.Context, instType string) error {
	var records []instrumentRecord
	if err := a.rest.get(ctx, "/api/v5/public/instruments?instType="+instType, false, &records); err != nil {
		return err
	}
	market := schema.MarketSpot
	if instType == "SWAP" {
		market = schema.MarketFutures
	}
	a.symbolMu.Lock()
	defer a.symbolMu.Unlock()
	for _, record := range records {
		unified, err := a.conv.ToUnified(record.InstID, market)
		if err != nil {
			continue
		}
		a.symbolInfo[unified] = schema.SymbolInfo{
			Symbol:         unified,
			Exchange:       exchangeName,
			Market:         market,
			BasePrecision:  numeric.ScaleFromStep(record.LotSz),
			QuotePrecision: numeric.ScaleFromStep(record.TickSz),
			MinQuantity:    numeric.ParseOrZero(record.MinSz),
			MaxQuantity:    numeric.ParseOrZero(record.MaxMktSz),
			StepSize:       numeric.ParseOrZero(record.LotSz),
			TickSize:       numeric.ParseOrZero(record.TickSz),
			ContractValue:  numeric.ParseOrZero(record.CtVal),
			Trading:        strings.EqualFold(record.State, "live"),
		}
	}
	return nil
}

// GetExchangeInfo implements exchange.ReferenceDataReader. It refetches the
// instrument lists for every configured market before returning the snapshot.
func (a *Adapter) GetExchangeInfo(ctx context.Context) ([]schema.SymbolInfo, error) {
	if err := a.refreshInstruments(ctx, "SPOT"); err != nil {
		return nil, err
	}
	if a.cfg.HasMarket(schema.MarketFutures) {
		if err := a.refreshInstruments(ctx, "SWAP"); err != nil {
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
	if err := a.refreshInstruments(ctx, "SPOT"); err != nil {
		return err
	}
	if a.cfg.HasMarket(schema.MarketFutures) {
		return a.refreshInstruments(ctx, "SWAP")
	}
	return nil
}
