package coinbase

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
)

type productTickerResponse struct {
	Trades []struct {
		TradeID string    `json:"trade_id"`
		Price   string    `json:"price"`
		Size    string    `json:"size"`
		Side    string    `json:"side"`
		Time    time.Time `json:"time"`
	} `json:"trades"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type productResponse struct {
	productPayload
	Price     string `json:"price"`
	Volume24h string `json:"volume_24h"`
}

// marketGet reads a public market-data endpoint. With credentials configured
// the authenticated endpoint is used; without them the request falls back to
// the unauthenticated /market mirror of the same path.
func (a *Adapter) marketGet(ctx context.Context, suffix, query string, out any) error {
	if a.rest.mode == authNone {
		return a.rest.get(ctx, brokeragePrefix+"/market"+suffix, query, false, out)
	}
	return a.rest.get(ctx, brokeragePrefix+suffix, query, true, out)
}

// GetTicker implements exchange.MarketDataReader. The product endpoint
// carries last price and volume; best bid/ask come from the ticker endpoint.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (*schema.Ticker, error) {
	productID, err := a.productID(symbol)
	if err != nil {
		return nil, err
	}
	var product productResponse
	if err := a.marketGet(ctx, "/products/"+productID, "", &product); err != nil {
		return nil, err
	}
	var ticker productTickerResponse
	if err := a.marketGet(ctx, "/products/"+productID+"/ticker", "limit=1", &ticker); err != nil {
		return nil, err
	}
	out := &schema.Ticker{
		Symbol:    symbol,
		Exchange:  exchangeName,
		Last:      numeric.ParseOrZero(product.Price),
		Bid:       numeric.ParseOrZero(ticker.BestBid),
		Ask:       numeric.ParseOrZero(ticker.BestAsk),
		Volume:    numeric.ParseOrZero(product.Volume24h),
		Timestamp: time.Now().UTC(),
	}
	if len(ticker.Trades) > 0 {
		out.Last = numeric.ParseOrZero(ticker.Trades[0].Price)
		out.Timestamp = ticker.Trades[0].Time
	}
	return out, nil
}

type priceBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type productBookResponse struct {
	PriceBook struct {
		ProductID string           `json:"product_id"`
		Bids      []priceBookLevel `json:"bids"`
		Asks      []priceBookLevel `json:"asks"`
		Time      time.Time        `json:"time"`
	} `json:"pricebook"`
}

func toBookLevels(raw []priceBookLevel) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, level := range raw {
		out = append(out, schema.PriceLevel{
			Price:    numeric.ParseOrZero(level.Price),
			Quantity: numeric.ParseOrZero(level.Size),
		})
	}
	return out
}

// GetOrderBook implements exchange.MarketDataReader.
func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*schema.OrderBook, error) {
	productID, err := a.productID(symbol)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 100
	}
	query := url.Values{}
	query.Set("product_id", productID)
	query.Set("limit", strconv.Itoa(depth))
	var resp productBookResponse
	if err := a.marketGet(ctx, "/product_book", query.Encode(), &resp); err != nil {
		return nil, err
	}
	return &schema.OrderBook{
		Symbol:    symbol,
		Exchange:  exchangeName,
		Bids:      toBookLevels(resp.PriceBook.Bids),
		Asks:      toBookLevels(resp.PriceBook.Asks),
		Timestamp: resp.PriceBook.Time,
	}, nil
}

// GetRecentTrades implements exchange.MarketDataReader.
func (a *Adapter) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	productID, err := a.productID(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	var resp productTickerResponse
	if err := a.marketGet(ctx, "/products/"+productID+"/ticker", "limit="+strconv.Itoa(limit), &resp); err != nil {
		return nil, err
	}
	out := make([]schema.Trade, 0, len(resp.Trades))
	for _, trade := range resp.Trades {
		out = append(out, schema.Trade{
			ID:        trade.TradeID,
			Symbol:    symbol,
			Exchange:  exchangeName,
			Side:      toSide(trade.Side),
			Price:     numeric.ParseOrZero(trade.Price),
			Quantity:  numeric.ParseOrZero(trade.Size),
			Timestamp: trade.Time,
		})
	}
	return out, nil
}

type candleRecord struct {
	Start  string `json:"start"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// GetKlines implements exchange.MarketDataReader. The venue returns candles
// newest-first; they are reversed to oldest-first on the way out. The
// trailing, still-forming candle is reported open.
func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]schema.Kline, error) {
	productID, err := a.productID(symbol)
	if err != nil {
		return nil, err
	}
	granularity, span, err := toGranularity(interval)
	if err != nil {
		return nil, err
	}
	if interval == "" {
		interval = "1m"
	}
	if limit <= 0 {
		limit = 300
	}
	if limit > 350 {
		limit = 350
	}
	end := time.Now().UTC()
	start := end.Add(-time.Duration(limit) * span)
	query := url.Values{}
	query.Set("granularity", granularity)
	query.Set("start", strconv.FormatInt(start.Unix(), 10))
	query.Set("end", strconv.FormatInt(end.Unix(), 10))
	var resp struct {
		Candles []candleRecord `json:"candles"`
	}
	if err := a.marketGet(ctx, "/products/"+productID+"/candles", query.Encode(), &resp); err != nil {
		return nil, err
	}
	out := make([]schema.Kline, 0, len(resp.Candles))
	for i := len(resp.Candles) - 1; i >= 0; i-- {
		record := resp.Candles[i]
		openTime := unixTime(record.Start)
		out = append(out, schema.Kline{
			Symbol:    symbol,
			Exchange:  exchangeName,
			Interval:  interval,
			Open:      numeric.ParseOrZero(record.Open),
			High:      numeric.ParseOrZero(record.High),
			Low:       numeric.ParseOrZero(record.Low),
			Close:     numeric.ParseOrZero(record.Close),
			Volume:    numeric.ParseOrZero(record.Volume),
			OpenTime:  openTime,
			CloseTime: openTime.Add(span),
			Closed:    !openTime.Add(span).After(end),
		})
	}
	return out, nil
}

func (a *Adapter) refreshProducts(ctx context.Context) error {
	var resp struct {
		Products []productPayload `json:"products"`
	}
	if err := a.marketGet(ctx, "/products", "product_type=SPOT", &resp); err != nil {
		return err
	}
	a.symbolMu.Lock()
	defer a.symbolMu.Unlock()
	for _, product := range resp.Products {
		info, err := a.toSymbolInfo(product)
		if err != nil {
			continue
		}
		a.symbolInfo[info.Symbol] = *info
	}
	return nil
}

// GetExchangeInfo implements exchange.ReferenceDataReader. It refetches the
// product list before returning the snapshot.
func (a *Adapter) GetExchangeInfo(ctx context.Context) ([]schema.SymbolInfo, error) {
	if err := a.refreshProducts(ctx); err != nil {
		return nil, err
	}
	a.symbolMu.RLock()
	defer a.symbolMu.RUnlock()
	out := make([]schema.SymbolInfo, 0, len(a.symbolInfo))
	for _, info := range a.symbolInfo {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
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
	return a.refreshProducts(ctx)
}
