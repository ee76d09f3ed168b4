package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openalgo/exio/internal/exchange"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/telemetry"
)

func orderPath(market schema.MarketType) string {
	return apiPath(market, "/api/v3/order", "/fapi/v1/order")
}

// CreateOrder implements exchange.Trader. The request is validated against
// cached symbol constraints before it spends request weight; a missing client
// order id is filled with a UUID so resubmissions stay idempotent.
func (a *Adapter) CreateOrder(ctx context.Context, req schema.OrderRequest) (*schema.Order, error) {
	market, err := a.marketOf(req.Symbol)
	if err != nil {
		return nil, err
	}
	var info *schema.SymbolInfo
	a.symbolMu.RLock()
	if cached, ok := a.symbolInfo[req.Symbol]; ok {
		info = &cached
	}
	a.symbolMu.RUnlock()
	if err := exchange.ValidateOrder(exchangeName, req, info); err != nil {
		telemetry.OrderRejected(ctx, exchangeName)
		return nil, err
	}

	native, err := a.conv.ToNative(req.Symbol)
	if err != nil {
		return nil, err
	}
	nativeType, err := toNativeType(req.Type, market)
	if err != nil {
		return nil, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	params := url.Values{}
	params.Set("symbol", native)
	params.Set("side", toNativeSide(req.Side))
	params.Set("type", nativeType)
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	if req.Price.Sign() > 0 {
		params.Set("price", req.Price.String())
	}
	if req.StopPrice.Sign() > 0 {
		params.Set("stopPrice", req.StopPrice.String())
	}
	tif := req.TimeInForce
	if tif == "" && req.Type != schema.OrderTypeMarket && req.Type != schema.OrderTypeStopLoss && req.Type != schema.OrderTypeTakeProfit {
		tif = schema.TimeInForceGTC
	}
	if tif != "" {
		params.Set("timeInForce", string(tif))
	}
	if market == schema.MarketFutures {
		if req.Options.ReduceOnly {
			params.Set("reduceOnly", "true")
		}
		if req.Options.PositionSide != "" {
			params.Set("positionSide", string(req.Options.PositionSide))
		}
	}
	if market == schema.MarketSpot {
		params.Set("newOrderRespType", "FULL")
	}

	var payload orderPayload
	if err := a.rest.signed(ctx, market, http.MethodPost, orderPath(market), params, &payload); err != nil {
		telemetry.OrderRejected(ctx, exchangeName)
		return nil, err
	}
	telemetry.OrderSubmitted(ctx, exchangeName)
	return a.toOrder(payload, market)
}

// CancelOrder implements exchange.Trader. orderID accepts either the exchange
// order id or a client order id prefixed with "c:".
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	market, err := a.marketOf(symbol)
	if err != nil {
		return err
	}
	native, err := a.conv.ToNative(symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", native)
	setOrderID(params, orderID)
	return a.rest.signed(ctx, market, http.MethodDelete, orderPath(market), params, nil)
}

// GetOrder implements exchange.Trader.
func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*schema.Order, error) {
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
	setOrderID(params, orderID)
	var payload orderPayload
	if err := a.rest.signed(ctx, market, http.MethodGet, orderPath(market), params, &payload); err != nil {
		return nil, err
	}
	return a.toOrder(payload, market)
}

func setOrderID(params url.Values, orderID string) {
	if len(orderID) > 2 && orderID[:2] == "c:" {
		params.Set("origClientOrderId", orderID[2:])
		return
	}
	params.Set("orderId", orderID)
}

// GetOpenOrders implements exchange.Trader. An empty symbol queries all open
// spot orders, which carries the venue's heavy request weight.
func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	market := schema.MarketSpot
	params := url.Values{}
	if symbol != "" {
		var err error
		if market, err = a.marketOf(symbol); err != nil {
			return nil, err
		}
		native, err := a.conv.ToNative(symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", native)
	}
	var payload []orderPayload
	if err := a.rest.signed(ctx, market, http.MethodGet, apiPath(market, "/api/v3/openOrders", "/fapi/v1/openOrders"), params, &payload); err != nil {
		return nil, err
	}
	return a.toOrders(payload, market)
}

// GetOrderHistory implements exchange.Trader.
func (a *Adapter) GetOrderHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]schema.Order, error) {
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
	if limit > 1000 {
		limit = 1000
	}
	params := url.Values{}
	params.Set("symbol", native)
	params.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	var payload []orderPayload
	if err := a.rest.signed(ctx, market, http.MethodGet, apiPath(market, "/api/v3/allOrders", "/fapi/v1/allOrders"), params, &payload); err != nil {
		return nil, err
	}
	return a.toOrders(payload, market)
}

func (a *Adapter) toOrders(payload []orderPayload, market schema.MarketType) ([]schema.Order, error) {
	orders := make([]schema.Order, 0, len(payload))
	for _, p := range payload {
		order, err := a.toOrder(p, market)
		if err != nil {
			continue
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

type accountPayload struct {
	CanTrade    bool  `json:"canTrade"`
	CanWithdraw bool  `json:"canWithdraw"`
	CanDeposit  bool  `json:"canDeposit"`
	UpdateTime  int64 `json:"updateTime"`
	Balances    []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type futuresBalancePayload struct {
	Asset            string `json:"asset"`
	AvailableBalance string `json:"availableBalance"`
	Balance          string `json:"balance"`
}

// GetAccountInfo implements exchange.AccountReader.
func (a *Adapter) GetAccountInfo(ctx context.Context) (*schema.AccountInfo, error) {
	var payload accountPayload
	if err := a.rest.signed(ctx, schema.MarketSpot, http.MethodGet, "/api/v3/account", url.Values{}, &payload); err != nil {
		return nil, err
	}
	balances := make([]schema.Balance, 0, len(payload.Balances))
	for _, b := range payload.Balances {
		free := numeric.ParseOrZero(b.Free)
		locked := numeric.ParseOrZero(b.Locked)
		if free.Sign() == 0 && locked.Sign() == 0 {
			continue
		}
		balances = append(balances, schema.NewBalance(b.Asset, free, locked))
	}
	updated := milliTime(payload.UpdateTime)
	if payload.UpdateTime == 0 {
		updated = time.Now().UTC()
	}
	return &schema.AccountInfo{
		Exchange:    exchangeName,
		Balances:    balances,
		CanTrade:    payload.CanTrade,
		CanWithdraw: payload.CanWithdraw,
		CanDeposit:  payload.CanDeposit,
		UpdateTime:  updated,
	}, nil
}

// GetBalances implements exchange.AccountReader, merging the spot and futures
// ledgers per asset when futures trading is enabled.
func (a *Adapter) GetBalances(ctx context.Context) ([]schema.Balance, error) {
	account, err := a.GetAccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	if !a.cfg.HasMarket(schema.MarketFutures) {
		return account.Balances, nil
	}
	var futures []futuresBalancePayload
	if err := a.rest.signed(ctx, schema.MarketFutures, http.MethodGet, "/fapi/v2/balance", url.Values{}, &futures); err != nil {
		return nil, err
	}
	futuresLedger := make([]schema.Balance, 0, len(futures))
	for _, b := range futures {
		total := numeric.ParseOrZero(b.Balance)
		free := numeric.ParseOrZero(b.AvailableBalance)
		if total.Sign() == 0 {
			continue
		}
		futuresLedger = append(futuresLedger, schema.NewBalance(b.Asset, free, total.Sub(free)))
	}
	return schema.MergeBalances(account.Balances, futuresLedger), nil
}

type positionPayload struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	UpdateTime       int64  `json:"updateTime"`
}

// GetPositions implements exchange.AccountReader. Position quantity is a
// non-negative magnitude; a negative positionAmt becomes a short.
func (a *Adapter) GetPositions(ctx context.Context) ([]schema.Position, error) {
	if !a.cfg.HasMarket(schema.MarketFutures) {
		return nil, nil
	}
	var payload []positionPayload
	if err := a.rest.signed(ctx, schema.MarketFutures, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &payload); err != nil {
		return nil, err
	}
	positions := make([]schema.Position, 0, len(payload))
	for _, p := range payload {
		amt := numeric.ParseOrZero(p.PositionAmt)
		if amt.Sign() == 0 {
			continue
		}
		side := schema.PositionLong
		if amt.Sign() < 0 {
			side = schema.PositionShort
			amt = amt.Neg()
		}
		unified, err := a.conv.ToUnified(p.Symbol, schema.MarketFutures)
		if err != nil {
			continue
		}
		positions = append(positions, schema.Position{
			Symbol:        unified,
			Exchange:      exchangeName,
			Side:          side,
			Quantity:      amt,
			EntryPrice:    numeric.ParseOrZero(p.EntryPrice),
			MarkPrice:     numeric.ParseOrZero(p.MarkPrice),
			UnrealizedPnL: numeric.ParseOrZero(p.UnRealizedProfit),
			Leverage:      numeric.ParseOrZero(p.Leverage),
			Timestamp:     milliTime(p.UpdateTime),
		})
	}
	return positions, nil
}
