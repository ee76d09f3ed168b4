package okx

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/exchange"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/telemetry"
)

type placeOrderRequest struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	ClOrdID    string `json:"clOrdId,omitempty"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide,omitempty"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	Px         string `json:"px,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

type placeOrderResult struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// clOrdId accepts alphanumerics only, so UUIDs are stripped of hyphens.
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateOrder implements exchange.Trader. When futures options carry a
// leverage, it is applied through the account endpoint first; the venue
// reports an unchanged leverage as a benign code which the REST layer
// swallows.
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
	ordType, err := toNativeType(req.Type)
	if err != nil {
		return nil, err
	}
	instID, err := a.conv.ToNative(req.Symbol)
	if err != nil {
		return nil, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = newClientOrderID()
	}
	mode := tradeMode(req.Options, market)

	if market == schema.MarketFutures && req.Options.Leverage.Sign() > 0 {
		if err := a.setLeverage(ctx, instID, req.Options.Leverage.String(), mode); err != nil {
			return nil, err
		}
	}

	// Limit-only execution flags ride on ordType.
	if req.Type == schema.OrderTypeLimit {
		switch req.TimeInForce {
		case schema.TimeInForceIOC:
			ordType = "ioc"
		case schema.TimeInForceFOK:
			ordType = "fok"
		}
	}

	body := placeOrderRequest{
		InstID:     instID,
		TdMode:     mode,
		ClOrdID:    req.ClientOrderID,
		Side:       string(req.Side),
		OrdType:    ordType,
		Sz:         req.Quantity.String(),
		ReduceOnly: req.Options.ReduceOnly,
	}
	if req.Price.Sign() > 0 {
		body.Px = req.Price.String()
	}
	if market == schema.MarketFutures && req.Options.PositionSide != "" {
		body.PosSide = string(req.Options.PositionSide)
	}

	var results []placeOrderResult
	if err := a.rest.post(ctx, "/api/v5/trade/order", body, &results); err != nil {
		telemetry.OrderRejected(ctx, exchangeName)
		return nil, err
	}
	if len(results) == 0 {
		return nil, errs.New(exchangeName, errs.CodeParse, errs.WithMessage("empty order response"))
	}
	result := results[0]
	if code := strings.TrimSpace(result.SCode); code != "" && code != "0" {
		telemetry.OrderRejected(ctx, exchangeName)
		return nil, mapCode(code, result.SMsg, 200)
	}
	telemetry.OrderSubmitted(ctx, exchangeName)

	// The ack carries only ids; the authoritative state arrives on the
	// orders channel or via GetOrder.
	now := time.Now().UTC()
	return &schema.Order{
		ID:            result.OrdID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Exchange:      exchangeName,
		Market:        market,
		Side:          req.Side,
		Type:          req.Type,
		Status:        schema.OrderStatusNew,
		Price:         req.Price,
		Quantity:      req.Quantity,
		TimeInForce:   req.TimeInForce,
		Timestamp:     now,
		UpdateTime:    now,
	}, nil
}

func (a *Adapter) setLeverage(ctx context.Context, instID, lever, mgnMode string) error {
	body := map[string]string{
		"instId":  instID,
		"lever":   lever,
		"mgnMode": mgnMode,
	}
	return a.rest.post(ctx, "/api/v5/account/set-leverage", body, nil)
}

type cancelOrderRequest struct {
	InstID  string `json:"instId"`
	OrdID   string `json:"ordId,omitempty"`
	ClOrdID string `json:"clOrdId,omitempty"`
}

// CancelOrder implements exchange.Trader. orderID accepts either the exchange
// order id or a client order id prefixed with "c:".
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if _, err := a.marketOf(symbol); err != nil {
		return err
	}
	instID, err := a.conv.ToNative(symbol)
	if err != nil {
		return err
	}
	body := cancelOrderRequest{InstID: instID}
	if strings.HasPrefix(orderID, "c:") {
		body.ClOrdID = orderID[2:]
	} else {
		body.OrdID = orderID
	}
	var results []placeOrderResult
	if err := a.rest.post(ctx, "/api/v5/trade/cancel-order", body, &results); err != nil {
		return err
	}
	if len(results) > 0 {
		if code := strings.TrimSpace(results[0].SCode); code != "" && code != "0" {
			return mapCode(code, results[0].SMsg, 200)
		}
	}
	return nil
}

// GetOrder implements exchange.Trader.
func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*schema.Order, error) {
	market, err := a.marketOf(symbol)
	if err != nil {
		return nil, err
	}
	instID, err := a.conv.ToNative(symbol)
	if err != nil {
		return nil, err
	}
	path := "/api/v5/trade/order?instId=" + url.QueryEscape(instID)
	if strings.HasPrefix(orderID, "c:") {
		path += "&clOrdId=" + url.QueryEscape(orderID[2:])
	} else {
		path += "&ordId=" + url.QueryEscape(orderID)
	}
	var records []orderRecord
	if err := a.rest.get(ctx, path, true, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.New(exchangeName, errs.CodeNotFound, errs.WithMessage("order "+orderID+" not found"))
	}
	return a.toOrder(records[0], market)
}

// GetOpenOrders implements exchange.Trader. An empty symbol returns open
// orders across all enabled markets.
func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	instTypes := []string{"SPOT"}
	if a.cfg.HasMarket(schema.MarketFutures) {
		instTypes = append(instTypes, "SWAP")
	}
	var instFilter string
	if symbol != "" {
		market, err := a.marketOf(symbol)
		if err != nil {
			return nil, err
		}
		if market == schema.MarketFutures {
			instTypes = []string{"SWAP"}
		} else {
			instTypes = []string{"SPOT"}
		}
		if instFilter, err = a.conv.ToNative(symbol); err != nil {
			return nil, err
		}
	}
	var orders []schema.Order
	for _, instType := range instTypes {
		market := schema.MarketSpot
		if instType == "SWAP" {
			market = schema.MarketFutures
		}
		path := "/api/v5/trade/orders-pending?instType=" + instType
		if instFilter != "" {
			path += "&instId=" + url.QueryEscape(instFilter)
		}
		var records []orderRecord
		if err := a.rest.get(ctx, path, true, &records); err != nil {
			return nil, err
		}
		for _, record := range records {
			order, err := a.toOrder(record, market)
			if err != nil {
				continue
			}
			orders = append(orders, *order)
		}
	}
	return orders, nil
}

// GetOrderHistory implements exchange.Trader. The venue serves the trailing
// seven days on this endpoint.
func (a *Adapter) GetOrderHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]schema.Order, error) {
	market, err := a.marketOf(symbol)
	if err != nil {
		return nil, err
	}
	instID, err := a.conv.ToNative(symbol)
	if err != nil {
		return nil, err
	}
	instType := "SPOT"
	if market == schema.MarketFutures {
		instType = "SWAP"
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 100 {
		limit = 100
	}
	path := "/api/v5/trade/orders-history?instType=" + instType +
		"&instId=" + url.QueryEscape(instID) + "&limit=" + strconv.Itoa(limit)
	if !since.IsZero() {
		path += "&begin=" + strconv.FormatInt(since.UnixMilli(), 10)
	}
	var records []orderRecord
	if err := a.rest.get(ctx, path, true, &records); err != nil {
		return nil, err
	}
	orders := make([]schema.Order, 0, len(records))
	for _, record := range records {
		order, err := a.toOrder(record, market)
		if err != nil {
			continue
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

type balanceRecord struct {
	UTime   string          `json:"uTime"`
	Details []balanceDetail `json:"details"`
}

// GetAccountInfo implements exchange.AccountReader. OKX's unified account
// holds one ledger across spot and swap.
func (a *Adapter) GetAccountInfo(ctx context.Context) (*schema.AccountInfo, error) {
	balances, updateTime, err := a.fetchBalances(ctx)
	if err != nil {
		return nil, err
	}
	return &schema.AccountInfo{
		Exchange:   exchangeName,
		Balances:   balances,
		CanTrade:   true,
		UpdateTime: updateTime,
	}, nil
}

// GetBalances implements exchange.AccountReader.
func (a *Adapter) GetBalances(ctx context.Context) ([]schema.Balance, error) {
	balances, _, err := a.fetchBalances(ctx)
	return balances, err
}

func (a *Adapter) fetchBalances(ctx context.Context) ([]schema.Balance, time.Time, error) {
	var records []balanceRecord
	if err := a.rest.get(ctx, "/api/v5/account/balance", true, &records); err != nil {
		return nil, time.Time{}, err
	}
	updateTime := time.Now().UTC()
	var balances []schema.Balance
	for _, record := range records {
		if ts := milliTime(record.UTime); !ts.IsZero() {
			updateTime = ts
		}
		for _, detail := range record.Details {
			bal := toBalance(detail)
			if bal.Total.Sign() == 0 {
				continue
			}
			balances = append(balances, bal)
		}
	}
	return balances, updateTime, nil
}

// GetPositions implements exchange.AccountReader.
func (a *Adapter) GetPositions(ctx context.Context) ([]schema.Position, error) {
	if !a.cfg.HasMarket(schema.MarketFutures) {
		return nil, nil
	}
	var records []positionRecord
	if err := a.rest.get(ctx, "/api/v5/account/positions?instType=SWAP", true, &records); err != nil {
		return nil, err
	}
	positions := make([]schema.Position, 0, len(records))
	for _, record := range records {
		position, err := a.toPosition(record)
		if err != nil || position == nil {
			continue
		}
		positions = append(positions, *position)
	}
	return positions, nil
}
