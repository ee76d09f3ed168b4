package coinbase

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/exchange"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/telemetry"
)

// buildConfiguration translates a unified order request into the Advanced
// Trade order_configuration union. Market-triggered stops have no Advanced
// Trade equivalent; only the stop-limit variants are accepted.
func buildConfiguration(req schema.OrderRequest) (orderConfiguration, error) {
	qty := req.Quantity.String()
	switch req.Type {
	case schema.OrderTypeMarket:
		return orderConfiguration{MarketIOC: &marketConfig{BaseSize: qty}}, nil
	case schema.OrderTypeLimit:
		limit := &limitConfig{BaseSize: qty, LimitPrice: req.Price.String()}
		switch req.TimeInForce {
		case schema.TimeInForceIOC:
			return orderConfiguration{SorLimitIOC: limit}, nil
		case schema.TimeInForceFOK:
			return orderConfiguration{LimitFOK: limit}, nil
		default:
			return orderConfiguration{LimitGTC: limit}, nil
		}
	case schema.OrderTypeStopLossLimit, schema.OrderTypeTakeProfitLimit:
		direction := "STOP_DIRECTION_STOP_DOWN"
		if (req.Type == schema.OrderTypeStopLossLimit) == (req.Side == schema.SideBuy) {
			// A protective stop on a buy, or a profit-taker on a sell,
			// triggers on the way up.
			direction = "STOP_DIRECTION_STOP_UP"
		}
		return orderConfiguration{StopLimitGTC: &stopLimitConfig{
			BaseSize:      qty,
			LimitPrice:    req.Price.String(),
			StopPrice:     req.StopPrice.String(),
			StopDirection: direction,
		}}, nil
	default:
		return orderConfiguration{}, errs.NotSupported(exchangeName, "order type "+string(req.Type)+" requires a limit price on this venue")
	}
}

type createOrderRequest struct {
	ClientOrderID string             `json:"client_order_id"`
	ProductID     string             `json:"product_id"`
	Side          string             `json:"side"`
	Config        orderConfiguration `json:"order_configuration"`
}

type createOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID       string `json:"order_id"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error                string `json:"error"`
		Message              string `json:"message"`
		ErrorDetails         string `json:"error_details"`
		PreviewFailureReason string `json:"preview_failure_reason"`
	} `json:"error_response"`
}

// mapOrderFailure classifies a rejection reported inside a 200 response.
func mapOrderFailure(resp createOrderResponse) error {
	reason := strings.TrimSpace(resp.ErrorResponse.Error)
	if reason == "" {
		reason = strings.TrimSpace(resp.ErrorResponse.PreviewFailureReason)
	}
	class := errs.CodeExchange
	switch {
	case strings.Contains(reason, "INSUFFICIENT_FUND"),
		strings.Contains(reason, "INVALID"),
		strings.Contains(reason, "UNSUPPORTED"):
		class = errs.CodeInvalid
	case strings.Contains(reason, "UNAUTHORIZED"), strings.Contains(reason, "PERMISSION"):
		class = errs.CodeCredentials
	case strings.Contains(reason, "RATE_LIMIT"):
		class = errs.CodeRateLimited
	}
	msg := strings.TrimSpace(resp.ErrorResponse.Message)
	if msg == "" {
		msg = strings.TrimSpace(resp.ErrorResponse.ErrorDetails)
	}
	return errs.New(exchangeName, class,
		errs.WithRawCode(reason),
		errs.WithRawMessage(msg),
		errs.WithMessage("order rejected"))
}

// CreateOrder implements exchange.Trader. The request is validated against
// cached product constraints before leaving the process; a missing client
// order id is filled with a UUID so resubmissions stay idempotent. The
// returned order is the submission acknowledgement; authoritative state
// arrives on the user channel or via GetOrder.
func (a *Adapter) CreateOrder(ctx context.Context, req schema.OrderRequest) (*schema.Order, error) {
	productID, err := a.productID(req.Symbol)
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
	config, err := buildConfiguration(req)
	if err != nil {
		return nil, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	var resp createOrderResponse
	err = a.rest.post(ctx, brokeragePrefix+"/orders", createOrderRequest{
		ClientOrderID: req.ClientOrderID,
		ProductID:     productID,
		Side:          fromSide(req.Side),
		Config:        config,
	}, &resp)
	if err != nil {
		telemetry.OrderRejected(ctx, exchangeName)
		return nil, err
	}
	if !resp.Success {
		telemetry.OrderRejected(ctx, exchangeName)
		return nil, mapOrderFailure(resp)
	}
	telemetry.OrderSubmitted(ctx, exchangeName)

	now := time.Now().UTC()
	return &schema.Order{
		ID:            resp.SuccessResponse.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Exchange:      exchangeName,
		Market:        schema.MarketSpot,
		Side:          req.Side,
		Type:          req.Type,
		Status:        schema.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		TimeInForce:   req.TimeInForce,
		Timestamp:     now,
		UpdateTime:    now,
	}, nil
}

// resolveOrderID turns a "c:"-prefixed client order id into the exchange
// order id by scanning open orders first and recent history second. The venue
// keys every order endpoint on its own id.
func (a *Adapter) resolveOrderID(ctx context.Context, symbol, orderID string) (string, error) {
	clientID, ok := strings.CutPrefix(orderID, "c:")
	if !ok {
		return orderID, nil
	}
	open, err := a.GetOpenOrders(ctx, symbol)
	if err != nil {
		return "", err
	}
	for _, order := range open {
		if order.ClientOrderID == clientID {
			return order.ID, nil
		}
	}
	history, err := a.GetOrderHistory(ctx, symbol, time.Time{}, 100)
	if err != nil {
		return "", err
	}
	for _, order := range history {
		if order.ClientOrderID == clientID {
			return order.ID, nil
		}
	}
	return "", errs.New(exchangeName, errs.CodeNotFound, errs.WithMessage("no order with client id "+clientID))
}

// CancelOrder implements exchange.Trader. orderID accepts either the exchange
// order id or a client order id prefixed with "c:".
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := a.resolveOrderID(ctx, symbol, orderID)
	if err != nil {
		return err
	}
	var resp struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
			OrderID       string `json:"order_id"`
		} `json:"results"`
	}
	err = a.rest.post(ctx, brokeragePrefix+"/orders/batch_cancel", map[string][]string{
		"order_ids": {id},
	}, &resp)
	if err != nil {
		return err
	}
	if len(resp.Results) == 0 {
		return errs.New(exchangeName, errs.CodeExchange, errs.WithMessage("empty cancel result"))
	}
	result := resp.Results[0]
	if result.Success {
		return nil
	}
	class := errs.CodeExchange
	if strings.Contains(result.FailureReason, "UNKNOWN_CANCEL_ORDER") {
		class = errs.CodeNotFound
	}
	return errs.New(exchangeName, class,
		errs.WithRawCode(result.FailureReason),
		errs.WithMessage("cancel rejected"))
}

// GetOrder implements exchange.Trader.
func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*schema.Order, error) {
	id, err := a.resolveOrderID(ctx, symbol, orderID)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Order orderPayload `json:"order"`
	}
	if err := a.rest.get(ctx, brokeragePrefix+"/orders/historical/"+id, "", true, &resp); err != nil {
		return nil, err
	}
	return a.toOrder(resp.Order)
}

func (a *Adapter) listOrders(ctx context.Context, query url.Values) ([]schema.Order, error) {
	var resp struct {
		Orders []orderPayload `json:"orders"`
	}
	if err := a.rest.get(ctx, brokeragePrefix+"/orders/historical/batch", query.Encode(), true, &resp); err != nil {
		return nil, err
	}
	out := make([]schema.Order, 0, len(resp.Orders))
	for _, payload := range resp.Orders {
		order, err := a.toOrder(payload)
		if err != nil {
			continue
		}
		out = append(out, *order)
	}
	return out, nil
}

// GetOpenOrders implements exchange.Trader. An empty symbol lists open orders
// across all products.
func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	query := url.Values{}
	query.Set("order_status", "OPEN")
	if symbol != "" {
		productID, err := a.productID(symbol)
		if err != nil {
			return nil, err
		}
		query.Set("product_id", productID)
	}
	return a.listOrders(ctx, query)
}

// GetOrderHistory implements exchange.Trader.
func (a *Adapter) GetOrderHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]schema.Order, error) {
	query := url.Values{}
	if symbol != "" {
		productID, err := a.productID(symbol)
		if err != nil {
			return nil, err
		}
		query.Set("product_id", productID)
	}
	if !since.IsZero() {
		query.Set("start_date", since.UTC().Format(time.RFC3339))
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 250 {
		limit = 250
	}
	query.Set("limit", strconv.Itoa(limit))
	return a.listOrders(ctx, query)
}

type accountRecord struct {
	Currency         string `json:"currency"`
	AvailableBalance struct {
		Value string `json:"value"`
	} `json:"available_balance"`
	Hold struct {
		Value string `json:"value"`
	} `json:"hold"`
}

func (a *Adapter) fetchBalances(ctx context.Context) ([]schema.Balance, error) {
	out := make([]schema.Balance, 0)
	cursor := ""
	for {
		query := url.Values{}
		query.Set("limit", "250")
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		var resp struct {
			Accounts []accountRecord `json:"accounts"`
			HasNext  bool            `json:"has_next"`
			Cursor   string          `json:"cursor"`
		}
		if err := a.rest.get(ctx, brokeragePrefix+"/accounts", query.Encode(), true, &resp); err != nil {
			return nil, err
		}
		for _, account := range resp.Accounts {
			free := numeric.ParseOrZero(account.AvailableBalance.Value)
			locked := numeric.ParseOrZero(account.Hold.Value)
			if free.IsZero() && locked.IsZero() {
				continue
			}
			out = append(out, schema.NewBalance(account.Currency, free, locked))
		}
		if !resp.HasNext || resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}
	return out, nil
}

// GetBalances implements exchange.AccountReader.
func (a *Adapter) GetBalances(ctx context.Context) ([]schema.Balance, error) {
	return a.fetchBalances(ctx)
}

// GetAccountInfo implements exchange.AccountReader.
func (a *Adapter) GetAccountInfo(ctx context.Context) (*schema.AccountInfo, error) {
	balances, err := a.fetchBalances(ctx)
	if err != nil {
		return nil, err
	}
	return &schema.AccountInfo{
		Exchange:    exchangeName,
		Balances:    balances,
		CanTrade:    true,
		CanWithdraw: true,
		CanDeposit:  true,
		UpdateTime:  time.Now().UTC(),
	}, nil
}

// GetPositions implements exchange.AccountReader. Spot accounts carry no
// positions.
func (a *Adapter) GetPositions(_ context.Context) ([]schema.Position, error) {
	return []schema.Position{}, nil
}
