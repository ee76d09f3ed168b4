package binance

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/observability"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/stream"
)

const (
	spotListenKeyPath    = "/api/v3/userDataStream"
	futuresListenKeyPath = "/fapi/v1/listenKey"
)

type listenKeyPayload struct {
	ListenKey string `json:"listenKey"`
}

func listenKeyPath(market schema.MarketType) string {
	if market == schema.MarketFutures {
		return futuresListenKeyPath
	}
	return spotListenKeyPath
}

func (a *Adapter) userWSBase(market schema.MarketType) string {
	if market == schema.MarketFutures {
		return a.wsFutures
	}
	return a.wsUser
}

// createListenKey issues a user-data listen key for one market. Both the spot
// and the fapi endpoint want the API key header but no signature.
func (a *Adapter) createListenKey(ctx context.Context, market schema.MarketType) (string, error) {
	if a.cfg.Credentials.APIKey == "" {
		return "", errs.New(exchangeName, errs.CodeCredentials, errs.WithMessage("api key required for user-data stream"))
	}
	header := http.Header{}
	header.Set("X-MBX-APIKEY", a.cfg.Credentials.APIKey)
	var payload listenKeyPayload
	if err := a.rest.do(ctx, http.MethodPost, a.rest.base(market)+listenKeyPath(market), header, &payload); err != nil {
		return "", err
	}
	if payload.ListenKey == "" {
		return "", errs.New(exchangeName, errs.CodeParse, errs.WithMessage("empty listen key"))
	}
	return payload.ListenKey, nil
}

func (a *Adapter) keepAliveListenKey(ctx context.Context, market schema.MarketType, key string) error {
	header := http.Header{}
	header.Set("X-MBX-APIKEY", a.cfg.Credentials.APIKey)
	path := a.rest.base(market) + listenKeyPath(market)
	if market == schema.MarketSpot {
		// The fapi endpoint renews the account's active key without a
		// parameter; spot wants the key spelled out.
		path += "?listenKey=" + key
	}
	return a.rest.do(ctx, http.MethodPut, path, header, nil)
}

// SubscribeUserData implements exchange.Streamer: issues a listen key per
// enabled market, opens the user-data sockets and starts the 25-minute
// keep-alive loops. Listen keys expire after 60 minutes without a keep-alive.
func (a *Adapter) SubscribeUserData(ctx context.Context) error {
	if err := a.startUserData(ctx, schema.MarketSpot); err != nil {
		return err
	}
	if a.cfg.HasMarket(schema.MarketFutures) {
		return a.startUserData(ctx, schema.MarketFutures)
	}
	return nil
}

func (a *Adapter) startUserData(ctx context.Context, market schema.MarketType) error {
	a.listenKeyMu.Lock()
	if a.listenKeys[market] != "" {
		a.listenKeyMu.Unlock()
		return nil
	}
	key, err := a.createListenKey(ctx, market)
	if err != nil {
		a.listenKeyMu.Unlock()
		return err
	}
	a.listenKeys[market] = key
	a.listenKeyMu.Unlock()

	if err := a.openUserSocket(ctx, market, key); err != nil {
		return err
	}
	a.wg.Go(func() { a.keepAliveLoop(market) })
	return nil
}

func (a *Adapter) openUserSocket(ctx context.Context, market schema.MarketType, key string) error {
	mgr := stream.New(a.ctx, stream.Config{
		Exchange: exchangeName,
		Market:   market,
		URL:      a.userWSBase(market) + "/" + key,
	}, a.userFrameHandler(market), a.streamNotifier())

	a.streamMu.Lock()
	old := a.userWS[market]
	a.userWS[market] = mgr
	a.streamMu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := mgr.Subscribe(ctx, stream.Subscription{
		Key: schema.SubscriptionKey{Type: schema.SubUserData},
	}); err != nil {
		return err
	}
	return mgr.Start()
}

func (a *Adapter) stopUserData(context.Context) error {
	a.listenKeyMu.Lock()
	a.listenKeys = make(map[schema.MarketType]string)
	a.listenKeyMu.Unlock()
	a.streamMu.Lock()
	managers := a.userWS
	a.userWS = make(map[schema.MarketType]*stream.Manager)
	a.streamMu.Unlock()
	for _, mgr := range managers {
		mgr.Close()
	}
	return nil
}

func (a *Adapter) keepAliveLoop(market schema.MarketType) {
	ticker := time.NewTicker(listenKeyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.listenKeyMu.Lock()
			key := a.listenKeys[market]
			a.listenKeyMu.Unlock()
			if key == "" {
				return
			}
			ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
			err := a.keepAliveListenKey(ctx, market, key)
			cancel()
			if err != nil {
				a.log.Warn("listen key keep-alive failed",
					observability.Field{Key: "exchange", Value: exchangeName},
					observability.Field{Key: "market", Value: string(market)},
					observability.Field{Key: "error", Value: err.Error()})
				a.emit(schema.Event{Type: schema.EventHTTPError, Exchange: exchangeName, Timestamp: time.Now().UTC(), Err: err})
			}
		}
	}
}

// reissueListenKey replaces an expired key and redials the user socket.
func (a *Adapter) reissueListenKey(market schema.MarketType) {
	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()
	key, err := a.createListenKey(ctx, market)
	if err != nil {
		a.emit(schema.Event{Type: schema.EventHTTPError, Exchange: exchangeName, Timestamp: time.Now().UTC(), Err: err})
		return
	}
	a.listenKeyMu.Lock()
	a.listenKeys[market] = key
	a.listenKeyMu.Unlock()
	if err := a.openUserSocket(ctx, market, key); err != nil {
		a.emit(schema.Event{Type: schema.EventWSError, Exchange: exchangeName, Timestamp: time.Now().UTC(), Err: err})
	}
}

func (a *Adapter) userFrameHandler(market schema.MarketType) stream.Handler {
	return func(data []byte) error {
		var tag struct {
			Event string `json:"e"`
		}
		if err := json.Unmarshal(data, &tag); err != nil {
			return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("untagged user frame"), errs.WithCause(err))
		}
		switch tag.Event {
		case "executionReport":
			return a.handleExecutionReport(data)
		case "outboundAccountPosition":
			return a.handleAccountPosition(data)
		case "balanceUpdate":
			// Deposit/withdrawal deltas; the following
			// outboundAccountPosition carries the authoritative totals.
			return nil
		case "ORDER_TRADE_UPDATE":
			return a.handleOrderTradeUpdate(data)
		case "ACCOUNT_UPDATE":
			return a.handleFuturesAccountUpdate(data)
		case "listenKeyExpired":
			a.wg.Go(func() { a.reissueListenKey(market) })
			return nil
		default:
			return nil
		}
	}
}

type executionReport struct {
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	TimeInForce     string `json:"f"`
	Quantity        string `json:"q"`
	Price           string `json:"p"`
	StopPrice       string `json:"P"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	ExecutedQty     string `json:"z"`
	CumulativeQuote string `json:"Z"`
	LastFillQty     string `json:"l"`
	LastFillPrice   string `json:"L"`
	Fee             string `json:"n"`
	FeeAsset        string `json:"N"`
	TradeID         int64  `json:"t"`
	OrderTime       int64  `json:"O"`
	TransactTime    int64  `json:"T"`
	OrigClientID    string `json:"C"` // set on cancels; c holds the cancel's own id
}

func (a *Adapter) handleExecutionReport(data []byte) error {
	var payload executionReport
	if err := json.Unmarshal(data, &payload); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("execution report"), errs.WithCause(err))
	}
	unified, err := a.conv.ToUnified(payload.Symbol, schema.MarketSpot)
	if err != nil {
		return err
	}
	clientID := payload.ClientOrderID
	if payload.OrigClientID != "" {
		clientID = payload.OrigClientID
	}
	order := &schema.Order{
		ID:               formatInt(payload.OrderID),
		ClientOrderID:    clientID,
		Symbol:           unified,
		Exchange:         exchangeName,
		Market:           schema.MarketSpot,
		Side:             fromNativeSide(payload.Side),
		Type:             fromNativeType(payload.OrderType, schema.MarketSpot),
		Status:           toStatus(payload.Status),
		Price:            numeric.ParseOrZero(payload.Price),
		StopPrice:        numeric.ParseOrZero(payload.StopPrice),
		Quantity:         numeric.ParseOrZero(payload.Quantity),
		ExecutedQuantity: numeric.ParseOrZero(payload.ExecutedQty),
		CumulativeQuote:  numeric.ParseOrZero(payload.CumulativeQuote),
		TimeInForce:      schema.TimeInForce(payload.TimeInForce),
		Timestamp:        milliTime(payload.OrderTime),
		UpdateTime:       milliTime(payload.TransactTime),
	}
	if lastQty := numeric.ParseOrZero(payload.LastFillQty); lastQty.Sign() > 0 {
		order.Fills = []schema.Fill{{
			TradeID:  formatInt(payload.TradeID),
			Price:    numeric.ParseOrZero(payload.LastFillPrice),
			Quantity: lastQty,
			Fee:      numeric.ParseOrZero(payload.Fee),
			FeeAsset: payload.FeeAsset,
		}}
	}
	a.emit(schema.Event{
		Type:      schema.EventOrderUpdate,
		Exchange:  exchangeName,
		Market:    schema.MarketSpot,
		Symbol:    unified,
		Timestamp: milliTime(payload.EventTime),
		Order:     order,
	})
	return nil
}

type accountPosition struct {
	EventTime int64 `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

func (a *Adapter) handleAccountPosition(data []byte) error {
	var payload accountPosition
	if err := json.Unmarshal(data, &payload); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("account position"), errs.WithCause(err))
	}
	balances := make([]schema.Balance, 0, len(payload.Balances))
	for _, b := range payload.Balances {
		balances = append(balances, schema.NewBalance(b.Asset, numeric.ParseOrZero(b.Free), numeric.ParseOrZero(b.Locked)))
	}
	a.emit(schema.Event{
		Type:      schema.EventAccountUpdate,
		Exchange:  exchangeName,
		Market:    schema.MarketSpot,
		Timestamp: milliTime(payload.EventTime),
		Balances:  balances,
	})
	return nil
}

type orderTradeUpdate struct {
	EventTime    int64 `json:"E"`
	TransactTime int64 `json:"T"`
	Order        struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		TimeInForce   string `json:"f"`
		Quantity      string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		StopPrice     string `json:"sp"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFillQty   string `json:"l"`
		ExecutedQty   string `json:"z"`
		LastFillPrice string `json:"L"`
		Fee           string `json:"n"`
		FeeAsset      string `json:"N"`
		TradeID       int64  `json:"t"`
	} `json:"o"`
}

// handleOrderTradeUpdate normalizes the futures counterpart of
// executionReport. The frame carries no cumulative quote; it is derived from
// average fill price times executed quantity.
func (a *Adapter) handleOrderTradeUpdate(data []byte) error {
	var payload orderTradeUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("order trade update"), errs.WithCause(err))
	}
	o := payload.Order
	unified, err := a.conv.ToUnified(o.Symbol, schema.MarketFutures)
	if err != nil {
		return err
	}
	executed := numeric.ParseOrZero(o.ExecutedQty)
	avgPrice := numeric.ParseOrZero(o.AvgPrice)
	order := &schema.Order{
		ID:               formatInt(o.OrderID),
		ClientOrderID:    o.ClientOrderID,
		Symbol:           unified,
		Exchange:         exchangeName,
		Market:           schema.MarketFutures,
		Side:             fromNativeSide(o.Side),
		Type:             fromNativeType(o.OrderType, schema.MarketFutures),
		Status:           toStatus(o.Status),
		Price:            numeric.ParseOrZero(o.Price),
		StopPrice:        numeric.ParseOrZero(o.StopPrice),
		Quantity:         numeric.ParseOrZero(o.Quantity),
		ExecutedQuantity: executed,
		CumulativeQuote:  avgPrice.Mul(executed),
		TimeInForce:      schema.TimeInForce(o.TimeInForce),
		Timestamp:        milliTime(payload.TransactTime),
		UpdateTime:       milliTime(payload.TransactTime),
	}
	if lastQty := numeric.ParseOrZero(o.LastFillQty); lastQty.Sign() > 0 {
		order.Fills = []schema.Fill{{
			TradeID:  formatInt(o.TradeID),
			Price:    numeric.ParseOrZero(o.LastFillPrice),
			Quantity: lastQty,
			Fee:      numeric.ParseOrZero(o.Fee),
			FeeAsset: o.FeeAsset,
		}}
	}
	a.emit(schema.Event{
		Type:      schema.EventOrderUpdate,
		Exchange:  exchangeName,
		Market:    schema.MarketFutures,
		Symbol:    unified,
		Timestamp: milliTime(payload.EventTime),
		Order:     order,
	})
	return nil
}

type futuresAccountUpdate struct {
	EventTime int64 `json:"E"`
	Data      struct {
		Balances []struct {
			Asset   string `json:"a"`
			Wallet  string `json:"wb"`
			CrossWB string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol        string `json:"s"`
			PositionAmt   string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPnL string `json:"up"`
		} `json:"P"`
	} `json:"a"`
}

// handleFuturesAccountUpdate emits an account event for the balance deltas
// and a position event for the position deltas carried in one ACCOUNT_UPDATE.
func (a *Adapter) handleFuturesAccountUpdate(data []byte) error {
	var payload futuresAccountUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("futures account update"), errs.WithCause(err))
	}
	ts := milliTime(payload.EventTime)
	if len(payload.Data.Balances) > 0 {
		balances := make([]schema.Balance, 0, len(payload.Data.Balances))
		for _, b := range payload.Data.Balances {
			balances = append(balances, schema.NewBalance(b.Asset, numeric.ParseOrZero(b.Wallet), decimal.Zero))
		}
		a.emit(schema.Event{
			Type:      schema.EventAccountUpdate,
			Exchange:  exchangeName,
			Market:    schema.MarketFutures,
			Timestamp: ts,
			Balances:  balances,
		})
	}
	if len(payload.Data.Positions) == 0 {
		return nil
	}
	positions := make([]schema.Position, 0, len(payload.Data.Positions))
	for _, p := range payload.Data.Positions {
		unified, err := a.conv.ToUnified(p.Symbol, schema.MarketFutures)
		if err != nil {
			continue
		}
		amt := numeric.ParseOrZero(p.PositionAmt)
		side := schema.PositionLong
		if amt.Sign() < 0 {
			side = schema.PositionShort
			amt = amt.Neg()
		}
		positions = append(positions, schema.Position{
			Symbol:        unified,
			Exchange:      exchangeName,
			Side:          side,
			Quantity:      amt,
			EntryPrice:    numeric.ParseOrZero(p.EntryPrice),
			UnrealizedPnL: numeric.ParseOrZero(p.UnrealizedPnL),
			Timestamp:     ts,
		})
	}
	a.emit(schema.Event{
		Type:      schema.EventPositionUpdate,
		Exchange:  exchangeName,
		Market:    schema.MarketFutures,
		Timestamp: ts,
		Positions: positions,
	})
	return nil
}
