package binance

import (
	"strconv"
	"strings"
	"time"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
)

// statusTable maps Binance order statuses onto the unified lifecycle.
// PENDING_CANCEL folds into CANCELED and EXPIRED_IN_MATCH into EXPIRED.
var statusTable = map[string]schema.OrderStatus{
	"NEW":              schema.OrderStatusNew,
	"PARTIALLY_FILLED": schema.OrderStatusPartiallyFilled,
	"FILLED":           schema.OrderStatusFilled,
	"CANCELED":         schema.OrderStatusCanceled,
	"PENDING_CANCEL":   schema.OrderStatusCanceled,
	"REJECTED":         schema.OrderStatusRejected,
	"EXPIRED":          schema.OrderStatusExpired,
	"EXPIRED_IN_MATCH": schema.OrderStatusExpired,
}

// toStatus converts a raw status; unknown values map to NEW so late additions
// to the venue's lifecycle never drop updates.
func toStatus(raw string) schema.OrderStatus {
	if status, ok := statusTable[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return status
	}
	return schema.OrderStatusNew
}

var spotTypeToNative = map[schema.OrderType]string{
	schema.OrderTypeMarket:          "MARKET",
	schema.OrderTypeLimit:           "LIMIT",
	schema.OrderTypeStopLoss:        "STOP_LOSS",
	schema.OrderTypeStopLossLimit:   "STOP_LOSS_LIMIT",
	schema.OrderTypeTakeProfit:      "TAKE_PROFIT",
	schema.OrderTypeTakeProfitLimit: "TAKE_PROFIT_LIMIT",
}

// The USDⓈ-M futures API spells conditional types differently from spot.
var futuresTypeToNative = map[schema.OrderType]string{
	schema.OrderTypeMarket:          "MARKET",
	schema.OrderTypeLimit:           "LIMIT",
	schema.OrderTypeStopLoss:        "STOP_MARKET",
	schema.OrderTypeStopLossLimit:   "STOP",
	schema.OrderTypeTakeProfit:      "TAKE_PROFIT_MARKET",
	schema.OrderTypeTakeProfitLimit: "TAKE_PROFIT",
}

func toNativeType(t schema.OrderType, market schema.MarketType) (string, error) {
	table := spotTypeToNative
	if market == schema.MarketFutures {
		table = futuresTypeToNative
	}
	if native, ok := table[t]; ok {
		return native, nil
	}
	return "", errs.New(exchangeName, errs.CodeNotSupported, errs.WithMessage("order type "+string(t)))
}

func fromNativeType(raw string, market schema.MarketType) schema.OrderType {
	table := spotTypeToNative
	if market == schema.MarketFutures {
		table = futuresTypeToNative
	}
	upper := strings.ToUpper(strings.TrimSpace(raw))
	for unified, native := range table {
		if native == upper {
			return unified
		}
	}
	// LIMIT_MAKER and other exotics degrade to limit semantics.
	return schema.OrderTypeLimit
}

func toNativeSide(side schema.Side) string {
	return strings.ToUpper(string(side))
}

func fromNativeSide(raw string) schema.Side {
	if strings.EqualFold(strings.TrimSpace(raw), "SELL") {
		return schema.SideSell
	}
	return schema.SideBuy
}

type fillPayload struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         int64  `json:"tradeId"`
}

type orderPayload struct {
	Symbol        string        `json:"symbol"`
	OrderID       int64         `json:"orderId"`
	ClientOrderID string        `json:"clientOrderId"`
	Price         string        `json:"price"`
	StopPrice     string        `json:"stopPrice"`
	OrigQty       string        `json:"origQty"`
	ExecutedQty   string        `json:"executedQty"`
	CumQuoteSpot  string        `json:"cummulativeQuoteQty"`
	CumQuote      string        `json:"cumQuote"` // futures spelling
	Status        string        `json:"status"`
	TimeInForce   string        `json:"timeInForce"`
	Type          string        `json:"type"`
	Side          string        `json:"side"`
	Time          int64         `json:"time"`
	TransactTime  int64         `json:"transactTime"`
	UpdateTime    int64         `json:"updateTime"`
	Fills         []fillPayload `json:"fills"`
}

func (a *Adapter) toOrder(payload orderPayload, market schema.MarketType) (*schema.Order, error) {
	unified, err := a.conv.ToUnified(payload.Symbol, market)
	if err != nil {
		return nil, err
	}
	cumQuote := payload.CumQuoteSpot
	if cumQuote == "" {
		cumQuote = payload.CumQuote
	}
	created := payload.Time
	if created == 0 {
		created = payload.TransactTime
	}
	updated := payload.UpdateTime
	if updated == 0 {
		updated = created
	}
	order := &schema.Order{
		ID:               formatInt(payload.OrderID),
		ClientOrderID:    payload.ClientOrderID,
		Symbol:           unified,
		Exchange:         exchangeName,
		Market:           market,
		Side:             fromNativeSide(payload.Side),
		Type:             fromNativeType(payload.Type, market),
		Status:           toStatus(payload.Status),
		Price:            numeric.ParseOrZero(payload.Price),
		StopPrice:        numeric.ParseOrZero(payload.StopPrice),
		Quantity:         numeric.ParseOrZero(payload.OrigQty),
		ExecutedQuantity: numeric.ParseOrZero(payload.ExecutedQty),
		CumulativeQuote:  numeric.ParseOrZero(cumQuote),
		TimeInForce:      schema.TimeInForce(strings.ToUpper(payload.TimeInForce)),
		Timestamp:        milliTime(created),
		UpdateTime:       milliTime(updated),
	}
	for _, fill := range payload.Fills {
		order.Fills = append(order.Fills, schema.Fill{
			TradeID:  formatInt(fill.TradeID),
			Price:    numeric.ParseOrZero(fill.Price),
			Quantity: numeric.ParseOrZero(fill.Qty),
			Fee:      numeric.ParseOrZero(fill.Commission),
			FeeAsset: fill.CommissionAsset,
		})
	}
	return order, nil
}

func milliTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func formatInt(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}
