package coinbase

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
)

// statusTable maps Advanced Trade order statuses onto the unified lifecycle.
// Queued states collapse into their target state; unknown statuses map to NEW
// so no update is ever dropped.
var statusTable = map[string]schema.OrderStatus{
	"PENDING":       schema.OrderStatusNew,
	"OPEN":          schema.OrderStatusNew,
	"QUEUED":        schema.OrderStatusNew,
	"FILLED":        schema.OrderStatusFilled,
	"CANCELLED":     schema.OrderStatusCanceled,
	"CANCEL_QUEUED": schema.OrderStatusCanceled,
	"EXPIRED":       schema.OrderStatusExpired,
	"FAILED":        schema.OrderStatusRejected,
}

func toStatus(raw string) schema.OrderStatus {
	if status, ok := statusTable[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return status
	}
	return schema.OrderStatusNew
}

// unixTime parses an epoch-seconds string, tolerating garbage as time zero.
func unixTime(raw string) time.Time {
	sec, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func toSide(raw string) schema.Side {
	if strings.EqualFold(raw, "SELL") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func fromSide(side schema.Side) string {
	if side == schema.SideSell {
		return "SELL"
	}
	return "BUY"
}

// granularityTable maps unified kline intervals onto Advanced Trade candle
// granularity enums.
var granularityTable = map[string]string{
	"1m":  "ONE_MINUTE",
	"5m":  "FIVE_MINUTE",
	"15m": "FIFTEEN_MINUTE",
	"30m": "THIRTY_MINUTE",
	"1h":  "ONE_HOUR",
	"2h":  "TWO_HOUR",
	"6h":  "SIX_HOUR",
	"1d":  "ONE_DAY",
}

var granularityDuration = map[string]time.Duration{
	"1m": time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute,
	"30m": 30 * time.Minute, "1h": time.Hour, "2h": 2 * time.Hour,
	"6h": 6 * time.Hour, "1d": 24 * time.Hour,
}

func toGranularity(interval string) (string, time.Duration, error) {
	if interval == "" {
		interval = "1m"
	}
	granularity, ok := granularityTable[interval]
	if !ok {
		return "", 0, errs.NotSupported(exchangeName, "kline interval "+interval)
	}
	return granularity, granularityDuration[interval], nil
}

// limitConfig and friends mirror the Advanced Trade order_configuration
// union; exactly one member is populated per order.
type limitConfig struct {
	BaseSize   string `json:"base_size,omitempty"`
	LimitPrice string `json:"limit_price,omitempty"`
	PostOnly   bool   `json:"post_only,omitempty"`
}

type marketConfig struct {
	BaseSize  string `json:"base_size,omitempty"`
	QuoteSize string `json:"quote_size,omitempty"`
}

type stopLimitConfig struct {
	BaseSize      string `json:"base_size,omitempty"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	StopDirection string `json:"stop_direction,omitempty"`
}

type orderConfiguration struct {
	MarketIOC    *marketConfig    `json:"market_market_ioc,omitempty"`
	SorLimitIOC  *limitConfig     `json:"sor_limit_ioc,omitempty"`
	LimitGTC     *limitConfig     `json:"limit_limit_gtc,omitempty"`
	LimitFOK     *limitConfig     `json:"limit_limit_fok,omitempty"`
	StopLimitGTC *stopLimitConfig `json:"stop_limit_stop_limit_gtc,omitempty"`
}

// shape flattens whichever configuration member is set.
func (c orderConfiguration) shape() (typ schema.OrderType, tif schema.TimeInForce, qty, price, stop decimal.Decimal) {
	switch {
	case c.MarketIOC != nil:
		return schema.OrderTypeMarket, schema.TimeInForceIOC,
			numeric.ParseOrZero(c.MarketIOC.BaseSize), decimal.Zero, decimal.Zero
	case c.SorLimitIOC != nil:
		return schema.OrderTypeLimit, schema.TimeInForceIOC,
			numeric.ParseOrZero(c.SorLimitIOC.BaseSize), numeric.ParseOrZero(c.SorLimitIOC.LimitPrice), decimal.Zero
	case c.LimitFOK != nil:
		return schema.OrderTypeLimit, schema.TimeInForceFOK,
			numeric.ParseOrZero(c.LimitFOK.BaseSize), numeric.ParseOrZero(c.LimitFOK.LimitPrice), decimal.Zero
	case c.StopLimitGTC != nil:
		typ = schema.OrderTypeStopLossLimit
		if c.StopLimitGTC.StopDirection == "STOP_DIRECTION_STOP_UP" {
			typ = schema.OrderTypeTakeProfitLimit
		}
		return typ, schema.TimeInForceGTC,
			numeric.ParseOrZero(c.StopLimitGTC.BaseSize),
			numeric.ParseOrZero(c.StopLimitGTC.LimitPrice),
			numeric.ParseOrZero(c.StopLimitGTC.StopPrice)
	case c.LimitGTC != nil:
		return schema.OrderTypeLimit, schema.TimeInForceGTC,
			numeric.ParseOrZero(c.LimitGTC.BaseSize), numeric.ParseOrZero(c.LimitGTC.LimitPrice), decimal.Zero
	default:
		return schema.OrderTypeLimit, "", decimal.Zero, decimal.Zero, decimal.Zero
	}
}

// orderPayload is the REST representation of an order.
type orderPayload struct {
	OrderID            string             `json:"order_id"`
	ClientOrderID      string             `json:"client_order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	Status             string             `json:"status"`
	Config             orderConfiguration `json:"order_configuration"`
	FilledSize         string             `json:"filled_size"`
	AverageFilledPrice string             `json:"average_filled_price"`
	FilledValue        string             `json:"filled_value"`
	TotalFees          string             `json:"total_fees"`
	CreatedTime        time.Time          `json:"created_time"`
	LastFillTime       time.Time          `json:"last_fill_time"`
}

func (a *Adapter) toOrder(payload orderPayload) (*schema.Order, error) {
	unified, err := a.conv.ToUnified(payload.ProductID, schema.MarketSpot)
	if err != nil {
		return nil, err
	}
	typ, tif, qty, price, stop := payload.Config.shape()
	executed := numeric.ParseOrZero(payload.FilledSize)
	cumQuote := numeric.ParseOrZero(payload.FilledValue)
	if cumQuote.IsZero() {
		cumQuote = numeric.ParseOrZero(payload.AverageFilledPrice).Mul(executed)
	}
	update := payload.LastFillTime
	if update.IsZero() {
		update = payload.CreatedTime
	}
	return &schema.Order{
		ID:               payload.OrderID,
		ClientOrderID:    payload.ClientOrderID,
		Symbol:           unified,
		Exchange:         exchangeName,
		Market:           schema.MarketSpot,
		Side:             toSide(payload.Side),
		Type:             typ,
		Status:           toStatus(payload.Status),
		Price:            price,
		StopPrice:        stop,
		Quantity:         qty,
		ExecutedQuantity: executed,
		CumulativeQuote:  cumQuote,
		TimeInForce:      tif,
		Timestamp:        payload.CreatedTime,
		UpdateTime:       update,
	}, nil
}

// productPayload is the REST representation of a tradable product.
type productPayload struct {
	ProductID       string `json:"product_id"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
	BaseIncrement   string `json:"base_increment"`
	QuoteIncrement  string `json:"quote_increment"`
	BaseMinSize     string `json:"base_min_size"`
	BaseMaxSize     string `json:"base_max_size"`
	QuoteMinSize    string `json:"quote_min_size"`
}

func (a *Adapter) toSymbolInfo(payload productPayload) (*schema.SymbolInfo, error) {
	unified, err := a.conv.ToUnified(payload.ProductID, schema.MarketSpot)
	if err != nil {
		return nil, err
	}
	return &schema.SymbolInfo{
		Symbol:         unified,
		Exchange:       exchangeName,
		Market:         schema.MarketSpot,
		BasePrecision:  numeric.ScaleFromStep(payload.BaseIncrement),
		QuotePrecision: numeric.ScaleFromStep(payload.QuoteIncrement),
		MinQuantity:    numeric.ParseOrZero(payload.BaseMinSize),
		MaxQuantity:    numeric.ParseOrZero(payload.BaseMaxSize),
		StepSize:       numeric.ParseOrZero(payload.BaseIncrement),
		TickSize:       numeric.ParseOrZero(payload.QuoteIncrement),
		MinNotional:    numeric.ParseOrZero(payload.QuoteMinSize),
		Trading:        strings.EqualFold(payload.Status, "online") && !payload.TradingDisabled,
	}, nil
}
