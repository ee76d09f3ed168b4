package okx

import (
	"strings"
	"time"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
)

// statusTable maps OKX order states onto the unified lifecycle.
var statusTable = map[string]schema.OrderStatus{
	"live":             schema.OrderStatusNew,
	"partially_filled": schema.OrderStatusPartiallyFilled,
	"filled":           schema.OrderStatusFilled,
	"canceled":         schema.OrderStatusCanceled,
	"mmp_canceled":     schema.OrderStatusCanceled,
}

func toStatus(raw string) schema.OrderStatus {
	if status, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status
	}
	return schema.OrderStatusNew
}

// Conditional orders route through OKX's separate algo-order endpoints, which
// this adapter does not cover.
func toNativeType(t schema.OrderType) (string, error) {
	switch t {
	case schema.OrderTypeMarket:
		return "market", nil
	case schema.OrderTypeLimit:
		return "limit", nil
	default:
		return "", errs.NotSupported(exchangeName, "order type "+string(t)+" requires algo orders")
	}
}

func fromNativeType(raw string) schema.OrderType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "market":
		return schema.OrderTypeMarket
	default:
		// post_only, fok and ioc are limit orders with execution flags.
		return schema.OrderTypeLimit
	}
}

func fromNativeSide(raw string) schema.Side {
	if strings.EqualFold(strings.TrimSpace(raw), "sell") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func milliTime(raw string) time.Time {
	d, ok := numeric.Parse(raw)
	if !ok {
		return time.Time{}
	}
	ms := d.IntPart()
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type orderRecord struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	OrdType   string `json:"ordType"`
	Side      string `json:"side"`
	State     string `json:"state"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	FillPx    string `json:"fillPx"`
	FillSz    string `json:"fillSz"`
	TradeID   string `json:"tradeId"`
	Fee       string `json:"fee"`
	FeeCcy    string `json:"feeCcy"`
	CTime     string `json:"cTime"`
	UTime     string `json:"uTime"`
}

func (a *Adapter) toOrder(record orderRecord, market schema.MarketType) (*schema.Order, error) {
	unified, err := a.conv.ToUnified(record.InstID, market)
	if err != nil {
		return nil, err
	}
	filled := numeric.ParseOrZero(record.AccFillSz)
	avgPx := numeric.ParseOrZero(record.AvgPx)
	order := &schema.Order{
		ID:               record.OrdID,
		ClientOrderID:    record.ClOrdID,
		Symbol:           unified,
		Exchange:         exchangeName,
		Market:           market,
		Side:             fromNativeSide(record.Side),
		Type:             fromNativeType(record.OrdType),
		Status:           toStatus(record.State),
		Price:            numeric.ParseOrZero(record.Px),
		Quantity:         numeric.ParseOrZero(record.Sz),
		ExecutedQuantity: filled,
		CumulativeQuote:  avgPx.Mul(filled),
		Timestamp:        milliTime(record.CTime),
		UpdateTime:       milliTime(record.UTime),
	}
	if fillSz := numeric.ParseOrZero(record.FillSz); fillSz.Sign() > 0 {
		order.Fills = []schema.Fill{{
			TradeID:  record.TradeID,
			Price:    numeric.ParseOrZero(record.FillPx),
			Quantity: fillSz,
			Fee:      numeric.ParseOrZero(record.Fee).Abs(),
			FeeAsset: record.FeeCcy,
		}}
	}
	return order, nil
}

type positionRecord struct {
	InstID   string `json:"instId"`
	PosSide  string `json:"posSide"`
	Pos      string `json:"pos"`
	AvgPx    string `json:"avgPx"`
	MarkPx   string `json:"markPx"`
	Last     string `json:"last"`
	Upl      string `json:"upl"`
	Lever    string `json:"lever"`
	UTime    string `json:"uTime"`
	MgnMode  string `json:"mgnMode"`
	InstType string `json:"instType"`
}

// toPosition normalizes one position record. In net mode a negative pos means
// short; quantity is always emitted as a magnitude. A missing upl is derived
// from the entry and mark (falling back to last) prices.
func (a *Adapter) toPosition(record positionRecord) (*schema.Position, error) {
	qty := numeric.ParseOrZero(record.Pos)
	if qty.Sign() == 0 {
		return nil, nil
	}
	unified, err := a.conv.ToUnified(record.InstID, schema.MarketFutures)
	if err != nil {
		return nil, err
	}
	side := schema.PositionLong
	if strings.EqualFold(record.PosSide, "short") || qty.Sign() < 0 {
		side = schema.PositionShort
	}
	qty = qty.Abs()

	entry := numeric.ParseOrZero(record.AvgPx)
	mark := numeric.ParseOrZero(record.MarkPx)
	if mark.Sign() == 0 {
		mark = numeric.ParseOrZero(record.Last)
	}
	upl, ok := numeric.Parse(record.Upl)
	if !ok {
		diff := mark.Sub(entry)
		if side == schema.PositionShort {
			diff = entry.Sub(mark)
		}
		upl = diff.Mul(qty)
	}
	return &schema.Position{
		Symbol:        unified,
		Exchange:      exchangeName,
		Side:          side,
		Quantity:      qty,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: upl,
		Leverage:      numeric.ParseOrZero(record.Lever),
		Timestamp:     milliTime(record.UTime),
	}, nil
}

type balanceDetail struct {
	Ccy       string `json:"ccy"`
	AvailBal  string `json:"availBal"`
	FrozenBal string `json:"frozenBal"`
	Eq        string `json:"eq"`
}

func toBalance(detail balanceDetail) schema.Balance {
	free := numeric.ParseOrZero(detail.AvailBal)
	locked := numeric.ParseOrZero(detail.FrozenBal)
	if free.Sign() == 0 && locked.Sign() == 0 {
		if eq := numeric.ParseOrZero(detail.Eq); eq.Sign() != 0 {
			free = eq
		}
	}
	return schema.NewBalance(detail.Ccy, free, locked)
}

func tradeMode(opts schema.OrderOptions, market schema.MarketType) string {
	if market == schema.MarketSpot {
		return "cash"
	}
	switch opts.TradeMode {
	case schema.TradeModeIsolated:
		return "isolated"
	default:
		return "cross"
	}
}
