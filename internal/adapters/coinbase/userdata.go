package coinbase

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/stream"
)

// userHello builds the authenticated user-channel subscription. It runs on
// every connect so each reconnect carries a fresh short-lived token.
func (a *Adapter) userHello() ([]byte, error) {
	token, err := a.rest.token("", "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsRequest{Type: "subscribe", Channel: "user", JWT: token})
}

// SubscribeUserData implements exchange.Streamer. The user channel only
// accepts JWT authentication, so Exchange-style HMAC credentials are rejected
// here even though they serve REST.
func (a *Adapter) SubscribeUserData(ctx context.Context) error {
	if a.rest.mode != authJWT {
		return errs.New(exchangeName, errs.CodeCredentials,
			errs.WithMessage("user channel requires an EC private key credential"))
	}
	a.streamMu.Lock()
	if a.userOn && a.userWS != nil {
		a.streamMu.Unlock()
		return nil
	}
	mgr := a.newManager(a.wsUser, a.userFrameHandler(), a.userHello)
	a.userWS = mgr
	a.userOn = true
	a.streamMu.Unlock()

	if err := mgr.Subscribe(ctx, stream.Subscription{
		Key: schema.SubscriptionKey{Type: schema.SubUserData},
	}); err != nil {
		return err
	}
	return mgr.Start()
}

func (a *Adapter) stopUserData() error {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	if a.userWS != nil {
		a.userWS.Close()
		a.userWS = nil
	}
	a.userOn = false
	return nil
}

// userOrderRecord is one order snapshot from the user channel.
type userOrderRecord struct {
	OrderID            string    `json:"order_id"`
	ClientOrderID      string    `json:"client_order_id"`
	ProductID          string    `json:"product_id"`
	Status             string    `json:"status"`
	OrderSide          string    `json:"order_side"`
	OrderType          string    `json:"order_type"`
	LimitPrice         string    `json:"limit_price"`
	StopPrice          string    `json:"stop_price"`
	CumulativeQuantity string    `json:"cumulative_quantity"`
	LeavesQuantity     string    `json:"leaves_quantity"`
	AvgPrice           string    `json:"avg_price"`
	TotalFees          string    `json:"total_fees"`
	CreationTime       time.Time `json:"creation_time"`
}

func userOrderType(raw string) schema.OrderType {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "MARKET":
		return schema.OrderTypeMarket
	case "STOP_LIMIT":
		return schema.OrderTypeStopLossLimit
	default:
		return schema.OrderTypeLimit
	}
}

func (a *Adapter) toUserOrder(record userOrderRecord, updated time.Time) (*schema.Order, error) {
	unified, err := a.conv.ToUnified(record.ProductID, schema.MarketSpot)
	if err != nil {
		return nil, err
	}
	executed := numeric.ParseOrZero(record.CumulativeQuantity)
	leaves := numeric.ParseOrZero(record.LeavesQuantity)
	return &schema.Order{
		ID:               record.OrderID,
		ClientOrderID:    record.ClientOrderID,
		Symbol:           unified,
		Exchange:         exchangeName,
		Market:           schema.MarketSpot,
		Side:             toSide(record.OrderSide),
		Type:             userOrderType(record.OrderType),
		Status:           toStatus(record.Status),
		Price:            numeric.ParseOrZero(record.LimitPrice),
		StopPrice:        numeric.ParseOrZero(record.StopPrice),
		Quantity:         executed.Add(leaves),
		ExecutedQuantity: executed,
		CumulativeQuote:  numeric.ParseOrZero(record.AvgPrice).Mul(executed),
		Timestamp:        record.CreationTime,
		UpdateTime:       updated,
	}, nil
}

// userFrameHandler routes user-channel frames. Subscription acks and
// heartbeats pass through silently.
func (a *Adapter) userFrameHandler() stream.Handler {
	return func(data []byte) error {
		var frame wsEnvelope
		if err := json.Unmarshal(data, &frame); err != nil {
			return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("malformed frame"), errs.WithCause(err))
		}
		if frame.Channel != "user" {
			return nil
		}
		var events []struct {
			Orders []userOrderRecord `json:"orders"`
		}
		if err := json.Unmarshal(frame.Events, &events); err != nil {
			return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("user events"), errs.WithCause(err))
		}
		for _, event := range events {
			for _, record := range event.Orders {
				order, err := a.toUserOrder(record, frame.Timestamp)
				if err != nil {
					continue
				}
				a.emit(schema.Event{
					Type:      schema.EventOrderUpdate,
					Exchange:  exchangeName,
					Market:    schema.MarketSpot,
					Symbol:    order.Symbol,
					Timestamp: frame.Timestamp,
					Order:     order,
				})
			}
		}
		return nil
	}
}
