package okx

import (
	"context"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/observability"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/sign"
	"github.com/openalgo/exio/internal/stream"
)

// loginVerifyPath is the fixed path OKX signs socket logins against; it is
// not a real REST endpoint.
const loginVerifyPath = "/users/self/verify"

type loginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

type loginOp struct {
	Op   string     `json:"op"`
	Args []loginArg `json:"args"`
}

// loginFrame builds the private-socket login op. The signature is the
// header-HMAC scheme applied with an epoch-seconds timestamp over
// GET /users/self/verify.
func (a *Adapter) loginFrame() ([]byte, error) {
	creds := a.cfg.Credentials
	if creds.APIKey == "" || creds.SecretKey == "" || creds.Passphrase == "" {
		return nil, errs.New(exchangeName, errs.CodeCredentials, errs.WithMessage("api key, secret and passphrase required for private stream"))
	}
	signer := sign.HeaderHMAC{
		Key:        creds.APIKey,
		Secret:     creds.SecretKey,
		Passphrase: creds.Passphrase,
		Encoding:   sign.TimestampUnixSeconds,
	}
	now := time.Now().UTC()
	signature, err := signer.Signature("GET", loginVerifyPath, "", now)
	if err != nil {
		return nil, err
	}
	return json.Marshal(loginOp{Op: "login", Args: []loginArg{{
		APIKey:     creds.APIKey,
		Passphrase: creds.Passphrase,
		Timestamp:  strconv.FormatInt(now.Unix(), 10),
		Sign:       signature,
	}}})
}

// SubscribeUserData implements exchange.Streamer: opens the private socket,
// logs in, and subscribes the orders, account and positions channels once the
// venue acknowledges the login. Channel subscriptions are re-sent after every
// reconnect because each new socket logs in from scratch.
func (a *Adapter) SubscribeUserData(ctx context.Context) error {
	if _, err := a.loginFrame(); err != nil {
		return err
	}
	a.streamMu.Lock()
	if a.privateWS != nil {
		a.streamMu.Unlock()
		return nil
	}
	mgr := a.newManager(a.wsPrivate, a.privateFrameHandler(), a.loginFrame)
	a.privateWS = mgr
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
	mgr := a.privateWS
	a.privateWS = nil
	a.streamMu.Unlock()
	a.loggedIn.Store(false)
	if mgr != nil {
		mgr.Close()
	}
	return nil
}

// subscribePrivateChannels is sent after each successful login ack.
func (a *Adapter) subscribePrivateChannels() {
	a.streamMu.Lock()
	mgr := a.privateWS
	a.streamMu.Unlock()
	if mgr == nil {
		return
	}
	args := []wsArg{
		{Channel: "orders", InstType: "ANY"},
		{Channel: "account"},
	}
	if a.cfg.HasMarket(schema.MarketFutures) {
		args = append(args, wsArg{Channel: "positions", InstType: "ANY"})
	}
	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()
	for _, arg := range args {
		if err := mgr.Send(ctx, opFrame("subscribe", arg)); err != nil {
			a.log.Warn("private channel subscribe failed",
				observability.Field{Key: "exchange", Value: exchangeName},
				observability.Field{Key: "channel", Value: arg.Channel},
				observability.Field{Key: "error", Value: err.Error()})
			a.emit(schema.Event{Type: schema.EventWSError, Exchange: exchangeName, Timestamp: time.Now().UTC(), Err: err})
			return
		}
	}
}

func (a *Adapter) privateFrameHandler() stream.Handler {
	return func(data []byte) error {
		if len(data) == 4 && string(data) == "pong" {
			return nil
		}
		var frame struct {
			Event string          `json:"event"`
			Code  string          `json:"code"`
			Msg   string          `json:"msg"`
			Arg   wsArg           `json:"arg"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("malformed private frame"), errs.WithCause(err))
		}
		switch frame.Event {
		case "login":
			if frame.Code != "" && frame.Code != "0" {
				a.loggedIn.Store(false)
				return mapCode(frame.Code, frame.Msg, 0)
			}
			a.loggedIn.Store(true)
			a.wg.Go(a.subscribePrivateChannels)
			return nil
		case "error":
			return mapCode(frame.Code, frame.Msg, 0)
		case "subscribe", "":
		default:
			return nil
		}
		if len(frame.Data) == 0 {
			return nil
		}
		switch frame.Arg.Channel {
		case "orders":
			return a.handleOrdersData(frame.Data)
		case "account":
			return a.handleAccountData(frame.Data)
		case "positions":
			return a.handlePositionsData(frame.Data)
		default:
			return nil
		}
	}
}

func (a *Adapter) handleOrdersData(data json.RawMessage) error {
	var records []orderRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("orders data"), errs.WithCause(err))
	}
	for _, record := range records {
		market := marketOfInstID(record.InstID)
		order, err := a.toOrder(record, market)
		if err != nil {
			continue
		}
		a.emit(schema.Event{
			Type:      schema.EventOrderUpdate,
			Exchange:  exchangeName,
			Market:    market,
			Symbol:    order.Symbol,
			Timestamp: order.UpdateTime,
			Order:     order,
		})
	}
	return nil
}

func (a *Adapter) handleAccountData(data json.RawMessage) error {
	var records []balanceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("account data"), errs.WithCause(err))
	}
	for _, record := range records {
		balances := make([]schema.Balance, 0, len(record.Details))
		for _, detail := range record.Details {
			balances = append(balances, toBalance(detail))
		}
		a.emit(schema.Event{
			Type:      schema.EventAccountUpdate,
			Exchange:  exchangeName,
			Timestamp: milliTime(record.UTime),
			Balances:  balances,
		})
	}
	return nil
}

func (a *Adapter) handlePositionsData(data json.RawMessage) error {
	var records []positionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("positions data"), errs.WithCause(err))
	}
	var positions []schema.Position
	for _, record := range records {
		position, err := a.toPosition(record)
		if err != nil || position == nil {
			continue
		}
		positions = append(positions, *position)
	}
	if len(positions) == 0 {
		return nil
	}
	a.emit(schema.Event{
		Type:      schema.EventPositionUpdate,
		Exchange:  exchangeName,
		Market:    schema.MarketFutures,
		Timestamp: time.Now().UTC(),
		Positions: positions,
	})
	return nil
}
