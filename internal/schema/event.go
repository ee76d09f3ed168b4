package schema

import "time"

// EventType identifies the payload carried by an Event.
type EventType string

const (
	// EventTicker carries a Ticker payload.
	EventTicker EventType = "ticker"
	// EventOrderBook carries an OrderBook payload.
	EventOrderBook EventType = "orderbook"
	// EventTrade carries a Trade payload.
	EventTrade EventType = "trade"
	// EventKline carries a Kline payload.
	EventKline EventType = "kline"
	// EventOrderUpdate carries an Order payload from the user-data stream.
	EventOrderUpdate EventType = "order_update"
	// EventAccountUpdate carries a Balances payload.
	EventAccountUpdate EventType = "account_update"
	// EventPositionUpdate carries a Positions payload.
	EventPositionUpdate EventType = "position_update"

	// EventConnected fires after a successful REST connectivity probe.
	EventConnected EventType = "connected"
	// EventDisconnected fires on deliberate adapter shutdown.
	EventDisconnected EventType = "disconnected"
	// EventWSConnected fires when a websocket transitions to connected.
	EventWSConnected EventType = "ws_connected"
	// EventWSDisconnected fires when a websocket drops abnormally.
	EventWSDisconnected EventType = "ws_disconnected"
	// EventWSError carries an asynchronous websocket error.
	EventWSError EventType = "ws_error"
	// EventHTTPError carries an exchange-reported REST failure observed on a
	// background task.
	EventHTTPError EventType = "http_error"
	// EventNetworkError carries transport-level failures.
	EventNetworkError EventType = "network_error"
	// EventMaxReconnectReached is terminal: the reconnect cap was exhausted
	// and no further retry is scheduled.
	EventMaxReconnectReached EventType = "max_reconnect_reached"
)

// Event is the tagged union delivered to event consumers. Exactly the payload
// named by Type is populated; lifecycle events may carry only Err.
type Event struct {
	Type      EventType  `json:"type"`
	Exchange  string     `json:"exchange"`
	Market    MarketType `json:"market,omitempty"`
	Symbol    string     `json:"symbol,omitempty"`
	Timestamp time.Time  `json:"timestamp"`

	Ticker    *Ticker    `json:"ticker,omitempty"`
	OrderBook *OrderBook `json:"orderbook,omitempty"`
	Trade     *Trade     `json:"trade,omitempty"`
	Kline     *Kline     `json:"kline,omitempty"`
	Order     *Order     `json:"order,omitempty"`
	Balances  []Balance  `json:"balances,omitempty"`
	Positions []Position `json:"positions,omitempty"`

	Err error `json:"-"`
}

// Lifecycle reports whether the event is a connection notification rather
// than market or account data.
func (e Event) Lifecycle() bool {
	switch e.Type {
	case EventConnected, EventDisconnected, EventWSConnected, EventWSDisconnected,
		EventWSError, EventHTTPError, EventNetworkError, EventMaxReconnectReached:
		return true
	default:
		return false
	}
}

// SubscriptionType identifies a streaming data category.
type SubscriptionType string

const (
	// SubTicker subscribes to ticker updates.
	SubTicker SubscriptionType = "ticker"
	// SubOrderBook subscribes to order book updates.
	SubOrderBook SubscriptionType = "orderbook"
	// SubTrades subscribes to public trades.
	SubTrades SubscriptionType = "trades"
	// SubKlines subscribes to candlesticks.
	SubKlines SubscriptionType = "klines"
	// SubUserData subscribes to the authenticated user-data stream.
	SubUserData SubscriptionType = "user_data"
)

// SubscriptionKey identifies one logical stream subscription. The connectivity
// layer tracks one underlying subscription per key; fan-out to multiple
// consumers happens at event emission.
type SubscriptionKey struct {
	Type   SubscriptionType
	Symbol string
}

// String renders the key in "type:symbol" form for logging.
func (k SubscriptionKey) String() string {
	if k.Symbol == "" {
		return string(k.Type)
	}
	return string(k.Type) + ":" + k.Symbol
}
