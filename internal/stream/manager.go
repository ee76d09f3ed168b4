// Package stream implements the websocket connection manager shared by all
// exchange adapters: one manager per (exchange, market type), owning the
// socket, the active-subscription set, reconnection with exponential backoff
// and subscription replay after reconnect.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/openalgo/exio/internal/observability"
	"github.com/openalgo/exio/internal/schema"
)

// State enumerates the connection lifecycle.
type State int32

const (
	// StateDisconnected is the initial and post-close state.
	StateDisconnected State = iota
	// StateConnecting covers the dial window.
	StateConnecting
	// StateConnected means the read loop is live.
	StateConnected
	// StateReconnectScheduled means a backoff timer is pending.
	StateReconnectScheduled
	// StateExhausted is terminal: the reconnect cap was reached.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	case StateExhausted:
		return "exhausted"
	default:
		return "disconnected"
	}
}

// Conn is the minimal socket surface the manager needs. The production
// implementation wraps coder/websocket; tests substitute scripted fakes.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a connection to the configured URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

func defaultDialer(readLimit int64) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		if readLimit > 0 {
			conn.SetReadLimit(readLimit)
		}
		return &wsConn{conn: conn}, nil
	}
}

// Subscription pairs a logical stream key with the exchange-specific frames
// that open and close it. The manager replays SubscribeFrame after every
// reconnect.
type Subscription struct {
	Key              schema.SubscriptionKey
	SubscribeFrame   []byte
	UnsubscribeFrame []byte
}

// Config tunes one connection manager instance.
type Config struct {
	Exchange string
	Market   schema.MarketType
	URL      string

	DialTimeout          time.Duration // bounded wait for establishment, default 10s
	BaseDelay            time.Duration // first reconnect delay, default 500ms
	MaxDelay             time.Duration // reconnect delay cap, default 20s
	MaxReconnectAttempts int           // default 10; exceeding is terminal

	// PingInterval enables client-initiated heartbeats; zero disables them.
	PingInterval time.Duration
	PingFrame    []byte

	// ControlInterval paces subscribe/unsubscribe/ping writes. Exchanges
	// throttle control frames per connection.
	ControlInterval time.Duration

	// Hello builds a frame sent immediately after every (re)connect, before
	// subscription replay. Venues with socket-level authentication build
	// their login frame here so the timestamp signature stays fresh.
	Hello func() ([]byte, error)

	ReadLimit int64
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 20 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ControlInterval <= 0 {
		c.ControlInterval = 250 * time.Millisecond
	}
}

// Handler consumes raw frames read from the socket. Handler errors are
// reported as events, never allowed to kill the read loop.
type Handler func(data []byte) error

// Notifier receives lifecycle events (ws_connected, ws_disconnected,
// ws_error, max_reconnect_reached).
type Notifier func(evt schema.Event)

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithDialer overrides the socket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithLogger overrides the manager logger.
func WithLogger(log observability.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithSleeper overrides the reconnect wait, used by tests to observe delays.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// Manager owns one websocket connection and its subscription set.
type Manager struct {
	cfg     Config
	dial    Dialer
	handler Handler
	notify  Notifier
	log     observability.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	connMu sync.RWMutex
	conn   Conn

	subsMu sync.Mutex
	subs   map[schema.SubscriptionKey]Subscription

	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	closed  atomic.Bool
	done    chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

// New constructs a manager; the socket is dialed lazily on the first
// subscription (or an explicit Start).
func New(ctx context.Context, cfg Config, handler Handler, notify Notifier, opts ...Option) *Manager {
	cfg.applyDefaults()
	managerCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		cfg:     cfg,
		handler: handler,
		notify:  notify,
		log:     observability.Log(),
		ctx:     managerCtx,
		cancel:  cancel,
		subs:    make(map[schema.SubscriptionKey]Subscription),
		limiter: rate.NewLimiter(rate.Every(cfg.ControlInterval), 1),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
	}
	m.dial = defaultDialer(cfg.ReadLimit)
	m.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State reports the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Connected reports whether the read loop is live.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// SubscriptionKeys snapshots the active subscription set.
func (m *Manager) SubscriptionKeys() []schema.SubscriptionKey {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	keys := make([]schema.SubscriptionKey, 0, len(m.subs))
	for key := range m.subs {
		keys = append(keys, key)
	}
	return keys
}

// Start dials the socket and blocks until the first connection is live or the
// dial window expires.
func (m *Manager) Start() error {
	if m.closed.Load() {
		return errors.New("stream manager closed")
	}
	m.ensureRunLoop()
	select {
	case <-m.ready:
		return nil
	case <-time.After(m.cfg.DialTimeout):
		return fmt.Errorf("timeout waiting for %s %s websocket", m.cfg.Exchange, m.cfg.Market)
	case <-m.ctx.Done():
		return fmt.Errorf("stream manager context done: %w", m.ctx.Err())
	}
}

// Close shuts the connection down deliberately. Normal closure never triggers
// the reconnect path.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.cancel()
	m.connMu.Lock()
	if m.conn != nil {
		_ = m.conn.Close(websocket.StatusNormalClosure, "shutdown")
		m.conn = nil
	}
	m.connMu.Unlock()
	m.state.Store(int32(StateDisconnected))
}

// Done is closed when the run loop exits (deliberate close or exhaustion).
func (m *Manager) Done() <-chan struct{} { return m.done }

// Subscribe records the subscription and sends its frame. When the manager is
// disconnected the dial starts as a side effect and the frame is delivered by
// the post-connect replay. Duplicate keys are no-ops.
func (m *Manager) Subscribe(ctx context.Context, sub Subscription) error {
	if m.closed.Load() {
		return errors.New("stream manager closed")
	}
	m.subsMu.Lock()
	_, exists := m.subs[sub.Key]
	if !exists {
		m.subs[sub.Key] = sub
	}
	m.subsMu.Unlock()
	if exists {
		return nil
	}

	m.ensureRunLoop()

	if !m.Connected() {
		// The connect path replays the full set once the socket opens.
		return nil
	}
	return m.writeControl(ctx, sub.SubscribeFrame)
}

// Unsubscribe removes the key and sends the unsubscribe frame if connected.
// The socket stays open even with zero subscriptions: idling is cheap,
// re-establishing is not.
func (m *Manager) Unsubscribe(ctx context.Context, key schema.SubscriptionKey) error {
	m.subsMu.Lock()
	sub, exists := m.subs[key]
	if exists {
		delete(m.subs, key)
	}
	m.subsMu.Unlock()
	if !exists || !m.Connected() {
		return nil
	}
	if len(sub.UnsubscribeFrame) == 0 {
		return nil
	}
	return m.writeControl(ctx, sub.UnsubscribeFrame)
}

// Send writes a raw frame on the live connection, subject to control pacing.
// Callers own any replay semantics for frames sent this way.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	if m.closed.Load() {
		return errors.New("stream manager closed")
	}
	return m.writeControl(ctx, frame)
}

func (m *Manager) ensureRunLoop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	go m.run()
}

// run drives the state machine:
// Disconnected -> Connecting -> Connected -> (close) -> ReconnectScheduled -> ...
func (m *Manager) run() {
	defer close(m.done)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BaseDelay
	bo.Multiplier = 2
	bo.MaxInterval = m.cfg.MaxDelay
	bo.RandomizationFactor = 0
	attempts := 0

	for {
		select {
		case <-m.ctx.Done():
			m.state.Store(int32(StateDisconnected))
			return
		default:
		}

		m.state.Store(int32(StateConnecting))
		dialCtx, dialCancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
		conn, err := m.dial(dialCtx, m.cfg.URL)
		dialCancel()
		if err != nil {
			if m.ctx.Err() != nil {
				m.state.Store(int32(StateDisconnected))
				return
			}
			m.notifyError(schema.EventNetworkError, fmt.Errorf("dial %s: %w", m.cfg.URL, err))
			if !m.scheduleReconnect(bo, &attempts) {
				return
			}
			continue
		}

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()
		m.state.Store(int32(StateConnected))
		m.readyOnce.Do(func() { close(m.ready) })
		attempts = 0
		bo.Reset()
		m.notifyLifecycle(schema.EventWSConnected, nil)

		if m.cfg.Hello != nil {
			if frame, err := m.cfg.Hello(); err != nil {
				m.notifyError(schema.EventWSError, fmt.Errorf("build hello frame: %w", err))
			} else if err := m.writeControl(m.ctx, frame); err != nil {
				m.notifyError(schema.EventWSError, fmt.Errorf("send hello frame: %w", err))
			}
		}

		if err := m.replaySubscriptions(); err != nil {
			m.notifyError(schema.EventWSError, fmt.Errorf("resubscribe after reconnect: %w", err))
		}

		readErr := m.serveConn(conn)

		m.connMu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if m.closed.Load() || m.ctx.Err() != nil {
			m.state.Store(int32(StateDisconnected))
			return
		}

		m.notifyLifecycle(schema.EventWSDisconnected, readErr)
		if !m.scheduleReconnect(bo, &attempts) {
			return
		}
	}
}

// serveConn runs the read loop and, when configured, the heartbeat loop. The
// heartbeat stops the instant the read loop returns so a ping can never fire
// on a dead socket while a reconnect timer runs.
func (m *Manager) serveConn(conn Conn) error {
	connCtx, connCancel := context.WithCancel(m.ctx)
	defer connCancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- m.readLoop(connCtx, conn)
	}()

	if m.cfg.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- m.pingLoop(connCtx, conn)
		}()
	}

	firstErr := <-errCh
	connCancel()
	wg.Wait()
	return firstErr
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			return fmt.Errorf("read: %w", err)
		}
		if m.handler == nil {
			continue
		}
		if err := m.handler(data); err != nil {
			// Malformed frames are logged and dropped, never fatal.
			m.log.Debug("frame handler error",
				observability.Field{Key: "exchange", Value: m.cfg.Exchange},
				observability.Field{Key: "market", Value: string(m.cfg.Market)},
				observability.Field{Key: "error", Value: err.Error()})
			m.notifyError(schema.EventWSError, err)
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	frame := m.cfg.PingFrame
	if len(frame) == 0 {
		frame = []byte("ping")
	}
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			if err := conn.Write(ctx, frame); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// replaySubscriptions re-sends every active subscribe frame exactly once.
func (m *Manager) replaySubscriptions() error {
	m.subsMu.Lock()
	frames := make([][]byte, 0, len(m.subs))
	for _, sub := range m.subs {
		frames = append(frames, sub.SubscribeFrame)
	}
	m.subsMu.Unlock()

	for _, frame := range frames {
		if err := m.writeControl(m.ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) writeControl(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = m.ctx
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("control pacing: %w", err)
	}
	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, frame); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	return nil
}

// scheduleReconnect waits out the backoff delay for the next attempt.
// It returns false when the attempt cap is exhausted (terminal) or the
// manager context ended.
func (m *Manager) scheduleReconnect(bo *backoff.ExponentialBackOff, attempts *int) bool {
	*attempts++
	if *attempts > m.cfg.MaxReconnectAttempts {
		m.state.Store(int32(StateExhausted))
		m.notifyLifecycle(schema.EventMaxReconnectReached,
			fmt.Errorf("%s %s: %d reconnect attempts exhausted", m.cfg.Exchange, m.cfg.Market, m.cfg.MaxReconnectAttempts))
		return false
	}
	m.state.Store(int32(StateReconnectScheduled))
	delay := bo.NextBackOff()
	if delay == backoff.Stop || delay > m.cfg.MaxDelay {
		delay = m.cfg.MaxDelay
	}
	if err := m.sleep(m.ctx, delay); err != nil {
		m.state.Store(int32(StateDisconnected))
		return false
	}
	return true
}

func (m *Manager) notifyLifecycle(typ schema.EventType, err error) {
	if m.notify == nil {
		return
	}
	m.notify(schema.Event{
		Type:      typ,
		Exchange:  m.cfg.Exchange,
		Market:    m.cfg.Market,
		Timestamp: time.Now().UTC(),
		Err:       err,
	})
}

func (m *Manager) notifyError(typ schema.EventType, err error) {
	if err == nil {
		return
	}
	m.notifyLifecycle(typ, err)
}
