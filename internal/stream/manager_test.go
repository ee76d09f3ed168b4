package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/openalgo/exio/internal/schema"
)

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	closed  bool
	readCh  chan readResult
	writeCh chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh:  make(chan readResult, 8),
		writeCh: make(chan struct{}, 64),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-c.readCh:
		return r.data, r.err
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	select {
	case c.writeCh <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) fail(err error) {
	c.readCh <- readResult{err: err}
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, string(w))
	}
	return out
}

func scriptedDialer(conns ...*fakeConn) Dialer {
	var mu sync.Mutex
	idx := 0
	return func(ctx context.Context, _ string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(conns) {
			return nil, errors.New("no more scripted connections")
		}
		conn := conns[idx]
		idx++
		return conn, nil
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []schema.Event
}

func (r *eventRecorder) notify(evt schema.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *eventRecorder) count(typ schema.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testConfig() Config {
	return Config{
		Exchange:             "binance",
		Market:               schema.MarketSpot,
		URL:                  "wss://example.invalid/ws",
		DialTimeout:          time.Second,
		BaseDelay:            time.Millisecond,
		MaxDelay:             4 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ControlInterval:      time.Microsecond,
	}
}

func TestReconnectDelaysDoubleUpToCap(t *testing.T) {
	rec := &eventRecorder{}
	var mu sync.Mutex
	var delays []time.Duration

	cfg := testConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = 400 * time.Millisecond
	cfg.MaxReconnectAttempts = 4

	failDial := func(context.Context, string) (Conn, error) {
		return nil, errors.New("connection refused")
	}
	m := New(context.Background(), cfg, nil, rec.notify,
		WithDialer(failDial),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return nil
		}))
	defer m.Close()

	m.ensureRunLoop()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not terminate after exhausting reconnect attempts")
	}

	mu.Lock()
	got := append([]time.Duration(nil), delays...)
	mu.Unlock()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("recorded %d delays %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d = %v, want %v", i+1, got[i], want[i])
		}
	}

	if n := rec.count(schema.EventMaxReconnectReached); n != 1 {
		t.Fatalf("terminal event fired %d times, want exactly 1", n)
	}
	if m.State() != StateExhausted {
		t.Fatalf("state = %v, want exhausted", m.State())
	}
}

func TestResubscribeAfterReconnectReplaysEachKeyOnce(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	rec := &eventRecorder{}

	m := New(context.Background(), testConfig(), nil, rec.notify,
		WithDialer(scriptedDialer(conn1, conn2)),
		WithSleeper(func(context.Context, time.Duration) error { return nil }))
	defer m.Close()

	subs := []Subscription{
		{
			Key:            schema.SubscriptionKey{Type: schema.SubTicker, Symbol: "BTC/USDT"},
			SubscribeFrame: []byte(`{"op":"subscribe","arg":"ticker:BTC/USDT"}`),
		},
		{
			Key:            schema.SubscriptionKey{Type: schema.SubTrades, Symbol: "ETH/USDT"},
			SubscribeFrame: []byte(`{"op":"subscribe","arg":"trades:ETH/USDT"}`),
		},
	}
	for _, sub := range subs {
		if err := m.Subscribe(context.Background(), sub); err != nil {
			t.Fatalf("Subscribe(%s): %v", sub.Key, err)
		}
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return conn1.writeCount() >= 2 }, "initial subscribe frames")

	conn1.fail(errors.New("unexpected EOF"))
	waitFor(t, time.Second, func() bool { return conn2.writeCount() >= 2 }, "replayed subscribe frames")

	waitFor(t, time.Second, m.Connected, "reconnected state")
	time.Sleep(20 * time.Millisecond)

	got := conn2.snapshot()
	if len(got) != 2 {
		t.Fatalf("replay wrote %d frames %v, want exactly 2", len(got), got)
	}
	seen := map[string]int{}
	for _, frame := range got {
		seen[frame]++
	}
	for _, sub := range subs {
		if seen[string(sub.SubscribeFrame)] != 1 {
			t.Fatalf("frame %s replayed %d times, want exactly 1", sub.SubscribeFrame, seen[string(sub.SubscribeFrame)])
		}
	}

	if rec.count(schema.EventWSDisconnected) != 1 {
		t.Fatalf("ws_disconnected count = %d, want 1", rec.count(schema.EventWSDisconnected))
	}
	if rec.count(schema.EventWSConnected) != 2 {
		t.Fatalf("ws_connected count = %d, want 2", rec.count(schema.EventWSConnected))
	}
}

func TestDuplicateSubscribeIsNoOp(t *testing.T) {
	conn := newFakeConn()
	m := New(context.Background(), testConfig(), nil, nil, WithDialer(scriptedDialer(conn)))
	defer m.Close()

	sub := Subscription{
		Key:            schema.SubscriptionKey{Type: schema.SubOrderBook, Symbol: "BTC/USDT"},
		SubscribeFrame: []byte(`{"method":"SUBSCRIBE","params":["btcusdt@depth"]}`),
	}
	if err := m.Subscribe(context.Background(), sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return conn.writeCount() == 1 }, "first subscribe frame")

	if err := m.Subscribe(context.Background(), sub); err != nil {
		t.Fatalf("duplicate Subscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := conn.writeCount(); n != 1 {
		t.Fatalf("duplicate subscribe wrote %d frames, want 1", n)
	}
	if n := len(m.SubscriptionKeys()); n != 1 {
		t.Fatalf("subscription set size = %d, want 1", n)
	}
}

func TestUnsubscribeKeepsSocketOpen(t *testing.T) {
	conn := newFakeConn()
	m := New(context.Background(), testConfig(), nil, nil, WithDialer(scriptedDialer(conn)))
	defer m.Close()

	sub := Subscription{
		Key:              schema.SubscriptionKey{Type: schema.SubTicker, Symbol: "ETH/USDT"},
		SubscribeFrame:   []byte(`sub`),
		UnsubscribeFrame: []byte(`unsub`),
	}
	if err := m.Subscribe(context.Background(), sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return conn.writeCount() == 1 }, "subscribe frame")

	if err := m.Unsubscribe(context.Background(), sub.Key); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool { return conn.writeCount() == 2 }, "unsubscribe frame")

	if len(m.SubscriptionKeys()) != 0 {
		t.Fatalf("subscription set not empty after unsubscribe")
	}
	if !m.Connected() {
		t.Fatal("socket no longer connected after draining subscriptions")
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if closed {
		t.Fatal("socket closed on zero subscriptions")
	}
}

func TestDeliberateCloseSuppressesReconnect(t *testing.T) {
	conn := newFakeConn()
	rec := &eventRecorder{}
	m := New(context.Background(), testConfig(), nil, rec.notify, WithDialer(scriptedDialer(conn)))

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Close()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("run loop did not exit after Close")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state after Close = %v, want disconnected", m.State())
	}
	if n := rec.count(schema.EventWSDisconnected); n != 0 {
		t.Fatalf("deliberate close produced %d ws_disconnected events, want 0", n)
	}
	if n := rec.count(schema.EventMaxReconnectReached); n != 0 {
		t.Fatalf("deliberate close produced %d terminal events, want 0", n)
	}
	if err := m.Subscribe(context.Background(), Subscription{Key: schema.SubscriptionKey{Type: schema.SubTicker, Symbol: "BTC/USDT"}}); err == nil {
		t.Fatal("Subscribe after Close succeeded, want error")
	}
}

func TestStartTimesOutWhenDialHangs(t *testing.T) {
	cfg := testConfig()
	cfg.DialTimeout = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 1

	hangDial := func(ctx context.Context, _ string) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m := New(context.Background(), cfg, nil, nil,
		WithDialer(hangDial),
		WithSleeper(func(context.Context, time.Duration) error { return nil }))
	defer m.Close()

	if err := m.Start(); err == nil {
		t.Fatal("Start succeeded against a hanging dialer, want timeout error")
	}
}

func TestHelloFrameSentBeforeReplayOnEveryConnect(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	cfg := testConfig()
	cfg.Hello = func() ([]byte, error) { return []byte("login"), nil }

	m := New(context.Background(), cfg, nil, nil,
		WithDialer(scriptedDialer(conn1, conn2)),
		WithSleeper(func(context.Context, time.Duration) error { return nil }))
	defer m.Close()

	sub := Subscription{
		Key:            schema.SubscriptionKey{Type: schema.SubTicker, Symbol: "BTC/USDT"},
		SubscribeFrame: []byte("sub"),
	}
	if err := m.Subscribe(context.Background(), sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return conn1.writeCount() >= 2 }, "hello and subscribe on first connect")

	conn1.fail(errors.New("reset"))
	waitFor(t, time.Second, func() bool { return conn2.writeCount() >= 2 }, "hello and replay on reconnect")

	for i, conn := range []*fakeConn{conn1, conn2} {
		frames := conn.snapshot()
		if frames[0] != "login" {
			t.Fatalf("conn%d first frame = %q, want login", i+1, frames[0])
		}
		if frames[1] != "sub" {
			t.Fatalf("conn%d second frame = %q, want sub", i+1, frames[1])
		}
	}
}

func TestHandlerErrorDoesNotKillReadLoop(t *testing.T) {
	conn := newFakeConn()
	rec := &eventRecorder{}
	var mu sync.Mutex
	var frames []string

	handler := func(data []byte) error {
		mu.Lock()
		frames = append(frames, string(data))
		mu.Unlock()
		if string(data) == "bad" {
			return errors.New("malformed frame")
		}
		return nil
	}
	m := New(context.Background(), testConfig(), handler, rec.notify, WithDialer(scriptedDialer(conn)))
	defer m.Close()

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn.readCh <- readResult{data: []byte("bad")}
	conn.readCh <- readResult{data: []byte("good")}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	}, "both frames handled")

	if !m.Connected() {
		t.Fatal("read loop died after handler error")
	}
	if n := rec.count(schema.EventWSError); n != 1 {
		t.Fatalf("ws_error count = %d, want 1", n)
	}
}
