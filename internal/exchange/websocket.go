// Package exchange
//
// WebSocket notes:
//   - StreamManager owns one broker socket and its reconnect loop. The data feed and the
//     order/position/trade feeds each get their own manager with the same behaviour.
//   - Delivery is best effort: ticks that arrive while a subscriber's buffer is full are
//     dropped, and nothing missed during a reconnect is backfilled.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/proxyhifi-dev/lords/internal/market"
	"github.com/proxyhifi-dev/lords/internal/metrics"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// ConnectionState is the state of a broker websocket.
type ConnectionState int

const (
	Connecting ConnectionState = iota
	Connected
	Reconnecting
	Stopped
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Stopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

type StreamConfig struct {
	Name         string
	URL          string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
	StableAfter  time.Duration
	// Header supplies handshake headers, e.g. Authorization, on every dial.
	Header func() (http.Header, error)
}

type StreamOption func(*StreamManager)

// WithReconnectHook is called with each reconnect attempt number and the delay chosen.
func WithReconnectHook(fn func(attempt int, delay time.Duration)) StreamOption {
	return func(m *StreamManager) { m.onWait = fn }
}

// WithStateHook is called on every state change.
func WithStateHook(fn func(ConnectionState)) StreamOption {
	return func(m *StreamManager) { m.onState = fn }
}

// StreamManager keeps one websocket alive: CONNECTING -> CONNECTED -> RECONNECTING ->
// CONNECTING ... until Stop moves it to STOPPED.
type StreamManager struct {
	cfg     StreamConfig
	dialer  *websocket.Dialer
	handler func([]byte)

	mu        sync.RWMutex
	state     ConnectionState
	conn      *websocket.Conn
	healthErr error
	onConnect func() [][]byte

	writeMu sync.Mutex

	onWait  func(int, time.Duration)
	onState func(ConnectionState)

	// cancel and stopped are guarded by mu.
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

func NewStreamManager(cfg StreamConfig, handler func([]byte), opts ...StreamOption) *StreamManager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	m := &StreamManager{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handler: handler,
		state:   Connecting,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnConnect registers the frames written right after every successful dial.
func (m *StreamManager) OnConnect(fn func() [][]byte) {
	m.mu.Lock()
	m.onConnect = fn
	m.mu.Unlock()
}

// Start launches the connection loop. It returns immediately. Only the first call
// starts a loop, and none does once Stop has run.
func (m *StreamManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopped || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()
	go m.run(ctx)
}

// Stop ends the loop, aborting any reconnect wait, and blocks until it has exited.
// Done is closed on return even if the loop never started.
func (m *StreamManager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.closeConn()
	if cancel != nil {
		<-m.done
	} else {
		close(m.done)
	}
	m.setState(Stopped)
}

// Done is closed when the loop has exited.
func (m *StreamManager) Done() <-chan struct{} {
	return m.done
}

func (m *StreamManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *StreamManager) IsConnected() bool {
	return m.State() == Connected
}

// Health returns the error that ended the last connection, if any.
func (m *StreamManager) Health() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthErr
}

// Send writes a text frame on the live connection.
func (m *StreamManager) Send(payload []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return errors.New("stream not connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (m *StreamManager) run(ctx context.Context) {
	defer close(m.done)
	log := utils.WithComponent("websocket").WithField("stream", m.cfg.Name)

	delays := &backoff.Backoff{Min: m.cfg.BaseDelay, Max: m.cfg.MaxDelay, Factor: 2}
	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(Connecting)
		connectedAt, err := m.connectAndStream(ctx)
		if ctx.Err() != nil {
			return
		}
		m.setHealthErr(err)

		if !connectedAt.IsZero() && m.cfg.StableAfter > 0 && time.Since(connectedAt) >= m.cfg.StableAfter {
			delays.Reset()
		}
		delay := capJitter(delays.Duration(), m.cfg.MaxDelay)
		attempt := int(delays.Attempt())

		m.setState(Reconnecting)
		metrics.StreamReconnects.WithLabelValues(m.cfg.Name).Inc()
		if m.onWait != nil {
			m.onWait(attempt, delay)
		}
		log.Warnf("StreamManager | Disconnected (%v), reconnect attempt %d in %v", err, attempt, delay)

		if !waitForReconnect(ctx, delay) {
			return
		}
	}
}

// connectAndStream dials, subscribes and reads until the connection fails. It returns
// the time the connection was established, zero if it never was.
func (m *StreamManager) connectAndStream(ctx context.Context) (time.Time, error) {
	var header http.Header
	if m.cfg.Header != nil {
		h, err := m.cfg.Header()
		if err != nil {
			return time.Time{}, fmt.Errorf("handshake header: %w", err)
		}
		header = h
	}

	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		return time.Time{}, fmt.Errorf("dial %s: %w", m.cfg.Name, err)
	}
	m.setConn(conn)
	defer func() {
		conn.Close()
		m.setConn(nil)
	}()

	m.mu.RLock()
	onConnect := m.onConnect
	m.mu.RUnlock()
	if onConnect != nil {
		for _, frame := range onConnect() {
			if err := m.Send(frame); err != nil {
				return time.Time{}, fmt.Errorf("subscribe %s: %w", m.cfg.Name, err)
			}
		}
	}

	connectedAt := time.Now()
	m.setState(Connected)
	m.setHealthErr(nil)
	utils.WithComponent("websocket").WithField("stream", m.cfg.Name).Info("StreamManager | Connection established")

	readTimeout := 2 * m.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go m.pingLoop(ctx, conn, stopPing)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return connectedAt, err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if m.handler != nil {
			m.handler(data)
		}
	}
}

// pingLoop keeps the connection alive and closes it when ctx ends so that a blocked
// read returns.
func (m *StreamManager) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			m.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

// waitForReconnect sleeps for delay unless ctx ends first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// capJitter adds up to 20% to d without exceeding max.
func capJitter(d, max time.Duration) time.Duration {
	d += time.Duration(rand.Int63n(int64(d)/5 + 1))
	if d > max {
		return max
	}
	return d
}

func (m *StreamManager) setState(s ConnectionState) {
	m.mu.Lock()
	if m.state == Stopped {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	metrics.StreamState.WithLabelValues(m.cfg.Name).Set(float64(s))
	if m.onState != nil {
		m.onState(s)
	}
}

func (m *StreamManager) setConn(c *websocket.Conn) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
}

func (m *StreamManager) closeConn() {
	m.mu.RLock()
	c := m.conn
	m.mu.RUnlock()
	if c != nil {
		c.Close()
	}
}

func (m *StreamManager) setHealthErr(err error) {
	m.mu.Lock()
	m.healthErr = err
	m.mu.Unlock()
}

// TickStream fans data-feed ticks out to subscribers and remembers the last tick per
// symbol.
type TickStream struct {
	mgr *StreamManager

	mu          sync.RWMutex
	symbols     map[string]struct{}
	subscribers []*tickSubscriber
	lastTicks   map[string]market.Tick
	closed      bool
}

type tickSubscriber struct {
	symbols map[string]struct{}
	ch      chan market.Tick
}

func NewTickStream(cfg StreamConfig, opts ...StreamOption) *TickStream {
	ts := &TickStream{
		symbols:   make(map[string]struct{}),
		lastTicks: make(map[string]market.Tick),
	}
	ts.mgr = NewStreamManager(cfg, ts.dispatch, opts...)
	ts.mgr.OnConnect(func() [][]byte {
		syms := ts.symbolList()
		if len(syms) == 0 {
			return nil
		}
		return [][]byte{subscribeFrame(syms)}
	})
	return ts
}

func (ts *TickStream) Start(ctx context.Context) { ts.mgr.Start(ctx) }

func (ts *TickStream) State() ConnectionState { return ts.mgr.State() }

func (ts *TickStream) Health() error { return ts.mgr.Health() }

// Stop stops the socket and closes every subscriber channel.
func (ts *TickStream) Stop() {
	ts.mgr.Stop()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return
	}
	ts.closed = true
	for _, sub := range ts.subscribers {
		close(sub.ch)
	}
	ts.subscribers = nil
}

// Subscribe returns a channel of ticks for symbols in feed arrival order. Symbols not yet
// on the feed are subscribed on the live connection and on every reconnect.
func (ts *TickStream) Subscribe(symbols []string, bufferSize int) (<-chan market.Tick, error) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return nil, errors.New("tick stream is stopped")
	}
	sub := &tickSubscriber{symbols: make(map[string]struct{}, len(symbols)), ch: make(chan market.Tick, bufferSize)}
	var added []string
	for _, s := range symbols {
		sub.symbols[s] = struct{}{}
		if _, ok := ts.symbols[s]; !ok {
			ts.symbols[s] = struct{}{}
			added = append(added, s)
		}
	}
	ts.subscribers = append(ts.subscribers, sub)
	ts.mu.Unlock()

	if len(added) > 0 && ts.mgr.IsConnected() {
		if err := ts.mgr.Send(subscribeFrame(added)); err != nil {
			// the next reconnect subscribes everything again
			utils.WithComponent("websocket").Warnf("TickStream | Live subscribe for %v failed: %v", added, err)
		}
	}
	return sub.ch, nil
}

// Unsubscribe closes ch and stops delivering to it.
func (ts *TickStream) Unsubscribe(ch <-chan market.Tick) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, sub := range ts.subscribers {
		if (<-chan market.Tick)(sub.ch) == ch {
			close(sub.ch)
			ts.subscribers = append(ts.subscribers[:i], ts.subscribers[i+1:]...)
			return
		}
	}
}

// LastTick returns the most recent tick for symbol.
func (ts *TickStream) LastTick(symbol string) (market.Tick, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.lastTicks[symbol]
	return t, ok
}

func (ts *TickStream) dispatch(data []byte) {
	ticks, err := DecodeTicks(data, time.Now())
	if err != nil {
		utils.WithComponent("websocket").Debugf("TickStream | Skipping frame: %v", err)
		return
	}
	if len(ticks) == 0 {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return
	}
	for _, t := range ticks {
		ts.lastTicks[t.Symbol] = t
		for _, sub := range ts.subscribers {
			if _, ok := sub.symbols[t.Symbol]; !ok {
				continue
			}
			select {
			case sub.ch <- t:
			default:
			}
		}
	}
}

func (ts *TickStream) symbolList() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]string, 0, len(ts.symbols))
	for s := range ts.symbols {
		out = append(out, s)
	}
	return out
}

func subscribeFrame(symbols []string) []byte {
	frame, _ := json.Marshal(map[string]any{"type": "symbolList", "symbol": symbols})
	return frame
}

type tickValues struct {
	Symbol string  `json:"symbol"`
	LP     float64 `json:"lp"`
	LtP    float64 `json:"ltP"`
	Ltp    float64 `json:"ltp"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Volume int64   `json:"vol_traded_today"`
	TT     any     `json:"tt"`
}

func (v tickValues) price() float64 {
	switch {
	case v.LP != 0:
		return v.LP
	case v.LtP != 0:
		return v.LtP
	}
	return v.Ltp
}

type tickFrame struct {
	S string `json:"s"`
	D []struct {
		N string     `json:"n"`
		V tickValues `json:"v"`
	} `json:"d"`
	tickValues
}

// DecodeTicks parses a data-feed frame. Both the nested {"d":[{"n":..,"v":{..}}]} shape
// and a flat {"symbol":..,"ltp":..} object are accepted. Control frames yield no ticks.
func DecodeTicks(data []byte, now time.Time) ([]market.Tick, error) {
	var frame tickFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode tick frame: %w", err)
	}
	if strings.EqualFold(frame.S, "error") {
		return nil, fmt.Errorf("feed error frame: %s", string(data))
	}

	var ticks []market.Tick
	build := func(symbol string, v tickValues) {
		if symbol == "" {
			symbol = v.Symbol
		}
		price := v.price()
		if symbol == "" || price <= 0 {
			return
		}
		ts := parseTimestamp(v.TT)
		if ts.IsZero() {
			ts = now
		}
		ticks = append(ticks, market.Tick{
			Symbol:    symbol,
			Price:     price,
			Bid:       v.Bid,
			Ask:       v.Ask,
			Volume:    v.Volume,
			Timestamp: ts,
		})
	}
	for _, d := range frame.D {
		build(d.N, d.V)
	}
	if len(frame.D) == 0 {
		build("", frame.tickValues)
	}
	return ticks, nil
}

// OrderUpdate is one message from the order feed.
type OrderUpdate struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	Status      int     `json:"status"`
	FilledQty   int     `json:"filledQty"`
	TradedPrice float64 `json:"tradedPrice"`
	Message     string  `json:"message"`
}

// DecodeOrderUpdate accepts {"orders":{..}}, {"d":{..}} or a bare order object.
func DecodeOrderUpdate(data []byte) (OrderUpdate, bool) {
	var wrapped struct {
		Orders *OrderUpdate `json:"orders"`
		D      *OrderUpdate `json:"d"`
		OrderUpdate
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return OrderUpdate{}, false
	}
	switch {
	case wrapped.Orders != nil && wrapped.Orders.ID != "":
		return *wrapped.Orders, true
	case wrapped.D != nil && wrapped.D.ID != "":
		return *wrapped.D, true
	case wrapped.ID != "":
		return wrapped.OrderUpdate, true
	}
	return OrderUpdate{}, false
}

// OrderSubscribeFrame subscribes the order feed to order, trade and position updates.
func OrderSubscribeFrame() []byte {
	frame, _ := json.Marshal(map[string]any{"T": "SUB_ORD", "SLIST": []string{"orders", "trades", "positions"}, "SUB_T": 1})
	return frame
}
