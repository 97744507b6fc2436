// Package risk gates every new position on the day's realized loss, the number of
// trades and the operator shutdown switch.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/proxyhifi-dev/lords/internal/metrics"
	"github.com/proxyhifi-dev/lords/internal/state"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// Block reasons.
const (
	ReasonMaxDailyLoss     = "max_daily_loss_hit"
	ReasonMaxTrades        = "max_trades_hit"
	ReasonShutdown         = "shutdown"
	ReasonTradeAlreadyOpen = "trade_already_open"
	ReasonTradingPaused    = "trading_paused_by_circuit_breaker"
)

const stateKey = "risk"

// Decision is the outcome of a risk check. Reason is empty when Allowed.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }
func block(reason string) Decision { return Decision{Reason: reason} }

// PauseSource reports whether order placement currently fails fast, e.g. because the
// trading circuit is open.
type PauseSource interface {
	TradingPaused() bool
}

type Limits struct {
	MaxDailyLoss   decimal.Decimal
	MaxTrades      int
	SinglePosition bool
}

// Snapshot is the persisted and reported session state.
type Snapshot struct {
	Day            string          `json:"day"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	TradeCount     int             `json:"trade_count"`
	Open           int             `json:"open"`
	Pending        int             `json:"pending"`
	Shutdown       bool            `json:"shutdown"`
	ShutdownReason string          `json:"shutdown_reason,omitempty"`
	MaxDailyLoss   decimal.Decimal `json:"max_daily_loss"`
	MaxTrades      int             `json:"max_trades"`
	Version        uint64          `json:"version"`
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithStateStore persists a snapshot after every mutation.
func WithStateStore(store state.StateManager) Option {
	return func(e *Engine) { e.store = store }
}

func WithPauseSource(p PauseSource) Option {
	return func(e *Engine) { e.pause = p }
}

// Engine is the single authority over the day's risk state. Every check-and-mutate runs
// under one mutex.
type Engine struct {
	mu     sync.Mutex
	limits Limits
	now    func() time.Time
	loc    *time.Location
	store  state.StateManager
	pause  PauseSource

	day      string
	realized decimal.Decimal
	trades   int
	open     int
	pending  int
	shutdown bool
	reason   string
	version  uint64

	persistMu sync.Mutex
	saved     uint64
}

func NewEngine(limits Limits, opts ...Option) *Engine {
	e := &Engine{
		limits: Limits{
			MaxDailyLoss:   limits.MaxDailyLoss.Abs(),
			MaxTrades:      limits.MaxTrades,
			SinglePosition: limits.SinglePosition,
		},
		now: time.Now,
		loc: time.UTC,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.day = e.today()
	return e
}

// Restore loads the persisted snapshot when it belongs to the current trading day.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	saved, err := e.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	raw, ok := saved[stateKey]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode risk state: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode risk state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if snap.Day != e.today() {
		utils.WithComponent("risk").Infof("RiskEngine | Ignoring state from %s", snap.Day)
		return nil
	}
	e.day = snap.Day
	e.realized = snap.RealizedPnL
	e.trades = snap.TradeCount
	e.open = snap.Open
	e.shutdown = snap.Shutdown
	e.reason = snap.ShutdownReason
	e.publish()
	utils.WithComponent("risk").Infof("RiskEngine | Restored session: pnl=%s trades=%d shutdown=%v",
		e.realized.StringFixed(2), e.trades, e.shutdown)
	return nil
}

// CanTradeNow reports whether a new position may be opened right now.
func (e *Engine) CanTradeNow() Decision {
	e.mu.Lock()
	e.rollover()
	d := e.decide()
	e.mu.Unlock()
	return d
}

// Reservation holds one trade slot between the risk check and the broker's answer.
type Reservation struct {
	e    *Engine
	day  string
	done bool
}

// Reserve checks the limits and, when allowed, holds a trade slot in the same critical
// section. The caller must Confirm or Release the reservation.
func (e *Engine) Reserve() (*Reservation, Decision) {
	e.mu.Lock()
	e.rollover()
	d := e.decide()
	if !d.Allowed {
		e.mu.Unlock()
		metrics.RiskBlocked.WithLabelValues(d.Reason).Inc()
		return nil, d
	}
	e.pending++
	snap := e.mutated()
	e.mu.Unlock()

	e.persist(snap)
	return &Reservation{e: e, day: snap.Day}, d
}

// Confirm turns the held slot into an open trade.
func (r *Reservation) Confirm() {
	e := r.e
	e.mu.Lock()
	if r.done {
		e.mu.Unlock()
		return
	}
	r.done = true
	if r.day == e.day && e.pending > 0 {
		e.pending--
	}
	e.open++
	snap := e.mutated()
	e.mu.Unlock()
	e.persist(snap)
}

// Release returns the held slot, e.g. after the broker rejected the order.
func (r *Reservation) Release() {
	e := r.e
	e.mu.Lock()
	if r.done {
		e.mu.Unlock()
		return
	}
	r.done = true
	if r.day == e.day && e.pending > 0 {
		e.pending--
	}
	snap := e.mutated()
	e.mu.Unlock()
	e.persist(snap)
}

// ReleaseOpen frees an open slot whose entry order was cancelled or rejected before
// any fill. No trade is counted.
func (e *Engine) ReleaseOpen() {
	e.mu.Lock()
	e.rollover()
	if e.open > 0 {
		e.open--
	}
	snap := e.mutated()
	e.mu.Unlock()
	e.persist(snap)
}

// RecordTradeResult books one completed round trip. Limit breaches flip the shutdown
// flag in the same critical section.
func (e *Engine) RecordTradeResult(pnlDelta decimal.Decimal) Decision {
	e.mu.Lock()
	e.rollover()
	if e.open > 0 {
		e.open--
	}
	e.trades++
	e.realized = e.realized.Add(pnlDelta)

	if !e.shutdown {
		switch {
		case e.lossHit():
			e.shutdown, e.reason = true, ReasonMaxDailyLoss
		case e.tradesHit(0):
			e.shutdown, e.reason = true, ReasonMaxTrades
		}
		if e.shutdown {
			utils.WithComponent("risk").Errorf("RiskEngine | Shutdown: %s (pnl=%s trades=%d)",
				e.reason, e.realized.StringFixed(2), e.trades)
		}
	}
	d := e.decide()
	snap := e.mutated()
	e.mu.Unlock()

	e.persist(snap)
	return d
}

// Shutdown stops all new trading until Reset.
func (e *Engine) Shutdown(reason string) {
	if reason == "" {
		reason = ReasonShutdown
	}
	e.mu.Lock()
	e.rollover()
	if !e.shutdown {
		e.shutdown, e.reason = true, reason
	}
	snap := e.mutated()
	e.mu.Unlock()
	utils.WithComponent("risk").Warnf("RiskEngine | Shutdown requested: %s", reason)
	e.persist(snap)
}

// Reset clears the shutdown flag and its reason. Counters and PnL are kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.shutdown, e.reason = false, ""
	snap := e.mutated()
	e.mu.Unlock()
	utils.WithComponent("risk").Warn("RiskEngine | Shutdown flag reset by operator")
	e.persist(snap)
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover()
	return e.snapshot()
}

// RealizedPnL is the day's realized PnL.
func (e *Engine) RealizedPnL() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover()
	return e.realized
}

// decide must be called with mu held. The shutdown flag wins over every live check.
func (e *Engine) decide() Decision {
	if e.shutdown {
		if e.reason == "" {
			return block(ReasonShutdown)
		}
		return block(e.reason)
	}
	if e.lossHit() {
		return block(ReasonMaxDailyLoss)
	}
	if e.tradesHit(e.open + e.pending) {
		return block(ReasonMaxTrades)
	}
	if e.limits.SinglePosition && e.open+e.pending > 0 {
		return block(ReasonTradeAlreadyOpen)
	}
	if e.pause != nil && e.pause.TradingPaused() {
		return block(ReasonTradingPaused)
	}
	return allow()
}

func (e *Engine) lossHit() bool {
	return e.limits.MaxDailyLoss.IsPositive() && e.realized.LessThanOrEqual(e.limits.MaxDailyLoss.Neg())
}

func (e *Engine) tradesHit(inFlight int) bool {
	return e.limits.MaxTrades > 0 && e.trades+inFlight >= e.limits.MaxTrades
}

// rollover starts a new session when the trading day changed. mu must be held.
func (e *Engine) rollover() {
	today := e.today()
	if today == e.day {
		return
	}
	utils.WithComponent("risk").Infof("RiskEngine | New trading day %s (previous %s: pnl=%s trades=%d)",
		today, e.day, e.realized.StringFixed(2), e.trades)
	e.day = today
	e.realized = decimal.Zero
	e.trades, e.open, e.pending = 0, 0, 0
	e.shutdown, e.reason = false, ""
	e.mutated()
}

func (e *Engine) today() string {
	return e.now().In(e.loc).Format("2006-01-02")
}

// mutated bumps the version, publishes metrics and returns the snapshot to persist.
// mu must be held.
func (e *Engine) mutated() Snapshot {
	e.version++
	e.publish()
	return e.snapshot()
}

func (e *Engine) publish() {
	pnl, _ := e.realized.Float64()
	metrics.RealizedPnL.Set(pnl)
	metrics.TradesToday.Set(float64(e.trades))
}

func (e *Engine) snapshot() Snapshot {
	return Snapshot{
		Day:            e.day,
		RealizedPnL:    e.realized,
		TradeCount:     e.trades,
		Open:           e.open,
		Pending:        e.pending,
		Shutdown:       e.shutdown,
		ShutdownReason: e.reason,
		MaxDailyLoss:   e.limits.MaxDailyLoss,
		MaxTrades:      e.limits.MaxTrades,
		Version:        e.version,
	}
}

// persist writes snap unless a newer snapshot was already written.
func (e *Engine) persist(snap Snapshot) {
	if e.store == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if snap.Version <= e.saved {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveState(ctx, map[string]any{stateKey: snap}); err != nil {
		utils.WithComponent("risk").Errorf("RiskEngine | Failed to persist state: %v", err)
		return
	}
	e.saved = snap.Version
}
