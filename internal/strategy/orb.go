package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/proxyhifi-dev/lords/internal/config"
	"github.com/proxyhifi-dev/lords/internal/market"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// Direction of an opening-range breakout.
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// OptionType is the contract bought for a breakout: calls on Up, puts on Down.
func (d Direction) OptionType() market.OptionType {
	if d == Down {
		return market.Put
	}
	return market.Call
}

// Breakout is emitted at most once per symbol per trading day.
type Breakout struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Price     float64   `json:"price"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	At        time.Time `json:"at"`
}

// Range is the observed opening range of a symbol.
type Range struct {
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Ticks    int       `json:"ticks"`
	LockedAt time.Time `json:"locked_at"`
}

// NoOpenRangeError is returned when a breakout is checked before the range is locked or
// for a symbol whose range was never observed.
type NoOpenRangeError struct {
	Symbol string
	Reason string
}

func (e *NoOpenRangeError) Error() string {
	return fmt.Sprintf("no opening range for %s: %s", e.Symbol, e.Reason)
}

// ORBSettings are clock offsets from local midnight in Location.
type ORBSettings struct {
	WindowStart time.Duration
	WindowEnd   time.Duration
	TradeUntil  time.Duration
	MinTicks    int
	Location    *time.Location
}

// SettingsFromConfig parses the HH:MM clocks of the ORB section.
func SettingsFromConfig(cfg config.Config) (ORBSettings, error) {
	start, err := config.ParseClock(cfg.ORB.WindowStart)
	if err != nil {
		return ORBSettings{}, fmt.Errorf("orb window_start: %w", err)
	}
	end, err := config.ParseClock(cfg.ORB.WindowEnd)
	if err != nil {
		return ORBSettings{}, fmt.Errorf("orb window_end: %w", err)
	}
	until, err := config.ParseClock(cfg.ORB.TradeUntil)
	if err != nil {
		return ORBSettings{}, fmt.Errorf("orb trade_until: %w", err)
	}
	return ORBSettings{
		WindowStart: start,
		WindowEnd:   end,
		TradeUntil:  until,
		MinTicks:    cfg.ORB.MinTicks,
		Location:    cfg.Location(),
	}, nil
}

type symbolRange struct {
	sm       *StateMachine
	rng      Range
	breakout *Breakout
}

// ORBDetector tracks the opening range of each symbol and fires the first breakout.
// It is safe for concurrent use.
type ORBDetector struct {
	mu      sync.Mutex
	cfg     ORBSettings
	day     time.Time
	symbols map[string]*symbolRange
}

func NewORBDetector(cfg ORBSettings, symbols ...string) *ORBDetector {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	d := &ORBDetector{cfg: cfg, symbols: make(map[string]*symbolRange)}
	for _, s := range symbols {
		d.symbols[s] = &symbolRange{sm: NewStateMachine(s)}
	}
	return d
}

// Track adds a symbol. Tracking mid-window only sees the remaining ticks.
func (d *ORBDetector) Track(symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.symbols[symbol]; !ok {
		d.symbols[symbol] = &symbolRange{sm: NewStateMachine(symbol)}
	}
}

// OnTick feeds one tick. It returns the breakout when this tick is the first crossing.
func (d *ORBDetector) OnTick(tick market.Tick) (Breakout, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := tick.Timestamp.In(d.cfg.Location)
	if d.stale(now) {
		return Breakout{}, false
	}
	d.rollover(now)
	sr, ok := d.symbols[tick.Symbol]
	if !ok {
		return Breakout{}, false
	}
	off := d.offset(now)
	if off < d.cfg.WindowStart {
		return Breakout{}, false
	}

	if sr.sm.IsInState(Collecting) {
		if off < d.cfg.WindowEnd {
			sr.widen(tick.Price)
			return Breakout{}, false
		}
		d.lock(tick.Symbol, sr, now)
	}
	if !sr.sm.IsInState(Watching) {
		return Breakout{}, false
	}
	return d.evaluate(tick.Symbol, sr, tick.Price, now)
}

// Advance locks every range whose window has ended as of now.
func (d *ORBDetector) Advance(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now = now.In(d.cfg.Location)
	if d.stale(now) {
		return
	}
	d.rollover(now)
	if d.offset(now) < d.cfg.WindowEnd {
		return
	}
	for symbol, sr := range d.symbols {
		if sr.sm.IsInState(Collecting) {
			d.lock(symbol, sr, now)
		}
	}
}

// CheckBreakout evaluates ltp against the locked range of symbol.
func (d *ORBDetector) CheckBreakout(symbol string, ltp float64, now time.Time) (Breakout, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now = now.In(d.cfg.Location)
	if d.stale(now) {
		return Breakout{}, false, &NoOpenRangeError{Symbol: symbol, Reason: "quote from a previous trading day"}
	}
	d.rollover(now)
	sr, ok := d.symbols[symbol]
	if !ok {
		return Breakout{}, false, &NoOpenRangeError{Symbol: symbol, Reason: "symbol not tracked"}
	}
	if sr.sm.IsInState(Collecting) && d.offset(now) >= d.cfg.WindowEnd {
		d.lock(symbol, sr, now)
	}

	switch sr.sm.GetCurrentState() {
	case Collecting:
		return Breakout{}, false, &NoOpenRangeError{Symbol: symbol, Reason: "opening window still open"}
	case Disabled:
		return Breakout{}, false, &NoOpenRangeError{Symbol: symbol, Reason: "no ticks observed in opening window"}
	case BrokenOut:
		return Breakout{}, false, nil
	}
	b, fired := d.evaluate(symbol, sr, ltp, now)
	return b, fired, nil
}

// Range returns the current range and state of symbol.
func (d *ORBDetector) Range(symbol string) (Range, State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sr, ok := d.symbols[symbol]
	if !ok {
		return Range{}, "", false
	}
	return sr.rng, sr.sm.GetCurrentState(), true
}

// Breakout returns today's breakout for symbol, if one fired.
func (d *ORBDetector) Breakout(symbol string) (Breakout, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sr, ok := d.symbols[symbol]
	if !ok || sr.breakout == nil {
		return Breakout{}, false
	}
	return *sr.breakout, true
}

// History returns the state transitions of symbol since the last reset.
func (d *ORBDetector) History(symbol string) []StateTransition {
	d.mu.Lock()
	defer d.mu.Unlock()
	sr, ok := d.symbols[symbol]
	if !ok {
		return nil
	}
	return sr.sm.GetStateHistory()
}

func (sr *symbolRange) widen(price float64) {
	if price <= 0 {
		return
	}
	if sr.rng.Ticks == 0 || price > sr.rng.High {
		sr.rng.High = price
	}
	if sr.rng.Ticks == 0 || price < sr.rng.Low {
		sr.rng.Low = price
	}
	sr.rng.Ticks++
}

// lock must be called with mu held.
func (d *ORBDetector) lock(symbol string, sr *symbolRange, now time.Time) {
	log := utils.WithComponent("orb").WithField("symbol", symbol)
	if sr.rng.Ticks == 0 {
		sr.sm.TransitionTo(Disabled, "window_end", "no ticks in opening window", now)
		log.Warn("ORB | No ticks in opening window, symbol disabled for the day")
		return
	}
	if sr.rng.Ticks < d.cfg.MinTicks {
		log.Warnf("ORB | Only %d ticks in opening window (min %d), locking observed range", sr.rng.Ticks, d.cfg.MinTicks)
	}
	sr.rng.LockedAt = now
	sr.sm.TransitionTo(Locked, "window_end", fmt.Sprintf("high=%.2f low=%.2f ticks=%d", sr.rng.High, sr.rng.Low, sr.rng.Ticks), now)
	sr.sm.TransitionTo(Watching, "locked", "watching for breakout", now)
	log.Infof("ORB | Range locked high=%.2f low=%.2f ticks=%d", sr.rng.High, sr.rng.Low, sr.rng.Ticks)
}

// evaluate must be called with mu held and sr in Watching.
func (d *ORBDetector) evaluate(symbol string, sr *symbolRange, price float64, now time.Time) (Breakout, bool) {
	if d.cfg.TradeUntil > 0 && d.offset(now) >= d.cfg.TradeUntil {
		return Breakout{}, false
	}
	var dir Direction
	switch {
	case price > sr.rng.High:
		dir = Up
	case price < sr.rng.Low:
		dir = Down
	default:
		return Breakout{}, false
	}
	b := Breakout{Symbol: symbol, Direction: dir, Price: price, High: sr.rng.High, Low: sr.rng.Low, At: now}
	sr.breakout = &b
	sr.sm.TransitionTo(BrokenOut, "crossing", fmt.Sprintf("%s at %.2f", dir, price), now)
	utils.WithComponent("orb").WithField("symbol", symbol).
		Infof("ORB | Breakout %s at %.2f (high=%.2f low=%.2f)", dir, price, sr.rng.High, sr.rng.Low)
	return b, true
}

// stale reports whether now belongs to a day before the current trading day. Such ticks
// are late deliveries and never touch today's range.
func (d *ORBDetector) stale(now time.Time) bool {
	return !d.day.IsZero() && d.midnight(now).Before(d.day)
}

func (d *ORBDetector) midnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.cfg.Location)
}

// rollover resets every symbol when now falls on a later trading day.
func (d *ORBDetector) rollover(now time.Time) {
	day := d.midnight(now)
	if d.day.IsZero() {
		d.day = day
		return
	}
	if !day.After(d.day) {
		return
	}
	d.day = day
	for _, sr := range d.symbols {
		sr.rng = Range{}
		sr.breakout = nil
		sr.sm.Reset(now)
	}
	utils.WithComponent("orb").Infof("ORB | New trading day %s, ranges reset", day.Format("2006-01-02"))
}

func (d *ORBDetector) offset(now time.Time) time.Duration {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.cfg.Location)
	return now.Sub(midnight)
}
