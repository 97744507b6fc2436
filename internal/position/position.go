// Package position
package position

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/proxyhifi-dev/lords/internal/utils"
)

var ErrPositionOpen = errors.New("a position is already open")
var ErrNoPosition = errors.New("no open position")

type ExitReason string

const (
	StopLoss  ExitReason = "stop_loss"
	Target    ExitReason = "target"
	Manual    ExitReason = "manual"
	SquareOff ExitReason = "square_off"
)

// RealizedPnL of a round trip. side is +1 for a long entry, -1 for a short one.
func RealizedPnL(side int, entry, exit float64, qty int) decimal.Decimal {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if side < 0 {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(int64(qty)))
}

// Position is one open option trade. Options are always bought, so the position is long.
type Position struct {
	Symbol    string    `json:"symbol"`
	OrderID   string    `json:"order_id"`
	Entry     float64   `json:"entry"`
	Qty       int       `json:"qty"`
	StopLoss  float64   `json:"stop_loss"`
	Target    float64   `json:"target"`
	Time      time.Time `json:"time"`
	LastPrice float64   `json:"last_price"`
}

// New opens a long position with stop and target set as fractions of entry.
func New(symbol, orderID string, entry float64, qty int, stopFrac, targetFrac float64, at time.Time) Position {
	p := Position{Symbol: symbol, OrderID: orderID, Entry: entry, Qty: qty, Time: at, LastPrice: entry}
	if stopFrac > 0 {
		p.StopLoss = entry * (1 - stopFrac)
	}
	if targetFrac > 0 {
		p.Target = entry * (1 + targetFrac)
	}
	return p
}

// CheckExit reports whether price hits the stop or the target. The stop wins when both
// are hit by a gap.
func (p Position) CheckExit(price float64) (ExitReason, bool) {
	if p.StopLoss > 0 && price <= p.StopLoss {
		return StopLoss, true
	}
	if p.Target > 0 && price >= p.Target {
		return Target, true
	}
	return "", false
}

// Unrealized is the open PnL at the last seen price.
func (p Position) Unrealized() decimal.Decimal {
	return RealizedPnL(1, p.Entry, p.LastPrice, p.Qty)
}

// Trade is a closed round trip.
type Trade struct {
	Symbol    string     `json:"symbol"`
	Entry     float64    `json:"entry"`
	Exit      float64    `json:"exit"`
	Qty       int        `json:"qty"`
	PnL       float64    `json:"pnl"`
	Reason    ExitReason `json:"reason"`
	EntryTime time.Time  `json:"entry_time"`
	ExitTime  time.Time  `json:"exit_time"`
}

// Stats are the live statistics of the day.
type Stats struct {
	Equity       float64 `json:"equity"`
	MaxEquity    float64 `json:"max_equity"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	Wins         int64   `json:"wins"`
	Losses       int64   `json:"losses"`
	Trades       int64   `json:"trades"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	MeanPnL      float64 `json:"mean_pnl"`
	StdPnL       float64 `json:"std_pnl"`
	Sharpe       float64 `json:"sharpe"`
	Expectancy   float64 `json:"expectancy"`
	TradeLog     []Trade `json:"trade_log"`
}

// Book holds the open positions and the live statistics of the day. It is safe for
// concurrent use.
type Book struct {
	mu     sync.RWMutex
	single bool
	open   map[string]*Position
	stats  Stats
	equity []float64
	wins   []float64
	losses []float64
}

// NewBook returns an empty book. With single set, at most one position is open at a time.
func NewBook(single bool) *Book {
	return &Book{single: single, open: make(map[string]*Position)}
}

func (b *Book) Open(p Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[p.Symbol]; ok || (b.single && len(b.open) > 0) {
		return ErrPositionOpen
	}
	b.open[p.Symbol] = &p
	utils.WithComponent("position").Infof("Position | [%s] Opened qty=%d entry=%.2f sl=%.2f target=%.2f",
		p.Symbol, p.Qty, p.Entry, p.StopLoss, p.Target)
	return nil
}

// Mark updates the last price of symbol and returns the exit it triggers, if any.
func (b *Book) Mark(symbol string, price float64) (Position, ExitReason, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[symbol]
	if !ok {
		return Position{}, "", false
	}
	p.LastPrice = price
	reason, hit := p.CheckExit(price)
	return *p, reason, hit
}

// Get returns the open position on symbol.
func (b *Book) Get(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.open[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Active returns the open positions.
func (b *Book) Active() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, *p)
	}
	return out
}

// Close removes the position on symbol and books the trade.
func (b *Book) Close(symbol string, exit float64, reason ExitReason, at time.Time) (Trade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[symbol]
	if !ok {
		return Trade{}, fmt.Errorf("close %s: %w", symbol, ErrNoPosition)
	}
	delete(b.open, symbol)

	pnl, _ := RealizedPnL(1, p.Entry, exit, p.Qty).Float64()
	t := Trade{
		Symbol:    p.Symbol,
		Entry:     p.Entry,
		Exit:      exit,
		Qty:       p.Qty,
		PnL:       pnl,
		Reason:    reason,
		EntryTime: p.Time,
		ExitTime:  at,
	}
	b.stats.TradeLog = append(b.stats.TradeLog, t)
	b.updateStats(pnl)
	utils.WithComponent("position").Infof("Position | [%s] Closed (%s) exit=%.2f pnl=%.2f | trades=%d winrate=%.2f%% equity=%.2f maxdd=%.2f",
		p.Symbol, reason, exit, pnl, b.stats.Trades, b.stats.WinRate*100, b.stats.Equity, b.stats.MaxDrawdown)
	return t, nil
}

// Discard drops the position on symbol without booking a trade, e.g. when the entry
// order was rejected after it had been acknowledged.
func (b *Book) Discard(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[symbol]; !ok {
		return false
	}
	delete(b.open, symbol)
	utils.WithComponent("position").Warnf("Position | [%s] Discarded without a trade", symbol)
	return true
}

// Stats returns a copy of the live statistics.
func (b *Book) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.stats
	s.TradeLog = append([]Trade(nil), b.stats.TradeLog...)
	return s
}

// ResetDaily clears the statistics. Open positions are kept.
func (b *Book) ResetDaily() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = Stats{}
	b.equity, b.wins, b.losses = nil, nil, nil
}

// updateStats must be called with mu held.
func (b *Book) updateStats(pnl float64) {
	s := &b.stats
	s.Equity += pnl
	b.equity = append(b.equity, s.Equity)

	if pnl > 0 {
		s.Wins++
		b.wins = append(b.wins, pnl)
	} else {
		s.Losses++
		b.losses = append(b.losses, pnl)
	}
	s.Trades++

	if s.Equity > s.MaxEquity {
		s.MaxEquity = s.Equity
	}
	if dd := s.MaxEquity - s.Equity; dd > s.MaxDrawdown {
		s.MaxDrawdown = dd
	}
	s.WinRate = float64(s.Wins) / float64(s.Trades)

	avgWin, avgLoss := mean(b.wins), mean(b.losses)
	s.ProfitFactor = 0
	if avgLoss != 0 {
		s.ProfitFactor = -avgWin / avgLoss
	}

	all := append(append([]float64(nil), b.wins...), b.losses...)
	s.MeanPnL = mean(all)
	s.StdPnL = 0
	for _, v := range all {
		s.StdPnL += (v - s.MeanPnL) * (v - s.MeanPnL)
	}
	s.StdPnL = math.Sqrt(s.StdPnL / float64(len(all)))
	s.Sharpe = 0
	if s.StdPnL > 0 {
		s.Sharpe = s.MeanPnL / s.StdPnL
	}
	s.Expectancy = s.WinRate*avgWin + (1-s.WinRate)*avgLoss
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
