package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// minStopDistance keeps position sizing finite for near-zero premiums.
var minStopDistance = decimal.NewFromFloat(0.1)

// ComputeQty sizes a position so that hitting the stop loses at most riskPercent of
// capital: floor(capital*riskPercent/100 / max(entry*stopFraction, 0.1)).
func ComputeQty(capital, riskPercent, entry, stopFraction float64) int {
	if capital <= 0 || riskPercent <= 0 || entry <= 0 {
		return 0
	}
	budget := decimal.NewFromFloat(capital).Mul(decimal.NewFromFloat(riskPercent)).Div(decimal.NewFromInt(100))
	distance := decimal.NewFromFloat(entry).Mul(decimal.NewFromFloat(stopFraction))
	if distance.LessThan(minStopDistance) {
		distance = minStopDistance
	}
	qty := budget.Div(distance).Floor().IntPart()
	if qty < 0 {
		return 0
	}
	return int(qty)
}

// PnLSummary is a point-in-time view of the tracker.
type PnLSummary struct {
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Realized       decimal.Decimal `json:"realized"`
	Unrealized     decimal.Decimal `json:"unrealized"`
	Total          decimal.Decimal `json:"total"`
	Capital        decimal.Decimal `json:"capital"`
}

// PnLTracker follows realized and open PnL against the starting capital.
type PnLTracker struct {
	mu         sync.RWMutex
	initial    decimal.Decimal
	realized   decimal.Decimal
	unrealized map[string]decimal.Decimal
}

func NewPnLTracker(initialCapital float64) *PnLTracker {
	return &PnLTracker{
		initial:    decimal.NewFromFloat(initialCapital),
		unrealized: make(map[string]decimal.Decimal),
	}
}

// RecordRealized books a closed trade and drops its open PnL.
func (t *PnLTracker) RecordRealized(symbol string, pnl decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.realized = t.realized.Add(pnl)
	delete(t.unrealized, symbol)
}

// UpdateUnrealized sets the open PnL of symbol.
func (t *PnLTracker) UpdateUnrealized(symbol string, pnl decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unrealized[symbol] = pnl
}

// CurrentCapital is the starting capital plus realized PnL.
func (t *PnLTracker) CurrentCapital() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, _ := t.initial.Add(t.realized).Float64()
	return c
}

func (t *PnLTracker) Summary() PnLSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	open := decimal.Zero
	for _, u := range t.unrealized {
		open = open.Add(u)
	}
	return PnLSummary{
		InitialCapital: t.initial,
		Realized:       t.realized,
		Unrealized:     open,
		Total:          t.realized.Add(open),
		Capital:        t.initial.Add(t.realized),
	}
}

// ResetDaily clears the day's PnL and carries the realized result into capital.
func (t *PnLTracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initial = t.initial.Add(t.realized)
	t.realized = decimal.Zero
	t.unrealized = make(map[string]decimal.Decimal)
}
