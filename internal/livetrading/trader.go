// Package livetrading
package livetrading

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/proxyhifi-dev/lords/internal/config"
	"github.com/proxyhifi-dev/lords/internal/exchange"
	"github.com/proxyhifi-dev/lords/internal/market"
	"github.com/proxyhifi-dev/lords/internal/notifier"
	"github.com/proxyhifi-dev/lords/internal/order"
	"github.com/proxyhifi-dev/lords/internal/position"
	"github.com/proxyhifi-dev/lords/internal/risk"
	"github.com/proxyhifi-dev/lords/internal/strategy"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// Result statuses.
const (
	StatusNoSignal    = "no_signal"
	StatusSignalFound = "signal_found"
	StatusExecuted    = "executed"
	StatusBlocked     = "blocked"
	StatusFailed      = "failed"
	StatusIdle        = "idle"
	StatusOpen        = "open"
	StatusClosed      = "closed"
	StatusWarning     = "warning"
	StatusError       = "error"
)

// ReasonQuantityZero is reported when position sizing leaves nothing to buy.
const ReasonQuantityZero = "quantity_zero_after_risk_calc"

// Result is what every UI-facing operation returns. Errors never escape as Go errors.
type Result struct {
	Status string         `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Signal is a breakout translated into a tradable contract.
type Signal struct {
	Breakout strategy.Breakout     `json:"breakout"`
	Contract market.OptionContract `json:"contract"`
	LTP      float64               `json:"ltp"`
}

// Deps are the collaborators of a Trader.
type Deps struct {
	Config   config.Config
	Exchange exchange.Exchange
	Orders   *order.Service
	Risk     *risk.Engine
	Detector *strategy.ORBDetector
	Notifier notifier.Notifier
	Clock    func() time.Time
}

// Trader turns breakouts into option trades and manages them until exit.
type Trader struct {
	cfg    config.Config
	ex     exchange.Exchange
	orders *order.Service
	risk   *risk.Engine
	orb    *strategy.ORBDetector
	notify notifier.Notifier
	now    func() time.Time
	loc    *time.Location

	book *position.Book
	pnl  *risk.PnLTracker

	mu      sync.Mutex
	signal  *Signal
	handles map[string]order.Handle
}

func NewTrader(d Deps) *Trader {
	t := &Trader{
		cfg:     d.Config,
		ex:      d.Exchange,
		orders:  d.Orders,
		risk:    d.Risk,
		orb:     d.Detector,
		notify:  d.Notifier,
		now:     d.Clock,
		loc:     d.Config.Location(),
		book:    position.NewBook(d.Config.Risk.SinglePosition),
		pnl:     risk.NewPnLTracker(d.Config.Risk.Capital),
		handles: make(map[string]order.Handle),
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.notify == nil {
		t.notify = notifier.Log{}
	}
	t.orb.Track(d.Config.ORB.Underlying)
	return t
}

// Underlying is the symbol whose opening range is traded.
func (t *Trader) Underlying() string {
	return t.cfg.ORB.Underlying
}

// Scan checks the underlying's last price against its opening range and, on a
// breakout, selects the option to buy. The signal waits for Approve.
func (t *Trader) Scan(ctx context.Context) Result {
	return safely("scan", func() Result {
		underlying := t.cfg.ORB.Underlying
		spot, err := t.ltp(ctx, underlying)
		if err != nil {
			return errorResult(err)
		}
		b, fired, err := t.orb.CheckBreakout(underlying, spot, t.now())
		var noRange *strategy.NoOpenRangeError
		if errors.As(err, &noRange) {
			return Result{Status: StatusWarning, Reason: "no_open_range", Data: map[string]any{"detail": noRange.Reason}}
		}
		if err != nil {
			return errorResult(err)
		}
		if !fired {
			// only the first crossing trades; a pending signal stays until approved
			t.mu.Lock()
			pending := t.signal
			t.mu.Unlock()
			if pending != nil {
				return Result{Status: StatusSignalFound, Data: map[string]any{"signal": *pending}}
			}
			data := map[string]any{"spot": spot}
			if prev, ok := t.orb.Breakout(underlying); ok {
				data["breakout"] = prev
			}
			return Result{Status: StatusNoSignal, Data: data}
		}
		sig, err := t.selectSignal(ctx, b)
		if err != nil {
			return errorResult(err)
		}
		t.setSignal(&sig)
		return Result{Status: StatusSignalFound, Data: map[string]any{"signal": sig}}
	})
}

// Approve places the pending signal.
func (t *Trader) Approve(ctx context.Context) Result {
	return safely("approve", func() Result {
		t.mu.Lock()
		sig := t.signal
		t.mu.Unlock()
		if sig == nil {
			return Result{Status: StatusNoSignal}
		}
		res := t.enter(ctx, *sig)
		if res.Status == StatusExecuted {
			t.setSignal(nil)
		}
		return res
	})
}

// Monitor marks every open position with a fresh quote and exits on stop or target.
func (t *Trader) Monitor(ctx context.Context) Result {
	return safely("monitor", func() Result {
		active := t.book.Active()
		if len(active) == 0 {
			return Result{Status: StatusIdle, Data: t.summary()}
		}
		var closed []any
		for _, p := range active {
			price, err := t.ltp(ctx, p.Symbol)
			if err != nil {
				return Result{Status: StatusWarning, Reason: err.Error(), Data: t.summary()}
			}
			if res, exited := t.mark(ctx, p.Symbol, price); exited {
				if res.Status != StatusClosed {
					return res
				}
				closed = append(closed, res.Data["trade"])
			}
		}
		data := t.summary()
		if len(closed) > 0 {
			data["closed"] = closed
			return Result{Status: StatusClosed, Data: data}
		}
		return Result{Status: StatusOpen, Data: data}
	})
}

// Status is the operator view of the trading state.
func (t *Trader) Status() map[string]any {
	data := t.summary()
	data["risk"] = t.risk.Snapshot()
	data["stats"] = t.book.Stats()
	if rng, state, ok := t.orb.Range(t.cfg.ORB.Underlying); ok {
		data["orb"] = map[string]any{"range": rng, "state": state}
	}
	t.mu.Lock()
	if t.signal != nil {
		data["signal"] = *t.signal
	}
	t.mu.Unlock()
	return data
}

func (t *Trader) summary() map[string]any {
	return map[string]any{
		"mode":      t.cfg.Mode,
		"positions": t.book.Active(),
		"pnl":       t.pnl.Summary(),
		"capital":   t.pnl.CurrentCapital(),
	}
}

// selectSignal picks the contract for breakout b: nearest live expiry, strike closest to
// the money, priced with a fresh quote.
func (t *Trader) selectSignal(ctx context.Context, b strategy.Breakout) (Signal, error) {
	chain, err := t.ex.OptionChain(ctx, t.cfg.ORB.Underlying, t.cfg.ORB.StrikeCount)
	if err != nil {
		return Signal{}, fmt.Errorf("option chain: %w", err)
	}
	contract, err := market.SelectContract(chain, b.Price, t.cfg.ORB.StrikeStep, b.Direction.OptionType(), t.now().In(t.loc))
	if err != nil {
		return Signal{}, err
	}
	ltp, err := t.ltp(ctx, contract.Symbol)
	if err != nil {
		return Signal{}, err
	}
	return Signal{Breakout: b, Contract: contract, LTP: ltp}, nil
}

// enter sizes and places the entry for sig and opens the position.
func (t *Trader) enter(ctx context.Context, sig Signal) Result {
	log := utils.WithComponent("livetrading")
	if dec := t.risk.CanTradeNow(); !dec.Allowed {
		return Result{Status: StatusBlocked, Reason: dec.Reason}
	}
	rc := t.cfg.Risk
	qty := risk.ComputeQty(t.pnl.CurrentCapital(), rc.RiskPercent, sig.LTP, rc.StopLossFraction)
	if qty <= 0 {
		return Result{Status: StatusBlocked, Reason: ReasonQuantityZero}
	}

	h, err := t.orders.PlaceOrder(ctx, order.Spec{
		Symbol: sig.Contract.Symbol,
		Side:   exchange.SideBuy,
		Qty:    qty,
		Type:   exchange.OrderTypeMarket,
		Tag:    "orb" + string(sig.Breakout.Direction),
	})
	var blocked *order.RiskBlockedError
	if errors.As(err, &blocked) {
		return Result{Status: StatusBlocked, Reason: blocked.Reason}
	}
	if err != nil {
		t.sendf("Entry for %s failed: %v", sig.Contract.Symbol, err)
		return Result{Status: StatusFailed, Reason: err.Error()}
	}

	filled, err := t.orders.ConfirmFill(ctx, h)
	if err != nil {
		log.Warnf("Trader | Fill price for %s unavailable, using signal price %.2f: %v", h.Symbol, sig.LTP, err)
		filled = h
		filled.EntryPrice = sig.LTP
	}

	p := position.New(filled.Symbol, filled.ID, filled.EntryPrice, filled.Qty, rc.StopLossFraction, rc.TargetFraction, t.now())
	if err := t.book.Open(p); err != nil {
		// the broker holds a position the book cannot track; flatten it right away
		log.Errorf("Trader | Cannot track %s: %v", filled.Symbol, err)
		if _, exitErr := t.orders.ExitPosition(ctx, filled, filled.EntryPrice); exitErr != nil {
			t.sendf("UNTRACKED POSITION %s qty=%d: %v", filled.Symbol, filled.Qty, exitErr)
		}
		return Result{Status: StatusFailed, Reason: err.Error()}
	}
	t.mu.Lock()
	t.handles[filled.Symbol] = filled
	t.mu.Unlock()

	t.sendf("ENTRY %s qty=%d @ %.2f (SL %.2f, target %.2f)", p.Symbol, p.Qty, p.Entry, p.StopLoss, p.Target)
	return Result{Status: StatusExecuted, Data: map[string]any{"trade": p, "order_id": filled.ID}}
}

// mark feeds price to the position on symbol and exits when it hits stop or target.
func (t *Trader) mark(ctx context.Context, symbol string, price float64) (Result, bool) {
	p, reason, hit := t.book.Mark(symbol, price)
	if p.Symbol == "" {
		return Result{}, false
	}
	t.pnl.UpdateUnrealized(symbol, p.Unrealized())
	if !hit {
		return Result{}, false
	}
	return t.exit(ctx, symbol, price, reason), true
}

// exit closes the position on symbol. The handle is claimed first so two callers never
// exit the same position; it is put back when the broker refuses.
func (t *Trader) exit(ctx context.Context, symbol string, price float64, reason position.ExitReason) Result {
	t.mu.Lock()
	h, ok := t.handles[symbol]
	delete(t.handles, symbol)
	t.mu.Unlock()
	if !ok {
		return Result{Status: StatusIdle, Reason: "no_open_position"}
	}

	pnl, err := t.orders.ExitPosition(ctx, h, price)
	if err != nil {
		t.mu.Lock()
		t.handles[symbol] = h
		t.mu.Unlock()
		t.sendf("Exit for %s failed: %v", symbol, err)
		return Result{Status: StatusFailed, Reason: err.Error()}
	}
	trade, err := t.book.Close(symbol, price, reason, t.now())
	if err != nil {
		utils.WithComponent("livetrading").Errorf("Trader | %v", err)
	}
	t.pnl.RecordRealized(symbol, pnl)

	t.sendf("EXIT %s (%s) @ %.2f pnl=%s", symbol, reason, price, pnl.StringFixed(2))
	if dec := t.risk.CanTradeNow(); !dec.Allowed && dec.Reason != risk.ReasonTradeAlreadyOpen {
		t.sendf("Trading stopped for today: %s", dec.Reason)
	}
	return Result{Status: StatusClosed, Data: map[string]any{"trade": trade, "pnl": pnl.String()}}
}

// SquareOff exits every open position at the latest price.
func (t *Trader) SquareOff(ctx context.Context) {
	for _, p := range t.book.Active() {
		symbol := p.Symbol
		err := t.notify.RetryWithNotification(func() error {
			price, err := t.ltp(ctx, symbol)
			if err != nil {
				price = p.LastPrice
			}
			if res := t.exit(ctx, symbol, price, position.SquareOff); res.Status == StatusFailed {
				return errors.New(res.Reason)
			}
			return nil
		}, "square off "+symbol)
		if err != nil {
			utils.WithComponent("livetrading").Errorf("Trader | Square off %s failed: %v", symbol, err)
		}
	}
}

// discardRejected drops a position whose entry order died after it was acknowledged.
func (t *Trader) discardRejected(u exchange.OrderUpdate) {
	t.mu.Lock()
	var symbol string
	for s, h := range t.handles {
		if h.BrokerID == u.ID {
			symbol = s
			break
		}
	}
	if symbol != "" {
		delete(t.handles, symbol)
	}
	t.mu.Unlock()
	if symbol != "" && t.book.Discard(symbol) {
		t.sendf("Entry %s for %s ended without a fill: %s", u.ID, symbol, u.Message)
	}
}

func (t *Trader) ltp(ctx context.Context, symbol string) (float64, error) {
	quotes, err := t.ex.Quotes(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("quote %s: %w", symbol, err)
	}
	for _, q := range quotes {
		if q.Symbol == symbol && q.LTP > 0 {
			return q.LTP, nil
		}
	}
	return 0, fmt.Errorf("quote %s: no last price", symbol)
}

func (t *Trader) setSignal(s *Signal) {
	t.mu.Lock()
	t.signal = s
	t.mu.Unlock()
}

func (t *Trader) sendf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := t.notify.Send(msg); err != nil {
		utils.WithComponent("livetrading").Warnf("Trader | Notification failed: %v", err)
	}
}

func errorResult(err error) Result {
	var (
		openErr *exchange.CircuitOpenError
		authErr *exchange.AuthError
	)
	switch {
	case errors.As(err, &openErr):
		return Result{Status: StatusWarning, Reason: risk.ReasonTradingPaused, Data: map[string]any{"retry_after": openErr.RetryAfter.String()}}
	case errors.As(err, &authErr):
		return Result{Status: StatusError, Reason: "unauthorized"}
	}
	return Result{Status: StatusError, Reason: err.Error()}
}

// safely runs fn and turns a panic into an error result.
func safely(name string, fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			utils.WithComponent("livetrading").Errorf("Trader | Recovered from panic in %s: %v\n%s", name, r, debug.Stack())
			res = Result{Status: StatusError, Reason: fmt.Sprintf("internal error in %s", name)}
		}
	}()
	return fn()
}
