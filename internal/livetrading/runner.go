package livetrading

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/proxyhifi-dev/lords/internal/config"
	"github.com/proxyhifi-dev/lords/internal/exchange"
	"github.com/proxyhifi-dev/lords/internal/market"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// ErrTickStreamClosed is returned by Run when the underlying's tick channel closes.
var ErrTickStreamClosed = errors.New("tick stream closed")

// TickSource delivers ticks for a set of symbols.
type TickSource interface {
	Subscribe(symbols []string, bufferSize int) (<-chan market.Tick, error)
	Unsubscribe(ch <-chan market.Tick)
}

type RunnerOption func(*Runner)

// WithManualApproval leaves breakouts as pending signals for Approve instead of entering.
func WithManualApproval() RunnerOption {
	return func(r *Runner) { r.manual = true }
}

// WithIntervals sets how often the ORB clock advances and open positions are polled.
func WithIntervals(clock, poll time.Duration) RunnerOption {
	return func(r *Runner) { r.clockEvery, r.pollEvery = clock, poll }
}

// Runner drives a Trader from the tick stream: ticks of the underlying feed the ORB
// detector, ticks of held contracts drive the exits.
type Runner struct {
	t          *Trader
	ticks      TickSource
	manual     bool
	clockEvery time.Duration
	pollEvery  time.Duration
	tradeUntil time.Duration

	merged   chan market.Tick
	followed map[string]<-chan market.Tick
	wg       sync.WaitGroup
}

func NewRunner(t *Trader, ticks TickSource, opts ...RunnerOption) *Runner {
	until, err := config.ParseClock(t.cfg.ORB.TradeUntil)
	if err != nil {
		until = 24 * time.Hour
	}
	r := &Runner{
		t:          t,
		ticks:      ticks,
		clockEvery: time.Second,
		pollEvery:  5 * time.Second,
		tradeUntil: until,
		merged:     make(chan market.Tick, 1024),
		followed:   make(map[string]<-chan market.Tick),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run trades until ctx is cancelled, then squares off what is still open.
func (r *Runner) Run(ctx context.Context) error {
	log := utils.WithComponent("livetrading")
	t := r.t
	ctx, cancel := context.WithCancel(ctx)

	if rec := t.orders.Reconcile(ctx); rec.Status != "ok" {
		t.sendf("Startup reconcile: %s (%s)", rec.Status, rec.Reason)
	} else if rec.OpenPositions > 0 {
		t.sendf("Startup reconcile: %d open broker positions not managed by this session", rec.OpenPositions)
	}

	underlyingDone := make(chan struct{})
	if err := r.follow(ctx, t.Underlying(), underlyingDone); err != nil {
		cancel()
		return err
	}
	log.Infof("Runner | Trading %s (mode=%s, manual=%v)", t.Underlying(), t.cfg.Mode, r.manual)

	clock := time.NewTicker(r.clockEvery)
	defer clock.Stop()
	poll := time.NewTicker(r.pollEvery)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown(cancel)
			return nil
		case <-underlyingDone:
			if ctx.Err() != nil {
				// the forwarder saw the cancellation first
				r.shutdown(cancel)
				return nil
			}
			log.Error("Runner | Tick stream for the underlying closed")
			r.shutdown(cancel)
			return ErrTickStreamClosed
		case tick := <-r.merged:
			r.onTick(ctx, tick)
		case <-clock.C:
			r.onClock(ctx)
		case <-poll.C:
			if len(t.book.Active()) > 0 {
				if res := t.Monitor(ctx); res.Status == StatusWarning || res.Status == StatusError {
					log.Warnf("Runner | Position poll: %s %s", res.Status, res.Reason)
				}
			}
		}
	}
}

// HandleOrderMessage applies one order-socket frame.
func (r *Runner) HandleOrderMessage(data []byte) {
	u, ok := exchange.DecodeOrderUpdate(data)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.t.orders.ApplyUpdate(ctx, u); err != nil {
		utils.WithComponent("livetrading").Debugf("Runner | Order update %s ignored: %v", u.ID, err)
		return
	}
	if u.Status == exchange.BrokerStatusRejected || u.Status == exchange.BrokerStatusCancelled {
		r.t.discardRejected(u)
	}
}

func (r *Runner) onTick(ctx context.Context, tick market.Tick) {
	t := r.t
	if tick.Symbol != t.Underlying() {
		if res, exited := t.mark(ctx, tick.Symbol, tick.Price); exited {
			utils.WithComponent("livetrading").Infof("Runner | Exit %s: %s %s", tick.Symbol, res.Status, res.Reason)
		}
		return
	}

	b, fired := t.orb.OnTick(tick)
	if !fired {
		return
	}
	t.sendf("BREAKOUT %s %s @ %.2f (range %.2f-%.2f)", b.Symbol, b.Direction, b.Price, b.Low, b.High)
	sig, err := t.selectSignal(ctx, b)
	if err != nil {
		t.sendf("No contract for %s breakout: %v", b.Direction, err)
		return
	}
	if r.manual {
		t.setSignal(&sig)
		return
	}
	res := t.enter(ctx, sig)
	if res.Status != StatusExecuted {
		utils.WithComponent("livetrading").Warnf("Runner | Entry %s: %s", sig.Contract.Symbol, res.Reason)
		return
	}
	if err := r.follow(ctx, sig.Contract.Symbol, nil); err != nil {
		utils.WithComponent("livetrading").Warnf("Runner | Cannot stream %s, polling only: %v", sig.Contract.Symbol, err)
	}
}

func (r *Runner) onClock(ctx context.Context) {
	t := r.t
	now := t.now().In(t.loc)
	t.orb.Advance(now)

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if now.Sub(midnight) >= r.tradeUntil && len(t.book.Active()) > 0 {
		utils.WithComponent("livetrading").Info("Runner | Trade cutoff reached, squaring off")
		t.SquareOff(ctx)
	}
}

// follow subscribes symbol and forwards its ticks into the merged channel. done, when
// set, is closed once the subscription ends.
func (r *Runner) follow(ctx context.Context, symbol string, done chan struct{}) error {
	if _, ok := r.followed[symbol]; ok {
		return nil
	}
	ch, err := r.ticks.Subscribe([]string{symbol}, 256)
	if err != nil {
		return err
	}
	r.followed[symbol] = ch
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if done != nil {
			defer close(done)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-ch:
				if !ok {
					return
				}
				select {
				case r.merged <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

// shutdown squares off with a fresh context, then stops the forwarders.
func (r *Runner) shutdown(stop context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.t.SquareOff(ctx)
	stop()
	for symbol, ch := range r.followed {
		r.ticks.Unsubscribe(ch)
		delete(r.followed, symbol)
	}
	r.wg.Wait()
}
