package risk

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type memState struct {
	mu    sync.Mutex
	saved map[string][]byte
	saves int
}

func (m *memState) SaveState(ctx context.Context, s map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string][]byte)
	}
	for k, v := range s {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m.saved[k] = data
	}
	m.saves++
	return nil
}

func (m *memState) LoadState(ctx context.Context) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.saved))
	for k, data := range m.saved {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

type pauseFlag struct{ paused atomic.Bool }

func (p *pauseFlag) TradingPaused() bool { return p.paused.Load() }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newEngine(maxLoss float64, maxTrades int, single bool, opts ...Option) (*Engine, *clock) {
	c := &clock{t: time.Date(2024, 1, 2, 10, 0, 0, 0, ist)}
	opts = append([]Option{WithClock(c.Now), WithLocation(ist)}, opts...)
	return NewEngine(Limits{MaxDailyLoss: d(maxLoss), MaxTrades: maxTrades, SinglePosition: single}, opts...), c
}

func TestLossBreachBlocksUntilReset(t *testing.T) {
	e, _ := newEngine(5000, 10, false)
	require.True(t, e.CanTradeNow().Allowed)

	got := e.RecordTradeResult(d(-6000))
	assert.Equal(t, Decision{Reason: ReasonMaxDailyLoss}, got)
	assert.Equal(t, Decision{Reason: ReasonMaxDailyLoss}, e.CanTradeNow())

	// a later profit brings PnL back inside the limit but shutdown is sticky
	e.RecordTradeResult(d(2000))
	assert.Equal(t, "-4000", e.RealizedPnL().String())
	assert.Equal(t, Decision{Reason: ReasonMaxDailyLoss}, e.CanTradeNow())

	snap := e.Snapshot()
	assert.True(t, snap.Shutdown)
	assert.Equal(t, ReasonMaxDailyLoss, snap.ShutdownReason)
	assert.Equal(t, 2, snap.TradeCount)

	e.Reset()
	assert.True(t, e.CanTradeNow().Allowed)
	assert.Equal(t, "-4000", e.RealizedPnL().String(), "reset keeps counters")
	assert.Equal(t, 2, e.Snapshot().TradeCount)
}

func TestLossExactlyAtLimitBlocks(t *testing.T) {
	e, _ := newEngine(2500, 10, false)
	e.RecordTradeResult(d(-2500))
	assert.Equal(t, ReasonMaxDailyLoss, e.CanTradeNow().Reason)
}

func TestSimultaneousBreachPrefersLoss(t *testing.T) {
	e, _ := newEngine(1000, 2, false)
	e.RecordTradeResult(d(-100))
	got := e.RecordTradeResult(d(-1000))
	assert.Equal(t, ReasonMaxDailyLoss, got.Reason)
	assert.Equal(t, ReasonMaxDailyLoss, e.Snapshot().ShutdownReason)
}

func TestMaxTradesShutsDown(t *testing.T) {
	e, _ := newEngine(5000, 2, false)
	e.RecordTradeResult(d(100))
	require.True(t, e.CanTradeNow().Allowed)
	e.RecordTradeResult(d(100))
	assert.Equal(t, Decision{Reason: ReasonMaxTrades}, e.CanTradeNow())
}

func TestOperatorShutdown(t *testing.T) {
	e, _ := newEngine(5000, 3, false)
	e.Shutdown("")
	assert.Equal(t, ReasonShutdown, e.CanTradeNow().Reason)

	res, dec := e.Reserve()
	assert.Nil(t, res)
	assert.Equal(t, ReasonShutdown, dec.Reason)

	// the operator reason survives a later loss breach
	e.RecordTradeResult(d(-9000))
	assert.Equal(t, ReasonShutdown, e.CanTradeNow().Reason)
}

func TestReservationLifecycle(t *testing.T) {
	e, _ := newEngine(5000, 2, true)

	r1, dec := e.Reserve()
	require.True(t, dec.Allowed)
	require.NotNil(t, r1)
	assert.Equal(t, ReasonTradeAlreadyOpen, e.CanTradeNow().Reason)

	r1.Release()
	r1.Release()
	assert.True(t, e.CanTradeNow().Allowed)
	assert.Equal(t, 0, e.Snapshot().Pending)

	r2, _ := e.Reserve()
	r2.Confirm()
	r2.Release()
	snap := e.Snapshot()
	assert.Equal(t, 1, snap.Open)
	assert.Equal(t, 0, snap.Pending)
	assert.Equal(t, ReasonTradeAlreadyOpen, e.CanTradeNow().Reason)

	e.RecordTradeResult(d(50))
	snap = e.Snapshot()
	assert.Equal(t, 0, snap.Open)
	assert.Equal(t, 1, snap.TradeCount)
	assert.True(t, e.CanTradeNow().Allowed)
}

func TestConcurrentReservationsNeverExceedMaxTrades(t *testing.T) {
	e, _ := newEngine(5000, 50, false)

	var allowed, blocked atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, dec := e.Reserve()
			if !dec.Allowed {
				assert.Equal(t, ReasonMaxTrades, dec.Reason)
				blocked.Add(1)
				return
			}
			r.Confirm()
			allowed.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 50, allowed.Load())
	assert.EqualValues(t, 50, blocked.Load())
	assert.Equal(t, 50, e.Snapshot().Open)
}

func TestCircuitPauseBlocks(t *testing.T) {
	pause := &pauseFlag{}
	e, _ := newEngine(5000, 3, false, WithPauseSource(pause))
	pause.paused.Store(true)
	assert.Equal(t, ReasonTradingPaused, e.CanTradeNow().Reason)
	pause.paused.Store(false)
	assert.True(t, e.CanTradeNow().Allowed)
}

func TestDayRolloverStartsNewSession(t *testing.T) {
	e, c := newEngine(1000, 3, false)
	e.RecordTradeResult(d(-1500))
	require.False(t, e.CanTradeNow().Allowed)

	c.Set(time.Date(2024, 1, 2, 23, 59, 0, 0, ist))
	require.False(t, e.CanTradeNow().Allowed)

	c.Set(time.Date(2024, 1, 3, 0, 0, 1, 0, ist))
	assert.True(t, e.CanTradeNow().Allowed)
	snap := e.Snapshot()
	assert.Equal(t, "2024-01-03", snap.Day)
	assert.True(t, snap.RealizedPnL.IsZero())
	assert.Equal(t, 0, snap.TradeCount)
}

func TestStateSurvivesRestartSameDay(t *testing.T) {
	store := &memState{}
	e, c := newEngine(1000, 3, false, WithStateStore(store))
	e.RecordTradeResult(d(-1200.5))
	require.Positive(t, store.saves)

	restarted, _ := newEngine(1000, 3, false, WithStateStore(store), WithClock(c.Now))
	require.NoError(t, restarted.Restore(context.Background()))
	snap := restarted.Snapshot()
	assert.Equal(t, "-1200.5", snap.RealizedPnL.String())
	assert.Equal(t, 1, snap.TradeCount)
	assert.Equal(t, ReasonMaxDailyLoss, restarted.CanTradeNow().Reason)

	c.Set(time.Date(2024, 1, 3, 9, 0, 0, 0, ist))
	nextDay, _ := newEngine(1000, 3, false, WithStateStore(store), WithClock(c.Now))
	require.NoError(t, nextDay.Restore(context.Background()))
	assert.True(t, nextDay.CanTradeNow().Allowed)
}

func TestComputeQty(t *testing.T) {
	cases := []struct {
		name                         string
		capital, risk, entry, stopFr float64
		want                         int
	}{
		{"one percent of 100k at 100 with 20% stop", 100000, 1, 100, 0.2, 50},
		{"floor", 100000, 1, 120, 0.2, 41},
		{"min stop distance", 1000, 1, 0.2, 0.2, 100},
		{"no capital", 0, 1, 100, 0.2, 0},
		{"no entry", 1000, 1, 0, 0.2, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeQty(tc.capital, tc.risk, tc.entry, tc.stopFr))
		})
	}
}

func TestPnLTracker(t *testing.T) {
	tr := NewPnLTracker(100000)
	tr.UpdateUnrealized("A", d(250))
	tr.RecordRealized("B", d(-100))

	s := tr.Summary()
	assert.Equal(t, "-100", s.Realized.String())
	assert.Equal(t, "250", s.Unrealized.String())
	assert.Equal(t, "150", s.Total.String())
	assert.Equal(t, 99900.0, tr.CurrentCapital())

	tr.RecordRealized("A", d(300))
	s = tr.Summary()
	assert.True(t, s.Unrealized.IsZero())
	assert.Equal(t, "200", s.Realized.String())

	tr.ResetDaily()
	s = tr.Summary()
	assert.True(t, s.Realized.IsZero())
	assert.Equal(t, "100200", s.Capital.String())
}
