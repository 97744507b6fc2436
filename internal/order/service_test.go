package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyhifi-dev/lords/internal/exchange"
	"github.com/proxyhifi-dev/lords/internal/journal"
	"github.com/proxyhifi-dev/lords/internal/market"
	"github.com/proxyhifi-dev/lords/internal/risk"
)

type fakeExchange struct {
	mu       sync.Mutex
	placed   []exchange.OrderRequest
	cancels  []exchange.CancelRequest
	modifies []exchange.ModifyRequest
	failNext error
	// afterPlace and afterModify run before the broker response is returned.
	afterPlace  func(ack exchange.OrderAck)
	afterModify func(req exchange.ModifyRequest)
	book        []exchange.BrokerOrder
	pos         []market.Position
	posErr      error
	ltp         float64
	counter     atomic.Int64
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	f.mu.Lock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		f.mu.Unlock()
		return exchange.OrderAck{}, err
	}
	f.placed = append(f.placed, req)
	ack := exchange.OrderAck{ID: fmt.Sprintf("B-%d", f.counter.Add(1)), Message: "ok"}
	hook := f.afterPlace
	f.mu.Unlock()
	if hook != nil {
		hook(ack)
	}
	return ack, nil
}

func (f *fakeExchange) ModifyOrder(ctx context.Context, req exchange.ModifyRequest) (exchange.OrderAck, error) {
	f.mu.Lock()
	f.modifies = append(f.modifies, req)
	hook := f.afterModify
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return exchange.OrderAck{ID: req.ID}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, req exchange.CancelRequest) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, req)
	return exchange.OrderAck{ID: req.ID}, nil
}

func (f *fakeExchange) Orders(ctx context.Context) ([]exchange.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.book, nil
}

func (f *fakeExchange) Positions(ctx context.Context) ([]market.Position, error) {
	return f.pos, f.posErr
}

func (f *fakeExchange) Quotes(ctx context.Context, symbols ...string) ([]market.Quote, error) {
	return []market.Quote{{Symbol: symbols[0], LTP: f.ltp}}, nil
}

func (f *fakeExchange) OptionChain(ctx context.Context, symbol string, strikeCount int) ([]market.OptionContract, error) {
	return nil, nil
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]Order
	events []journal.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[string]Order)}
}

func (s *fakeStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *fakeStore) GetOpenOrders(ctx context.Context) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveOrder(ctx context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *fakeStore) UpdateOrderStatus(ctx context.Context, id string, status Status, filledQty int, avgPrice float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[id]
	o.Status, o.FilledQty, o.AvgPrice, o.UpdatedAt = status, filledQty, avgPrice, at
	s.orders[id] = o
	return nil
}

func (s *fakeStore) LogEvent(ctx context.Context, e journal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *fakeStore) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	return nil, nil
}

func (s *fakeStore) descriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Description)
	}
	return out
}

func newTestService(maxTrades int, single bool) (*Service, *fakeExchange, *risk.Engine, *fakeStore) {
	ex := &fakeExchange{ltp: 100}
	engine := risk.NewEngine(risk.Limits{
		MaxDailyLoss:   decimal.NewFromInt(5000),
		MaxTrades:      maxTrades,
		SinglePosition: single,
	})
	store := newFakeStore()
	return NewService(ex, engine, store), ex, engine, store
}

func buySpec(symbol string, qty int) Spec {
	return Spec{Symbol: symbol, Side: exchange.SideBuy, Qty: qty, Type: exchange.OrderTypeMarket, Tag: "orb"}
}

func TestConcurrentOrdersRespectMaxTrades(t *testing.T) {
	svc, ex, engine, _ := newTestService(50, false)

	var accepted, blocked atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.PlaceOrder(context.Background(), buySpec(fmt.Sprintf("NSE:SYM%d", i), 1))
			if err == nil {
				accepted.Add(1)
				return
			}
			var rb *RiskBlockedError
			if assert.ErrorAs(t, err, &rb) {
				assert.Equal(t, risk.ReasonMaxTrades, rb.Reason)
			}
			blocked.Add(1)
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 50, accepted.Load())
	assert.EqualValues(t, 50, blocked.Load())
	assert.Equal(t, 50, ex.placedCount())
	assert.Equal(t, 50, engine.Snapshot().Open)
}

func TestPlaceOrderValidation(t *testing.T) {
	svc, ex, engine, _ := newTestService(3, true)

	cases := []struct {
		name  string
		spec  Spec
		field string
	}{
		{"no exchange prefix", buySpec("NIFTY", 1), "symbol"},
		{"zero qty", buySpec("NSE:NIFTY", 0), "qty"},
		{"negative price", Spec{Symbol: "NSE:X", Side: 1, Qty: 1, Type: exchange.OrderTypeLimit, LimitPrice: -1}, "limit_price"},
		{"limit without price", Spec{Symbol: "NSE:X", Side: 1, Qty: 1, Type: exchange.OrderTypeLimit}, "limit_price"},
		{"long tag", Spec{Symbol: "NSE:X", Side: 1, Qty: 1, Type: exchange.OrderTypeMarket, Tag: "abcdefghijklmnopqrstu"}, "tag"},
		{"bad side", Spec{Symbol: "NSE:X", Side: 0, Qty: 1, Type: exchange.OrderTypeMarket}, "side"},
		{"bad type", Spec{Symbol: "NSE:X", Side: 1, Qty: 1, Type: 9}, "type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PlaceOrder(context.Background(), tc.spec)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
	assert.Zero(t, ex.placedCount())
	assert.True(t, engine.CanTradeNow().Allowed)
}

func TestPlaceOrderUsesClientIDAsIdempotencyKey(t *testing.T) {
	svc, ex, _, store := newTestService(3, true)

	h, err := svc.PlaceOrder(context.Background(), buySpec("NSE:NIFTY24JAN21700CE", 50))
	require.NoError(t, err)
	assert.Equal(t, "B-1", h.BrokerID)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, h.ID, ex.placed[0].IdempotencyKey)
	assert.Equal(t, "INTRADAY", ex.placed[0].ProductType)

	o, ok := svc.Get(h.ID)
	require.True(t, ok)
	assert.Equal(t, Placed, o.Status)
	assert.Equal(t, Entry, o.Purpose)

	stored, err := store.GetOrder(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, Placed, stored.Status)
	assert.Contains(t, store.descriptions(), "order_placed")
}

func TestBrokerRejectionReleasesSlot(t *testing.T) {
	svc, ex, engine, store := newTestService(3, true)
	ex.failNext = &exchange.APIError{StatusCode: 200, Code: -50, Message: "insufficient funds"}

	_, err := svc.PlaceOrder(context.Background(), buySpec("NSE:X", 10))
	var apiErr *exchange.APIError
	require.ErrorAs(t, err, &apiErr)

	snap := engine.Snapshot()
	assert.Zero(t, snap.Pending)
	assert.Zero(t, snap.Open)
	assert.True(t, engine.CanTradeNow().Allowed)

	orders := svc.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, Rejected, orders[0].Status)
	assert.Contains(t, orders[0].Reason, "insufficient funds")
	assert.Contains(t, store.descriptions(), "order_rejected")
}

func TestBlockedOrderNeverReachesBroker(t *testing.T) {
	svc, ex, engine, store := newTestService(3, true)
	engine.Shutdown("")

	_, err := svc.PlaceOrder(context.Background(), buySpec("NSE:X", 10))
	var rb *RiskBlockedError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, risk.ReasonShutdown, rb.Reason)
	assert.Zero(t, ex.placedCount())
	assert.Empty(t, svc.Orders())
	assert.Contains(t, store.descriptions(), "order_blocked")
}

func TestExitPositionBooksPnL(t *testing.T) {
	svc, ex, engine, store := newTestService(3, true)
	ctx := context.Background()

	h, err := svc.PlaceOrder(ctx, buySpec("NSE:X", 50))
	require.NoError(t, err)

	ex.book = []exchange.BrokerOrder{{ID: h.BrokerID, TradedPrice: 100, Status: exchange.BrokerStatusFilled}}
	h, err = svc.ConfirmFill(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 100.0, h.EntryPrice)

	pnl, err := svc.ExitPosition(ctx, h, 90)
	require.NoError(t, err)
	assert.Equal(t, "-500", pnl.String())

	require.Len(t, ex.placed, 2)
	assert.Equal(t, exchange.SideSell, ex.placed[1].Side)
	assert.Equal(t, exchange.OrderTypeMarket, ex.placed[1].Type)
	assert.Equal(t, 50, ex.placed[1].Qty)

	snap := engine.Snapshot()
	assert.Equal(t, "-500", snap.RealizedPnL.String())
	assert.Equal(t, 1, snap.TradeCount)
	assert.Zero(t, snap.Open)
	assert.Contains(t, store.descriptions(), "position_closed")
}

func TestExitFailureKeepsPositionOpen(t *testing.T) {
	svc, ex, engine, _ := newTestService(3, true)
	ctx := context.Background()

	h, err := svc.PlaceOrder(ctx, buySpec("NSE:X", 50))
	require.NoError(t, err)
	h.EntryPrice = 100

	ex.failNext = &exchange.TransientError{Group: exchange.GroupTrading, Path: "/orders/sync", Attempts: 4, StatusCode: 503, Err: errors.New("unavailable")}
	_, err = svc.ExitPosition(ctx, h, 120)
	require.Error(t, err)

	snap := engine.Snapshot()
	assert.Equal(t, 1, snap.Open)
	assert.Zero(t, snap.TradeCount)
}

func TestConfirmFillFallsBackToQuote(t *testing.T) {
	svc, ex, _, _ := newTestService(3, true)
	ex.ltp = 87.5

	h, err := svc.PlaceOrder(context.Background(), buySpec("NSE:X", 5))
	require.NoError(t, err)
	h, err = svc.ConfirmFill(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 87.5, h.EntryPrice)
}

func TestApplyUpdateLifecycle(t *testing.T) {
	svc, ex, _, store := newTestService(3, true)
	ctx := context.Background()

	h, err := svc.PlaceOrder(ctx, buySpec("NSE:X", 5))
	require.NoError(t, err)

	require.NoError(t, svc.ApplyUpdate(ctx, exchange.OrderUpdate{ID: h.BrokerID, Status: exchange.BrokerStatusPending}))
	require.NoError(t, svc.ApplyUpdate(ctx, exchange.OrderUpdate{ID: h.BrokerID, Status: exchange.BrokerStatusFilled, FilledQty: 5, TradedPrice: 101.5}))

	o, _ := svc.Get(h.ID)
	assert.Equal(t, Filled, o.Status)
	assert.Equal(t, 5, o.FilledQty)
	assert.Equal(t, 101.5, o.AvgPrice)

	stored, _ := store.GetOrder(ctx, h.ID)
	assert.Equal(t, Filled, stored.Status)

	err = svc.ApplyUpdate(ctx, exchange.OrderUpdate{ID: h.BrokerID, Status: exchange.BrokerStatusCancelled})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, svc.CancelOrder(ctx, h.ID), ErrInvalidTransition)
	assert.Empty(t, ex.cancels)

	h, err = svc.ConfirmFill(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 101.5, h.EntryPrice)

	assert.NoError(t, svc.ApplyUpdate(ctx, exchange.OrderUpdate{ID: "unknown", Status: exchange.BrokerStatusFilled}))
}

func TestCancelledEntryFreesRiskSlot(t *testing.T) {
	svc, ex, engine, _ := newTestService(3, true)
	ctx := context.Background()

	h, err := svc.PlaceOrder(ctx, buySpec("NSE:X", 5))
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonTradeAlreadyOpen, engine.CanTradeNow().Reason)

	require.NoError(t, svc.CancelOrder(ctx, h.ID))
	require.Len(t, ex.cancels, 1)
	assert.Equal(t, h.BrokerID, ex.cancels[0].ID)
	assert.NotEmpty(t, ex.cancels[0].IdempotencyKey)
	assert.NotEqual(t, h.ID, ex.cancels[0].IdempotencyKey)

	o, _ := svc.Get(h.ID)
	assert.Equal(t, Cancelled, o.Status)
	assert.True(t, engine.CanTradeNow().Allowed)
	assert.Zero(t, engine.Snapshot().TradeCount)
}

func TestModifyOrder(t *testing.T) {
	svc, ex, _, _ := newTestService(3, true)
	ctx := context.Background()

	spec := Spec{Symbol: "NSE:X", Side: exchange.SideBuy, Qty: 10, Type: exchange.OrderTypeLimit, LimitPrice: 95}
	h, err := svc.PlaceOrder(ctx, spec)
	require.NoError(t, err)

	qty, price := 20, 96.5
	require.NoError(t, svc.ModifyOrder(ctx, h.ID, Changes{Qty: &qty, LimitPrice: &price}))
	require.Len(t, ex.modifies, 1)
	assert.Equal(t, h.BrokerID, ex.modifies[0].ID)
	assert.NotEmpty(t, ex.modifies[0].IdempotencyKey)

	o, _ := svc.Get(h.ID)
	assert.Equal(t, Modified, o.Status)
	assert.Equal(t, 20, o.Qty)
	assert.Equal(t, 96.5, o.LimitPrice)

	zero := 0
	var ve *ValidationError
	assert.ErrorAs(t, svc.ModifyOrder(ctx, h.ID, Changes{Qty: &zero}), &ve)
	assert.ErrorIs(t, svc.ModifyOrder(ctx, "missing", Changes{}), ErrUnknownOrder)
}

func TestModifyRacingFillLeavesOrderFilled(t *testing.T) {
	svc, ex, _, store := newTestService(3, true)
	ctx := context.Background()

	spec := Spec{Symbol: "NSE:X", Side: exchange.SideBuy, Qty: 10, Type: exchange.OrderTypeLimit, LimitPrice: 95}
	h, err := svc.PlaceOrder(ctx, spec)
	require.NoError(t, err)

	// the fill lands on the order socket while the modify is in flight
	ex.afterModify = func(req exchange.ModifyRequest) {
		require.NoError(t, svc.ApplyUpdate(ctx, exchange.OrderUpdate{ID: req.ID, Status: exchange.BrokerStatusFilled, FilledQty: 10, TradedPrice: 95}))
	}
	qty := 20
	err = svc.ModifyOrder(ctx, h.ID, Changes{Qty: &qty})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	o, _ := svc.Get(h.ID)
	assert.Equal(t, Filled, o.Status)
	assert.Equal(t, 10, o.Qty)
	assert.Equal(t, 95.0, o.AvgPrice)

	stored, _ := store.GetOrder(ctx, h.ID)
	assert.Equal(t, Filled, stored.Status)
	assert.Equal(t, 10, stored.Qty)
	assert.NotContains(t, store.descriptions(), "order_modified")
}

func TestFillBeforeAckIsApplied(t *testing.T) {
	svc, ex, engine, store := newTestService(3, true)
	ctx := context.Background()

	ex.afterPlace = func(ack exchange.OrderAck) {
		require.NoError(t, svc.ApplyUpdate(ctx, exchange.OrderUpdate{ID: ack.ID, Status: exchange.BrokerStatusFilled, FilledQty: 5, TradedPrice: 102.25}))
	}
	h, err := svc.PlaceOrder(ctx, buySpec("NSE:X", 5))
	require.NoError(t, err)

	o, _ := svc.Get(h.ID)
	assert.Equal(t, Filled, o.Status)
	assert.Equal(t, 5, o.FilledQty)
	assert.Equal(t, 102.25, o.AvgPrice)
	assert.Equal(t, 1, engine.Snapshot().Open)

	stored, _ := store.GetOrder(ctx, h.ID)
	assert.Equal(t, Filled, stored.Status)
	assert.Contains(t, store.descriptions(), "order_filled")

	h, err = svc.ConfirmFill(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 102.25, h.EntryPrice)
}

func TestRejectionBeforeAckFailsPlacement(t *testing.T) {
	svc, ex, engine, _ := newTestService(3, true)
	ctx := context.Background()

	ex.afterPlace = func(ack exchange.OrderAck) {
		require.NoError(t, svc.ApplyUpdate(ctx, exchange.OrderUpdate{ID: ack.ID, Status: exchange.BrokerStatusRejected, Message: "rms: margin"}))
	}
	_, err := svc.PlaceOrder(ctx, buySpec("NSE:X", 5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rms: margin")

	orders := svc.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, Rejected, orders[0].Status)
	assert.Zero(t, engine.Snapshot().Open)
	assert.True(t, engine.CanTradeNow().Allowed)
}

func TestEarlyUpdatesAreBounded(t *testing.T) {
	svc, _, _, _ := newTestService(3, true)
	ctx := context.Background()

	for i := 0; i < earlyUpdateLimit+10; i++ {
		require.NoError(t, svc.ApplyUpdate(ctx, exchange.OrderUpdate{ID: fmt.Sprintf("X-%d", i), Status: exchange.BrokerStatusFilled}))
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Len(t, svc.early, earlyUpdateLimit)
	assert.Len(t, svc.earlyOrder, earlyUpdateLimit)
	assert.NotContains(t, svc.early, "X-0")
	assert.Contains(t, svc.early, fmt.Sprintf("X-%d", earlyUpdateLimit+9))
}

func TestReconcile(t *testing.T) {
	svc, ex, _, store := newTestService(3, true)
	ctx := context.Background()

	require.NoError(t, store.SaveOrder(ctx, Order{ID: "c-1", BrokerID: "B-77", Symbol: "NSE:Y", Status: Placed, Purpose: Entry}))
	ex.pos = []market.Position{
		{Symbol: "NSE:X", NetQty: 50, AvgPrice: 100},
		{Symbol: "NSE:Z", NetQty: 0},
	}

	res := svc.Reconcile(ctx)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 1, res.OpenPositions)
	assert.Equal(t, "NSE:X", res.Positions[0].Symbol)
	assert.Equal(t, 1, res.OpenOrders)

	// reloaded orders follow the order stream again
	require.NoError(t, svc.ApplyUpdate(ctx, exchange.OrderUpdate{ID: "B-77", Status: exchange.BrokerStatusRejected, Message: "rms"}))
	o, ok := svc.Get("c-1")
	require.True(t, ok)
	assert.Equal(t, Rejected, o.Status)

	ex.posErr = &exchange.AuthError{Reason: "token expired"}
	res = svc.Reconcile(ctx)
	assert.Equal(t, "warning", res.Status)
	assert.Equal(t, "unauthorized", res.Reason)
	assert.Zero(t, res.OpenPositions)
	assert.NotNil(t, res.Positions)
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(Pending, Placed))
	assert.True(t, CanTransition(Placed, Modified))
	assert.True(t, CanTransition(Modified, Modified))
	assert.False(t, CanTransition(Pending, Filled))
	for _, terminal := range []Status{Filled, Cancelled, Rejected} {
		assert.True(t, terminal.Terminal())
		for _, to := range []Status{Pending, Placed, Modified, Filled, Cancelled, Rejected} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}

	o := Order{ID: "x", Status: Filled}
	err := o.Transition(Cancelled, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Filled, o.Status)
}
