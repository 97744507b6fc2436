package order

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyhifi-dev/lords/internal/exchange"
	"github.com/proxyhifi-dev/lords/internal/risk"
)

// batchExchange adds multi-order support to fakeExchange. Symbols in refuse are
// rejected by the broker one by one.
type batchExchange struct {
	*fakeExchange
	bmu    sync.Mutex
	multi  []exchange.MultiOrderRequest
	legs   []exchange.MultiLegRequest
	refuse map[string]bool
	down   error
}

func (b *batchExchange) PlaceMultiOrder(ctx context.Context, req exchange.MultiOrderRequest) ([]exchange.BatchResult, error) {
	b.bmu.Lock()
	b.multi = append(b.multi, req)
	b.bmu.Unlock()
	if b.down != nil {
		return nil, b.down
	}
	out := make([]exchange.BatchResult, len(req.Orders))
	for i, o := range req.Orders {
		if b.refuse[o.Symbol] {
			out[i].Err = &exchange.APIError{StatusCode: 400, Code: -50, Message: "insufficient funds"}
			continue
		}
		out[i].Ack, out[i].Err = b.fakeExchange.PlaceOrder(ctx, o)
	}
	return out, nil
}

func (b *batchExchange) PlaceMultiLeg(ctx context.Context, req exchange.MultiLegRequest) (exchange.OrderAck, error) {
	b.bmu.Lock()
	b.legs = append(b.legs, req)
	b.bmu.Unlock()
	if b.down != nil {
		return exchange.OrderAck{}, b.down
	}
	return exchange.OrderAck{ID: "ML-1", Message: "ok"}, nil
}

func newBatchService(maxTrades int) (*Service, *batchExchange, *risk.Engine, *fakeStore) {
	ex := &batchExchange{fakeExchange: &fakeExchange{ltp: 100}, refuse: map[string]bool{}}
	engine := risk.NewEngine(risk.Limits{MaxDailyLoss: decimal.NewFromInt(5000), MaxTrades: maxTrades})
	store := newFakeStore()
	return NewService(ex, engine, store), ex, engine, store
}

func TestPlaceMultiOrderTakesSlotPerOrder(t *testing.T) {
	svc, ex, engine, _ := newBatchService(5)
	ex.refuse["NSE:C"] = true

	items, err := svc.PlaceMultiOrder(context.Background(), []Spec{buySpec("NSE:A", 1), buySpec("NSE:B", 2), buySpec("NSE:C", 3)})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "NSE:A", items[0].Handle.Symbol)
	assert.NotEmpty(t, items[1].Handle.BrokerID)
	var apiErr *exchange.APIError
	require.ErrorAs(t, items[2].Err, &apiErr)
	assert.Empty(t, items[2].Handle.ID)

	require.Len(t, ex.multi, 1)
	assert.Len(t, ex.multi[0].Orders, 3)
	assert.NotEmpty(t, ex.multi[0].IdempotencyKey)

	snap := engine.Snapshot()
	assert.Equal(t, 2, snap.Open)
	assert.Zero(t, snap.Pending)

	statuses := map[string]Status{}
	for _, o := range svc.Orders() {
		statuses[o.Symbol] = o.Status
	}
	assert.Equal(t, map[string]Status{"NSE:A": Placed, "NSE:B": Placed, "NSE:C": Rejected}, statuses)
}

func TestPlaceMultiOrderIsAllOrNothingBeforeSending(t *testing.T) {
	svc, ex, engine, _ := newBatchService(2)

	_, err := svc.PlaceMultiOrder(context.Background(), []Spec{buySpec("NSE:A", 1), buySpec("NSE:B", 1), buySpec("NSE:C", 1)})
	var rb *RiskBlockedError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, risk.ReasonMaxTrades, rb.Reason)
	assert.Empty(t, ex.multi)
	assert.Zero(t, engine.Snapshot().Pending)
	assert.True(t, engine.CanTradeNow().Allowed)

	_, err = svc.PlaceMultiOrder(context.Background(), []Spec{buySpec("NSE:A", 1), buySpec("B", 1)})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "symbol", ve.Field)

	_, err = svc.PlaceMultiOrder(context.Background(), nil)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "orders", ve.Field)
	assert.Empty(t, ex.multi)
	assert.Empty(t, svc.Orders())
}

func TestPlaceMultiOrderBrokerDown(t *testing.T) {
	svc, ex, engine, _ := newBatchService(5)
	ex.down = errors.New("connection reset")

	_, err := svc.PlaceMultiOrder(context.Background(), []Spec{buySpec("NSE:A", 1), buySpec("NSE:B", 1)})
	require.Error(t, err)
	snap := engine.Snapshot()
	assert.Zero(t, snap.Open)
	assert.Zero(t, snap.Pending)
	for _, o := range svc.Orders() {
		assert.Equal(t, Rejected, o.Status)
	}
}

func TestPlaceMultiLegOrder(t *testing.T) {
	svc, ex, engine, store := newBatchService(5)
	ctx := context.Background()
	sell := Spec{Symbol: "NSE:NIFTY2410421700CE", Side: exchange.SideSell, Qty: 50, Type: exchange.OrderTypeLimit, LimitPrice: 120}
	buy := Spec{Symbol: "NSE:NIFTY2410421800CE", Side: exchange.SideBuy, Qty: 50, Type: exchange.OrderTypeLimit, LimitPrice: 80}

	h, err := svc.PlaceMultiLegOrder(ctx, []Spec{sell, buy})
	require.NoError(t, err)
	assert.Equal(t, "ML-1", h.BrokerID)
	assert.Equal(t, sell.Symbol, h.Symbol)

	require.Len(t, ex.legs, 1)
	assert.Equal(t, exchange.MultiLeg2, ex.legs[0].OrderType)
	assert.Equal(t, h.ID, ex.legs[0].IdempotencyKey)
	require.Len(t, ex.legs[0].Legs, 2)
	assert.Equal(t, buy.Symbol, ex.legs[0].Legs[1].Symbol)
	assert.Equal(t, 1, engine.Snapshot().Open)

	o, _ := svc.Get(h.ID)
	require.Len(t, o.Legs, 2)
	assert.Equal(t, exchange.SideSell, o.Legs[0].Side)
	assert.Contains(t, store.descriptions(), "order_placed")

	// the whole strategy follows the broker id of the multi-leg order
	require.NoError(t, svc.ApplyUpdate(ctx, exchange.OrderUpdate{ID: "ML-1", Status: exchange.BrokerStatusRejected, Message: "leg rejected"}))
	o, _ = svc.Get(h.ID)
	assert.Equal(t, Rejected, o.Status)
	assert.Zero(t, engine.Snapshot().Open)

	third := Spec{Symbol: "NSE:NIFTY2410421900CE", Side: exchange.SideSell, Qty: 50, Type: exchange.OrderTypeMarket}
	_, err = svc.PlaceMultiLegOrder(ctx, []Spec{sell, buy, third})
	require.NoError(t, err)
	assert.Equal(t, exchange.MultiLeg3, ex.legs[1].OrderType)

	var ve *ValidationError
	_, err = svc.PlaceMultiLegOrder(ctx, []Spec{sell})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "legs", ve.Field)
	_, err = svc.PlaceMultiLegOrder(ctx, []Spec{sell, buy, third, sell})
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ex.legs, 2)
}

func TestBatchOrdersNeedBatchExchange(t *testing.T) {
	svc, _, _, _ := newTestService(3, false)
	_, err := svc.PlaceMultiOrder(context.Background(), []Spec{buySpec("NSE:A", 1)})
	assert.ErrorIs(t, err, ErrBatchUnsupported)
	_, err = svc.PlaceMultiLegOrder(context.Background(), []Spec{buySpec("NSE:A", 1), buySpec("NSE:B", 1)})
	assert.ErrorIs(t, err, ErrBatchUnsupported)
}

func TestPlaceAutoSliceOrder(t *testing.T) {
	svc, ex, engine, _ := newTestService(3, true)

	_, err := svc.PlaceAutoSliceOrder(context.Background(), buySpec("NSE:NIFTY2410421700CE", 3600), 0)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "slice_qty", ve.Field)
	assert.Zero(t, ex.placedCount())

	h, err := svc.PlaceAutoSliceOrder(context.Background(), buySpec("NSE:NIFTY2410421700CE", 3600), 1800)
	require.NoError(t, err)
	require.Len(t, ex.placed, 1)
	assert.True(t, ex.placed[0].AutoSlice)
	assert.Equal(t, 1800, ex.placed[0].SliceQuantity)
	assert.Equal(t, 3600, ex.placed[0].Qty)

	o, _ := svc.Get(h.ID)
	assert.Equal(t, 1800, o.SliceQty)
	assert.Equal(t, 1, engine.Snapshot().Open)

	_, err = svc.PlaceOrder(context.Background(), buySpec("NSE:X", 1))
	require.Error(t, err)
}
