package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/proxyhifi-dev/lords/internal/exchange"
	"github.com/proxyhifi-dev/lords/internal/journal"
	"github.com/proxyhifi-dev/lords/internal/market"
	"github.com/proxyhifi-dev/lords/internal/metrics"
	"github.com/proxyhifi-dev/lords/internal/position"
	"github.com/proxyhifi-dev/lords/internal/risk"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// RiskGate is the part of the risk engine the service depends on.
type RiskGate interface {
	Reserve() (*risk.Reservation, risk.Decision)
	RecordTradeResult(pnl decimal.Decimal) risk.Decision
	ReleaseOpen()
}

// ErrUnknownOrder is returned for ids the service never saw.
var ErrUnknownOrder = errors.New("unknown order")

const (
	defaultProductType = "INTRADAY"
	// earlyUpdateLimit bounds how many unmatched broker ids are held for a late ack.
	earlyUpdateLimit = 256
)

type ServiceOption func(*Service)

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// Service places, tracks and closes orders. Every new entry goes through the risk gate
// before the broker sees it.
type Service struct {
	ex    exchange.Exchange
	risk  RiskGate
	store Storage
	now   func() time.Time

	mu       sync.Mutex
	orders   map[string]*Order
	byBroker map[string]string
	// early holds terminal updates that arrived before the ack carrying their broker id.
	early      map[string][]exchange.OrderUpdate
	earlyOrder []string
}

func NewService(ex exchange.Exchange, gate RiskGate, store Storage, opts ...ServiceOption) *Service {
	s := &Service{
		ex:       ex,
		risk:     gate,
		store:    store,
		now:      time.Now,
		orders:   make(map[string]*Order),
		byBroker: make(map[string]string),
		early:    make(map[string][]exchange.OrderUpdate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder validates spec, reserves a trade slot and sends the order. The slot is
// confirmed when the broker acknowledges and released when it does not.
func (s *Service) PlaceOrder(ctx context.Context, spec Spec) (Handle, error) {
	return s.place(ctx, spec, 0)
}

// PlaceAutoSliceOrder places spec and lets the broker split it into child orders of
// sliceQty each.
func (s *Service) PlaceAutoSliceOrder(ctx context.Context, spec Spec, sliceQty int) (Handle, error) {
	if sliceQty <= 0 {
		metrics.Orders.WithLabelValues("invalid").Inc()
		return Handle{}, &ValidationError{Field: "slice_qty", Reason: "must be positive"}
	}
	return s.place(ctx, spec, sliceQty)
}

func (s *Service) place(ctx context.Context, spec Spec, sliceQty int) (Handle, error) {
	log := utils.WithComponent("order")
	if err := spec.Validate(); err != nil {
		metrics.Orders.WithLabelValues("invalid").Inc()
		return Handle{}, err
	}

	held, err := s.reserve(ctx, 1, spec.Symbol)
	if err != nil {
		return Handle{}, err
	}
	res := held[0]

	o := s.buildOrder(spec, Entry)
	o.SliceQty = sliceQty
	s.track(o)
	ack, err := s.ex.PlaceOrder(ctx, s.request(o))
	if err != nil {
		res.Release()
		s.reject(ctx, o, err)
		return Handle{}, fmt.Errorf("place order %s: %w", spec.Symbol, err)
	}
	res.Confirm()
	placed := s.accept(ctx, o, ack)
	if placed.Status == Rejected || placed.Status == Cancelled {
		return Handle{}, fmt.Errorf("place order %s: broker order %s %s: %s", spec.Symbol, placed.BrokerID, placed.Status, placed.Reason)
	}
	log.Infof("OrderService | Placed %s %s qty=%d side=%d broker_id=%s", placed.ID, placed.Symbol, placed.Qty, placed.Side, placed.BrokerID)
	return handleOf(placed), nil
}

// ExitPosition sends the opposite market order for h and books the round trip with the
// risk engine. The position stays open if the broker refuses the exit.
func (s *Service) ExitPosition(ctx context.Context, h Handle, exitPrice float64) (decimal.Decimal, error) {
	spec := Spec{
		Symbol: h.Symbol,
		Side:   -h.Side,
		Qty:    h.Qty,
		Type:   exchange.OrderTypeMarket,
		Tag:    "exit",
	}
	if err := spec.Validate(); err != nil {
		return decimal.Zero, err
	}
	o := s.buildOrder(spec, Exit)
	s.track(o)
	ack, err := s.ex.PlaceOrder(ctx, s.request(o))
	if err != nil {
		s.reject(ctx, o, err)
		return decimal.Zero, fmt.Errorf("exit %s: %w", h.Symbol, err)
	}
	if placed := s.accept(ctx, o, ack); placed.Status == Rejected || placed.Status == Cancelled {
		return decimal.Zero, fmt.Errorf("exit %s: broker order %s %s: %s", h.Symbol, placed.BrokerID, placed.Status, placed.Reason)
	}

	pnl := position.RealizedPnL(h.Side, h.EntryPrice, exitPrice, h.Qty)
	dec := s.risk.RecordTradeResult(pnl)
	utils.WithComponent("order").Infof("OrderService | Exited %s qty=%d entry=%.2f exit=%.2f pnl=%s",
		h.Symbol, h.Qty, h.EntryPrice, exitPrice, pnl.StringFixed(2))
	s.journal(ctx, journal.EventTrade, "position_closed", map[string]any{
		"symbol":      h.Symbol,
		"entry_id":    h.ID,
		"exit_id":     o.ID,
		"qty":         h.Qty,
		"entry_price": h.EntryPrice,
		"exit_price":  exitPrice,
		"pnl":         pnl.String(),
		"can_trade":   dec.Allowed,
		"risk_reason": dec.Reason,
	})
	return pnl, nil
}

// ConfirmFill fills in the entry price of h from the order feed, the order book or,
// failing both, the latest quote.
func (s *Service) ConfirmFill(ctx context.Context, h Handle) (Handle, error) {
	s.mu.Lock()
	if o, ok := s.orders[h.ID]; ok && o.AvgPrice > 0 {
		h.EntryPrice = o.AvgPrice
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	if book, err := s.ex.Orders(ctx); err == nil {
		for _, bo := range book {
			if bo.ID == h.BrokerID && bo.TradedPrice > 0 {
				h.EntryPrice = bo.TradedPrice
				return h, nil
			}
		}
	} else {
		utils.WithComponent("order").Warnf("OrderService | Order book unavailable for %s: %v", h.ID, err)
	}

	quotes, err := s.ex.Quotes(ctx, h.Symbol)
	if err != nil {
		return h, fmt.Errorf("confirm fill %s: %w", h.ID, err)
	}
	if len(quotes) == 0 || quotes[0].LTP <= 0 {
		return h, fmt.Errorf("confirm fill %s: no price for %s", h.ID, h.Symbol)
	}
	h.EntryPrice = quotes[0].LTP
	return h, nil
}

// CancelOrder cancels a live order. Orders in a terminal state fail without a broker call.
func (s *Service) CancelOrder(ctx context.Context, id string) error {
	o, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, Cancelled) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.Status, Cancelled, id)
	}
	req := exchange.CancelRequest{ID: o.BrokerID, IdempotencyKey: uuid.NewString()}
	if _, err := s.ex.CancelOrder(ctx, req); err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	return s.apply(ctx, id, Cancelled, o.FilledQty, o.AvgPrice, "cancelled by request")
}

// ModifyOrder changes quantity or prices of a live order.
func (s *Service) ModifyOrder(ctx context.Context, id string, c Changes) error {
	o, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, Modified) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.Status, Modified, id)
	}
	if c.Qty != nil && *c.Qty <= 0 {
		return &ValidationError{Field: "qty", Reason: "must be positive"}
	}
	if (c.LimitPrice != nil && *c.LimitPrice < 0) || (c.StopPrice != nil && *c.StopPrice < 0) {
		return &ValidationError{Field: "price", Reason: "must not be negative"}
	}
	req := exchange.ModifyRequest{
		ID:             o.BrokerID,
		Type:           c.Type,
		Qty:            c.Qty,
		LimitPrice:     c.LimitPrice,
		StopPrice:      c.StopPrice,
		IdempotencyKey: uuid.NewString(),
	}
	if _, err := s.ex.ModifyOrder(ctx, req); err != nil {
		return fmt.Errorf("modify order %s: %w", id, err)
	}

	s.mu.Lock()
	tracked := s.orders[id]
	if err := tracked.Transition(Modified, s.now()); err != nil {
		s.mu.Unlock()
		// a fill or cancel raced the request; the broker's terminal state wins
		utils.WithComponent("order").Warnf("OrderService | Modify of %s acknowledged after the order ended: %v", id, err)
		return fmt.Errorf("modify order %s: %w", id, err)
	}
	if c.Type != 0 {
		tracked.Type = c.Type
	}
	if c.Qty != nil {
		tracked.Qty = *c.Qty
	}
	if c.LimitPrice != nil {
		tracked.LimitPrice = *c.LimitPrice
	}
	if c.StopPrice != nil {
		tracked.StopPrice = *c.StopPrice
	}
	snapshot := *tracked
	s.mu.Unlock()

	metrics.Orders.WithLabelValues(string(Modified)).Inc()
	s.save(ctx, snapshot)
	s.journal(ctx, journal.EventOrder, "order_modified", map[string]any{"order": snapshot})
	return nil
}

// ApplyUpdate feeds one order-stream event into the lifecycle. Status codes without a
// transition are ignored. Updates for broker ids not seen yet are held until the
// matching ack arrives, since the order socket can beat the placement response.
func (s *Service) ApplyUpdate(ctx context.Context, u exchange.OrderUpdate) error {
	to, ok := brokerStatus(u.Status)
	if !ok {
		return nil
	}
	s.mu.Lock()
	id, known := s.byBroker[u.ID]
	if !known {
		s.holdEarly(u)
	}
	s.mu.Unlock()
	if !known {
		utils.WithComponent("order").Debugf("OrderService | Holding update for untracked order %s", u.ID)
		return nil
	}
	return s.apply(ctx, id, to, u.FilledQty, u.TradedPrice, u.Message)
}

// holdEarly buffers u under its broker id, evicting the oldest id past the limit.
// Callers hold s.mu.
func (s *Service) holdEarly(u exchange.OrderUpdate) {
	if u.ID == "" {
		return
	}
	if _, ok := s.early[u.ID]; !ok {
		s.earlyOrder = append(s.earlyOrder, u.ID)
		if len(s.earlyOrder) > earlyUpdateLimit {
			delete(s.early, s.earlyOrder[0])
			s.earlyOrder = s.earlyOrder[1:]
		}
	}
	s.early[u.ID] = append(s.early[u.ID], u)
}

// takeEarly removes and returns the updates held for brokerID. Callers hold s.mu.
func (s *Service) takeEarly(brokerID string) []exchange.OrderUpdate {
	held, ok := s.early[brokerID]
	if !ok {
		return nil
	}
	delete(s.early, brokerID)
	for i, id := range s.earlyOrder {
		if id == brokerID {
			s.earlyOrder = append(s.earlyOrder[:i], s.earlyOrder[i+1:]...)
			break
		}
	}
	return held
}

// ReconcileResult reports the broker's view of open positions after a restart.
type ReconcileResult struct {
	Status        string            `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	OpenPositions int               `json:"open_positions"`
	Positions     []market.Position `json:"positions"`
	OpenOrders    int               `json:"open_orders"`
}

// Reconcile reloads open orders from storage and compares against the broker's
// positions. It never fails; problems come back as a warning.
func (s *Service) Reconcile(ctx context.Context) ReconcileResult {
	log := utils.WithComponent("order")
	result := ReconcileResult{Status: "ok", Positions: []market.Position{}}

	if s.store != nil {
		open, err := s.store.GetOpenOrders(ctx)
		if err != nil {
			log.Warnf("OrderService | Failed to load open orders: %v", err)
		}
		s.mu.Lock()
		for i := range open {
			o := open[i]
			if _, ok := s.orders[o.ID]; !ok {
				s.orders[o.ID] = &o
				if o.BrokerID != "" {
					s.byBroker[o.BrokerID] = o.ID
				}
			}
		}
		s.mu.Unlock()
		result.OpenOrders = len(open)
	}

	positions, err := s.ex.Positions(ctx)
	if err != nil {
		result.Status = "warning"
		result.Reason = reconcileReason(err)
		log.Warnf("OrderService | Reconcile could not read positions: %v", err)
		return result
	}
	for _, p := range positions {
		if p.NetQty != 0 {
			result.Positions = append(result.Positions, p)
		}
	}
	result.OpenPositions = len(result.Positions)
	log.Infof("OrderService | Reconciled: %d open positions, %d open orders", result.OpenPositions, result.OpenOrders)
	return result
}

func reconcileReason(err error) string {
	var authErr *exchange.AuthError
	var openErr *exchange.CircuitOpenError
	switch {
	case errors.As(err, &authErr):
		return "unauthorized"
	case errors.As(err, &openErr):
		return "circuit_open"
	default:
		return "positions_unavailable"
	}
}

// Get returns a copy of the tracked order.
func (s *Service) Get(id string) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Orders lists every tracked order.
func (s *Service) Orders() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	return out
}

// reserve holds n risk slots or none at all.
func (s *Service) reserve(ctx context.Context, n int, symbol string) ([]*risk.Reservation, error) {
	held := make([]*risk.Reservation, 0, n)
	for i := 0; i < n; i++ {
		res, dec := s.risk.Reserve()
		if !dec.Allowed {
			for _, r := range held {
				r.Release()
			}
			metrics.Orders.WithLabelValues("blocked").Inc()
			utils.WithComponent("order").Warnf("OrderService | Order for %s blocked: %s", symbol, dec.Reason)
			s.journal(ctx, journal.EventRisk, "order_blocked", map[string]any{"symbol": symbol, "reason": dec.Reason})
			return nil, &RiskBlockedError{Reason: dec.Reason}
		}
		held = append(held, res)
	}
	return held, nil
}

// buildOrder creates a pending order for spec. It is not tracked until track.
func (s *Service) buildOrder(spec Spec, purpose Purpose) *Order {
	now := s.now()
	product := spec.ProductType
	if product == "" {
		product = defaultProductType
	}
	o := &Order{
		ID:          uuid.NewString(),
		Symbol:      spec.Symbol,
		Side:        spec.Side,
		Type:        spec.Type,
		ProductType: product,
		Qty:         spec.Qty,
		LimitPrice:  spec.LimitPrice,
		StopPrice:   spec.StopPrice,
		Tag:         spec.Tag,
		Purpose:     purpose,
		Status:      Pending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return o
}

func (s *Service) track(o *Order) {
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()
}

func (s *Service) request(o *Order) exchange.OrderRequest {
	return exchange.OrderRequest{
		Symbol:         o.Symbol,
		Qty:            o.Qty,
		Type:           o.Type,
		Side:           o.Side,
		ProductType:    o.ProductType,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		Validity:       "DAY",
		OrderTag:       o.Tag,
		AutoSlice:      o.SliceQty > 0,
		SliceQuantity:  o.SliceQty,
		IdempotencyKey: o.ID,
	}
}

// accept records the broker ack for o, then replays any order-stream updates that
// arrived for its broker id before the ack did.
func (s *Service) accept(ctx context.Context, o *Order, ack exchange.OrderAck) Order {
	log := utils.WithComponent("order")
	s.mu.Lock()
	o.BrokerID = ack.ID
	if err := o.Transition(Placed, s.now()); err != nil {
		snapshot := *o
		s.mu.Unlock()
		log.Errorf("OrderService | Ack for %s not applied: %v", o.ID, err)
		return snapshot
	}
	var held []exchange.OrderUpdate
	if ack.ID != "" {
		s.byBroker[ack.ID] = o.ID
		held = s.takeEarly(ack.ID)
	}
	snapshot := *o
	s.mu.Unlock()

	metrics.Orders.WithLabelValues(string(Placed)).Inc()
	s.save(ctx, snapshot)
	s.journal(ctx, journal.EventOrder, "order_placed", map[string]any{"order": snapshot, "broker_message": ack.Message})

	if len(held) == 0 {
		return snapshot
	}
	for _, u := range held {
		to, _ := brokerStatus(u.Status)
		if err := s.apply(ctx, o.ID, to, u.FilledQty, u.TradedPrice, u.Message); err != nil {
			log.Debugf("OrderService | Held update for %s skipped: %v", ack.ID, err)
		}
	}
	s.mu.Lock()
	snapshot = *o
	s.mu.Unlock()
	return snapshot
}

func (s *Service) reject(ctx context.Context, o *Order, cause error) {
	s.mu.Lock()
	if err := o.Transition(Rejected, s.now()); err != nil {
		s.mu.Unlock()
		utils.WithComponent("order").Errorf("OrderService | Rejection of %s not applied: %v", o.ID, err)
		return
	}
	o.Reason = cause.Error()
	snapshot := *o
	s.mu.Unlock()

	metrics.Orders.WithLabelValues(string(Rejected)).Inc()
	utils.WithComponent("order").Errorf("OrderService | Order %s for %s rejected: %v", snapshot.ID, snapshot.Symbol, cause)
	s.save(ctx, snapshot)
	s.journal(ctx, journal.EventOrder, "order_rejected", map[string]any{"order": snapshot})
}

// apply moves a tracked order to status to and frees the risk slot of an entry that
// ended without a fill.
func (s *Service) apply(ctx context.Context, id string, to Status, filledQty int, avgPrice float64, message string) error {
	s.mu.Lock()
	o, ok := s.orders[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if err := o.Transition(to, s.now()); err != nil {
		s.mu.Unlock()
		return err
	}
	if filledQty > 0 {
		o.FilledQty = filledQty
	}
	if avgPrice > 0 {
		o.AvgPrice = avgPrice
	}
	if message != "" && to != Filled {
		o.Reason = message
	}
	snapshot := *o
	s.mu.Unlock()

	metrics.Orders.WithLabelValues(string(to)).Inc()
	if snapshot.Purpose == Entry && to != Filled && snapshot.FilledQty == 0 {
		s.risk.ReleaseOpen()
	}
	if s.store != nil {
		if err := s.store.UpdateOrderStatus(ctx, id, to, snapshot.FilledQty, snapshot.AvgPrice, snapshot.UpdatedAt); err != nil {
			utils.WithComponent("order").Errorf("OrderService | Failed to update order %s: %v", id, err)
		}
	}
	s.journal(ctx, journal.EventOrder, "order_"+string(to), map[string]any{"order": snapshot})
	return nil
}

func (s *Service) lookup(ctx context.Context, id string) (Order, error) {
	s.mu.Lock()
	if o, ok := s.orders[id]; ok {
		defer s.mu.Unlock()
		return *o, nil
	}
	s.mu.Unlock()

	if s.store == nil {
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	stored, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return Order{}, fmt.Errorf("load order %s: %w", id, err)
	}
	if stored == nil {
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	s.mu.Lock()
	if _, ok := s.orders[id]; !ok {
		s.orders[id] = stored
		if stored.BrokerID != "" {
			s.byBroker[stored.BrokerID] = id
		}
	}
	o := *s.orders[id]
	s.mu.Unlock()
	return o, nil
}

// save persists o. Storage failures are logged; the broker stays the source of truth.
func (s *Service) save(ctx context.Context, o Order) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveOrder(ctx, o); err != nil {
		utils.WithComponent("order").Errorf("OrderService | Failed to save order %s: %v", o.ID, err)
	}
}

func (s *Service) journal(ctx context.Context, eventType, description string, data map[string]any) {
	if s.store == nil {
		return
	}
	err := s.store.LogEvent(ctx, journal.Event{
		Time:        s.now(),
		Type:        eventType,
		Description: description,
		Data:        data,
	})
	if err != nil {
		utils.WithComponent("order").Errorf("OrderService | Failed to journal %s: %v", description, err)
	}
}

func handleOf(o Order) Handle {
	return Handle{
		ID:         o.ID,
		BrokerID:   o.BrokerID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        o.Qty,
		EntryPrice: o.LimitPrice,
	}
}
