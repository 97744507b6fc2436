package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/proxyhifi-dev/lords/internal/exchange"
	"github.com/proxyhifi-dev/lords/internal/metrics"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// ErrBatchUnsupported is returned when the exchange cannot take several orders in one call.
var ErrBatchUnsupported = errors.New("exchange does not support batch orders")

// Leg is one order of a multi-leg entry.
type Leg struct {
	Symbol     string  `json:"symbol"`
	Side       int     `json:"side"`
	Qty        int     `json:"qty"`
	Type       int     `json:"type"`
	LimitPrice float64 `json:"limit_price"`
	StopPrice  float64 `json:"stop_price"`
}

// BatchItem is the outcome of one order of a multi-order call.
type BatchItem struct {
	Handle Handle
	Err    error
}

// PlaceMultiOrder sends up to exchange.MultiOrderLimit entries in one broker call. Each
// order takes its own risk slot. Nothing is sent unless every spec is valid and every
// slot is granted. Orders the broker refuses give their slot back and report the
// refusal in their BatchItem.
func (s *Service) PlaceMultiOrder(ctx context.Context, specs []Spec) ([]BatchItem, error) {
	bx, ok := s.ex.(exchange.BatchExchange)
	if !ok {
		return nil, ErrBatchUnsupported
	}
	if n := len(specs); n == 0 || n > exchange.MultiOrderLimit {
		metrics.Orders.WithLabelValues("invalid").Inc()
		return nil, &ValidationError{Field: "orders", Reason: fmt.Sprintf("must hold 1 to %d orders", exchange.MultiOrderLimit)}
	}
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			metrics.Orders.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
	}
	held, err := s.reserve(ctx, len(specs), specs[0].Symbol)
	if err != nil {
		return nil, err
	}

	orders := make([]*Order, len(specs))
	reqs := make([]exchange.OrderRequest, len(specs))
	for i, spec := range specs {
		orders[i] = s.buildOrder(spec, Entry)
		s.track(orders[i])
		reqs[i] = s.request(orders[i])
	}
	results, err := bx.PlaceMultiOrder(ctx, exchange.MultiOrderRequest{Orders: reqs, IdempotencyKey: uuid.NewString()})
	if err != nil {
		for i, o := range orders {
			held[i].Release()
			s.reject(ctx, o, err)
		}
		return nil, fmt.Errorf("place multi-order: %w", err)
	}

	items := make([]BatchItem, len(orders))
	for i, o := range orders {
		var r exchange.BatchResult
		if i < len(results) {
			r = results[i]
		} else {
			r.Err = fmt.Errorf("no broker result for %s", o.Symbol)
		}
		if r.Err != nil {
			held[i].Release()
			s.reject(ctx, o, r.Err)
			items[i].Err = r.Err
			continue
		}
		held[i].Confirm()
		placed := s.accept(ctx, o, r.Ack)
		if placed.Status == Rejected || placed.Status == Cancelled {
			items[i].Err = fmt.Errorf("broker order %s %s: %s", placed.BrokerID, placed.Status, placed.Reason)
			continue
		}
		items[i].Handle = handleOf(placed)
	}
	utils.WithComponent("order").Infof("OrderService | Multi-order of %d sent", len(orders))
	return items, nil
}

// PlaceMultiLegOrder sends two or three legs as one broker order. The legs share one
// risk slot and one lifecycle, tracked on an order carrying the first leg's symbol.
func (s *Service) PlaceMultiLegOrder(ctx context.Context, legs []Spec) (Handle, error) {
	bx, ok := s.ex.(exchange.BatchExchange)
	if !ok {
		return Handle{}, ErrBatchUnsupported
	}
	var orderType string
	switch len(legs) {
	case 2:
		orderType = exchange.MultiLeg2
	case 3:
		orderType = exchange.MultiLeg3
	default:
		metrics.Orders.WithLabelValues("invalid").Inc()
		return Handle{}, &ValidationError{Field: "legs", Reason: fmt.Sprintf("must hold 2 or 3 legs, got %d", len(legs))}
	}
	for i, leg := range legs {
		if err := leg.Validate(); err != nil {
			metrics.Orders.WithLabelValues("invalid").Inc()
			return Handle{}, fmt.Errorf("leg %d: %w", i, err)
		}
	}
	held, err := s.reserve(ctx, 1, legs[0].Symbol)
	if err != nil {
		return Handle{}, err
	}
	res := held[0]

	o := s.buildOrder(legs[0], Entry)
	req := exchange.MultiLegRequest{OrderType: orderType, IdempotencyKey: o.ID}
	for _, spec := range legs {
		o.Legs = append(o.Legs, Leg{Symbol: spec.Symbol, Side: spec.Side, Qty: spec.Qty, Type: spec.Type, LimitPrice: spec.LimitPrice, StopPrice: spec.StopPrice})
		req.Legs = append(req.Legs, s.request(s.buildOrder(spec, Entry)))
	}
	s.track(o)

	ack, err := bx.PlaceMultiLeg(ctx, req)
	if err != nil {
		res.Release()
		s.reject(ctx, o, err)
		return Handle{}, fmt.Errorf("place %s order %s: %w", orderType, legs[0].Symbol, err)
	}
	res.Confirm()
	placed := s.accept(ctx, o, ack)
	if placed.Status == Rejected || placed.Status == Cancelled {
		return Handle{}, fmt.Errorf("place %s order %s: broker order %s %s: %s", orderType, legs[0].Symbol, placed.BrokerID, placed.Status, placed.Reason)
	}
	utils.WithComponent("order").Infof("OrderService | Placed %s %s with %d legs broker_id=%s", orderType, placed.ID, len(legs), placed.BrokerID)
	return handleOf(placed), nil
}
