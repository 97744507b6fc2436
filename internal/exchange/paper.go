package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/proxyhifi-dev/lords/internal/market"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// Paper proxies market reads to a real exchange and simulates order mutations. Orders
// fill immediately at the last quote.
type Paper struct {
	real         Exchange
	orderCounter atomic.Int64

	mu     sync.Mutex
	orders map[string]BrokerOrder
}

func NewPaper(real Exchange) *Paper {
	p := &Paper{real: real, orders: make(map[string]BrokerOrder)}
	p.orderCounter.Store(1000)
	return p
}

func (p *Paper) Name() string {
	return "paper-" + p.real.Name()
}

// ===== PROXY FUNCTIONS =====

func (p *Paper) Quotes(ctx context.Context, symbols ...string) ([]market.Quote, error) {
	return p.real.Quotes(ctx, symbols...)
}

func (p *Paper) OptionChain(ctx context.Context, symbol string, strikeCount int) ([]market.OptionContract, error) {
	return p.real.OptionChain(ctx, symbol, strikeCount)
}

// ===== SIMULATED FUNCTIONS =====

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, err
	}
	price := req.LimitPrice
	if req.Type == OrderTypeMarket || price == 0 {
		quotes, err := p.real.Quotes(ctx, req.Symbol)
		if err != nil {
			return OrderAck{}, fmt.Errorf("paper fill price for %s: %w", req.Symbol, err)
		}
		price = quotes[0].LTP
	}

	id := fmt.Sprintf("PAPER-%d", p.orderCounter.Add(1))
	p.mu.Lock()
	p.orders[id] = BrokerOrder{
		ID:          id,
		Symbol:      req.Symbol,
		Qty:         req.Qty,
		FilledQty:   req.Qty,
		Side:        req.Side,
		Status:      BrokerStatusFilled,
		TradedPrice: price,
		LimitPrice:  req.LimitPrice,
		OrderTag:    req.OrderTag,
	}
	p.mu.Unlock()

	utils.WithComponent("paper").Infof("Paper | Simulated fill %s %s qty=%d side=%d @ %.2f", id, req.Symbol, req.Qty, req.Side, price)
	return OrderAck{ID: id, Message: "paper order filled"}, nil
}

func (p *Paper) ModifyOrder(ctx context.Context, req ModifyRequest) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[req.ID]
	if !ok {
		return OrderAck{}, &ValidationError{StatusCode: 400, Message: "unknown order " + req.ID}
	}
	if o.Status != BrokerStatusPending {
		return OrderAck{}, &APIError{StatusCode: 200, Message: "order is not pending"}
	}
	if req.Qty != nil {
		o.Qty = *req.Qty
	}
	if req.LimitPrice != nil {
		o.LimitPrice = *req.LimitPrice
	}
	p.orders[req.ID] = o
	return OrderAck{ID: req.ID, Message: "paper order modified"}, nil
}

func (p *Paper) CancelOrder(ctx context.Context, req CancelRequest) (OrderAck, error) {
	orderID := req.ID
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return OrderAck{}, &ValidationError{StatusCode: 400, Message: "unknown order " + orderID}
	}
	if o.Status != BrokerStatusPending {
		return OrderAck{}, &APIError{StatusCode: 200, Message: "order is not pending"}
	}
	o.Status = BrokerStatusCancelled
	p.orders[orderID] = o
	return OrderAck{ID: orderID, Message: "paper order cancelled"}, nil
}

func (p *Paper) Orders(ctx context.Context) ([]BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BrokerOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o)
	}
	return out, nil
}

// Positions nets the simulated fills per symbol.
func (p *Paper) Positions(ctx context.Context) ([]market.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	net := make(map[string]*market.Position)
	for _, o := range p.orders {
		if o.Status != BrokerStatusFilled {
			continue
		}
		pos, ok := net[o.Symbol]
		if !ok {
			pos = &market.Position{Symbol: o.Symbol}
			net[o.Symbol] = pos
		}
		pos.NetQty += o.Side * o.FilledQty
		pos.PnL -= float64(o.Side*o.FilledQty) * o.TradedPrice
		pos.LTP = o.TradedPrice
	}
	out := make([]market.Position, 0, len(net))
	for _, pos := range net {
		if pos.NetQty != 0 {
			// open legs carry cost, not realized PnL
			pos.AvgPrice = -pos.PnL / float64(pos.NetQty)
			pos.PnL = 0
		}
		out = append(out, *pos)
	}
	return out, nil
}
