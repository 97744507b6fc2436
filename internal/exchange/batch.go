package exchange

import (
	"context"
	"fmt"
	"net/http"
)

// MultiOrderLimit is the most orders a single multi-order call accepts.
const MultiOrderLimit = 50

// Multi-leg order types by leg count.
const (
	MultiLeg2 = "2L"
	MultiLeg3 = "3L"
)

// MultiOrderRequest is the payload of POST /multi-order/sync. The body is the bare
// list of orders.
type MultiOrderRequest struct {
	Orders []OrderRequest

	IdempotencyKey string
}

// MultiLegRequest is the payload of POST /multileg/orders/sync.
type MultiLegRequest struct {
	OrderType string         `json:"orderType"`
	Legs      []OrderRequest `json:"legs"`

	IdempotencyKey string `json:"-"`
}

// BatchResult is the broker's answer for one order of a multi-order call. Err is set
// when the broker refused that order; the others may still have been placed.
type BatchResult struct {
	Ack OrderAck
	Err error
}

// BatchExchange places several orders in one broker call.
type BatchExchange interface {
	PlaceMultiOrder(ctx context.Context, req MultiOrderRequest) ([]BatchResult, error)
	PlaceMultiLeg(ctx context.Context, req MultiLegRequest) (OrderAck, error)
}

// Holding is one row of the demat holdings.
type Holding struct {
	Symbol      string  `json:"symbol"`
	Qty         int     `json:"quantity"`
	CostPrice   float64 `json:"costPrice"`
	LTP         float64 `json:"ltp"`
	PnL         float64 `json:"pl"`
	MarketValue float64 `json:"marketVal"`
	HoldingType string  `json:"holdingType"`
}

// AccountReader reads account data outside the trading day's order flow.
type AccountReader interface {
	Holdings(ctx context.Context) ([]Holding, error)
}

func (f *Fyers) PlaceMultiOrder(ctx context.Context, req MultiOrderRequest) ([]BatchResult, error) {
	if n := len(req.Orders); n == 0 || n > MultiOrderLimit {
		return nil, &ValidationError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("multi-order takes 1 to %d orders, got %d", MultiOrderLimit, n)}
	}
	resp, err := f.client.Do(ctx, Request{
		Method:         http.MethodPost,
		Path:           "/multi-order/sync",
		Body:           req.Orders,
		Group:          GroupTrading,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("place multi-order: %w", err)
	}
	var out struct {
		Data []struct {
			StatusCode int            `json:"statusCode"`
			Body       map[string]any `json:"body"`
		} `json:"data"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode multi-order: %w", err)
	}

	results := make([]BatchResult, len(req.Orders))
	for i := range results {
		if i >= len(out.Data) {
			results[i].Err = &APIError{StatusCode: resp.StatusCode, Message: "no result for order " + req.Orders[i].Symbol}
			continue
		}
		row := out.Data[i]
		if s, _ := row.Body["s"].(string); s != "ok" {
			results[i].Err = &APIError{StatusCode: row.StatusCode, Code: codeOf(row.Body), Message: messageOf(row.Body), Body: row.Body}
			continue
		}
		results[i].Ack = OrderAck{ID: idOf(row.Body["id"]), Message: messageOf(row.Body)}
	}
	return results, nil
}

func (f *Fyers) PlaceMultiLeg(ctx context.Context, req MultiLegRequest) (OrderAck, error) {
	resp, err := f.client.Do(ctx, Request{
		Method:         http.MethodPost,
		Path:           "/multileg/orders/sync",
		Body:           req,
		Group:          GroupTrading,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return OrderAck{}, fmt.Errorf("place %s order: %w", req.OrderType, err)
	}
	return ackFrom(resp), nil
}

func (f *Fyers) Holdings(ctx context.Context) ([]Holding, error) {
	resp, err := f.client.Do(ctx, Request{Method: http.MethodGet, Path: "/holdings"})
	if err != nil {
		return nil, fmt.Errorf("fetch holdings: %w", err)
	}
	var out struct {
		Holdings []Holding `json:"holdings"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode holdings: %w", err)
	}
	return out.Holdings, nil
}

// PlaceMultiOrder fills every order of the batch on its own.
func (p *Paper) PlaceMultiOrder(ctx context.Context, req MultiOrderRequest) ([]BatchResult, error) {
	if n := len(req.Orders); n == 0 || n > MultiOrderLimit {
		return nil, &ValidationError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("multi-order takes 1 to %d orders, got %d", MultiOrderLimit, n)}
	}
	results := make([]BatchResult, len(req.Orders))
	for i, o := range req.Orders {
		results[i].Ack, results[i].Err = p.PlaceOrder(ctx, o)
	}
	return results, nil
}

// PlaceMultiLeg fills all legs and answers with the first leg's id. A leg that cannot
// be priced fails the whole order before anything is booked.
func (p *Paper) PlaceMultiLeg(ctx context.Context, req MultiLegRequest) (OrderAck, error) {
	for _, leg := range req.Legs {
		if leg.Type == OrderTypeMarket || leg.LimitPrice == 0 {
			if _, err := p.real.Quotes(ctx, leg.Symbol); err != nil {
				return OrderAck{}, fmt.Errorf("paper fill price for %s: %w", leg.Symbol, err)
			}
		}
	}
	var first OrderAck
	for i, leg := range req.Legs {
		ack, err := p.PlaceOrder(ctx, leg)
		if err != nil {
			return OrderAck{}, err
		}
		if i == 0 {
			first = ack
		}
	}
	return OrderAck{ID: first.ID, Message: fmt.Sprintf("paper %s order filled", req.OrderType)}, nil
}

// Holdings are read from the real account when it can serve them.
func (p *Paper) Holdings(ctx context.Context) ([]Holding, error) {
	if acc, ok := p.real.(AccountReader); ok {
		return acc.Holdings(ctx)
	}
	return []Holding{}, nil
}
