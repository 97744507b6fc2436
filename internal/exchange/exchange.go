// Package exchange
package exchange

import (
	"context"
	"strings"

	"github.com/proxyhifi-dev/lords/internal/market"
)

// Group is a logical endpoint group with its own base URL and circuit breaker.
type Group string

const (
	GroupTrading Group = "trading"
	GroupData    Group = "data"
)

var dataPrefixes = []string{"/quotes", "/history", "/optionchain", "/options-chain", "/symbol_master", "/market_depth", "/depth"}

// GroupFor routes a REST path to its endpoint group.
func GroupFor(path string) Group {
	p := "/" + strings.TrimLeft(path, "/")
	for _, prefix := range dataPrefixes {
		if strings.HasPrefix(p, prefix) {
			return GroupData
		}
	}
	return GroupTrading
}

// Exchange is the broker surface used by the order service and the trading runner.
type Exchange interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	ModifyOrder(ctx context.Context, req ModifyRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, req CancelRequest) (OrderAck, error)
	Orders(ctx context.Context) ([]BrokerOrder, error)
	Positions(ctx context.Context) ([]market.Position, error)
	Quotes(ctx context.Context, symbols ...string) ([]market.Quote, error)
	OptionChain(ctx context.Context, symbol string, strikeCount int) ([]market.OptionContract, error)
}

// Order payload codes.
const (
	OrderTypeLimit     = 1
	OrderTypeMarket    = 2
	OrderTypeStop      = 3
	OrderTypeStopLimit = 4

	SideBuy  = 1
	SideSell = -1
)

// Broker order status codes.
const (
	BrokerStatusCancelled = 1
	BrokerStatusFilled    = 2
	BrokerStatusTransit   = 4
	BrokerStatusRejected  = 5
	BrokerStatusPending   = 6
	BrokerStatusExpired   = 7
)

// OrderRequest is the single-order payload of POST /orders/sync.
type OrderRequest struct {
	Symbol       string  `json:"symbol"`
	Qty          int     `json:"qty"`
	Type         int     `json:"type"`
	Side         int     `json:"side"`
	ProductType  string  `json:"productType"`
	LimitPrice   float64 `json:"limitPrice"`
	StopPrice    float64 `json:"stopPrice"`
	Validity     string  `json:"validity"`
	DisclosedQty int     `json:"disclosedQty"`
	OfflineOrder bool    `json:"offlineOrder"`
	StopLoss     float64 `json:"stopLoss"`
	TakeProfit   float64 `json:"takeProfit"`
	OrderTag     string  `json:"orderTag,omitempty"`
	// AutoSlice lets the broker split a quantity above the freeze limit into
	// SliceQuantity sized child orders.
	AutoSlice     bool `json:"autoslice,omitempty"`
	SliceQuantity int  `json:"sliceQuantity,omitempty"`

	// IdempotencyKey is sent as a header and reused by every retry of this request.
	IdempotencyKey string `json:"-"`
}

// ModifyRequest is the payload of PATCH /orders/sync. Nil fields are left unchanged.
type ModifyRequest struct {
	ID         string   `json:"id"`
	Type       int      `json:"type,omitempty"`
	Qty        *int     `json:"qty,omitempty"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`

	IdempotencyKey string `json:"-"`
}

// CancelRequest is the payload of DELETE /orders/sync.
type CancelRequest struct {
	ID string `json:"id"`

	IdempotencyKey string `json:"-"`
}

// OrderAck is the broker's acknowledgement of an order mutation.
type OrderAck struct {
	ID      string
	Message string
}

// BrokerOrder is one row of the order book.
type BrokerOrder struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	Qty         int     `json:"qty"`
	FilledQty   int     `json:"filledQty"`
	Side        int     `json:"side"`
	Status      int     `json:"status"`
	TradedPrice float64 `json:"tradedPrice"`
	LimitPrice  float64 `json:"limitPrice"`
	OrderTag    string  `json:"orderTag"`
	Message     string  `json:"message"`
}
