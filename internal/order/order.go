// Package order
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/proxyhifi-dev/lords/internal/exchange"
	"github.com/proxyhifi-dev/lords/internal/journal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	Pending   Status = "PENDING"
	Placed    Status = "PLACED"
	Modified  Status = "MODIFIED"
	Filled    Status = "FILLED"
	Cancelled Status = "CANCELLED"
	Rejected  Status = "REJECTED"
)

// ErrInvalidTransition is returned for any status change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid order status transition")

var transitions = map[Status][]Status{
	Pending:  {Placed, Rejected},
	Placed:   {Filled, Cancelled, Modified, Rejected},
	Modified: {Modified, Filled, Cancelled, Rejected},
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Purpose tells entry orders from exits.
type Purpose string

const (
	Entry Purpose = "entry"
	Exit  Purpose = "exit"
)

// Order is the service's record of one broker order. ID is the client order id and
// doubles as the idempotency key.
type Order struct {
	ID          string    `json:"id"`
	BrokerID    string    `json:"broker_id"`
	Symbol      string    `json:"symbol"`
	Side        int       `json:"side"`
	Type        int       `json:"type"`
	ProductType string    `json:"product_type"`
	Qty         int       `json:"qty"`
	FilledQty   int       `json:"filled_qty"`
	LimitPrice  float64   `json:"limit_price"`
	StopPrice   float64   `json:"stop_price"`
	AvgPrice    float64   `json:"avg_price"`
	Tag         string    `json:"tag"`
	SliceQty    int       `json:"slice_qty,omitempty"`
	Legs        []Leg     `json:"legs,omitempty"`
	Purpose     Purpose   `json:"purpose"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transition moves the order to status to.
func (o *Order) Transition(to Status, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.Status, to, o.ID)
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// OrderManager interface for managing order lifecycle.
type OrderManager interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	SaveOrder(ctx context.Context, order Order) error
	UpdateOrderStatus(ctx context.Context, orderID string, status Status, filledQty int, avgPrice float64, updatedAt time.Time) error
}

// Storage is what the service persists to.
type Storage interface {
	OrderManager
	journal.Journaler
}

// Spec describes a new order.
type Spec struct {
	Symbol      string
	Side        int
	Qty         int
	Type        int
	ProductType string
	LimitPrice  float64
	StopPrice   float64
	Tag         string
}

const maxTagLength = 20

// ValidationError rejects a spec before any risk check or network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order %s: %s", e.Field, e.Reason)
}

func (s Spec) Validate() error {
	exch, name, ok := strings.Cut(s.Symbol, ":")
	switch {
	case !ok || exch == "" || name == "":
		return &ValidationError{Field: "symbol", Reason: fmt.Sprintf("%q has no exchange prefix", s.Symbol)}
	case s.Qty <= 0:
		return &ValidationError{Field: "qty", Reason: "must be positive"}
	case s.Side != exchange.SideBuy && s.Side != exchange.SideSell:
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %d", s.Side)}
	case s.LimitPrice < 0:
		return &ValidationError{Field: "limit_price", Reason: "must not be negative"}
	case s.StopPrice < 0:
		return &ValidationError{Field: "stop_price", Reason: "must not be negative"}
	case len(s.Tag) > maxTagLength:
		return &ValidationError{Field: "tag", Reason: fmt.Sprintf("longer than %d characters", maxTagLength)}
	}
	switch s.Type {
	case exchange.OrderTypeLimit, exchange.OrderTypeStopLimit:
		if s.LimitPrice <= 0 {
			return &ValidationError{Field: "limit_price", Reason: "required for limit orders"}
		}
	case exchange.OrderTypeMarket, exchange.OrderTypeStop:
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown order type %d", s.Type)}
	}
	return nil
}

// Changes are applied by ModifyOrder. Nil fields stay as they are.
type Changes struct {
	Type       int
	Qty        *int
	LimitPrice *float64
	StopPrice  *float64
}

// Handle identifies a placed order to its owner.
type Handle struct {
	ID         string  `json:"id"`
	BrokerID   string  `json:"broker_id"`
	Symbol     string  `json:"symbol"`
	Side       int     `json:"side"`
	Qty        int     `json:"qty"`
	EntryPrice float64 `json:"entry_price"`
}

// RiskBlockedError means the risk gate refused a new order; nothing was sent.
type RiskBlockedError struct {
	Reason string
}

func (e *RiskBlockedError) Error() string {
	return "order blocked by risk: " + e.Reason
}

// brokerStatus maps an order-feed status code to the lifecycle, false when the code
// carries no transition.
func brokerStatus(code int) (Status, bool) {
	switch code {
	case exchange.BrokerStatusFilled:
		return Filled, true
	case exchange.BrokerStatusCancelled, exchange.BrokerStatusExpired:
		return Cancelled, true
	case exchange.BrokerStatusRejected:
		return Rejected, true
	}
	return "", false
}
