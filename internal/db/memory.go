package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/proxyhifi-dev/lords/internal/journal"
	"github.com/proxyhifi-dev/lords/internal/order"
)

// ErrOrderNotFound is returned by status updates for unknown orders.
var ErrOrderNotFound = errors.New("order not found")

// MemoryStorage keeps everything in process. State values go through JSON so callers
// see the same shapes as with Postgres.
type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by client order id
	orders map[string]order.Order

	// Events (append-only)
	events []journal.Event

	// State values as JSON documents
	state map[string][]byte
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders: make(map[string]order.Order),
		events: make([]journal.Event, 0, 1024),
		state:  make(map[string][]byte),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- OrderStorage --------

func (m *MemoryStorage) SaveOrder(ctx context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[orderID]; ok {
		oo := o
		return &oo, nil
	}
	return nil, nil
}

func (m *MemoryStorage) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Order
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStorage) UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, filledQty int, avgPrice float64, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	o.Status = status
	o.FilledQty = filledQty
	o.AvgPrice = avgPrice
	o.UpdatedAt = updatedAt.UTC()
	m.orders[orderID] = o
	return nil
}

// -------- JournalStorage --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && !e.Time.Before(start) && !e.Time.After(end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// -------- StateStorage --------

func (m *MemoryStorage) SaveState(ctx context.Context, state map[string]any) error {
	encoded := make(map[string][]byte, len(state))
	for k, v := range state {
		val, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode state for key %s: %w", k, err)
		}
		encoded[k] = val
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, val := range encoded {
		m.state[k] = val
	}
	return nil
}

func (m *MemoryStorage) LoadState(ctx context.Context) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := make(map[string]any, len(m.state))
	for k, val := range m.state {
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			return nil, fmt.Errorf("failed to decode state for key %s: %w", k, err)
		}
		state[k] = v
	}
	return state, nil
}
