package journal

import (
	"context"
	"time"
)

// Event types.
const (
	EventOrder    = "order"
	EventTrade    = "trade"
	EventBreakout = "breakout"
	EventRisk     = "risk"
	EventError    = "error"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // e.g., "order", "breakout", "risk", etc.
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
