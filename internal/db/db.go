// Package db
package db

import (
	"database/sql"

	"github.com/proxyhifi-dev/lords/internal/journal"
	"github.com/proxyhifi-dev/lords/internal/order"
	"github.com/proxyhifi-dev/lords/internal/state"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	order.OrderManager
	journal.Journaler
	state.StateManager
}
