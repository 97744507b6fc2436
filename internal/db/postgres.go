package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/proxyhifi-dev/lords/internal/config"
	"github.com/proxyhifi-dev/lords/internal/db/conf"
	"github.com/proxyhifi-dev/lords/internal/journal"
	"github.com/proxyhifi-dev/lords/internal/order"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, fmt.Errorf("postgres storage: nil database handle")
	}
	return &Default{db: c.DB}, nil
}

// Open connects to Postgres with the pool limits of cfg and checks the connection.
func Open(ctx context.Context, cfg config.DBConfig) (*Default, error) {
	sqlDB, err := sql.Open("postgres", cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdle)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	utils.WithComponent("db").Info("Postgres | Connected")
	return New(conf.Config{DB: sqlDB, ConnStr: cfg.ConnStr})
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

func (p *Default) Close() error {
	return p.db.Close()
}

// InTransaction runs fn with a transaction carried in its context. Storage calls made
// with that context join the transaction.
func (p *Default) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(WithTransaction(ctx, tx))
	})
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// -------- Orders --------

const orderColumns = `order_id, broker_id, symbol, side, type, product_type, qty, filled_qty, limit_price, stop_price, avg_price, tag, purpose, status, reason, created_at, updated_at`

func (p *Default) SaveOrder(ctx context.Context, o order.Order) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (order_id) DO UPDATE SET broker_id=EXCLUDED.broker_id, qty=EXCLUDED.qty, filled_qty=EXCLUDED.filled_qty,
				limit_price=EXCLUDED.limit_price, stop_price=EXCLUDED.stop_price, avg_price=EXCLUDED.avg_price,
				status=EXCLUDED.status, reason=EXCLUDED.reason, updated_at=EXCLUDED.updated_at`,
			o.ID, o.BrokerID, o.Symbol, o.Side, o.Type, o.ProductType, o.Qty, o.FilledQty, o.LimitPrice, o.StopPrice,
			o.AvgPrice, o.Tag, string(o.Purpose), string(o.Status), o.Reason, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		return nil
	})
}

func scanOrder(rows *sql.Rows) (order.Order, error) {
	var o order.Order
	var purpose, status string
	err := rows.Scan(&o.ID, &o.BrokerID, &o.Symbol, &o.Side, &o.Type, &o.ProductType, &o.Qty, &o.FilledQty,
		&o.LimitPrice, &o.StopPrice, &o.AvgPrice, &o.Tag, &purpose, &status, &o.Reason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.Purpose = order.Purpose(purpose)
	o.Status = order.Status(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (p *Default) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		return &o, nil
	}
	return nil, rows.Err()
}

func (p *Default) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE status NOT IN ($1, $2, $3) ORDER BY created_at ASC`,
		string(order.Filled), string(order.Cancelled), string(order.Rejected))
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *Default) UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, filledQty int, avgPrice float64, updatedAt time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE orders SET status=$1, filled_qty=$2, avg_price=$3, updated_at=$4 WHERE order_id=$5`,
			string(status), filledQty, avgPrice, updatedAt.UTC(), orderID)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil
	})
}

// -------- Events --------

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time.UTC(), event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time <= $3 ORDER BY time ASC, id ASC`,
		eventType, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// -------- State --------

func (p *Default) SaveState(ctx context.Context, state map[string]any) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		for k, v := range state {
			val, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to encode state for key %s: %w", k, err)
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO state (key, value, updated_at) VALUES ($1, $2, now())
				ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`, k, val)
			if err != nil {
				return fmt.Errorf("failed to save state for key %s: %w", k, err)
			}
		}
		return nil
	})
}

func (p *Default) LoadState(ctx context.Context) (map[string]any, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT key, value FROM state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query state: %w", err)
	}
	defer rows.Close()

	state := make(map[string]any)
	for rows.Next() {
		var k string
		var val []byte
		if err := rows.Scan(&k, &val); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			return nil, fmt.Errorf("failed to decode state for key %s: %w", k, err)
		}
		state[k] = v
	}
	return state, rows.Err()
}
