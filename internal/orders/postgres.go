package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists orders in PostgreSQL. Amounts are stored in cents.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			total_cents BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
			position INT NOT NULL,
			name TEXT NOT NULL,
			quantity INT NOT NULL,
			price_cents BIGINT NOT NULL,
			PRIMARY KEY (order_id, position)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_session_created ON orders (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Submit(ctx context.Context, order Order) (Ack, error) {
	if err := Validate(order.Items); err != nil {
		return Ack{}, err
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO orders (id, session_id, total_cents, created_at) VALUES ($1, $2, $3, $4)`,
			order.ID,
			order.SessionID,
			Cents(Total(order.Items)),
			order.CreatedAt,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, it := range order.Items {
			batch.Queue(
				`INSERT INTO order_items (order_id, position, name, quantity, price_cents) VALUES ($1, $2, $3, $4, $5)`,
				order.ID, i, it.Name, it.Quantity, Cents(it.Price),
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return Ack{}, fmt.Errorf("save order: %w", err)
	}
	return Ack{Accepted: true, OrderID: order.ID}, nil
}

func (s *PostgresStore) SessionOrders(ctx context.Context, sessionID string) ([]Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT o.id, o.session_id, o.total_cents, o.created_at, i.name, i.quantity, i.price_cents
		 FROM orders o JOIN order_items i ON i.order_id = o.id
		 WHERE o.session_id=$1 ORDER BY o.created_at, o.id, i.position`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var (
			id, session, name     string
			totalCents, unitCents int64
			quantity              int
			createdAt             time.Time
		)
		if err := rows.Scan(&id, &session, &totalCents, &createdAt, &name, &quantity, &unitCents); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, Order{
				ID:          id,
				SessionID:   session,
				TotalAmount: float64(totalCents) / 100,
				CreatedAt:   createdAt,
			})
		}
		last := &out[len(out)-1]
		last.Items = append(last.Items, LineItem{Name: name, Quantity: quantity, Price: float64(unitCents) / 100})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
