package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps a PostgreSQL connection used for the audit history: every terminal
// order and every executed blockchain transaction gets one immutable row.
// The shared cache stays the source of truth for live state; this store only
// answers "what happened".
type DB struct {
	conn   *sql.DB
	config *Config
}

// NewDB opens a pooled connection described by config.
func NewDB(config *Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg := config.withDefaults()

	conn, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &DB{
		conn:   conn,
		config: cfg,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Connection returns the underlying sql.DB connection
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Ping checks if the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InitSchema initializes the order and transaction history tables
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	-- Terminal order outcomes, one row per order
	CREATE TABLE IF NOT EXISTS tradegrid_orders (
		order_id VARCHAR(255) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		pair VARCHAR(64) NOT NULL,
		order_type VARCHAR(16) NOT NULL,
		side VARCHAR(8) NOT NULL,
		status VARCHAR(16) NOT NULL
			CHECK (status IN ('completed', 'failed', 'cancelled')),
		amount_in NUMERIC NOT NULL,
		limit_price NUMERIC,
		tx_hash VARCHAR(255),
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tradegrid_orders_user ON tradegrid_orders(user_id);
	CREATE INDEX IF NOT EXISTS idx_tradegrid_orders_pair ON tradegrid_orders(pair);

	-- Executed blockchain transactions, one row per submission
	CREATE TABLE IF NOT EXISTS tradegrid_transactions (
		tx_id VARCHAR(255) PRIMARY KEY,
		chain_id VARCHAR(64) NOT NULL,
		tx_type VARCHAR(16) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		status VARCHAR(16) NOT NULL,
		tx_hash VARCHAR(255),
		error_message TEXT,
		submitted_at TIMESTAMP NOT NULL,
		recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tradegrid_transactions_user ON tradegrid_transactions(user_id);
	CREATE INDEX IF NOT EXISTS idx_tradegrid_transactions_chain ON tradegrid_transactions(chain_id);
	`

	_, err := db.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// OrderRecord is one terminal order row.
type OrderRecord struct {
	OrderID    string
	UserID     string
	Pair       string
	OrderType  string
	Side       string
	Status     string
	AmountIn   string
	LimitPrice string
	TxHash     string
	Error      string
	CreatedAt  time.Time
	ClosedAt   time.Time
}

// InsertOrder records a terminal order. Replays of the same order id update
// the row in place so at-least-once event delivery stays idempotent here.
func (db *DB) InsertOrder(ctx context.Context, rec *OrderRecord) error {
	if rec.OrderID == "" {
		return fmt.Errorf("order_id cannot be empty")
	}
	if rec.UserID == "" {
		return fmt.Errorf("user_id cannot be empty")
	}

	query := `
		INSERT INTO tradegrid_orders
			(order_id, user_id, pair, order_type, side, status, amount_in, limit_price, tx_hash, error_message, created_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12)
		ON CONFLICT (order_id) DO UPDATE
		SET status = $6, tx_hash = $9, error_message = $10, closed_at = $12
	`

	closedAt := rec.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx, query,
		rec.OrderID, rec.UserID, rec.Pair, rec.OrderType, rec.Side, rec.Status,
		rec.AmountIn, rec.LimitPrice, rec.TxHash, rec.Error, rec.CreatedAt, closedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order record: %w", err)
	}

	return nil
}

// GetOrder retrieves one order record, or nil when none exists.
func (db *DB) GetOrder(ctx context.Context, orderID string) (*OrderRecord, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order_id cannot be empty")
	}

	query := `
		SELECT order_id, user_id, pair, order_type, side, status,
		       amount_in, COALESCE(limit_price::text, ''), COALESCE(tx_hash, ''),
		       COALESCE(error_message, ''), created_at, closed_at
		FROM tradegrid_orders
		WHERE order_id = $1
	`

	var rec OrderRecord
	err := db.conn.QueryRowContext(ctx, query, orderID).Scan(
		&rec.OrderID, &rec.UserID, &rec.Pair, &rec.OrderType, &rec.Side, &rec.Status,
		&rec.AmountIn, &rec.LimitPrice, &rec.TxHash, &rec.Error, &rec.CreatedAt, &rec.ClosedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order record: %w", err)
	}

	return &rec, nil
}

// ListOrdersByUser returns a user's order history, newest first.
func (db *DB) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*OrderRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT order_id, user_id, pair, order_type, side, status,
		       amount_in, COALESCE(limit_price::text, ''), COALESCE(tx_hash, ''),
		       COALESCE(error_message, ''), created_at, closed_at
		FROM tradegrid_orders
		WHERE user_id = $1
		ORDER BY closed_at DESC
		LIMIT $2
	`

	rows, err := db.conn.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list order records: %w", err)
	}
	defer rows.Close()

	var records []*OrderRecord
	for rows.Next() {
		var rec OrderRecord
		err := rows.Scan(
			&rec.OrderID, &rec.UserID, &rec.Pair, &rec.OrderType, &rec.Side, &rec.Status,
			&rec.AmountIn, &rec.LimitPrice, &rec.TxHash, &rec.Error, &rec.CreatedAt, &rec.ClosedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// TransactionRecord is one executed blockchain transaction row.
type TransactionRecord struct {
	TxID        string
	ChainID     string
	TxType      string
	UserID      string
	Status      string
	TxHash      string
	Error       string
	SubmittedAt time.Time
}

// InsertTransaction records an executed transaction. Idempotent on tx id.
func (db *DB) InsertTransaction(ctx context.Context, rec *TransactionRecord) error {
	if rec.TxID == "" {
		return fmt.Errorf("tx_id cannot be empty")
	}
	if rec.ChainID == "" {
		return fmt.Errorf("chain_id cannot be empty")
	}

	query := `
		INSERT INTO tradegrid_transactions
			(tx_id, chain_id, tx_type, user_id, status, tx_hash, error_message, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_id) DO UPDATE
		SET status = $5, tx_hash = $6, error_message = $7
	`

	_, err := db.conn.ExecContext(ctx, query,
		rec.TxID, rec.ChainID, rec.TxType, rec.UserID, rec.Status, rec.TxHash, rec.Error, rec.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction record: %w", err)
	}

	return nil
}

// ListTransactionsByChain returns a chain's transaction history, newest first.
func (db *DB) ListTransactionsByChain(ctx context.Context, chainID string, limit int) ([]*TransactionRecord, error) {
	if chainID == "" {
		return nil, fmt.Errorf("chain_id cannot be empty")
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT tx_id, chain_id, tx_type, user_id, status,
		       COALESCE(tx_hash, ''), COALESCE(error_message, ''), submitted_at
		FROM tradegrid_transactions
		WHERE chain_id = $1
		ORDER BY submitted_at DESC
		LIMIT $2
	`

	rows, err := db.conn.QueryContext(ctx, query, chainID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction records: %w", err)
	}
	defer rows.Close()

	var records []*TransactionRecord
	for rows.Next() {
		var rec TransactionRecord
		err := rows.Scan(
			&rec.TxID, &rec.ChainID, &rec.TxType, &rec.UserID, &rec.Status,
			&rec.TxHash, &rec.Error, &rec.SubmittedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}
