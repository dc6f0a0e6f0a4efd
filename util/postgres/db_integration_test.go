package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// skipIfNoPostgres skips the test if PostgreSQL is not available
func skipIfNoPostgres(t *testing.T) *Config {
	t.Helper()

	if os.Getenv("SKIP_POSTGRES_TESTS") == "1" {
		t.Skip("Skipping PostgreSQL integration test (SKIP_POSTGRES_TESTS=1)")
	}

	config := &Config{
		Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
		Port:     5432,
		User:     getEnvOrDefault("POSTGRES_USER", "postgres"),
		Password: getEnvOrDefault("POSTGRES_PASSWORD", "postgres"),
		Database: getEnvOrDefault("POSTGRES_DB", "postgres"),
		SSLMode:  "disable",
	}

	return config
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping long-running integration test in short mode")
	}
	config := skipIfNoPostgres(t)

	db, err := NewDB(config)
	if err != nil {
		t.Fatalf("NewDB() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.Ping(ctx); err != nil {
		t.Skipf("PostgreSQL not reachable: %v", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func TestInsertOrder_Integration(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	orderID := fmt.Sprintf("ord_it_%d", time.Now().UnixNano())
	rec := &OrderRecord{
		OrderID:   orderID,
		UserID:    "user-1",
		Pair:      "SOL/USDC",
		OrderType: "limit",
		Side:      "buy",
		Status:    "completed",
		AmountIn:  "10",
		TxHash:    "0xabc",
		CreatedAt: time.Now(),
	}
	defer db.conn.ExecContext(ctx, "DELETE FROM tradegrid_orders WHERE order_id = $1", orderID)

	if err := db.InsertOrder(ctx, rec); err != nil {
		t.Fatalf("InsertOrder() failed: %v", err)
	}

	got, err := db.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("GetOrder() failed: %v", err)
	}
	if got == nil {
		t.Fatal("order should exist after InsertOrder()")
	}
	if got.Status != "completed" || got.TxHash != "0xabc" {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Replays update in place rather than failing.
	rec.Status = "failed"
	rec.Error = "late failure"
	if err := db.InsertOrder(ctx, rec); err != nil {
		t.Fatalf("InsertOrder() replay failed: %v", err)
	}
	got, err = db.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("GetOrder() failed: %v", err)
	}
	if got.Status != "failed" || got.Error != "late failure" {
		t.Fatalf("replay should update the row: %+v", got)
	}
}

func TestGetOrder_NotFound_Integration(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetOrder(context.Background(), "ord_nonexistent")
	if err != nil {
		t.Fatalf("GetOrder() failed: %v", err)
	}
	if got != nil {
		t.Fatal("GetOrder() should return nil for a missing order")
	}
}

func TestListOrdersByUser_Integration(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	userID := fmt.Sprintf("user_it_%d", time.Now().UnixNano())
	defer db.conn.ExecContext(ctx, "DELETE FROM tradegrid_orders WHERE user_id = $1", userID)

	for i := 0; i < 3; i++ {
		rec := &OrderRecord{
			OrderID:   fmt.Sprintf("%s-ord-%d", userID, i),
			UserID:    userID,
			Pair:      "SOL/USDC",
			OrderType: "market",
			Side:      "buy",
			Status:    "completed",
			AmountIn:  "1",
			CreatedAt: time.Now(),
			ClosedAt:  time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := db.InsertOrder(ctx, rec); err != nil {
			t.Fatalf("InsertOrder() failed: %v", err)
		}
	}

	records, err := db.ListOrdersByUser(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ListOrdersByUser() failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].OrderID != userID+"-ord-2" {
		t.Fatalf("records should be newest first, got %s", records[0].OrderID)
	}
}

func TestInsertTransaction_Integration(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	txID := fmt.Sprintf("tx_it_%d", time.Now().UnixNano())
	defer db.conn.ExecContext(ctx, "DELETE FROM tradegrid_transactions WHERE tx_id = $1", txID)

	rec := &TransactionRecord{
		TxID:        txID,
		ChainID:     "solana",
		TxType:      "swap",
		UserID:      "user-1",
		Status:      "success",
		TxHash:      "0xdef",
		SubmittedAt: time.Now(),
	}
	if err := db.InsertTransaction(ctx, rec); err != nil {
		t.Fatalf("InsertTransaction() failed: %v", err)
	}

	records, err := db.ListTransactionsByChain(ctx, "solana", 10)
	if err != nil {
		t.Fatalf("ListTransactionsByChain() failed: %v", err)
	}

	var found bool
	for _, r := range records {
		if r.TxID == txID {
			found = true
			if r.TxHash != "0xdef" || r.Status != "success" {
				t.Fatalf("unexpected record: %+v", r)
			}
		}
	}
	if !found {
		t.Fatal("inserted transaction should appear in chain listing")
	}
}
