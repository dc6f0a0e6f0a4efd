package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradegrid/tradegrid/util/logger"
)

// Key builders for the shared cache contract. Keys are partitioned by entity
// id, so concurrent shards never contend on the same key under normal
// operation.

// AgentKey returns the hash key for an agent snapshot.
func AgentKey(agentID string) string { return "agent:" + agentID }

// OrderKey returns the hash key for an order record.
func OrderKey(orderID string) string { return "order:" + orderID }

// TxKey returns the key for a cached transaction result.
func TxKey(txID string) string { return "tx:" + txID }

// ChainConfigsKey is the hash holding per-chain configuration blobs.
const ChainConfigsKey = "chain:configs"

// BookKey returns the sorted-set key for one side of a pair's order book
// mirror ("bids" or "asks").
func BookKey(pair, side string) string { return "book:" + pair + ":" + side }

// Cache is the shared key-value cache used by shards for crash-recovery
// snapshots and transient results. State is last-writer-wins, not
// transactional; each shard writes only keys for entities it owns.
type Cache struct {
	client *redis.Client
	logger *logger.Logger
}

// Options configures the cache connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New creates a cache client. Call Connect before use.
func New(opts Options) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		logger: logger.NewLogger("Cache"),
	}
}

// NewWithClient wraps an existing redis client, mainly for tests that share
// one connection between the bus and the cache.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client, logger: logger.NewLogger("Cache")}
}

// Connect verifies connectivity.
func (c *Cache) Connect(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to cache: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// PutRecord stores a JSON snapshot of v under a hash key with an update
// timestamp.
func (c *Cache) PutRecord(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", key, err)
	}
	err = c.client.HSet(ctx, key,
		"data", string(data),
		"updatedAt", time.Now().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", key, err)
	}
	return nil
}

// GetRecord loads a JSON snapshot into v. Missing records return ErrNoRecord.
func (c *Cache) GetRecord(ctx context.Context, key string, v interface{}) error {
	data, err := c.client.HGet(ctx, key, "data").Result()
	if err == redis.Nil {
		return ErrNoRecord
	}
	if err != nil {
		return fmt.Errorf("failed to load record %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal record %s: %w", key, err)
	}
	return nil
}

// ErrNoRecord is returned by GetRecord when the key does not exist.
var ErrNoRecord = fmt.Errorf("cache: record not found")

// DeleteRecord removes a record.
func (c *Cache) DeleteRecord(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

// ScanRecords iterates over records matching the pattern (e.g. "agent:*") and
// passes each raw JSON snapshot to fn. Used for crash recovery on startup.
func (c *Cache) ScanRecords(ctx context.Context, pattern string, fn func(key string, data []byte) error) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := c.client.HGet(ctx, key, "data").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load record %s during scan: %w", key, err)
		}
		if err := fn(key, []byte(data)); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s failed: %w", pattern, err)
	}
	return nil
}

// SetTransient stores a plain string value with a TTL, e.g. the 1-hour
// transaction result cache.
func (c *Cache) SetTransient(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set transient %s: %w", key, err)
	}
	return nil
}

// GetTransient loads a transient value. Missing keys return ErrNoRecord.
func (c *Cache) GetTransient(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNoRecord
	}
	if err != nil {
		return "", fmt.Errorf("failed to get transient %s: %w", key, err)
	}
	return val, nil
}

// BookAdd mirrors a resting order into the pair's sorted set, scored by price.
func (c *Cache) BookAdd(ctx context.Context, pair, side, orderID string, price float64) error {
	err := c.client.ZAdd(ctx, BookKey(pair, side), redis.Z{Score: price, Member: orderID}).Err()
	if err != nil {
		return fmt.Errorf("failed to add order %s to %s book: %w", orderID, pair, err)
	}
	return nil
}

// BookRemove removes an order from the pair's sorted set.
func (c *Cache) BookRemove(ctx context.Context, pair, side, orderID string) error {
	err := c.client.ZRem(ctx, BookKey(pair, side), orderID).Err()
	if err != nil {
		return fmt.Errorf("failed to remove order %s from %s book: %w", orderID, pair, err)
	}
	return nil
}

// BookTop returns up to n order ids from one side of the book: bids from the
// highest price down, asks from the lowest price up.
func (c *Cache) BookTop(ctx context.Context, pair, side string, n int64) ([]string, error) {
	var ids []string
	var err error
	if side == "bids" {
		ids, err = c.client.ZRevRange(ctx, BookKey(pair, side), 0, n-1).Result()
	} else {
		ids, err = c.client.ZRange(ctx, BookKey(pair, side), 0, n-1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s book for %s: %w", side, pair, err)
	}
	return ids, nil
}
