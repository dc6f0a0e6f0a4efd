package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradegrid/tradegrid/util/backoff"
	"github.com/tradegrid/tradegrid/util/logger"
	"github.com/tradegrid/tradegrid/util/metrics"
)

// Handler processes one event. Returning an error leaves the message
// unacknowledged so it is redelivered later; the consumer loop itself never
// dies because of a handler failure.
type Handler func(ctx context.Context, event *Event) error

// SubscribeOptions tunes a consumer group subscription.
type SubscribeOptions struct {
	BatchSize    int           // messages per read, default 16
	BlockTimeout time.Duration // XREADGROUP block duration, default 2s
	ClaimMinIdle time.Duration // min idle before claiming another consumer's pending entries, default 30s

	// Owns restricts this subscriber to the partitions it owns. When several
	// nodes share a group id, a group consumer on the same partition would
	// split that partition's entries between them, losing per-partition
	// ordering and any key-to-node pinning built on it. Ownership is
	// re-checked every consume cycle, so assignments may move as cluster
	// membership changes. Nil means the node consumes every partition.
	Owns func(partition int) bool
}

func (o *SubscribeOptions) fillDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 2 * time.Second
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = 30 * time.Second
	}
}

// Bus is the partitioned, durable publish/subscribe transport. Delivery is
// at-least-once: consumers must tolerate redelivery, and idempotency is left
// to them.
type Bus interface {
	Publish(ctx context.Context, topic string, event *Event, key string) error
	Subscribe(ctx context.Context, topic, groupID string, handler Handler, opts SubscribeOptions) error
	HealthCheck(ctx context.Context) bool
	Disconnect() error
}

// Options configures a RedisBus.
type Options struct {
	Addr           string
	Password       string
	DB             int
	Source         string // identifier stamped on published events
	Partitions     int    // streams per topic
	ConnectRetries int    // bounded connect attempts
}

// RedisBus implements Bus on Redis Streams. Each topic is Partitions streams;
// the publish key hashes to a partition, consumer groups track per-partition
// offsets, and entries are acknowledged one by one after their handler
// returns. Ordering holds within a partition, never across the topic.
type RedisBus struct {
	client     *redis.Client
	opts       Options
	logger     *logger.Logger
	mu         sync.Mutex
	connected  bool
	cancelFns  []context.CancelFunc
	consumerWG sync.WaitGroup
}

// NewRedisBus creates a bus client. Call Connect before publishing.
func NewRedisBus(opts Options) *RedisBus {
	if opts.Partitions <= 0 {
		opts.Partitions = 4
	}
	if opts.ConnectRetries <= 0 {
		opts.ConnectRetries = 5
	}
	if opts.Source == "" {
		opts.Source = "tradegrid"
	}
	return &RedisBus{
		opts:   opts,
		logger: logger.NewLogger("EventBus"),
	}
}

// Connect establishes producer connectivity. It is idempotent and retries a
// bounded number of times with exponential backoff before surfacing the error.
func (b *RedisBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}

	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{
			Addr:     b.opts.Addr,
			Password: b.opts.Password,
			DB:       b.opts.DB,
		})
	}

	bo := backoff.New(500*time.Millisecond, 10*time.Second, 2.0)
	err := backoff.Retry(ctx, b.opts.ConnectRetries, bo, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return b.client.Ping(pingCtx).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to connect to event bus at %s: %w", b.opts.Addr, err)
	}

	b.connected = true
	b.logger.Infof("Connected to event bus at %s (%d partitions per topic)", b.opts.Addr, b.opts.Partitions)
	return nil
}

// partitionFor maps a key to a partition index.
func (b *RedisBus) partitionFor(key string) int {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return int(hasher.Sum32() % uint32(b.opts.Partitions))
}

func (b *RedisBus) streamKey(topic string, partition int) string {
	return "stream:" + topic + ":" + strconv.Itoa(partition)
}

// Publish serializes the event and appends it to the topic partition selected
// by the key. An empty key defaults to a timestamp string, spreading unkeyed
// traffic across partitions. Delivery is at-least-once: a failure marks the
// connection dead and surfaces the error so the caller can retry.
func (b *RedisBus) Publish(ctx context.Context, topic string, event *Event, key string) error {
	b.mu.Lock()
	client, connected := b.client, b.connected
	b.mu.Unlock()

	if !connected || client == nil {
		metrics.RecordEventPublished(topic, "error")
		return fmt.Errorf("event bus not connected")
	}

	if key == "" {
		key = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	if event.Source == "" {
		event.Source = b.opts.Source
	}

	stream := b.streamKey(topic, b.partitionFor(key))
	err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: event.toValues(),
	}).Err()
	if err != nil {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		metrics.RecordEventPublished(topic, "error")
		return fmt.Errorf("failed to publish %s event to %s: %w", event.Type, stream, err)
	}

	metrics.RecordEventPublished(topic, "ok")
	b.logger.Debugf("Published %s event %s to %s", event.Type, event.ID, stream)
	return nil
}

// Subscribe joins a consumer group on every partition of the topic and runs
// one consumer goroutine per partition; goroutines for partitions this node
// does not own (per opts.Owns) stay idle until ownership changes. Each
// message is handled before its offset is acknowledged, so a crash redelivers
// anything unprocessed.
func (b *RedisBus) Subscribe(ctx context.Context, topic, groupID string, handler Handler, opts SubscribeOptions) error {
	b.mu.Lock()
	client, connected := b.client, b.connected
	b.mu.Unlock()

	if !connected || client == nil {
		return fmt.Errorf("event bus not connected")
	}

	opts.fillDefaults()

	for p := 0; p < b.opts.Partitions; p++ {
		stream := b.streamKey(topic, p)
		err := client.XGroupCreateMkStream(ctx, stream, groupID, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create group %s on %s: %w", groupID, stream, err)
		}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancelFns = append(b.cancelFns, cancel)
	b.mu.Unlock()

	for p := 0; p < b.opts.Partitions; p++ {
		b.consumerWG.Add(1)
		go b.consumePartition(consumerCtx, topic, groupID, p, handler, opts)
	}

	b.logger.Infof("Subscribed group %s to %s across %d partitions", groupID, topic, b.opts.Partitions)
	return nil
}

func (b *RedisBus) consumePartition(ctx context.Context, topic, groupID string, partition int, handler Handler, opts SubscribeOptions) {
	defer b.consumerWG.Done()

	stream := b.streamKey(topic, partition)
	consumer := fmt.Sprintf("%s-p%d", b.opts.Source, partition)

	for {
		if ctx.Err() != nil {
			return
		}

		// Unowned partitions are left to their owner; idle until ownership
		// changes.
		if opts.Owns != nil && !opts.Owns(partition) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.BlockTimeout):
			}
			continue
		}

		// Reclaim entries another consumer read but never acknowledged.
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    groupID,
			Consumer: consumer,
			MinIdle:  opts.ClaimMinIdle,
			Start:    "0",
			Count:    int64(opts.BatchSize),
		}).Result()
		if err != nil && ctx.Err() == nil {
			b.logger.Warnf("XAUTOCLAIM on %s failed: %v", stream, err)
		}
		b.handleBatch(ctx, topic, groupID, stream, claimed, handler)

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupID,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(opts.BatchSize),
			Block:    opts.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Warnf("XREADGROUP on %s failed: %v", stream, err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			b.handleBatch(ctx, topic, groupID, stream, s.Messages, handler)
		}
	}
}

// handleBatch runs the handler for each message and acknowledges only the
// ones that succeed. Manual per-message commits mean a handler failure never
// advances the group's offset past an unprocessed message.
func (b *RedisBus) handleBatch(ctx context.Context, topic, groupID, stream string, messages []redis.XMessage, handler Handler) {
	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}

		event, err := eventFromValues(msg.Values)
		if err != nil {
			// Malformed entries can never succeed; ack them away so they
			// don't clog the pending list forever.
			b.logger.Errorf("Dropping malformed entry %s on %s: %v", msg.ID, stream, err)
			b.client.XAck(ctx, stream, groupID, msg.ID)
			metrics.RecordEventConsumed(topic, groupID, "malformed")
			continue
		}

		start := time.Now()
		err = b.safeHandle(ctx, handler, event)
		metrics.HandlerDuration.WithLabelValues(topic, groupID).Observe(time.Since(start).Seconds())

		if err != nil {
			b.logger.Errorf("Handler failed for %s event %s on %s: %v", event.Type, event.ID, stream, err)
			metrics.RecordEventConsumed(topic, groupID, "error")
			continue // not acked, will be redelivered
		}

		if err := b.client.XAck(ctx, stream, groupID, msg.ID).Err(); err != nil && ctx.Err() == nil {
			b.logger.Warnf("Failed to ack %s on %s: %v", msg.ID, stream, err)
		}
		metrics.RecordEventConsumed(topic, groupID, "ok")
	}
}

// safeHandle converts a handler panic into an error so one poisoned message
// can't kill the partition consumer.
func (b *RedisBus) safeHandle(ctx context.Context, handler Handler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, event)
}

// HealthCheck reports current connectivity without returning an error.
func (b *RedisBus) HealthCheck(ctx context.Context) bool {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return false
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return true
}

// Disconnect stops all consumers and closes the client.
func (b *RedisBus) Disconnect() error {
	b.mu.Lock()
	for _, cancel := range b.cancelFns {
		cancel()
	}
	b.cancelFns = nil
	b.connected = false
	b.mu.Unlock()

	// Consumers still hold the client; close it only after they exit.
	b.consumerWG.Wait()

	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}
