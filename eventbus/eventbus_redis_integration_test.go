package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tradegrid/tradegrid/util/testutil"
)

// These tests require a local redis instance and skip when none is reachable.

func newTestBus(t *testing.T, source string) *RedisBus {
	t.Helper()

	cli := testutil.RequireRedis(t)
	cli.Close()

	bus := NewRedisBus(Options{
		Addr:       testutil.RedisAddr(),
		Source:     source,
		Partitions: 1, // single partition keeps delivery order deterministic
	})
	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { bus.Disconnect() })
	return bus
}

func uniqueTopic(prefix string) string {
	return fmt.Sprintf("%s.%d", prefix, time.Now().UnixNano())
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	testutil.RedisTestMutex.Lock()
	defer testutil.RedisTestMutex.Unlock()

	bus := newTestBus(t, "it-pubsub")
	topic := uniqueTopic("test.pubsub")
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	handler := func(ctx context.Context, ev *Event) error {
		mu.Lock()
		received = append(received, ev.Type)
		mu.Unlock()
		return nil
	}

	if err := bus.Subscribe(ctx, topic, "group-a", handler, SubscribeOptions{BlockTimeout: 200 * time.Millisecond}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		ev, _ := NewEvent(fmt.Sprintf("msg-%d", i), "it-pubsub", map[string]int{"i": i})
		if err := bus.Publish(ctx, topic, ev, "same-key"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	testutil.WaitFor(t, 10*time.Second, "all 5 events to be consumed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for i, typ := range received {
		if typ != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("per-partition order violated: %v", received)
		}
	}
}

func TestRedisBus_UnackedMessagesRedelivered(t *testing.T) {
	testutil.RedisTestMutex.Lock()
	defer testutil.RedisTestMutex.Unlock()

	topic := uniqueTopic("test.redelivery")
	ctx := context.Background()

	// First consumer acknowledges the first three events and fails the rest.
	first := newTestBus(t, "it-crash")
	var mu sync.Mutex
	acked := map[string]bool{}
	handler := func(ctx context.Context, ev *Event) error {
		var p map[string]int
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p["i"] >= 3 {
			return fmt.Errorf("simulated handler failure")
		}
		mu.Lock()
		acked[ev.ID] = true
		mu.Unlock()
		return nil
	}
	if err := first.Subscribe(ctx, topic, "group-r", handler, SubscribeOptions{BlockTimeout: 200 * time.Millisecond}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	published := make([]*Event, 0, 5)
	for i := 0; i < 5; i++ {
		ev, _ := NewEvent("trade.request", "it-crash", map[string]int{"i": i})
		published = append(published, ev)
		if err := first.Publish(ctx, topic, ev, "k"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	testutil.WaitFor(t, 10*time.Second, "first consumer to ack three events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acked) == 3
	})

	// Simulated restart: stop the first consumer, then rejoin the group.
	first.Disconnect()

	second := newTestBus(t, "it-restart")
	var redelivered []string
	redeliveredHandler := func(ctx context.Context, ev *Event) error {
		mu.Lock()
		redelivered = append(redelivered, ev.ID)
		mu.Unlock()
		return nil
	}
	err := second.Subscribe(ctx, topic, "group-r", redeliveredHandler, SubscribeOptions{
		BlockTimeout: 200 * time.Millisecond,
		ClaimMinIdle: time.Millisecond, // claim the crashed consumer's pending entries immediately
	})
	if err != nil {
		t.Fatalf("Subscribe after restart failed: %v", err)
	}

	testutil.WaitFor(t, 10*time.Second, "unacked events to be redelivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(redelivered) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	for _, id := range redelivered {
		if acked[id] {
			t.Fatalf("acknowledged event %s was redelivered", id)
		}
	}
}

func TestRedisBus_OwnedPartitionsSplitAGroup(t *testing.T) {
	testutil.RedisTestMutex.Lock()
	defer testutil.RedisTestMutex.Unlock()

	cli := testutil.RequireRedis(t)
	cli.Close()

	topic := uniqueTopic("test.ownership")
	ctx := context.Background()

	var seenMu sync.Mutex
	newOwnedBus := func(source string, owned int) (*RedisBus, *[]int) {
		bus := NewRedisBus(Options{
			Addr:       testutil.RedisAddr(),
			Source:     source,
			Partitions: 2,
		})
		if err := bus.Connect(ctx); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		t.Cleanup(func() { bus.Disconnect() })

		seen := &[]int{}
		handler := func(ctx context.Context, ev *Event) error {
			var p map[string]int
			if err := ev.Decode(&p); err != nil {
				return err
			}
			seenMu.Lock()
			*seen = append(*seen, p["i"])
			seenMu.Unlock()
			return nil
		}
		err := bus.Subscribe(ctx, topic, "group-o", handler, SubscribeOptions{
			BlockTimeout: 200 * time.Millisecond,
			Owns:         func(partition int) bool { return partition == owned },
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		return bus, seen
	}

	first, firstSeen := newOwnedBus("it-owner-0", 0)
	_, secondSeen := newOwnedBus("it-owner-1", 1)

	// Distinct keys spread the events across both partitions.
	total := 0
	for i := 0; i < 10; i++ {
		ev, _ := NewEvent("trade.request", "it-owner-0", map[string]int{"i": i})
		if err := first.Publish(ctx, topic, ev, fmt.Sprintf("key-%d", i)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		total++
	}

	testutil.WaitFor(t, 10*time.Second, "both owners to drain their partitions", func() bool {
		seenMu.Lock()
		defer seenMu.Unlock()
		return len(*firstSeen)+len(*secondSeen) == total
	})

	seenMu.Lock()
	defer seenMu.Unlock()
	if len(*firstSeen) == 0 || len(*secondSeen) == 0 {
		t.Fatalf("expected both partitions populated, got %v and %v", *firstSeen, *secondSeen)
	}
	overlap := map[int]bool{}
	for _, i := range *firstSeen {
		overlap[i] = true
	}
	for _, i := range *secondSeen {
		if overlap[i] {
			t.Fatalf("event %d consumed by both owners", i)
		}
	}
}

func TestRedisBus_HealthCheck(t *testing.T) {
	testutil.RedisTestMutex.Lock()
	defer testutil.RedisTestMutex.Unlock()

	bus := newTestBus(t, "it-health")
	if !bus.HealthCheck(context.Background()) {
		t.Fatalf("HealthCheck should report true while connected")
	}

	bus.Disconnect()
	if bus.HealthCheck(context.Background()) {
		t.Fatalf("HealthCheck should report false after Disconnect")
	}
}
