package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdTestMutex ensures only one etcd integration test runs at a time across
// all packages, so tests using the same etcd instance don't interfere.
var EtcdTestMutex sync.Mutex

// RedisTestMutex serializes redis integration tests for the same reason.
var RedisTestMutex sync.Mutex

// EtcdAddr returns the etcd endpoint used by integration tests. It can be
// overridden with the TRADEGRID_TEST_ETCD environment variable.
func EtcdAddr() string {
	if addr := os.Getenv("TRADEGRID_TEST_ETCD"); addr != "" {
		return addr
	}
	return "localhost:2379"
}

// RedisAddr returns the redis address used by integration tests. It can be
// overridden with the TRADEGRID_TEST_REDIS environment variable.
func RedisAddr() string {
	if addr := os.Getenv("TRADEGRID_TEST_REDIS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// RequireEtcd skips the test when no etcd instance is reachable.
// It returns a connected client that the caller must close.
func RequireEtcd(t testing.TB) *clientv3.Client {
	t.Helper()

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{EtcdAddr()},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("etcd not available at %s: %v", EtcdAddr(), err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Get(ctx, "test-connection"); err != nil {
		cli.Close()
		t.Skipf("etcd not reachable at %s: %v", EtcdAddr(), err)
	}
	return cli
}

// RequireRedis skips the test when no redis instance is reachable.
// It returns a connected client that the caller must close.
func RequireRedis(t testing.TB) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: RedisAddr()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not reachable at %s: %v", RedisAddr(), err)
	}
	return client
}
