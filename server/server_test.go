package server

import (
	"testing"

	"github.com/tradegrid/tradegrid/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Version: 1,
		Etcd:    config.EtcdConfig{Endpoints: []string{"localhost:2379"}},
		Redis:   config.RedisConfig{Addr: "localhost:6379"},
		Nodes: []config.NodeConfig{
			{ID: "trade-1", Role: config.RoleTrade, Host: "127.0.0.1", Port: 47001},
			{ID: "agent-1", Role: config.RoleAgent, Host: "127.0.0.1", Port: 47002},
		},
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestNewServer(t *testing.T) {
	srv, err := NewServer(testConfig(), "trade-1")
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if srv.NodeID() != "trade-1" {
		t.Fatalf("unexpected node id: %s", srv.NodeID())
	}
	if srv.Role() != config.RoleTrade {
		t.Fatalf("unexpected role: %s", srv.Role())
	}
	if srv.Registry == nil || srv.Balancer == nil || srv.Cache == nil || srv.Bus == nil {
		t.Fatal("runtime collaborators should all be constructed")
	}
}

func TestNewServerUnknownNode(t *testing.T) {
	if _, err := NewServer(testConfig(), "missing-node"); err == nil {
		t.Fatal("NewServer should fail for a node id not in the config")
	}
}
