package server

import (
	"testing"
	"time"

	"github.com/tradegrid/tradegrid/registry"
)

type fakePeers struct {
	services []*registry.ServiceInfo
}

func (f *fakePeers) AllServices() []*registry.ServiceInfo { return f.services }

func tradePeer(id string) *registry.ServiceInfo {
	return &registry.ServiceInfo{
		ID:            id,
		Name:          "tradegrid-node",
		Status:        registry.StatusHealthy,
		LastHeartbeat: time.Now(),
		Metadata:      map[string]string{"role": "trade"},
	}
}

func TestPartitionOwnerSplitsPartitionsExclusively(t *testing.T) {
	peers := &fakePeers{services: []*registry.ServiceInfo{
		tradePeer("trade-a"),
		tradePeer("trade-b"),
	}}

	ownsA := partitionOwner("trade-a", "trade", peers)
	ownsB := partitionOwner("trade-b", "trade", peers)

	// Every partition has exactly one owner; a partition consumed by two
	// nodes in the same group would lose its ordering guarantee.
	for p := 0; p < 8; p++ {
		a, b := ownsA(p), ownsB(p)
		if a == b {
			t.Fatalf("partition %d must have exactly one owner, got a=%v b=%v", p, a, b)
		}
	}
}

func TestPartitionOwnerIgnoresOtherRolesAndDeadPeers(t *testing.T) {
	other := tradePeer("agent-z")
	other.Metadata["role"] = "agent"

	unhealthy := tradePeer("trade-down")
	unhealthy.Status = registry.StatusUnhealthy

	stale := tradePeer("trade-stale")
	stale.LastHeartbeat = time.Now().Add(-2 * registry.StaleThreshold)

	peers := &fakePeers{services: []*registry.ServiceInfo{
		tradePeer("trade-a"),
		other,
		unhealthy,
		stale,
	}}

	owns := partitionOwner("trade-a", "trade", peers)
	for p := 0; p < 8; p++ {
		if !owns(p) {
			t.Fatalf("sole live trade node must own partition %d", p)
		}
	}
}

func TestPartitionOwnerOwnsAllWhenUnregistered(t *testing.T) {
	// Before the node's own registration propagates, refusing every
	// partition would stall consumption. Own everything instead; peers
	// rebalance once the record lands.
	peers := &fakePeers{services: []*registry.ServiceInfo{tradePeer("trade-b")}}

	owns := partitionOwner("trade-a", "trade", peers)
	for p := 0; p < 8; p++ {
		if !owns(p) {
			t.Fatalf("unregistered node must own partition %d until its record lands", p)
		}
	}
}
