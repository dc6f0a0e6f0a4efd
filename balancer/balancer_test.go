package balancer

import (
	"strings"
	"testing"
	"time"

	"github.com/tradegrid/tradegrid/registry"
)

// fakeServiceView is an in-memory stand-in for the registry's cached view.
type fakeServiceView struct {
	services map[string]*registry.ServiceInfo
}

func (f *fakeServiceView) GetService(id string) (*registry.ServiceInfo, bool) {
	svc, ok := f.services[id]
	return svc, ok
}

func (f *fakeServiceView) AllServices() []*registry.ServiceInfo {
	out := make([]*registry.ServiceInfo, 0, len(f.services))
	for _, svc := range f.services {
		out = append(out, svc)
	}
	return out
}

func healthyService(id string, port int) *registry.ServiceInfo {
	return &registry.ServiceInfo{
		ID:            id,
		Name:          "trade-processor",
		Host:          "localhost",
		Port:          port,
		Status:        registry.StatusHealthy,
		LastHeartbeat: time.Now(),
	}
}

func TestBalancer_SyncBuildsRing(t *testing.T) {
	view := &fakeServiceView{services: map[string]*registry.ServiceInfo{
		"trade-1": healthyService("trade-1", 9100),
		"trade-2": healthyService("trade-2", 9101),
	}}
	b := New(view, 100)
	b.Sync()

	if b.ring.Size() != 2 {
		t.Fatalf("ring should have 2 nodes after sync, got %d", b.ring.Size())
	}

	delete(view.services, "trade-2")
	b.Sync()
	if b.ring.Size() != 1 {
		t.Fatalf("ring should drop departed nodes on sync, got %d", b.ring.Size())
	}
}

func TestBalancer_RouteRequestReturnsAddress(t *testing.T) {
	view := &fakeServiceView{services: map[string]*registry.ServiceInfo{
		"trade-1": healthyService("trade-1", 9100),
		"trade-2": healthyService("trade-2", 9101),
		"trade-3": healthyService("trade-3", 9102),
	}}
	b := New(view, 100)
	b.Sync()

	addr, err := b.RouteRequest("user-42", "trade")
	if err != nil {
		t.Fatalf("RouteRequest failed: %v", err)
	}
	if !strings.HasPrefix(addr, "localhost:") {
		t.Fatalf("unexpected address: %s", addr)
	}

	// Same user and request type always land on the same shard.
	for i := 0; i < 20; i++ {
		again, err := b.RouteRequest("user-42", "trade")
		if err != nil {
			t.Fatalf("RouteRequest failed: %v", err)
		}
		if again != addr {
			t.Fatalf("routing not sticky: %s then %s", addr, again)
		}
	}
}

func TestBalancer_RouteRequestRejectsStaleNode(t *testing.T) {
	stale := healthyService("trade-1", 9100)
	stale.LastHeartbeat = time.Now().Add(-10 * time.Minute)

	view := &fakeServiceView{services: map[string]*registry.ServiceInfo{"trade-1": stale}}
	b := New(view, 100)
	b.Sync()

	if _, err := b.RouteRequest("user-1", "trade"); err == nil {
		t.Fatalf("routing to a stale node should fail")
	}
}

func TestBalancer_RouteRequestRejectsUnhealthyNode(t *testing.T) {
	sick := healthyService("trade-1", 9100)
	sick.Status = registry.StatusUnhealthy

	view := &fakeServiceView{services: map[string]*registry.ServiceInfo{"trade-1": sick}}
	b := New(view, 100)
	b.Sync()

	if _, err := b.RouteRequest("user-1", "trade"); err == nil {
		t.Fatalf("routing to an unhealthy node should fail")
	}
}

func TestBalancer_RouteRequestEmptyRing(t *testing.T) {
	b := New(&fakeServiceView{services: map[string]*registry.ServiceInfo{}}, 100)
	b.Sync()

	if _, err := b.RouteRequest("user-1", "chat"); err == nil {
		t.Fatalf("routing with no nodes should fail")
	}
}
