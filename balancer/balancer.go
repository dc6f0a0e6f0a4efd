package balancer

import (
	"fmt"

	"github.com/tradegrid/tradegrid/registry"
	"github.com/tradegrid/tradegrid/util/logger"
	"github.com/tradegrid/tradegrid/util/metrics"
)

// ServiceView is the read side of the registry the balancer depends on.
type ServiceView interface {
	GetService(id string) (*registry.ServiceInfo, bool)
	AllServices() []*registry.ServiceInfo
}

// Balancer routes requests deterministically to shard nodes using a
// consistent-hash ring built from the registry's service list.
type Balancer struct {
	ring     *Ring
	services ServiceView
	logger   *logger.Logger
}

// New creates a balancer over the given registry view.
func New(services ServiceView, virtualNodes int) *Balancer {
	return &Balancer{
		ring:     NewRing(virtualNodes),
		services: services,
		logger:   logger.NewLogger("Balancer"),
	}
}

// Sync reconciles ring membership with the registry's current service list.
// It is called whenever the registry view changes (the server runtime invokes
// it on a short interval); nodes that joined are added, nodes that left are
// removed, and everything else keeps its positions untouched.
func (b *Balancer) Sync() {
	current := make(map[string]bool)
	for _, svc := range b.services.AllServices() {
		current[svc.ID] = true
		if b.ring.has(svc.ID) {
			continue
		}
		b.ring.AddNode(svc.ID)
		b.logger.Infof("Node joined ring: %s", svc.ID)
	}

	for _, id := range b.ring.Nodes() {
		if !current[id] {
			b.ring.RemoveNode(id)
			b.logger.Infof("Node left ring: %s", id)
		}
	}

	metrics.RingNodes.Set(float64(b.ring.Size()))
}

// GetNode resolves a routing key to a node id.
func (b *Balancer) GetNode(key string) (string, error) {
	return b.ring.GetNode(key)
}

// RouteRequest composes a routing key from the user id and request type,
// resolves it to a node, and returns that node's live address. A record whose
// heartbeat has gone stale is treated as unreachable even if still present.
func (b *Balancer) RouteRequest(userID, requestType string) (string, error) {
	key := userID + ":" + requestType

	nodeID, err := b.ring.GetNode(key)
	if err != nil {
		return "", fmt.Errorf("no nodes available for key %s: %w", key, err)
	}

	svc, ok := b.services.GetService(nodeID)
	if !ok {
		return "", fmt.Errorf("node %s is on the ring but missing from the registry", nodeID)
	}
	if svc.Status != registry.StatusHealthy {
		return "", fmt.Errorf("node %s is unhealthy", nodeID)
	}
	if svc.IsStale(registry.StaleThreshold) {
		return "", fmt.Errorf("node %s heartbeat is stale, treating as unreachable", nodeID)
	}

	return svc.Address(), nil
}

// has reports whether a node is already on the ring.
func (r *Ring) has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}
