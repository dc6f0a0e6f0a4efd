package server

import (
	"sort"

	"github.com/tradegrid/tradegrid/registry"
)

// peerLister is the registry view partition assignment reads.
type peerLister interface {
	AllServices() []*registry.ServiceInfo
}

// partitionOwner returns an ownership check that splits stream partitions
// across the live nodes of one role, so each partition has exactly one
// reader within the role's consumer group. Peers are the healthy, non-stale
// services carrying the role, sorted by id; partition p belongs to peer
// p mod n. Every node derives the same assignment from its own registry
// view, converging as the views do; the bus's pending-entry claim cycle
// covers anything read but unacked during a handover.
//
// A node that cannot see itself in the registry yet (its registration is
// still propagating) owns every partition, which keeps a single-node
// cluster draining from the first moment.
func partitionOwner(nodeID, role string, peers peerLister) func(partition int) bool {
	return func(partition int) bool {
		var ids []string
		for _, svc := range peers.AllServices() {
			if svc.Metadata["role"] != role {
				continue
			}
			if svc.Status != registry.StatusHealthy || svc.IsStale(registry.StaleThreshold) {
				continue
			}
			ids = append(ids, svc.ID)
		}
		sort.Strings(ids)

		self := -1
		for i, id := range ids {
			if id == nodeID {
				self = i
				break
			}
		}
		if self < 0 {
			return true
		}
		return partition%len(ids) == self
	}
}

// PartitionOwner returns this node's ownership check for consumer groups
// shared by every node of its role.
func (s *Server) PartitionOwner() func(partition int) bool {
	return partitionOwner(s.node.ID, string(s.node.Role), s.Registry)
}
