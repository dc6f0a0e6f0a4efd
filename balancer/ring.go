package balancer

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultVirtualNodes is the number of ring positions each physical node
// contributes per unit of weight. High virtual-node counts keep the key
// distribution statistically even across nodes.
const DefaultVirtualNodes = 200

// RingNode is one physical node's membership on the ring.
type RingNode struct {
	ID               string
	Weight           int
	VirtualNodeCount int
}

type ringPosition struct {
	hash   uint32
	nodeID string
}

// Ring maps keys to nodes on a circular hash space using virtual-node
// positions. Adding or removing one node only remaps the ~1/N fraction of
// keys owned by that node's positions, which is the whole point of hashing
// over naive modulo sharding: per-user state stays pinned to one shard
// across membership changes elsewhere in the fleet.
type Ring struct {
	mu           sync.RWMutex
	virtualNodes int
	nodes        map[string]*RingNode
	positions    []ringPosition // sorted by (hash, nodeID)
}

// NewRing creates an empty ring. virtualNodes <= 0 uses DefaultVirtualNodes.
func NewRing(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		virtualNodes: virtualNodes,
		nodes:        make(map[string]*RingNode),
	}
}

func hashKey(key string) uint32 {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return hasher.Sum32()
}

// virtualPositions computes the ring positions for a node: one hash per
// virtual node, derived from "<nodeID>-<i>".
func virtualPositions(node *RingNode) []ringPosition {
	count := node.VirtualNodeCount * node.Weight
	positions := make([]ringPosition, 0, count)
	for i := 0; i < count; i++ {
		positions = append(positions, ringPosition{
			hash:   hashKey(fmt.Sprintf("%s-%d", node.ID, i)),
			nodeID: node.ID,
		})
	}
	return positions
}

// AddNode adds a physical node with weight 1.
func (r *Ring) AddNode(id string) {
	r.AddWeightedNode(id, 1)
}

// AddWeightedNode adds a physical node contributing weight * virtualNodeCount
// positions. Re-adding an existing node is a no-op.
func (r *Ring) AddWeightedNode(id string, weight int) {
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; exists {
		return
	}

	node := &RingNode{ID: id, Weight: weight, VirtualNodeCount: r.virtualNodes}
	r.nodes[id] = node

	r.positions = append(r.positions, virtualPositions(node)...)
	sort.Slice(r.positions, func(i, j int) bool {
		if r.positions[i].hash != r.positions[j].hash {
			return r.positions[i].hash < r.positions[j].hash
		}
		return r.positions[i].nodeID < r.positions[j].nodeID
	})
}

// RemoveNode removes a physical node and all its virtual positions.
func (r *Ring) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return
	}
	delete(r.nodes, id)

	kept := r.positions[:0]
	for _, p := range r.positions {
		if p.nodeID != id {
			kept = append(kept, p)
		}
	}
	r.positions = kept
}

// GetNode returns the node owning the given key: the smallest ring position
// greater than or equal to hash(key), wrapping to the first position. The
// result is deterministic for a fixed ring composition.
func (r *Ring) GetNode(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.positions) == 0 {
		return "", fmt.Errorf("ring is empty")
	}

	h := hashKey(key)
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i].hash >= h
	})
	if idx == len(r.positions) {
		idx = 0 // wrap around the ring
	}
	return r.positions[idx].nodeID, nil
}

// Nodes returns the ids of all physical nodes on the ring.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the number of physical nodes on the ring.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
