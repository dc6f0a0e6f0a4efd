package balancer

import (
	"fmt"
	"testing"
)

func TestRing_GetNodeDeterministic(t *testing.T) {
	ring := NewRing(200)
	for i := 0; i < 5; i++ {
		ring.AddNode(fmt.Sprintf("node-%d", i))
	}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("user-%d:trade", i)
		first, err := ring.GetNode(key)
		if err != nil {
			t.Fatalf("GetNode failed: %v", err)
		}
		for j := 0; j < 10; j++ {
			again, err := ring.GetNode(key)
			if err != nil {
				t.Fatalf("GetNode failed: %v", err)
			}
			if again != first {
				t.Fatalf("GetNode(%s) not deterministic: %s then %s", key, first, again)
			}
		}
	}
}

func TestRing_EmptyRing(t *testing.T) {
	ring := NewRing(0)
	if _, err := ring.GetNode("any-key"); err == nil {
		t.Fatalf("GetNode on empty ring should fail")
	}
}

func TestRing_VirtualNodeCount(t *testing.T) {
	ring := NewRing(50)
	ring.AddNode("node-a")

	ring.mu.RLock()
	defer ring.mu.RUnlock()
	if len(ring.positions) != 50 {
		t.Fatalf("expected 50 virtual positions, got %d", len(ring.positions))
	}
	if ring.nodes["node-a"].VirtualNodeCount != 50 {
		t.Fatalf("node should record its virtual node count")
	}
}

func TestRing_WeightedNode(t *testing.T) {
	ring := NewRing(50)
	ring.AddWeightedNode("heavy", 3)

	ring.mu.RLock()
	defer ring.mu.RUnlock()
	if len(ring.positions) != 150 {
		t.Fatalf("weight 3 node should contribute 150 positions, got %d", len(ring.positions))
	}
}

func TestRing_AddNodeRemapsBoundedFraction(t *testing.T) {
	const numNodes = 5
	const numKeys = 2000

	ring := NewRing(200)
	for i := 0; i < numNodes; i++ {
		ring.AddNode(fmt.Sprintf("node-%d", i))
	}

	before := make(map[string]string, numKeys)
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("user-%d", i)
		node, err := ring.GetNode(key)
		if err != nil {
			t.Fatalf("GetNode failed: %v", err)
		}
		before[key] = node
	}

	ring.AddNode("node-new")

	moved := 0
	for key, prev := range before {
		node, err := ring.GetNode(key)
		if err != nil {
			t.Fatalf("GetNode failed: %v", err)
		}
		if node != prev {
			if node != "node-new" {
				t.Fatalf("key %s remapped to %s, but only the new node should gain keys", key, node)
			}
			moved++
		}
	}

	// Statistically ~1/(N+1) of keys move to the new node. Allow generous
	// slack for hash variance while still catching full-keyspace remaps.
	expected := numKeys / (numNodes + 1)
	if moved > expected*2 {
		t.Fatalf("too many keys remapped: %d (expected around %d)", moved, expected)
	}
	if moved == 0 {
		t.Fatalf("new node received no keys")
	}
}

func TestRing_RemoveNodeOnlyRemapsItsKeys(t *testing.T) {
	const numKeys = 1000

	ring := NewRing(200)
	for i := 0; i < 4; i++ {
		ring.AddNode(fmt.Sprintf("node-%d", i))
	}

	before := make(map[string]string, numKeys)
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("order-%d", i)
		node, _ := ring.GetNode(key)
		before[key] = node
	}

	ring.RemoveNode("node-2")

	for key, prev := range before {
		node, err := ring.GetNode(key)
		if err != nil {
			t.Fatalf("GetNode failed: %v", err)
		}
		if prev != "node-2" && node != prev {
			t.Fatalf("key %s owned by %s remapped to %s after removing node-2", key, prev, node)
		}
		if prev == "node-2" && node == "node-2" {
			t.Fatalf("key %s still mapped to removed node", key)
		}
	}
}

func TestRing_NodesSorted(t *testing.T) {
	ring := NewRing(10)
	ring.AddNode("charlie")
	ring.AddNode("alpha")
	ring.AddNode("bravo")

	nodes := ring.Nodes()
	if len(nodes) != 3 || nodes[0] != "alpha" || nodes[1] != "bravo" || nodes[2] != "charlie" {
		t.Fatalf("Nodes should be sorted, got %v", nodes)
	}
}
