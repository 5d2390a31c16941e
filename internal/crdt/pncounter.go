package crdt

import "sync"

// PNCounter is a Positive-Negative counter CRDT: every node tracks its own
// increments and decrements separately, so merging two replicas is just a
// per-node maximum, same as a vector clock.
type PNCounter struct {
	mu       sync.RWMutex
	positive map[string]int64
	negative map[string]int64
}

// NewPNCounter creates a zeroed PN counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{
		positive: make(map[string]int64),
		negative: make(map[string]int64),
	}
}

// Increment adds delta (must be >= 0) to this node's positive counter.
func (c *PNCounter) Increment(nodeID string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positive[nodeID] += delta
}

// Decrement adds delta (must be >= 0) to this node's negative counter.
func (c *PNCounter) Decrement(nodeID string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negative[nodeID] += delta
}

// Value returns the current counter value: sum of positives minus sum of
// negatives, across every node that has ever touched the counter.
func (c *PNCounter) Value() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total int64
	for _, v := range c.positive {
		total += v
	}
	for _, v := range c.negative {
		total -= v
	}
	return total
}

// Merge merges another counter into this one, taking the per-node maximum
// of each side's positive and negative totals — idempotent and commutative
// because increments only ever grow.
func (c *PNCounter) Merge(other *PNCounter) {
	other.mu.RLock()
	otherPos := make(map[string]int64, len(other.positive))
	for k, v := range other.positive {
		otherPos[k] = v
	}
	otherNeg := make(map[string]int64, len(other.negative))
	for k, v := range other.negative {
		otherNeg[k] = v
	}
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for node, v := range otherPos {
		if v > c.positive[node] {
			c.positive[node] = v
		}
	}
	for node, v := range otherNeg {
		if v > c.negative[node] {
			c.negative[node] = v
		}
	}
}
