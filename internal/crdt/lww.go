package crdt

import (
	"sync"
	"time"
)

// LWWRegister is a Last-Write-Wins register. On a timestamp tie, the higher
// nodeID wins (lexicographic), which keeps Set deterministic across
// replicas that race on the same wall-clock millisecond.
type LWWRegister[T any] struct {
	mu        sync.RWMutex
	value     T
	timestamp time.Time
	nodeID    string
}

// NewLWWRegister creates a register at its zero value with no writer.
func NewLWWRegister[T any]() *LWWRegister[T] {
	return &LWWRegister[T]{}
}

// Set updates the register if ts is strictly after the current timestamp,
// or ties it and nodeID sorts higher than the current writer.
func (r *LWWRegister[T]) Set(val T, ts time.Time, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts.After(r.timestamp) || (ts.Equal(r.timestamp) && nodeID > r.nodeID) {
		r.value = val
		r.timestamp = ts
		r.nodeID = nodeID
	}
}

// Get returns the current value and its timestamp.
func (r *LWWRegister[T]) Get() (T, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.timestamp
}

// Merge pulls in a remote register's state. Idempotent: merging the same
// state twice leaves the register unchanged the second time.
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) {
	other.mu.RLock()
	val, ts, node := other.value, other.timestamp, other.nodeID
	other.mu.RUnlock()
	r.Set(val, ts, node)
}
