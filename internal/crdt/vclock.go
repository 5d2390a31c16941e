// Package crdt implements the conflict-free replicated data types that back
// every document type tag (text, sheet, kanban). Every primitive here is
// commutative, associative, and idempotent under Merge/Apply, which is what
// lets the replication engine converge two replicas without coordination.
package crdt

import (
	"encoding/binary"
	"sort"
)

// VClock is a vector clock for causality tracking: nodeID (a hex-encoded
// Ed25519 public key, or any stable per-writer string) -> logical counter.
type VClock map[string]uint64

// Increment returns a new VClock with nodeID's counter incremented. The
// receiver is left untouched; callers that want to mutate in place should
// assign the result back.
func (v VClock) Increment(nodeID string) VClock {
	next := v.Clone()
	next[nodeID]++
	return next
}

// HappensBefore returns true if v causally precedes other: every counter in
// v is <= the corresponding counter in other, and at least one is strictly
// less. A clock is never considered to happen-before itself.
func (v VClock) HappensBefore(other VClock) bool {
	strictlyLess := false
	for node, c := range v {
		oc := other[node]
		if c > oc {
			return false
		}
		if c < oc {
			strictlyLess = true
		}
	}
	for node, oc := range other {
		if _, ok := v[node]; !ok && oc > 0 {
			strictlyLess = true
		}
	}
	return strictlyLess
}

// Concurrent returns true if neither v nor other causally precedes the
// other — a true conflict that CRDT merge semantics, not ordering, must
// resolve.
func (v VClock) Concurrent(other VClock) bool {
	return !v.HappensBefore(other) && !other.HappensBefore(v)
}

// Merge returns the component-wise maximum of v and other.
func (v VClock) Merge(other VClock) VClock {
	merged := v.Clone()
	for node, c := range other {
		if c > merged[node] {
			merged[node] = c
		}
	}
	return merged
}

// Clone returns a deep copy.
func (v VClock) Clone() VClock {
	c := make(VClock, len(v))
	for k, val := range v {
		c[k] = val
	}
	return c
}

// Equal reports whether v and other have identical entries (zero entries
// and absent entries compare equal).
func (v VClock) Equal(other VClock) bool {
	for node, c := range v {
		if other[node] != c {
			return false
		}
	}
	for node, c := range other {
		if v[node] != c {
			return false
		}
	}
	return true
}

// Encode produces a compact, deterministic byte encoding of v: a 4-byte
// entry count followed by, for each entry sorted by nodeID, a 2-byte
// nodeID length, the nodeID bytes, and an 8-byte big-endian counter. An
// empty clock encodes to exactly 4 bytes, satisfying the "state vector of
// an empty document is < 8 bytes" boundary.
func (v VClock) Encode() []byte {
	nodes := make([]string, 0, len(v))
	for n := range v {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	out := make([]byte, 4, 4+len(v)*16)
	binary.BigEndian.PutUint32(out, uint32(len(nodes)))
	for _, n := range nodes {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(n)))
		out = append(out, lenBuf[:]...)
		out = append(out, n...)
		var cntBuf [8]byte
		binary.BigEndian.PutUint64(cntBuf[:], v[n])
		out = append(out, cntBuf[:]...)
	}
	return out
}

// DecodeVClock parses the encoding produced by VClock.Encode.
func DecodeVClock(b []byte) (VClock, error) {
	if len(b) < 4 {
		return nil, errShortBuffer
	}
	n := binary.BigEndian.Uint32(b)
	v := make(VClock, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		if off+2 > len(b) {
			return nil, errShortBuffer
		}
		nameLen := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if off+nameLen+8 > len(b) {
			return nil, errShortBuffer
		}
		name := string(b[off : off+nameLen])
		off += nameLen
		cnt := binary.BigEndian.Uint64(b[off:])
		off += 8
		v[name] = cnt
	}
	return v, nil
}
