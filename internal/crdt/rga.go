package crdt

import (
	"sort"
	"sync"
)

// RGANodeID identifies a single inserted character: the inserting node's
// logical sequence number for that node, paired with the node's stable ID.
// Comparing two IDs by (Seq desc, NodeID asc) gives every replica the same
// total order for characters inserted concurrently at the same position.
type RGANodeID struct {
	Seq    uint64
	NodeID string
}

// less reports whether id sorts before other under RGA's tie-break order:
// higher Seq first, then lower NodeID.
func (id RGANodeID) less(other RGANodeID) bool {
	if id.Seq != other.Seq {
		return id.Seq > other.Seq
	}
	return id.NodeID < other.NodeID
}

// rgaRootID is the sentinel "before the first character" anchor. No real
// insert ever produces this ID, since Seq starts at 1.
var rgaRootID = RGANodeID{}

// RGANode is one element of the list: a single character (or tombstone) and
// the ID of the character it was inserted after at the time of insertion.
type RGANode struct {
	ID          RGANodeID
	InsertAfter RGANodeID
	Char        rune
	Deleted     bool
}

// RGA is a Replicated Growable Array: an append-only causal tree of
// character insertions, overlaid with tombstones for deletes. It is the
// CRDT backing the text document type.
type RGA struct {
	mu     sync.RWMutex
	nodeID string
	seqNo  uint64

	nodes map[RGANodeID]*RGANode
	// children maps an anchor ID to every node inserted after it, kept
	// sorted by the (Seq desc, NodeID asc) tie-break so Text() can walk
	// the structure in document order without re-sorting on every read.
	children map[RGANodeID][]RGANodeID
}

// NewRGA creates an empty RGA for the given local node ID (used to stamp
// new insertions' RGANodeID.NodeID).
func NewRGA(nodeID string) *RGA {
	return &RGA{
		nodeID:   nodeID,
		nodes:    make(map[RGANodeID]*RGANode),
		children: make(map[RGANodeID][]RGANodeID),
	}
}

// Insert inserts ch immediately after the character identified by afterID
// (use the zero RGANodeID to insert at the very start of the text) and
// returns the new node's ID for the caller to broadcast.
func (r *RGA) Insert(afterID RGANodeID, ch rune) RGANodeID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seqNo++
	id := RGANodeID{Seq: r.seqNo, NodeID: r.nodeID}
	r.insertNode(&RGANode{ID: id, InsertAfter: afterID, Char: ch})
	return id
}

// Delete tombstones the character at id. Deletes are idempotent: deleting
// an already-deleted or unknown ID is a no-op.
func (r *RGA) Delete(id RGANodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.Deleted = true
	}
}

// Apply merges in a single remote insertion or deletion. Passing a node
// whose ID already exists is a no-op (insertion is applied at most once),
// except that Deleted is OR'd in so a remote delete always takes effect.
func (r *RGA) Apply(node RGANode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[node.ID]; ok {
		if node.Deleted {
			existing.Deleted = true
		}
		return
	}
	cp := node
	r.insertNode(&cp)
}

// insertNode links a node into the children structure, keeping it sorted by
// the tie-break order. Caller must hold r.mu.
func (r *RGA) insertNode(n *RGANode) {
	r.nodes[n.ID] = n
	siblings := r.children[n.InsertAfter]
	idx := sort.Search(len(siblings), func(i int) bool {
		return n.ID.less(siblings[i])
	})
	siblings = append(siblings, RGANodeID{})
	copy(siblings[idx+1:], siblings[idx:])
	siblings[idx] = n.ID
	r.children[n.InsertAfter] = siblings
}

// Text renders the current document by walking the tree depth-first from
// the root anchor, skipping tombstoned characters.
func (r *RGA) Text() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []rune
	var walk func(anchor RGANodeID)
	walk = func(anchor RGANodeID) {
		for _, childID := range r.children[anchor] {
			child := r.nodes[childID]
			if !child.Deleted {
				out = append(out, child.Char)
			}
			walk(childID)
		}
	}
	walk(rgaRootID)
	return string(out)
}

// Nodes returns every node currently known, including tombstones, for
// snapshotting and for computing a state vector / diff against a peer.
func (r *RGA) Nodes() []RGANode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RGANode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}

// Len returns the number of live (non-tombstoned) characters.
func (r *RGA) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, node := range r.nodes {
		if !node.Deleted {
			n++
		}
	}
	return n
}
