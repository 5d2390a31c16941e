// Package registry tracks which peers claim which topics, generalizing the
// teacher's node-membership map from a flat cluster roster into per-topic
// peer sets. Topic-addressed frames are fanned out by transport.Mesh, which
// reads the peer sets kept here.
package registry

import (
	"sort"
	"sync"
	"time"
)

const (
	// defaultHopBudget bounds how many announce-forwarding hops a
	// recursive discovery walk may take.
	defaultHopBudget = 3
	// defaultDiscoveryBudget bounds how many new peers a single join may
	// learn about.
	defaultDiscoveryBudget = 64
	// staleAfter is how long a peer may go without activity before it is
	// evicted from every topic it belonged to.
	staleAfter = 5 * time.Minute
)

// PeerEntry is one peer's membership record within a single topic.
type PeerEntry struct {
	PeerKey    string
	LastActive time.Time
}

// Registry tracks topic -> peer-set membership with a reader-writer lock,
// grounded on the teacher's Membership{mu sync.RWMutex, nodes map[...]}
// shape, generalized from one flat roster to one roster per topic.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*PeerEntry // topic -> peerKey -> entry
	roles  map[string]map[string]string     // topic -> publicKey (hex) -> role

	hopBudget       int
	discoveryBudget int
}

// New constructs an empty Registry with the default hop and discovery
// budgets from spec (3 hops, 64 new peers per join).
func New() *Registry {
	return &Registry{
		topics:          make(map[string]map[string]*PeerEntry),
		roles:           make(map[string]map[string]string),
		hopBudget:       defaultHopBudget,
		discoveryBudget: defaultDiscoveryBudget,
	}
}

// SetRoles installs the workspace role map governing topic: which public
// keys (hex-encoded) may announce/join, and under what role. Called by
// the supervisor when it opens a document and derives its topic from the
// owning workspace's WorkspaceRecord.Roles.
func (r *Registry) SetRoles(topic string, roles map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[topic] = roles
}

// Authorize reports whether publicKeyHex may announce on topic. A topic
// with no role map installed is unrestricted (used for ephemeral/test
// topics that never had SetRoles called) — the authenticator boundary is
// advisory until the supervisor actually populates a workspace's roles.
func (r *Registry) Authorize(topic, publicKeyHex string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles, ok := r.roles[topic]
	if !ok {
		return true
	}
	_, permitted := roles[publicKeyHex]
	return permitted
}

// Join records that peerKey belongs to topic, touching its activity clock.
func (r *Registry) Join(topic, peerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.topics[topic]
	if !ok {
		set = make(map[string]*PeerEntry)
		r.topics[topic] = set
	}
	entry, ok := set[peerKey]
	if !ok {
		entry = &PeerEntry{PeerKey: peerKey}
		set[peerKey] = entry
	}
	entry.LastActive = time.Now()
}

// Leave removes peerKey from topic's set.
func (r *Registry) Leave(topic, peerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.topics[topic]; ok {
		delete(set, peerKey)
	}
}

// Touch refreshes peerKey's activity clock across every topic it belongs
// to, so it is not swept by the stale-peer eviction pass.
func (r *Registry) Touch(peerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, set := range r.topics {
		if entry, ok := set[peerKey]; ok {
			entry.LastActive = now
		}
	}
}

// TopicPeers returns every peer key currently in topic's set, in
// deterministic lexicographic order (spec's "order of peer contact is
// deterministic, by public key lexicographic"), grounded on the teacher's
// sorted-slice-plus-binary-search ring technique in ring.go, reused here
// for ordering rather than for key-range sharding.
func (r *Registry) TopicPeers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.topics[topic]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Topics returns every topic with at least one member, in deterministic
// lexicographic order. Used by the local debug surface to enumerate
// mesh membership without exposing the internal map.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.topics))
	for t, set := range r.topics {
		if len(set) > 0 {
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	return topics
}

// Contains reports whether peerKey is currently a member of topic.
func (r *Registry) Contains(topic, peerKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.topics[topic]
	if !ok {
		return false
	}
	_, ok = set[peerKey]
	return ok
}

// EvictStale removes every peer from every topic set whose last activity
// is older than staleAfter, returning the evicted peer keys for the mesh
// to also tear down their transports.
func (r *Registry) EvictStale() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	evictedSet := make(map[string]struct{})
	for topic, set := range r.topics {
		for peerKey, entry := range set {
			if entry.LastActive.Before(cutoff) {
				delete(set, peerKey)
				evictedSet[peerKey] = struct{}{}
			}
		}
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
	evicted := make([]string, 0, len(evictedSet))
	for k := range evictedSet {
		evicted = append(evicted, k)
	}
	sort.Strings(evicted)
	return evicted
}

// DiscoveryWalk computes the bounded set of new peers that a recursive
// announce walk should contact next, given the peers already known and the
// peers newly reported by one announce response. It enforces both the hop
// budget (by refusing to plan past hopBudget hops, tracked by the caller)
// and the discovery budget (never returning more than discoveryBudget new
// peers across the lifetime of one join — callers pass the count already
// admitted so far).
func (r *Registry) DiscoveryWalk(hop int, alreadyKnown map[string]struct{}, reported []string, admittedSoFar int) []string {
	if hop > r.hopBudget {
		return nil
	}
	remaining := r.discoveryBudget - admittedSoFar
	if remaining <= 0 {
		return nil
	}

	sort.Strings(reported)
	var fresh []string
	for _, peer := range reported {
		if _, known := alreadyKnown[peer]; known {
			continue
		}
		fresh = append(fresh, peer)
		if len(fresh) >= remaining {
			break
		}
	}
	return fresh
}
