// Package awareness maintains ephemeral per-document presence: cursor
// position, selection range, typing flag, and a user profile snapshot.
// Awareness state is never persisted and never enters the replication
// log; it rides its own frame type and converges by clock comparison
// alone, not CRDT merge.
package awareness

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	// offlineAfter is how long a record may go without a heartbeat
	// before it is considered offline and removed locally.
	offlineAfter = 30 * time.Second
	// ResendInterval is how often a live local record should be
	// rebroadcast to cover lost frames.
	ResendInterval = 5 * time.Second
)

// Record is one client's awareness state for one document: an opaque
// profile/cursor blob plus the monotonic clock that orders updates.
type Record struct {
	PeerKey    string
	Clock      uint64
	State      json.RawMessage // nil means tombstoned (removed)
	LastSeen   time.Time
}

// Tracker holds every known awareness record for a single open document.
// One Tracker exists per open document handle.
type Tracker struct {
	mu         sync.RWMutex
	localKey   string
	localClock uint64
	records    map[string]*Record // peerKey -> record
}

// NewTracker creates a Tracker for a document, scoped to localKey's own
// awareness record.
func NewTracker(localKey string) *Tracker {
	return &Tracker{localKey: localKey, records: make(map[string]*Record)}
}

// SetLocal bumps the local client's clock and stores state as its new
// awareness record, returning the record for the caller to broadcast.
// Passing a nil state tombstones the local record (the client has left
// the document).
func (t *Tracker) SetLocal(state json.RawMessage) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.localClock++
	rec := &Record{PeerKey: t.localKey, Clock: t.localClock, State: state, LastSeen: time.Now()}
	t.records[t.localKey] = rec
	return *rec
}

// ApplyRemote merges in a remote peer's awareness update. A strictly
// higher clock overwrites; equal or lower clocks are ignored, matching
// the no-CRDT "last writer with a higher clock wins" contract.
func (t *Tracker) ApplyRemote(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.records[rec.PeerKey]
	if ok && rec.Clock <= existing.Clock {
		return
	}
	rec.LastSeen = time.Now()
	t.records[rec.PeerKey] = &rec
}

// Active returns every record not tombstoned and not timed out, for the
// editor layer to render presence UI.
func (t *Tracker) Active() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := time.Now().Add(-offlineAfter)
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		if r.State == nil {
			continue
		}
		if r.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, *r)
	}
	return out
}

// SweepOffline removes every record (local or remote) that has gone
// silent for longer than offlineAfter, returning the peer keys removed.
func (t *Tracker) SweepOffline() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-offlineAfter)
	var removed []string
	for key, r := range t.records {
		if r.LastSeen.Before(cutoff) {
			delete(t.records, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// Local returns the local client's current record, for periodic resend.
func (t *Tracker) Local() Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[t.localKey]; ok {
		return *rec
	}
	return Record{PeerKey: t.localKey}
}
