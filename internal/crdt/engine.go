package crdt

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nahma/nahma-core/internal/errs"
)

// OpKind tags the shape of a single Update.Payload.
type OpKind string

const (
	OpTextInsert   OpKind = "text.insert"
	OpTextDelete   OpKind = "text.delete"
	OpSheetSetCell OpKind = "sheet.setCell"
	OpKanbanCard   OpKind = "kanban.setCard"
	OpKanbanLabel  OpKind = "kanban.label"
)

// Update is one causally-ordered mutation against a document: an opaque,
// type-tag-specific payload plus the vector clock it was produced under.
// Timestamp is the originating node's wall-clock millis at the moment the
// update was produced — stamped once in ApplyLocal and carried verbatim
// through every remote application and replay, so every replica's
// LWW-Register tie-break runs against the same value regardless of when
// it happens to receive or replay the update.
type Update struct {
	Kind      OpKind          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Clock     VClock          `json:"clock"`
	NodeID    string          `json:"nodeId"`
	Timestamp int64           `json:"timestamp"`
}

type textInsertPayload struct {
	After RGANodeID `json:"after"`
	Char  rune      `json:"char"`
	ID    RGANodeID `json:"id"`
}

type textDeletePayload struct {
	ID RGANodeID `json:"id"`
}

type sheetSetCellPayload struct {
	Cell  string `json:"cell"`
	Value string `json:"value"`
}

type kanbanCardPayload struct {
	CardID string `json:"cardId"`
	Title  string `json:"title"`
}

// kanbanLabelPayload carries either an add or a remove against a card's
// label set. Tag is the OR-Set add-tag minted once by the node that
// issued the add (via ORSet.Add, inside AddLocalKanbanLabel) and then
// carried verbatim on every remote application and log replay, so
// re-applying the same add event — at-least-once redelivery, or replaying
// the log across a restart — merges the same tag back in rather than
// minting a fresh one each time. Remove carries no tag: it clears every
// tag currently observed for Label.
type kanbanLabelPayload struct {
	CardID string `json:"cardId"`
	Label  string `json:"label"`
	Tag    string `json:"tag,omitempty"`
	Remove bool   `json:"remove"`
}

// snapshotRef records where a compacted snapshot of a document's state
// lives on disk, for the persistence layer to consult on reopen.
type snapshotRef struct {
	Path  string
	Clock VClock
}

// ReplicationState is the in-memory state for one open document: its CRDT
// composition, causal history log, and current vector clock.
type ReplicationState struct {
	mu sync.Mutex

	docID     string
	typeTag   TypeTag
	root      *docRoot
	updateLog []Update
	clock     VClock
	snapshots []snapshotRef
}

// OpenResult is returned by Engine.OpenDocument.
type OpenResult struct {
	DocID     string
	ReplayGap int
}

// Engine owns every currently-open document's replication state. One
// Engine instance is constructed per running node and shared by every
// caller that needs document access.
type Engine struct {
	mu    sync.RWMutex
	nodeID string
	docs  map[string]*ReplicationState
}

// NewEngine constructs an Engine for the given local node ID, used to stamp
// new documents' CRDT writer identities.
func NewEngine(nodeID string) *Engine {
	return &Engine{nodeID: nodeID, docs: make(map[string]*ReplicationState)}
}

// OpenDocument opens (creating if necessary) the in-memory state for docID
// with the given type tag. Calling OpenDocument again on an already-open
// document is a no-op that returns the existing state's result.
func (e *Engine) OpenDocument(docID string, typeTag TypeTag) (*OpenResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.docs[docID]; ok {
		return &OpenResult{DocID: docID}, nil
	}
	e.docs[docID] = &ReplicationState{
		docID:   docID,
		typeTag: typeTag,
		root:    newDocRoot(typeTag, e.nodeID),
		clock:   VClock{},
	}
	return &OpenResult{DocID: docID}, nil
}

// state looks up an open document's state without holding it locked.
func (e *Engine) state(docID string) (*ReplicationState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.docs[docID]
	return s, ok
}

// ApplyLocal applies a locally-originated update: it stamps the update with
// the document's next vector clock tick under the local node ID, applies it
// to the CRDT root, appends it to the update log, and returns the stamped
// update for the caller to broadcast.
func (e *Engine) ApplyLocal(docID string, kind OpKind, payload json.RawMessage) (Update, error) {
	s, ok := e.state(docID)
	if !ok {
		return Update{}, errs.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now()
	if err := applyPayload(s.root, s.typeTag, kind, payload, e.nodeID, ts); err != nil {
		return Update{}, err
	}
	s.clock = s.clock.Increment(e.nodeID)
	u := Update{Kind: kind, Payload: payload, Clock: s.clock.Clone(), NodeID: e.nodeID, Timestamp: ts.UnixMilli()}
	s.updateLog = append(s.updateLog, u)
	return u, nil
}

// InsertLocalText is the dedicated local-insert path for TypeText
// documents. Unlike ApplyLocal's generic payload dispatch — which always
// merges through RGA.Apply and so requires the caller to already know the
// new node's ID — InsertLocalText mints that ID from the document's own
// RGA sequence counter via RGA.Insert, then stamps and logs the update
// exactly as ApplyLocal does. Use this for local text edits; use
// ApplyLocal with OpTextDelete for deletes, since a delete only needs an
// ID the caller already has.
func (e *Engine) InsertLocalText(docID string, afterID RGANodeID, ch rune) (Update, error) {
	s, ok := e.state(docID)
	if !ok {
		return Update{}, errs.ErrNotFound
	}
	if s.typeTag != TypeText {
		return Update{}, errs.ErrMalformedUpdate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.root.text.Insert(afterID, ch)
	payload, err := json.Marshal(textInsertPayload{After: afterID, Char: ch, ID: id})
	if err != nil {
		return Update{}, err
	}
	s.clock = s.clock.Increment(e.nodeID)
	u := Update{Kind: OpTextInsert, Payload: payload, Clock: s.clock.Clone(), NodeID: e.nodeID, Timestamp: time.Now().UnixMilli()}
	s.updateLog = append(s.updateLog, u)
	return u, nil
}

// AddLocalKanbanLabel is the dedicated local-add path for a kanban card's
// label set. Unlike ApplyLocal's generic payload dispatch, it mints the
// OR-Set add-tag itself (via ORSet.Add) rather than requiring the caller
// to already have one, then stamps and logs the update carrying that tag
// exactly as ApplyLocal does. Use this to add a label; use ApplyLocal
// with OpKanbanLabel and Remove set for removes, since a remove needs no
// tag.
func (e *Engine) AddLocalKanbanLabel(docID, cardID, label string) (Update, error) {
	s, ok := e.state(docID)
	if !ok {
		return Update{}, errs.ErrNotFound
	}
	if s.typeTag != TypeKanban {
		return Update{}, errs.ErrMalformedUpdate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tag := s.root.card(cardID).Labels.Add(label, e.nodeID)
	payload, err := json.Marshal(kanbanLabelPayload{CardID: cardID, Label: label, Tag: tag})
	if err != nil {
		return Update{}, err
	}
	s.clock = s.clock.Increment(e.nodeID)
	u := Update{Kind: OpKanbanLabel, Payload: payload, Clock: s.clock.Clone(), NodeID: e.nodeID, Timestamp: time.Now().UnixMilli()}
	s.updateLog = append(s.updateLog, u)
	return u, nil
}

// Text returns the current rendered text of a TypeText document, for
// callers (tests, debug surfaces) that need to read content rather than
// only exchange updates.
func (e *Engine) Text(docID string) (string, error) {
	s, ok := e.state(docID)
	if !ok {
		return "", errs.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typeTag != TypeText {
		return "", errs.ErrMalformedUpdate
	}
	return s.root.text.Text(), nil
}

// ApplyRemote applies an update received from a peer. A malformed payload
// is dropped and reported as ErrMalformedUpdate without disturbing the
// document's existing state.
func (e *Engine) ApplyRemote(docID string, u Update) error {
	s, ok := e.state(docID)
	if !ok {
		return errs.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := applyPayload(s.root, s.typeTag, u.Kind, u.Payload, u.NodeID, time.UnixMilli(u.Timestamp)); err != nil {
		return err
	}
	s.clock = s.clock.Merge(u.Clock)
	s.updateLog = append(s.updateLog, u)
	return nil
}

// StateVector returns the document's current vector clock, for a peer to
// diff its own history against.
func (e *Engine) StateVector(docID string) (VClock, error) {
	s, ok := e.state(docID)
	if !ok {
		return nil, errs.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Clone(), nil
}

// DiffSince returns every logged update not already reflected in peerClock
// — i.e. every update whose own clock neither happens-before nor equals
// peerClock.
func (e *Engine) DiffSince(docID string, peerClock VClock) ([]Update, error) {
	s, ok := e.state(docID)
	if !ok {
		return nil, errs.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []Update
	for _, u := range s.updateLog {
		if !u.Clock.HappensBefore(peerClock) && !u.Clock.Equal(peerClock) {
			missing = append(missing, u)
		}
	}
	return missing, nil
}

// Snapshot serializes every update applied to docID so far, in issuance
// order, as a compaction checkpoint for the persistence layer. Because
// CRDT application is commutative and idempotent, replaying the
// serialized updates against an empty document (via ApplyRemote, in
// order) reconstructs byte-identical state — the round-trip law
// persistence relies on.
func (e *Engine) Snapshot(docID string) ([]byte, error) {
	s, ok := e.state(docID)
	if !ok {
		return nil, errs.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.updateLog)
}

// CloseDocument evicts a document's in-memory state. Callers are expected
// to have already persisted anything durable via the persistence layer.
func (e *Engine) CloseDocument(docID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.docs, docID)
}

// applyPayload dispatches a tagged payload to the correct CRDT structure
// inside root. Returns ErrMalformedUpdate if kind doesn't match typeTag or
// payload fails to decode. writerTimestamp is the Update's own originating
// timestamp (identical on every replica that applies this Update), never
// the local wall clock — using the local clock here would let two
// replicas that apply the same concurrent writes in a different order, or
// the same replica that replays its log across two restarts, land on
// different LWW winners.
func applyPayload(root *docRoot, typeTag TypeTag, kind OpKind, payload json.RawMessage, writerNodeID string, writerTimestamp time.Time) error {
	switch kind {
	case OpTextInsert:
		if typeTag != TypeText {
			return errs.ErrMalformedUpdate
		}
		var p textInsertPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errs.ErrMalformedUpdate
		}
		root.text.Apply(RGANode{ID: p.ID, InsertAfter: p.After, Char: p.Char})
		return nil

	case OpTextDelete:
		if typeTag != TypeText {
			return errs.ErrMalformedUpdate
		}
		var p textDeletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errs.ErrMalformedUpdate
		}
		root.text.Delete(p.ID)
		return nil

	case OpSheetSetCell:
		if typeTag != TypeSheet {
			return errs.ErrMalformedUpdate
		}
		var p sheetSetCellPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errs.ErrMalformedUpdate
		}
		root.cell(cellAddr(p.Cell)).Set(p.Value, writerTimestamp, writerNodeID)
		return nil

	case OpKanbanCard:
		if typeTag != TypeKanban {
			return errs.ErrMalformedUpdate
		}
		var p kanbanCardPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errs.ErrMalformedUpdate
		}
		root.card(p.CardID).Title.Set(p.Title, writerTimestamp, writerNodeID)
		return nil

	case OpKanbanLabel:
		if typeTag != TypeKanban {
			return errs.ErrMalformedUpdate
		}
		var p kanbanLabelPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errs.ErrMalformedUpdate
		}
		c := root.card(p.CardID)
		if p.Remove {
			c.Labels.Remove(p.Label)
		} else {
			c.Labels.ApplyAdd(p.Label, p.Tag)
		}
		return nil

	default:
		return errs.ErrMalformedUpdate
	}
}
