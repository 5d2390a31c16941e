// Package supervisor owns the full lifecycle of a running node: loading
// identity, bringing up persistence and the transport mesh, reopening
// every persisted document, and tolerating network chaos (degraded mode,
// partition heal) until a clean shutdown. Grounded directly on the
// teacher's cmd/server/main.go wiring shape — flag parsing → storage open
// → membership/replicator construction → HTTP server goroutine → ticker
// goroutine → signal-triggered graceful shutdown — generalized from "one
// HTTP server + one snapshot ticker" to "mesh + registry + engine +
// persistence, each brought up in dependency order."
package supervisor

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nahma/nahma-core/internal/auth"
	"github.com/nahma/nahma-core/internal/awareness"
	"github.com/nahma/nahma-core/internal/crdt"
	"github.com/nahma/nahma-core/internal/editorapi"
	"github.com/nahma/nahma-core/internal/identity"
	"github.com/nahma/nahma-core/internal/persistence"
	"github.com/nahma/nahma-core/internal/registry"
	"github.com/nahma/nahma-core/internal/transport"
	"github.com/nahma/nahma-core/internal/wire"
)

const (
	evictionSweepInterval = time.Minute
)

// Config configures a Supervisor. StateDir is ignored when NoPersist is
// set, matching the CLI's --no-persist ephemeral mode.
type Config struct {
	StateDir       string
	NoPersist      bool
	KeychainSecret []byte
}

// openDocument is the supervisor's bookkeeping for one open document: its
// derived topic, its on-disk store (nil in ephemeral mode), and its
// presence tracker.
type openDocument struct {
	docID     string
	topic     string
	typeTag   crdt.TypeTag
	store     *persistence.DocumentStore
	awareness *awareness.Tracker
}

// Supervisor is the top-level owned value a running node constructs
// exactly once; its lifetime is the process lifetime. Tests construct
// their own, matching spec.md §9's "singleton module-level state becomes
// an explicit supervised value owned by the supervisor."
type Supervisor struct {
	cfg Config

	nodeID   string // hex-encoded Ed25519 public key
	identity identity.Identity

	meta *persistence.MetadataStore // nil in ephemeral mode
	idStore *identity.Store         // nil in ephemeral mode

	engine *crdt.Engine
	api    *editorapi.API
	reg    *registry.Registry
	mesh   *transport.Mesh
	replay *auth.ReplayGuard

	mu      sync.RWMutex
	docs    map[string]*openDocument // docID -> state
	closed  bool

	degradedMu sync.Mutex
	degraded   bool
	pending    []pendingSend // unbounded, memory-only, monitored via Status()

	stopTickers chan struct{}
	tickerWG    sync.WaitGroup
}

// pendingSend is one broadcast the supervisor could not deliver while
// degraded; it is replayed once the mesh reports a route again.
type pendingSend struct {
	topic string
	frame wire.Frame
}

// New constructs a Supervisor: loads (or generates) identity, opens
// persistence unless running ephemeral, and wires the engine, registry,
// mesh, and replay guard together. It does not yet reopen documents or
// join topics — call Start for that.
func New(cfg Config) (*Supervisor, error) {
	s := &Supervisor{
		cfg:         cfg,
		reg:         registry.New(),
		replay:      auth.NewReplayGuard(),
		docs:        make(map[string]*openDocument),
		stopTickers: make(chan struct{}),
	}
	s.mesh = transport.NewMesh(s.reg)
	s.mesh.SetForwarder(s.forwardViaIntermediary)

	if !cfg.NoPersist {
		meta, err := persistence.OpenMetadataStore(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("open metadata store: %w", err)
		}
		s.meta = meta

		idStore, err := identity.NewStore(meta, cfg.KeychainSecret)
		if err != nil {
			meta.Close()
			return nil, fmt.Errorf("construct identity store: %w", err)
		}
		s.idStore = idStore

		id, found, err := idStore.LoadIdentity()
		if err != nil {
			meta.Close()
			return nil, fmt.Errorf("load identity: %w", err)
		}
		if !found {
			id, err = identity.GenerateIdentity()
			if err != nil {
				meta.Close()
				return nil, fmt.Errorf("generate identity: %w", err)
			}
			if err := idStore.StoreIdentity(id); err != nil {
				meta.Close()
				return nil, fmt.Errorf("store identity: %w", err)
			}
		}
		s.identity = id
	} else {
		id, err := identity.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral identity: %w", err)
		}
		s.identity = id
	}

	s.nodeID = hex.EncodeToString(s.identity.PublicKey)
	s.engine = crdt.NewEngine(s.nodeID)
	s.api = editorapi.New(s.engine)
	s.mesh.Subscribe(s.handleInboundFrame)

	return s, nil
}

// NodeID returns the hex-encoded public key this supervisor announces
// itself as.
func (s *Supervisor) NodeID() string { return s.nodeID }

// Engine exposes the CRDT engine for direct test inspection (e.g. reading
// converged document state). Production callers should go through API.
func (s *Supervisor) Engine() *crdt.Engine { return s.engine }

// API returns the editor-facing facade this supervisor's documents are
// exposed through.
func (s *Supervisor) API() *editorapi.API { return s.api }

// Mesh returns the transport mesh, for test harnesses to wire two
// supervisors together via an in-memory Transport.
func (s *Supervisor) Mesh() *transport.Mesh { return s.mesh }

// Registry returns the peer registry, for test harnesses to join peers
// onto shared topics directly.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Metadata returns the metadata store, or nil when running ephemeral.
// cmd/nahma wires this into the local debug HTTP surface.
func (s *Supervisor) Metadata() *persistence.MetadataStore { return s.meta }

// Start brings the supervisor up in the order spec.md §4.7 names: load
// identity (already done in New) → initialize persistence (already done)
// → bring up transport mesh (already wired) → for each persisted document
// not marked quarantined, reopen its handle. Reopening derives the topic and
// installs the role map, but neither joins nor announces on the topic.
func (s *Supervisor) Start() error {
	if s.meta == nil {
		s.startTickers()
		return nil
	}

	_, _, documents, err := s.meta.LoadAll()
	if err != nil {
		return fmt.Errorf("load persisted metadata: %w", err)
	}
	for _, doc := range documents {
		if doc.Quarantined {
			slog.Warn("skipping quarantined document on startup", "docID", doc.ID)
			continue
		}
		if err := s.reopenDocument(doc); err != nil {
			slog.Warn("failed to reopen document on startup", "docID", doc.ID, "err", err)
		}
	}

	s.startTickers()
	return nil
}

func (s *Supervisor) reopenDocument(rec persistence.DocumentRecord) error {
	typeTag := crdt.TypeTag(rec.TypeTag)

	if _, err := s.engine.OpenDocument(rec.ID, typeTag); err != nil {
		return err
	}

	store, snapshot, updates, err := persistence.OpenDocumentStore(s.cfg.StateDir, rec.ID)
	if err != nil {
		return err
	}

	if err := s.replayHistory(rec.ID, snapshot, updates); err != nil {
		store.Close()
		return err
	}

	topic := DeriveDocumentTopic(rec.ID, "")
	s.mu.Lock()
	s.docs[rec.ID] = &openDocument{
		docID:     rec.ID,
		topic:     topic,
		typeTag:   typeTag,
		store:     store,
		awareness: awareness.NewTracker(s.nodeID),
	}
	s.mu.Unlock()

	s.applyWorkspaceRoles(rec.WorkspaceID, topic)
	return nil
}

// replayHistory reconstructs engine state from a persisted snapshot (a
// serialized update log, per crdt.Engine.Snapshot) followed by every
// update logged since, in order. Replaying through ApplyRemote rather
// than re-stamping clocks preserves the original writer identity and
// causal history exactly.
func (s *Supervisor) replayHistory(docID string, snapshot []byte, updates [][]byte) error {
	if len(snapshot) > 0 {
		var snapUpdates []crdt.Update
		if err := json.Unmarshal(snapshot, &snapUpdates); err != nil {
			return fmt.Errorf("unmarshal snapshot: %w", err)
		}
		for _, u := range snapUpdates {
			if err := s.engine.ApplyRemote(docID, u); err != nil {
				return fmt.Errorf("replay snapshot update: %w", err)
			}
		}
	}
	for _, raw := range updates {
		var u crdt.Update
		if err := json.Unmarshal(raw, &u); err != nil {
			slog.Warn("dropping corrupt logged update on replay", "docID", docID, "err", err)
			continue
		}
		if err := s.engine.ApplyRemote(docID, u); err != nil {
			slog.Warn("dropping unreplayable logged update", "docID", docID, "err", err)
		}
	}
	return nil
}

func (s *Supervisor) applyWorkspaceRoles(workspaceID, topic string) {
	if s.meta == nil || workspaceID == "" {
		return
	}
	ws, found, err := s.meta.GetWorkspace(workspaceID)
	if err != nil || !found {
		return
	}
	s.reg.SetRoles(topic, ws.Roles)
}

// DeriveDocumentTopic derives a document's rendezvous topic, exported so
// cmd/nahma and test harnesses can compute the same value a supervisor
// computes internally.
func DeriveDocumentTopic(docID, password string) string {
	return wire.DeriveTopic(docID, password)
}

// Shutdown stops accepting new transport, flushes every open document's
// pending state, and closes every handle, per spec.md §4.7's shutdown
// contract.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	docs := make([]*openDocument, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.Unlock()

	close(s.stopTickers)
	s.tickerWG.Wait()

	s.mesh.Close()
	s.replay.Close()

	var firstErr error
	for _, d := range docs {
		if d.store == nil {
			continue
		}
		if err := s.flushDocument(d); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := d.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.meta != nil {
		if err := s.meta.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Supervisor) flushDocument(d *openDocument) error {
	snapshot, err := s.engine.Snapshot(d.docID)
	if err != nil {
		return err
	}
	return d.store.WriteSnapshot(snapshot)
}

// startTickers launches the eviction-sweep and awareness-resend
// background goroutines, generalized from the teacher's single 60s
// snapshot ticker goroutine in cmd/server/main.go.
func (s *Supervisor) startTickers() {
	s.tickerWG.Add(1)
	go func() {
		defer s.tickerWG.Done()
		ticker := time.NewTicker(evictionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopTickers:
				return
			case <-ticker.C:
				evicted := s.reg.EvictStale()
				if len(evicted) > 0 {
					slog.Info("evicted stale peers", "count", len(evicted))
				}
			}
		}
	}()

	s.tickerWG.Add(1)
	go func() {
		defer s.tickerWG.Done()
		ticker := time.NewTicker(awareness.ResendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopTickers:
				return
			case <-ticker.C:
				s.resendAwareness()
			}
		}
	}()
}

func (s *Supervisor) resendAwareness() {
	s.mu.RLock()
	docs := make([]*openDocument, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	for _, d := range docs {
		rec := d.awareness.Local()
		if rec.State == nil {
			continue
		}
		payload, err := json.Marshal(wire.AwarenessPayload{DocID: d.docID, Clock: rec.Clock, State: rec.State})
		if err != nil {
			continue
		}
		s.broadcastFrame(d.topic, wire.Frame{Type: wire.FrameAwareness, Topic: d.topic, Payload: payload})
	}
}
