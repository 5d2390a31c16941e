package supervisor

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nahma/nahma-core/internal/auth"
	"github.com/nahma/nahma-core/internal/awareness"
	"github.com/nahma/nahma-core/internal/crdt"
	"github.com/nahma/nahma-core/internal/editorapi"
	"github.com/nahma/nahma-core/internal/errs"
	"github.com/nahma/nahma-core/internal/persistence"
	"github.com/nahma/nahma-core/internal/transport"
	"github.com/nahma/nahma-core/internal/wire"
)

// OpenDocument opens or creates docID (a fresh in-memory CRDT root plus,
// unless running ephemeral, its on-disk snapshot+log pair), derives its
// topic, and installs the owning workspace's role map on the registry. It
// neither adds the local node to the topic's peer set nor announces on the
// topic; Announce sends the announcement.
func (s *Supervisor) OpenDocument(docID string, typeTag crdt.TypeTag, workspaceID string) error {
	s.mu.RLock()
	_, already := s.docs[docID]
	s.mu.RUnlock()
	if already {
		return nil
	}

	if _, err := s.api.OpenDocument(docID, typeTag); err != nil {
		return fmt.Errorf("open document in engine: %w", err)
	}

	var store *persistence.DocumentStore
	if s.meta != nil {
		opened, snapshot, updates, err := persistence.OpenDocumentStore(s.cfg.StateDir, docID)
		if err != nil {
			return fmt.Errorf("open document store: %w", err)
		}
		store = opened
		if err := s.replayHistory(docID, snapshot, updates); err != nil {
			store.Close()
			return err
		}
		if err := s.meta.PutDocument(persistence.DocumentRecord{
			ID: docID, WorkspaceID: workspaceID, TypeTag: string(typeTag),
		}); err != nil {
			store.Close()
			return fmt.Errorf("record document metadata: %w", err)
		}
	}

	topic := wire.DeriveTopic(docID, "")
	s.mu.Lock()
	s.docs[docID] = &openDocument{
		docID: docID, topic: topic, typeTag: typeTag, store: store,
		awareness: awareness.NewTracker(s.nodeID),
	}
	s.mu.Unlock()

	s.applyWorkspaceRoles(workspaceID, topic)
	return nil
}

// Announce broadcasts a signed identity announcement for docID's topic to
// every peer already known on it, and queues the frame like any other
// broadcast while Degraded. Per spec.md §2, "the authenticator signs
// outbound control messages (identity announcements, join/leave,
// invites)" — the envelope proves possession of the claimed public key,
// which is what lets a receiving peer trust AnnouncePayload.PublicKey
// enough to run it through the workspace's role map.
func (s *Supervisor) Announce(docID string) error {
	d, ok := s.document(docID)
	if !ok {
		return errs.ErrNotFound
	}
	frame, err := s.buildSignedAnnounce(d.topic, s.reg.TopicPeers(d.topic), 0)
	if err != nil {
		return err
	}
	s.broadcastFrame(d.topic, frame)
	return nil
}

// buildSignedAnnounce wraps an AnnouncePayload in a signed auth.Envelope
// addressed to topic: the envelope's own PublicKey/Signature prove this
// node holds the private key matching the identity it is announcing, so
// a receiver can trust the claim before consulting the role map.
func (s *Supervisor) buildSignedAnnounce(topic string, knownPeers []string, hopCount int) (wire.Frame, error) {
	pubHex := hex.EncodeToString(s.identity.PublicKey)
	inner, err := json.Marshal(wire.AnnouncePayload{
		Topic: topic, PublicKey: pubHex, KnownPeers: knownPeers, HopCount: hopCount,
	})
	if err != nil {
		return wire.Frame{}, err
	}
	env, err := auth.NewSignedEnvelope("announce", inner, s.identity.PublicKey, s.identity.PrivateKey)
	if err != nil {
		return wire.Frame{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Frame{Type: wire.FrameAnnounce, Topic: topic, Payload: payload}, nil
}

// ApplyLocal runs mutationFn against docID, persists the resulting update
// (unless ephemeral), and broadcasts it to the document's topic. A
// broadcast failure does not fail the call — spec.md §4.7: local
// mutations are always accepted, even while Degraded.
func (s *Supervisor) ApplyLocal(docID string, mutationFn editorapi.MutationFn) (crdt.Update, error) {
	d, ok := s.document(docID)
	if !ok {
		return crdt.Update{}, errs.ErrNotFound
	}

	update, err := s.api.ApplyLocal(docID, mutationFn)
	if err != nil {
		return crdt.Update{}, err
	}

	if d.store != nil {
		raw, err := json.Marshal(update)
		if err != nil {
			return update, fmt.Errorf("marshal update for log: %w", err)
		}
		if err := d.store.WriteUpdate(raw, func() []byte {
			snap, _ := s.engine.Snapshot(docID)
			return snap
		}); err != nil {
			slog.Warn("local I/O failure writing update", "docID", docID, "err", err)
		}
	}

	updateBytes, err := json.Marshal(update)
	if err != nil {
		return update, nil
	}
	payload, err := json.Marshal(wire.YjsUpdatePayload{DocID: docID, Update: updateBytes})
	if err != nil {
		return update, nil
	}
	s.broadcastFrame(d.topic, wire.Frame{Type: wire.FrameYjsUpdate, Topic: d.topic, Payload: payload})
	return update, nil
}

// Subscribe registers onRemoteUpdate for docID, delegating to the editor
// API facade.
func (s *Supervisor) Subscribe(docID string, onRemoteUpdate func(editorapi.RemoteUpdate)) {
	s.api.Subscribe(docID, onRemoteUpdate)
}

func (s *Supervisor) document(docID string) (*openDocument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	return d, ok
}

// broadcastFrame sends frame to every peer on topic. While Degraded, the
// frame is appended to the unbounded pending queue instead of attempted,
// matching spec.md §4.7's "queued updates are released on reconnect."
func (s *Supervisor) broadcastFrame(topic string, frame wire.Frame) {
	s.degradedMu.Lock()
	degraded := s.degraded
	if degraded {
		s.pending = append(s.pending, pendingSend{topic: topic, frame: frame})
	}
	s.degradedMu.Unlock()
	if degraded {
		return
	}

	failures := s.mesh.Broadcast(topic, frame)
	if len(failures) > 0 {
		slog.Warn("broadcast reached a subset of peers", "topic", topic, "failures", len(failures))
	}
	if len(failures) > 0 && len(failures) >= len(s.reg.TopicPeers(topic)) {
		s.enterDegraded()
	}
}

// forwardViaIntermediary wraps frame as a FrameRelay payload and sends it
// through intermediary, the mesh's fallback path when no direct
// transport reaches peerKey.
func (s *Supervisor) forwardViaIntermediary(intermediary, peerKey string, frame wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(wire.RelayPayload{From: s.nodeID, To: peerKey, Data: data})
	if err != nil {
		return err
	}
	return s.mesh.Send(intermediary, wire.Frame{Type: wire.FrameRelay, Topic: frame.Topic, Payload: payload})
}

// handleInboundFrame dispatches one frame received over any transport.
// Per spec.md §7: malformed payloads are dropped and logged, never torn
// down as a transport-level failure.
func (s *Supervisor) handleInboundFrame(in transport.InboundFrame) {
	switch in.Frame.Type {
	case wire.FrameYjsUpdate:
		s.handleYjsUpdate(in.Frame)
	case wire.FrameAwareness:
		s.handleAwareness(in.PeerKey, in.Frame)
	case wire.FrameAnnounce:
		s.handleAnnounce(in.PeerKey, in.Frame)
	case wire.FrameSyncRequest:
		s.handleSyncRequest(in.PeerKey, in.Frame)
	case wire.FrameSyncResponse:
		s.handleSyncResponse(in.Frame)
	case wire.FrameRelay:
		s.handleRelay(in.Frame)
	default:
		slog.Warn("unhandled frame type", "type", in.Frame.Type)
	}
}

func (s *Supervisor) handleYjsUpdate(frame wire.Frame) {
	var payload wire.YjsUpdatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		slog.Warn("bad yjs-update payload", "err", err)
		return
	}
	var update crdt.Update
	if err := json.Unmarshal(payload.Update, &update); err != nil {
		slog.Warn("bad embedded update", "err", err)
		return
	}
	if err := s.api.DeliverRemote(payload.DocID, update); err != nil {
		slog.Warn("dropping remote update", "docID", payload.DocID, "err", err)
		return
	}
	if d, ok := s.document(payload.DocID); ok && d.store != nil {
		raw, err := json.Marshal(update)
		if err == nil {
			if err := d.store.WriteUpdate(raw, func() []byte {
				snap, _ := s.engine.Snapshot(payload.DocID)
				return snap
			}); err != nil {
				slog.Warn("local I/O failure persisting remote update", "docID", payload.DocID, "err", err)
			}
		}
	}
}

func (s *Supervisor) handleAwareness(fromPeer string, frame wire.Frame) {
	var payload wire.AwarenessPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		slog.Warn("bad awareness payload", "err", err)
		return
	}
	d, ok := s.document(payload.DocID)
	if !ok {
		return
	}
	d.awareness.ApplyRemote(awareness.Record{PeerKey: fromPeer, Clock: payload.Clock, State: payload.State})
}

// handleAnnounce verifies a FrameAnnounce's signed envelope before
// trusting anything it claims. Per spec.md §2's "the authenticator signs
// outbound control messages," an announce is only evidence of who a peer
// is if its PublicKey claim is backed by a valid Ed25519 signature over
// the envelope and the envelope passes the replay guard — a bare
// publicKey string in an unsigned payload is just an assertion, and any
// peer could type in an authorized one.
func (s *Supervisor) handleAnnounce(fromPeer string, frame wire.Frame) {
	var env auth.Envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		slog.Warn("bad announce envelope", "err", err)
		return
	}
	pubKey, err := hex.DecodeString(env.PublicKey)
	if err != nil {
		slog.Warn("bad announce public key encoding", "err", err)
		return
	}
	if !auth.Verify(env, pubKey) {
		slog.Warn("dropping announce with invalid signature", "peer", fromPeer, "publicKey", env.PublicKey)
		return
	}
	if err := s.replay.Check(env.PublicKey, env.Nonce, env.Timestamp); err != nil {
		slog.Warn("dropping announce", "peer", fromPeer, "publicKey", env.PublicKey, "err", err)
		return
	}

	var payload wire.AnnouncePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		slog.Warn("bad announce payload", "err", err)
		return
	}
	if payload.PublicKey != env.PublicKey {
		slog.Warn("dropping announce whose payload key doesn't match its signed envelope", "topic", payload.Topic)
		return
	}
	if !s.reg.Authorize(payload.Topic, payload.PublicKey) {
		slog.Warn("dropping announce from unauthorized key", "topic", payload.Topic, "publicKey", payload.PublicKey)
		return
	}
	s.reg.Join(payload.Topic, fromPeer)

	known := make(map[string]struct{})
	for _, p := range s.reg.TopicPeers(payload.Topic) {
		known[p] = struct{}{}
	}
	fresh := s.reg.DiscoveryWalk(payload.HopCount+1, known, payload.KnownPeers, 0)
	for _, p := range fresh {
		s.reg.Join(payload.Topic, p)
	}
}

func (s *Supervisor) handleRelay(frame wire.Frame) {
	var payload wire.RelayPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		slog.Warn("bad relay payload", "err", err)
		return
	}
	if payload.To != s.nodeID {
		return // not addressed to us; a well-behaved intermediary wouldn't deliver it here
	}
	var inner wire.Frame
	if err := json.Unmarshal(payload.Data, &inner); err != nil {
		slog.Warn("bad relayed frame", "err", err)
		return
	}
	s.handleInboundFrame(transport.InboundFrame{PeerKey: payload.From, Frame: inner})
}

// RequestSync sends a sync-request for docID to every peer on its topic,
// in deterministic lexicographic order, per spec.md §4.7's partition-heal
// contract.
func (s *Supervisor) RequestSync(docID string) error {
	d, ok := s.document(docID)
	if !ok {
		return errs.ErrNotFound
	}
	sv, err := s.engine.StateVector(docID)
	if err != nil {
		return err
	}
	svBytes, err := json.Marshal(sv)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(wire.SyncRequestPayload{DocID: docID, StateVector: svBytes})
	if err != nil {
		return err
	}
	frame := wire.Frame{Type: wire.FrameSyncRequest, Topic: d.topic, Payload: payload}

	peers := append([]string(nil), s.reg.TopicPeers(d.topic)...)
	sort.Strings(peers)
	for _, peer := range peers {
		if peer == s.nodeID {
			continue
		}
		if err := s.mesh.Send(peer, frame); err != nil {
			slog.Warn("sync-request delivery failed", "peer", peer, "err", err)
		}
	}
	return nil
}

func (s *Supervisor) handleSyncRequest(fromPeer string, frame wire.Frame) {
	var payload wire.SyncRequestPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		slog.Warn("bad sync-request payload", "err", err)
		return
	}
	var sv crdt.VClock
	if err := json.Unmarshal(payload.StateVector, &sv); err != nil {
		slog.Warn("bad state vector in sync-request", "err", err)
		return
	}
	missing, err := s.engine.DiffSince(payload.DocID, sv)
	if err != nil {
		slog.Warn("diff computation failed", "docID", payload.DocID, "err", err)
		return
	}
	diff, err := json.Marshal(missing)
	if err != nil {
		return
	}
	respPayload, err := json.Marshal(wire.SyncResponsePayload{DocID: payload.DocID, Diff: diff})
	if err != nil {
		return
	}
	if err := s.mesh.Send(fromPeer, wire.Frame{Type: wire.FrameSyncResponse, Topic: frame.Topic, Payload: respPayload}); err != nil {
		slog.Warn("sync-response delivery failed", "peer", fromPeer, "err", err)
	}
}

func (s *Supervisor) handleSyncResponse(frame wire.Frame) {
	var payload wire.SyncResponsePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		slog.Warn("bad sync-response payload", "err", err)
		return
	}
	var missing []crdt.Update
	if err := json.Unmarshal(payload.Diff, &missing); err != nil {
		slog.Warn("bad diff in sync-response", "err", err)
		return
	}
	for _, u := range missing {
		if err := s.api.DeliverRemote(payload.DocID, u); err != nil {
			slog.Warn("dropping diffed update", "docID", payload.DocID, "err", err)
		}
	}
}
