package supervisor

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nahma/nahma-core/internal/auth"
	"github.com/nahma/nahma-core/internal/crdt"
	"github.com/nahma/nahma-core/internal/errs"
	"github.com/nahma/nahma-core/internal/transport"
	"github.com/nahma/nahma-core/internal/wire"
)

// signedAnnounceFrame builds a FrameAnnounce frame the way buildSignedAnnounce
// does, but for an arbitrary (possibly untrusted) keypair, so tests can
// exercise handleAnnounce's verification path from outside the package.
func signedAnnounceFrame(t *testing.T, topic string, pub ed25519.PublicKey, priv ed25519.PrivateKey) wire.Frame {
	t.Helper()
	inner, err := json.Marshal(wire.AnnouncePayload{Topic: topic, PublicKey: hex.EncodeToString(pub)})
	if err != nil {
		t.Fatalf("marshal announce payload: %v", err)
	}
	env, err := auth.NewSignedEnvelope("announce", inner, pub, priv)
	if err != nil {
		t.Fatalf("NewSignedEnvelope: %v", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return wire.Frame{Type: wire.FrameAnnounce, Topic: topic, Payload: payload}
}

// memTransport connects two Supervisors' meshes directly through a pair
// of buffered channels, standing in for a real WebRTC/signaling/relay
// transport in tests exactly the way the teacher's in-memory test
// doubles stand in for network conns.
type memTransport struct {
	mu     sync.Mutex
	closed bool
	selfID string
	sendCh chan transport.InboundFrame
	recvCh chan transport.InboundFrame
}

func newMemPair(idA, idB string) (*memTransport, *memTransport) {
	aToB := make(chan transport.InboundFrame, 64)
	bToA := make(chan transport.InboundFrame, 64)
	return &memTransport{selfID: idA, sendCh: aToB, recvCh: bToA},
		&memTransport{selfID: idB, sendCh: bToA, recvCh: aToB}
}

func (t *memTransport) Send(peerKey string, frame wire.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errs.ErrNoRoute
	}
	t.sendCh <- transport.InboundFrame{PeerKey: t.selfID, Transport: transport.TagWebRTC, Frame: frame}
	return nil
}

func (t *memTransport) Inbox() <-chan transport.InboundFrame { return t.recvCh }

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.sendCh)
	}
	return nil
}

// wirePeers registers a direct in-memory transport between a and b in
// both directions, as if WebRTC signaling had already completed.
func wirePeers(a, b *Supervisor) {
	ta, tb := newMemPair(a.NodeID(), b.NodeID())
	a.Mesh().RegisterTransport(b.NodeID(), transport.TagWebRTC, ta)
	b.Mesh().RegisterTransport(a.NodeID(), transport.TagWebRTC, tb)
}

func joinTopic(a, b *Supervisor, topic string) {
	a.Registry().Join(topic, b.NodeID())
	b.Registry().Join(topic, a.NodeID())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// textInsertPayloadJSON builds a text.insert payload by hand, using the
// exported field names crdt.textInsertPayload marshals to — the same
// technique internal/editorapi's tests use to cross the package boundary
// without a dedicated local-insert constructor.
func textInsertPayloadJSON(afterSeq uint64, afterNode string, ch rune, seq uint64, node string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"after":{"Seq":%d,"NodeID":%q},"char":%d,"id":{"Seq":%d,"NodeID":%q}}`,
		afterSeq, afterNode, ch, seq, node,
	))
}

func newEphemeralSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s, err := New(Config{NoPersist: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func TestTwoPeerTextSyncConverges(t *testing.T) {
	a := newEphemeralSupervisor(t)
	b := newEphemeralSupervisor(t)
	wirePeers(a, b)

	docID := "doc-1"
	if err := a.OpenDocument(docID, crdt.TypeText, ""); err != nil {
		t.Fatalf("a.OpenDocument: %v", err)
	}
	if err := b.OpenDocument(docID, crdt.TypeText, ""); err != nil {
		t.Fatalf("b.OpenDocument: %v", err)
	}
	joinTopic(a, b, DeriveDocumentTopic(docID, ""))

	if _, err := a.ApplyLocal(docID, func() (crdt.OpKind, json.RawMessage) {
		return crdt.OpTextInsert, textInsertPayloadJSON(0, "", 'H', 1, a.NodeID())
	}); err != nil {
		t.Fatalf("a.ApplyLocal: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		text, _ := b.Engine().Text(docID)
		return text == "H"
	})

	if _, err := b.ApplyLocal(docID, func() (crdt.OpKind, json.RawMessage) {
		return crdt.OpTextInsert, textInsertPayloadJSON(1, a.NodeID(), 'i', 1, b.NodeID())
	}); err != nil {
		t.Fatalf("b.ApplyLocal: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		text, _ := a.Engine().Text(docID)
		return text == "Hi"
	})

	aText, _ := a.Engine().Text(docID)
	bText, _ := b.Engine().Text(docID)
	if aText != bText || aText != "Hi" {
		t.Fatalf("divergent state: a=%q b=%q", aText, bText)
	}
}

func TestBroadcastFailureEntersDegradedAndQueues(t *testing.T) {
	a := newEphemeralSupervisor(t)

	docID := "doc-2"
	if err := a.OpenDocument(docID, crdt.TypeSheet, ""); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	topic := DeriveDocumentTopic(docID, "")
	a.Registry().Join(topic, "unreachable-peer") // known peer, no transport registered

	if _, err := a.ApplyLocal(docID, func() (crdt.OpKind, json.RawMessage) {
		return crdt.OpSheetSetCell, json.RawMessage(`{"cell":"A1","value":"1"}`)
	}); err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}
	if !a.Status().Degraded {
		t.Fatalf("expected supervisor to enter degraded mode once every peer is unreachable")
	}

	if _, err := a.ApplyLocal(docID, func() (crdt.OpKind, json.RawMessage) {
		return crdt.OpSheetSetCell, json.RawMessage(`{"cell":"A2","value":"2"}`)
	}); err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}
	if status := a.Status(); status.QueuedUpdates != 1 {
		t.Fatalf("QueuedUpdates = %d, want 1 (the update issued while already degraded)", status.QueuedUpdates)
	}
}

func TestPartitionHealRequestsSyncOnReconnect(t *testing.T) {
	a := newEphemeralSupervisor(t)
	b := newEphemeralSupervisor(t)

	docID := "doc-3"
	if err := a.OpenDocument(docID, crdt.TypeSheet, ""); err != nil {
		t.Fatalf("a.OpenDocument: %v", err)
	}
	if err := b.OpenDocument(docID, crdt.TypeSheet, ""); err != nil {
		t.Fatalf("b.OpenDocument: %v", err)
	}
	topic := DeriveDocumentTopic(docID, "")
	joinTopic(a, b, topic)

	for _, cell := range []string{"A1", "A2"} {
		cell := cell
		if _, err := a.ApplyLocal(docID, func() (crdt.OpKind, json.RawMessage) {
			return crdt.OpSheetSetCell, json.RawMessage(fmt.Sprintf(`{"cell":%q,"value":"x"}`, cell))
		}); err != nil {
			t.Fatalf("a.ApplyLocal: %v", err)
		}
	}
	if !a.Status().Degraded {
		t.Fatalf("expected a to be degraded while b is unreachable")
	}

	wirePeers(a, b)
	a.NotifyReconnected()

	waitFor(t, time.Second, func() bool {
		svA, _ := a.Engine().StateVector(docID)
		svB, _ := b.Engine().StateVector(docID)
		return svA.Equal(svB)
	})

	if a.Status().Degraded {
		t.Fatalf("expected a to leave degraded mode once reconnected")
	}
	if status := a.Status(); status.QueuedUpdates != 0 {
		t.Fatalf("QueuedUpdates = %d, want 0 after reconnect flush", status.QueuedUpdates)
	}
}

func TestAnnounceFromUnauthorizedKeyIsDropped(t *testing.T) {
	a := newEphemeralSupervisor(t)

	docID := "doc-5"
	if err := a.OpenDocument(docID, crdt.TypeKanban, "workspace-1"); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	topic := DeriveDocumentTopic(docID, "")
	a.Registry().SetRoles(topic, map[string]string{"trusted-key": "editor"})

	intruderPub, intruderPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	// Properly signed (the intruder does hold this keypair), but that
	// key was never granted a role on this topic.
	frame := signedAnnounceFrame(t, topic, intruderPub, intruderPriv)
	a.handleInboundFrame(transport.InboundFrame{PeerKey: "intruder-peer", Frame: frame})

	if a.Registry().Contains(topic, "intruder-peer") {
		t.Fatalf("expected unauthorized announce to be rejected, but peer was joined")
	}
}

func TestAnnounceWithInvalidSignatureIsDropped(t *testing.T) {
	a := newEphemeralSupervisor(t)

	docID := "doc-7"
	if err := a.OpenDocument(docID, crdt.TypeKanban, ""); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	topic := DeriveDocumentTopic(docID, "")

	claimedPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	// Signed with a different private key than the one whose public key
	// is claimed in the payload/envelope: signature must fail to verify
	// even though the topic has no role map (unrestricted).
	frame := signedAnnounceFrame(t, topic, claimedPub, otherPriv)
	a.handleInboundFrame(transport.InboundFrame{PeerKey: "forger-peer", Frame: frame})

	if a.Registry().Contains(topic, "forger-peer") {
		t.Fatalf("expected forged-signature announce to be rejected, but peer was joined")
	}
}

func TestRestartReplaysDocumentHistory(t *testing.T) {
	dir := t.TempDir()
	docID := "doc-6"

	s1, err := New(Config{StateDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s1.OpenDocument(docID, crdt.TypeText, ""); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	if _, err := s1.ApplyLocal(docID, func() (crdt.OpKind, json.RawMessage) {
		return crdt.OpTextInsert, textInsertPayloadJSON(0, "", 'H', 1, s1.NodeID())
	}); err != nil {
		t.Fatalf("ApplyLocal (H): %v", err)
	}
	if _, err := s1.ApplyLocal(docID, func() (crdt.OpKind, json.RawMessage) {
		return crdt.OpTextInsert, textInsertPayloadJSON(1, s1.NodeID(), 'i', 2, s1.NodeID())
	}); err != nil {
		t.Fatalf("ApplyLocal (i): %v", err)
	}
	nodeID := s1.NodeID()
	if err := s1.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	s2, err := New(Config{StateDir: dir})
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if s2.NodeID() != nodeID {
		t.Fatalf("restarted node ID = %s, want %s (identity must persist across restart)", s2.NodeID(), nodeID)
	}
	if err := s2.Start(); err != nil {
		t.Fatalf("Start (restart): %v", err)
	}
	t.Cleanup(func() { s2.Shutdown() })

	text, err := s2.Engine().Text(docID)
	if err != nil {
		t.Fatalf("Text after restart: %v", err)
	}
	if text != "Hi" {
		t.Fatalf("text after restart = %q, want Hi", text)
	}
}
