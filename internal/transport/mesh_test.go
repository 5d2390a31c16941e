package transport

import (
	"testing"

	"github.com/nahma/nahma-core/internal/registry"
	"github.com/nahma/nahma-core/internal/wire"
)

// fakeTransport is a minimal in-process Transport double for exercising
// Mesh's preference order without a real network.
type fakeTransport struct {
	sendErr error
	sent    []wire.Frame
	inbox   chan InboundFrame
}

func newFakeTransport(sendErr error) *fakeTransport {
	return &fakeTransport{sendErr: sendErr, inbox: make(chan InboundFrame, 8)}
}

func (f *fakeTransport) Send(peerKey string, frame wire.Frame) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeTransport) Inbox() <-chan InboundFrame { return f.inbox }
func (f *fakeTransport) Close() error               { close(f.inbox); return nil }

func TestMeshPrefersWebRTCOverOthers(t *testing.T) {
	reg := registry.New()
	m := NewMesh(reg)

	webrtcT := newFakeTransport(nil)
	sigT := newFakeTransport(nil)
	m.RegisterTransport("peer-a", TagWebRTC, webrtcT)
	m.RegisterTransport("peer-a", TagSignaling, sigT)

	if err := m.Send("peer-a", wire.Frame{Type: wire.FrameYjsUpdate}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(webrtcT.sent) != 1 {
		t.Fatalf("expected webrtc transport to carry the frame")
	}
	if len(sigT.sent) != 0 {
		t.Fatalf("signaling transport should not have been used")
	}
}

func TestMeshFallsBackWhenPreferredTransportFails(t *testing.T) {
	reg := registry.New()
	m := NewMesh(reg)

	failingWebrtc := newFakeTransport(errNoRouteForTest)
	relayT := newFakeTransport(nil)
	m.RegisterTransport("peer-a", TagWebRTC, failingWebrtc)
	m.RegisterTransport("peer-a", TagRelay, relayT)

	if err := m.Send("peer-a", wire.Frame{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(relayT.sent) != 1 {
		t.Fatalf("expected relay to carry the frame after webrtc failed")
	}
}

func TestMeshReturnsNoRouteWhenNothingReaches(t *testing.T) {
	reg := registry.New()
	m := NewMesh(reg)

	if err := m.Send("unknown-peer", wire.Frame{}); err == nil {
		t.Fatalf("expected an error for an unknown peer")
	}
}

func TestMeshBroadcastAggregatesPerPeerFailures(t *testing.T) {
	reg := registry.New()
	m := NewMesh(reg)
	reg.Join("topic-1", "peer-a")
	reg.Join("topic-1", "peer-b")

	okT := newFakeTransport(nil)
	failT := newFakeTransport(errNoRouteForTest)
	m.RegisterTransport("peer-a", TagRelay, okT)
	m.RegisterTransport("peer-b", TagRelay, failT)

	failures := m.Broadcast("topic-1", wire.Frame{})
	if len(failures) != 1 {
		t.Fatalf("failures = %v, want exactly peer-b", failures)
	}
	if _, ok := failures["peer-b"]; !ok {
		t.Fatalf("expected peer-b to be reported as failed")
	}
}

var errNoRouteForTest = &testSendError{}

type testSendError struct{}

func (*testSendError) Error() string { return "send failed" }
