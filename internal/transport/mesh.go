package transport

import (
	"sync"

	"github.com/nahma/nahma-core/internal/errs"
	"github.com/nahma/nahma-core/internal/registry"
	"github.com/nahma/nahma-core/internal/wire"
)

// PeerTransports is the set of live transports the mesh currently knows
// about for one peer key. A nil field means that variant is not
// currently available to that peer.
type PeerTransports struct {
	WebRTC    Transport
	Signaling Transport
	Relay     Transport
}

// Mesh composes every transport variant behind the single
// send/broadcast/subscribe contract, choosing among them per peer by the
// preference order WebRTC > Signaling-relay > Relay > forward-via-
// intermediate. The registry (not the mesh) owns topic membership; the
// mesh only knows whether a live transport reaches a given peer key
// right now.
type Mesh struct {
	mu    sync.RWMutex
	peers map[string]*PeerTransports

	reg      *registry.Registry
	handlers []func(InboundFrame)

	forwardVia func(intermediary, peerKey string, frame wire.Frame) error
}

// NewMesh constructs an empty Mesh bound to reg for topic fan-out.
func NewMesh(reg *registry.Registry) *Mesh {
	return &Mesh{
		peers: make(map[string]*PeerTransports),
		reg:   reg,
	}
}

// SetForwarder installs the function the mesh calls to attempt delivery
// via an intermediate peer when no direct transport reaches peerKey —
// the last resort in the preference order.
func (m *Mesh) SetForwarder(fn func(intermediary, peerKey string, frame wire.Frame) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwardVia = fn
}

// RegisterTransport associates t with peerKey under the given tag,
// wiring its Inbox into every subscribed handler.
func (m *Mesh) RegisterTransport(peerKey string, tag Tag, t Transport) {
	m.mu.Lock()
	pt, ok := m.peers[peerKey]
	if !ok {
		pt = &PeerTransports{}
		m.peers[peerKey] = pt
	}
	switch tag {
	case TagWebRTC:
		pt.WebRTC = t
	case TagSignaling:
		pt.Signaling = t
	case TagRelay:
		pt.Relay = t
	}
	m.mu.Unlock()

	go m.pump(t)
}

func (m *Mesh) pump(t Transport) {
	for frame := range t.Inbox() {
		m.mu.RLock()
		handlers := append([]func(InboundFrame){}, m.handlers...)
		m.mu.RUnlock()
		for _, h := range handlers {
			h(frame)
		}
	}
}

// Subscribe registers handler to receive every inbound frame across every
// transport variant.
func (m *Mesh) Subscribe(handler func(InboundFrame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Send delivers frame to peerKey via the best currently-available
// transport, in preference order WebRTC > Signaling-relay > Relay >
// forward-via-intermediate. Returns ErrNoRoute if nothing reaches the
// peer at all.
func (m *Mesh) Send(peerKey string, frame wire.Frame) error {
	m.mu.RLock()
	pt := m.peers[peerKey]
	forwardVia := m.forwardVia
	m.mu.RUnlock()

	if pt != nil {
		if pt.WebRTC != nil {
			if err := pt.WebRTC.Send(peerKey, frame); err == nil {
				return nil
			}
		}
		if pt.Signaling != nil {
			if err := pt.Signaling.Send(peerKey, frame); err == nil {
				return nil
			}
		}
		if pt.Relay != nil {
			if err := pt.Relay.Send(peerKey, frame); err == nil {
				return nil
			}
		}
	}

	if forwardVia != nil {
		for _, intermediary := range m.reg.TopicPeers(frame.Topic) {
			if intermediary == peerKey {
				continue
			}
			if err := forwardVia(intermediary, peerKey, frame); err == nil {
				return nil
			}
		}
	}

	return errs.ErrNoRoute
}

// Broadcast sends frame to every peer in topic's registry set. Per-peer
// failures are independent and aggregated into the returned map (peerKey
// -> error), which is empty on full success.
func (m *Mesh) Broadcast(topic string, frame wire.Frame) map[string]error {
	frame.Topic = topic
	failures := make(map[string]error)
	for _, peerKey := range m.reg.TopicPeers(topic) {
		if err := m.Send(peerKey, frame); err != nil {
			failures[peerKey] = err
		}
	}
	return failures
}

// HasRoute reports whether any transport currently reaches peerKey.
func (m *Mesh) HasRoute(peerKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pt, ok := m.peers[peerKey]
	return ok && (pt.WebRTC != nil || pt.Signaling != nil || pt.Relay != nil)
}

// Close tears down every transport registered with the mesh, for use
// during supervisor shutdown ("stop accepting new transport").
func (m *Mesh) Close() error {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*PeerTransports)
	m.mu.Unlock()

	var firstErr error
	for _, pt := range peers {
		for _, t := range []Transport{pt.WebRTC, pt.Signaling, pt.Relay} {
			if t == nil {
				continue
			}
			if err := t.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
