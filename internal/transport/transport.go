// Package transport composes the three transport variants — signaling,
// WebRTC, and relay — behind a single send/broadcast/subscribe contract,
// keyed by peer public key.
package transport

import "github.com/nahma/nahma-core/internal/wire"

// Tag identifies which transport variant actually carried a frame.
type Tag string

const (
	TagWebRTC    Tag = "webrtc"
	TagSignaling Tag = "signaling-relay"
	TagRelay     Tag = "relay"
	TagForwarded Tag = "forwarded"
)

// InboundFrame is a frame delivered to a subscriber, annotated with which
// peer sent it and which transport carried it.
type InboundFrame struct {
	PeerKey   string
	Transport Tag
	Frame     wire.Frame
}

// Transport is the shared contract every variant satisfies.
type Transport interface {
	// Send delivers frame to peerKey over this transport. Returns
	// ErrNoRoute if this transport has no path to peerKey right now.
	Send(peerKey string, frame wire.Frame) error
	// Inbox delivers every frame this transport receives, tagged with
	// the sending peer's key.
	Inbox() <-chan InboundFrame
	// Close tears the transport down.
	Close() error
}
