package wire

import "encoding/json"

// FrameType tags the shape of Frame.Payload. This is the exact tag set the
// signaling server's external interface imposes; the core does not
// otherwise interpret the server's framing.
type FrameType string

const (
	FrameIdentity     FrameType = "identity"
	FrameAnnounce     FrameType = "announce"
	FrameOffer        FrameType = "offer"
	FrameAnswer       FrameType = "answer"
	FrameCandidate    FrameType = "candidate"
	FrameRelay        FrameType = "relay"
	FrameSyncRequest  FrameType = "sync-request"
	FrameSyncResponse FrameType = "sync-response"
	FrameYjsUpdate    FrameType = "yjs-update"
	FrameAwareness    FrameType = "awareness"
)

// Frame is the envelope carried over every transport variant: a tagged
// payload addressed to a peer or topic. MessageID is carried on the wire,
// but the core neither sets nor checks it, so frames are not deduplicated.
type Frame struct {
	Type      FrameType       `json:"type"`
	MessageID string          `json:"messageId"` // 16 random bytes, hex
	Topic     string          `json:"topic,omitempty"`
	PeerKey   string          `json:"peerKey,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// AnnouncePayload is the body of a FrameAnnounce frame: a peer advertising
// itself (and, recursively, peers it already knows) on a topic.
type AnnouncePayload struct {
	Topic     string   `json:"topic"`
	PublicKey string   `json:"publicKey"`
	KnownPeers []string `json:"knownPeers,omitempty"`
	HopCount  int      `json:"hopCount"`
}

// OfferPayload and AnswerPayload carry WebRTC SDP during signaling.
type OfferPayload struct {
	SDP string `json:"sdp"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries a single ICE candidate.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// RelayPayload wraps an opaque frame to be forwarded verbatim by a relay
// server between two authenticated peers.
type RelayPayload struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

// SyncRequestPayload carries a document's current state vector so the
// receiver can compute a diff.
type SyncRequestPayload struct {
	DocID       string `json:"docId"`
	StateVector []byte `json:"stateVector"`
}

// SyncResponsePayload carries the update blob answering a sync request.
type SyncResponsePayload struct {
	DocID string `json:"docId"`
	Diff  []byte `json:"diff"`
}

// YjsUpdatePayload carries a single CRDT update for a document. Named
// yjs-update because that is the tag the signaling server's external
// interface imposes; the payload itself is this core's own update
// encoding, not a Yjs document.
type YjsUpdatePayload struct {
	DocID  string `json:"docId"`
	Update []byte `json:"update"`
}

// AwarenessPayload carries ephemeral per-document presence state. Never
// persisted, never part of the replication log.
type AwarenessPayload struct {
	DocID   string          `json:"docId"`
	Clock   uint64          `json:"clock"`
	State   json.RawMessage `json:"state,omitempty"` // nil/absent means tombstone
}
