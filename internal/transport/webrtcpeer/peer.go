// Package webrtcpeer implements the ordered, reliable data-channel
// transport to a single peer over ICE, using pion/webrtc. Offer/answer/
// candidate exchange itself rides the signaling transport; this package
// owns only the peer connection and its explicit state machine.
package webrtcpeer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/nahma/nahma-core/internal/errs"
	"github.com/nahma/nahma-core/internal/transport"
	"github.com/nahma/nahma-core/internal/wire"
)

// State is one of the six states in the peer connection lifecycle:
// Idle -> Offering -> AnsweringPending -> Connected -> Failing -> Closed.
type State string

const (
	StateIdle             State = "idle"
	StateOffering         State = "offering"
	StateAnsweringPending State = "answering-pending"
	StateConnected        State = "connected"
	StateFailing          State = "failing"
	StateClosed           State = "closed"
)

const (
	maxRetries  = 5
	backoffBase = 500 * time.Millisecond
)

// Peer is a single WebRTC connection to one remote peer, identified by
// its public key. Not a generic FSM library — the pack has none, and the
// state set here is small and fixed, so the state machine is a plain
// enum guarded by a mutex.
type Peer struct {
	peerKey string

	mu      sync.Mutex
	state   State
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	retries int

	signalOut func(frame wire.Frame) error // how to reach the peer via signaling
	inbox     chan transport.InboundFrame
}

// Config carries the ICE server list (STUN/TURN URLs) a Peer dials
// through.
type Config struct {
	ICEServers []string
}

// New constructs an idle Peer for peerKey. signalOut is used to deliver
// offer/answer/candidate frames to the remote peer via the signaling
// transport — this package never talks to a signaling server directly.
func New(peerKey string, cfg Config, signalOut func(wire.Frame) error) *Peer {
	return &Peer{
		peerKey:   peerKey,
		state:     StateIdle,
		signalOut: signalOut,
		inbox:     make(chan transport.InboundFrame, 256),
	}
}

func (p *Peer) newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}

// Offer begins the connection as the offering side: Idle -> Offering.
func (p *Peer) Offer(cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return fmt.Errorf("webrtcpeer: Offer called from state %s", p.state)
	}

	pc, err := p.newPeerConnection(cfg)
	if err != nil {
		return err
	}
	p.pc = pc
	p.watchConnectionState()

	dc, err := pc.CreateDataChannel("nahma", nil)
	if err != nil {
		return err
	}
	p.attachDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}

	sdp, err := json.Marshal(wire.OfferPayload{SDP: offer.SDP})
	if err != nil {
		return err
	}
	p.state = StateOffering
	return p.signalOut(wire.Frame{Type: wire.FrameOffer, PeerKey: p.peerKey, Payload: sdp})
}

// HandleOffer accepts a remote offer as the answering side:
// Idle -> AnsweringPending.
func (p *Peer) HandleOffer(cfg Config, remoteSDP string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, err := p.newPeerConnection(cfg)
	if err != nil {
		return err
	}
	p.pc = pc
	p.watchConnectionState()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.mu.Lock()
		p.attachDataChannel(dc)
		p.mu.Unlock()
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}

	sdp, err := json.Marshal(wire.AnswerPayload{SDP: answer.SDP})
	if err != nil {
		return err
	}
	p.state = StateAnsweringPending
	return p.signalOut(wire.Frame{Type: wire.FrameAnswer, PeerKey: p.peerKey, Payload: sdp})
}

// HandleAnswer completes the offering side's handshake:
// Offering -> (awaiting channel open, then Connected via OnOpen).
func (p *Peer) HandleAnswer(remoteSDP string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return errs.ErrNoRoute
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remoteSDP})
}

// HandleCandidate applies a remote ICE candidate.
func (p *Peer) HandleCandidate(candidate string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return errs.ErrNoRoute
	}
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

func (p *Peer) attachDataChannel(dc *webrtc.DataChannel) {
	p.dc = dc
	dc.OnOpen(func() {
		p.mu.Lock()
		p.state = StateConnected
		p.retries = 0
		p.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var frame wire.Frame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			return
		}
		p.inbox <- transport.InboundFrame{PeerKey: p.peerKey, Transport: transport.TagWebRTC, Frame: frame}
	})
}

func (p *Peer) watchConnectionState() {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateDisconnected {
			p.transitionToFailing()
		}
	})
}

// transitionToFailing moves the peer to Failing. After backoff it either
// retries from Offering (if under maxRetries) or moves to Closed.
func (p *Peer) transitionToFailing() {
	p.mu.Lock()
	p.state = StateFailing
	p.retries++
	retries := p.retries
	p.mu.Unlock()

	if retries > maxRetries {
		p.Close()
		return
	}

	backoff := backoffBase * time.Duration(1<<uint(retries))
	time.Sleep(backoff)

	p.mu.Lock()
	p.state = StateOffering
	p.mu.Unlock()
}

// Send writes frame over the open data channel. Returns ErrNoRoute if
// peerKey is not this Peer's key or the channel is not yet open.
func (p *Peer) Send(peerKey string, frame wire.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peerKey != p.peerKey || p.state != StateConnected || p.dc == nil {
		return errs.ErrNoRoute
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return p.dc.Send(data)
}

// Inbox returns the channel of frames received over the data channel.
func (p *Peer) Inbox() <-chan transport.InboundFrame {
	return p.inbox
}

// CurrentState returns the peer's current lifecycle state.
func (p *Peer) CurrentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close tears the connection down: any state -> Closed.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateClosed
	if p.pc != nil {
		return p.pc.Close()
	}
	return nil
}
