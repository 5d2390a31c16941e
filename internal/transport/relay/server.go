// Package relay implements the server-hosted frame-forwarding hub used
// when WebRTC is unavailable between two authenticated peers, plus the
// Client side for nodes that are not themselves hosting a relay.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nahma/nahma-core/internal/errs"
	"github.com/nahma/nahma-core/internal/wire"
)

// DefaultMaxConnections is the bounded concurrent-connection limit a
// Server enforces before shedding new connections with ErrBusy.
const DefaultMaxConnections = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server forwards RelayPayload frames, JSON in WebSocket text messages,
// between authenticated peer connections. Its bounded-concurrency gate is a buffered-channel
// semaphore, grounded on the teacher's channel-based fan-in/fan-out
// pattern in executeReadQuorum, repurposed here from "collect N quorum
// responses" to "admit at most N concurrent connections."
type Server struct {
	mu    sync.RWMutex
	peers map[string]*websocket.Conn // peerKey -> live connection

	slots chan struct{}
}

// NewServer constructs a relay Server with the given concurrent
// connection limit (use DefaultMaxConnections if unsure).
func NewServer(maxConnections int) *Server {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	return &Server{
		peers: make(map[string]*websocket.Conn),
		slots: make(chan struct{}, maxConnections),
	}
}

// ServeHTTP upgrades an incoming request to a WebSocket connection for
// peerKey (supplied by the caller once it has authenticated the request) and
// pumps frames between it and whichever peer each frame addresses.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request, peerKey string) {
	select {
	case s.slots <- struct{}{}:
	default:
		http.Error(w, errs.ErrBusy.Error(), http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.slots }()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.peers[peerKey] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, peerKey)
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var relayFrame wire.RelayPayload
		if err := json.Unmarshal(data, &relayFrame); err != nil {
			continue
		}
		s.forward(relayFrame)
	}
}

func (s *Server) forward(payload wire.RelayPayload) {
	s.mu.RLock()
	dest, ok := s.peers[payload.To]
	s.mu.RUnlock()
	if !ok {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	dest.WriteMessage(websocket.TextMessage, data)
}

// ConnectedPeers returns the peer keys currently holding a live relay
// connection.
func (s *Server) ConnectedPeers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.peers))
	for k := range s.peers {
		out = append(out, k)
	}
	return out
}
