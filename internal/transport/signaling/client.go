// Package signaling implements the persistent outbound connection to a
// signaling server: WebRTC offer/answer/candidate exchange and low-volume
// control frame relay, reconnecting with jittered exponential backoff.
package signaling

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nahma/nahma-core/internal/errs"
	"github.com/nahma/nahma-core/internal/transport"
	"github.com/nahma/nahma-core/internal/wire"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// Client maintains one reconnecting WebSocket connection to a signaling
// server. The reconnect loop's jittered, doubling backoff generalizes the
// teacher's replicateWithRetryAndResponse doubling-backoff loop from "3
// retries for one HTTP call" to "reconnect forever, capped."
type Client struct {
	serverURL string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	inbox chan transport.InboundFrame
}

// Dial starts a Client connecting to serverURL (a ws:// or wss:// URL) and
// begins its reconnect loop in the background.
func Dial(serverURL string) (*Client, error) {
	if _, err := url.Parse(serverURL); err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	c := &Client{
		serverURL: serverURL,
		inbox:     make(chan transport.InboundFrame, 256),
	}
	go c.connectLoop()
	return c, nil
}

func (c *Client) connectLoop() {
	attempt := 0
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.serverURL, nil)
		if err != nil {
			time.Sleep(jitteredBackoff(attempt))
			attempt++
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		attempt = 0

		c.readLoop(conn) // blocks until the connection drops

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}
}

func jitteredBackoff(attempt int) time.Duration {
	d := backoffBase * time.Duration(1<<uint(attempt))
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		c.inbox <- transport.InboundFrame{
			PeerKey:   frame.PeerKey,
			Transport: transport.TagSignaling,
			Frame:     frame,
		}
	}
}

// Send writes frame to the signaling server for forwarding to peerKey.
// The server, not this client, resolves peerKey to a live connection.
func (c *Client) Send(peerKey string, frame wire.Frame) error {
	frame.PeerKey = peerKey

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errs.ErrNoRoute
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Inbox returns the channel of frames received from the signaling server.
func (c *Client) Inbox() <-chan transport.InboundFrame {
	return c.inbox
}

// Close stops the reconnect loop and closes any live connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
