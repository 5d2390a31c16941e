package relay

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nahma/nahma-core/internal/errs"
	"github.com/nahma/nahma-core/internal/transport"
	"github.com/nahma/nahma-core/internal/wire"
)

// Client connects outbound to a relay Server and forwards frames to
// peers through it, for nodes that are not themselves hosting a relay.
type Client struct {
	selfKey string

	mu   sync.Mutex
	conn *websocket.Conn

	inbox chan transport.InboundFrame
}

// DialClient opens a relay connection identified as selfKey.
func DialClient(serverURL, selfKey string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{selfKey: selfKey, conn: conn, inbox: make(chan transport.InboundFrame, 256)}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var payload wire.RelayPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			continue
		}
		var frame wire.Frame
		if err := json.Unmarshal(payload.Data, &frame); err != nil {
			continue
		}
		c.inbox <- transport.InboundFrame{PeerKey: payload.From, Transport: transport.TagRelay, Frame: frame}
	}
}

// Send wraps frame in a RelayPayload addressed to peerKey and writes it
// to the relay server.
func (c *Client) Send(peerKey string, frame wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errs.ErrNoRoute
	}

	frameData, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	payload := wire.RelayPayload{From: c.selfKey, To: peerKey, Data: frameData}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Inbox returns the channel of frames forwarded to this client.
func (c *Client) Inbox() <-chan transport.InboundFrame {
	return c.inbox
}

// Close tears down the relay connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
