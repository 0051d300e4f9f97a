package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-workspace/realtime/internal/model"
)

// DefaultSendBufferSize is the send queue length of a connection.
const DefaultSendBufferSize = 256

// Client represents a WebSocket client connection.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	createdAt time.Time

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string
	identity  *model.Identity

	lastActivity atomic.Int64
}

// NewClient creates a new WebSocket client with a fresh connection id.
// conn may be nil in tests.
func NewClient(conn *websocket.Conn, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = DefaultSendBufferSize
	}
	now := time.Now()
	c := &Client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, bufferSize),
		createdAt: now,
		closeCode: websocket.CloseNormalClosure,
	}
	c.lastActivity.Store(now.UnixMilli())
	return c
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Identity returns the authenticated identity, or nil before the handshake.
func (c *Client) Identity() *model.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetIdentity attaches the authenticated identity. It can only be set once.
func (c *Client) SetIdentity(identity *model.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil {
		return false
	}
	c.identity = identity
	return true
}

// Touch records inbound activity.
func (c *Client) Touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// LastActivity returns the time of the last inbound frame.
func (c *Client) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// CreatedAt returns when the connection was accepted.
func (c *Client) CreatedAt() time.Time {
	return c.createdAt
}

// Send queues a message to be sent to the client. It returns false when the
// client is closed or its queue was full, in which case the client is
// closed and should be unregistered.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		// Buffer full, close the client
		c.closeCode = websocket.ClosePolicyViolation
		c.closeText = "send queue full"
		c.closeLocked()
		return false
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// CloseWithReason closes the client; the write pump sends the given close
// code after flushing queued frames.
func (c *Client) CloseWithReason(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closeCode = code
		c.closeText = text
	}
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeMessage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}
