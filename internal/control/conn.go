// ABOUTME: One worker's WebSocket session with buffered, non-blocking sends
// ABOUTME: Read pump posts events to the owning plane, write pump drains the send buffer

package control

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/broxy/internal/protocol"
)

const (
	// sendBufferSize bounds frames queued for a worker. A worker that falls
	// this far behind is disconnected.
	sendBufferSize = 64

	writeWait = 10 * time.Second

	// maxMessageSize admits captured pages with inline assets.
	maxMessageSize = 32 << 20
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a worker is not draining its frames.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is a worker transport session. It carries no worker state; the plane
// maps it to a worker by ID.
type Conn struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	ws        *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// newConn wraps ws. A nil ws gives a detached connection whose frames stay in
// the send buffer.
func newConn(ws *websocket.Conn, remoteAddr string, logger *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		ws:          ws,
		send:        make(chan []byte, sendBufferSize),
		closed:      make(chan struct{}),
		logger:      logger.With("conn_id", id),
	}
}

// Send queues a message without blocking. A full buffer closes the
// connection.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, closing connection", "type", msg.Type)
		c.Close()
		return ErrSendBufferFull
	}
}

// Close shuts the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) writePump() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readPump forwards every frame to post until the socket fails, then posts
// the close.
func (c *Conn) readPump(post func(any)) {
	defer func() {
		c.Close()
		post(connClosed{conn: c})
	}()

	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("worker connection error", "error", err)
			}
			return
		}
		post(connMessage{conn: c, data: data})
	}
}
