package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-realtime/internal/observability"
)

// Conn is one client socket. Outbound frames go through a bounded FIFO drained
// by a single writer, so frames enqueued in order are written in order.
type Conn struct {
	info   ConnInfo
	socket *websocket.Conn
	send   chan []byte
	done   chan struct{}

	closeOnce   sync.Once
	closeReason string

	mu     sync.RWMutex
	userID string
}

func newConn(info ConnInfo, socket *websocket.Conn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	return &Conn{
		info:   info,
		socket: socket,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.info.ConnID }

// AuthUserID is the identity verified during the handshake.
func (c *Conn) AuthUserID() string { return c.info.UserID }

// UserID is the identity bound through register-user, empty until then.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) bind(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Send enqueues a frame without blocking. A full queue means the client cannot
// keep up; the connection is closed rather than stalling the sender.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		observability.IncWSDropped("slow_consumer")
		c.Close("slow consumer")
		return false
	}
}

// Close is idempotent. Closing the socket unblocks the read loop, which runs
// the disconnect cleanup.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.done)
		if c.socket != nil {
			_ = c.socket.Close()
		}
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writePump(pingInterval, writeDeadline time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close(err.Error())
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(err.Error())
				return
			}
		case <-c.done:
			return
		}
	}
}

// reason blocks until the connection is closed and reports why.
func (c *Conn) reason() string {
	<-c.done
	return c.closeReason
}
