package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrTimeout = errors.New("timed out waiting for message")
	ErrClosed  = errors.New("connection closed")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 20
	inboxSize      = 64
)

// Socket is the part of *websocket.Conn the hub drives. Tests substitute fakes.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// Message is one inbound frame.
type Message struct {
	Binary bool
	Data   []byte
}

// Conn is an accepted connection with heartbeat state. Messages are consumed
// in arrival order through Next or OnceMessage.
type Conn struct {
	id   string
	sock Socket
	hub  *Hub

	alive    atomic.Bool
	lastPong atomic.Int64
	// backlog is set while the reader waits on a full inbox. Pongs are not
	// read then, so a missing pong says nothing about the peer.
	backlog atomic.Bool
	// beating is set while a heartbeat write is in flight.
	beating atomic.Bool

	writeMu sync.Mutex

	inbox chan Message
	done  chan struct{}
	// dropped is set when the connection was terminated rather than closed;
	// queued messages are then discarded instead of drained.
	dropped   atomic.Bool
	closeOnce sync.Once
}

// ID is issued at accept time and never changes.
func (c *Conn) ID() string { return c.id }

// Alive reports whether a pong (or the accept) was seen since the last sweep.
func (c *Conn) Alive() bool { return c.alive.Load() }

// LastPong is the time of the most recent pong, or the accept time.
func (c *Conn) LastPong() time.Time { return time.Unix(0, c.lastPong.Load()) }

// Done is closed once the connection is closed or terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RemoteAddr is the peer address, or "" when unknown.
func (c *Conn) RemoteAddr() string {
	if a := c.sock.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *Conn) markAlive() {
	c.alive.Store(true)
	c.lastPong.Store(c.hub.now().UnixNano())
}

func (c *Conn) readLoop() {
	for {
		mt, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.log.Warn("websocket transport error", "conn_id", c.id, "error", err)
			}
			c.shutdown(false)
			return
		}
		msg := Message{Binary: mt == websocket.BinaryMessage, Data: data}
		select {
		case <-c.done:
			return
		default:
		}
		select {
		case c.inbox <- msg:
			continue
		default:
		}
		c.backlog.Store(true)
		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
		// the stall was ours; the peer gets a fresh interval to answer
		c.markAlive()
		c.backlog.Store(false)
	}
}

func (c *Conn) take() (Message, bool) {
	if c.dropped.Load() {
		return Message{}, false
	}
	select {
	case m := <-c.inbox:
		return m, true
	default:
		return Message{}, false
	}
}

// Next blocks until the next message arrives. Messages received before a
// graceful close are still delivered; after that Next returns ErrClosed.
func (c *Conn) Next(ctx context.Context) (Message, error) {
	if m, ok := c.take(); ok {
		return m, nil
	}
	select {
	case m := <-c.inbox:
		if c.dropped.Load() {
			return Message{}, ErrClosed
		}
		return m, nil
	case <-c.done:
		if m, ok := c.take(); ok {
			return m, nil
		}
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// OnceMessage waits for exactly the next message. On timeout the connection
// is terminated and ErrTimeout returned; if it closes first, ErrClosed.
func (c *Conn) OnceMessage(timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-c.inbox:
		if c.dropped.Load() {
			return Message{}, ErrClosed
		}
		return m, nil
	case <-c.done:
		return Message{}, ErrClosed
	case <-timer.C:
		c.Terminate()
		return Message{}, ErrTimeout
	}
}

func (c *Conn) write(mt int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteMessage(mt, data)
}

// WriteJSON sends v as a text frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// WriteText sends a raw text frame.
func (c *Conn) WriteText(s string) error {
	return c.write(websocket.TextMessage, []byte(s))
}

// WriteBinary sends a binary frame.
func (c *Conn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a normal close frame and releases the socket.
func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

// CloseWith sends a close frame carrying code and reason.
func (c *Conn) CloseWith(code int, reason string) {
	c.closeWith(code, reason)
}

func (c *Conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	select {
	case <-c.done:
	default:
		_ = c.sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	}
	c.writeMu.Unlock()
	c.shutdown(false)
}

// Terminate drops the connection without a close handshake. Queued messages
// are discarded.
func (c *Conn) Terminate() {
	c.shutdown(true)
}

func (c *Conn) shutdown(drop bool) {
	c.closeOnce.Do(func() {
		if drop {
			c.dropped.Store(true)
		}
		close(c.done)
		_ = c.sock.Close()
		c.hub.remove(c)
	})
}
