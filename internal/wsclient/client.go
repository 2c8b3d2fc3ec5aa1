// Package wsclient is a websocket client that reconnects on its own. A timer
// is re-armed on every state change and every inbound frame, empty keep-alive
// frames included; when it fires the socket is dropped and dialed again.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultTimeout is the silence window before a forced reconnect.
const DefaultTimeout = 7 * time.Second

var (
	ErrTimeout      = errors.New("timed out waiting for message")
	ErrClosed       = errors.New("connection closed")
	ErrNotConnected = errors.New("websocket not connected")
)

// Socket is the part of *websocket.Conn the client uses.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens sockets. Tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	ws, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// State is the connection state of a Client.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one inbound non-empty frame.
type Message struct {
	Binary bool
	Data   []byte
}

// Options configures a Client. Only URL is required.
type Options struct {
	URL    string
	Dialer Dialer
	// Timeout is the silence window before a forced reconnect.
	Timeout time.Duration
	Logger  *slog.Logger

	// Hello, when set, builds a message written on every new socket before
	// Send can reach it.
	Hello func() any

	OnOpen    func()
	OnMessage func(Message)
	OnClose   func(error)
}

type waiter chan waitResult

type waitResult struct {
	msg Message
	err error
}

// Client keeps one socket open to URL until Destroy is called.
type Client struct {
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	sock      Socket
	gen       uint64
	timer     *time.Timer
	timerSeq  uint64
	destroyed bool
	waiters   []waiter

	writeMu sync.Mutex
}

// New returns a Client. Nothing is dialed until Start.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		log:    opts.Logger.With("url", opts.URL),
		ctx:    ctx,
		cancel: cancel,
		state:  StateClosed,
	}
}

// Start begins connecting in the background.
func (c *Client) Start() {
	go c.connect()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// armLocked restarts the silence timer. c.mu must be held.
func (c *Client) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.destroyed {
		return
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timer = time.AfterFunc(c.opts.Timeout, func() { c.expire(seq) })
}

func (c *Client) heartbeat(gen uint64) {
	c.mu.Lock()
	if gen == c.gen {
		c.armLocked()
	}
	c.mu.Unlock()
}

func (c *Client) expire(seq uint64) {
	c.mu.Lock()
	if c.destroyed || seq != c.timerSeq {
		c.mu.Unlock()
		return
	}
	sock := c.detachLocked()
	c.state = StateClosed
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	c.log.Info("no traffic, reconnecting websocket")
	c.connect()
}

// detachLocked forgets the current socket and fails pending waiters.
func (c *Client) detachLocked() Socket {
	sock := c.sock
	c.sock = nil
	c.gen++
	for _, w := range c.waiters {
		w <- waitResult{err: ErrClosed}
	}
	c.waiters = nil
	return sock
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.armLocked()
	c.mu.Unlock()

	c.log.Debug("dialing websocket")
	sock, err := c.opts.Dialer.Dial(c.ctx, c.opts.URL)
	if err != nil {
		// the armed timer retries
		c.log.Warn("websocket dial failed", "error", err)
		c.mu.Lock()
		if gen == c.gen {
			c.state = StateClosed
		}
		c.mu.Unlock()
		return
	}

	if err := c.hello(sock); err != nil {
		c.log.Warn("websocket hello failed", "error", err)
		_ = sock.Close()
		c.mu.Lock()
		if gen == c.gen {
			c.state = StateClosed
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		// superseded while dialing
		c.mu.Unlock()
		_ = sock.Close()
		return
	}
	c.sock = sock
	c.state = StateOpen
	c.armLocked()
	c.mu.Unlock()

	c.log.Debug("websocket open")
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
	go c.readLoop(sock, gen)
}

func (c *Client) hello(sock Socket) error {
	if c.opts.Hello == nil {
		return nil
	}
	data, err := json.Marshal(c.opts.Hello())
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sock.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(sock Socket, gen uint64) {
	for {
		mt, data, err := sock.ReadMessage()
		if err != nil {
			c.closed(gen, err)
			return
		}
		c.heartbeat(gen)
		if mt == websocket.TextMessage && len(data) == 0 {
			continue
		}
		c.deliver(gen, Message{Binary: mt == websocket.BinaryMessage, Data: data})
	}
}

func (c *Client) deliver(gen uint64, m Message) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.mu.Unlock()
		w <- waitResult{msg: m}
		return
	}
	c.mu.Unlock()

	if c.opts.OnMessage != nil {
		c.opts.OnMessage(m)
	}
}

func (c *Client) closed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// replaced by a forced reconnect or Destroy
		c.mu.Unlock()
		return
	}
	sock := c.detachLocked()
	c.state = StateClosed
	c.armLocked()
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	c.log.Info("websocket closed", "error", err)
	if c.opts.OnClose != nil {
		c.opts.OnClose(err)
	}
}

// Send writes one frame on the current socket.
func (c *Client) Send(messageType int, data []byte) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sock.WriteMessage(messageType, data)
}

// SendJSON sends v as a text frame.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(websocket.TextMessage, data)
}

// SendBinary sends data as a binary frame.
func (c *Client) SendBinary(data []byte) error {
	return c.Send(websocket.BinaryMessage, data)
}

// OnceMessage waits for the next non-empty message, which is not passed to
// OnMessage. If timeout elapses first the client is destroyed and ErrTimeout
// returned; if the socket closes first, ErrClosed.
func (c *Client) OnceMessage(timeout time.Duration) (Message, error) {
	w := make(waiter, 1)
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return Message{}, ErrClosed
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w:
		return r.msg, r.err
	case <-timer.C:
	}

	c.mu.Lock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	select {
	case r := <-w:
		// delivered while we were giving up
		return r.msg, r.err
	default:
	}
	c.Destroy()
	return Message{}, ErrTimeout
}

// Destroy closes the socket and stops reconnecting. Pending waits fail with
// ErrClosed.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerSeq++
	sock := c.detachLocked()
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	if sock != nil {
		_ = sock.Close()
	}
	c.log.Debug("websocket client destroyed")
}
