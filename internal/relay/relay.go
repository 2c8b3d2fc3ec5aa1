// Package relay routes signaling messages between one broadcaster and its
// viewers, and between upload clients and their encoder processes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/N1ades/screencast/internal/codec"
	"github.com/N1ades/screencast/internal/platform/metrics"
	"github.com/N1ades/screencast/internal/session"
	"github.com/N1ades/screencast/internal/transcode"
	"github.com/N1ades/screencast/internal/wsserver"
)

// DefaultHandshakeTimeout bounds the wait for the first upload message.
const DefaultHandshakeTimeout = 5 * time.Second

// Conn is the transport view of an accepted connection.
type Conn interface {
	ID() string
	Next(ctx context.Context) (wsserver.Message, error)
	OnceMessage(timeout time.Duration) (wsserver.Message, error)
	WriteJSON(v any) error
	Close()
}

// Options configures a Relay. Metrics may be nil.
type Options struct {
	Registry   *session.Registry
	Supervisor *transcode.Supervisor
	// Peers creates server-side WebRTC peers. Nil rejects offers.
	Peers            PeerFactory
	StreamBaseURL    string
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Relay serves connections. Every connection is handled by its own Serve
// call; messages from one connection are processed in arrival order.
type Relay struct {
	table     *Table
	registry  *session.Registry
	sup       *transcode.Supervisor
	peers     PeerFactory
	baseURL   string
	handshake time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// New returns a Relay with an empty connection table.
func New(opts Options) *Relay {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		table:     NewTable(),
		registry:  opts.Registry,
		sup:       opts.Supervisor,
		peers:     opts.Peers,
		baseURL:   opts.StreamBaseURL,
		handshake: opts.HandshakeTimeout,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Table returns the relay's connection table.
func (r *Relay) Table() *Table { return r.table }

// client is the relay's per-connection state.
type client struct {
	id   string
	conn Conn
	log  *slog.Logger

	// role and pair are only touched by the Serve goroutine.
	role Role
	pair codec.Pair

	mu     sync.Mutex
	closed bool
	sess   session.Session
	link   PeerLink
	proc   *transcode.Process

	teardown sync.Once
}

func (c *client) send(v any) error {
	return c.conn.WriteJSON(v)
}

func (r *Relay) newClient(conn Conn) *client {
	return &client{
		id:   conn.ID(),
		conn: conn,
		log:  r.log.With("conn_id", conn.ID()),
	}
}

// Serve handles conn until it closes, then releases everything it owned.
func (r *Relay) Serve(ctx context.Context, conn Conn) {
	c := r.newClient(conn)
	r.table.add(c)
	defer r.release(c)
	defer r.recoverPanic(c)

	r.loop(ctx, c)
}

// ServeUpload requires a start message within the handshake timeout before
// anything else. A stalled handshake tears the connection down.
func (r *Relay) ServeUpload(ctx context.Context, conn Conn) {
	c := r.newClient(conn)
	r.table.add(c)
	defer r.release(c)
	defer r.recoverPanic(c)

	first, err := conn.OnceMessage(r.handshake)
	if err != nil {
		if errors.Is(err, wsserver.ErrTimeout) {
			c.log.Warn("upload handshake timed out", "timeout", r.handshake)
		}
		return
	}
	if first.Binary {
		r.protocolError(c, errExpectedStart)
		conn.Close()
		return
	}
	msg, err := Decode(first.Data)
	if err != nil {
		r.protocolError(c, errInvalidJSON)
		conn.Close()
		return
	}
	start, ok := msg.(Start)
	if !ok {
		r.protocolError(c, errExpectedStart)
		conn.Close()
		return
	}
	r.metrics.IncMessages(TypeStart)
	if !r.handleStart(ctx, c, start) {
		conn.Close()
		return
	}
	r.loop(ctx, c)
}

func (r *Relay) loop(ctx context.Context, c *client) {
	for {
		m, err := c.conn.Next(ctx)
		if err != nil {
			return
		}
		r.handle(ctx, c, m)
	}
}

func (r *Relay) recoverPanic(c *client) {
	if v := recover(); v != nil {
		c.log.Error("panic in connection handler", "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
		c.conn.Close()
	}
}

func (r *Relay) handle(ctx context.Context, c *client, m wsserver.Message) {
	if m.Binary {
		r.handleMedia(c, m.Data)
		return
	}

	msg, err := Decode(m.Data)
	if err != nil {
		r.protocolError(c, errInvalidJSON)
		return
	}
	r.metrics.IncMessages(msg.messageType())

	switch msg := msg.(type) {
	case RegisterBroadcaster:
		r.handleBroadcaster(ctx, c, msg)
	case RegisterViewer:
		r.handleViewer(c)
	case Offer:
		r.handleOffer(c, msg)
	case Answer:
		r.handleAnswer(c, msg)
	case ICECandidate:
		r.handleICECandidate(c, msg)
	case Start:
		r.handleStart(ctx, c, msg)
	case Unknown:
		c.log.Debug("unknown message type", "type", msg.Type)
		r.protocolError(c, errUnknownType)
	}
}

func (r *Relay) protocolError(c *client, text string) {
	r.metrics.IncProtocolErrors()
	if err := c.send(protocolError(text)); err != nil {
		c.log.Debug("error reply not delivered", "error", err)
	}
}

func (r *Relay) reply(c *client, v any) {
	if err := c.send(v); err != nil {
		c.log.Debug("reply not delivered", "error", err)
	}
}

// assign moves an unassigned connection to role. Repeating the current role
// is allowed; switching roles is not.
func (r *Relay) assign(c *client, role Role) bool {
	if c.role != RoleUnassigned && c.role != role {
		r.protocolError(c, errRoleAssigned)
		return false
	}
	c.role = role
	return true
}

func (r *Relay) resolve(ctx context.Context, c *client, secret string) (session.Session, bool) {
	sess, err := r.registry.Resolve(ctx, secret)
	if err != nil {
		c.log.Error("session resolve failed", "error", err)
		r.reply(c, detailedError(errSessionStorage, err))
		return session.Session{}, false
	}
	return sess, true
}

func (r *Relay) handleBroadcaster(ctx context.Context, c *client, m RegisterBroadcaster) {
	if c.role != RoleUnassigned && c.role != RoleBroadcaster {
		r.protocolError(c, errRoleAssigned)
		return
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess.Code == "" || (m.Secret != "" && m.Secret != sess.Secret) {
		var ok bool
		if sess, ok = r.resolve(ctx, c, m.Secret); !ok {
			return
		}
		c.mu.Lock()
		c.sess = sess
		c.mu.Unlock()
	}
	r.assign(c, RoleBroadcaster)

	if prev := r.table.setBroadcaster(c); prev != nil && prev != c {
		c.log.Info("broadcaster replaced", "previous", prev.id)
	}
	c.log.Info("broadcaster registered", "code", sess.Code)
	r.reply(c, ackMsg{Type: TypeAck, Role: RoleBroadcaster.String(), Secret: sess.Secret, Code: sess.Code})
}

func (r *Relay) handleViewer(c *client) {
	if !r.assign(c, RoleViewer) {
		return
	}
	r.table.addViewer(c)
	r.reply(c, ackMsg{Type: TypeAck, Role: RoleViewer.String()})

	b := r.table.currentBroadcaster()
	if b == nil {
		return
	}
	if err := b.send(noticeMsg{Type: TypeViewerJoined, From: c.id}); err != nil {
		c.log.Debug("viewer-joined not delivered", "broadcaster", b.id, "error", err)
	}
}

func (r *Relay) handleOffer(c *client, m Offer) {
	if r.table.currentBroadcaster() != c {
		r.protocolError(c, errNotBroadcaster)
		return
	}
	if r.peers == nil {
		r.reply(c, protocolError(errPeerUnavailable))
		return
	}

	c.mu.Lock()
	old := c.link
	c.link = nil
	c.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			c.log.Debug("close previous peer", "error", err)
		}
	}

	var link PeerLink
	link, err := r.peers.NewPeer(c.id, PeerEvents{
		OnICECandidate: func(candidate json.RawMessage) {
			if err := c.send(iceMsg{Type: TypeICECandidate, Candidate: candidate}); err != nil {
				c.log.Debug("local candidate not delivered", "error", err)
			}
		},
		OnTrack: func(t Track) {
			r.onTrack(c, link, t)
		},
	})
	if err != nil {
		c.log.Error("create peer failed", "error", err)
		r.reply(c, detailedError(errNegotiation, err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = link.Close()
		return
	}
	c.link = link
	c.mu.Unlock()

	answer, err := link.Negotiate(m.SDP)
	if err != nil {
		// the failed link stays until the next offer replaces it
		c.log.Warn("negotiation failed", "error", err)
		r.reply(c, detailedError(errNegotiation, err))
		return
	}
	r.reply(c, sdpMsg{Type: TypeAnswer, SDP: answer})
}

func (r *Relay) onTrack(c *client, link PeerLink, t Track) {
	if t.Kind() != "video" {
		c.log.Debug("ignoring non-video track", "kind", t.Kind(), "codec", t.Codec())
		return
	}

	c.mu.Lock()
	if c.closed || c.link != link {
		c.mu.Unlock()
		return
	}
	if c.proc != nil {
		c.proc.Stop()
		c.proc = nil
	}
	spec := transcode.Spec{
		InputFormat: t.InputFormat(),
		Video:       t.Codec(),
		Destination: transcode.Destination(r.baseURL, c.sess.Code),
	}
	proc, err := r.sup.Start(c.sess.Code, spec, &connReporter{c: c})
	if err != nil {
		c.mu.Unlock()
		c.log.Error("encoder start failed", "error", err)
		r.reply(c, detailedError(errEncoderStart, err))
		return
	}
	c.proc = proc
	c.mu.Unlock()

	go func() {
		if err := t.Pump(proc); err != nil && !errors.Is(err, transcode.ErrStopped) {
			c.log.Debug("track pump ended", "error", err)
		}
	}()
}

func (r *Relay) handleAnswer(c *client, m Answer) {
	v, ok := r.table.viewer(m.To)
	if !ok {
		r.routingMiss(c, TypeAnswer, m.To)
		return
	}
	if err := v.send(sdpMsg{Type: TypeAnswer, SDP: m.SDP, From: c.id}); err != nil {
		r.routingMiss(c, TypeAnswer, m.To)
	}
}

func (r *Relay) handleICECandidate(c *client, m ICECandidate) {
	if m.To == ToBroadcaster {
		b := r.table.currentBroadcaster()
		if b == nil {
			r.routingMiss(c, TypeICECandidate, m.To)
			return
		}
		if err := b.send(iceMsg{Type: TypeICECandidate, Candidate: m.Candidate, From: c.id}); err != nil {
			r.routingMiss(c, TypeICECandidate, m.To)
		}
		return
	}

	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link != nil && m.HasCandidate() {
		if err := link.AddICECandidate(m.Candidate); err != nil {
			c.log.Debug("remote candidate not applied", "error", err)
		}
		return
	}

	v, ok := r.table.viewer(m.To)
	if !ok {
		r.routingMiss(c, TypeICECandidate, m.To)
		return
	}
	if err := v.send(iceMsg{Type: TypeICECandidate, Candidate: m.Candidate, From: c.id}); err != nil {
		r.routingMiss(c, TypeICECandidate, m.To)
	}
}

func (r *Relay) routingMiss(c *client, msgType, to string) {
	r.metrics.IncRoutingMisses()
	c.log.Warn("recipient not available, message dropped", "type", msgType, "to", to)
}

// release tears down what c owned. It runs once per connection.
func (r *Relay) release(c *client) {
	c.teardown.Do(func() {
		c.mu.Lock()
		c.closed = true
		link, proc := c.link, c.proc
		c.link, c.proc = nil, nil
		c.mu.Unlock()

		if proc != nil {
			proc.Stop()
		}
		if link != nil {
			if err := link.Close(); err != nil {
				c.log.Debug("close peer", "error", err)
			}
		}

		if !r.table.remove(c) {
			return
		}
		c.log.Info("broadcaster disconnected")
		// one slow viewer must not hold up the others
		for _, v := range r.table.viewerList() {
			go func(v *client) {
				if err := v.send(noticeMsg{Type: TypeBroadcasterDisconnected}); err != nil {
					v.log.Warn("broadcaster-disconnected not delivered", "error", err)
				}
			}(v)
		}
	})
}

// DisconnectBroadcaster closes the current broadcaster's connection.
func (r *Relay) DisconnectBroadcaster() (string, bool) {
	b := r.table.currentBroadcaster()
	if b == nil {
		return "", false
	}
	b.conn.Close()
	return b.id, true
}

// connReporter turns encoder events into messages on the owning connection.
type connReporter struct {
	c *client
}

func (rep *connReporter) Status(line string) {
	_ = rep.c.send(statusMsg{Type: TypeStatus, Message: line})
}

func (rep *connReporter) Fatal(line string) {
	if err := rep.c.send(errorMsg{Type: TypeError, Message: errStreamInterrupted, Details: line}); err != nil {
		rep.c.log.Debug("encoder failure not delivered", "error", err)
	}
	rep.c.conn.Close()
}

func (rep *connReporter) Exited(e *transcode.ExitError) {
	msg := errorMsg{Type: TypeError, Message: e.Error(), Signal: e.Signal}
	if e.Signal == "" {
		code := e.Code
		msg.Code = &code
	}
	if err := rep.c.send(msg); err != nil {
		rep.c.log.Debug("exit report not delivered", "error", err)
	}
	rep.c.conn.Close()
}
