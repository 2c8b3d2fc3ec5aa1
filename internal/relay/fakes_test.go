package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/N1ades/screencast/internal/codec"
	"github.com/N1ades/screencast/internal/platform/logger"
	"github.com/N1ades/screencast/internal/session"
	"github.com/N1ades/screencast/internal/transcode"
	"github.com/N1ades/screencast/internal/wsserver"
)

// fakeConn is an in-memory Conn. Replies are decoded into maps.
type fakeConn struct {
	id     string
	in     chan wsserver.Message
	out    chan map[string]any
	done   chan struct{}
	once   sync.Once
	closes atomic.Int32
	served chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:     id,
		in:     make(chan wsserver.Message, 64),
		out:    make(chan map[string]any, 64),
		done:   make(chan struct{}),
		served: make(chan struct{}),
	}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Next(ctx context.Context) (wsserver.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.done:
		return wsserver.Message{}, wsserver.ErrClosed
	case <-ctx.Done():
		return wsserver.Message{}, ctx.Err()
	}
}

func (c *fakeConn) OnceMessage(timeout time.Duration) (wsserver.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.done:
		return wsserver.Message{}, wsserver.ErrClosed
	case <-time.After(timeout):
		c.Close()
		return wsserver.Message{}, wsserver.ErrTimeout
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.done:
		return wsserver.ErrClosed
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.out <- m
	return nil
}

func (c *fakeConn) Close() {
	c.closes.Add(1)
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- wsserver.Message{Data: data}
}

func (c *fakeConn) sendRaw(data string) {
	c.in <- wsserver.Message{Data: []byte(data)}
}

func (c *fakeConn) sendBinary(data []byte) {
	c.in <- wsserver.Message{Binary: true, Data: data}
}

func (c *fakeConn) expect(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(time.Second):
		t.Fatalf("%s: no message", c.id)
		return nil
	}
}

func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case m := <-c.out:
		t.Fatalf("%s: unexpected message %v", c.id, m)
	case <-time.After(30 * time.Millisecond):
	}
}

func (c *fakeConn) waitServed(t *testing.T) {
	t.Helper()
	select {
	case <-c.served:
	case <-time.After(time.Second):
		t.Fatalf("%s: serve did not return", c.id)
	}
}

type fakeLink struct {
	ev           PeerEvents
	negotiateErr error

	closes atomic.Int32

	mu         sync.Mutex
	candidates []string
}

func (l *fakeLink) Negotiate(sdp string) (string, error) {
	if l.negotiateErr != nil {
		return "", l.negotiateErr
	}
	return "answer-to:" + sdp, nil
}

func (l *fakeLink) AddICECandidate(c json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, string(c))
	if string(c) == `"stale"` {
		return errors.New("unknown ufrag")
	}
	return nil
}

func (l *fakeLink) Close() error {
	l.closes.Add(1)
	return nil
}

func (l *fakeLink) appliedCandidates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.candidates...)
}

type fakePeers struct {
	fail error

	mu    sync.Mutex
	links []*fakeLink
	// closedBefore records, per created link, how many earlier links had
	// been closed at creation time.
	closedBefore []int
}

func (p *fakePeers) NewPeer(_ string, ev PeerEvents) (PeerLink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	closed := 0
	for _, l := range p.links {
		closed += int(l.closes.Load())
	}
	l := &fakeLink{ev: ev, negotiateErr: p.fail}
	p.links = append(p.links, l)
	p.closedBefore = append(p.closedBefore, closed)
	return l, nil
}

func (p *fakePeers) link(i int) *fakeLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links[i]
}

func (p *fakePeers) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

type fakeTrack struct {
	kind   string
	frames [][]byte
}

func (t fakeTrack) Kind() string        { return t.kind }
func (t fakeTrack) Codec() string       { return codec.H264 }
func (t fakeTrack) InputFormat() string { return "h264" }

func (t fakeTrack) Pump(w io.Writer) error {
	for _, f := range t.frames {
		if _, err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// fakeEncoder is a launched encoder process.
type fakeEncoder struct {
	args    []string
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exit    chan [2]any
	once    sync.Once

	mu      sync.Mutex
	chunks  []string
	signals int
	closed  bool
}

func (e *fakeEncoder) Stdin() io.WriteCloser { return encoderStdin{e} }
func (e *fakeEncoder) Stderr() io.Reader     { return e.stderrR }
func (e *fakeEncoder) Pid() int              { return 4242 }

func (e *fakeEncoder) Signal(sig os.Signal) error {
	e.mu.Lock()
	e.signals++
	e.mu.Unlock()
	if sig == syscall.SIGTERM {
		e.finish(-1, "terminated")
	}
	return nil
}

func (e *fakeEncoder) Wait() (int, string, error) {
	r := <-e.exit
	return r[0].(int), r[1].(string), nil
}

func (e *fakeEncoder) finish(code int, sig string) {
	e.once.Do(func() {
		e.exit <- [2]any{code, sig}
		_ = e.stderrW.Close()
	})
}

func (e *fakeEncoder) written() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.chunks...)
}

func (e *fakeEncoder) signalCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signals
}

type encoderStdin struct{ e *fakeEncoder }

func (s encoderStdin) Write(p []byte) (int, error) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.e.closed {
		return 0, os.ErrClosed
	}
	s.e.chunks = append(s.e.chunks, string(p))
	return len(p), nil
}

func (s encoderStdin) Close() error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	s.e.closed = true
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	encoders []*fakeEncoder
	launched chan *fakeEncoder
}

func (l *fakeLauncher) Launch(_ string, args []string) (transcode.Handle, error) {
	r, w := io.Pipe()
	e := &fakeEncoder{args: args, stderrR: r, stderrW: w, exit: make(chan [2]any, 1)}
	l.mu.Lock()
	l.encoders = append(l.encoders, e)
	l.mu.Unlock()
	l.launched <- e
	return e, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.encoders)
}

func (l *fakeLauncher) next(t *testing.T) *fakeEncoder {
	t.Helper()
	select {
	case e := <-l.launched:
		return e
	case <-time.After(time.Second):
		t.Fatal("no encoder launched")
		return nil
	}
}

type harness struct {
	relay    *Relay
	registry *session.Registry
	launcher *fakeLauncher
	peers    *fakePeers
	ctx      context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	launcher := &fakeLauncher{launched: make(chan *fakeEncoder, 16)}
	peers := &fakePeers{}
	registry := session.NewRegistry(session.NewMemoryStore())
	sup := transcode.NewSupervisor(transcode.SupervisorOptions{Launcher: launcher, Logger: logger.Discard()})
	rl := New(Options{
		Registry:         registry,
		Supervisor:       sup,
		Peers:            peers,
		StreamBaseURL:    "rtmp://localhost/live",
		HandshakeTimeout: 50 * time.Millisecond,
		Logger:           logger.Discard(),
	})
	return &harness{relay: rl, registry: registry, launcher: launcher, peers: peers, ctx: ctx}
}

func (h *harness) connect(id string) *fakeConn {
	c := newFakeConn(id)
	go func() {
		defer close(c.served)
		h.relay.Serve(h.ctx, c)
	}()
	return c
}

func (h *harness) connectUpload(id string) *fakeConn {
	c := newFakeConn(id)
	go func() {
		defer close(c.served)
		h.relay.ServeUpload(h.ctx, c)
	}()
	return c
}
