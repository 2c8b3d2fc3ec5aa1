package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/N1ades/screencast/internal/platform/logger"
	"github.com/N1ades/screencast/internal/wsserver"
)

type frame struct {
	typ  int
	data []byte
}

type fakeSocket struct {
	in     chan frame
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []frame
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan frame, 16), closed: make(chan struct{})}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.in:
		return fr.typ, fr.data, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeSocket) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, frame{mt, data})
	return nil
}

func (f *fakeSocket) written() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.writes...)
}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	dials  atomic.Int32
	fail   atomic.Bool
	socket chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{socket: make(chan *fakeSocket, 32)}
}

func (d *fakeDialer) Dial(context.Context, string) (Socket, error) {
	d.dials.Add(1)
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	s := newFakeSocket()
	d.socket <- s
	return s, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.socket:
		return s
	case <-time.After(time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func newTestClient(d Dialer, window time.Duration, opts ...func(*Options)) *Client {
	o := Options{URL: "ws://relay.test/", Dialer: d, Timeout: window, Logger: logger.Discard()}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

func TestClient_reconnects_after_silence(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, 40*time.Millisecond)
	c.Start()
	defer c.Destroy()

	first := d.next(t)
	second := d.next(t)
	assert.True(t, first.isClosed(), "silent socket is force-closed")
	assert.False(t, second.isClosed())
}

func TestClient_keepalive_defers_reconnect(t *testing.T) {
	d := newFakeDialer()
	var messages atomic.Int32
	c := newTestClient(d, 60*time.Millisecond, func(o *Options) {
		o.OnMessage = func(Message) { messages.Add(1) }
	})
	c.Start()
	defer c.Destroy()

	s := d.next(t)
	for i := 0; i < 10; i++ {
		s.in <- frame{websocket.TextMessage, nil}
		time.Sleep(15 * time.Millisecond)
	}
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, int32(0), messages.Load(), "keep-alives are not messages")
	assert.Equal(t, StateOpen, c.State())
}

func TestClient_callbacks_and_reconnect_after_close(t *testing.T) {
	d := newFakeDialer()
	var opens, closes atomic.Int32
	got := make(chan string, 4)
	c := newTestClient(d, 40*time.Millisecond, func(o *Options) {
		o.OnOpen = func() { opens.Add(1) }
		o.OnClose = func(error) { closes.Add(1) }
		o.OnMessage = func(m Message) { got <- string(m.Data) }
	})
	c.Start()
	defer c.Destroy()

	s := d.next(t)
	s.in <- frame{websocket.TextMessage, []byte(`{"type":"ack"}`)}
	assert.Equal(t, `{"type":"ack"}`, <-got)

	_ = s.Close()
	d.next(t)
	assert.Eventually(t, func() bool { return opens.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), closes.Load())
}

func TestClient_dial_failure_retries(t *testing.T) {
	d := newFakeDialer()
	d.fail.Store(true)
	c := newTestClient(d, 20*time.Millisecond)
	c.Start()
	defer c.Destroy()

	assert.Eventually(t, func() bool { return d.dials.Load() >= 3 }, time.Second, 5*time.Millisecond)
	d.fail.Store(false)
	d.next(t)
}

func TestClient_Destroy_stops_reconnecting(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, 20*time.Millisecond)
	c.Start()
	s := d.next(t)

	c.Destroy()
	c.Destroy()
	assert.True(t, s.isClosed())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.SendJSON(map[string]string{"type": "viewer"}), ErrNotConnected)
}

func TestClient_Send(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, time.Second)
	assert.ErrorIs(t, c.Send(websocket.TextMessage, []byte("x")), ErrNotConnected)

	c.Start()
	defer c.Destroy()
	s := d.next(t)
	require.Eventually(t, func() bool { return c.State() == StateOpen }, time.Second, time.Millisecond)

	require.NoError(t, c.SendJSON(map[string]string{"type": "broadcaster"}))
	require.NoError(t, c.SendBinary([]byte{1, 2, 3}))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.writes, 2)
	assert.JSONEq(t, `{"type":"broadcaster"}`, string(s.writes[0].data))
	assert.Equal(t, websocket.BinaryMessage, s.writes[1].typ)
}

func TestClient_Hello_precedes_other_writes(t *testing.T) {
	d := newFakeDialer()
	var hellos atomic.Int32
	c := newTestClient(d, 100*time.Millisecond, func(o *Options) {
		o.Hello = func() any {
			return map[string]any{"type": "start", "n": hellos.Add(1)}
		}
	})

	// media is pushed as fast as the client accepts it
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = c.SendBinary([]byte("chunk"))
			time.Sleep(time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	c.Start()
	defer c.Destroy()

	first := d.next(t)
	require.Eventually(t, func() bool { return len(first.written()) > 1 }, time.Second, time.Millisecond)
	_ = first.Close()

	second := d.next(t)
	require.Eventually(t, func() bool { return len(second.written()) > 1 }, time.Second, time.Millisecond)

	for i, s := range []*fakeSocket{first, second} {
		w := s.written()
		assert.Equal(t, websocket.TextMessage, w[0].typ)
		assert.JSONEq(t, fmt.Sprintf(`{"type":"start","n":%d}`, i+1), string(w[0].data))
		for _, f := range w[1:] {
			assert.Equal(t, websocket.BinaryMessage, f.typ)
		}
	}
}

func TestClient_OnceMessage(t *testing.T) {
	t.Run("next_message", func(t *testing.T) {
		d := newFakeDialer()
		var other atomic.Int32
		c := newTestClient(d, time.Second, func(o *Options) {
			o.OnMessage = func(Message) { other.Add(1) }
		})
		c.Start()
		defer c.Destroy()
		s := d.next(t)

		go func() {
			time.Sleep(10 * time.Millisecond)
			s.in <- frame{websocket.TextMessage, nil}
			s.in <- frame{websocket.TextMessage, []byte(`{"type":"session"}`)}
		}()
		m, err := c.OnceMessage(time.Second)
		require.NoError(t, err)
		assert.Equal(t, `{"type":"session"}`, string(m.Data))
		assert.Equal(t, int32(0), other.Load())
	})

	t.Run("timeout_destroys", func(t *testing.T) {
		d := newFakeDialer()
		c := newTestClient(d, time.Second)
		c.Start()
		s := d.next(t)

		_, err := c.OnceMessage(20 * time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.True(t, s.isClosed())

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(1), d.dials.Load())
		_, err = c.OnceMessage(time.Second)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("close_fails_wait", func(t *testing.T) {
		d := newFakeDialer()
		c := newTestClient(d, time.Second)
		c.Start()
		defer c.Destroy()
		s := d.next(t)
		require.Eventually(t, func() bool { return c.State() == StateOpen }, time.Second, time.Millisecond)

		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = s.Close()
		}()
		_, err := c.OnceMessage(time.Second)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestClient_stays_open_against_heartbeat_server(t *testing.T) {
	hub := wsserver.NewHub(wsserver.Options{HeartbeatInterval: 15 * time.Millisecond, Logger: logger.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.Accept(w, r)
		if err != nil {
			return
		}
		accepts.Add(1)
		for {
			if _, err := conn.Next(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Timeout: 80 * time.Millisecond,
		Logger:  logger.Discard(),
	})
	c.Start()
	defer c.Destroy()

	require.Eventually(t, func() bool { return c.State() == StateOpen }, time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, int32(1), accepts.Load())
	assert.Equal(t, 1, hub.Len())
}
