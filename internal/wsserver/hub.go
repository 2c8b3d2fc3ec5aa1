// Package wsserver accepts websocket connections and keeps them honest with a
// ping/pong heartbeat. A connection that misses a full sweep interval without
// a pong is terminated.
package wsserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/N1ades/screencast/internal/platform/metrics"
)

// DefaultHeartbeatInterval is the sweep period when none is configured.
const DefaultHeartbeatInterval = 3 * time.Second

// Options configures a Hub. Metrics may be nil.
type Options struct {
	HeartbeatInterval time.Duration
	// AllowedOrigins restricts the Origin header of upgrade requests.
	// Empty or "*" allows any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Hub owns every accepted Conn and runs the heartbeat sweep.
type Hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn

	now   func() time.Time
	newID func() string
}

// NewHub returns a Hub. Call Run to start the heartbeat.
func NewHub(opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Hub{
		log:      opts.Logger,
		metrics:  opts.Metrics,
		interval: opts.HeartbeatInterval,
		conns:    make(map[string]*Conn),
		now:      time.Now,
		newID:    shortid.MustGenerate,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

// Accept upgrades the request and registers the connection.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return h.Wrap(ws), nil
}

// Wrap registers an already-open socket, marks it alive and starts reading.
func (h *Hub) Wrap(sock Socket) *Conn {
	c := &Conn{
		id:    h.newID(),
		sock:  sock,
		hub:   h,
		inbox: make(chan Message, inboxSize),
		done:  make(chan struct{}),
	}
	c.markAlive()
	sock.SetReadLimit(maxMessageSize)
	sock.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
	h.log.Debug("connection accepted", "conn_id", c.id, "remote_addr", c.RemoteAddr())

	go c.readLoop()
	return c
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if ok {
		h.metrics.ConnectionClosed()
		h.log.Debug("connection closed", "conn_id", c.id)
	}
}

// Get returns the open connection with id.
func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Len is the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Run sweeps every heartbeat interval until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep runs one heartbeat round: connections that have not answered since
// the previous round are terminated; the rest are marked not alive and sent an
// empty keep-alive frame and a ping. Writes run per connection in the
// background so one slow peer does not hold up the round. A connection whose
// inbox is full is pinged but not judged.
func (h *Hub) Sweep() {
	for _, c := range h.snapshot() {
		if c.backlog.Load() {
			h.beat(c)
			continue
		}
		if !c.alive.CompareAndSwap(true, false) {
			h.log.Info("terminating unresponsive connection", "conn_id", c.id, "last_pong", c.LastPong())
			h.metrics.IncHeartbeatTerminations()
			c.Terminate()
			continue
		}
		h.beat(c)
	}
}

// beat sends the keep-alive and ping unless the previous ones are still
// being written.
func (h *Hub) beat(c *Conn) {
	if !c.beating.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.beating.Store(false)
		if err := c.WriteText(""); err != nil {
			h.log.Warn("keep-alive failed", "conn_id", c.id, "error", err)
			c.Terminate()
			return
		}
		if err := c.ping(); err != nil {
			h.log.Warn("ping failed", "conn_id", c.id, "error", err)
			c.Terminate()
		}
	}()
}

// CloseAll closes every open connection with a going-away frame.
func (h *Hub) CloseAll() {
	for _, c := range h.snapshot() {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
}
