package relay

import "sync"

// Role is a connection's place in the relay.
type Role int

const (
	RoleUnassigned Role = iota
	RoleBroadcaster
	RoleViewer
	RoleRecorder
)

func (r Role) String() string {
	switch r {
	case RoleUnassigned:
		return "unassigned"
	case RoleBroadcaster:
		return "broadcaster"
	case RoleViewer:
		return "viewer"
	case RoleRecorder:
		return "recorder"
	default:
		return "unknown"
	}
}

// Table holds the broadcaster slot and the viewer set. One Table belongs to
// one Relay.
type Table struct {
	mu          sync.RWMutex
	clients     map[string]*client
	broadcaster *client
	viewers     map[string]*client
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		clients: make(map[string]*client),
		viewers: make(map[string]*client),
	}
}

func (t *Table) add(c *client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.id] = c
}

// remove drops c everywhere and reports whether it was the broadcaster.
func (t *Table) remove(c *client) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, c.id)
	delete(t.viewers, c.id)
	if t.broadcaster == c {
		t.broadcaster = nil
		return true
	}
	return false
}

// setBroadcaster installs c and returns the previous holder, if any.
func (t *Table) setBroadcaster(c *client) *client {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.broadcaster
	t.broadcaster = c
	return prev
}

func (t *Table) currentBroadcaster() *client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.broadcaster
}

func (t *Table) addViewer(c *client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewers[c.id] = c
}

func (t *Table) viewer(id string) (*client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.viewers[id]
	return c, ok
}

func (t *Table) viewerList() []*client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*client, 0, len(t.viewers))
	for _, c := range t.viewers {
		out = append(out, c)
	}
	return out
}

// Stats is a point-in-time view of the table.
type Stats struct {
	Broadcaster string `json:"broadcaster,omitempty"`
	Viewers     int    `json:"viewers"`
	Connections int    `json:"connections"`
}

// Stats returns the current counts.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{Viewers: len(t.viewers), Connections: len(t.clients)}
	if t.broadcaster != nil {
		s.Broadcaster = t.broadcaster.id
	}
	return s
}

// IsBroadcaster reports whether the connection id holds the broadcaster role.
func (t *Table) IsBroadcaster(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.broadcaster != nil && t.broadcaster.id == id
}

// IsViewer reports whether the connection id is in the viewer set.
func (t *Table) IsViewer(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.viewers[id]
	return ok
}
