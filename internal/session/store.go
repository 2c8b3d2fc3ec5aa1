package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDuplicate is returned by Store.Put when the secret or code is taken.
var ErrDuplicate = errors.New("session already exists")

// Store is the persistence abstraction for sessions.
// Implementations can be in-memory or SQLite backed; the Registry uses Store
// for all reads and writes and owns the locking around read-modify-write.
type Store interface {
	Get(ctx context.Context, secret string) (Session, bool, error)
	// Put records a new session. It must be durable when it returns and
	// must fail with ErrDuplicate if the secret or code already exists.
	Put(ctx context.Context, s Session) error
	Touch(ctx context.Context, secret string, at time.Time) error
	Delete(ctx context.Context, secret string) error
	// ListIdleSince returns sessions whose LastSeen is before the cutoff.
	ListIdleSince(ctx context.Context, cutoff time.Time) ([]Session, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	codes    map[string]string // code -> secret
}

// NewMemoryStore returns a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		codes:    make(map[string]string),
	}
}

// Get implements Store.Get.
func (s *MemoryStore) Get(_ context.Context, secret string) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[secret]
	return st, ok, nil
}

// Put implements Store.Put.
func (s *MemoryStore) Put(_ context.Context, st Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[st.Secret]; ok {
		return ErrDuplicate
	}
	if _, ok := s.codes[st.Code]; ok {
		return ErrDuplicate
	}
	s.sessions[st.Secret] = st
	s.codes[st.Code] = st.Secret
	return nil
}

// Touch implements Store.Touch.
func (s *MemoryStore) Touch(_ context.Context, secret string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[secret]; ok {
		st.LastSeen = at
		s.sessions[secret] = st
	}
	return nil
}

// Delete implements Store.Delete.
func (s *MemoryStore) Delete(_ context.Context, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[secret]; ok {
		delete(s.codes, st.Code)
		delete(s.sessions, secret)
	}
	return nil
}

// ListIdleSince implements Store.ListIdleSince.
func (s *MemoryStore) ListIdleSince(_ context.Context, cutoff time.Time) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, st := range s.sessions {
		if st.LastSeen.Before(cutoff) {
			out = append(out, st)
		}
	}
	return out, nil
}

// Count implements Store.Count.
func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// Close implements Store.Close.
func (s *MemoryStore) Close() error { return nil }
