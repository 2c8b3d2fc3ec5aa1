package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/N1ades/screencast/internal/platform/metrics"
)

// ErrStorage wraps every persistence failure surfaced by the Registry.
var ErrStorage = errors.New("session storage error")

// maxIssueAttempts bounds retries when a generated secret or code collides.
const maxIssueAttempts = 3

// Registry maps reconnect secrets to stable stream codes.
type Registry struct {
	// mu serialises resolve so a secret is never issued twice concurrently.
	mu      sync.Mutex
	store   Store
	metrics *metrics.Metrics

	newSecret func() string
	newCode   func() string
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records issued and evicted sessions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithGenerators replaces the random secret/code generators.
func WithGenerators(secret, code func() string) Option {
	return func(r *Registry) {
		r.newSecret = secret
		r.newCode = code
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns a Registry backed by store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		newSecret: randomToken,
		newCode:   randomToken,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// randomToken is 122 bits from crypto/rand (UUIDv4) without separators.
func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Resolve returns the session for secret. An empty or unknown secret gets a
// freshly generated secret and code, stored before Resolve returns.
func (r *Registry) Resolve(ctx context.Context, secret string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if secret != "" {
		st, ok, err := r.store.Get(ctx, secret)
		if err != nil {
			return Session{}, fmt.Errorf("%w: get: %v", ErrStorage, err)
		}
		if ok {
			if err := r.store.Touch(ctx, secret, now); err != nil {
				return Session{}, fmt.Errorf("%w: touch: %v", ErrStorage, err)
			}
			st.LastSeen = now
			return st, nil
		}
	}

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		st := Session{
			Secret:    r.newSecret(),
			Code:      r.newCode(),
			CreatedAt: now,
			LastSeen:  now,
		}
		err := r.store.Put(ctx, st)
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("%w: put: %v", ErrStorage, err)
		}
		r.metrics.IncSessionsIssued()
		return st, nil
	}
	return Session{}, fmt.Errorf("%w: could not issue a unique session after %d attempts", ErrStorage, maxIssueAttempts)
}

// Evict removes sessions not resolved within ttl and returns how many were
// removed. A non-positive ttl keeps everything.
func (r *Registry) Evict(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idle, err := r.store.ListIdleSince(ctx, r.now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("%w: list idle: %v", ErrStorage, err)
	}
	for i, st := range idle {
		if err := r.store.Delete(ctx, st.Secret); err != nil {
			return i, fmt.Errorf("%w: delete: %v", ErrStorage, err)
		}
	}
	r.metrics.AddSessionsEvicted(len(idle))
	return len(idle), nil
}

// Count returns the number of stored sessions.
func (r *Registry) Count(ctx context.Context) (int, error) {
	n, err := r.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStorage, err)
	}
	return n, nil
}

// RunJanitor evicts idle sessions every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, ttl, interval time.Duration, log *slog.Logger) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Evict(ctx, ttl)
			if err != nil {
				log.Error("session eviction failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				log.Info("evicted idle sessions", slog.Int("count", n), slog.Duration("ttl", ttl))
			}
		}
	}
}
