package transcode

import (
	"context"
	"log/slog"
	"sync"

	"github.com/N1ades/screencast/internal/platform/metrics"
)

// DefaultEncoderPath is looked up in PATH.
const DefaultEncoderPath = "ffmpeg"

// SupervisorOptions configures NewSupervisor. Zero values get defaults.
type SupervisorOptions struct {
	Path     string
	Policy   Policy
	Launcher Launcher
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Supervisor keeps at most one live Process per session key.
type Supervisor struct {
	path     string
	policy   Policy
	launcher Launcher
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	procs map[string]*Process
}

// NewSupervisor returns a Supervisor launching processes with opts.Launcher,
// ExecLauncher by default.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Path == "" {
		opts.Path = DefaultEncoderPath
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy.TargetVideo == "" {
		opts.Policy = DefaultPolicy()
	}
	return &Supervisor{
		path:     opts.Path,
		policy:   opts.Policy,
		launcher: opts.Launcher,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		procs:    make(map[string]*Process),
	}
}

// Start launches an encoder for key. A process already running for key is
// stopped first.
func (s *Supervisor) Start(key string, spec Spec, r Reporter) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.procs[key]; ok {
		old.Stop()
		delete(s.procs, key)
	}

	p := newProcess(key, spec, s.policy.Args(spec), r, s.log, s.metrics)
	if err := p.launch(s.launcher, s.path); err != nil {
		return nil, err
	}
	s.procs[key] = p

	go p.watch(func() {
		s.mu.Lock()
		if s.procs[key] == p {
			delete(s.procs, key)
		}
		s.mu.Unlock()
	})
	return p, nil
}

// Get returns the live process for key.
func (s *Supervisor) Get(key string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[key]
	return p, ok
}

// Stop stops the process for key if there is one.
func (s *Supervisor) Stop(key string) {
	s.mu.Lock()
	p, ok := s.procs[key]
	delete(s.procs, key)
	s.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// StopAll stops every process and waits for them to exit or ctx to end.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for k, p := range s.procs {
		procs = append(procs, p)
		delete(s.procs, k)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.Stop()
	}
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-ctx.Done():
			s.log.Warn("encoders still running at shutdown", "remaining", len(procs))
			return
		}
	}
}

// Running is the number of live processes.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}
