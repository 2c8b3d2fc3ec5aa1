package transcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/N1ades/screencast/internal/platform/metrics"
)

// ErrStopped is returned when writing to a stopped or exited encoder.
var ErrStopped = errors.New("encoder stopped")

// ExitError describes an encoder that ended on its own with a failure.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("encoder killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("encoder exited with code %d", e.Code)
}

// Reporter receives what the owning connection needs to hear about.
type Reporter interface {
	// Status is a non-fatal diagnostic line.
	Status(line string)
	// Fatal is a diagnostic line matching a known fatal pattern.
	Fatal(line string)
	// Exited is called when the process ended unexpectedly with a failure.
	Exited(err *ExitError)
}

// Handle is a launched process.
type Handle interface {
	Stdin() io.WriteCloser
	Stderr() io.Reader
	Signal(sig os.Signal) error
	// Wait blocks until exit. Call it only after Stderr reached EOF.
	Wait() (code int, signal string, err error)
	Pid() int
}

// Launcher starts processes.
type Launcher interface {
	Launch(path string, args []string) (Handle, error)
}

// ExecLauncher launches real processes with os/exec.
type ExecLauncher struct{}

func (ExecLauncher) Launch(path string, args []string) (Handle, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.Reader
}

func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Stderr() io.Reader     { return h.stderr }
func (h *execHandle) Pid() int              { return h.cmd.Process.Pid }

func (h *execHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Wait() (int, string, error) {
	err := h.cmd.Wait()
	ps := h.cmd.ProcessState
	if ps == nil {
		return -1, "", err
	}
	if sig, ok := strings.CutPrefix(ps.String(), "signal: "); ok {
		return ps.ExitCode(), sig, nil
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ps.ExitCode(), "", err
	}
	return ps.ExitCode(), "", nil
}

var fatalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)connection (reset|refused)`),
	regexp.MustCompile(`(?i)broken pipe`),
	regexp.MustCompile(`(?i)i/o error`),
	regexp.MustCompile(`(?i)conversion failed`),
	regexp.MustCompile(`(?i)error opening output`),
}

// IsFatalLine reports whether an encoder diagnostic line means the stream is lost.
func IsFatalLine(line string) bool {
	for _, re := range fatalPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// State is the lifecycle position of a Process.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Process is one supervised encoder.
type Process struct {
	key      string
	spec     Spec
	args     []string
	reporter Reporter
	log      *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter

	state    atomic.Int32
	handle   Handle
	writeMu  sync.Mutex
	stopOnce sync.Once
	stopping atomic.Bool
	// failed is set once a fatal line was reported; the exit that follows
	// is then not reported again.
	failed atomic.Bool
	done     chan struct{}
}

func newProcess(key string, spec Spec, args []string, r Reporter, log *slog.Logger, m *metrics.Metrics) *Process {
	return &Process{
		key:      key,
		spec:     spec,
		args:     args,
		reporter: r,
		log:      log.With("session", key),
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Limit(2), 5),
		done:     make(chan struct{}),
	}
}

func (p *Process) Key() string  { return p.key }
func (p *Process) Spec() Spec   { return p.spec }
func (p *Process) State() State { return State(p.state.Load()) }

// Done is closed after the process exited.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) launch(l Launcher, path string) error {
	h, err := l.Launch(path, p.args)
	if err != nil {
		return fmt.Errorf("launch encoder: %w", err)
	}
	p.handle = h
	p.state.Store(int32(StateRunning))
	p.metrics.EncoderStarted()
	p.log.Info("encoder started", "pid", h.Pid(), "args", strings.Join(p.args, " "))
	return nil
}

// watch scans stderr to EOF, then waits for exit. onExit runs last.
func (p *Process) watch(onExit func()) {
	defer close(p.done)
	defer onExit()

	sc := bufio.NewScanner(p.handle.Stderr())
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		p.diagnostic(sc.Text())
	}

	code, sig, err := p.handle.Wait()
	p.state.Store(int32(StateExited))
	log := p.log.With("code", code, "signal", sig)

	switch {
	case p.stopping.Load():
		p.metrics.EncoderExited("stopped")
		log.Debug("encoder stopped")
	case p.failed.Load():
		p.metrics.EncoderExited("failed")
		log.Warn("encoder exited after fatal output")
	case err != nil:
		p.metrics.EncoderExited("failed")
		log.Error("encoder wait failed", "error", err)
		p.reporter.Exited(&ExitError{Code: code, Signal: sig})
	case code == 0 && sig == "":
		p.metrics.EncoderExited("clean")
		log.Info("encoder exited")
	default:
		p.metrics.EncoderExited("failed")
		log.Warn("encoder exited unexpectedly")
		p.reporter.Exited(&ExitError{Code: code, Signal: sig})
	}
}

func (p *Process) diagnostic(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if IsFatalLine(line) {
		p.log.Error("encoder fatal output", "line", line)
		if !p.stopping.Load() && p.failed.CompareAndSwap(false, true) {
			p.reporter.Fatal(line)
		}
		return
	}
	p.log.Debug("encoder output", "line", line)
	if p.limiter.Allow() {
		p.reporter.Status(line)
	}
}

// Write sends chunk to the encoder input. It blocks while the pipe is full.
func (p *Process) Write(chunk []byte) (int, error) {
	if p.stopping.Load() || p.State() != StateRunning {
		return 0, ErrStopped
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	n, err := p.handle.Stdin().Write(chunk)
	p.metrics.AddMediaBytes(n)
	return n, err
}

// Feed is Write with errors logged instead of returned.
func (p *Process) Feed(chunk []byte) {
	if _, err := p.Write(chunk); err != nil {
		p.log.Warn("encoder write failed", "bytes", len(chunk), "error", err)
	}
}

// Stop signals the process to terminate and closes its input. Only the first
// call has any effect.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		if p.handle == nil {
			return
		}
		if err := p.handle.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Warn("encoder signal failed", "error", err)
		}
		_ = p.handle.Stdin().Close()
	})
}
