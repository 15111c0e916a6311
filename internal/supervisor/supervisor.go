// Package supervisor owns the lifecycle of the external bridge process.
//
// The supervisor spawns at most one process at a time and hands it out with
// get-or-start semantics: every caller that needs the process probes its
// liveness first and starts a fresh one if the previous process died.
// Concurrent start attempts collapse into one; all callers observe the result
// of that single attempt.
//
// State machine:
//
//	NOT_STARTED --start--> RUNNING --stop--> TERMINATED
//	RUNNING --process exits--> NOT_STARTED (observed on next use)
//	TERMINATED --start--> RUNNING
//
// Stop kills the process forcibly (interrupt where kill is unsupported) and
// always clears the handle. Reset additionally deletes the bridge's database,
// log directory and cache directory.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/smsbridge/internal/config"
	"github.com/mattjoyce/smsbridge/internal/events"
	"github.com/mattjoyce/smsbridge/internal/log"
)

var (
	// ErrNoConfig means the config locator produced no existing file.
	ErrNoConfig = errors.New("bridge config not available")
	// ErrProcessUnavailable wraps every failure to obtain a running process.
	ErrProcessUnavailable = errors.New("bridge process unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor closed")
)

// State is the supervisor-level lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ConfigLocator resolves the bridge config file path. An empty path means
// no config is available yet.
type ConfigLocator func(ctx context.Context) (string, error)

// StaticConfig returns a locator that always yields path.
func StaticConfig(path string) ConfigLocator {
	return func(context.Context) (string, error) { return path, nil }
}

// ExitInfo describes a process that has exited.
type ExitInfo struct {
	PID        int
	Generation uint64
	ExitCode   int
	Err        error
	// Stopped is true when the exit was requested through Stop or Reset.
	Stopped bool
}

// Options configure a Supervisor.
type Options struct {
	NativeLibDir  string
	Executable    string
	CacheDir      string
	ConfigLocator ConfigLocator
	// StopGrace bounds how long Stop waits for the killed process to be reaped.
	StopGrace time.Duration
	// Env is appended to the inherited environment before the required variables.
	Env    []string
	Logger *slog.Logger
	Events *events.Hub
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State             State      `json:"state"`
	PID               int        `json:"pid,omitempty"`
	Generation        uint64     `json:"generation"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastExitCode      *int       `json:"last_exit_code,omitempty"`
	ConfigPath        string     `json:"config_path,omitempty"`
	ConfigFingerprint string     `json:"config_fingerprint,omitempty"`
}

// Supervisor owns one external bridge process.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	starts singleflight.Group

	mu           sync.Mutex
	proc         *Process
	stopped      bool
	closed       bool
	generation   uint64
	configPath   string
	lastExitCode *int

	listenersMu sync.Mutex
	onStart     []func(*Process)
	onExit      []func(ExitInfo)
}

// New creates a Supervisor. No process is spawned until first use.
func New(opts Options) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Supervisor{
		opts:   opts,
		logger: log.OrComponent(opts.Logger, "supervisor"),
	}
}

// OnStart registers fn to run after every successful spawn.
func (s *Supervisor) OnStart(fn func(*Process)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onStart = append(s.onStart, fn)
}

// OnExit registers fn to run whenever a spawned process exits.
func (s *Supervisor) OnExit(fn func(ExitInfo)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onExit = append(s.onExit, fn)
}

// Get returns the running process, starting one if none is alive.
func (s *Supervisor) Get(ctx context.Context) (*Process, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if p := s.proc; p != nil && p.Probe().Liveness == Running {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	v, err, _ := s.starts.Do("start", func() (any, error) {
		return s.start(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Process), nil
}

// Stdin implements the dispatcher's writer source.
func (s *Supervisor) Stdin(ctx context.Context) (io.Writer, uint64, error) {
	p, err := s.Get(ctx)
	if err != nil {
		return nil, 0, err
	}
	return p.Stdin(), p.Generation(), nil
}

// Current returns the current process handle without starting one.
func (s *Supervisor) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Status reports the lifecycle state. Liveness is probed, not cached.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Generation:   s.generation,
		LastExitCode: s.lastExitCode,
		ConfigPath:   s.configPath,
	}
	switch {
	case s.proc != nil && s.proc.Probe().Liveness == Running:
		st.State = StateRunning
		st.PID = s.proc.PID()
		startedAt := s.proc.StartedAt()
		st.StartedAt = &startedAt
		st.ConfigFingerprint = s.proc.ConfigFingerprint()
	case s.stopped || s.closed:
		st.State = StateTerminated
	default:
		st.State = StateNotStarted
	}
	return st
}

// start spawns the process. Callers reach it only through the singleflight group.
func (s *Supervisor) start(ctx context.Context) (*Process, error) {
	configPath, err := s.resolveConfig(ctx)
	if err != nil {
		s.logger.Error("cannot start bridge", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrProcessUnavailable, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if p := s.proc; p != nil {
		if p.Probe().Liveness == Running {
			s.mu.Unlock()
			return p, nil
		}
		p.closePipes()
		s.proc = nil
	}

	p, err := s.spawnLocked(configPath)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("failed to start bridge process", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrProcessUnavailable, err)
	}
	s.proc = p
	s.stopped = false
	s.mu.Unlock()

	s.logger.Info("bridge process started",
		"pid", p.PID(),
		"generation", p.Generation(),
		"config", configPath,
		"config_fingerprint", p.ConfigFingerprint(),
	)
	s.opts.Events.Publish(events.ProcessStarted, map[string]any{
		"pid":        p.PID(),
		"generation": p.Generation(),
	})

	s.listenersMu.Lock()
	listeners := append([]func(*Process){}, s.onStart...)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(p)
	}

	return p, nil
}

func (s *Supervisor) spawnLocked(configPath string) (*Process, error) {
	dir := s.opts.NativeLibDir
	if dir == "" {
		return nil, errors.New("native library directory is not set")
	}
	if s.opts.CacheDir != "" {
		if err := os.MkdirAll(s.opts.CacheDir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	cmd := exec.Command(filepath.Join(dir, s.opts.Executable), "-c", configPath)
	cmd.Dir = dir
	env := append(os.Environ(), s.opts.Env...)
	env = append(env, "LD_LIBRARY_PATH="+dir, "TMPDIR="+s.opts.CacheDir)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	// Own pipes so Wait never closes the read ends under a slow reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	s.logger.Debug("spawning bridge process", "path", cmd.Path, "dir", dir)
	startErr := cmd.Start()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if startErr != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, fmt.Errorf("start process: %w", startErr)
	}

	hash, err := config.Fingerprint(configPath)
	if err != nil {
		s.logger.Warn("failed to fingerprint bridge config", "config", configPath, "error", err)
	}

	s.generation++
	p := &Process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdoutR,
		stderr:     stderrR,
		done:       make(chan struct{}),
		startedAt:  time.Now().UTC(),
		generation: s.generation,
		configHash: hash,
	}
	go s.wait(p)
	return p, nil
}

func (s *Supervisor) wait(p *Process) {
	err := p.cmd.Wait()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}

	// Stop holds s.mu while it waits on done, so done closes first.
	close(p.done)
	s.mu.Lock()
	stopped := p.stopping
	code := p.exitCode
	s.lastExitCode = &code
	s.mu.Unlock()

	info := ExitInfo{
		PID:        p.cmd.Process.Pid,
		Generation: p.generation,
		ExitCode:   p.exitCode,
		Err:        err,
		Stopped:    stopped,
	}
	if stopped {
		s.logger.Info("bridge process stopped", "pid", info.PID, "exit_code", info.ExitCode)
	} else {
		s.logger.Warn("bridge process exited", "pid", info.PID, "exit_code", info.ExitCode, "error", err)
	}
	s.opts.Events.Publish(events.ProcessExited, info)

	s.listenersMu.Lock()
	listeners := append([]func(ExitInfo){}, s.onExit...)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(info)
	}
}

// resolveConfig returns the cached config path, or asks the locator. The
// path must exist on disk.
func (s *Supervisor) resolveConfig(ctx context.Context) (string, error) {
	s.mu.Lock()
	path := s.configPath
	s.mu.Unlock()

	if path == "" {
		if s.opts.ConfigLocator == nil {
			return "", ErrNoConfig
		}
		located, err := s.opts.ConfigLocator(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrNoConfig, err)
		}
		path = located
	}
	if path == "" {
		return "", ErrNoConfig
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoConfig, err)
	}

	s.mu.Lock()
	s.configPath = path
	s.mu.Unlock()
	return path, nil
}

// ConfigPath resolves the bridge config path without starting the process.
func (s *Supervisor) ConfigPath(ctx context.Context) (string, error) {
	return s.resolveConfig(ctx)
}

// Stop terminates the process, if any, and clears the handle. The next Get
// starts a new process.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	p := s.proc
	s.proc = nil
	s.stopped = true
	if p == nil {
		return nil
	}

	p.stopping = true
	s.logger.Info("stopping bridge process", "pid", p.PID())
	err := p.terminate(s.opts.StopGrace)
	s.opts.Events.Publish(events.ProcessStopped, map[string]any{"pid": p.PID()})
	if err != nil {
		s.logger.Error("failed to stop bridge process", "pid", p.PID(), "error", err)
		return fmt.Errorf("stop bridge process: %w", err)
	}
	return nil
}

// Close stops the process and rejects further use.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.stopLocked()
}
