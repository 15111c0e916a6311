package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Liveness is the result of a non-blocking process probe.
type Liveness int

const (
	NeverStarted Liveness = iota
	Running
	Exited
)

func (l Liveness) String() string {
	switch l {
	case NeverStarted:
		return "never_started"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Probe reports liveness and, once exited, the exit code.
type Probe struct {
	Liveness Liveness
	ExitCode int
	Err      error
}

// Process is one spawned bridge process. Its streams stay valid until the
// supervisor replaces or stops it.
type Process struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *os.File
	stderr     *os.File
	done       chan struct{}
	exitCode   int
	waitErr    error
	startedAt  time.Time
	generation uint64
	configHash string

	stopping  bool
	closeOnce sync.Once
}

// Probe checks the exit status without blocking. A result is never cached
// beyond the call.
func (p *Process) Probe() Probe {
	if p == nil {
		return Probe{Liveness: NeverStarted}
	}
	select {
	case <-p.done:
		return Probe{Liveness: Exited, ExitCode: p.exitCode, Err: p.waitErr}
	default:
		return Probe{Liveness: Running}
	}
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Stdin is the write end of the process's standard input.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout carries newline-delimited JSON commands from the process.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr carries free-text diagnostics from the process.
func (p *Process) Stderr() io.Reader { return p.stderr }

// PID returns the operating system process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Generation increases by one for every process the supervisor spawns.
func (p *Process) Generation() uint64 { return p.generation }

// StartedAt is when the process was spawned.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// ConfigFingerprint is the BLAKE3 digest of the config the process started with.
func (p *Process) ConfigFingerprint() string { return p.configHash }

// terminate kills the process, falling back to an interrupt where kill is
// unsupported, then waits up to grace for it to be reaped.
func (p *Process) terminate(grace time.Duration) error {
	var err error
	if p.Probe().Liveness == Running {
		err = p.cmd.Process.Kill()
		if errors.Is(err, errors.ErrUnsupported) {
			err = p.cmd.Process.Signal(os.Interrupt)
		}
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	}

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			if err == nil {
				err = errors.New("process did not exit within grace period")
			}
		}
	}

	p.closePipes()
	return err
}

func (p *Process) closePipes() {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
}
