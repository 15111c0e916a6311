package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/smsbridge/internal/events"
	"github.com/mattjoyce/smsbridge/internal/log"
	"github.com/mattjoyce/smsbridge/internal/protocol"
)

const defaultBacklog = 256

var (
	// ErrUnavailable means the process could not be obtained or written to.
	ErrUnavailable = errors.New("bridge process unavailable")
	// ErrStopped means the writer loop is not running anymore.
	ErrStopped = errors.New("dispatcher stopped")
)

// WriterSource yields the current stdin of the bridge process, starting the
// process if necessary, along with the generation of that process.
type WriterSource interface {
	Stdin(ctx context.Context) (io.Writer, uint64, error)
}

// WrittenFunc observes each command once it is on the pipe of process
// generation gen.
type WrittenFunc func(command string, id int64, gen uint64)

// Stats counts dispatcher outcomes since creation.
type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

type job struct {
	ctx     context.Context
	line    []byte
	command string
	id      int64
	done    chan error
}

// Dispatcher is the single writer of the bridge's stdin.
type Dispatcher struct {
	src    WriterSource
	jobs   chan job
	logger  *slog.Logger
	events  *events.Hub
	written WrittenFunc

	stopOnce sync.Once
	stopped  chan struct{}
	running  atomic.Bool

	// closeMu orders enqueues against the final drain.
	closeMu sync.RWMutex
	closed  bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = log.OrComponent(l, "dispatch") }
}

// WithEvents publishes sent and dropped commands to hub.
func WithEvents(hub *events.Hub) Option {
	return func(d *Dispatcher) { d.events = hub }
}

// OnWritten registers fn to run on the writer goroutine after every
// successful write.
func OnWritten(fn WrittenFunc) Option {
	return func(d *Dispatcher) { d.written = fn }
}

// WithBacklog sets how many commands may wait for the writer loop.
func WithBacklog(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.jobs = make(chan job, n)
		}
	}
}

// New creates a Dispatcher writing to src.
func New(src WriterSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		src:     src,
		jobs:    make(chan job, defaultBacklog),
		logger:  log.WithComponent("dispatch"),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the writer loop until ctx is cancelled. Commands still queued
// when the loop stops fail with ErrStopped.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}
	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")
	defer d.drain()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-d.jobs:
			j.done <- d.write(j)
		}
	}
}

func (d *Dispatcher) drain() {
	d.stopOnce.Do(func() { close(d.stopped) })
	d.closeMu.Lock()
	d.closed = true
	d.closeMu.Unlock()
	for {
		select {
		case j := <-d.jobs:
			j.done <- ErrStopped
		default:
			return
		}
	}
}

// Send queues v for writing as one JSON line. The returned channel yields
// exactly one value and is never closed without one.
func (d *Dispatcher) Send(ctx context.Context, v any) <-chan error {
	done := make(chan error, 1)
	if err := ctx.Err(); err != nil {
		done <- err
		return done
	}

	line, err := protocol.EncodeLine(v)
	if err != nil {
		done <- fmt.Errorf("encode command: %w", err)
		return done
	}

	j := job{ctx: ctx, line: line, done: done}
	if cmd, ok := v.(protocol.Command); ok {
		j.command, j.id = cmd.Command, cmd.ID
	} else if cmd, ok := v.(*protocol.Command); ok {
		j.command, j.id = cmd.Command, cmd.ID
	}

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		done <- ErrStopped
		return done
	}
	select {
	case <-d.stopped:
		done <- ErrStopped
	case <-ctx.Done():
		done <- ctx.Err()
	case d.jobs <- j:
	}
	return done
}

// SendWait queues v and blocks until it has been written or dropped.
func (d *Dispatcher) SendWait(ctx context.Context, v any) error {
	return <-d.Send(ctx, v)
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:    d.sent.Load(),
		Dropped: d.dropped.Load(),
		Queued:  len(d.jobs),
	}
}

func (d *Dispatcher) write(j job) error {
	logger := d.logger
	if j.command != "" {
		logger = log.WithCommand(logger, j.command, j.id)
	}

	if err := j.ctx.Err(); err != nil {
		logger.Debug("command cancelled before write", "error", err)
		return err
	}

	w, gen, err := d.src.Stdin(j.ctx)
	if err != nil {
		return d.drop(logger, j, fmt.Errorf("%w: %w", ErrUnavailable, err))
	}

	// A single Write keeps the line atomic on the pipe.
	if _, err := w.Write(j.line); err != nil {
		return d.drop(logger, j, fmt.Errorf("%w: write stdin: %w", ErrUnavailable, err))
	}

	d.sent.Add(1)
	if log.DebugEnabled() {
		logger.Debug("command sent", "bytes", len(j.line), "generation", gen)
	}
	if d.written != nil {
		d.written(j.command, j.id, gen)
	}
	d.events.Publish(events.CommandSent, map[string]any{"command": j.command, "id": j.id})
	return nil
}

func (d *Dispatcher) drop(logger *slog.Logger, j job, err error) error {
	d.dropped.Add(1)
	logger.Error("failed to send command to bridge", "error", err)
	d.events.Publish(events.CommandDropped, map[string]any{
		"command": j.command,
		"id":      j.id,
		"error":   err.Error(),
	})
	return err
}
