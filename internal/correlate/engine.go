// Package correlate matches replies from the bridge process to the requests
// that caused them.
//
// Every request that expects a reply gets a fresh id from a monotonically
// increasing counter starting at 1 (0 is reserved for commands that expect no
// reply). A pending request resolves exactly once: by the matching "response"
// or "error" command, by its timeout, by its context, or when the process it
// was written to exits or is stopped. A "response" or "error" matching no
// pending request is a late reply and is dropped; every other inbound command
// is handed to the registered Handler.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/smsbridge/internal/log"
	"github.com/mattjoyce/smsbridge/internal/protocol"
)

var (
	// ErrTimeout resolves a request whose reply did not arrive in time.
	ErrTimeout = errors.New("request timed out")
	// ErrCancelled resolves requests outstanding when the process exits or is stopped.
	ErrCancelled = errors.New("request cancelled")
	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("correlation engine closed")
)

// RemoteError is a failure reported by the bridge process for a request.
type RemoteError struct {
	Command string
	ID      int64
	Err     protocol.Error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s #%d failed: %s", e.Command, e.ID, e.Err.Error())
}

func (e *RemoteError) Unwrap() error { return &e.Err }

// Sender queues one outbound command; the dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, v any) <-chan error
}

// Handler receives inbound commands that match no pending request. It runs
// on the reader goroutine and must not wait for replies to its own requests.
type Handler func(ctx context.Context, in *protocol.Incoming)

type result struct {
	data json.RawMessage
	err  error
}

type pending struct {
	command string
	sentAt  time.Time
	result  chan result
	// generation of the process the request was written to; 0 until written.
	generation uint64
}

// exitedKept bounds how many exited generations are remembered for Track.
const exitedKept = 16

// Engine tracks pending requests.
type Engine struct {
	sender         Sender
	logger         *slog.Logger
	defaultTimeout time.Duration
	handler        Handler

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pending
	exited  map[uint64]error
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = log.OrComponent(l, "correlate") }
}

// WithDefaultTimeout applies when Request is called without a timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithHandler registers the handler for unsolicited commands.
func WithHandler(h Handler) Option {
	return func(e *Engine) { e.handler = h }
}

// New creates an Engine that writes through sender.
func New(sender Sender, opts ...Option) *Engine {
	e := &Engine{
		sender:  sender,
		logger:  log.WithComponent("correlate"),
		pending: make(map[int64]*pending),
		exited:  make(map[uint64]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NextID returns a fresh request id. Ids are never reused.
func (e *Engine) NextID() int64 {
	return e.nextID.Add(1)
}

// Pending returns the number of unresolved requests.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Request sends command with data and waits for the matching reply. A
// timeout of zero uses the engine default; if that is zero too, only ctx
// bounds the wait.
func (e *Engine) Request(ctx context.Context, command string, data any, timeout time.Duration) (json.RawMessage, error) {
	id := e.NextID()
	p := &pending{command: command, sentAt: time.Now(), result: make(chan result, 1)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.pending[id] = p
	e.mu.Unlock()

	logger := log.WithCommand(e.logger, command, id)
	written := e.sender.Send(ctx, protocol.Command{Command: command, ID: id, Data: data})

	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case r := <-p.result:
			return r.data, r.err
		case err := <-written:
			written = nil
			if err != nil {
				e.resolve(id, result{err: fmt.Errorf("send %s: %w", command, err)})
			}
		case <-deadline:
			if e.resolve(id, result{err: fmt.Errorf("%w: %s #%d after %s", ErrTimeout, command, id, timeout)}) {
				logger.Warn("request timed out", "timeout", timeout)
			}
		case <-ctx.Done():
			e.resolve(id, result{err: ctx.Err()})
		}
	}
}

// Notify sends a command that expects no reply.
func (e *Engine) Notify(ctx context.Context, command string, data any) <-chan error {
	return e.sender.Send(ctx, protocol.Command{Command: command, ID: protocol.NoReplyID, Data: data})
}

// Reply answers a remote-initiated command successfully.
func (e *Engine) Reply(ctx context.Context, id int64, data any) <-chan error {
	if data == nil {
		data = struct{}{}
	}
	return e.sender.Send(ctx, protocol.Command{Command: protocol.CommandResponse, ID: id, Data: data})
}

// ReplyError answers a remote-initiated command with a failure.
func (e *Engine) ReplyError(ctx context.Context, id int64, code, message string) <-chan error {
	return e.sender.Send(ctx, protocol.Command{
		Command: protocol.CommandError,
		ID:      id,
		Data:    protocol.Error{Code: code, Message: message},
	})
}

// HandleLine decodes one stdout line and routes it. Malformed lines are
// logged and dropped.
func (e *Engine) HandleLine(ctx context.Context, line []byte) {
	in, err := protocol.Decode(line)
	if err != nil {
		e.logger.Warn("discarding malformed line from bridge", "error", err)
		return
	}
	e.Handle(ctx, in)
}

// Handle routes a decoded inbound record.
func (e *Engine) Handle(ctx context.Context, in protocol.Inbound) {
	switch v := in.(type) {
	case *protocol.Error:
		e.logger.Warn("bridge reported error", "code", v.Code, "message", v.Message)
	case *protocol.Incoming:
		if v.Command == protocol.CommandResponse || v.Command == protocol.CommandError {
			if !e.resolveReply(v) {
				e.logger.Warn("dropping reply with no pending request", "command", v.Command, "command_id", v.ID)
			}
			return
		}
		if e.handler == nil {
			log.WithCommand(e.logger, v.Command, v.ID).Warn("no handler for bridge command")
			return
		}
		e.handler(ctx, v)
	}
}

func (e *Engine) resolveReply(in *protocol.Incoming) bool {
	e.mu.Lock()
	p, ok := e.pending[in.ID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	r := result{data: in.Data}
	if perr, failed := in.AsError(); failed {
		r = result{err: &RemoteError{Command: p.command, ID: in.ID, Err: *perr}}
	}
	if !e.resolve(in.ID, r) {
		return false
	}
	if log.DebugEnabled() {
		log.WithCommand(e.logger, p.command, in.ID).Debug("request resolved",
			"elapsed", time.Since(p.sentAt), "failed", r.err != nil)
	}
	return true
}

// resolve removes id from the pending set and delivers r. It reports false
// if the request had already been resolved.
func (e *Engine) resolve(id int64, r result) bool {
	e.mu.Lock()
	p, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()
	if !ok {
		return false
	}
	p.result <- r
	return true
}

// Track records that request id was written to process generation gen. It
// ignores writes that are not a pending request (replies and notifications).
// A request written to a generation that has already exited fails at once.
func (e *Engine) Track(command string, id int64, gen uint64) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if !ok || p.command != command {
		e.mu.Unlock()
		return
	}
	cause, gone := e.exited[gen]
	if !gone {
		p.generation = gen
	}
	e.mu.Unlock()

	if gone {
		e.resolve(id, result{err: fmt.Errorf("%w: %s #%d: %w", ErrCancelled, command, id, cause)})
	}
}

// FailGeneration resolves the pending requests written to process generation
// gen with ErrCancelled wrapping cause, and returns how many were resolved.
// Requests not yet written, or written to another generation, are untouched.
// It is idempotent per generation.
func (e *Engine) FailGeneration(gen uint64, cause error) int {
	e.mu.Lock()
	if _, done := e.exited[gen]; !done {
		e.exited[gen] = cause
		for g := range e.exited {
			if g+exitedKept < gen {
				delete(e.exited, g)
			}
		}
	}
	failed := make(map[int64]*pending)
	for id, p := range e.pending {
		if p.generation == gen {
			failed[id] = p
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()

	for id, p := range failed {
		p.result <- result{err: fmt.Errorf("%w: %s #%d: %w", ErrCancelled, p.command, id, cause)}
	}
	if len(failed) > 0 {
		e.logger.Warn("cancelled pending requests", "count", len(failed), "generation", gen, "cause", cause)
	}
	return len(failed)
}

// FailAll resolves every pending request, written or not, with ErrCancelled
// wrapping cause, and returns how many were resolved. It is meant for reset
// and Close; a single process exit goes through FailGeneration.
func (e *Engine) FailAll(cause error) int {
	e.mu.Lock()
	all := e.pending
	e.pending = make(map[int64]*pending)
	e.mu.Unlock()

	for id, p := range all {
		p.result <- result{err: fmt.Errorf("%w: %s #%d: %w", ErrCancelled, p.command, id, cause)}
	}
	if len(all) > 0 {
		e.logger.Warn("cancelled pending requests", "count", len(all), "cause", cause)
	}
	return len(all)
}

// Close fails all pending requests and rejects new ones.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.FailAll(ErrClosed)
}
