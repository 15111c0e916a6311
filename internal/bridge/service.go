// Package bridge runs the bridge process together with everything that talks
// to it: the outbound dispatcher, the correlation engine, the inbound command
// handlers and the retry worker that reports store records.
package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/smsbridge/internal/address"
	"github.com/mattjoyce/smsbridge/internal/correlate"
	"github.com/mattjoyce/smsbridge/internal/delivery"
	"github.com/mattjoyce/smsbridge/internal/dispatch"
	"github.com/mattjoyce/smsbridge/internal/events"
	"github.com/mattjoyce/smsbridge/internal/log"
	"github.com/mattjoyce/smsbridge/internal/protocol"
	"github.com/mattjoyce/smsbridge/internal/queue"
	"github.com/mattjoyce/smsbridge/internal/readiness"
	"github.com/mattjoyce/smsbridge/internal/state"
	"github.com/mattjoyce/smsbridge/internal/supervisor"
)

var (
	// ErrNotDefaultSMSApp means the host is not the OS default messaging app.
	ErrNotDefaultSMSApp = errors.New("not the default SMS app")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("bridge service already started")
	// ErrNotStarted is returned when the service is used before Start.
	ErrNotStarted = errors.New("bridge service not started")
)

// MessageStore is the device message store.
type MessageStore interface {
	MessageByURI(ctx context.Context, uri string) (*protocol.Message, error)
	ChatsSince(ctx context.Context, since protocol.TimeSeconds) ([]string, error)
	MessagesAfter(ctx context.Context, chatGUID string, after protocol.TimeSeconds) ([]*protocol.Message, error)
	RecentMessages(ctx context.Context, chatGUID string, limit int) ([]*protocol.Message, error)
}

// Sender transmits messages. Its outcomes come back through HandleOutcome.
type Sender interface {
	Send(ctx context.Context, req delivery.Request) error
}

// Config holds the service settings.
type Config struct {
	Supervisor supervisor.Options
	// DefaultSMSApp is the caller-supplied precondition for Start.
	DefaultSMSApp  bool
	RequestTimeout time.Duration
	Region         string
	Retry          queue.Options
	PollInterval   time.Duration
	// LedgerRetention and PruneInterval bound the reported-message ledger.
	// Pruning is off when either is zero.
	LedgerRetention time.Duration
	PruneInterval   time.Duration
}

// Status is the service view exposed by the control API.
type Status struct {
	Process    supervisor.Status `json:"process"`
	Pending    int               `json:"pending_requests"`
	QueueDepth int               `json:"queue_depth"`
	Dispatch   dispatch.Stats    `json:"dispatch"`
}

// Service owns the bridge process and its traffic.
type Service struct {
	cfg    Config
	logger *slog.Logger
	events *events.Hub

	sup       *supervisor.Supervisor
	disp      *dispatch.Dispatcher
	engine    *correlate.Engine
	queue     *queue.Queue
	worker    *queue.Worker
	ledger    *state.Store
	reporter  *readiness.Reporter
	outcomes  *delivery.Reporter
	store     MessageStore
	sender    Sender
	addresses address.Normalizer

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	readers sync.WaitGroup
}

// New wires a Service over the state database db. Nothing runs until Start.
func New(cfg Config, db *sql.DB, store MessageStore, sender Sender, hub *events.Hub) *Service {
	logger := log.WithComponent("bridge")
	if cfg.Supervisor.Logger == nil {
		cfg.Supervisor.Logger = log.WithComponent("supervisor")
	}
	cfg.Supervisor.Events = hub

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		events:    hub,
		store:     store,
		sender:    sender,
		addresses: address.New(cfg.Region),
	}

	s.sup = supervisor.New(cfg.Supervisor)
	s.disp = dispatch.New(s.sup,
		dispatch.WithEvents(hub),
		dispatch.OnWritten(func(command string, id int64, gen uint64) {
			s.engine.Track(command, id, gen)
		}),
	)
	s.engine = correlate.New(s.disp,
		correlate.WithDefaultTimeout(cfg.RequestTimeout),
		correlate.WithHandler(s.handle),
	)
	s.ledger = state.NewStore(db)
	s.queue = queue.New(db, cfg.Retry)
	s.reporter = readiness.NewReporter(store, s.disp,
		readiness.WithLedger(s.ledger),
		readiness.WithEvents(hub),
	)
	s.worker = queue.NewWorker(s.queue, s.reporter, cfg.PollInterval, nil)
	s.outcomes = delivery.NewReporter(store, s.engine, nil)

	s.sup.OnStart(s.attach)
	s.sup.OnExit(s.detach)
	return s
}

// Supervisor exposes the process supervisor.
func (s *Service) Supervisor() *supervisor.Supervisor { return s.sup }

// Start checks the preconditions, starts the writer and retry loops, and
// launches the bridge process.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.DefaultSMSApp {
		return ErrNotDefaultSMSApp
	}
	if _, err := s.sup.ConfigPath(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.group != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.runCtx, s.cancel, s.group = gctx, cancel, g
	s.mu.Unlock()

	g.Go(func() error { return ignoreCanceled(s.disp.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(s.worker.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(s.pruneLoop(gctx)) })

	if _, err := s.sup.Get(ctx); err != nil {
		s.logger.Error("failed to start bridge", "error", err)
		_ = s.Close()
		return err
	}
	s.logger.Info("bridge service started")
	return nil
}

// Wait blocks until the service loops end and returns the first failure.
func (s *Service) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// attach starts the stream readers of a freshly spawned process.
func (s *Service) attach(p *supervisor.Process) {
	ctx := s.context()
	logger := s.logger.With("pid", p.PID(), "generation", p.Generation())

	s.readers.Add(2)
	go func() {
		defer s.readers.Done()
		_ = s.sup.ReadCommands(p, func(line []byte) {
			s.engine.HandleLine(ctx, line)
		})
	}()
	go func() {
		defer s.readers.Done()
		_ = s.sup.ReadErrors(p, func(line string) {
			logger.Info("bridge", "stderr", line)
		})
	}()
}

// detach fails the requests written to the exited process. It can run after
// a newer process has started, so requests of other generations are kept.
func (s *Service) detach(info supervisor.ExitInfo) {
	cause := fmt.Errorf("bridge process %d exited with code %d", info.PID, info.ExitCode)
	if info.Stopped {
		cause = fmt.Errorf("bridge process %d stopped", info.PID)
	}
	s.engine.FailGeneration(info.Generation, cause)
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// Request sends command to the bridge and waits for its reply. A zero
// timeout uses the configured request timeout.
func (s *Service) Request(ctx context.Context, command string, data any, timeout time.Duration) (json.RawMessage, error) {
	return s.engine.Request(ctx, command, data, timeout)
}

// Notify is the store-change hook: uri is queued for a readiness decision
// and the retry worker is woken.
func (s *Service) Notify(ctx context.Context, uri string) error {
	id, created, err := s.queue.Enqueue(ctx, uri)
	if err != nil {
		s.logger.Error("failed to queue record", "uri", uri, "error", err)
		return err
	}
	s.logger.Debug("record queued", "uri", uri, "job_id", id, "created", created)
	s.worker.Wake()
	return nil
}

// HandleOutcome forwards a sender outcome to the bridge.
func (s *Service) HandleOutcome(ctx context.Context, o delivery.Outcome) error {
	return s.outcomes.HandleOutcome(ctx, o)
}

// Status reports process, correlation and queue state.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Process:  s.sup.Status(),
		Pending:  s.engine.Pending(),
		Dispatch: s.disp.Stats(),
	}
	if depth, err := s.queue.Depth(ctx); err == nil {
		st.QueueDepth = depth
	} else {
		s.logger.Warn("failed to read queue depth", "error", err)
	}
	return st
}

// Stop terminates the bridge process. Pending requests fail; the next
// outbound command starts a new process.
func (s *Service) Stop() error {
	cur := s.sup.Current()
	err := s.sup.Stop()
	if cur != nil {
		s.engine.FailGeneration(cur.Generation(), errors.New("bridge stopped"))
	}
	return err
}

// SignOut stops the process and deletes all bridge-owned state: the
// bridge's database, logs and cache, and the reported-message ledger.
func (s *Service) SignOut(ctx context.Context) (*supervisor.ResetReport, error) {
	report, err := s.sup.Reset(ctx)
	s.engine.FailAll(errors.New("bridge reset"))
	if cerr := s.ledger.Clear(ctx); cerr != nil {
		s.logger.Warn("failed to clear reported-message ledger", "error", cerr)
	}
	return report, err
}

// Close stops everything. The service cannot be restarted.
func (s *Service) Close() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	stopErr := s.sup.Close()
	s.engine.Close()
	s.readers.Wait()

	var err error
	if g != nil {
		err = g.Wait()
	}
	return errors.Join(err, stopErr)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
