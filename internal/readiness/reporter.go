package readiness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/smsbridge/internal/events"
	"github.com/mattjoyce/smsbridge/internal/log"
	"github.com/mattjoyce/smsbridge/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_readiness.go -package=mocks github.com/mattjoyce/smsbridge/internal/readiness Store,Ledger,Sender

// Store resolves a record URI to a message. It returns (nil, nil) when the
// record does not exist.
type Store interface {
	MessageByURI(ctx context.Context, uri string) (*protocol.Message, error)
}

// Ledger remembers which records were already reported.
type Ledger interface {
	Reported(ctx context.Context, key string) (bool, error)
	MarkReported(ctx context.Context, key string) (bool, error)
}

// Sender queues an outbound command; the dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, v any) <-chan error
}

// Reporter turns store-change notifications into "message" commands.
type Reporter struct {
	store  Store
	out    Sender
	ledger Ledger
	logger *slog.Logger
	events *events.Hub
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithLedger makes the reporter skip records it has already reported.
func WithLedger(l Ledger) ReporterOption {
	return func(r *Reporter) { r.ledger = l }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) ReporterOption {
	return func(r *Reporter) { r.logger = log.OrComponent(l, "readiness") }
}

// WithEvents publishes reported and deferred records to hub.
func WithEvents(hub *events.Hub) ReporterOption {
	return func(r *Reporter) { r.events = hub }
}

// NewReporter creates a Reporter.
func NewReporter(store Store, out Sender, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		store:  store,
		out:    out,
		logger: log.WithComponent("readiness"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report inspects the record at uri and, when it is ready, sends it to the
// bridge. Retry decisions carry the reason; store and send failures are
// also Retry so the caller's retry policy covers them.
func (r *Reporter) Report(ctx context.Context, uri string) (Decision, error) {
	logger := log.WithURI(r.logger, uri)

	m, err := r.store.MessageByURI(ctx, uri)
	if err != nil {
		logger.Warn("failed to query message store", "error", err)
		return Retry, fmt.Errorf("query %s: %w", uri, err)
	}

	decision, reason := Decide(m)
	switch decision {
	case NotFound:
		logger.Error("failed to find message record")
		return NotFound, fmt.Errorf("%s: %w", uri, reason)
	case Drop:
		logger.Debug("message originated from bridge")
		return Drop, nil
	case Retry:
		logger.Debug("message record not ready", "reason", reason)
		r.events.Publish(events.RecordDeferred, map[string]string{"uri": uri, "reason": reason.Error()})
		return Retry, reason
	}

	if r.ledger != nil {
		done, err := r.ledger.Reported(ctx, uri)
		if err != nil {
			return Retry, fmt.Errorf("check ledger: %w", err)
		}
		if done {
			logger.Debug("message already reported")
			return Drop, nil
		}
	}

	if err := <-r.out.Send(ctx, protocol.Command{
		Command: protocol.CommandMessage,
		ID:      protocol.NoReplyID,
		Data:    m,
	}); err != nil {
		logger.Warn("failed to report message", "error", err)
		return Retry, fmt.Errorf("send message: %w", err)
	}

	if r.ledger != nil {
		if _, err := r.ledger.MarkReported(ctx, uri); err != nil {
			logger.Error("failed to record reported message", "error", err)
		}
	}
	logger.Info("message reported", "message", m)
	r.events.Publish(events.RecordReported, map[string]string{"uri": uri, "guid": m.GUID})
	return Ready, nil
}
