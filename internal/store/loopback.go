package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/smsbridge/internal/delivery"
	"github.com/mattjoyce/smsbridge/internal/log"
	"github.com/mattjoyce/smsbridge/internal/protocol"
)

// Loopback is a sender that "transmits" by writing the message into a
// MemoryStore as a bridge-originated record, then raises an outcome for it
// on a separate goroutine.
type Loopback struct {
	store  *MemoryStore
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	onOutcome func(ctx context.Context, o delivery.Outcome)
	failCode  delivery.ResultCode
	failExtra string
}

// NewLoopback creates a Loopback writing into s.
func NewLoopback(s *MemoryStore, logger *slog.Logger) *Loopback {
	return &Loopback{
		store:    s,
		logger:   log.OrComponent(logger, "loopback"),
		now:      time.Now,
		failCode: delivery.ResultOK,
	}
}

// OnOutcome sets the receiver of delivery outcomes.
func (l *Loopback) OnOutcome(fn func(ctx context.Context, o delivery.Outcome)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onOutcome = fn
}

// FailWith makes subsequent sends fail with rc. ResultOK restores success.
func (l *Loopback) FailWith(rc delivery.ResultCode, extra string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failCode = rc
	l.failExtra = extra
}

// Send stores the message and schedules its outcome.
func (l *Loopback) Send(ctx context.Context, req delivery.Request) error {
	if req.ChatGUID == "" {
		return fmt.Errorf("send request #%d has no chat guid", req.CommandID)
	}

	l.mu.Lock()
	onOutcome, rc, extra := l.onOutcome, l.failCode, l.failExtra
	l.mu.Unlock()

	o := delivery.Outcome{CommandID: req.CommandID, ResultCode: rc, ErrorCode: extra}
	if rc == delivery.ResultOK {
		now := l.now()
		o.URI = l.store.Put(&protocol.Message{
			Timestamp:      protocol.TimeSeconds(float64(now.UnixMilli()) / 1000),
			Subject:        req.Subject,
			Text:           req.Text,
			ChatGUID:       req.ChatGUID,
			IsFromMe:       true,
			Attachments:    req.Attachments,
			SentFromBridge: true,
			IsMMS:          req.IsMMS(),
		})
	}
	l.logger.Debug("loopback send", "command_id", req.CommandID, "uri", o.URI, "result_code", int(rc))

	if onOutcome != nil {
		// Outcomes arrive out of band, as from the platform's broadcast.
		go onOutcome(context.WithoutCancel(ctx), o)
	}
	return nil
}
