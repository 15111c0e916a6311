package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/smsbridge/internal/log"
	"github.com/mattjoyce/smsbridge/internal/protocol"
)

// ErrMissingCommandID rejects outcomes that cannot be correlated.
var ErrMissingCommandID = errors.New("delivery outcome has no command id")

// Outcome is a per-message send result raised by the sender, tagged with
// the command id of the send request and the store URI of the sent record.
type Outcome struct {
	CommandID  int64      `json:"command_id"`
	URI        string     `json:"uri,omitempty"`
	ResultCode ResultCode `json:"result_code"`
	// ErrorCode is the platform's supplementary error code, if any.
	ErrorCode string `json:"error_code,omitempty"`
}

// Succeeded reports whether the platform accepted the message.
func (o Outcome) Succeeded() bool { return o.ResultCode == ResultOK }

// Store resolves the sent record to recover its guid and timestamp.
type Store interface {
	MessageByURI(ctx context.Context, uri string) (*protocol.Message, error)
}

// Replier answers remote-initiated commands; the correlation engine
// implements it.
type Replier interface {
	Reply(ctx context.Context, id int64, data any) <-chan error
	ReplyError(ctx context.Context, id int64, code, message string) <-chan error
}

// Reporter turns outcomes into correlated "response" or "error" commands.
type Reporter struct {
	store   Store
	replier Replier
	logger  *slog.Logger
	now     func() time.Time
	newGUID func() string
}

// NewReporter creates a Reporter. A nil logger uses the component default.
func NewReporter(store Store, replier Replier, logger *slog.Logger) *Reporter {
	return &Reporter{
		store:   store,
		replier: replier,
		logger:  log.OrComponent(logger, "delivery"),
		now:     time.Now,
		newGUID: uuid.NewString,
	}
}

// HandleOutcome replies to the send request identified by o.CommandID.
// On success the reply carries the stored message's guid and timestamp,
// or a random guid and the current time when the record cannot be found.
func (r *Reporter) HandleOutcome(ctx context.Context, o Outcome) error {
	logger := r.logger.With("command_id", o.CommandID, "uri", o.URI, "result_code", int(o.ResultCode))
	if o.CommandID == protocol.NoReplyID {
		logger.Error("missing command id on delivery outcome")
		return ErrMissingCommandID
	}

	if !o.Succeeded() {
		derr := ToError(o.ResultCode, o.ErrorCode)
		logger.Warn("message delivery failed", "code", derr.Code, "message", derr.Message)
		if err := <-r.replier.ReplyError(ctx, o.CommandID, derr.Code, derr.Message); err != nil {
			return fmt.Errorf("report delivery failure: %w", err)
		}
		return nil
	}

	var m *protocol.Message
	if o.URI != "" {
		var err error
		m, err = r.store.MessageByURI(ctx, o.URI)
		if err != nil {
			logger.Warn("failed to look up sent message", "error", err)
		}
	}

	resp := protocol.SendResponse{}
	if m != nil {
		resp.GUID, resp.Timestamp = m.GUID, m.Timestamp
	} else {
		resp.GUID = r.newGUID()
		resp.Timestamp = protocol.TimeSeconds(float64(r.now().UnixMilli()) / 1000)
		logger.Debug("sent message not in store, using generated guid", "guid", resp.GUID)
	}

	if err := <-r.replier.Reply(ctx, o.CommandID, resp); err != nil {
		return fmt.Errorf("report delivery: %w", err)
	}
	logger.Info("message delivered", "guid", resp.GUID)
	return nil
}
