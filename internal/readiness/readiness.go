// Package readiness decides when a locally observed message record is
// complete enough to be reported to the bridge.
//
// The device store writes rows incrementally: the body and MMS parts can land
// after the row itself, and the delivery status of an outgoing MMS arrives after
// submission. Decide classifies a record as Ready, Retry (not populated yet),
// Drop (originated from the bridge; reporting it would echo it back) or
// NotFound (terminal).
package readiness

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/smsbridge/internal/protocol"
)

// MMSServiceCreator is the creator package of MMS rows written by the
// platform's MMS service while a send is still in flight.
const MMSServiceCreator = "com.android.mms.service"

var (
	// ErrNotFound means the record could not be resolved at all.
	ErrNotFound = errors.New("message record not found")
	// ErrIncomplete means the store has not finished populating the record.
	ErrIncomplete = errors.New("message record incomplete")
)

// Decision is the outcome of a readiness check.
type Decision int

const (
	Ready Decision = iota
	Retry
	Drop
	NotFound
)

func (d Decision) String() string {
	switch d {
	case Ready:
		return "ready"
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	case NotFound:
		return "not_found"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Decide classifies m. The returned error explains Retry and NotFound
// decisions and is nil otherwise.
func Decide(m *protocol.Message) (Decision, error) {
	if m == nil {
		return NotFound, ErrNotFound
	}
	if m.SentFromBridge {
		return Drop, nil
	}
	if len(m.Attachments) == 0 && m.Text == "" {
		if m.IsMMS {
			return Retry, fmt.Errorf("%w: waiting for attachments", ErrIncomplete)
		}
		return Retry, fmt.Errorf("%w: waiting for body", ErrIncomplete)
	}
	if m.IsFromMe && m.IsMMS && m.ResponseStatus == nil && m.Creator == MMSServiceCreator {
		return Retry, fmt.Errorf("%w: waiting for response status", ErrIncomplete)
	}
	return Ready, nil
}
