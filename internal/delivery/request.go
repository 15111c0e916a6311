package delivery

import "github.com/mattjoyce/smsbridge/internal/protocol"

// Request asks the platform sender to transmit a message. The sender later
// raises an Outcome carrying the same CommandID.
type Request struct {
	CommandID int64
	ChatGUID  string
	// Recipients are the normalized participant numbers of ChatGUID.
	Recipients  []string
	Text        string
	Subject     string
	Attachments []protocol.Attachment
}

// IsMMS reports whether the request needs a multimedia message: any
// attachment, a subject, or more than one recipient.
func (r Request) IsMMS() bool {
	return len(r.Attachments) > 0 || r.Subject != "" || len(r.Recipients) > 1
}
