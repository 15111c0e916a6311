package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/mattjoyce/smsbridge/internal/log"
)

// Command tags exchanged with the bridge process.
const (
	// host -> process
	CommandMessage  = "message"
	CommandResponse = "response"
	CommandError    = "error"

	// process -> host
	CommandSendMessage       = "send_message"
	CommandSendMedia         = "send_media"
	CommandGetChats          = "get_chats"
	CommandGetChat           = "get_chat"
	CommandGetMessagesAfter  = "get_messages_after"
	CommandGetRecentMessages = "get_recent_messages"
	CommandPing              = "ping"
)

// NoReplyID is the id carried by commands that do not expect a reply.
const NoReplyID int64 = 0

// Error codes carried by Error records.
const (
	ErrCodeTimeout        = "timeout"
	ErrCodeUnsupported    = "unsupported"
	ErrCodeNetworkError   = "network_error"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnknownCommand = "unknown_command"
	ErrCodeInternal       = "internal_error"
)

// TimeSeconds is a unix timestamp in seconds, possibly fractional. It always
// serializes as a plain decimal, never in exponent form.
type TimeSeconds float64

// MarshalJSON renders the shortest decimal that round-trips to the same float64.
func (t TimeSeconds) MarshalJSON() ([]byte, error) {
	f := float64(t)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("timestamp is not finite: %v", f)
	}
	return []byte(strconv.FormatFloat(f, 'f', -1, 64)), nil
}

// String implements fmt.Stringer with the same formatting as the wire.
func (t TimeSeconds) String() string {
	return strconv.FormatFloat(float64(t), 'f', -1, 64)
}

// Command is an outbound record: one JSON object per line on the process's stdin.
type Command struct {
	Command string `json:"command"`
	ID      int64  `json:"id"`
	Data    any    `json:"data,omitempty"`
}

// Error is a failure record. It is sent as the data of an "error" command
// correlated to a request id, or arrives bare from the process.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (*Error) isInbound() {}

// Attachment is a file part of a Message.
type Attachment struct {
	MimeType   string `json:"mime_type,omitempty"`
	FileName   string `json:"file_name"`
	PathOnDisk string `json:"path_on_disk"`
}

// AssociatedMessage links a reaction or edit to its target message.
type AssociatedMessage struct {
	TargetGUID string `json:"target_guid"`
	Type       int    `json:"type"`
}

// Message is the reportable unit sent to the bridge as a "message" command.
// Fields tagged `json:"-"` are local bookkeeping and never go on the wire.
type Message struct {
	GUID                 string              `json:"guid"`
	Timestamp            TimeSeconds         `json:"timestamp"`
	Subject              string              `json:"subject"`
	Text                 string              `json:"text"`
	ChatGUID             string              `json:"chat_guid"`
	SenderGUID           string              `json:"sender_guid,omitempty"`
	IsFromMe             bool                `json:"is_from_me"`
	ThreadOriginatorGUID string              `json:"thread_originator_guid,omitempty"`
	ThreadOriginatorPart *int                `json:"thread_originator_part,omitempty"`
	Attachments          []Attachment        `json:"attachments,omitempty"`
	AssociatedMessage    []AssociatedMessage `json:"associated_message,omitempty"`
	GroupActionType      *int                `json:"group_action_type,omitempty"`
	NewGroupTitle        string              `json:"new_group_title,omitempty"`

	SentFromBridge bool   `json:"-"`
	IsMMS          bool   `json:"-"`
	ResponseStatus *int   `json:"-"`
	Creator        string `json:"-"`
	RowID          int64  `json:"-"`
	Thread         int64  `json:"-"`
	URI            string `json:"-"`
	SubID          *int   `json:"-"`
}

// LogValue redacts subject and text unless debug logging is enabled.
func (m *Message) LogValue() slog.Value {
	subject, text := "<redacted>", "<redacted>"
	if log.DebugEnabled() {
		subject, text = m.Subject, m.Text
	}
	return slog.GroupValue(
		slog.String("guid", m.GUID),
		slog.String("timestamp", m.Timestamp.String()),
		slog.String("subject", subject),
		slog.String("text", text),
		slog.String("chat_guid", m.ChatGUID),
		slog.String("sender_guid", m.SenderGUID),
		slog.Bool("is_from_me", m.IsFromMe),
		slog.Int("attachments", len(m.Attachments)),
		slog.Bool("sent_from_bridge", m.SentFromBridge),
		slog.Bool("is_mms", m.IsMMS),
		slog.Int64("row_id", m.RowID),
		slog.String("uri", m.URI),
	)
}

// SendResponse is the data of a successful reply to send_message/send_media.
type SendResponse struct {
	GUID      string      `json:"guid"`
	Timestamp TimeSeconds `json:"timestamp"`
}

// SendMessage asks the host to send a text message.
type SendMessage struct {
	ChatGUID string `json:"chat_guid"`
	Text     string `json:"text"`
	ReplyTo  string `json:"reply_to,omitempty"`
}

// SendMedia asks the host to send a file, optionally with a caption.
type SendMedia struct {
	ChatGUID   string `json:"chat_guid"`
	Text       string `json:"text,omitempty"`
	PathOnDisk string `json:"path_on_disk"`
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type,omitempty"`
}

// GetChats asks for chats active since MinTimestamp.
type GetChats struct {
	MinTimestamp TimeSeconds `json:"min_timestamp"`
}

// GetChat asks for chat details.
type GetChat struct {
	ChatGUID string `json:"chat_guid"`
}

// ChatInfo is the reply to GetChat.
type ChatInfo struct {
	Title   string   `json:"title"`
	Members []string `json:"members"`
}

// GetMessagesAfter asks for messages in a chat newer than Timestamp.
type GetMessagesAfter struct {
	ChatGUID  string      `json:"chat_guid"`
	Timestamp TimeSeconds `json:"timestamp"`
}

// GetRecentMessages asks for the newest Limit messages in a chat.
type GetRecentMessages struct {
	ChatGUID string `json:"chat_guid"`
	Limit    int    `json:"limit"`
}

// Inbound is anything the codec decodes from the process's stdout:
// *Incoming or a bare *Error.
type Inbound interface {
	isInbound()
}

// Incoming is a command read from the process. Payload holds the typed
// variant selected by the command tag; it is nil for "response" and for
// tags this host does not know.
type Incoming struct {
	Command string
	ID      int64
	Data    json.RawMessage
	Payload any
}

func (*Incoming) isInbound() {}

// AsError reports whether the command carries a failure: an "error" command,
// or a "response" whose data is an Error object.
func (in *Incoming) AsError() (*Error, bool) {
	if in.Command != CommandError && in.Command != CommandResponse {
		return nil, false
	}
	if len(in.Data) == 0 {
		if in.Command == CommandError {
			return &Error{Code: ErrCodeInternal}, true
		}
		return nil, false
	}
	var e Error
	if err := json.Unmarshal(in.Data, &e); err != nil || e.Code == "" {
		if in.Command == CommandError {
			return &Error{Code: ErrCodeInternal, Message: string(in.Data)}, true
		}
		return nil, false
	}
	return &e, true
}
