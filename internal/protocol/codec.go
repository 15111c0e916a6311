package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol matches every *ProtocolError via errors.Is.
var ErrProtocol = errors.New("protocol error")

// ProtocolError reports a line that could not be decoded. The stream it came
// from stays usable; callers log and discard the line.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// payloadTypes maps a command tag to a constructor for its typed data.
var payloadTypes = map[string]func() any{
	CommandSendMessage:       func() any { return &SendMessage{} },
	CommandSendMedia:         func() any { return &SendMedia{} },
	CommandGetChats:          func() any { return &GetChats{} },
	CommandGetChat:           func() any { return &GetChat{} },
	CommandGetMessagesAfter:  func() any { return &GetMessagesAfter{} },
	CommandGetRecentMessages: func() any { return &GetRecentMessages{} },
	CommandPing:              func() any { return &struct{}{} },
}

// EncodeLine serializes v to a single newline-terminated JSON line.
func EncodeLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

type envelope struct {
	Command string          `json:"command"`
	ID      *int64          `json:"id"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// Decode parses one line from the process. Unknown fields are ignored.
// It returns *Incoming for tagged commands and *Error for bare error records.
func Decode(line []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, &ProtocolError{Line: string(line), Err: errors.New("empty line")}
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &ProtocolError{Line: string(line), Err: fmt.Errorf("invalid JSON: %w", err)}
	}

	if env.Command == "" {
		if env.Code != "" {
			return &Error{Code: env.Code, Message: env.Message}, nil
		}
		return nil, &ProtocolError{Line: string(line), Err: errors.New("record missing required field: command")}
	}

	in := &Incoming{Command: env.Command, Data: env.Data}
	if env.ID != nil {
		if *env.ID < 0 {
			return nil, &ProtocolError{Line: string(line), Err: fmt.Errorf("negative command id: %d", *env.ID)}
		}
		in.ID = *env.ID
	}

	if newPayload, ok := payloadTypes[env.Command]; ok {
		payload := newPayload()
		if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
			if err := json.Unmarshal(env.Data, payload); err != nil {
				return nil, &ProtocolError{Line: string(line), Err: fmt.Errorf("invalid %s data: %w", env.Command, err)}
			}
		}
		in.Payload = payload
	}

	return in, nil
}

// DecodeData unmarshals the data of a reply into v.
func DecodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("reply has no data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode reply data: %w", err)
	}
	return nil
}
