package protocol

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestEncodeLine(t *testing.T) {
	partOne := 1
	tests := []struct {
		name    string
		value   any
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "message command",
			value: Command{
				Command: CommandMessage,
				ID:      NoReplyID,
				Data: &Message{
					GUID:                 "12",
					Timestamp:            1690000000,
					Text:                 "hello <world> & co",
					ChatGUID:             "SMS;-;+15551234567",
					SenderGUID:           "SMS;-;+15551234567",
					ThreadOriginatorPart: &partOne,
					Attachments: []Attachment{
						{MimeType: "image/png", FileName: "a.png", PathOnDisk: "/tmp/a.png"},
					},
					SentFromBridge: true,
					IsMMS:          true,
					RowID:          99,
					URI:            "content://mms/12",
					Creator:        "com.example",
				},
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.HasSuffix(output, "\n") || strings.Count(output, "\n") != 1 {
					t.Fatalf("want exactly one trailing newline, got %q", output)
				}
				for _, want := range []string{
					`"command":"message"`,
					`"guid":"12"`,
					`"timestamp":1690000000`,
					`"text":"hello <world> & co"`,
					`"thread_originator_part":1`,
					`"path_on_disk":"/tmp/a.png"`,
				} {
					if !strings.Contains(output, want) {
						t.Errorf("missing %s in %s", want, output)
					}
				}
				for _, banned := range []string{"SentFromBridge", "sent_from_bridge", "row_id", "RowID", "content://", "com.example", "IsMMS"} {
					if strings.Contains(output, banned) {
						t.Errorf("bookkeeping field %q leaked into %s", banned, output)
					}
				}
			},
		},
		{
			name:  "error record",
			value: Command{Command: CommandError, ID: 9, Data: &Error{Code: ErrCodeTimeout, Message: "ERROR_RADIO_OFF"}},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"data":{"code":"timeout","message":"ERROR_RADIO_OFF"}`) {
					t.Errorf("unexpected error encoding: %s", output)
				}
				if !strings.Contains(output, `"id":9`) {
					t.Errorf("missing id: %s", output)
				}
			},
		},
		{
			name:    "non-finite timestamp",
			value:   SendResponse{GUID: "1", Timestamp: TimeSeconds(math.Inf(1))},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := EncodeLine(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, string(line))
			}
		})
	}
}

func TestTimeSecondsNeverUsesExponent(t *testing.T) {
	values := []float64{
		0, 1, 1.5, 1690000000, 1690000000.123456, 1e21, 1.23e4, 5e-7, 123456789012345678, -42.25,
		math.MaxFloat64, math.SmallestNonzeroFloat64,
	}
	for _, v := range values {
		line, err := EncodeLine(SendResponse{GUID: "x", Timestamp: TimeSeconds(v)})
		if err != nil {
			t.Fatalf("encode %v: %v", v, err)
		}
		_, number, _ := strings.Cut(string(line), `"timestamp":`)
		number = strings.TrimSuffix(strings.TrimSpace(number), "}")
		if strings.ContainsAny(number, "eE") {
			t.Errorf("encode %v produced exponent: %s", v, number)
		}

		var decoded SendResponse
		if err := json.Unmarshal(line, &decoded); err != nil {
			t.Fatalf("decode %s: %v", line, err)
		}
		if float64(decoded.Timestamp) != v {
			t.Errorf("round trip %v -> %s -> %v", v, line, float64(decoded.Timestamp))
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, in Inbound)
	}{
		{
			name:  "response with data",
			input: `{"command":"response","id":7,"data":{"guid":"42","timestamp":1690000000}}`,
			checkFn: func(t *testing.T, in Inbound) {
				cmd, ok := in.(*Incoming)
				if !ok {
					t.Fatalf("want *Incoming, got %T", in)
				}
				if cmd.ID != 7 || cmd.Command != CommandResponse {
					t.Fatalf("unexpected command %+v", cmd)
				}
				if cmd.Payload != nil {
					t.Errorf("response payload should stay raw")
				}
				var resp SendResponse
				if err := DecodeData(cmd.Data, &resp); err != nil {
					t.Fatalf("DecodeData: %v", err)
				}
				if resp.GUID != "42" || resp.Timestamp != 1690000000 {
					t.Errorf("unexpected response %+v", resp)
				}
				if _, isErr := cmd.AsError(); isErr {
					t.Errorf("success response reported as error")
				}
			},
		},
		{
			name:  "send_message tagged payload",
			input: `{"command":"send_message","id":3,"data":{"chat_guid":"SMS;-;+15551234567","text":"hi","future_field":true}}`,
			checkFn: func(t *testing.T, in Inbound) {
				cmd := in.(*Incoming)
				send, ok := cmd.Payload.(*SendMessage)
				if !ok {
					t.Fatalf("want *SendMessage, got %T", cmd.Payload)
				}
				if send.ChatGUID != "SMS;-;+15551234567" || send.Text != "hi" {
					t.Errorf("unexpected payload %+v", send)
				}
			},
		},
		{
			name:  "unknown command tag is kept",
			input: `{"command":"bridge_status","id":0,"data":{"state":"CONNECTED"}}`,
			checkFn: func(t *testing.T, in Inbound) {
				cmd := in.(*Incoming)
				if cmd.Payload != nil {
					t.Errorf("unknown tag should have nil payload")
				}
				if string(cmd.Data) != `{"state":"CONNECTED"}` {
					t.Errorf("raw data lost: %s", cmd.Data)
				}
			},
		},
		{
			name:  "bare error",
			input: `{"code":"network_error","message":"boom"}`,
			checkFn: func(t *testing.T, in Inbound) {
				e, ok := in.(*Error)
				if !ok {
					t.Fatalf("want *Error, got %T", in)
				}
				if e.Code != ErrCodeNetworkError || e.Message != "boom" {
					t.Errorf("unexpected error %+v", e)
				}
			},
		},
		{
			name:  "error command",
			input: `{"command":"error","id":5,"data":{"code":"unsupported","message":"nope"}}`,
			checkFn: func(t *testing.T, in Inbound) {
				e, ok := in.(*Incoming).AsError()
				if !ok || e.Code != ErrCodeUnsupported {
					t.Errorf("want unsupported error, got %+v ok=%v", e, ok)
				}
			},
		},
		{
			name:  "response carrying error",
			input: `{"command":"response","id":5,"data":{"code":"timeout","message":"slow"}}`,
			checkFn: func(t *testing.T, in Inbound) {
				e, ok := in.(*Incoming).AsError()
				if !ok || e.Code != ErrCodeTimeout {
					t.Errorf("want timeout error, got %+v ok=%v", e, ok)
				}
			},
		},
		{name: "malformed json", input: `{"command":"response",`, wantErr: true},
		{name: "empty line", input: "   ", wantErr: true},
		{name: "missing command", input: `{"id":4}`, wantErr: true},
		{name: "negative id", input: `{"command":"ping","id":-1}`, wantErr: true},
		{name: "bad payload shape", input: `{"command":"get_recent_messages","id":1,"data":{"limit":"ten"}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Decode([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Errorf("want ErrProtocol, got %v", err)
				}
				var perr *ProtocolError
				if !errors.As(err, &perr) || perr.Line != tt.input {
					t.Errorf("ProtocolError should carry the raw line, got %v", err)
				}
				return
			}
			tt.checkFn(t, in)
		})
	}
}
