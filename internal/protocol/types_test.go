package protocol

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestMessageLogValueRedactsBody(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	msg := &Message{GUID: "7", Subject: "secret subject", Text: "secret body", ChatGUID: "SMS;-;+1"}
	logger.Info("reporting", "message", msg)

	out := buf.String()
	if strings.Contains(out, "secret") {
		t.Fatalf("message body leaked into log: %s", out)
	}
	if !strings.Contains(out, `"guid":"7"`) {
		t.Fatalf("expected guid in log: %s", out)
	}
}

func TestTimeSecondsString(t *testing.T) {
	if got := TimeSeconds(1.5e10).String(); got != "15000000000" {
		t.Fatalf("String() = %q", got)
	}
}

func TestErrorString(t *testing.T) {
	if got := (&Error{Code: "timeout"}).Error(); got != "timeout" {
		t.Errorf("got %q", got)
	}
	if got := (&Error{Code: "timeout", Message: "radio off"}).Error(); got != "timeout: radio off" {
		t.Errorf("got %q", got)
	}
}
