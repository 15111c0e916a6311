package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/smsbridge/internal/bridge"
	"github.com/mattjoyce/smsbridge/internal/delivery"
	"github.com/mattjoyce/smsbridge/internal/events"
	"github.com/mattjoyce/smsbridge/internal/supervisor"
)

const testKey = "test-key"

// mockBridge implements Bridge for testing
type mockBridge struct {
	status     bridge.Status
	notified   []string
	notifyErr  error
	outcomes   []delivery.Outcome
	outcomeErr error
	stops      int
	report     *supervisor.ResetReport
	resetErr   error
}

func (m *mockBridge) Status(context.Context) bridge.Status { return m.status }

func (m *mockBridge) Notify(_ context.Context, uri string) error {
	m.notified = append(m.notified, uri)
	return m.notifyErr
}

func (m *mockBridge) HandleOutcome(_ context.Context, o delivery.Outcome) error {
	m.outcomes = append(m.outcomes, o)
	return m.outcomeErr
}

func (m *mockBridge) Stop() error {
	m.stops++
	return nil
}

func (m *mockBridge) SignOut(context.Context) (*supervisor.ResetReport, error) {
	return m.report, m.resetErr
}

func newTestServer(b *mockBridge, hub *events.Hub) http.Handler {
	return New(Config{APIKey: testKey}, b, hub, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzNoAuth(t *testing.T) {
	t.Parallel()

	b := &mockBridge{status: bridge.Status{
		Process:    supervisor.Status{State: supervisor.StateRunning, PID: 42, Generation: 3},
		Pending:    2,
		QueueDepth: 5,
	}}
	rr := do(t, newTestServer(b, nil), http.MethodGet, "/healthz", "", false)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp HealthzResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Bridge.Pending != 2 || resp.Bridge.QueueDepth != 5 || resp.Bridge.Process.PID != 42 {
		t.Fatalf("unexpected healthz response: %+v", resp)
	}
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	t.Parallel()

	h := newTestServer(&mockBridge{}, nil)
	for _, path := range []string{"/records", "/outcomes", "/bridge/stop", "/bridge/reset"} {
		rr := do(t, h, http.MethodPost, path, `{}`, false)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without key: status = %d, want 401", path, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/bridge/stop", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", rr.Code)
	}
}

func TestEmptyConfiguredKeyRejectsAll(t *testing.T) {
	t.Parallel()

	h := New(Config{}, &mockBridge{}, nil, nil).Handler()
	rr := do(t, h, http.MethodPost, "/bridge/stop", "", true)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestRecordQueuesURI(t *testing.T) {
	t.Parallel()

	b := &mockBridge{}
	h := newTestServer(b, nil)

	rr := do(t, h, http.MethodPost, "/records", `{"uri":" content://mms/7 "}`, true)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body.String())
	}
	if len(b.notified) != 1 || b.notified[0] != "content://mms/7" {
		t.Fatalf("notified = %v", b.notified)
	}

	for _, body := range []string{`{"uri":""}`, `not json`} {
		if rr := do(t, h, http.MethodPost, "/records", body, true); rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rr.Code)
		}
	}

	b.notifyErr = errors.New("disk full")
	if rr := do(t, h, http.MethodPost, "/records", `{"uri":"content://sms/1"}`, true); rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestOutcomeForwarded(t *testing.T) {
	t.Parallel()

	b := &mockBridge{}
	h := newTestServer(b, nil)

	rr := do(t, h, http.MethodPost, "/outcomes", `{"command_id":9,"result_code":2}`, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	want := delivery.Outcome{CommandID: 9, ResultCode: delivery.ResultErrorRadioOff}
	if len(b.outcomes) != 1 || b.outcomes[0] != want {
		t.Fatalf("outcomes = %+v, want %+v", b.outcomes, want)
	}

	if rr := do(t, h, http.MethodPost, "/outcomes", `{"command_id":9}`, true); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing result_code: status = %d, want 400", rr.Code)
	}

	b.outcomeErr = delivery.ErrMissingCommandID
	if rr := do(t, h, http.MethodPost, "/outcomes", `{"result_code":-1}`, true); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing command id: status = %d, want 400", rr.Code)
	}

	b.outcomeErr = errors.New("bridge process unavailable")
	if rr := do(t, h, http.MethodPost, "/outcomes", `{"command_id":3,"result_code":-1}`, true); rr.Code != http.StatusBadGateway {
		t.Fatalf("send failure: status = %d, want 502", rr.Code)
	}
}

func TestStopAndReset(t *testing.T) {
	t.Parallel()

	b := &mockBridge{report: &supervisor.ResetReport{
		Removed: []string{"/data/bridge.db"},
		Failed:  map[string]string{"/data/logs": "permission denied"},
	}}
	h := newTestServer(b, nil)

	if rr := do(t, h, http.MethodPost, "/bridge/stop", "", true); rr.Code != http.StatusOK {
		t.Fatalf("stop: status = %d", rr.Code)
	}
	if b.stops != 1 {
		t.Fatalf("stops = %d, want 1", b.stops)
	}

	b.resetErr = errors.New("stop bridge process: process did not exit within grace period")
	rr := do(t, h, http.MethodPost, "/bridge/reset", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("reset: status = %d", rr.Code)
	}
	var report supervisor.ResetReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Removed) != 1 || report.Failed["/data/logs"] != "permission denied" {
		t.Fatalf("unexpected report: %+v", report)
	}

	b.report = nil
	if rr := do(t, h, http.MethodPost, "/bridge/reset", "", true); rr.Code != http.StatusInternalServerError {
		t.Fatalf("reset without report: status = %d, want 500", rr.Code)
	}
}

func TestEventsReplaysBufferedEvents(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(16)
	hub.Publish(events.ProcessStarted, map[string]any{"pid": 7})
	h := newTestServer(&mockBridge{}, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	body := rr.Body.String()
	if !strings.Contains(body, "event: process.started\n") || !strings.Contains(body, `data: {"pid":7}`) {
		t.Fatalf("unexpected stream: %q", body)
	}
	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
}

func TestEventsFiltersTypesAndResumes(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(16)
	hub.Publish(events.ProcessStarted, map[string]any{"pid": 7})
	hub.Publish(events.CommandSent, map[string]any{"command": "message"})
	hub.Publish(events.ProcessExited, map[string]any{"pid": 7})
	hub.Publish(events.ProcessStarted, map[string]any{"pid": 8})
	h := newTestServer(&mockBridge{}, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?types=process.exited,process.started", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Last-Event-ID", "1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	body := rr.Body.String()
	if !strings.HasPrefix(body, "retry: 3000\n\n") {
		t.Fatalf("stream should open with a retry hint: %q", body)
	}
	for _, want := range []string{"id: 3\nevent: process.exited\n", "id: 4\nevent: process.started\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q: %q", want, body)
		}
	}
	for _, unwanted := range []string{"id: 1\n", "command.sent"} {
		if strings.Contains(body, unwanted) {
			t.Errorf("stream should not contain %q: %q", unwanted, body)
		}
	}
}

func TestEventsStreamsLiveEvents(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(16)
	srv := httptest.NewServer(newTestServer(&mockBridge{}, hub))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?types=record.reported", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	lines := bufio.NewReader(resp.Body)
	if first, err := lines.ReadString('\n'); err != nil || first != "retry: 3000\n" {
		t.Fatalf("first line = %q, %v", first, err)
	}

	// The subscription exists once headers are out.
	hub.Publish(events.RecordDeferred, map[string]string{"uri": "content://mms/1"})
	hub.Publish(events.RecordReported, map[string]string{"uri": "content://mms/1"})

	for {
		line, err := lines.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before the reported event: %v", err)
		}
		if strings.Contains(line, "record.deferred") {
			t.Fatalf("filtered event delivered: %q", line)
		}
		if line == "event: record.reported\n" {
			break
		}
	}
	data, err := lines.ReadString('\n')
	if err != nil || data != `data: {"uri":"content://mms/1"}`+"\n" {
		t.Fatalf("data line = %q, %v", data, err)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	t.Parallel()

	rr := do(t, newTestServer(&mockBridge{}, nil), http.MethodGet, "/openapi.json", "", false)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, path := range []string{"/healthz", "/records", "/outcomes", "/bridge/stop", "/bridge/reset", "/events"} {
		if _, ok := doc.Paths[path]; !ok {
			t.Errorf("missing path %s", path)
		}
	}
}
