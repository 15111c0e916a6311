package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/smsbridge/internal/events"
	"github.com/mattjoyce/smsbridge/internal/protocol"
)

// bufferSource records every write into one shared buffer.
type bufferSource struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	err    error
	gen    uint64
	writes int
}

func (s *bufferSource) Stdin(context.Context) (io.Writer, uint64, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	return s, s.gen, nil
}

func (s *bufferSource) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return s.buf.Write(p)
}

func (s *bufferSource) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Split(strings.TrimSuffix(s.buf.String(), "\n"), "\n")
}

type brokenPipe struct{}

func (brokenPipe) Stdin(context.Context) (io.Writer, uint64, error) { return brokenPipe{}, 1, nil }
func (brokenPipe) Write([]byte) (int, error)                        { return 0, errors.New("write |1: broken pipe") }

func startDispatcher(t *testing.T, src WriterSource, opts ...Option) *Dispatcher {
	t.Helper()
	d := New(src, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func TestSendWritesOneLine(t *testing.T) {
	src := &bufferSource{}
	d := startDispatcher(t, src)

	cmd := protocol.Command{
		Command: protocol.CommandMessage,
		ID:      protocol.NoReplyID,
		Data: protocol.Message{
			GUID:       "abc",
			Timestamp:  1700000000.123,
			ChatGUID:   "SMS;-;+15551234567",
			SenderGUID: "+15551234567",
			Text:       "hi",
		},
	}
	require.NoError(t, d.SendWait(context.Background(), cmd))

	lines := src.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"timestamp":1700000000.123`)
	assert.Equal(t, 1, src.writes)
	assert.Equal(t, int64(1), d.Stats().Sent)
}

func TestSendPreservesSubmissionOrder(t *testing.T) {
	src := &bufferSource{}
	d := startDispatcher(t, src)

	var results []<-chan error
	for i := int64(1); i <= 20; i++ {
		results = append(results, d.Send(context.Background(), protocol.Command{Command: protocol.CommandResponse, ID: i}))
	}
	for _, ch := range results {
		require.NoError(t, <-ch)
	}

	lines := src.lines()
	require.Len(t, lines, 20)
	for i, line := range lines {
		var got struct {
			ID int64 `json:"id"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &got))
		assert.Equal(t, int64(i+1), got.ID)
	}
}

func TestConcurrentSendsNeverInterleave(t *testing.T) {
	src := &bufferSource{}
	d := startDispatcher(t, src)

	const n = 50
	text := strings.Repeat("x", 4096)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := d.SendWait(context.Background(), protocol.Command{
				Command: protocol.CommandMessage,
				Data:    map[string]any{"n": i, "text": text},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	lines := src.lines()
	require.Len(t, lines, n)
	seen := map[int]bool{}
	for _, line := range lines {
		var got struct {
			Data struct {
				N int `json:"n"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &got), "corrupted line")
		seen[got.Data.N] = true
	}
	assert.Len(t, seen, n)
}

func TestOnWrittenReportsGeneration(t *testing.T) {
	type write struct {
		command string
		id      int64
		gen     uint64
	}
	var got []write
	src := &bufferSource{gen: 4}
	d := startDispatcher(t, src, OnWritten(func(command string, id int64, gen uint64) {
		got = append(got, write{command, id, gen})
	}))

	require.NoError(t, d.SendWait(context.Background(), protocol.Command{Command: protocol.CommandGetChats, ID: 7}))
	src.mu.Lock()
	src.gen = 5
	src.mu.Unlock()
	require.NoError(t, d.SendWait(context.Background(), &protocol.Command{Command: protocol.CommandResponse, ID: 3}))

	assert.Equal(t, []write{
		{protocol.CommandGetChats, 7, 4},
		{protocol.CommandResponse, 3, 5},
	}, got)
}

func TestOnWrittenSkipsFailedWrites(t *testing.T) {
	called := false
	d := startDispatcher(t, brokenPipe{}, OnWritten(func(string, int64, uint64) { called = true }))
	require.Error(t, d.SendWait(context.Background(), protocol.Command{Command: protocol.CommandMessage}))
	assert.False(t, called)
}

func TestSendUnavailableProcess(t *testing.T) {
	hub := events.NewHub(8)
	src := &bufferSource{err: errors.New("bridge config not available")}
	d := startDispatcher(t, src, WithEvents(hub))

	err := d.SendWait(context.Background(), protocol.Command{Command: protocol.CommandMessage})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int64(1), d.Stats().Dropped)

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, events.CommandDropped, snap[0].Type)
}

func TestSendWriteFailure(t *testing.T) {
	d := startDispatcher(t, brokenPipe{})
	err := d.SendWait(context.Background(), protocol.Command{Command: protocol.CommandMessage})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestSendEncodeFailure(t *testing.T) {
	src := &bufferSource{}
	d := startDispatcher(t, src)

	err := d.SendWait(context.Background(), protocol.Command{
		Command: protocol.CommandMessage,
		Data:    protocol.Message{Timestamp: protocol.TimeSeconds(math.NaN())},
	})
	require.Error(t, err)
	assert.Zero(t, src.writes)
}

func TestSendCancelledContext(t *testing.T) {
	src := &bufferSource{}
	d := New(src) // not started, nothing drains the backlog
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.SendWait(ctx, protocol.Command{Command: protocol.CommandMessage})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, d.Stats().Queued)
}

func TestSendAfterStop(t *testing.T) {
	src := &bufferSource{}
	d := New(src)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	err := d.SendWait(context.Background(), protocol.Command{Command: protocol.CommandMessage})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Zero(t, src.writes)
}
