package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/smsbridge/internal/readiness"
	"github.com/mattjoyce/smsbridge/internal/storage"
)

func openQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, opts)
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()

	q := openQueue(t, Options{})
	ctx := context.Background()

	id1, created, err := q.Enqueue(ctx, "content://sms/1")
	if err != nil || !created {
		t.Fatalf("Enqueue 1: id=%q created=%v err=%v", id1, created, err)
	}
	id2, _, err := q.Enqueue(ctx, "content://sms/2")
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	j1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if j1 == nil || j1.ID != id1 || j1.Status != StatusRunning || j1.StartedAt == nil || j1.Attempt != 1 {
		t.Fatalf("unexpected job1: %#v", j1)
	}

	j2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if j2 == nil || j2.ID != id2 || j2.URI != "content://sms/2" {
		t.Fatalf("unexpected job2: %#v", j2)
	}

	j3, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 3: %v", err)
	}
	if j3 != nil {
		t.Fatalf("expected empty queue, got %#v", j3)
	}
}

func TestQueueEnqueueDedupesActiveURI(t *testing.T) {
	t.Parallel()

	q := openQueue(t, Options{})
	ctx := context.Background()

	id1, _, err := q.Enqueue(ctx, "content://mms/7")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, created, err := q.Enqueue(ctx, "content://mms/7")
	if err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	if created || id2 != id1 {
		t.Fatalf("duplicate enqueue created a job: id1=%q id2=%q created=%v", id1, id2, created)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("Depth = %d, want 1", depth)
	}

	// Once finished, the same URI can be queued again.
	j, _ := q.Dequeue(ctx)
	if err := q.Complete(ctx, j.ID, StatusSucceeded, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	id3, created, err := q.Enqueue(ctx, "content://mms/7")
	if err != nil || !created || id3 == id1 {
		t.Fatalf("re-enqueue after completion: id=%q created=%v err=%v", id3, created, err)
	}
}

func TestQueueRetryBackoffAndDead(t *testing.T) {
	t.Parallel()

	q := openQueue(t, Options{MaxAttempts: 3, BackoffBase: time.Second})
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := base
	q.now = func() time.Time { return clock }

	id, _, err := q.Enqueue(ctx, "content://mms/9")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, delay := range wantDelays {
		j, err := q.Dequeue(ctx)
		if err != nil || j == nil {
			t.Fatalf("Dequeue attempt %d: job=%v err=%v", i+1, j, err)
		}
		status, err := q.Retry(ctx, id, "waiting for attachments")
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if status != StatusQueued {
			t.Fatalf("status = %q, want queued", status)
		}

		j, _ = q.Get(ctx, id)
		if j.NextRetryAt == nil || !j.NextRetryAt.Equal(clock.Add(delay)) {
			t.Fatalf("attempt %d next_retry_at = %v, want %v", i+1, j.NextRetryAt, clock.Add(delay))
		}
		if j.Attempt != i+2 {
			t.Fatalf("attempt = %d, want %d", j.Attempt, i+2)
		}

		// Not due yet.
		if early, _ := q.Dequeue(ctx); early != nil {
			t.Fatalf("job dequeued before backoff elapsed")
		}
		clock = clock.Add(delay)
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("final Dequeue: %v", err)
	}
	status, err := q.Retry(ctx, id, "still waiting")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if status != StatusDead {
		t.Fatalf("status = %q, want dead", status)
	}
	j, _ := q.Get(ctx, id)
	if j.Status != StatusDead || j.CompletedAt == nil || j.LastError == nil || *j.LastError != "still waiting" {
		t.Fatalf("unexpected dead job: %#v", j)
	}
}

func TestQueueBackoffCapped(t *testing.T) {
	t.Parallel()

	q := New(nil, Options{BackoffBase: time.Minute, MaxBackoff: 10 * time.Minute})
	cases := map[int]time.Duration{
		0:  time.Minute,
		1:  time.Minute,
		2:  2 * time.Minute,
		4:  8 * time.Minute,
		5:  10 * time.Minute,
		60: 10 * time.Minute,
	}
	for attempt, want := range cases {
		if got := q.Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestQueueEnqueueMakesQueuedJobDue(t *testing.T) {
	t.Parallel()

	q := openQueue(t, Options{BackoffBase: time.Hour})
	ctx := context.Background()

	id, _, _ := q.Enqueue(ctx, "content://mms/1")
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := q.Retry(ctx, id, "waiting"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if j, _ := q.Dequeue(ctx); j != nil {
		t.Fatal("job should be waiting for backoff")
	}

	// A fresh store notification for the same record skips the wait.
	if _, created, _ := q.Enqueue(ctx, "content://mms/1"); created {
		t.Fatal("expected dedupe")
	}
	j, err := q.Dequeue(ctx)
	if err != nil || j == nil || j.ID != id {
		t.Fatalf("expected rescheduled job, got %v (err=%v)", j, err)
	}
}

func TestQueueCompleteRejectsNonTerminal(t *testing.T) {
	t.Parallel()

	q := openQueue(t, Options{})
	ctx := context.Background()
	if err := q.Complete(ctx, "x", StatusQueued, nil); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if err := q.Complete(ctx, "missing", StatusFailed, nil); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Complete missing job: %v", err)
	}
	if _, err := q.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Get missing job: %v", err)
	}
}

func TestQueueRecoverRunning(t *testing.T) {
	t.Parallel()

	q := openQueue(t, Options{})
	ctx := context.Background()
	if _, _, err := q.Enqueue(ctx, "content://sms/5"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := q.RecoverRunning(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverRunning = %d, %v", n, err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("Depth = %d, want 1", depth)
	}
}

type stubReporter map[string]struct {
	decision readiness.Decision
	err      error
}

func (s stubReporter) Report(_ context.Context, uri string) (readiness.Decision, error) {
	r := s[uri]
	return r.decision, r.err
}

func TestWorkerMapsDecisions(t *testing.T) {
	t.Parallel()

	q := openQueue(t, Options{MaxAttempts: 5})
	ctx := context.Background()
	reporter := stubReporter{
		"content://sms/ready": {decision: readiness.Ready},
		"content://sms/drop":  {decision: readiness.Drop},
		"content://sms/gone":  {decision: readiness.NotFound, err: readiness.ErrNotFound},
		"content://mms/wait":  {decision: readiness.Retry, err: readiness.ErrIncomplete},
	}
	ids := map[string]string{}
	for _, uri := range []string{"content://sms/ready", "content://sms/drop", "content://sms/gone", "content://mms/wait"} {
		id, _, err := q.Enqueue(ctx, uri)
		if err != nil {
			t.Fatal(err)
		}
		ids[uri] = id
	}

	w := NewWorker(q, reporter, time.Second, nil)
	for i := 0; i < 4; i++ {
		processed, err := w.ProcessNext(ctx)
		if err != nil || !processed {
			t.Fatalf("ProcessNext #%d: processed=%v err=%v", i+1, processed, err)
		}
	}
	if processed, _ := w.ProcessNext(ctx); processed {
		t.Fatal("retrying job should not be due yet")
	}

	want := map[string]Status{
		"content://sms/ready": StatusSucceeded,
		"content://sms/drop":  StatusSucceeded,
		"content://sms/gone":  StatusFailed,
		"content://mms/wait":  StatusQueued,
	}
	for uri, status := range want {
		j, err := q.Get(ctx, ids[uri])
		if err != nil {
			t.Fatal(err)
		}
		if j.Status != status {
			t.Errorf("%s: status = %q, want %q", uri, j.Status, status)
		}
	}
}

func TestWorkerStartStops(t *testing.T) {
	t.Parallel()

	q := openQueue(t, Options{})
	w := NewWorker(q, stubReporter{}, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	w.Wake()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
