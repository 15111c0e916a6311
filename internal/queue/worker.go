package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/smsbridge/internal/log"
	"github.com/mattjoyce/smsbridge/internal/readiness"
)

// Reporter makes the readiness decision for a record URI.
type Reporter interface {
	Report(ctx context.Context, uri string) (readiness.Decision, error)
}

// Worker polls the queue and hands due records to the reporter.
type Worker struct {
	queue    *Queue
	reporter Reporter
	interval time.Duration
	logger   *slog.Logger
	wake     chan struct{}
}

// NewWorker creates a Worker polling every interval.
func NewWorker(q *Queue, r Reporter, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{
		queue:    q,
		reporter: r,
		interval: interval,
		logger:   log.OrComponent(logger, "queue"),
		wake:     make(chan struct{}, 1),
	}
}

// Wake makes the worker poll immediately instead of waiting for the next tick.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start runs the poll loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("retry worker started", "interval", w.interval)
	defer w.logger.Info("retry worker stopped")

	if n, err := w.queue.RecoverRunning(ctx); err != nil {
		w.logger.Error("failed to recover running jobs", "error", err)
	} else if n > 0 {
		w.logger.Warn("requeued jobs left running", "count", n)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}
		for {
			processed, err := w.ProcessNext(ctx)
			if err != nil {
				w.logger.Error("failed to process job", "error", err)
				break
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}
	}
}

// ProcessNext handles one due job. It reports false when nothing was due.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	logger := w.logger.With("job_id", job.ID, "uri", job.URI, "attempt", job.Attempt)
	decision, reportErr := w.reporter.Report(ctx, job.URI)

	switch decision {
	case readiness.Ready, readiness.Drop:
		logger.Debug("job succeeded", "decision", decision.String())
		return true, w.queue.Complete(ctx, job.ID, StatusSucceeded, nil)
	case readiness.NotFound:
		msg := errorString(reportErr, "record not found")
		logger.Warn("job failed", "error", msg)
		return true, w.queue.Complete(ctx, job.ID, StatusFailed, &msg)
	default:
		msg := errorString(reportErr, "record not ready")
		status, err := w.queue.Retry(ctx, job.ID, msg)
		if err != nil {
			return true, err
		}
		if status == StatusDead {
			logger.Error("job exhausted retries", "error", msg)
		} else {
			logger.Debug("job scheduled for retry", "reason", msg, "backoff", w.queue.Backoff(job.Attempt))
		}
		return true, nil
	}
}

func errorString(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
