package queue

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Job is one record URI awaiting a readiness decision.
type Job struct {
	ID          string
	URI         string
	Status      Status
	Attempt     int
	MaxAttempts int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
	LastError   *string
}

// Options tune retry behavior.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

var ErrJobNotFound = errors.New("job not found")

// timeFormat is fixed-width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"
