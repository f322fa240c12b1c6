package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRetrying   JobStatus = "retrying"
	JobProcessing JobStatus = "processing"
)

// Claimable reports whether a job in this status may be handed to a worker.
func (s JobStatus) Claimable() bool { return s == JobQueued || s == JobRetrying }

// Job is one queue row: a pending or in-flight delivery attempt. LogID is a
// lookup reference into the delivery log; the job does not own the entry.
type Job struct {
	ID            int64
	LogID         int64
	Status        JobStatus
	Payload       json.RawMessage
	AttemptCount  int
	NextAttemptAt time.Time
	LastErrorCode string
	LockToken     string
	LockedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var ErrEmptyPayload = errors.New("job payload is empty")

// NewJob builds a queued job due at max(now, firstAttemptAt).
func NewJob(payload json.RawMessage, logID int64, firstAttemptAt, now time.Time) (*Job, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if !json.Valid(payload) {
		return nil, errors.New("job payload is not valid JSON")
	}
	if logID < 0 {
		logID = 0
	}
	due := firstAttemptAt
	if due.Before(now) {
		due = now
	}
	return &Job{
		LogID:         logID,
		Status:        JobQueued,
		Payload:       payload,
		NextAttemptAt: due.UTC(),
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}, nil
}
