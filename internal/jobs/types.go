package jobs

import (
	"errors"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether a job in this status will never run again
// without administrative intervention.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// permanentError marks an executor failure a retry cannot fix.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue fails the job terminally on this attempt
// instead of scheduling a retry. Executors use it for failures where the
// input itself is bad and re-running would only burn the backoff budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

type EnqueueRequest struct {
	Payload  JobPayload
	Priority int
	Delay    time.Duration
}

type JobPayload struct {
	VideoID    int64  `json:"video_id"`
	AudioPath  string `json:"audio_path"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type TranscriptionJob struct {
	ID          string     `json:"id"`
	Payload     JobPayload `json:"payload"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	// lastHeartbeat is touched by progress updates while the job is active.
	// Not persisted; stall detection only matters for the live process.
	lastHeartbeat time.Time
}

// Counts is the aggregate queue status exposed to collaborators.
type Counts struct {
	Waiting     int `json:"waiting"`
	Active      int `json:"active"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Delayed     int `json:"delayed"`
	Concurrency int `json:"concurrency"`
}
