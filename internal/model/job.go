package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job represents a background job in the system
type Job struct {
	ID              string          `json:"id"`
	Type            JobType         `json:"type"`
	Status          JobStatus       `json:"status"`
	Priority        int             `json:"priority"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Progress        Progress        `json:"progress"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"maxAttempts"`
	BackoffMs       int64           `json:"backoffMs"`
	CancelRequested bool            `json:"cancelRequested,omitempty"`
	Committed       bool            `json:"committed,omitempty"`
	LeaseUntil      *time.Time      `json:"leaseUntil,omitempty"`
	CreatedBy       string          `json:"createdBy,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// Progress tracks completed units of work against a total fixed at start.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Percent returns progress as 0..100, or 0 when no total is set.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	return p.Current * 100 / p.Total
}

// Backoff returns the base retry delay of the job.
func (j *Job) Backoff() time.Duration {
	return time.Duration(j.BackoffMs) * time.Millisecond
}

// TransitionTo moves the job to status `to`, stamping startedAt and
// completedAt. Terminal states are absorbing.
func (j *Job) TransitionTo(to JobStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return &TransitionError{From: j.Status, To: to}
	}
	j.Status = to
	switch {
	case to == JobStatusRunning:
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
	case to.IsTerminal():
		t := now
		j.CompletedAt = &t
		j.LeaseUntil = nil
	}
	return nil
}

// CheckClaim reports whether delivery `attempt` may take the job without
// changing it. A delivery older than the claimed attempt is stale. A
// delivery of the claimed attempt itself waits while the claim's lease is
// live and resumes the attempt once the lease has lapsed.
func (j *Job) CheckClaim(attempt int, now time.Time) (resumed bool, err error) {
	if j.Status.IsTerminal() {
		return false, &TransitionError{From: j.Status, To: JobStatusRunning}
	}
	if attempt < j.Attempts || attempt < 1 {
		return false, ErrAlreadyClaimed
	}
	if attempt > j.Attempts {
		return false, nil
	}
	if j.LeaseUntil != nil && now.Before(*j.LeaseUntil) {
		return false, &LeaseHeldError{Until: *j.LeaseUntil}
	}
	return true, nil
}

// Claim records the start of delivery `attempt` and leases the job to it
// for `lease`. Two workers holding the same delivery cannot both own the
// job: the second sees the first's lease until it expires.
func (j *Job) Claim(attempt int, now time.Time, lease time.Duration) (resumed bool, err error) {
	if resumed, err = j.CheckClaim(attempt, now); err != nil {
		return false, err
	}
	if j.Status == JobStatusPending {
		if err := j.TransitionTo(JobStatusRunning, now); err != nil {
			return false, err
		}
	}
	j.Attempts = attempt
	j.Committed = false
	until := now.Add(lease)
	j.LeaseUntil = &until
	return resumed, nil
}

// Holds reports whether lease is still the job's current lease.
func (j *Job) Holds(lease time.Time) bool {
	return j.LeaseUntil != nil && j.LeaseUntil.Equal(lease)
}

// Release drops lease if it is still current, so a redelivery of the same
// attempt can resume it immediately.
func (j *Job) Release(lease time.Time) {
	if j.Holds(lease) {
		j.LeaseUntil = nil
	}
}

// SetProgress applies a progress update without ever moving current
// backwards or past total. The total is fixed by the first update that
// sets it.
func (j *Job) SetProgress(current, total int, message string) {
	if j.Progress.Total == 0 && total > 0 {
		j.Progress.Total = total
	}
	if j.Progress.Total > 0 && current > j.Progress.Total {
		current = j.Progress.Total
	}
	if current > j.Progress.Current {
		j.Progress.Current = current
	}
	if message != "" {
		j.Progress.Message = message
	}
}

// Fail moves the job to FAILED keeping a short message.
func (j *Job) Fail(message string, now time.Time) error {
	if err := j.TransitionTo(JobStatusFailed, now); err != nil {
		return err
	}
	j.Error = &message
	return nil
}

// Complete moves the job to COMPLETED with its result.
func (j *Job) Complete(result json.RawMessage, now time.Time) error {
	if err := j.TransitionTo(JobStatusCompleted, now); err != nil {
		return err
	}
	j.Result = result
	if j.Progress.Total > 0 {
		j.Progress.Current = j.Progress.Total
	}
	return nil
}

// TransitionError reports a transition the state machine does not allow.
type TransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.From, e.To)
}

// JobLogEntry is one append-only log line owned by a job.
type JobLogEntry struct {
	JobID     string         `json:"jobId"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Step      string         `json:"step,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status JobStatus
	Type   JobType
	Offset int
	Limit  int
}

// JobStats summarises jobs by status.
type JobStats struct {
	Total       int64   `json:"total"`
	Pending     int64   `json:"pending"`
	Running     int64   `json:"running"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Cancelled   int64   `json:"cancelled"`
	SuccessRate float64 `json:"successRate"`
}

// SubmitRequest is the queue submission contract.
type SubmitRequest struct {
	Type        string          `json:"type" validate:"required"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	Priority    int             `json:"priority" validate:"omitempty,min=1,max=10"`
	Delay       int64           `json:"delay" validate:"omitempty,min=0"`
	MaxAttempts int             `json:"maxAttempts" validate:"omitempty,min=1,max=10"`
}

// JobDetail is a job together with its most recent log entries.
type JobDetail struct {
	*Job
	Logs []JobLogEntry `json:"logs"`
}

// LogPage is one page of log entries.
type LogPage struct {
	Logs  []JobLogEntry `json:"logs"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

// JobPage is one page of jobs.
type JobPage struct {
	Jobs  []*Job `json:"jobs"`
	Total int64  `json:"total"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
}
