package model

import (
	"errors"
	"strings"
	"time"
)

// JobType identifies the executor that runs a job
type JobType string

const (
	JobTypeSearch   JobType = "search"
	JobTypeScrape   JobType = "scrape"
	JobTypeAnalyze  JobType = "analyze"
	JobTypeGenerate JobType = "generate"
	JobTypePipeline JobType = "pipeline"
)

var ValidJobTypes = []JobType{
	JobTypeSearch, JobTypeScrape, JobTypeAnalyze, JobTypeGenerate, JobTypePipeline,
}

// ParseJobType normalises a submitted type name. "serpapi" is accepted as
// the historical name of the search type.
func ParseJobType(s string) (JobType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "serpapi" {
		return JobTypeSearch, true
	}
	for _, t := range ValidJobTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// JobStatus is a state of the job lifecycle
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

var ValidJobStatuses = []JobStatus{
	JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
}

// ParseJobStatus accepts a status name in any case.
func ParseJobStatus(s string) (JobStatus, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, st := range ValidJobStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrAlreadyClaimed is returned when a delivery is not newer than the
// attempt that already owns the job.
var ErrAlreadyClaimed = errors.New("job already claimed")

// LeaseHeldError is returned when another delivery of the same attempt
// still holds the job.
type LeaseHeldError struct {
	Until time.Time
}

func (e *LeaseHeldError) Error() string {
	return "job leased until " + e.Until.UTC().Format(time.RFC3339)
}

// LogLevel of a JobLogEntry
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)
