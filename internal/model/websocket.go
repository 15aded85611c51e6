package model

import (
	"encoding/json"
	"time"
)

// Realtime event types
const (
	EventStatus    = "status"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventError     = "error"
)

// WebSocket control message types
const (
	WSMessageTypePing = "ping"
	WSMessageTypePong = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// Event is published to subscribers of one job and of its type channel.
type Event struct {
	Type      string          `json:"type"`
	JobID     string          `json:"jobId"`
	JobType   JobType         `json:"jobType"`
	Status    JobStatus       `json:"status,omitempty"`
	Progress  *Progress       `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobChannel is the channel name for subscribers of a single job.
func JobChannel(jobID string) string {
	return "job:" + jobID
}

// TypeChannel is the channel name for subscribers of a job type.
func TypeChannel(t JobType) string {
	return "jobs:" + string(t)
}
