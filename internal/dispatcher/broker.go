package dispatcher

import (
	"context"
	"time"

	"github.com/zemo/api/internal/model"
)

// Delivery is one attempt at running a job, as handed out by a broker.
type Delivery struct {
	JobID       string        `json:"jobId"`
	Type        model.JobType `json:"jobType"`
	Priority    int           `json:"priority"`
	Attempt     int           `json:"-"`
	MaxAttempts int           `json:"maxAttempts"`
	Seq         uint64        `json:"-"`
}

// Action tells the broker what to do with a delivery after handling.
type Action int

const (
	// Ack drops the delivery.
	Ack Action = iota
	// Retry redelivers after Delay as the next attempt.
	Retry
	// Defer redelivers after Delay without consuming an attempt.
	Defer
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Defer:
		return "defer"
	default:
		return "ack"
	}
}

// Outcome is the result of handling one delivery.
type Outcome struct {
	Action Action
	Delay  time.Duration
	Err    error
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery) Outcome

// PoolConfig bounds the execution of one job type.
type PoolConfig struct {
	Concurrency int
	RateLimit   int
	RateWindow  time.Duration
}

// Broker queues deliveries and runs them through a handler with per-type
// concurrency ceilings.
type Broker interface {
	Enqueue(ctx context.Context, d Delivery, delay time.Duration) error
	// Remove drops a queued delivery of the job. It reports false when the
	// delivery is not waiting in the queue.
	Remove(ctx context.Context, d Delivery) (bool, error)
	Start(ctx context.Context, pools map[model.JobType]PoolConfig, handler Handler) error
	Shutdown()
}
