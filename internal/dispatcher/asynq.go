package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/zemo/api/internal/logger"
	"github.com/zemo/api/internal/model"
)

const taskPrefix = "job:"

// retryError asks asynq for another attempt after delay.
type retryError struct {
	delay time.Duration
	err   error
}

func (e *retryError) Error() string {
	if e.err == nil {
		return "retry"
	}
	return e.err.Error()
}

func (e *retryError) Unwrap() error { return e.err }

// deferError redelivers without counting a failed attempt.
type deferError struct {
	delay time.Duration
}

func (e *deferError) Error() string { return fmt.Sprintf("deferred for %s", e.delay) }

// AsynqBroker queues deliveries in redis through asynq. Each job type gets
// its own server so concurrency ceilings are independent, and ten weighted
// queues per type so higher priorities drain first.
type AsynqBroker struct {
	redis     asynq.RedisConnOpt
	client    *asynq.Client
	inspector *asynq.Inspector
	logLevel  string
	logger    *slog.Logger

	mu      sync.Mutex
	servers []*asynq.Server
}

func NewAsynqBroker(opt asynq.RedisConnOpt, logLevel string, logger *slog.Logger) *AsynqBroker {
	return &AsynqBroker{
		redis:     opt,
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		logLevel:  logLevel,
		logger:    logger,
	}
}

// QueueName returns the asynq queue of a job type and priority.
func QueueName(t model.JobType, priority int) string {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	return fmt.Sprintf("%s-p%d", t, priority)
}

func (b *AsynqBroker) Enqueue(ctx context.Context, d Delivery, delay time.Duration) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	maxRetry := d.MaxAttempts - 1
	if maxRetry < 0 {
		maxRetry = 0
	}
	opts := []asynq.Option{
		asynq.TaskID(d.JobID),
		asynq.Queue(QueueName(d.Type, d.Priority)),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(24 * time.Hour),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	_, err = b.client.EnqueueContext(ctx, asynq.NewTask(taskPrefix+string(d.Type), payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Remove deletes a task that is not being processed.
func (b *AsynqBroker) Remove(_ context.Context, d Delivery) (bool, error) {
	queue := QueueName(d.Type, d.Priority)
	info, err := b.inspector.GetTaskInfo(queue, d.JobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
	default:
		return false, nil
	}
	if err := b.inspector.DeleteTask(queue, d.JobID); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Start launches one asynq server per job type.
func (b *AsynqBroker) Start(_ context.Context, pools map[model.JobType]PoolConfig, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, pool := range pools {
		queues := make(map[string]int, 10)
		for p := 1; p <= 10; p++ {
			queues[QueueName(t, p)] = p
		}

		srv := asynq.NewServer(b.redis, asynq.Config{
			Concurrency:    pool.Concurrency,
			Queues:         queues,
			StrictPriority: true,
			RetryDelayFunc: retryDelay,
			IsFailure:      isFailure,
			Logger:         logger.Printf{L: b.logger.With(slog.String("type", string(t)))},
			LogLevel:       asynqLogLevel(b.logLevel),
		})

		mux := asynq.NewServeMux()
		mux.HandleFunc(taskPrefix+string(t), b.process(handler))
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("failed to start %s workers: %w", t, err)
		}
		b.servers = append(b.servers, srv)
	}
	return nil
}

func (b *AsynqBroker) process(handler Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var d Delivery
		if err := json.Unmarshal(task.Payload(), &d); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		retried, _ := asynq.GetRetryCount(ctx)
		d.Attempt = retried + 1

		out := handler(ctx, d)
		switch out.Action {
		case Retry:
			return &retryError{delay: out.Delay, err: out.Err}
		case Defer:
			return &deferError{delay: out.Delay}
		default:
			return nil
		}
	}
}

func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	var re *retryError
	if errors.As(err, &re) {
		return re.delay
	}
	var de *deferError
	if errors.As(err, &de) {
		return de.delay
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

// isFailure keeps deferrals from counting against MaxRetry.
func isFailure(err error) bool {
	var de *deferError
	return !errors.As(err, &de)
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch {
	case strings.EqualFold(level, "debug"):
		return asynq.DebugLevel
	case strings.EqualFold(level, "warn"):
		return asynq.WarnLevel
	case strings.EqualFold(level, "error"):
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// Shutdown stops every server, waiting for active tasks.
func (b *AsynqBroker) Shutdown() {
	b.mu.Lock()
	servers := b.servers
	b.servers = nil
	b.mu.Unlock()

	for _, srv := range servers {
		srv.Shutdown()
	}
	if err := b.client.Close(); err != nil {
		b.logger.Warn("failed to close asynq client", slog.String("error", err.Error()))
	}
	if err := b.inspector.Close(); err != nil {
		b.logger.Warn("failed to close asynq inspector", slog.String("error", err.Error()))
	}
}
