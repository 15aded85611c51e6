package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/ratelimit"
	"github.com/zemo/api/internal/reporter"
	"github.com/zemo/api/internal/store"
	"github.com/zemo/api/internal/store/memstore"
	"github.com/zemo/api/internal/worker"
)

type fixture struct {
	d        *Dispatcher
	store    *memstore.Store
	broker   *MemoryBroker
	registry *worker.Registry
}

func newFixture(t *testing.T, pools map[model.JobType]PoolConfig, limiter ratelimit.Limiter) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := memstore.New()
	broker := NewMemoryBroker()
	registry := worker.NewRegistry()
	rep := reporter.New(s, nil, logger, nil)
	d := New(s, broker, registry, limiter, rep, Config{
		BackoffBase: time.Millisecond,
		Pools:       pools,
	}, nil, logger)
	t.Cleanup(d.Shutdown)
	return &fixture{d: d, store: s, broker: broker, registry: registry}
}

func (f *fixture) enqueue(t *testing.T, priority int, payload string) *model.Job {
	t.Helper()
	job, err := f.d.Enqueue(context.Background(), EnqueueRequest{
		Type:     model.JobTypeSearch,
		Payload:  json.RawMessage(payload),
		Priority: priority,
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) waitStatus(t *testing.T, id string, status model.JobStatus) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func searchPool(concurrency int) map[model.JobType]PoolConfig {
	return map[model.JobType]PoolConfig{model.JobTypeSearch: {Concurrency: concurrency}}
}

func TestExponential_Delay(t *testing.T) {
	b := Exponential{Base: 2 * time.Second}
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))

	capped := Exponential{Base: time.Second, Max: 3 * time.Second}
	assert.Equal(t, 3*time.Second, capped.Delay(5))
}

func TestDispatcher_EnqueueDefaults(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		return nil, nil
	}))

	job := f.enqueue(t, 0, `{}`)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, DefaultPriority, job.Priority)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, 1, f.broker.Len(model.JobTypeSearch))

	_, err := f.d.Enqueue(context.Background(), EnqueueRequest{Type: model.JobTypeScrape})
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = f.d.Enqueue(context.Background(), EnqueueRequest{Type: model.JobTypeSearch, Priority: 11})
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestDispatcher_CompletesJob(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(ctx context.Context, task *worker.Task) (any, error) {
		task.Report.Progress(ctx, 1, 1, "done")
		return map[string]any{"keyword": task.Params["keyword"]}, nil
	}))
	require.NoError(t, f.d.Start(context.Background()))

	job := f.enqueue(t, 5, `{"keyword":"cats"}`)
	done := f.waitStatus(t, job.ID, model.JobStatusCompleted)

	assert.JSONEq(t, `{"keyword":"cats"}`, string(done.Result))
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 1, done.Progress.Current)
	assert.Equal(t, 1, done.Attempts)
}

func TestDispatcher_RetriesUntilExhausted(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	var calls atomic.Int32
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream timeout")
	}))
	require.NoError(t, f.d.Start(context.Background()))

	job := f.enqueue(t, 5, `{}`)
	failed := f.waitStatus(t, job.ID, model.JobStatusFailed)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, failed.Attempts)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "upstream timeout", *failed.Error)

	logs, _, err := f.store.ListLogs(context.Background(), job.ID, 0, 100)
	require.NoError(t, err)
	var retries int
	for _, l := range logs {
		if l.Message == "Retry attempt 2/3" || l.Message == "Retry attempt 3/3" {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestDispatcher_NonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	var calls atomic.Int32
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		calls.Add(1)
		return nil, apperr.Validationf("search", "keyword is required")
	}))
	require.NoError(t, f.d.Start(context.Background()))

	job := f.enqueue(t, 5, `{}`)
	failed := f.waitStatus(t, job.ID, model.JobStatusFailed)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "keyword is required", *failed.Error)
}

func TestDispatcher_ConcurrencyCeiling(t *testing.T) {
	f := newFixture(t, searchPool(2), nil)
	var running, peak atomic.Int32
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}))

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, f.enqueue(t, 5, `{}`).ID)
	}
	require.NoError(t, f.d.Start(context.Background()))

	for _, id := range ids {
		f.waitStatus(t, id, model.JobStatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestDispatcher_PriorityThenFIFO(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	var mu sync.Mutex
	var order []string
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(_ context.Context, task *worker.Task) (any, error) {
		mu.Lock()
		order = append(order, task.Params["name"].(string))
		mu.Unlock()
		return nil, nil
	}))

	f.enqueue(t, 5, `{"name":"a"}`)
	f.enqueue(t, 5, `{"name":"b"}`)
	f.enqueue(t, 9, `{"name":"c"}`)
	last := f.enqueue(t, 1, `{"name":"d"}`)
	require.NoError(t, f.d.Start(context.Background()))

	f.waitStatus(t, last.ID, model.JobStatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c", "a", "b", "d"}, order)
}

func TestDispatcher_CancelQueuedJob(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	var calls atomic.Int32
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		calls.Add(1)
		return nil, nil
	}))

	job := f.enqueue(t, 5, `{}`)
	cancelled, err := f.d.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Nil(t, cancelled.StartedAt)
	assert.Equal(t, 0, f.broker.Len(model.JobTypeSearch))

	require.NoError(t, f.d.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	_, err = f.d.Cancel(context.Background(), job.ID)
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.False(t, errors.Is(err, ErrCancelRejected))
}

func TestDispatcher_CancelUnknownJob(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	_, err := f.d.Cancel(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

// blockingExecutor signals started and waits for release before running
// after.
func blockingExecutor(started chan<- struct{}, release <-chan struct{}, after func(ctx context.Context, task *worker.Task) (any, error)) worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, task *worker.Task) (any, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return after(ctx, task)
	})
}

func TestDispatcher_CancelRunningJobAtCheckpoint(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	started, release := make(chan struct{}, 1), make(chan struct{})
	var calls atomic.Int32
	f.registry.Register(model.JobTypeSearch, blockingExecutor(started, release, func(ctx context.Context, task *worker.Task) (any, error) {
		calls.Add(1)
		if err := worker.Checkpoint(ctx, task.Control); err != nil {
			return nil, err
		}
		return "finished", nil
	}))
	require.NoError(t, f.d.Start(context.Background()))

	job := f.enqueue(t, 5, `{}`)
	<-started

	requested, err := f.d.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, requested.Status)
	assert.True(t, requested.CancelRequested)

	close(release)
	cancelled := f.waitStatus(t, job.ID, model.JobStatusCancelled)
	assert.Nil(t, cancelled.Result)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_CancelRejectedAfterCommit(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	started, release := make(chan struct{}, 1), make(chan struct{})
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(ctx context.Context, task *worker.Task) (any, error) {
		if err := worker.Commit(ctx, task.Control); err != nil {
			return nil, err
		}
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return "billed", nil
	}))
	require.NoError(t, f.d.Start(context.Background()))

	job := f.enqueue(t, 5, `{}`)
	<-started

	_, err := f.d.Cancel(context.Background(), job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelRejected)
	assert.True(t, apperr.Is(err, apperr.Conflict))

	close(release)
	f.waitStatus(t, job.ID, model.JobStatusCompleted)
}

func TestDispatcher_NoRetryAfterCancel(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	started, release := make(chan struct{}, 1), make(chan struct{})
	var calls atomic.Int32
	f.registry.Register(model.JobTypeSearch, blockingExecutor(started, release, func(context.Context, *worker.Task) (any, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	}))
	require.NoError(t, f.d.Start(context.Background()))

	job := f.enqueue(t, 5, `{}`)
	<-started
	_, err := f.d.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	close(release)
	f.waitStatus(t, job.ID, model.JobStatusCancelled)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, f.broker.Len(model.JobTypeSearch))
}

func TestDispatcher_RateLimitDefersExecution(t *testing.T) {
	window := 150 * time.Millisecond
	pools := map[model.JobType]PoolConfig{
		model.JobTypeSearch: {Concurrency: 2, RateLimit: 1, RateWindow: window},
	}
	f := newFixture(t, pools, ratelimit.NewMemory())
	var mu sync.Mutex
	var starts []time.Time
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, nil
	}))

	first := f.enqueue(t, 5, `{}`)
	second := f.enqueue(t, 5, `{}`)
	require.NoError(t, f.d.Start(context.Background()))

	f.waitStatus(t, first.ID, model.JobStatusCompleted)
	f.waitStatus(t, second.ID, model.JobStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 2)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), window-20*time.Millisecond)
}

func TestDispatcher_HandleDropsStaleDelivery(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	var calls atomic.Int32
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		calls.Add(1)
		return nil, nil
	}))
	job := f.enqueue(t, 5, `{}`)
	dl := Delivery{JobID: job.ID, Type: job.Type, Priority: job.Priority, Attempt: 1, MaxAttempts: 3}

	assert.Equal(t, Ack, f.d.Handle(context.Background(), dl).Action)
	assert.Equal(t, Ack, f.d.Handle(context.Background(), dl).Action)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_HandleHonorsRetryAfter(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		return nil, apperr.RateLimit("serpapi", 5*time.Second, errors.New("429"))
	}))
	job := f.enqueue(t, 5, `{}`)

	out := f.d.Handle(context.Background(), Delivery{JobID: job.ID, Type: job.Type, Attempt: 1, MaxAttempts: 3})
	assert.Equal(t, Retry, out.Action)
	assert.Equal(t, 5*time.Second, out.Delay)

	current, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, current.Status)
}

func TestDispatcher_HandleRejectsNonObjectPayload(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		return nil, nil
	}))
	job := f.enqueue(t, 5, `[1,2]`)

	out := f.d.Handle(context.Background(), Delivery{JobID: job.ID, Type: job.Type, Attempt: 1, MaxAttempts: 3})
	assert.Equal(t, Ack, out.Action)

	failed, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, failed.Status)
}

func logMessages(t *testing.T, f *fixture, id string) []string {
	t.Helper()
	logs, _, err := f.store.ListLogs(context.Background(), id, 0, 100)
	require.NoError(t, err)
	msgs := make([]string, 0, len(logs))
	for _, l := range logs {
		msgs = append(msgs, l.Message)
	}
	return msgs
}

func TestDispatcher_HandleWaitsForLeaseThenResumes(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	now := time.Now()
	f.d.WithClock(func() time.Time { return now })
	var calls atomic.Int32
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		calls.Add(1)
		return map[string]any{"ok": true}, nil
	}))
	job := f.enqueue(t, 5, `{}`)

	// a worker claimed attempt 1 and died without finishing it
	_, _, err := store.ClaimJob(context.Background(), f.store, job.ID, 1, now, time.Minute)
	require.NoError(t, err)
	dl := Delivery{JobID: job.ID, Type: job.Type, Priority: job.Priority, Attempt: 1, MaxAttempts: 3}

	out := f.d.Handle(context.Background(), dl)
	assert.Equal(t, Defer, out.Action)
	assert.Equal(t, time.Minute, out.Delay)
	assert.Zero(t, calls.Load())

	now = now.Add(2 * time.Minute)
	out = f.d.Handle(context.Background(), dl)
	assert.Equal(t, Ack, out.Action)
	assert.Equal(t, int32(1), calls.Load())

	done, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Nil(t, done.LeaseUntil)
	assert.Contains(t, logMessages(t, f, job.ID), "Resuming interrupted attempt 1/3")
}

func TestDispatcher_InterruptedLastAttemptFails(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(ctx context.Context, _ *worker.Task) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	job := f.enqueue(t, 5, `{}`)

	out := f.d.Handle(ctx, Delivery{JobID: job.ID, Type: job.Type, Attempt: 3, MaxAttempts: 3})
	assert.Equal(t, Ack, out.Action)

	failed, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "attempt 3/3 interrupted: context canceled", *failed.Error)
	assert.NotNil(t, failed.CompletedAt)
}

func TestDispatcher_InterruptedLastAttemptHonorsCancel(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(ctx context.Context, task *worker.Task) (any, error) {
		_, err := f.store.UpdateJob(context.Background(), task.JobID, func(j *model.Job) error {
			j.CancelRequested = true
			return nil
		})
		require.NoError(t, err)
		cancel()
		return nil, ctx.Err()
	}))
	job := f.enqueue(t, 5, `{}`)

	out := f.d.Handle(ctx, Delivery{JobID: job.ID, Type: job.Type, Attempt: 3, MaxAttempts: 3})
	assert.Equal(t, Ack, out.Action)

	current, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, current.Status)
}

func TestDispatcher_InterruptedAttemptReleasesLease(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(ctx context.Context, _ *worker.Task) (any, error) {
		if calls.Add(1) == 1 {
			cancel()
			return nil, ctx.Err()
		}
		return nil, nil
	}))
	job := f.enqueue(t, 5, `{}`)
	dl := Delivery{JobID: job.ID, Type: job.Type, Attempt: 1, MaxAttempts: 3}

	out := f.d.Handle(ctx, dl)
	assert.Equal(t, Retry, out.Action)

	current, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, current.Status)
	assert.Nil(t, current.LeaseUntil)

	// the broker requeues the interrupted delivery without counting it
	out = f.d.Handle(context.Background(), dl)
	assert.Equal(t, Ack, out.Action)
	f.waitStatus(t, job.ID, model.JobStatusCompleted)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_InterruptedAttemptLeavesNewerLease(t *testing.T) {
	f := newFixture(t, searchPool(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	newer := time.Now().Add(time.Hour).Truncate(time.Second)
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(ctx context.Context, task *worker.Task) (any, error) {
		// a redelivery of the same attempt resumed the job meanwhile
		_, err := f.store.UpdateJob(context.Background(), task.JobID, func(j *model.Job) error {
			j.LeaseUntil = &newer
			return nil
		})
		require.NoError(t, err)
		cancel()
		return nil, ctx.Err()
	}))
	job := f.enqueue(t, 5, `{}`)

	out := f.d.Handle(ctx, Delivery{JobID: job.ID, Type: job.Type, Attempt: 3, MaxAttempts: 3})
	assert.Equal(t, Ack, out.Action)

	current, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, current.Status)
	require.NotNil(t, current.LeaseUntil)
	assert.True(t, current.LeaseUntil.Equal(newer))
}

func TestDispatcher_UnclaimableDeliveryKeepsRateBudget(t *testing.T) {
	pools := map[model.JobType]PoolConfig{
		model.JobTypeSearch: {Concurrency: 1, RateLimit: 2, RateWindow: time.Hour},
	}
	f := newFixture(t, pools, ratelimit.NewMemory())
	f.registry.Register(model.JobTypeSearch, worker.ExecutorFunc(func(context.Context, *worker.Task) (any, error) {
		return nil, nil
	}))
	ctx := context.Background()
	deliver := func(job *model.Job) Outcome {
		return f.d.Handle(ctx, Delivery{JobID: job.ID, Type: job.Type, Attempt: 1, MaxAttempts: 3})
	}

	done := f.enqueue(t, 5, `{}`)
	assert.Equal(t, Ack, deliver(done).Action)

	leased := f.enqueue(t, 5, `{}`)
	_, _, err := store.ClaimJob(ctx, f.store, leased.ID, 1, time.Now(), time.Hour)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, Ack, deliver(done).Action)
		assert.Equal(t, Defer, deliver(leased).Action)
	}

	second := f.enqueue(t, 5, `{}`)
	assert.Equal(t, Ack, deliver(second).Action)
	f.waitStatus(t, second.ID, model.JobStatusCompleted)

	third := f.enqueue(t, 5, `{}`)
	out := deliver(third)
	assert.Equal(t, Defer, out.Action)
	assert.Greater(t, out.Delay, time.Minute)
}
