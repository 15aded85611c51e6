// Package dispatcher moves jobs from the queue into executors: it claims
// deliveries, enforces per-type rate limits, retries transient failures
// with exponential backoff and handles cancellation.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/metrics"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/ratelimit"
	"github.com/zemo/api/internal/reporter"
	"github.com/zemo/api/internal/store"
	"github.com/zemo/api/internal/worker"
)

const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second

	// DefaultClaimLease outlives the broker's default task timeout, so a
	// lease only lapses once the delivery holding it is gone.
	DefaultClaimLease = 31 * time.Minute

	// minDefer keeps a refused delivery from spinning.
	minDefer = 50 * time.Millisecond
)

// ErrCancelRejected is returned when a job already started an external
// call that cannot be aborted.
var ErrCancelRejected = errors.New("job is past the point of no return")

// Config holds the dispatch defaults and the per-type pools.
type Config struct {
	DefaultPriority int
	MaxAttempts     int
	BackoffBase     time.Duration
	MaxBackoff      time.Duration
	// ClaimLease bounds how long a claimed attempt keeps a redelivery of
	// the same attempt waiting.
	ClaimLease time.Duration
	Pools      map[model.JobType]PoolConfig
}

// EnqueueRequest describes a job to create and queue.
type EnqueueRequest struct {
	Type        model.JobType
	Payload     json.RawMessage
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	CreatedBy   string
}

// Dispatcher owns the job lifecycle between the queue and the executors.
type Dispatcher struct {
	store    store.JobStore
	broker   Broker
	registry *worker.Registry
	limiter  ratelimit.Limiter
	reporter *reporter.Reporter
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a dispatcher. limiter may be nil to disable rate limiting.
func New(s store.JobStore, broker Broker, registry *worker.Registry, limiter ratelimit.Limiter, rep *reporter.Reporter, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = DefaultPriority
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoff
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	return &Dispatcher{
		store:    s,
		broker:   broker,
		registry: registry,
		limiter:  limiter,
		reporter: rep,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("github.com/zemo/api/internal/dispatcher"),
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Start runs a pool for every registered job type.
func (d *Dispatcher) Start(ctx context.Context) error {
	pools := make(map[model.JobType]PoolConfig)
	for _, t := range d.registry.Types() {
		pool, ok := d.cfg.Pools[t]
		if !ok || pool.Concurrency <= 0 {
			pool.Concurrency = 1
		}
		pools[t] = pool
		d.logger.Info("worker pool configured",
			slog.String("type", string(t)),
			slog.Int("concurrency", pool.Concurrency),
			slog.Int("rateLimit", pool.RateLimit),
			slog.Duration("rateWindow", pool.RateWindow))
	}
	return d.broker.Start(ctx, pools, d.Handle)
}

// Shutdown stops the pools and waits for running attempts.
func (d *Dispatcher) Shutdown() {
	d.broker.Shutdown()
}

// Enqueue persists a PENDING job and queues its first delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Job, error) {
	const op = "dispatcher.Enqueue"

	if _, ok := d.registry.Get(req.Type); !ok {
		return nil, apperr.Validationf(op, "unsupported job type: %s", req.Type)
	}
	priority := req.Priority
	if priority == 0 {
		priority = d.cfg.DefaultPriority
	}
	if priority < 1 || priority > 10 {
		return nil, apperr.Validationf(op, "priority must be between 1 and 10")
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	if req.Delay < 0 {
		return nil, apperr.Validationf(op, "delay must not be negative")
	}

	job := &model.Job{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Status:      model.JobStatusPending,
		Priority:    priority,
		Payload:     req.Payload,
		MaxAttempts: maxAttempts,
		BackoffMs:   d.cfg.BackoffBase.Milliseconds(),
		CreatedBy:   req.CreatedBy,
		CreatedAt:   d.now(),
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := d.broker.Enqueue(ctx, deliveryOf(job), req.Delay); err != nil {
		d.logger.Error("failed to enqueue job",
			slog.String("jobId", job.ID), slog.String("error", err.Error()))
		msg := "failed to enqueue job"
		_, _ = d.store.UpdateJob(context.WithoutCancel(ctx), job.ID, func(j *model.Job) error {
			if err := j.TransitionTo(model.JobStatusCancelled, d.now()); err != nil {
				return err
			}
			j.Error = &msg
			return nil
		})
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	d.logger.Info("job queued",
		slog.String("jobId", job.ID),
		slog.String("type", string(job.Type)),
		slog.Int("priority", job.Priority))
	return job, nil
}

// Cancel removes a queued job or asks a running one to stop at its next
// checkpoint.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*model.Job, error) {
	const op = "dispatcher.Cancel"

	job, err := d.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf(op, "job not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, apperr.E(apperr.Conflict, op, fmt.Sprintf("job already %s", job.Status))
	}

	removed, err := d.broker.Remove(ctx, deliveryOf(job))
	if err != nil {
		d.logger.Warn("failed to remove queued delivery",
			slog.String("jobId", id), slog.String("error", err.Error()))
	}

	now := d.now()
	updated, err := d.store.UpdateJob(ctx, id, func(j *model.Job) error {
		switch {
		case j.Status.IsTerminal():
			return apperr.E(apperr.Conflict, op, fmt.Sprintf("job already %s", j.Status))
		case j.Status == model.JobStatusPending || removed:
			return j.TransitionTo(model.JobStatusCancelled, now)
		case j.Committed:
			return apperr.Wrap(apperr.Conflict, op, ErrCancelRejected)
		default:
			j.CancelRequested = true
			return nil
		}
	})
	if err != nil {
		if apperr.Is(err, apperr.Conflict) {
			if current, gerr := d.store.GetJob(ctx, id); gerr == nil {
				return current, err
			}
		}
		return nil, err
	}

	rep := d.reporter.ForJob(updated)
	if updated.Status == model.JobStatusCancelled {
		rep.Status(ctx, updated)
		d.finished(updated)
	} else {
		rep.Log(ctx, model.LogLevelInfo, "Cancellation requested", nil)
	}
	return updated, nil
}

// Handle runs one delivery: it claims the job, executes it and records
// the outcome.
func (d *Dispatcher) Handle(ctx context.Context, dl Delivery) Outcome {
	logger := d.logger.With(
		slog.String("jobId", dl.JobID),
		slog.String("type", string(dl.Type)),
		slog.Int("attempt", dl.Attempt))

	// Stale and duplicate deliveries must not spend the type's rate budget.
	job, err := d.store.GetJob(ctx, dl.JobID)
	if err == nil {
		_, err = job.CheckClaim(dl.Attempt, d.now())
	}
	if out, dropped := d.unclaimable(err, logger); dropped {
		return out
	}

	if out, limited := d.throttle(ctx, dl, logger); limited {
		return out
	}

	job, resumed, err := store.ClaimJob(ctx, d.store, dl.JobID, dl.Attempt, d.now(), d.cfg.ClaimLease)
	if out, dropped := d.unclaimable(err, logger); dropped {
		return out
	}

	// Finalization must survive a worker shutdown.
	fctx := context.WithoutCancel(ctx)
	rep := d.reporter.ForJob(job)

	if job.CancelRequested {
		d.cancelled(fctx, job.ID, rep)
		return Outcome{Action: Ack}
	}

	switch {
	case resumed:
		logger.Warn("resuming interrupted attempt")
		rep.Log(ctx, model.LogLevelWarn, fmt.Sprintf("Resuming interrupted attempt %d/%d", dl.Attempt, job.MaxAttempts), nil)
	case dl.Attempt > 1:
		rep.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Retry attempt %d/%d", dl.Attempt, job.MaxAttempts), nil)
	default:
		rep.Log(ctx, model.LogLevelInfo, "Job started", map[string]any{"priority": job.Priority})
		rep.Status(ctx, job)
	}

	result, err := d.execute(ctx, job, rep)
	if err == nil {
		d.complete(fctx, job, rep, result, logger)
		return Outcome{Action: Ack}
	}

	switch {
	case apperr.Is(err, apperr.Cancelled):
		d.cancelled(fctx, job.ID, rep)
		return Outcome{Action: Ack}
	case ctx.Err() != nil:
		return d.interrupted(fctx, job, dl, rep, err, logger)
	case apperr.Retryable(err) && dl.Attempt < job.MaxAttempts:
		if latest, gerr := d.store.GetJob(fctx, job.ID); gerr == nil && latest.CancelRequested {
			d.cancelled(fctx, job.ID, rep)
			return Outcome{Action: Ack}
		}
		delay := d.backoff(job, dl.Attempt)
		if hint := apperr.RetryAfterOf(err); hint > delay {
			delay = hint
		}
		rep.Log(fctx, model.LogLevelWarn,
			fmt.Sprintf("Attempt %d/%d failed: %v; retrying in %s", dl.Attempt, job.MaxAttempts, err, delay),
			map[string]any{"attempt": dl.Attempt, "delayMs": delay.Milliseconds()})
		d.metrics.JobRetried(string(job.Type))
		return Outcome{Action: Retry, Delay: delay, Err: err}
	default:
		d.fail(fctx, job, rep, err, logger)
		return Outcome{Action: Ack, Err: err}
	}
}

// unclaimable maps a claim error to the outcome of the delivery. A live
// lease defers the delivery until it lapses; stale deliveries are dropped.
func (d *Dispatcher) unclaimable(err error, logger *slog.Logger) (Outcome, bool) {
	if err == nil {
		return Outcome{}, false
	}
	var (
		te   *model.TransitionError
		held *model.LeaseHeldError
	)
	switch {
	case errors.As(err, &held):
		wait := held.Until.Sub(d.now())
		if wait < minDefer {
			wait = minDefer
		}
		logger.Debug("job leased by another delivery", slog.Duration("retryIn", wait))
		return Outcome{Action: Defer, Delay: wait}, true
	case errors.Is(err, model.ErrAlreadyClaimed), errors.As(err, &te), errors.Is(err, store.ErrNotFound):
		logger.Debug("delivery dropped", slog.String("reason", err.Error()))
		return Outcome{Action: Ack}, true
	default:
		logger.Warn("failed to claim job", slog.String("error", err.Error()))
		return Outcome{Action: Defer, Delay: d.cfg.BackoffBase, Err: err}, true
	}
}

// interrupted settles an attempt whose delivery context ended. The broker
// does not deliver again after the last attempt, so that one is finalized
// here; earlier ones give up their lease so the redelivery resumes at once.
// Nothing is written once another delivery has taken the job over.
func (d *Dispatcher) interrupted(ctx context.Context, job *model.Job, dl Delivery, rep *reporter.JobReporter, cause error, logger *slog.Logger) Outcome {
	lease := *job.LeaseUntil
	latest, err := d.store.GetJob(ctx, job.ID)
	switch {
	case err != nil:
		logger.Warn("failed to reload interrupted job", slog.String("error", err.Error()))
	case !latest.Holds(lease):
		logger.Warn("attempt interrupted after losing its lease", slog.String("error", cause.Error()))
		return Outcome{Action: Ack, Err: cause}
	case latest.CancelRequested:
		d.cancelled(ctx, job.ID, rep)
		return Outcome{Action: Ack}
	}

	if dl.Attempt >= job.MaxAttempts {
		d.fail(ctx, job, rep, fmt.Errorf("attempt %d/%d interrupted: %w", dl.Attempt, job.MaxAttempts, cause), logger)
		return Outcome{Action: Ack, Err: cause}
	}
	logger.Warn("attempt interrupted", slog.String("error", cause.Error()))
	if _, err := store.ReleaseJob(ctx, d.store, job.ID, lease); err != nil {
		logger.Warn("failed to release job lease", slog.String("error", err.Error()))
	}
	return Outcome{Action: Retry, Delay: d.backoff(job, dl.Attempt), Err: cause}
}

// throttle applies the sliding-window limit of the job type. A limiter
// outage admits the delivery.
func (d *Dispatcher) throttle(ctx context.Context, dl Delivery, logger *slog.Logger) (Outcome, bool) {
	pool, ok := d.cfg.Pools[dl.Type]
	if d.limiter == nil || !ok || pool.RateLimit <= 0 || pool.RateWindow <= 0 {
		return Outcome{}, false
	}
	allowed, wait, err := d.limiter.Allow(ctx, "jobs:"+string(dl.Type), pool.RateLimit, pool.RateWindow)
	if err != nil {
		logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return Outcome{}, false
	}
	if allowed {
		return Outcome{}, false
	}
	if wait < minDefer {
		wait = minDefer
	}
	logger.Debug("rate limit reached", slog.Duration("retryIn", wait))
	return Outcome{Action: Defer, Delay: wait}, true
}

func (d *Dispatcher) execute(ctx context.Context, job *model.Job, rep *reporter.JobReporter) (any, error) {
	ctx, span := d.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	exec, ok := d.registry.Get(job.Type)
	if !ok {
		return nil, apperr.Validationf("dispatch", "no executor registered for job type: %s", job.Type)
	}
	params := map[string]any{}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &params); err != nil {
			return nil, apperr.Validationf("dispatch", "payload must be a JSON object")
		}
	}

	d.metrics.JobStarted(string(job.Type))
	defer d.metrics.JobStopped(string(job.Type))

	result, err := exec.Execute(ctx, &worker.Task{
		JobID:   job.ID,
		Type:    job.Type,
		Params:  params,
		Report:  rep,
		Control: &jobControl{store: d.store, jobID: job.ID},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) complete(ctx context.Context, job *model.Job, rep *reporter.JobReporter, result any, logger *slog.Logger) {
	data, err := json.Marshal(result)
	if err != nil {
		d.fail(ctx, job, rep, apperr.Wrap(apperr.Internal, "encode result", err), logger)
		return
	}
	done, err := d.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		return j.Complete(data, d.now())
	})
	if err != nil {
		logger.Error("failed to complete job", slog.String("error", err.Error()))
		return
	}
	rep.Completed(ctx, done)
	d.finished(done)
	logger.Info("job completed")
}

func (d *Dispatcher) fail(ctx context.Context, job *model.Job, rep *reporter.JobReporter, cause error, logger *slog.Logger) {
	msg := apperr.Message(cause)
	rep.Log(ctx, model.LogLevelError, fmt.Sprintf("Job failed: %v", cause), map[string]any{
		"kind":     apperr.KindOf(cause).String(),
		"attempts": job.Attempts,
	})
	failed, err := d.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		return j.Fail(msg, d.now())
	})
	if err != nil {
		logger.Error("failed to mark job failed", slog.String("error", err.Error()))
		return
	}
	rep.Failed(ctx, failed, msg)
	d.finished(failed)
}

func (d *Dispatcher) cancelled(ctx context.Context, id string, rep *reporter.JobReporter) {
	job, err := store.TransitionJob(ctx, d.store, id, model.JobStatusCancelled, d.now(), nil)
	if err != nil {
		d.logger.Warn("failed to cancel job", slog.String("jobId", id), slog.String("error", err.Error()))
		return
	}
	rep.Status(ctx, job)
	d.finished(job)
}

func (d *Dispatcher) finished(job *model.Job) {
	var elapsed time.Duration
	if job.StartedAt != nil && job.CompletedAt != nil {
		elapsed = job.CompletedAt.Sub(*job.StartedAt)
	}
	d.metrics.JobFinished(string(job.Type), string(job.Status), elapsed)
}

func (d *Dispatcher) backoff(job *model.Job, attempt int) time.Duration {
	base := job.Backoff()
	if base <= 0 {
		base = d.cfg.BackoffBase
	}
	return Exponential{Base: base, Max: d.cfg.MaxBackoff}.Delay(attempt)
}

func deliveryOf(job *model.Job) Delivery {
	return Delivery{
		JobID:       job.ID,
		Type:        job.Type,
		Priority:    job.Priority,
		Attempt:     1,
		MaxAttempts: job.MaxAttempts,
	}
}
