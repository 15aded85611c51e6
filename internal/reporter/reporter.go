// Package reporter persists job progress and log entries and publishes
// realtime events for them.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zemo/api/internal/events"
	"github.com/zemo/api/internal/metrics"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
	"github.com/zemo/api/internal/worker"
)

// Reporter is shared by all workers of a process.
type Reporter struct {
	store     store.JobStore
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(s store.JobStore, publisher events.Publisher, logger *slog.Logger, m *metrics.Metrics) *Reporter {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Reporter{store: s, publisher: publisher, logger: logger, metrics: m, now: time.Now}
}

// ForJob returns a reporter scoped to job.
func (r *Reporter) ForJob(job *model.Job) *JobReporter {
	return &JobReporter{r: r, jobID: job.ID, jobType: job.Type}
}

// JobReporter reports on behalf of one job, optionally tagged with the
// pipeline step it runs in.
type JobReporter struct {
	r       *Reporter
	jobID   string
	jobType model.JobType
	step    string
	nested  bool
}

// Step returns a reporter for a pipeline step. Progress of a step is only
// logged since the pipeline owns the job's progress.
func (j *JobReporter) Step(step string) worker.Reporter {
	return &JobReporter{r: j.r, jobID: j.jobID, jobType: j.jobType, step: step, nested: true}
}

// Progress records current of total units done. Storage and publication
// failures are logged and never surface to the caller.
func (j *JobReporter) Progress(ctx context.Context, current, total int, message string) {
	if j.nested {
		j.Log(ctx, model.LogLevelDebug, message, map[string]any{"current": current, "total": total})
		return
	}
	job, err := store.UpdateProgress(ctx, j.r.store, j.jobID, current, total, message)
	if err != nil {
		j.r.logger.Warn("failed to persist progress",
			slog.String("jobId", j.jobID), slog.String("error", err.Error()))
		return
	}
	j.Log(ctx, model.LogLevelInfo, message, map[string]any{"current": job.Progress.Current, "total": job.Progress.Total})
	progress := job.Progress
	j.publish(ctx, model.Event{Type: model.EventProgress, Status: job.Status, Progress: &progress})
}

// Log appends a JobLogEntry and mirrors it to the process log.
func (j *JobReporter) Log(ctx context.Context, level model.LogLevel, message string, metadata map[string]any) {
	entry := &model.JobLogEntry{
		JobID:     j.jobID,
		Level:     level,
		Message:   message,
		Step:      j.step,
		Metadata:  metadata,
		CreatedAt: j.r.now(),
	}
	if err := j.r.store.AppendLog(ctx, entry); err != nil {
		j.r.logger.Warn("failed to append job log",
			slog.String("jobId", j.jobID), slog.String("error", err.Error()))
	}
	attrs := []any{slog.String("jobId", j.jobID), slog.String("type", string(j.jobType))}
	if j.step != "" {
		attrs = append(attrs, slog.String("step", j.step))
	}
	j.r.logger.Log(ctx, slogLevel(level), message, attrs...)
}

// Status logs a lifecycle transition and publishes it.
func (j *JobReporter) Status(ctx context.Context, job *model.Job) {
	j.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Status changed to %s", job.Status), nil)
	j.publish(ctx, model.Event{Type: model.EventStatus, Status: job.Status})
}

// Completed publishes the terminal success event.
func (j *JobReporter) Completed(ctx context.Context, job *model.Job) {
	j.Status(ctx, job)
	j.publish(ctx, model.Event{Type: model.EventCompleted, Status: job.Status, Result: job.Result})
}

// Failed publishes the terminal failure event with the short message.
func (j *JobReporter) Failed(ctx context.Context, job *model.Job, message string) {
	j.Status(ctx, job)
	j.publish(ctx, model.Event{Type: model.EventError, Status: job.Status, Message: message})
}

func (j *JobReporter) publish(ctx context.Context, event model.Event) {
	event.JobID = j.jobID
	event.JobType = j.jobType
	event.Timestamp = j.r.now()
	if err := j.r.publisher.Publish(ctx, event); err != nil {
		j.r.metrics.EventDropped()
		j.r.logger.Debug("event not published",
			slog.String("jobId", j.jobID), slog.String("event", event.Type), slog.String("error", err.Error()))
	}
}

func slogLevel(l model.LogLevel) slog.Level {
	switch l {
	case model.LogLevelDebug:
		return slog.LevelDebug
	case model.LogLevelWarn:
		return slog.LevelWarn
	case model.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
