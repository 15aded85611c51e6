// Package pipeline runs a job made of sequential steps, threading the
// output of every step into the input of the steps after it.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/worker"
)

// Step is one stage of a pipeline.
type Step struct {
	Type   string         `json:"type" validate:"required"`
	Params map[string]any `json:"params"`
}

// Params is the payload of a pipeline job.
type Params struct {
	Steps []Step `json:"steps" validate:"required,min=1,dive"`
}

// Coordinator executes pipeline jobs with the executors of a registry.
type Coordinator struct {
	registry *worker.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewCoordinator(registry *worker.Registry, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		logger:   logger,
		tracer:   otel.Tracer("github.com/zemo/api/internal/pipeline"),
	}
}

type plannedStep struct {
	jobType model.JobType
	exec    worker.Executor
	params  map[string]any
}

// plan resolves every step before anything runs, so a bad step type fails
// the job without side effects.
func (c *Coordinator) plan(steps []Step) ([]plannedStep, error) {
	const op = "pipeline.plan"

	planned := make([]plannedStep, 0, len(steps))
	for i, s := range steps {
		t, ok := model.ParseJobType(s.Type)
		if !ok {
			return nil, apperr.Validationf(op, "unknown pipeline step type: %s", s.Type)
		}
		if t == model.JobTypePipeline {
			return nil, apperr.Validationf(op, "step %d: nested pipelines are not supported", i+1)
		}
		exec, ok := c.registry.Get(t)
		if !ok {
			return nil, apperr.Validationf(op, "no executor registered for step type: %s", t)
		}
		planned = append(planned, plannedStep{jobType: t, exec: exec, params: s.Params})
	}
	return planned, nil
}

// Execute runs the steps in order. The first failing step fails the whole
// pipeline and later steps are not attempted.
func (c *Coordinator) Execute(ctx context.Context, task *worker.Task) (any, error) {
	var p Params
	if err := worker.DecodeParams(task.Params, &p); err != nil {
		return nil, err
	}
	steps, err := c.plan(p.Steps)
	if err != nil {
		return nil, err
	}

	total := len(steps)
	task.Report.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Starting pipeline with %d steps", total), nil)

	results := make(map[string]any, total)
	for i, step := range steps {
		if err := worker.Checkpoint(ctx, task.Control); err != nil {
			return nil, err
		}

		name := string(step.jobType)
		task.Report.Progress(ctx, i, total, fmt.Sprintf("Executing step: %s", name))

		out, err := c.runStep(ctx, task, step, results)
		if err != nil {
			retryAfter := apperr.RetryAfterOf(err)
			meta := map[string]any{"step": i + 1, "kind": apperr.KindOf(err).String()}
			if retryAfter > 0 {
				meta["retryAfterMs"] = retryAfter.Milliseconds()
			}
			task.Report.Log(ctx, model.LogLevelError, fmt.Sprintf("Step %s failed: %v", name, err), meta)
			if apperr.Is(err, apperr.Cancelled) {
				return nil, err
			}
			wrapped := apperr.Wrap(apperr.Internal, fmt.Sprintf("pipeline step %s", name), err)
			wrapped.RetryAfter = retryAfter
			return nil, wrapped
		}

		results[name] = out
		task.Report.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Step %s completed", name), map[string]any{"output": out})
	}

	task.Report.Progress(ctx, total, total, "Pipeline completed")
	c.logger.Info("pipeline completed",
		slog.String("jobId", task.JobID),
		slog.Int("steps", total))

	return results, nil
}

func (c *Coordinator) runStep(ctx context.Context, task *worker.Task, step plannedStep, results map[string]any) (any, error) {
	name := string(step.jobType)
	ctx, span := c.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("job.id", task.JobID),
		attribute.String("step.type", name),
	))
	defer span.End()

	params := make(map[string]any, len(step.params)+len(results))
	for k, v := range step.params {
		params[k] = v
	}
	for k, v := range results {
		params[k] = v
	}

	out, err := step.exec.Execute(ctx, &worker.Task{
		JobID:  task.JobID,
		Type:   step.jobType,
		Step:   name,
		Params: params,
		Report: task.Report.Step(name),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return normalize(out)
}

// normalize turns a step output into plain JSON values, the same shape the
// next step would see after a round trip through the queue.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode step output: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode step output: %w", err)
	}
	return out, nil
}
