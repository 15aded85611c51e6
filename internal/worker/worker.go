// Package worker holds the executors that run each job type and the
// contracts they share with the dispatcher.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/model"
)

// Executor runs one job type.
type Executor interface {
	Execute(ctx context.Context, task *Task) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *Task) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (any, error) {
	return f(ctx, task)
}

// Reporter records progress and log entries for the running job.
type Reporter interface {
	Progress(ctx context.Context, current, total int, message string)
	Log(ctx context.Context, level model.LogLevel, message string, metadata map[string]any)
	// Step scopes the reporter to a pipeline step.
	Step(step string) Reporter
}

// Control lets an executor observe cancellation.
type Control interface {
	// Checkpoint returns apperr.ErrCancelled once cancellation is requested.
	Checkpoint(ctx context.Context) error
	// Commit marks the point after which the job can no longer be
	// cancelled, typically right before a billed external call.
	Commit(ctx context.Context) error
}

// Task is the unit handed to an executor.
type Task struct {
	JobID   string
	Type    model.JobType
	Step    string
	Params  map[string]any
	Report  Reporter
	Control Control
}

// Registry maps job types to executors.
type Registry struct {
	executors map[model.JobType]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[model.JobType]Executor)}
}

func (r *Registry) Register(t model.JobType, e Executor) {
	r.executors[t] = e
}

func (r *Registry) Get(t model.JobType) (Executor, bool) {
	e, ok := r.executors[t]
	return e, ok
}

// Types returns the registered job types in name order.
func (r *Registry) Types() []model.JobType {
	types := make([]model.JobType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

var validate = validator.New()

// DecodeParams converts loosely typed params into v and validates it.
func DecodeParams(params map[string]any, v any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return apperr.Wrap(apperr.Validation, "decode params", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(apperr.Validation, "decode params", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return apperr.Validationf("decode params", "invalid %s: failed %s", f.Field(), f.Tag())
		}
		return apperr.Wrap(apperr.Validation, "decode params", err)
	}
	return nil
}

// Checkpoint is a nil-safe Control.Checkpoint.
func Checkpoint(ctx context.Context, c Control) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	return c.Checkpoint(ctx)
}

// Commit is a nil-safe Control.Commit.
func Commit(ctx context.Context, c Control) error {
	if c == nil {
		return nil
	}
	return c.Commit(ctx)
}

func stepName(task *Task) string {
	if task.Step != "" {
		return task.Step
	}
	return string(task.Type)
}

func opName(task *Task, what string) string {
	return fmt.Sprintf("%s: %s", stepName(task), what)
}
