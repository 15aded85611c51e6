package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/dispatcher"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/pipeline"
	"github.com/zemo/api/internal/store"
	"github.com/zemo/api/internal/worker"
)

const (
	recentLogCount   = 10
	defaultPageLimit = 20
	defaultLogLimit  = 50
	maxPageLimit     = 100
)

// Queue creates and cancels jobs.
type Queue interface {
	Enqueue(ctx context.Context, req dispatcher.EnqueueRequest) (*model.Job, error)
	Cancel(ctx context.Context, id string) (*model.Job, error)
}

// JobService handles job submission and inspection
type JobService struct {
	store  store.JobStore
	queue  Queue
	logger *slog.Logger
}

func NewJobService(s store.JobStore, queue Queue, logger *slog.Logger) *JobService {
	return &JobService{
		store:  s,
		queue:  queue,
		logger: logger,
	}
}

// Submit validates a request and queues a new job
func (s *JobService) Submit(ctx context.Context, req *model.SubmitRequest, userID string) (*model.Job, error) {
	const op = "jobs.submit"

	jobType, ok := model.ParseJobType(req.Type)
	if !ok {
		return nil, apperr.Validationf(op, "unsupported job type: %s", req.Type)
	}

	var params map[string]any
	if err := json.Unmarshal(req.Payload, &params); err != nil || params == nil {
		return nil, apperr.Validationf(op, "payload must be a JSON object")
	}
	if err := validatePayload(jobType, params); err != nil {
		return nil, err
	}

	s.logger.Info("creating new job",
		slog.String("type", string(jobType)),
		slog.String("userId", userID))

	return s.queue.Enqueue(ctx, dispatcher.EnqueueRequest{
		Type:        jobType,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Delay:       time.Duration(req.Delay) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
		CreatedBy:   userID,
	})
}

// validatePayload decodes params into the executor's payload type so a
// malformed job is rejected before it is queued.
func validatePayload(t model.JobType, params map[string]any) error {
	switch t {
	case model.JobTypeSearch:
		return worker.DecodeParams(params, &worker.SearchParams{})
	case model.JobTypeScrape:
		var p worker.ScrapeParams
		if err := worker.DecodeParams(params, &p); err != nil {
			return err
		}
		if len(p.URLs) == 0 && len(p.Search) == 0 {
			return apperr.Validationf("jobs.submit", "scrape needs urls or a search result")
		}
		return nil
	case model.JobTypeAnalyze:
		var p worker.AnalyzeParams
		if err := worker.DecodeParams(params, &p); err != nil {
			return err
		}
		if len(p.PageIDs) == 0 && p.Scrape == nil {
			return apperr.Validationf("jobs.submit", "analyze needs pageIds or a scrape result")
		}
		return nil
	case model.JobTypeGenerate:
		var p worker.GenerateParams
		if err := worker.DecodeParams(params, &p); err != nil {
			return err
		}
		if p.Template == "" && p.PromptType == "" {
			return apperr.Validationf("jobs.submit", "template or promptType is required")
		}
		return nil
	case model.JobTypePipeline:
		var p pipeline.Params
		if err := worker.DecodeParams(params, &p); err != nil {
			return err
		}
		for _, step := range p.Steps {
			st, ok := model.ParseJobType(step.Type)
			if !ok {
				return apperr.Validationf("jobs.submit", "unknown pipeline step type: %s", step.Type)
			}
			if st == model.JobTypePipeline {
				return apperr.Validationf("jobs.submit", "nested pipelines are not supported")
			}
		}
		return nil
	}
	return nil
}

// Get returns a job with its most recent log entries
func (s *JobService) Get(ctx context.Context, id string) (*model.JobDetail, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.RecentLogs(ctx, id, recentLogCount)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []model.JobLogEntry{}
	}
	return &model.JobDetail{Job: job, Logs: logs}, nil
}

// List returns one page of jobs, newest first
func (s *JobService) List(ctx context.Context, status, jobType string, page, limit int) (*model.JobPage, error) {
	const op = "jobs.list"

	page, limit = normalizePage(page, limit, defaultPageLimit)
	filter := model.JobFilter{Offset: (page - 1) * limit, Limit: limit}
	if status != "" {
		st, ok := model.ParseJobStatus(status)
		if !ok {
			return nil, apperr.Validationf(op, "unknown status: %s", status)
		}
		filter.Status = st
	}
	if jobType != "" {
		t, ok := model.ParseJobType(jobType)
		if !ok {
			return nil, apperr.Validationf(op, "unknown job type: %s", jobType)
		}
		filter.Type = t
	}

	jobs, total, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return &model.JobPage{Jobs: jobs, Total: total, Page: page, Limit: limit}, nil
}

// Logs returns one page of a job's log entries in creation order
func (s *JobService) Logs(ctx context.Context, id string, page, limit int) (*model.LogPage, error) {
	if _, err := s.getJob(ctx, id); err != nil {
		return nil, err
	}
	page, limit = normalizePage(page, limit, defaultLogLimit)
	logs, total, err := s.store.ListLogs(ctx, id, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []model.JobLogEntry{}
	}
	return &model.LogPage{Logs: logs, Total: total, Page: page, Limit: limit}, nil
}

// Cancel cancels a queued job or requests a running one to stop
func (s *JobService) Cancel(ctx context.Context, id string) (*model.Job, error) {
	return s.queue.Cancel(ctx, id)
}

// Stats counts jobs per status
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &model.JobStats{
		Pending:   counts[model.JobStatusPending],
		Running:   counts[model.JobStatusRunning],
		Completed: counts[model.JobStatusCompleted],
		Failed:    counts[model.JobStatusFailed],
		Cancelled: counts[model.JobStatusCancelled],
	}
	stats.Total = stats.Pending + stats.Running + stats.Completed + stats.Failed + stats.Cancelled
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
	}
	return stats, nil
}

func (s *JobService) getJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("jobs.get", "job not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func normalizePage(page, limit, def int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = def
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}
