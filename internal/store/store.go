// Package store defines the persistence contracts of the job engine and
// the lifecycle operations built on top of a conditional update.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/zemo/api/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// UpdateFunc mutates a job inside an atomic conditional update. Returning
// an error aborts the update and leaves the stored job unchanged.
type UpdateFunc func(job *model.Job) error

// JobStore is the single source of truth for job state.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// UpdateJob applies fn atomically against the latest stored version.
	UpdateJob(ctx context.Context, id string, fn UpdateFunc) (*model.Job, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.Job, int64, error)
	CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error)
	AppendLog(ctx context.Context, entry *model.JobLogEntry) error
	// ListLogs returns entries in creation order starting at offset.
	ListLogs(ctx context.Context, jobID string, offset, limit int) ([]model.JobLogEntry, int64, error)
	// RecentLogs returns the newest n entries, newest first.
	RecentLogs(ctx context.Context, jobID string, n int) ([]model.JobLogEntry, error)
}

// SearchResultStore persists search artifacts.
type SearchResultStore interface {
	LatestSearchResult(ctx context.Context, cacheKey string) (*model.SearchResult, error)
	SaveSearchResult(ctx context.Context, result *model.SearchResult) error
}

// PageStore persists scraped pages, one per URL.
type PageStore interface {
	PageByURL(ctx context.Context, url string) (*model.ScrapedPage, error)
	PageByID(ctx context.Context, id string) (*model.ScrapedPage, error)
	SavePage(ctx context.Context, page *model.ScrapedPage) error
}

// EmbeddingStore persists vectors keyed by (textHash, model).
type EmbeddingStore interface {
	FindEmbedding(ctx context.Context, textHash, model string) (*model.EmbeddingRecord, error)
	// InsertEmbedding stores rec unless (textHash, model) exists, in which
	// case the existing record is returned with created=false.
	InsertEmbedding(ctx context.Context, rec *model.EmbeddingRecord) (existing *model.EmbeddingRecord, created bool, err error)
	ListEmbeddings(ctx context.Context, model string) ([]*model.EmbeddingRecord, error)
}

// PromptStore resolves versioned prompt templates.
type PromptStore interface {
	// GetPrompt returns the given version, or the active one when version is 0.
	GetPrompt(ctx context.Context, key string, version int) (*model.Prompt, error)
	SavePrompt(ctx context.Context, prompt *model.Prompt) error
}

// GeneratedTextStore persists LLM output.
type GeneratedTextStore interface {
	SaveGeneratedText(ctx context.Context, text *model.GeneratedText) error
}

// ClaimJob takes ownership of a job for delivery attempt and leases it for
// lease. resumed is set when the delivery takes over an attempt whose
// lease lapsed.
func ClaimJob(ctx context.Context, s JobStore, id string, attempt int, now time.Time, lease time.Duration) (job *model.Job, resumed bool, err error) {
	job, err = s.UpdateJob(ctx, id, func(j *model.Job) error {
		var claimErr error
		resumed, claimErr = j.Claim(attempt, now, lease)
		return claimErr
	})
	return job, resumed, err
}

// ReleaseJob drops lease if the job still holds it.
func ReleaseJob(ctx context.Context, s JobStore, id string, lease time.Time) (*model.Job, error) {
	return s.UpdateJob(ctx, id, func(j *model.Job) error {
		j.Release(lease)
		return nil
	})
}

// TransitionJob moves a job to status to, applying extra mutations in the
// same update.
func TransitionJob(ctx context.Context, s JobStore, id string, to model.JobStatus, now time.Time, extra UpdateFunc) (*model.Job, error) {
	return s.UpdateJob(ctx, id, func(j *model.Job) error {
		if err := j.TransitionTo(to, now); err != nil {
			return err
		}
		if extra != nil {
			return extra(j)
		}
		return nil
	})
}

// UpdateProgress applies a monotonic progress update to a running job.
func UpdateProgress(ctx context.Context, s JobStore, id string, current, total int, message string) (*model.Job, error) {
	return s.UpdateJob(ctx, id, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return ErrConflict
		}
		j.SetProgress(current, total, message)
		return nil
	})
}
