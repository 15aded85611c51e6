package dispatcher

import (
	"context"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

// jobControl reads the cancellation flag of the job record, so a cancel
// issued from any process reaches the executor at its next checkpoint.
type jobControl struct {
	store store.JobStore
	jobID string
}

func (c *jobControl) Checkpoint(ctx context.Context) error {
	job, err := c.store.GetJob(ctx, c.jobID)
	if err != nil {
		return err
	}
	if job.CancelRequested || job.Status == model.JobStatusCancelled {
		return apperr.ErrCancelled
	}
	return nil
}

func (c *jobControl) Commit(ctx context.Context) error {
	_, err := c.store.UpdateJob(ctx, c.jobID, func(j *model.Job) error {
		if j.CancelRequested || j.Status == model.JobStatusCancelled {
			return apperr.ErrCancelled
		}
		j.Committed = true
		return nil
	})
	return err
}
