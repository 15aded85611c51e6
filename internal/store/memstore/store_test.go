package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

func TestStore_UpdateJobAbortsOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &model.Job{ID: "j", Status: model.JobStatusPending}))

	_, err := s.UpdateJob(ctx, "j", func(j *model.Job) error {
		j.Status = model.JobStatusFailed
		return errors.New("abort")
	})
	require.Error(t, err)

	job, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
}

func TestStore_TransitionRejectsTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &model.Job{ID: "j", Status: model.JobStatusPending}))

	_, err := store.TransitionJob(ctx, s, "j", model.JobStatusCancelled, time.Now(), nil)
	require.NoError(t, err)
	_, err = store.TransitionJob(ctx, s, "j", model.JobStatusRunning, time.Now(), nil)
	var te *model.TransitionError
	assert.ErrorAs(t, err, &te)

	_, err = store.UpdateProgress(ctx, s, "j", 1, 2, "")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestStore_GetJobReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &model.Job{ID: "j", Status: model.JobStatusPending}))

	job, _ := s.GetJob(ctx, "j")
	job.Status = model.JobStatusCompleted

	again, _ := s.GetJob(ctx, "j")
	assert.Equal(t, model.JobStatusPending, again.Status)
}

func TestStore_EmbeddingDedup(t *testing.T) {
	s := New()
	ctx := context.Background()

	a, created, err := s.InsertEmbedding(ctx, &model.EmbeddingRecord{TextHash: "h", Model: "m", Vector: []float32{1}})
	require.NoError(t, err)
	assert.True(t, created)
	b, created, err := s.InsertEmbedding(ctx, &model.EmbeddingRecord{TextHash: "h", Model: "m", Vector: []float32{2}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)

	other, created, err := s.InsertEmbedding(ctx, &model.EmbeddingRecord{TextHash: "h", Model: "m2", Vector: []float32{1}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, other.ID)
}

func TestStore_PromptVersions(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SavePrompt(ctx, &model.Prompt{Key: "article", Version: 1, Template: "v1", Active: true}))
	require.NoError(t, s.SavePrompt(ctx, &model.Prompt{Key: "article", Version: 2, Template: "v2", Active: true}))
	require.NoError(t, s.SavePrompt(ctx, &model.Prompt{Key: "article", Version: 3, Template: "v3"}))

	p, err := s.GetPrompt(ctx, "article", 0)
	require.NoError(t, err)
	assert.Equal(t, "v2", p.Template)

	p, err = s.GetPrompt(ctx, "article", 3)
	require.NoError(t, err)
	assert.Equal(t, "v3", p.Template)

	_, err = s.GetPrompt(ctx, "missing", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ListJobsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateJob(ctx, &model.Job{ID: id, Type: model.JobTypeScrape, Status: model.JobStatusPending}))
	}
	jobs, total, err := s.ListJobs(ctx, model.JobFilter{Type: model.JobTypeScrape, Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].ID)
}
