//go:build integration

package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newJob(id string) *model.Job {
	return &model.Job{
		ID:          id,
		Type:        model.JobTypeSearch,
		Status:      model.JobStatusPending,
		Priority:    5,
		MaxAttempts: 3,
		CreatedAt:   time.Now(),
	}
}

func TestStore_ClaimIsExclusive(t *testing.T) {
	s := New(setupRedis(t), time.Hour)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("j1")))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.ClaimJob(ctx, s, "j1", 1, time.Now(), time.Minute); err == nil {
				mu.Lock()
				winner++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winner)

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.NotNil(t, job.StartedAt)
}

func TestStore_LogsAndListing(t *testing.T) {
	s := New(setupRedis(t), time.Hour)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("a")))
	require.NoError(t, s.CreateJob(ctx, newJob("b")))

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendLog(ctx, &model.JobLogEntry{JobID: "a", Level: model.LogLevelInfo, Message: msg}))
	}
	logs, total, err := s.ListLogs(ctx, "a", 1, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, logs, 2)
	assert.Equal(t, "two", logs[0].Message)

	recent, err := s.RecentLogs(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].Message)

	jobs, count, err := s.ListJobs(ctx, model.JobFilter{Status: model.JobStatusPending, Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	assert.Len(t, jobs, 1)
}

func TestStore_PageUpsertKeepsID(t *testing.T) {
	s := New(setupRedis(t), 0)
	ctx := context.Background()

	p := &model.ScrapedPage{URL: "https://example.com", Title: "v1"}
	require.NoError(t, s.SavePage(ctx, p))
	again := &model.ScrapedPage{URL: "https://example.com", Title: "v2"}
	require.NoError(t, s.SavePage(ctx, again))
	assert.Equal(t, p.ID, again.ID)

	got, err := s.PageByURL(ctx, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Title)
}

func TestStore_EmbeddingsDedupAcrossProcesses(t *testing.T) {
	client := setupRedis(t)
	api, worker := New(client, 0), New(client, 0)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		s := api
		if i%2 == 1 {
			s = worker
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok, err := s.InsertEmbedding(ctx, &model.EmbeddingRecord{
				TextHash: "h1", Model: "text-embedding-3-small", Vector: []float32{1, 0}, CreatedAt: time.Now(),
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[rec.ID] = true
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	_, ok, err := worker.InsertEmbedding(ctx, &model.EmbeddingRecord{TextHash: "h2", Model: "text-embedding-3-small", Vector: []float32{0, 1}})
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = worker.InsertEmbedding(ctx, &model.EmbeddingRecord{TextHash: "h1", Model: "other-model", Vector: []float32{1, 1}})
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := api.FindEmbedding(ctx, "h1", "text-embedding-3-small")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, found.Vector)

	_, err = api.FindEmbedding(ctx, "h3", "text-embedding-3-small")
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := api.ListEmbeddings(ctx, "text-embedding-3-small")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h1", list[0].TextHash)
	assert.Equal(t, "h2", list[1].TextHash)
}
