package reporter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemo/api/internal/events"
	"github.com/zemo/api/internal/metrics"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store/memstore"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func setup(t *testing.T, pub events.Publisher, m *metrics.Metrics) (*memstore.Store, *JobReporter) {
	t.Helper()
	s := memstore.New()
	job := &model.Job{ID: "j1", Type: model.JobTypeScrape, Status: model.JobStatusRunning, CreatedAt: time.Now()}
	require.NoError(t, s.CreateJob(context.Background(), job))
	r := New(s, pub, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	return s, r.ForJob(job)
}

func TestProgress_PersistsLogsAndPublishes(t *testing.T) {
	ctx := context.Background()
	pub := &recorder{}
	s, jr := setup(t, pub, nil)

	jr.Progress(ctx, 2, 5, "Scraped 2/5")
	jr.Progress(ctx, 1, 5, "late update")

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Progress.Current)
	assert.Equal(t, 5, job.Progress.Total)

	logs, total, err := s.ListLogs(ctx, "j1", 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, "Scraped 2/5", logs[0].Message)

	require.Len(t, pub.events, 2)
	assert.Equal(t, model.EventProgress, pub.events[0].Type)
	assert.Equal(t, "j1", pub.events[0].JobID)
	assert.Equal(t, model.JobTypeScrape, pub.events[0].JobType)
	assert.Equal(t, 2, pub.events[1].Progress.Current)
}

func TestProgress_StepIsLoggedOnly(t *testing.T) {
	ctx := context.Background()
	pub := &recorder{}
	s, jr := setup(t, pub, nil)

	jr.Step("scrape").Progress(ctx, 3, 4, "Scraped 3/4")

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 0, job.Progress.Current)
	assert.Empty(t, pub.events)

	logs, _, err := s.ListLogs(ctx, "j1", 0, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "scrape", logs[0].Step)
	assert.Equal(t, model.LogLevelDebug, logs[0].Level)
}

func TestPublishFailureIsCounted(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	pub := &recorder{err: errors.New("bus down")}
	_, jr := setup(t, pub, m)

	jr.Status(ctx, &model.Job{ID: "j1", Status: model.JobStatusRunning})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))
}

func TestFailed_PublishesErrorEvent(t *testing.T) {
	ctx := context.Background()
	pub := &recorder{}
	_, jr := setup(t, pub, nil)

	jr.Failed(ctx, &model.Job{ID: "j1", Status: model.JobStatusFailed}, "upstream unavailable")

	require.Len(t, pub.events, 2)
	assert.Equal(t, model.EventStatus, pub.events[0].Type)
	assert.Equal(t, model.EventError, pub.events[1].Type)
	assert.Equal(t, "upstream unavailable", pub.events[1].Message)
}
