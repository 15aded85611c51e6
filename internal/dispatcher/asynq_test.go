package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemo/api/internal/model"
)

func TestQueueName(t *testing.T) {
	tests := []struct {
		priority int
		want     string
	}{
		{-3, "search-p1"},
		{0, "search-p1"},
		{1, "search-p1"},
		{7, "search-p7"},
		{10, "search-p10"},
		{42, "search-p10"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QueueName(model.JobTypeSearch, tt.priority))
	}
}

func TestRetryDelay(t *testing.T) {
	task := asynq.NewTask(taskPrefix+"search", nil)

	assert.Equal(t, 3*time.Second, retryDelay(1, &retryError{delay: 3 * time.Second}, task))
	assert.Equal(t, 250*time.Millisecond, retryDelay(1, &deferError{delay: 250 * time.Millisecond}, task))

	assert.Positive(t, retryDelay(1, errors.New("boom"), task))
}

func TestIsFailure(t *testing.T) {
	assert.False(t, isFailure(&deferError{delay: time.Second}))
	assert.True(t, isFailure(&retryError{delay: time.Second, err: errors.New("timeout")}))
	assert.True(t, isFailure(errors.New("boom")))
}

func TestAsynqLogLevel(t *testing.T) {
	assert.Equal(t, asynq.DebugLevel, asynqLogLevel("DEBUG"))
	assert.Equal(t, asynq.WarnLevel, asynqLogLevel("warn"))
	assert.Equal(t, asynq.ErrorLevel, asynqLogLevel("error"))
	assert.Equal(t, asynq.InfoLevel, asynqLogLevel(""))
}

func TestAsynqBroker_ProcessMapsOutcomes(t *testing.T) {
	payload, err := json.Marshal(Delivery{JobID: "j1", Type: model.JobTypeSearch, Priority: 5, MaxAttempts: 3})
	require.NoError(t, err)
	task := asynq.NewTask(taskPrefix+"search", payload)
	b := &AsynqBroker{}

	var got Delivery
	run := func(out Outcome) error {
		return b.process(func(_ context.Context, d Delivery) Outcome {
			got = d
			return out
		})(context.Background(), task)
	}

	require.NoError(t, run(Outcome{Action: Ack}))
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, 3, got.MaxAttempts)

	err = run(Outcome{Action: Retry, Delay: time.Second, Err: errors.New("upstream timeout")})
	var re *retryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, time.Second, re.delay)
	assert.EqualError(t, err, "upstream timeout")

	err = run(Outcome{Action: Defer, Delay: 2 * time.Second})
	var de *deferError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2*time.Second, de.delay)
	assert.False(t, isFailure(err))

	err = b.process(func(context.Context, Delivery) Outcome { return Outcome{} })(
		context.Background(), asynq.NewTask(taskPrefix+"search", []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
