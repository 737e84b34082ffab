package statequery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
)

type fakeQuerier struct {
	pending    []model.Job
	started    []model.Job
	status     model.ConsumerStatus
	failStatus bool
	closed     *int
}

func (f *fakeQuerier) Submission(context.Context) ([]model.Job, error) { return f.pending, nil }
func (f *fakeQuerier) RunningAndCompleted(context.Context) ([]model.Job, error) {
	return f.started, nil
}
func (f *fakeQuerier) QueueStatus(context.Context) (model.ConsumerStatus, error) {
	if f.failStatus {
		return "", errors.New("broker gone")
	}
	return f.status, nil
}
func (f *fakeQuerier) Close() error {
	*f.closed++
	return nil
}

func helperFor(f *fakeQuerier) (Helper, *int) {
	closed := 0
	f.closed = &closed
	return Helper{
		Dial: func(context.Context, string, string) (Querier, error) {
			return f, nil
		},
		Endpoint:  "unix:///tmp/beamq.sock",
		QueueName: "q",
		Logger:    logging.Discard(),
	}, &closed
}

func withStatus(s model.JobStatus) model.Job {
	return model.NewJob("j", model.JobSpec{}).WithStatus(s)
}

func TestIsQueueEmpty(t *testing.T) {
	h, closed := helperFor(&fakeQuerier{})
	assert.True(t, h.IsQueueEmpty(context.Background()))

	h2, _ := helperFor(&fakeQuerier{pending: []model.Job{withStatus(model.JobStatusSubmitted)}})
	assert.False(t, h2.IsQueueEmpty(context.Background()))
	assert.Equal(t, 1, *closed, "each call releases its proxy")
}

func TestIsJobRunningOrPending(t *testing.T) {
	tests := []struct {
		name string
		q    fakeQuerier
		want bool
	}{
		{"idle", fakeQuerier{status: model.ConsumerStatusRunning}, false},
		{"running with pending", fakeQuerier{status: model.ConsumerStatusRunning,
			pending: []model.Job{withStatus(model.JobStatusSubmitted)}}, true},
		{"paused with pending", fakeQuerier{status: model.ConsumerStatusPaused,
			pending: []model.Job{withStatus(model.JobStatusSubmitted)}}, false},
		{"job running", fakeQuerier{status: model.ConsumerStatusPaused,
			started: []model.Job{withStatus(model.JobStatusRunning)}}, true},
		{"all final", fakeQuerier{status: model.ConsumerStatusRunning,
			started: []model.Job{withStatus(model.JobStatusComplete), withStatus(model.JobStatusFailed)}}, false},
		{"status error", fakeQuerier{failStatus: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.q
			h, closed := helperFor(&q)
			assert.Equal(t, tt.want, h.IsJobRunningOrPending(context.Background()))
			assert.Equal(t, 1, *closed)
		})
	}
}

func TestHelper_UnreachableIsConservative(t *testing.T) {
	h := Helper{
		Dial: func(context.Context, string, string) (Querier, error) {
			return nil, errors.New("connection refused")
		},
		QueueName: "q",
	}
	assert.False(t, h.IsQueueEmpty(context.Background()))
	assert.True(t, h.IsJobRunningOrPending(context.Background()))
}

func TestHelper_DefaultDialMalformedEndpoint(t *testing.T) {
	h := Helper{Endpoint: "tcp://nowhere:1", QueueName: "q", Logger: logging.Discard()}
	assert.False(t, h.IsQueueEmpty(context.Background()))
	assert.True(t, h.IsJobRunningOrPending(context.Background()))
}
